package dbus

import "strings"

// LowerFDs walks body against sig, replacing every raw Unix file
// descriptor (type code 'h', represented as an int) with its index
// into fds, appending each fd to fds the first time it's seen. It
// returns the rewritten body; fds is grown in place via the returned
// slice. Messages whose sig contains neither 'h' nor 'v' (a Variant
// may carry an 'h' inside it) are returned unchanged, which is the
// common case and the reason this is a single short-circuit check
// rather than an unconditional walk.
func LowerFDs(sig Signature, body []any, fds []int) ([]any, []int, error) {
	if !signatureMayCarryFDs(sig) {
		return body, fds, nil
	}
	if len(sig.Children) != len(body) {
		return nil, nil, SignatureBodyMismatchError{Detail: "signature has a different number of complete types than body has values"}
	}
	out := make([]any, len(body))
	for i, child := range sig.Children {
		v, newFDs, err := lowerValue(child, body[i], fds)
		if err != nil {
			return nil, nil, err
		}
		fds = newFDs
		out[i] = v
	}
	return out, fds, nil
}

// LiftFDs is the inverse of LowerFDs: it walks body against sig,
// replacing every fd index (type code 'h', represented as a uint32)
// with the actual descriptor at that position in fds, or nil if the
// index has no corresponding entry.
//
// The walk descends into Variants unconditionally rather than
// inspecting the Variant's own signature for 'h' first, since a
// Variant's inner signature is only known by parsing its inner
// signature value, which the lift has to do anyway; the short-circuit
// happens once at the top against the outer message signature, not
// again per Variant.
func LiftFDs(sig Signature, body []any, fds []int) ([]any, error) {
	if !signatureMayCarryFDs(sig) {
		return body, nil
	}
	out := make([]any, len(body))
	for i, child := range sig.Children {
		v, err := liftValue(child, body[i], fds)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func signatureContainsCode(sig Signature, code byte) bool {
	return strings.IndexByte(sig.Text, code) >= 0
}

// signatureMayCarryFDs reports whether a body of sig can hold an fd:
// directly as an 'h', or inside a Variant.
func signatureMayCarryFDs(sig Signature) bool {
	return signatureContainsCode(sig, 'h') || signatureContainsCode(sig, 'v')
}

// indexOfFD returns the index of fd within fds, or -1 if it isn't
// present, mirroring dbus_ezy's unix_fds.index(fd)/ValueError lookup:
// a repeated descriptor value reuses the index of its first occurrence
// rather than appending a duplicate entry.
func indexOfFD(fds []int, fd int) int {
	for i, existing := range fds {
		if existing == fd {
			return i
		}
	}
	return -1
}

// CollectFDs walks body against sig and returns every raw Unix file
// descriptor (type code 'h', represented as an int) found, in
// encounter order. It does not rewrite body; it's used by
// Message.CloseUnixFDs to find descriptors a decoded message still
// owns.
func CollectFDs(sig Signature, body []any) []int {
	if !signatureMayCarryFDs(sig) {
		return nil
	}
	var out []int
	for i, child := range sig.Children {
		if i >= len(body) {
			break
		}
		collectFDs(child, body[i], &out)
	}
	return out
}

func collectFDs(sig Signature, value any, out *[]int) {
	switch sig.TypeCode {
	case 'h':
		if fd, ok := asInt64(value); ok {
			*out = append(*out, int(fd))
		}
	case 'v':
		if variant, ok := value.(Variant); ok {
			collectFDs(variant.Sig, variant.Value, out)
		}
	case '(':
		seq, ok := asSequence(value)
		if !ok {
			return
		}
		for i, child := range sig.Children {
			if i >= len(seq) {
				break
			}
			collectFDs(child, seq[i], out)
		}
	case 'a':
		child := sig.Children[0]
		if child.TypeCode == '{' {
			m, ok := asMap(value)
			if !ok {
				return
			}
			for _, pair := range m {
				collectFDs(child.Children[0], pair.key, out)
				collectFDs(child.Children[1], pair.value, out)
			}
			return
		}
		seq, ok := asSequence(value)
		if !ok {
			return
		}
		for _, member := range seq {
			collectFDs(child, member, out)
		}
	}
}

func lowerValue(sig Signature, value any, fds []int) (any, []int, error) {
	switch sig.TypeCode {
	case 'h':
		fd, ok := asInt64(value)
		if !ok {
			return nil, nil, SignatureBodyMismatchError{Code: 'h', Detail: "must be an integer file descriptor"}
		}
		idx := indexOfFD(fds, int(fd))
		if idx < 0 {
			idx = len(fds)
			fds = append(fds, int(fd))
		}
		return uint32(idx), fds, nil

	case 'v':
		variant, ok := value.(Variant)
		if !ok {
			return nil, nil, SignatureBodyMismatchError{Code: 'v', Detail: "must be a Variant"}
		}
		lowered, newFDs, err := lowerValue(variant.Sig, variant.Value, fds)
		if err != nil {
			return nil, nil, err
		}
		return newVariantUnchecked(variant.Sig, lowered), newFDs, nil

	case '(':
		seq, ok := asSequence(value)
		if !ok {
			return nil, nil, SignatureBodyMismatchError{Code: '(', Detail: "must be a sequence"}
		}
		if len(seq) != len(sig.Children) {
			return nil, nil, SignatureBodyMismatchError{Code: '(', Detail: "struct has a different number of members than its signature"}
		}
		out := make([]any, len(seq))
		for i, child := range sig.Children {
			lowered, newFDs, err := lowerValue(child, seq[i], fds)
			if err != nil {
				return nil, nil, err
			}
			fds = newFDs
			out[i] = lowered
		}
		return out, fds, nil

	case 'a':
		child := sig.Children[0]
		if child.TypeCode == '{' {
			m, ok := asMap(value)
			if !ok {
				return nil, nil, SignatureBodyMismatchError{Code: 'a', Detail: "must be a map"}
			}
			out := make(map[any]any, len(m))
			for _, pair := range m {
				loweredKey, newFDs, err := lowerValue(child.Children[0], pair.key, fds)
				if err != nil {
					return nil, nil, err
				}
				fds = newFDs
				loweredVal, newFDs2, err := lowerValue(child.Children[1], pair.value, fds)
				if err != nil {
					return nil, nil, err
				}
				fds = newFDs2
				out[loweredKey] = loweredVal
			}
			return out, fds, nil
		}
		seq, ok := asSequence(value)
		if !ok {
			return nil, nil, SignatureBodyMismatchError{Code: 'a', Detail: "must be a sequence"}
		}
		out := make([]any, len(seq))
		for i, member := range seq {
			lowered, newFDs, err := lowerValue(child, member, fds)
			if err != nil {
				return nil, nil, err
			}
			fds = newFDs
			out[i] = lowered
		}
		return out, fds, nil

	default:
		return value, fds, nil
	}
}

func liftValue(sig Signature, value any, fds []int) (any, error) {
	switch sig.TypeCode {
	case 'h':
		// An index with no corresponding sidecar entry lifts to nil
		// rather than an error: dbus_ezy's replace_idx_with_fds returns
		// None on IndexError, and spec.md's FD mapper contract calls
		// this the "absent" sentinel rather than a failure.
		idx, ok := asInt64(value)
		if !ok || idx < 0 || int(idx) >= len(fds) {
			return nil, nil
		}
		return fds[idx], nil

	case 'v':
		variant, ok := value.(Variant)
		if !ok {
			return nil, SignatureBodyMismatchError{Code: 'v', Detail: "must be a Variant"}
		}
		lifted, err := liftValue(variant.Sig, variant.Value, fds)
		if err != nil {
			return nil, err
		}
		return newVariantUnchecked(variant.Sig, lifted), nil

	case '(':
		seq, ok := asSequence(value)
		if !ok {
			return nil, SignatureBodyMismatchError{Code: '(', Detail: "must be a sequence"}
		}
		out := make([]any, len(seq))
		for i, child := range sig.Children {
			lifted, err := liftValue(child, seq[i], fds)
			if err != nil {
				return nil, err
			}
			out[i] = lifted
		}
		return out, nil

	case 'a':
		child := sig.Children[0]
		if child.TypeCode == '{' {
			m, ok := asMap(value)
			if !ok {
				return nil, SignatureBodyMismatchError{Code: 'a', Detail: "must be a map"}
			}
			out := make(map[any]any, len(m))
			for _, pair := range m {
				liftedKey, err := liftValue(child.Children[0], pair.key, fds)
				if err != nil {
					return nil, err
				}
				liftedVal, err := liftValue(child.Children[1], pair.value, fds)
				if err != nil {
					return nil, err
				}
				out[liftedKey] = liftedVal
			}
			return out, nil
		}
		seq, ok := asSequence(value)
		if !ok {
			return nil, SignatureBodyMismatchError{Code: 'a', Detail: "must be a sequence"}
		}
		out := make([]any, len(seq))
		for i, member := range seq {
			lifted, err := liftValue(child, member, fds)
			if err != nil {
				return nil, err
			}
			out[i] = lifted
		}
		return out, nil

	default:
		return value, nil
	}
}
