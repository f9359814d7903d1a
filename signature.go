package dbus

import (
	"strconv"
	"sync"
	"unicode/utf8"
)

// typeCodes lists every valid D-Bus signature type code, basic and
// container alike. "r" only ever appears as the synthetic root produced
// by ParseSignature; it is never present in user-supplied signature text.
const typeCodes = "ybnqiuxtdsogavh({"

// Signature is an immutable node in a parsed D-Bus type-signature tree.
// The zero value is not a valid Signature; construct one with
// ParseSignature or ParseSignatureSingle.
//
// A Signature parsed by ParseSignature is a synthetic root with TypeCode
// 'r' whose Children are the sequence of complete types the string
// contains. A Signature parsed by ParseSignatureSingle is the single
// complete type itself.
type Signature struct {
	Text     string
	TypeCode byte
	Children []Signature
}

// String returns the exact signature text this node spans.
func (s Signature) String() string { return s.Text }

// IsBasic reports whether s is a non-container type.
func (s Signature) IsBasic() bool {
	switch s.TypeCode {
	case 'y', 'b', 'n', 'q', 'i', 'u', 'x', 't', 'd', 's', 'o', 'g', 'h':
		return true
	default:
		return false
	}
}

var signatureCache sync.Map // string -> Signature

// ParseSignature parses a signature string into a tree of complete
// types, wrapped in a synthetic root node with TypeCode 'r'. An empty
// string parses to a root with no children. Results are memoized in a
// process-wide, concurrency-safe cache keyed by the input text.
func ParseSignature(text string) (Signature, error) {
	if cached, ok := signatureCache.Load(text); ok {
		return cached.(Signature), nil
	}

	var children []Signature
	rest := text
	for rest != "" {
		child, remainder, err := parseNext(text, rest)
		if err != nil {
			return Signature{}, err
		}
		children = append(children, child)
		rest = remainder
	}
	sig := Signature{Text: text, TypeCode: 'r', Children: children}
	actual, _ := signatureCache.LoadOrStore(text, sig)
	return actual.(Signature), nil
}

// MustParseSignature is like ParseSignature but panics on error. It
// exists for package-internal use with signature literals known to be
// valid at compile time.
func MustParseSignature(text string) Signature {
	sig, err := ParseSignature(text)
	if err != nil {
		panic(err)
	}
	return sig
}

// ParseSignatureSingle parses text as exactly one complete type. It
// fails if text is empty or contains trailing content after the first
// complete type.
func ParseSignatureSingle(text string) (Signature, error) {
	if text == "" {
		return Signature{}, InvalidSignatureError{Text: text, Reason: "empty signature, expected a single complete type"}
	}
	cacheKey := "1:" + text
	if cached, ok := signatureCache.Load(cacheKey); ok {
		return cached.(Signature), nil
	}
	sig, rest, err := parseNext(text, text)
	if err != nil {
		return Signature{}, err
	}
	if rest != "" {
		return Signature{}, InvalidSignatureError{
			Text:   text,
			Reason: "more than one single complete type, remaining: " + quote(rest),
		}
	}
	actual, _ := signatureCache.LoadOrStore(cacheKey, sig)
	return actual.(Signature), nil
}

// MustParseSignatureSingle is like ParseSignatureSingle but panics on
// error.
func MustParseSignatureSingle(text string) Signature {
	sig, err := ParseSignatureSingle(text)
	if err != nil {
		panic(err)
	}
	return sig
}

// parseNext consumes one complete type from the front of rest (a
// suffix of full), returning the parsed node and the unconsumed
// remainder of rest. A dict entry is rejected here: it may only appear
// as an array's element type, which the 'a' case parses through
// parseCompleteType directly.
func parseNext(full, rest string) (Signature, string, error) {
	if rest != "" && rest[0] == '{' {
		return Signature{}, "", InvalidSignatureError{Text: full, Reason: "dict entry outside of an array"}
	}
	return parseCompleteType(full, rest)
}

func parseCompleteType(full, rest string) (Signature, string, error) {
	if rest == "" {
		return Signature{}, "", InvalidSignatureError{Text: full, Reason: "unexpected end of signature"}
	}

	typeCode := rest[0]
	if !isKnownTypeCode(typeCode) {
		return Signature{}, "", InvalidSignatureError{
			Text:   full,
			Reason: "unexpected type code " + quote(string(typeCode)),
		}
	}

	switch typeCode {
	case 'a':
		child, remainder, err := parseCompleteType(full, rest[1:])
		if err != nil {
			return Signature{}, "", InvalidSignatureError{Text: full, Reason: "missing type for array"}
		}
		return Signature{
			Text:     removeRemainder(rest, remainder),
			TypeCode: 'a',
			Children: []Signature{child},
		}, remainder, nil

	case '(':
		remainder := rest[1:]
		var children []Signature
		for {
			var child Signature
			var err error
			child, remainder, err = parseNext(full, remainder)
			if err != nil {
				return Signature{}, "", err
			}
			children = append(children, child)
			if remainder == "" {
				return Signature{}, "", InvalidSignatureError{Text: full, Reason: `missing closing ")" for struct`}
			}
			if remainder[0] == ')' {
				remainder = remainder[1:]
				return Signature{
					Text:     removeRemainder(rest, remainder),
					TypeCode: '(',
					Children: children,
				}, remainder, nil
			}
		}

	case '{':
		remainder := rest[1:]
		keyChild, remainder, err := parseNext(full, remainder)
		if err != nil {
			return Signature{}, "", err
		}
		if len(keyChild.Children) != 0 || !keyChild.IsBasic() {
			return Signature{}, "", InvalidSignatureError{Text: full, Reason: "expected a basic type for dict-entry key"}
		}
		valueChild, remainder, err := parseNext(full, remainder)
		if err != nil {
			return Signature{}, "", InvalidSignatureError{Text: full, Reason: "dict-entry missing value type"}
		}
		if remainder == "" || remainder[0] != '}' {
			return Signature{}, "", InvalidSignatureError{Text: full, Reason: `missing closing "}" for dict entry`}
		}
		remainder = remainder[1:]
		return Signature{
			Text:     removeRemainder(rest, remainder),
			TypeCode: '{',
			Children: []Signature{keyChild, valueChild},
		}, remainder, nil

	default:
		// basic type, leaf node
		return Signature{Text: string(typeCode), TypeCode: typeCode}, rest[1:], nil
	}
}

// removeRemainder returns the prefix of text consumed, given what's left
// unconsumed (a suffix of text).
func removeRemainder(text, remainder string) string {
	if remainder == "" {
		return text
	}
	return text[:len(text)-len(remainder)]
}

func isKnownTypeCode(c byte) bool {
	for i := 0; i < len(typeCodes); i++ {
		if typeCodes[i] == c {
			return true
		}
	}
	return false
}

// Verify reports whether body conforms to s, returning a
// SignatureBodyMismatchError describing the first mismatch found.
func (s Signature) Verify(body any) error {
	if body == nil {
		return SignatureBodyMismatchError{Code: s.TypeCode, Detail: "cannot serialize a nil value"}
	}
	switch s.TypeCode {
	case 'y':
		return s.verifyByte(body)
	case 'b':
		return s.verifyBool(body)
	case 'n':
		return s.verifyInt16(body)
	case 'q':
		return s.verifyUint16(body)
	case 'i':
		return s.verifyInt32(body)
	case 'u':
		return s.verifyUint32(body)
	case 'x':
		return s.verifyInt64(body)
	case 't':
		return s.verifyUint64(body)
	case 'd':
		return s.verifyDouble(body)
	case 'h':
		return s.verifyUnixFD(body)
	case 's':
		return s.verifyString(body)
	case 'o':
		return s.verifyObjectPath(body)
	case 'g':
		return s.verifySignatureValue(body)
	case 'v':
		return s.verifyVariant(body)
	case 'a':
		return s.verifyArray(body)
	case '(', 'r':
		return s.verifyStruct(body)
	default:
		return SignatureBodyMismatchError{Code: s.TypeCode, Detail: "cannot verify type with this code"}
	}
}

func (s Signature) verifyByte(body any) error {
	switch v := body.(type) {
	case byte:
		_ = v
		return nil
	case int:
		if v < 0 || v > 0xFF {
			return SignatureBodyMismatchError{Code: 'y', Detail: "must be between 0 and 255"}
		}
		return nil
	default:
		return SignatureBodyMismatchError{Code: 'y', Detail: "must be a byte, got " + typeName(body)}
	}
}

func (s Signature) verifyBool(body any) error {
	if _, ok := body.(bool); !ok {
		return SignatureBodyMismatchError{Code: 'b', Detail: "must be a bool, got " + typeName(body)}
	}
	return nil
}

func (s Signature) verifyInt16(body any) error {
	n, ok := asInt64(body)
	if !ok {
		return SignatureBodyMismatchError{Code: 'n', Detail: "must be an integer, got " + typeName(body)}
	}
	if n < -0x8000 || n > 0x7FFF {
		return SignatureBodyMismatchError{Code: 'n', Detail: "must be between -32768 and 32767"}
	}
	return nil
}

func (s Signature) verifyUint16(body any) error {
	n, ok := asInt64(body)
	if !ok {
		return SignatureBodyMismatchError{Code: 'q', Detail: "must be an integer, got " + typeName(body)}
	}
	if n < 0 || n > 0xFFFF {
		return SignatureBodyMismatchError{Code: 'q', Detail: "must be between 0 and 65535"}
	}
	return nil
}

func (s Signature) verifyInt32(body any) error {
	n, ok := asInt64(body)
	if !ok {
		return SignatureBodyMismatchError{Code: 'i', Detail: "must be an integer, got " + typeName(body)}
	}
	if n < -0x80000000 || n > 0x7FFFFFFF {
		return SignatureBodyMismatchError{Code: 'i', Detail: "must be a valid int32"}
	}
	return nil
}

func (s Signature) verifyUint32(body any) error {
	n, ok := asInt64(body)
	if !ok {
		return SignatureBodyMismatchError{Code: 'u', Detail: "must be an integer, got " + typeName(body)}
	}
	if n < 0 || n > 0xFFFFFFFF {
		return SignatureBodyMismatchError{Code: 'u', Detail: "must be a valid uint32"}
	}
	return nil
}

func (s Signature) verifyInt64(body any) error {
	_, ok := asInt64(body)
	if !ok {
		return SignatureBodyMismatchError{Code: 'x', Detail: "must be an integer, got " + typeName(body)}
	}
	return nil
}

func (s Signature) verifyUint64(body any) error {
	switch v := body.(type) {
	case uint64:
		_ = v
		return nil
	default:
		n, ok := asInt64(body)
		if !ok || n < 0 {
			return SignatureBodyMismatchError{Code: 't', Detail: "must be a non-negative integer, got " + typeName(body)}
		}
		return nil
	}
}

func (s Signature) verifyDouble(body any) error {
	switch body.(type) {
	case float32, float64:
		return nil
	default:
		if _, ok := asInt64(body); ok {
			return nil
		}
		return SignatureBodyMismatchError{Code: 'd', Detail: "must be a float or integer, got " + typeName(body)}
	}
}

func (s Signature) verifyUnixFD(body any) error {
	if err := s.verifyUint32(body); err != nil {
		return SignatureBodyMismatchError{Code: 'h', Detail: "must be a valid uint32 file-descriptor index"}
	}
	return nil
}

func (s Signature) verifyString(body any) error {
	str, ok := stringOf(body)
	if !ok {
		return SignatureBodyMismatchError{Code: 's', Detail: "must be a string, got " + typeName(body)}
	}
	if !utf8.ValidString(str) {
		return SignatureBodyMismatchError{Code: 's', Detail: "must be valid UTF-8"}
	}
	return nil
}

func (s Signature) verifyObjectPath(body any) error {
	str, ok := stringOf(body)
	if !ok {
		return SignatureBodyMismatchError{Code: 'o', Detail: "must be a string, got " + typeName(body)}
	}
	if !ObjectPath(str).Valid() {
		return SignatureBodyMismatchError{Code: 'o', Detail: "must be a syntactically valid object path, got " + quote(str)}
	}
	return nil
}

func (s Signature) verifySignatureValue(body any) error {
	var text string
	switch v := body.(type) {
	case string:
		text = v
	case Signature:
		text = v.Text
	default:
		return SignatureBodyMismatchError{Code: 'g', Detail: "must be a string or Signature, got " + typeName(body)}
	}
	if _, err := ParseSignature(text); err != nil {
		return SignatureBodyMismatchError{Code: 'g', Detail: "not a valid signature: " + err.Error()}
	}
	if len(text) > 0xFF {
		return SignatureBodyMismatchError{Code: 'g', Detail: "must be at most 255 bytes"}
	}
	return nil
}

func (s Signature) verifyVariant(body any) error {
	if _, ok := body.(Variant); !ok {
		return SignatureBodyMismatchError{Code: 'v', Detail: "must be a Variant, got " + typeName(body)}
	}
	return nil
}

func (s Signature) verifyArray(body any) error {
	child := s.Children[0]

	switch child.TypeCode {
	case '{':
		m, ok := asMap(body)
		if !ok {
			return SignatureBodyMismatchError{Code: 'a', Detail: "array of dict-entry must be a map, got " + typeName(body)}
		}
		keySig, valSig := child.Children[0], child.Children[1]
		for _, kv := range m {
			if err := keySig.Verify(kv.key); err != nil {
				return err
			}
			if err := valSig.Verify(kv.value); err != nil {
				return err
			}
		}
		return nil
	case 'y':
		switch body.(type) {
		case []byte:
			return nil
		default:
			return SignatureBodyMismatchError{Code: 'a', Detail: "array of byte must be []byte, got " + typeName(body)}
		}
	default:
		seq, ok := asSequence(body)
		if !ok {
			return SignatureBodyMismatchError{Code: 'a', Detail: "array must be a sequence, got " + typeName(body)}
		}
		for _, member := range seq {
			if err := child.Verify(member); err != nil {
				return err
			}
		}
		return nil
	}
}

func (s Signature) verifyStruct(body any) error {
	seq, ok := asSequence(body)
	if !ok {
		return SignatureBodyMismatchError{Code: s.TypeCode, Detail: "struct must be a sequence, got " + typeName(body)}
	}
	if len(seq) != len(s.Children) {
		return SignatureBodyMismatchError{
			Code:   s.TypeCode,
			Detail: "struct has " + strconv.Itoa(len(seq)) + " members, signature wants " + strconv.Itoa(len(s.Children)),
		}
	}
	for i, member := range seq {
		if err := s.Children[i].Verify(member); err != nil {
			return err
		}
	}
	return nil
}
