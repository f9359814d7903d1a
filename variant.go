package dbus

import "fmt"

// Variant pairs a value with its own signature, so it can be embedded
// in a message body at a position whose type isn't known until
// runtime.
type Variant struct {
	Sig   Signature
	Value any
}

// NewVariant wraps value in a Variant after inferring its signature
// from its dynamic Go type and verifying it against that signature.
// Use this when constructing a Variant from application code; messages
// decoded off the wire go through newVariantUnchecked instead, since
// their signature already came from validated wire bytes.
func NewVariant(value any) (Variant, error) {
	sig, err := signatureForValue(value)
	if err != nil {
		return Variant{}, err
	}
	if err := sig.Verify(value); err != nil {
		return Variant{}, err
	}
	return Variant{Sig: sig, Value: value}, nil
}

// MustVariant is like NewVariant but panics on error.
func MustVariant(value any) Variant {
	v, err := NewVariant(value)
	if err != nil {
		panic(err)
	}
	return v
}

// newVariantUnchecked builds a Variant from a signature and value
// already known to match, skipping re-verification. The unmarshaller
// uses this after decoding both halves off the wire.
func newVariantUnchecked(sig Signature, value any) Variant {
	return Variant{Sig: sig, Value: value}
}

func (v Variant) String() string {
	return fmt.Sprintf("@%s %v", v.Sig.Text, v.Value)
}

// signatureForValue infers a single complete type signature for a Go
// value so NewVariant can be called without the caller spelling out a
// signature string by hand. It only covers the basic types (other than
// 'h'), []byte, and nested Variants; anything else, including []any and
// maps, is rejected rather than guessed at, since a wrong guess would
// produce a Variant that verifies against the wrong signature.
func signatureForValue(value any) (Signature, error) {
	switch v := value.(type) {
	case byte:
		return MustParseSignatureSingle("y"), nil
	case bool:
		return MustParseSignatureSingle("b"), nil
	case int16:
		return MustParseSignatureSingle("n"), nil
	case uint16:
		return MustParseSignatureSingle("q"), nil
	case int32:
		return MustParseSignatureSingle("i"), nil
	case uint32:
		return MustParseSignatureSingle("u"), nil
	case int64:
		return MustParseSignatureSingle("x"), nil
	case uint64:
		return MustParseSignatureSingle("t"), nil
	case int:
		return MustParseSignatureSingle("i"), nil
	case float64:
		return MustParseSignatureSingle("d"), nil
	case float32:
		return MustParseSignatureSingle("d"), nil
	case string:
		return MustParseSignatureSingle("s"), nil
	case ObjectPath:
		return MustParseSignatureSingle("o"), nil
	case Signature:
		return MustParseSignatureSingle("g"), nil
	case []byte:
		return MustParseSignatureSingle("ay"), nil
	case Variant:
		_ = v
		return MustParseSignatureSingle("v"), nil
	default:
		return Signature{}, InvalidSignatureError{
			Reason: "cannot infer a signature for Go type " + typeName(value) + "; construct the Variant's Signature explicitly",
		}
	}
}
