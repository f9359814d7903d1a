package dbus

import (
	"encoding/binary"
	"math"
)

// Marshaller serializes a signature/body pair to the D-Bus wire format
// in a single target byte order. Create one with newMarshaller, or
// just call the package-level Marshal for the common case of
// marshalling one complete message body.
type Marshaller struct {
	order binary.ByteOrder
	buf   []byte
}

func newMarshaller(order binary.ByteOrder) *Marshaller {
	return &Marshaller{order: order}
}

// Marshal verifies body against sig and appends its wire encoding to
// the end of dst, returning the extended slice. sig must be a root
// node (as returned by ParseSignature) whose children line up
// positionally with body.
func Marshal(order binary.ByteOrder, sig Signature, body []any, dst []byte) ([]byte, error) {
	if len(sig.Children) != len(body) {
		return nil, SignatureBodyMismatchError{Detail: "signature has a different number of complete types than body has values"}
	}
	m := newMarshaller(order)
	m.buf = dst
	for i, child := range sig.Children {
		if err := child.Verify(body[i]); err != nil {
			return nil, err
		}
		if err := m.writeValue(child, body[i]); err != nil {
			return nil, err
		}
	}
	return m.buf, nil
}

// align inserts zero bytes until the buffer length is a multiple of n.
func (m *Marshaller) align(n int) {
	pad := -len(m.buf) & (n - 1)
	for i := 0; i < pad; i++ {
		m.buf = append(m.buf, 0)
	}
}

func (m *Marshaller) writeByte(b byte) {
	m.buf = append(m.buf, b)
}

func (m *Marshaller) writeBool(v bool) {
	m.align(4)
	var n uint32
	if v {
		n = 1
	}
	m.writeRaw4(n)
}

func (m *Marshaller) writeInt16(v int16) {
	m.align(2)
	var tmp [2]byte
	m.order.PutUint16(tmp[:], uint16(v))
	m.buf = append(m.buf, tmp[:]...)
}

func (m *Marshaller) writeUint16(v uint16) {
	m.align(2)
	var tmp [2]byte
	m.order.PutUint16(tmp[:], v)
	m.buf = append(m.buf, tmp[:]...)
}

func (m *Marshaller) writeInt32(v int32) {
	m.align(4)
	m.writeRaw4(uint32(v))
}

func (m *Marshaller) writeUint32(v uint32) {
	m.align(4)
	m.writeRaw4(v)
}

func (m *Marshaller) writeRaw4(v uint32) {
	var tmp [4]byte
	m.order.PutUint32(tmp[:], v)
	m.buf = append(m.buf, tmp[:]...)
}

func (m *Marshaller) writeInt64(v int64) {
	m.align(8)
	m.writeRaw8(uint64(v))
}

func (m *Marshaller) writeUint64(v uint64) {
	m.align(8)
	m.writeRaw8(v)
}

func (m *Marshaller) writeRaw8(v uint64) {
	var tmp [8]byte
	m.order.PutUint64(tmp[:], v)
	m.buf = append(m.buf, tmp[:]...)
}

func (m *Marshaller) writeDouble(v float64) {
	m.align(8)
	m.writeRaw8(math.Float64bits(v))
}

func (m *Marshaller) writeSignatureText(text string) {
	m.writeByte(byte(len(text)))
	m.buf = append(m.buf, text...)
	m.writeByte(0)
}

func (m *Marshaller) writeString(s string) {
	m.align(4)
	m.writeRaw4(uint32(len(s)))
	m.buf = append(m.buf, s...)
	m.writeByte(0)
}

// writeValue dispatches on sig's type code, converting body into the
// concrete Go type each write* method expects. Verify has already
// guaranteed body's shape matches sig, so the type assertions here
// only need to handle the handful of Go representations the verifier
// accepts for each code (for example both int and int32 for 'i').
func (m *Marshaller) writeValue(sig Signature, body any) error {
	switch sig.TypeCode {
	case 'y':
		switch v := body.(type) {
		case byte:
			m.writeByte(v)
		case int:
			m.writeByte(byte(v))
		}
		return nil
	case 'b':
		m.writeBool(body.(bool))
		return nil
	case 'n':
		n, _ := asInt64(body)
		m.writeInt16(int16(n))
		return nil
	case 'q':
		n, _ := asInt64(body)
		m.writeUint16(uint16(n))
		return nil
	case 'i':
		n, _ := asInt64(body)
		m.writeInt32(int32(n))
		return nil
	case 'u', 'h':
		n, _ := asInt64(body)
		m.writeUint32(uint32(n))
		return nil
	case 'x':
		n, _ := asInt64(body)
		m.writeInt64(n)
		return nil
	case 't':
		if u, ok := body.(uint64); ok {
			m.writeUint64(u)
			return nil
		}
		n, _ := asInt64(body)
		m.writeUint64(uint64(n))
		return nil
	case 'd':
		switch v := body.(type) {
		case float64:
			m.writeDouble(v)
		case float32:
			m.writeDouble(float64(v))
		default:
			n, _ := asInt64(body)
			m.writeDouble(float64(n))
		}
		return nil
	case 's':
		str, _ := stringOf(body)
		m.writeString(str)
		return nil
	case 'o':
		str, _ := stringOf(body)
		m.writeString(str)
		return nil
	case 'g':
		var text string
		switch v := body.(type) {
		case string:
			text = v
		case Signature:
			text = v.Text
		}
		m.writeSignatureText(text)
		return nil
	case 'v':
		return m.writeVariant(body.(Variant))
	case 'a':
		return m.writeArray(sig, body)
	case '(':
		return m.writeStruct(sig, body)
	default:
		return SignatureBodyMismatchError{Code: sig.TypeCode, Detail: "cannot marshal this type"}
	}
}

func (m *Marshaller) writeVariant(v Variant) error {
	m.writeSignatureText(v.Sig.Text)
	return m.writeValue(v.Sig, v.Value)
}

func (m *Marshaller) writeStruct(sig Signature, body any) error {
	m.align(8)
	seq, _ := asSequence(body)
	for i, child := range sig.Children {
		if err := m.writeValue(child, seq[i]); err != nil {
			return err
		}
	}
	return nil
}

// writeArray writes the 4-byte length-prefixed array body. Per the
// protocol, the length does not include the padding inserted to align
// the first array member when that member's alignment is 8; the
// length field is back-patched after the body is written so the
// padding can be measured and excluded.
func (m *Marshaller) writeArray(sig Signature, body any) error {
	child := sig.Children[0]

	if child.TypeCode == 'y' {
		bytes, ok := body.([]byte)
		if !ok {
			return SignatureBodyMismatchError{Code: 'a', Detail: "array of byte must be []byte"}
		}
		if len(bytes) > maxArrayLength {
			return SignatureBodyMismatchError{Code: 'a', Detail: "array exceeds maximum length"}
		}
		m.align(4)
		m.writeRaw4(uint32(len(bytes)))
		m.buf = append(m.buf, bytes...)
		return nil
	}

	m.align(4)
	lengthOffset := len(m.buf)
	m.writeRaw4(0) // placeholder, back-patched below

	if childAlignment(child) == 8 {
		m.align(8)
	}
	bodyStart := len(m.buf)

	if child.TypeCode == '{' {
		entries, ok := asMap(body)
		if !ok {
			return SignatureBodyMismatchError{Code: 'a', Detail: "array of dict-entry must be a map"}
		}
		for _, entry := range entries {
			m.align(8)
			if err := m.writeValue(child.Children[0], entry.key); err != nil {
				return err
			}
			if err := m.writeValue(child.Children[1], entry.value); err != nil {
				return err
			}
		}
	} else {
		seq, ok := asSequence(body)
		if !ok {
			return SignatureBodyMismatchError{Code: 'a', Detail: "array must be a sequence"}
		}
		for _, member := range seq {
			if err := m.writeValue(child, member); err != nil {
				return err
			}
		}
	}

	length := len(m.buf) - bodyStart
	if length > maxArrayLength {
		return SignatureBodyMismatchError{Code: 'a', Detail: "array exceeds maximum length"}
	}
	m.order.PutUint32(m.buf[lengthOffset:lengthOffset+4], uint32(length))
	return nil
}

// childAlignment returns 8 for array element types with 8-byte wire
// alignment and 4 for every other type, for the one place it matters
// beyond each write* method's own align() call: deciding whether the
// array needs an extra align(8) before its body starts, which
// writeArray must exclude from the length it back-patches.
func childAlignment(sig Signature) int {
	switch sig.TypeCode {
	case 'x', 't', 'd', '(', '{':
		return 8
	default:
		return 4
	}
}
