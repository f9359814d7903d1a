package dbus

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func buildWireMessage(t *testing.T, msgType MessageType, sig string, body []any, extraHeaders map[HeaderField]Variant) []byte {
	t.Helper()
	headers := map[HeaderField]Variant{}
	for k, v := range extraHeaders {
		headers[k] = v
	}
	bodySig, err := ParseSignature(sig)
	if err != nil {
		t.Fatal(err)
	}
	if sig != "" {
		headers[FieldSignature] = newVariantUnchecked(MustParseSignatureSingle("g"), bodySig)
	}
	msg := &Message{
		Order:   binary.LittleEndian,
		Type:    msgType,
		Serial:  1,
		Headers: headers,
		Body:    body,
		bodySig: bodySig,
	}
	data, _, err := msg.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return data
}

func TestUnmarshalRoundTripSignal(t *testing.T) {
	extra := map[HeaderField]Variant{
		FieldPath:      newVariantUnchecked(MustParseSignatureSingle("o"), ObjectPath("/org/bluez/hci0/dev_AA")),
		FieldInterface: newVariantUnchecked(MustParseSignatureSingle("s"), "org.freedesktop.DBus.Properties"),
		FieldMember:    newVariantUnchecked(MustParseSignatureSingle("s"), "PropertiesChanged"),
	}
	body := []any{
		"org.bluez.Device1",
		map[any]any{"Connected": MustVariant(true)},
		[]any{},
	}
	data := buildWireMessage(t, Signal, "sa{sv}as", body, extra)

	u := NewUnmarshaller(NewStreamReader(bytes.NewReader(data)))
	msg, err := u.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if msg.Type != Signal {
		t.Errorf("Type = %v, want Signal", msg.Type)
	}
	if got := msg.Headers[FieldMember].Value; got != "PropertiesChanged" {
		t.Errorf("MEMBER = %v, want PropertiesChanged", got)
	}
	iface, _ := msg.Body[0].(string)
	if iface != "org.bluez.Device1" {
		t.Errorf("body[0] = %v, want org.bluez.Device1", iface)
	}
	changed, ok := msg.Body[1].(map[any]any)
	if !ok {
		t.Fatalf("body[1] is %T, want map[any]any", msg.Body[1])
	}
	if diff := cmp.Diff(true, changed["Connected"].(Variant).Value); diff != "" {
		t.Errorf("Connected mismatch (-want +got):\n%s", diff)
	}
}

// blockingReader simulates a non-blocking socket that delivers exactly
// one byte every other call and reports ErrWouldBlock the rest of the
// time, exercising the Unmarshaller's ability to resume across many
// ErrWouldBlock returns spanning many Next calls without losing or
// re-reading bytes.
type blockingReader struct {
	data      []byte
	pos       int
	blockNext bool
}

func (r *blockingReader) Read(p []byte) (int, error) {
	if r.blockNext {
		r.blockNext = false
		return 0, ErrWouldBlock
	}
	if r.pos >= len(r.data) {
		return 0, ErrWouldBlock
	}
	p[0] = r.data[r.pos]
	r.pos++
	r.blockNext = true
	return 1, nil
}

func TestUnmarshalResumesByteAtATime(t *testing.T) {
	data := buildWireMessage(t, MethodCall, "s", []any{"hello"}, map[HeaderField]Variant{
		FieldPath:   newVariantUnchecked(MustParseSignatureSingle("o"), ObjectPath("/a")),
		FieldMember: newVariantUnchecked(MustParseSignatureSingle("s"), "Method"),
	})

	u := NewUnmarshaller(&blockingReader{data: data})
	var msg *Message
	for {
		m, err := u.Next()
		if err == ErrWouldBlock {
			continue
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		msg = m
		break
	}
	if msg.Body[0].(string) != "hello" {
		t.Errorf("body[0] = %v, want hello", msg.Body[0])
	}
}

// TestUnmarshalBlueZPropertiesChangedByteAtATime exercises spec
// scenario 5: a PropertiesChanged signal carrying a dict entry whose
// value is a Variant("n", -0x59), fed to the resumable Unmarshaller one
// byte at a time to exercise the partial-read state machine end to end.
func TestUnmarshalBlueZPropertiesChangedByteAtATime(t *testing.T) {
	extra := map[HeaderField]Variant{
		FieldPath:      newVariantUnchecked(MustParseSignatureSingle("o"), ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")),
		FieldInterface: newVariantUnchecked(MustParseSignatureSingle("s"), "org.freedesktop.DBus.Properties"),
		FieldMember:    newVariantUnchecked(MustParseSignatureSingle("s"), "PropertiesChanged"),
	}
	body := []any{
		"org.bluez.Device1",
		map[any]any{"RSSI": MustVariant(int16(-0x59))},
		[]any{},
	}
	data := buildWireMessage(t, Signal, "sa{sv}as", body, extra)

	u := NewUnmarshaller(&blockingReader{data: data})
	var msg *Message
	for {
		m, err := u.Next()
		if err == ErrWouldBlock {
			continue
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		msg = m
		break
	}

	if msg.Headers[FieldInterface].Value.(string) != "org.freedesktop.DBus.Properties" {
		t.Errorf("INTERFACE = %v, want org.freedesktop.DBus.Properties", msg.Headers[FieldInterface].Value)
	}
	if msg.Headers[FieldMember].Value.(string) != "PropertiesChanged" {
		t.Errorf("MEMBER = %v, want PropertiesChanged", msg.Headers[FieldMember].Value)
	}
	changed, ok := msg.Body[1].(map[any]any)
	if !ok {
		t.Fatalf("body[1] is %T, want map[any]any", msg.Body[1])
	}
	rssi, ok := changed["RSSI"].(Variant)
	if !ok {
		t.Fatalf("RSSI is %T, want Variant", changed["RSSI"])
	}
	if rssi.Value.(int16) != -0x59 {
		t.Errorf("RSSI = %v, want -0x59", rssi.Value)
	}
}

// TestUnmarshalRejectsOversizedInnerLength feeds a message whose body
// declares a string length field longer than the bytes actually present
// in the (correctly declared) outer message length. A malicious or
// corrupt sender can set these independently, so the decoder must
// return an error rather than panic on the out-of-range slice.
func TestUnmarshalRejectsOversizedInnerLength(t *testing.T) {
	data := buildWireMessage(t, MethodCall, "s", []any{"hi"}, map[HeaderField]Variant{
		FieldPath:   newVariantUnchecked(MustParseSignatureSingle("o"), ObjectPath("/a")),
		FieldMember: newVariantUnchecked(MustParseSignatureSingle("s"), "M"),
	})
	// The body's string length prefix is the last 7 bytes: 4-byte
	// length, "hi", NUL. Corrupt the length to claim far more bytes
	// than the message actually carries.
	binary.LittleEndian.PutUint32(data[len(data)-7:], 0x7fffffff)

	u := NewUnmarshaller(NewStreamReader(bytes.NewReader(data)))
	if _, err := u.Next(); err == nil {
		t.Fatal("expected an error for an oversized inner length field, got nil")
	}
}

func TestUnmarshalRejectsBadEndian(t *testing.T) {
	data := []byte{'z', byte(MethodCall), 0, protocolVersion, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0}
	u := NewUnmarshaller(NewStreamReader(bytes.NewReader(data)))
	if _, err := u.Next(); err == nil {
		t.Fatal("expected an error for an invalid endian byte")
	}
}

func TestUnmarshalRejectsMissingRequiredField(t *testing.T) {
	// Built directly against the wire-level helpers rather than through
	// Message.Marshal, since Marshal itself refuses to produce bytes for
	// a Message that fails Validate.
	headerBytes, err := marshalHeaderFields(binary.LittleEndian, nil)
	if err != nil {
		t.Fatal(err)
	}
	var data []byte
	data = appendFixedHeader(data, binary.LittleEndian, MethodCall, 0, 0, 1, uint32(len(headerBytes)))
	data = append(data, headerBytes...)
	for len(data)%8 != 0 {
		data = append(data, 0)
	}

	u := NewUnmarshaller(NewStreamReader(bytes.NewReader(data)))
	if _, err := u.Next(); err == nil {
		t.Fatal("expected an error for a method_call with no PATH/MEMBER fields")
	}
}

// TestUnmarshalRejectsArrayOverMaxLength crafts a message whose body is
// only the 4-byte array length prefix, declaring a length one byte past
// the 64 MiB cap. readArray must reject that declared length before
// ever trying to read the (absent) array bytes, so the test doesn't
// need to construct an actual oversized array.
func TestUnmarshalRejectsArrayOverMaxLength(t *testing.T) {
	headers := map[HeaderField]Variant{
		FieldPath:      newVariantUnchecked(MustParseSignatureSingle("o"), ObjectPath("/a")),
		FieldMember:    newVariantUnchecked(MustParseSignatureSingle("s"), "M"),
		FieldSignature: newVariantUnchecked(MustParseSignatureSingle("g"), MustParseSignature("ay")),
	}
	headerBytes, err := marshalHeaderFields(binary.LittleEndian, headers)
	if err != nil {
		t.Fatal(err)
	}

	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, maxArrayLength+1)

	var data []byte
	data = appendFixedHeader(data, binary.LittleEndian, MethodCall, 0, uint32(len(body)), 1, uint32(len(headerBytes)))
	data = append(data, headerBytes...)
	for len(data)%8 != 0 {
		data = append(data, 0)
	}
	data = append(data, body...)

	u := NewUnmarshaller(NewStreamReader(bytes.NewReader(data)))
	if _, err := u.Next(); err == nil {
		t.Fatal("expected an error for an array length one byte over the maximum array length")
	}
}

// TestUnmarshalRejectsMessageOverMaxLength crafts only a fixed header
// whose declared body length pushes the total past the 128 MiB message
// cap. Next must reject it from the fixed header alone, before trying
// to read any of the (absent) body bytes.
func TestUnmarshalRejectsMessageOverMaxLength(t *testing.T) {
	var data []byte
	data = appendFixedHeader(data, binary.LittleEndian, MethodCall, 0, uint32(maxMessageLength), 1, 0)

	u := NewUnmarshaller(NewStreamReader(bytes.NewReader(data)))
	if _, err := u.Next(); err == nil {
		t.Fatal("expected an error for a declared message length over the maximum message length")
	}
}

func TestUnmarshalPipelinesMultipleMessages(t *testing.T) {
	extra := map[HeaderField]Variant{
		FieldPath:   newVariantUnchecked(MustParseSignatureSingle("o"), ObjectPath("/a")),
		FieldMember: newVariantUnchecked(MustParseSignatureSingle("s"), "M"),
	}
	first := buildWireMessage(t, MethodCall, "i", []any{int32(1)}, extra)
	second := buildWireMessage(t, MethodCall, "i", []any{int32(2)}, extra)

	u := NewUnmarshaller(NewStreamReader(bytes.NewReader(append(first, second...))))
	m1, err := u.Next()
	if err != nil {
		t.Fatal(err)
	}
	m2, err := u.Next()
	if err != nil {
		t.Fatal(err)
	}
	if m1.Body[0].(int32) != 1 || m2.Body[0].(int32) != 2 {
		t.Errorf("got bodies %v, %v, want 1, 2", m1.Body[0], m2.Body[0])
	}
}
