package dbus

import "encoding/binary"

// Message is a decoded D-Bus message: a fixed header, a set of
// well-known header fields, and a body. Construct one directly, or
// with NewMethodCall, NewSignal, NewMethodReturn, or NewError; decode
// one off the wire with an Unmarshaller.
type Message struct {
	Order   binary.ByteOrder
	Type    MessageType
	Flags   MessageFlag
	Serial  uint32
	Headers map[HeaderField]Variant
	Body    []any

	// NegotiateUnixFD reports whether the peer has negotiated unix-fd
	// passing support. It gates whether Marshal emits the UNIX_FDS
	// header field when the body carries file descriptors; it defaults
	// to false, matching dbus_ezy's Message._marshall(negotiate_unix_fd
	// =False) default, so constructing a Message carrying 'h' values
	// never unilaterally asserts fd-passing capability to a peer that
	// hasn't agreed to it.
	NegotiateUnixFD bool

	bodySig Signature
}

// NewMethodCall builds a method_call message. sig is the D-Bus
// signature of body (use "" for no arguments); destination may be
// empty for messages sent directly to a peer rather than through a
// bus daemon.
func NewMethodCall(serial uint32, destination BusName, path ObjectPath, iface, member, sig string, body []any) (*Message, error) {
	bodySig, err := ParseSignature(sig)
	if err != nil {
		return nil, err
	}
	headers := map[HeaderField]Variant{
		FieldPath:   newVariantUnchecked(MustParseSignatureSingle("o"), path),
		FieldMember: newVariantUnchecked(MustParseSignatureSingle("s"), member),
	}
	if iface != "" {
		headers[FieldInterface] = newVariantUnchecked(MustParseSignatureSingle("s"), iface)
	}
	if destination != "" {
		headers[FieldDestination] = newVariantUnchecked(MustParseSignatureSingle("s"), string(destination))
	}
	if sig != "" {
		headers[FieldSignature] = newVariantUnchecked(MustParseSignatureSingle("g"), bodySig)
	}
	msg := &Message{
		Order:   binary.LittleEndian,
		Type:    MethodCall,
		Serial:  serial,
		Headers: headers,
		Body:    body,
		bodySig: bodySig,
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// NewSignal builds a signal message.
func NewSignal(serial uint32, path ObjectPath, iface, member, sig string, body []any) (*Message, error) {
	bodySig, err := ParseSignature(sig)
	if err != nil {
		return nil, err
	}
	headers := map[HeaderField]Variant{
		FieldPath:      newVariantUnchecked(MustParseSignatureSingle("o"), path),
		FieldInterface: newVariantUnchecked(MustParseSignatureSingle("s"), iface),
		FieldMember:    newVariantUnchecked(MustParseSignatureSingle("s"), member),
	}
	if sig != "" {
		headers[FieldSignature] = newVariantUnchecked(MustParseSignatureSingle("g"), bodySig)
	}
	msg := &Message{
		Order:   binary.LittleEndian,
		Type:    Signal,
		Serial:  serial,
		Headers: headers,
		Body:    body,
		bodySig: bodySig,
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// NewMethodReturn builds a method_return message replying to call.
func NewMethodReturn(serial uint32, call *Message, sig string, body []any) (*Message, error) {
	bodySig, err := ParseSignature(sig)
	if err != nil {
		return nil, err
	}
	headers := map[HeaderField]Variant{
		FieldReplySerial: newVariantUnchecked(MustParseSignatureSingle("u"), call.Serial),
	}
	if sig != "" {
		headers[FieldSignature] = newVariantUnchecked(MustParseSignatureSingle("g"), bodySig)
	}
	if dest, ok := call.Headers[FieldSender]; ok {
		headers[FieldDestination] = dest
	}
	msg := &Message{
		Order:   call.Order,
		Type:    MethodReturn,
		Serial:  serial,
		Headers: headers,
		Body:    body,
		bodySig: bodySig,
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// NewError builds an error message replying to call.
func NewError(serial uint32, call *Message, name string, sig string, body []any) (*Message, error) {
	bodySig, err := ParseSignature(sig)
	if err != nil {
		return nil, err
	}
	headers := map[HeaderField]Variant{
		FieldReplySerial: newVariantUnchecked(MustParseSignatureSingle("u"), call.Serial),
		FieldErrorName:   newVariantUnchecked(MustParseSignatureSingle("s"), name),
	}
	if sig != "" {
		headers[FieldSignature] = newVariantUnchecked(MustParseSignatureSingle("g"), bodySig)
	}
	if dest, ok := call.Headers[FieldSender]; ok {
		headers[FieldDestination] = dest
	}
	msg := &Message{
		Order:   call.Order,
		Type:    Error,
		Serial:  serial,
		Headers: headers,
		Body:    body,
		bodySig: bodySig,
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// BusName is a D-Bus bus name, either unique (":1.42") or well-known
// ("org.freedesktop.DBus").
type BusName string

// CloseUnixFDs closes every Unix file descriptor found in msg's body,
// returning the first error encountered (if any) after attempting to
// close them all. The package never closes descriptors on its own, so
// a consumer that's done with a decoded message's fds should call this
// once it has duplicated or otherwise consumed them.
func (msg *Message) CloseUnixFDs() error {
	bodySig := msg.bodySig
	if bodySig.TypeCode == 0 {
		var err error
		bodySig, err = inferRootSignature(msg.Headers)
		if err != nil {
			return err
		}
	}
	var first error
	for _, fd := range CollectFDs(bodySig, msg.Body) {
		if err := closeFD(fd); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Validate reports whether msg carries every header field required for
// its Type, and that every name-shaped field it does carry is
// syntactically valid.
func (msg *Message) Validate() error {
	for _, field := range requiredFields[msg.Type] {
		if _, ok := msg.Headers[field]; !ok {
			return InvalidMessageError(msg.Type.String() + " message is missing required header field")
		}
	}
	if v, ok := msg.Headers[FieldPath]; ok {
		path, _ := v.Value.(ObjectPath)
		if err := ValidateObjectPath(path); err != nil {
			return err
		}
	}
	if v, ok := msg.Headers[FieldInterface]; ok {
		name, _ := v.Value.(string)
		if err := ValidateInterfaceName(name); err != nil {
			return err
		}
	}
	if v, ok := msg.Headers[FieldMember]; ok {
		name, _ := v.Value.(string)
		if err := ValidateMemberName(name); err != nil {
			return err
		}
	}
	if v, ok := msg.Headers[FieldErrorName]; ok {
		name, _ := v.Value.(string)
		if err := ValidateInterfaceName(name); err != nil {
			return err
		}
	}
	if v, ok := msg.Headers[FieldDestination]; ok {
		name, _ := v.Value.(string)
		if err := ValidateBusName(name); err != nil {
			return err
		}
	}
	if v, ok := msg.Headers[FieldSender]; ok {
		name, _ := v.Value.(string)
		if err := ValidateBusName(name); err != nil {
			return err
		}
	}
	return nil
}

// headerFieldOrder is the order in which well-known header fields are
// written into the a(yv) array. The actual D-Bus wire format permits
// any order, but writing a fixed order keeps output deterministic,
// which matters for anything hashing or diffing marshalled bytes.
var headerFieldOrder = []HeaderField{
	FieldPath,
	FieldInterface,
	FieldMember,
	FieldErrorName,
	FieldReplySerial,
	FieldDestination,
	FieldSender,
	FieldSignature,
	FieldUnixFDs,
}

// Marshal serializes msg, lowering any Unix file descriptors in its
// body to index form and appending the fd table alongside the
// returned bytes. The UNIX_FDS header field is only written when
// msg.NegotiateUnixFD is set; otherwise the fd table is still returned
// for the caller's transport to pass out-of-band, but the wire message
// itself doesn't advertise fd-passing capability to the peer.
func (msg *Message) Marshal() (data []byte, fds []int, err error) {
	if err := msg.Validate(); err != nil {
		return nil, nil, err
	}

	bodySig := msg.bodySig
	if bodySig.TypeCode == 0 {
		bodySig, err = inferRootSignature(msg.Headers)
		if err != nil {
			return nil, nil, err
		}
	}

	body, fds, err := LowerFDs(bodySig, msg.Body, nil)
	if err != nil {
		return nil, nil, err
	}

	headers := msg.Headers
	if len(fds) > 0 && msg.NegotiateUnixFD {
		headers = copyHeaders(headers)
		headers[FieldUnixFDs] = newVariantUnchecked(MustParseSignatureSingle("u"), uint32(len(fds)))
	}

	headerBytes, err := marshalHeaderFields(msg.Order, headers)
	if err != nil {
		return nil, nil, err
	}

	bodyBytes, err := Marshal(msg.Order, bodySig, body, nil)
	if err != nil {
		return nil, nil, err
	}

	total := fixedHeaderSize + alignUp(len(headerBytes), 8) + len(bodyBytes)
	if total > maxMessageLength {
		return nil, nil, InvalidMessageError("marshalled message would exceed the maximum message length")
	}

	out := make([]byte, 0, total)
	out = appendFixedHeader(out, msg.Order, msg.Type, msg.Flags, uint32(len(bodyBytes)), msg.Serial, uint32(len(headerBytes)))
	out = append(out, headerBytes...)
	for len(out)%8 != 0 {
		out = append(out, 0)
	}
	out = append(out, bodyBytes...)

	return out, fds, nil
}

func copyHeaders(h map[HeaderField]Variant) map[HeaderField]Variant {
	out := make(map[HeaderField]Variant, len(h)+1)
	for k, v := range h {
		out[k] = v
	}
	return out
}

func inferRootSignature(headers map[HeaderField]Variant) (Signature, error) {
	v, ok := headers[FieldSignature]
	if !ok {
		return MustParseSignature(""), nil
	}
	sig, ok := v.Value.(Signature)
	if !ok {
		return Signature{}, InvalidMessageError("SIGNATURE header field does not carry a signature value")
	}
	return ParseSignature(sig.Text)
}

func appendFixedHeader(out []byte, order binary.ByteOrder, msgType MessageType, flags MessageFlag, bodyLen, serial, headerArrayLen uint32) []byte {
	endian := byte(littleEndian)
	if order == binary.BigEndian {
		endian = bigEndian
	}
	var tmp [4]byte
	out = append(out, endian, byte(msgType), byte(flags), protocolVersion)
	order.PutUint32(tmp[:], bodyLen)
	out = append(out, tmp[:]...)
	order.PutUint32(tmp[:], serial)
	out = append(out, tmp[:]...)
	order.PutUint32(tmp[:], headerArrayLen)
	out = append(out, tmp[:]...)
	return out
}

// marshalHeaderFields marshals the a(yv) header field array body (not
// including its own 4-byte length prefix, since that prefix becomes
// part of the fixed header rather than a nested array here).
func marshalHeaderFields(order binary.ByteOrder, headers map[HeaderField]Variant) ([]byte, error) {
	m := newMarshaller(order)
	for _, field := range headerFieldOrder {
		v, ok := headers[field]
		if !ok {
			continue
		}
		m.align(8)
		m.writeByte(byte(field))
		if err := m.writeVariant(v); err != nil {
			return nil, err
		}
	}
	return m.buf, nil
}
