package dbus

// Endianness markers, the first byte of every D-Bus message.
const (
	littleEndian = 'l'
	bigEndian    = 'B'
)

const protocolVersion byte = 1

// Size limits enforced by the marshaller and unmarshaller (spec section
// 6): 64 MiB per array, 128 MiB for a complete message.
const (
	maxArrayLength   = 67_108_864
	maxMessageLength = 134_217_728
)

// MessageType identifies the kind of a Message.
type MessageType byte

const (
	// MethodCall invokes a method on a remote object.
	MethodCall MessageType = 1 + iota
	// MethodReturn carries the successful result of a method call.
	MethodReturn
	// Error carries the failure of a method call.
	Error
	// Signal is a broadcast notification with no reply.
	Signal
)

func (t MessageType) String() string {
	switch t {
	case MethodCall:
		return "method_call"
	case MethodReturn:
		return "method_return"
	case Error:
		return "error"
	case Signal:
		return "signal"
	default:
		return "unknown"
	}
}

// MessageFlag is a bitset of flags carried in the message header.
type MessageFlag byte

const (
	// FlagNoReplyExpected indicates the sender will not wait for a reply.
	FlagNoReplyExpected MessageFlag = 1 << iota
	// FlagNoAutoStart indicates the bus should not auto-start a service
	// to handle this message.
	FlagNoAutoStart
	// FlagAllowInteractiveAuthorization indicates the caller is prepared
	// to wait for an interactive authorization dialog.
	FlagAllowInteractiveAuthorization
)

// HeaderField identifies one of the well-known header fields carried in
// the a(yv) header-field array.
type HeaderField byte

const (
	FieldPath HeaderField = 1 + iota
	FieldInterface
	FieldMember
	FieldErrorName
	FieldReplySerial
	FieldDestination
	FieldSender
	FieldSignature
	FieldUnixFDs
)

// requiredFields lists the header fields each message type must carry,
// per spec section 3's required-field table.
var requiredFields = map[MessageType][]HeaderField{
	MethodCall:   {FieldPath, FieldMember},
	Signal:       {FieldPath, FieldMember, FieldInterface},
	MethodReturn: {FieldReplySerial},
	Error:        {FieldErrorName, FieldReplySerial},
}
