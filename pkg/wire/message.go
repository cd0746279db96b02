package wire

// MessageType tags the variant carried by a Message. The three handshake
// variants and IDENTITY_UPDATE are reserved; any other value is
// application-defined and opaque
// to this layer — it is forwarded to L3 untouched.
type MessageType string

const (
	TypeHandshakeReq    MessageType = "HANDSHAKE_REQ"
	TypeHandshakeAck    MessageType = "HANDSHAKE_ACK"
	TypeHandshakeReject MessageType = "HANDSHAKE_REJECT"
	TypeIdentityUpdate  MessageType = "IDENTITY_UPDATE"
)

// SerializedError is the wire representation of a rejection cause, carried
// by HANDSHAKE_REJECT: a pkg/lerrors.Error's code and its rendered message
// text (its cause and context are not carried). It does not import that
// package, so the wire format has no dependency on the error taxonomy's
// implementation.
type SerializedError struct {
	Code    string
	Message string
}

// Message is the tagged union of wire messages exchanged over a port.
//
// Only the fields relevant to Type are populated; the zero value of the
// others is ignored by both sides. ID is a pointer so that IDENTITY_UPDATE's
// "id: null" requirement (fire-and-forget) is representable without a
// sentinel integer.
type Message struct {
	ID   *int64
	Type MessageType

	// Handshake fields (REQ, ACK).
	Metadata Metadata
	Assigns  Metadata // REQ only; christening payload

	// HANDSHAKE_REJECT.
	Error *SerializedError

	// IDENTITY_UPDATE.
	Updates Metadata

	// Application-defined payload. Opaque to this layer; never inspected
	// or mutated here, only forwarded. The concrete transport decides how
	// to encode it on the wire.
	Payload any
}

// IsHandshake reports whether m is one of the three handshake message types.
func (m *Message) IsHandshake() bool {
	switch m.Type {
	case TypeHandshakeReq, TypeHandshakeAck, TypeHandshakeReject:
		return true
	default:
		return false
	}
}
