package protocol

import (
	"net"
	"strconv"
)

// Message is one of the closed set of wire variants declared in this file.
// The unexported marker keeps other packages from adding variants.
type Message interface {
	Type() MessageType
	message()
}

// RSAPublicKeyMessage carries the responder's PEM-encoded public key.
type RSAPublicKeyMessage struct {
	PEM []byte `cbor:"1,keyasint"`
}

// SessionKeyMessage carries the RSA-OAEP encrypted transient key and the
// AES key message sealed with that transient key.
type SessionKeyMessage struct {
	EncryptedKey []byte `cbor:"1,keyasint"`
	Inner        []byte `cbor:"2,keyasint"`
}

// AESKeyMessage carries the raw connection key and the AEAD suite that
// will use it. It only travels inside a SessionKeyMessage.
type AESKeyMessage struct {
	Key    []byte `cbor:"1,keyasint"`
	Cipher string `cbor:"2,keyasint,omitempty"`
}

// TestMessage is exchanged, encrypted, to confirm both sides hold the key.
type TestMessage struct {
	Fill string `cbor:"1,keyasint"`
	Text string `cbor:"2,keyasint"`
}

// ErrorMessage is a terminal error. A reason of EOFReason means the peer
// closed the stream.
type ErrorMessage struct {
	Reason string `cbor:"1,keyasint"`
}

// ProxyMessage asks the responder to forward the connection to a target.
type ProxyMessage struct {
	Required   bool   `cbor:"1,keyasint"`
	TargetHost string `cbor:"2,keyasint,omitempty"`
	TargetPort uint16 `cbor:"3,keyasint,omitempty"`
	UseTLS     bool   `cbor:"4,keyasint"`
}

// ProxyResponseMessage reports whether forwarding is active.
type ProxyResponseMessage struct {
	Response bool `cbor:"1,keyasint"`
}

// RPCRequestMessage carries an opaque application request.
type RPCRequestMessage struct {
	Payload []byte `cbor:"1,keyasint"`
}

// RPCReplyMessage carries an opaque application reply.
type RPCReplyMessage struct {
	Payload []byte `cbor:"1,keyasint"`
}

// AuthChallengeMessage carries provider-defined challenge bytes.
type AuthChallengeMessage struct {
	Data []byte `cbor:"1,keyasint"`
}

// AuthResponseMessage carries the provider's answer to a challenge.
type AuthResponseMessage struct {
	Data []byte `cbor:"1,keyasint"`
}

// AuthResultMessage reports the verification verdict.
type AuthResultMessage struct {
	Authenticated bool   `cbor:"1,keyasint"`
	Data          []byte `cbor:"2,keyasint,omitempty"`
}

// EncryptedMessage wraps the AEAD ciphertext of another encoded message.
type EncryptedMessage struct {
	Ciphertext []byte `cbor:"1,keyasint"`
}

func (*RSAPublicKeyMessage) Type() MessageType  { return TypeRSAPublicKey }
func (*SessionKeyMessage) Type() MessageType    { return TypeSessionKey }
func (*AESKeyMessage) Type() MessageType        { return TypeAESKey }
func (*TestMessage) Type() MessageType          { return TypeTest }
func (*ErrorMessage) Type() MessageType         { return TypeError }
func (*ProxyMessage) Type() MessageType         { return TypeProxy }
func (*ProxyResponseMessage) Type() MessageType { return TypeProxyResponse }
func (*RPCRequestMessage) Type() MessageType    { return TypeRPCRequest }
func (*RPCReplyMessage) Type() MessageType      { return TypeRPCReply }
func (*AuthChallengeMessage) Type() MessageType { return TypeAuthChallenge }
func (*AuthResponseMessage) Type() MessageType  { return TypeAuthResponse }
func (*AuthResultMessage) Type() MessageType    { return TypeAuthResult }
func (*EncryptedMessage) Type() MessageType     { return TypeEncrypted }

func (*RSAPublicKeyMessage) message()  {}
func (*SessionKeyMessage) message()    {}
func (*AESKeyMessage) message()        {}
func (*TestMessage) message()          {}
func (*ErrorMessage) message()         {}
func (*ProxyMessage) message()         {}
func (*ProxyResponseMessage) message() {}
func (*RPCRequestMessage) message()    {}
func (*RPCReplyMessage) message()      {}
func (*AuthChallengeMessage) message() {}
func (*AuthResponseMessage) message()  {}
func (*AuthResultMessage) message()    {}
func (*EncryptedMessage) message()     {}

// newMessage returns a zero value of the variant for t.
func newMessage(t MessageType) (Message, bool) {
	switch t {
	case TypeRSAPublicKey:
		return &RSAPublicKeyMessage{}, true
	case TypeSessionKey:
		return &SessionKeyMessage{}, true
	case TypeAESKey:
		return &AESKeyMessage{}, true
	case TypeTest:
		return &TestMessage{}, true
	case TypeError:
		return &ErrorMessage{}, true
	case TypeProxy:
		return &ProxyMessage{}, true
	case TypeProxyResponse:
		return &ProxyResponseMessage{}, true
	case TypeRPCRequest:
		return &RPCRequestMessage{}, true
	case TypeRPCReply:
		return &RPCReplyMessage{}, true
	case TypeAuthChallenge:
		return &AuthChallengeMessage{}, true
	case TypeAuthResponse:
		return &AuthResponseMessage{}, true
	case TypeAuthResult:
		return &AuthResultMessage{}, true
	case TypeEncrypted:
		return &EncryptedMessage{}, true
	default:
		return nil, false
	}
}

// IsEOF reports whether m is the ErrorMessage produced for a closed stream.
func IsEOF(m Message) bool {
	em, ok := m.(*ErrorMessage)
	return ok && em.Reason == EOFReason
}

// ProxyTarget describes the downstream node a connection is relayed to.
type ProxyTarget struct {
	Host   string
	Port   uint16
	UseTLS bool
}

// Address returns the target as host:port.
func (t ProxyTarget) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(int(t.Port)))
}

// Target returns the forwarding target requested by the message.
func (p *ProxyMessage) Target() ProxyTarget {
	return ProxyTarget{Host: p.TargetHost, Port: p.TargetPort, UseTLS: p.UseTLS}
}
