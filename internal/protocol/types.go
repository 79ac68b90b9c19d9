// Package protocol defines the hybridwire wire protocol: the closed set of
// handshake and RPC messages, and the length-prefixed frames that carry them.
package protocol

import "fmt"

// MessageType identifies a message variant on the wire.
type MessageType uint8

// Message type constants
const (
	// Key exchange
	TypeRSAPublicKey MessageType = 0x01 // Responder's ephemeral RSA public key
	TypeSessionKey   MessageType = 0x02 // RSA-wrapped transient key + sealed AES key
	TypeAESKey       MessageType = 0x03 // Raw AES key, only ever sent inside SessionKey
	TypeTest         MessageType = 0x04 // Encryption confirmation round
	TypeError        MessageType = 0x05 // Terminal error, either direction

	// Proxy negotiation
	TypeProxy         MessageType = 0x06 // Initiator forwarding request
	TypeProxyResponse MessageType = 0x07 // Responder forwarding verdict

	// Application traffic
	TypeRPCRequest MessageType = 0x08
	TypeRPCReply   MessageType = 0x09

	// Authentication
	TypeAuthChallenge MessageType = 0x0A
	TypeAuthResponse  MessageType = 0x0B
	TypeAuthResult    MessageType = 0x0C

	// Envelope
	TypeEncrypted MessageType = 0x0D // AEAD ciphertext of another encoded message
)

// Protocol constants
const (
	// LengthPrefixSize is the size of the big-endian frame length prefix.
	LengthPrefixSize = 4

	// DefaultMaxFrameSize bounds a single frame body (1 MiB).
	DefaultMaxFrameSize = 1 << 20

	// EOFReason is the ErrorMessage reason produced when the peer closes the
	// stream before a complete frame arrived.
	EOFReason = "EOF reached"

	// TestText is the label the responder sends in the confirmation round.
	TestText = "TestEncryptionMessage"

	// TestResponseText is the label the initiator answers with.
	TestResponseText = "TestEncryptionMessageResponse"
)

var typeNames = map[MessageType]string{
	TypeRSAPublicKey:  "RSA_PUBLIC_KEY",
	TypeSessionKey:    "SESSION_KEY",
	TypeAESKey:        "AES_KEY",
	TypeTest:          "TEST",
	TypeError:         "ERROR",
	TypeProxy:         "PROXY",
	TypeProxyResponse: "PROXY_RESPONSE",
	TypeRPCRequest:    "RPC_REQUEST",
	TypeRPCReply:      "RPC_REPLY",
	TypeAuthChallenge: "AUTH_CHALLENGE",
	TypeAuthResponse:  "AUTH_RESPONSE",
	TypeAuthResult:    "AUTH_RESULT",
	TypeEncrypted:     "ENCRYPTED",
}

// String returns a human-readable name for the message type.
func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	_, ok := typeNames[t]
	return ok
}
