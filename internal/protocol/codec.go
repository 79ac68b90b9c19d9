package protocol

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	// ErrEmptyMessage is returned when decoding a zero-length body.
	ErrEmptyMessage = errors.New("empty message")

	// ErrUnknownMessageType is returned for unrecognized type bytes.
	ErrUnknownMessageType = errors.New("unknown message type")

	// ErrInvalidMessage is returned when a body does not decode.
	ErrInvalidMessage = errors.New("invalid message")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		IndefLength:       cbor.IndefLengthForbidden,
		MaxNestedLevels:   4,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// Encode serializes a message as its type byte followed by the CBOR body.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	body, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}

	buf := make([]byte, 1+len(body))
	buf[0] = byte(m.Type())
	copy(buf[1:], body)
	return buf, nil
}

// Decode deserializes a message produced by Encode.
func Decode(buf []byte) (Message, error) {
	if len(buf) == 0 {
		return nil, ErrEmptyMessage
	}

	t := MessageType(buf[0])
	m, ok := newMessage(t)
	if !ok {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMessageType, buf[0])
	}
	if err := decMode.Unmarshal(buf[1:], m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, t, err)
	}
	return m, nil
}
