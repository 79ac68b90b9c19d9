package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrFrameTooLarge is returned when a frame body exceeds the configured maximum.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Frame layout:
//
//	Length [4 bytes] - body length (big-endian)
//	Body   [N bytes] - message type byte + CBOR body
//
// The length prefix means bodies may contain any byte sequence.

// FrameReader reads framed messages from an io.Reader.
// It does not buffer beyond the current frame, so the underlying stream can
// be handed to a TLS upgrade between reads.
type FrameReader struct {
	r       io.Reader
	maxSize int
	header  [LengthPrefixSize]byte
}

// NewFrameReader creates a FrameReader with DefaultMaxFrameSize.
func NewFrameReader(r io.Reader) *FrameReader {
	return NewFrameReaderWithMaxSize(r, DefaultMaxFrameSize)
}

// NewFrameReaderWithMaxSize creates a FrameReader with a custom size bound.
func NewFrameReaderWithMaxSize(r io.Reader, maxSize int) *FrameReader {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &FrameReader{r: r, maxSize: maxSize}
}

// ReadFrame reads one raw frame body.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(fr.header[:])
	if length == 0 {
		return nil, ErrEmptyMessage
	}
	if uint64(length) > uint64(fr.maxSize) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, fr.maxSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// ReadMessage reads and decodes the next message.
//
// A peer close, whether between frames or inside one, is not reported as an
// error: ReadMessage returns an ErrorMessage with EOFReason so callers can
// branch on message type alone.
func (fr *FrameReader) ReadMessage() (Message, error) {
	body, err := fr.ReadFrame()
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return &ErrorMessage{Reason: EOFReason}, nil
		}
		return nil, err
	}
	return Decode(body)
}

// FrameWriter writes framed messages to an io.Writer.
// Safe for concurrent use; each frame is written with a single Write call.
type FrameWriter struct {
	w       io.Writer
	maxSize int
	mu      sync.Mutex
}

// NewFrameWriter creates a FrameWriter with DefaultMaxFrameSize.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return NewFrameWriterWithMaxSize(w, DefaultMaxFrameSize)
}

// NewFrameWriterWithMaxSize creates a FrameWriter with a custom size bound.
func NewFrameWriterWithMaxSize(w io.Writer, maxSize int) *FrameWriter {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &FrameWriter{w: w, maxSize: maxSize}
}

// WriteFrame writes one raw frame body.
func (fw *FrameWriter) WriteFrame(body []byte) error {
	if len(body) == 0 {
		return ErrEmptyMessage
	}
	if len(body) > fw.maxSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(body), fw.maxSize)
	}

	buf := make([]byte, LengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(buf[:LengthPrefixSize], uint32(len(body)))
	copy(buf[LengthPrefixSize:], body)

	fw.mu.Lock()
	defer fw.mu.Unlock()
	_, err := fw.w.Write(buf)
	return err
}

// WriteMessage encodes and writes a message.
func (fw *FrameWriter) WriteMessage(m Message) error {
	body, err := Encode(m)
	if err != nil {
		return err
	}
	return fw.WriteFrame(body)
}

// EncodeFrame returns the complete wire frame for m.
func EncodeFrame(m Message) ([]byte, error) {
	body, err := Encode(m)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, LengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(buf[:LengthPrefixSize], uint32(len(body)))
	copy(buf[LengthPrefixSize:], body)
	return buf, nil
}
