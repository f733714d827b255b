package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrWriterFailure  = errors.New("failed to write a data stream")
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
)

// ReadFrame reads one length-prefixed frame from r.
//
// The declared length is checked against maxSize before the payload buffer
// is allocated. A stream that ends cleanly before the first header byte
// returns io.EOF; every other short read is ErrMalformedFrame.
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var header [FrameHeaderSize]byte

	n, err := io.ReadFull(r, header[:])
	if err != nil {
		if err == io.EOF && n == 0 {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: header: %w", ErrMalformedFrame, err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > maxSize {
		return nil, fmt.Errorf("%w: declared length %d exceeds maximum %d", ErrMalformedFrame, length, maxSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: payload: %w", ErrMalformedFrame, err)
	}

	return payload, nil
}

// WriteFrame writes the 4-byte length followed by data in a single Write.
func WriteFrame(w io.Writer, data []byte) error {
	if uint64(len(data)) > math.MaxUint32 {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}

	buf := make([]byte, FrameHeaderSize+len(data))
	binary.BigEndian.PutUint32(buf[:FrameHeaderSize], uint32(len(data)))
	copy(buf[FrameHeaderSize:], data)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("%w: %w", ErrWriterFailure, err)
	}
	return nil
}

// Codec reads and writes framed messages
type Codec struct {
	MaxFrameSize uint32
}

// NewCodec creates a codec; zero selects DefaultMaxFrameSize
func NewCodec(maxFrameSize uint32) *Codec {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Codec{MaxFrameSize: maxFrameSize}
}

// ReadMessage reads and decodes the next message
func (c *Codec) ReadMessage(r io.Reader) (Message, error) {
	payload, err := ReadFrame(r, c.MaxFrameSize)
	if err != nil {
		return nil, err
	}
	return DecodeMessage(payload)
}

// WriteMessage encodes and writes a message.
// Messages the remote side would reject as oversized are never sent.
func (c *Codec) WriteMessage(w io.Writer, m Message) error {
	payload, err := EncodeMessage(m)
	if err != nil {
		return err
	}
	if uint64(len(payload)) > uint64(c.MaxFrameSize) {
		return fmt.Errorf("%w: %s is %d bytes, maximum %d", ErrFrameTooLarge, m.Type(), len(payload), c.MaxFrameSize)
	}
	return WriteFrame(w, payload)
}
