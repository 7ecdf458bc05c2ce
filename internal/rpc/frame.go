package rpc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the size of a frame header:
	// correlation id (8) | message type (4) | payload length (4).
	HeaderSize = 16
	// Alignment is the boundary every frame is padded to.
	Alignment = 8
	// ErrorMessageType marks an error response. Its payload is an 8-byte
	// error code.
	ErrorMessageType uint32 = 0xFFFFFFFF
	// ErrorPayloadSize is the payload size of an error response.
	ErrorPayloadSize = 8
)

var (
	ErrBatchFull       = errors.New("message does not fit in the current batch")
	ErrMessageTooLarge = errors.New("message too large for a send buffer")
	ErrMalformedFrame  = errors.New("malformed frame")
)

// Message is one framed message.
type Message struct {
	ID      uint64
	Type    uint32
	Payload []byte
}

// FrameSize returns the encoded size of a message with n payload bytes.
func FrameSize(n int) int {
	return HeaderSize + align(n)
}

func align(n int) int {
	return (n + Alignment - 1) &^ (Alignment - 1)
}

// BatchWriter appends frames to a fixed buffer.
type BatchWriter struct {
	buf   []byte
	n     int
	count int
}

// NewBatchWriter returns a writer appending to buf.
func NewBatchWriter(buf []byte) *BatchWriter {
	return &BatchWriter{buf: buf}
}

// Append encodes one message. It returns ErrMessageTooLarge when the frame
// could never fit in the buffer and ErrBatchFull when it does not fit in
// the space left.
func (w *BatchWriter) Append(id uint64, typ uint32, payload []byte) error {
	size := FrameSize(len(payload))
	if size > len(w.buf) {
		return fmt.Errorf("%w: %d byte frame, %d byte buffer", ErrMessageTooLarge, size, len(w.buf))
	}
	if w.n+size > len(w.buf) {
		return ErrBatchFull
	}
	b := w.buf[w.n : w.n+size]
	binary.LittleEndian.PutUint64(b[0:], id)
	binary.LittleEndian.PutUint32(b[8:], typ)
	binary.LittleEndian.PutUint32(b[12:], uint32(len(payload)))
	copy(b[HeaderSize:], payload)
	clear(b[HeaderSize+len(payload):])
	w.n += size
	w.count++
	return nil
}

// Fits reports whether a message with n payload bytes fits in the space
// left.
func (w *BatchWriter) Fits(n int) bool { return w.n+FrameSize(n) <= len(w.buf) }

// Len is the number of bytes written so far.
func (w *BatchWriter) Len() int { return w.n }

// Count is the number of messages appended.
func (w *BatchWriter) Count() int    { return w.count }
func (w *BatchWriter) Bytes() []byte { return w.buf[:w.n] }

// Reset starts a new batch in buf.
func (w *BatchWriter) Reset(buf []byte) {
	w.buf = buf
	w.n = 0
	w.count = 0
}

// BatchReader decodes the frames of a received batch. Payloads alias the
// batch buffer.
type BatchReader struct {
	buf []byte
	off int
}

func NewBatchReader(buf []byte) *BatchReader {
	return &BatchReader{buf: buf}
}

// Next returns the next message, or io.EOF once the batch is consumed.
func (r *BatchReader) Next() (Message, error) {
	rest := len(r.buf) - r.off
	if rest == 0 {
		return Message{}, io.EOF
	}
	if rest < HeaderSize {
		return Message{}, fmt.Errorf("%w: %d trailing bytes at offset %d", ErrMalformedFrame, rest, r.off)
	}
	b := r.buf[r.off:]
	m := Message{
		ID:   binary.LittleEndian.Uint64(b[0:]),
		Type: binary.LittleEndian.Uint32(b[8:]),
	}
	n := int(binary.LittleEndian.Uint32(b[12:]))
	if n > rest-HeaderSize {
		return Message{}, fmt.Errorf("%w: payload of %d bytes exceeds batch at offset %d", ErrMalformedFrame, n, r.off)
	}
	m.Payload = b[HeaderSize : HeaderSize+n]
	// The final frame may be sent without its padding.
	r.off += min(FrameSize(n), rest)
	return m, nil
}

// NewCorrelationID packs a user id and the asynchronous flag.
func NewCorrelationID(userID uint32, async bool) uint64 {
	id := uint64(userID) << 32
	if async {
		id |= 1
	}
	return id
}

// ParseCorrelationID splits a correlation id into its user id and
// asynchronous flag.
func ParseCorrelationID(id uint64) (userID uint32, async bool) {
	return uint32(id >> 32), id&1 == 1
}

// RemoteError is an error response from the peer.
type RemoteError struct {
	Code uint64
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d", e.Code)
}

func encodeErrorPayload(code uint64) []byte {
	b := make([]byte, ErrorPayloadSize)
	binary.LittleEndian.PutUint64(b, code)
	return b
}

func decodeErrorPayload(p []byte) (*RemoteError, error) {
	if len(p) != ErrorPayloadSize {
		return nil, fmt.Errorf("%w: error payload of %d bytes", ErrMalformedFrame, len(p))
	}
	return &RemoteError{Code: binary.LittleEndian.Uint64(p)}, nil
}
