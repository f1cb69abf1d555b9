// Package protocol implements the length-prefixed frame used on every IPC connection.
//
// It solves TCP's sticky packet problem by prefixing each message body with its length.
// The receiver reads the prefix first, then reads exactly that many bytes.
//
// Frame format:
//
//	0         4
//	┌─────────┬───────────────┐
//	│ bodyLen │    body ...    │
//	│ uint32  │ bodyLen bytes  │
//	└─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const (
	// HeaderSize is the size of the big-endian length prefix.
	HeaderSize = 4

	// DefaultMaxFrameSize bounds the body a reader accepts when no limit is configured.
	DefaultMaxFrameSize = 16 << 20
)

// ErrFrameTooLarge is returned when a frame announces a body above the limit.
var ErrFrameTooLarge = errors.New("frame too large")

// WriteFrame writes the length prefix and body to w in a single write.
// The caller must serialize writers sharing w, otherwise frames interleave.
func WriteFrame(w io.Writer, body []byte) error {
	if uint64(len(body)) > uint64(^uint32(0)) {
		return errors.Wrapf(ErrFrameTooLarge, "body of %d bytes", len(body))
	}

	buf := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(buf[:HeaderSize], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	if _, err := w.Write(buf); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// ReadFrame blocks until one complete frame has been read from r and returns its body.
// A stream closed cleanly between frames yields io.EOF; closed inside a frame,
// io.ErrUnexpectedEOF. maxSize <= 0 selects DefaultMaxFrameSize.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	bodyLen := binary.BigEndian.Uint32(header[:])
	if uint64(bodyLen) > uint64(maxSize) {
		return nil, errors.Wrapf(ErrFrameTooLarge, "%d bytes announced, limit %d", bodyLen, maxSize)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}
