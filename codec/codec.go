// Package codec serializes messages into frame bodies.
//
// The binary codec is canonical: encoding the same message twice yields the same bytes,
// because attribute maps are written in sorted key order.
package codec

import (
	"github.com/pkg/errors"

	"mini-ipc/message"
)

var (
	// ErrTruncated is returned when the body ends before the message is complete.
	ErrTruncated = errors.New("truncated message body")

	// ErrMalformed is returned for unknown value tags, bad kinds or trailing bytes.
	ErrMalformed = errors.New("malformed message body")
)

// CodecType identifies a body encoding.
type CodecType byte

const (
	CodecTypeBinary CodecType = 1
)

// Codec converts messages to and from frame bodies.
type Codec interface {
	Encode(msg *message.Message) ([]byte, error)
	Decode(data []byte) (*message.Message, error)
	Type() CodecType
}

// Encode serializes msg with the binary codec.
func Encode(msg *message.Message) ([]byte, error) {
	return (&BinaryCodec{}).Encode(msg)
}

// Decode deserializes a frame body produced by Encode.
func Decode(data []byte) (*message.Message, error) {
	return (&BinaryCodec{}).Decode(data)
}
