package codec

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/pkg/errors"

	"mini-ipc/message"
)

// maxDepth bounds nesting of lists and maps.
const maxDepth = 32

const (
	flagResponse byte = 1 << 0
	flagSuccess  byte = 1 << 1
)

// Value tags.
const (
	tagNil byte = iota
	tagFalse
	tagTrue
	tagInt
	tagFloat
	tagString
	tagBytes
	tagList
	tagMap
)

// BinaryCodec writes messages as:
//
//	id u64 | kind u8 | flags u8 | code str | message str | outcome value | attributes map
//
// where str is a u32 length followed by bytes and every integer is big-endian.
type BinaryCodec struct{}

// Type returns CodecTypeBinary.
func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// Encode serializes msg. Attribute and outcome values are normalized on the way out.
func (c *BinaryCodec) Encode(msg *message.Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 64)
	buf = binary.BigEndian.AppendUint64(buf, msg.ID)
	buf = append(buf, byte(msg.Kind))

	var flags byte
	if msg.IsResponse {
		flags |= flagResponse
	}
	if msg.Outcome.Success {
		flags |= flagSuccess
	}
	buf = append(buf, flags)
	buf = appendString(buf, msg.Outcome.Code)
	buf = appendString(buf, msg.Outcome.Message)

	var err error
	if buf, err = appendValue(buf, msg.Outcome.Value, 0); err != nil {
		return nil, errors.WithMessage(err, "outcome value")
	}
	if buf, err = appendMap(buf, msg.Attributes, 0); err != nil {
		return nil, errors.WithMessage(err, "attributes")
	}
	return buf, nil
}

// Decode deserializes data. It never panics on hostile input.
func (c *BinaryCodec) Decode(data []byte) (*message.Message, error) {
	r := &reader{buf: data}

	id, err := r.uint64()
	if err != nil {
		return nil, err
	}
	kind, err := r.byte()
	if err != nil {
		return nil, err
	}
	if !message.Kind(kind).Valid() {
		return nil, errors.Wrapf(ErrMalformed, "unknown kind %d", kind)
	}
	flags, err := r.byte()
	if err != nil {
		return nil, err
	}
	if flags&^(flagResponse|flagSuccess) != 0 {
		return nil, errors.Wrapf(ErrMalformed, "unknown flags %#x", flags)
	}

	msg := &message.Message{
		ID:         id,
		Kind:       message.Kind(kind),
		IsResponse: flags&flagResponse != 0,
	}
	msg.Outcome.Success = flags&flagSuccess != 0

	if msg.Outcome.Code, err = r.string(); err != nil {
		return nil, err
	}
	if msg.Outcome.Message, err = r.string(); err != nil {
		return nil, err
	}
	if msg.Outcome.Value, err = r.value(0); err != nil {
		return nil, err
	}
	if msg.Attributes, err = r.mapBody(0); err != nil {
		return nil, err
	}
	if r.off != len(r.buf) {
		return nil, errors.Wrapf(ErrMalformed, "%d trailing bytes", len(r.buf)-r.off)
	}
	return msg, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func appendValue(buf []byte, v any, depth int) ([]byte, error) {
	if depth > maxDepth {
		return nil, errors.New("value nested too deeply")
	}

	v, err := message.Normalize(v)
	if err != nil {
		return nil, err
	}

	switch x := v.(type) {
	case nil:
		return append(buf, tagNil), nil
	case bool:
		if x {
			return append(buf, tagTrue), nil
		}
		return append(buf, tagFalse), nil
	case int64:
		buf = append(buf, tagInt)
		return binary.BigEndian.AppendUint64(buf, uint64(x)), nil
	case float64:
		buf = append(buf, tagFloat)
		return binary.BigEndian.AppendUint64(buf, math.Float64bits(x)), nil
	case string:
		return appendString(append(buf, tagString), x), nil
	case []byte:
		buf = append(buf, tagBytes)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(x)))
		return append(buf, x...), nil
	case []any:
		buf = append(buf, tagList)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(x)))
		for _, e := range x {
			if buf, err = appendValue(buf, e, depth+1); err != nil {
				return nil, err
			}
		}
		return buf, nil
	case map[string]any:
		return appendMap(append(buf, tagMap), x, depth+1)
	default:
		return nil, errors.Errorf("unsupported value type %T", v)
	}
}

// appendMap writes the count and the entries sorted by key, without a tag.
func appendMap(buf []byte, m map[string]any, depth int) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(keys)))
	var err error
	for _, k := range keys {
		buf = appendString(buf, k)
		if buf, err = appendValue(buf, m[k], depth); err != nil {
			return nil, errors.WithMessagef(err, "key %q", k)
		}
	}
	return buf, nil
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || len(r.buf)-r.off < n {
		return nil, errors.Wrapf(ErrTruncated, "need %d bytes at offset %d, have %d", n, r.off, len(r.buf)-r.off)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) byte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) uint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *reader) string() (string, error) {
	n, err := r.uint32()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// count reads an element count and rejects counts the remaining bytes cannot hold.
func (r *reader) count() (int, error) {
	n, err := r.uint32()
	if err != nil {
		return 0, err
	}
	if int(n) > len(r.buf)-r.off {
		return 0, errors.Wrapf(ErrTruncated, "%d elements declared, %d bytes left", n, len(r.buf)-r.off)
	}
	return int(n), nil
}

func (r *reader) value(depth int) (any, error) {
	if depth > maxDepth {
		return nil, errors.Wrap(ErrMalformed, "value nested too deeply")
	}

	tag, err := r.byte()
	if err != nil {
		return nil, err
	}

	switch tag {
	case tagNil:
		return nil, nil
	case tagFalse:
		return false, nil
	case tagTrue:
		return true, nil
	case tagInt:
		u, err := r.uint64()
		if err != nil {
			return nil, err
		}
		return int64(u), nil
	case tagFloat:
		u, err := r.uint64()
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(u), nil
	case tagString:
		return r.string()
	case tagBytes:
		n, err := r.uint32()
		if err != nil {
			return nil, err
		}
		b, err := r.take(int(n))
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(b))
		copy(out, b)
		return out, nil
	case tagList:
		n, err := r.count()
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, n)
		for range n {
			v, err := r.value(depth + 1)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case tagMap:
		return r.mapBody(depth + 1)
	default:
		return nil, errors.Wrapf(ErrMalformed, "unknown value tag %d", tag)
	}
}

func (r *reader) mapBody(depth int) (map[string]any, error) {
	n, err := r.count()
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, n)
	for range n {
		k, err := r.string()
		if err != nil {
			return nil, err
		}
		v, err := r.value(depth)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}
