package codec

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"mini-ipc/message"
)

func TestBinaryCodecRoundTrip(t *testing.T) {
	req := message.NewRequestWithID(42, message.KindInvoke, map[string]any{
		message.AttrObjectPath: "App.Calc",
		message.AttrMethod:     "add",
		message.AttrArgs:       []any{int64(2), int64(3)},
	})
	resp := message.NewResponse(req, message.Outcome{
		Success: false,
		Code:    "E_DIV",
		Message: "division by zero",
		Value: map[string]any{
			"nested": []any{nil, true, false, 1.25, "s", []byte{1, 2}},
			"empty":  map[string]any{},
		},
	})
	signal := message.NewRequestWithID(7, message.KindSignalDelivery, map[string]any{
		message.AttrSignal: "totalChanged(int)",
		message.AttrArgs:   []any{int64(-9)},
	})

	for _, m := range []*message.Message{req, resp, signal} {
		data, err := Encode(m)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		decoded, err := Decode(data)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		require.Equal(t, m, decoded)
	}
}

func TestBinaryCodecNormalizesIntegers(t *testing.T) {
	m := message.NewRequestWithID(1, message.KindSetProperty, map[string]any{
		message.AttrProperty: "total",
		message.AttrValue:    int32(5),
	})
	data, err := Encode(m)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, int64(5), decoded.Attributes[message.AttrValue])
}

func TestBinaryCodecIsCanonical(t *testing.T) {
	attrs := map[string]any{}
	for _, k := range []string{"z", "a", "m", "b", "y"} {
		attrs[k] = k
	}
	m := message.NewRequestWithID(3, message.KindGetProperty, attrs)

	first, err := Encode(m)
	require.NoError(t, err)
	for range 20 {
		next, err := Encode(m)
		require.NoError(t, err)
		if !bytes.Equal(first, next) {
			t.Fatal("encoding depends on map iteration order")
		}
	}
}

func TestEncodeRejectsInvalidMessage(t *testing.T) {
	_, err := Encode(&message.Message{ID: 1})
	require.ErrorIs(t, err, message.ErrInvalid)

	_, err = Encode(message.NewRequestWithID(1, message.KindInvoke, map[string]any{
		message.AttrArgs: []any{struct{}{}},
	}))
	require.Error(t, err)
}

func TestDecodeTruncated(t *testing.T) {
	m := message.NewRequestWithID(9, message.KindInvoke, map[string]any{
		message.AttrMethod: "add",
		message.AttrArgs:   []any{int64(1), "two"},
	})
	data, err := Encode(m)
	require.NoError(t, err)

	for i := range len(data) {
		_, err := Decode(data[:i])
		if !errors.Is(err, ErrTruncated) {
			t.Fatalf("prefix of %d bytes: expected ErrTruncated, got %v", i, err)
		}
	}
}

func TestDecodeMalformed(t *testing.T) {
	m := message.NewRequestWithID(9, message.KindGetProperty, nil)
	data, err := Encode(m)
	require.NoError(t, err)

	badKind := bytes.Clone(data)
	badKind[8] = 0x7f
	_, err = Decode(badKind)
	require.ErrorIs(t, err, ErrMalformed)

	badFlags := bytes.Clone(data)
	badFlags[9] = 0x80
	_, err = Decode(badFlags)
	require.ErrorIs(t, err, ErrMalformed)

	// Outcome value tag sits right after the two empty strings.
	badTag := bytes.Clone(data)
	badTag[8+1+1+4+4] = 0xee
	_, err = Decode(badTag)
	require.ErrorIs(t, err, ErrMalformed)

	_, err = Decode(append(bytes.Clone(data), 0))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeHugeCountDoesNotAllocate(t *testing.T) {
	m := message.NewRequestWithID(9, message.KindGetProperty, nil)
	data, err := Encode(m)
	require.NoError(t, err)

	// Attribute count is the last four bytes of an empty-attribute message.
	data[len(data)-4] = 0xff
	_, err = Decode(data)
	require.ErrorIs(t, err, ErrTruncated)
}
