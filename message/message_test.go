package message

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNextIDIsMonotonic(t *testing.T) {
	requireT := require.New(t)

	a := NextID()
	b := NextID()
	requireT.Greater(a, uint64(0))
	requireT.Equal(a+1, b)

	req := NewRequest(KindGetProperty, nil)
	requireT.Greater(req.ID, b)
	requireT.NotNil(req.Attributes)
}

func TestResponseMirrorsRequest(t *testing.T) {
	requireT := require.New(t)

	req := NewRequest(KindInvoke, map[string]any{AttrMethod: "add"})
	resp := NewResponse(req, Succeeded(int64(5)))

	requireT.Equal(req.ID, resp.ID)
	requireT.Equal(KindInvoke, resp.Kind)
	requireT.True(resp.IsResponse)
	requireT.True(resp.Outcome.Success)
	requireT.Equal(int64(5), resp.Outcome.Value)
}

func TestValidate(t *testing.T) {
	requireT := require.New(t)

	requireT.NoError(NewRequest(KindSignalDelivery, nil).Validate())
	requireT.ErrorIs((&Message{Kind: 0}).Validate(), ErrInvalid)
	requireT.ErrorIs((&Message{Kind: 7}).Validate(), ErrInvalid)

	var nilMsg *Message
	requireT.ErrorIs(nilMsg.Validate(), ErrInvalid)
}

func TestNormalize(t *testing.T) {
	requireT := require.New(t)

	v, err := Normalize(map[string]any{
		"a": 1,
		"b": []any{uint16(2), float32(1.5), "x"},
		"c": []string{"p", "q"},
	})
	requireT.NoError(err)
	requireT.Equal(map[string]any{
		"a": int64(1),
		"b": []any{int64(2), float64(1.5), "x"},
		"c": []any{"p", "q"},
	}, v)

	_, err = Normalize(struct{}{})
	requireT.Error(err)

	_, err = NormalizeArgs([]any{1, make(chan int)})
	requireT.ErrorContains(err, "argument 1")

	v, err = Normalize(uint64(math.MaxInt64))
	requireT.NoError(err)
	requireT.Equal(int64(math.MaxInt64), v)

	_, err = Normalize(uint64(math.MaxUint64))
	requireT.ErrorContains(err, "overflows int64")

	_, err = Normalize(uint(math.MaxInt64) + 1)
	requireT.ErrorContains(err, "overflows int64")

	_, err = Normalize([]any{int64(1), uint64(math.MaxUint64)})
	requireT.Error(err)
}

func TestAttributeAccessors(t *testing.T) {
	requireT := require.New(t)

	m := NewRequest(KindObjectActivation, map[string]any{
		AttrObjectPath: "App.Calc",
		AttrSignals:    []any{"totalChanged(int)", int64(3)},
	})
	requireT.Equal("App.Calc", m.String(AttrObjectPath))
	requireT.Equal("", m.String(AttrMethod))
	requireT.Equal([]string{"totalChanged(int)"}, m.Strings(AttrSignals))
	requireT.Nil(m.Map(AttrProperties))
}
