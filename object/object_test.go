package object

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type calc struct{}

func (c *calc) Add(ctx context.Context, args []any) (any, error) {
	var sum int64
	for _, a := range args {
		n, ok := a.(int64)
		if !ok {
			return nil, &Error{Code: "E_ARG", Message: "integers expected"}
		}
		sum += n
	}
	return sum, nil
}

func (c *calc) Fail(ctx context.Context, args []any) (any, error) {
	return nil, errors.New("plain failure")
}

// Helper has the wrong signature and is skipped.
func (c *calc) Helper() {}

func TestRegisterMethods(t *testing.T) {
	requireT := require.New(t)

	obj := NewLocal("App.Calc")
	n, err := obj.RegisterMethods(&calc{})
	requireT.NoError(err)
	requireT.Equal(2, n)
	requireT.Equal([]string{"add(...)", "fail(...)"}, obj.Invokables())

	out := obj.Invoke(context.Background(), "add", []any{int64(2), int64(3)})
	requireT.True(out.Success)
	requireT.Equal(int64(5), out.Value)

	out = obj.Invoke(context.Background(), "add", []any{"x"})
	requireT.False(out.Success)
	requireT.Equal("E_ARG", out.Code)
	requireT.Equal("integers expected", out.Message)

	out = obj.Invoke(context.Background(), "fail", nil)
	requireT.False(out.Success)
	requireT.Empty(out.Code)
	requireT.Equal("plain failure", out.Message)

	_, err = obj.RegisterMethods(calc{})
	requireT.Error(err)
}

func TestInvokeRecoversPanics(t *testing.T) {
	obj := NewLocal("App.Bad")
	obj.DefineMethod("boom()", func(ctx context.Context, args []any) (any, error) {
		panic("kaboom")
	})

	out := obj.Invoke(context.Background(), "boom()", nil)
	require.False(t, out.Success)
	require.Contains(t, out.Message, "kaboom")
}

func TestPropertyWriteEmitsNotifySignal(t *testing.T) {
	requireT := require.New(t)

	obj := NewLocal("App.Calc")
	requireT.NoError(obj.DefineProperty("total", 1, "totalChanged(int)"))
	requireT.Equal([]string{"totalChanged(int)"}, obj.Signals())

	var got [][]any
	cancel, err := obj.Subscribe("totalChanged(int)", func(args []any) {
		got = append(got, args)
	})
	requireT.NoError(err)

	requireT.NoError(obj.WriteProperty("total", 7))
	v, err := obj.ReadProperty("total")
	requireT.NoError(err)
	requireT.Equal(int64(7), v)
	requireT.Equal([][]any{{int64(7)}}, got)

	cancel()
	requireT.NoError(obj.WriteProperty("total", 8))
	requireT.Len(got, 1)

	requireT.Error(obj.WriteProperty("missing", 1))
	_, err = obj.ReadProperty("missing")
	requireT.Error(err)
	_, err = obj.Subscribe("missing()", func([]any) {})
	requireT.Error(err)
	requireT.Error(obj.Emit("missing()"))
	requireT.Equal(map[string]any{"total": int64(8)}, obj.Properties())
}

func TestTreeResolveAndInvoke(t *testing.T) {
	requireT := require.New(t)

	tree := NewTree()
	obj := NewLocal("App.Calc").AllowMetaAccess(true)
	_, err := obj.RegisterMethods(&calc{})
	requireT.NoError(err)
	requireT.NoError(tree.Register(obj))
	requireT.Error(tree.Register(NewLocal("App.Calc")))

	resolved, ok := tree.Resolve("App.Calc")
	requireT.True(ok)
	requireT.True(resolved.MetaAccessAllowed())

	out := tree.Invoke(context.Background(), "App.Calc", "add", []any{int64(2), int64(3)})
	requireT.True(out.Success)
	requireT.Equal(int64(5), out.Value)

	out = tree.Invoke(context.Background(), "X", "add", nil)
	requireT.False(out.Success)
	requireT.Equal("Object 'X' could not be found", out.Message)

	obj.Destroy()
	requireT.Eventually(func() bool {
		_, ok := tree.Resolve("App.Calc")
		return !ok
	}, time.Second, 10*time.Millisecond)
	requireT.Empty(tree.Paths())
}
