package main

import (
	"context"

	"mini-ipc/object"
)

// calculatorPath is the path the serve command exposes its demo object under.
const calculatorPath = "App.Calc"

type calculator struct {
	obj *object.Local
}

func newCalculator(path string) (*object.Local, error) {
	obj := object.NewLocal(path).AllowMetaAccess(true)
	if err := obj.DefineProperty("total", 0, "totalChanged(int)"); err != nil {
		return nil, err
	}

	c := &calculator{obj: obj}
	obj.DefineMethod("add(int,int)", c.add)
	obj.DefineMethod("reset()", c.reset)
	return obj, nil
}

func (c *calculator) add(_ context.Context, args []any) (any, error) {
	var sum int64
	for _, a := range args {
		n, ok := a.(int64)
		if !ok {
			return nil, &object.Error{Code: "E_ARG", Message: "integer arguments expected"}
		}
		sum += n
	}
	total, err := c.obj.ReadProperty("total")
	if err != nil {
		return nil, err
	}
	if err := c.obj.WriteProperty("total", total.(int64)+sum); err != nil {
		return nil, err
	}
	return sum, nil
}

func (c *calculator) reset(_ context.Context, _ []any) (any, error) {
	return nil, c.obj.WriteProperty("total", 0)
}
