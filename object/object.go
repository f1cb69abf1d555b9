// Package object defines the object registry the IPC server talks to, and an
// in-memory implementation of it.
//
// The server never reflects over application types itself. It resolves a dotted
// path to an Object and asks that object for properties, signals and methods.
package object

import (
	"context"
	"fmt"
	"strings"

	"mini-ipc/message"
)

// Registry resolves dotted object paths and invokes methods on them.
type Registry interface {
	// Resolve returns the live object registered under path.
	Resolve(path string) (Object, bool)

	// Invoke calls method on the object at path. It never panics; every failure
	// is reported through the outcome.
	Invoke(ctx context.Context, path, method string, args []any) message.Outcome
}

// Object is one live object exposed through a Registry.
type Object interface {
	Path() string

	// MetaAccessAllowed reports whether remote proxies may activate the object.
	MetaAccessAllowed() bool

	// Properties returns a snapshot of every property value.
	Properties() map[string]any
	ReadProperty(name string) (any, error)
	WriteProperty(name string, value any) error

	// Signals and Invokables return signatures such as "totalChanged(int)".
	Signals() []string
	Invokables() []string

	// Subscribe attaches fn to signal. The returned cancel detaches it.
	Subscribe(signal string, fn func(args []any)) (cancel func(), err error)

	// Done is closed when the object is destroyed.
	Done() <-chan struct{}
}

// Error is returned by methods to report an application-level error code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// MethodName strips the parameter list from a signature: "add(int,int)" -> "add".
func MethodName(signature string) string {
	if i := strings.IndexByte(signature, '('); i >= 0 {
		return signature[:i]
	}
	return signature
}

// NotFoundMessage is the failure text for an unresolvable path.
func NotFoundMessage(path string) string {
	return fmt.Sprintf("Object '%s' could not be found", path)
}

// MetaAccessDeniedMessage is the failure text for an object that refuses remote activation.
func MetaAccessDeniedMessage(path string) string {
	return fmt.Sprintf("Meta access to object '%s' not enabled", path)
}
