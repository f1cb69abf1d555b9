package object

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"mini-ipc/message"
)

// Tree is a Registry keyed by dotted path. Destroyed objects drop out automatically.
type Tree struct {
	mu      sync.RWMutex
	objects map[string]Object
}

var _ Registry = (*Tree)(nil)

// NewTree creates an empty tree.
func NewTree() *Tree {
	return &Tree{objects: map[string]Object{}}
}

// Register adds obj under its path.
func (t *Tree) Register(obj Object) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.objects[obj.Path()]; exists {
		return errors.Errorf("object '%s' already registered", obj.Path())
	}
	t.objects[obj.Path()] = obj

	go func() {
		<-obj.Done()
		t.remove(obj)
	}()
	return nil
}

// Paths lists registered paths in order.
func (t *Tree) Paths() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.objects))
	for p := range t.objects {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Resolve implements Registry.
func (t *Tree) Resolve(path string) (Object, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	obj, exists := t.objects[path]
	return obj, exists
}

// Invoke implements Registry.
func (t *Tree) Invoke(ctx context.Context, path, method string, args []any) message.Outcome {
	obj, exists := t.Resolve(path)
	if !exists {
		return message.Outcome{Message: NotFoundMessage(path)}
	}
	invoker, ok := obj.(Invoker)
	if !ok {
		return message.Failed("Object '%s' does not accept method calls", path)
	}
	return invoker.Invoke(ctx, method, args)
}

func (t *Tree) remove(obj Object) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.objects[obj.Path()] == obj {
		delete(t.objects, obj.Path())
	}
}
