package object

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/pkg/errors"

	"mini-ipc/message"
)

// MethodFunc implements one invokable method.
type MethodFunc func(ctx context.Context, args []any) (any, error)

// Invoker is implemented by objects that can run their own methods.
type Invoker interface {
	Invoke(ctx context.Context, method string, args []any) message.Outcome
}

type property struct {
	value  any
	notify string // Signal emitted with the new value on write, may be empty
}

type method struct {
	signature string
	fn        MethodFunc
}

// Local is an in-process object with properties, signals and methods defined at runtime.
type Local struct {
	path string

	mu         sync.RWMutex
	metaAccess bool
	props      map[string]*property
	signals    map[string]map[uint64]func([]any)
	methods    map[string]method
	nextSubID  uint64

	done        chan struct{}
	destroyOnce sync.Once
}

var _ Object = (*Local)(nil)
var _ Invoker = (*Local)(nil)

// NewLocal creates an object that will be registered under path.
func NewLocal(path string) *Local {
	return &Local{
		path:    path,
		props:   map[string]*property{},
		signals: map[string]map[uint64]func([]any){},
		methods: map[string]method{},
		done:    make(chan struct{}),
	}
}

// Path returns the dotted path of the object.
func (o *Local) Path() string {
	return o.path
}

// AllowMetaAccess toggles whether remote proxies may activate the object.
func (o *Local) AllowMetaAccess(allow bool) *Local {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.metaAccess = allow
	return o
}

// MetaAccessAllowed implements Object.
func (o *Local) MetaAccessAllowed() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return o.metaAccess
}

// DefineProperty adds a property. When notify is not empty it is defined as a signal
// and emitted with the new value after every write.
func (o *Local) DefineProperty(name string, value any, notify string) error {
	v, err := message.Normalize(value)
	if err != nil {
		return errors.WithMessagef(err, "property %q", name)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.props[name] = &property{value: v, notify: notify}
	if notify != "" {
		if _, exists := o.signals[notify]; !exists {
			o.signals[notify] = map[uint64]func([]any){}
		}
	}
	return nil
}

// DefineSignal adds a signal signature.
func (o *Local) DefineSignal(signature string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.signals[signature]; !exists {
		o.signals[signature] = map[uint64]func([]any){}
	}
}

// DefineMethod adds an invokable method. It is addressed by the name part of signature.
func (o *Local) DefineMethod(signature string, fn MethodFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.methods[MethodName(signature)] = method{signature: signature, fn: fn}
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	argsType    = reflect.TypeOf([]any(nil))
	anyType     = reflect.TypeOf((*any)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// RegisterMethods scans rcvr for exported methods of the form
//
//	func (r *T) Name(ctx context.Context, args []any) (any, error)
//
// and defines each one as "name(...)" with the first letter lowered.
// It returns the number of methods registered.
func (o *Local) RegisterMethods(rcvr any) (int, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return 0, errors.Errorf("receiver must be a pointer, got %T", rcvr)
	}
	val := reflect.ValueOf(rcvr)

	var n int
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		mt := m.Type
		if mt.NumIn() != 3 || mt.NumOut() != 2 ||
			mt.In(1) != contextType || mt.In(2) != argsType ||
			mt.Out(0) != anyType || mt.Out(1) != errorType {
			continue
		}

		fn := val.Method(i)
		o.DefineMethod(lowerFirst(m.Name)+"(...)", func(ctx context.Context, args []any) (any, error) {
			out := fn.Call([]reflect.Value{reflect.ValueOf(ctx), reflect.ValueOf(args)})
			if err, _ := out[1].Interface().(error); err != nil {
				return nil, err
			}
			return out[0].Interface(), nil
		})
		n++
	}
	return n, nil
}

// Properties implements Object.
func (o *Local) Properties() map[string]any {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make(map[string]any, len(o.props))
	for name, p := range o.props {
		out[name] = p.value
	}
	return out
}

// ReadProperty implements Object.
func (o *Local) ReadProperty(name string) (any, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	p, exists := o.props[name]
	if !exists {
		return nil, errors.Errorf("property '%s' does not exist", name)
	}
	return p.value, nil
}

// WriteProperty implements Object.
func (o *Local) WriteProperty(name string, value any) error {
	v, err := message.Normalize(value)
	if err != nil {
		return errors.WithMessagef(err, "property %q", name)
	}

	o.mu.Lock()
	p, exists := o.props[name]
	if !exists {
		o.mu.Unlock()
		return errors.Errorf("property '%s' does not exist", name)
	}
	p.value = v
	notify := p.notify
	o.mu.Unlock()

	if notify != "" {
		return o.Emit(notify, v)
	}
	return nil
}

// Signals implements Object.
func (o *Local) Signals() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]string, 0, len(o.signals))
	for sig := range o.signals {
		out = append(out, sig)
	}
	sort.Strings(out)
	return out
}

// Invokables implements Object.
func (o *Local) Invokables() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]string, 0, len(o.methods))
	for _, m := range o.methods {
		out = append(out, m.signature)
	}
	sort.Strings(out)
	return out
}

// Subscribe implements Object.
func (o *Local) Subscribe(signal string, fn func(args []any)) (func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	subs, exists := o.signals[signal]
	if !exists {
		return nil, errors.Errorf("signal '%s' does not exist", signal)
	}
	o.nextSubID++
	id := o.nextSubID
	subs[id] = fn

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.signals[signal], id)
	}, nil
}

// Emit calls every subscriber of signal with args.
func (o *Local) Emit(signal string, args ...any) error {
	normalized, err := message.NormalizeArgs(args)
	if err != nil {
		return err
	}

	o.mu.RLock()
	subs, exists := o.signals[signal]
	if !exists {
		o.mu.RUnlock()
		return errors.Errorf("signal '%s' does not exist", signal)
	}
	fns := make([]func([]any), 0, len(subs))
	for _, fn := range subs {
		fns = append(fns, fn)
	}
	o.mu.RUnlock()

	for _, fn := range fns {
		fn(normalized)
	}
	return nil
}

// Invoke implements Invoker.
func (o *Local) Invoke(ctx context.Context, name string, args []any) (outcome message.Outcome) {
	o.mu.RLock()
	m, exists := o.methods[MethodName(name)]
	o.mu.RUnlock()

	if !exists {
		return message.Failed("Method '%s' does not exist on object '%s'", name, o.path)
	}

	defer func() {
		if r := recover(); r != nil {
			outcome = message.Failed("Method '%s' panicked: %v", name, r)
		}
	}()

	value, err := m.fn(ctx, args)
	if err != nil {
		var appErr *Error
		if errors.As(err, &appErr) {
			return message.Outcome{Code: appErr.Code, Message: appErr.Message}
		}
		return message.Outcome{Message: err.Error()}
	}

	value, err = message.Normalize(value)
	if err != nil {
		return message.Failed("Method '%s' returned %v", name, err)
	}
	return message.Succeeded(value)
}

// Destroy marks the object as gone. Sessions bound to it end.
func (o *Local) Destroy() {
	o.destroyOnce.Do(func() {
		close(o.done)
	})
}

// Done implements Object.
func (o *Local) Done() <-chan struct{} {
	return o.done
}

func (o *Local) String() string {
	return fmt.Sprintf("object(%s)", o.path)
}

func lowerFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToLower(r)) + s[size:]
}
