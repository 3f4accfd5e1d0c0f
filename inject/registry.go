package inject

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// Handle identifies a Hook registered in a Registry. Handles start at 1 and are never reused.
type Handle uint32

// Hook is a callable attached before or after a function body. The arguments are the arguments of the current
// invocation of the hooked function, forwarded without arity or type checking.
type Hook func(args ...any) error

var (
	// ErrUnknownHandle indicates a handle that was never issued by the registry.
	ErrUnknownHandle = errors.New("unknown hook handle")
	// ErrHandleOverflow indicates the registry has issued every available handle.
	ErrHandleOverflow = errors.New("hook handle overflow")
	// ErrNilHook indicates a nil hook was passed to Register.
	ErrNilHook = errors.New("nil hook")
)

// Registry maps handles to hooks. It is the only path from generated code back to hook values known at
// declaration time, so entries are never removed.
type Registry interface {
	// Register stores the hook and returns a handle greater than every handle issued before it.
	Register(hook Hook) (Handle, error)
	// Resolve returns the hook registered under the handle.
	Resolve(h Handle) (Hook, error)
	// MaxHandle returns the most recently issued handle, or 0 if none have been issued.
	MaxHandle() Handle
}

type callbackRegistry struct {
	mu    sync.RWMutex
	hooks []Hook // index 0 is handle 1
}

// NewRegistry returns an empty Registry.
func NewRegistry() Registry {
	return &callbackRegistry{}
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide Registry used by Lookup.
func DefaultRegistry() Registry {
	return defaultRegistry
}

func (r *callbackRegistry) Register(hook Hook) (Handle, error) {
	if hook == nil {
		return 0, ErrNilHook
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if uint64(len(r.hooks)) >= math.MaxUint32 {
		return 0, ErrHandleOverflow
	}
	r.hooks = append(r.hooks, hook)
	return Handle(len(r.hooks)), nil
}

func (r *callbackRegistry) Resolve(h Handle) (Hook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h == 0 || int(h) > len(r.hooks) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	return r.hooks[h-1], nil
}

func (r *callbackRegistry) MaxHandle() Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Handle(len(r.hooks))
}

// Lookup is the accessor used by code generated for in-process hooks: inject.Lookup(h)(args...).
// An unknown handle means the generated code and the registry are out of sync, and a failing hook must not be
// silenced, so both panic.
func Lookup(h Handle) func(args ...any) {
	hook, err := defaultRegistry.Resolve(h)
	if err != nil {
		panic(err)
	}
	return func(args ...any) {
		if err := hook(args...); err != nil {
			panic(fmt.Errorf("hook %d: %w", h, err))
		}
	}
}
