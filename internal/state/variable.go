// Package state defines the facts the update policy reads while it evaluates:
// time, network, device policy, updater settings and randomness.
package state

import (
	"errors"
	"sync"
	"time"
)

// ErrNotAvailable is returned by a variable whose value is not known yet.
var ErrNotAvailable = errors.New("value not available")

// Variable is a read-only fact. Changed returns a channel that is closed on the
// next change of the value, or nil when the variable can only be polled.
// A PollInterval of zero means the variable is never watched for changes.
type Variable[T any] interface {
	Name() string
	Value() (T, error)
	Changed() <-chan struct{}
	PollInterval() time.Duration
}

// Clock supplies the current wallclock time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now returns f().
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return ClockFunc(time.Now) }

// PollVariable computes its value on every read.
type PollVariable[T any] struct {
	name     string
	interval time.Duration
	fn       func() (T, error)
}

// NewPollVariable creates a variable that calls fn on each read and is re-read
// every interval while an evaluation waits on it.
func NewPollVariable[T any](name string, interval time.Duration, fn func() (T, error)) *PollVariable[T] {
	return &PollVariable[T]{name: name, interval: interval, fn: fn}
}

func (v *PollVariable[T]) Name() string                { return v.name }
func (v *PollVariable[T]) Value() (T, error)           { return v.fn() }
func (v *PollVariable[T]) Changed() <-chan struct{}    { return nil }
func (v *PollVariable[T]) PollInterval() time.Duration { return v.interval }

// ConstVariable never changes.
type ConstVariable[T any] struct {
	name  string
	value T
}

// NewConstVariable creates a variable with a fixed value.
func NewConstVariable[T any](name string, value T) *ConstVariable[T] {
	return &ConstVariable[T]{name: name, value: value}
}

func (v *ConstVariable[T]) Name() string                { return v.name }
func (v *ConstVariable[T]) Value() (T, error)           { return v.value, nil }
func (v *ConstVariable[T]) Changed() <-chan struct{}    { return nil }
func (v *ConstVariable[T]) PollInterval() time.Duration { return 0 }

// AsyncVariable holds a value pushed by its owner and notifies waiters when
// the value is replaced.
type AsyncVariable[T any] struct {
	name string

	mu      sync.Mutex
	value   T
	set     bool
	changed chan struct{}
}

// NewAsyncVariable creates a variable with no value. Reads return
// ErrNotAvailable until Set is called.
func NewAsyncVariable[T any](name string) *AsyncVariable[T] {
	return &AsyncVariable[T]{name: name, changed: make(chan struct{})}
}

// NewAsyncVariableWith creates a variable holding an initial value.
func NewAsyncVariableWith[T any](name string, value T) *AsyncVariable[T] {
	v := NewAsyncVariable[T](name)
	v.value = value
	v.set = true
	return v
}

func (v *AsyncVariable[T]) Name() string { return v.name }

func (v *AsyncVariable[T]) Value() (T, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.set {
		var zero T
		return zero, ErrNotAvailable
	}
	return v.value, nil
}

func (v *AsyncVariable[T]) Changed() <-chan struct{} {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.changed
}

func (v *AsyncVariable[T]) PollInterval() time.Duration { return 0 }

// Set stores a new value and wakes everyone waiting on Changed.
func (v *AsyncVariable[T]) Set(value T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.value = value
	v.set = true
	v.notifyLocked()
}

// Unset makes the variable unavailable again.
func (v *AsyncVariable[T]) Unset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	var zero T
	v.value = zero
	v.set = false
	v.notifyLocked()
}

func (v *AsyncVariable[T]) notifyLocked() {
	close(v.changed)
	v.changed = make(chan struct{})
}
