// Package evaluation holds the per-call context a policy evaluates in: a
// snapshot of the facts it read and what it should wait on before being asked
// again.
package evaluation

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"time"

	"fleetupdate/internal/state"
)

// DefaultTimeout bounds a single Wait when nothing else wakes it.
const DefaultTimeout = 5 * time.Minute

type cachedValue struct {
	value any
	err   error
}

type dependency struct {
	name    string
	changed <-chan struct{}
	poll    time.Duration
	differs func() bool
}

// Context is a single evaluation. Facts are read at most once per evaluation
// and served from the snapshot afterwards. A Context is not safe for
// concurrent use.
type Context struct {
	clock   state.Clock
	timeout time.Duration

	now      time.Time
	values   map[string]cachedValue
	deps     []dependency
	deadline time.Time
}

// New starts an evaluation. timeout bounds Wait; zero uses DefaultTimeout.
func New(clock state.Clock, timeout time.Duration) *Context {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ec := &Context{clock: clock, timeout: timeout}
	ec.Reset()
	return ec
}

// Reset discards the snapshot so the next evaluation reads fresh facts.
func (ec *Context) Reset() {
	ec.now = ec.clock.Now()
	ec.values = make(map[string]cachedValue)
	ec.deps = nil
	ec.deadline = time.Time{}
}

// Now is the wallclock time captured when the evaluation started.
func (ec *Context) Now() time.Time { return ec.now }

// Get reads v once per evaluation and records it as a dependency.
func Get[T any](ec *Context, v state.Variable[T]) (T, error) {
	if cached, ok := ec.values[v.Name()]; ok {
		val, _ := cached.value.(T)
		return val, cached.err
	}

	// Grab the channel before reading so a change in between still wakes Wait.
	changed := v.Changed()
	val, err := v.Value()
	ec.values[v.Name()] = cachedValue{value: val, err: err}

	dep := dependency{name: v.Name(), changed: changed, poll: v.PollInterval()}
	if changed == nil && dep.poll > 0 {
		dep.differs = func() bool {
			current, currentErr := v.Value()
			if (err == nil) != (currentErr == nil) {
				return true
			}
			return !reflect.DeepEqual(current, val)
		}
	}
	ec.deps = append(ec.deps, dep)
	return val, err
}

// IsWallclockTimeGreaterThan reports whether the evaluation time is after t.
// When it is not, t becomes a deadline that wakes Wait.
func (ec *Context) IsWallclockTimeGreaterThan(t time.Time) bool {
	if ec.now.After(t) {
		return true
	}
	if ec.deadline.IsZero() || t.Before(ec.deadline) {
		ec.deadline = t
	}
	return false
}

// Deadline returns the earliest wallclock time the evaluation compared
// against without it having passed yet.
func (ec *Context) Deadline() (time.Time, bool) {
	return ec.deadline, !ec.deadline.IsZero()
}

// Dependencies lists the names of the facts read so far.
func (ec *Context) Dependencies() []string {
	names := make([]string, 0, len(ec.deps))
	for _, d := range ec.deps {
		names = append(names, d.name)
	}
	sort.Strings(names)
	return names
}

// Wait blocks until a fact the evaluation read changes, a recorded deadline
// passes or the timeout elapses. It returns ctx.Err() if ctx is cancelled
// first and nil otherwise.
func (ec *Context) Wait(ctx context.Context) error {
	wait := ec.timeout
	if !ec.deadline.IsZero() {
		// Wake just after the deadline so the re-evaluation sees it passed.
		if untilDeadline := ec.deadline.Sub(ec.clock.Now()) + time.Millisecond; untilDeadline < wait {
			wait = untilDeadline
		}
	}
	if wait <= 0 {
		return ctx.Err()
	}

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	woke := make(chan struct{}, 1)
	wake := func() {
		select {
		case woke <- struct{}{}:
		default:
		}
	}

	var pollEvery time.Duration
	var polled []dependency
	for _, d := range ec.deps {
		if d.changed != nil {
			go func(changed <-chan struct{}) {
				select {
				case <-changed:
					wake()
				case <-waitCtx.Done():
				}
			}(d.changed)
			continue
		}
		if d.differs != nil {
			polled = append(polled, d)
			if pollEvery == 0 || d.poll < pollEvery {
				pollEvery = d.poll
			}
		}
	}

	var tick <-chan time.Time
	if len(polled) > 0 {
		ticker := time.NewTicker(pollEvery)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-woke:
			return nil
		case <-tick:
			for _, d := range polled {
				if d.differs() {
					return nil
				}
			}
		case <-waitCtx.Done():
			if errors.Is(waitCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return nil
			}
			return ctx.Err()
		}
	}
}
