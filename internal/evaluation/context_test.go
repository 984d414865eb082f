package evaluation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"fleetupdate/internal/state"
	"fleetupdate/internal/state/fake"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestGetReadsOncePerEvaluation(t *testing.T) {
	var reads atomic.Int32
	v := state.NewPollVariable("test.counter", 0, func() (int, error) {
		return int(reads.Add(1)), nil
	})
	ec := New(fake.NewClock(epoch), time.Second)

	first, _ := Get[int](ec, v)
	second, _ := Get[int](ec, v)
	if first != 1 || second != 1 {
		t.Errorf("Get() = %d then %d, want 1 both times", first, second)
	}

	ec.Reset()
	if got, _ := Get[int](ec, v); got != 2 {
		t.Errorf("Get() after Reset = %d, want 2", got)
	}
}

func TestGetCachesErrors(t *testing.T) {
	v := state.NewAsyncVariable[string]("test.pending")
	ec := New(fake.NewClock(epoch), time.Second)

	if _, err := Get[string](ec, v); !errors.Is(err, state.ErrNotAvailable) {
		t.Fatalf("Get() error = %v, want ErrNotAvailable", err)
	}
	v.Set("ready")
	if _, err := Get[string](ec, v); !errors.Is(err, state.ErrNotAvailable) {
		t.Errorf("Get() within the same evaluation error = %v, want the snapshot", err)
	}
}

func TestDependencies(t *testing.T) {
	ec := New(fake.NewClock(epoch), time.Second)
	Get[bool](ec, state.NewConstVariable("b.flag", true))
	Get[int](ec, state.NewConstVariable("a.count", 3))

	if diff := cmp.Diff([]string{"a.count", "b.flag"}, ec.Dependencies()); diff != "" {
		t.Errorf("Dependencies() mismatch (-want +got):\n%s", diff)
	}
}

func TestIsWallclockTimeGreaterThan(t *testing.T) {
	ec := New(fake.NewClock(epoch), time.Second)

	if !ec.IsWallclockTimeGreaterThan(epoch.Add(-time.Minute)) {
		t.Error("a past time should compare as passed")
	}
	if _, ok := ec.Deadline(); ok {
		t.Error("a passed time must not become a deadline")
	}

	if ec.IsWallclockTimeGreaterThan(epoch.Add(time.Hour)) {
		t.Error("a future time should not compare as passed")
	}
	ec.IsWallclockTimeGreaterThan(epoch.Add(10 * time.Minute))
	ec.IsWallclockTimeGreaterThan(epoch.Add(2 * time.Hour))

	deadline, ok := ec.Deadline()
	if !ok || !deadline.Equal(epoch.Add(10*time.Minute)) {
		t.Errorf("Deadline() = %v, %v, want the earliest future time", deadline, ok)
	}

	// Equal to now has not passed yet.
	if ec.IsWallclockTimeGreaterThan(epoch) {
		t.Error("now should not be greater than now")
	}
}

func TestWaitWakesOnChange(t *testing.T) {
	v := state.NewAsyncVariableWith("test.flag", false)
	ec := New(fake.NewClock(epoch), 10*time.Second)
	Get[bool](ec, v)

	go func() {
		time.Sleep(20 * time.Millisecond)
		v.Set(true)
	}()

	start := time.Now()
	if err := ec.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Wait() took %v, expected to wake on change", elapsed)
	}
}

func TestWaitWakesOnPolledChange(t *testing.T) {
	var value atomic.Int32
	v := state.NewPollVariable("test.polled", 10*time.Millisecond, func() (int32, error) {
		return value.Load(), nil
	})
	ec := New(fake.NewClock(epoch), 10*time.Second)
	Get[int32](ec, v)

	go func() {
		time.Sleep(30 * time.Millisecond)
		value.Store(1)
	}()

	start := time.Now()
	if err := ec.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Wait() took %v, expected to wake on polled change", elapsed)
	}
}

func TestWaitTimesOut(t *testing.T) {
	ec := New(fake.NewClock(epoch), 20*time.Millisecond)
	Get[bool](ec, state.NewConstVariable("test.const", true))

	if err := ec.Wait(context.Background()); err != nil {
		t.Errorf("Wait() error = %v, want nil on timeout", err)
	}
}

func TestWaitHonoursDeadline(t *testing.T) {
	clock := fake.NewClock(epoch)
	ec := New(clock, time.Hour)
	ec.IsWallclockTimeGreaterThan(epoch.Add(20 * time.Millisecond))

	start := time.Now()
	if err := ec.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 30*time.Minute {
		t.Errorf("Wait() took %v, want it bounded by the deadline", elapsed)
	}

	clock.Advance(time.Minute)
	if err := ec.Wait(context.Background()); err != nil {
		t.Errorf("Wait() past the deadline error = %v, want nil", err)
	}
}

func TestWaitCancelled(t *testing.T) {
	ec := New(fake.NewClock(epoch), time.Hour)
	Get[bool](ec, state.NewAsyncVariableWith("test.flag", false))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	if err := ec.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() error = %v, want context.Canceled", err)
	}
}
