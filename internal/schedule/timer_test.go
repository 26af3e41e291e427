package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func counter(n *atomic.Int32) ActionFunc {
	return func(context.Context) error {
		n.Add(1)
		return nil
	}
}

func approveWith(ok bool, err error) ApproveFunc {
	return func(context.Context) (bool, error) { return ok, err }
}

func waitState(t *testing.T, a *Action, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("action %s state = %s, want %s", a.ID(), a.State(), want)
}

func TestScheduleThenCancelNeverFires(t *testing.T) {
	timer := New(nil)
	defer timer.Close()

	var runs atomic.Int32
	a := timer.Schedule("c1", time.Now().Add(50*time.Millisecond), nil, counter(&runs))
	if timer.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", timer.Pending())
	}
	if !timer.Cancel("c1") {
		t.Fatal("Cancel() = false, want true")
	}
	if timer.Cancel("c1") {
		t.Fatal("second Cancel() = true, want false")
	}

	time.Sleep(120 * time.Millisecond)
	if runs.Load() != 0 {
		t.Fatalf("cancelled action ran %d times", runs.Load())
	}
	if a.State() != StateCancelled {
		t.Fatalf("state = %s, want cancelled", a.State())
	}
	if timer.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", timer.Pending())
	}
}

func TestSchedulePastRunsSynchronously(t *testing.T) {
	timer := New(nil)
	defer timer.Close()

	var runs atomic.Int32
	a := timer.Schedule("c1", time.Now().Add(-time.Minute), nil, counter(&runs))
	if runs.Load() != 1 {
		t.Fatalf("runs = %d, want 1 before Schedule returns", runs.Load())
	}
	if a.State() != StateFired {
		t.Fatalf("state = %s, want fired", a.State())
	}
	if timer.Cancel("c1") {
		t.Fatal("Cancel() after fire = true, want false")
	}
}

func TestScheduleFiresOnTime(t *testing.T) {
	timer := New(nil)
	defer timer.Close()

	var runs atomic.Int32
	a := timer.Schedule("c1", time.Now().Add(20*time.Millisecond), nil, counter(&runs))
	waitState(t, a, StateFired)
	if runs.Load() != 1 {
		t.Fatalf("runs = %d, want 1", runs.Load())
	}
	if timer.Pending() != 0 {
		t.Fatalf("Pending() = %d after fire, want 0", timer.Pending())
	}
}

func TestScheduleApproval(t *testing.T) {
	tests := []struct {
		name     string
		approve  ApproveFunc
		wantRuns int32
	}{
		{"no approver", nil, 1},
		{"approved", approveWith(true, nil), 1},
		{"declined", approveWith(false, nil), 0},
		{"approval error", approveWith(true, errors.New("unreachable")), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			timer := New(nil)
			defer timer.Close()

			var runs atomic.Int32
			a := timer.Schedule("c1", time.Time{}, tt.approve, counter(&runs))
			if runs.Load() != tt.wantRuns {
				t.Fatalf("runs = %d, want %d", runs.Load(), tt.wantRuns)
			}
			if a.State() != StateFired {
				t.Fatalf("state = %s, want fired", a.State())
			}
		})
	}
}

func TestRescheduleReplacesPending(t *testing.T) {
	timer := New(nil)
	defer timer.Close()

	var first, second atomic.Int32
	a1 := timer.Schedule("c1", time.Now().Add(30*time.Millisecond), nil, counter(&first))
	a2 := timer.Schedule("c1", time.Now().Add(40*time.Millisecond), nil, counter(&second))
	if a1.State() != StateCancelled {
		t.Fatalf("replaced action state = %s, want cancelled", a1.State())
	}
	if timer.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", timer.Pending())
	}
	waitState(t, a2, StateFired)
	if first.Load() != 0 || second.Load() != 1 {
		t.Fatalf("runs first=%d second=%d, want 0 and 1", first.Load(), second.Load())
	}
}

func TestCloseCancelsPending(t *testing.T) {
	timer := New(nil)

	var runs atomic.Int32
	a := timer.Schedule("c1", time.Now().Add(30*time.Millisecond), nil, counter(&runs))
	b := timer.Schedule("c2", time.Now().Add(30*time.Millisecond), nil, counter(&runs))
	timer.Close()

	time.Sleep(80 * time.Millisecond)
	if runs.Load() != 0 {
		t.Fatalf("runs = %d after Close, want 0", runs.Load())
	}
	if a.State() != StateCancelled || b.State() != StateCancelled {
		t.Fatalf("states = %s, %s, want cancelled", a.State(), b.State())
	}
}

func TestNowOverride(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	timer := New(nil, WithNow(func() time.Time { return fixed }))
	defer timer.Close()

	var runs atomic.Int32
	timer.Schedule("c1", fixed, nil, counter(&runs))
	if runs.Load() != 1 {
		t.Fatalf("action due at the current instant did not run synchronously")
	}
}
