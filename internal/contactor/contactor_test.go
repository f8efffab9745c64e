package contactor

import (
	"testing"
	"time"
)

func at(ms int) time.Time {
	return time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(ms) * time.Millisecond)
}

func TestSetupDrivesInitialState(t *testing.T) {
	pin := &FakePin{}
	d := New(pin, nil)
	if err := d.Setup(false); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if pin.Closed {
		t.Error("pin closed after Setup(false)")
	}
	if !d.IsOpen() {
		t.Error("driver not open after Setup(false)")
	}
	if len(pin.Transitions) != 1 {
		t.Errorf("transitions = %d, want 1", len(pin.Transitions))
	}
}

func TestFirstCloseCommitsImmediately(t *testing.T) {
	pin := &FakePin{}
	d := New(pin, nil)
	d.Setup(false)

	d.Close()
	if pin.Closed {
		t.Error("pin driven before Loop")
	}
	if !d.IsPending() {
		t.Error("close not pending")
	}
	if err := d.Loop(at(0)); err != nil {
		t.Fatalf("Loop: %v", err)
	}
	if !pin.Closed {
		t.Error("first close did not commit immediately")
	}
}

func TestCloseDeferredByAntiChatter(t *testing.T) {
	pin := &FakePin{}
	d := New(pin, nil)
	d.Setup(false)

	// Commit one open so lastSwitchTime is armed.
	d.Close()
	d.Loop(at(0))
	d.Open()
	d.Loop(at(10))
	if pin.Closed {
		t.Fatal("open did not commit")
	}

	d.Close()
	d.Loop(at(20))
	if pin.Closed {
		t.Error("close committed before anti-chatter delay")
	}
	d.Loop(at(3009))
	if pin.Closed {
		t.Error("close committed at 2999 ms since last switch")
	}
	d.Loop(at(3010))
	if !pin.Closed {
		t.Error("close did not commit after anti-chatter delay")
	}
}

func TestOpenNeverDeferred(t *testing.T) {
	pin := &FakePin{}
	d := New(pin, nil)
	d.Setup(false)

	d.Close()
	d.Loop(at(0))
	if !pin.Closed {
		t.Fatal("close did not commit")
	}

	// Open one millisecond later: must commit despite the recent switch.
	d.Open()
	d.Loop(at(1))
	if pin.Closed {
		t.Error("open was deferred")
	}
}

func TestOpenImmediatelyBypassesLoop(t *testing.T) {
	pin := &FakePin{}
	d := New(pin, nil)
	d.Setup(false)
	d.Close()
	d.Loop(at(0))

	if err := d.OpenImmediately(); err != nil {
		t.Fatalf("OpenImmediately: %v", err)
	}
	if pin.Closed {
		t.Error("pin still closed after OpenImmediately")
	}
	if !d.IsOpen() || d.IsPending() {
		t.Error("driver state not open/settled after OpenImmediately")
	}

	// The switch timer was reset: the next close commits without delay.
	d.Close()
	d.Loop(at(5))
	if !pin.Closed {
		t.Error("close after OpenImmediately was deferred")
	}
}

func TestLoopIdleWithoutPendingChange(t *testing.T) {
	pin := &FakePin{}
	d := New(pin, nil)
	d.Setup(false)
	n := len(pin.Transitions)

	for ms := 0; ms < 100; ms += 20 {
		d.Loop(at(ms))
	}
	if len(pin.Transitions) != n {
		t.Errorf("idle Loop drove the pin %d times", len(pin.Transitions)-n)
	}
}
