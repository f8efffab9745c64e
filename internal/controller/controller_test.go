package controller

import (
	"io"
	"log"
	"math"
	"testing"
	"time"

	"github.com/NOELV70/EVSE-SyncCharge/internal/contactor"
	"github.com/NOELV70/EVSE-SyncCharge/internal/pilot"
)

var quiet = log.New(io.Discard, "", 0)

// Pilot windows used throughout: high peak picks the J1772 state, the low
// peak carries a healthy -11.5 V swing so the diode check passes.
const (
	stateAHigh = 11500
	stateBHigh = 8700
	stateCHigh = 5800
	healthyLow = -11500
)

type stubRCM struct {
	triggered  bool
	selfTestOK bool
	selfTests  int
}

func (s *stubRCM) IsTriggered() bool {
	t := s.triggered
	s.triggered = false
	return t
}

func (s *stubRCM) SelfTest() bool {
	s.selfTests++
	return s.selfTestOK
}

type fixture struct {
	pwm   *pilot.FakePWM
	adc   *pilot.FakeSampler
	pin   *contactor.FakePin
	rcm   *stubRCM
	c     *Controller
	clock time.Time
}

func newFixture(t *testing.T, s Settings) *fixture {
	t.Helper()
	f := &fixture{
		pwm:   &pilot.FakePWM{},
		adc:   pilot.NewFakeSampler(),
		pin:   &contactor.FakePin{},
		rcm:   &stubRCM{selfTestOK: true},
		clock: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	p := pilot.New(f.pwm, f.adc, quiet)
	relay := contactor.New(f.pin, quiet)
	f.c = New(p, relay, f.rcm, quiet)
	f.c.now = func() time.Time { return f.clock }
	if err := f.c.Setup(s); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	return f
}

// cycle feeds one pilot window and runs one control cycle after advancing
// the clock by step.
func (f *fixture) cycle(highMv, lowMv int, step time.Duration) {
	f.adc.Push(pilot.Window(highMv, lowMv))
	f.clock = f.clock.Add(step)
	f.c.Loop()
}

// drive runs n control cycles at the 20 ms control rate.
func (f *fixture) drive(highMv, lowMv, n int) {
	for i := 0; i < n; i++ {
		f.cycle(highMv, lowMv, 20*time.Millisecond)
	}
}

// jump advances the clock without running cycles.
func (f *fixture) jump(d time.Duration) {
	f.clock = f.clock.Add(d)
}

// plugAndCharge walks the fixture from boot to an active charge session:
// disconnected (clears the lockout), connected, start, then Ready with the
// relay closed.
func (f *fixture) plugAndCharge(t *testing.T) {
	t.Helper()
	f.drive(stateAHigh, 0, 1)
	f.drive(stateBHigh, healthyLow, 3)
	f.c.StartCharging()
	if f.c.State() != StateCharging {
		t.Fatal("charge did not start")
	}
	f.drive(stateCHigh, healthyLow, 3)
	f.drive(stateCHigh, healthyLow, 2) // let the relay close commit
	if !f.pin.Closed {
		t.Fatal("relay did not close")
	}
}

func defaultSettings() Settings {
	return Settings{
		MaxCurrent:          32,
		LowLimitResumeDelay: 300 * time.Second,
		RCMEnabled:          true,
	}
}

func TestColdPlugAndCharge(t *testing.T) {
	f := newFixture(t, defaultSettings())

	// Power-on: lockout is armed fail-safe.
	if !f.c.ErrorLockout() {
		t.Fatal("errorLockout not set at boot")
	}

	// Observing the vehicle disconnected is the only clear path.
	f.drive(stateAHigh, 0, 1)
	if f.c.ErrorLockout() {
		t.Fatal("lockout not cleared on NotConnected observation")
	}

	f.drive(stateBHigh, healthyLow, 3)
	if got := f.c.VehicleState(); got != pilot.VehicleConnected {
		t.Fatalf("vehicle state = %v, want Connected", got)
	}

	f.c.StartCharging()
	if f.c.State() != StateCharging {
		t.Fatal("charge did not start")
	}
	if f.rcm.selfTests != 1 {
		t.Errorf("pre-charge self-tests = %d, want 1", f.rcm.selfTests)
	}

	// Vehicle not yet Ready: PWM at the commanded duty, relay open.
	f.drive(stateBHigh, healthyLow, 1)
	if !f.pwm.AttachedNow {
		t.Error("PWM not attached in State B while charging")
	}
	if f.pin.Closed {
		t.Error("relay closed in State B")
	}

	// Ready arrives: relay closes within one cycle of the commit.
	f.drive(stateCHigh, healthyLow, 3)
	f.drive(stateCHigh, healthyLow, 1)
	if !f.pin.Closed {
		t.Error("relay did not close after Ready")
	}
	if math.Abs(f.c.PilotDuty()-32.0/0.6) > 0.01 {
		t.Errorf("pilot duty = %v, want %v", f.c.PilotDuty(), 32.0/0.6)
	}
}

func TestStartRejectedWhileLockedOut(t *testing.T) {
	f := newFixture(t, defaultSettings())

	// Vehicle already connected at boot: no NotConnected observation, the
	// lockout holds.
	f.drive(stateBHigh, healthyLow, 1)
	f.c.StartCharging()
	if f.c.State() != StateReady {
		t.Error("start accepted while locked out")
	}
	if f.rcm.selfTests != 0 {
		t.Error("self-test ran for a rejected start")
	}
}

func TestStartRejectedWithoutVehicle(t *testing.T) {
	f := newFixture(t, defaultSettings())
	f.drive(stateAHigh, 0, 1)
	f.c.StartCharging()
	if f.c.State() != StateReady {
		t.Error("start accepted with no vehicle")
	}
}

func TestStartAbortsOnFailedSelfTest(t *testing.T) {
	f := newFixture(t, defaultSettings())
	f.drive(stateAHigh, 0, 1)
	f.drive(stateBHigh, healthyLow, 3)

	f.rcm.selfTestOK = false
	f.c.StartCharging()
	if f.c.State() != StateReady {
		t.Error("charge started despite failed self-test")
	}
	if !f.c.ErrorLockout() || !f.c.RCMTripped() {
		t.Error("failed self-test did not latch lockout and rcmTripped")
	}
	if f.pin.Closed {
		t.Error("relay closed despite failed self-test")
	}
}

func TestRCMTripMidCharge(t *testing.T) {
	f := newFixture(t, defaultSettings())
	f.plugAndCharge(t)

	f.rcm.triggered = true
	f.drive(stateCHigh, healthyLow, 1)

	if f.pin.Closed {
		t.Error("relay not opened in the trip cycle")
	}
	if f.c.State() != StateReady {
		t.Errorf("charge state = %v, want Ready", f.c.State())
	}
	if !f.c.ErrorLockout() || !f.c.RCMTripped() {
		t.Error("trip did not latch lockout and rcmTripped")
	}

	// Start stays rejected until the vehicle is unplugged.
	f.c.StartCharging()
	if f.c.State() != StateReady {
		t.Error("start accepted while tripped")
	}

	f.drive(stateAHigh, 0, 3)
	if f.c.ErrorLockout() || f.c.RCMTripped() {
		t.Error("unplugging did not clear the latches")
	}
}

func TestSolarThrottleRamp(t *testing.T) {
	s := defaultSettings()
	s.AllowBelowMin = true
	f := newFixture(t, s)

	// Vehicle stays in State B: duty applied, relay open.
	f.drive(stateAHigh, 0, 1)
	f.drive(stateBHigh, healthyLow, 3)
	f.c.StartCharging()
	f.c.SetCurrentLimit(4.5)
	f.drive(stateBHigh, healthyLow, 2)

	if math.Abs(f.c.PilotDuty()-7.5) > 0.01 {
		t.Errorf("pilot duty = %v, want 7.5", f.c.PilotDuty())
	}
	if f.pin.Closed {
		t.Error("relay closed in State B")
	}
	if f.c.Snapshot().PausedAtLowLimit {
		t.Error("throttle mode set pausedAtLowLimit")
	}
}

func TestStrictPauseAndTimedResume(t *testing.T) {
	s := defaultSettings()
	s.AllowBelowMin = false
	s.LowLimitResumeDelay = 300 * time.Second
	f := newFixture(t, s)
	f.plugAndCharge(t)

	// Drop below minimum: pause once, relay opens, reduced duty stays on
	// the line.
	f.c.SetCurrentLimit(5)
	f.drive(stateCHigh, healthyLow, 2)
	if f.pin.Closed {
		t.Error("relay still closed in low-limit pause")
	}
	snap := f.c.Snapshot()
	if !snap.PausedAtLowLimit {
		t.Fatal("pausedAtLowLimit not set")
	}
	if math.Abs(snap.PilotDuty-5.0/0.6) > 0.01 {
		t.Errorf("paused duty = %v, want %v", snap.PilotDuty, 5.0/0.6)
	}

	// Raising the limit after 10 s does not resume early.
	f.jump(10 * time.Second)
	f.c.SetCurrentLimit(16)
	f.drive(stateCHigh, healthyLow, 2)
	if !f.c.Snapshot().PausedAtLowLimit {
		t.Error("resumed before the delay elapsed")
	}
	if math.Abs(f.c.PilotDuty()-5.0/0.6) > 0.01 {
		t.Errorf("duty changed during pause: %v", f.c.PilotDuty())
	}

	// After the full delay the limit re-applies and the relay re-closes.
	f.jump(295 * time.Second)
	f.drive(stateCHigh, healthyLow, 3)
	snap = f.c.Snapshot()
	if snap.PausedAtLowLimit {
		t.Error("still paused after the delay")
	}
	if math.Abs(snap.PilotDuty-16.0/0.6) > 0.01 {
		t.Errorf("resumed duty = %v, want %v", snap.PilotDuty, 16.0/0.6)
	}
	if !f.pin.Closed {
		t.Error("relay did not re-close after resume")
	}
}

func TestStrictPausePausesOnlyOnce(t *testing.T) {
	s := defaultSettings()
	f := newFixture(t, s)
	f.plugAndCharge(t)

	f.c.SetCurrentLimit(5)
	f.drive(stateCHigh, healthyLow, 2)
	pausedSince := f.c.Snapshot()
	if !pausedSince.PausedAtLowLimit {
		t.Fatal("not paused")
	}

	// Limit bounces above and back below the minimum inside the delay:
	// the pause timestamp must not restart.
	before := f.c.pausedSince
	f.jump(5 * time.Second)
	f.c.SetCurrentLimit(16)
	f.drive(stateCHigh, healthyLow, 1)
	f.c.SetCurrentLimit(5)
	f.drive(stateCHigh, healthyLow, 1)
	if !f.c.pausedSince.Equal(before) {
		t.Error("pause timestamp restarted")
	}
}

func TestThrottleAliveRamp(t *testing.T) {
	s := defaultSettings()
	s.ThrottleAliveTimeout = 60 * time.Second
	f := newFixture(t, s)
	f.plugAndCharge(t)
	f.c.SetCurrentLimit(20)
	f.drive(stateCHigh, healthyLow, 1)

	// Input goes stale: the first 1 A drop fires as soon as the timeout
	// expires.
	f.jump(61 * time.Second)
	f.drive(stateCHigh, healthyLow, 1)
	if got := f.c.CurrentLimit(); got != 19 {
		t.Fatalf("limit after timeout = %v, want 19", got)
	}

	// Then one ampere every 5 s down to the 6 A floor.
	for want := 18.0; want >= 6; want-- {
		f.jump(5 * time.Second)
		f.drive(stateCHigh, healthyLow, 1)
		if got := f.c.CurrentLimit(); got != want {
			t.Fatalf("ramp limit = %v, want %v", got, want)
		}
	}
	f.jump(5 * time.Second)
	f.drive(stateCHigh, healthyLow, 1)
	if got := f.c.CurrentLimit(); got != 6 {
		t.Errorf("limit went below the floor: %v", got)
	}

	// Fresh input halts the ramp.
	f.c.SetCurrentLimit(20)
	f.c.SignalThrottleAlive()
	f.drive(stateCHigh, healthyLow, 1)
	f.jump(30 * time.Second)
	f.drive(stateCHigh, healthyLow, 1)
	if got := f.c.CurrentLimit(); got != 20 {
		t.Errorf("limit ramped despite fresh input: %v", got)
	}
}

func TestDiodeFaultLatchesLockout(t *testing.T) {
	f := newFixture(t, defaultSettings())
	f.plugAndCharge(t)

	// High peak still reads Ready but the negative swing is gone: the
	// classifier reports a fault and the controller locks out.
	f.drive(5200, -300, 3)
	f.drive(5200, -300, 1)
	if f.pin.Closed {
		t.Error("relay still closed after diode fault")
	}
	if f.c.State() != StateReady {
		t.Error("charge did not stop on diode fault")
	}
	if !f.c.ErrorLockout() {
		t.Error("lockout not latched on diode fault")
	}
	if got := f.c.VehicleState(); got != pilot.VehicleError {
		t.Errorf("vehicle state = %v, want Error", got)
	}
}

func TestVehicleDisappearsStopsCharge(t *testing.T) {
	f := newFixture(t, defaultSettings())
	f.plugAndCharge(t)

	f.drive(stateAHigh, 0, 3)
	if f.c.State() != StateReady {
		t.Error("charge did not stop on disconnect")
	}
	if f.pin.Closed {
		t.Error("relay still closed after disconnect")
	}
}

func TestPauseIsDistinctFromStop(t *testing.T) {
	f := newFixture(t, defaultSettings())
	f.plugAndCharge(t)

	f.c.PauseCharging()
	snap := f.c.Snapshot()
	if snap.ChargeState != StateReady || !snap.UserPaused {
		t.Error("pause did not enter Ready with the user-pause flag")
	}
	if f.pin.Closed {
		t.Error("relay still closed after pause")
	}

	// Stop clears the user-pause flag.
	f.c.StopCharging()
	if f.c.Snapshot().UserPaused {
		t.Error("stop did not clear the user-pause flag")
	}
}

func TestPauseIgnoredWhileIdle(t *testing.T) {
	f := newFixture(t, defaultSettings())
	f.c.PauseCharging()
	if f.c.Snapshot().UserPaused {
		t.Error("pause while idle set the user-pause flag")
	}
}

func TestSetCurrentLimitClamps(t *testing.T) {
	f := newFixture(t, defaultSettings())

	f.c.SetCurrentLimit(120)
	if got := f.c.CurrentLimit(); got != 32 {
		t.Errorf("limit = %v, want clamp to maxCurrent 32", got)
	}
	f.c.SetCurrentLimit(-5)
	if got := f.c.CurrentLimit(); got != 0 {
		t.Errorf("limit = %v, want clamp to 0", got)
	}
}

func TestSetAllowBelowMinIdempotent(t *testing.T) {
	f := newFixture(t, defaultSettings())
	f.c.SetAllowBelowMinCharging(true)
	first := f.c.Snapshot().AllowBelowMin
	f.c.SetAllowBelowMinCharging(true)
	if f.c.Snapshot().AllowBelowMin != first {
		t.Error("second identical call changed state")
	}
}

func TestPeriodicSelfTestWhileIdle(t *testing.T) {
	f := newFixture(t, defaultSettings())
	f.drive(stateAHigh, 0, 1)

	f.jump(25 * time.Hour)
	f.drive(stateAHigh, 0, 1)
	if f.rcm.selfTests != 1 {
		t.Errorf("periodic self-tests = %d, want 1", f.rcm.selfTests)
	}

	// A fresh test is not due again for another 24 h.
	f.jump(time.Hour)
	f.drive(stateAHigh, 0, 1)
	if f.rcm.selfTests != 1 {
		t.Errorf("self-test repeated early: %d", f.rcm.selfTests)
	}
}

func TestPeriodicSelfTestFailureLatches(t *testing.T) {
	f := newFixture(t, defaultSettings())
	f.drive(stateAHigh, 0, 1)
	f.drive(stateBHigh, healthyLow, 3) // connected, idle

	f.rcm.selfTestOK = false
	f.jump(25 * time.Hour)
	f.drive(stateBHigh, healthyLow, 1)
	if !f.c.ErrorLockout() || !f.c.RCMTripped() {
		t.Error("failed periodic test did not latch")
	}
}

func TestPeriodicSelfTestSkippedWhileCharging(t *testing.T) {
	f := newFixture(t, defaultSettings())
	f.plugAndCharge(t)
	tests := f.rcm.selfTests

	f.jump(25 * time.Hour)
	f.drive(stateCHigh, healthyLow, 1)
	if f.rcm.selfTests != tests {
		t.Error("periodic self-test ran while charging")
	}
}

func TestTestModeForcesRelayOpenAndRejectsStart(t *testing.T) {
	f := newFixture(t, defaultSettings())
	f.drive(stateAHigh, 0, 1)
	f.drive(stateBHigh, healthyLow, 3)

	f.c.EnableCurrentTest(true)
	f.c.SetCurrentTest(20)
	f.drive(stateBHigh, healthyLow, 2)

	if f.pin.Closed {
		t.Error("relay closed in test mode")
	}
	if math.Abs(f.c.PilotDuty()-20.0/0.6) > 0.01 {
		t.Errorf("test duty = %v, want %v", f.c.PilotDuty(), 20.0/0.6)
	}

	f.c.StartCharging()
	if f.c.State() != StateReady {
		t.Error("start accepted in test mode")
	}

	f.c.EnableCurrentTest(false)
	if f.c.Snapshot().TestMode {
		t.Error("test mode still active after disable")
	}
}

func TestTestModeRejectedWhileCharging(t *testing.T) {
	f := newFixture(t, defaultSettings())
	f.plugAndCharge(t)
	f.c.EnableCurrentTest(true)
	if f.c.Snapshot().TestMode {
		t.Error("test mode entered while charging")
	}
}

func TestSnapshotDutyMatchesApplied(t *testing.T) {
	f := newFixture(t, defaultSettings())
	f.plugAndCharge(t)

	snap := f.c.Snapshot()
	wantCounts := int(math.Round(snap.PilotDuty / 100 * 4095))
	if f.pwm.DutyCounts != wantCounts {
		t.Errorf("pwm counts = %d, snapshot implies %d", f.pwm.DutyCounts, wantCounts)
	}
}
