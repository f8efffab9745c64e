// Package controller owns the J1772 behavioural contract. It integrates
// pilot classification, RCM status, configuration and supervisor commands
// into the (PWM duty, relay target) outputs, and is the single writer of the
// charge state, current limit and safety flags.
//
// All public operations complete in bounded time; the only blocking call on
// the control path is the RCM self-test (<= 500 ms), which never runs while
// charging. Supervisor adapters observe state by polling Snapshot, which
// gives them change visibility within one control cycle.
package controller

import (
	"log"
	"sync"
	"time"

	"github.com/NOELV70/EVSE-SyncCharge/internal/contactor"
	"github.com/NOELV70/EVSE-SyncCharge/internal/meter"
	"github.com/NOELV70/EVSE-SyncCharge/internal/pilot"
)

// ChargeState is the controller's own state: ready (relay open) or charging.
type ChargeState int

const (
	StateReady ChargeState = iota
	StateCharging
)

// String returns the state name.
func (s ChargeState) String() string {
	if s == StateCharging {
		return "CHARGING"
	}
	return "READY"
}

// RCMMonitor is the slice of the RCM supervisor the controller drives.
type RCMMonitor interface {
	IsTriggered() bool
	SelfTest() bool
}

// Settings are the charging tunables. Loaded from the configuration adapter
// at startup and mutated only through the controller's setters.
type Settings struct {
	MaxCurrent float64
	// AllowBelowMin selects continuous throttling (solar) mode below
	// MinCurrent instead of the strict J1772 pause.
	AllowBelowMin bool
	// LowLimitResumeDelay is the cooldown after a low-limit pause before
	// PWM resumes automatically.
	LowLimitResumeDelay time.Duration
	// OpenRelayOnPause opens the contactor immediately (instead of
	// delayed) when a low-limit pause begins.
	OpenRelayOnPause bool
	RCMEnabled       bool
	// ThrottleAliveTimeout is the staleness bound on external control
	// input while charging; zero disables the liveness ramp.
	ThrottleAliveTimeout time.Duration
}

// Timing constants for the safety supervisors.
const (
	rcmTestInterval = 24 * time.Hour

	throttleRampInterval = 5 * time.Second
	throttleRampStep     = 1.0
)

// Controller is the charge controller. All exported methods are safe for
// concurrent use by the supervisor adapters.
type Controller struct {
	mu sync.Mutex

	pilot  *pilot.Pilot
	relay  *contactor.Driver
	rcm    RCMMonitor
	logger *log.Logger
	now    func() time.Time

	state        ChargeState
	vehicleState pilot.VehicleState
	settings     Settings
	currentLimit float64
	started      time.Time

	actualCurrent        meter.Reading
	actualCurrentUpdated time.Time

	currentTest      bool
	pausedAtLowLimit bool
	userPaused       bool
	pausedSince      time.Time

	// errorLockout defaults to true: after a crash or watchdog reboot no
	// charge may start until the vehicle is observed disconnected.
	errorLockout bool
	rcmTripped   bool

	lastThrottleAlive time.Time
	lastThrottleRamp  time.Time
	lastRcmTest       time.Time
}

// Snapshot is a point-in-time copy of the controller state, safe to use
// after the lock is released.
type Snapshot struct {
	ChargeState  ChargeState
	VehicleState pilot.VehicleState
	CurrentLimit float64
	MaxCurrent   float64
	PilotDuty    float64
	PilotLevels  pilot.Levels

	ActualCurrent meter.Reading

	AllowBelowMin        bool
	LowLimitResumeDelay  time.Duration
	ThrottleAliveTimeout time.Duration

	RCMEnabled       bool
	RCMTripped       bool
	ErrorLockout     bool
	UserPaused       bool
	PausedAtLowLimit bool
	TestMode         bool

	Started time.Time
}

// New creates a Controller over the given pilot, contactor and RCM monitor.
// A nil logger uses the default logger.
func New(p *pilot.Pilot, relay *contactor.Driver, monitor RCMMonitor, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.Default()
	}
	return &Controller{
		pilot:        p,
		relay:        relay,
		rcm:          monitor,
		logger:       logger,
		now:          time.Now,
		errorLockout: true,
	}
}

// Setup initialises the controller: relay open, pilot in standby, charge
// state ready, error lockout armed (fail-safe).
func (c *Controller) Setup(settings Settings) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Printf("[EVSE] setup begin")
	if settings.MaxCurrent < pilot.MinCurrent {
		c.logger.Printf("[EVSE] maxCurrent %.1f below minimum, clamping to %.1f", settings.MaxCurrent, pilot.MinCurrent)
		settings.MaxCurrent = pilot.MinCurrent
	}
	if settings.MaxCurrent > pilot.MaxCurrent {
		c.logger.Printf("[EVSE] maxCurrent %.1f above maximum, clamping to %.1f", settings.MaxCurrent, pilot.MaxCurrent)
		settings.MaxCurrent = pilot.MaxCurrent
	}

	if err := c.relay.Setup(false); err != nil {
		return err
	}
	if err := c.pilot.Begin(); err != nil {
		return err
	}

	c.settings = settings
	c.currentLimit = settings.MaxCurrent
	c.vehicleState = pilot.VehicleNotConnected
	c.state = StateReady
	c.userPaused = false
	c.errorLockout = true
	c.logger.Printf("[EVSE] error lockout initialized (fail-safe)")
	c.lastRcmTest = c.now()
	c.logger.Printf("[EVSE] setup done")
	return nil
}

// Loop runs one control cycle. Called at >= 50 Hz by the control task.
func (c *Controller) Loop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	// Safety: residual current trip observed since the last cycle.
	if c.settings.RCMEnabled && c.rcm.IsTriggered() {
		c.logger.Printf("[EVSE] CRITICAL: RCM fault detected, emergency stop")
		c.relay.OpenImmediately()
		c.stopChargingLocked()
		c.rcmTripped = true
		if !c.errorLockout {
			c.errorLockout = true
			c.logger.Printf("[EVSE] error lockout activated by RCM fault")
		}
	}

	// Periodic RCM self-test (IEC 62955: every 24 h), only while idle so
	// charging is never interrupted by the blocking test.
	if c.settings.RCMEnabled && c.state != StateCharging && now.Sub(c.lastRcmTest) >= rcmTestInterval {
		c.logger.Printf("[EVSE] periodic 24h RCM self-test")
		if c.rcm.SelfTest() {
			c.lastRcmTest = c.now()
		} else {
			c.logger.Printf("[EVSE] periodic RCM test FAILED, entering lockout")
			c.rcmTripped = true
			c.errorLockout = true
			c.relay.OpenImmediately()
		}
	}

	c.relay.Loop(now)
	c.updateVehicleState()
	c.outputStep(now)
	c.checkResumeFromLowLimit(now)
	c.throttleAliveStep(now)
}

func (c *Controller) updateVehicleState() {
	newState := c.pilot.Read()
	if newState == c.vehicleState {
		return
	}
	c.vehicleState = newState
	c.logger.Printf("[EVSE] vehicle state: %s", newState)

	if c.state == StateCharging && !newState.ChargePermissive() {
		c.stopChargingLocked()
	}
}

// outputStep is the J1772 output table: it drives PWM and relay from
// (vehicle state, charge state) and maintains the error lockout latch.
func (c *Controller) outputStep(now time.Time) {
	if c.currentTest {
		// Test mode: PWM stays at the test duty, relay forced open.
		c.relay.Open()
		return
	}

	switch {
	case c.vehicleState == pilot.VehicleError || c.vehicleState == pilot.VehicleNoPower:
		if !c.errorLockout {
			c.errorLockout = true
			c.logger.Printf("[EVSE] error lockout activated: %s", c.vehicleState)
		}
	case c.vehicleState == pilot.VehicleNotConnected:
		// The only recovery path: the vehicle is observed disconnected.
		if c.errorLockout {
			c.errorLockout = false
			c.rcmTripped = false
			c.logger.Printf("[EVSE] error lockout cleared: vehicle disconnected")
		}
	}

	switch c.vehicleState {
	case pilot.VehicleConnected:
		if c.state == StateCharging {
			// State B while charging keeps the commanded duty; the
			// relay-close gate is the transition to Ready.
			c.driveCharging(now, false)
		} else {
			c.pilot.Standby()
			c.relay.Open()
		}
	case pilot.VehicleReady, pilot.VehicleReadyVentilation:
		if c.state == StateCharging {
			c.driveCharging(now, true)
		} else {
			c.pilot.Standby()
			c.relay.Open()
		}
	case pilot.VehicleError:
		c.pilot.Standby()
		c.relay.OpenImmediately()
	default:
		// NotConnected, NoPower.
		c.pilot.Standby()
		c.relay.Open()
	}
}

// driveCharging applies the current limit while charging, including the
// low-limit pause/throttle policy. mayClose is true once the vehicle has
// transitioned to Ready.
func (c *Controller) driveCharging(now time.Time, mayClose bool) {
	if c.pausedAtLowLimit {
		// Hold the pause: the reduced duty stays on the line, relay
		// open. Resume is handled by the timed check.
		c.relay.Open()
		return
	}

	if c.currentLimit >= pilot.MinCurrent {
		c.pilot.SetCurrentLimit(c.currentLimit)
		if mayClose {
			c.relay.Close()
		} else {
			c.relay.Open()
		}
		return
	}

	if c.settings.AllowBelowMin {
		// Throttle mode: apply the sub-minimum duty directly, no pause.
		c.pilot.SetCurrentLimit(c.currentLimit)
		c.pausedAtLowLimit = false
		if mayClose {
			c.relay.Close()
		} else {
			c.relay.Open()
		}
		return
	}

	// Strict mode: keep PWM attached at the reduced duty (the vehicle
	// reads this as reduced capability) and open the relay.
	c.pilot.SetCurrentLimit(c.currentLimit)
	if c.settings.OpenRelayOnPause {
		c.relay.OpenImmediately()
	} else {
		c.relay.Open()
	}
	if !c.pausedAtLowLimit {
		c.logger.Printf("[EVSE] low power pause: PWM held at %.2f A", c.currentLimit)
		c.pausedAtLowLimit = true
		c.pausedSince = now
	}
}

func (c *Controller) checkResumeFromLowLimit(now time.Time) {
	if !c.pausedAtLowLimit || c.currentLimit < pilot.MinCurrent {
		return
	}
	if now.Sub(c.pausedSince) >= c.settings.LowLimitResumeDelay {
		c.logger.Printf("[EVSE] low-limit pause delay elapsed, resuming")
		c.pilot.SetCurrentLimit(c.currentLimit)
		c.pausedAtLowLimit = false
	}
}

// throttleAliveStep ramps the current limit down while external control
// input is stale: 1 A every 5 s, never below MinCurrent. Fresh input arms
// the ramp so the first step fires immediately on the next timeout.
func (c *Controller) throttleAliveStep(now time.Time) {
	if c.settings.ThrottleAliveTimeout <= 0 || c.state != StateCharging {
		return
	}
	if now.Sub(c.lastThrottleAlive) > c.settings.ThrottleAliveTimeout {
		if c.currentLimit > pilot.MinCurrent && now.Sub(c.lastThrottleRamp) >= throttleRampInterval {
			next := c.currentLimit - throttleRampStep
			if next < pilot.MinCurrent {
				next = pilot.MinCurrent
			}
			c.logger.Printf("[EVSE] ThrottleAlive: stale input, ramping %.1fA -> %.1fA", c.currentLimit, next)
			c.setCurrentLimitLocked(next)
			c.lastThrottleRamp = now
		}
	} else {
		c.lastThrottleRamp = now.Add(-throttleRampInterval)
	}
}

// StartCharging begins a charge session. Preconditions: no error lockout,
// not already charging, not in test mode, vehicle charge-permissive, and
// (when RCM is enabled) a passing pre-charge self-test. Preconditional
// failures are logged and swallowed.
func (c *Controller) StartCharging() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Printf("[EVSE] startCharging() called")

	if c.errorLockout {
		c.logger.Printf("[EVSE] start ignored: error lockout active (disconnect vehicle to clear)")
		return
	}
	if c.currentTest {
		c.logger.Printf("[EVSE] start ignored: test mode active")
		return
	}
	if c.state == StateCharging {
		c.logger.Printf("[EVSE] start ignored: already charging")
		return
	}
	if !c.vehicleState.ChargePermissive() {
		c.logger.Printf("[EVSE] start ignored: vehicle not ready (%s)", c.vehicleState)
		return
	}

	// The RCM must be proven functional before the contactor may close.
	if c.settings.RCMEnabled {
		c.logger.Printf("[EVSE] pre-charge RCM self-test")
		if !c.rcm.SelfTest() {
			c.logger.Printf("[EVSE] pre-charge RCM test FAILED, aborting charge")
			c.rcmTripped = true
			c.errorLockout = true
			c.relay.OpenImmediately()
			return
		}
		c.lastRcmTest = c.now()
	}

	c.logger.Printf("[EVSE] start charging now")
	c.state = StateCharging
	c.started = c.now()
	c.userPaused = false
	c.lastThrottleAlive = c.now()
	c.lastThrottleRamp = c.now().Add(-throttleRampInterval)
}

// StopCharging unconditionally opens the relay and returns to Ready,
// clearing any user pause.
func (c *Controller) StopCharging() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger.Printf("[EVSE] stopCharging() called")
	c.relay.OpenImmediately()
	if c.state != StateCharging {
		c.userPaused = false
		return
	}
	c.stopChargingLocked()
}

func (c *Controller) stopChargingLocked() {
	c.relay.OpenImmediately()
	if c.state != StateCharging {
		c.userPaused = false
		return
	}
	c.logger.Printf("[EVSE] stop charging")
	c.state = StateReady
	c.userPaused = false
}

// PauseCharging opens the relay and returns to Ready while setting the user
// pause flag, which is distinct from the low-limit pause. Only meaningful
// while charging.
func (c *Controller) PauseCharging() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateCharging {
		c.logger.Printf("[EVSE] pause ignored: not charging")
		return
	}
	c.logger.Printf("[EVSE] pauseCharging() called")
	c.relay.OpenImmediately()
	c.state = StateReady
	c.userPaused = true
}

// SetCurrentLimit clamps the limit to [0, maxCurrent] and applies it.
func (c *Controller) SetCurrentLimit(amps float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setCurrentLimitLocked(amps)
}

func (c *Controller) setCurrentLimitLocked(amps float64) {
	if amps < 0 {
		amps = 0
	}
	if amps > c.settings.MaxCurrent {
		amps = c.settings.MaxCurrent
	}
	if amps == c.currentLimit {
		return
	}
	c.currentLimit = amps
	c.logger.Printf("[EVSE] current limit set to %.2f A", amps)

	// Apply to the line right away when actively driving PWM; the output
	// step converges the relay on the next cycle.
	if c.state == StateCharging && c.vehicleState.ChargePermissive() &&
		!c.pausedAtLowLimit && !c.currentTest &&
		(amps >= pilot.MinCurrent || c.settings.AllowBelowMin) {
		c.pilot.SetCurrentLimit(amps)
	}
}

// SetAllowBelowMinCharging switches between strict J1772 pause and
// continuous throttling below MinCurrent. Idempotent.
func (c *Controller) SetAllowBelowMinCharging(allow bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settings.AllowBelowMin == allow {
		return
	}
	c.settings.AllowBelowMin = allow
	if allow {
		c.logger.Printf("[EVSE] allowBelowMinCharging: TRUE (throttle)")
	} else {
		c.logger.Printf("[EVSE] allowBelowMinCharging: FALSE (strict J1772)")
	}
}

// SetLowLimitResumeDelay sets the cooldown after a low-limit pause.
func (c *Controller) SetLowLimitResumeDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d < 0 {
		d = 0
	}
	c.settings.LowLimitResumeDelay = d
	c.logger.Printf("[EVSE] lowLimitResumeDelay set to %v", d)
}

// SetThrottleAliveTimeout sets the external-command staleness bound; zero
// disables the liveness ramp.
func (c *Controller) SetThrottleAliveTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d < 0 {
		d = 0
	}
	c.settings.ThrottleAliveTimeout = d
	c.logger.Printf("[EVSE] throttleAlive timeout set to %v", d)
}

// SetRCMEnabled enables or disables residual current supervision.
func (c *Controller) SetRCMEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings.RCMEnabled = enabled
	if enabled {
		c.logger.Printf("[EVSE] RCM safety check ENABLED")
	} else {
		c.logger.Printf("[EVSE] RCM safety check DISABLED")
	}
}

// SignalThrottleAlive resets the liveness timer. Supervisor adapters call
// this on every human- or server-originated command.
func (c *Controller) SignalThrottleAlive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastThrottleAlive = c.now()
}

// EnableCurrentTest enters or leaves test mode. Rejected while charging.
// While active the relay is forced open and start requests are refused.
func (c *Controller) EnableCurrentTest(enable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if enable && c.state == StateCharging {
		c.logger.Printf("[EVSE] test rejected: charging active")
		return
	}
	c.currentTest = enable
	if enable {
		c.logger.Printf("[EVSE] test mode ENABLED")
	} else {
		c.logger.Printf("[EVSE] test mode DISABLED")
	}
	c.pilot.Standby()
}

// SetCurrentTest applies a test current to the pilot. Ignored outside test
// mode; inputs below MinCurrent are raised to it.
func (c *Controller) SetCurrentTest(amps float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.currentTest {
		return
	}
	if amps < pilot.MinCurrent {
		amps = pilot.MinCurrent
	}
	c.logger.Printf("[EVSE] test current set to %.2f A", amps)
	c.pilot.SetCurrentLimit(amps)
}

// UpdateActualCurrent records a meter reading for observability.
func (c *Controller) UpdateActualCurrent(r meter.Reading) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actualCurrent = r
	c.actualCurrentUpdated = c.now()
}

// Snapshot returns a copy of the observable controller state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		ChargeState:          c.state,
		VehicleState:         c.vehicleState,
		CurrentLimit:         c.currentLimit,
		MaxCurrent:           c.settings.MaxCurrent,
		PilotDuty:            c.pilot.Duty(),
		PilotLevels:          c.pilot.Levels(),
		ActualCurrent:        c.actualCurrent,
		AllowBelowMin:        c.settings.AllowBelowMin,
		LowLimitResumeDelay:  c.settings.LowLimitResumeDelay,
		ThrottleAliveTimeout: c.settings.ThrottleAliveTimeout,
		RCMEnabled:           c.settings.RCMEnabled,
		RCMTripped:           c.rcmTripped,
		ErrorLockout:         c.errorLockout,
		UserPaused:           c.userPaused,
		PausedAtLowLimit:     c.pausedAtLowLimit,
		TestMode:             c.currentTest,
		Started:              c.started,
	}
}

// State returns the charge state.
func (c *Controller) State() ChargeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// VehicleState returns the committed vehicle state.
func (c *Controller) VehicleState() pilot.VehicleState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vehicleState
}

// VehicleConnected reports whether a vehicle is plugged in and
// charge-permissive.
func (c *Controller) VehicleConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vehicleState.ChargePermissive()
}

// CurrentLimit returns the active current limit in amperes.
func (c *Controller) CurrentLimit() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLimit
}

// PilotDuty returns the duty cycle applied to the pilot, in percent.
func (c *Controller) PilotDuty() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pilot.Duty()
}

// ActualCurrent returns the last meter reading.
func (c *Controller) ActualCurrent() meter.Reading {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.actualCurrent
}

// ErrorLockout reports whether the fail-safe lockout is latched.
func (c *Controller) ErrorLockout() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errorLockout
}

// RCMTripped reports whether an RCM fault is latched.
func (c *Controller) RCMTripped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rcmTripped
}

// ElapsedTime returns the duration of the current charge session.
func (c *Controller) ElapsedTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateCharging {
		return 0
	}
	return c.now().Sub(c.started)
}
