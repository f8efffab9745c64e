// Package contactor drives the mains AC contactor with anti-chatter
// discipline. Closing is always deferred by the switch delay; opening is the
// safety direction and commits without delay, with an additional emergency
// path that bypasses the loop entirely.
package contactor

import (
	"log"
	"time"
)

// SwitchDelay is the minimum interval between contactor state changes in the
// closing direction.
const SwitchDelay = 3000 * time.Millisecond

// Pin drives the contactor coil. Real hardware is a GPIO output line; tests
// use a recording fake.
type Pin interface {
	Set(closed bool) error
}

// Driver sequences the contactor. Not safe for concurrent use; the charge
// controller is its only caller.
type Driver struct {
	pin    Pin
	logger *log.Logger

	currentState   bool // true = closed
	desiredState   bool
	lastSwitchTime time.Time
}

// New creates a Driver over the given pin. A nil logger uses the default
// logger.
func New(pin Pin, logger *log.Logger) *Driver {
	if logger == nil {
		logger = log.Default()
	}
	return &Driver{pin: pin, logger: logger}
}

// Setup drives the pin to the initial state and aligns both state fields.
func (d *Driver) Setup(closed bool) error {
	d.currentState = closed
	d.desiredState = closed
	d.lastSwitchTime = time.Time{}
	return d.pin.Set(closed)
}

// Close requests the contactor closed. The change commits in Loop once the
// anti-chatter delay since the last committed switch allows it.
func (d *Driver) Close() {
	d.desiredState = true
}

// Open requests the contactor open. Opening commits on the next Loop without
// deferral.
func (d *Driver) Open() {
	d.desiredState = false
}

// OpenImmediately drives the pin open in the calling cycle, bypassing the
// anti-chatter delay, and resets the switch timer.
func (d *Driver) OpenImmediately() error {
	d.desiredState = false
	d.currentState = false
	d.lastSwitchTime = time.Time{}
	return d.pin.Set(false)
}

// Loop commits a pending state change. Opening is never deferred; closing
// waits for the anti-chatter delay since the last committed switch (the first switch after
// Setup commits immediately).
func (d *Driver) Loop(now time.Time) error {
	if d.desiredState == d.currentState {
		return nil
	}
	if d.desiredState && !d.lastSwitchTime.IsZero() && now.Sub(d.lastSwitchTime) < SwitchDelay {
		return nil
	}
	d.currentState = d.desiredState
	d.lastSwitchTime = now
	if d.currentState {
		d.logger.Printf("[RELAY] contactor closed")
	} else {
		d.logger.Printf("[RELAY] contactor open")
	}
	return d.pin.Set(d.currentState)
}

// IsClosed reports whether the contactor is currently closed.
func (d *Driver) IsClosed() bool { return d.currentState }

// IsOpen reports whether the contactor is currently open.
func (d *Driver) IsOpen() bool { return !d.currentState }

// IsPending reports whether a state change is waiting to commit.
func (d *Driver) IsPending() bool { return d.desiredState != d.currentState }
