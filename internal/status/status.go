// Package status provides a thread-safe observability tracker for the EVSE
// daemon. The control loop publishes controller snapshots into it; the HTTP
// handlers read from it.
package status

import (
	"sync"
	"time"

	"github.com/NOELV70/EVSE-SyncCharge/internal/controller"
)

// Config contains daemon configuration for display.
type Config struct {
	DeviceID    string
	Broker      string
	HTTPAddr    string
	OCPPEnabled bool
	OCPPServer  string
}

// Snapshot is a point-in-time view of daemon state. It is a value type —
// safe to use after the lock is released.
type Snapshot struct {
	Controller controller.Snapshot

	MQTTConnected bool
	OCPPConnected bool
	BootLoop      bool

	StartTime time.Time
	Now       time.Time
	Config    Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// Update stores the latest controller snapshot. Called from the control
// loop on every tick.
func (t *Tracker) Update(cs controller.Snapshot) {
	t.mu.Lock()
	t.snap.Controller = cs
	t.mu.Unlock()
}

// SetMQTTConnected sets the broker connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetOCPPConnected sets the back-office connection status.
func (t *Tracker) SetOCPPConnected(connected bool) {
	t.mu.Lock()
	t.snap.OCPPConnected = connected
	t.mu.Unlock()
}

// SetBootLoop sets the advisory boot-loop flag.
func (t *Tracker) SetBootLoop(high bool) {
	t.mu.Lock()
	t.snap.BootLoop = high
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state. The Now field
// is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
