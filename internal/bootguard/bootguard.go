// Package bootguard detects boot loops. The counter record lives on tmpfs
// (/run by default), which survives soft restarts of the daemon but not a
// power cycle — the same retention contract as the RTC memory the hardware
// version uses. A magic signature guards against a torn or foreign file,
// and a clean-shutdown marker distinguishes controlled restarts from
// crashes: the marker is cleared on entry to the run loop and re-set on
// controlled shutdown, so only unmarked restarts count toward the limit.
package bootguard

import (
	"fmt"
	"log"
	"os"
	"time"
)

const (
	magic           = 0xBEEF
	bootLimit       = 5
	stabilityWindow = 5 * time.Minute
)

// DefaultPath is the canonical record location.
const DefaultPath = "/run/evse-boot-count"

// Guard tracks the soft-reset counter.
type Guard struct {
	path   string
	logger *log.Logger
	now    func() time.Time

	count   int
	started time.Time
	settled bool
}

// New creates a Guard for the given record path. A nil logger uses the
// default logger.
func New(path string, logger *log.Logger) *Guard {
	if logger == nil {
		logger = log.Default()
	}
	return &Guard{path: path, logger: logger, now: time.Now}
}

// Begin validates the record and bumps the counter. A missing file, a bad
// magic or a clean-shutdown marker resets the count to 1; only a restart
// after an unclean exit increments it.
func (g *Guard) Begin() error {
	g.started = g.now()

	var m, count, clean int
	raw, err := os.ReadFile(g.path)
	if err == nil {
		_, err = fmt.Sscanf(string(raw), "%x %d %d", &m, &count, &clean)
	}
	switch {
	case err != nil || m != magic:
		g.logger.Printf("[BOOT] boot counter bad magic, resetting")
		count = 0
	case clean != 0:
		g.logger.Printf("[BOOT] previous shutdown was clean")
		count = 0
	}
	g.count = count + 1
	g.logger.Printf("[BOOT] boot counter: %d", g.count)

	if g.count > bootLimit {
		g.logger.Printf("[BOOT] CRITICAL: boot loop detected")
	}
	return g.write(g.count, false)
}

// Clear drops the clean-shutdown marker. Called on entry to the run loop so
// a crash from here on counts as an unclean exit.
func (g *Guard) Clear() error {
	return g.write(g.count, false)
}

// MarkClean sets the clean-shutdown marker. Called on controlled shutdown,
// right before the process exits.
func (g *Guard) MarkClean() error {
	if err := g.write(g.count, true); err != nil {
		g.logger.Printf("[BOOT] clean-shutdown marker failed: %v", err)
		return err
	}
	return nil
}

// Loop resets the counter once the process has stayed up for the stability
// window. Called from the control loop; cheap after the first reset.
func (g *Guard) Loop(now time.Time) {
	if g.settled || g.count == 0 {
		return
	}
	if now.Sub(g.started) >= stabilityWindow {
		g.settled = true
		g.count = 0
		if err := g.write(0, false); err != nil {
			g.logger.Printf("[BOOT] counter reset failed: %v", err)
			return
		}
		g.logger.Printf("[BOOT] system stable for 5 minutes, boot counter reset")
	}
}

// High reports whether the boot-loop threshold was exceeded. Advisory: the
// UI surfaces it, nothing else acts on it.
func (g *Guard) High() bool {
	return g.count > bootLimit
}

// Count returns the current counter value.
func (g *Guard) Count() int { return g.count }

func (g *Guard) write(count int, clean bool) error {
	c := 0
	if clean {
		c = 1
	}
	data := fmt.Sprintf("%x %d %d\n", magic, count, c)
	if err := os.WriteFile(g.path, []byte(data), 0644); err != nil {
		return fmt.Errorf("write boot record: %w", err)
	}
	return nil
}
