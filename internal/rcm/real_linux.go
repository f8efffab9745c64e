//go:build linux

package rcm

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// RealTestLine drives the RCM test coil through a GPIO output line.
type RealTestLine struct {
	line *gpiocdev.Line
}

// NewRealTestLine requests the offset as an output, initially low.
func NewRealTestLine(chip string, offset int) (*RealTestLine, error) {
	line, err := gpiocdev.RequestLine(chip, offset, gpiocdev.AsOutput(0))
	if err != nil {
		return nil, fmt.Errorf("request rcm test pin %d: %w", offset, err)
	}
	return &RealTestLine{line: line}, nil
}

// Set drives the coil.
func (l *RealTestLine) Set(asserted bool) error {
	v := 0
	if asserted {
		v = 1
	}
	if err := l.line.SetValue(v); err != nil {
		return fmt.Errorf("drive rcm test pin: %w", err)
	}
	return nil
}

// Close releases the line.
func (l *RealTestLine) Close() error { return l.line.Close() }

// RealSenseLine watches the RCM trip input: pulled-down, rising-edge events.
// The event handler runs on the gpiocdev goroutine and only performs a
// non-blocking channel send, matching the wait-free ISR contract.
type RealSenseLine struct {
	line   *gpiocdev.Line
	events chan struct{}
}

// NewRealSenseLine requests the offset as a pulled-down input with rising
// edge detection.
func NewRealSenseLine(chip string, offset int) (*RealSenseLine, error) {
	s := &RealSenseLine{events: make(chan struct{}, 1)}
	line, err := gpiocdev.RequestLine(chip, offset,
		gpiocdev.AsInput,
		gpiocdev.WithPullDown,
		gpiocdev.WithRisingEdge,
		gpiocdev.WithEventHandler(s.handleEvent))
	if err != nil {
		return nil, fmt.Errorf("request rcm sense pin %d: %w", offset, err)
	}
	s.line = line
	return s, nil
}

func (s *RealSenseLine) handleEvent(evt gpiocdev.LineEvent) {
	if evt.Type != gpiocdev.LineEventRisingEdge {
		return
	}
	select {
	case s.events <- struct{}{}:
	default:
	}
}

// Events returns the edge channel.
func (s *RealSenseLine) Events() <-chan struct{} { return s.events }

// Value resamples the line level.
func (s *RealSenseLine) Value() (bool, error) {
	v, err := s.line.Value()
	if err != nil {
		return false, fmt.Errorf("read rcm sense pin: %w", err)
	}
	return v != 0, nil
}

// Close releases the line.
func (s *RealSenseLine) Close() error { return s.line.Close() }
