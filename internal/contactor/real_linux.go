//go:build linux

package contactor

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// RealPin drives the contactor coil through a Linux GPIO character device
// line. The drive is active-high.
type RealPin struct {
	line *gpiocdev.Line
}

// NewRealPin requests the given offset as an output, initially open.
func NewRealPin(chip string, offset int) (*RealPin, error) {
	line, err := gpiocdev.RequestLine(chip, offset, gpiocdev.AsOutput(0))
	if err != nil {
		return nil, fmt.Errorf("request contactor pin %d: %w", offset, err)
	}
	return &RealPin{line: line}, nil
}

// Set drives the coil.
func (p *RealPin) Set(closed bool) error {
	v := 0
	if closed {
		v = 1
	}
	if err := p.line.SetValue(v); err != nil {
		return fmt.Errorf("drive contactor pin: %w", err)
	}
	return nil
}

// Close releases the line, driving the coil open first.
func (p *RealPin) Close() error {
	if err := p.line.SetValue(0); err != nil {
		p.line.Close()
		return fmt.Errorf("open contactor on close: %w", err)
	}
	if err := p.line.Close(); err != nil {
		return fmt.Errorf("close contactor line: %w", err)
	}
	return nil
}
