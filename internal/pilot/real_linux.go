//go:build linux

package pilot

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// SysfsPWM drives the pilot line through the Linux sysfs PWM class
// (/sys/class/pwm/pwmchipN/pwmM). Standby is modelled as a 100% duty cycle:
// the line is held continuously high without tearing down the channel.
type SysfsPWM struct {
	dir      string
	periodNs int
}

// NewSysfsPWM exports the given channel on the given chip and configures the
// 1 kHz carrier period.
func NewSysfsPWM(chip, channel int) (*SysfsPWM, error) {
	chipDir := fmt.Sprintf("/sys/class/pwm/pwmchip%d", chip)
	dir := filepath.Join(chipDir, fmt.Sprintf("pwm%d", channel))

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := writeSysfs(filepath.Join(chipDir, "export"), strconv.Itoa(channel)); err != nil {
			return nil, fmt.Errorf("export pwm channel %d: %w", channel, err)
		}
		// The kernel creates the channel directory asynchronously.
		for i := 0; i < 50; i++ {
			if _, err := os.Stat(dir); err == nil {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	p := &SysfsPWM{
		dir:      dir,
		periodNs: int(time.Second / PWMFrequencyHz),
	}
	if err := writeSysfs(filepath.Join(dir, "period"), strconv.Itoa(p.periodNs)); err != nil {
		return nil, fmt.Errorf("set pwm period: %w", err)
	}
	if err := p.Detach(); err != nil {
		return nil, err
	}
	if err := writeSysfs(filepath.Join(dir, "enable"), "1"); err != nil {
		return nil, fmt.Errorf("enable pwm: %w", err)
	}
	return p, nil
}

// Attach is a no-op for the sysfs backend: the channel stays enabled and the
// next SetDuty moves it off the static-high level.
func (p *SysfsPWM) Attach() error { return nil }

// Detach holds the line static high by writing a full-period duty cycle.
func (p *SysfsPWM) Detach() error {
	if err := writeSysfs(filepath.Join(p.dir, "duty_cycle"), strconv.Itoa(p.periodNs)); err != nil {
		return fmt.Errorf("pwm static high: %w", err)
	}
	return nil
}

// SetDuty converts 12-bit duty counts to nanoseconds and applies them.
func (p *SysfsPWM) SetDuty(counts int) error {
	if counts < 0 {
		counts = 0
	}
	if counts > pwmMaxDuty {
		counts = pwmMaxDuty
	}
	ns := int(int64(p.periodNs) * int64(counts) / pwmMaxDuty)
	if err := writeSysfs(filepath.Join(p.dir, "duty_cycle"), strconv.Itoa(ns)); err != nil {
		return fmt.Errorf("pwm set duty: %w", err)
	}
	return nil
}

// Close disables and unexports the channel.
func (p *SysfsPWM) Close() error {
	if err := writeSysfs(filepath.Join(p.dir, "enable"), "0"); err != nil {
		return fmt.Errorf("disable pwm: %w", err)
	}
	return nil
}

// IIOSampler reads the pilot feedback through a Linux IIO ADC. When the
// device exposes a triggered buffer it is configured for continuous capture
// at SampleRateHz; otherwise Drain falls back to a burst of oneshot reads
// covering two carrier periods.
type IIOSampler struct {
	deviceDir string
	rawPath   string
	buffered  bool
	buf       *os.File
	scale     float64
	hasScale  bool
}

// NewIIOSampler opens iio:deviceN and probes for buffered capture and a
// calibration scale.
func NewIIOSampler(device, channel int) (*IIOSampler, error) {
	dir := fmt.Sprintf("/sys/bus/iio/devices/iio:device%d", device)
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("open iio device %d: %w", device, err)
	}

	s := &IIOSampler{
		deviceDir: dir,
		rawPath:   filepath.Join(dir, fmt.Sprintf("in_voltage%d_raw", channel)),
	}

	if raw, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("in_voltage%d_scale", channel))); err == nil {
		if v, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64); err == nil {
			s.scale = v
			s.hasScale = true
		}
	}
	if !s.hasScale {
		if raw, err := os.ReadFile(filepath.Join(dir, "in_voltage_scale")); err == nil {
			if v, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64); err == nil {
				s.scale = v
				s.hasScale = true
			}
		}
	}

	scanEl := filepath.Join(dir, "scan_elements", fmt.Sprintf("in_voltage%d_en", channel))
	if _, err := os.Stat(scanEl); err == nil {
		s.buffered = true
	}
	return s, nil
}

// Begin enables continuous buffered capture when available.
func (s *IIOSampler) Begin() error {
	if !s.buffered {
		return nil
	}
	// Two carrier periods per control cycle with headroom.
	if err := writeSysfs(filepath.Join(s.deviceDir, "buffer", "length"), "256"); err != nil {
		return fmt.Errorf("iio buffer length: %w", err)
	}
	// Some ADCs fix the rate in the device tree; a write failure is fine.
	_ = writeSysfs(filepath.Join(s.deviceDir, "sampling_frequency"), strconv.Itoa(SampleRateHz))
	if err := writeSysfs(filepath.Join(s.deviceDir, "buffer", "enable"), "1"); err != nil {
		return fmt.Errorf("iio buffer enable: %w", err)
	}
	f, err := os.OpenFile("/dev/"+filepath.Base(s.deviceDir), os.O_RDONLY|syscallNonblock, 0)
	if err != nil {
		return fmt.Errorf("open iio char device: %w", err)
	}
	s.buf = f
	return nil
}

// Drain returns all buffered samples in millivolts. In oneshot fallback mode
// it busy-reads the raw attribute for two carrier periods instead.
func (s *IIOSampler) Drain() ([]int, error) {
	if s.buffered && s.buf != nil {
		return s.drainBuffered()
	}
	return s.drainOneshot()
}

func (s *IIOSampler) drainBuffered() ([]int, error) {
	var out []int
	chunk := make([]byte, 512)
	for {
		n, err := s.buf.Read(chunk)
		if n > 0 {
			for i := 0; i+1 < n; i += 2 {
				raw := int(int16(uint16(chunk[i]) | uint16(chunk[i+1])<<8))
				out = append(out, s.toMv(raw))
			}
		}
		if err != nil || n == 0 {
			// EAGAIN on a drained nonblocking fd ends the cycle.
			return out, nil
		}
	}
}

func (s *IIOSampler) drainOneshot() ([]int, error) {
	window := 2 * time.Second / PWMFrequencyHz
	deadline := time.Now().Add(window)
	var out []int
	for time.Now().Before(deadline) {
		raw, err := os.ReadFile(s.rawPath)
		if err != nil {
			return out, fmt.Errorf("iio oneshot read: %w", err)
		}
		v, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err != nil {
			continue
		}
		out = append(out, s.toMv(v))
	}
	return out, nil
}

// Stop disables buffered capture and closes the char device.
func (s *IIOSampler) Stop() error {
	if s.buf != nil {
		s.buf.Close()
		s.buf = nil
	}
	if s.buffered {
		if err := writeSysfs(filepath.Join(s.deviceDir, "buffer", "enable"), "0"); err != nil {
			return fmt.Errorf("iio buffer disable: %w", err)
		}
	}
	return nil
}

// Calibrated reports whether a hardware scale attribute was found.
func (s *IIOSampler) Calibrated() bool { return s.hasScale }

func (s *IIOSampler) toMv(raw int) int {
	if s.hasScale {
		return int(float64(raw) * s.scale)
	}
	// Uncalibrated estimate: 12-bit full scale over 3300 mV.
	return raw * 3300 / 4096
}

func writeSysfs(path, value string) error {
	return os.WriteFile(path, []byte(value), 0644)
}

const syscallNonblock = 0x800 // O_NONBLOCK
