// Package pilot drives the J1772 Control Pilot line and classifies the
// vehicle's electrical response. The hardware (PWM peripheral and ADC
// sampler) sits behind narrow interfaces with real and fake implementations.
package pilot

import (
	"log"
	"math"
)

// VehicleState is the J1772 vehicle state derived from the pilot feedback.
type VehicleState int

const (
	VehicleNotConnected VehicleState = iota // State A
	VehicleConnected                        // State B
	VehicleReady                            // State C
	VehicleReadyVentilation                 // State D
	VehicleNoPower                          // State E
	VehicleError                            // State F
)

// String returns the human-readable J1772 state description.
func (s VehicleState) String() string {
	switch s {
	case VehicleNotConnected:
		return "A: Standby"
	case VehicleConnected:
		return "B: Vehicle Detected"
	case VehicleReady:
		return "C: Charging"
	case VehicleReadyVentilation:
		return "D: Ventilation Req"
	case VehicleNoPower:
		return "E: No Power"
	case VehicleError:
		return "F: Fault/Error"
	}
	return "Unknown"
}

// ChargePermissive reports whether the state allows energy transfer to begin.
func (s VehicleState) ChargePermissive() bool {
	return s == VehicleConnected || s == VehicleReady || s == VehicleReadyVentilation
}

// Current limits advertised over the pilot (SAE J1772).
const (
	MinCurrent = 6.0
	MaxCurrent = 80.0
)

// J1772 amps <-> duty conversion constants.
const (
	lowRangeMaxAmps = 51.0
	lowRangeMaxDuty = 85.0
	lowRangeFactor  = 0.6
	highRangeFactor = 2.5
	highRangeOffset = 64.0
)

// Analog front end: the pilot line sits behind an offset-and-scale divider
// (5K6 to +3V3, 4K7 to GND, 15K in series with the opamp output), so
// Vpilot_mV = (adc_mV - zeroOffsetMv) * frontEndScale.
const (
	zeroOffsetMv  = 1200.0
	frontEndScale = 6.90
)

// Classification thresholds in pilot-line millivolts, applied to the
// positive peak of the sampled window.
const (
	thresholdNotConnected = 10600 // State A
	thresholdConnected    = 8000  // State B
	thresholdReady        = 5000  // State C
	thresholdVentilation  = 2000  // State D

	// Diode check: with the carrier attached, the negative half-cycle must
	// swing below this. A missing or shorted vehicle diode leaves the low
	// peak near zero.
	negativeSwingLimitMv = -1000
)

// PWM carrier configuration: 1 kHz, 12-bit duty resolution.
const (
	PWMFrequencyHz = 1000
	pwmResolution  = 12
	pwmMaxDuty     = 1<<pwmResolution - 1

	// The ADC runs at 40x the carrier so a drained window of two carrier
	// periods holds ~80 samples.
	SampleRateHz = 40 * PWMFrequencyHz
)

// The number of consecutive identical classifications required before the
// committed state changes.
const debounceReads = 3

// PWM drives the pilot output line. Detach holds the line static high
// (+12 V); SetDuty is only meaningful while attached.
type PWM interface {
	Attach() error
	Detach() error
	SetDuty(counts int) error
}

// Sampler supplies pilot ADC samples in millivolts at the ADC input.
// Drain returns everything collected since the previous call.
type Sampler interface {
	Begin() error
	Drain() ([]int, error)
	Stop() error
	Calibrated() bool
}

// Pilot owns the pilot PWM peripheral and the feedback sampler. It is not
// safe for concurrent use; the charge controller is its only caller.
type Pilot struct {
	pwm    PWM
	adc    Sampler
	logger *log.Logger

	highMilliVolt int
	lowMilliVolt  int
	dutyPercent   float64
	pwmAttached   bool

	committed VehicleState
	candidate VehicleState
	stability int
	firstRead bool

	warnedUncalibrated bool
}

// Levels is a point-in-time copy of the last sampled pilot window.
type Levels struct {
	HighMilliVolt int
	LowMilliVolt  int
	DutyPercent   float64
}

// New creates a Pilot over the given PWM and sampler. A nil logger uses the
// default logger.
func New(pwm PWM, adc Sampler, logger *log.Logger) *Pilot {
	if logger == nil {
		logger = log.Default()
	}
	return &Pilot{
		pwm:       pwm,
		adc:       adc,
		logger:    logger,
		committed: VehicleNotConnected,
		candidate: VehicleError,
		firstRead: true,
	}
}

// Begin configures the PWM peripheral detached (line static high) and starts
// continuous sampling.
func (p *Pilot) Begin() error {
	p.logger.Printf("[PILOT] begin")
	if err := p.adc.Begin(); err != nil {
		return err
	}
	return p.Standby()
}

// Standby detaches the carrier and holds the pilot at a steady +12 V
// (no power available, EV may not draw).
func (p *Pilot) Standby() error {
	if p.pwmAttached {
		p.logger.Printf("[PILOT] detaching PWM for standby (static high)")
		p.pwmAttached = false
	}
	p.dutyPercent = 0
	return p.pwm.Detach()
}

// Stop forces standby and fully quiesces the sampler. Used only by
// firmware-update flows; the pilot is unusable afterwards.
func (p *Pilot) Stop() error {
	if err := p.Standby(); err != nil {
		return err
	}
	p.logger.Printf("[PILOT] stopping sampler")
	return p.adc.Stop()
}

// SetCurrentLimit advertises the given current by attaching the carrier at
// the corresponding duty cycle. AmpsToDuty clamps the input to [0,
// MaxCurrent]; values below MinCurrent are not raised and map linearly.
func (p *Pilot) SetCurrentLimit(amps float64) error {
	duty := AmpsToDuty(amps)
	counts := int(math.Round(duty / 100.0 * pwmMaxDuty))

	if !p.pwmAttached {
		if err := p.pwm.Attach(); err != nil {
			return err
		}
		p.pwmAttached = true
	}
	if err := p.pwm.SetDuty(counts); err != nil {
		return err
	}
	p.dutyPercent = duty
	return nil
}

// Read drains all pending samples, extracts the peak levels, classifies the
// vehicle state and applies the stability debounce. If the window is empty
// the last committed state is returned unchanged.
func (p *Pilot) Read() VehicleState {
	samples, err := p.adc.Drain()
	if err != nil {
		p.logger.Printf("[PILOT] sample drain failed: %v", err)
		return p.committed
	}
	if len(samples) == 0 {
		return p.committed
	}
	if !p.adc.Calibrated() && !p.warnedUncalibrated {
		p.logger.Printf("[PILOT] ADC calibration unavailable, classifying on raw estimate")
		p.warnedUncalibrated = true
	}

	highRaw := samples[0]
	lowRaw := samples[0]
	for _, v := range samples[1:] {
		if v > highRaw {
			highRaw = v
		}
		if v < lowRaw {
			lowRaw = v
		}
	}

	p.highMilliVolt = convertMv(highRaw)
	p.lowMilliVolt = convertMv(lowRaw)

	detected := classify(p.highMilliVolt)

	// Diode check (State F): with the carrier attached the negative
	// half-cycle must be present.
	if p.pwmAttached && detected != VehicleNotConnected && p.lowMilliVolt > negativeSwingLimitMv {
		detected = VehicleError
	}

	return p.debounce(detected)
}

func (p *Pilot) debounce(detected VehicleState) VehicleState {
	if p.firstRead {
		p.firstRead = false
		p.committed = detected
		p.candidate = detected
		p.stability = 1
		return p.committed
	}

	if detected == p.candidate {
		p.stability++
	} else {
		p.candidate = detected
		p.stability = 1
	}

	if p.stability >= debounceReads && p.candidate != p.committed {
		p.committed = p.candidate
		p.logger.Printf("[PILOT] stable change: %s (H:%dmV L:%dmV)",
			p.committed, p.highMilliVolt, p.lowMilliVolt)
	}
	return p.committed
}

// Levels returns the peak levels and duty from the most recent read.
func (p *Pilot) Levels() Levels {
	return Levels{
		HighMilliVolt: p.highMilliVolt,
		LowMilliVolt:  p.lowMilliVolt,
		DutyPercent:   p.dutyPercent,
	}
}

// Duty returns the duty cycle currently applied, in percent. Zero while the
// carrier is detached.
func (p *Pilot) Duty() float64 { return p.dutyPercent }

// Attached reports whether the carrier is currently attached.
func (p *Pilot) Attached() bool { return p.pwmAttached }

func classify(highMv int) VehicleState {
	switch {
	case highMv >= thresholdNotConnected:
		return VehicleNotConnected
	case highMv >= thresholdConnected:
		return VehicleConnected
	case highMv >= thresholdReady:
		return VehicleReady
	case highMv >= thresholdVentilation:
		return VehicleReadyVentilation
	default:
		return VehicleNoPower
	}
}

func convertMv(adcMv int) int {
	return int((float64(adcMv) - zeroOffsetMv) * frontEndScale)
}

// AmpsToDuty converts an advertised current to a pilot duty cycle percent
// per the SAE J1772 piecewise mapping. Input is clamped to [0, MaxCurrent];
// values below MinCurrent map linearly so sub-minimum throttling (solar
// mode) produces the reduced-capability duty the vehicle expects.
func AmpsToDuty(amps float64) float64 {
	if amps < 0 {
		amps = 0
	}
	if amps > MaxCurrent {
		amps = MaxCurrent
	}
	if amps <= lowRangeMaxAmps {
		return amps / lowRangeFactor
	}
	return amps/highRangeFactor + highRangeOffset
}

// DutyToAmps is the inverse of AmpsToDuty, used when converting UI or test
// duty values back to a current.
func DutyToAmps(duty float64) float64 {
	if duty <= lowRangeMaxDuty {
		return duty * lowRangeFactor
	}
	return (duty - highRangeOffset) * highRangeFactor
}
