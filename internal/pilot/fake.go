package pilot

import "math"

// FakePWM is a test double that records duty writes and attach state.
type FakePWM struct {
	AttachedNow bool
	DutyCounts  int
	Writes      []int
	Attaches    int
	Detaches    int

	// AttachError / DutyError, if set, are returned by the matching call.
	AttachError error
	DutyError   error
}

// Attach marks the carrier attached.
func (f *FakePWM) Attach() error {
	if f.AttachError != nil {
		return f.AttachError
	}
	f.AttachedNow = true
	f.Attaches++
	return nil
}

// Detach marks the carrier detached (line static high).
func (f *FakePWM) Detach() error {
	f.AttachedNow = false
	f.Detaches++
	return nil
}

// SetDuty records a duty write.
func (f *FakePWM) SetDuty(counts int) error {
	if f.DutyError != nil {
		return f.DutyError
	}
	f.DutyCounts = counts
	f.Writes = append(f.Writes, counts)
	return nil
}

// FakeSampler returns scripted sample windows. Each call to Drain consumes
// the next window; when exhausted the last window is returned repeatedly.
type FakeSampler struct {
	Windows [][]int
	index   int

	Began       bool
	Stopped     bool
	Uncal       bool
	DrainError  error
}

// NewFakeSampler creates a FakeSampler with the given windows.
func NewFakeSampler(windows ...[]int) *FakeSampler {
	return &FakeSampler{Windows: windows}
}

// Begin marks the sampler started.
func (f *FakeSampler) Begin() error {
	f.Began = true
	return nil
}

// Drain returns the next scripted window. When the script is exhausted the
// last window repeats.
func (f *FakeSampler) Drain() ([]int, error) {
	if f.DrainError != nil {
		return nil, f.DrainError
	}
	if len(f.Windows) == 0 {
		return nil, nil
	}
	if f.index < len(f.Windows) {
		w := f.Windows[f.index]
		f.index++
		return w, nil
	}
	return f.Windows[len(f.Windows)-1], nil
}

// Stop marks the sampler stopped.
func (f *FakeSampler) Stop() error {
	f.Stopped = true
	return nil
}

// Calibrated reports the scripted calibration state.
func (f *FakeSampler) Calibrated() bool { return !f.Uncal }

// Push appends another window to the script.
func (f *FakeSampler) Push(w []int) {
	f.Windows = append(f.Windows, w)
}

// Window builds a two-sample window whose peaks convert to the given
// pilot-line voltages, inverting the front-end transfer function. Test
// helper for scripting classifier inputs in volts.
func Window(highPilotMv, lowPilotMv int) []int {
	return []int{toADCMv(highPilotMv), toADCMv(lowPilotMv)}
}

func toADCMv(pilotMv int) int {
	// Ceil keeps the converted value at or above the requested voltage so
	// threshold-exact windows classify as intended.
	return int(math.Ceil(float64(pilotMv)/frontEndScale)) + int(zeroOffsetMv)
}
