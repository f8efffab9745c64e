package contactor

import "time"

// FakePin records coil drive transitions for tests.
type FakePin struct {
	Closed      bool
	Transitions []Transition

	// SetError, if set, is returned by Set.
	SetError error

	// Now, if set, stamps transitions; otherwise time.Now is used.
	Now func() time.Time
}

// Transition is a single recorded pin drive.
type Transition struct {
	Closed bool
	At     time.Time
}

// Set records the drive and its timestamp.
func (f *FakePin) Set(closed bool) error {
	if f.SetError != nil {
		return f.SetError
	}
	f.Closed = closed
	at := time.Now()
	if f.Now != nil {
		at = f.Now()
	}
	f.Transitions = append(f.Transitions, Transition{Closed: closed, At: at})
	return nil
}
