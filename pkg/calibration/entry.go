// Package calibration maps raw servo encoder ticks to normalized or physical
// units and back, and records per-servo bounds while an operator moves each
// joint through its range.
package calibration

import (
	"fmt"

	"github.com/gwillem/armbus/pkg/protocol"
	"github.com/hipsterbrown/feetech-servo/feetech"
)

const (
	// TicksPerRev is the encoder resolution of an STS3215: 4096 ticks = 360°.
	// Other models get theirs from Scale.
	TicksPerRev = 4096

	// MaxRaw is the largest valid raw position.
	MaxRaw protocol.RawPosition = TicksPerRev - 1

	// DefaultMinSpan is the smallest observed range Finalize accepts.
	DefaultMinSpan = 50
)

// Entry holds the calibrated bounds of one servo.
type Entry struct {
	ID        protocol.ServoID     `json:"id"`
	Min       protocol.RawPosition `json:"min"`
	Max       protocol.RawPosition `json:"max"`
	DriveMode int                  `json:"drive_mode"` // 0=normal, 1=inverted
}

// Center is the midpoint of the range, the zero reference for angle units.
func (e Entry) Center() float64 {
	return (float64(e.Min) + float64(e.Max)) / 2
}

// Span is the usable range in raw ticks.
func (e Entry) Span() int {
	return int(e.Max) - int(e.Min)
}

// Inverted reports whether converted values are negated.
func (e Entry) Inverted() bool {
	return e.DriveMode == 1
}

// Validate checks the entry's bounds against DefaultScale.
func (e Entry) Validate() error {
	return DefaultScale.ValidateEntry(e)
}

func (e Entry) validateBounds() error {
	if e.ID > feetech.MaxServoID {
		return fmt.Errorf("servo %d: invalid ID", e.ID)
	}
	if e.Min >= e.Max {
		return fmt.Errorf("servo %d: min (%d) must be less than max (%d)", e.ID, e.Min, e.Max)
	}
	if e.DriveMode != 0 && e.DriveMode != 1 {
		return fmt.Errorf("servo %d: invalid drive mode %d", e.ID, e.DriveMode)
	}
	return nil
}

func (e Entry) String() string {
	direction := "normal"
	if e.Inverted() {
		direction = "inverted"
	}
	return fmt.Sprintf("ID %d: range[%d-%d] center %.1f %s", e.ID, e.Min, e.Max, e.Center(), direction)
}

// Calibration is the finalized set of entries for one bus, in file order.
type Calibration struct {
	Version int     `json:"version"`
	Servos  []Entry `json:"servos"`
}

// Lookup returns the entry for id.
func (c *Calibration) Lookup(id protocol.ServoID) (Entry, bool) {
	if c == nil {
		return Entry{}, false
	}
	for _, e := range c.Servos {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// IDs returns the calibrated servo IDs in file order.
func (c *Calibration) IDs() []protocol.ServoID {
	ids := make([]protocol.ServoID, len(c.Servos))
	for i, e := range c.Servos {
		ids[i] = e.ID
	}
	return ids
}

// Clone returns a deep copy.
func (c *Calibration) Clone() *Calibration {
	if c == nil {
		return nil
	}
	out := &Calibration{Version: c.Version, Servos: make([]Entry, len(c.Servos))}
	copy(out.Servos, c.Servos)
	return out
}

// Validate checks every entry against DefaultScale and rejects duplicate IDs.
func (c *Calibration) Validate() error {
	return DefaultScale.Validate(c)
}
