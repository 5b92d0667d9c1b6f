package calibration

import (
	"fmt"
	"strings"
)

// Unit selects how positions are expressed to callers of a bus.
type Unit int

const (
	// Raw passes encoder ticks through unchanged. No calibration needed.
	Raw Unit = iota
	// Normalized maps [Min, Max] onto [-1, 1]. Leader and follower arms
	// share this scale regardless of their own bounds.
	Normalized
	// Degrees relative to the calibration center (0 = center).
	Degrees
	// Radians relative to the calibration center (0 = center).
	Radians
)

// ParseUnit parses a configuration string. Parsing happens once at startup.
func ParseUnit(s string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "raw":
		return Raw, nil
	case "normalized", "normalize", "norm":
		return Normalized, nil
	case "deg", "degrees":
		return Degrees, nil
	case "rad", "radians":
		return Radians, nil
	}
	return Raw, fmt.Errorf("unknown unit %q (want raw, normalized, deg or rad)", s)
}

func (u Unit) String() string {
	switch u {
	case Raw:
		return "raw"
	case Normalized:
		return "normalized"
	case Degrees:
		return "deg"
	case Radians:
		return "rad"
	}
	return fmt.Sprintf("Unit(%d)", int(u))
}

// NeedsCalibration reports whether converting to u requires calibration bounds.
func (u Unit) NeedsCalibration() bool {
	return u != Raw
}

// MarshalText implements encoding.TextMarshaler.
func (u Unit) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (u *Unit) UnmarshalText(text []byte) error {
	parsed, err := ParseUnit(string(text))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
