package calibration

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/gwillem/armbus/pkg/protocol"
)

// ClampPolicy decides what FromUnit does with a value outside the calibrated range.
type ClampPolicy int

const (
	// Clamp returns the nearest bound together with a *ClampWarning.
	Clamp ClampPolicy = iota
	// Reject fails with *OutOfRangeError.
	Reject
)

// ParseClampPolicy parses "clamp" or "reject". Empty means Clamp.
func ParseClampPolicy(s string) (ClampPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "clamp":
		return Clamp, nil
	case "reject":
		return Reject, nil
	}
	return Clamp, fmt.Errorf("unknown clamp policy %q (want clamp or reject)", s)
}

func (p ClampPolicy) String() string {
	if p == Reject {
		return "reject"
	}
	return "clamp"
}

// MarshalText implements encoding.TextMarshaler.
func (p ClampPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *ClampPolicy) UnmarshalText(text []byte) error {
	parsed, err := ParseClampPolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ErrInvalidValue is returned for NaN or infinite goals.
var ErrInvalidValue = errors.New("invalid goal value")

// ClampWarning reports a goal that was moved onto the calibrated range.
// It accompanies a usable raw value and is not a failure.
type ClampWarning struct {
	ID        protocol.ServoID
	Unit      Unit
	Requested float64
	Clamped   protocol.RawPosition
}

func (w *ClampWarning) Error() string {
	return fmt.Sprintf("servo %d: goal %g %s out of range, clamped to raw %d", w.ID, w.Requested, w.Unit, w.Clamped)
}

// OutOfRangeError reports a goal outside the calibrated range under the Reject policy.
type OutOfRangeError struct {
	ID        protocol.ServoID
	Unit      Unit
	Requested float64
	Min       protocol.RawPosition
	Max       protocol.RawPosition
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("servo %d: goal %g %s outside raw range [%d, %d]", e.ID, e.Requested, e.Unit, e.Min, e.Max)
}

// IsWarning returns true if err only signals a clamped goal.
func IsWarning(err error) bool {
	var w *ClampWarning
	return errors.As(err, &w)
}

// ToUnit converts a raw position into u using e's bounds and DefaultScale.
func ToUnit(raw protocol.RawPosition, e Entry, u Unit) float64 {
	return DefaultScale.ToUnit(raw, e, u)
}

// FromUnit is Scale.FromUnit on DefaultScale.
func FromUnit(value float64, e Entry, u Unit, policy ClampPolicy) (protocol.RawPosition, error) {
	return DefaultScale.FromUnit(value, e, u, policy)
}

// Range is Scale.Range on DefaultScale.
func Range(e Entry, u Unit) (lo, hi float64) {
	return DefaultScale.Range(e, u)
}

// ToUnit converts a raw position into u using e's bounds.
// Inverted entries negate the result. Raw is returned unchanged.
func (s Scale) ToUnit(raw protocol.RawPosition, e Entry, u Unit) float64 {
	ticks := float64(s.TicksPerRev)
	var v float64
	switch u {
	case Normalized:
		v = (float64(raw) - e.Center()) / (float64(e.Span()) / 2)
	case Degrees:
		v = (float64(raw) - e.Center()) * 360 / ticks
	case Radians:
		v = (float64(raw) - e.Center()) * 2 * math.Pi / ticks
	default:
		return float64(raw)
	}
	if e.Inverted() {
		v = -v
	}
	return v
}

// FromUnit converts value in u back into a raw position, rounded to the
// nearest tick and kept within [e.Min, e.Max] (Raw: [0, s.MaxRaw]).
//
// A value outside that range yields the nearest bound and a *ClampWarning
// under Clamp, or zero and an *OutOfRangeError under Reject.
func (s Scale) FromUnit(value float64, e Entry, u Unit, policy ClampPolicy) (protocol.RawPosition, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("%w: servo %d: %v", ErrInvalidValue, e.ID, value)
	}

	v := value
	if u != Raw && e.Inverted() {
		v = -v
	}

	ticks := float64(s.TicksPerRev)
	var raw float64
	switch u {
	case Normalized:
		raw = e.Center() + v*float64(e.Span())/2
	case Degrees:
		raw = e.Center() + v*ticks/360
	case Radians:
		raw = e.Center() + v*ticks/(2*math.Pi)
	default:
		raw = v
	}
	raw = math.Round(raw)

	lo, hi := e.Min, e.Max
	if u == Raw {
		lo, hi = 0, s.MaxRaw
	}

	switch {
	case raw < float64(lo):
		return outOfRange(value, e, u, policy, lo, hi, lo)
	case raw > float64(hi):
		return outOfRange(value, e, u, policy, lo, hi, hi)
	}
	return protocol.RawPosition(raw), nil
}

func outOfRange(value float64, e Entry, u Unit, policy ClampPolicy, lo, hi, bound protocol.RawPosition) (protocol.RawPosition, error) {
	if policy == Reject {
		return 0, &OutOfRangeError{ID: e.ID, Unit: u, Requested: value, Min: lo, Max: hi}
	}
	return bound, &ClampWarning{ID: e.ID, Unit: u, Requested: value, Clamped: bound}
}

// Range returns the values ToUnit yields at e.Min and e.Max, ordered lo <= hi.
func (s Scale) Range(e Entry, u Unit) (lo, hi float64) {
	if u == Raw {
		return 0, float64(s.MaxRaw)
	}
	lo, hi = s.ToUnit(e.Min, e, u), s.ToUnit(e.Max, e, u)
	if lo > hi {
		lo, hi = hi, lo
	}
	return lo, hi
}
