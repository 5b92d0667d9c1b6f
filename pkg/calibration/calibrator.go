package calibration

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gwillem/armbus/pkg/protocol"
)

// State is the phase of a guided calibration.
type State int

const (
	Idle State = iota
	Observing
	Finalized
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Observing:
		return "observing"
	case Finalized:
		return "finalized"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	ErrNotObserving  = errors.New("calibrator is not observing")
	ErrUnknownServo  = errors.New("servo not part of calibration")
	ErrRawOutOfRange = errors.New("raw position out of range")
	ErrNoServos      = errors.New("no servos to calibrate")
)

// SpanFailure names a servo whose observed range was too small.
type SpanFailure struct {
	ID       protocol.ServoID
	Span     int
	Observed bool
}

// InsufficientRangeError lists every servo that failed range validation.
type InsufficientRangeError struct {
	MinSpan int
	Servos  []SpanFailure
}

func (e *InsufficientRangeError) Error() string {
	parts := make([]string, len(e.Servos))
	for i, f := range e.Servos {
		if !f.Observed {
			parts[i] = fmt.Sprintf("servo %d (no readings)", f.ID)
			continue
		}
		parts[i] = fmt.Sprintf("servo %d (span %d)", f.ID, f.Span)
	}
	return fmt.Sprintf("insufficient range, need at least %d ticks: %s", e.MinSpan, strings.Join(parts, ", "))
}

// IDs returns the failing servo IDs.
func (e *InsufficientRangeError) IDs() []protocol.ServoID {
	ids := make([]protocol.ServoID, len(e.Servos))
	for i, f := range e.Servos {
		ids[i] = f.ID
	}
	return ids
}

// Observation is the running range of one servo.
type Observation struct {
	ID      protocol.ServoID
	Min     protocol.RawPosition
	Max     protocol.RawPosition
	Last    protocol.RawPosition
	Samples int
}

// Span returns the observed range in ticks, 0 before any sample.
func (o Observation) Span() int {
	if o.Samples == 0 {
		return 0
	}
	return int(o.Max) - int(o.Min)
}

// Option configures a Calibrator.
type Option func(*Calibrator)

// WithMinSpan sets the minimum observed span Finalize accepts.
func WithMinSpan(n int) Option {
	return func(c *Calibrator) {
		c.minSpan = n
	}
}

// WithMaxRaw sets the largest raw position Observe accepts.
func WithMaxRaw(n protocol.RawPosition) Option {
	return func(c *Calibrator) {
		c.maxRaw = n
	}
}

// Calibrator records per-servo bounds while an operator moves each joint
// through its full range. It is not safe for concurrent use.
type Calibrator struct {
	minSpan int
	maxRaw  protocol.RawPosition

	state State
	order []protocol.ServoID
	obs   map[protocol.ServoID]*Observation
}

// NewCalibrator creates an idle calibrator.
func NewCalibrator(opts ...Option) *Calibrator {
	c := &Calibrator{
		minSpan: DefaultMinSpan,
		maxRaw:  MaxRaw,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current phase.
func (c *Calibrator) State() State {
	return c.state
}

// MinSpan returns the span threshold used by Finalize.
func (c *Calibrator) MinSpan() int {
	return c.minSpan
}

// Begin starts observing ids, discarding any earlier readings.
func (c *Calibrator) Begin(ids []protocol.ServoID) error {
	if len(ids) == 0 {
		return ErrNoServos
	}

	obs := make(map[protocol.ServoID]*Observation, len(ids))
	for _, id := range ids {
		if _, dup := obs[id]; dup {
			return fmt.Errorf("%w: %d", protocol.ErrDuplicateID, id)
		}
		obs[id] = &Observation{ID: id}
	}

	c.order = append([]protocol.ServoID(nil), ids...)
	c.obs = obs
	c.state = Observing
	return nil
}

// Observe folds one raw reading into the servo's running min and max.
func (c *Calibrator) Observe(id protocol.ServoID, raw protocol.RawPosition) error {
	if c.state != Observing {
		return ErrNotObserving
	}
	o, ok := c.obs[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownServo, id)
	}
	if raw > c.maxRaw {
		return fmt.Errorf("%w: servo %d reported %d", ErrRawOutOfRange, id, raw)
	}

	if o.Samples == 0 || raw < o.Min {
		o.Min = raw
	}
	if o.Samples == 0 || raw > o.Max {
		o.Max = raw
	}
	o.Last = raw
	o.Samples++
	return nil
}

// Snapshot returns the running ranges in Begin order.
func (c *Calibrator) Snapshot() []Observation {
	out := make([]Observation, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.obs[id])
	}
	return out
}

// Finalize validates every observed span and returns the calibration.
// On failure the calibrator keeps observing so the operator can continue.
func (c *Calibrator) Finalize() (*Calibration, error) {
	if c.state != Observing {
		return nil, ErrNotObserving
	}

	var failures []SpanFailure
	entries := make([]Entry, 0, len(c.order))
	for _, id := range c.order {
		o := c.obs[id]
		if o.Samples == 0 || o.Span() < c.minSpan || o.Span() == 0 {
			failures = append(failures, SpanFailure{ID: id, Span: o.Span(), Observed: o.Samples > 0})
			continue
		}
		entries = append(entries, Entry{ID: id, Min: o.Min, Max: o.Max})
	}
	if len(failures) > 0 {
		return nil, &InsufficientRangeError{MinSpan: c.minSpan, Servos: failures}
	}

	c.state = Finalized
	return &Calibration{Version: CurrentVersion, Servos: entries}, nil
}
