package robot

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/gwillem/armbus/pkg/calibration"
	"github.com/gwillem/armbus/pkg/protocol"
)

// Joint is one servo's position in the bus unit.
type Joint struct {
	ID    protocol.ServoID `json:"id"`
	Value float64          `json:"value"`
}

// JointState is the result of one read cycle, in configured ID order.
type JointState []Joint

// GoalState is the set of positions commanded by one write cycle.
type GoalState []Joint

// Values returns the joint values in order.
func (s JointState) Values() []float64 {
	out := make([]float64, len(s))
	for i, j := range s {
		out[i] = j.Value
	}
	return out
}

// Pipeline runs read and write cycles for one bus. It owns its transport,
// codec and calibration, and shares none of them with other pipelines.
// A Pipeline is driven by a single loop and is not safe for concurrent use.
type Pipeline struct {
	name      string
	ids       []protocol.ServoID
	unit      calibration.Unit
	policy    calibration.ClampPolicy
	scale     calibration.Scale
	cal       *calibration.Calibration
	entries   map[protocol.ServoID]calibration.Entry
	codec     *protocol.Codec
	transport Transport
	log       logrus.FieldLogger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger used for clamp warnings.
func WithLogger(l logrus.FieldLogger) Option {
	return func(p *Pipeline) {
		p.log = l
	}
}

// NewPipeline validates cfg against cal and builds a pipeline over t.
// cal may be nil when cfg.Units is Raw. Conversions use the encoder
// resolution of cfg's servo model.
func NewPipeline(cfg BusConfig, cal *calibration.Calibration, t Transport, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	version, _ := cfg.ProtocolVersion()
	model, err := cfg.ServoModel()
	if err != nil {
		return nil, err
	}
	scale := calibration.ScaleOf(model)
	if cal != nil {
		if err := scale.Validate(cal); err != nil {
			return nil, fmt.Errorf("%s: calibration: %w", cfg.Name, err)
		}
	}

	p := &Pipeline{
		name:      cfg.Name,
		ids:       append([]protocol.ServoID(nil), cfg.IDs...),
		unit:      cfg.Units,
		policy:    cfg.ClampPolicy,
		scale:     scale,
		cal:       cal.Clone(),
		entries:   make(map[protocol.ServoID]calibration.Entry, len(cfg.IDs)),
		codec:     protocol.NewCodec(version),
		transport: t,
		log:       logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.unit.NeedsCalibration() && p.cal == nil {
		return nil, &CalibrationMissingError{Bus: p.name}
	}
	for _, id := range p.ids {
		entry, ok := p.cal.Lookup(id)
		if !ok {
			if p.unit.NeedsCalibration() {
				return nil, &CalibrationMissingError{Bus: p.name, ID: id, HasID: true}
			}
			entry = scale.FullRange(id)
		}
		p.entries[id] = entry
	}

	return p, nil
}

// OpenPipeline opens the serial port and calibration file named in cfg.
func OpenPipeline(cfg BusConfig, opts ...Option) (*Pipeline, error) {
	var cal *calibration.Calibration
	if cfg.IsCalibrated() {
		var err error
		cal, err = calibration.Load(cfg.CalibrationFile)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", cfg.Name, err)
		}
	}

	t, err := OpenSerial(SerialConfig{
		Port:     cfg.Port,
		BaudRate: cfg.BaudRate,
		Timeout:  cfg.Timeout(),
	})
	if err != nil {
		return nil, &TransportError{Bus: cfg.Name, Op: "open", Err: err}
	}

	p, err := NewPipeline(cfg, cal, t, opts...)
	if err != nil {
		t.Close()
		return nil, err
	}
	return p, nil
}

// Name returns the bus name.
func (p *Pipeline) Name() string {
	return p.name
}

// IDs returns the configured servo IDs in publish order.
func (p *Pipeline) IDs() []protocol.ServoID {
	return append([]protocol.ServoID(nil), p.ids...)
}

// Unit returns the unit of published and commanded values.
func (p *Pipeline) Unit() calibration.Unit {
	return p.unit
}

// Calibration returns a copy of the loaded calibration, or nil.
func (p *Pipeline) Calibration() *calibration.Calibration {
	return p.cal.Clone()
}

// Close closes the bus transport.
func (p *Pipeline) Close() error {
	return p.transport.Close()
}

// ReadCycle reads every configured servo and converts to the bus unit.
func (p *Pipeline) ReadCycle(ctx context.Context) (JointState, error) {
	positions, err := p.readRaw(ctx)
	if err != nil {
		return nil, err
	}

	state := make(JointState, len(positions))
	for i, pos := range positions {
		state[i] = Joint{ID: pos.ID, Value: p.scale.ToUnit(pos.Raw, p.entries[pos.ID], p.unit)}
	}
	return state, nil
}

// Sample reads raw positions and feeds them to a calibrator.
//
// When some servos do not answer, the rest are read one by one and still
// observed. The returned state then holds the servos that answered and the
// error names the first one that did not.
func (p *Pipeline) Sample(ctx context.Context, c *calibration.Calibrator) (JointState, error) {
	positions, err := p.readRaw(ctx)
	if _, missing := protocol.GetMissingServo(err); missing {
		positions, err = p.readEach(ctx)
	} else if err != nil {
		return nil, err
	}

	state := make(JointState, len(positions))
	for i, pos := range positions {
		if oerr := c.Observe(pos.ID, pos.Raw); oerr != nil {
			return nil, oerr
		}
		state[i] = Joint{ID: pos.ID, Value: float64(pos.Raw)}
	}
	return state, err
}

// readEach reads every servo with its own request. It returns the positions
// that came back and a MissingServoError for the first servo that did not.
func (p *Pipeline) readEach(ctx context.Context) ([]protocol.Position, error) {
	var (
		positions []protocol.Position
		first     error
	)
	for _, id := range p.ids {
		got, err := p.readIDs(ctx, []protocol.ServoID{id})
		if err != nil {
			if ctx.Err() != nil {
				return positions, err
			}
			p.log.WithFields(logrus.Fields{"bus": p.name, "servo": id}).WithError(err).Debug("servo did not answer")
			if first == nil {
				first = fmt.Errorf("%s: read positions: %w", p.name, &protocol.MissingServoError{ID: id})
			}
			continue
		}
		positions = append(positions, got...)
	}
	return positions, first
}

func (p *Pipeline) readRaw(ctx context.Context) ([]protocol.Position, error) {
	return p.readIDs(ctx, p.ids)
}

func (p *Pipeline) readIDs(ctx context.Context, ids []protocol.ServoID) ([]protocol.Position, error) {
	req, err := p.codec.EncodeRead(ids)
	if err != nil {
		return nil, fmt.Errorf("%s: encode read: %w", p.name, err)
	}

	resp, err := p.transport.Exchange(ctx, req, p.codec.ReadResponseLen(len(ids)))
	if err != nil {
		return nil, &TransportError{Bus: p.name, Op: "read", Err: err}
	}

	positions, err := p.codec.DecodeRead(resp, ids)
	if err != nil {
		return nil, fmt.Errorf("%s: read positions: %w", p.name, err)
	}
	return positions, nil
}

// WriteCycle converts goals to raw positions and sends them in one sync
// write, ordered by configured ID. Nothing is sent if any goal fails to
// convert. Goals outside the calibrated range are clamped and logged unless
// the bus uses the reject policy. A transport failure is returned, not retried.
func (p *Pipeline) WriteCycle(ctx context.Context, goals GoalState) error {
	if len(goals) == 0 {
		return nil
	}

	requested := make(map[protocol.ServoID]float64, len(goals))
	for _, g := range goals {
		if _, ok := p.entries[g.ID]; !ok {
			return fmt.Errorf("%s: %w: %d", p.name, ErrUnknownServo, g.ID)
		}
		if _, dup := requested[g.ID]; dup {
			return fmt.Errorf("%s: %w: %d", p.name, protocol.ErrDuplicateID, g.ID)
		}
		requested[g.ID] = g.Value
	}

	raw := make([]protocol.Position, 0, len(goals))
	for _, id := range p.ids {
		value, ok := requested[id]
		if !ok {
			continue
		}
		pos, err := p.scale.FromUnit(value, p.entries[id], p.unit, p.policy)
		if err != nil {
			if !calibration.IsWarning(err) {
				return fmt.Errorf("%s: %w", p.name, err)
			}
			p.log.WithFields(logrus.Fields{
				"bus":       p.name,
				"servo":     id,
				"requested": value,
				"clamped":   pos,
			}).Warn("goal clamped to calibrated range")
		}
		raw = append(raw, protocol.Position{ID: id, Raw: pos})
	}

	frame, err := p.codec.EncodeSyncWrite(raw)
	if err != nil {
		return fmt.Errorf("%s: encode goals: %w", p.name, err)
	}

	if _, err := p.transport.Exchange(ctx, frame, 0); err != nil {
		return &TransportError{Bus: p.name, Op: "write", Err: err}
	}
	return nil
}

// Enable turns on torque for every configured servo.
func (p *Pipeline) Enable(ctx context.Context) error {
	return p.setTorque(ctx, true)
}

// Disable turns off torque so the arm can be moved by hand.
func (p *Pipeline) Disable(ctx context.Context) error {
	return p.setTorque(ctx, false)
}

func (p *Pipeline) setTorque(ctx context.Context, enabled bool) error {
	frame, err := p.codec.EncodeTorque(p.ids, enabled)
	if err != nil {
		return fmt.Errorf("%s: encode torque: %w", p.name, err)
	}
	if _, err := p.transport.Exchange(ctx, frame, 0); err != nil {
		return &TransportError{Bus: p.name, Op: "torque", Err: err}
	}
	return nil
}
