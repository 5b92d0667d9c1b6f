package robot

import (
	"bytes"
	"context"
	"errors"
	"math"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/gwillem/armbus/pkg/calibration"
	"github.com/gwillem/armbus/pkg/protocol"
	"github.com/gwillem/armbus/pkg/robot/robottest"
	"github.com/hipsterbrown/feetech-servo/feetech"
)

func testCalibration() *calibration.Calibration {
	return &calibration.Calibration{
		Version: 1,
		Servos: []calibration.Entry{
			{ID: 1, Min: 1000, Max: 3000},
			{ID: 2, Min: 100, Max: 3900},
			{ID: 3, Min: 1000, Max: 3000},
		},
	}
}

func testConfig(unit calibration.Unit) BusConfig {
	return BusConfig{
		Name:  "follower",
		Port:  "/dev/null",
		IDs:   []protocol.ServoID{1, 2, 3},
		Units: unit,
	}
}

func newTestPipeline(t *testing.T, cfg BusConfig, cal *calibration.Calibration, opts ...Option) (*Pipeline, *robottest.Bus) {
	t.Helper()
	bus := robottest.NewBus(feetech.ProtocolSTS)
	bus.SetPosition(1, 2048)
	bus.SetPosition(2, 2048)
	bus.SetPosition(3, 2048)

	p, err := NewPipeline(cfg, cal, bus, opts...)
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}
	return p, bus
}

func TestPipeline_ReadCycleNormalized(t *testing.T) {
	p, bus := newTestPipeline(t, testConfig(calibration.Normalized), testCalibration())
	bus.SetPosition(1, 1000)
	bus.SetPosition(2, 2000)
	bus.SetPosition(3, 2500)

	state, err := p.ReadCycle(context.Background())
	if err != nil {
		t.Fatalf("ReadCycle failed: %v", err)
	}

	expected := JointState{{1, -1.0}, {2, 0.0}, {3, 0.5}}
	if len(state) != len(expected) {
		t.Fatalf("got %d joints, want %d", len(state), len(expected))
	}
	for i, want := range expected {
		if state[i].ID != want.ID || math.Abs(state[i].Value-want.Value) > 1e-9 {
			t.Errorf("joint %d = %+v, want %+v", i, state[i], want)
		}
	}
}

func TestPipeline_ReadCycleRaw(t *testing.T) {
	p, bus := newTestPipeline(t, testConfig(calibration.Raw), nil)
	bus.SetPosition(2, 4000)

	state, err := p.ReadCycle(context.Background())
	if err != nil {
		t.Fatalf("ReadCycle failed: %v", err)
	}

	values := state.Values()
	if values[0] != 2048 || values[1] != 4000 || values[2] != 2048 {
		t.Errorf("values = %v, want [2048 4000 2048]", values)
	}
}

func TestPipeline_ReadCycleSCS(t *testing.T) {
	bus := robottest.NewBus(feetech.ProtocolSCS)
	bus.SetPosition(1, 300)
	bus.SetPosition(2, 700)

	cfg := BusConfig{Name: "scs", IDs: []protocol.ServoID{1, 2}, Protocol: "scs"}
	p, err := NewPipeline(cfg, nil, bus)
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}

	state, err := p.ReadCycle(context.Background())
	if err != nil {
		t.Fatalf("ReadCycle failed: %v", err)
	}
	if state[0].Value != 300 || state[1].Value != 700 {
		t.Errorf("state = %+v", state)
	}
}

func TestNewPipeline_CalibrationMissing(t *testing.T) {
	bus := robottest.NewBus(feetech.ProtocolSTS)

	_, err := NewPipeline(testConfig(calibration.Degrees), nil, bus)
	var cme *CalibrationMissingError
	if !errors.As(err, &cme) {
		t.Fatalf("expected CalibrationMissingError, got %v", err)
	}
	if cme.HasID {
		t.Errorf("error should not name a servo: %+v", cme)
	}

	partial := &calibration.Calibration{Servos: []calibration.Entry{
		{ID: 1, Min: 0, Max: 100},
		{ID: 2, Min: 0, Max: 100},
	}}
	_, err = NewPipeline(testConfig(calibration.Normalized), partial, bus)
	if !errors.As(err, &cme) || !cme.HasID || cme.ID != 3 {
		t.Fatalf("expected CalibrationMissingError for servo 3, got %v", err)
	}
}

func TestPipeline_MissingServo(t *testing.T) {
	p, bus := newTestPipeline(t, testConfig(calibration.Normalized), testCalibration())
	bus.Disconnect(3)

	_, err := p.ReadCycle(context.Background())
	if id, ok := protocol.GetMissingServo(err); !ok || id != 3 {
		t.Fatalf("expected missing servo 3, got %v", err)
	}
	if IsTransportError(err) {
		t.Error("missing servo should not be a transport error")
	}
}

func TestPipeline_ServoStatus(t *testing.T) {
	p, bus := newTestPipeline(t, testConfig(calibration.Raw), nil)
	bus.SetStatus(2, feetech.ErrOverheat)

	_, err := p.ReadCycle(context.Background())
	var se *protocol.ServoStatusError
	if !errors.As(err, &se) || se.ID != 2 {
		t.Fatalf("expected ServoStatusError for servo 2, got %v", err)
	}
}

func TestPipeline_TransportError(t *testing.T) {
	p, bus := newTestPipeline(t, testConfig(calibration.Raw), nil)
	unplugged := errors.New("device unplugged")
	bus.Fail(unplugged)

	_, err := p.ReadCycle(context.Background())
	if !IsTransportError(err) || !errors.Is(err, unplugged) {
		t.Errorf("ReadCycle: expected TransportError wrapping cause, got %v", err)
	}

	err = p.WriteCycle(context.Background(), GoalState{{ID: 1, Value: 2000}})
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "write" || te.Bus != "follower" {
		t.Errorf("WriteCycle: expected write TransportError, got %v", err)
	}
}

func TestPipeline_WriteCycleOrder(t *testing.T) {
	p, bus := newTestPipeline(t, testConfig(calibration.Normalized), testCalibration())

	goals := GoalState{{ID: 3, Value: 0.5}, {ID: 1, Value: -1}, {ID: 2, Value: 0}}
	if err := p.WriteCycle(context.Background(), goals); err != nil {
		t.Fatalf("WriteCycle failed: %v", err)
	}

	writes := bus.Writes()
	if len(writes) != 1 {
		t.Fatalf("got %d bus transactions, want 1", len(writes))
	}

	expected := []protocol.Position{{ID: 1, Raw: 1000}, {ID: 2, Raw: 2000}, {ID: 3, Raw: 2500}}
	got := bus.LastGoals()
	if len(got) != len(expected) {
		t.Fatalf("got %d goals, want %d", len(got), len(expected))
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Errorf("goal %d = %+v, want %+v", i, got[i], expected[i])
		}
	}
}

func TestPipeline_WriteCycleIdempotent(t *testing.T) {
	p, bus := newTestPipeline(t, testConfig(calibration.Degrees), testCalibration())

	goals := GoalState{{ID: 1, Value: 12.5}, {ID: 2, Value: -30}, {ID: 3, Value: 0}}
	for i := 0; i < 2; i++ {
		if err := p.WriteCycle(context.Background(), goals); err != nil {
			t.Fatalf("WriteCycle failed: %v", err)
		}
	}

	writes := bus.Writes()
	if len(writes) != 2 || !bytes.Equal(writes[0], writes[1]) {
		t.Errorf("frames differ: %X vs %X", writes[0], writes[1])
	}
}

func TestPipeline_WriteCycleClampLogsWarning(t *testing.T) {
	logger, hook := test.NewNullLogger()
	p, bus := newTestPipeline(t, testConfig(calibration.Normalized), testCalibration(), WithLogger(logger))

	err := p.WriteCycle(context.Background(), GoalState{{ID: 1, Value: 2.0}, {ID: 2, Value: 0}})
	if err != nil {
		t.Fatalf("WriteCycle failed: %v", err)
	}

	got := bus.LastGoals()
	if got[0].Raw != 3000 {
		t.Errorf("clamped goal = %d, want 3000", got[0].Raw)
	}

	entry := hook.LastEntry()
	if entry == nil || entry.Level != logrus.WarnLevel {
		t.Fatalf("expected a warning, got %v", entry)
	}
	if entry.Data["servo"] != protocol.ServoID(1) || entry.Data["clamped"] != protocol.RawPosition(3000) {
		t.Errorf("warning fields = %v", entry.Data)
	}
}

func TestPipeline_WriteCycleRejectSendsNothing(t *testing.T) {
	cfg := testConfig(calibration.Normalized)
	cfg.ClampPolicy = calibration.Reject
	p, bus := newTestPipeline(t, cfg, testCalibration())

	err := p.WriteCycle(context.Background(), GoalState{{ID: 1, Value: 0}, {ID: 2, Value: 1.2}})
	var oor *calibration.OutOfRangeError
	if !errors.As(err, &oor) || oor.ID != 2 {
		t.Fatalf("expected OutOfRangeError for servo 2, got %v", err)
	}
	if len(bus.Writes()) != 0 {
		t.Error("rejected cycle must not reach the bus")
	}
}

func TestPipeline_WriteCycleInvalidGoals(t *testing.T) {
	p, bus := newTestPipeline(t, testConfig(calibration.Normalized), testCalibration())

	tests := []struct {
		name  string
		goals GoalState
		want  error
	}{
		{"unknown servo", GoalState{{ID: 1, Value: 0}, {ID: 9, Value: 0}}, ErrUnknownServo},
		{"duplicate servo", GoalState{{ID: 1, Value: 0}, {ID: 1, Value: 0.5}}, protocol.ErrDuplicateID},
		{"not a number", GoalState{{ID: 1, Value: math.NaN()}}, calibration.ErrInvalidValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.WriteCycle(context.Background(), tt.goals)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}

	if len(bus.Writes()) != 0 {
		t.Error("invalid goals must not reach the bus")
	}

	if err := p.WriteCycle(context.Background(), nil); err != nil || len(bus.Writes()) != 0 {
		t.Errorf("empty goal state should be a no-op, got %v", err)
	}
}

func TestPipeline_LeaderFollower(t *testing.T) {
	leaderCal := &calibration.Calibration{Servos: []calibration.Entry{
		{ID: 1, Min: 0, Max: 4095},
		{ID: 2, Min: 0, Max: 4095},
		{ID: 3, Min: 500, Max: 1500},
	}}
	followerCal := &calibration.Calibration{Servos: []calibration.Entry{
		{ID: 1, Min: 0, Max: 4095},
		{ID: 2, Min: 0, Max: 4095},
		{ID: 3, Min: 1000, Max: 3000},
	}}

	leaderCfg := testConfig(calibration.Normalized)
	leaderCfg.Name = "leader"
	leader, leaderBus := newTestPipeline(t, leaderCfg, leaderCal)
	follower, followerBus := newTestPipeline(t, testConfig(calibration.Normalized), followerCal)

	leaderBus.SetPosition(3, 1250)

	state, err := leader.ReadCycle(context.Background())
	if err != nil {
		t.Fatalf("leader ReadCycle failed: %v", err)
	}
	if state[2].Value != 0.5 {
		t.Fatalf("leader joint 3 = %f, want 0.5", state[2].Value)
	}

	if err := follower.WriteCycle(context.Background(), GoalState(state)); err != nil {
		t.Fatalf("follower WriteCycle failed: %v", err)
	}

	entry, _ := followerCal.Lookup(3)
	want := protocol.RawPosition(entry.Center() + 0.5*float64(entry.Span())/2)
	if got := followerBus.LastGoals()[2]; got.ID != 3 || got.Raw != want {
		t.Errorf("follower goal = %+v, want raw %d", got, want)
	}
}

func TestPipeline_Sample(t *testing.T) {
	p, bus := newTestPipeline(t, testConfig(calibration.Raw), nil)

	c := calibration.NewCalibrator()
	c.Begin(p.IDs())

	for _, raw := range []protocol.RawPosition{1000, 3000} {
		bus.SetPosition(1, raw)
		bus.SetPosition(2, raw+100)
		bus.SetPosition(3, raw-100)
		if _, err := p.Sample(context.Background(), c); err != nil {
			t.Fatalf("Sample failed: %v", err)
		}
	}

	cal, err := c.Finalize()
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if e, _ := cal.Lookup(2); e.Min != 1100 || e.Max != 3100 {
		t.Errorf("servo 2 entry = %+v", e)
	}
}

func TestPipeline_SampleSkipsMissingServo(t *testing.T) {
	p, bus := newTestPipeline(t, testConfig(calibration.Raw), nil)
	bus.Disconnect(2)

	c := calibration.NewCalibrator()
	c.Begin(p.IDs())

	for _, raw := range []protocol.RawPosition{1000, 2900} {
		bus.SetPosition(1, raw)
		bus.SetPosition(3, raw)
		state, err := p.Sample(context.Background(), c)
		if id, ok := protocol.GetMissingServo(err); !ok || id != 2 {
			t.Fatalf("expected missing servo 2, got %v", err)
		}
		if len(state) != 2 || state[0].ID != 1 || state[1].ID != 3 || state[1].Value != float64(raw) {
			t.Fatalf("state = %+v", state)
		}
	}

	_, err := c.Finalize()
	var rangeErr *calibration.InsufficientRangeError
	if !errors.As(err, &rangeErr) {
		t.Fatalf("expected InsufficientRangeError, got %v", err)
	}
	if len(rangeErr.Servos) != 1 || rangeErr.Servos[0].ID != 2 || rangeErr.Servos[0].Observed {
		t.Errorf("failures = %+v, want only unobserved servo 2", rangeErr.Servos)
	}
	for _, o := range c.Snapshot() {
		if o.ID != 2 && (o.Min != 1000 || o.Max != 2900) {
			t.Errorf("servo %d observed %d-%d, want 1000-2900", o.ID, o.Min, o.Max)
		}
	}
}

func TestPipeline_SampleTransportErrorObservesNothing(t *testing.T) {
	p, bus := newTestPipeline(t, testConfig(calibration.Raw), nil)
	bus.Fail(errors.New("device unplugged"))

	c := calibration.NewCalibrator()
	c.Begin(p.IDs())

	state, err := p.Sample(context.Background(), c)
	if !IsTransportError(err) || state != nil {
		t.Fatalf("expected transport error and no state, got %v, %+v", err, state)
	}
	for _, o := range c.Snapshot() {
		if o.Samples != 0 {
			t.Errorf("servo %d observed %d samples", o.ID, o.Samples)
		}
	}
}

func TestPipeline_ServoModelScale(t *testing.T) {
	bus := robottest.NewBus(feetech.ProtocolSCS)
	bus.SetPosition(1, 512)

	cfg := BusConfig{Name: "scs", IDs: []protocol.ServoID{1}, Protocol: "scs", Model: "scs0009", Units: calibration.Raw}
	log, hook := test.NewNullLogger()
	p, err := NewPipeline(cfg, nil, bus, WithLogger(log))
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}

	if err := p.WriteCycle(context.Background(), GoalState{{ID: 1, Value: 3000}}); err != nil {
		t.Fatalf("WriteCycle failed: %v", err)
	}
	if goals := bus.LastGoals(); len(goals) != 1 || goals[0].Raw != 1023 {
		t.Errorf("goals = %+v, want servo 1 clamped to 1023", goals)
	}
	if len(hook.Entries) != 1 || hook.LastEntry().Level != logrus.WarnLevel {
		t.Errorf("expected one clamp warning, got %d entries", len(hook.Entries))
	}

	degrees := BusConfig{Name: "scs", IDs: []protocol.ServoID{1}, Protocol: "scs", Model: "scs0009", Units: calibration.Degrees}
	cal := &calibration.Calibration{Version: 1, Servos: []calibration.Entry{{ID: 1, Min: 12, Max: 1012}}}
	p, err = NewPipeline(degrees, cal, bus)
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}
	bus.SetPosition(1, 768)
	state, err := p.ReadCycle(context.Background())
	if err != nil {
		t.Fatalf("ReadCycle failed: %v", err)
	}
	// 256 ticks past center on a 1024-tick encoder is a quarter turn.
	if math.Abs(state[0].Value-90) > 1e-9 {
		t.Errorf("degrees = %v, want 90", state[0].Value)
	}

	tooWide := &calibration.Calibration{Version: 1, Servos: []calibration.Entry{{ID: 1, Min: 0, Max: 2000}}}
	if _, err := NewPipeline(degrees, tooWide, bus); err == nil {
		t.Error("expected an error for a calibration beyond the model's range")
	}
}

func TestNewPipeline_InvalidCalibration(t *testing.T) {
	bus := robottest.NewBus(feetech.ProtocolSTS)
	cal := &calibration.Calibration{Version: 1, Servos: []calibration.Entry{
		{ID: 1, Min: 1000, Max: 3000},
		{ID: 2, Min: 2000, Max: 2000},
		{ID: 3, Min: 1000, Max: 3000},
	}}

	if _, err := NewPipeline(testConfig(calibration.Normalized), cal, bus); err == nil {
		t.Fatal("expected an error for an entry with min == max")
	}
}

func TestPipeline_TorqueAndClose(t *testing.T) {
	p, bus := newTestPipeline(t, testConfig(calibration.Raw), nil)

	if err := p.Enable(context.Background()); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	if err := p.Disable(context.Background()); err != nil {
		t.Fatalf("Disable failed: %v", err)
	}

	writes := bus.Writes()
	if len(writes) != 2 {
		t.Fatalf("got %d writes, want 2", len(writes))
	}
	if writes[0][5] != feetech.RegTorqueEnable.Address {
		t.Errorf("torque frame address = %d", writes[0][5])
	}
	if len(bus.Goals()) != 0 {
		t.Error("torque frames should not decode as goals")
	}

	p.Close()
	if !bus.Closed() {
		t.Error("Close did not close the transport")
	}
}

func TestPipeline_CalibrationIsCopied(t *testing.T) {
	cal := testCalibration()
	p, _ := newTestPipeline(t, testConfig(calibration.Normalized), cal)

	cal.Servos[0].Max = 1001

	if e, _ := p.Calibration().Lookup(1); e.Max != 3000 {
		t.Errorf("pipeline calibration changed with caller's copy: %+v", e)
	}
}
