package teleop

import (
	"context"
	"fmt"

	"github.com/gwillem/armbus/pkg/calibration"
	"github.com/gwillem/armbus/pkg/protocol"
	"github.com/gwillem/armbus/pkg/robot"
)

// DefaultMirrorIDs are the joints that turn the other way on a mirrored
// follower: shoulder_pan (servo 1) and wrist_roll (servo 5).
var DefaultMirrorIDs = []protocol.ServoID{1, 5}

// JointCountMismatchError reports leader and follower buses with different joint counts.
type JointCountMismatchError struct {
	Leader   int
	Follower int
}

func (e *JointCountMismatchError) Error() string {
	return fmt.Sprintf("leader has %d joints, follower has %d", e.Leader, e.Follower)
}

// UnitMismatchError reports a bus that does not use the normalized unit.
type UnitMismatchError struct {
	Bus  string
	Unit calibration.Unit
}

func (e *UnitMismatchError) Error() string {
	return fmt.Sprintf("%s: leader-follower coupling needs normalized units, bus uses %s", e.Bus, e.Unit)
}

// Coupling turns leader readings into follower goals. Joints are paired by
// position: leader IDs[i] drives follower IDs[i].
type Coupling struct {
	leader      *robot.Pipeline
	follower    *robot.Pipeline
	followerIDs []protocol.ServoID
	mirror      map[protocol.ServoID]bool
}

// CouplingOption configures a Coupling.
type CouplingOption func(*Coupling)

// WithMirror negates the given leader joints before they reach the follower.
func WithMirror(ids ...protocol.ServoID) CouplingOption {
	return func(c *Coupling) {
		for _, id := range ids {
			c.mirror[id] = true
		}
	}
}

// NewCoupling checks that both pipelines use normalized units and have the
// same number of joints.
func NewCoupling(leader, follower *robot.Pipeline, opts ...CouplingOption) (*Coupling, error) {
	for _, p := range []*robot.Pipeline{leader, follower} {
		if p.Unit() != calibration.Normalized {
			return nil, &UnitMismatchError{Bus: p.Name(), Unit: p.Unit()}
		}
	}

	leaderIDs, followerIDs := leader.IDs(), follower.IDs()
	if len(leaderIDs) != len(followerIDs) {
		return nil, &JointCountMismatchError{Leader: len(leaderIDs), Follower: len(followerIDs)}
	}

	c := &Coupling{
		leader:      leader,
		follower:    follower,
		followerIDs: followerIDs,
		mirror:      make(map[protocol.ServoID]bool),
	}
	for _, opt := range opts {
		opt(c)
	}

	known := make(map[protocol.ServoID]bool, len(leaderIDs))
	for _, id := range leaderIDs {
		known[id] = true
	}
	for id := range c.mirror {
		if !known[id] {
			return nil, fmt.Errorf("mirror: %w: %d", robot.ErrUnknownServo, id)
		}
	}

	return c, nil
}

// Leader returns the leader pipeline.
func (c *Coupling) Leader() *robot.Pipeline {
	return c.leader
}

// Follower returns the follower pipeline.
func (c *Coupling) Follower() *robot.Pipeline {
	return c.follower
}

// Goals reinterprets a leader reading as a follower goal.
func (c *Coupling) Goals(state robot.JointState) (robot.GoalState, error) {
	if len(state) != len(c.followerIDs) {
		return nil, &JointCountMismatchError{Leader: len(state), Follower: len(c.followerIDs)}
	}

	goals := make(robot.GoalState, len(state))
	for i, j := range state {
		v := j.Value
		if c.mirror[j.ID] {
			v = -v
		}
		goals[i] = robot.Joint{ID: c.followerIDs[i], Value: v}
	}
	return goals, nil
}

// Step runs one leader read and one follower write. The leader reading is
// returned even when the follower write fails.
func (c *Coupling) Step(ctx context.Context) (robot.JointState, error) {
	state, err := c.leader.ReadCycle(ctx)
	if err != nil {
		return nil, err
	}

	goals, err := c.Goals(state)
	if err != nil {
		return state, err
	}

	if err := c.follower.WriteCycle(ctx, goals); err != nil {
		return state, err
	}
	return state, nil
}

// Close closes both pipelines.
func (c *Coupling) Close() error {
	var errs []error
	if err := c.leader.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.follower.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
