// Package bridge exposes a pipeline as a positions output port and a
// goal_positions input port, driven once per scheduler tick.
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gwillem/armbus/pkg/robot"
)

// Sample is one published read cycle.
type Sample struct {
	Bus       string           `json:"bus"`
	Unit      string           `json:"unit"`
	Positions robot.JointState `json:"positions"`
	Timestamp time.Time        `json:"timestamp"`
}

// Status summarizes the bridge's cycle history.
type Status struct {
	Bus       string    `json:"bus"`
	Unit      string    `json:"unit"`
	Cycles    uint64    `json:"cycles"`
	Failures  uint64    `json:"failures"`
	LastError string    `json:"last_error,omitempty"`
	LastRead  time.Time `json:"last_read,omitempty"`
}

// Bridge drives one pipeline. Only the scheduler goroutine calls Tick;
// Submit, Latest and Status are safe from any goroutine.
type Bridge struct {
	pipeline  *robot.Pipeline
	log       logrus.FieldLogger
	goals     chan robot.GoalState
	positions chan Sample

	mu       sync.RWMutex
	latest   Sample
	hasRead  bool
	cycles   uint64
	failures uint64
	lastErr  error
}

// New creates a bridge over p.
func New(p *robot.Pipeline, log logrus.FieldLogger) *Bridge {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Bridge{
		pipeline:  p,
		log:       log,
		goals:     make(chan robot.GoalState, 1),
		positions: make(chan Sample, 1),
	}
}

// Pipeline returns the underlying pipeline.
func (b *Bridge) Pipeline() *robot.Pipeline {
	return b.pipeline
}

// Positions is the output port. It holds at most the latest sample.
func (b *Bridge) Positions() <-chan Sample {
	return b.positions
}

// Submit queues a goal for the next tick, replacing any goal not yet consumed.
func (b *Bridge) Submit(g robot.GoalState) {
	for {
		select {
		case b.goals <- g:
			return
		default:
		}
		select {
		case <-b.goals:
		default:
		}
	}
}

// Tick consumes the pending goal, if any, then reads and publishes positions.
// A failed cycle publishes nothing.
func (b *Bridge) Tick(ctx context.Context) error {
	select {
	case g := <-b.goals:
		if err := b.pipeline.WriteCycle(ctx, g); err != nil {
			b.record(err)
			return err
		}
	default:
	}

	state, err := b.pipeline.ReadCycle(ctx)
	if err != nil {
		b.record(err)
		return err
	}

	s := Sample{
		Bus:       b.pipeline.Name(),
		Unit:      b.pipeline.Unit().String(),
		Positions: state,
		Timestamp: time.Now(),
	}

	b.mu.Lock()
	b.latest = s
	b.hasRead = true
	b.cycles++
	b.lastErr = nil
	b.mu.Unlock()

	b.publish(s)
	return nil
}

func (b *Bridge) record(err error) {
	b.mu.Lock()
	b.cycles++
	b.failures++
	b.lastErr = err
	b.mu.Unlock()
}

func (b *Bridge) publish(s Sample) {
	select {
	case b.positions <- s:
	default:
		// Drop the unread sample, keep the newest
		select {
		case <-b.positions:
		default:
		}
		b.positions <- s
	}
}

// Latest returns the most recent successful sample.
func (b *Bridge) Latest() (Sample, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.latest, b.hasRead
}

// Status returns cycle counters and the last error.
func (b *Bridge) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st := Status{
		Bus:      b.pipeline.Name(),
		Unit:     b.pipeline.Unit().String(),
		Cycles:   b.cycles,
		Failures: b.failures,
		LastRead: b.latest.Timestamp,
	}
	if b.lastErr != nil {
		st.LastError = b.lastErr.Error()
	}
	return st
}

// Run ticks at hz until ctx is done. Failed cycles are logged and skipped.
func (b *Bridge) Run(ctx context.Context, hz int) error {
	if hz <= 0 {
		hz = robot.DefaultHz
	}

	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()

	b.log.WithFields(logrus.Fields{
		"bus": b.pipeline.Name(),
		"hz":  hz,
	}).Info("bridge started")

	for {
		select {
		case <-ctx.Done():
			b.log.WithField("bus", b.pipeline.Name()).Info("bridge stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := b.Tick(ctx); err != nil {
				b.log.WithFields(logrus.Fields{
					"bus": b.pipeline.Name(),
					"err": err,
				}).Warn("cycle failed")
			}
		}
	}
}
