// Package teleop couples a leader arm to a follower arm and runs the
// teleoperation control loop.
package teleop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gwillem/armbus/pkg/robot"
)

// State represents the current state of teleoperation.
type State struct {
	Positions robot.JointState
	Timestamp time.Time
	Error     error
}

// Controller manages the teleoperation control loop.
type Controller struct {
	coupling *Coupling
	hz       int

	mu      sync.RWMutex
	running bool
	stateCh chan State
	logCh   chan string
}

// NewController creates a controller running c at hz steps per second.
func NewController(c *Coupling, hz int) *Controller {
	if hz <= 0 {
		hz = robot.DefaultHz
	}

	return &Controller{
		coupling: c,
		hz:       hz,
		stateCh:  make(chan State, 1),
		logCh:    make(chan string, 10),
	}
}

// Close closes the controller and releases resources.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	return c.coupling.Close()
}

// States returns a channel that receives state updates.
func (c *Controller) States() <-chan State {
	return c.stateCh
}

// Logs returns a channel that receives log messages.
func (c *Controller) Logs() <-chan string {
	return c.logCh
}

// Hz returns the control frequency.
func (c *Controller) Hz() int {
	return c.hz
}

func (c *Controller) log(format string, args ...any) {
	msg := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
	select {
	case c.logCh <- msg:
	default:
		// Drop if channel full
	}
}

// Start begins the teleoperation control loop and blocks until ctx is done.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("already running")
	}
	c.running = true
	c.mu.Unlock()

	leader, follower := c.coupling.Leader(), c.coupling.Follower()

	if err := leader.Disable(ctx); err != nil {
		c.log("Warning: failed to disable leader: %v", err)
	} else {
		c.log("Leader arm: torque disabled (passive mode)")
	}

	if err := follower.Enable(ctx); err != nil {
		c.log("Warning: failed to enable follower: %v", err)
	} else {
		c.log("Follower arm: torque enabled")
	}

	c.log("Teleoperation started at %d Hz", c.hz)

	ticker := time.NewTicker(time.Second / time.Duration(c.hz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case <-ticker.C:
			c.step(ctx)
		}
	}
}

// step runs one cycle. A failed cycle publishes the error and is not retried.
func (c *Controller) step(ctx context.Context) {
	positions, err := c.coupling.Step(ctx)
	if err != nil {
		if positions == nil {
			c.log("Read error: %v", err)
		} else {
			c.log("Write error: %v", err)
		}
		c.sendState(State{Positions: positions, Error: err, Timestamp: time.Now()})
		return
	}

	c.sendState(State{
		Positions: positions,
		Timestamp: time.Now(),
	})
}

func (c *Controller) sendState(s State) {
	select {
	case c.stateCh <- s:
	default:
		// Drop old state if channel full, replace with new
		select {
		case <-c.stateCh:
		default:
		}
		c.stateCh <- s
	}
}

func (c *Controller) shutdown() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	ctx := context.Background()
	if err := c.coupling.Follower().Disable(ctx); err != nil {
		c.log("Warning: failed to disable follower: %v", err)
	} else {
		c.log("Follower arm: torque disabled")
	}
	c.log("Teleoperation stopped")
}
