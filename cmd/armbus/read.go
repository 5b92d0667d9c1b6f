package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gwillem/armbus/pkg/robot"
)

type ReadCommand struct {
	Arm   string `long:"arm" default:"leader" choice:"leader" choice:"follower" description:"Which arm to read"`
	Hz    int    `long:"hz" description:"Read frequency (defaults to the configured rate)"`
	Count int    `long:"count" short:"n" description:"Stop after this many reads (0 reads until interrupted)"`
}

func (c *ReadCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	bus, err := cfg.Bus(c.Arm)
	if err != nil {
		return err
	}

	p, err := robot.OpenPipeline(*bus)
	if err != nil {
		return err
	}
	defer p.Close()

	hz := c.Hz
	if hz <= 0 {
		hz = cfg.ControlHz()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err = readLoop(ctx, p, hz, c.Count, logrus.StandardLogger())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// readLoop logs one line per read cycle. Failed cycles are logged and
// skipped.
func readLoop(ctx context.Context, p *robot.Pipeline, hz, count int, log logrus.FieldLogger) error {
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()

	for n := 0; count <= 0 || n < count; {
		state, err := p.ReadCycle(ctx)
		if err != nil {
			log.WithFields(logrus.Fields{"bus": p.Name(), "err": err}).Warn("read failed")
		} else {
			n++
			log.WithFields(jointFields(state)).Info(p.Name())
		}

		if count > 0 && n >= count {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func jointFields(state robot.JointState) logrus.Fields {
	fields := make(logrus.Fields, len(state))
	for i, j := range state {
		fields[fmt.Sprintf("%d:%s", j.ID, robot.JointName(i))] = fmt.Sprintf("%.3f", j.Value)
	}
	return fields
}
