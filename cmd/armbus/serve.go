package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/gwillem/armbus/pkg/bridge"
	"github.com/gwillem/armbus/pkg/robot"
	"github.com/gwillem/armbus/pkg/server"
)

type ServeCommand struct {
	Arm    string `long:"arm" default:"follower" choice:"leader" choice:"follower" description:"Which arm to expose"`
	Listen string `long:"listen" default:"127.0.0.1:8080" description:"HTTP listen address"`
	Hz     int    `long:"hz" description:"Bus cycle frequency (defaults to the configured rate)"`
	Torque bool   `long:"torque" description:"Enable torque on start so goal positions move the arm"`
}

func (c *ServeCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	bus, err := cfg.Bus(c.Arm)
	if err != nil {
		return err
	}
	logrus.WithFields(bus.LogrusFields()).Info("opening bus")

	p, err := robot.OpenPipeline(*bus)
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if c.Torque {
		if err := p.Enable(ctx); err != nil {
			return err
		}
		defer func() {
			if err := p.Disable(context.Background()); err != nil {
				logrus.WithError(err).Warn("failed to disable torque")
			}
		}()
	}

	hz := c.Hz
	if hz <= 0 {
		hz = cfg.ControlHz()
	}

	b := bridge.New(p, logrus.StandardLogger())
	srv := server.New(b, logrus.StandardLogger())

	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Run(ctx, hz)
	}()

	err = srv.ListenAndServe(ctx, c.Listen)
	stop()
	if runErr := <-errCh; runErr != nil && !errors.Is(runErr, context.Canceled) {
		logrus.WithError(runErr).Error("bridge stopped")
	}
	return err
}
