package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"

	"github.com/gwillem/armbus/pkg/robot"
)

type Options struct {
	Config   string `long:"config" short:"c" default:"armbus.json" description:"Path to the arm configuration file"`
	LogLevel string `long:"log-level" short:"l" default:"info" description:"Log level (trace, debug, info, warn, error)"`

	Calibrate   CalibrateCommand   `command:"calibrate" description:"Record the range of motion of servos on one bus"`
	Setup       SetupCommand       `command:"setup" description:"Scan for arms and calibrate them"`
	Read        ReadCommand        `command:"read" description:"Print joint positions of one arm"`
	Teleoperate TeleoperateCommand `command:"teleoperate" alias:"teleop" description:"Start teleoperation (leader-follower control)"`
	Serve       ServeCommand       `command:"serve" description:"Expose one arm over HTTP"`
}

var opts Options
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	parser.LongDescription = "armbus - calibrated position control for Feetech servo buses"
	parser.CommandHandler = func(cmd flags.Commander, args []string) error {
		if err := setupLogger(opts.LogLevel); err != nil {
			return err
		}
		if cmd == nil {
			return nil
		}
		return cmd.Execute(args)
	}

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}
}

func setupLogger(logLevel string) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{})
	if isatty.IsTerminal(os.Stderr.Fd()) {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.Kitchen,
		})
	}
	return nil
}

// loadConfig reads the file named by --config and points the user at setup
// when it is missing.
func loadConfig() (*robot.Config, error) {
	if !robot.ConfigExists(opts.Config) {
		return nil, fmt.Errorf("no configuration found at %s, run 'armbus setup' first", opts.Config)
	}
	cfg, err := robot.LoadConfigFrom(opts.Config)
	if err != nil {
		return nil, err
	}
	logrus.WithField("file", opts.Config).Debug("loaded configuration")
	return cfg, nil
}
