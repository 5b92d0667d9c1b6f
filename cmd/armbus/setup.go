package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/hipsterbrown/feetech-servo/feetech"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/gwillem/armbus/pkg/calibration"
	"github.com/gwillem/armbus/pkg/protocol"
	"github.com/gwillem/armbus/pkg/robot"
)

// armIDs are the servo IDs of an SO-101 arm.
var armIDs = []protocol.ServoID{1, 2, 3, 4, 5, 6}

var errSetupAborted = errors.New("setup aborted")

type SetupCommand struct {
	LeaderCalibration   string `long:"leader-calibration" default:"leader_calibration.json" description:"Where to write the leader calibration"`
	FollowerCalibration string `long:"follower-calibration" default:"follower_calibration.json" description:"Where to write the follower calibration"`
	MinSpan             int    `long:"min-span" default:"50" description:"Smallest accepted range of motion in raw ticks"`
	Plain               bool   `long:"plain" description:"Print progress lines instead of the live table"`
}

func (c *SetupCommand) Execute(args []string) error {
	fmt.Println(headerStyle.Render("armbus setup"))
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━"))
	fmt.Println()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// Step 1: Scan for arms
	config, err := scanForArms(ctx)
	if err != nil {
		return err
	}

	// Step 2: Calibrate leader
	fmt.Println()
	fmt.Println(subHeaderStyle.Render("━━━ Calibrating Leader Arm ━━━"))
	fmt.Println()
	if err := c.calibrateArm(ctx, &config.Leader, c.LeaderCalibration); err != nil {
		return err
	}

	// Save after leader calibration
	if err := config.SaveTo(opts.Config); err != nil {
		return err
	}

	// Step 3: Calibrate follower
	fmt.Println()
	fmt.Println(subHeaderStyle.Render("━━━ Calibrating Follower Arm ━━━"))
	fmt.Println()
	if err := c.calibrateArm(ctx, &config.Follower, c.FollowerCalibration); err != nil {
		return err
	}

	if err := config.SaveTo(opts.Config); err != nil {
		return err
	}

	fmt.Println()
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"))
	fmt.Println(successStyle.Render("Setup complete!"))
	fmt.Printf("Configuration saved to %s\n", opts.Config)
	fmt.Println()
	fmt.Println("Start teleoperation with: " + headerStyle.Render("armbus teleoperate"))

	return nil
}

// calibrateArm records the range of one arm, saves it to path and points
// the bus config at it. The bus keeps raw units until calibration succeeds.
func (c *SetupCommand) calibrateArm(ctx context.Context, bus *robot.BusConfig, path string) error {
	fmt.Printf("Calibrating %s arm on %s\n", bus.Name, bus.Port)
	fmt.Println()

	raw := *bus
	raw.Units = calibration.Raw
	raw.CalibrationFile = ""

	cal, err := calibrateBus(ctx, raw, c.MinSpan, c.Plain)
	if err != nil {
		return fmt.Errorf("%s: %w", bus.Name, err)
	}
	if err := calibration.Save(path, cal); err != nil {
		return err
	}
	printCalibration(os.Stdout, path, cal)

	bus.CalibrationFile = path
	bus.Units = calibration.Normalized
	fmt.Println()
	fmt.Printf("%s arm calibrated.\n", strings.ToUpper(bus.Name[:1])+bus.Name[1:])
	return nil
}

func armBusConfig(name, port string) robot.BusConfig {
	return robot.BusConfig{
		Name:        name,
		Port:        port,
		IDs:         append([]protocol.ServoID(nil), armIDs...),
		Units:       calibration.Raw,
		BaudRate:    1_000_000,
		Protocol:    "sts",
		ClampPolicy: calibration.Clamp,
	}
}

func scanForArms(ctx context.Context) (*robot.Config, error) {
	fmt.Println("Scanning for robot arms...")
	fmt.Println()

	ports := findArms(ctx)
	if len(ports) == 0 {
		fmt.Println("No SO-101 arms found.")
		fmt.Println("Make sure your arms are connected and powered on.")
		return nil, errors.New("no arms found")
	}

	fmt.Printf("Found %d arm(s). Let's identify them...\n\n", len(ports))

	// Identify each arm by wiggling it
	var leaderPort, followerPort string
	for _, port := range ports {
		role, err := identifyArmWithWiggle(ctx, port, leaderPort == "", followerPort == "")
		if err != nil {
			return nil, err
		}
		switch role {
		case "leader":
			leaderPort = port
		case "follower":
			followerPort = port
		}

		if leaderPort != "" && followerPort != "" {
			break
		}
	}

	fmt.Println()

	if leaderPort == "" || followerPort == "" {
		fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━━━━━━━━"))
		if leaderPort == "" {
			fmt.Println("Leader arm not identified.")
		}
		if followerPort == "" {
			fmt.Println("Follower arm not identified.")
		}
		fmt.Println()
		return nil, errors.New("both leader and follower are required for teleoperation")
	}

	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━━━━━━━━"))
	fmt.Println(successStyle.Render("Arms identified:"))
	fmt.Printf("  Leader:   %s\n", leaderPort)
	fmt.Printf("  Follower: %s\n", followerPort)

	return &robot.Config{
		Leader:   armBusConfig("leader", leaderPort),
		Follower: armBusConfig("follower", followerPort),
		Hz:       robot.DefaultHz,
	}, nil
}

// findArms returns the serial ports that answer pings from servos 1-6.
func findArms(ctx context.Context) []string {
	ports, err := serial.GetPortsList()
	if err != nil {
		logrus.WithError(err).Error("failed to list serial ports")
		return nil
	}

	var arms []string
	for _, port := range ports {
		// Skip Bluetooth ports on macOS
		if strings.Contains(port, "Bluetooth") {
			continue
		}

		bus, err := feetech.NewBus(feetech.BusConfig{
			Port:     port,
			BaudRate: 1_000_000,
			Protocol: feetech.ProtocolSTS,
			Timeout:  100 * time.Millisecond,
		})
		if err != nil {
			logrus.WithFields(logrus.Fields{"port": port, "err": err}).Debug("skipping port")
			continue
		}

		scanCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		servos, err := bus.Scan(scanCtx, 1, len(armIDs))
		cancel()
		bus.Close()
		if err != nil {
			logrus.WithFields(logrus.Fields{"port": port, "err": err}).Debug("scan failed")
			continue
		}

		if isSOArm(servos) {
			fmt.Printf("  Found SO-101 arm on %s\n", port)
			arms = append(arms, port)
		}
	}

	return arms
}

func isSOArm(servos []feetech.FoundServo) bool {
	if len(servos) != len(armIDs) {
		return false
	}

	ids := make(map[int]bool)
	for _, s := range servos {
		ids[s.ID] = true
	}
	for _, id := range armIDs {
		if !ids[int(id)] {
			return false
		}
	}
	return true
}

func identifyArmWithWiggle(ctx context.Context, port string, needLeader, needFollower bool) (string, error) {
	if err := wiggle(ctx, port); err != nil {
		logrus.WithFields(logrus.Fields{"port": port, "err": err}).Warn("wiggle failed")
	}

	// Build options based on what's still needed
	var options []huh.Option[string]
	if needLeader {
		options = append(options, huh.NewOption("Leader (the one you move by hand)", "leader"))
	}
	if needFollower {
		options = append(options, huh.NewOption("Follower (the one that follows)", "follower"))
	}
	options = append(options, huh.NewOption("Skip this arm", "skip"))

	var role string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title(fmt.Sprintf("Which arm is on %s?", port)).
				Description("The arm that just wiggled").
				Options(options...).
				Value(&role),
		),
	)
	if err := form.RunWithContext(ctx); err != nil {
		fmt.Println()
		return "", errSetupAborted
	}

	if role == "skip" {
		return "", nil
	}
	return role, nil
}

// wiggle nudges shoulder_pan back and forth so the operator can tell
// which physical arm sits on port.
func wiggle(ctx context.Context, port string) error {
	cfg := armBusConfig(port, port)
	cfg.IDs = armIDs[:1]

	p, err := robot.OpenPipeline(cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	state, err := p.ReadCycle(ctx)
	if err != nil {
		return err
	}
	origin := state[0].Value

	if err := p.Enable(ctx); err != nil {
		return err
	}
	defer p.Disable(ctx)

	fmt.Printf("\n  Wiggling arm on %s...\n", port)

	const wiggleAmount = 30
	const settle = 600 * time.Millisecond
	for _, target := range []float64{origin + wiggleAmount, origin - wiggleAmount, origin} {
		if err := p.WriteCycle(ctx, robot.GoalState{{ID: state[0].ID, Value: target}}); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(settle):
		}
	}
	return nil
}
