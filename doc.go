// Package armbus reads and commands Feetech STS/SCS servo buses in calibrated
// units, and couples a leader arm to a follower arm.
//
// # Installation
//
//	go install github.com/gwillem/armbus/cmd/armbus@latest
//
// # Usage
//
// Record the range of motion of the servos on one bus:
//
//	armbus calibrate /dev/ttyACM0 1 2 3 4 5 6 leader_calibration.json
//
// Or detect both arms, calibrate them and write armbus.json in one go:
//
//	armbus setup
//
// Then start teleoperation, or expose one arm over HTTP:
//
//	armbus teleoperate
//	armbus serve --arm follower --listen 127.0.0.1:8080
//
// # Packages
//
//   - cmd/armbus: CLI with calibrate, setup, read, teleoperate and serve commands
//   - pkg/protocol: Feetech frame codec
//   - pkg/calibration: calibration records, unit conversion and the calibrator
//   - pkg/robot: bus configuration, serial transport and the position pipeline
//   - pkg/teleop: leader-follower coupling and control loop
//   - pkg/bridge: latest-wins position and goal channels over a pipeline
//   - pkg/server: HTTP API over a bridge
package armbus
