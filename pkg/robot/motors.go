// Package robot runs calibrated read and write cycles against a Feetech servo bus.
package robot

import "fmt"

// MotorName identifies a joint of an SO-100/SO-101 arm.
type MotorName string

// Motor names for the SO-101 arm.
const (
	ShoulderPan  MotorName = "shoulder_pan"
	ShoulderLift MotorName = "shoulder_lift"
	ElbowFlex    MotorName = "elbow_flex"
	WristFlex    MotorName = "wrist_flex"
	WristRoll    MotorName = "wrist_roll"
	Gripper      MotorName = "gripper"
)

// AllMotors returns all motor names in order (matching servo IDs 1-6).
func AllMotors() []MotorName {
	return []MotorName{
		ShoulderPan,
		ShoulderLift,
		ElbowFlex,
		WristFlex,
		WristRoll,
		Gripper,
	}
}

// JointName labels the joint at position i of a bus's ID list. Buses with
// more joints than an SO-101 fall back to "joint_<i>".
func JointName(i int) string {
	motors := AllMotors()
	if i >= 0 && i < len(motors) {
		return string(motors[i])
	}
	return fmt.Sprintf("joint_%d", i)
}
