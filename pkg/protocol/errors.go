package protocol

import (
	"errors"
	"fmt"

	"github.com/hipsterbrown/feetech-servo/feetech"
)

// Sentinel errors.
var (
	// ErrProtocol is wrapped by every decode failure so callers can
	// classify an error as a bus wiring or ID problem with errors.Is.
	ErrProtocol      = errors.New("protocol error")
	ErrInvalidID     = errors.New("invalid servo ID")
	ErrDuplicateID   = errors.New("duplicate servo ID")
	ErrFrameTooLarge = errors.New("frame exceeds maximum length")
)

// ChecksumError reports a frame whose trailing checksum does not match its contents.
type ChecksumError struct {
	ID   ServoID // ID byte as found in the corrupted frame
	Want byte
	Got  byte
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch in frame from servo %d: expected 0x%02X, got 0x%02X", e.ID, e.Want, e.Got)
}

func (e *ChecksumError) Unwrap() error { return ErrProtocol }

// MissingServoError reports a queried servo that did not answer.
type MissingServoError struct {
	ID ServoID
}

func (e *MissingServoError) Error() string {
	return fmt.Sprintf("no response from servo %d", e.ID)
}

func (e *MissingServoError) Unwrap() error { return ErrProtocol }

// MalformedFrameError reports bytes that cannot be parsed as a status frame.
type MalformedFrameError struct {
	Offset int
	Reason string
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed frame at offset %d: %s", e.Offset, e.Reason)
}

func (e *MalformedFrameError) Unwrap() error { return ErrProtocol }

// ServoStatusError reports hardware status flags raised by a servo in its reply.
type ServoStatusError struct {
	ID     ServoID
	Status feetech.StatusError
}

func (e *ServoStatusError) Error() string {
	return fmt.Sprintf("servo %d: %s", e.ID, e.Status.Error())
}

func (e *ServoStatusError) Unwrap() error { return ErrProtocol }

// IsProtocolError returns true if err originates from frame decoding.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrProtocol)
}

// GetMissingServo extracts the missing servo ID from an error chain, if present.
func GetMissingServo(err error) (ServoID, bool) {
	var missing *MissingServoError
	if errors.As(err, &missing) {
		return missing.ID, true
	}
	return 0, false
}
