package robot

import (
	"errors"
	"fmt"

	"github.com/gwillem/armbus/pkg/protocol"
)

// ErrUnknownServo is returned for a goal addressed to a servo the bus was not configured with.
var ErrUnknownServo = errors.New("servo not configured on bus")

// TransportError wraps a failed bus exchange.
type TransportError struct {
	Bus string
	Op  string // "read", "write" or "torque"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s: transport: %v", e.Bus, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// CalibrationMissingError reports a bus configured with a calibrated unit
// but no calibration, or without an entry for one of its servos.
type CalibrationMissingError struct {
	Bus   string
	ID    protocol.ServoID
	HasID bool
}

func (e *CalibrationMissingError) Error() string {
	if e.HasID {
		return fmt.Sprintf("%s: no calibration entry for servo %d", e.Bus, e.ID)
	}
	return fmt.Sprintf("%s: unit requires a calibration file", e.Bus)
}

// IsTransportError returns true if err comes from the bus transport.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
