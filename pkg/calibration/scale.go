package calibration

import (
	"fmt"

	"github.com/gwillem/armbus/pkg/protocol"
	"github.com/hipsterbrown/feetech-servo/feetech"
)

// Scale is the encoder geometry of a servo model: how many ticks make a
// full turn and the largest raw position the servo reports.
type Scale struct {
	TicksPerRev int
	MaxRaw      protocol.RawPosition
}

// DefaultScale is the STS3215 encoder.
var DefaultScale = Scale{TicksPerRev: TicksPerRev, MaxRaw: MaxRaw}

// ScaleOf returns the scale of a feetech model. A nil model or one without
// a resolution falls back to DefaultScale.
func ScaleOf(m *feetech.Model) Scale {
	if m == nil || m.Resolution <= 0 || m.MaxPosition <= 0 {
		return DefaultScale
	}
	return Scale{TicksPerRev: m.Resolution, MaxRaw: protocol.RawPosition(m.MaxPosition)}
}

// FullRange is the entry covering every raw position of the scale.
func (s Scale) FullRange(id protocol.ServoID) Entry {
	return Entry{ID: id, Min: 0, Max: s.MaxRaw}
}

// ValidateEntry checks e against this scale's raw range.
func (s Scale) ValidateEntry(e Entry) error {
	if err := e.validateBounds(); err != nil {
		return err
	}
	if e.Max > s.MaxRaw {
		return fmt.Errorf("servo %d: max %d exceeds %d", e.ID, e.Max, s.MaxRaw)
	}
	return nil
}

// Validate checks every entry of c against this scale and rejects duplicate IDs.
func (s Scale) Validate(c *Calibration) error {
	seen := make(map[protocol.ServoID]bool, len(c.Servos))
	for _, e := range c.Servos {
		if err := s.ValidateEntry(e); err != nil {
			return err
		}
		if seen[e.ID] {
			return fmt.Errorf("servo %d: %w", e.ID, protocol.ErrDuplicateID)
		}
		seen[e.ID] = true
	}
	return nil
}
