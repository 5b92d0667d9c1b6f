package robot

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/gwillem/armbus/pkg/calibration"
	"github.com/gwillem/armbus/pkg/protocol"
	"github.com/hipsterbrown/feetech-servo/feetech"
)

const DefaultConfigFile = "armbus.json"

// DefaultHz is the control loop rate when none is configured.
const DefaultHz = 60

// Config holds the leader and follower bus settings.
type Config struct {
	Leader    BusConfig          `json:"leader"`
	Follower  BusConfig          `json:"follower"`
	Hz        int                `json:"hz,omitempty"`
	MirrorIDs []protocol.ServoID `json:"mirror_ids,omitempty"`
}

// BusConfig holds configuration for a single bus.
type BusConfig struct {
	Name            string                  `json:"-"`
	Port            string                  `json:"port"`
	IDs             []protocol.ServoID      `json:"ids"`
	Units           calibration.Unit        `json:"units"`
	CalibrationFile string                  `json:"calibration_file,omitempty"`
	BaudRate        int                     `json:"baud_rate,omitempty"`
	Protocol        string                  `json:"protocol,omitempty"` // sts or scs
	Model           string                  `json:"model,omitempty"`
	TimeoutMs       int                     `json:"timeout_ms,omitempty"`
	ClampPolicy     calibration.ClampPolicy `json:"clamp_policy"`
}

// IsCalibrated returns true if the bus has a calibration file configured.
func (b *BusConfig) IsCalibrated() bool {
	return b.CalibrationFile != ""
}

// ProtocolVersion returns the feetech protocol variant.
func (b *BusConfig) ProtocolVersion() (int, error) {
	switch strings.ToLower(b.Protocol) {
	case "", "sts":
		return feetech.ProtocolSTS, nil
	case "scs":
		return feetech.ProtocolSCS, nil
	}
	return 0, pkgerrors.Errorf("%s: unknown protocol %q (want sts or scs)", b.Name, b.Protocol)
}

// ServoModel returns the configured servo model, STS3215 by default.
func (b *BusConfig) ServoModel() (*feetech.Model, error) {
	if b.Model == "" {
		return &feetech.ModelSTS3215, nil
	}
	m, ok := feetech.GetModel(strings.ToLower(b.Model))
	if !ok {
		return nil, pkgerrors.Errorf("%s: unknown servo model %q", b.Name, b.Model)
	}
	return m, nil
}

// Timeout returns the bus round-trip timeout.
func (b *BusConfig) Timeout() time.Duration {
	if b.TimeoutMs <= 0 {
		return 50 * time.Millisecond
	}
	return time.Duration(b.TimeoutMs) * time.Millisecond
}

// Validate checks the bus settings once at startup.
func (b *BusConfig) Validate() error {
	if len(b.IDs) == 0 {
		return pkgerrors.Errorf("%s: no servo IDs configured", b.Name)
	}
	seen := make(map[protocol.ServoID]bool, len(b.IDs))
	for _, id := range b.IDs {
		if id > feetech.MaxServoID {
			return pkgerrors.Wrapf(protocol.ErrInvalidID, "%s: servo %d", b.Name, id)
		}
		if seen[id] {
			return pkgerrors.Wrapf(protocol.ErrDuplicateID, "%s: servo %d", b.Name, id)
		}
		seen[id] = true
	}
	if _, err := b.ProtocolVersion(); err != nil {
		return err
	}
	if _, err := b.ServoModel(); err != nil {
		return err
	}
	return nil
}

// LogrusFields returns the bus settings as log fields.
func (b *BusConfig) LogrusFields() logrus.Fields {
	return logrus.Fields{
		"bus":         b.Name,
		"port":        b.Port,
		"ids":         b.IDs,
		"units":       b.Units.String(),
		"calibration": b.CalibrationFile,
		"clampPolicy": b.ClampPolicy.String(),
	}
}

// ControlHz returns the configured loop rate.
func (c *Config) ControlHz() int {
	if c.Hz <= 0 {
		return DefaultHz
	}
	return c.Hz
}

// Bus returns the settings for "leader" or "follower".
func (c *Config) Bus(name string) (*BusConfig, error) {
	switch name {
	case "leader":
		return &c.Leader, nil
	case "follower":
		return &c.Follower, nil
	}
	return nil, pkgerrors.Errorf("unknown arm %q (want leader or follower)", name)
}

// LoadConfig loads configuration from the default config file
func LoadConfig() (*Config, error) {
	return LoadConfigFrom(DefaultConfigFile)
}

// LoadConfigFrom loads configuration from a specific file
func LoadConfigFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to read config file %s", path)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal config from file %s", path)
	}
	cfg.Leader.Name = "leader"
	cfg.Follower.Name = "follower"
	return &cfg, nil
}

// SaveTo saves configuration to a specific file
func (c *Config) SaveTo(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return pkgerrors.Wrap(err, "failed to encode config")
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0644); err != nil {
		return pkgerrors.Wrapf(err, "failed to write config file %s", path)
	}
	return nil
}

// ConfigExists returns true if the config file exists
func ConfigExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
