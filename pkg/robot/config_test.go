package robot

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/gwillem/armbus/pkg/calibration"
	"github.com/gwillem/armbus/pkg/protocol"
	"github.com/hipsterbrown/feetech-servo/feetech"
)

func TestLoadConfigFrom(t *testing.T) {
	path := filepath.Join(t.TempDir(), "armbus.json")
	data := `{
  "leader": {
    "port": "/dev/ttyACM0",
    "ids": [1, 2, 3, 4, 5, 6],
    "units": "normalize",
    "calibration_file": "leader_calibration.json"
  },
  "follower": {
    "port": "/dev/ttyACM1",
    "ids": [1, 2, 3, 4, 5, 6],
    "units": "normalized",
    "calibration_file": "follower_calibration.json",
    "clamp_policy": "reject",
    "timeout_ms": 20
  },
  "hz": 100,
  "mirror_ids": [1, 5]
}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfigFrom(path)
	if err != nil {
		t.Fatalf("LoadConfigFrom failed: %v", err)
	}

	if cfg.Leader.Name != "leader" || cfg.Follower.Name != "follower" {
		t.Errorf("bus names = %q, %q", cfg.Leader.Name, cfg.Follower.Name)
	}
	if cfg.Leader.Units != calibration.Normalized {
		t.Errorf("leader units = %v, want normalized", cfg.Leader.Units)
	}
	if cfg.Leader.ClampPolicy != calibration.Clamp {
		t.Errorf("leader clamp policy = %v, want clamp", cfg.Leader.ClampPolicy)
	}
	if cfg.Follower.ClampPolicy != calibration.Reject {
		t.Errorf("follower clamp policy = %v, want reject", cfg.Follower.ClampPolicy)
	}
	if cfg.Follower.Timeout().Milliseconds() != 20 {
		t.Errorf("follower timeout = %v, want 20ms", cfg.Follower.Timeout())
	}
	if cfg.ControlHz() != 100 {
		t.Errorf("hz = %d, want 100", cfg.ControlHz())
	}
	if len(cfg.MirrorIDs) != 2 || cfg.MirrorIDs[1] != 5 {
		t.Errorf("mirror IDs = %v", cfg.MirrorIDs)
	}
	if err := cfg.Leader.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestLoadConfigFrom_BadUnit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "armbus.json")
	os.WriteFile(path, []byte(`{"leader":{"ids":[1],"units":"furlongs"}}`), 0644)

	if _, err := LoadConfigFrom(path); err == nil {
		t.Error("expected error for unknown unit")
	}
}

func TestConfig_SaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "armbus.json")

	cfg := &Config{
		Leader: BusConfig{
			Port:  "/dev/ttyACM0",
			IDs:   []protocol.ServoID{1, 2},
			Units: calibration.Degrees,
		},
		Hz: 30,
	}
	if err := cfg.SaveTo(path); err != nil {
		t.Fatalf("SaveTo failed: %v", err)
	}
	if !ConfigExists(path) {
		t.Fatal("config file not written")
	}

	loaded, err := LoadConfigFrom(path)
	if err != nil {
		t.Fatalf("LoadConfigFrom failed: %v", err)
	}
	if loaded.Leader.Units != calibration.Degrees || loaded.Leader.Port != "/dev/ttyACM0" || loaded.Hz != 30 {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestBusConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  BusConfig
		want error
	}{
		{"no ids", BusConfig{Name: "leader"}, nil},
		{"duplicate", BusConfig{Name: "leader", IDs: []protocol.ServoID{1, 2, 1}}, protocol.ErrDuplicateID},
		{"broadcast", BusConfig{Name: "leader", IDs: []protocol.ServoID{feetech.BroadcastID}}, protocol.ErrInvalidID},
		{"protocol", BusConfig{Name: "leader", IDs: []protocol.ServoID{1}, Protocol: "dxl"}, nil},
		{"model", BusConfig{Name: "leader", IDs: []protocol.ServoID{1}, Model: "xl330"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestBusConfig_ServoModel(t *testing.T) {
	cfg := BusConfig{Model: "scs0009"}
	m, err := cfg.ServoModel()
	if err != nil {
		t.Fatalf("ServoModel failed: %v", err)
	}
	if m.MaxPosition != 1023 {
		t.Errorf("max position = %d, want 1023", m.MaxPosition)
	}

	var def BusConfig
	if m, _ := def.ServoModel(); m.Name != "sts3215" {
		t.Errorf("default model = %s, want sts3215", m.Name)
	}
}

func TestConfig_Bus(t *testing.T) {
	cfg := &Config{}
	if _, err := cfg.Bus("middle"); err == nil {
		t.Error("expected error for unknown arm")
	}
	b, err := cfg.Bus("follower")
	if err != nil || b != &cfg.Follower {
		t.Errorf("Bus(follower) = %p, %v", b, err)
	}
}
