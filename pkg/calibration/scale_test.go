package calibration

import (
	"errors"
	"math"
	"testing"

	"github.com/hipsterbrown/feetech-servo/feetech"
)

func TestScaleOf(t *testing.T) {
	tests := []struct {
		name  string
		model *feetech.Model
		want  Scale
	}{
		{"nil", nil, DefaultScale},
		{"sts3215", &feetech.ModelSTS3215, Scale{TicksPerRev: 4096, MaxRaw: 4095}},
		{"scs0009", &feetech.ModelSCS0009, Scale{TicksPerRev: 1024, MaxRaw: 1023}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ScaleOf(tt.model); got != tt.want {
				t.Errorf("ScaleOf = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestScale_SCS(t *testing.T) {
	scs := ScaleOf(&feetech.ModelSCS0009)
	e := Entry{ID: 1, Min: 12, Max: 1012}

	if got := scs.ToUnit(768, e, Degrees); math.Abs(got-90) > 1e-9 {
		t.Errorf("ToUnit degrees = %v, want 90", got)
	}
	if got := scs.ToUnit(768, e, Radians); math.Abs(got-math.Pi/2) > 1e-9 {
		t.Errorf("ToUnit radians = %v, want pi/2", got)
	}
	if raw, err := scs.FromUnit(-90, e, Degrees, Clamp); err != nil || raw != 256 {
		t.Errorf("FromUnit(-90) = %d, %v, want 256", raw, err)
	}

	raw, err := scs.FromUnit(3000, scs.FullRange(1), Raw, Clamp)
	var warn *ClampWarning
	if !errors.As(err, &warn) || raw != 1023 {
		t.Errorf("FromUnit raw 3000 = %d, %v, want 1023 with a clamp warning", raw, err)
	}
	var oor *OutOfRangeError
	if _, err := scs.FromUnit(3000, scs.FullRange(1), Raw, Reject); !errors.As(err, &oor) || oor.Max != 1023 {
		t.Errorf("reject: expected out of range up to 1023, got %v", err)
	}

	if lo, hi := scs.Range(e, Raw); lo != 0 || hi != 1023 {
		t.Errorf("Range raw = %v..%v, want 0..1023", lo, hi)
	}
	lo, hi := scs.Range(e, Degrees)
	if math.Abs(lo+175.78125) > 1e-9 || math.Abs(hi-175.78125) > 1e-9 {
		t.Errorf("Range degrees = %v..%v", lo, hi)
	}
}

func TestScale_Validate(t *testing.T) {
	scs := ScaleOf(&feetech.ModelSCS0009)
	tests := []struct {
		name    string
		servos  []Entry
		wantErr bool
	}{
		{"within range", []Entry{{ID: 1, Min: 0, Max: 1023}}, false},
		{"beyond model max", []Entry{{ID: 1, Min: 0, Max: 2048}}, true},
		{"empty span", []Entry{{ID: 1, Min: 500, Max: 500}}, true},
		{"duplicate", []Entry{{ID: 1, Min: 0, Max: 100}, {ID: 1, Min: 0, Max: 100}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := scs.Validate(&Calibration{Version: 1, Servos: tt.servos})
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	if err := DefaultScale.Validate(&Calibration{Servos: []Entry{{ID: 1, Min: 0, Max: 2048}}}); err != nil {
		t.Errorf("2048 is valid on the default scale: %v", err)
	}
}
