package calibration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// CurrentVersion is the calibration file schema written by Save.
// Files without a version field predate versioning and load as version 1.
const CurrentVersion = 1

// UnsupportedVersionError reports a file written by a newer schema.
type UnsupportedVersionError struct {
	Version int
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported calibration file version %d (max %d)", e.Version, CurrentVersion)
}

type calibrationFile struct {
	Version *int    `json:"version"`
	Servos  []Entry `json:"servos"`
}

// Decode reads and validates a calibration document.
func Decode(r io.Reader) (*Calibration, error) {
	var f calibrationFile
	dec := json.NewDecoder(r)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse calibration JSON: %w", err)
	}

	version := 1
	if f.Version != nil {
		version = *f.Version
	}
	if version < 1 || version > CurrentVersion {
		return nil, &UnsupportedVersionError{Version: version}
	}

	cal := &Calibration{Version: version, Servos: f.Servos}
	if err := cal.Validate(); err != nil {
		return nil, fmt.Errorf("invalid calibration: %w", err)
	}
	return cal, nil
}

// Encode writes cal as indented JSON.
func Encode(w io.Writer, cal *Calibration) error {
	if err := cal.Validate(); err != nil {
		return fmt.Errorf("invalid calibration: %w", err)
	}

	out := *cal
	if out.Version == 0 {
		out.Version = CurrentVersion
	}
	if out.Servos == nil {
		out.Servos = []Entry{}
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// Load reads a calibration file from disk.
func Load(path string) (*Calibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read calibration file: %w", err)
	}
	cal, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cal, nil
}

// Save writes a calibration file to disk.
func Save(path string, cal *Calibration) error {
	var buf bytes.Buffer
	if err := Encode(&buf, cal); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("write calibration file: %w", err)
	}
	return nil
}
