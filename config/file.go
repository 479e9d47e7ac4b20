package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFile decodes the YAML file at path into dst. Keys absent from the
// file leave dst unchanged. Unknown keys are rejected.
func LoadFile(path string, dst any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return Decode(data, dst)
}

// Decode decodes YAML data into dst. Empty input is not an error.
func Decode(data []byte, dst any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

// Load applies the file at path, when path is not empty, and then overlays
// environment variables for stage with the default prefix.
func Load(path, stage string, dst any) error {
	if path != "" {
		if err := LoadFile(path, dst); err != nil {
			return err
		}
	}
	return LoadEnv(stage, dst)
}
