package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a YAML or JSON file into v, choosing the decoder by
// extension and trying YAML then JSON for anything else.
func LoadFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	return ParseFile(data, path, v)
}

// ParseFile decodes data as LoadFile would decode the file filename.
// Unknown keys are an error so that a misspelled option is not silently
// ignored.
func ParseFile(data []byte, filename string, v any) error {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".json":
		return parseJSON(data, v)
	case ".yaml", ".yml":
		return parseYAML(data, v)
	}
	if err := parseYAML(data, v); err != nil {
		if err2 := parseJSON(data, v); err2 != nil {
			return fmt.Errorf("failed to parse %s (tried YAML and JSON): %w", filename, err)
		}
	}
	return nil
}

func parseYAML(data []byte, v any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

func parseJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("failed to parse JSON: %w", err)
	}
	return nil
}
