package alm

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadTables reads keyword tables from a YAML file. Sections missing from
// the file keep their built-in values.
func LoadTables(path string) (Tables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Tables{}, err
	}
	return ParseTables(data)
}

func ParseTables(data []byte) (Tables, error) {
	var in Tables
	if err := yaml.Unmarshal(data, &in); err != nil {
		return Tables{}, fmt.Errorf("classifier tables: %w", err)
	}
	out := DefaultTables()
	if len(in.Phases) > 0 {
		out.Phases = in.Phases
	}
	if len(in.KeyInfo) > 0 {
		out.KeyInfo = in.KeyInfo
	}
	if len(in.Objections) > 0 {
		out.Objections = in.Objections
	}
	if len(in.Positive) > 0 {
		out.Positive = in.Positive
	}
	if len(in.Negative) > 0 {
		out.Negative = in.Negative
	}
	if len(in.Avoid) > 0 {
		out.Avoid = in.Avoid
	}
	return out, nil
}
