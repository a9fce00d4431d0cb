package pricing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type tableFile struct {
	Records []Record `yaml:"records"`
}

// LoadFile reads a YAML pricing table. The file replaces the built-in
// defaults entirely so operators control exactly which rates apply.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing table %q: %w", path, err)
	}

	var parsed tableFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse pricing table %q: %w", path, err)
	}
	if len(parsed.Records) == 0 {
		return nil, fmt.Errorf("pricing table %q contains no records", path)
	}

	table, err := NewTable(parsed.Records...)
	if err != nil {
		return nil, fmt.Errorf("pricing table %q: %w", path, err)
	}
	return table, nil
}
