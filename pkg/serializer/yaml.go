package serializer

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// YAML encodes snapshots as YAML documents. Only usable with opaque text
// columns; structured pushdown queries are unsupported against it except
// for the contains-pattern fallback below.
type YAML struct{}

func (YAML) Dump(value any) ([]byte, error) {
	data, err := yaml.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode yaml: %w", err)
	}
	return data, nil
}

func (YAML) Load(data []byte, out any) error {
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode yaml: %w", err)
	}
	return nil
}

// ContainsPattern builds a LIKE pattern for a YAML-encoded text column,
// matching the "key: value" line the attribute serializes to.
func (YAML) ContainsPattern(attribute string, value any) (string, error) {
	encoded, err := yaml.Marshal(map[string]any{attribute: value})
	if err != nil {
		return "", fmt.Errorf("failed to encode yaml pattern: %w", err)
	}
	line := strings.TrimRight(string(encoded), "\n")
	return "%" + line + "%", nil
}
