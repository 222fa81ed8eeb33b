package serializer

import (
	"encoding/json"
	"fmt"
)

// JSON is the default codec. Its output is valid JSONB input, so stores with
// structured columns can push queries down natively.
type JSON struct{}

func (JSON) Dump(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json: %w", err)
	}
	return data, nil
}

func (JSON) Load(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode json: %w", err)
	}
	return nil
}

// ContainsPattern builds a LIKE pattern for a JSON-encoded text column.
// String values are matched surrounded by quotes, everything else by its
// literal JSON encoding.
func (j JSON) ContainsPattern(attribute string, value any) (string, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("failed to encode json pattern value: %w", err)
	}
	key, err := json.Marshal(attribute)
	if err != nil {
		return "", fmt.Errorf("failed to encode json pattern key: %w", err)
	}
	return "%" + string(key) + ":" + string(encoded) + "%", nil
}
