package domain

import (
	"errors"
	"fmt"
)

// ErrUnsupportedColumn is returned when a structured query predicate is
// attempted against a column type that cannot support it, e.g. a pattern
// query against an opaque serialized blob. Callers can branch on it with
// errors.Is instead of parsing message text.
var ErrUnsupportedColumn = errors.New("structured query is not supported for this column type")

// UnknownTypeError reports a version whose recorded type or stored
// discriminator cannot be mapped to a registered type during reification.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown record type %q", e.Type)
}

// ConfigError reports an invalid per-type registration. Raised at setup
// time, never during normal operation.
type ConfigError struct {
	Type   string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid tracking configuration for %q: %s", e.Type, e.Reason)
}
