// Package serializer converts attribute maps to and from their storable
// representation. The engine treats the codec as pluggable: swapping it only
// affects new rows, and old rows stay readable only if the new codec still
// decodes the old format.
package serializer

// Serializer encodes and decodes stored snapshot and diff columns.
type Serializer interface {
	Dump(value any) ([]byte, error)
	Load(data []byte, out any) error
}

// PatternMatcher is implemented by serializers whose text encoding supports
// building a substring pattern for "object contains attribute=value"
// queries against an opaque text column. Stores fall back to
// domain.ErrUnsupportedColumn when the configured serializer does not
// implement it.
type PatternMatcher interface {
	// ContainsPattern returns a SQL LIKE pattern matching rows whose
	// encoded object contains the given attribute with the given value.
	ContainsPattern(attribute string, value any) (string, error)
}
