package domain

// Predicate gates an option against the record at mutation time.
type Predicate func(*Record) bool

// AttributeFilter names an attribute in an ignore/only list. When When is
// non-nil the entry only takes effect if the predicate holds for the record
// being mutated.
type AttributeFilter struct {
	Name string
	When Predicate
}

// Attr is shorthand for an unconditional attribute filter.
func Attr(name string) AttributeFilter {
	return AttributeFilter{Name: name}
}

// AttrIf is shorthand for a conditional attribute filter.
func AttrIf(name string, when Predicate) AttributeFilter {
	return AttributeFilter{Name: name, When: when}
}

// TrackingOptions is the per-type configuration fixed at registration time.
// It is immutable after setup and safe to share across goroutines.
type TrackingOptions struct {
	// On limits which events are tracked. Empty means all of
	// create/update/destroy.
	On []Event

	// Ignore lists attributes whose changes do not by themselves warrant a
	// version. An ignored change piggybacking on a tracked change is still
	// recorded in the diff-free sense described by the notability rule.
	Ignore []AttributeFilter

	// Only, when non-empty, is an allow-list: changes to any other
	// attribute never count toward notability.
	Only []AttributeFilter

	// Skip lists attributes excluded from stored snapshots and diffs
	// entirely, in addition to never triggering a version.
	Skip []string

	// Meta declares extra metadata fields merged into every version.
	Meta map[string]MetaSource

	// If and Unless gate version creation for the whole type.
	If     Predicate
	Unless Predicate

	// VersionLimit caps retained non-create versions per record; the excess
	// is trimmed oldest-first after each new version is persisted. Nil means
	// unlimited.
	VersionLimit *int

	// VersionsAssociationName is the name under which the host application
	// exposes a record's history. The engine addresses history by type and
	// id; this is registration metadata for hosts that surface it under a
	// custom name. Empty means "versions".
	VersionsAssociationName string

	// TimestampAttributes names automatic touch columns (updated-at style)
	// that never make an otherwise-ignorable mutation notable. Defaults to
	// DefaultTimestampAttributes when empty.
	TimestampAttributes []string
}

// DefaultTimestampAttributes is the conventional automatic touch column set.
var DefaultTimestampAttributes = []string{"updated_at"}

// Timestamps returns the effective automatic timestamp attribute set.
func (o TrackingOptions) Timestamps() []string {
	if len(o.TimestampAttributes) > 0 {
		return o.TimestampAttributes
	}
	return DefaultTimestampAttributes
}

// TracksEvent reports whether the given event is subscribed.
func (o TrackingOptions) TracksEvent(event Event) bool {
	if len(o.On) == 0 {
		return true
	}
	for _, e := range o.On {
		if e == event {
			return true
		}
	}
	return false
}

// Permits evaluates the If/Unless gates for a record.
func (o TrackingOptions) Permits(rec *Record) bool {
	if o.If != nil && !o.If(rec) {
		return false
	}
	if o.Unless != nil && o.Unless(rec) {
		return false
	}
	return true
}
