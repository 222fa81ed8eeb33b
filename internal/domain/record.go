package domain

// Record is the engine's view of one tracked domain object: a stable identity,
// a type discriminator and a bag of attribute values. The host application
// owns the real object; the engine only observes and reconstructs.
type Record struct {
	Type       string
	Subtype    string // concrete runtime type when it differs from Type (STI)
	ID         string
	Attributes map[string]any

	// Associations holds the current related-id sets per relationship name.
	// Only relationships that opt into association capture (many-to-many)
	// need to be populated by the caller at save time.
	Associations map[string][]string

	// EventName optionally overrides the event string recorded on the next
	// version written for this record.
	EventName string

	// Transient marks an in-memory reconstruction that must never be
	// persisted. Store save paths check it and refuse.
	Transient bool

	// MarkedForDestruction soft-flags a record the reifier determined did
	// not exist at the reified instant, when the caller asked for marking
	// instead of omission.
	MarkedForDestruction bool

	// SourceVersion back-references the version a reified record was built
	// from. Nil on live records.
	SourceVersion *Version

	// Related and Collections hold reified relationship results, keyed by
	// relationship name. A present key with a nil/empty value means the
	// relationship was resolved and found absent at the reified instant.
	Related     map[string]*Record
	Collections map[string][]*Record
}

// Attribute returns the named attribute value and whether it is present.
func (r *Record) Attribute(name string) (any, bool) {
	if r.Attributes == nil {
		return nil, false
	}
	v, ok := r.Attributes[name]
	return v, ok
}

// StringAttribute returns the named attribute coerced to a string. Nil and
// missing values return "".
func (r *Record) StringAttribute(name string) string {
	v, ok := r.Attribute(name)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// SetAttribute assigns an attribute value, allocating the map if needed.
func (r *Record) SetAttribute(name string, value any) {
	if r.Attributes == nil {
		r.Attributes = make(map[string]any)
	}
	r.Attributes[name] = value
}

// SetRelated stores a singular reified relationship result.
func (r *Record) SetRelated(name string, rec *Record) {
	if r.Related == nil {
		r.Related = make(map[string]*Record)
	}
	r.Related[name] = rec
}

// SetCollection stores a plural reified relationship result.
func (r *Record) SetCollection(name string, recs []*Record) {
	if r.Collections == nil {
		r.Collections = make(map[string][]*Record)
	}
	r.Collections[name] = recs
}

// Clone returns a deep-enough copy: the attribute map is copied, values are
// shared. Relationship results and the source-version tag are not carried
// over.
func (r *Record) Clone() *Record {
	attrs := make(map[string]any, len(r.Attributes))
	for k, v := range r.Attributes {
		attrs[k] = v
	}
	var assocs map[string][]string
	if r.Associations != nil {
		assocs = make(map[string][]string, len(r.Associations))
		for k, ids := range r.Associations {
			assocs[k] = append([]string(nil), ids...)
		}
	}
	return &Record{
		Type:         r.Type,
		Subtype:      r.Subtype,
		ID:           r.ID,
		Attributes:   attrs,
		Associations: assocs,
		Transient:    r.Transient,
	}
}
