// Package registry holds the per-type tracking configuration: options,
// declared relationships, attribute schemas and subtype resolution. It is
// populated once at setup and read-only afterwards.
package registry

import (
	"fmt"
	"sync"

	"github.com/jgrady/chronicle/internal/domain"
)

// RelationKind enumerates the relationship shapes the reifier understands.
type RelationKind int

const (
	BelongsTo RelationKind = iota
	HasOne
	HasMany
	HasManyThrough
	HasAndBelongsToMany
)

func (k RelationKind) String() string {
	switch k {
	case BelongsTo:
		return "belongs_to"
	case HasOne:
		return "has_one"
	case HasMany:
		return "has_many"
	case HasManyThrough:
		return "has_many_through"
	case HasAndBelongsToMany:
		return "has_and_belongs_to_many"
	}
	return "unknown"
}

// Relation declares one relationship on a record type.
type Relation struct {
	Name string
	Kind RelationKind

	// TargetType is the related record type. Empty only for polymorphic
	// belongs-to, where the target comes from the TypeKey attribute.
	TargetType string

	// ForeignKey is the attribute holding the related id: on the owning
	// record for belongs-to, on the child record for has-one/has-many.
	ForeignKey string

	// TypeKey is the attribute holding the target type name for a
	// polymorphic belongs-to.
	TypeKey     string
	Polymorphic bool

	// Through and Source describe a has-many-through: Through names a
	// relation on this type, Source a relation on the through type.
	Through string
	Source  string

	// Capture opts a has-and-belongs-to-many relation into association
	// snapshotting at save time.
	Capture bool
}

// TypeInfo is one registered record type.
type TypeInfo struct {
	Name string

	// Attributes lists the live schema's persisted columns. The reifier
	// uses it to null out attributes absent from an old snapshot.
	Attributes []string

	// SubtypeAttribute names the attribute carrying the concrete runtime
	// type for single-table-inheritance hierarchies. Empty when unused.
	SubtypeAttribute string

	Options   domain.TrackingOptions
	Relations []Relation

	// New constructs a blank record of this type. Optional; the registry
	// falls back to a bare Record.
	New func() *domain.Record
}

// Relation returns the named relation, if declared.
func (t *TypeInfo) Relation(name string) (Relation, bool) {
	for _, rel := range t.Relations {
		if rel.Name == name {
			return rel, true
		}
	}
	return Relation{}, false
}

// HasAttribute reports whether the live schema declares the attribute.
func (t *TypeInfo) HasAttribute(name string) bool {
	for _, attr := range t.Attributes {
		if attr == name {
			return true
		}
	}
	return false
}

// NewRecord constructs a blank record of this type.
func (t *TypeInfo) NewRecord() *domain.Record {
	if t.New != nil {
		return t.New()
	}
	return &domain.Record{Type: t.Name, Attributes: make(map[string]any)}
}

// Registry maps type names to their tracking configuration.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*TypeInfo
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{types: make(map[string]*TypeInfo)}
}

// Register validates and installs a type. Configuration errors are fatal at
// setup time.
func (r *Registry) Register(info TypeInfo) error {
	if info.Name == "" {
		return &domain.ConfigError{Type: info.Name, Reason: "type name is required"}
	}
	for _, event := range info.Options.On {
		if !knownEvent(event) {
			return &domain.ConfigError{
				Type:   info.Name,
				Reason: fmt.Sprintf("unknown event %q in on option", event),
			}
		}
	}
	if info.Options.VersionLimit != nil && *info.Options.VersionLimit < 0 {
		return &domain.ConfigError{Type: info.Name, Reason: "version limit must not be negative"}
	}
	for _, rel := range info.Relations {
		if err := validateRelation(info, rel); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.types[info.Name]; dup {
		return &domain.ConfigError{Type: info.Name, Reason: "type registered twice"}
	}
	copied := info
	if copied.Options.VersionsAssociationName == "" {
		copied.Options.VersionsAssociationName = "versions"
	}
	r.types[info.Name] = &copied
	return nil
}

func validateRelation(info TypeInfo, rel Relation) error {
	fail := func(reason string) error {
		return &domain.ConfigError{
			Type:   info.Name,
			Reason: fmt.Sprintf("relation %q: %s", rel.Name, reason),
		}
	}
	if rel.Name == "" {
		return fail("name is required")
	}
	switch rel.Kind {
	case BelongsTo:
		if rel.ForeignKey == "" {
			return fail("belongs_to requires a foreign key attribute")
		}
		if rel.Polymorphic && rel.TypeKey == "" {
			return fail("polymorphic belongs_to requires a type key attribute")
		}
		if !rel.Polymorphic && rel.TargetType == "" {
			return fail("belongs_to requires a target type")
		}
	case HasOne, HasMany:
		if rel.TargetType == "" || rel.ForeignKey == "" {
			return fail(rel.Kind.String() + " requires a target type and the child foreign key")
		}
	case HasManyThrough:
		if rel.Through == "" || rel.Source == "" {
			return fail("has_many_through requires through and source relations")
		}
		if _, ok := findRelation(info.Relations, rel.Through); !ok {
			return fail(fmt.Sprintf("through relation %q is not declared", rel.Through))
		}
	case HasAndBelongsToMany:
		if rel.TargetType == "" {
			return fail("has_and_belongs_to_many requires a target type")
		}
	default:
		return fail("unknown relation kind")
	}
	return nil
}

func findRelation(rels []Relation, name string) (Relation, bool) {
	for _, rel := range rels {
		if rel.Name == name {
			return rel, true
		}
	}
	return Relation{}, false
}

func knownEvent(event domain.Event) bool {
	for _, e := range domain.KnownEvents {
		if e == event {
			return true
		}
	}
	return false
}

// Lookup returns the configuration for a type name.
func (r *Registry) Lookup(name string) (*TypeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.types[name]
	return info, ok
}

// Tracked reports whether the type is under version tracking.
func (r *Registry) Tracked(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// ResolveType maps a version's recorded type and stored subtype to the type
// that should be instantiated during reification: the stored discriminator
// wins unless blank, then the recorded type. Unresolvable values are a hard
// failure.
func (r *Registry) ResolveType(recordedType, storedSubtype string) (*TypeInfo, error) {
	if storedSubtype != "" {
		if info, ok := r.Lookup(storedSubtype); ok {
			return info, nil
		}
		return nil, &domain.UnknownTypeError{Type: storedSubtype}
	}
	if info, ok := r.Lookup(recordedType); ok {
		return info, nil
	}
	return nil, &domain.UnknownTypeError{Type: recordedType}
}
