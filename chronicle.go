// Package chronicle is an embeddable audit-trail engine. It records
// versions of application records as they are created, updated and
// destroyed, reconstructs past states of a record and its relationships,
// and prunes old history under a retention policy.
package chronicle

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jgrady/chronicle/internal/actor"
	"github.com/jgrady/chronicle/internal/changeset"
	"github.com/jgrady/chronicle/internal/domain"
	"github.com/jgrady/chronicle/internal/registry"
	"github.com/jgrady/chronicle/internal/reify"
	"github.com/jgrady/chronicle/internal/store"
	"github.com/jgrady/chronicle/internal/trail"
	"github.com/jgrady/chronicle/pkg/serializer"
)

// Re-exported domain types. The engine's methods speak in these.
type (
	Record          = domain.Record
	Version         = domain.Version
	Change          = domain.Change
	ChangeSet       = domain.ChangeSet
	TrackingOptions = domain.TrackingOptions
	TypeInfo        = registry.TypeInfo
	Relation        = registry.Relation
	ReifyOptions    = reify.Options
	CleanFilter     = store.CleanFilter
)

// Relation kinds, for TypeInfo declarations.
const (
	BelongsTo           = registry.BelongsTo
	HasOne              = registry.HasOne
	HasMany             = registry.HasMany
	HasManyThrough      = registry.HasManyThrough
	HasAndBelongsToMany = registry.HasAndBelongsToMany
)

// Engine bundles the recording, query, reification and retention surfaces
// over one registry and one set of stores.
type Engine struct {
	registry *registry.Registry
	trail    *trail.Trail
	reifier  *reify.Reifier
	cleaner  *store.Cleaner
	versions store.MaintenanceStore
}

type engineConfig struct {
	versions     store.MaintenanceStore
	associations store.AssociationStore
	live         store.LiveStore
	codec        serializer.Serializer
	log          *zap.Logger
}

// Option configures an Engine.
type Option func(*engineConfig)

// WithStores uses the given version, association and live stores instead of
// the default shared in-memory store.
func WithStores(versions store.MaintenanceStore, associations store.AssociationStore, live store.LiveStore) Option {
	return func(c *engineConfig) {
		c.versions = versions
		c.associations = associations
		c.live = live
	}
}

// WithSerializer sets the snapshot codec. Defaults to JSON.
func WithSerializer(codec serializer.Serializer) Option {
	return func(c *engineConfig) { c.codec = codec }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *engineConfig) { c.log = log }
}

// New builds an engine. Without options it runs fully in memory, which is
// the right shape for tests and small embedded uses; production callers
// pass WithStores over a Postgres-backed store.
func New(opts ...Option) *Engine {
	cfg := engineConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.versions == nil {
		mem := store.NewMemory(cfg.codec)
		cfg.versions = mem
		cfg.associations = mem.Associations()
		cfg.live = mem
	}

	reg := registry.New()
	return &Engine{
		registry: reg,
		trail:    trail.New(reg, cfg.versions, cfg.associations, cfg.codec, cfg.log),
		reifier:  reify.New(reg, cfg.versions, cfg.associations, cfg.live, cfg.codec, cfg.log),
		cleaner:  store.NewCleaner(cfg.versions, cfg.log),
		versions: cfg.versions,
	}
}

// Register declares a tracked type. Registration order does not matter;
// relations may reference types registered later.
func (e *Engine) Register(info TypeInfo) error {
	return e.registry.Register(info)
}

// Begin opens a unit of work: versions recorded under the returned context
// share one transaction id.
func Begin(ctx context.Context) context.Context {
	return actor.Begin(ctx)
}

// WithWhodunnit attributes subsequent versions to the given actor.
func WithWhodunnit(ctx context.Context, who string) context.Context {
	return actor.WithWhodunnit(ctx, who)
}

// WithMeta merges metadata onto subsequent versions.
func WithMeta(ctx context.Context, meta map[string]any) context.Context {
	return actor.WithMeta(ctx, meta)
}

// WithDisabled suspends recording under the returned context.
func WithDisabled(ctx context.Context) context.Context {
	return actor.WithDisabled(ctx)
}

// WithEnabled resumes recording under the returned context.
func WithEnabled(ctx context.Context) context.Context {
	return actor.WithEnabled(ctx)
}

// WithTypeDisabled suspends recording for one type only.
func WithTypeDisabled(ctx context.Context, typeName string) context.Context {
	return actor.WithTypeDisabled(ctx, typeName)
}

// RecordCreate records a create version. The changes map the record's
// attributes against their previous absence; nil means synthesize it from
// the record.
func (e *Engine) RecordCreate(ctx context.Context, rec *Record, changes ChangeSet) (*Version, error) {
	var reporter changeset.ChangeReporter
	if changes != nil {
		reporter = changeset.StaticChanges(changes)
	}
	return e.trail.RecordCreate(ctx, rec, reporter)
}

// RecordUpdate records an update version when the mutation is notable.
// A (nil, nil) return is the expected not-notable outcome.
func (e *Engine) RecordUpdate(ctx context.Context, rec *Record, changes ChangeSet) (*Version, error) {
	return e.trail.RecordUpdate(ctx, rec, changeset.StaticChanges(changes))
}

// RecordDestroy records a destroy version with the record's full final state.
func (e *Engine) RecordDestroy(ctx context.Context, rec *Record) (*Version, error) {
	return e.trail.RecordDestroy(ctx, rec)
}

// Touch force-records an update version with no dirty state.
func (e *Engine) Touch(ctx context.Context, rec *Record) (*Version, error) {
	return e.trail.Touch(ctx, rec)
}

// Versions returns a record's full history, ascending.
func (e *Engine) Versions(ctx context.Context, itemType, itemID string) ([]*Version, error) {
	return e.trail.Versions(ctx, itemType, itemID)
}

// VersionAt returns the version holding the record's state as of the given
// instant, or nil when the live record already is that state.
func (e *Engine) VersionAt(ctx context.Context, itemType, itemID string, at time.Time) (*Version, error) {
	return e.trail.VersionAt(ctx, itemType, itemID, at)
}

// Originator returns the actor on the record's most recent version.
func (e *Engine) Originator(ctx context.Context, itemType, itemID string) (string, error) {
	return e.trail.Originator(ctx, itemType, itemID)
}

// Reify reconstructs the record a version describes, optionally walking its
// relationships as of the same instant.
func (e *Engine) Reify(ctx context.Context, v *Version, opts ReifyOptions) (*Record, error) {
	return e.reifier.Reify(ctx, v, opts)
}

// WhereObjectContains finds versions whose snapshot carried all the given
// attribute values.
func (e *Engine) WhereObjectContains(ctx context.Context, itemType string, attrs map[string]any) ([]*Version, error) {
	return e.versions.WhereObjectContains(ctx, itemType, attrs)
}

// WhereChangedAttribute finds versions whose diff touched the attribute.
func (e *Engine) WhereChangedAttribute(ctx context.Context, itemType, attribute string) ([]*Version, error) {
	return e.versions.WhereChangedAttribute(ctx, itemType, attribute)
}

// WhereChangeFrom finds versions where the attribute changed away from the
// value; WhereChangeTo, where it changed to it.
func (e *Engine) WhereChangeFrom(ctx context.Context, itemType, attribute string, value any) ([]*Version, error) {
	return e.versions.WhereChangeFrom(ctx, itemType, attribute, value)
}

func (e *Engine) WhereChangeTo(ctx context.Context, itemType, attribute string, value any) ([]*Version, error) {
	return e.versions.WhereChangeTo(ctx, itemType, attribute, value)
}

// Clean applies the retention policy: per version group, keep the newest
// keepN non-create versions and delete the older excess. Create versions and
// each group's newest version always survive.
func (e *Engine) Clean(ctx context.Context, keepN int, filter CleanFilter) (int, error) {
	return e.cleaner.Clean(ctx, keepN, filter)
}
