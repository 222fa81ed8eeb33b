// Package trail observes record mutations and turns the notable ones into
// persisted versions plus association-index rows. It runs inline on the
// caller's goroutine as part of the host application's save lifecycle.
package trail

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jgrady/chronicle/internal/actor"
	"github.com/jgrady/chronicle/internal/changeset"
	"github.com/jgrady/chronicle/internal/domain"
	"github.com/jgrady/chronicle/internal/event"
	"github.com/jgrady/chronicle/internal/registry"
	"github.com/jgrady/chronicle/internal/store"
	"github.com/jgrady/chronicle/pkg/serializer"
)

// Trail is the recording front door.
type Trail struct {
	registry     *registry.Registry
	versions     store.VersionStore
	associations store.AssociationStore
	builder      *event.Builder
	log          *zap.Logger
}

// New wires a trail over the given registry and stores.
func New(reg *registry.Registry, versions store.VersionStore, associations store.AssociationStore, codec serializer.Serializer, log *zap.Logger) *Trail {
	if log == nil {
		log = zap.NewNop()
	}
	return &Trail{
		registry:     reg,
		versions:     versions,
		associations: associations,
		builder:      event.NewBuilder(codec, log),
		log:          log,
	}
}

// gate resolves the type configuration and evaluates the enable toggles and
// on/if/unless options. A false result is the normal "nothing to record"
// outcome, not an error.
func (t *Trail) gate(ctx context.Context, rec *domain.Record, ev domain.Event) (*registry.TypeInfo, bool) {
	info, ok := t.registry.Lookup(rec.Type)
	if !ok {
		return nil, false
	}
	if !actor.Enabled(ctx, rec.Type) {
		return nil, false
	}
	if !info.Options.TracksEvent(ev) {
		return nil, false
	}
	if !info.Options.Permits(rec) {
		return nil, false
	}
	return info, true
}

// RecordCreate records a version for a newly created record. The reporter
// may be nil, in which case the diff is synthesized from the record's
// attributes (everything changed from nil).
func (t *Trail) RecordCreate(ctx context.Context, rec *domain.Record, reporter changeset.ChangeReporter) (*domain.Version, error) {
	info, ok := t.gate(ctx, rec, domain.EventCreate)
	if !ok {
		return nil, nil
	}
	if reporter == nil {
		raw := make(domain.ChangeSet, len(rec.Attributes))
		for name, value := range rec.Attributes {
			raw[name] = domain.Change{Old: nil, New: value}
		}
		reporter = changeset.StaticChanges(raw)
	}
	res := changeset.Extract(rec, info.Options, reporter)

	v, err := t.builder.Create(ctx, info, rec, res)
	if err != nil {
		return nil, err
	}
	return t.persist(ctx, info, rec, v)
}

// RecordUpdate records a version for an updated record when the mutation is
// notable. Returns (nil, nil) for the expected not-notable outcome.
func (t *Trail) RecordUpdate(ctx context.Context, rec *domain.Record, reporter changeset.ChangeReporter) (*domain.Version, error) {
	info, ok := t.gate(ctx, rec, domain.EventUpdate)
	if !ok {
		return nil, nil
	}
	if reporter == nil {
		reporter = changeset.StaticChanges(nil)
	}
	raw := reporter.Changes()
	res := changeset.Extract(rec, info.Options, changeset.StaticChanges(raw))
	if !res.Notable {
		return nil, nil
	}

	v, err := t.builder.Update(ctx, info, rec, raw, res)
	if err != nil {
		return nil, err
	}
	return t.persist(ctx, info, rec, v)
}

// Touch force-records an update version despite the absence of dirty state,
// bypassing the notability gate entirely.
func (t *Trail) Touch(ctx context.Context, rec *domain.Record) (*domain.Version, error) {
	info, ok := t.gate(ctx, rec, domain.EventUpdate)
	if !ok {
		return nil, nil
	}
	v, err := t.builder.Update(ctx, info, rec, domain.ChangeSet{}, changeset.Result{Changes: domain.ChangeSet{}})
	if err != nil {
		return nil, err
	}
	return t.persist(ctx, info, rec, v)
}

// RecordDestroy records a version for a destroyed record, snapshotting its
// full final state. The version write is checked before any association
// bookkeeping happens, so a failed write cannot leave partial side effects.
func (t *Trail) RecordDestroy(ctx context.Context, rec *domain.Record) (*domain.Version, error) {
	info, ok := t.gate(ctx, rec, domain.EventDestroy)
	if !ok {
		return nil, nil
	}
	v, err := t.builder.Destroy(ctx, info, rec)
	if err != nil {
		return nil, err
	}
	persisted, err := t.persist(ctx, info, rec, v)
	if err != nil {
		t.log.Error("destroy version write failed",
			zap.String("item_type", rec.Type),
			zap.String("item_id", rec.ID),
			zap.Error(err),
		)
		return nil, err
	}
	return persisted, nil
}

// persist appends the version, claims the unit of work's transaction id
// (first version in wins, idempotently) and writes the association-index
// rows.
func (t *Trail) persist(ctx context.Context, info *registry.TypeInfo, rec *domain.Record, v *domain.Version) (*domain.Version, error) {
	if existing := actor.TransactionID(ctx); existing != uuid.Nil {
		v.TransactionID = existing
	}

	if err := t.versions.Append(ctx, v); err != nil {
		return nil, fmt.Errorf("failed to persist version: %w", err)
	}

	effective := actor.ClaimTransactionID(ctx, v.ID)
	if effective != v.TransactionID {
		v.TransactionID = effective
		if err := t.versions.SetTransactionID(ctx, v.ID, effective); err != nil {
			return nil, fmt.Errorf("failed to back-fill transaction id: %w", err)
		}
	}

	for _, a := range t.builder.Associations(info, rec, t.registry.Tracked) {
		a.VersionID = v.ID
		a.TransactionID = v.TransactionID
		if err := t.associations.Append(ctx, a); err != nil {
			return v, fmt.Errorf("failed to persist version association: %w", err)
		}
	}

	if err := t.enforceVersionLimit(ctx, info, rec); err != nil {
		return v, err
	}
	return v, nil
}

// enforceVersionLimit trims a record's history down to the type's version
// limit after each write: the oldest non-create versions beyond the limit go,
// creates and the newest version never do. Requires a store with a delete
// surface; a read-only store simply accumulates.
func (t *Trail) enforceVersionLimit(ctx context.Context, info *registry.TypeInfo, rec *domain.Record) error {
	limit := info.Options.VersionLimit
	if limit == nil {
		return nil
	}
	maint, ok := t.versions.(store.MaintenanceStore)
	if !ok {
		return nil
	}

	history, err := t.versions.ForItem(ctx, rec.Type, rec.ID)
	if err != nil {
		return fmt.Errorf("failed to load history for version limit: %w", err)
	}
	if len(history) == 0 {
		return nil
	}
	newest := history[len(history)-1]

	var nonCreates []*domain.Version
	for _, old := range history {
		if old.Event != string(domain.EventCreate) && old.ID != newest.ID {
			nonCreates = append(nonCreates, old)
		}
	}
	keep := *limit
	if newest.Event != string(domain.EventCreate) {
		keep--
	}
	if keep < 0 {
		keep = 0
	}
	excess := len(nonCreates) - keep
	if excess <= 0 {
		return nil
	}

	ids := make([]uuid.UUID, 0, excess)
	for _, old := range nonCreates[:excess] {
		ids = append(ids, old.ID)
	}
	if err := maint.DeleteVersions(ctx, ids); err != nil {
		return fmt.Errorf("failed to enforce version limit: %w", err)
	}
	t.log.Debug("trimmed history to version limit",
		zap.String("item_type", rec.Type),
		zap.String("item_id", rec.ID),
		zap.Int("deleted", len(ids)),
	)
	return nil
}

// Versions returns a record's full history, ascending.
func (t *Trail) Versions(ctx context.Context, itemType, itemID string) ([]*domain.Version, error) {
	return t.versions.ForItem(ctx, itemType, itemID)
}

// Originator returns the actor recorded on a record's most recent version,
// or "" when the record has no history.
func (t *Trail) Originator(ctx context.Context, itemType, itemID string) (string, error) {
	history, err := t.versions.ForItem(ctx, itemType, itemID)
	if err != nil {
		return "", err
	}
	if len(history) == 0 {
		return "", nil
	}
	return history[len(history)-1].Whodunnit, nil
}

// VersionAt returns the version describing the record's state as of the
// given instant: the first version written strictly after it. Nil means the
// live record already is the state at that instant.
func (t *Trail) VersionAt(ctx context.Context, itemType, itemID string, at time.Time) (*domain.Version, error) {
	later, err := t.versions.Subsequent(ctx, itemType, itemID, domain.Point{At: at})
	if err != nil {
		return nil, err
	}
	if len(later) == 0 {
		return nil, nil
	}
	return later[0], nil
}
