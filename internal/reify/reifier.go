// Package reify reconstructs a record, and optionally its relationships, as
// it existed at a past instant, from the version log and the association
// index.
package reify

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jgrady/chronicle/internal/domain"
	"github.com/jgrady/chronicle/internal/registry"
	"github.com/jgrady/chronicle/internal/store"
	"github.com/jgrady/chronicle/pkg/serializer"
)

// UnversionedMode controls attributes present on the live schema but absent
// from an old snapshot.
type UnversionedMode int

const (
	// UnversionedNull zeroes such attributes on the reconstruction.
	UnversionedNull UnversionedMode = iota
	// UnversionedPreserve leaves them at their current live value.
	UnversionedPreserve
)

// Options steers one reification.
type Options struct {
	// VersionAt is the logical "as of" instant. Zero defaults to the
	// version's own timestamp.
	VersionAt time.Time

	// MarkForDestruction soft-flags records that did not exist at the
	// instant instead of omitting them.
	MarkForDestruction bool

	// Relationship kinds to recursively reify.
	BelongsTo           bool
	HasOne              bool
	HasMany             bool
	HasAndBelongsToMany bool

	// Dup forces a fresh in-memory reconstruction even when the live row
	// still exists.
	Dup bool

	Unversioned UnversionedMode

	// Depth bounds the relationship walk. Zero means the default of one
	// level; nested resolution always runs with the remaining depth, so
	// the graph never expands past the requested horizon (or cycles).
	Depth int
}

func (o Options) normalized(v *domain.Version) Options {
	if o.VersionAt.IsZero() {
		o.VersionAt = v.CreatedAt
	}
	if o.Depth == 0 {
		o.Depth = 1
	}
	return o
}

func (o Options) descend() Options {
	next := o
	next.Depth--
	return next
}

// Reifier rebuilds historical record graphs.
type Reifier struct {
	registry     *registry.Registry
	versions     store.VersionStore
	associations store.AssociationStore
	live         store.LiveStore
	codec        serializer.Serializer
	log          *zap.Logger
}

// New wires a reifier.
func New(reg *registry.Registry, versions store.VersionStore, associations store.AssociationStore, live store.LiveStore, codec serializer.Serializer, log *zap.Logger) *Reifier {
	if codec == nil {
		codec = serializer.JSON{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reifier{
		registry:     reg,
		versions:     versions,
		associations: associations,
		live:         live,
		codec:        codec,
		log:          log,
	}
}

// Reify reconstructs the record a version describes. A version with no
// snapshot (the create-preceding phantom) yields (nil, nil): there is
// nothing to reconstruct and that is not an error.
func (r *Reifier) Reify(ctx context.Context, v *domain.Version, opts Options) (*domain.Record, error) {
	return r.reify(ctx, v, opts.normalized(v), newLiveLoader(r.live))
}

func (r *Reifier) reify(ctx context.Context, v *domain.Version, opts Options, loader *liveLoader) (*domain.Record, error) {
	if !v.HasObject() {
		return nil, nil
	}

	var snapshot map[string]any
	if err := r.codec.Load(v.Object, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot for version %s: %w", v.ID, err)
	}

	info, discriminator, err := r.resolveType(v, snapshot)
	if err != nil {
		return nil, err
	}

	rec, err := r.instantiate(ctx, info, v, opts)
	if err != nil {
		return nil, err
	}
	if discriminator != "" && discriminator != info.Name {
		rec.Subtype = discriminator
	}

	if opts.Unversioned == UnversionedNull {
		for _, attr := range info.Attributes {
			if _, present := snapshot[attr]; !present {
				rec.SetAttribute(attr, nil)
			}
		}
	}

	for name, value := range snapshot {
		if len(info.Attributes) > 0 && !info.HasAttribute(name) {
			r.log.Warn("snapshot attribute has no live property, skipping",
				zap.String("item_type", info.Name),
				zap.String("attribute", name),
			)
			continue
		}
		rec.SetAttribute(name, value)
	}

	rec.Transient = true
	rec.SourceVersion = v

	if opts.Depth > 0 {
		if err := r.resolveRelations(ctx, rec, info, v, opts, loader); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// resolveType applies the two-step discriminator rule: the snapshot's own
// stored discriminator wins, a blank one falls back to the recorded type.
func (r *Reifier) resolveType(v *domain.Version, snapshot map[string]any) (*registry.TypeInfo, string, error) {
	discriminator := v.ItemSubtype
	if base, ok := r.registry.Lookup(v.ItemType); ok && base.SubtypeAttribute != "" {
		if stored, present := snapshot[base.SubtypeAttribute]; present {
			if s, ok := stored.(string); ok && s != "" {
				discriminator = s
			}
		}
	}
	if discriminator == v.ItemType {
		discriminator = ""
	}
	info, err := r.registry.ResolveType(v.ItemType, discriminator)
	if err != nil {
		return nil, "", err
	}
	return info, discriminator, nil
}

// instantiate prefers the still-live row unless a fresh duplicate was
// requested; preservation of unversioned attributes only makes sense when
// starting from the live row.
func (r *Reifier) instantiate(ctx context.Context, info *registry.TypeInfo, v *domain.Version, opts Options) (*domain.Record, error) {
	if !opts.Dup {
		live, err := r.live.Find(ctx, info.Name, v.ItemID)
		if err != nil {
			return nil, fmt.Errorf("failed to load live record: %w", err)
		}
		if live != nil {
			return live, nil
		}
	}
	rec := info.NewRecord()
	rec.ID = v.ItemID
	return rec, nil
}

func (r *Reifier) resolveRelations(ctx context.Context, rec *domain.Record, info *registry.TypeInfo, v *domain.Version, opts Options, loader *liveLoader) error {
	for _, rel := range info.Relations {
		var err error
		switch rel.Kind {
		case registry.BelongsTo:
			if opts.BelongsTo {
				err = r.resolveBelongsTo(ctx, rec, rel, v, opts, loader)
			}
		case registry.HasOne:
			if opts.HasOne {
				err = r.resolveHasOne(ctx, rec, rel, v, opts, loader)
			}
		case registry.HasMany:
			if opts.HasMany {
				var collection []*domain.Record
				collection, err = r.resolveHasMany(ctx, rec, rel, v, opts, loader)
				if err == nil {
					rec.SetCollection(rel.Name, collection)
				}
			}
		case registry.HasManyThrough:
			if opts.HasMany {
				err = r.resolveHasManyThrough(ctx, rec, info, rel, v, opts, loader)
			}
		case registry.HasAndBelongsToMany:
			if opts.HasAndBelongsToMany {
				err = r.resolveHabtm(ctx, rec, rel, v, opts, loader)
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// qualifyingVersion finds the earliest version of a related record at or
// after the instant, or inside the transaction being reified: how the
// related record looked just before it next changed.
func (r *Reifier) qualifyingVersion(ctx context.Context, itemType, itemID string, opts Options, txn uuid.UUID) (*domain.Version, error) {
	return r.versions.FirstAtOrAfter(ctx, itemType, itemID, opts.VersionAt, txn)
}

func (r *Reifier) resolveBelongsTo(ctx context.Context, rec *domain.Record, rel registry.Relation, v *domain.Version, opts Options, loader *liveLoader) error {
	fkID := rec.StringAttribute(rel.ForeignKey)
	targetType := rel.TargetType
	if rel.Polymorphic {
		targetType = rec.StringAttribute(rel.TypeKey)
	}
	if fkID == "" || targetType == "" {
		rec.SetRelated(rel.Name, nil)
		return nil
	}

	if !r.registry.Tracked(targetType) {
		live, err := loader.Load(ctx, targetType, fkID)
		if err != nil {
			return err
		}
		rec.SetRelated(rel.Name, live)
		return nil
	}

	qv, err := r.qualifyingVersion(ctx, targetType, fkID, opts, v.TransactionID)
	if err != nil {
		return err
	}
	if qv == nil {
		live, err := loader.Load(ctx, targetType, fkID)
		if err != nil {
			return err
		}
		rec.SetRelated(rel.Name, live)
		return nil
	}

	related, err := r.reify(ctx, qv, opts.descend(), loader)
	if err != nil {
		return err
	}
	rec.SetRelated(rel.Name, related)
	return nil
}

func (r *Reifier) resolveHasOne(ctx context.Context, rec *domain.Record, rel registry.Relation, v *domain.Version, opts Options, loader *liveLoader) error {
	byChild, err := r.associations.QualifyingChildVersions(ctx, store.ChildQuery{
		ForeignKeyName: rel.ForeignKey,
		ForeignKeyID:   rec.ID,
		ChildType:      rel.TargetType,
		At:             opts.VersionAt,
		TransactionID:  v.TransactionID,
	})
	if err != nil {
		return err
	}

	var qv *domain.Version
	for _, candidate := range byChild {
		if qv == nil || candidate.Ordinal < qv.Ordinal {
			qv = candidate
		}
	}

	liveChild, err := r.liveChild(ctx, rel, rec.ID)
	if err != nil {
		return err
	}

	if qv == nil {
		// Unchanged since the instant: the live child stands.
		rec.SetRelated(rel.Name, liveChild)
		return nil
	}

	if qv.Event == string(domain.EventCreate) {
		// The child did not exist yet at this instant.
		if opts.MarkForDestruction && liveChild != nil {
			liveChild.MarkedForDestruction = true
			rec.SetRelated(rel.Name, liveChild)
		} else {
			rec.SetRelated(rel.Name, nil)
		}
		return nil
	}

	child, err := r.reify(ctx, qv, opts.descend(), loader)
	if err != nil {
		return err
	}
	rec.SetRelated(rel.Name, child)
	return nil
}

func (r *Reifier) liveChild(ctx context.Context, rel registry.Relation, parentID string) (*domain.Record, error) {
	children, err := r.live.FindByAttribute(ctx, rel.TargetType, rel.ForeignKey, parentID)
	if err != nil {
		return nil, err
	}
	if len(children) == 0 {
		return nil, nil
	}
	return children[0], nil
}

// resolveHasMany reconciles the live collection against the qualifying
// child versions. Per child the states are: unchanged-since (no version),
// not-yet-existing (create version), historical (reified snapshot), and
// fully historical rows with no live counterpart are reified and appended.
func (r *Reifier) resolveHasMany(ctx context.Context, rec *domain.Record, rel registry.Relation, v *domain.Version, opts Options, loader *liveLoader) ([]*domain.Record, error) {
	byChild, err := r.associations.QualifyingChildVersions(ctx, store.ChildQuery{
		ForeignKeyName: rel.ForeignKey,
		ForeignKeyID:   rec.ID,
		ChildType:      rel.TargetType,
		At:             opts.VersionAt,
		TransactionID:  v.TransactionID,
	})
	if err != nil {
		return nil, err
	}

	liveRows, err := r.live.FindByAttribute(ctx, rel.TargetType, rel.ForeignKey, rec.ID)
	if err != nil {
		return nil, err
	}

	collection := make([]*domain.Record, 0, len(liveRows))
	for _, row := range liveRows {
		qv, changed := byChild[row.ID]
		if !changed {
			collection = append(collection, row)
			continue
		}
		delete(byChild, row.ID)

		if qv.Event == string(domain.EventCreate) {
			if opts.MarkForDestruction {
				row.MarkedForDestruction = true
				collection = append(collection, row)
			}
			continue
		}

		child, err := r.reify(ctx, qv, opts.descend(), loader)
		if err != nil {
			return nil, err
		}
		if child != nil {
			collection = append(collection, child)
		}
	}

	// Remaining groups are rows that no longer exist live; reify them from
	// their snapshots, in version order for determinism.
	remaining := make([]*domain.Version, 0, len(byChild))
	for _, qv := range byChild {
		remaining = append(remaining, qv)
	}
	sort.Slice(remaining, func(i, j int) bool { return remaining[i].Ordinal < remaining[j].Ordinal })
	for _, qv := range remaining {
		if qv.Event == string(domain.EventCreate) {
			continue
		}
		child, err := r.reify(ctx, qv, opts.descend(), loader)
		if err != nil {
			return nil, err
		}
		if child != nil {
			collection = append(collection, child)
		}
	}
	return collection, nil
}

func (r *Reifier) resolveHasManyThrough(ctx context.Context, rec *domain.Record, info *registry.TypeInfo, rel registry.Relation, v *domain.Version, opts Options, loader *liveLoader) error {
	throughRel, ok := info.Relation(rel.Through)
	if !ok {
		return fmt.Errorf("through relation %q not declared on %q", rel.Through, info.Name)
	}
	throughInfo, ok := r.registry.Lookup(throughRel.TargetType)
	if !ok {
		return &domain.UnknownTypeError{Type: throughRel.TargetType}
	}
	sourceRel, ok := throughInfo.Relation(rel.Source)
	if !ok {
		return fmt.Errorf("source relation %q not declared on %q", rel.Source, throughInfo.Name)
	}

	throughRows, err := r.resolveHasMany(ctx, rec, throughRel, v, opts, loader)
	if err != nil {
		return err
	}

	var collection []*domain.Record
	if sourceRel.Kind == registry.BelongsTo {
		// Resolve target ids off the through rows, then repair each with
		// the qualifying-version state machine against the target type.
		seen := make(map[string]struct{})
		for _, row := range throughRows {
			targetID := row.StringAttribute(sourceRel.ForeignKey)
			if targetID == "" {
				continue
			}
			if _, dup := seen[targetID]; dup {
				continue
			}
			seen[targetID] = struct{}{}

			target, err := r.repairTarget(ctx, sourceRel.TargetType, targetID, v, opts, loader)
			if err != nil {
				return err
			}
			if target != nil {
				collection = append(collection, target)
			}
		}
	} else {
		for _, row := range throughRows {
			nested, err := r.resolveHasMany(ctx, row, sourceRel, v, opts, loader)
			if err != nil {
				return err
			}
			collection = append(collection, nested...)
		}
	}

	rec.SetCollection(rel.Name, collection)
	return nil
}

// repairTarget applies the qualifying-version state machine to one target
// id: no version means the live row is unchanged since the instant, a
// create version means the row did not exist yet, anything else reifies.
func (r *Reifier) repairTarget(ctx context.Context, targetType, targetID string, v *domain.Version, opts Options, loader *liveLoader) (*domain.Record, error) {
	if !r.registry.Tracked(targetType) {
		return loader.Load(ctx, targetType, targetID)
	}
	qv, err := r.qualifyingVersion(ctx, targetType, targetID, opts, v.TransactionID)
	if err != nil {
		return nil, err
	}
	if qv == nil {
		return loader.Load(ctx, targetType, targetID)
	}
	if qv.Event == string(domain.EventCreate) {
		if opts.MarkForDestruction {
			live, err := loader.Load(ctx, targetType, targetID)
			if err != nil {
				return nil, err
			}
			if live != nil {
				live.MarkedForDestruction = true
			}
			return live, nil
		}
		return nil, nil
	}
	return r.reify(ctx, qv, opts.descend(), loader)
}

func (r *Reifier) resolveHabtm(ctx context.Context, rec *domain.Record, rel registry.Relation, v *domain.Version, opts Options, loader *liveLoader) error {
	ids, err := r.associations.RelatedIDs(ctx, rel.Name, v.ID, v.TransactionID)
	if err != nil {
		return err
	}

	var collection []*domain.Record
	for _, id := range ids {
		related, err := r.repairTarget(ctx, rel.TargetType, id, v, opts, loader)
		if err != nil {
			return err
		}
		if related != nil {
			collection = append(collection, related)
		}
	}
	rec.SetCollection(rel.Name, collection)
	return nil
}
