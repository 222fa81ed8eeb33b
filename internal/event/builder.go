// Package event assembles the literal version rows persisted for create,
// update and destroy mutations.
package event

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jgrady/chronicle/internal/actor"
	"github.com/jgrady/chronicle/internal/changeset"
	"github.com/jgrady/chronicle/internal/domain"
	"github.com/jgrady/chronicle/internal/registry"
	"github.com/jgrady/chronicle/pkg/serializer"
)

// Builder turns records and change sets into version rows.
type Builder struct {
	codec serializer.Serializer
	log   *zap.Logger
}

// NewBuilder wires a builder over the configured codec.
func NewBuilder(codec serializer.Serializer, log *zap.Logger) *Builder {
	if codec == nil {
		codec = serializer.JSON{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Builder{codec: codec, log: log}
}

func (b *Builder) base(ctx context.Context, info *registry.TypeInfo, rec *domain.Record, raw domain.ChangeSet, event domain.Event) *domain.Version {
	v := &domain.Version{
		ID:        uuid.New(),
		ItemType:  info.Name,
		ItemID:    rec.ID,
		Event:     eventName(rec, event),
		Whodunnit: actor.Whodunnit(ctx),
	}
	if info.SubtypeAttribute != "" && rec.Subtype != "" {
		v.ItemSubtype = rec.Subtype
	}

	meta := make(map[string]any)
	for name, source := range info.Options.Meta {
		meta[name] = source.Resolve(rec, raw, event)
	}
	for name, value := range actor.Meta(ctx) {
		meta[name] = value
	}
	if len(meta) > 0 {
		v.Meta = meta
	}
	return v
}

func eventName(rec *domain.Record, event domain.Event) string {
	if rec.EventName != "" {
		return rec.EventName
	}
	return string(event)
}

// Create builds the version recording a record's creation. There is no
// before-state, so the snapshot column stays empty; the diff is stored only
// when the mutation was notable.
func (b *Builder) Create(ctx context.Context, info *registry.TypeInfo, rec *domain.Record, res changeset.Result) (*domain.Version, error) {
	v := b.base(ctx, info, rec, res.Changes, domain.EventCreate)
	v.CreatedAt = recordTimestamp(rec, info.Options.Timestamps())

	if res.Notable && len(res.Changes) > 0 {
		encoded, err := b.codec.Dump(res.Changes.Pairs())
		if err != nil {
			return nil, fmt.Errorf("failed to encode create diff: %w", err)
		}
		v.ObjectChanges = encoded
	}
	return v, nil
}

// Update builds the version recording an update: the snapshot is the
// pre-change state, reconstructed by substituting the oracle's old values
// into the current persisted attributes; the diff is the filtered change
// set.
func (b *Builder) Update(ctx context.Context, info *registry.TypeInfo, rec *domain.Record, raw domain.ChangeSet, res changeset.Result) (*domain.Version, error) {
	v := b.base(ctx, info, rec, raw, domain.EventUpdate)

	before := changeset.FilterSnapshot(rec.Attributes, info.Options)
	for name, change := range raw {
		if _, present := before[name]; present {
			before[name] = change.Old
		}
	}
	encoded, err := b.codec.Dump(before)
	if err != nil {
		return nil, fmt.Errorf("failed to encode update snapshot: %w", err)
	}
	v.Object = encoded

	if len(res.Changes) > 0 {
		diff, err := b.codec.Dump(res.Changes.Pairs())
		if err != nil {
			return nil, fmt.Errorf("failed to encode update diff: %w", err)
		}
		v.ObjectChanges = diff
	}
	return v, nil
}

// Destroy builds the version recording a deletion. The dirty-tracking
// oracle reports nothing on destroy, so the full current state becomes the
// snapshot and the diff is synthesized as {attr: [current, nil]}.
func (b *Builder) Destroy(ctx context.Context, info *registry.TypeInfo, rec *domain.Record) (*domain.Version, error) {
	snapshot := changeset.FilterSnapshot(rec.Attributes, info.Options)

	synthetic := make(domain.ChangeSet, len(snapshot))
	for name, value := range snapshot {
		synthetic[name] = domain.Change{Old: value, New: nil}
	}

	v := b.base(ctx, info, rec, synthetic, domain.EventDestroy)

	encoded, err := b.codec.Dump(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to encode destroy snapshot: %w", err)
	}
	v.Object = encoded

	diff, err := b.codec.Dump(synthetic.Pairs())
	if err != nil {
		return nil, fmt.Errorf("failed to encode destroy diff: %w", err)
	}
	v.ObjectChanges = diff
	return v, nil
}

// Associations captures the current foreign-key state for every tracked
// belongs-to and every opted-in many-to-many relation. VersionID and
// TransactionID are filled in after the owning version persists.
func (b *Builder) Associations(info *registry.TypeInfo, rec *domain.Record, tracked func(typeName string) bool) []*domain.VersionAssociation {
	var out []*domain.VersionAssociation
	for _, rel := range info.Relations {
		switch rel.Kind {
		case registry.BelongsTo:
			targetType := rel.TargetType
			if rel.Polymorphic {
				targetType = rec.StringAttribute(rel.TypeKey)
			}
			if targetType == "" || !tracked(targetType) {
				continue
			}
			fkID := rec.StringAttribute(rel.ForeignKey)
			if fkID == "" {
				continue
			}
			out = append(out, &domain.VersionAssociation{
				ForeignKeyName: rel.ForeignKey,
				ForeignKeyID:   fkID,
				ForeignType:    targetType,
			})
		case registry.HasAndBelongsToMany:
			if !rel.Capture {
				continue
			}
			for _, id := range rec.Associations[rel.Name] {
				out = append(out, &domain.VersionAssociation{
					ForeignKeyName: rel.Name,
					ForeignKeyID:   id,
					ForeignType:    rel.TargetType,
				})
			}
		}
	}
	return out
}

// recordTimestamp mirrors the record's own automatic timestamp when one is
// present and parseable, so a create version lines up with the row it
// describes.
func recordTimestamp(rec *domain.Record, timestampAttrs []string) time.Time {
	for _, name := range timestampAttrs {
		value, ok := rec.Attribute(name)
		if !ok || value == nil {
			continue
		}
		switch t := value.(type) {
		case time.Time:
			return t
		case string:
			if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
				return parsed
			}
			if parsed, err := time.Parse(time.RFC3339, t); err == nil {
				return parsed
			}
		}
	}
	return time.Time{}
}
