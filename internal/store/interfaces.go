// Package store defines the persistence surface for versions, association
// index rows and live records, with an in-memory implementation for
// embedding/tests and a Postgres implementation for production.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jgrady/chronicle/internal/domain"
)

// VersionStore is the append-only ordered log of versions plus its temporal
// query surface. Versions for one item are totally ordered by
// (created_at, ordinal); the ordinal breaks ties between versions sharing a
// coarse timestamp and stores must never order by created_at alone.
type VersionStore interface {
	// Append inserts a version, assigning its ordinal. Constraint
	// violations propagate unchanged.
	Append(ctx context.Context, v *domain.Version) error

	// SetTransactionID back-fills the transaction id on a persisted row.
	SetTransactionID(ctx context.Context, versionID, transactionID uuid.UUID) error

	// ForItem returns an item's full history, ascending.
	ForItem(ctx context.Context, itemType, itemID string) ([]*domain.Version, error)

	// Subsequent returns versions strictly after the point, ascending.
	Subsequent(ctx context.Context, itemType, itemID string, p domain.Point) ([]*domain.Version, error)

	// Preceding returns versions strictly before the point, descending.
	Preceding(ctx context.Context, itemType, itemID string, p domain.Point) ([]*domain.Version, error)

	// Between returns versions strictly inside the open interval, ascending.
	Between(ctx context.Context, itemType, itemID string, start, end time.Time) ([]*domain.Version, error)

	// IndexOf returns a version's 0-based ordinal position within its
	// item's full history.
	IndexOf(ctx context.Context, v *domain.Version) (int, error)

	// FirstAtOrAfter returns the earliest version of an item whose
	// timestamp is at or after the instant, or which belongs to the given
	// transaction. Nil when the item has no qualifying version.
	FirstAtOrAfter(ctx context.Context, itemType, itemID string, at time.Time, transactionID uuid.UUID) (*domain.Version, error)

	// Structured queries over the serialized snapshot/diff columns. When
	// the underlying column cannot support the predicate the store returns
	// domain.ErrUnsupportedColumn rather than silently wrong results.
	WhereObjectContains(ctx context.Context, itemType string, attrs map[string]any) ([]*domain.Version, error)
	WhereChangedAttribute(ctx context.Context, itemType, attribute string) ([]*domain.Version, error)
	WhereChangeFrom(ctx context.Context, itemType, attribute string, value any) ([]*domain.Version, error)
	WhereChangeTo(ctx context.Context, itemType, attribute string, value any) ([]*domain.Version, error)
}

// ItemRef identifies one record's version group.
type ItemRef struct {
	Type string
	ID   string
}

// CleanFilter narrows the cleaner's candidate set.
type CleanFilter struct {
	ItemType string
	ItemIDs  []string
	// Date restricts deletable versions to those created on this calendar
	// day (in the date's location).
	Date *time.Time
}

// MaintenanceStore is the extra surface the retention cleaner needs.
type MaintenanceStore interface {
	VersionStore

	// ItemGroups lists the distinct (type, id) groups matching the filter.
	ItemGroups(ctx context.Context, filter CleanFilter) ([]ItemRef, error)

	// DeleteVersions removes versions by id, cascading their association
	// index rows.
	DeleteVersions(ctx context.Context, ids []uuid.UUID) error
}

// ChildQuery asks the association index for the earliest qualifying version
// per child record of a parent, keyed through the foreign-key join rather
// than current-state foreign keys.
type ChildQuery struct {
	ForeignKeyName string
	ForeignKeyID   string
	ChildType      string
	At             time.Time
	TransactionID  uuid.UUID
}

// AssociationStore persists and queries the version association index.
type AssociationStore interface {
	Append(ctx context.Context, a *domain.VersionAssociation) error

	// QualifyingChildVersions returns, grouped by child item id, the
	// earliest child version at or after the instant (or inside the
	// transaction), via the association join.
	QualifyingChildVersions(ctx context.Context, q ChildQuery) (map[string]*domain.Version, error)

	// RelatedIDs returns the foreign-key ids captured for a named
	// many-to-many relation on the given version or transaction.
	RelatedIDs(ctx context.Context, foreignKeyName string, versionID, transactionID uuid.UUID) ([]string, error)
}

// LiveStore reads and writes the host application's current records. Find
// returns (nil, nil) for a missing row; absence is never an error. Save
// must refuse transient (reified) records.
type LiveStore interface {
	Find(ctx context.Context, typeName, id string) (*domain.Record, error)
	FindMany(ctx context.Context, typeName string, ids []string) ([]*domain.Record, error)
	FindByAttribute(ctx context.Context, typeName, attribute, value string) ([]*domain.Record, error)
	Save(ctx context.Context, rec *domain.Record) error
	Delete(ctx context.Context, typeName, id string) error
}

// Next returns the version immediately after v in its item's history, or nil
// at the live tail.
func Next(ctx context.Context, s VersionStore, v *domain.Version) (*domain.Version, error) {
	later, err := s.Subsequent(ctx, v.ItemType, v.ItemID, domain.PointOf(v))
	if err != nil {
		return nil, err
	}
	if len(later) == 0 {
		return nil, nil
	}
	return later[0], nil
}

// Previous returns the version immediately before v, or nil at the start of
// history.
func Previous(ctx context.Context, s VersionStore, v *domain.Version) (*domain.Version, error) {
	earlier, err := s.Preceding(ctx, v.ItemType, v.ItemID, domain.PointOf(v))
	if err != nil {
		return nil, err
	}
	if len(earlier) == 0 {
		return nil, nil
	}
	return earlier[0], nil
}
