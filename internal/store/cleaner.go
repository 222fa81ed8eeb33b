package store

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jgrady/chronicle/internal/domain"
)

// Cleaner applies the retention policy: for each record group, keep the
// newest keepN non-create versions, never touch create versions, and never
// delete a group's chronologically last version (every record keeps at
// least one historical anchor).
type Cleaner struct {
	store MaintenanceStore
	log   *zap.Logger
}

// NewCleaner wires a cleaner over a maintenance-capable store.
func NewCleaner(store MaintenanceStore, log *zap.Logger) *Cleaner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cleaner{store: store, log: log}
}

// Clean deletes the excess versions and returns how many were removed.
// Deletion proceeds oldest-first within each group.
func (c *Cleaner) Clean(ctx context.Context, keepN int, filter CleanFilter) (int, error) {
	groups, err := c.store.ItemGroups(ctx, filter)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, group := range groups {
		ids, err := c.excessFor(ctx, group, keepN, filter)
		if err != nil {
			return deleted, err
		}
		if len(ids) == 0 {
			continue
		}
		if err := c.store.DeleteVersions(ctx, ids); err != nil {
			return deleted, err
		}
		deleted += len(ids)
		c.log.Info("cleaned versions",
			zap.String("item_type", group.Type),
			zap.String("item_id", group.ID),
			zap.Int("deleted", len(ids)),
		)
	}
	return deleted, nil
}

func (c *Cleaner) excessFor(ctx context.Context, group ItemRef, keepN int, filter CleanFilter) ([]uuid.UUID, error) {
	history, err := c.store.ForItem(ctx, group.Type, group.ID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, nil
	}

	newest := history[len(history)-1]

	// The deletable pool: non-create versions, restricted by the
	// calendar-date filter when given.
	var pool []*domain.Version
	for _, v := range history {
		if v.Event == string(domain.EventCreate) {
			continue
		}
		if filter.Date != nil && !sameDay(v.CreatedAt, *filter.Date) {
			continue
		}
		pool = append(pool, v)
	}

	if keepN < 0 {
		keepN = 0
	}
	if len(pool) <= keepN {
		return nil, nil
	}

	var ids []uuid.UUID
	for _, v := range pool[:len(pool)-keepN] {
		if v.ID == newest.ID {
			// The live tail is always preserved.
			continue
		}
		ids = append(ids, v.ID)
	}
	return ids, nil
}
