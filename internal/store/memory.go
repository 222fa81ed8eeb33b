package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jgrady/chronicle/internal/domain"
	"github.com/jgrady/chronicle/pkg/serializer"
)

// ErrTransientRecord is returned when a save path is handed a reified
// record. Reified graphs live in memory only.
var ErrTransientRecord = errors.New("refusing to persist a transient reified record")

// Memory is an in-process implementation of every store interface. It backs
// the engine's tests and small embedded deployments.
type Memory struct {
	mu           sync.RWMutex
	codec        serializer.Serializer
	seq          int64
	versions     []*domain.Version
	associations []*domain.VersionAssociation
	live         map[string]*domain.Record
}

// NewMemory returns an empty in-memory store decoding snapshots with the
// given codec. A nil codec defaults to JSON.
func NewMemory(codec serializer.Serializer) *Memory {
	if codec == nil {
		codec = serializer.JSON{}
	}
	return &Memory{
		codec: codec,
		live:  make(map[string]*domain.Record),
	}
}

func liveKey(typeName, id string) string {
	return typeName + "\x00" + id
}

// Append implements VersionStore.
func (m *Memory) Append(_ context.Context, v *domain.Version) error {
	if v.Event == "" {
		return fmt.Errorf("version event is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	m.seq++
	v.Ordinal = m.seq
	m.versions = append(m.versions, v)
	return nil
}

// SetTransactionID implements VersionStore.
func (m *Memory) SetTransactionID(_ context.Context, versionID, transactionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.versions {
		if v.ID == versionID {
			v.TransactionID = transactionID
			return nil
		}
	}
	return fmt.Errorf("version %s not found", versionID)
}

func (m *Memory) itemVersionsLocked(itemType, itemID string) []*domain.Version {
	var out []*domain.Version
	for _, v := range m.versions {
		if v.ItemType == itemType && v.ItemID == itemID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Ordinal < out[j].Ordinal
	})
	return out
}

// ForItem implements VersionStore.
func (m *Memory) ForItem(_ context.Context, itemType, itemID string) ([]*domain.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.itemVersionsLocked(itemType, itemID), nil
}

// Subsequent implements VersionStore.
func (m *Memory) Subsequent(ctx context.Context, itemType, itemID string, p domain.Point) ([]*domain.Version, error) {
	all, _ := m.ForItem(ctx, itemType, itemID)
	var out []*domain.Version
	for _, v := range all {
		if v.After(p) {
			out = append(out, v)
		}
	}
	return out, nil
}

// Preceding implements VersionStore.
func (m *Memory) Preceding(ctx context.Context, itemType, itemID string, p domain.Point) ([]*domain.Version, error) {
	all, _ := m.ForItem(ctx, itemType, itemID)
	var out []*domain.Version
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Before(p) {
			out = append(out, all[i])
		}
	}
	return out, nil
}

// Between implements VersionStore.
func (m *Memory) Between(ctx context.Context, itemType, itemID string, start, end time.Time) ([]*domain.Version, error) {
	all, _ := m.ForItem(ctx, itemType, itemID)
	var out []*domain.Version
	for _, v := range all {
		if v.CreatedAt.After(start) && v.CreatedAt.Before(end) {
			out = append(out, v)
		}
	}
	return out, nil
}

// IndexOf implements VersionStore.
func (m *Memory) IndexOf(ctx context.Context, v *domain.Version) (int, error) {
	all, _ := m.ForItem(ctx, v.ItemType, v.ItemID)
	for i, candidate := range all {
		if candidate.ID == v.ID {
			return i, nil
		}
	}
	return 0, fmt.Errorf("version %s not found in history of %s/%s", v.ID, v.ItemType, v.ItemID)
}

// FirstAtOrAfter implements VersionStore.
func (m *Memory) FirstAtOrAfter(ctx context.Context, itemType, itemID string, at time.Time, transactionID uuid.UUID) (*domain.Version, error) {
	all, _ := m.ForItem(ctx, itemType, itemID)
	for _, v := range all {
		if !v.CreatedAt.Before(at) {
			return v, nil
		}
		if transactionID != uuid.Nil && v.TransactionID == transactionID {
			return v, nil
		}
	}
	return nil, nil
}

func (m *Memory) decodeObject(v *domain.Version) (map[string]any, error) {
	if !v.HasObject() {
		return nil, nil
	}
	var out map[string]any
	if err := m.codec.Load(v.Object, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Memory) decodeChanges(v *domain.Version) (map[string][]any, error) {
	if len(v.ObjectChanges) == 0 {
		return nil, nil
	}
	var out map[string][]any
	if err := m.codec.Load(v.ObjectChanges, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// equalEncoded compares two values through the codec, which irons out the
// numeric-type differences introduced by decoding.
func (m *Memory) equalEncoded(a, b any) bool {
	ea, errA := m.codec.Dump(a)
	eb, errB := m.codec.Dump(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ea, eb)
}

// WhereObjectContains implements VersionStore.
func (m *Memory) WhereObjectContains(_ context.Context, itemType string, attrs map[string]any) ([]*domain.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Version
	for _, v := range m.versions {
		if v.ItemType != itemType {
			continue
		}
		object, err := m.decodeObject(v)
		if err != nil {
			return nil, err
		}
		if object == nil {
			continue
		}
		match := true
		for name, want := range attrs {
			got, ok := object[name]
			if !ok || !m.equalEncoded(got, want) {
				match = false
				break
			}
		}
		if match {
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *Memory) whereChanges(itemType string, match func(map[string][]any) bool) ([]*domain.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Version
	for _, v := range m.versions {
		if v.ItemType != itemType {
			continue
		}
		changes, err := m.decodeChanges(v)
		if err != nil {
			return nil, err
		}
		if changes == nil {
			continue
		}
		if match(changes) {
			out = append(out, v)
		}
	}
	return out, nil
}

// WhereChangedAttribute implements VersionStore.
func (m *Memory) WhereChangedAttribute(_ context.Context, itemType, attribute string) ([]*domain.Version, error) {
	return m.whereChanges(itemType, func(changes map[string][]any) bool {
		_, ok := changes[attribute]
		return ok
	})
}

// WhereChangeFrom implements VersionStore.
func (m *Memory) WhereChangeFrom(_ context.Context, itemType, attribute string, value any) ([]*domain.Version, error) {
	return m.whereChanges(itemType, func(changes map[string][]any) bool {
		pair, ok := changes[attribute]
		return ok && len(pair) == 2 && m.equalEncoded(pair[0], value)
	})
}

// WhereChangeTo implements VersionStore.
func (m *Memory) WhereChangeTo(_ context.Context, itemType, attribute string, value any) ([]*domain.Version, error) {
	return m.whereChanges(itemType, func(changes map[string][]any) bool {
		pair, ok := changes[attribute]
		return ok && len(pair) == 2 && m.equalEncoded(pair[1], value)
	})
}

// ItemGroups implements MaintenanceStore.
func (m *Memory) ItemGroups(_ context.Context, filter CleanFilter) ([]ItemRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[ItemRef]struct{})
	var out []ItemRef
	for _, v := range m.versions {
		if !matchesFilter(v, filter) {
			continue
		}
		ref := ItemRef{Type: v.ItemType, ID: v.ItemID}
		if _, dup := seen[ref]; dup {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out, nil
}

func matchesFilter(v *domain.Version, filter CleanFilter) bool {
	if filter.ItemType != "" && v.ItemType != filter.ItemType {
		return false
	}
	if len(filter.ItemIDs) > 0 {
		found := false
		for _, id := range filter.ItemIDs {
			if v.ItemID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.Date != nil && !sameDay(v.CreatedAt, *filter.Date) {
		return false
	}
	return true
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.In(b.Location()).Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// DeleteVersions implements MaintenanceStore.
func (m *Memory) DeleteVersions(_ context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	drop := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.versions[:0]
	for _, v := range m.versions {
		if _, gone := drop[v.ID]; !gone {
			kept = append(kept, v)
		}
	}
	m.versions = kept
	keptAssocs := m.associations[:0]
	for _, a := range m.associations {
		if _, gone := drop[a.VersionID]; !gone {
			keptAssocs = append(keptAssocs, a)
		}
	}
	m.associations = keptAssocs
	return nil
}

// AppendAssociation implements AssociationStore via the Append name below;
// kept separate because Version Append shares the method set.
func (m *Memory) appendAssociation(a *domain.VersionAssociation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	m.associations = append(m.associations, a)
}

// Associations exposes the association surface of the memory store.
func (m *Memory) Associations() AssociationStore {
	return memoryAssociations{m}
}

type memoryAssociations struct {
	m *Memory
}

func (s memoryAssociations) Append(_ context.Context, a *domain.VersionAssociation) error {
	s.m.appendAssociation(a)
	return nil
}

func (s memoryAssociations) QualifyingChildVersions(ctx context.Context, q ChildQuery) (map[string]*domain.Version, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	versionsByID := make(map[uuid.UUID]*domain.Version, len(s.m.versions))
	for _, v := range s.m.versions {
		versionsByID[v.ID] = v
	}
	out := make(map[string]*domain.Version)
	for _, a := range s.m.associations {
		if a.ForeignKeyName != q.ForeignKeyName || a.ForeignKeyID != q.ForeignKeyID {
			continue
		}
		v, ok := versionsByID[a.VersionID]
		if !ok || v.ItemType != q.ChildType {
			continue
		}
		qualifies := !v.CreatedAt.Before(q.At)
		if !qualifies && q.TransactionID != uuid.Nil && v.TransactionID == q.TransactionID {
			qualifies = true
		}
		if !qualifies {
			continue
		}
		if current, exists := out[v.ItemID]; !exists || v.Ordinal < current.Ordinal {
			out[v.ItemID] = v
		}
	}
	return out, nil
}

func (s memoryAssociations) RelatedIDs(_ context.Context, foreignKeyName string, versionID, transactionID uuid.UUID) ([]string, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var out []string
	seen := make(map[string]struct{})
	for _, a := range s.m.associations {
		if a.ForeignKeyName != foreignKeyName {
			continue
		}
		match := a.VersionID == versionID
		if !match && transactionID != uuid.Nil && a.TransactionID == transactionID {
			match = true
		}
		if !match {
			continue
		}
		if _, dup := seen[a.ForeignKeyID]; dup {
			continue
		}
		seen[a.ForeignKeyID] = struct{}{}
		out = append(out, a.ForeignKeyID)
	}
	return out, nil
}

// Find implements LiveStore.
func (m *Memory) Find(_ context.Context, typeName, id string) (*domain.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.live[liveKey(typeName, id)]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

// FindMany implements LiveStore.
func (m *Memory) FindMany(ctx context.Context, typeName string, ids []string) ([]*domain.Record, error) {
	out := make([]*domain.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := m.Find(ctx, typeName, id)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

// FindByAttribute implements LiveStore.
func (m *Memory) FindByAttribute(_ context.Context, typeName, attribute, value string) ([]*domain.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Record
	for _, rec := range m.live {
		if rec.Type != typeName {
			continue
		}
		if rec.StringAttribute(attribute) == value {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Save implements LiveStore. Transient reified records are refused.
func (m *Memory) Save(_ context.Context, rec *domain.Record) error {
	if rec.Transient {
		return ErrTransientRecord
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live[liveKey(rec.Type, rec.ID)] = rec.Clone()
	return nil
}

// Delete implements LiveStore.
func (m *Memory) Delete(_ context.Context, typeName, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, liveKey(typeName, id))
	return nil
}
