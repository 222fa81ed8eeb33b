package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jgrady/chronicle/internal/domain"
)

func appendVersion(t *testing.T, m *Memory, v *domain.Version) *domain.Version {
	t.Helper()
	if err := m.Append(context.Background(), v); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	return v
}

func widgetVersion(id string, event string, at time.Time) *domain.Version {
	return &domain.Version{ItemType: "Widget", ItemID: id, Event: event, CreatedAt: at}
}

func TestAppendAssignsMonotonicOrdinals(t *testing.T) {
	m := NewMemory(nil)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	first := appendVersion(t, m, widgetVersion("w1", "create", at))
	second := appendVersion(t, m, widgetVersion("w1", "update", at))

	if first.Ordinal >= second.Ordinal {
		t.Fatalf("ordinals must increase with insertion order: %d then %d", first.Ordinal, second.Ordinal)
	}
	if first.ID == uuid.Nil {
		t.Errorf("append must assign an id when missing")
	}
}

func TestForItemOrdersByTimestampThenOrdinal(t *testing.T) {
	m := NewMemory(nil)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	// Inserted out of timestamp order; two share a coarse timestamp.
	late := appendVersion(t, m, widgetVersion("w1", "update", base.Add(time.Hour)))
	tieA := appendVersion(t, m, widgetVersion("w1", "create", base))
	tieB := appendVersion(t, m, widgetVersion("w1", "update", base))
	appendVersion(t, m, widgetVersion("w2", "create", base))

	history, err := m.ForItem(context.Background(), "Widget", "w1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 versions, got %d", len(history))
	}
	if history[0].ID != tieA.ID || history[1].ID != tieB.ID || history[2].ID != late.ID {
		t.Errorf("history out of order: %v", []int64{history[0].Ordinal, history[1].Ordinal, history[2].Ordinal})
	}
}

func TestNextPreviousAndIndexOf(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	v1 := appendVersion(t, m, widgetVersion("w1", "create", base))
	v2 := appendVersion(t, m, widgetVersion("w1", "update", base.Add(time.Minute)))
	v3 := appendVersion(t, m, widgetVersion("w1", "update", base.Add(2*time.Minute)))

	next, err := Next(ctx, m, v2)
	if err != nil || next == nil || next.ID != v3.ID {
		t.Fatalf("expected v3 after v2, got %v %v", next, err)
	}
	prev, err := Previous(ctx, m, v2)
	if err != nil || prev == nil || prev.ID != v1.ID {
		t.Fatalf("expected v1 before v2, got %v %v", prev, err)
	}

	tail, err := Next(ctx, m, v3)
	if err != nil || tail != nil {
		t.Fatalf("expected nil at the live tail, got %v %v", tail, err)
	}
	head, err := Previous(ctx, m, v1)
	if err != nil || head != nil {
		t.Fatalf("expected nil before the first version, got %v %v", head, err)
	}

	idx, err := m.IndexOf(ctx, v2)
	if err != nil || idx != 1 {
		t.Fatalf("expected index 1, got %d %v", idx, err)
	}
}

func TestBetween(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	appendVersion(t, m, widgetVersion("w1", "create", base))
	mid := appendVersion(t, m, widgetVersion("w1", "update", base.Add(time.Minute)))
	appendVersion(t, m, widgetVersion("w1", "update", base.Add(2*time.Minute)))

	got, err := m.Between(ctx, "Widget", "w1", base, base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].ID != mid.ID {
		t.Errorf("expected only the interior version, got %d", len(got))
	}
}

func TestFirstAtOrAfterPrefersEarliestQualifying(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	appendVersion(t, m, widgetVersion("w1", "create", base))
	qualifying := appendVersion(t, m, widgetVersion("w1", "update", base.Add(time.Hour)))
	appendVersion(t, m, widgetVersion("w1", "update", base.Add(2*time.Hour)))

	got, err := m.FirstAtOrAfter(ctx, "Widget", "w1", base.Add(30*time.Minute), uuid.Nil)
	if err != nil || got == nil || got.ID != qualifying.ID {
		t.Fatalf("expected the earliest version at or after the instant, got %v %v", got, err)
	}

	none, err := m.FirstAtOrAfter(ctx, "Widget", "w1", base.Add(3*time.Hour), uuid.Nil)
	if err != nil || none != nil {
		t.Fatalf("expected nil when nothing qualifies, got %v %v", none, err)
	}
}

func TestFirstAtOrAfterMatchesTransaction(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	txn := uuid.New()

	inTxn := widgetVersion("w1", "update", base)
	inTxn.TransactionID = txn
	appendVersion(t, m, inTxn)

	got, err := m.FirstAtOrAfter(ctx, "Widget", "w1", base.Add(time.Hour), txn)
	if err != nil || got == nil || got.ID != inTxn.ID {
		t.Fatalf("a version in the same transaction qualifies despite its earlier timestamp, got %v %v", got, err)
	}
}

func TestSetTransactionID(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()
	v := appendVersion(t, m, widgetVersion("w1", "create", time.Now()))

	txn := uuid.New()
	if err := m.SetTransactionID(ctx, v.ID, txn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	history, _ := m.ForItem(ctx, "Widget", "w1")
	if history[0].TransactionID != txn {
		t.Errorf("transaction id not back-filled")
	}

	if err := m.SetTransactionID(ctx, uuid.New(), txn); err == nil {
		t.Errorf("expected an error for an unknown version id")
	}
}

func TestStructuredQueries(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	v := widgetVersion("w1", "update", base)
	v.Object = []byte(`{"name":"Henry","color":"red"}`)
	v.ObjectChanges = []byte(`{"name":["Henry","Harry"]}`)
	appendVersion(t, m, v)

	other := widgetVersion("w2", "update", base)
	other.Object = []byte(`{"name":"Alice"}`)
	other.ObjectChanges = []byte(`{"color":["red","blue"]}`)
	appendVersion(t, m, other)

	got, err := m.WhereObjectContains(ctx, "Widget", map[string]any{"name": "Henry", "color": "red"})
	if err != nil || len(got) != 1 || got[0].ItemID != "w1" {
		t.Fatalf("WhereObjectContains: got %d %v", len(got), err)
	}

	got, err = m.WhereChangedAttribute(ctx, "Widget", "name")
	if err != nil || len(got) != 1 || got[0].ItemID != "w1" {
		t.Fatalf("WhereChangedAttribute: got %d %v", len(got), err)
	}

	got, err = m.WhereChangeFrom(ctx, "Widget", "name", "Henry")
	if err != nil || len(got) != 1 {
		t.Fatalf("WhereChangeFrom: got %d %v", len(got), err)
	}

	got, err = m.WhereChangeTo(ctx, "Widget", "color", "blue")
	if err != nil || len(got) != 1 || got[0].ItemID != "w2" {
		t.Fatalf("WhereChangeTo: got %d %v", len(got), err)
	}

	got, err = m.WhereChangeTo(ctx, "Widget", "color", "green")
	if err != nil || len(got) != 0 {
		t.Fatalf("expected no matches, got %d %v", len(got), err)
	}
}

func TestAssociationQueries(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()
	assocs := m.Associations()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	early := appendVersion(t, m, &domain.Version{ItemType: "Order", ItemID: "o1", Event: "update", CreatedAt: base})
	later := appendVersion(t, m, &domain.Version{ItemType: "Order", ItemID: "o1", Event: "update", CreatedAt: base.Add(time.Hour)})
	otherChild := appendVersion(t, m, &domain.Version{ItemType: "Order", ItemID: "o2", Event: "create", CreatedAt: base})

	for _, v := range []*domain.Version{early, later, otherChild} {
		err := assocs.Append(ctx, &domain.VersionAssociation{
			VersionID:      v.ID,
			ForeignKeyName: "customer_id",
			ForeignKeyID:   "c1",
			ForeignType:    "Customer",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	byChild, err := assocs.QualifyingChildVersions(ctx, ChildQuery{
		ForeignKeyName: "customer_id",
		ForeignKeyID:   "c1",
		ChildType:      "Order",
		At:             base,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(byChild) != 2 {
		t.Fatalf("expected both children, got %d", len(byChild))
	}
	if byChild["o1"].ID != early.ID {
		t.Errorf("expected the earliest qualifying version per child")
	}
	if byChild["o2"].Event != "create" {
		t.Errorf("expected o2's create version")
	}
}

func TestRelatedIDs(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()
	assocs := m.Associations()

	versionID := uuid.New()
	txn := uuid.New()

	rows := []*domain.VersionAssociation{
		{VersionID: versionID, ForeignKeyName: "tags", ForeignKeyID: "t1"},
		{VersionID: uuid.New(), TransactionID: txn, ForeignKeyName: "tags", ForeignKeyID: "t2"},
		{VersionID: uuid.New(), ForeignKeyName: "tags", ForeignKeyID: "t3"},
		{VersionID: versionID, ForeignKeyName: "labels", ForeignKeyID: "l1"},
	}
	for _, a := range rows {
		if err := assocs.Append(ctx, a); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	ids, err := assocs.RelatedIDs(ctx, "tags", versionID, txn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected ids from the version and its transaction, got %v", ids)
	}
}

func TestDeleteVersionsCascadesAssociations(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()
	assocs := m.Associations()

	v := appendVersion(t, m, widgetVersion("w1", "update", time.Now()))
	if err := assocs.Append(ctx, &domain.VersionAssociation{VersionID: v.ID, ForeignKeyName: "customer_id", ForeignKeyID: "c1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := m.DeleteVersions(ctx, []uuid.UUID{v.ID}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	history, _ := m.ForItem(ctx, "Widget", "w1")
	if len(history) != 0 {
		t.Errorf("version not deleted")
	}
	ids, _ := assocs.RelatedIDs(ctx, "customer_id", v.ID, uuid.Nil)
	if len(ids) != 0 {
		t.Errorf("association rows must cascade with their version")
	}
}

func TestLiveStore(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()

	missing, err := m.Find(ctx, "Widget", "w1")
	if err != nil || missing != nil {
		t.Fatalf("absence is (nil, nil), got %v %v", missing, err)
	}

	rec := &domain.Record{Type: "Widget", ID: "w1", Attributes: map[string]any{"name": "Henry"}}
	if err := m.Save(ctx, rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	found, err := m.Find(ctx, "Widget", "w1")
	if err != nil || found == nil {
		t.Fatalf("expected saved record, got %v %v", found, err)
	}
	found.SetAttribute("name", "mutated")
	again, _ := m.Find(ctx, "Widget", "w1")
	if again.Attributes["name"] != "Henry" {
		t.Errorf("Find must return isolated copies")
	}

	byAttr, err := m.FindByAttribute(ctx, "Widget", "name", "Henry")
	if err != nil || len(byAttr) != 1 {
		t.Fatalf("FindByAttribute: got %d %v", len(byAttr), err)
	}

	if err := m.Delete(ctx, "Widget", "w1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	gone, _ := m.Find(ctx, "Widget", "w1")
	if gone != nil {
		t.Errorf("record not deleted")
	}
}

func TestSaveRefusesTransientRecords(t *testing.T) {
	m := NewMemory(nil)
	err := m.Save(context.Background(), &domain.Record{Type: "Widget", ID: "w1", Transient: true})
	if !errors.Is(err, ErrTransientRecord) {
		t.Fatalf("expected ErrTransientRecord, got %v", err)
	}
}
