package trail

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jgrady/chronicle/internal/actor"
	"github.com/jgrady/chronicle/internal/changeset"
	"github.com/jgrady/chronicle/internal/domain"
	"github.com/jgrady/chronicle/internal/registry"
	"github.com/jgrady/chronicle/internal/store"
)

func newTrail(t *testing.T, infos ...registry.TypeInfo) (*Trail, *store.Memory) {
	t.Helper()
	reg := registry.New()
	for _, info := range infos {
		if err := reg.Register(info); err != nil {
			t.Fatalf("unexpected registration error: %v", err)
		}
	}
	m := store.NewMemory(nil)
	return New(reg, m, m.Associations(), nil, nil), m
}

func widgetType() registry.TypeInfo {
	return registry.TypeInfo{Name: "Widget", Attributes: []string{"name", "updated_at"}}
}

func changesOf(t *testing.T, v *domain.Version) map[string][]any {
	t.Helper()
	var out map[string][]any
	if err := json.Unmarshal(v.ObjectChanges, &out); err != nil {
		t.Fatalf("failed to decode diff: %v", err)
	}
	return out
}

func objectOf(t *testing.T, v *domain.Version) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(v.Object, &out); err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}
	return out
}

// The canonical lifecycle: create, rename, destroy. Each version's snapshot
// is the state immediately before its event.
func TestRecordLifecycle(t *testing.T) {
	tr, _ := newTrail(t, widgetType())
	ctx := actor.Begin(context.Background())

	rec := &domain.Record{Type: "Widget", ID: "w1", Attributes: map[string]any{"name": "Henry"}}
	created, err := tr.RecordCreate(ctx, rec, nil)
	if err != nil || created == nil {
		t.Fatalf("create: %v %v", created, err)
	}
	if created.Event != "create" || created.HasObject() {
		t.Errorf("create version must carry no snapshot, got %+v", created)
	}
	if pair := changesOf(t, created)["name"]; pair[0] != nil || pair[1] != "Henry" {
		t.Errorf("create diff must synthesize from nil, got %v", pair)
	}

	rec.SetAttribute("name", "Harry")
	updated, err := tr.RecordUpdate(ctx, rec, changeset.StaticChanges(domain.ChangeSet{
		"name": {Old: "Henry", New: "Harry"},
	}))
	if err != nil || updated == nil {
		t.Fatalf("update: %v %v", updated, err)
	}
	if objectOf(t, updated)["name"] != "Henry" {
		t.Errorf("update snapshot must hold the before-state")
	}

	destroyed, err := tr.RecordDestroy(ctx, rec)
	if err != nil || destroyed == nil {
		t.Fatalf("destroy: %v %v", destroyed, err)
	}
	if objectOf(t, destroyed)["name"] != "Harry" {
		t.Errorf("destroy snapshot must hold the full final state")
	}
	if pair := changesOf(t, destroyed)["name"]; pair[0] != "Harry" || pair[1] != nil {
		t.Errorf("destroy diff must be [current nil], got %v", pair)
	}

	history, err := tr.Versions(ctx, "Widget", "w1")
	if err != nil || len(history) != 3 {
		t.Fatalf("expected 3 versions, got %d %v", len(history), err)
	}
}

func TestNotNotableUpdateRecordsNothing(t *testing.T) {
	tr, m := newTrail(t, registry.TypeInfo{
		Name:    "Widget",
		Options: domain.TrackingOptions{Ignore: []domain.AttributeFilter{domain.Attr("counter")}},
	})
	ctx := actor.Begin(context.Background())
	rec := &domain.Record{Type: "Widget", ID: "w1", Attributes: map[string]any{"counter": 2}}

	v, err := tr.RecordUpdate(ctx, rec, changeset.StaticChanges(domain.ChangeSet{
		"counter": {Old: 1, New: 2},
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != nil {
		t.Errorf("a not-notable update must return (nil, nil)")
	}
	history, _ := m.ForItem(ctx, "Widget", "w1")
	if len(history) != 0 {
		t.Errorf("nothing must be persisted")
	}
}

func TestTouchBypassesNotability(t *testing.T) {
	tr, _ := newTrail(t, widgetType())
	ctx := actor.Begin(context.Background())
	rec := &domain.Record{Type: "Widget", ID: "w1", Attributes: map[string]any{"name": "Henry"}}

	v, err := tr.Touch(ctx, rec)
	if err != nil || v == nil {
		t.Fatalf("touch must record despite no dirty state: %v %v", v, err)
	}
	if objectOf(t, v)["name"] != "Henry" {
		t.Errorf("touch snapshot must hold the current state")
	}
}

func TestUntrackedTypeIsSkipped(t *testing.T) {
	tr, _ := newTrail(t, widgetType())
	ctx := actor.Begin(context.Background())
	rec := &domain.Record{Type: "Gadget", ID: "g1", Attributes: map[string]any{}}

	v, err := tr.RecordCreate(ctx, rec, nil)
	if err != nil || v != nil {
		t.Fatalf("an untracked type records nothing, got %v %v", v, err)
	}
}

func TestDisabledContextRecordsNothing(t *testing.T) {
	tr, _ := newTrail(t, widgetType())
	ctx := actor.WithDisabled(actor.Begin(context.Background()))
	rec := &domain.Record{Type: "Widget", ID: "w1", Attributes: map[string]any{"name": "Henry"}}

	if v, _ := tr.RecordCreate(ctx, rec, nil); v != nil {
		t.Errorf("globally disabled context must record nothing")
	}

	typed := actor.WithTypeDisabled(actor.Begin(context.Background()), "Widget")
	if v, _ := tr.RecordCreate(typed, rec, nil); v != nil {
		t.Errorf("type-disabled context must record nothing for that type")
	}

	reenabled := actor.WithEnabled(ctx)
	if v, _ := tr.RecordCreate(reenabled, rec, nil); v == nil {
		t.Errorf("re-enabled context must record again")
	}
}

func TestOnEventSubscription(t *testing.T) {
	tr, _ := newTrail(t, registry.TypeInfo{
		Name:    "Widget",
		Options: domain.TrackingOptions{On: []domain.Event{domain.EventDestroy}},
	})
	ctx := actor.Begin(context.Background())
	rec := &domain.Record{Type: "Widget", ID: "w1", Attributes: map[string]any{"name": "Henry"}}

	if v, _ := tr.RecordCreate(ctx, rec, nil); v != nil {
		t.Errorf("unsubscribed create must record nothing")
	}
	if v, _ := tr.RecordDestroy(ctx, rec); v == nil {
		t.Errorf("subscribed destroy must record")
	}
}

func TestVersionsShareTransactionIDWithinUnitOfWork(t *testing.T) {
	tr, _ := newTrail(t, widgetType(), registry.TypeInfo{Name: "Gadget"})
	ctx := actor.Begin(context.Background())

	first, err := tr.RecordCreate(ctx, &domain.Record{Type: "Widget", ID: "w1", Attributes: map[string]any{"name": "a"}}, nil)
	if err != nil || first == nil {
		t.Fatalf("create: %v %v", first, err)
	}
	second, err := tr.RecordCreate(ctx, &domain.Record{Type: "Gadget", ID: "g1", Attributes: map[string]any{"name": "b"}}, nil)
	if err != nil || second == nil {
		t.Fatalf("create: %v %v", second, err)
	}

	// The first version claims its own id as the transaction id; everything
	// else in the unit of work reuses it.
	if first.TransactionID != first.ID {
		t.Errorf("first version's transaction id must be its own id, got %s", first.TransactionID)
	}
	if second.TransactionID != first.ID {
		t.Errorf("versions in one unit of work must share the transaction id")
	}
}

func TestSeparateUnitsOfWorkGetSeparateTransactionIDs(t *testing.T) {
	tr, _ := newTrail(t, widgetType())

	first, _ := tr.RecordCreate(actor.Begin(context.Background()), &domain.Record{Type: "Widget", ID: "w1", Attributes: map[string]any{"name": "a"}}, nil)
	second, _ := tr.RecordCreate(actor.Begin(context.Background()), &domain.Record{Type: "Widget", ID: "w2", Attributes: map[string]any{"name": "b"}}, nil)

	if first.TransactionID == second.TransactionID {
		t.Errorf("separate units of work must not share a transaction id")
	}
}

func TestAssociationRowsCarryVersionAndTransaction(t *testing.T) {
	tr, m := newTrail(t,
		registry.TypeInfo{
			Name: "Order",
			Relations: []registry.Relation{
				{Name: "customer", Kind: registry.BelongsTo, TargetType: "Customer", ForeignKey: "customer_id"},
			},
		},
		registry.TypeInfo{Name: "Customer"},
	)
	ctx := actor.Begin(context.Background())

	v, err := tr.RecordCreate(ctx, &domain.Record{
		Type: "Order", ID: "o1",
		Attributes: map[string]any{"customer_id": "c1"},
	}, nil)
	if err != nil || v == nil {
		t.Fatalf("create: %v %v", v, err)
	}

	ids, err := m.Associations().RelatedIDs(ctx, "customer_id", v.ID, uuid.Nil)
	if err != nil || len(ids) != 1 || ids[0] != "c1" {
		t.Fatalf("expected one association row for the version, got %v %v", ids, err)
	}
}

func TestVersionLimitTrimsHistoryOnWrite(t *testing.T) {
	limit := 2
	tr, m := newTrail(t, registry.TypeInfo{
		Name:       "Widget",
		Attributes: []string{"name"},
		Options:    domain.TrackingOptions{VersionLimit: &limit},
	})
	ctx := actor.Begin(context.Background())

	rec := &domain.Record{Type: "Widget", ID: "w1", Attributes: map[string]any{"name": "a"}}
	if _, err := tr.RecordCreate(ctx, rec, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, next := range []string{"b", "c", "d", "e"} {
		old := rec.Attributes["name"]
		rec.SetAttribute("name", next)
		if _, err := tr.RecordUpdate(ctx, rec, changeset.StaticChanges(domain.ChangeSet{
			"name": {Old: old, New: next},
		})); err != nil {
			t.Fatalf("update: %v", err)
		}
	}

	history, err := m.ForItem(ctx, "Widget", "w1")
	if err != nil {
		t.Fatalf("ForItem: %v", err)
	}
	// The create plus the 2 newest updates survive.
	if len(history) != 3 {
		t.Fatalf("expected 3 versions after trimming, got %d", len(history))
	}
	if history[0].Event != "create" {
		t.Errorf("the create version must survive, got %v", history[0].Event)
	}
}

func TestOriginator(t *testing.T) {
	tr, _ := newTrail(t, widgetType())

	who, err := tr.Originator(context.Background(), "Widget", "w1")
	if err != nil || who != "" {
		t.Fatalf("no history means no originator, got %q %v", who, err)
	}

	ctx := actor.WithWhodunnit(actor.Begin(context.Background()), "jane")
	rec := &domain.Record{Type: "Widget", ID: "w1", Attributes: map[string]any{"name": "a"}}
	if _, err := tr.RecordCreate(ctx, rec, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	ctx2 := actor.WithWhodunnit(actor.Begin(context.Background()), "bob")
	rec.SetAttribute("name", "b")
	if _, err := tr.RecordUpdate(ctx2, rec, changeset.StaticChanges(domain.ChangeSet{"name": {Old: "a", New: "b"}})); err != nil {
		t.Fatalf("update: %v", err)
	}

	who, err = tr.Originator(context.Background(), "Widget", "w1")
	if err != nil || who != "bob" {
		t.Errorf("originator is the most recent version's actor, got %q %v", who, err)
	}
}

func TestVersionAt(t *testing.T) {
	tr, m := newTrail(t, widgetType())
	ctx := actor.Begin(context.Background())
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	seed := func(event string, at time.Time) *domain.Version {
		v := &domain.Version{ItemType: "Widget", ItemID: "w1", Event: event, CreatedAt: at}
		if err := m.Append(ctx, v); err != nil {
			t.Fatalf("append: %v", err)
		}
		return v
	}
	seed("create", base)
	mid := seed("update", base.Add(time.Hour))
	seed("update", base.Add(2*time.Hour))

	got, err := tr.VersionAt(ctx, "Widget", "w1", base.Add(30*time.Minute))
	if err != nil || got == nil || got.ID != mid.ID {
		t.Fatalf("expected the first version after the instant, got %v %v", got, err)
	}

	live, err := tr.VersionAt(ctx, "Widget", "w1", base.Add(3*time.Hour))
	if err != nil || live != nil {
		t.Fatalf("an instant past all versions means the live state, got %v %v", live, err)
	}
}
