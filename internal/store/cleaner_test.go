package store

import (
	"context"
	"testing"
	"time"
)

func seedHistory(t *testing.T, m *Memory, itemID string, events []string) {
	t.Helper()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, event := range events {
		appendVersion(t, m, widgetVersion(itemID, event, base.Add(time.Duration(i)*time.Minute)))
	}
}

func events(t *testing.T, m *Memory, itemID string) []string {
	t.Helper()
	history, err := m.ForItem(context.Background(), "Widget", itemID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := make([]string, len(history))
	for i, v := range history {
		out[i] = v.Event
	}
	return out
}

func TestCleanKeepsNewestNonCreates(t *testing.T) {
	m := NewMemory(nil)
	seedHistory(t, m, "w1", []string{"create", "update", "update", "update", "update"})

	deleted, err := NewCleaner(m, nil).Clean(context.Background(), 2, CleanFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deletions, got %d", deleted)
	}
	got := events(t, m, "w1")
	want := []string{"create", "update", "update"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestCleanNeverDeletesCreates(t *testing.T) {
	m := NewMemory(nil)
	seedHistory(t, m, "w1", []string{"create", "update", "update"})

	deleted, err := NewCleaner(m, nil).Clean(context.Background(), 0, CleanFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deletion, got %d", deleted)
	}
	got := events(t, m, "w1")
	if got[0] != "create" {
		t.Errorf("create version must survive, got %v", got)
	}
}

func TestCleanPreservesNewestVersionEvenWithKeepZero(t *testing.T) {
	m := NewMemory(nil)
	seedHistory(t, m, "w1", []string{"update", "update", "update"})

	deleted, err := NewCleaner(m, nil).Clean(context.Background(), 0, CleanFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected the two oldest to go, got %d deletions", deleted)
	}
	got := events(t, m, "w1")
	if len(got) != 1 {
		t.Errorf("the newest version is always preserved, got %v", got)
	}
}

func TestCleanDeletesOldestFirst(t *testing.T) {
	m := NewMemory(nil)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	oldest := appendVersion(t, m, widgetVersion("w1", "update", base))
	appendVersion(t, m, widgetVersion("w1", "update", base.Add(time.Minute)))
	newest := appendVersion(t, m, widgetVersion("w1", "update", base.Add(2*time.Minute)))

	if _, err := NewCleaner(m, nil).Clean(context.Background(), 2, CleanFilter{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	history, _ := m.ForItem(context.Background(), "Widget", "w1")
	if len(history) != 2 {
		t.Fatalf("expected 2 survivors, got %d", len(history))
	}
	for _, v := range history {
		if v.ID == oldest.ID {
			t.Errorf("the oldest excess version must be deleted first")
		}
	}
	if history[len(history)-1].ID != newest.ID {
		t.Errorf("the newest version must survive")
	}
}

func TestCleanFiltersByItem(t *testing.T) {
	m := NewMemory(nil)
	seedHistory(t, m, "w1", []string{"create", "update", "update"})
	seedHistory(t, m, "w2", []string{"create", "update", "update"})

	deleted, err := NewCleaner(m, nil).Clean(context.Background(), 0, CleanFilter{
		ItemType: "Widget",
		ItemIDs:  []string{"w1"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deletion, got %d", deleted)
	}
	if got := events(t, m, "w2"); len(got) != 3 {
		t.Errorf("w2 must be untouched, got %v", got)
	}
}

func TestCleanDateFilterLimitsThePool(t *testing.T) {
	m := NewMemory(nil)
	day1 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	day2 := time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)

	appendVersion(t, m, widgetVersion("w1", "create", day1))
	onDay1 := appendVersion(t, m, widgetVersion("w1", "update", day1.Add(time.Minute)))
	appendVersion(t, m, widgetVersion("w1", "update", day2))

	deleted, err := NewCleaner(m, nil).Clean(context.Background(), 0, CleanFilter{Date: &day1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected only the day-1 update deleted, got %d", deleted)
	}
	history, _ := m.ForItem(context.Background(), "Widget", "w1")
	for _, v := range history {
		if v.ID == onDay1.ID {
			t.Errorf("the day-1 update should be gone")
		}
	}
}
