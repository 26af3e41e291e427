package callstore

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStore_SaveGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec := &Record{CallID: "c1", Direction: "inbound", EndReason: "hangup"}
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	rec.EndReason = "mutated"

	got, err := store.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.EndReason != "hangup" {
		t.Errorf("stored record aliased caller's value: %q", got.EndReason)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
	if err := store.Save(ctx, &Record{}); err == nil {
		t.Error("expected error for empty call id")
	}
}

func TestMemoryStore_List(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		_ = store.Save(ctx, &Record{CallID: id, EndedAt: base.Add(time.Duration(i) * time.Minute)})
	}

	tests := []struct {
		name          string
		limit, offset int
		want          []string
	}{
		{"all", 0, 0, []string{"c", "b", "a"}},
		{"limit", 2, 0, []string{"c", "b"}},
		{"offset", 2, 1, []string{"b", "a"}},
		{"past end", 5, 10, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := store.List(ctx, tt.limit, tt.offset)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(recs) != len(tt.want) {
				t.Fatalf("List() returned %d records, want %d", len(recs), len(tt.want))
			}
			for i, id := range tt.want {
				if recs[i].CallID != id {
					t.Errorf("recs[%d] = %s, want %s", i, recs[i].CallID, id)
				}
			}
		})
	}
}

func TestMemoryStore_Prune(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	_ = store.Save(ctx, &Record{CallID: "old", EndedAt: now.Add(-48 * time.Hour)})
	_ = store.Save(ctx, &Record{CallID: "new", EndedAt: now.Add(-time.Hour)})

	n, err := store.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Prune() = %d, want 1", n)
	}
	if _, err := store.Get(ctx, "new"); err != nil {
		t.Errorf("recent record pruned: %v", err)
	}
}
