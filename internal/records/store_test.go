package records

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
)

type storeFactory func(t *testing.T) Store

func TestMemoryStoreConformance(t *testing.T) {
	runStoreConformance(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestSQLiteStoreConformance(t *testing.T) {
	runStoreConformance(t, func(t *testing.T) Store {
		store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "items.db"))
		if err != nil {
			t.Fatalf("new sqlite store: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func runStoreConformance(t *testing.T, newStore storeFactory) {
	t.Run("CreateAssignsDensePositionsAndVersionOne", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			item := mustCreate(t, store, "L1", fmt.Sprintf("item %d", i))
			if item.Position != i {
				t.Fatalf("expected position %d, got %d", i, item.Position)
			}
			if item.Version != 1 {
				t.Fatalf("expected version 1, got %d", item.Version)
			}
			if item.Priority != PriorityMedium || item.Status != StatusPending {
				t.Fatalf("expected defaults medium/pending, got %s/%s", item.Priority, item.Status)
			}
		}
		other := mustCreate(t, store, "L2", "other list")
		if other.Position != 0 {
			t.Fatalf("expected first item of a new list at 0, got %d", other.Position)
		}
		items, err := store.ListItems(ctx, "L1")
		if err != nil {
			t.Fatalf("list items: %v", err)
		}
		if len(items) != 3 {
			t.Fatalf("expected 3 items, got %d", len(items))
		}
	})

	t.Run("CreateRejectsInvalidInput", func(t *testing.T) {
		store := newStore(t)
		_, err := store.CreateItem(context.Background(), NewItem{ListID: "L1", Title: "   ", CreatedBy: "u1"})
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput for blank title, got %v", err)
		}
		_, err = store.CreateItem(context.Background(), NewItem{ListID: "L1", Title: "x", Priority: "urgent", CreatedBy: "u1"})
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput for bad priority, got %v", err)
		}
	})

	t.Run("VersionCountsAcceptedMutations", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		item := mustCreate(t, store, "L1", "count me")
		mustCreate(t, store, "L1", "neighbor")
		title := "renamed"
		updated, err := store.ConditionalUpdate(ctx, UpdateRequest{ItemID: item.ID, Delta: FieldDelta{Title: &title}, ExpectedVersion: ptr(int64(1)), EditedBy: "u2"})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		toggled, err := store.ToggleItem(ctx, ToggleRequest{ItemID: item.ID, ExpectedVersion: ptr(updated.Version)})
		if err != nil {
			t.Fatalf("toggle: %v", err)
		}
		moved, ok, err := store.Reorder(ctx, ReorderRequest{ItemID: item.ID, NewPosition: 1})
		if err != nil || !ok {
			t.Fatalf("reorder: moved=%v err=%v", ok, err)
		}
		if moved.Version != 4 {
			t.Fatalf("expected version 4 after create+update+toggle+reorder, got %d", moved.Version)
		}
		if toggled.Status != StatusCompleted || !toggled.Completed {
			t.Fatalf("expected toggle to complete the item, got %+v", toggled)
		}
		if updated.LastEditedBy == nil || *updated.LastEditedBy != "u2" {
			t.Fatalf("expected last editor u2, got %v", updated.LastEditedBy)
		}
		if _, err := store.DeleteItem(ctx, DeleteRequest{ItemID: item.ID, ExpectedVersion: ptr(int64(4))}); err != nil {
			t.Fatalf("delete with current version: %v", err)
		}
	})

	t.Run("FirstCommitWinsAndLoserSeesSnapshot", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		item := mustCreate(t, store, "L1", "Buy milk")
		done := true
		first, err := store.ConditionalUpdate(ctx, UpdateRequest{ItemID: item.ID, Delta: FieldDelta{Completed: &done}, ExpectedVersion: ptr(int64(1))})
		if err != nil {
			t.Fatalf("first update: %v", err)
		}
		if first.Version != 2 || first.Status != StatusCompleted {
			t.Fatalf("expected version 2 completed, got v%d %s", first.Version, first.Status)
		}
		title := "Buy oat milk"
		_, err = store.ConditionalUpdate(ctx, UpdateRequest{ItemID: item.ID, Delta: FieldDelta{Title: &title}, ExpectedVersion: ptr(int64(1))})
		var conflict *ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("expected ConflictError, got %v", err)
		}
		if !errors.Is(err, ErrVersionConflict) {
			t.Fatalf("expected errors.Is ErrVersionConflict")
		}
		if conflict.ExpectedVersion != 1 || conflict.CurrentVersion != 2 {
			t.Fatalf("expected 1 vs 2, got %d vs %d", conflict.ExpectedVersion, conflict.CurrentVersion)
		}
		if !conflict.Current.Completed || conflict.Current.Title != "Buy milk" {
			t.Fatalf("expected post-first-update snapshot, got %+v", conflict.Current)
		}
	})

	t.Run("ConcurrentConditionalUpdatesHaveOneWinner", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		item := mustCreate(t, store, "L1", "race")
		const writers = 8
		var wg sync.WaitGroup
		results := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				title := fmt.Sprintf("writer %d", i)
				_, err := store.ConditionalUpdate(ctx, UpdateRequest{ItemID: item.ID, Delta: FieldDelta{Title: &title}, ExpectedVersion: ptr(int64(1))})
				results <- err
			}(i)
		}
		wg.Wait()
		close(results)
		wins := 0
		for err := range results {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrVersionConflict):
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if wins != 1 {
			t.Fatalf("expected exactly one winner, got %d", wins)
		}
		final, err := store.GetItem(ctx, item.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if final.Version != 2 {
			t.Fatalf("expected version 2, got %d", final.Version)
		}
	})

	t.Run("UnconditionalUpdateIsLastWriteWins", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		item := mustCreate(t, store, "L1", "lww")
		for i := 0; i < 3; i++ {
			high := PriorityHigh
			if _, err := store.ConditionalUpdate(ctx, UpdateRequest{ItemID: item.ID, Delta: FieldDelta{Priority: &high}}); err != nil {
				t.Fatalf("unconditional update %d: %v", i, err)
			}
		}
		final, _ := store.GetItem(ctx, item.ID)
		if final.Version != 4 || final.Priority != PriorityHigh {
			t.Fatalf("expected v4 high, got v%d %s", final.Version, final.Priority)
		}
	})

	t.Run("DeltaLeavesAbsentFieldsAndClearsNulls", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		desc := "two liters"
		assignee := "u9"
		created, err := store.CreateItem(ctx, NewItem{ListID: "L1", Title: "milk", Description: &desc, AssigneeID: &assignee, CreatedBy: "u1"})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		updated, err := store.ConditionalUpdate(ctx, UpdateRequest{ItemID: created.ID, Delta: FieldDelta{AssigneeID: Null[string]()}})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if updated.AssigneeID != nil {
			t.Fatalf("expected assignee cleared, got %v", *updated.AssigneeID)
		}
		if updated.Description == nil || *updated.Description != desc {
			t.Fatalf("expected description untouched, got %v", updated.Description)
		}
		reread, _ := store.GetItem(ctx, created.ID)
		if reread.AssigneeID != nil || reread.Description == nil {
			t.Fatalf("expected persisted delta, got %+v", reread)
		}
	})

	t.Run("ReorderKeepsPositionsDense", func(t *testing.T) {
		cases := []struct {
			from, to int
		}{
			{0, 4}, {4, 0}, {1, 3}, {3, 1}, {2, 2}, {0, 99},
		}
		for _, tc := range cases {
			t.Run(fmt.Sprintf("%d_to_%d", tc.from, tc.to), func(t *testing.T) {
				store := newStore(t)
				ctx := context.Background()
				ids := make([]string, 5)
				for i := range ids {
					ids[i] = mustCreate(t, store, "L1", fmt.Sprintf("n%d", i)).ID
				}
				item, moved, err := store.Reorder(ctx, ReorderRequest{ItemID: ids[tc.from], NewPosition: tc.to})
				if err != nil {
					t.Fatalf("reorder: %v", err)
				}
				want := tc.to
				if want > 4 {
					want = 4
				}
				if item.Position != want {
					t.Fatalf("expected position %d, got %d", want, item.Position)
				}
				if moved != (tc.from != want) {
					t.Fatalf("expected moved=%v, got %v", tc.from != want, moved)
				}
				assertDense(t, store, "L1", 5)
				items, _ := store.ListItems(ctx, "L1")
				order := append([]string(nil), ids...)
				moving := order[tc.from]
				order = append(order[:tc.from], order[tc.from+1:]...)
				order = append(order[:want], append([]string{moving}, order[want:]...)...)
				for i, it := range items {
					if it.ID != order[i] {
						t.Fatalf("position %d: expected %s, got %s", i, order[i], it.ID)
					}
				}
			})
		}
	})

	t.Run("ReorderToSamePositionIsNoOp", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		mustCreate(t, store, "L1", "a")
		b := mustCreate(t, store, "L1", "b")
		item, moved, err := store.Reorder(ctx, ReorderRequest{ItemID: b.ID, NewPosition: 1})
		if err != nil {
			t.Fatalf("reorder: %v", err)
		}
		if moved || item.Version != 1 {
			t.Fatalf("expected unmoved version 1, got moved=%v v%d", moved, item.Version)
		}
	})

	t.Run("DeleteClosesGap", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		mustCreate(t, store, "L1", "a")
		b := mustCreate(t, store, "L1", "b")
		mustCreate(t, store, "L1", "c")
		deleted, err := store.DeleteItem(ctx, DeleteRequest{ItemID: b.ID})
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
		if deleted.ID != b.ID {
			t.Fatalf("expected deleted item returned, got %s", deleted.ID)
		}
		assertDense(t, store, "L1", 2)
		next := mustCreate(t, store, "L1", "d")
		if next.Position != 2 {
			t.Fatalf("expected next position 2, got %d", next.Position)
		}
	})

	t.Run("DeleteWithStaleVersionConflicts", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		item := mustCreate(t, store, "L1", "keep")
		if _, err := store.ToggleItem(ctx, ToggleRequest{ItemID: item.ID}); err != nil {
			t.Fatalf("toggle: %v", err)
		}
		_, err := store.DeleteItem(ctx, DeleteRequest{ItemID: item.ID, ExpectedVersion: ptr(int64(1))})
		var conflict *ConflictError
		if !errors.As(err, &conflict) || conflict.CurrentVersion != 2 {
			t.Fatalf("expected conflict at version 2, got %v", err)
		}
		if _, err := store.GetItem(ctx, item.ID); err != nil {
			t.Fatalf("expected item to survive, got %v", err)
		}
	})

	t.Run("MissingItemsReportNotFound", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		title := "x"
		if _, err := store.ConditionalUpdate(ctx, UpdateRequest{ItemID: "missing", Delta: FieldDelta{Title: &title}}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("update: expected ErrNotFound, got %v", err)
		}
		if _, err := store.DeleteItem(ctx, DeleteRequest{ItemID: "missing"}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("delete: expected ErrNotFound, got %v", err)
		}
		if _, _, err := store.Reorder(ctx, ReorderRequest{ItemID: "missing"}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("reorder: expected ErrNotFound, got %v", err)
		}
		if _, err := store.GetItem(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("get: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ConcurrentReordersStayDense", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		ids := make([]string, 6)
		for i := range ids {
			ids[i] = mustCreate(t, store, "L1", fmt.Sprintf("n%d", i)).ID
		}
		var wg sync.WaitGroup
		for i := 0; i < 12; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if _, _, err := store.Reorder(ctx, ReorderRequest{ItemID: ids[i%len(ids)], NewPosition: (i * 7) % len(ids)}); err != nil {
					t.Errorf("reorder %d: %v", i, err)
				}
			}(i)
		}
		wg.Wait()
		assertDense(t, store, "L1", len(ids))
	})
}

func mustCreate(t *testing.T, store Store, listID, title string) Item {
	t.Helper()
	item, err := store.CreateItem(context.Background(), NewItem{ListID: listID, Title: title, CreatedBy: "u1"})
	if err != nil {
		t.Fatalf("create %q: %v", title, err)
	}
	return item
}

func assertDense(t *testing.T, store Store, listID string, n int) {
	t.Helper()
	items, err := store.ListItems(context.Background(), listID)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	if len(items) != n {
		t.Fatalf("expected %d items, got %d", n, len(items))
	}
	positions := make([]int, 0, n)
	for _, item := range items {
		positions = append(positions, item.Position)
	}
	sort.Ints(positions)
	for i, p := range positions {
		if p != i {
			t.Fatalf("expected dense positions 0..%d, got %v", n-1, positions)
		}
	}
}

func ptr[T any](v T) *T {
	return &v
}
