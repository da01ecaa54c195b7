package records

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestFieldDeltaDistinguishesAbsentFromNull(t *testing.T) {
	var delta FieldDelta
	if err := json.Unmarshal([]byte(`{"title":"Buy bread","description":null}`), &delta); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if delta.Title == nil || *delta.Title != "Buy bread" {
		t.Fatalf("expected title set, got %v", delta.Title)
	}
	if !delta.Description.Set || delta.Description.Value != nil {
		t.Fatalf("expected explicit null description, got %+v", delta.Description)
	}
	if delta.AssigneeID.Set || delta.DueDate.Set {
		t.Fatalf("expected absent fields to stay unset")
	}

	out, err := json.Marshal(delta)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(out), `"description":null`) || strings.Contains(string(out), "assigneeId") {
		t.Fatalf("unexpected encoding %s", out)
	}
}

func TestFieldDeltaRejectsNullForRequiredFields(t *testing.T) {
	var delta FieldDelta
	err := json.Unmarshal([]byte(`{"title":null}`), &delta)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestFieldDeltaApplyCouplesCompletedAndStatus(t *testing.T) {
	item := Item{Status: StatusInProgress}
	done := true
	FieldDelta{Completed: &done}.Apply(&item)
	if item.Status != StatusCompleted {
		t.Fatalf("expected completed status, got %s", item.Status)
	}

	undone := false
	FieldDelta{Completed: &undone}.Apply(&item)
	if item.Status != StatusPending || item.Completed {
		t.Fatalf("expected pending and not completed, got %s %v", item.Status, item.Completed)
	}

	stillOpen := Item{Status: StatusInProgress}
	FieldDelta{Completed: &undone}.Apply(&stillOpen)
	if stillOpen.Status != StatusPending {
		t.Fatalf("expected completed=false to reset in_progress to pending, got %s", stillOpen.Status)
	}

	status := StatusCompleted
	FieldDelta{Status: &status}.Apply(&item)
	if !item.Completed {
		t.Fatalf("expected status completed to set the flag")
	}

	inProgress := StatusInProgress
	FieldDelta{Completed: &done, Status: &inProgress}.Apply(&item)
	if item.Status != StatusInProgress || !item.Completed {
		t.Fatalf("expected explicit values to win, got %s %v", item.Status, item.Completed)
	}
}

func TestFieldDeltaValidateTitleLength(t *testing.T) {
	long := strings.Repeat("é", MaxTitleLength+1)
	if err := (FieldDelta{Title: &long}).Validate(); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected long title rejected, got %v", err)
	}
	ok := strings.Repeat("é", MaxTitleLength)
	if err := (FieldDelta{Title: &ok}).Validate(); err != nil {
		t.Fatalf("expected %d characters accepted, got %v", MaxTitleLength, err)
	}
}

func TestItemCloneDoesNotSharePointers(t *testing.T) {
	desc := "a"
	item := Item{Description: &desc}
	clone := item.Clone()
	*clone.Description = "b"
	if *item.Description != "a" {
		t.Fatalf("expected original untouched, got %s", *item.Description)
	}
}
