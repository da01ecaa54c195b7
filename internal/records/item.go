package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const MaxTitleLength = 500

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrInvalidInput    = errors.New("invalid input")
	ErrNotImplemented  = errors.New("not implemented")
	ErrClosed          = errors.New("store is closed")
)

// ConflictError is returned when an expected version does not match the
// stored one. Current holds the item as it was when the write was rejected.
type ConflictError struct {
	ItemID          string
	ExpectedVersion int64
	CurrentVersion  int64
	Current         Item
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on item %s: expected %d, current %d", e.ItemID, e.ExpectedVersion, e.CurrentVersion)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

type Item struct {
	ID           string     `json:"id"`
	ListID       string     `json:"listId"`
	Title        string     `json:"title"`
	Description  *string    `json:"description"`
	Completed    bool       `json:"completed"`
	Priority     Priority   `json:"priority"`
	Status       Status     `json:"status"`
	DueDate      *time.Time `json:"dueDate"`
	AssigneeID   *string    `json:"assigneeId"`
	Position     int        `json:"position"`
	CreatedBy    string     `json:"createdBy"`
	LastEditedBy *string    `json:"lastEditedBy"`
	Version      int64      `json:"version"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Clone returns a copy that shares no pointers with i.
func (i Item) Clone() Item {
	out := i
	out.Description = clonePtr(i.Description)
	out.DueDate = clonePtr(i.DueDate)
	out.AssigneeID = clonePtr(i.AssigneeID)
	out.LastEditedBy = clonePtr(i.LastEditedBy)
	return out
}

type NewItem struct {
	ListID      string
	Title       string
	Description *string
	Priority    Priority
	DueDate     *time.Time
	AssigneeID  *string
	CreatedBy   string
}

func (n NewItem) normalize() (NewItem, error) {
	n.ListID = strings.TrimSpace(n.ListID)
	n.Title = strings.TrimSpace(n.Title)
	n.CreatedBy = strings.TrimSpace(n.CreatedBy)
	if n.ListID == "" {
		return n, fmt.Errorf("%w: list id is required", ErrInvalidInput)
	}
	if n.CreatedBy == "" {
		return n, fmt.Errorf("%w: creator is required", ErrInvalidInput)
	}
	if err := validateTitle(n.Title); err != nil {
		return n, err
	}
	if n.Priority == "" {
		n.Priority = PriorityMedium
	}
	if !n.Priority.Valid() {
		return n, fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, n.Priority)
	}
	return n, nil
}

func (n NewItem) build(id string, position int, now time.Time) Item {
	return Item{
		ID:          id,
		ListID:      n.ListID,
		Title:       n.Title,
		Description: clonePtr(n.Description),
		Priority:    n.Priority,
		Status:      StatusPending,
		DueDate:     clonePtr(n.DueDate),
		AssigneeID:  clonePtr(n.AssigneeID),
		Position:    position,
		CreatedBy:   n.CreatedBy,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Nullable distinguishes a field that is absent from a delta (Set == false)
// from one explicitly cleared (Set == true, Value == nil).
type Nullable[T any] struct {
	Set   bool
	Value *T
}

func Some[T any](v T) Nullable[T] {
	return Nullable[T]{Set: true, Value: &v}
}

func Null[T any]() Nullable[T] {
	return Nullable[T]{Set: true}
}

// FieldDelta is a partial update. Position is deliberately absent: positions
// only move through Reorder.
type FieldDelta struct {
	Title       *string
	Description Nullable[string]
	Completed   *bool
	Priority    *Priority
	Status      *Status
	DueDate     Nullable[time.Time]
	AssigneeID  Nullable[string]
}

func (d FieldDelta) IsEmpty() bool {
	return d.Title == nil && !d.Description.Set && d.Completed == nil && d.Priority == nil &&
		d.Status == nil && !d.DueDate.Set && !d.AssigneeID.Set
}

func (d FieldDelta) Validate() error {
	if d.Title != nil {
		if err := validateTitle(strings.TrimSpace(*d.Title)); err != nil {
			return err
		}
	}
	if d.Priority != nil && !d.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, *d.Priority)
	}
	if d.Status != nil && !d.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, *d.Status)
	}
	return nil
}

// Apply overwrites the fields present in d. When only one of completed and
// status is given, the other follows it.
func (d FieldDelta) Apply(item *Item) {
	if d.Title != nil {
		item.Title = strings.TrimSpace(*d.Title)
	}
	if d.Description.Set {
		item.Description = clonePtr(d.Description.Value)
	}
	if d.Priority != nil {
		item.Priority = *d.Priority
	}
	if d.DueDate.Set {
		item.DueDate = clonePtr(d.DueDate.Value)
	}
	if d.AssigneeID.Set {
		item.AssigneeID = clonePtr(d.AssigneeID.Value)
	}
	switch {
	case d.Completed != nil && d.Status != nil:
		item.Completed = *d.Completed
		item.Status = *d.Status
	case d.Completed != nil:
		item.Completed = *d.Completed
		item.Status = statusForCompleted(*d.Completed)
	case d.Status != nil:
		item.Status = *d.Status
		item.Completed = *d.Status == StatusCompleted
	}
}

func statusForCompleted(completed bool) Status {
	if completed {
		return StatusCompleted
	}
	return StatusPending
}

func (d FieldDelta) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	if d.Title != nil {
		out["title"] = *d.Title
	}
	if d.Description.Set {
		out["description"] = d.Description.Value
	}
	if d.Completed != nil {
		out["completed"] = *d.Completed
	}
	if d.Priority != nil {
		out["priority"] = *d.Priority
	}
	if d.Status != nil {
		out["status"] = *d.Status
	}
	if d.DueDate.Set {
		out["dueDate"] = d.DueDate.Value
	}
	if d.AssigneeID.Set {
		out["assigneeId"] = d.AssigneeID.Value
	}
	return json.Marshal(out)
}

func (d *FieldDelta) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*d = FieldDelta{}
	for key, value := range raw {
		var err error
		switch key {
		case "title":
			err = decodeRequired(value, &d.Title)
		case "description":
			d.Description, err = decodeNullable[string](value)
		case "completed":
			err = decodeRequired(value, &d.Completed)
		case "priority":
			err = decodeRequired(value, &d.Priority)
		case "status":
			err = decodeRequired(value, &d.Status)
		case "dueDate":
			d.DueDate, err = decodeNullable[time.Time](value)
		case "assigneeId":
			d.AssigneeID, err = decodeNullable[string](value)
		}
		if err != nil {
			return fmt.Errorf("field %s: %w", key, err)
		}
	}
	return nil
}

func decodeRequired[T any](raw json.RawMessage, dst **T) error {
	if string(raw) == "null" {
		return fmt.Errorf("%w: value cannot be null", ErrInvalidInput)
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	*dst = &v
	return nil
}

func decodeNullable[T any](raw json.RawMessage) (Nullable[T], error) {
	if string(raw) == "null" {
		return Null[T](), nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return Nullable[T]{}, err
	}
	return Some(v), nil
}

type UpdateRequest struct {
	ItemID          string
	Delta           FieldDelta
	ExpectedVersion *int64
	EditedBy        string
}

type ToggleRequest struct {
	ItemID          string
	ExpectedVersion *int64
	EditedBy        string
}

type DeleteRequest struct {
	ItemID          string
	ExpectedVersion *int64
}

type ReorderRequest struct {
	ItemID      string
	NewPosition int
	EditedBy    string
}

// Store is the versioned record store. Every accepted mutation increases the
// item's version by exactly one; positions within a list stay dense.
type Store interface {
	CreateItem(ctx context.Context, item NewItem) (Item, error)
	GetItem(ctx context.Context, itemID string) (Item, error)
	ListItems(ctx context.Context, listID string) ([]Item, error)
	ConditionalUpdate(ctx context.Context, req UpdateRequest) (Item, error)
	ToggleItem(ctx context.Context, req ToggleRequest) (Item, error)
	DeleteItem(ctx context.Context, req DeleteRequest) (Item, error)
	// Reorder reports moved == false when the item already sits at the
	// requested position; nothing is written in that case.
	Reorder(ctx context.Context, req ReorderRequest) (item Item, moved bool, err error)
	Close() error
}

func validateTitle(title string) error {
	if title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return fmt.Errorf("%w: title exceeds %d characters", ErrInvalidInput, MaxTitleLength)
	}
	return nil
}

func checkExpected(current Item, expected *int64) error {
	if expected == nil || *expected == current.Version {
		return nil
	}
	return &ConflictError{
		ItemID:          current.ID,
		ExpectedVersion: *expected,
		CurrentVersion:  current.Version,
		Current:         current.Clone(),
	}
}

func editedByPtr(editedBy string) *string {
	editedBy = strings.TrimSpace(editedBy)
	if editedBy == "" {
		return nil
	}
	return &editedBy
}

// clampPosition bounds a requested position to [0, count-1].
func clampPosition(position, count int) int {
	if position < 0 {
		return 0
	}
	if count > 0 && position > count-1 {
		return count - 1
	}
	return position
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
