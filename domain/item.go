package domain

import "sort"

// EntityType tags the kind of record a mutation or undo entry refers to.
type EntityType string

const (
	EntityTask  EntityType = "task"
	EntityEvent EntityType = "event"
	EntityNote  EntityType = "note"
	EntityCase  EntityType = "case"
)

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	switch t {
	case EntityTask, EntityEvent, EntityNote, EntityCase:
		return true
	}
	return false
}

// Ref addresses a single record in the remote store.
type Ref struct {
	Entity EntityType `json:"entityType"`
	ID     string     `json:"id"`
}

// Item is a member of a reorderable list. Items of one category are shown in
// (Position, ID) order; duplicate positions are allowed.
type Item struct {
	ID       string     `json:"id"`
	Entity   EntityType `json:"entityType"`
	Category string     `json:"category"`
	Position float64    `json:"position"`
	Title    string     `json:"title,omitempty"`
	// Attrs carries the record's other raw fields (status, due date, ...)
	// so action zones can capture their previous value.
	Attrs Fields `json:"attrs,omitempty"`
}

// Ref returns the store reference for the item.
func (it Item) Ref() Ref {
	return Ref{Entity: it.Entity, ID: it.ID}
}

// Less orders items by position, breaking ties by id.
func Less(a, b Item) bool {
	if a.Position != b.Position {
		return a.Position < b.Position
	}
	return a.ID < b.ID
}

// SortItems sorts items in place in display order.
func SortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool { return Less(items[i], items[j]) })
}

// InCategory returns the items of category in display order. The input is
// not modified.
func InCategory(items []Item, category string) []Item {
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if it.Category == category {
			out = append(out, it)
		}
	}
	SortItems(out)
	return out
}

// Fields is a partial record: field name to value.
type Fields map[string]any

// Clone returns a shallow copy of f.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// OrderUpdate changes an item's category, position, or both in one call.
// A nil Category or Position leaves that field unchanged.
type OrderUpdate struct {
	CategoryField string   `json:"categoryField,omitempty"`
	Category      any      `json:"category,omitempty"`
	PositionField string   `json:"positionField,omitempty"`
	Position      *float64 `json:"position,omitempty"`
}

// Fields flattens the update into the field map sent to the store.
func (u OrderUpdate) Fields() Fields {
	f := Fields{}
	if u.Category != nil && u.CategoryField != "" {
		f[u.CategoryField] = u.Category
	}
	if u.Position != nil && u.PositionField != "" {
		f[u.PositionField] = *u.Position
	}
	return f
}

// Empty reports whether the update would change nothing.
func (u OrderUpdate) Empty() bool {
	return len(u.Fields()) == 0
}
