package domain

import "time"

// ActionType is the kind of mutation an undo entry reverses.
type ActionType string

const (
	ActionUpdate ActionType = "update"
	ActionDelete ActionType = "delete"
	ActionToggle ActionType = "toggle"
)

// UndoAction holds what is needed to invert one recorded mutation.
type UndoAction struct {
	ID          string     `json:"id"`
	Timestamp   time.Time  `json:"timestamp"`
	EntityType  EntityType `json:"entityType"`
	EntityID    string     `json:"entityId"`
	ActionType  ActionType `json:"actionType"`
	Description string     `json:"description"`
	// PreviousData holds the pre-mutation values of the changed fields.
	PreviousData Fields `json:"previousData,omitempty"`
	// DeletedEntity is set only for deletions.
	DeletedEntity Entity `json:"deletedEntity,omitempty"`
	// Restores are other records the same mutation moved, such as siblings
	// respaced when positions ran out of room.
	Restores       []Restore `json:"restores,omitempty"`
	InvalidateKeys []string  `json:"invalidateKeys,omitempty"`
}

// Restore puts fields of one more record back to their previous values.
type Restore struct {
	Ref          Ref    `json:"ref"`
	PreviousData Fields `json:"previousData"`
}

// Ref returns the store reference of the affected record.
func (a UndoAction) Ref() Ref {
	return Ref{Entity: a.EntityType, ID: a.EntityID}
}
