package domain

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// ErrUnknownEntity is returned when an entity type has no snapshot shape.
var ErrUnknownEntity = errors.New("unknown entity type")

// Entity is a full record snapshot, enough to recreate it after deletion.
type Entity interface {
	EntityType() EntityType
	// Fields returns every field the entity models under its wire name,
	// zero values included. Unset optional fields are nil.
	Fields() Fields
}

// Task is a case task as served by the case-management API.
type Task struct {
	ID             int      `json:"id"`
	CaseID         int      `json:"case_id"`
	Description    string   `json:"description"`
	DueDate        string   `json:"due_date,omitempty"`
	Status         string   `json:"status,omitempty"`
	Urgency        int      `json:"urgency,omitempty"`
	SortOrder      float64  `json:"sort_order,omitempty"`
	DocketCategory *string  `json:"docket_category,omitempty"`
	DocketOrder    *float64 `json:"docket_order,omitempty"`
	CompletionDate string   `json:"completion_date,omitempty"`
}

func (Task) EntityType() EntityType { return EntityTask }

// Event is a calendar entry (hearing, deadline) attached to a case.
type Event struct {
	ID              int    `json:"id"`
	CaseID          int    `json:"case_id"`
	Date            string `json:"date"`
	Time            string `json:"time,omitempty"`
	Location        string `json:"location,omitempty"`
	Description     string `json:"description"`
	DocumentLink    string `json:"document_link,omitempty"`
	CalculationNote string `json:"calculation_note,omitempty"`
	Starred         bool   `json:"starred,omitempty"`
}

func (Event) EntityType() EntityType { return EntityEvent }

// Note is a free-text note on a case.
type Note struct {
	ID      int    `json:"id"`
	CaseID  int    `json:"case_id"`
	Content string `json:"content"`
}

func (Note) EntityType() EntityType { return EntityNote }

// Case is a matter. Case deletion cascades to its tasks, events and notes,
// so only field edits of a case can be reverted.
type Case struct {
	ID          int    `json:"id"`
	CaseName    string `json:"case_name"`
	Status      string `json:"status,omitempty"`
	Court       string `json:"court,omitempty"`
	PrintCode   string `json:"print_code,omitempty"`
	CaseSummary string `json:"case_summary,omitempty"`
}

func (Case) EntityType() EntityType { return EntityCase }

// TaskCreate is the creation payload for a task.
type TaskCreate struct {
	CaseID         int      `json:"case_id"`
	Description    string   `json:"description"`
	DueDate        string   `json:"due_date,omitempty"`
	Status         string   `json:"status,omitempty"`
	Urgency        int      `json:"urgency,omitempty"`
	SortOrder      float64  `json:"sort_order,omitempty"`
	DocketCategory *string  `json:"docket_category,omitempty"`
	DocketOrder    *float64 `json:"docket_order,omitempty"`
}

// EventCreate is the creation payload for an event.
type EventCreate struct {
	CaseID          int    `json:"case_id"`
	Date            string `json:"date"`
	Time            string `json:"time,omitempty"`
	Location        string `json:"location,omitempty"`
	Description     string `json:"description"`
	DocumentLink    string `json:"document_link,omitempty"`
	CalculationNote string `json:"calculation_note,omitempty"`
	Starred         bool   `json:"starred,omitempty"`
}

// NoteCreate is the creation payload for a note.
type NoteCreate struct {
	CaseID  int    `json:"case_id"`
	Content string `json:"content"`
}

// DecodeEntity parses a JSON snapshot of the given type.
func DecodeEntity(t EntityType, data []byte) (Entity, error) {
	var (
		ent Entity
		err error
	)
	switch t {
	case EntityTask:
		var v Task
		err = sonic.Unmarshal(data, &v)
		ent = v
	case EntityEvent:
		var v Event
		err = sonic.Unmarshal(data, &v)
		ent = v
	case EntityNote:
		var v Note
		err = sonic.Unmarshal(data, &v)
		ent = v
	case EntityCase:
		var v Case
		err = sonic.Unmarshal(data, &v)
		ent = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s snapshot: %w", t, err)
	}
	return ent, nil
}

func (t Task) Fields() Fields {
	f := Fields{
		"id":              t.ID,
		"case_id":         t.CaseID,
		"description":     t.Description,
		"due_date":        t.DueDate,
		"status":          t.Status,
		"urgency":         t.Urgency,
		"sort_order":      t.SortOrder,
		"docket_category": nil,
		"docket_order":    nil,
		"completion_date": t.CompletionDate,
	}
	if t.DocketCategory != nil {
		f["docket_category"] = *t.DocketCategory
	}
	if t.DocketOrder != nil {
		f["docket_order"] = *t.DocketOrder
	}
	return f
}

func (e Event) Fields() Fields {
	return Fields{
		"id":               e.ID,
		"case_id":          e.CaseID,
		"date":             e.Date,
		"time":             e.Time,
		"location":         e.Location,
		"description":      e.Description,
		"document_link":    e.DocumentLink,
		"calculation_note": e.CalculationNote,
		"starred":          e.Starred,
	}
}

func (n Note) Fields() Fields {
	return Fields{"id": n.ID, "case_id": n.CaseID, "content": n.Content}
}

func (c Case) Fields() Fields {
	return Fields{
		"id":           c.ID,
		"case_name":    c.CaseName,
		"status":       c.Status,
		"court":        c.Court,
		"print_code":   c.PrintCode,
		"case_summary": c.CaseSummary,
	}
}
