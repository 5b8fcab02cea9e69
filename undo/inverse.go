package undo

import (
	"context"
	"fmt"

	"docket/domain"
)

// CommandKind is the store call an inverse issues.
type CommandKind string

const (
	CommandCreate   CommandKind = "create"
	CommandSetField CommandKind = "set-field"
	CommandUpdate   CommandKind = "update"
)

// Command is a single inverse store call.
type Command struct {
	Kind   CommandKind
	Ref    domain.Ref
	Input  any
	Field  string
	Value  any
	Fields domain.Fields
}

// Apply issues the call against s.
func (c Command) Apply(ctx context.Context, s Store) error {
	switch c.Kind {
	case CommandCreate:
		_, err := s.Create(ctx, c.Ref.Entity, c.Input)
		return err
	case CommandSetField:
		return s.SetField(ctx, c.Ref, c.Field, c.Value)
	case CommandUpdate:
		return s.Update(ctx, c.Ref, c.Fields)
	}
	return fmt.Errorf("unknown inverse command %q", c.Kind)
}

// Inverse returns the store call that reverts a.
func Inverse(a domain.UndoAction) (Command, error) {
	ref := a.Ref()
	if a.ActionType == domain.ActionDelete {
		input, err := CreateInput(a.DeletedEntity)
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: CommandCreate, Ref: ref, Input: input}, nil
	}
	return restore(ref, a.PreviousData), nil
}

// Inverses returns every store call that reverts a: the entry's own inverse
// first, then one call per restored record.
func Inverses(a domain.UndoAction) ([]Command, error) {
	cmd, err := Inverse(a)
	if err != nil {
		return nil, err
	}
	out := make([]Command, 0, 1+len(a.Restores))
	out = append(out, cmd)
	for _, r := range a.Restores {
		out = append(out, restore(r.Ref, r.PreviousData))
	}
	return out, nil
}

func restore(ref domain.Ref, prev domain.Fields) Command {
	if len(prev) == 1 {
		for field, value := range prev {
			return Command{Kind: CommandSetField, Ref: ref, Field: field, Value: value}
		}
	}
	return Command{Kind: CommandUpdate, Ref: ref, Fields: prev.Clone()}
}

// CreateInput maps a deleted snapshot to the creation payload of its type.
// The store assigns a fresh id.
func CreateInput(ent domain.Entity) (any, error) {
	switch v := ent.(type) {
	case domain.Task:
		return taskInput(v), nil
	case *domain.Task:
		return taskInput(*v), nil
	case domain.Event:
		return eventInput(v), nil
	case *domain.Event:
		return eventInput(*v), nil
	case domain.Note:
		return domain.NoteCreate{CaseID: v.CaseID, Content: v.Content}, nil
	case *domain.Note:
		return domain.NoteCreate{CaseID: v.CaseID, Content: v.Content}, nil
	case domain.Case, *domain.Case:
		return nil, fmt.Errorf("%w: case deletion", ErrNotUndoable)
	case nil:
		return nil, fmt.Errorf("%w: missing snapshot", ErrInvalidAction)
	}
	return nil, fmt.Errorf("%w: %T", domain.ErrUnknownEntity, ent)
}

func taskInput(t domain.Task) domain.TaskCreate {
	return domain.TaskCreate{
		CaseID:         t.CaseID,
		Description:    t.Description,
		DueDate:        t.DueDate,
		Status:         t.Status,
		Urgency:        t.Urgency,
		SortOrder:      t.SortOrder,
		DocketCategory: t.DocketCategory,
		DocketOrder:    t.DocketOrder,
	}
}

func eventInput(e domain.Event) domain.EventCreate {
	return domain.EventCreate{
		CaseID:          e.CaseID,
		Date:            e.Date,
		Time:            e.Time,
		Location:        e.Location,
		Description:     e.Description,
		DocumentLink:    e.DocumentLink,
		CalculationNote: e.CalculationNote,
		Starred:         e.Starred,
	}
}
