package storage

import (
	"fmt"

	"github.com/bytedance/sonic"

	"docket/domain"
)

// CommandType is the kind of write a command carries.
type CommandType string

const (
	CommandCreate CommandType = "create"
	CommandUpdate CommandType = "update"
	CommandDelete CommandType = "delete"
)

// Command is a queued write against a user's records.
type Command struct {
	ID       string            `json:"id"`
	UserID   string            `json:"userId"`
	Type     CommandType       `json:"type"`
	Entity   domain.EntityType `json:"entityType"`
	EntityID string            `json:"entityId"`
	Fields   domain.Fields     `json:"fields,omitempty"`
	Time     int64             `json:"time"`
}

// Ref returns the record the command targets.
func (c Command) Ref() domain.Ref {
	return domain.Ref{Entity: c.Entity, ID: c.EntityID}
}

func encodeCommand(c Command) (string, error) {
	data, err := sonic.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode command %s: %w", c.ID, err)
	}
	return string(data), nil
}

func decodeCommand(text string) (Command, error) {
	var c Command
	if err := sonic.UnmarshalString(text, &c); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	if c.UserID == "" || c.EntityID == "" || !c.Entity.Valid() {
		return Command{}, fmt.Errorf("decode command: incomplete %q", text)
	}
	switch c.Type {
	case CommandCreate, CommandUpdate, CommandDelete:
	default:
		return Command{}, fmt.Errorf("decode command: unknown type %q", c.Type)
	}
	return c, nil
}

// toFields converts a creation payload to a field map.
func toFields(input any) (domain.Fields, error) {
	if f, ok := input.(domain.Fields); ok {
		return f.Clone(), nil
	}
	data, err := sonic.Marshal(input)
	if err != nil {
		return nil, err
	}
	var f domain.Fields
	if err := sonic.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return f, nil
}
