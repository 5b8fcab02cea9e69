package reconcile

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"docket/domain"
)

// Origin tags used by the default vocabulary.
const (
	OriginDocketPanel = "docket-panel"
	OriginTaskList    = "task-list"
)

// Encoding selects how a category string is written back to the store.
type Encoding string

const (
	EncodeString Encoding = "string"
	EncodeInt    Encoding = "int"
)

// Zone is a named drop target that applies a single field change instead
// of a reorder. A nil Value clears the field.
type Zone struct {
	Name        string   `yaml:"name"`
	Field       string   `yaml:"field"`
	Value       any      `yaml:"value"`
	Origins     []string `yaml:"origins,omitempty"`
	Description string   `yaml:"description,omitempty"`
}

// Accepts reports whether a drag started at origin may drop on the zone.
func (z Zone) Accepts(origin string) bool {
	if len(z.Origins) == 0 {
		return true
	}
	for _, o := range z.Origins {
		if o == origin {
			return true
		}
	}
	return false
}

// Grouping describes one way of bucketing orderable items: which field
// holds the category, which holds the position, and which categories are
// always valid drop targets.
type Grouping struct {
	Name          string            `yaml:"name"`
	Entity        domain.EntityType `yaml:"entity"`
	CategoryField string            `yaml:"categoryField"`
	PositionField string            `yaml:"positionField"`
	Encoding      Encoding          `yaml:"encoding"`
	Categories    []string          `yaml:"categories,omitempty"`
	Zones         []Zone            `yaml:"zones,omitempty"`
}

// Zone looks up an action zone by name.
func (g Grouping) Zone(name string) (Zone, bool) {
	for _, z := range g.Zones {
		if z.Name == name {
			return z, true
		}
	}
	return Zone{}, false
}

// Fixed reports whether category belongs to the grouping's fixed set.
func (g Grouping) Fixed(category string) bool {
	for _, c := range g.Categories {
		if c == category {
			return true
		}
	}
	return false
}

// Encode converts a category to the value stored in CategoryField.
func (g Grouping) Encode(category string) any {
	if category == "" {
		return nil
	}
	if g.Encoding == EncodeInt {
		if n, err := strconv.Atoi(category); err == nil {
			return n
		}
	}
	return category
}

// Decode converts a raw stored category value to its string form. Missing
// values decode to "" (the item belongs to no category).
func Decode(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case int:
		return strconv.Itoa(val)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}

// Item maps a stored record of the grouping's entity type to an orderable
// item. A record without a position falls back to zero.
func (g Grouping) Item(id string, fields domain.Fields) domain.Item {
	it := domain.Item{
		ID:       id,
		Entity:   g.Entity,
		Category: Decode(fields[g.CategoryField]),
		Attrs:    fields,
	}
	switch v := fields[g.PositionField].(type) {
	case float64:
		it.Position = v
	case int:
		it.Position = float64(v)
	case int64:
		it.Position = float64(v)
	case string:
		it.Position, _ = strconv.ParseFloat(v, 64)
	}
	for _, k := range []string{"description", "content", "case_name"} {
		if s, ok := fields[k].(string); ok && s != "" {
			it.Title = s
			break
		}
	}
	return it
}

func (g Grouping) validate() error {
	if g.Name == "" {
		return errors.New("grouping without name")
	}
	if !g.Entity.Valid() {
		return fmt.Errorf("grouping %s: invalid entity %q", g.Name, g.Entity)
	}
	if g.CategoryField == "" || g.PositionField == "" {
		return fmt.Errorf("grouping %s: category and position fields are required", g.Name)
	}
	switch g.Encoding {
	case "", EncodeString, EncodeInt:
	default:
		return fmt.Errorf("grouping %s: unknown encoding %q", g.Name, g.Encoding)
	}
	seen := map[string]struct{}{}
	for _, z := range g.Zones {
		if z.Name == "" || z.Field == "" {
			return fmt.Errorf("grouping %s: zone requires name and field", g.Name)
		}
		if _, dup := seen[z.Name]; dup {
			return fmt.Errorf("grouping %s: duplicate zone %s", g.Name, z.Name)
		}
		seen[z.Name] = struct{}{}
	}
	return nil
}

// DefaultGroupings returns the urgency, status and docket groupings of tasks.
func DefaultGroupings() []Grouping {
	done := Zone{Name: "done", Field: "status", Value: "Done", Description: "Mark done"}
	return []Grouping{
		{
			Name:          "urgency",
			Entity:        domain.EntityTask,
			CategoryField: "urgency",
			PositionField: "sort_order",
			Encoding:      EncodeInt,
			Categories:    []string{"1", "2", "3", "4"},
			Zones:         []Zone{done},
		},
		{
			Name:          "status",
			Entity:        domain.EntityTask,
			CategoryField: "status",
			PositionField: "sort_order",
			Encoding:      EncodeString,
			Categories:    []string{"Pending", "Active", "Blocked", "Awaiting Atty Review", "Done"},
		},
		{
			Name:          "docket",
			Entity:        domain.EntityTask,
			CategoryField: "docket_category",
			PositionField: "docket_order",
			Encoding:      EncodeString,
			Categories:    []string{"today", "tomorrow", "backburner"},
			Zones: []Zone{
				done,
				{Name: "remove", Field: "docket_category", Value: nil, Origins: []string{OriginDocketPanel}, Description: "Remove from schedule"},
			},
		},
	}
}

type groupingsFile struct {
	Groupings []Grouping `yaml:"groupings"`
}

// LoadGroupings reads a YAML grouping vocabulary. An empty path yields the
// defaults.
func LoadGroupings(path string) ([]Grouping, error) {
	if path == "" {
		return DefaultGroupings(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read groupings: %w", err)
	}
	return ParseGroupings(data)
}

// ParseGroupings decodes and validates a YAML grouping vocabulary.
func ParseGroupings(data []byte) ([]Grouping, error) {
	var f groupingsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse groupings: %w", err)
	}
	if len(f.Groupings) == 0 {
		return nil, errors.New("parse groupings: no groupings defined")
	}
	for i := range f.Groupings {
		if f.Groupings[i].Encoding == "" {
			f.Groupings[i].Encoding = EncodeString
		}
		if err := f.Groupings[i].validate(); err != nil {
			return nil, err
		}
	}
	return f.Groupings, nil
}
