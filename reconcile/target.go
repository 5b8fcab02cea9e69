package reconcile

import "strings"

// TargetKind classifies a drop target identifier.
type TargetKind int

const (
	TargetNone TargetKind = iota
	TargetHeader
	TargetItem
	TargetZone
)

func (k TargetKind) String() string {
	switch k {
	case TargetHeader:
		return "header"
	case TargetItem:
		return "item"
	case TargetZone:
		return "zone"
	}
	return "none"
}

// Target is a parsed drop target: a category header, another item, or a
// named action zone.
type Target struct {
	Kind  TargetKind
	Value string
}

// ParseTarget parses the identifiers rendered on droppable regions:
// "header:<category>", "item:<id>" and "zone:<name>". Anything else yields
// a TargetNone target.
func ParseTarget(id string) Target {
	prefix, value, ok := strings.Cut(id, ":")
	if !ok || value == "" {
		return Target{}
	}
	switch prefix {
	case "header":
		return Target{Kind: TargetHeader, Value: value}
	case "item":
		return Target{Kind: TargetItem, Value: value}
	case "zone":
		return Target{Kind: TargetZone, Value: value}
	}
	return Target{}
}

func (t Target) String() string {
	if t.Kind == TargetNone {
		return ""
	}
	return t.Kind.String() + ":" + t.Value
}
