// Package reconcile turns drop gestures into the smallest set of remote
// mutations: a single field change for action zones, otherwise one update
// that sets the new position and, when the item changes bucket, its new
// category in the same call.
package reconcile

import (
	"errors"
	"fmt"
	"reflect"
	"sort"

	"docket/domain"
	"docket/ordering"
)

// ErrUnknownGrouping is returned for grouping names without a definition.
var ErrUnknownGrouping = errors.New("unknown grouping")

// Resolution is where a drop would land.
type Resolution struct {
	Target   Target
	Category string
	Index    int
	Zone     *Zone
	Valid    bool
}

// MutationKind distinguishes reorders from single-field changes.
type MutationKind string

const (
	MutationReorder  MutationKind = "reorder"
	MutationSetField MutationKind = "set-field"
)

// Mutation is one remote call. Previous holds the values it overwrites.
type Mutation struct {
	Kind        MutationKind
	Ref         domain.Ref
	Order       domain.OrderUpdate
	Field       string
	Value       any
	Previous    domain.Fields
	Description string
}

// Fields returns the fields the mutation writes.
func (m Mutation) Fields() domain.Fields {
	if m.Kind == MutationSetField {
		return domain.Fields{m.Field: m.Value}
	}
	return m.Order.Fields()
}

// Plan is the outcome of a drop. A nil Mutation means nothing to do.
// Renumber is only set when the target category ran out of room between
// neighbours and its other members must be respaced.
type Plan struct {
	Grouping string
	Mutation *Mutation
	Renumber []Mutation
	Reason   string
}

// Noop reports whether the drop requires no remote call.
func (p Plan) Noop() bool { return p.Mutation == nil }

// Reconciler holds the grouping vocabulary.
type Reconciler struct {
	groupings map[string]Grouping
	order     []string
}

// New creates a Reconciler over the given groupings.
func New(groupings []Grouping) (*Reconciler, error) {
	r := &Reconciler{groupings: make(map[string]Grouping, len(groupings))}
	for _, g := range groupings {
		if err := g.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.groupings[g.Name]; dup {
			return nil, fmt.Errorf("duplicate grouping %s", g.Name)
		}
		r.groupings[g.Name] = g
		r.order = append(r.order, g.Name)
	}
	return r, nil
}

// Grouping returns the named grouping.
func (r *Reconciler) Grouping(name string) (Grouping, error) {
	g, ok := r.groupings[name]
	if !ok {
		return Grouping{}, fmt.Errorf("%w: %s", ErrUnknownGrouping, name)
	}
	return g, nil
}

// Groupings lists the groupings in definition order.
func (r *Reconciler) Groupings() []Grouping {
	out := make([]Grouping, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.groupings[name])
	}
	return out
}

// Resolve maps a hover target to a (category, index) pair or an action zone.
// Index is the position the dragged item would take in the category's
// display order.
func (r *Reconciler) Resolve(g Grouping, items []domain.Item, dragged domain.Item, origin string, target Target) Resolution {
	res := Resolution{Target: target}
	dragged = current(items, dragged)

	switch target.Kind {
	case TargetZone:
		z, ok := g.Zone(target.Value)
		if !ok || !z.Accepts(origin) {
			return res
		}
		res.Zone = &z
		res.Valid = true
	case TargetHeader:
		if !resolvable(g, items, target.Value) {
			return res
		}
		res.Category = target.Value
		res.Index = len(siblings(items, target.Value, dragged.ID))
		res.Valid = true
	case TargetItem:
		if target.Value == dragged.ID {
			if dragged.Category == "" {
				return res
			}
			res.Category = dragged.Category
			res.Index = indexOf(domain.InCategory(items, dragged.Category), dragged.ID)
			res.Valid = res.Index >= 0
			return res
		}
		over, ok := find(items, target.Value)
		if !ok || over.Category == "" {
			return res
		}
		res.Category = over.Category
		res.Index = indexOf(domain.InCategory(items, over.Category), over.ID)
		res.Valid = true
	}
	return res
}

// Plan computes the mutations for dropping dragged at res.
func (r *Reconciler) Plan(g Grouping, items []domain.Item, dragged domain.Item, res Resolution) Plan {
	plan := Plan{Grouping: g.Name}
	if !res.Valid {
		plan.Reason = "invalid target"
		return plan
	}
	dragged = current(items, dragged)
	if dragged.Entity == "" {
		dragged.Entity = g.Entity
	}

	if res.Zone != nil {
		return planZone(plan, g, *res.Zone, dragged)
	}

	full := domain.InCategory(items, res.Category)
	rest := make([]domain.Item, 0, len(full))
	for _, it := range full {
		if it.ID != dragged.ID {
			rest = append(rest, it)
		}
	}
	insert := res.Index
	if insert < 0 {
		insert = 0
	}
	if insert > len(rest) {
		insert = len(rest)
	}

	sameCategory := dragged.Category == res.Category
	if sameCategory && indexOf(full, dragged.ID) == insert {
		plan.Reason = "unchanged position"
		return plan
	}

	positions := make([]float64, len(rest))
	for i, it := range rest {
		positions[i] = it.Position
	}
	pos, ok := ordering.Index(positions, insert)
	if !ok {
		respaced := ordering.Renumber(len(rest) + 1)
		pos = respaced[insert]
		plan.Renumber = renumber(g, rest, insert, respaced)
	}

	m := Mutation{
		Kind: MutationReorder,
		Ref:  dragged.Ref(),
		Order: domain.OrderUpdate{
			PositionField: g.PositionField,
			Position:      &pos,
		},
		Previous: domain.Fields{},
	}
	if dragged.Category == "" {
		m.Previous[g.PositionField] = nil
	} else {
		m.Previous[g.PositionField] = dragged.Position
	}
	if sameCategory {
		m.Description = fmt.Sprintf("Reordered %s", label(dragged))
	} else {
		m.Order.CategoryField = g.CategoryField
		m.Order.Category = g.Encode(res.Category)
		m.Previous[g.CategoryField] = g.Encode(dragged.Category)
		m.Description = fmt.Sprintf("Moved %s to %s", label(dragged), res.Category)
	}
	plan.Mutation = &m
	return plan
}

func planZone(plan Plan, g Grouping, z Zone, dragged domain.Item) Plan {
	prev, known := dragged.Attrs[z.Field]
	if z.Field == g.CategoryField {
		prev, known = g.Encode(dragged.Category), true
	}
	if known && reflect.DeepEqual(prev, z.Value) {
		plan.Reason = "zone already applied"
		return plan
	}
	m := Mutation{
		Kind:        MutationSetField,
		Ref:         dragged.Ref(),
		Field:       z.Field,
		Value:       z.Value,
		Description: fmt.Sprintf("%s: %s", zoneLabel(z), label(dragged)),
	}
	if known {
		m.Previous = domain.Fields{z.Field: prev}
	}
	plan.Mutation = &m
	return plan
}

// renumber respaces the siblings of a collapsed category. respaced has one
// slot per sibling plus the slot at insert taken by the moved item.
func renumber(g Grouping, rest []domain.Item, insert int, respaced []float64) []Mutation {
	out := make([]Mutation, 0, len(rest))
	for i, it := range rest {
		slot := i
		if i >= insert {
			slot++
		}
		pos := respaced[slot]
		if pos == it.Position {
			continue
		}
		entity := it.Entity
		if entity == "" {
			entity = g.Entity
		}
		out = append(out, Mutation{
			Kind:        MutationReorder,
			Ref:         domain.Ref{Entity: entity, ID: it.ID},
			Order:       domain.OrderUpdate{PositionField: g.PositionField, Position: &pos},
			Previous:    domain.Fields{g.PositionField: it.Position},
			Description: fmt.Sprintf("Respaced %s", label(it)),
		})
	}
	return out
}

// Categories returns the grouping's categories: the fixed set first, then
// any other category present among items, sorted.
func (r *Reconciler) Categories(g Grouping, items []domain.Item) []string {
	out := append([]string(nil), g.Categories...)
	var extra []string
	seen := map[string]struct{}{}
	for _, c := range g.Categories {
		seen[c] = struct{}{}
	}
	for _, it := range items {
		if it.Category == "" {
			continue
		}
		if _, ok := seen[it.Category]; ok {
			continue
		}
		seen[it.Category] = struct{}{}
		extra = append(extra, it.Category)
	}
	sort.Strings(extra)
	return append(out, extra...)
}

func resolvable(g Grouping, items []domain.Item, category string) bool {
	if g.Fixed(category) {
		return true
	}
	for _, it := range items {
		if it.Category == category {
			return true
		}
	}
	return false
}

func siblings(items []domain.Item, category, exclude string) []domain.Item {
	out := make([]domain.Item, 0)
	for _, it := range domain.InCategory(items, category) {
		if it.ID != exclude {
			out = append(out, it)
		}
	}
	return out
}

func current(items []domain.Item, dragged domain.Item) domain.Item {
	if it, ok := find(items, dragged.ID); ok {
		return it
	}
	return dragged
}

func find(items []domain.Item, id string) (domain.Item, bool) {
	for _, it := range items {
		if it.ID == id {
			return it, true
		}
	}
	return domain.Item{}, false
}

func indexOf(items []domain.Item, id string) int {
	for i, it := range items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

func label(it domain.Item) string {
	if it.Title != "" {
		return fmt.Sprintf("%q", it.Title)
	}
	return string(it.Entity) + " " + it.ID
}

func zoneLabel(z Zone) string {
	if z.Description != "" {
		return z.Description
	}
	return z.Name
}
