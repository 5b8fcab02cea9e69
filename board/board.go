// Package board ties drag gestures, drop reconciliation, remote mutations
// and the undo history together for one user.
package board

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"docket/domain"
	"docket/drag"
	"docket/notify"
	"docket/ordering"
	"docket/reconcile"
	"docket/undo"
)

// ErrItemNotFound is returned when a dragged or edited item is unknown.
var ErrItemNotFound = errors.New("item not found")

// RemoteStore is the record store the board mutates. It owns the data;
// the board never keeps authoritative copies.
type RemoteStore interface {
	UpdateOrderable(ctx context.Context, ref domain.Ref, u domain.OrderUpdate) error
	SetField(ctx context.Context, ref domain.Ref, field string, value any) error
	Update(ctx context.Context, ref domain.Ref, fields domain.Fields) error
	Create(ctx context.Context, entity domain.EntityType, input any) (string, error)
	Delete(ctx context.Context, ref domain.Ref) error
	Get(ctx context.Context, ref domain.Ref) (domain.Entity, error)
	FetchItems(ctx context.Context, g reconcile.Grouping) ([]domain.Item, error)
}

// Options configure a Board.
type Options struct {
	Timeout   time.Duration
	Toasts    time.Duration
	Cache     undo.Invalidator
	Logger    *log.Logger
	Dispatch  *Dispatcher
	OnApplied func(Applied)
}

// Applied describes a finished drop.
type Applied struct {
	Plan   reconcile.Plan
	Action *domain.UndoAction
	Err    error
}

// Board is one user's workspace.
type Board struct {
	rec      *reconcile.Reconciler
	store    RemoteStore
	drag     *drag.Coordinator
	undo     *undo.Log
	toasts   *notify.Center
	dispatch *Dispatcher
	log      *log.Logger
	timeout  time.Duration
	applied  func(Applied)

	mu        sync.Mutex
	dragItems []domain.Item
}

// New creates a Board.
func New(rec *reconcile.Reconciler, store RemoteStore, opts Options) *Board {
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Dispatch == nil {
		opts.Dispatch = NewDispatcher(DispatchConfig{Timeout: opts.Timeout}, opts.Logger)
	}
	toasts := notify.NewCenter(opts.Toasts)
	return &Board{
		rec:      rec,
		store:    store,
		drag:     drag.NewCoordinator(),
		undo:     undo.New(store, toasts, opts.Cache, opts.Logger),
		toasts:   toasts,
		dispatch: opts.Dispatch,
		log:      opts.Logger,
		timeout:  opts.Timeout,
		applied:  opts.OnApplied,
	}
}

// Drag exposes the drag state to observers.
func (b *Board) Drag() *drag.Coordinator { return b.drag }

// Toasts exposes the notification center.
func (b *Board) Toasts() *notify.Center { return b.toasts }

// History returns the undo entries, most recent first.
func (b *Board) History() []domain.UndoAction { return b.undo.History() }

// Close releases timers. Queued drops keep running on the dispatcher.
func (b *Board) Close() {
	b.drag.Cancel()
	b.toasts.Close()
}

func (b *Board) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.timeout)
}

func (b *Board) items(ctx context.Context, g reconcile.Grouping) ([]domain.Item, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	items, err := b.store.FetchItems(ctx, g)
	if err != nil {
		return nil, fmt.Errorf("fetch %s items: %w", g.Name, err)
	}
	return items, nil
}

// StartDrag begins dragging itemID as shown in the named grouping.
func (b *Board) StartDrag(ctx context.Context, grouping, itemID, origin string) (drag.Session, error) {
	g, err := b.rec.Grouping(grouping)
	if err != nil {
		return drag.Session{}, err
	}
	items, err := b.items(ctx, g)
	if err != nil {
		return drag.Session{}, err
	}
	item, ok := findItem(items, itemID)
	if !ok {
		return drag.Session{}, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}

	s, err := b.drag.Start(g.Name, item, origin)
	if err != nil {
		return drag.Session{}, err
	}
	b.mu.Lock()
	b.dragItems = items
	b.mu.Unlock()
	return s, nil
}

// HoverDrag resolves target against the items seen at drag start and
// records it as the drop candidate.
func (b *Board) HoverDrag(_ context.Context, target string) (drag.Hover, error) {
	s, ok := b.drag.Snapshot()
	if !ok {
		return drag.Hover{}, drag.ErrNotDragging
	}
	g, err := b.rec.Grouping(s.Grouping)
	if err != nil {
		return drag.Hover{}, err
	}
	b.mu.Lock()
	items := b.dragItems
	b.mu.Unlock()

	res := b.rec.Resolve(g, items, s.Item, s.Origin, reconcile.ParseTarget(target))
	h := drag.Hover{Target: target, Category: res.Category, Index: res.Index, Valid: res.Valid}
	if res.Zone != nil {
		h.Zone = res.Zone.Name
	}
	if err := b.drag.Hover(h); err != nil {
		return drag.Hover{}, err
	}
	return h, nil
}

// Drop ends the drag and hands the resulting mutation to the dispatcher.
// The hover target is re-resolved against fresh items so concurrent edits
// are taken into account. The returned plan is what was dispatched; its
// outcome arrives as a toast.
func (b *Board) Drop(ctx context.Context) (reconcile.Plan, error) {
	s, err := b.drag.Drop()
	if err != nil {
		return reconcile.Plan{}, err
	}
	b.mu.Lock()
	items := b.dragItems
	b.dragItems = nil
	b.mu.Unlock()

	g, err := b.rec.Grouping(s.Grouping)
	if err != nil {
		return reconcile.Plan{}, err
	}
	if fresh, err := b.items(ctx, g); err != nil {
		b.log.Warnf("using drag-start items for drop, grouping: %s, err: %v", g.Name, err)
	} else {
		items = fresh
	}

	res := b.rec.Resolve(g, items, s.Item, s.Origin, reconcile.ParseTarget(s.Hover.Target))
	plan := b.rec.Plan(g, items, s.Item, res)
	if plan.Noop() {
		b.log.Debugf("drop ignored, item: %s, target: %q, reason: %s", s.Item.ID, s.Hover.Target, plan.Reason)
		return plan, nil
	}

	b.dispatch.Submit(Job{
		Name: "drop " + s.Item.ID,
		Run: func(ctx context.Context) error {
			a, err := b.apply(ctx, g, plan)
			if b.applied != nil {
				b.applied(Applied{Plan: plan, Action: a, Err: err})
			}
			return err
		},
	})
	return plan, nil
}

// CancelDrag abandons the drag without touching the store.
func (b *Board) CancelDrag() bool {
	b.mu.Lock()
	b.dragItems = nil
	b.mu.Unlock()
	return b.drag.Cancel()
}

// Zones names the action zones the live drag may be dropped on. A zone
// limited to some origins is offered only while dragging from one of them.
func (b *Board) Zones() []string {
	s, ok := b.drag.Snapshot()
	if !ok {
		return nil
	}
	g, err := b.rec.Grouping(s.Grouping)
	if err != nil {
		return nil
	}
	var out []string
	for _, z := range g.Zones {
		if len(z.Origins) == 0 {
			out = append(out, z.Name)
			continue
		}
		for _, o := range z.Origins {
			if b.drag.DraggingFrom(o) {
				out = append(out, z.Name)
				break
			}
		}
	}
	return out
}

func (b *Board) apply(ctx context.Context, g reconcile.Grouping, plan reconcile.Plan) (*domain.UndoAction, error) {
	m := plan.Mutation
	if err := b.exec(ctx, *m); err != nil {
		b.log.WithFields(log.Fields{
			"grouping": g.Name,
			"entityId": m.Ref.ID,
			"kind":     m.Kind,
		}).Errorf("drop mutation failed: %v", err)
		b.toasts.Show(fmt.Sprintf("Failed to save: %s", m.Description), notify.Options{Kind: notify.KindError})
		return nil, err
	}

	var restores []domain.Restore
	if len(plan.Renumber) > 0 {
		b.log.Warnf("positions collapsed in %s, respacing %d items", g.Name, len(plan.Renumber))
		for _, r := range plan.Renumber {
			if err := b.exec(ctx, r); err != nil {
				b.log.Errorf("respace failed, entity: %s, err: %v", r.Ref.ID, err)
				continue
			}
			restores = append(restores, domain.Restore{Ref: r.Ref, PreviousData: r.Previous})
		}
	}

	if len(m.Previous) == 0 {
		b.log.Debugf("no previous value for %s, drop not undoable", m.Ref.ID)
		return nil, nil
	}
	kind := domain.ActionUpdate
	if m.Kind == reconcile.MutationSetField {
		kind = domain.ActionToggle
	}
	a, err := b.undo.Record(domain.UndoAction{
		EntityType:     m.Ref.Entity,
		EntityID:       m.Ref.ID,
		ActionType:     kind,
		Description:    m.Description,
		PreviousData:   m.Previous,
		Restores:       restores,
		InvalidateKeys: b.viewKeys(m.Ref.Entity),
	})
	if err != nil {
		b.log.Debugf("drop not recorded for undo: %v", err)
		return nil, nil
	}
	return &a, nil
}

func (b *Board) exec(ctx context.Context, m reconcile.Mutation) error {
	switch m.Kind {
	case reconcile.MutationSetField:
		return b.store.SetField(ctx, m.Ref, m.Field, m.Value)
	case reconcile.MutationReorder:
		return b.store.UpdateOrderable(ctx, m.Ref, m.Order)
	}
	return fmt.Errorf("unknown mutation kind %q", m.Kind)
}

// viewKeys names the cached views that show entities of type t.
func (b *Board) viewKeys(t domain.EntityType) []string {
	var keys []string
	for _, g := range b.rec.Groupings() {
		if g.Entity == t {
			keys = append(keys, g.Name)
		}
	}
	return keys
}

// Edit updates fields of a record and records the edit for undo.
func (b *Board) Edit(ctx context.Context, ref domain.Ref, fields domain.Fields, description string) (*domain.UndoAction, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	snap, err := b.store.Get(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("load %s %s: %w", ref.Entity, ref.ID, err)
	}
	current := snap.Fields()
	prev := domain.Fields{}
	for k := range fields {
		// Fields the entity does not model are restored as cleared.
		prev[k] = current[k]
	}

	if err := b.store.Update(ctx, ref, fields); err != nil {
		b.toasts.Show(fmt.Sprintf("Failed to save: %s", description), notify.Options{Kind: notify.KindError})
		return nil, err
	}

	kind := domain.ActionUpdate
	if len(fields) == 1 {
		for _, v := range fields {
			if _, ok := v.(bool); ok {
				kind = domain.ActionToggle
			}
		}
	}
	a, err := b.undo.Record(domain.UndoAction{
		EntityType:     ref.Entity,
		EntityID:       ref.ID,
		ActionType:     kind,
		Description:    description,
		PreviousData:   prev,
		InvalidateKeys: b.viewKeys(ref.Entity),
	})
	if err != nil {
		b.log.Debugf("edit not recorded for undo: %v", err)
		return nil, nil
	}
	return &a, nil
}

// Delete removes a record, keeping its snapshot so the deletion can be
// undone. Case deletions cascade and are never recorded.
func (b *Board) Delete(ctx context.Context, ref domain.Ref, description string) (*domain.UndoAction, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	snap, err := b.store.Get(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("load %s %s: %w", ref.Entity, ref.ID, err)
	}
	if err := b.store.Delete(ctx, ref); err != nil {
		b.toasts.Show(fmt.Sprintf("Failed to delete: %s", description), notify.Options{Kind: notify.KindError})
		return nil, err
	}
	if ref.Entity == domain.EntityCase {
		return nil, nil
	}
	a, err := b.undo.Record(domain.UndoAction{
		EntityType:     ref.Entity,
		EntityID:       ref.ID,
		ActionType:     domain.ActionDelete,
		Description:    description,
		DeletedEntity:  snap,
		InvalidateKeys: b.viewKeys(ref.Entity),
	})
	if err != nil {
		b.log.Debugf("delete not recorded for undo: %v", err)
		return nil, nil
	}
	return &a, nil
}

// Add creates a record at the end of category in the named grouping.
func (b *Board) Add(ctx context.Context, grouping, category string, input domain.Fields) (string, error) {
	g, err := b.rec.Grouping(grouping)
	if err != nil {
		return "", err
	}
	items, err := b.items(ctx, g)
	if err != nil {
		return "", err
	}
	var positions []float64
	for _, it := range domain.InCategory(items, category) {
		positions = append(positions, it.Position)
	}

	payload := input.Clone()
	if payload == nil {
		payload = domain.Fields{}
	}
	payload[g.CategoryField] = g.Encode(category)
	payload[g.PositionField] = ordering.Append(positions)

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	return b.store.Create(ctx, g.Entity, payload)
}

// Undo reverts the most recent recorded mutation.
func (b *Board) Undo(ctx context.Context) (*domain.UndoAction, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	return b.undo.Undo(ctx)
}

// HandleKey applies the global keyboard surface: Escape cancels a drag and
// the platform undo combination triggers Undo. It reports whether the key
// was consumed.
func (b *Board) HandleKey(ctx context.Context, platform string, ev undo.KeyEvent) (bool, *domain.UndoAction, error) {
	if undo.IsEscape(ev) {
		return b.CancelDrag(), nil, nil
	}
	if !undo.ShortcutFor(platform).Matches(ev) {
		return false, nil, nil
	}
	a, err := b.Undo(ctx)
	return true, a, err
}

// Column is one category of a view.
type Column struct {
	Category string        `json:"category"`
	Items    []domain.Item `json:"items"`
}

// View is a grouping rendered in display order.
type View struct {
	Grouping string        `json:"grouping"`
	Columns  []Column      `json:"columns"`
	Unplaced []domain.Item `json:"unplaced,omitempty"`
}

// View returns the grouping's categories with their items in order. Fixed
// categories are present even when empty.
func (b *Board) View(ctx context.Context, grouping string) (View, error) {
	g, err := b.rec.Grouping(grouping)
	if err != nil {
		return View{}, err
	}
	items, err := b.items(ctx, g)
	if err != nil {
		return View{}, err
	}
	v := View{Grouping: g.Name}
	for _, c := range b.rec.Categories(g, items) {
		v.Columns = append(v.Columns, Column{Category: c, Items: domain.InCategory(items, c)})
	}
	v.Unplaced = domain.InCategory(items, "")
	return v, nil
}

// Run feeds pointer events from src into the board until ctx is done.
func (b *Board) Run(ctx context.Context, src drag.GestureSource) {
	drag.Pump(ctx, src, gestures{b}, func(ev drag.PointerEvent, err error) {
		b.log.Debugf("pointer %s rejected: %v", ev.Kind, err)
	})
}

type gestures struct{ b *Board }

func (g gestures) BeginDrag(ctx context.Context, grouping, itemID, origin string) error {
	_, err := g.b.StartDrag(ctx, grouping, itemID, origin)
	return err
}

func (g gestures) HoverDrag(ctx context.Context, target string) error {
	_, err := g.b.HoverDrag(ctx, target)
	return err
}

func (g gestures) EndDrag(ctx context.Context) error {
	_, err := g.b.Drop(ctx)
	return err
}

func (g gestures) CancelDrag(context.Context) { g.b.CancelDrag() }

func findItem(items []domain.Item, id string) (domain.Item, bool) {
	for _, it := range items {
		if it.ID == id {
			return it, true
		}
	}
	return domain.Item{}, false
}
