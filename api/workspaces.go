package api

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"docket/board"
	"docket/drag"
	"docket/fanout"
	"docket/reconcile"
	"docket/storage"
	"docket/undo"
)

// StoreFactory returns the remote store acting on behalf of userID.
type StoreFactory func(userID string) board.RemoteStore

// GestureBuffer is the number of pointer events queued per user.
const GestureBuffer = 32

type workspace struct {
	board    *board.Board
	views    *fanout.Broker
	gestures *drag.ChanSource
}

// Workspaces keeps one Board per authenticated user. Boards are created on
// first use and live until Close.
type Workspaces struct {
	rec      *reconcile.Reconciler
	newStore StoreFactory
	opts     board.Options
	log      *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	spaces map[string]*workspace
}

// NewWorkspaces creates an empty registry. opts is the template for every
// board; its Cache and OnApplied are set per user.
func NewWorkspaces(rec *reconcile.Reconciler, newStore StoreFactory, opts board.Options) *Workspaces {
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Workspaces{
		rec:      rec,
		newStore: newStore,
		opts:     opts,
		log:      logger,
		ctx:      ctx,
		cancel:   cancel,
		spaces:   make(map[string]*workspace),
	}
}

// Groupings lists the configured groupings.
func (w *Workspaces) Groupings() []reconcile.Grouping { return w.rec.Groupings() }

func (w *Workspaces) get(userID string) *workspace {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ws, ok := w.spaces[userID]; ok {
		return ws
	}

	ws := &workspace{views: fanout.New(), gestures: drag.NewChanSource(GestureBuffer)}
	store := w.newStore(userID)
	opts := w.opts
	opts.Cache = nil
	if inv, ok := store.(undo.Invalidator); ok {
		opts.Cache = inv
	}
	opts.OnApplied = func(a board.Applied) {
		if a.Err == nil {
			ws.views.Notify()
		}
		if w.opts.OnApplied != nil {
			w.opts.OnApplied(a)
		}
	}
	ws.board = board.New(w.rec, store, opts)
	go ws.board.Run(w.ctx, ws.gestures)
	w.spaces[userID] = ws
	w.log.Debugf("workspace opened, user: %s", userID)
	return ws
}

// Board returns the user's board, creating it if needed.
func (w *Workspaces) Board(userID string) *board.Board {
	return w.get(userID).board
}

// Gesture queues a pointer event for the user's board. Events are applied
// in order by the board's gesture loop.
func (w *Workspaces) Gesture(ctx context.Context, userID string, ev drag.PointerEvent) error {
	return w.get(userID).gestures.Send(ctx, ev)
}

// SubscribeViews returns a channel signalled whenever the user's stored
// records may have changed.
func (w *Workspaces) SubscribeViews(userID string) (<-chan struct{}, func()) {
	b := w.get(userID).views
	ch := b.Subscribe()
	return ch, func() { b.Unsubscribe(ch) }
}

// Invalidated signals the view subscribers of userID, if the user has an
// open workspace.
func (w *Workspaces) Invalidated(userID string) {
	w.mu.Lock()
	ws, ok := w.spaces[userID]
	w.mu.Unlock()
	if ok {
		ws.views.Notify()
	}
}

// Watch forwards cache invalidations from any instance to the view
// subscribers until ch is closed or ctx is done.
func (w *Workspaces) Watch(ctx context.Context, ch <-chan storage.Invalidation) {
	for {
		select {
		case <-ctx.Done():
			return
		case inv, ok := <-ch:
			if !ok {
				return
			}
			w.Invalidated(inv.UserID)
		}
	}
}

// Len returns the number of open workspaces.
func (w *Workspaces) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.spaces)
}

// Close stops the gesture loops and closes every board.
func (w *Workspaces) Close() {
	w.cancel()
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, ws := range w.spaces {
		ws.gestures.Close()
		ws.board.Close()
		delete(w.spaces, id)
	}
}
