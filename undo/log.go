// Package undo keeps a bounded history of reversible mutations and replays
// their inverses against the remote store.
package undo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"docket/domain"
	"docket/notify"
)

const (
	// MaxHistory bounds the history; older entries are evicted silently.
	MaxHistory = 15
	// OutcomeDuration is the lifetime of the toast reporting an undo result.
	OutcomeDuration = 3000 * time.Millisecond
)

var (
	// ErrNotUndoable marks mutations this log refuses to record.
	ErrNotUndoable = errors.New("action is not undoable")
	// ErrInvalidAction is returned by Record for malformed entries.
	ErrInvalidAction = errors.New("invalid undo action")
	// ErrUndoInProgress is returned when Undo is called while another undo
	// is still waiting on the store.
	ErrUndoInProgress = errors.New("undo already in progress")
)

// Store is the part of the remote store undo needs.
type Store interface {
	SetField(ctx context.Context, ref domain.Ref, field string, value any) error
	Update(ctx context.Context, ref domain.Ref, fields domain.Fields) error
	Create(ctx context.Context, entity domain.EntityType, input any) (string, error)
}

// Invalidator drops cached views after a successful undo.
type Invalidator interface {
	Invalidate(ctx context.Context, keys []string) error
}

// Notifier raises toasts.
type Notifier interface {
	Show(message string, opts notify.Options) notify.Toast
	DismissAction(actionID string) int
}

// Log is the undo history of one user.
type Log struct {
	mu      sync.Mutex
	history []domain.UndoAction // most recent first

	inFlight atomic.Bool

	store  Store
	toasts Notifier
	cache  Invalidator
	log    *log.Logger
	now    func() time.Time
}

// New creates an empty Log. cache may be nil.
func New(store Store, toasts Notifier, cache Invalidator, logger *log.Logger) *Log {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Log{
		store:  store,
		toasts: toasts,
		cache:  cache,
		log:    logger,
		now:    time.Now,
	}
}

// Record pushes a on top of the history and raises a toast that lets the
// user revert it. The stored entry is returned with its id and timestamp.
func (l *Log) Record(a domain.UndoAction) (domain.UndoAction, error) {
	if err := validate(a); err != nil {
		return domain.UndoAction{}, err
	}
	a.ID = uuid.NewString()
	a.Timestamp = l.now()
	a.PreviousData = a.PreviousData.Clone()
	a.Restores = append([]domain.Restore(nil), a.Restores...)

	l.mu.Lock()
	l.history = append([]domain.UndoAction{a}, l.history...)
	evicted := 0
	if len(l.history) > MaxHistory {
		evicted = len(l.history) - MaxHistory
		l.history = l.history[:MaxHistory]
	}
	l.mu.Unlock()

	if evicted > 0 {
		l.log.Debugf("undo history full, evicted %d entries", evicted)
	}
	if l.toasts != nil {
		l.toasts.Show(a.Description, notify.Options{Kind: notify.KindInfo, ActionID: a.ID})
	}
	return a, nil
}

// Undo pops the most recent entry and applies its inverse. It returns nil
// without error when the history is empty. A failed entry is not put back.
func (l *Log) Undo(ctx context.Context) (*domain.UndoAction, error) {
	if !l.inFlight.CompareAndSwap(false, true) {
		return nil, ErrUndoInProgress
	}
	defer l.inFlight.Store(false)

	a, ok := l.pop()
	if !ok {
		return nil, nil
	}
	if l.toasts != nil {
		l.toasts.DismissAction(a.ID)
	}

	cmds, err := Inverses(a)
	for _, cmd := range cmds {
		if err = cmd.Apply(ctx, l.store); err != nil {
			break
		}
	}
	if err != nil {
		l.log.WithFields(log.Fields{
			"entityType": a.EntityType,
			"entityId":   a.EntityID,
			"action":     a.ActionType,
		}).Errorf("undo failed: %v", err)
		if l.toasts != nil {
			l.toasts.Show(fmt.Sprintf("Failed to undo: %s", a.Description), notify.Options{Kind: notify.KindError, Duration: OutcomeDuration})
		}
		return &a, fmt.Errorf("undo %s %s: %w", a.EntityType, a.EntityID, err)
	}

	if l.cache != nil && len(a.InvalidateKeys) > 0 {
		if err := l.cache.Invalidate(ctx, a.InvalidateKeys); err != nil {
			l.log.Warnf("cache invalidation after undo failed, keys: %v, err: %v", a.InvalidateKeys, err)
		}
	}
	if l.toasts != nil {
		l.toasts.Show(fmt.Sprintf("Undone: %s", a.Description), notify.Options{Kind: notify.KindSuccess, Duration: OutcomeDuration})
	}
	return &a, nil
}

// InProgress reports whether an undo is waiting on the store.
func (l *Log) InProgress() bool { return l.inFlight.Load() }

// History returns a copy of the entries, most recent first.
func (l *Log) History() []domain.UndoAction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.UndoAction(nil), l.history...)
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.history)
}

// Clear drops the whole history.
func (l *Log) Clear() {
	l.mu.Lock()
	l.history = nil
	l.mu.Unlock()
}

func (l *Log) pop() (domain.UndoAction, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.history) == 0 {
		return domain.UndoAction{}, false
	}
	a := l.history[0]
	l.history = l.history[1:]
	return a, true
}

func validate(a domain.UndoAction) error {
	if !a.EntityType.Valid() {
		return fmt.Errorf("%w: entity type %q", ErrInvalidAction, a.EntityType)
	}
	if a.EntityID == "" {
		return fmt.Errorf("%w: missing entity id", ErrInvalidAction)
	}
	switch a.ActionType {
	case domain.ActionDelete:
		if a.EntityType == domain.EntityCase {
			return fmt.Errorf("%w: case deletion", ErrNotUndoable)
		}
		if a.DeletedEntity == nil {
			return fmt.Errorf("%w: delete without snapshot", ErrInvalidAction)
		}
		if a.DeletedEntity.EntityType() != a.EntityType {
			return fmt.Errorf("%w: snapshot is a %s, not a %s", ErrInvalidAction, a.DeletedEntity.EntityType(), a.EntityType)
		}
	case domain.ActionUpdate, domain.ActionToggle:
		if a.EntityType == domain.EntityNote {
			return fmt.Errorf("%w: note edits", ErrNotUndoable)
		}
		if len(a.PreviousData) == 0 {
			return fmt.Errorf("%w: update without previous data", ErrInvalidAction)
		}
	default:
		return fmt.Errorf("%w: action type %q", ErrInvalidAction, a.ActionType)
	}
	for _, r := range a.Restores {
		if r.Ref.ID == "" || !r.Ref.Entity.Valid() || len(r.PreviousData) == 0 {
			return fmt.Errorf("%w: incomplete restore of %s %q", ErrInvalidAction, r.Ref.Entity, r.Ref.ID)
		}
	}
	return nil
}
