package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"docket/domain"
	"docket/reconcile"
)

type backend interface {
	ListRecords(ctx context.Context, userID string, entity domain.EntityType) ([]Record, error)
	GetRecord(ctx context.Context, userID string, ref domain.Ref) (Record, error)
	EnqueueCommand(ctx context.Context, cmd Command) error
}

// UserStore is one user's view of the storage. Reads come from the
// records table; writes are queued and applied by the Projector, so a
// read right after a write may still return the old value.
type UserStore struct {
	base   backend
	userID string
	now    func() time.Time
}

// ForUser scopes the storage to userID.
func (s *Storage) ForUser(userID string) *UserStore {
	return NewUserStore(s, userID)
}

// NewUserStore scopes base to userID.
func NewUserStore(base backend, userID string) *UserStore {
	return &UserStore{base: base, userID: userID, now: time.Now}
}

func (u *UserStore) send(ctx context.Context, t CommandType, ref domain.Ref, fields domain.Fields) error {
	if !ref.Entity.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrUnknownEntity, ref.Entity)
	}
	return u.base.EnqueueCommand(ctx, Command{
		ID:       uuid.NewString(),
		UserID:   u.userID,
		Type:     t,
		Entity:   ref.Entity,
		EntityID: ref.ID,
		Fields:   fields,
		Time:     u.now().UnixNano(),
	})
}

// UpdateOrderable queues a single update carrying category and position.
func (u *UserStore) UpdateOrderable(ctx context.Context, ref domain.Ref, upd domain.OrderUpdate) error {
	fields := upd.Fields()
	if len(fields) == 0 {
		return nil
	}
	return u.send(ctx, CommandUpdate, ref, fields)
}

// SetField queues a single-field update.
func (u *UserStore) SetField(ctx context.Context, ref domain.Ref, field string, value any) error {
	return u.send(ctx, CommandUpdate, ref, domain.Fields{field: value})
}

// Update queues a partial update.
func (u *UserStore) Update(ctx context.Context, ref domain.Ref, fields domain.Fields) error {
	return u.send(ctx, CommandUpdate, ref, fields.Clone())
}

// Create queues a create and returns the id the record will have.
func (u *UserStore) Create(ctx context.Context, entity domain.EntityType, input any) (string, error) {
	fields, err := toFields(input)
	if err != nil {
		return "", fmt.Errorf("encode %s input: %w", entity, err)
	}
	delete(fields, "id")
	id := uuid.NewString()
	if err := u.send(ctx, CommandCreate, domain.Ref{Entity: entity, ID: id}, fields); err != nil {
		return "", err
	}
	return id, nil
}

// Delete queues a delete.
func (u *UserStore) Delete(ctx context.Context, ref domain.Ref) error {
	return u.send(ctx, CommandDelete, ref, nil)
}

// Get loads a snapshot of a record.
func (u *UserStore) Get(ctx context.Context, ref domain.Ref) (domain.Entity, error) {
	r, err := u.base.GetRecord(ctx, u.userID, ref)
	if err != nil {
		return nil, err
	}
	fields := r.Fields.Clone()
	// Stored ids are opaque strings; the snapshot shapes use numeric ids.
	delete(fields, "id")
	data, err := sonic.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return domain.DecodeEntity(ref.Entity, data)
}

// FetchItems lists the grouping's records as orderable items.
func (u *UserStore) FetchItems(ctx context.Context, g reconcile.Grouping) ([]domain.Item, error) {
	records, err := u.base.ListRecords(ctx, u.userID, g.Entity)
	if err != nil {
		return nil, err
	}
	items := make([]domain.Item, 0, len(records))
	for _, r := range records {
		items = append(items, g.Item(r.ID, r.Fields))
	}
	return items, nil
}
