package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"docket/domain"
	"docket/reconcile"
)

// RecordStore is a per-user remote store.
type RecordStore interface {
	UpdateOrderable(ctx context.Context, ref domain.Ref, u domain.OrderUpdate) error
	SetField(ctx context.Context, ref domain.Ref, field string, value any) error
	Update(ctx context.Context, ref domain.Ref, fields domain.Fields) error
	Create(ctx context.Context, entity domain.EntityType, input any) (string, error)
	Delete(ctx context.Context, ref domain.Ref) error
	Get(ctx context.Context, ref domain.Ref) (domain.Entity, error)
	FetchItems(ctx context.Context, g reconcile.Grouping) ([]domain.Item, error)
}

// Invalidation tells other instances which of a user's views changed.
type Invalidation struct {
	UserID string   `json:"userId"`
	Keys   []string `json:"keys"`
}

// Cache keeps item lists per user and grouping in Redis.
type Cache struct {
	redis     *redis.Client
	ttl       time.Duration
	channel   string
	groupings []string
}

// NewCache creates a Cache. groupings names every view that may be cached.
func NewCache(client *redis.Client, ttl time.Duration, channel string, groupings []string) *Cache {
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{redis: client, ttl: ttl, channel: channel, groupings: groupings}
}

// Wrap returns base with read-through caching for userID.
func (c *Cache) Wrap(userID string, base RecordStore) *CachedStore {
	if base == nil {
		panic("storage.Cache.Wrap: base store is nil")
	}
	return &CachedStore{RecordStore: base, cache: c, userID: userID}
}

// EvictUser drops every cached view of userID and announces it.
func (c *Cache) EvictUser(ctx context.Context, userID string) error {
	return c.invalidate(ctx, userID, c.groupings)
}

func (c *Cache) invalidate(ctx context.Context, userID string, groupings []string) error {
	if c.redis == nil || len(groupings) == 0 {
		return nil
	}
	keys := make([]string, 0, len(groupings))
	for _, g := range groupings {
		keys = append(keys, itemsCacheKey(userID, g))
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		return err
	}
	if c.channel == "" {
		return nil
	}
	payload, err := sonic.MarshalString(Invalidation{UserID: userID, Keys: groupings})
	if err != nil {
		return err
	}
	return c.redis.Publish(ctx, c.channel, payload).Err()
}

// Subscribe delivers invalidations published by any instance until the
// returned function is called.
func (c *Cache) Subscribe(ctx context.Context) (<-chan Invalidation, func()) {
	out := make(chan Invalidation, 16)
	if c.redis == nil || c.channel == "" {
		close(out)
		return out, func() {}
	}
	ps := c.redis.Subscribe(ctx, c.channel)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			var inv Invalidation
			if err := sonic.UnmarshalString(msg.Payload, &inv); err != nil {
				continue
			}
			select {
			case out <- inv:
			default:
			}
		}
	}()
	return out, func() { _ = ps.Close() }
}

func (c *Cache) load(ctx context.Context, key string) ([]domain.Item, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing store without failing.
			_ = c.redis.Del(ctx, key).Err()
		}
		return nil, false
	}
	var items []domain.Item
	if err := sonic.Unmarshal(data, &items); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return nil, false
	}
	return items, true
}

func (c *Cache) store(ctx context.Context, key string, items []domain.Item) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(items)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.ttl).Err()
}

// CachedStore is a RecordStore whose item lists are served from Redis.
// Every successful write evicts the user's views.
type CachedStore struct {
	RecordStore
	cache  *Cache
	userID string
}

// FetchItems serves the grouping from cache, loading it on a miss.
func (s *CachedStore) FetchItems(ctx context.Context, g reconcile.Grouping) ([]domain.Item, error) {
	key := itemsCacheKey(s.userID, g.Name)
	if items, ok := s.cache.load(ctx, key); ok {
		return items, nil
	}
	items, err := s.RecordStore.FetchItems(ctx, g)
	if err != nil {
		return nil, err
	}
	s.cache.store(ctx, key, items)
	return items, nil
}

func (s *CachedStore) evict(ctx context.Context, err error) error {
	if err != nil {
		return err
	}
	_ = s.cache.EvictUser(ctx, s.userID)
	return nil
}

func (s *CachedStore) UpdateOrderable(ctx context.Context, ref domain.Ref, u domain.OrderUpdate) error {
	return s.evict(ctx, s.RecordStore.UpdateOrderable(ctx, ref, u))
}

func (s *CachedStore) SetField(ctx context.Context, ref domain.Ref, field string, value any) error {
	return s.evict(ctx, s.RecordStore.SetField(ctx, ref, field, value))
}

func (s *CachedStore) Update(ctx context.Context, ref domain.Ref, fields domain.Fields) error {
	return s.evict(ctx, s.RecordStore.Update(ctx, ref, fields))
}

func (s *CachedStore) Create(ctx context.Context, entity domain.EntityType, input any) (string, error) {
	id, err := s.RecordStore.Create(ctx, entity, input)
	return id, s.evict(ctx, err)
}

func (s *CachedStore) Delete(ctx context.Context, ref domain.Ref) error {
	return s.evict(ctx, s.RecordStore.Delete(ctx, ref))
}

// Invalidate drops the named views of the user and announces it.
func (s *CachedStore) Invalidate(ctx context.Context, keys []string) error {
	return s.cache.invalidate(ctx, s.userID, keys)
}

func itemsCacheKey(userID, grouping string) string {
	return "items:" + userID + ":" + grouping
}
