package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores string values by key. Get returns "" for a missing key.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
	GenerateKey(operation, key string) string
}

type redisCache struct {
	client      *redis.Client
	serviceName string
}

func NewRedisCache(client *redis.Client, serviceName string) Cache {
	return &redisCache{client: client, serviceName: serviceName}
}

func (r redisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r redisCache) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

func (r redisCache) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r redisCache) GenerateKey(operation, key string) string {
	return generateKey(r.serviceName, operation, key)
}

func generateKey(service, operation, key string) string {
	return fmt.Sprintf("%s:%s:%s", service, operation, key)
}

type memoryEntry struct {
	value   string
	expires time.Time
}

// memoryCache is the process-local fallback used when no Redis is configured.
type memoryCache struct {
	mu          sync.Mutex
	items       map[string]memoryEntry
	serviceName string
	now         func() time.Time
}

func NewMemoryCache(serviceName string) Cache {
	return &memoryCache{items: make(map[string]memoryEntry), serviceName: serviceName, now: time.Now}
}

func (m *memoryCache) Set(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		s = fmt.Sprint(v)
	}

	e := memoryEntry{value: s}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.items[key] = e
	m.mu.Unlock()
	return nil
}

func (m *memoryCache) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[key]
	if !ok {
		return "", nil
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.items, key)
		return "", nil
	}
	return e.value, nil
}

func (m *memoryCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

func (m *memoryCache) GenerateKey(operation, key string) string {
	return generateKey(m.serviceName, operation, key)
}
