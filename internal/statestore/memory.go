package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is a process-local Store for tests and single-node runs.
// It mirrors the Redis backend's semantics, including lazy TTL expiry
// on access. Safe for concurrent use.
type MemoryStore struct {
	mu    sync.Mutex
	vals  map[string]memEntry
	sets  map[string]map[string]struct{}
	lists map[string][]string

	now func() time.Time
}

type memEntry struct {
	data      []byte
	expiresAt time.Time // zero means no expiry
}

// NewMemory constructs an empty in-process store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		vals:  make(map[string]memEntry),
		sets:  make(map[string]map[string]struct{}),
		lists: make(map[string][]string),
		now:   time.Now,
	}
}

// WithClock swaps the store's time source so tests can drive TTL
// expiry without sleeping.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.getLocked(key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (m *MemoryStore) SetJSON(ctx context.Context, key string, val any, ttl time.Duration) error {
	data, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(key, data, ttl)
	return nil
}

func (m *MemoryStore) UpdateJSON(ctx context.Context, key string, ttl time.Duration, fn func(raw []byte) (any, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, _ := m.getLocked(key)
	next, err := fn(raw)
	if err != nil {
		if err == ErrNoUpdate {
			return nil
		}
		return err
	}
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	m.setLocked(key, data, ttl)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.vals, key)
		delete(m.sets, key)
		delete(m.lists, key)
	}
	return nil
}

func (m *MemoryStore) SAdd(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	for _, member := range members {
		set[member] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) SRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, member := range members {
		delete(set, member)
	}
	if len(set) == 0 {
		delete(m.sets, key)
	}
	return nil
}

func (m *MemoryStore) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.sets[key]
	members := make([]string, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	return members, nil
}

func (m *MemoryStore) SCard(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.sets[key])), nil
}

func (m *MemoryStore) PushTrim(ctx context.Context, key string, limit int64, vals ...any) error {
	encoded := make([]string, len(vals))
	for i, v := range vals {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		encoded[i] = string(data)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[key]
	for _, v := range encoded {
		list = append([]string{v}, list...)
	}
	if limit > 0 && int64(len(list)) > limit {
		list = list[:limit]
	}
	m.lists[key] = list
	return nil
}

func (m *MemoryStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[key]
	n := int64(len(list))
	if start < 0 {
		start = n + start
		if start < 0 {
			start = 0
		}
	}
	if stop < 0 {
		stop = n + stop
	}
	if start >= n || stop < start {
		return nil, nil
	}
	if stop >= n {
		stop = n - 1
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) getLocked(key string) ([]byte, bool) {
	e, ok := m.vals[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && m.now().After(e.expiresAt) {
		delete(m.vals, key)
		return nil, false
	}
	return e.data, true
}

func (m *MemoryStore) setLocked(key string, data []byte, ttl time.Duration) {
	e := memEntry{data: data}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.vals[key] = e
}
