// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

package storage

import (
	"context"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is the in-process backend. All containers live behind a
// single reader-writer lock; expired keys are dropped lazily on access.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
	sets   map[string]map[string]struct{}
	hashes map[string]map[string]string
	lists  map[string][]string
	zsets  map[string][]zmember
	expiry map[string]time.Time

	// now is swappable for expiry tests.
	now func() time.Time
}

type zmember struct {
	member string
	score  float64
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]string),
		sets:   make(map[string]map[string]struct{}),
		hashes: make(map[string]map[string]string),
		lists:  make(map[string][]string),
		zsets:  make(map[string][]zmember),
		expiry: make(map[string]time.Time),
		now:    time.Now,
	}
}

var _ Storage = (*MemoryStore)(nil)

// dropExpired removes the key from every container if its TTL elapsed.
// Caller must hold mu for writing.
func (m *MemoryStore) dropExpired(key string) {
	if exp, ok := m.expiry[key]; ok && !m.now().After(exp) {
		return
	} else if !ok {
		return
	}
	m.purgeKey(key)
}

// purgeKey removes the key from every container. Caller must hold mu.
func (m *MemoryStore) purgeKey(key string) {
	delete(m.values, key)
	delete(m.sets, key)
	delete(m.hashes, key)
	delete(m.lists, key)
	delete(m.zsets, key)
	delete(m.expiry, key)
}

// exists reports whether the key exists in any container and is not
// expired. Caller must hold mu for writing.
func (m *MemoryStore) exists(key string) bool {
	m.dropExpired(key)
	if _, ok := m.values[key]; ok {
		return true
	}
	if _, ok := m.sets[key]; ok {
		return true
	}
	if _, ok := m.hashes[key]; ok {
		return true
	}
	if _, ok := m.lists[key]; ok {
		return true
	}
	if _, ok := m.zsets[key]; ok {
		return true
	}
	return false
}

// Get returns the value for key.
func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropExpired(key)
	v, ok := m.values[key]
	return v, ok, nil
}

// Set writes a value, honoring NX/XX and TTL options. NX/XX see the key
// whatever container it lives in, and a write replaces it entirely,
// matching Redis SET semantics.
func (m *MemoryStore) Set(_ context.Context, key, value string, opts SetOptions) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exists := m.exists(key)
	if opts.OnlyIfAbsent && exists {
		return false, nil
	}
	if opts.OnlyIfExists && !exists {
		return false, nil
	}
	delete(m.sets, key)
	delete(m.hashes, key)
	delete(m.lists, key)
	delete(m.zsets, key)
	m.values[key] = value
	if opts.TTL > 0 {
		m.expiry[key] = m.now().Add(opts.TTL)
	} else {
		delete(m.expiry, key)
	}
	return true, nil
}

// GetDel atomically reads and deletes a key.
func (m *MemoryStore) GetDel(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropExpired(key)
	v, ok := m.values[key]
	if ok {
		m.purgeKey(key)
	}
	return v, ok, nil
}

// CompareDelete deletes the key only when its value matches expect.
func (m *MemoryStore) CompareDelete(_ context.Context, key, expect string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropExpired(key)
	v, ok := m.values[key]
	if !ok || v != expect {
		return false, nil
	}
	m.purgeKey(key)
	return true, nil
}

// Delete removes the given keys.
func (m *MemoryStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		m.purgeKey(key)
	}
	return nil
}

// DeletePrefix removes every key starting with prefix.
func (m *MemoryStore) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, container := range []func() []string{
		func() []string { return mapKeys(m.values) },
		func() []string { return mapKeys(m.sets) },
		func() []string { return mapKeys(m.hashes) },
		func() []string { return mapKeys(m.lists) },
		func() []string { return mapKeys(m.zsets) },
	} {
		for _, key := range container() {
			if strings.HasPrefix(key, prefix) {
				m.purgeKey(key)
			}
		}
	}
	return nil
}

func mapKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// Expire sets a fresh TTL on an existing key.
func (m *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.exists(key) {
		return false, nil
	}
	m.expiry[key] = m.now().Add(ttl)
	return true, nil
}

// SAdd adds members to a set.
func (m *MemoryStore) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropExpired(key)
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

// SRem removes members and returns how many were actually present.
func (m *MemoryStore) SRem(_ context.Context, key string, members ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropExpired(key)
	set, ok := m.sets[key]
	if !ok {
		return 0, nil
	}
	var removed int64
	for _, member := range members {
		if _, present := set[member]; present {
			delete(set, member)
			removed++
		}
	}
	if len(set) == 0 {
		delete(m.sets, key)
	}
	return removed, nil
}

// SIsMember reports set membership.
func (m *MemoryStore) SIsMember(_ context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropExpired(key)
	_, ok := m.sets[key][member]
	return ok, nil
}

// SMembers returns all members of a set in sorted order.
func (m *MemoryStore) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropExpired(key)
	members := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}

// SCard returns the set cardinality.
func (m *MemoryStore) SCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropExpired(key)
	return int64(len(m.sets[key])), nil
}

// SPop removes and returns one random member.
func (m *MemoryStore) SPop(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropExpired(key)
	set, ok := m.sets[key]
	if !ok || len(set) == 0 {
		return "", false, nil
	}
	members := mapKeys(set)
	picked := members[rand.Intn(len(members))]
	delete(set, picked)
	if len(set) == 0 {
		delete(m.sets, key)
	}
	return picked, true, nil
}

// HGet returns one hash field.
func (m *MemoryStore) HGet(_ context.Context, key, field string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropExpired(key)
	v, ok := m.hashes[key][field]
	return v, ok, nil
}

// HSet writes hash fields.
func (m *MemoryStore) HSet(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropExpired(key)
	hash, ok := m.hashes[key]
	if !ok {
		hash = make(map[string]string)
		m.hashes[key] = hash
	}
	for field, value := range fields {
		hash[field] = value
	}
	return nil
}

// HGetAll returns a copy of all hash fields.
func (m *MemoryStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropExpired(key)
	out := make(map[string]string, len(m.hashes[key]))
	for field, value := range m.hashes[key] {
		out[field] = value
	}
	return out, nil
}

// HDel removes hash fields.
func (m *MemoryStore) HDel(_ context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropExpired(key)
	hash, ok := m.hashes[key]
	if !ok {
		return nil
	}
	for _, field := range fields {
		delete(hash, field)
	}
	if len(hash) == 0 {
		delete(m.hashes, key)
	}
	return nil
}

// LPush prepends values to a list.
func (m *MemoryStore) LPush(_ context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropExpired(key)
	for _, value := range values {
		m.lists[key] = append([]string{value}, m.lists[key]...)
	}
	return nil
}

// RPush appends values to a list.
func (m *MemoryStore) RPush(_ context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropExpired(key)
	m.lists[key] = append(m.lists[key], values...)
	return nil
}

// LPop removes and returns the head of a list.
func (m *MemoryStore) LPop(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropExpired(key)
	list := m.lists[key]
	if len(list) == 0 {
		return "", false, nil
	}
	head := list[0]
	if len(list) == 1 {
		delete(m.lists, key)
	} else {
		m.lists[key] = list[1:]
	}
	return head, true, nil
}

// LRange returns the list slice [start, stop], inclusive, with Redis
// negative-index semantics.
func (m *MemoryStore) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropExpired(key)
	list := m.lists[key]
	n := int64(len(list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

// LRem removes occurrences of value with Redis count semantics: count > 0
// removes from the head, count < 0 from the tail, 0 removes all.
func (m *MemoryStore) LRem(_ context.Context, key string, count int64, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropExpired(key)
	list := m.lists[key]
	if len(list) == 0 {
		return nil
	}
	var out []string
	switch {
	case count >= 0:
		remaining := count
		for _, v := range list {
			if v == value && (count == 0 || remaining > 0) {
				if remaining > 0 {
					remaining--
				}
				continue
			}
			out = append(out, v)
		}
	default:
		remaining := -count
		for i := len(list) - 1; i >= 0; i-- {
			if list[i] == value && remaining > 0 {
				remaining--
				continue
			}
			out = append([]string{list[i]}, out...)
		}
	}
	if len(out) == 0 {
		delete(m.lists, key)
	} else {
		m.lists[key] = out
	}
	return nil
}

// LLen returns the list length.
func (m *MemoryStore) LLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropExpired(key)
	return int64(len(m.lists[key])), nil
}

// ZAdd inserts a member with a score, replacing an existing entry.
func (m *MemoryStore) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropExpired(key)
	zset := m.zsets[key]
	for i := range zset {
		if zset[i].member == member {
			zset[i].score = score
			sortZSet(zset)
			m.zsets[key] = zset
			return nil
		}
	}
	zset = append(zset, zmember{member: member, score: score})
	sortZSet(zset)
	m.zsets[key] = zset
	return nil
}

func sortZSet(zset []zmember) {
	sort.SliceStable(zset, func(i, j int) bool {
		if zset[i].score != zset[j].score {
			return zset[i].score < zset[j].score
		}
		return zset[i].member < zset[j].member
	})
}

// ZRangeByScore returns members with min <= score <= max, ascending.
func (m *MemoryStore) ZRangeByScore(_ context.Context, key string, min, max float64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropExpired(key)
	var out []string
	for _, entry := range m.zsets[key] {
		if entry.score >= min && entry.score <= max {
			out = append(out, entry.member)
		}
	}
	return out, nil
}

// ZCard returns the sorted-set cardinality.
func (m *MemoryStore) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropExpired(key)
	return int64(len(m.zsets[key])), nil
}

// ZRemRangeByRank removes entries by rank with Redis index semantics.
func (m *MemoryStore) ZRemRangeByRank(_ context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropExpired(key)
	zset := m.zsets[key]
	n := int64(len(zset))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return nil
	}
	out := append(zset[:start:start], zset[stop+1:]...)
	if len(out) == 0 {
		delete(m.zsets, key)
	} else {
		m.zsets[key] = out
	}
	return nil
}

// Close is a no-op for the in-process backend.
func (m *MemoryStore) Close() error { return nil }
