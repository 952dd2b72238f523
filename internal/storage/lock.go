// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// DefaultLockTTL bounds how long a distributed lock can be held. Critical
// sections must complete well within this window or split their work.
const DefaultLockTTL = 30 * time.Second

// lockRetryInterval is the poll interval while waiting for a held lock.
const lockRetryInterval = 50 * time.Millisecond

// LockGuard is a held distributed lock. Release it on every path; the TTL
// only protects against crashed owners.
type LockGuard struct {
	storage Storage
	key     string
	canary  string
}

// Key returns the locked resource key.
func (g *LockGuard) Key() string { return g.key }

// Release unlocks via canary compare-and-delete. When the TTL already
// elapsed (and another owner may hold the lock), it returns
// ErrLockAlreadyExpired without touching the key.
func (g *LockGuard) Release(ctx context.Context) error {
	deleted, err := g.storage.CompareDelete(ctx, g.key, g.canary)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", g.key, err)
	}
	if !deleted {
		return ErrLockAlreadyExpired
	}
	return nil
}

// TryLock makes a single acquisition attempt (SET NX with TTL and a random
// canary). Returns ErrLockHeld when someone else owns the lock.
func TryLock(ctx context.Context, s Storage, key string, ttl time.Duration) (*LockGuard, error) {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	canary := newCanary()
	ok, err := s.Set(ctx, key, canary, SetOptions{TTL: ttl, OnlyIfAbsent: true})
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &LockGuard{storage: s, key: key, canary: canary}, nil
}

// Lock acquires the lock, polling until it succeeds or the context is
// done. The context deadline bounds the wait.
func Lock(ctx context.Context, s Storage, key string, ttl time.Duration) (*LockGuard, error) {
	for {
		guard, err := TryLock(ctx, s, key, ttl)
		if err == nil {
			return guard, nil
		}
		if !errors.Is(err, ErrLockHeld) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for lock %s: %w", key, ctx.Err())
		case <-time.After(lockRetryInterval):
		}
	}
}

// newCanary draws a 128-bit random canary value.
func newCanary() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("read random canary: %v", err))
	}
	return hex.EncodeToString(buf[:])
}
