// OpenTalk Controller — conference signaling core
// Copyright 2026 OpenTalk contributors
// SPDX-License-Identifier: EUPL-1.2

// Package storage provides the volatile storage abstraction backing all
// per-room signaling state.
//
// Two interchangeable backends exist: an in-process store for
// single-replica and test deployments, and a Redis-protocol store shared
// between controller replicas. Code written against the Storage interface
// behaves identically on both for the operations exposed here; no backend
// specific ordering or consistency guarantees may be assumed beyond that.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by both backends.
var (
	// ErrLockHeld is returned by Acquire when the lock is owned by someone else.
	ErrLockHeld = errors.New("lock already held")

	// ErrLockAlreadyExpired is returned by Release when the lock's canary no
	// longer matches: the TTL elapsed and another owner may hold it now.
	ErrLockAlreadyExpired = errors.New("lock already expired")
)

// SetOptions controls conditional writes and expiry for Set.
type SetOptions struct {
	// TTL expires the key after the given duration. Zero means no expiry.
	TTL time.Duration

	// OnlyIfAbsent performs the write only when the key does not exist (NX).
	OnlyIfAbsent bool

	// OnlyIfExists performs the write only when the key already exists (XX).
	OnlyIfExists bool
}

// Storage is the uniform key-value/set/hash/list/sorted-set interface
// consumed by the signaling core. Keys follow the grammar in keys.go.
type Storage interface {
	// Get returns the value for key. The second return is false on a miss.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes a value. It returns false when a conditional write
	// (OnlyIfAbsent/OnlyIfExists) did not apply.
	Set(ctx context.Context, key, value string, opts SetOptions) (bool, error)

	// GetDel atomically reads and deletes a key. Used for one-shot tickets.
	GetDel(ctx context.Context, key string) (string, bool, error)

	// CompareDelete deletes the key only when its current value equals
	// expect. Returns true when the delete happened. Atomic on both backends.
	CompareDelete(ctx context.Context, key, expect string) (bool, error)

	// Delete removes the given keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// DeletePrefix removes every key starting with prefix. Used for the
	// room namespace purge when the last participant leaves.
	DeletePrefix(ctx context.Context, prefix string) error

	// Expire sets a fresh TTL on an existing key. Returns false when the
	// key does not exist (or carries no TTL timer to refresh).
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Set operations.
	SAdd(ctx context.Context, key string, members ...string) error
	// SRem returns the number of members actually removed; the caller can
	// use this as an atomic check-and-consume.
	SRem(ctx context.Context, key string, members ...string) (int64, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)
	// SPop removes and returns one random member; false on empty set.
	SPop(ctx context.Context, key string) (string, bool, error)

	// Hash operations.
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	// List operations.
	LPush(ctx context.Context, key string, values ...string) error
	RPush(ctx context.Context, key string, values ...string) error
	LPop(ctx context.Context, key string) (string, bool, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LRem(ctx context.Context, key string, count int64, value string) error
	LLen(ctx context.Context, key string) (int64, error)

	// Sorted-set operations, used for timestamp-scored histories.
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZCard(ctx context.Context, key string) (int64, error)
	// ZRemRangeByRank trims a history to a bounded length.
	ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error

	// Close releases backend resources.
	Close() error
}
