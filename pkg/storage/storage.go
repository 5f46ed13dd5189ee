// Copyright 2025 The agentmesh Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage defines the pluggable persistence contracts the control
// plane is written against: a TTL-aware key/value store, a tabular store and
// an object store. Every implementation must satisfy the same semantics so
// subsystems can be wired against cloud or local backends interchangeably.
package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned by adapters when a key or object does not exist.
var ErrNotFound = errors.New("storage: not found")

// KV is a namespaced key/value store with optional per-entry TTL.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores a value. A zero ttl means the entry does not expire.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// TableResult is the uniform result of a tabular statement.
type TableResult struct {
	Success bool
	Results []map[string]any
	Meta    map[string]any
	Err     error
}

// Statement pairs a SQL string with its positional parameters.
type Statement struct {
	SQL    string
	Params []any
}

// Table is a minimal tabular store used for secondary indices.
type Table interface {
	Execute(ctx context.Context, sql string, params ...any) TableResult
	Batch(ctx context.Context, stmts []Statement) []TableResult
}

// ObjectInfo describes a stored object without its body.
type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
	Metadata    map[string]string
	Uploaded    time.Time
}

// Object is a flat-namespace object store.
type Object interface {
	Get(ctx context.Context, key string) ([]byte, *ObjectInfo, error)
	Put(ctx context.Context, key string, body []byte, contentType string, metadata map[string]string) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string, limit int) ([]ObjectInfo, error)
	Head(ctx context.Context, key string) (*ObjectInfo, error)
}

type memEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// MemKV is an in-process KV used when no external store is configured and in
// tests. Expired entries are dropped lazily on access.
type MemKV struct {
	mtx     sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

// NewMemKV returns an empty in-memory KV.
func NewMemKV() *MemKV {
	return &MemKV{entries: map[string]memEntry{}, now: time.Now}
}

func (m *MemKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	if !e.expiresAt.IsZero() && m.now().After(e.expiresAt) {
		delete(m.entries, key)
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *MemKV) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	e := memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *MemKV) Delete(_ context.Context, key string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemKV) List(_ context.Context, prefix string) ([]string, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	var keys []string
	now := m.now()
	for k, e := range m.entries {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(m.entries, k)
			continue
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}
