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

// Package auth implements API key lifecycle, signed bearer tokens, KV-backed
// sessions and the authentication gateway with its rate limiter.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/pkg/storage"
)

// Scope classifies what a key is for; the default policy for a scope is
// chosen at issuance when none is given.
type Scope string

const (
	ScopeMaster   Scope = "master"
	ScopeAdmin    Scope = "admin"
	ScopeUser     Scope = "user"
	ScopeService  Scope = "service"
	ScopeReadonly Scope = "readonly"
	ScopeCustom   Scope = "custom"
)

// ParseScope falls back to custom on unknown input.
func ParseScope(s string) Scope {
	switch Scope(strings.ToLower(s)) {
	case ScopeMaster, ScopeAdmin, ScopeUser, ScopeService, ScopeReadonly:
		return Scope(strings.ToLower(s))
	}
	return ScopeCustom
}

// Status is the key lifecycle state. Revoked is terminal.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusRevoked   Status = "revoked"
	StatusExpired   Status = "expired"
)

// rawPrefix is the leading token of every issued secret.
const rawPrefix = "agk"

// prefixLen is how much of the raw secret is kept as a non-secret handle.
const prefixLen = 16

// Key is the persisted record. The raw secret is never stored.
type Key struct {
	ID        string            `json:"key_id"`
	Hash      string            `json:"key_hash"`
	Prefix    string            `json:"key_prefix"`
	OwnerID   string            `json:"owner_id"`
	PolicyID  string            `json:"policy_id"`
	Scope     Scope             `json:"scope"`
	Status    Status            `json:"status"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
	LastUsed  *time.Time        `json:"last_used,omitempty"`
	UseCount  int64             `json:"use_count"`
}

// Public strips nothing secret (the hash) for API responses.
func (k *Key) Public() map[string]any {
	out := map[string]any{
		"key_id":     k.ID,
		"key_prefix": k.Prefix,
		"owner_id":   k.OwnerID,
		"policy_id":  k.PolicyID,
		"scope":      k.Scope,
		"status":     k.Status,
		"created_at": k.CreatedAt,
		"use_count":  k.UseCount,
	}
	if k.ExpiresAt != nil {
		out["expires_at"] = k.ExpiresAt
	}
	if k.LastUsed != nil {
		out["last_used"] = k.LastUsed
	}
	return out
}

func hashRaw(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// KeyFilter narrows List output. Zero values match everything.
type KeyFilter struct {
	OwnerID string
	Scope   Scope
	Status  Status
}

// Keys manages the key set: issuance, verification, rotation, status
// transitions. State is authoritative in memory, mirrored to KV (hashes
// only) and an optional table index.
type Keys struct {
	logger log.Logger
	kv     storage.KV
	table  storage.Table
	now    func() time.Time

	mtx    sync.Mutex
	byID   map[string]*Key
	byHash map[string]string // hash -> key id
}

// NewKeys loads any persisted keys from the KV namespace.
func NewKeys(logger log.Logger, kv storage.KV, table storage.Table) *Keys {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	k := &Keys{
		logger: logger,
		kv:     kv,
		table:  table,
		now:    time.Now,
		byID:   map[string]*Key{},
		byHash: map[string]string{},
	}
	k.load()
	return k
}

func (k *Keys) load() {
	if k.kv == nil {
		return
	}
	ctx := context.Background()
	ids, err := k.kv.List(ctx, "keys/")
	if err != nil {
		level.Warn(k.logger).Log("msg", "loading keys", "err", err)
		return
	}
	for _, id := range ids {
		raw, err := k.kv.Get(ctx, id)
		if err != nil {
			continue
		}
		var key Key
		if err := json.Unmarshal(raw, &key); err != nil {
			level.Warn(k.logger).Log("msg", "decoding persisted key", "key", id, "err", err)
			continue
		}
		k.byID[key.ID] = &key
		k.byHash[key.Hash] = key.ID
	}
	if len(k.byID) > 0 {
		level.Info(k.logger).Log("msg", "keys loaded", "count", len(k.byID))
	}
}

// persist mirrors the record to KV and the table index. Failures are logged;
// in-memory state stays authoritative for this process.
func (k *Keys) persist(key *Key) {
	ctx := context.Background()
	if k.kv != nil {
		if raw, err := json.Marshal(key); err == nil {
			if err := k.kv.Set(ctx, "keys/"+key.ID, raw, 0); err != nil {
				level.Warn(k.logger).Log("msg", "persisting key", "key", key.ID, "err", err)
			}
		}
	}
	if k.table != nil {
		res := k.table.Execute(ctx,
			`INSERT INTO api_keys (key_id, key_prefix, owner_id, policy_id, scope, status)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (key_id) DO UPDATE SET policy_id = $4, status = $6`,
			key.ID, key.Prefix, key.OwnerID, key.PolicyID, string(key.Scope), string(key.Status))
		if res.Err != nil {
			level.Warn(k.logger).Log("msg", "indexing key", "key", key.ID, "err", res.Err)
		}
	}
}

// SeedMaster registers a pre-hashed root key, typically from the
// MASTER_KEY_HASH environment contract. The raw secret is held by the
// operator, not by us.
func (k *Keys) SeedMaster(hash, policyID string) *Key {
	k.mtx.Lock()
	defer k.mtx.Unlock()

	if id, ok := k.byHash[hash]; ok {
		return k.byID[id]
	}
	key := &Key{
		ID:        "key_" + uuid.NewString(),
		Hash:      hash,
		Prefix:    "seeded",
		OwnerID:   "root",
		PolicyID:  policyID,
		Scope:     ScopeMaster,
		Status:    StatusActive,
		CreatedAt: k.now(),
	}
	k.byID[key.ID] = key
	k.byHash[hash] = key.ID
	k.persist(key)
	level.Info(k.logger).Log("msg", "master key seeded", "key", key.ID)
	return key
}

// Create issues a new key and returns the record plus the raw secret. The
// raw secret is shown exactly once.
func (k *Keys) Create(ownerID, policyID string, scope Scope, expiresInDays int, metadata map[string]string) (*Key, string, error) {
	secret := make([]byte, 24)
	if _, err := rand.Read(secret); err != nil {
		return nil, "", fmt.Errorf("generating key material: %w", err)
	}
	raw := fmt.Sprintf("%s_%s_%s", rawPrefix, scope, base64.RawURLEncoding.EncodeToString(secret))

	key := &Key{
		ID:        "key_" + uuid.NewString(),
		Hash:      hashRaw(raw),
		Prefix:    raw[:prefixLen],
		OwnerID:   ownerID,
		PolicyID:  policyID,
		Scope:     scope,
		Status:    StatusActive,
		Metadata:  metadata,
		CreatedAt: k.now(),
	}
	if expiresInDays > 0 {
		t := k.now().AddDate(0, 0, expiresInDays)
		key.ExpiresAt = &t
	}

	k.mtx.Lock()
	k.byID[key.ID] = key
	k.byHash[key.Hash] = key.ID
	k.persist(key)
	k.mtx.Unlock()

	level.Info(k.logger).Log("msg", "key created", "key", key.ID, "owner", ownerID, "scope", scope)
	return key, raw, nil
}

// Verify hashes the raw secret and looks it up. Status and expiry are
// validated; the hash comparison is constant time.
func (k *Keys) Verify(raw string) (*Key, string) {
	hash := hashRaw(raw)

	k.mtx.Lock()
	defer k.mtx.Unlock()

	id, ok := k.byHash[hash]
	if !ok {
		return nil, "unknown key"
	}
	key := k.byID[id]
	if subtle.ConstantTimeCompare([]byte(key.Hash), []byte(hash)) != 1 {
		return nil, "unknown key"
	}
	if key.ExpiresAt != nil && k.now().After(*key.ExpiresAt) && key.Status == StatusActive {
		key.Status = StatusExpired
		k.persist(key)
	}
	if key.Status != StatusActive {
		return nil, fmt.Sprintf("key is %s", key.Status)
	}
	cp := *key
	return &cp, ""
}

// RecordUsage bumps the usage counters after a successful authentication.
func (k *Keys) RecordUsage(id string) {
	k.mtx.Lock()
	defer k.mtx.Unlock()
	key, ok := k.byID[id]
	if !ok {
		return
	}
	now := k.now()
	key.LastUsed = &now
	key.UseCount++
}

// Get returns a copy of the key record.
func (k *Keys) Get(id string) (*Key, bool) {
	k.mtx.Lock()
	defer k.mtx.Unlock()
	key, ok := k.byID[id]
	if !ok {
		return nil, false
	}
	cp := *key
	return &cp, true
}

// List returns copies of keys matching the filter.
func (k *Keys) List(f KeyFilter) []*Key {
	k.mtx.Lock()
	defer k.mtx.Unlock()

	var out []*Key
	for _, key := range k.byID {
		if f.OwnerID != "" && key.OwnerID != f.OwnerID {
			continue
		}
		if f.Scope != "" && key.Scope != f.Scope {
			continue
		}
		if f.Status != "" && key.Status != f.Status {
			continue
		}
		cp := *key
		out = append(out, &cp)
	}
	return out
}

// Rotate issues a successor inheriting owner, policy and scope, then revokes
// the predecessor. Both transitions happen under one lock acquisition.
func (k *Keys) Rotate(id string) (*Key, string, error) {
	k.mtx.Lock()
	old, ok := k.byID[id]
	if !ok {
		k.mtx.Unlock()
		return nil, "", fmt.Errorf("key %q not found", id)
	}
	if old.Status == StatusRevoked {
		k.mtx.Unlock()
		return nil, "", fmt.Errorf("key %q is revoked", id)
	}
	if old.ExpiresAt != nil && k.now().After(*old.ExpiresAt) {
		// Sweep the status while we hold the lock; an expired key cannot
		// mint a never-expiring successor.
		old.Status = StatusExpired
		k.persist(old)
		k.mtx.Unlock()
		return nil, "", fmt.Errorf("key %q is expired", id)
	}
	owner, policyID, scope := old.OwnerID, old.PolicyID, old.Scope
	var expiresDays int
	if old.ExpiresAt != nil {
		if d := int(old.ExpiresAt.Sub(k.now()).Hours() / 24); d > 0 {
			expiresDays = d
		}
	}

	secret := make([]byte, 24)
	if _, err := rand.Read(secret); err != nil {
		k.mtx.Unlock()
		return nil, "", fmt.Errorf("generating key material: %w", err)
	}
	raw := fmt.Sprintf("%s_%s_%s", rawPrefix, scope, base64.RawURLEncoding.EncodeToString(secret))
	succ := &Key{
		ID:        "key_" + uuid.NewString(),
		Hash:      hashRaw(raw),
		Prefix:    raw[:prefixLen],
		OwnerID:   owner,
		PolicyID:  policyID,
		Scope:     scope,
		Status:    StatusActive,
		CreatedAt: k.now(),
	}
	if expiresDays > 0 {
		t := k.now().AddDate(0, 0, expiresDays)
		succ.ExpiresAt = &t
	}
	old.Status = StatusRevoked
	k.byID[succ.ID] = succ
	k.byHash[succ.Hash] = succ.ID
	k.persist(old)
	k.persist(succ)
	k.mtx.Unlock()

	level.Info(k.logger).Log("msg", "key rotated", "old", id, "new", succ.ID)
	return succ, raw, nil
}

// Revoke is terminal.
func (k *Keys) Revoke(id string) error {
	return k.transition(id, StatusRevoked, func(s Status) error {
		return nil // any state may be revoked
	})
}

// Suspend pauses an active key.
func (k *Keys) Suspend(id string) error {
	return k.transition(id, StatusSuspended, func(s Status) error {
		if s == StatusRevoked {
			return fmt.Errorf("revoked keys cannot be suspended")
		}
		return nil
	})
}

// Reactivate resumes a suspended key. Revoked keys never come back.
func (k *Keys) Reactivate(id string) error {
	return k.transition(id, StatusActive, func(s Status) error {
		if s != StatusSuspended {
			return fmt.Errorf("only suspended keys can be reactivated, key is %s", s)
		}
		return nil
	})
}

func (k *Keys) transition(id string, to Status, check func(Status) error) error {
	k.mtx.Lock()
	defer k.mtx.Unlock()

	key, ok := k.byID[id]
	if !ok {
		return fmt.Errorf("key %q not found", id)
	}
	if err := check(key.Status); err != nil {
		return err
	}
	key.Status = to
	k.persist(key)
	level.Info(k.logger).Log("msg", "key status changed", "key", id, "status", to)
	return nil
}

// UpdatePolicy reassigns the policy backing a key.
func (k *Keys) UpdatePolicy(id, policyID string) error {
	k.mtx.Lock()
	defer k.mtx.Unlock()

	key, ok := k.byID[id]
	if !ok {
		return fmt.Errorf("key %q not found", id)
	}
	key.PolicyID = policyID
	k.persist(key)
	return nil
}
