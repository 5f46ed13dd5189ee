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

package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/agentmesh/agentmesh/pkg/storage"
)

// DefaultSessionTTL applies when a session is created without an explicit
// lifetime.
const DefaultSessionTTL = 24 * time.Hour

// Session is stored as JSON under the sessions KV namespace with a matching
// TTL, so expiry happens in the store even if the sweep never runs.
type Session struct {
	ID           string         `json:"session_id"`
	KeyID        string         `json:"key_id"`
	OwnerID      string         `json:"owner_id"`
	CreatedAt    time.Time      `json:"created_at"`
	ExpiresAt    time.Time      `json:"expires_at"`
	LastActivity time.Time      `json:"last_activity"`
	RequestCount int64          `json:"request_count"`
	Data         map[string]any `json:"data,omitempty"`
}

// Sessions manages the KV-backed session namespace.
type Sessions struct {
	logger log.Logger
	kv     storage.KV
	ttl    time.Duration
	now    func() time.Time
}

// NewSessions uses the given KV for all state; there is no in-memory copy.
func NewSessions(logger log.Logger, kv storage.KV) *Sessions {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Sessions{logger: logger, kv: kv, ttl: DefaultSessionTTL, now: time.Now}
}

func sessionKey(id string) string { return "sessions/" + id }

// Create opens a session for an authenticated key. Session ids carry 192
// bits of entropy.
func (s *Sessions) Create(ctx context.Context, keyID, ownerID string) (*Session, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generating session id: %w", err)
	}
	now := s.now()
	sess := &Session{
		ID:           "sess_" + base64.RawURLEncoding.EncodeToString(buf),
		KeyID:        keyID,
		OwnerID:      ownerID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.ttl),
		LastActivity: now,
		Data:         map[string]any{},
	}
	if err := s.put(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Sessions) put(ctx context.Context, sess *Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := s.kv.Set(ctx, sessionKey(sess.ID), raw, ttl); err != nil {
		return fmt.Errorf("storing session: %w", err)
	}
	return nil
}

// Get returns the session if it exists and has not expired.
func (s *Sessions) Get(ctx context.Context, id string) (*Session, error) {
	raw, err := s.kv.Get(ctx, sessionKey(id))
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	if s.now().After(sess.ExpiresAt) {
		_ = s.kv.Delete(ctx, sessionKey(id))
		return nil, storage.ErrNotFound
	}
	return &sess, nil
}

// Touch bumps activity and the request counter.
func (s *Sessions) Touch(ctx context.Context, id string) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	sess.LastActivity = s.now()
	sess.RequestCount++
	return s.put(ctx, sess)
}

// Extend pushes the expiry out by the given duration.
func (s *Sessions) Extend(ctx context.Context, id string, by time.Duration) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	sess.ExpiresAt = sess.ExpiresAt.Add(by)
	return s.put(ctx, sess)
}

// SetData writes one entry in the session data bag.
func (s *Sessions) SetData(ctx context.Context, id, key string, value any) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess.Data == nil {
		sess.Data = map[string]any{}
	}
	sess.Data[key] = value
	return s.put(ctx, sess)
}

// GetData reads one entry from the session data bag.
func (s *Sessions) GetData(ctx context.Context, id, key string) (any, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return sess.Data[key], nil
}

// Delete removes the session.
func (s *Sessions) Delete(ctx context.Context, id string) error {
	return s.kv.Delete(ctx, sessionKey(id))
}

// ListByOwner scans the namespace for an owner's sessions.
func (s *Sessions) ListByOwner(ctx context.Context, ownerID string) ([]*Session, error) {
	ids, err := s.kv.List(ctx, "sessions/")
	if err != nil {
		return nil, err
	}
	var out []*Session
	for _, k := range ids {
		raw, err := s.kv.Get(ctx, k)
		if err != nil {
			continue
		}
		var sess Session
		if err := json.Unmarshal(raw, &sess); err != nil {
			continue
		}
		if sess.OwnerID == ownerID && s.now().Before(sess.ExpiresAt) {
			cp := sess
			out = append(out, &cp)
		}
	}
	return out, nil
}

// CleanupExpired removes sessions past their expiry. The KV TTL usually gets
// there first; this sweep covers stores without native expiry.
func (s *Sessions) CleanupExpired(ctx context.Context) int {
	ids, err := s.kv.List(ctx, "sessions/")
	if err != nil {
		level.Warn(s.logger).Log("msg", "session sweep", "err", err)
		return 0
	}
	removed := 0
	for _, k := range ids {
		raw, err := s.kv.Get(ctx, k)
		if err != nil {
			continue
		}
		var sess Session
		if err := json.Unmarshal(raw, &sess); err != nil {
			continue
		}
		if s.now().After(sess.ExpiresAt) {
			if err := s.kv.Delete(ctx, k); err == nil {
				removed++
			}
		}
	}
	return removed
}
