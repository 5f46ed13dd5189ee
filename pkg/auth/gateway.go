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
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/agentmesh/agentmesh/pkg/policy"
)

// AuthContext is the per-request authenticated identity.
type AuthContext struct {
	Authenticated bool
	KeyID         string
	OwnerID       string
	PolicyID      string
	Scope         Scope
	Method        string // "api_key" or "bearer"
	IP            string
	Reason        string // populated on failed authentication
}

// PolicyContext converts to the shape the policy engine checks against.
func (a AuthContext) PolicyContext() policy.Context {
	return policy.Context{IP: a.IP}
}

type window struct {
	start time.Time
	count int
}

type keyWindows struct {
	minute window
	hour   window
	day    window
}

// Gateway authenticates requests and enforces per-key rate limits across
// three sliding windows. Counters are process-local and advisory.
type Gateway struct {
	logger   log.Logger
	keys     *Keys
	tokens   *Tokens
	policies *policy.Engine
	now      func() time.Time

	mtx     sync.Mutex
	windows map[string]*keyWindows
}

// NewGateway wires the three collaborators together.
func NewGateway(logger log.Logger, keys *Keys, tokens *Tokens, policies *policy.Engine) *Gateway {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Gateway{
		logger:   logger,
		keys:     keys,
		tokens:   tokens,
		policies: policies,
		now:      time.Now,
		windows:  map[string]*keyWindows{},
	}
}

// Authenticate resolves the caller's identity. An API key wins over a bearer
// token when both are present. Bearer tokens additionally require the
// backing key to still verify as active.
func (g *Gateway) Authenticate(apiKey, bearer, ip string) AuthContext {
	if apiKey != "" {
		key, reason := g.keys.Verify(apiKey)
		if key == nil {
			return AuthContext{IP: ip, Reason: reason}
		}
		g.keys.RecordUsage(key.ID)
		return AuthContext{
			Authenticated: true,
			KeyID:         key.ID,
			OwnerID:       key.OwnerID,
			PolicyID:      key.PolicyID,
			Scope:         key.Scope,
			Method:        "api_key",
			IP:            ip,
		}
	}
	if bearer != "" {
		claims, err := g.tokens.Decode(bearer)
		if err != nil {
			return AuthContext{IP: ip, Reason: "invalid token"}
		}
		key, ok := g.keys.Get(claims.KeyID)
		if !ok || key.Status != StatusActive {
			return AuthContext{IP: ip, Reason: "backing key no longer valid"}
		}
		g.keys.RecordUsage(key.ID)
		return AuthContext{
			Authenticated: true,
			KeyID:         claims.KeyID,
			OwnerID:       claims.OwnerID,
			PolicyID:      claims.PolicyID,
			Scope:         Scope(claims.Scope),
			Method:        "bearer",
			IP:            ip,
		}
	}
	return AuthContext{IP: ip, Reason: "no credentials"}
}

// Login verifies a raw key and mints a token plus claims for session setup.
func (g *Gateway) Login(raw string) (*Key, string, *Claims, string) {
	key, reason := g.keys.Verify(raw)
	if key == nil {
		return nil, "", nil, reason
	}
	token, claims, err := g.tokens.Mint(key)
	if err != nil {
		level.Error(g.logger).Log("msg", "minting token", "err", err)
		return nil, "", nil, "token error"
	}
	return key, token, claims, ""
}

// Refresh mints a fresh token for a still-valid bearer.
func (g *Gateway) Refresh(bearer string) (string, *Claims, string) {
	claims, err := g.tokens.Decode(bearer)
	if err != nil {
		return "", nil, "invalid token"
	}
	key, ok := g.keys.Get(claims.KeyID)
	if !ok || key.Status != StatusActive {
		return "", nil, "backing key no longer valid"
	}
	token, fresh, err := g.tokens.Mint(key)
	if err != nil {
		return "", nil, "token error"
	}
	return token, fresh, ""
}

// Authorize delegates a leveled access check to the caller's policy.
func (g *Gateway) Authorize(a AuthContext, resource policy.ResourceType, resourceID string, required policy.Level) policy.Decision {
	if !a.Authenticated {
		return policy.Decision{Reason: "not authenticated"}
	}
	return g.policies.CheckAccess(a.PolicyID, resource, resourceID, required, a.PolicyContext())
}

func overLimit(w *window, now time.Time, span time.Duration, limit int) bool {
	if limit <= 0 {
		return false
	}
	if now.Sub(w.start) >= span {
		w.start = now
		w.count = 0
	}
	return w.count >= limit
}

// CheckRateLimit applies the caller policy's three windows. The first
// request past a limit is rejected without incrementing further.
func (g *Gateway) CheckRateLimit(a AuthContext) (bool, string) {
	if !a.Authenticated {
		return false, "not authenticated"
	}
	p, ok := g.policies.Get(a.PolicyID)
	if !ok {
		return false, "policy not found"
	}
	limits := p.RateLimits
	if limits.PerMinute <= 0 && limits.PerHour <= 0 && limits.PerDay <= 0 {
		return true, ""
	}

	g.mtx.Lock()
	defer g.mtx.Unlock()

	w, ok := g.windows[a.KeyID]
	if !ok {
		now := g.now()
		w = &keyWindows{minute: window{start: now}, hour: window{start: now}, day: window{start: now}}
		g.windows[a.KeyID] = w
	}
	now := g.now()
	switch {
	case overLimit(&w.minute, now, time.Minute, limits.PerMinute):
		return false, "rate limit exceeded: per-minute"
	case overLimit(&w.hour, now, time.Hour, limits.PerHour):
		return false, "rate limit exceeded: per-hour"
	case overLimit(&w.day, now, 24*time.Hour, limits.PerDay):
		return false, "rate limit exceeded: per-day"
	}
	w.minute.count++
	w.hour.count++
	w.day.count++
	return true, ""
}
