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

package policy

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Decision is the outcome of an access check. Denies carry a reason; checks
// never return errors.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(format string, args ...any) Decision {
	return Decision{Allowed: false, Reason: fmt.Sprintf(format, args...)}
}

// Reserved default policy ids seeded at construction. They cannot be deleted.
const (
	DefaultMaster   = "pol_master"
	DefaultAdmin    = "pol_admin"
	DefaultUser     = "pol_user"
	DefaultReadonly = "pol_readonly"
)

// Engine owns the policy map. Reads operate on per-policy snapshots; writers
// swap entries under the mutex so checks stay deterministic for a given
// snapshot.
type Engine struct {
	logger log.Logger

	mtx      sync.RWMutex
	policies map[string]*Policy
}

// NewEngine seeds the four reserved defaults.
func NewEngine(logger log.Logger) *Engine {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	e := &Engine{
		logger:   logger,
		policies: map[string]*Policy{},
	}
	for _, p := range defaultPolicies() {
		e.policies[p.ID] = p
	}
	return e
}

func wildcard(level Level) []Permission {
	perms := make([]Permission, 0, len(AllResourceTypes))
	for _, rt := range AllResourceTypes {
		perms = append(perms, Permission{ResourceType: rt, Level: level})
	}
	return perms
}

func defaultPolicies() []*Policy {
	now := time.Now()
	return []*Policy{
		{
			ID:          DefaultMaster,
			Name:        "Master",
			Description: "Full control over every resource type.",
			Permissions: wildcard(LevelMaster),
			RateLimits:  RateLimits{PerMinute: 1000, PerHour: 50000, PerDay: 1000000},
			IsActive:    true,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		{
			ID:          DefaultAdmin,
			Name:        "Administrator",
			Description: "Administrative access without kernel control.",
			Permissions: wildcard(LevelAdmin),
			RateLimits:  RateLimits{PerMinute: 300, PerHour: 10000, PerDay: 100000},
			IsActive:    true,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		{
			ID:          DefaultUser,
			Name:        "User",
			Description: "Execute operators and signals, read shared state.",
			Permissions: []Permission{
				{ResourceType: ResourceOperator, Level: LevelExecute},
				{ResourceType: ResourceSlot, Level: LevelExecute},
				{ResourceType: ResourceNetwork, Level: LevelExecute},
				{ResourceType: ResourceSystem, Level: LevelRead},
			},
			RateLimits: RateLimits{PerMinute: 60, PerHour: 1000, PerDay: 10000},
			IsActive:   true,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		{
			ID:          DefaultReadonly,
			Name:        "Read only",
			Description: "Read access across resource types.",
			Permissions: []Permission{
				{ResourceType: ResourceOperator, Level: LevelRead},
				{ResourceType: ResourceSlot, Level: LevelRead},
				{ResourceType: ResourceNetwork, Level: LevelRead},
				{ResourceType: ResourceSystem, Level: LevelRead},
				{ResourceType: ResourceAudit, Level: LevelRead},
			},
			RateLimits: RateLimits{PerMinute: 30, PerHour: 500, PerDay: 5000},
			IsActive:   true,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
	}
}

func isReserved(id string) bool {
	switch id {
	case DefaultMaster, DefaultAdmin, DefaultUser, DefaultReadonly:
		return true
	}
	return false
}

// Create stores a new policy. IDs must be unique and non-empty.
func (e *Engine) Create(p *Policy) error {
	if p.ID == "" {
		return fmt.Errorf("policy id must not be empty")
	}
	e.mtx.Lock()
	defer e.mtx.Unlock()

	if _, ok := e.policies[p.ID]; ok {
		return fmt.Errorf("policy %q already exists", p.ID)
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	cp := *p
	e.policies[p.ID] = &cp
	level.Info(e.logger).Log("msg", "policy created", "policy", p.ID, "kernel", cp.IsKernel())
	return nil
}

// Get returns a copy of the policy.
func (e *Engine) Get(id string) (*Policy, bool) {
	e.mtx.RLock()
	defer e.mtx.RUnlock()
	p, ok := e.policies[id]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// List returns copies of all policies, kernel ones included, ordered by id.
func (e *Engine) List() []*Policy {
	e.mtx.RLock()
	defer e.mtx.RUnlock()

	out := make([]*Policy, 0, len(e.policies))
	for _, p := range e.policies {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// KernelPolicies returns copies of all active kernel-tier policies.
func (e *Engine) KernelPolicies() []*Policy {
	e.mtx.RLock()
	defer e.mtx.RUnlock()

	var out []*Policy
	for _, p := range e.policies {
		if p.IsKernel() && p.IsActive {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Update applies the mutation to a copy of the policy and swaps it in.
func (e *Engine) Update(id string, mutate func(*Policy)) (*Policy, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	p, ok := e.policies[id]
	if !ok {
		return nil, fmt.Errorf("policy %q not found", id)
	}
	cp := *p
	mutate(&cp)
	cp.ID = id // id is immutable
	cp.UpdatedAt = time.Now()
	e.policies[id] = &cp
	out := cp
	return &out, nil
}

// Delete removes a policy. Reserved defaults are refused.
func (e *Engine) Delete(id string) error {
	if isReserved(id) {
		return fmt.Errorf("policy %q is a system default and cannot be deleted", id)
	}
	e.mtx.Lock()
	defer e.mtx.Unlock()

	if _, ok := e.policies[id]; !ok {
		return fmt.Errorf("policy %q not found", id)
	}
	delete(e.policies, id)
	level.Info(e.logger).Log("msg", "policy deleted", "policy", id)
	return nil
}

func checkRestrictions(p *Policy, ctx Context) Decision {
	r := p.Restrictions
	now := ctx.now()
	if r.ValidFrom != nil && now.Before(*r.ValidFrom) {
		return deny("policy %s not yet valid", p.ID)
	}
	if r.ValidUntil != nil && now.After(*r.ValidUntil) {
		return deny("policy %s expired", p.ID)
	}
	if ctx.IP != "" {
		for _, blocked := range r.IPBlacklist {
			if ctx.IP == blocked {
				return deny("ip %s is blacklisted", ctx.IP)
			}
		}
		if len(r.IPWhitelist) > 0 {
			found := false
			for _, ok := range r.IPWhitelist {
				if ctx.IP == ok {
					found = true
					break
				}
			}
			if !found {
				return deny("ip %s not in whitelist", ctx.IP)
			}
		}
	}
	return allow()
}

// CheckAccess evaluates a leveled permission request against one policy.
// Deterministic, no I/O.
func (e *Engine) CheckAccess(policyID string, resource ResourceType, resourceID string, required Level, ctx Context) Decision {
	p, ok := e.Get(policyID)
	if !ok {
		return deny("policy %q not found", policyID)
	}
	if !p.IsActive {
		return deny("policy %s is inactive", policyID)
	}
	if d := checkRestrictions(p, ctx); !d.Allowed {
		return d
	}
	if got := p.MaxLevel(resource, resourceID); got < required {
		return deny("insufficient permission: %s on %s requires %s, policy grants %s",
			resourceID, resource, required, got)
	}
	return allow()
}

// CheckOperatorAccess applies the operator deny/allow lists, then requires
// EXECUTE on the operator resource.
func (e *Engine) CheckOperatorAccess(policyID, operatorID string, ctx Context) Decision {
	p, ok := e.Get(policyID)
	if !ok {
		return deny("policy %q not found", policyID)
	}
	if !p.IsActive {
		return deny("policy %s is inactive", policyID)
	}
	if d := checkRestrictions(p, ctx); !d.Allowed {
		return d
	}
	for _, denied := range p.DeniedOperators {
		if operatorID == denied {
			return deny("operator %s denied by policy %s", operatorID, policyID)
		}
	}
	if len(p.AllowedOperators) > 0 {
		found := false
		for _, allowed := range p.AllowedOperators {
			if operatorID == allowed {
				found = true
				break
			}
		}
		if !found {
			return deny("operator %s not in allowed list of policy %s", operatorID, policyID)
		}
	}
	if got := p.MaxLevel(ResourceOperator, operatorID); got < LevelExecute {
		return deny("insufficient permission to execute operator %s", operatorID)
	}
	return allow()
}

// CheckEndpointAccess prefix-matches the endpoint deny/allow lists, then
// requires the level implied by the HTTP verb.
func (e *Engine) CheckEndpointAccess(policyID, endpoint, method string, ctx Context) Decision {
	p, ok := e.Get(policyID)
	if !ok {
		return deny("policy %q not found", policyID)
	}
	if !p.IsActive {
		return deny("policy %s is inactive", policyID)
	}
	if d := checkRestrictions(p, ctx); !d.Allowed {
		return d
	}
	for _, denied := range p.DeniedEndpoints {
		if strings.HasPrefix(endpoint, denied) {
			return deny("endpoint %s denied by policy %s", endpoint, policyID)
		}
	}
	if len(p.AllowedEndpoints) > 0 {
		found := false
		for _, allowed := range p.AllowedEndpoints {
			if strings.HasPrefix(endpoint, allowed) {
				found = true
				break
			}
		}
		if !found {
			return deny("endpoint %s not in allowed list of policy %s", endpoint, policyID)
		}
	}
	// Endpoint access is a SYSTEM-resource check keyed by the endpoint
	// itself. Unknown verbs only need READ here.
	required := LevelRead
	switch strings.ToUpper(method) {
	case "GET", "HEAD":
		required = LevelRead
	case "POST":
		required = LevelExecute
	case "PUT", "PATCH":
		required = LevelWrite
	case "DELETE":
		required = LevelAdmin
	}
	if got := p.MaxLevel(ResourceSystem, endpoint); got < required {
		return deny("insufficient permission for %s %s: requires %s", method, endpoint, required)
	}
	return allow()
}
