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

// Package policy implements typed access-control policies: leveled
// permissions with wildcard resources, operator and endpoint allow/deny
// lists, rate-limit configuration and contextual restrictions.
package policy

import (
	"encoding/json"
	"strings"
	"time"
)

// Level orders access from none to full control. Higher levels imply the
// lower ones.
type Level int

const (
	LevelNone Level = iota
	LevelRead
	LevelWrite
	LevelExecute
	LevelAdmin
	LevelMaster
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelRead:
		return "read"
	case LevelWrite:
		return "write"
	case LevelExecute:
		return "execute"
	case LevelAdmin:
		return "admin"
	case LevelMaster:
		return "master"
	}
	return "none"
}

// MarshalJSON emits the wire name.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON accepts wire names and, for compatibility, numeric levels.
func (l *Level) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*l = ParseLevel(s)
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*l = Level(n)
	return nil
}

// ParseLevel accepts the wire names; unknown input maps to LevelNone.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "read":
		return LevelRead
	case "write":
		return LevelWrite
	case "execute":
		return LevelExecute
	case "admin":
		return LevelAdmin
	case "master":
		return LevelMaster
	}
	return LevelNone
}

// ResourceType partitions the permission space.
type ResourceType string

const (
	ResourceOperator ResourceType = "operator"
	ResourceSlot     ResourceType = "slot"
	ResourceNetwork  ResourceType = "network"
	ResourceKey      ResourceType = "key"
	ResourcePolicy   ResourceType = "policy"
	ResourceUser     ResourceType = "user"
	ResourceAudit    ResourceType = "audit"
	ResourceSystem   ResourceType = "system"
)

// AllResourceTypes is used when seeding wildcard grants.
var AllResourceTypes = []ResourceType{
	ResourceOperator, ResourceSlot, ResourceNetwork, ResourceKey,
	ResourcePolicy, ResourceUser, ResourceAudit, ResourceSystem,
}

// Permission grants a level on one resource type. An empty ResourceID is a
// wildcard over all resources of the type.
type Permission struct {
	ResourceType ResourceType `json:"resource_type"`
	ResourceID   string       `json:"resource_id,omitempty"`
	Level        Level        `json:"level"`
}

// RateLimits configures the three sliding windows the gateway enforces.
// Zero means unlimited for that window.
type RateLimits struct {
	PerMinute int `json:"per_minute,omitempty"`
	PerHour   int `json:"per_hour,omitempty"`
	PerDay    int `json:"per_day,omitempty"`
}

// Restrictions narrow when and from where a policy may be exercised.
type Restrictions struct {
	IPWhitelist    []string   `json:"ip_whitelist,omitempty"`
	IPBlacklist    []string   `json:"ip_blacklist,omitempty"`
	AllowedOrigins []string   `json:"allowed_origins,omitempty"`
	ValidFrom      *time.Time `json:"valid_from,omitempty"`
	ValidUntil     *time.Time `json:"valid_until,omitempty"`
}

// Policy is the access-control document attached to an API key. Denied lists
// always take precedence over allowed lists; empty allowed lists mean
// unrestricted.
type Policy struct {
	ID               string       `json:"policy_id"`
	Name             string       `json:"name"`
	Description      string       `json:"description,omitempty"`
	Permissions      []Permission `json:"permissions"`
	AllowedOperators []string     `json:"allowed_operators,omitempty"`
	DeniedOperators  []string     `json:"denied_operators,omitempty"`
	AllowedEndpoints []string     `json:"allowed_endpoints,omitempty"`
	DeniedEndpoints  []string     `json:"denied_endpoints,omitempty"`
	RateLimits       RateLimits   `json:"rate_limits,omitempty"`
	Restrictions     Restrictions `json:"restrictions,omitempty"`
	IsActive         bool         `json:"is_active"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// KernelPrefix marks policies evaluated globally by the kernel enforcer.
const KernelPrefix = "kpol_"

// IsKernel reports whether the policy belongs to the kernel tier.
func (p *Policy) IsKernel() bool {
	return strings.HasPrefix(p.ID, KernelPrefix)
}

// MaxLevel returns the strongest grant for the given resource, honoring
// wildcard entries.
func (p *Policy) MaxLevel(resource ResourceType, resourceID string) Level {
	max := LevelNone
	for _, perm := range p.Permissions {
		if perm.ResourceType != resource {
			continue
		}
		if perm.ResourceID != "" && perm.ResourceID != resourceID {
			continue
		}
		if perm.Level > max {
			max = perm.Level
		}
	}
	return max
}

// Context carries the per-request facts restrictions are checked against.
type Context struct {
	IP           string
	Origin       string
	KernelBypass bool
	Now          time.Time
}

func (c Context) now() time.Time {
	if c.Now.IsZero() {
		return time.Now()
	}
	return c.Now
}

// LevelForVerb maps an HTTP verb to the permission level it requires.
func LevelForVerb(method string) Level {
	switch strings.ToUpper(method) {
	case "GET", "HEAD":
		return LevelRead
	case "POST":
		return LevelExecute
	case "PUT", "PATCH":
		return LevelWrite
	case "DELETE":
		return LevelAdmin
	}
	return LevelExecute
}
