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

// Package discovery probes registered sources for external capabilities,
// filters them through the kernel, and promotes survivors through a hook
// chain.
package discovery

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Method selects how a source is probed.
type Method string

const (
	MethodOpenAPI  Method = "openapi"
	MethodGraphQL  Method = "graphql_introspect"
	MethodProbe    Method = "probe"
	MethodManifest Method = "manifest"
	MethodMCP      Method = "mcp"
)

// AuthType selects how credentials are attached to probe requests.
type AuthType string

const (
	AuthNone   AuthType = ""
	AuthAPIKey AuthType = "api_key"
	AuthBearer AuthType = "bearer"
	AuthBasic  AuthType = "basic"
)

// Source is one registered external system.
type Source struct {
	ID              string            `json:"source_id"`
	Name            string            `json:"name,omitempty"`
	BaseURL         string            `json:"base_url"`
	Method          Method            `json:"discovery_method"`
	DiscoveryPath   string            `json:"discovery_path,omitempty"`
	AuthType        AuthType          `json:"auth_type,omitempty"`
	AuthCredentials map[string]string `json:"auth_credentials,omitempty"`
	RefreshInterval time.Duration     `json:"refresh_interval,omitempty"`
	Active          bool              `json:"active"`

	LastDiscovery     *time.Time `json:"last_discovery,omitempty"`
	CapabilitiesFound int        `json:"capabilities_found"`
}

// CapabilityType classifies a discovered endpoint.
type CapabilityType string

const (
	CapREST    CapabilityType = "rest_api"
	CapGraphQL CapabilityType = "graphql"
	CapMCPTool CapabilityType = "mcp_tool"
	CapUnknown CapabilityType = "unknown"
)

// Capability is a discovered endpoint before promotion to an operator.
type Capability struct {
	ID              string         `json:"capability_id"`
	Name            string         `json:"name"`
	Type            CapabilityType `json:"capability_type"`
	Endpoint        string         `json:"endpoint"`
	Method          string         `json:"method"`
	Description     string         `json:"description,omitempty"`
	InputSchema     map[string]any `json:"input_schema,omitempty"`
	OutputSchema    map[string]any `json:"output_schema,omitempty"`
	Tags            []string       `json:"tags,omitempty"`
	DiscoveryMethod Method         `json:"discovery_method"`
	Source          string         `json:"source"`
	ToolName        string         `json:"tool_name,omitempty"`

	IsHealthy      bool       `json:"is_healthy"`
	ResponseTimeMS float64    `json:"response_time_ms"`
	SuccessCount   int64      `json:"success_count"`
	FailureCount   int64      `json:"failure_count"`
	DiscoveredAt   time.Time  `json:"discovered_at"`
	LastChecked    *time.Time `json:"last_checked,omitempty"`
}

// CapabilityID derives the stable id from endpoint, method and name.
func CapabilityID(endpoint, method, name string) string {
	sum := sha256.Sum256([]byte(endpoint + "|" + method + "|" + name))
	return "cap_" + hex.EncodeToString(sum[:])[:16]
}

// Filter narrows capability searches. Zero values match everything.
type Filter struct {
	NameContains string
	Type         CapabilityType
	Tags         []string
	HealthyOnly  bool
}
