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

// Package operator implements the uniform operator contract: signatures for
// externally backed functions, a registry with a kernel-gated invocation
// path, behavioral statistics, pipelines, and probing-based discovery of new
// operators.
package operator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Type is the coarse classification of what an operator does.
type Type string

const (
	TypeStore     Type = "store"
	TypeRetrieve  Type = "retrieve"
	TypeTransform Type = "transform"
	TypeFilter    Type = "filter"
	TypeAggregate Type = "aggregate"
	TypeCompute   Type = "compute"
	TypeInfer     Type = "infer"
	TypeEmbed     Type = "embed"
	TypeSearch    Type = "search"
	TypeSequence  Type = "sequence"
	TypeParallel  Type = "parallel"
	TypeRetry     Type = "retry"
	TypeTimeout   Type = "timeout"
	TypeBroadcast Type = "broadcast"
	TypeRoute     Type = "route"
	TypeGossip    Type = "gossip"
)

// ParseType degrades unknown values to compute so persisted catalogs from
// newer versions still load.
func ParseType(s string) Type {
	switch t := Type(strings.ToLower(s)); t {
	case TypeStore, TypeRetrieve, TypeTransform, TypeFilter, TypeAggregate,
		TypeCompute, TypeInfer, TypeEmbed, TypeSearch, TypeSequence,
		TypeParallel, TypeRetry, TypeTimeout, TypeBroadcast, TypeRoute,
		TypeGossip:
		return t
	}
	return TypeCompute
}

// InferTypeFromName applies the lexical heuristic used during discovery and
// promotion: the name or URL hints at what the endpoint does.
func InferTypeFromName(name, method string) Type {
	n := strings.ToLower(name)
	switch {
	case containsAny(n, "search", "find", "query", "lookup"):
		return TypeSearch
	case containsAny(n, "embed", "vector"):
		return TypeEmbed
	case containsAny(n, "chat", "complete", "generate", "infer", "predict"):
		return TypeInfer
	case containsAny(n, "store", "save", "write", "insert", "create"):
		return TypeStore
	case containsAny(n, "get", "fetch", "read", "retrieve", "list"):
		return TypeRetrieve
	case containsAny(n, "transform", "convert", "translate"):
		return TypeTransform
	case containsAny(n, "filter"):
		return TypeFilter
	case containsAny(n, "aggregate", "sum", "count", "stats"):
		return TypeAggregate
	case containsAny(n, "route", "dispatch"):
		return TypeRoute
	case containsAny(n, "broadcast", "publish", "notify"):
		return TypeBroadcast
	}
	// Fall back by verb.
	switch strings.ToUpper(method) {
	case "GET", "HEAD":
		return TypeRetrieve
	case "POST":
		return TypeCompute
	case "PUT", "PATCH":
		return TypeStore
	case "DELETE":
		return TypeStore
	}
	return TypeCompute
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// ID derives the stable operator id from endpoint and method.
func ID(endpoint, method string) string {
	sum := sha256.Sum256([]byte(endpoint + "|" + method))
	return "op_" + hex.EncodeToString(sum[:])[:16]
}

// Signature describes one operator: where it lives, how to call it, how to
// read its output, plus behavioral statistics maintained by the registry.
type Signature struct {
	ID               string            `json:"operator_id"`
	Name             string            `json:"name"`
	Type             Type              `json:"operator_type"`
	EndpointURL      string            `json:"endpoint_url"`
	Method           string            `json:"method"` // HTTP verb or "MCP"
	Headers          map[string]string `json:"headers,omitempty"`
	RequestTemplate  map[string]any    `json:"request_template,omitempty"`
	ResponseSchema   map[string]any    `json:"response_schema,omitempty"`
	OutputExtractors map[string]string `json:"output_extractors,omitempty"`
	SuccessIndicator string            `json:"success_indicator,omitempty"`
	Idempotent       bool              `json:"idempotent"`
	SideEffects      bool              `json:"side_effects"`

	AvgLatencyMS     float64    `json:"avg_latency_ms"`
	SuccessRate      float64    `json:"success_rate"`
	ConsistencyScore float64    `json:"consistency_score"`
	CallCount        int64      `json:"call_count"`
	LastUsed         *time.Time `json:"last_used,omitempty"`
	RegisteredAt     time.Time  `json:"registered_at"`
}

// Summary is the listing shape for API responses.
func (s *Signature) Summary() map[string]any {
	return map[string]any{
		"operator_id":       s.ID,
		"name":              s.Name,
		"operator_type":     s.Type,
		"endpoint_url":      s.EndpointURL,
		"method":            s.Method,
		"side_effects":      s.SideEffects,
		"call_count":        s.CallCount,
		"success_rate":      s.SuccessRate,
		"avg_latency_ms":    s.AvgLatencyMS,
		"consistency_score": s.ConsistencyScore,
	}
}

// Invocation is the uniform result of one operator call.
type Invocation struct {
	ID         string         `json:"invocation_id"`
	OperatorID string         `json:"operator_id"`
	Inputs     map[string]any `json:"inputs"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	Success    bool           `json:"success"`
	LatencyMS  float64        `json:"latency_ms"`
	Error      string         `json:"error,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

func failedInvocation(operatorID string, inputs map[string]any, latency time.Duration, format string, args ...any) *Invocation {
	return &Invocation{
		ID:         newInvocationID(),
		OperatorID: operatorID,
		Inputs:     inputs,
		Success:    false,
		LatencyMS:  float64(latency.Milliseconds()),
		Error:      fmt.Sprintf(format, args...),
		Timestamp:  time.Now(),
	}
}
