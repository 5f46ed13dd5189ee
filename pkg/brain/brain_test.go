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

package brain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/pkg/discovery"
	"github.com/agentmesh/agentmesh/pkg/kernel"
	"github.com/agentmesh/agentmesh/pkg/memory"
	"github.com/agentmesh/agentmesh/pkg/operator"
	"github.com/agentmesh/agentmesh/pkg/policy"
)

func newBrain(t *testing.T) (*Brain, *operator.Registry, *discovery.Engine) {
	t.Helper()
	enforcer := kernel.NewEnforcer(nil, policy.NewEngine(nil), nil)
	operators := operator.NewRegistry(nil, nil, nil, nil, nil, operator.Options{})
	engine := discovery.NewEngine(nil, enforcer, nil, discovery.Options{})
	memories := memory.NewStore(nil, nil, nil)
	return New(nil, memories, operators, engine, kernel.Actor{OwnerID: "brain"}, nil), operators, engine
}

func TestPromotionHook(t *testing.T) {
	_, operators, engine := newBrain(t)
	engine.AddHook(PromotionHook(nil, operators))

	ok := engine.Register(&discovery.Capability{
		Name:     "search_docs",
		Endpoint: "https://docs.example.com/search",
		Method:   "GET",
		Type:     discovery.CapREST,
		Source:   "src_docs",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"q": map[string]any{"type": "string"}},
		},
		DiscoveryMethod: discovery.MethodOpenAPI,
	})
	require.True(t, ok)

	sig, found := operators.GetByName("search_docs")
	require.True(t, found)
	require.Equal(t, operator.TypeSearch, sig.Type)
	require.Equal(t, "src_docs", sig.Headers["x-source"])
	require.Equal(t, "openapi", sig.Headers["x-discovery-method"])
	require.Equal(t, "$q", sig.RequestTemplate["q"])
	require.True(t, sig.Idempotent)
}

func TestPromotionHookMCPTool(t *testing.T) {
	_, operators, engine := newBrain(t)
	engine.AddHook(PromotionHook(nil, operators))

	engine.Register(&discovery.Capability{
		Name:            "get_weather",
		Endpoint:        "python3 -m weather_server",
		Method:          "MCP",
		Type:            discovery.CapMCPTool,
		Source:          "src_mcp",
		ToolName:        "get_weather",
		DiscoveryMethod: discovery.MethodMCP,
	})

	sig, found := operators.GetByName("get_weather")
	require.True(t, found)
	require.Equal(t, "MCP", sig.Method)
	require.Equal(t, "get_weather", sig.Headers["x-tool-name"])
}

func TestThinkQuery(t *testing.T) {
	b, _, engine := newBrain(t)
	_, err := b.memories.Store(context.Background(),
		map[string]any{"text": "weather in Berlin is mild"}, "semantic", 0.9, 0, []string{"weather"})
	require.NoError(t, err)
	engine.Register(&discovery.Capability{
		Name: "weather_lookup", Endpoint: "https://api.example.com/weather", Method: "GET", Type: discovery.CapREST,
	})

	out, err := b.Think(context.Background(), "query", map[string]any{"query": "weather"})
	require.NoError(t, err)
	require.NotEmpty(t, out["thought_id"])
	require.Len(t, out["memories"], 1)
	require.Len(t, out["capabilities"], 1)

	_, err = b.Think(context.Background(), "query", map[string]any{})
	require.Error(t, err)
}

func TestThinkCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]any{"result": body["n"]})
	}))
	t.Cleanup(srv.Close)

	b, operators, _ := newBrain(t)
	operators.Register(&operator.Signature{
		Name:             "double",
		Type:             operator.TypeCompute,
		EndpointURL:      srv.URL,
		Method:           "POST",
		RequestTemplate:  map[string]any{"n": "$n"},
		OutputExtractors: map[string]string{"result": "$.result"},
	})

	out, err := b.Think(context.Background(), "command", map[string]any{
		"operator": "double",
		"inputs":   map[string]any{"n": 21},
	})
	require.NoError(t, err)
	inv := out["invocation"].(*operator.Invocation)
	require.True(t, inv.Success)
	require.EqualValues(t, 21, inv.Outputs["result"])

	_, err = b.Think(context.Background(), "command", map[string]any{"operator": "missing"})
	require.Error(t, err)
}

func TestThinkObservationMatchesPatterns(t *testing.T) {
	b, _, _ := newBrain(t)
	_, err := b.memories.RegisterPattern("spike",
		map[string]any{"severity": "high"}, map[string]any{"action": "alert"})
	require.NoError(t, err)

	out, err := b.Think(context.Background(), "observation",
		map[string]any{"severity": "high", "service": "api"})
	require.NoError(t, err)
	require.NotEmpty(t, out["memory_id"])
	patterns := out["matched_patterns"].([]*memory.Pattern)
	require.Len(t, patterns, 1)
	require.Equal(t, "spike", patterns[0].Name)

	// The observation itself landed in memory.
	got, ok := b.memories.Get(out["memory_id"].(string))
	require.True(t, ok)
	require.Equal(t, "episodic", got.Type)
}

func TestThinkReflection(t *testing.T) {
	b, _, _ := newBrain(t)
	for i := 0; i < 3; i++ {
		_, err := b.Think(context.Background(), "observation", map[string]any{"i": i})
		require.NoError(t, err)
	}
	out, err := b.Think(context.Background(), "reflection", map[string]any{})
	require.NoError(t, err)
	// The reflection thought itself is in the log before routing.
	require.Equal(t, 4, out["thoughts_considered"])
	byType := out["by_type"].(map[string]int)
	require.Equal(t, 3, byType["observation"])
	require.Equal(t, 1, byType["reflection"])
}

func TestThinkPlanning(t *testing.T) {
	b, _, engine := newBrain(t)
	g := b.CreateGoal("map external APIs", 0.9)
	b.CreateGoal("low priority", 0.1)
	engine.Register(&discovery.Capability{
		Name: "svc", Endpoint: "https://svc.example.com", Method: "GET", Type: discovery.CapREST,
	})

	out, err := b.Think(context.Background(), "planning", nil)
	require.NoError(t, err)
	goals := out["active_goals"].([]*Goal)
	require.Len(t, goals, 2)
	require.Equal(t, g.ID, goals[0].ID)
	require.Len(t, out["healthy_capabilities"], 1)

	require.NoError(t, b.CompleteGoal(g.ID))
	require.Error(t, b.CompleteGoal("goal_missing"))
	out, err = b.Think(context.Background(), "planning", nil)
	require.NoError(t, err)
	require.Len(t, out["active_goals"], 1)
}

func TestThinkLearning(t *testing.T) {
	b, _, _ := newBrain(t)
	out, err := b.Think(context.Background(), "learning", map[string]any{
		"pattern_name":       "retry-storm",
		"trigger_conditions": map[string]any{"error": map[string]any{"$regex": "timeout"}},
		"response":           map[string]any{"action": "backoff"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, out["pattern_id"])
	require.NotEmpty(t, out["memory_id"])

	hits := b.memories.MatchPatterns(map[string]any{"error": "connect timeout"})
	require.Len(t, hits, 1)

	_, err = b.Think(context.Background(), "learning", map[string]any{"pattern_name": "x"})
	require.Error(t, err)
}

func TestUnknownThoughtType(t *testing.T) {
	b, _, _ := newBrain(t)
	_, err := b.Think(context.Background(), "daydream", nil)
	require.Error(t, err)
}

func TestStats(t *testing.T) {
	b, _, _ := newBrain(t)
	b.CreateGoal("g", 0.5)
	_, err := b.Think(context.Background(), "observation", map[string]any{"x": 1})
	require.NoError(t, err)

	stats := b.Stats()
	require.Equal(t, 1, stats["recent_thoughts"])
	require.Equal(t, 1, stats["goals_active"])
	require.Equal(t, 0, stats["operators"])
	mem := stats["memory"].(map[string]any)
	require.Equal(t, 2, mem["total_memories"]) // observation + thought record
}
