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

package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/pkg/auth"
	"github.com/agentmesh/agentmesh/pkg/brain"
	"github.com/agentmesh/agentmesh/pkg/discovery"
	"github.com/agentmesh/agentmesh/pkg/kernel"
	"github.com/agentmesh/agentmesh/pkg/memory"
	"github.com/agentmesh/agentmesh/pkg/operator"
	"github.com/agentmesh/agentmesh/pkg/policy"
	"github.com/agentmesh/agentmesh/pkg/reactive"
	"github.com/agentmesh/agentmesh/pkg/storage"
)

type fixture struct {
	ts        *httptest.Server
	masterRaw string

	keys      *auth.Keys
	policies  *policy.Engine
	operators *operator.Registry
	network   *reactive.Network
	discovery *discovery.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	policies := policy.NewEngine(nil)
	enforcer := kernel.NewEnforcer(nil, policies, nil)
	kv := storage.NewMemKV()
	keys := auth.NewKeys(nil, kv, nil)
	tokens, err := auth.NewTokens([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	gateway := auth.NewGateway(nil, keys, tokens, policies)
	sessions := auth.NewSessions(nil, kv)

	engine := discovery.NewEngine(nil, enforcer, nil, discovery.Options{})
	operators := operator.NewRegistry(nil, nil, enforcer, engine, nil, operator.Options{})
	engine.AddHook(brain.PromotionHook(nil, operators))
	memories := memory.NewStore(nil, nil, nil)
	network := reactive.NewNetwork(nil, operators, kernel.Actor{OwnerID: "network", PolicyID: policy.DefaultMaster}, nil)
	br := brain.New(nil, memories, operators, engine, kernel.Actor{OwnerID: "brain", PolicyID: policy.DefaultMaster}, nil)

	_, masterRaw, err := keys.Create("root", policy.DefaultMaster, auth.ScopeMaster, 0, nil)
	require.NoError(t, err)

	srv := New(nil, prometheus.NewRegistry(), Deps{
		Gateway:   gateway,
		Keys:      keys,
		Sessions:  sessions,
		Policies:  policies,
		Kernel:    enforcer,
		Operators: operators,
		Network:   network,
		Discovery: engine,
		Memories:  memories,
		Brain:     br,
	}, Options{Version: "test"})

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &fixture{
		ts:        ts,
		masterRaw: masterRaw,
		keys:      keys,
		policies:  policies,
		operators: operators,
		network:   network,
		discovery: engine,
	}
}

func (f *fixture) do(t *testing.T, method, path, apiKey string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), "body: %s", raw)
	}
	return resp, out
}

func TestHealthIsPublic(t *testing.T) {
	f := newFixture(t)
	resp, out := f.do(t, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", out["status"])
	require.Equal(t, "test", out["version"])
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.Equal(t, "max-age=15552000; includeSubDomains; preload", resp.Header.Get("Strict-Transport-Security"))
	require.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	require.Equal(t, "no-referrer", resp.Header.Get("Referrer-Policy"))
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)
	resp, out := f.do(t, http.MethodGet, "/api/keys", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "Authentication required", out["error"])

	resp, out = f.do(t, http.MethodGet, "/api/keys", "agk_user_bogus", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "Invalid credentials", out["error"])
}

func TestKeyIssuanceLifecycle(t *testing.T) {
	f := newFixture(t)

	// Login with the master key yields a token and session.
	resp, out := f.do(t, http.MethodPost, "/api/auth/login", "", map[string]any{"api_key": f.masterRaw})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, out["token"])
	require.NotEmpty(t, out["session_id"])
	require.EqualValues(t, 3600, out["expires_in"])
	require.Equal(t, "master", out["scope"])

	// Mint a user-scope key.
	resp, out = f.do(t, http.MethodPost, "/api/keys", f.masterRaw, map[string]any{"scope": "user"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	userRaw := out["api_key"].(string)
	userID := out["key_id"].(string)
	require.GreaterOrEqual(t, len(userRaw), 40)
	require.LessOrEqual(t, len(userRaw), 48)
	require.NotEmpty(t, out["warning"])

	// The user scope cannot read the key catalog.
	resp, out = f.do(t, http.MethodGet, "/api/keys", userRaw, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Contains(t, out["error"], "insufficient permission")

	// The master can, and hashes never appear.
	resp, out = f.do(t, http.MethodGet, "/api/keys", f.masterRaw, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	for _, k := range out["keys"].([]any) {
		_, hasHash := k.(map[string]any)["key_hash"]
		require.False(t, hasHash)
	}

	// Revoke; the raw secret is dead immediately.
	resp, _ = f.do(t, http.MethodDelete, "/api/keys/"+userID, f.masterRaw, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/api/network/slots", userRaw, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestKeyRotateAndPatch(t *testing.T) {
	f := newFixture(t)
	_, out := f.do(t, http.MethodPost, "/api/keys", f.masterRaw, map[string]any{"scope": "user"})
	id := out["key_id"].(string)
	oldRaw := out["api_key"].(string)

	resp, out := f.do(t, http.MethodPost, "/api/keys/"+id+"/rotate", f.masterRaw, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, id, out["rotated_from"])
	newRaw := out["api_key"].(string)

	// Predecessor never verifies again; the successor works.
	resp, _ = f.do(t, http.MethodGet, "/api/network/slots", oldRaw, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/api/network/slots", newRaw, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	newID := out["key_id"].(string)
	resp, _ = f.do(t, http.MethodPatch, "/api/keys/"+newID, f.masterRaw, map[string]any{"action": "suspend"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/api/network/slots", newRaw, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPatch, "/api/keys/"+newID, f.masterRaw, map[string]any{"action": "reactivate"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/api/network/slots", newRaw, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTokenRefreshFlow(t *testing.T) {
	f := newFixture(t)
	_, out := f.do(t, http.MethodPost, "/api/auth/login", "", map[string]any{"api_key": f.masterRaw})
	token := out["token"].(string)

	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/api/auth/refresh", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var refreshed map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&refreshed))
	require.NotEmpty(t, refreshed["token"])
}

func TestManifestDiscoveryKernelFilter(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"capabilities": []map[string]any{
				{"name": "insecure_op", "endpoint": "http://example.com/op", "method": "POST"},
				{"name": "fetch_report", "endpoint": "https://example.com/report", "method": "GET"},
			},
		})
	}))
	t.Cleanup(backend.Close)

	f := newFixture(t)
	resp, out := f.do(t, http.MethodPost, "/api/discovery/sources", f.masterRaw, map[string]any{
		"base_url":         backend.URL,
		"discovery_method": "manifest",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, out["source_id"])

	resp, out = f.do(t, http.MethodPost, "/api/discovery/discover", f.masterRaw, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, out["discovery_complete"])
	require.EqualValues(t, 1, out["sources_probed"])
	// The plaintext-HTTP capability was refused by the kernel.
	require.EqualValues(t, 1, out["total_capabilities"])

	_, out = f.do(t, http.MethodGet, "/api/discovery/capabilities", f.masterRaw, nil)
	require.EqualValues(t, 1, out["count"])

	// The survivor was promoted to an operator.
	_, out = f.do(t, http.MethodGet, "/api/operators", f.masterRaw, nil)
	require.EqualValues(t, 1, out["count"])
}

func TestOperatorInvokeRoundTrip(t *testing.T) {
	echo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]any{"json": body})
	}))
	t.Cleanup(echo.Close)

	f := newFixture(t)
	f.operators.Register(&operator.Signature{
		Name:             "echo_anything",
		Type:             operator.TypeCompute,
		EndpointURL:      echo.URL,
		Method:           "POST",
		OutputExtractors: map[string]string{"echo": "$.json.x"},
	})

	resp, out := f.do(t, http.MethodPost, "/api/operators/echo_anything/invoke", f.masterRaw,
		map[string]any{"input": map[string]any{"x": 42}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "echo_anything", out["operator"])
	result := out["result"].(map[string]any)
	require.Equal(t, true, result["success"])
	require.EqualValues(t, 42, result["outputs"].(map[string]any)["echo"])

	sig, _ := f.operators.GetByName("echo_anything")
	require.EqualValues(t, 1, sig.CallCount)
	require.Greater(t, sig.AvgLatencyMS, 0.0)

	resp, _ = f.do(t, http.MethodPost, "/api/operators/missing/invoke", f.masterRaw, map[string]any{})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestKernelPolicyBlocksOperator(t *testing.T) {
	f := newFixture(t)
	f.operators.Register(&operator.Signature{
		Name:        "blocked_call",
		Type:        operator.TypeCompute,
		EndpointURL: "https://internal.example.com/api/run",
		Method:      "POST",
	})

	// Non-kpol ids are refused on the kernel surface.
	resp, _ := f.do(t, http.MethodPost, "/api/kernel/policies", f.masterRaw, map[string]any{
		"policy_id": "pol_sneaky",
		"name":      "nope",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/kernel/policies", f.masterRaw, map[string]any{
		"policy_id": "kpol_block_internal",
		"name":      "Block internal",
		"permissions": []map[string]any{
			{"resource_type": "operator", "level": "master"},
			{"resource_type": "system", "level": "master"},
		},
		"denied_endpoints": []string{"https://internal.example.com"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, out := f.do(t, http.MethodPost, "/api/operators/blocked_call/invoke", f.masterRaw,
		map[string]any{"input": map[string]any{}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := out["result"].(map[string]any)
	require.Equal(t, false, result["success"])
	require.Contains(t, result["error"], "denied")

	// Deactivating the kernel policy lifts the block; the call now fails only
	// because the endpoint does not exist.
	resp, _ = f.do(t, http.MethodPatch, "/api/kernel/policies/kpol_block_internal", f.masterRaw,
		map[string]any{"is_active": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// A user-scope key cannot touch the kernel surface at all.
	_, keyOut := f.do(t, http.MethodPost, "/api/keys", f.masterRaw, map[string]any{"scope": "user"})
	resp, _ = f.do(t, http.MethodGet, "/api/kernel/policies", keyOut["api_key"].(string), nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSignalBroadcastOverAPI(t *testing.T) {
	f := newFixture(t)
	_, s1 := f.do(t, http.MethodPost, "/api/network/slots", f.masterRaw, map[string]any{"slot_type": "a"})
	_, s2 := f.do(t, http.MethodPost, "/api/network/slots", f.masterRaw, map[string]any{
		"slot_type": "b", "connect_to": []string{s1["slot_id"].(string)},
	})
	_, s3 := f.do(t, http.MethodPost, "/api/network/slots", f.masterRaw, map[string]any{
		"slot_type": "c", "connect_to": []string{s2["slot_id"].(string)},
	})

	resp, out := f.do(t, http.MethodPost, "/api/network/signal", f.masterRaw, map[string]any{
		"type":    "event",
		"payload": map[string]any{"k": "v"},
		"source":  s1["slot_id"],
		"ttl":     2,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, out["emitted"])
	require.NotEmpty(t, out["signal_id"])

	// TTL 2 reaches the direct neighbor only.
	_, slots := f.do(t, http.MethodGet, "/api/network/slots", f.masterRaw, nil)
	queueByID := map[string]float64{}
	for _, raw := range slots["slots"].([]any) {
		m := raw.(map[string]any)
		queueByID[m["slot_id"].(string)] = m["queue_len"].(float64)
	}
	require.EqualValues(t, 1, queueByID[s2["slot_id"].(string)])
	require.EqualValues(t, 0, queueByID[s3["slot_id"].(string)])

	resp, _ = f.do(t, http.MethodPost, "/api/network/signal", f.masterRaw, map[string]any{
		"type": "event", "target": "slot_missing",
	})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRateLimitBoundary(t *testing.T) {
	f := newFixture(t)
	_, out := f.do(t, http.MethodPost, "/api/keys", f.masterRaw, map[string]any{"scope": "user"})
	userRaw := out["api_key"].(string)

	// pol_user allows 60 requests per minute.
	for i := 0; i < 60; i++ {
		resp, _ := f.do(t, http.MethodGet, "/api/network/slots", userRaw, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, "request %d", i+1)
	}
	resp, body := f.do(t, http.MethodGet, "/api/network/slots", userRaw, nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "60", resp.Header.Get("Retry-After"))
	require.Contains(t, body["error"], "rate limit")
}

func TestBrainThinkRoute(t *testing.T) {
	f := newFixture(t)

	resp, out := f.do(t, http.MethodPost, "/api/brain/think", f.masterRaw, map[string]any{
		"type":    "observation",
		"content": map[string]any{"service": "api", "status": "up"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, out["thought_id"])
	require.NotEmpty(t, out["processed_at"])
	result := out["result"].(map[string]any)
	require.NotEmpty(t, result["memory_id"])

	// pol_user holds READ on system; EXECUTE on brain is out of reach.
	_, keyOut := f.do(t, http.MethodPost, "/api/keys", f.masterRaw, map[string]any{"scope": "user"})
	resp, _ = f.do(t, http.MethodPost, "/api/brain/think", keyOut["api_key"].(string), map[string]any{
		"type": "observation", "content": map[string]any{"x": 1},
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/brain/think", f.masterRaw, map[string]any{"type": "daydream"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, out = f.do(t, http.MethodPost, "/api/brain/goals", f.masterRaw, map[string]any{"description": "learn"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, out["goal_id"])

	_, stats := f.do(t, http.MethodGet, "/api/brain/stats", f.masterRaw, nil)
	require.EqualValues(t, 1, stats["goals_active"])
}

func TestMemoryRoutes(t *testing.T) {
	f := newFixture(t)
	resp, out := f.do(t, http.MethodPost, "/api/memory/store", f.masterRaw, map[string]any{
		"content": map[string]any{"fact": "the sky is blue"},
		"tags":    []string{"color"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := out["memory_id"].(string)
	require.Equal(t, "semantic", out["memory_type"])

	resp, out = f.do(t, http.MethodPost, "/api/memory/recall", f.masterRaw, map[string]any{"memory_id": id})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 1, out["count"])

	resp, out = f.do(t, http.MethodPost, "/api/memory/recall", f.masterRaw, map[string]any{
		"tags": []string{"color"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 1, out["count"])

	resp, _ = f.do(t, http.MethodPost, "/api/memory/store", f.masterRaw, map[string]any{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, stats := f.do(t, http.MethodGet, "/api/memory/stats", f.masterRaw, nil)
	require.EqualValues(t, 1, stats["total_memories"])
}

func TestMalformedJSONRejected(t *testing.T) {
	f := newFixture(t)
	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/api/auth/login",
		bytes.NewReader([]byte(`{"api_key": `)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "invalid JSON body", out["error"])
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	req, err := http.NewRequest(http.MethodOptions, f.ts.URL+"/api/keys", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://dashboard.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	_, _ = f.do(t, http.MethodGet, "/api/health", "", nil)
	resp, err := http.Get(f.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(raw), "agentmesh_http_requests_total")
}

func TestPolicyCRUDRoutes(t *testing.T) {
	f := newFixture(t)
	resp, out := f.do(t, http.MethodPost, "/api/policies", f.masterRaw, map[string]any{
		"policy_id":   "pol_partner",
		"name":        "Partner",
		"permissions": []map[string]any{{"resource_type": "operator", "level": "execute"}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "pol_partner", out["policy_id"])

	// Kernel-tier ids do not belong on this surface.
	resp, _ = f.do(t, http.MethodPost, "/api/policies", f.masterRaw, map[string]any{
		"policy_id": "kpol_sneaky", "name": "nope",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, listed := f.do(t, http.MethodGet, "/api/policies", f.masterRaw, nil)
	ids := []string{}
	for _, raw := range listed["policies"].([]any) {
		ids = append(ids, raw.(map[string]any)["policy_id"].(string))
	}
	require.Contains(t, ids, "pol_partner")
	for _, id := range ids {
		require.NotContains(t, id, "kpol_", fmt.Sprintf("kernel policy %s leaked into the list", id))
	}
}
