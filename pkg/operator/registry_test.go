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

package operator

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/pkg/kernel"
	"github.com/agentmesh/agentmesh/pkg/policy"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	engine := policy.NewEngine(nil)
	enforcer := kernel.NewEnforcer(nil, engine, nil)
	return NewRegistry(nil, afero.NewMemMapFs(), enforcer, nil, nil, Options{
		CatalogPath: "data/operators.json",
	})
}

// echoServer mimics httpbin's /anything: it reflects the JSON body under
// "json" and the query under "args".
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body any
		if raw, _ := io.ReadAll(r.Body); len(raw) > 0 {
			_ = json.Unmarshal(raw, &body)
		}
		args := map[string]string{}
		for k := range r.URL.Query() {
			args[k] = r.URL.Query().Get(k)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"json":   body,
			"args":   args,
			"method": r.Method,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestInvokeRoundTrip(t *testing.T) {
	srv := echoServer(t)
	r := newTestRegistry(t)
	sig := r.Register(&Signature{
		Name:             "echo",
		Type:             TypeCompute,
		EndpointURL:      srv.URL + "/anything",
		Method:           "POST",
		OutputExtractors: map[string]string{"echo": "$.json.x"},
	})

	inv := r.Invoke(context.Background(), sig.ID, map[string]any{"x": 42}, 0, kernel.Actor{})
	require.True(t, inv.Success, inv.Error)
	require.EqualValues(t, 42, inv.Outputs["echo"])
	require.NotEmpty(t, inv.Outputs["raw"])

	got, _ := r.Get(sig.ID)
	require.EqualValues(t, 1, got.CallCount)
	require.Greater(t, got.AvgLatencyMS, 0.0)
	require.NotNil(t, got.LastUsed)
}

func TestInvokeGETUsesQuery(t *testing.T) {
	srv := echoServer(t)
	r := newTestRegistry(t)
	sig := r.Register(&Signature{
		Name:             "echo_get",
		EndpointURL:      srv.URL + "/anything",
		Method:           "GET",
		OutputExtractors: map[string]string{"q": "args.q"},
	})
	inv := r.Invoke(context.Background(), sig.ID, map[string]any{"q": "hello"}, 0, kernel.Actor{})
	require.True(t, inv.Success, inv.Error)
	require.Equal(t, "hello", inv.Outputs["q"])
}

func TestInvokeNotFound(t *testing.T) {
	r := newTestRegistry(t)
	inv := r.Invoke(context.Background(), "op_missing", nil, 0, kernel.Actor{})
	require.False(t, inv.Success)
	require.Equal(t, "Operator not found", inv.Error)
}

func TestInsecureTransportNeverDispatches(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	t.Cleanup(srv.Close)

	r := newTestRegistry(t)
	sig := r.Register(&Signature{
		Name:        "insecure",
		EndpointURL: "http://example.com/op",
		Method:      "POST",
		SideEffects: true,
	})
	inv := r.Invoke(context.Background(), sig.ID, map[string]any{}, 0, kernel.Actor{})
	require.False(t, inv.Success)
	require.Contains(t, inv.Error, "Insecure transport")
	require.EqualValues(t, 0, calls.Load())
}

func TestKernelEndpointDenyBlocksInvoke(t *testing.T) {
	srv := echoServer(t)
	engine := policy.NewEngine(nil)
	enforcer := kernel.NewEnforcer(nil, engine, nil)
	require.NoError(t, engine.Create(&policy.Policy{
		ID:   "kpol_block",
		Name: "block",
		Permissions: []policy.Permission{
			{ResourceType: policy.ResourceOperator, Level: policy.LevelMaster},
			{ResourceType: policy.ResourceSystem, Level: policy.LevelMaster},
		},
		DeniedEndpoints: []string{srv.URL},
		IsActive:        true,
	}))
	r := NewRegistry(nil, afero.NewMemMapFs(), enforcer, nil, nil, Options{})
	sig := r.Register(&Signature{Name: "blocked", EndpointURL: srv.URL + "/x", Method: "POST"})

	inv := r.Invoke(context.Background(), sig.ID, nil, 0, kernel.Actor{})
	require.False(t, inv.Success)
	require.Contains(t, inv.Error, "denied")
}

func TestInvokeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)

	r := newTestRegistry(t)
	sig := r.Register(&Signature{Name: "slow", EndpointURL: srv.URL, Method: "POST"})
	inv := r.Invoke(context.Background(), sig.ID, nil, 50*time.Millisecond, kernel.Actor{})
	require.False(t, inv.Success)
	require.Equal(t, "Timeout", inv.Error)
}

func TestInvokeHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	r := newTestRegistry(t)
	sig := r.Register(&Signature{Name: "failing", EndpointURL: srv.URL, Method: "POST"})
	inv := r.Invoke(context.Background(), sig.ID, nil, 0, kernel.Actor{})
	require.False(t, inv.Success)
	require.Contains(t, inv.Error, "HTTP 500")
}

func TestStatsMonotone(t *testing.T) {
	srv := echoServer(t)
	r := newTestRegistry(t)
	sig := r.Register(&Signature{Name: "echo", EndpointURL: srv.URL, Method: "POST"})

	var lastCount int64
	for i := 0; i < 10; i++ {
		r.Invoke(context.Background(), sig.ID, nil, 0, kernel.Actor{})
		got, _ := r.Get(sig.ID)
		require.Greater(t, got.CallCount, lastCount)
		lastCount = got.CallCount
		require.GreaterOrEqual(t, got.SuccessRate, 0.0)
		require.LessOrEqual(t, got.SuccessRate, 1.0)
		require.GreaterOrEqual(t, got.AvgLatencyMS, 0.0)
	}
}

func TestConsistencyPenaltyLifts(t *testing.T) {
	srv := echoServer(t)
	r := newTestRegistry(t)
	sig := r.Register(&Signature{Name: "echo", EndpointURL: srv.URL, Method: "POST"})

	for i := 0; i < 5; i++ {
		r.Invoke(context.Background(), sig.ID, nil, 0, kernel.Actor{})
	}
	got, _ := r.Get(sig.ID)
	require.InDelta(t, got.SuccessRate*0.5, got.ConsistencyScore, 1e-9)

	r.Invoke(context.Background(), sig.ID, nil, 0, kernel.Actor{})
	got, _ = r.Get(sig.ID)
	require.InDelta(t, got.SuccessRate, got.ConsistencyScore, 1e-9)
}

func TestTemplateSubstitution(t *testing.T) {
	tmpl := map[string]any{
		"prompt": "answer $question briefly",
		"model":  "$model",
		"nested": map[string]any{"temperature": "$temp"},
		"fixed":  "constant",
	}
	req := buildRequest(tmpl, map[string]any{
		"question": "why",
		"model":    "m1",
		"temp":     0.2,
		"extra":    true,
	})
	require.Equal(t, "answer why briefly", req["prompt"])
	require.Equal(t, "m1", req["model"])
	require.Equal(t, 0.2, req["nested"].(map[string]any)["temperature"])
	require.Equal(t, "constant", req["fixed"])
	require.Equal(t, true, req["extra"])
}

func TestEmptyTemplatePassesInputs(t *testing.T) {
	req := buildRequest(nil, map[string]any{"a": 1, "b": "x"})
	require.Equal(t, map[string]any{"a": 1, "b": "x"}, req)
}

func TestExtractOutputs(t *testing.T) {
	body := []byte(`{"data":{"items":[{"id":"a"},{"id":"b"}]},"status":"ok"}`)
	out := extractOutputs(body, map[string]string{
		"first":   "$.data.items.0.id",
		"status":  "status",
		"missing": "data.nope",
	})
	require.Equal(t, "a", out["first"])
	require.Equal(t, "ok", out["status"])
	require.Nil(t, out["missing"])
	require.Equal(t, string(body), out["raw"])
}

func TestCatalogPersistsAndReloads(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := NewRegistry(nil, fs, nil, nil, nil, Options{CatalogPath: "ops.json"})
	r.Register(&Signature{Name: "one", EndpointURL: "https://a.example.com", Method: "POST", Type: TypeSearch})
	r.Register(&Signature{Name: "two", EndpointURL: "https://b.example.com", Method: "GET", Type: Type("not_a_real_type")})

	reloaded := NewRegistry(nil, fs, nil, nil, nil, Options{CatalogPath: "ops.json"})
	sigs := reloaded.List()
	require.Len(t, sigs, 2)

	one, ok := reloaded.GetByName("one")
	require.True(t, ok)
	require.Equal(t, TypeSearch, one.Type)

	// Unknown persisted types degrade to compute on load.
	two, ok := reloaded.GetByName("two")
	require.True(t, ok)
	require.Equal(t, TypeCompute, two.Type)
}

func TestHistoryRing(t *testing.T) {
	srv := echoServer(t)
	r := newTestRegistry(t)
	sig := r.Register(&Signature{Name: "echo", EndpointURL: srv.URL, Method: "POST"})

	for i := 0; i < 7; i++ {
		r.Invoke(context.Background(), sig.ID, map[string]any{"i": i}, 0, kernel.Actor{})
	}
	h := r.History(5)
	require.Len(t, h, 5)
	// Newest last.
	require.EqualValues(t, 6, h[4].Inputs["i"])
}

func TestPipelineChainsOutputs(t *testing.T) {
	srv := echoServer(t)
	r := newTestRegistry(t)
	a := r.Register(&Signature{
		Name:             "a",
		EndpointURL:      srv.URL + "/a",
		Method:           "POST",
		OutputExtractors: map[string]string{"x": "json.x"},
	})
	b := r.Register(&Signature{
		Name:             "b",
		EndpointURL:      srv.URL + "/b",
		Method:           "POST",
		OutputExtractors: map[string]string{"x2": "json.x"},
	})
	p := NewPipeline(r, "chain", a.ID, b.ID)
	res := p.Execute(context.Background(), map[string]any{"x": 1}, 0, kernel.Actor{})
	require.True(t, res.Success)
	require.Equal(t, -1, res.FailedAtStep)
	require.Len(t, res.Results, 2)
	// Step B received step A's outputs, which carried x through.
	require.EqualValues(t, 1, res.FinalOutput["x2"])
}

func TestPipelineStopsOnFailure(t *testing.T) {
	okSrv := echoServer(t)
	badSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad", http.StatusInternalServerError)
	}))
	t.Cleanup(badSrv.Close)

	r := newTestRegistry(t)
	a := r.Register(&Signature{Name: "a", EndpointURL: okSrv.URL, Method: "POST"})
	b := r.Register(&Signature{Name: "b", EndpointURL: badSrv.URL, Method: "POST"})
	c := r.Register(&Signature{Name: "c", EndpointURL: okSrv.URL, Method: "POST"})

	p := NewPipeline(r, "chain", a.ID, b.ID, c.ID)
	res := p.Execute(context.Background(), nil, 0, kernel.Actor{})
	require.False(t, res.Success)
	require.Equal(t, 1, res.FailedAtStep)
	require.Len(t, res.Results, 2)

	aSig, _ := r.Get(a.ID)
	bSig, _ := r.Get(b.ID)
	require.Greater(t, aSig.SuccessRate, bSig.SuccessRate)
}

func TestBehavioralDiscovery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[1,2,3],"id":"res_1","message":"ok"}`))
	}))
	t.Cleanup(srv.Close)

	r := newTestRegistry(t)
	d := NewDiscovery(nil, r)
	sig, err := d.Discover(context.Background(), srv.URL+"/search", "POST")
	require.NoError(t, err)
	require.Equal(t, TypeSearch, sig.Type)
	require.Equal(t, "data", sig.OutputExtractors["result"])
	require.Equal(t, "id", sig.OutputExtractors["id"])
	require.Equal(t, "message", sig.OutputExtractors["message"])
	_, ok := r.Get(sig.ID)
	require.True(t, ok)
}

func TestDiscoveryZeroSuccessesRegistersNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	r := newTestRegistry(t)
	d := NewDiscovery(nil, r)
	_, err := d.Discover(context.Background(), srv.URL, "POST")
	require.Error(t, err)
	require.Empty(t, r.List())
}

func TestInferTypeFromName(t *testing.T) {
	require.Equal(t, TypeSearch, InferTypeFromName("https://x/api/search", "POST"))
	require.Equal(t, TypeEmbed, InferTypeFromName("embed_text", "POST"))
	require.Equal(t, TypeInfer, InferTypeFromName("chat/completions", "POST"))
	require.Equal(t, TypeStore, InferTypeFromName("save_document", "POST"))
	require.Equal(t, TypeRetrieve, InferTypeFromName("unknown", "GET"))
	require.Equal(t, TypeCompute, InferTypeFromName("unknown", "POST"))
}

func TestOperatorIDStable(t *testing.T) {
	a := ID("https://example.com/x", "POST")
	b := ID("https://example.com/x", "POST")
	c := ID("https://example.com/x", "GET")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.Contains(t, a, "op_")
}
