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

package discovery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/pkg/kernel"
	"github.com/agentmesh/agentmesh/pkg/mcp"
	"github.com/agentmesh/agentmesh/pkg/policy"
)

func newEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	enforcer := kernel.NewEnforcer(nil, policy.NewEngine(nil), nil)
	return NewEngine(nil, enforcer, nil, opts)
}

func TestDiscoverOpenAPI(t *testing.T) {
	spec := map[string]any{
		"paths": map[string]any{
			"/users": map[string]any{
				"get": map[string]any{"operationId": "listUsers", "summary": "List users"},
				"post": map[string]any{
					"requestBody": map[string]any{
						"content": map[string]any{
							"application/json": map[string]any{
								"schema": map[string]any{"type": "object"},
							},
						},
					},
				},
			},
			"/ping": map[string]any{
				"get": map[string]any{},
			},
		},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/openapi.json", r.URL.Path)
		_ = json.NewEncoder(w).Encode(spec)
	}))
	t.Cleanup(srv.Close)

	e := newEngine(t, Options{})
	src := e.RegisterSource(&Source{BaseURL: srv.URL, Method: MethodOpenAPI, Active: true})

	n, err := e.DiscoverSource(context.Background(), src.ID)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	caps := e.Search(Filter{NameContains: "listusers"})
	require.Len(t, caps, 1)
	require.Equal(t, "GET", caps[0].Method)
	require.Equal(t, srv.URL+"/users", caps[0].Endpoint)

	posts := e.Search(Filter{NameContains: "POST_/users"})
	require.Len(t, posts, 1)
	require.NotNil(t, posts[0].InputSchema)
}

func TestDiscoverGraphQL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"__schema": map[string]any{
					"queryType": map[string]any{
						"fields": []map[string]any{{"name": "user"}, {"name": "posts"}},
					},
					"mutationType": map[string]any{
						"fields": []map[string]any{{"name": "createPost"}},
					},
				},
			},
		})
	}))
	t.Cleanup(srv.Close)

	e := newEngine(t, Options{})
	src := e.RegisterSource(&Source{BaseURL: srv.URL, Method: MethodGraphQL, DiscoveryPath: "/graphql", Active: true})
	n, err := e.DiscoverSource(context.Background(), src.ID)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	queries := 0
	mutations := 0
	for _, c := range e.Search(Filter{Type: CapGraphQL}) {
		switch c.Method {
		case "QUERY":
			queries++
		case "MUTATION":
			mutations++
		}
	}
	require.Equal(t, 2, queries)
	require.Equal(t, 1, mutations)
}

func TestDiscoverProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health", "/api":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	e := newEngine(t, Options{})
	src := e.RegisterSource(&Source{BaseURL: srv.URL, Method: MethodProbe, Active: true})
	n, err := e.DiscoverSource(context.Background(), src.ID)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	caps := e.Search(Filter{})
	require.Len(t, caps, 2)
	for _, c := range caps {
		require.Greater(t, c.ResponseTimeMS, 0.0)
	}
}

func TestManifestKernelFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"capabilities": []map[string]any{
				{"name": "insecure_op", "endpoint": "http://example.com/op", "method": "POST"},
				{"name": "secure_op", "endpoint": "https://example.com/op", "method": "POST"},
			},
		})
	}))
	t.Cleanup(srv.Close)

	e := newEngine(t, Options{})
	var promoted []string
	e.AddHook(func(c *Capability) { promoted = append(promoted, c.Name) })

	src := e.RegisterSource(&Source{BaseURL: srv.URL, Method: MethodManifest, Active: true})
	n, err := e.DiscoverSource(context.Background(), src.ID)
	require.NoError(t, err)

	// The plaintext-HTTP capability is refused by the kernel and never
	// promoted; the count reflects only the survivor.
	require.Equal(t, 1, n)
	require.Equal(t, []string{"secure_op"}, promoted)
	require.Empty(t, e.Search(Filter{NameContains: "insecure"}))
}

type fakeSession struct {
	tools  []mcp.Tool
	called []string
}

func (f *fakeSession) ListTools(context.Context) ([]mcp.Tool, error) { return f.tools, nil }
func (f *fakeSession) CallTool(_ context.Context, name string, _ map[string]any) (string, error) {
	f.called = append(f.called, name)
	return "ok:" + name, nil
}
func (f *fakeSession) Close() error { return nil }

func TestDiscoverMCP(t *testing.T) {
	sess := &fakeSession{tools: []mcp.Tool{
		{Name: "get_weather", Description: "weather"},
		{Name: "search_docs"},
	}}
	e := newEngine(t, Options{
		Dialer: func(context.Context, log.Logger, string, map[string]string) (mcp.Session, error) {
			return sess, nil
		},
	})
	src := e.RegisterSource(&Source{BaseURL: "python3 -m weather_server", Method: MethodMCP, Active: true})
	n, err := e.DiscoverSource(context.Background(), src.ID)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	caps := e.Search(Filter{Type: CapMCPTool})
	require.Len(t, caps, 2)
	require.Equal(t, "MCP", caps[0].Method)
	require.Equal(t, src.BaseURL, caps[0].Endpoint)

	// CallTool resolves the source and dispatches on a fresh session.
	out, err := e.CallTool(context.Background(), src.ID, "get_weather", map[string]any{"city": "Berlin"})
	require.NoError(t, err)
	require.Equal(t, "ok:get_weather", out)
	require.Equal(t, []string{"get_weather"}, sess.called)
}

func TestDiscoverAllCountsSources(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	e := newEngine(t, Options{})
	e.RegisterSource(&Source{ID: "src_a", BaseURL: srv.URL, Method: MethodProbe, Active: true})
	e.RegisterSource(&Source{ID: "src_b", BaseURL: srv.URL, Method: MethodProbe, Active: false})

	out := e.DiscoverAll(context.Background())
	require.Equal(t, true, out["discovery_complete"])
	require.Equal(t, 1, out["sources_probed"])
	require.Equal(t, 1, out["total_capabilities"])

	src, _ := e.GetSource("src_a")
	require.NotNil(t, src.LastDiscovery)
	require.Equal(t, 1, src.CapabilitiesFound)
}

func TestAuthHeaderInjection(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_ = json.NewEncoder(w).Encode(map[string]any{"capabilities": []any{}})
	}))
	t.Cleanup(srv.Close)

	e := newEngine(t, Options{})
	src := e.RegisterSource(&Source{
		BaseURL:         srv.URL,
		Method:          MethodManifest,
		AuthType:        AuthAPIKey,
		AuthCredentials: map[string]string{"header": "X-Custom-Key", "key": "secret"},
		Active:          true,
	})
	_, err := e.DiscoverSource(context.Background(), src.ID)
	require.NoError(t, err)
	require.Equal(t, "secret", got.Get("X-Custom-Key"))

	src.AuthType = AuthBearer
	src.AuthCredentials = map[string]string{"token": "tok123"}
	e.RegisterSource(src)
	_, err = e.DiscoverSource(context.Background(), src.ID)
	require.NoError(t, err)
	require.Equal(t, "Bearer tok123", got.Get("Authorization"))

	src.AuthType = AuthBasic
	src.AuthCredentials = map[string]string{"username": "u", "password": "p"}
	e.RegisterSource(src)
	_, err = e.DiscoverSource(context.Background(), src.ID)
	require.NoError(t, err)
	require.Equal(t, "Basic dTpw", got.Get("Authorization"))
}

func TestHealthCheck(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	t.Cleanup(srv.Close)

	e := newEngine(t, Options{})
	ok := e.Register(&Capability{Name: "svc", Endpoint: srv.URL, Method: "GET", Type: CapREST})
	require.True(t, ok)
	caps := e.Search(Filter{})
	require.Len(t, caps, 1)
	id := caps[0].ID

	up, err := e.HealthCheck(context.Background(), id)
	require.NoError(t, err)
	require.True(t, up)

	healthy = false
	up, err = e.HealthCheck(context.Background(), id)
	require.NoError(t, err)
	require.False(t, up)

	c, _ := e.Get(id)
	require.False(t, c.IsHealthy)
	require.EqualValues(t, 1, c.SuccessCount)
	require.EqualValues(t, 1, c.FailureCount)
	require.Greater(t, c.ResponseTimeMS, 0.0)

	require.Empty(t, e.Search(Filter{HealthyOnly: true}))
}

func TestSearchFilters(t *testing.T) {
	e := newEngine(t, Options{})
	e.Register(&Capability{Name: "weather_lookup", Endpoint: "https://a.example.com", Method: "GET", Type: CapREST, Tags: []string{"weather", "public"}})
	e.Register(&Capability{Name: "createPost", Endpoint: "https://b.example.com", Method: "MUTATION", Type: CapGraphQL, Tags: []string{"social"}})

	require.Len(t, e.Search(Filter{}), 2)
	require.Len(t, e.Search(Filter{NameContains: "weather"}), 1)
	require.Len(t, e.Search(Filter{Type: CapGraphQL}), 1)
	require.Len(t, e.Search(Filter{Tags: []string{"weather", "public"}}), 1)
	require.Empty(t, e.Search(Filter{Tags: []string{"weather", "social"}}))

	stats := e.Stats()
	require.Equal(t, 2, stats["total_capabilities"])
	require.Equal(t, 2, stats["healthy"])
}
