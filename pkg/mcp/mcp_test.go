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

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func mcpServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var req rpcRequest
		require.NoError(t, json.Unmarshal(raw, &req))

		var result any
		switch req.Method {
		case "tools/list":
			result = map[string]any{"tools": []map[string]any{
				{"name": "get_weather", "description": "Current weather"},
				{"name": "search_docs"},
			}}
		case "tools/call":
			params := req.Params.(map[string]any)
			result = map[string]any{"content": []map[string]any{
				{"type": "text", "text": "called " + params["name"].(string)},
			}}
		default:
			result = map[string]any{}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": req.ID, "result": result,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPSession(t *testing.T) {
	srv := mcpServer(t)
	sess, err := Dial(context.Background(), nil, srv.URL, nil)
	require.NoError(t, err)
	defer sess.Close()

	tools, err := sess.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 2)
	require.Equal(t, "get_weather", tools[0].Name)

	out, err := sess.CallTool(context.Background(), "get_weather", map[string]any{"city": "Berlin"})
	require.NoError(t, err)
	require.Equal(t, "called get_weather", out)
}

func TestHTTPSessionSSEFraming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var req rpcRequest
		_ = json.Unmarshal(raw, &req)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":%d,\"result\":{\"tools\":[{\"name\":\"t1\"}]}}\n\n", req.ID)
	}))
	t.Cleanup(srv.Close)

	sess, err := Dial(context.Background(), nil, srv.URL, nil)
	require.NoError(t, err)
	tools, err := sess.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.Equal(t, "t1", tools[0].Name)
}

func TestToolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var req rpcRequest
		_ = json.Unmarshal(raw, &req)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": req.ID,
			"result": map[string]any{
				"isError": true,
				"content": []map[string]any{{"type": "text", "text": "boom"}},
			},
		})
	}))
	t.Cleanup(srv.Close)

	sess, err := Dial(context.Background(), nil, srv.URL, nil)
	require.NoError(t, err)
	_, err = sess.CallTool(context.Background(), "x", nil)
	require.ErrorContains(t, err, "boom")
}

func TestTokenizeCommand(t *testing.T) {
	argv, err := TokenizeCommand("python3 -m server --port 8080")
	require.NoError(t, err)
	require.Equal(t, []string{"python3", "-m", "server", "--port", "8080"}, argv)

	for _, bad := range []string{
		"sh -c 'rm -rf /'",
		"server | tee log",
		"server && other",
		"server $(whoami)",
		"",
	} {
		_, err := TokenizeCommand(bad)
		require.Error(t, err, bad)
	}
}
