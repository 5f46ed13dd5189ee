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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// probePaths is the fixed candidate set used by the probe method.
var probePaths = []string{"/health", "/api", "/v1", "/graphql", "/rpc"}

// httpVerbs are the verbs recognized inside an OpenAPI paths object.
var httpVerbs = []string{"get", "post", "put", "patch", "delete"}

func (e *Engine) fetch(ctx context.Context, src *Source, method, target string, body []byte) ([]byte, int, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, 0, 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range authHeaders(src) {
		req.Header.Set(k, v)
	}
	start := time.Now()
	resp, err := e.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return nil, 0, elapsed, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, resp.StatusCode, elapsed, err
	}
	return raw, resp.StatusCode, elapsed, nil
}

// discoverOpenAPI builds one capability per (path, verb) of the spec
// document.
func (e *Engine) discoverOpenAPI(ctx context.Context, src *Source) ([]*Capability, error) {
	path := src.DiscoveryPath
	if path == "" {
		path = "/openapi.json"
	}
	raw, status, _, err := e.fetch(ctx, src, http.MethodGet, src.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching openapi document: %w", err)
	}
	if status >= 400 {
		return nil, fmt.Errorf("openapi document returned HTTP %d", status)
	}

	var caps []*Capability
	gjson.GetBytes(raw, "paths").ForEach(func(p, ops gjson.Result) bool {
		for _, verb := range httpVerbs {
			op := ops.Get(verb)
			if !op.Exists() {
				continue
			}
			name := op.Get("operationId").String()
			if name == "" {
				name = strings.ToUpper(verb) + "_" + p.String()
			}
			c := &Capability{
				Name:            name,
				Type:            CapREST,
				Endpoint:        src.BaseURL + p.String(),
				Method:          strings.ToUpper(verb),
				Description:     op.Get("summary").String(),
				DiscoveryMethod: MethodOpenAPI,
				Source:          src.ID,
			}
			if schema := op.Get(`requestBody.content.application/json.schema`); schema.Exists() {
				c.InputSchema = toMap(schema)
			}
			if schema := op.Get(`responses.200.content.application/json.schema`); schema.Exists() {
				c.OutputSchema = toMap(schema)
			}
			caps = append(caps, c)
		}
		return true
	})
	return caps, nil
}

func toMap(res gjson.Result) map[string]any {
	m, ok := res.Value().(map[string]any)
	if !ok {
		return nil
	}
	return m
}

// introspectionQuery is the minimal query asking for query and mutation
// field names.
const introspectionQuery = `{"query":"{ __schema { queryType { fields { name description } } mutationType { fields { name description } } } }"}`

// discoverGraphQL yields one capability per top-level query or mutation
// field.
func (e *Engine) discoverGraphQL(ctx context.Context, src *Source) ([]*Capability, error) {
	endpoint := src.BaseURL + src.DiscoveryPath
	raw, status, _, err := e.fetch(ctx, src, http.MethodPost, endpoint, []byte(introspectionQuery))
	if err != nil {
		return nil, fmt.Errorf("introspecting: %w", err)
	}
	if status >= 400 {
		return nil, fmt.Errorf("introspection returned HTTP %d", status)
	}

	var caps []*Capability
	collect := func(path, method string) {
		gjson.GetBytes(raw, path).ForEach(func(_, field gjson.Result) bool {
			caps = append(caps, &Capability{
				Name:            field.Get("name").String(),
				Type:            CapGraphQL,
				Endpoint:        endpoint,
				Method:          method,
				Description:     field.Get("description").String(),
				DiscoveryMethod: MethodGraphQL,
				Source:          src.ID,
			})
			return true
		})
	}
	collect("data.__schema.queryType.fields", "QUERY")
	collect("data.__schema.mutationType.fields", "MUTATION")
	return caps, nil
}

// discoverProbe registers every candidate path that answers with a status
// below 400.
func (e *Engine) discoverProbe(ctx context.Context, src *Source) ([]*Capability, error) {
	var caps []*Capability
	for _, p := range probePaths {
		raw, status, elapsed, err := e.fetch(ctx, src, http.MethodGet, src.BaseURL+p, nil)
		if err != nil || status >= 400 {
			continue
		}
		_ = raw
		caps = append(caps, &Capability{
			Name:            "probe_" + strings.Trim(p, "/"),
			Type:            CapREST,
			Endpoint:        src.BaseURL + p,
			Method:          "GET",
			DiscoveryMethod: MethodProbe,
			Source:          src.ID,
			ResponseTimeMS:  float64(elapsed.Nanoseconds()) / 1e6,
		})
	}
	return caps, nil
}

// discoverManifest registers the capabilities[] entries of a JSON manifest
// verbatim.
func (e *Engine) discoverManifest(ctx context.Context, src *Source) ([]*Capability, error) {
	path := src.DiscoveryPath
	if path == "" {
		path = "/capabilities.json"
	}
	raw, status, _, err := e.fetch(ctx, src, http.MethodGet, src.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching manifest: %w", err)
	}
	if status >= 400 {
		return nil, fmt.Errorf("manifest returned HTTP %d", status)
	}
	var doc struct {
		Capabilities []struct {
			Name         string         `json:"name"`
			Type         string         `json:"capability_type"`
			Endpoint     string         `json:"endpoint"`
			Method       string         `json:"method"`
			Description  string         `json:"description"`
			InputSchema  map[string]any `json:"input_schema"`
			OutputSchema map[string]any `json:"output_schema"`
			Tags         []string       `json:"tags"`
		} `json:"capabilities"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	var caps []*Capability
	for _, entry := range doc.Capabilities {
		capType := CapabilityType(entry.Type)
		if capType == "" {
			capType = CapREST
		}
		method := entry.Method
		if method == "" {
			method = "POST"
		}
		caps = append(caps, &Capability{
			Name:            entry.Name,
			Type:            capType,
			Endpoint:        entry.Endpoint,
			Method:          method,
			Description:     entry.Description,
			InputSchema:     entry.InputSchema,
			OutputSchema:    entry.OutputSchema,
			Tags:            entry.Tags,
			DiscoveryMethod: MethodManifest,
			Source:          src.ID,
		})
	}
	return caps, nil
}

// discoverMCP enumerates list_tools over the source's transport: SSE/HTTP
// for http(s) base URLs, a stdio subprocess otherwise (credentials become
// the subprocess environment).
func (e *Engine) discoverMCP(ctx context.Context, src *Source) ([]*Capability, error) {
	sess, err := e.dialer(ctx, e.logger, src.BaseURL, src.AuthCredentials)
	if err != nil {
		return nil, fmt.Errorf("dialing mcp source: %w", err)
	}
	defer sess.Close()

	tools, err := sess.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}
	var caps []*Capability
	for _, tool := range tools {
		caps = append(caps, &Capability{
			Name:            tool.Name,
			Type:            CapMCPTool,
			Endpoint:        src.BaseURL,
			Method:          "MCP",
			Description:     tool.Description,
			InputSchema:     tool.InputSchema,
			DiscoveryMethod: MethodMCP,
			Source:          src.ID,
			ToolName:        tool.Name,
		})
	}
	return caps, nil
}
