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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Discovery probes an endpoint behaviorally and registers an inferred
// operator signature when any probe succeeds.
type Discovery struct {
	logger   log.Logger
	registry *Registry
	client   *http.Client
}

// NewDiscovery shares the registry's outbound client.
func NewDiscovery(logger log.Logger, registry *Registry) *Discovery {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Discovery{logger: logger, registry: registry, client: registry.opts.Client}
}

// probePayloads is the small input set sent during behavioral probing.
var probePayloads = []map[string]any{
	{},
	{"query": "test"},
	{"input": "test"},
	{"data": "test"},
}

// Discover probes endpoint with the payload set. Zero successful probes
// yield no signature.
func (d *Discovery) Discover(ctx context.Context, endpoint, method string) (*Signature, error) {
	var firstBody []byte
	for _, payload := range probePayloads {
		body, status, err := d.probe(ctx, endpoint, method, payload)
		if err != nil || status >= 400 {
			continue
		}
		firstBody = body
		break
	}
	if firstBody == nil {
		return nil, fmt.Errorf("no probe against %s %s succeeded", method, endpoint)
	}

	sig := &Signature{
		ID:               ID(endpoint, method),
		Name:             fmt.Sprintf("%s_%s", method, endpoint),
		Type:             InferTypeFromName(endpoint, method),
		EndpointURL:      endpoint,
		Method:           method,
		ResponseSchema:   inferSchema(firstBody),
		OutputExtractors: inferExtractors(firstBody),
		SideEffects:      method != "GET" && method != "HEAD",
	}
	d.registry.Register(sig)
	level.Info(d.logger).Log("msg", "operator discovered", "operator", sig.ID, "type", sig.Type)
	return sig, nil
}

func (d *Discovery) probe(ctx context.Context, endpoint, method string, payload map[string]any) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var reader io.Reader
	if method != "GET" && method != "HEAD" {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, 0, err
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

// inferSchema derives a shallow JSON schema from a sample response.
func inferSchema(body []byte) map[string]any {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil
	}
	props := map[string]any{}
	for k, v := range doc {
		props[k] = map[string]any{"type": jsonType(v)}
	}
	return map[string]any{"type": "object", "properties": props}
}

func jsonType(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	case nil:
		return "null"
	}
	return "string"
}

// inferExtractors maps common response key names to output extractors.
func inferExtractors(body []byte) map[string]string {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil
	}
	out := map[string]string{}
	assign := func(name string, candidates ...string) {
		for _, c := range candidates {
			if _, ok := doc[c]; ok {
				out[name] = c
				return
			}
		}
	}
	assign("result", "data", "result", "output")
	assign("id", "id", "uuid")
	assign("message", "message", "text", "content")
	if len(out) == 0 {
		return nil
	}
	return out
}
