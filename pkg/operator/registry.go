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
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/tidwall/gjson"

	"github.com/agentmesh/agentmesh/pkg/kernel"
)

const (
	latencyAlpha = 0.2
	successAlpha = 0.05

	// historySize bounds the in-memory invocation ring.
	historySize = 1000
)

// Enforcer gates every invocation before outbound I/O.
type Enforcer interface {
	EnforceOperatorInvoke(operatorID, endpoint, method string, actor kernel.Actor) kernel.Decision
}

// MCPCaller dispatches a tool call on a registered MCP source.
type MCPCaller interface {
	CallTool(ctx context.Context, sourceID, tool string, args map[string]any) (string, error)
}

func newInvocationID() string { return "inv_" + uuid.NewString() }

// Options tunes the registry; zero values get defaults in NewRegistry.
type Options struct {
	// CatalogPath is where the full-catalog JSON snapshot lives. Empty
	// disables persistence.
	CatalogPath string
	// DefaultTimeout bounds invocations that pass no explicit timeout.
	DefaultTimeout time.Duration
	// Client is the outbound HTTP client.
	Client *http.Client
}

type registryMetrics struct {
	invocations *prometheus.CounterVec
	latency     prometheus.Histogram
}

func newRegistryMetrics(reg prometheus.Registerer) *registryMetrics {
	m := &registryMetrics{
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentmesh_operator_invocations_total",
			Help: "Operator invocations by outcome.",
		}, []string{"operator", "outcome"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentmesh_operator_latency_seconds",
			Help:    "Latency of operator invocations.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.invocations, m.latency)
	}
	return m
}

// Registry owns the operator catalog. Stats updates and catalog persistence
// form a single critical section per operator mutation.
type Registry struct {
	logger   log.Logger
	opts     Options
	fs       afero.Fs
	enforcer Enforcer
	mcp      MCPCaller
	metrics  *registryMetrics

	mtx       sync.Mutex
	operators map[string]*Signature
	history   []*Invocation
	histNext  int
}

// NewRegistry loads the catalog snapshot if one exists at opts.CatalogPath.
func NewRegistry(logger log.Logger, fs afero.Fs, enforcer Enforcer, mcp MCPCaller, reg prometheus.Registerer, opts Options) *Registry {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if opts.DefaultTimeout == 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	r := &Registry{
		logger:    logger,
		opts:      opts,
		fs:        fs,
		enforcer:  enforcer,
		mcp:       mcp,
		metrics:   newRegistryMetrics(reg),
		operators: map[string]*Signature{},
		history:   make([]*Invocation, 0, historySize),
	}
	r.loadCatalog()
	return r
}

func (r *Registry) loadCatalog() {
	if r.opts.CatalogPath == "" {
		return
	}
	raw, err := afero.ReadFile(r.fs, r.opts.CatalogPath)
	if err != nil {
		if !os.IsNotExist(err) {
			level.Warn(r.logger).Log("msg", "loading operator catalog", "err", err)
		}
		return
	}
	var sigs []*Signature
	if err := json.Unmarshal(raw, &sigs); err != nil {
		level.Warn(r.logger).Log("msg", "decoding operator catalog", "err", err)
		return
	}
	for _, s := range sigs {
		s.Type = ParseType(string(s.Type))
		r.operators[s.ID] = s
	}
	level.Info(r.logger).Log("msg", "operator catalog loaded", "operators", len(sigs))
}

// persistLocked writes the full catalog. Callers hold r.mtx. Failures are
// logged; in-memory state stays authoritative and the next mutation retries.
func (r *Registry) persistLocked() {
	if r.opts.CatalogPath == "" {
		return
	}
	sigs := make([]*Signature, 0, len(r.operators))
	for _, s := range r.operators {
		sigs = append(sigs, s)
	}
	sort.Slice(sigs, func(i, j int) bool { return sigs[i].ID < sigs[j].ID })
	raw, err := json.MarshalIndent(sigs, "", "  ")
	if err != nil {
		level.Warn(r.logger).Log("msg", "encoding operator catalog", "err", err)
		return
	}
	if err := afero.WriteFile(r.fs, r.opts.CatalogPath, raw, 0o644); err != nil {
		level.Warn(r.logger).Log("msg", "persisting operator catalog", "err", err)
	}
}

// Register adds or replaces a signature. The id is derived when absent.
func (r *Registry) Register(sig *Signature) *Signature {
	if sig.ID == "" {
		sig.ID = ID(sig.EndpointURL, sig.Method)
	}
	if sig.RegisteredAt.IsZero() {
		sig.RegisteredAt = time.Now()
	}
	if sig.CallCount == 0 && sig.SuccessRate == 0 {
		sig.SuccessRate = 1.0
	}

	r.mtx.Lock()
	r.operators[sig.ID] = sig
	r.persistLocked()
	r.mtx.Unlock()

	level.Info(r.logger).Log("msg", "operator registered", "operator", sig.ID, "name", sig.Name, "type", sig.Type)
	return sig
}

// Get returns a copy of the signature.
func (r *Registry) Get(id string) (*Signature, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	s, ok := r.operators[id]
	if !ok {
		return nil, false
	}
	cp := *s
	return &cp, true
}

// GetByName resolves an operator by its human name.
func (r *Registry) GetByName(name string) (*Signature, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	for _, s := range r.operators {
		if s.Name == name {
			cp := *s
			return &cp, true
		}
	}
	return nil, false
}

// GetByType lists operators of one type.
func (r *Registry) GetByType(t Type) []*Signature {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	var out []*Signature
	for _, s := range r.operators {
		if s.Type == t {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// List returns copies of all signatures ordered by id.
func (r *Registry) List() []*Signature {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	out := make([]*Signature, 0, len(r.operators))
	for _, s := range r.operators {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// History returns the most recent invocations, newest last.
func (r *Registry) History(limit int) []*Invocation {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	out := make([]*Invocation, 0, len(r.history))
	// Ring order: oldest first.
	if len(r.history) == historySize {
		out = append(out, r.history[r.histNext:]...)
		out = append(out, r.history[:r.histNext]...)
	} else {
		out = append(out, r.history...)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func (r *Registry) appendHistoryLocked(inv *Invocation) {
	if len(r.history) < historySize {
		r.history = append(r.history, inv)
		return
	}
	r.history[r.histNext] = inv
	r.histNext = (r.histNext + 1) % historySize
}

// buildRequest applies the $k template substitution described by the
// operator contract: tokens found inside template string values are
// replaced; inputs without a matching token or template key are assigned
// directly.
func buildRequest(template, inputs map[string]any) map[string]any {
	request := map[string]any{}
	for k, v := range template {
		request[k] = v
	}
	for k, v := range inputs {
		token := "$" + k
		if substitute(request, token, v) {
			continue
		}
		if _, exists := request[k]; !exists {
			request[k] = v
		}
	}
	return request
}

// substitute walks nested maps replacing the token in string values. A
// string equal to the token is replaced by the typed value; partial matches
// are replaced textually.
func substitute(m map[string]any, token string, value any) bool {
	found := false
	for k, v := range m {
		switch tv := v.(type) {
		case string:
			if tv == token {
				m[k] = value
				found = true
			} else if strings.Contains(tv, token) {
				m[k] = strings.ReplaceAll(tv, token, fmt.Sprintf("%v", value))
				found = true
			}
		case map[string]any:
			if substitute(tv, token, value) {
				found = true
			}
		}
	}
	return found
}

// Invoke runs the full invocation path: lookup, kernel enforcement, request
// templating, dispatch, success classification, output extraction, stats
// update and history append. It never returns an error; failures are carried
// in the invocation record.
func (r *Registry) Invoke(ctx context.Context, operatorID string, inputs map[string]any, timeout time.Duration, actor kernel.Actor) *Invocation {
	sig, ok := r.Get(operatorID)
	if !ok {
		r.metrics.invocations.WithLabelValues(operatorID, "not_found").Inc()
		return failedInvocation(operatorID, inputs, 0, "Operator not found")
	}
	if timeout <= 0 {
		timeout = r.opts.DefaultTimeout
	}

	if r.enforcer != nil {
		if d := r.enforcer.EnforceOperatorInvoke(sig.ID, sig.EndpointURL, sig.Method, actor); !d.Allowed {
			r.metrics.invocations.WithLabelValues(operatorID, "denied").Inc()
			return failedInvocation(operatorID, inputs, 0, "%s", d.Reason)
		}
	}

	request := buildRequest(sig.RequestTemplate, inputs)

	start := time.Now()
	body, status, err := r.dispatch(ctx, sig, request, timeout)
	elapsed := time.Since(start)
	latencyMS := float64(elapsed.Nanoseconds()) / 1e6

	inv := &Invocation{
		ID:         newInvocationID(),
		OperatorID: sig.ID,
		Inputs:     inputs,
		LatencyMS:  latencyMS,
		Timestamp:  time.Now(),
	}
	switch {
	case err != nil && (errors.Is(err, context.DeadlineExceeded) || isTimeout(err)):
		inv.Error = "Timeout"
	case err != nil:
		inv.Error = err.Error()
	case status < 200 || status >= 300:
		inv.Error = fmt.Sprintf("HTTP %d: %s", status, snippet(body))
	default:
		inv.Success = true
		inv.Outputs = extractOutputs(body, sig.OutputExtractors)
	}

	r.finish(sig.ID, inv, latencyMS)
	return inv
}

// finish is the serialized stats + persistence + history section.
func (r *Registry) finish(operatorID string, inv *Invocation, latencyMS float64) {
	outcome := "success"
	if !inv.Success {
		outcome = "failure"
	}
	r.metrics.invocations.WithLabelValues(operatorID, outcome).Inc()
	r.metrics.latency.Observe(latencyMS / 1000)

	r.mtx.Lock()
	defer r.mtx.Unlock()

	if sig, ok := r.operators[operatorID]; ok {
		if sig.CallCount == 0 {
			sig.AvgLatencyMS = latencyMS
		} else {
			sig.AvgLatencyMS = latencyAlpha*latencyMS + (1-latencyAlpha)*sig.AvgLatencyMS
		}
		s := 0.0
		if inv.Success {
			s = 1.0
		}
		sig.SuccessRate = successAlpha*s + (1-successAlpha)*sig.SuccessRate
		sig.CallCount++
		now := time.Now()
		sig.LastUsed = &now
		penalty := 1.0
		if sig.CallCount <= 5 {
			penalty = 0.5
		}
		sig.ConsistencyScore = sig.SuccessRate * penalty
		r.persistLocked()
	}
	r.appendHistoryLocked(inv)
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "context deadline exceeded")
}

func snippet(body []byte) string {
	s := string(body)
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func (r *Registry) dispatch(ctx context.Context, sig *Signature, request map[string]any, timeout time.Duration) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := strings.ToUpper(sig.Method)
	switch method {
	case "MCP":
		if r.mcp == nil {
			return nil, 0, fmt.Errorf("no MCP transport configured")
		}
		sourceID := sig.Headers["x-source"]
		tool := sig.Headers["x-tool-name"]
		if sourceID == "" || tool == "" {
			return nil, 0, fmt.Errorf("MCP operator missing provenance headers")
		}
		out, err := r.mcp.CallTool(ctx, sourceID, tool, request)
		if err != nil {
			return nil, 0, err
		}
		return []byte(out), http.StatusOK, nil

	case "GET":
		u, err := url.Parse(sig.EndpointURL)
		if err != nil {
			return nil, 0, fmt.Errorf("parsing endpoint: %w", err)
		}
		q := u.Query()
		for k, v := range request {
			q.Set(k, fmt.Sprintf("%v", v))
		}
		u.RawQuery = q.Encode()
		return r.doHTTP(ctx, sig, http.MethodGet, u.String(), nil)

	default:
		raw, err := json.Marshal(request)
		if err != nil {
			return nil, 0, fmt.Errorf("encoding request: %w", err)
		}
		return r.doHTTP(ctx, sig, method, sig.EndpointURL, raw)
	}
}

func (r *Registry) doHTTP(ctx context.Context, sig *Signature, method, target string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range sig.Headers {
		if strings.HasPrefix(strings.ToLower(k), "x-") {
			continue // provenance headers are not forwarded
		}
		req.Header.Set(k, v)
	}
	resp, err := r.opts.Client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	return respBody, resp.StatusCode, nil
}

// extractOutputs walks each configured dotted path over the response body.
// Numeric path components address array indices; missing paths yield nil.
// The unparsed body is always present under "raw".
func extractOutputs(body []byte, extractors map[string]string) map[string]any {
	outputs := map[string]any{"raw": string(body)}
	for name, path := range extractors {
		path = strings.TrimPrefix(path, "$.")
		path = strings.TrimPrefix(path, "$")
		res := gjson.GetBytes(body, path)
		if !res.Exists() {
			outputs[name] = nil
			continue
		}
		outputs[name] = res.Value()
	}
	return outputs
}
