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
	"encoding/base64"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentmesh/agentmesh/pkg/kernel"
	"github.com/agentmesh/agentmesh/pkg/mcp"
)

// probeTimeout bounds every discovery HTTP request.
const probeTimeout = 10 * time.Second

// responseTimeAlpha smooths the per-capability response-time EMA.
const responseTimeAlpha = 0.2

// Enforcer filters capabilities before registration.
type Enforcer interface {
	EnforceDiscoveryRegister(capabilityType, endpoint, method string, actor kernel.Actor) kernel.Decision
}

// Hook is called for every capability that passes the kernel filter.
type Hook func(*Capability)

// MCPDialer opens MCP sessions; swapped in tests.
type MCPDialer func(ctx context.Context, logger log.Logger, baseURL string, env map[string]string) (mcp.Session, error)

// Options tunes the engine.
type Options struct {
	Client *http.Client
	Dialer MCPDialer
}

type engineMetrics struct {
	capabilities prometheus.Gauge
	scans        *prometheus.CounterVec
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	m := &engineMetrics{
		capabilities: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentmesh_discovery_capabilities",
			Help: "Number of registered capabilities.",
		}),
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentmesh_discovery_scans_total",
			Help: "Discovery scans by source method and outcome.",
		}, []string{"method", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.capabilities, m.scans)
	}
	return m
}

// Engine owns sources and the capability catalog.
type Engine struct {
	logger   log.Logger
	enforcer Enforcer
	client   *http.Client
	dialer   MCPDialer
	metrics  *engineMetrics

	mtx          sync.Mutex
	sources      map[string]*Source
	capabilities map[string]*Capability
	hooks        []Hook
}

// NewEngine wires the kernel filter in front of capability registration.
func NewEngine(logger log.Logger, enforcer Enforcer, reg prometheus.Registerer, opts Options) *Engine {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: probeTimeout}
	}
	if opts.Dialer == nil {
		opts.Dialer = mcp.Dial
	}
	return &Engine{
		logger:       logger,
		enforcer:     enforcer,
		client:       opts.Client,
		dialer:       opts.Dialer,
		metrics:      newEngineMetrics(reg),
		sources:      map[string]*Source{},
		capabilities: map[string]*Capability{},
	}
}

// AddHook appends to the promotion chain. Hooks run synchronously after a
// capability is stored.
func (e *Engine) AddHook(h Hook) {
	e.mtx.Lock()
	e.hooks = append(e.hooks, h)
	e.mtx.Unlock()
}

// RegisterSource adds or replaces a source. Missing ids are derived from
// the base URL.
func (e *Engine) RegisterSource(s *Source) *Source {
	if s.ID == "" {
		s.ID = "src_" + CapabilityID(s.BaseURL, string(s.Method), s.Name)[4:]
	}
	e.mtx.Lock()
	e.sources[s.ID] = s
	e.mtx.Unlock()
	level.Info(e.logger).Log("msg", "discovery source registered", "source", s.ID, "method", s.Method)
	return s
}

// Sources returns copies ordered by id.
func (e *Engine) Sources() []*Source {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	out := make([]*Source, 0, len(e.sources))
	for _, s := range e.sources {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetSource returns a copy of one source.
func (e *Engine) GetSource(id string) (*Source, bool) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	s, ok := e.sources[id]
	if !ok {
		return nil, false
	}
	cp := *s
	return &cp, true
}

// authHeaders builds the per-source credential headers.
func authHeaders(s *Source) map[string]string {
	creds := s.AuthCredentials
	switch s.AuthType {
	case AuthAPIKey:
		header := creds["header"]
		if header == "" {
			header = "X-API-Key"
		}
		return map[string]string{header: creds["key"]}
	case AuthBearer:
		return map[string]string{"Authorization": "Bearer " + creds["token"]}
	case AuthBasic:
		userpass := creds["username"] + ":" + creds["password"]
		return map[string]string{"Authorization": "Basic " + base64.StdEncoding.EncodeToString([]byte(userpass))}
	}
	return nil
}

// DiscoverAll scans every active source and reports totals.
func (e *Engine) DiscoverAll(ctx context.Context) map[string]any {
	sources := e.Sources()
	probed := 0
	for _, s := range sources {
		if !s.Active {
			continue
		}
		probed++
		found, err := e.DiscoverSource(ctx, s.ID)
		outcome := "ok"
		if err != nil {
			outcome = "error"
			level.Warn(e.logger).Log("msg", "discovery scan failed", "source", s.ID, "err", err)
		}
		e.metrics.scans.WithLabelValues(string(s.Method), outcome).Inc()
		_ = found
	}
	e.mtx.Lock()
	total := len(e.capabilities)
	e.mtx.Unlock()
	return map[string]any{
		"discovery_complete": true,
		"sources_probed":     probed,
		"total_capabilities": total,
	}
}

// DiscoverSource dispatches one source by its method and registers what it
// finds. Returns how many capabilities were registered.
func (e *Engine) DiscoverSource(ctx context.Context, sourceID string) (int, error) {
	src, ok := e.GetSource(sourceID)
	if !ok {
		return 0, fmt.Errorf("source %q not found", sourceID)
	}

	var (
		caps []*Capability
		err  error
	)
	switch src.Method {
	case MethodOpenAPI:
		caps, err = e.discoverOpenAPI(ctx, src)
	case MethodGraphQL:
		caps, err = e.discoverGraphQL(ctx, src)
	case MethodProbe:
		caps, err = e.discoverProbe(ctx, src)
	case MethodManifest:
		caps, err = e.discoverManifest(ctx, src)
	case MethodMCP:
		caps, err = e.discoverMCP(ctx, src)
	default:
		return 0, fmt.Errorf("unknown discovery method %q", src.Method)
	}
	if err != nil {
		return 0, err
	}

	registered := 0
	for _, c := range caps {
		if e.Register(c) {
			registered++
		}
	}
	now := time.Now()
	e.mtx.Lock()
	if s, ok := e.sources[sourceID]; ok {
		s.LastDiscovery = &now
		s.CapabilitiesFound = registered
	}
	e.mtx.Unlock()
	level.Info(e.logger).Log("msg", "source scanned", "source", sourceID, "found", len(caps), "registered", registered)
	return registered, nil
}

// Register filters the capability through the kernel, stores it and runs the
// hook chain. Returns false when the kernel refused it.
func (e *Engine) Register(c *Capability) bool {
	if c.ID == "" {
		c.ID = CapabilityID(c.Endpoint, c.Method, c.Name)
	}
	if c.DiscoveredAt.IsZero() {
		c.DiscoveredAt = time.Now()
	}

	if e.enforcer != nil {
		d := e.enforcer.EnforceDiscoveryRegister(string(c.Type), c.Endpoint, c.Method, kernel.Actor{})
		if !d.Allowed {
			level.Warn(e.logger).Log("msg", "capability refused by kernel", "capability", c.Name, "endpoint", c.Endpoint, "reason", d.Reason)
			return false
		}
	}
	c.IsHealthy = true

	e.mtx.Lock()
	e.capabilities[c.ID] = c
	e.metrics.capabilities.Set(float64(len(e.capabilities)))
	hooks := append([]Hook(nil), e.hooks...)
	cp := *c
	e.mtx.Unlock()

	for _, h := range hooks {
		h(&cp)
	}
	return true
}

// Get returns a copy of one capability.
func (e *Engine) Get(id string) (*Capability, bool) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	c, ok := e.capabilities[id]
	if !ok {
		return nil, false
	}
	cp := *c
	return &cp, true
}

// Search lists capabilities matching the filter, ordered by id.
func (e *Engine) Search(f Filter) []*Capability {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	var out []*Capability
	for _, c := range e.capabilities {
		if f.NameContains != "" && !strings.Contains(strings.ToLower(c.Name), strings.ToLower(f.NameContains)) {
			continue
		}
		if f.Type != "" && c.Type != f.Type {
			continue
		}
		if f.HealthyOnly && !c.IsHealthy {
			continue
		}
		if !hasAllTags(c.Tags, f.Tags) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// HealthCheck issues one bounded request against the capability endpoint and
// updates health state plus the response-time EMA.
func (e *Engine) HealthCheck(ctx context.Context, capID string) (bool, error) {
	cap, ok := e.Get(capID)
	if !ok {
		return false, fmt.Errorf("capability %q not found", capID)
	}

	healthy := false
	var elapsedMS float64
	if cap.Method == "MCP" {
		// An MCP tool is healthy when its source still answers list_tools.
		src, ok := e.GetSource(cap.Source)
		if ok {
			start := time.Now()
			sess, err := e.dialer(ctx, e.logger, src.BaseURL, src.AuthCredentials)
			if err == nil {
				_, err = sess.ListTools(ctx)
				_ = sess.Close()
			}
			elapsedMS = float64(time.Since(start).Nanoseconds()) / 1e6
			healthy = err == nil
		}
	} else {
		ctx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cap.Endpoint, nil)
		if err != nil {
			return false, err
		}
		start := time.Now()
		resp, err := e.client.Do(req)
		elapsedMS = float64(time.Since(start).Nanoseconds()) / 1e6
		if err == nil {
			resp.Body.Close()
			healthy = resp.StatusCode < 500
		}
	}

	now := time.Now()
	e.mtx.Lock()
	if c, ok := e.capabilities[capID]; ok {
		c.IsHealthy = healthy
		c.LastChecked = &now
		if c.ResponseTimeMS == 0 {
			c.ResponseTimeMS = elapsedMS
		} else {
			c.ResponseTimeMS = responseTimeAlpha*elapsedMS + (1-responseTimeAlpha)*c.ResponseTimeMS
		}
		if healthy {
			c.SuccessCount++
		} else {
			c.FailureCount++
		}
	}
	e.mtx.Unlock()
	return healthy, nil
}

// HealthCheckAll sweeps the catalog.
func (e *Engine) HealthCheckAll(ctx context.Context) (healthy, total int) {
	for _, c := range e.Search(Filter{}) {
		ok, err := e.HealthCheck(ctx, c.ID)
		if err != nil {
			continue
		}
		total++
		if ok {
			healthy++
		}
	}
	return healthy, total
}

// Stats summarizes the engine for the API surface.
func (e *Engine) Stats() map[string]any {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	byType := map[CapabilityType]int{}
	healthy := 0
	for _, c := range e.capabilities {
		byType[c.Type]++
		if c.IsHealthy {
			healthy++
		}
	}
	return map[string]any{
		"sources":            len(e.sources),
		"total_capabilities": len(e.capabilities),
		"healthy":            healthy,
		"by_type":            byType,
	}
}

// CallTool implements the MCP dispatch the operator registry needs: resolve
// the source, open a session, call the tool, close.
func (e *Engine) CallTool(ctx context.Context, sourceID, tool string, args map[string]any) (string, error) {
	src, ok := e.GetSource(sourceID)
	if !ok {
		return "", fmt.Errorf("mcp source %q not found", sourceID)
	}
	sess, err := e.dialer(ctx, e.logger, src.BaseURL, src.AuthCredentials)
	if err != nil {
		return "", fmt.Errorf("dialing mcp source %s: %w", sourceID, err)
	}
	defer sess.Close()
	return sess.CallTool(ctx, tool, args)
}
