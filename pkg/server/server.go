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

// Package server exposes the control plane over HTTP: authentication, key and
// policy management, the kernel policy surface, brain, network, discovery,
// memory and operator routes.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentmesh/agentmesh/pkg/auth"
	"github.com/agentmesh/agentmesh/pkg/brain"
	"github.com/agentmesh/agentmesh/pkg/discovery"
	"github.com/agentmesh/agentmesh/pkg/kernel"
	"github.com/agentmesh/agentmesh/pkg/memory"
	"github.com/agentmesh/agentmesh/pkg/operator"
	"github.com/agentmesh/agentmesh/pkg/policy"
	"github.com/agentmesh/agentmesh/pkg/reactive"
)

// Options tunes the HTTP edge.
type Options struct {
	// Version is reported by the health route.
	Version string
	// AllowedOrigins configures CORS. Empty allows any origin.
	AllowedOrigins []string
}

// Deps are the subsystems the routes are served from.
type Deps struct {
	Gateway   *auth.Gateway
	Keys      *auth.Keys
	Sessions  *auth.Sessions
	Policies  *policy.Engine
	Kernel    *kernel.Enforcer
	Operators *operator.Registry
	Network   *reactive.Network
	Discovery *discovery.Engine
	Memories  *memory.Store
	Brain     *brain.Brain
}

type serverMetrics struct {
	requests *prometheus.CounterVec
	duration prometheus.Histogram
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	m := &serverMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentmesh_http_requests_total",
			Help: "HTTP requests by method and status code.",
		}, []string{"method", "code"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentmesh_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.duration)
	}
	return m
}

// Server is the HTTP edge of the control plane.
type Server struct {
	logger  log.Logger
	opts    Options
	metrics *serverMetrics

	gateway   *auth.Gateway
	keys      *auth.Keys
	sessions  *auth.Sessions
	policies  *policy.Engine
	kernel    *kernel.Enforcer
	operators *operator.Registry
	network   *reactive.Network
	discovery *discovery.Engine
	memories  *memory.Store
	brain     *brain.Brain

	gatherer prometheus.Gatherer
}

// New wires the routes over the given subsystems. reg doubles as the /metrics
// gatherer when it is a *prometheus.Registry.
func New(logger log.Logger, reg *prometheus.Registry, deps Deps, opts Options) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	s := &Server{
		logger:    logger,
		opts:      opts,
		metrics:   newServerMetrics(reg),
		gateway:   deps.Gateway,
		keys:      deps.Keys,
		sessions:  deps.Sessions,
		policies:  deps.Policies,
		kernel:    deps.Kernel,
		operators: deps.Operators,
		network:   deps.Network,
		discovery: deps.Discovery,
		memories:  deps.Memories,
		brain:     deps.Brain,
	}
	if reg != nil {
		s.gatherer = reg
	}
	return s
}

// Router assembles the middleware chain and all routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(withRequestID)
	r.Use(s.logRequests)
	r.Use(securityHeaders)

	origins := s.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID", "X-Kernel-Bypass"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(validateJSON)

	// Public surface.
	r.Post("/api/auth/login", s.handleLogin)
	r.Get("/api/health", s.handleHealth)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	// Everything else requires a credential.
	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Post("/api/auth/logout", s.handleLogout)
		r.Post("/api/auth/refresh", s.handleRefresh)

		r.Get("/api/keys", s.handleListKeys)
		r.Post("/api/keys", s.handleCreateKey)
		r.Delete("/api/keys/{id}", s.handleRevokeKey)
		r.Post("/api/keys/{id}/rotate", s.handleRotateKey)
		r.Patch("/api/keys/{id}", s.handlePatchKey)

		r.Get("/api/policies", s.handleListPolicies)
		r.Post("/api/policies", s.handleCreatePolicy)

		r.Get("/api/kernel/policies", s.handleListKernelPolicies)
		r.Post("/api/kernel/policies", s.handleCreateKernelPolicy)
		r.Get("/api/kernel/policies/{id}", s.handleGetKernelPolicy)
		r.Patch("/api/kernel/policies/{id}", s.handleUpdateKernelPolicy)
		r.Delete("/api/kernel/policies/{id}", s.handleDeleteKernelPolicy)

		r.Post("/api/brain/think", s.handleThink)
		r.Post("/api/brain/goals", s.handleCreateGoal)
		r.Get("/api/brain/stats", s.handleBrainStats)

		r.Get("/api/network/slots", s.handleListSlots)
		r.Post("/api/network/slots", s.handleCreateSlot)
		r.Post("/api/network/signal", s.handleSignal)

		r.Get("/api/discovery/capabilities", s.handleListCapabilities)
		r.Get("/api/discovery/sources", s.handleListSources)
		r.Post("/api/discovery/sources", s.handleRegisterSource)
		r.Post("/api/discovery/discover", s.handleDiscover)

		r.Post("/api/memory/store", s.handleMemoryStore)
		r.Post("/api/memory/recall", s.handleMemoryRecall)
		r.Get("/api/memory/stats", s.handleMemoryStats)

		r.Get("/api/operators", s.handleListOperators)
		r.Post("/api/operators/{name}/invoke", s.handleInvokeOperator)
		r.Get("/api/audit", s.handleAudit)
		r.Get("/api/health/detailed", s.handleHealthDetailed)
	})

	return r
}

// authorize runs a leveled policy check for the authenticated caller and
// writes the 403 itself on deny.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, resource policy.ResourceType, resourceID string, required policy.Level) (auth.AuthContext, bool) {
	a := authFromContext(r.Context())
	d := s.gateway.Authorize(a, resource, resourceID, required)
	if !d.Allowed {
		writeError(w, http.StatusForbidden, d.Reason)
		return a, false
	}
	return a, true
}

// actorFor is the kernel-facing identity of the request. The bypass flag only
// takes effect for callers holding MASTER on the kernel system resource.
func actorFor(a auth.AuthContext, r *http.Request) kernel.Actor {
	return kernel.Actor{
		OwnerID:      a.OwnerID,
		KeyID:        a.KeyID,
		PolicyID:     a.PolicyID,
		IP:           a.IP,
		KernelBypass: r.Header.Get("X-Kernel-Bypass") == "true",
	}
}
