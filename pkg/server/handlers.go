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
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/pkg/auth"
	"github.com/agentmesh/agentmesh/pkg/discovery"
	"github.com/agentmesh/agentmesh/pkg/kernel"
	"github.com/agentmesh/agentmesh/pkg/memory"
	"github.com/agentmesh/agentmesh/pkg/policy"
	"github.com/agentmesh/agentmesh/pkg/reactive"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   s.opts.Version,
	})
}

func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, policy.ResourceSystem, "", policy.LevelRead); !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   s.opts.Version,
		"network":   s.network.GetState(),
		"discovery": s.discovery.Stats(),
		"operators": len(s.operators.List()),
		"memory":    s.memories.Stats(),
		"brain":     s.brain.Stats(),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		APIKey string `json:"api_key"`
	}
	if err := decodeBody(r, &body); err != nil || body.APIKey == "" {
		writeError(w, http.StatusBadRequest, "api_key is required")
		return
	}
	key, token, claims, _ := s.gateway.Login(body.APIKey)
	if key == nil {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	sess, err := s.sessions.Create(r.Context(), key.ID, key.OwnerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "creating session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"session_id": sess.ID,
		"expires_in": int(claims.ExpiresAt.Time.Sub(claims.IssuedAt.Time).Seconds()),
		"scope":      key.Scope,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"session_id"`
	}
	_ = decodeBody(r, &body)
	if body.SessionID != "" {
		if err := s.sessions.Delete(r.Context(), body.SessionID); err != nil {
			writeError(w, http.StatusInternalServerError, "deleting session")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	bearer := bearerToken(r)
	if bearer == "" {
		writeError(w, http.StatusBadRequest, "refresh requires a bearer token")
		return
	}
	token, claims, reason := s.gateway.Refresh(bearer)
	if token == "" {
		writeError(w, http.StatusUnauthorized, reason)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_in": int(claims.ExpiresAt.Time.Sub(claims.IssuedAt.Time).Seconds()),
	})
}

func defaultPolicyForScope(scope auth.Scope) string {
	switch scope {
	case auth.ScopeMaster:
		return policy.DefaultMaster
	case auth.ScopeAdmin:
		return policy.DefaultAdmin
	case auth.ScopeReadonly:
		return policy.DefaultReadonly
	default:
		return policy.DefaultUser
	}
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, policy.ResourceKey, "", policy.LevelRead); !ok {
		return
	}
	q := r.URL.Query()
	filter := auth.KeyFilter{OwnerID: q.Get("owner")}
	if raw := q.Get("scope"); raw != "" {
		filter.Scope = auth.ParseScope(raw)
	}
	if raw := q.Get("status"); raw != "" {
		filter.Status = auth.Status(raw)
	}
	keys := s.keys.List(filter)
	out := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.Public())
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": out})
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	a, ok := s.authorize(w, r, policy.ResourceKey, "", policy.LevelWrite)
	if !ok {
		return
	}
	var body struct {
		Scope       string            `json:"scope"`
		PolicyID    string            `json:"policy_id"`
		ExpiresDays int               `json:"expires_days"`
		Metadata    map[string]string `json:"metadata"`
	}
	if err := decodeBody(r, &body); err != nil || body.Scope == "" {
		writeError(w, http.StatusBadRequest, "scope is required")
		return
	}
	scope := auth.ParseScope(body.Scope)
	policyID := body.PolicyID
	if policyID == "" {
		policyID = defaultPolicyForScope(scope)
	}
	if _, found := s.policies.Get(policyID); !found {
		writeError(w, http.StatusBadRequest, "policy not found: "+policyID)
		return
	}
	// Only master-tier callers may mint master keys.
	if scope == auth.ScopeMaster {
		if _, ok := s.authorize(w, r, policy.ResourceKey, "", policy.LevelMaster); !ok {
			return
		}
	}
	key, raw, err := s.keys.Create(a.OwnerID, policyID, scope, body.ExpiresDays, body.Metadata)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "creating key")
		return
	}
	out := map[string]any{
		"key_id":  key.ID,
		"api_key": raw,
		"scope":   key.Scope,
		"warning": "Store this key now. It is shown exactly once.",
	}
	if key.ExpiresAt != nil {
		out["expires_at"] = key.ExpiresAt
	}
	writeJSON(w, http.StatusCreated, out)
}

func keyErrorStatus(err error) int {
	if strings.Contains(err.Error(), "not found") {
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, policy.ResourceKey, "", policy.LevelWrite); !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.keys.Revoke(id); err != nil {
		writeError(w, keyErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked", "key_id": id})
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, policy.ResourceKey, "", policy.LevelWrite); !ok {
		return
	}
	id := chi.URLParam(r, "id")
	succ, raw, err := s.keys.Rotate(id)
	if err != nil {
		writeError(w, keyErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"key_id":       succ.ID,
		"api_key":      raw,
		"rotated_from": id,
		"warning":      "Store this key now. It is shown exactly once.",
	})
}

func (s *Server) handlePatchKey(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, policy.ResourceKey, "", policy.LevelWrite); !ok {
		return
	}
	id := chi.URLParam(r, "id")
	var body struct {
		Action   string `json:"action"`
		PolicyID string `json:"policy_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	var err error
	switch body.Action {
	case "suspend":
		err = s.keys.Suspend(id)
	case "reactivate":
		err = s.keys.Reactivate(id)
	case "update_policy":
		if body.PolicyID == "" {
			writeError(w, http.StatusBadRequest, "policy_id is required for update_policy")
			return
		}
		if _, found := s.policies.Get(body.PolicyID); !found {
			writeError(w, http.StatusBadRequest, "policy not found: "+body.PolicyID)
			return
		}
		err = s.keys.UpdatePolicy(id, body.PolicyID)
	default:
		writeError(w, http.StatusBadRequest, "action must be suspend, reactivate or update_policy")
		return
	}
	if err != nil {
		writeError(w, keyErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "updated", "key_id": id})
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, policy.ResourcePolicy, "", policy.LevelRead); !ok {
		return
	}
	var out []*policy.Policy
	for _, p := range s.policies.List() {
		if p.IsKernel() {
			continue // kernel tier has its own surface
		}
		out = append(out, p)
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": out})
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, policy.ResourcePolicy, "", policy.LevelAdmin); !ok {
		return
	}
	var doc policy.Policy
	if err := decodeBody(r, &doc); err != nil {
		writeError(w, http.StatusBadRequest, "malformed policy document")
		return
	}
	if doc.ID == "" {
		doc.ID = "pol_" + uuid.NewString()
	}
	if doc.IsKernel() {
		writeError(w, http.StatusBadRequest, "kernel policies are managed under /api/kernel/policies")
		return
	}
	doc.IsActive = true
	if err := s.policies.Create(&doc); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"policy_id": doc.ID, "name": doc.Name})
}

// requireKernelMaster is the shared guard for the kernel policy surface.
func (s *Server) requireKernelMaster(w http.ResponseWriter, r *http.Request) bool {
	_, ok := s.authorize(w, r, policy.ResourceSystem, "kernel", policy.LevelMaster)
	return ok
}

func (s *Server) handleListKernelPolicies(w http.ResponseWriter, r *http.Request) {
	if !s.requireKernelMaster(w, r) {
		return
	}
	var out []*policy.Policy
	for _, p := range s.policies.List() {
		if p.IsKernel() {
			out = append(out, p)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": out})
}

func (s *Server) handleCreateKernelPolicy(w http.ResponseWriter, r *http.Request) {
	if !s.requireKernelMaster(w, r) {
		return
	}
	var doc policy.Policy
	if err := decodeBody(r, &doc); err != nil {
		writeError(w, http.StatusBadRequest, "malformed policy document")
		return
	}
	if !strings.HasPrefix(doc.ID, "kpol_") {
		writeError(w, http.StatusBadRequest, `kernel policy ids must start with "kpol_"`)
		return
	}
	doc.IsActive = true
	if err := s.policies.Create(&doc); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"policy_id": doc.ID, "name": doc.Name})
}

func (s *Server) handleGetKernelPolicy(w http.ResponseWriter, r *http.Request) {
	if !s.requireKernelMaster(w, r) {
		return
	}
	id := chi.URLParam(r, "id")
	p, ok := s.policies.Get(id)
	if !ok || !p.IsKernel() {
		writeError(w, http.StatusNotFound, "kernel policy not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type kernelPolicyPatch struct {
	Name             *string              `json:"name"`
	Description      *string              `json:"description"`
	IsActive         *bool                `json:"is_active"`
	Permissions      *[]policy.Permission `json:"permissions"`
	DeniedOperators  *[]string            `json:"denied_operators"`
	AllowedOperators *[]string            `json:"allowed_operators"`
	DeniedEndpoints  *[]string            `json:"denied_endpoints"`
	AllowedEndpoints *[]string            `json:"allowed_endpoints"`
}

func (s *Server) handleUpdateKernelPolicy(w http.ResponseWriter, r *http.Request) {
	if !s.requireKernelMaster(w, r) {
		return
	}
	id := chi.URLParam(r, "id")
	existing, ok := s.policies.Get(id)
	if !ok || !existing.IsKernel() {
		writeError(w, http.StatusNotFound, "kernel policy not found")
		return
	}
	var patch kernelPolicyPatch
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	updated, err := s.policies.Update(id, func(p *policy.Policy) {
		if patch.Name != nil {
			p.Name = *patch.Name
		}
		if patch.Description != nil {
			p.Description = *patch.Description
		}
		if patch.IsActive != nil {
			p.IsActive = *patch.IsActive
		}
		if patch.Permissions != nil {
			p.Permissions = *patch.Permissions
		}
		if patch.DeniedOperators != nil {
			p.DeniedOperators = *patch.DeniedOperators
		}
		if patch.AllowedOperators != nil {
			p.AllowedOperators = *patch.AllowedOperators
		}
		if patch.DeniedEndpoints != nil {
			p.DeniedEndpoints = *patch.DeniedEndpoints
		}
		if patch.AllowedEndpoints != nil {
			p.AllowedEndpoints = *patch.AllowedEndpoints
		}
	})
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteKernelPolicy(w http.ResponseWriter, r *http.Request) {
	if !s.requireKernelMaster(w, r) {
		return
	}
	id := chi.URLParam(r, "id")
	if id == kernel.DefaultPolicyID {
		writeError(w, http.StatusBadRequest, "the default kernel policy cannot be deleted")
		return
	}
	p, ok := s.policies.Get(id)
	if !ok || !p.IsKernel() {
		writeError(w, http.StatusNotFound, "kernel policy not found")
		return
	}
	if err := s.policies.Delete(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "policy_id": id})
}

func (s *Server) handleThink(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, policy.ResourceSystem, "brain", policy.LevelExecute); !ok {
		return
	}
	var body struct {
		Type    string         `json:"type"`
		Content map[string]any `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil || body.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	result, err := s.brain.Think(r.Context(), body.Type, body.Content)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	thoughtID, _ := result["thought_id"].(string)
	delete(result, "thought_id")
	writeJSON(w, http.StatusOK, map[string]any{
		"thought_id":   thoughtID,
		"result":       result,
		"processed_at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleCreateGoal(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Description string  `json:"description"`
		Priority    float64 `json:"priority"`
	}
	if err := decodeBody(r, &body); err != nil || body.Description == "" {
		writeError(w, http.StatusBadRequest, "description is required")
		return
	}
	if body.Priority == 0 {
		body.Priority = 0.5
	}
	g := s.brain.CreateGoal(body.Description, body.Priority)
	writeJSON(w, http.StatusCreated, map[string]any{
		"goal_id":     g.ID,
		"description": g.Description,
	})
}

func (s *Server) handleBrainStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.brain.Stats())
}

func (s *Server) handleListSlots(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"slots": s.network.Slots()})
}

func (s *Server) handleCreateSlot(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, policy.ResourceNetwork, "", policy.LevelWrite); !ok {
		return
	}
	var body struct {
		SlotType    string   `json:"slot_type"`
		OperatorIDs []string `json:"operator_ids"`
		ConnectTo   []string `json:"connect_to"`
	}
	if err := decodeBody(r, &body); err != nil || body.SlotType == "" {
		writeError(w, http.StatusBadRequest, "slot_type is required")
		return
	}
	slot := s.network.CreateSlot(body.SlotType, body.OperatorIDs)
	for _, other := range body.ConnectTo {
		if err := s.network.ConnectSlots(slot.ID, other); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"slot_id":   slot.ID,
		"slot_type": slot.Type,
		"state":     slot.State,
	})
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, policy.ResourceNetwork, "", policy.LevelExecute); !ok {
		return
	}
	var body struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
		Source  string         `json:"source"`
		Target  string         `json:"target"`
		TTL     int            `json:"ttl"`
	}
	if err := decodeBody(r, &body); err != nil || body.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	if body.Source == "" && body.Target == "" {
		writeError(w, http.StatusBadRequest, "signal requires a source or target slot")
		return
	}
	sig := reactive.NewSignal(body.Type, body.Payload)
	sig.SourceSlot = body.Source
	sig.TargetSlot = body.Target
	if body.TTL > 0 {
		sig.TTL = body.TTL
	}
	if err := s.network.SendSignal(sig); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"signal_id": sig.ID, "emitted": true})
}

func (s *Server) handleListCapabilities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := discovery.Filter{
		NameContains: q.Get("name"),
		Type:         discovery.CapabilityType(q.Get("type")),
		HealthyOnly:  q.Get("healthy") == "true",
	}
	if tags := q.Get("tags"); tags != "" {
		f.Tags = strings.Split(tags, ",")
	}
	caps := s.discovery.Search(f)
	writeJSON(w, http.StatusOK, map[string]any{
		"capabilities": caps,
		"count":        len(caps),
	})
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, policy.ResourceSystem, "discovery", policy.LevelRead); !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": s.discovery.Sources()})
}

func (s *Server) handleRegisterSource(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, policy.ResourceSystem, "discovery", policy.LevelAdmin); !ok {
		return
	}
	var src discovery.Source
	if err := decodeBody(r, &src); err != nil || src.BaseURL == "" || src.Method == "" {
		writeError(w, http.StatusBadRequest, "base_url and discovery_method are required")
		return
	}
	// Stdio MCP sources launch child processes; registering one takes MASTER.
	if src.Method == discovery.MethodMCP && !strings.HasPrefix(src.BaseURL, "http") {
		if _, ok := s.authorize(w, r, policy.ResourceSystem, "discovery", policy.LevelMaster); !ok {
			return
		}
	}
	src.Active = true
	registered := s.discovery.RegisterSource(&src)
	writeJSON(w, http.StatusCreated, map[string]any{
		"source_id": registered.ID,
		"base_url":  registered.BaseURL,
		"method":    registered.Method,
	})
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, policy.ResourceSystem, "discovery", policy.LevelAdmin); !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.discovery.DiscoverAll(r.Context()))
}

func (s *Server) handleMemoryStore(w http.ResponseWriter, r *http.Request) {
	a := authFromContext(r.Context())
	var body struct {
		Content    map[string]any `json:"content"`
		MemoryType string         `json:"memory_type"`
		Importance *float64       `json:"importance"`
		DecayRate  *float64       `json:"decay_rate"`
		Tags       []string       `json:"tags"`
	}
	if err := decodeBody(r, &body); err != nil || len(body.Content) == 0 {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if body.MemoryType == "" {
		body.MemoryType = "semantic"
	}
	importance := 0.5
	if body.Importance != nil {
		importance = *body.Importance
	}
	decay := 0.01
	if body.DecayRate != nil {
		decay = *body.DecayRate
	}
	if d := s.kernel.EnforceMemoryStore(body.MemoryType, actorFor(a, r)); !d.Allowed {
		writeError(w, http.StatusForbidden, d.Reason)
		return
	}
	m, err := s.memories.Store(r.Context(), body.Content, body.MemoryType, importance, decay, body.Tags)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storing memory")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"memory_id":   m.ID,
		"memory_type": m.Type,
		"importance":  m.Importance,
	})
}

func (s *Server) handleMemoryRecall(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MemoryID   string   `json:"memory_id"`
		Query      string   `json:"query"`
		Tags       []string `json:"tags"`
		MemoryType string   `json:"memory_type"`
		Limit      int      `json:"limit"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if body.MemoryID != "" {
		m, ok := s.memories.Get(body.MemoryID)
		if !ok {
			writeError(w, http.StatusNotFound, "memory not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"memories": []*memory.Memory{m}, "count": 1})
		return
	}
	if body.Limit <= 0 {
		body.Limit = 20
	}
	memories, err := s.memories.Recall(r.Context(), memory.RecallOptions{
		Query: body.Query,
		Tags:  body.Tags,
		Type:  body.MemoryType,
		Limit: body.Limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "recalling memories")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": memories, "count": len(memories)})
}

func (s *Server) handleMemoryStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.memories.Stats())
}

func (s *Server) handleListOperators(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, policy.ResourceOperator, "", policy.LevelRead); !ok {
		return
	}
	sigs := s.operators.List()
	out := make([]map[string]any, 0, len(sigs))
	for _, sig := range sigs {
		out = append(out, sig.Summary())
	}
	writeJSON(w, http.StatusOK, map[string]any{"operators": out, "count": len(out)})
}

func (s *Server) handleInvokeOperator(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	sig, ok := s.operators.GetByName(name)
	if !ok {
		sig, ok = s.operators.Get(name)
	}
	if !ok {
		writeError(w, http.StatusNotFound, "operator not found: "+name)
		return
	}
	a, ok := s.authorize(w, r, policy.ResourceOperator, sig.ID, policy.LevelExecute)
	if !ok {
		return
	}
	var body struct {
		Input   map[string]any `json:"input"`
		Timeout int            `json:"timeout_seconds"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	timeout := time.Duration(body.Timeout) * time.Second
	inv := s.operators.Invoke(r.Context(), sig.ID, body.Input, timeout, actorFor(a, r))
	writeJSON(w, http.StatusOK, map[string]any{"operator": sig.Name, "result": inv})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, policy.ResourceAudit, "", policy.LevelRead); !ok {
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	history := s.operators.History(limit)
	writeJSON(w, http.StatusOK, map[string]any{"invocations": history, "count": len(history)})
}
