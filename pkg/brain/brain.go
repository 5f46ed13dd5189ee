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

// Package brain is the cognitive dispatcher: it routes typed thoughts to the
// memory store, operator registry and discovery engine, tracks goals, and
// promotes discovered capabilities into operators.
package brain

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentmesh/agentmesh/pkg/discovery"
	"github.com/agentmesh/agentmesh/pkg/kernel"
	"github.com/agentmesh/agentmesh/pkg/memory"
	"github.com/agentmesh/agentmesh/pkg/operator"
)

// thoughtLogSize bounds the in-memory thought ring used by reflection.
const thoughtLogSize = 100

// thoughtImportance is the baseline importance of auto-stored thoughts.
const thoughtImportance = 0.3

// Thought is one unit of cognition submitted to Think.
type Thought struct {
	ID        string         `json:"thought_id"`
	Type      string         `json:"thought_type"`
	Content   map[string]any `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
}

// Goal is a tracked objective used by planning thoughts.
type Goal struct {
	ID          string     `json:"goal_id"`
	Description string     `json:"description"`
	Priority    float64    `json:"priority"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Brain wires the cognitive subsystems together.
type Brain struct {
	logger    log.Logger
	memories  *memory.Store
	operators *operator.Registry
	discover  *discovery.Engine
	actor     kernel.Actor
	thoughts  *prometheus.CounterVec
	now       func() time.Time

	mtx     sync.Mutex
	log     []*Thought
	logNext int
	goals   map[string]*Goal
}

// New builds a brain over the given subsystems.
func New(logger log.Logger, memories *memory.Store, operators *operator.Registry, discover *discovery.Engine, actor kernel.Actor, reg prometheus.Registerer) *Brain {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	b := &Brain{
		logger:    logger,
		memories:  memories,
		operators: operators,
		discover:  discover,
		actor:     actor,
		now:       time.Now,
		goals:     map[string]*Goal{},
		thoughts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentmesh_brain_thoughts_total",
			Help: "Thoughts processed by type.",
		}, []string{"type"}),
	}
	if reg != nil {
		reg.MustRegister(b.thoughts)
	}
	return b
}

// PromotionHook returns the discovery hook that turns every kernel-approved
// capability into a registered operator. Provenance travels in x- headers,
// which the invocation path never forwards over HTTP.
func PromotionHook(logger log.Logger, operators *operator.Registry) discovery.Hook {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return func(c *discovery.Capability) {
		method := c.Method
		if c.Type == discovery.CapMCPTool {
			method = "MCP"
		}
		sig := &operator.Signature{
			Name:           c.Name,
			Type:           operator.InferTypeFromName(c.Name, c.Method),
			EndpointURL:    c.Endpoint,
			Method:         method,
			ResponseSchema: c.OutputSchema,
			Headers: map[string]string{
				"x-source":           c.Source,
				"x-discovery-method": string(c.DiscoveryMethod),
			},
			Idempotent: c.Method == "GET" || c.Method == "QUERY",
		}
		if c.ToolName != "" {
			sig.Headers["x-tool-name"] = c.ToolName
		}
		if c.InputSchema != nil {
			tmpl := map[string]any{}
			if props, ok := c.InputSchema["properties"].(map[string]any); ok {
				for name := range props {
					tmpl[name] = "$" + name
				}
			}
			if len(tmpl) > 0 {
				sig.RequestTemplate = tmpl
			}
		}
		registered := operators.Register(sig)
		level.Debug(logger).Log("msg", "capability promoted", "capability", c.ID, "operator", registered.ID)
	}
}

// Think routes one thought by type and returns the result. The thought itself
// is always recorded as a low-importance memory.
func (b *Brain) Think(ctx context.Context, thoughtType string, content map[string]any) (map[string]any, error) {
	t := &Thought{
		ID:        "tht_" + uuid.NewString(),
		Type:      thoughtType,
		Content:   content,
		Timestamp: b.now(),
	}
	b.mtx.Lock()
	b.appendThoughtLocked(t)
	b.mtx.Unlock()
	b.thoughts.WithLabelValues(thoughtType).Inc()

	var (
		result map[string]any
		err    error
	)
	switch thoughtType {
	case "query":
		result, err = b.thinkQuery(ctx, content)
	case "command":
		result, err = b.thinkCommand(ctx, content)
	case "observation":
		result, err = b.thinkObservation(ctx, content)
	case "reflection":
		result = b.thinkReflection(content)
	case "planning":
		result = b.thinkPlanning()
	case "learning":
		result, err = b.thinkLearning(ctx, content)
	default:
		return nil, fmt.Errorf("unknown thought type %q", thoughtType)
	}
	if err != nil {
		return nil, err
	}

	if b.memories != nil {
		_, merr := b.memories.Store(ctx, map[string]any{
			"thought_id":   t.ID,
			"thought_type": thoughtType,
			"content":      content,
		}, "thought", thoughtImportance, 0.05, []string{"thought", thoughtType})
		if merr != nil {
			level.Warn(b.logger).Log("msg", "recording thought", "err", merr)
		}
	}
	result["thought_id"] = t.ID
	return result, nil
}

func (b *Brain) appendThoughtLocked(t *Thought) {
	if len(b.log) < thoughtLogSize {
		b.log = append(b.log, t)
		return
	}
	b.log[b.logNext] = t
	b.logNext = (b.logNext + 1) % thoughtLogSize
}

// thinkQuery recalls relevant memories and searches known capabilities.
func (b *Brain) thinkQuery(ctx context.Context, content map[string]any) (map[string]any, error) {
	query, _ := content["query"].(string)
	if query == "" {
		return nil, fmt.Errorf("query thought requires a query string")
	}

	memories, err := b.memories.Recall(ctx, memory.RecallOptions{Query: query, Limit: 10})
	if err != nil {
		return nil, fmt.Errorf("recalling memories: %w", err)
	}

	var caps []map[string]any
	if b.discover != nil {
		for _, c := range b.discover.Search(discovery.Filter{NameContains: query}) {
			caps = append(caps, map[string]any{
				"capability_id": c.ID,
				"name":          c.Name,
				"endpoint":      c.Endpoint,
			})
		}
	}
	return map[string]any{
		"memories":     memories,
		"capabilities": caps,
	}, nil
}

// thinkCommand resolves an operator by name or id and invokes it.
func (b *Brain) thinkCommand(ctx context.Context, content map[string]any) (map[string]any, error) {
	name, _ := content["operator"].(string)
	if name == "" {
		return nil, fmt.Errorf("command thought requires an operator")
	}
	sig, ok := b.operators.Get(name)
	if !ok {
		sig, ok = b.operators.GetByName(name)
	}
	if !ok {
		return nil, fmt.Errorf("operator %q not found", name)
	}
	inputs, _ := content["inputs"].(map[string]any)
	inv := b.operators.Invoke(ctx, sig.ID, inputs, 0, b.actor)
	return map[string]any{"invocation": inv}, nil
}

// thinkObservation stores the observation and reports matching patterns.
func (b *Brain) thinkObservation(ctx context.Context, content map[string]any) (map[string]any, error) {
	m, err := b.memories.Store(ctx, content, "episodic", 0.5, 0.02, []string{"observation"})
	if err != nil {
		return nil, fmt.Errorf("storing observation: %w", err)
	}
	patterns := b.memories.MatchPatterns(content)
	return map[string]any{
		"memory_id":        m.ID,
		"matched_patterns": patterns,
	}, nil
}

// thinkReflection summarizes recent cognition.
func (b *Brain) thinkReflection(content map[string]any) map[string]any {
	limit := thoughtLogSize
	if n, ok := content["last"].(float64); ok && int(n) > 0 {
		limit = int(n)
	}

	b.mtx.Lock()
	recent := b.recentThoughtsLocked(limit)
	b.mtx.Unlock()

	byType := map[string]int{}
	for _, t := range recent {
		byType[t.Type]++
	}
	return map[string]any{
		"thoughts_considered": len(recent),
		"by_type":             byType,
		"memory_stats":        b.memories.Stats(),
	}
}

func (b *Brain) recentThoughtsLocked(limit int) []*Thought {
	out := make([]*Thought, 0, len(b.log))
	if len(b.log) == thoughtLogSize {
		out = append(out, b.log[b.logNext:]...)
		out = append(out, b.log[:b.logNext]...)
	} else {
		out = append(out, b.log...)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// thinkPlanning surfaces active goals and the healthy capabilities that could
// serve them.
func (b *Brain) thinkPlanning() map[string]any {
	goals := b.ListGoals(true)

	var healthy []map[string]any
	if b.discover != nil {
		for _, c := range b.discover.Search(discovery.Filter{HealthyOnly: true}) {
			healthy = append(healthy, map[string]any{
				"capability_id": c.ID,
				"name":          c.Name,
				"type":          c.Type,
			})
		}
	}
	return map[string]any{
		"active_goals":         goals,
		"healthy_capabilities": healthy,
	}
}

// thinkLearning registers a trigger pattern and stores the lesson.
func (b *Brain) thinkLearning(ctx context.Context, content map[string]any) (map[string]any, error) {
	name, _ := content["pattern_name"].(string)
	conditions, _ := content["trigger_conditions"].(map[string]any)
	if name == "" || len(conditions) == 0 {
		return nil, fmt.Errorf("learning thought requires pattern_name and trigger_conditions")
	}
	response, _ := content["response"].(map[string]any)

	p, err := b.memories.RegisterPattern(name, conditions, response)
	if err != nil {
		return nil, fmt.Errorf("registering pattern: %w", err)
	}
	m, err := b.memories.Store(ctx, content, "semantic", 0.7, 0.01, []string{"learned", "pattern"})
	if err != nil {
		return nil, fmt.Errorf("storing lesson: %w", err)
	}
	return map[string]any{
		"pattern_id": p.ID,
		"memory_id":  m.ID,
	}, nil
}

// CreateGoal registers an objective for planning thoughts.
func (b *Brain) CreateGoal(description string, priority float64) *Goal {
	g := &Goal{
		ID:          "goal_" + uuid.NewString(),
		Description: description,
		Priority:    priority,
		Active:      true,
		CreatedAt:   b.now(),
	}
	b.mtx.Lock()
	b.goals[g.ID] = g
	b.mtx.Unlock()
	cp := *g
	return &cp
}

// ListGoals returns goals ordered by priority descending.
func (b *Brain) ListGoals(activeOnly bool) []*Goal {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	out := make([]*Goal, 0, len(b.goals))
	for _, g := range b.goals {
		if activeOnly && !g.Active {
			continue
		}
		cp := *g
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CompleteGoal deactivates a goal and timestamps completion.
func (b *Brain) CompleteGoal(id string) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	g, ok := b.goals[id]
	if !ok {
		return fmt.Errorf("goal %q not found", id)
	}
	if g.Active {
		g.Active = false
		now := b.now()
		g.CompletedAt = &now
	}
	return nil
}

// Stats summarizes the brain's current state.
func (b *Brain) Stats() map[string]any {
	b.mtx.Lock()
	thoughts := len(b.log)
	if thoughts > thoughtLogSize {
		thoughts = thoughtLogSize
	}
	byType := map[string]int{}
	for _, t := range b.log {
		byType[t.Type]++
	}
	active := 0
	total := 0
	for _, g := range b.goals {
		total++
		if g.Active {
			active++
		}
	}
	b.mtx.Unlock()

	out := map[string]any{
		"recent_thoughts":  thoughts,
		"thoughts_by_type": byType,
		"goals_total":      total,
		"goals_active":     active,
	}
	if b.memories != nil {
		out["memory"] = b.memories.Stats()
	}
	if b.operators != nil {
		out["operators"] = len(b.operators.List())
	}
	if b.discover != nil {
		out["discovery"] = b.discover.Stats()
	}
	return out
}
