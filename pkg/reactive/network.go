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

package reactive

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

	"github.com/agentmesh/agentmesh/pkg/kernel"
	"github.com/agentmesh/agentmesh/pkg/operator"
)

const (
	// tickInterval is the scheduler period; a ceiling, not a floor.
	tickInterval = 10 * time.Millisecond
	// healthInterval is the health-loop period.
	healthInterval = 10 * time.Second

	// errorResetAfter returns errored slots to listening.
	errorResetAfter = 60 * time.Second
	// idleAfter parks inactive listening slots.
	idleAfter = 300 * time.Second
)

// Invoker is the slice of the operator registry the network needs.
type Invoker interface {
	Invoke(ctx context.Context, operatorID string, inputs map[string]any, timeout time.Duration, actor kernel.Actor) *operator.Invocation
}

type networkMetrics struct {
	signals prometheus.Counter
	dropped prometheus.Counter
	slots   prometheus.Gauge
}

func newNetworkMetrics(reg prometheus.Registerer) *networkMetrics {
	m := &networkMetrics{
		signals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentmesh_network_signals_processed_total",
			Help: "Signals dequeued and processed by slots.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentmesh_network_signals_dropped_total",
			Help: "Signals dropped for exhausted TTL or missing targets.",
		}),
		slots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentmesh_network_slots",
			Help: "Number of slots in the network.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.signals, m.dropped, m.slots)
	}
	return m
}

// Network owns the slot graph and runs the cooperative scheduler plus the
// health loop.
type Network struct {
	logger  log.Logger
	invoker Invoker
	actor   kernel.Actor
	metrics *networkMetrics
	now     func() time.Time

	mtx   sync.Mutex
	slots map[string]*Slot
}

// NewNetwork wires the operator invoker used by invoke_operator bindings.
// actor is the identity network-triggered invocations run as.
func NewNetwork(logger log.Logger, invoker Invoker, actor kernel.Actor, reg prometheus.Registerer) *Network {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Network{
		logger:  logger,
		invoker: invoker,
		actor:   actor,
		metrics: newNetworkMetrics(reg),
		now:     time.Now,
		slots:   map[string]*Slot{},
	}
}

// CreateSlot adds a slot in the listening state.
func (n *Network) CreateSlot(slotType string, operatorIDs []string) *Slot {
	s := &Slot{
		ID:          "slot_" + uuid.NewString(),
		Type:        slotType,
		State:       StateListening,
		OperatorIDs: operatorIDs,
		Data:        map[string]any{},
		CreatedAt:   n.now(),
		connections: map[string]struct{}{},
	}
	s.lastActivity = s.CreatedAt

	n.mtx.Lock()
	n.slots[s.ID] = s
	n.metrics.slots.Set(float64(len(n.slots)))
	n.mtx.Unlock()
	return s
}

// GetSlot returns the live slot. Callers must not retain it across ticks.
func (n *Network) GetSlot(id string) (*Slot, bool) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	s, ok := n.slots[id]
	return s, ok
}

// ConnectSlots links two slots symmetrically.
func (n *Network) ConnectSlots(a, b string) error {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	sa, ok := n.slots[a]
	if !ok {
		return fmt.Errorf("slot %q not found", a)
	}
	sb, ok := n.slots[b]
	if !ok {
		return fmt.Errorf("slot %q not found", b)
	}
	sa.connections[b] = struct{}{}
	sb.connections[a] = struct{}{}
	return nil
}

// AddBinding appends a binding to the slot's evaluation order.
func (n *Network) AddBinding(slotID string, trigger Trigger, action ActionType, config map[string]any) (*Binding, error) {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	s, ok := n.slots[slotID]
	if !ok {
		return nil, fmt.Errorf("slot %q not found", slotID)
	}
	b := &Binding{
		ID:           "bind_" + uuid.NewString(),
		SlotID:       slotID,
		Trigger:      trigger,
		Action:       action,
		ActionConfig: config,
	}
	if v, ok := intFromConfig(config, "debounce_ms"); ok {
		b.DebounceMS = v
	}
	if v, ok := intFromConfig(config, "throttle_ms"); ok {
		b.ThrottleMS = v
	}
	if v, ok := intFromConfig(config, "max_invocations"); ok {
		b.MaxInvocations = v
	}
	s.bindings = append(s.bindings, b)
	return b, nil
}

func intFromConfig(config map[string]any, key string) (int, bool) {
	switch v := config[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

// SendSignal delivers to the target slot, or broadcasts to the source's
// neighbors: each clone gets the neighbor as target, TTL decremented and the
// source appended to its path. Exhausted TTL drops the clone.
func (n *Network) SendSignal(sig *Signal) error {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.sendLocked(sig)
}

func (n *Network) sendLocked(sig *Signal) error {
	if sig.TTL <= 0 {
		n.metrics.dropped.Inc()
		return nil
	}
	if sig.TargetSlot != "" {
		target, ok := n.slots[sig.TargetSlot]
		if !ok {
			n.metrics.dropped.Inc()
			return fmt.Errorf("target slot %q not found", sig.TargetSlot)
		}
		target.queue = append(target.queue, sig)
		return nil
	}
	source, ok := n.slots[sig.SourceSlot]
	if !ok {
		n.metrics.dropped.Inc()
		return fmt.Errorf("source slot %q not found for broadcast", sig.SourceSlot)
	}
	for neighbor := range source.connections {
		cp := sig.clone()
		cp.TargetSlot = neighbor
		cp.TTL = sig.TTL - 1
		cp.Path = append(cp.Path, sig.SourceSlot)
		if cp.TTL <= 0 {
			n.metrics.dropped.Inc()
			continue
		}
		if t, ok := n.slots[neighbor]; ok {
			t.queue = append(t.queue, cp)
		}
	}
	return nil
}

// Run drives the scheduler until the context is canceled.
func (n *Network) Run(ctx context.Context) error {
	level.Info(n.logger).Log("msg", "network scheduler starting")
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			level.Info(n.logger).Log("msg", "network scheduler stopping")
			return nil
		case <-ticker.C:
			n.Tick(ctx)
		}
	}
}

// RunHealthLoop drives the health sweep until the context is canceled.
func (n *Network) RunHealthLoop(ctx context.Context) error {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.HealthSweep()
		}
	}
}

// Tick runs one scheduler pass: every listening or idle slot with a
// non-empty queue dequeues exactly one signal and evaluates its bindings in
// order.
func (n *Network) Tick(ctx context.Context) {
	n.mtx.Lock()
	ready := make([]*Slot, 0)
	for _, s := range n.slots {
		if (s.State == StateListening || s.State == StateIdle) && len(s.queue) > 0 {
			ready = append(ready, s)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
	n.mtx.Unlock()

	for _, s := range ready {
		n.processOne(ctx, s)
	}
}

func (n *Network) processOne(ctx context.Context, s *Slot) {
	n.mtx.Lock()
	if len(s.queue) == 0 || (s.State != StateListening && s.State != StateIdle) {
		n.mtx.Unlock()
		return
	}
	sig := s.queue[0]
	s.queue = s.queue[1:]
	s.State = StateProcessing
	s.lastActivity = n.now()
	bindings := append([]*Binding(nil), s.bindings...)
	n.mtx.Unlock()

	n.metrics.signals.Inc()

	defer func() {
		n.mtx.Lock()
		if r := recover(); r != nil {
			s.State = StateError
			s.ErrorCount++
			level.Error(n.logger).Log("msg", "slot processing panicked", "slot", s.ID, "panic", r)
		} else if s.State == StateProcessing || s.State == StateExecuting {
			s.State = StateListening
		}
		s.lastActivity = n.now()
		n.mtx.Unlock()
	}()

	for _, b := range bindings {
		now := n.now()
		if !b.Trigger.Matches(sig) || !b.canInvoke(now) {
			continue
		}
		b.invocationCount++
		b.lastInvoked = now
		n.execute(ctx, s, b, sig)
	}
}

func (n *Network) execute(ctx context.Context, s *Slot, b *Binding, sig *Signal) {
	switch b.Action {
	case ActionInvokeOperator:
		operatorID, _ := b.ActionConfig["operator_id"].(string)
		inputs := map[string]any{}
		for k, v := range sig.Payload {
			inputs[k] = v
		}
		if extra, ok := b.ActionConfig["extra_inputs"].(map[string]any); ok {
			for k, v := range extra {
				inputs[k] = v
			}
		}
		n.mtx.Lock()
		s.State = StateExecuting
		n.mtx.Unlock()
		inv := n.invoker.Invoke(ctx, operatorID, inputs, 0, n.actor)
		n.mtx.Lock()
		s.Data["last_invocation"] = inv.ID
		if !inv.Success {
			s.ErrorCount++
			level.Warn(n.logger).Log("msg", "binding invocation failed", "slot", s.ID, "operator", operatorID, "err", inv.Error)
		}
		n.mtx.Unlock()

	case ActionForward:
		target, _ := b.ActionConfig["target_slot"].(string)
		fwd := sig.clone()
		fwd.ID = "fwd_" + sig.ID
		fwd.SourceSlot = s.ID
		fwd.TargetSlot = target
		// A forward is a hop like any other: TTL goes down and the path
		// records it, so forward cycles die instead of circulating.
		fwd.TTL = sig.TTL - 1
		fwd.Path = append(fwd.Path, s.ID)
		n.mtx.Lock()
		if err := n.sendLocked(fwd); err != nil {
			level.Warn(n.logger).Log("msg", "forward failed", "slot", s.ID, "err", err)
		}
		n.mtx.Unlock()

	case ActionTransform:
		transformed := map[string]any{}
		for k, v := range sig.Payload {
			transformed[k] = v
		}
		if mapping, ok := b.ActionConfig["mapping"].(map[string]any); ok {
			for newKey, oldKey := range mapping {
				if src, ok := oldKey.(string); ok {
					transformed[newKey] = sig.Payload[src]
				}
			}
		}
		if set, ok := b.ActionConfig["set"].(map[string]any); ok {
			for k, v := range set {
				transformed[k] = v
			}
		}
		n.mtx.Lock()
		s.Data["last_transform"] = transformed
		n.mtx.Unlock()
		if emitType, ok := b.ActionConfig["emit_type"].(string); ok {
			out := NewSignal(emitType, transformed)
			out.SourceSlot = s.ID
			out.TTL = sig.TTL - 1
			n.mtx.Lock()
			_ = n.sendLocked(out)
			n.mtx.Unlock()
		}
	}
}

// InvokeOperator runs an operator in the context of a slot, outside of any
// binding. The slot must list the operator as allowed when it restricts
// operators at all.
func (n *Network) InvokeOperator(ctx context.Context, slotID, operatorID string, inputs map[string]any) (*operator.Invocation, error) {
	n.mtx.Lock()
	s, ok := n.slots[slotID]
	if !ok {
		n.mtx.Unlock()
		return nil, fmt.Errorf("slot %q not found", slotID)
	}
	if len(s.OperatorIDs) > 0 {
		allowed := false
		for _, id := range s.OperatorIDs {
			if id == operatorID {
				allowed = true
				break
			}
		}
		if !allowed {
			n.mtx.Unlock()
			return nil, fmt.Errorf("operator %q not allowed on slot %q", operatorID, slotID)
		}
	}
	s.State = StateExecuting
	s.lastActivity = n.now()
	n.mtx.Unlock()

	inv := n.invoker.Invoke(ctx, operatorID, inputs, 0, n.actor)

	n.mtx.Lock()
	s.State = StateListening
	s.lastActivity = n.now()
	n.mtx.Unlock()
	return inv, nil
}

// HealthSweep applies the recovery rules: errored slots quiet for 60s go
// back to listening; listening slots idle for 300s park as idle.
func (n *Network) HealthSweep() {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	now := n.now()
	for _, s := range n.slots {
		idle := now.Sub(s.lastActivity)
		switch {
		case s.State == StateError && idle > errorResetAfter:
			s.State = StateListening
			s.ErrorCount = 0
			level.Info(n.logger).Log("msg", "slot recovered", "slot", s.ID)
		case s.State == StateListening && idle > idleAfter:
			s.State = StateIdle
		}
	}
}

// Slots lists slot summaries ordered by id.
func (n *Network) Slots() []map[string]any {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	out := make([]map[string]any, 0, len(n.slots))
	ids := make([]string, 0, len(n.slots))
	for id := range n.slots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		s := n.slots[id]
		out = append(out, map[string]any{
			"slot_id":     s.ID,
			"slot_type":   s.Type,
			"state":       s.State,
			"connections": s.Connections(),
			"queue_len":   len(s.queue),
			"bindings":    len(s.bindings),
			"error_count": s.ErrorCount,
		})
	}
	return out
}

// GetState counts slots by state.
func (n *Network) GetState() map[string]any {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	byState := map[State]int{}
	queued := 0
	for _, s := range n.slots {
		byState[s.State]++
		queued += len(s.queue)
	}
	return map[string]any{
		"slots":          len(n.slots),
		"by_state":       byState,
		"queued_signals": queued,
	}
}
