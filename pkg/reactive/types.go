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

// Package reactive implements the slot network: a bounded graph of stateful
// micro-agents that process signals through pattern-triggered bindings on a
// cooperative scheduler.
package reactive

import (
	"time"

	"github.com/google/uuid"
)

// State is the slot lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateExecuting  State = "executing"
	StateWaiting    State = "waiting"
	StateError      State = "error"
	StateStopped    State = "stopped"
)

// Signal is a payload routed between slots with a TTL hop budget. An empty
// TargetSlot means broadcast to the source's neighbors.
type Signal struct {
	ID         string         `json:"signal_id"`
	Type       string         `json:"signal_type"`
	SourceSlot string         `json:"source_slot,omitempty"`
	TargetSlot string         `json:"target_slot,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	TTL        int            `json:"ttl"`
	Path       []string       `json:"path,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// NewSignal fills in id, default TTL and timestamp.
func NewSignal(signalType string, payload map[string]any) *Signal {
	return &Signal{
		ID:        "sig_" + uuid.NewString(),
		Type:      signalType,
		Payload:   payload,
		TTL:       5,
		CreatedAt: time.Now(),
	}
}

// clone copies the signal for one broadcast edge.
func (s *Signal) clone() *Signal {
	cp := *s
	cp.Payload = s.Payload
	cp.Path = append([]string(nil), s.Path...)
	return &cp
}

// ActionType selects what a binding does when triggered.
type ActionType string

const (
	ActionInvokeOperator ActionType = "invoke_operator"
	ActionForward        ActionType = "forward"
	ActionTransform      ActionType = "transform"
)

// Trigger is the pattern a binding matches signals against. SignalTypes is
// one or more accepted types; PayloadContains requires key equality.
type Trigger struct {
	SignalTypes     []string       `json:"signal_types,omitempty"`
	PayloadContains map[string]any `json:"payload_contains,omitempty"`
}

// Matches applies the trigger to a signal.
func (t Trigger) Matches(sig *Signal) bool {
	if len(t.SignalTypes) > 0 {
		ok := false
		for _, st := range t.SignalTypes {
			if st == sig.Type || st == "*" {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for k, want := range t.PayloadContains {
		got, ok := sig.Payload[k]
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Binding is a (trigger -> action) rule on a slot, evaluated in declaration
// order. Debounce is stored but not enforced; throttle and max invocations
// are.
type Binding struct {
	ID             string         `json:"binding_id"`
	SlotID         string         `json:"slot_id"`
	Trigger        Trigger        `json:"trigger"`
	Action         ActionType     `json:"action"`
	ActionConfig   map[string]any `json:"action_config,omitempty"`
	DebounceMS     int            `json:"debounce_ms,omitempty"`
	ThrottleMS     int            `json:"throttle_ms,omitempty"`
	MaxInvocations int            `json:"max_invocations,omitempty"`

	invocationCount int
	lastInvoked     time.Time
}

// canInvoke applies the rate controls.
func (b *Binding) canInvoke(now time.Time) bool {
	if b.MaxInvocations > 0 && b.invocationCount >= b.MaxInvocations {
		return false
	}
	if b.ThrottleMS > 0 && !b.lastInvoked.IsZero() &&
		now.Sub(b.lastInvoked) < time.Duration(b.ThrottleMS)*time.Millisecond {
		return false
	}
	return true
}

// Slot is one micro-agent: a state machine with a FIFO signal queue,
// symmetric connections and ordered bindings.
type Slot struct {
	ID          string         `json:"slot_id"`
	Type        string         `json:"slot_type"`
	State       State          `json:"state"`
	OperatorIDs []string       `json:"operator_ids,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	ErrorCount  int            `json:"error_count"`
	CreatedAt   time.Time      `json:"created_at"`

	connections  map[string]struct{}
	queue        []*Signal
	bindings     []*Binding
	lastActivity time.Time
}

// Connections lists neighbor slot ids.
func (s *Slot) Connections() []string {
	out := make([]string, 0, len(s.connections))
	for id := range s.connections {
		out = append(out, id)
	}
	return out
}

// QueueLen reports pending signals.
func (s *Slot) QueueLen() int { return len(s.queue) }
