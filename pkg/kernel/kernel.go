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

// Package kernel implements the global enforcement layer evaluated after a
// caller's own policy passes. It holds the transport invariant, sweeps all
// active kernel-tier policies, and supports an explicit MASTER-only
// break-glass bypass. Enforcement never allows on internal error.
package kernel

import (
	"fmt"
	"net/url"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentmesh/agentmesh/pkg/policy"
)

// DefaultPolicyID is seeded at construction. It grants MASTER everywhere, so
// out of the box the kernel layer acts purely as a deny-list.
const DefaultPolicyID = "kpol_default"

// Decision is the enforcement outcome. Denies name the kernel policy that
// refused, when one did.
type Decision struct {
	Allowed bool
	Reason  string
	Policy  string
}

// Actor identifies the caller being enforced.
type Actor struct {
	OwnerID      string
	KeyID        string
	PolicyID     string
	IP           string
	KernelBypass bool
}

// Enforcer evaluates kernel policies against side-effecting operations.
type Enforcer struct {
	logger  log.Logger
	engine  *policy.Engine
	metrics *metrics
}

type metrics struct {
	decisions *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentmesh_kernel_decisions_total",
			Help: "Kernel enforcement decisions by entry point and outcome.",
		}, []string{"check", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.decisions)
	}
	return m
}

// NewEnforcer seeds kpol_default if it does not already exist.
func NewEnforcer(logger log.Logger, engine *policy.Engine, reg prometheus.Registerer) *Enforcer {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	e := &Enforcer{
		logger:  logger,
		engine:  engine,
		metrics: newMetrics(reg),
	}
	if _, ok := engine.Get(DefaultPolicyID); !ok {
		if err := engine.Create(defaultKernelPolicy()); err != nil {
			level.Warn(logger).Log("msg", "seeding default kernel policy", "err", err)
		}
	}
	return e
}

func defaultKernelPolicy() *policy.Policy {
	perms := make([]policy.Permission, 0, len(policy.AllResourceTypes))
	for _, rt := range policy.AllResourceTypes {
		perms = append(perms, policy.Permission{ResourceType: rt, Level: policy.LevelMaster})
	}
	return &policy.Policy{
		ID:          DefaultPolicyID,
		Name:        "Kernel default",
		Description: "Grants everything; operational control is via explicit deny lists.",
		Permissions: perms,
		IsActive:    true,
	}
}

func (e *Enforcer) record(check string, d Decision) Decision {
	outcome := "allow"
	if !d.Allowed {
		outcome = "deny"
		level.Warn(e.logger).Log("msg", "kernel deny", "check", check, "reason", d.Reason, "policy", d.Policy)
	}
	e.metrics.decisions.WithLabelValues(check, outcome).Inc()
	return d
}

// checkTransport denies plaintext HTTP to anything but local hosts.
func checkTransport(endpoint string) Decision {
	u, err := url.Parse(endpoint)
	if err != nil {
		return Decision{Reason: fmt.Sprintf("unparseable endpoint %q", endpoint)}
	}
	if u.Scheme == "http" {
		switch u.Hostname() {
		case "localhost", "127.0.0.1", "0.0.0.0":
		default:
			return Decision{Reason: "Insecure transport: HTTPS required"}
		}
	}
	return Decision{Allowed: true}
}

// breakGlass reports whether the actor may bypass kernel policies entirely:
// the request must carry the bypass flag AND the actor's own policy must hold
// MASTER on the kernel system resource.
func (e *Enforcer) breakGlass(actor Actor) bool {
	if !actor.KernelBypass || actor.PolicyID == "" {
		return false
	}
	d := e.engine.CheckAccess(actor.PolicyID, policy.ResourceSystem, "kernel", policy.LevelMaster, policy.Context{IP: actor.IP})
	if d.Allowed {
		level.Warn(e.logger).Log("msg", "kernel break-glass used", "owner", actor.OwnerID, "policy", actor.PolicyID)
	}
	return d.Allowed
}

// sweep requires every active kernel policy to allow both the operator and
// the endpoint. A single deny wins. A panic inside evaluation is treated as
// a deny, never an allow.
func (e *Enforcer) sweep(operatorID, endpoint, method string, actor Actor) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			level.Error(e.logger).Log("msg", "kernel enforcement panicked", "panic", r)
			d = Decision{Reason: "kernel enforcement error"}
		}
	}()

	ctx := policy.Context{IP: actor.IP}
	for _, kp := range e.engine.KernelPolicies() {
		if operatorID != "" {
			if od := e.engine.CheckOperatorAccess(kp.ID, operatorID, ctx); !od.Allowed {
				return Decision{Reason: od.Reason, Policy: kp.ID}
			}
		}
		if endpoint != "" {
			if ed := e.engine.CheckEndpointAccess(kp.ID, endpoint, method, ctx); !ed.Allowed {
				return Decision{Reason: ed.Reason, Policy: kp.ID}
			}
		}
	}
	return Decision{Allowed: true}
}

// EnforceOperatorInvoke gates an operator invocation before any outbound I/O.
func (e *Enforcer) EnforceOperatorInvoke(operatorID, endpoint, method string, actor Actor) Decision {
	if e.breakGlass(actor) {
		return e.record("operator_invoke", Decision{Allowed: true, Reason: "break-glass"})
	}
	if td := checkTransport(endpoint); !td.Allowed {
		return e.record("operator_invoke", td)
	}
	return e.record("operator_invoke", e.sweep(operatorID, endpoint, method, actor))
}

// EnforceDiscoveryRegister gates registration of a discovered capability.
func (e *Enforcer) EnforceDiscoveryRegister(capabilityType, endpoint, method string, actor Actor) Decision {
	if e.breakGlass(actor) {
		return e.record("discovery_register", Decision{Allowed: true, Reason: "break-glass"})
	}
	if td := checkTransport(endpoint); !td.Allowed {
		return e.record("discovery_register", td)
	}
	_ = capabilityType
	return e.record("discovery_register", e.sweep("", endpoint, method, actor))
}

// EnforceMemoryStore gates writes into the memory store.
func (e *Enforcer) EnforceMemoryStore(memoryType string, actor Actor) Decision {
	if e.breakGlass(actor) {
		return e.record("memory_store", Decision{Allowed: true, Reason: "break-glass"})
	}
	_ = memoryType
	return e.record("memory_store", e.sweep("", "", "", actor))
}
