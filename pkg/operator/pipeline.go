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
	"context"
	"time"

	"github.com/agentmesh/agentmesh/pkg/kernel"
)

// Pipeline chains operators: the outputs of each step become the inputs of
// the next.
type Pipeline struct {
	Name      string
	Operators []string
	registry  *Registry
}

// NewPipeline builds a pipeline over the given registry.
func NewPipeline(registry *Registry, name string, operatorIDs ...string) *Pipeline {
	return &Pipeline{Name: name, Operators: operatorIDs, registry: registry}
}

// PipelineResult reports how far the chain got. FailedAtStep is the
// zero-based index of the failing operator, -1 on success.
type PipelineResult struct {
	Success      bool           `json:"success"`
	FailedAtStep int            `json:"failed_at_step"`
	Error        string         `json:"error,omitempty"`
	FinalOutput  map[string]any `json:"final_output,omitempty"`
	Results      []*Invocation  `json:"results"`
}

// Execute runs the chain, stopping at the first failure.
func (p *Pipeline) Execute(ctx context.Context, inputs map[string]any, timeout time.Duration, actor kernel.Actor) *PipelineResult {
	result := &PipelineResult{FailedAtStep: -1}
	current := inputs
	for i, id := range p.Operators {
		inv := p.registry.Invoke(ctx, id, current, timeout, actor)
		result.Results = append(result.Results, inv)
		if !inv.Success {
			result.FailedAtStep = i
			result.Error = inv.Error
			return result
		}
		current = inv.Outputs
	}
	result.Success = true
	result.FinalOutput = current
	return result
}
