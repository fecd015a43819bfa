// Copyright 2025 Market Spine Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package registry

import (
	"sort"
	"strings"
	"sync"

	spineerrors "github.com/marketspine/spine/pkg/errors"
)

// Registry maps pipeline names to specs and factories. Registration
// happens at startup; the mapping is stable for the process lifetime.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	specs     map[string]PipelineSpec
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		specs:     make(map[string]PipelineSpec),
	}
}

// Register adds a pipeline. Duplicate names are a conflict.
func (r *Registry) Register(factory Factory) error {
	spec := factory().Describe()
	if spec.Name == "" {
		return spineerrors.Validation("pipeline.name", "must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[spec.Name]; exists {
		return spineerrors.Conflict("pipeline already registered: " + spec.Name)
	}
	r.factories[spec.Name] = factory
	r.specs[spec.Name] = spec
	return nil
}

// MustRegister registers a pipeline, panicking on error. Intended for
// startup wiring where a duplicate is a programming mistake.
func (r *Registry) MustRegister(factory Factory) {
	if err := r.Register(factory); err != nil {
		panic(err)
	}
}

// Get returns the spec for an exact pipeline name.
func (r *Registry) Get(name string) (PipelineSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[name]
	if !ok {
		return PipelineSpec{}, spineerrors.NotFound("pipeline", name)
	}
	return spec, nil
}

// Build constructs a pipeline instance by name.
func (r *Registry) Build(name string) (Pipeline, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[name]
	if !ok {
		return nil, spineerrors.NotFound("pipeline", name)
	}
	return factory(), nil
}

// List returns specs whose name starts with prefix, sorted by name. An
// empty prefix lists everything.
func (r *Registry) List(prefix string) []PipelineSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PipelineSpec, 0, len(r.specs))
	for name, spec := range r.specs {
		if prefix == "" || strings.HasPrefix(name, prefix) {
			out = append(out, spec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
