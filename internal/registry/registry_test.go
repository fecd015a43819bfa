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

import "context"

// stubPipeline is a minimal Pipeline used by registry tests.
type stubPipeline struct {
	name string
}

func (s stubPipeline) Describe() PipelineSpec {
	return PipelineSpec{Name: s.name, Version: 1}
}

func (s stubPipeline) Run(ctx context.Context, req RunRequest) RunResult {
	return RunResult{Status: RunCompleted}
}
