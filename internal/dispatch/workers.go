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

package dispatch

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marketspine/spine/internal/log"
	spineerrors "github.com/marketspine/spine/pkg/errors"
)

// workerPollInterval is how long an idle worker waits before polling its
// lane again.
const workerPollInterval = time.Second

// RunWorkers runs the per-lane worker pools until ctx ends. Each lane gets
// MaxConcurrency workers pulling pending executions oldest-first.
func (d *Dispatcher) RunWorkers(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for name, lane := range d.cfg.Dispatcher.Lanes {
		for i := 0; i < lane.MaxConcurrency; i++ {
			g.Go(func() error {
				d.workerLoop(ctx, name)
				return nil
			})
		}
	}
	return g.Wait()
}

func (d *Dispatcher) workerLoop(ctx context.Context, lane string) {
	for {
		exec, err := d.store.SelectOldestPending(ctx, lane)
		if err != nil {
			d.logger.Warn("worker poll failed", "lane", lane, log.Error(err))
		}
		if exec == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(workerPollInterval):
			}
			continue
		}

		if err := d.Run(ctx, exec.ID); err != nil {
			// Conflicts are the normal outcome of losing the claim race
			// or hitting a held concurrency lock.
			if !spineerrors.IsCategory(err, spineerrors.CategoryConflict) {
				d.logger.Error("worker run failed",
					"lane", lane, log.ExecutionIDKey, exec.ID, log.Error(err))
			}
			// Back off so a blocked head-of-line execution does not spin
			// the worker.
			select {
			case <-ctx.Done():
				return
			case <-time.After(workerPollInterval):
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}
