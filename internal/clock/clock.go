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

// Package clock provides wall-clock time and time-sortable identifiers.
// Both are injectable so that tests can drive deterministic histories.
package clock

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Clock supplies the current time. All core components read time through
// a Clock so that tests can control it.
type Clock interface {
	Now() time.Time
}

// IDs mints time-sortable identifiers for executions, workflow runs, and
// backfill plans.
type IDs interface {
	New() string
}

// System is the production clock backed by time.Now in UTC.
type System struct{}

// Now returns the current UTC time.
func (System) Now() time.Time { return time.Now().UTC() }

// ULID mints monotonic ULIDs. Identifiers sort lexicographically in
// creation order, which keeps execution listings in time order without a
// secondary sort column.
type ULID struct {
	mu      sync.Mutex
	clock   Clock
	entropy *ulid.MonotonicEntropy
}

// NewULID creates a ULID generator reading time from the given clock.
func NewULID(c Clock) *ULID {
	if c == nil {
		c = System{}
	}
	return &ULID{
		clock:   c,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// New returns a new ULID string.
func (g *ULID) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(g.clock.Now()), g.entropy).String()
}

// Fake is a controllable clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake creates a fake clock starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start.UTC()}
}

// Now returns the fake's current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set moves the fake clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t.UTC()
}
