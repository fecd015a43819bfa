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

package clock

import (
	"sort"
	"testing"
	"time"
)

func TestULIDSortsByTime(t *testing.T) {
	fake := NewFake(time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC))
	gen := NewULID(fake)

	var ids []string
	for i := 0; i < 10; i++ {
		ids = append(ids, gen.New())
		fake.Advance(time.Second)
	}

	if !sort.StringsAreSorted(ids) {
		t.Errorf("ULIDs minted at increasing times should sort lexicographically: %v", ids)
	}
}

func TestULIDMonotonicWithinMillisecond(t *testing.T) {
	fake := NewFake(time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC))
	gen := NewULID(fake)

	a := gen.New()
	b := gen.New()
	if a >= b {
		t.Errorf("ids minted at the same instant must still be ordered: %s >= %s", a, b)
	}
}

func TestFakeAdvance(t *testing.T) {
	start := time.Date(2025, 12, 26, 8, 0, 0, 0, time.UTC)
	fake := NewFake(start)
	fake.Advance(90 * time.Minute)

	want := start.Add(90 * time.Minute)
	if !fake.Now().Equal(want) {
		t.Errorf("Now() = %v, want %v", fake.Now(), want)
	}
}
