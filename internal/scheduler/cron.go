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

package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	spineerrors "github.com/marketspine/spine/pkg/errors"
)

// Cron is a parsed five-field cron expression:
// minute hour day-of-month month day-of-week.
type Cron struct {
	minutes  []int // 0-59
	hours    []int // 0-23
	days     []int // 1-31
	months   []int // 1-12
	weekdays []int // 0-6, 0 = Sunday
}

var monthNames = map[string]int{
	"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
	"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
}

var weekdayNames = map[string]int{
	"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
}

// ParseCron parses a cron expression. Supported sugar: @hourly, @daily,
// @weekly, @monthly, @yearly, and name tokens (MON-SUN, JAN-DEC).
func ParseCron(expr string) (*Cron, error) {
	switch strings.ToLower(strings.TrimSpace(expr)) {
	case "@hourly":
		expr = "0 * * * *"
	case "@daily", "@midnight":
		expr = "0 0 * * *"
	case "@weekly":
		expr = "0 0 * * 0"
	case "@monthly":
		expr = "0 0 1 * *"
	case "@yearly", "@annually":
		expr = "0 0 1 1 *"
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, spineerrors.Validation("expression",
			fmt.Sprintf("cron expression needs 5 fields, got %d", len(fields)))
	}

	c := &Cron{}
	specs := []struct {
		out   *[]int
		field string
		min   int
		max   int
		names map[string]int
		label string
	}{
		{&c.minutes, fields[0], 0, 59, nil, "minute"},
		{&c.hours, fields[1], 0, 23, nil, "hour"},
		{&c.days, fields[2], 1, 31, nil, "day-of-month"},
		{&c.months, fields[3], 1, 12, monthNames, "month"},
		{&c.weekdays, fields[4], 0, 6, weekdayNames, "day-of-week"},
	}
	for _, s := range specs {
		values, err := parseCronField(s.field, s.min, s.max, s.names)
		if err != nil {
			return nil, spineerrors.Validation("expression",
				fmt.Sprintf("invalid %s field: %v", s.label, err))
		}
		*s.out = values
	}
	return c, nil
}

func parseCronField(field string, min, max int, names map[string]int) ([]int, error) {
	if field == "*" {
		values := make([]int, max-min+1)
		for i := range values {
			values[i] = min + i
		}
		return values, nil
	}

	seen := make(map[int]bool)
	var values []int
	for _, part := range strings.Split(field, ",") {
		expanded, err := parseCronPart(part, min, max, names)
		if err != nil {
			return nil, err
		}
		for _, v := range expanded {
			if !seen[v] {
				seen[v] = true
				values = append(values, v)
			}
		}
	}
	return values, nil
}

// parseCronPart expands one comma-separated part: a value, a range, or
// either with a /step suffix.
func parseCronPart(part string, min, max int, names map[string]int) ([]int, error) {
	step := 1
	if idx := strings.IndexByte(part, '/'); idx >= 0 {
		n, err := strconv.Atoi(part[idx+1:])
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid step %q", part[idx+1:])
		}
		step = n
		part = part[:idx]
	}

	atoi := func(s string) (int, error) {
		if names != nil {
			if v, ok := names[strings.ToLower(s)]; ok {
				return v, nil
			}
		}
		return strconv.Atoi(s)
	}

	var start, end int
	switch {
	case part == "*":
		start, end = min, max
	case strings.ContainsRune(part, '-'):
		idx := strings.IndexByte(part, '-')
		var err error
		if start, err = atoi(part[:idx]); err != nil {
			return nil, fmt.Errorf("invalid range start %q", part[:idx])
		}
		if end, err = atoi(part[idx+1:]); err != nil {
			return nil, fmt.Errorf("invalid range end %q", part[idx+1:])
		}
	default:
		v, err := atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q", part)
		}
		start, end = v, v
	}

	if start < min || end > max || start > end {
		return nil, fmt.Errorf("range %d-%d outside [%d,%d]", start, end, min, max)
	}

	var values []int
	for v := start; v <= end; v += step {
		values = append(values, v)
	}
	return values, nil
}

// Next returns the first matching tick strictly after from, in from's
// location. The zero time means no match within the search horizon.
// DST gaps resolve the standard way: skipped wall times are passed over,
// repeated ones fire once.
func (c *Cron) Next(from time.Time) time.Time {
	t := from.Truncate(time.Minute).Add(time.Minute)
	horizon := from.AddDate(4, 0, 0)

	for t.Before(horizon) {
		if !intIn(c.months, int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !intIn(c.days, t.Day()) || !intIn(c.weekdays, int(t.Weekday())) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !intIn(c.hours, t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
			continue
		}
		if !intIn(c.minutes, t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}

func intIn(values []int, v int) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
