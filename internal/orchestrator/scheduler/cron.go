// Copyright 2025 Tom Barlow
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
)

// CronExpr represents a parsed cron expression, either the standard
// 5-field form (minute granularity) or the 6-field Quartz-style form
// with a leading seconds field (second granularity).
type CronExpr struct {
	hasSeconds bool
	second     []int // 0-59
	minute     []int // 0-59
	hour       []int // 0-23
	dayOfMonth []int // 1-31
	month      []int // 1-12
	dayOfWeek  []int // 0-6 (0 = Sunday)
}

// ParseCron parses a cron expression, accepting both the standard
// 5-field form and the 6-field Quartz-style form with a leading
// seconds field. A trailing "?" is accepted as a day-of-month or
// day-of-week wildcard, the Quartz convention for "no specific value".
// Format: [seconds] minute hour day-of-month month day-of-week
// Examples:
//   - "0 * * * *" - every hour at minute 0
//   - "*/15 * * * *" - every 15 minutes
//   - "0 9 * * 1-5" - 9 AM on weekdays
//   - "0 0 1 * *" - midnight on the first of each month
//   - "*/5 * * * * ?" - every 5 seconds
//   - "0/1 * * * * ?" - every second
func ParseCron(expr string) (*CronExpr, error) {
	switch strings.ToLower(expr) {
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

	var secondField, minuteField, hourField, domField, monthField, dowField string
	c := &CronExpr{}
	switch len(fields) {
	case 5:
		minuteField, hourField, domField, monthField, dowField = fields[0], fields[1], fields[2], fields[3], fields[4]
	case 6:
		c.hasSeconds = true
		secondField, minuteField, hourField, domField, monthField, dowField = fields[0], fields[1], fields[2], fields[3], fields[4], fields[5]
	default:
		return nil, fmt.Errorf("expected 5 or 6 fields, got %d", len(fields))
	}

	// "?" is a Quartz-style synonym for "*" on day-of-month/day-of-week.
	if domField == "?" {
		domField = "*"
	}
	if dowField == "?" {
		dowField = "*"
	}

	var err error

	if c.hasSeconds {
		c.second, err = parseField(secondField, 0, 59)
		if err != nil {
			return nil, fmt.Errorf("invalid second field: %w", err)
		}
	}

	c.minute, err = parseField(minuteField, 0, 59)
	if err != nil {
		return nil, fmt.Errorf("invalid minute field: %w", err)
	}

	c.hour, err = parseField(hourField, 0, 23)
	if err != nil {
		return nil, fmt.Errorf("invalid hour field: %w", err)
	}

	c.dayOfMonth, err = parseField(domField, 1, 31)
	if err != nil {
		return nil, fmt.Errorf("invalid day-of-month field: %w", err)
	}

	c.month, err = parseField(monthField, 1, 12)
	if err != nil {
		return nil, fmt.Errorf("invalid month field: %w", err)
	}

	c.dayOfWeek, err = parseField(dowField, 0, 6)
	if err != nil {
		return nil, fmt.Errorf("invalid day-of-week field: %w", err)
	}

	return c, nil
}

func parseField(field string, min, max int) ([]int, error) {
	if field == "*" {
		result := make([]int, max-min+1)
		for i := range result {
			result[i] = min + i
		}
		return result, nil
	}

	var result []int
	for _, part := range strings.Split(field, ",") {
		values, err := parseFieldPart(part, min, max)
		if err != nil {
			return nil, err
		}
		result = append(result, values...)
	}

	return unique(result), nil
}

func parseFieldPart(part string, min, max int) ([]int, error) {
	step := 1
	hasStep := false
	if idx := strings.Index(part, "/"); idx != -1 {
		hasStep = true
		stepStr := part[idx+1:]
		var err error
		step, err = strconv.Atoi(stepStr)
		if err != nil || step <= 0 {
			return nil, fmt.Errorf("invalid step: %s", stepStr)
		}
		part = part[:idx]
	}

	var start, end int
	if part == "*" {
		start = min
		end = max
	} else if idx := strings.Index(part, "-"); idx != -1 {
		var err error
		start, err = strconv.Atoi(part[:idx])
		if err != nil {
			return nil, fmt.Errorf("invalid range start: %s", part[:idx])
		}
		end, err = strconv.Atoi(part[idx+1:])
		if err != nil {
			return nil, fmt.Errorf("invalid range end: %s", part[idx+1:])
		}
	} else {
		var err error
		start, err = strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid value: %s", part)
		}
		end = start
		if hasStep {
			// "N/step" runs from N to the field's maximum.
			end = max
		}
	}

	if start < min || start > max {
		return nil, fmt.Errorf("value %d out of range [%d-%d]", start, min, max)
	}
	if end < min || end > max {
		return nil, fmt.Errorf("value %d out of range [%d-%d]", end, min, max)
	}
	if start > end {
		return nil, fmt.Errorf("invalid range: %d > %d", start, end)
	}

	var result []int
	for i := start; i <= end; i += step {
		result = append(result, i)
	}
	return result, nil
}

// Next returns the next time matching the expression after from, at
// second granularity for a 6-field expression and minute granularity
// (seconds always 0) for a 5-field one.
func (c *CronExpr) Next(from time.Time) time.Time {
	var t time.Time
	if c.hasSeconds {
		t = from.Truncate(time.Second).Add(time.Second)
	} else {
		t = from.Truncate(time.Minute).Add(time.Minute)
	}
	maxTime := from.Add(4 * 365 * 24 * time.Hour)

	for t.Before(maxTime) {
		if !contains(c.month, int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
			continue
		}

		dayOfMonthMatch := contains(c.dayOfMonth, t.Day())
		dayOfWeekMatch := contains(c.dayOfWeek, int(t.Weekday()))
		if !(dayOfMonthMatch && dayOfWeekMatch) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
			continue
		}

		if !contains(c.hour, t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
			continue
		}

		if !contains(c.minute, t.Minute()) {
			if c.hasSeconds {
				t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute()+1, 0, 0, t.Location())
			} else {
				t = t.Add(time.Minute)
			}
			continue
		}

		if c.hasSeconds && !contains(c.second, t.Second()) {
			t = t.Add(time.Second)
			continue
		}

		return t
	}

	return time.Time{}
}

func contains(slice []int, val int) bool {
	for _, v := range slice {
		if v == val {
			return true
		}
	}
	return false
}

func unique(slice []int) []int {
	seen := make(map[int]bool)
	var result []int
	for _, v := range slice {
		if !seen[v] {
			seen[v] = true
			result = append(result, v)
		}
	}
	return result
}
