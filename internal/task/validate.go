// Copyright 2026 fanjia1024
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

package task

import (
	"errors"
	"fmt"
	"time"

	"task-orchestrator/internal/pipeline"
	"task-orchestrator/internal/schedule"
)

const (
	maxNameLen       = 200
	maxPriority      = 1000
	minPriority      = -1000
	maxQueueAttempts = 10
	maxCircuit       = 1000
)

// Validate 创建期整体校验：任务字段 + 调度解析 + pipeline 结构。
// anchor 作为 rrule 的默认 DTSTART（创建路径传 CreatedAt）。
// 返回按字段定位的错误列表，空表示通过。
func Validate(t *Task, catalog pipeline.Catalog, anchor time.Time) []pipeline.ValidationError {
	var errs []pipeline.ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, pipeline.ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)})
	}

	if n := len(t.Name); n == 0 || n > maxNameLen {
		add("name", "must be 1..%d chars", maxNameLen)
	}

	if _, err := schedule.Parse(t.Schedule, anchor); err != nil {
		var pe *schedule.ParseError
		if errors.As(err, &pe) {
			add("schedule."+pe.Field, "%s", pe.Reason)
		} else {
			add("schedule", "%v", err)
		}
	}

	switch t.CatchupPolicy {
	case "", CatchupFireAllMissed, CatchupFireLatestOnly, CatchupSkipAll:
	default:
		add("catchup_policy", "unknown policy %q", t.CatchupPolicy)
	}

	if t.Priority < minPriority || t.Priority > maxPriority {
		add("priority", "must be in [%d, %d]", minPriority, maxPriority)
	}

	// 0 表示使用进程配置默认
	if t.MaxAttempts < 0 || t.MaxAttempts > maxQueueAttempts {
		add("max_attempts", "must be in [1, %d]", maxQueueAttempts)
	}

	validateBackoff(t.Backoff, add)

	if t.Circuit != nil {
		if t.Circuit.Threshold < 0 || t.Circuit.Threshold > maxCircuit {
			add("circuit.threshold", "must be in [0, %d]", maxCircuit)
		}
	}

	errs = append(errs, pipeline.ValidateSpec(&t.Pipeline, catalog)...)
	return errs
}

func validateBackoff(b *BackoffSpec, add func(field, format string, args ...any)) {
	if b == nil {
		return
	}
	var base, max time.Duration
	if b.BaseDelay != "" {
		d, err := time.ParseDuration(b.BaseDelay)
		if err != nil || d <= 0 {
			add("backoff.base_delay", "must be a positive duration")
		} else {
			base = d
		}
	}
	if b.MaxDelay != "" {
		d, err := time.ParseDuration(b.MaxDelay)
		if err != nil || d <= 0 {
			add("backoff.max_delay", "must be a positive duration")
		} else {
			max = d
		}
	}
	if base > 0 && max > 0 && base > max {
		add("backoff.base_delay", "must not exceed max_delay")
	}
	if b.Jitter != nil && (*b.Jitter < 0 || *b.Jitter > 1) {
		add("backoff.jitter", "must be in [0, 1]")
	}
}
