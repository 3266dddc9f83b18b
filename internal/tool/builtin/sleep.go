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

package builtin

import (
	"context"
	"fmt"
	"time"

	"task-orchestrator/internal/pipeline"
)

// SleepTool 实现 time.sleep：等待指定时长，受 step 超时约束
type SleepTool struct{}

// NewSleepTool 创建 time.sleep 工具
func NewSleepTool() *SleepTool { return &SleepTool{} }

// Name 实现 tool.Tool
func (t *SleepTool) Name() string { return "time.sleep" }

// Description 实现 tool.Tool
func (t *SleepTool) Description() string {
	return "等待指定时长。duration 为 Go 时长字符串（如 500ms、2s）或秒数。"
}

// InputSchema 实现 tool.Tool
func (t *SleepTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"duration": map[string]any{},
		},
		"required": []any{"duration"},
	}
}

// OutputSchema 实现 tool.Tool
func (t *SleepTool) OutputSchema() map[string]any { return nil }

// Invoke 实现 tool.Tool
func (t *SleepTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	d, err := parseSleepDuration(args["duration"])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrPermanent, err)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return map[string]any{"slept": d.String()}, nil
	}
}

func parseSleepDuration(v any) (time.Duration, error) {
	var d time.Duration
	switch tv := v.(type) {
	case string:
		parsed, err := time.ParseDuration(tv)
		if err != nil {
			return 0, fmt.Errorf("duration %q 无法解析: %v", tv, err)
		}
		d = parsed
	case float64:
		d = time.Duration(tv * float64(time.Second))
	case int:
		d = time.Duration(tv) * time.Second
	default:
		return 0, fmt.Errorf("duration 需为字符串或秒数，收到 %T", v)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration 不能为负: %s", d)
	}
	return d, nil
}
