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

	"task-orchestrator/internal/eventlog"
	"task-orchestrator/internal/pipeline"
)

// PublishTool 实现 event.publish：从 pipeline 内部向事件日志发布事件，
// 可用于级联触发其他事件型任务
type PublishTool struct {
	publisher *eventlog.Publisher
}

// NewPublishTool 创建 event.publish 工具
func NewPublishTool(p *eventlog.Publisher) *PublishTool {
	return &PublishTool{publisher: p}
}

// Name 实现 tool.Tool
func (t *PublishTool) Name() string { return "event.publish" }

// Description 实现 tool.Tool
func (t *PublishTool) Description() string {
	return "向事件日志发布事件。传入 topic，可选 payload。"
}

// InputSchema 实现 tool.Tool
func (t *PublishTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"topic":   map[string]any{"type": "string"},
			"payload": map[string]any{"type": "object"},
		},
		"required": []any{"topic"},
	}
}

// OutputSchema 实现 tool.Tool
func (t *PublishTool) OutputSchema() map[string]any { return nil }

// Invoke 实现 tool.Tool
func (t *PublishTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	topic, _ := args["topic"].(string)
	if !eventlog.ValidTopic(topic) {
		return nil, fmt.Errorf("%w: topic %q 不合法", pipeline.ErrPermanent, topic)
	}
	payload, _ := args["payload"].(map[string]any)

	// 发布失败按可重试处理（broker 抖动居多），由默认分类兜底
	id, err := t.publisher.Publish(ctx, eventlog.Event{Topic: topic, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("publish event: %w", err)
	}
	return map[string]any{"event_id": id, "topic": topic}, nil
}
