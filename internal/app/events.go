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

package app

import (
	"context"
	stderrors "errors"
	"fmt"

	"task-orchestrator/internal/duework"
	"task-orchestrator/internal/eventlog"
	"task-orchestrator/internal/schedule"
	"task-orchestrator/internal/task"
	"task-orchestrator/pkg/errors"
)

// eventFirePage 事件扇出时分页扫活跃任务的页大小
const eventFirePage = 256

// PublishEvent 发布 agent 事件：先写事件日志，再为所有监听该 topic 的活跃
// event 任务入队触发项。返回事件 id 与入队数。
// 入队键带事件 id，事件日志重投时扇出天然幂等
func (s *Service) PublishEvent(ctx context.Context, topic string, payload map[string]any) (string, int, error) {
	if !eventlog.ValidTopic(topic) {
		return "", 0, errors.Wrapf(errors.ErrInvalidArg, "invalid topic %q", topic)
	}
	if s.pub == nil {
		return "", 0, fmt.Errorf("event log is not configured")
	}
	id, err := s.pub.Publish(ctx, eventlog.Event{Topic: topic, Payload: payload})
	if err != nil {
		return "", 0, fmt.Errorf("publish event: %w", err)
	}
	fired, err := s.EnqueueEventFires(ctx, topic, id, payload)
	if err != nil {
		// 事件已落日志；没扇出完的部分由 worker 的消费循环补
		s.logger.Error("事件扇出未完成", "topic", topic, "event_id", id, "error", err)
	}
	s.logger.Info("事件已发布", "topic", topic, "event_id", id, "fired", fired)
	return id, fired, nil
}

// EnqueueEventFires 为监听 topic 的活跃 event 任务登记触发项。
// API 的同步发布路径与 worker 的事件消费循环共用；去重键保证两边撞车无害
func (s *Service) EnqueueEventFires(ctx context.Context, topic, eventID string, payload map[string]any) (int, error) {
	now := s.clk.Now().UTC()
	fired := 0
	for offset := 0; ; offset += eventFirePage {
		page, err := s.tasks.List(ctx, task.ListFilter{
			Status: task.StatusActive,
			Limit:  eventFirePage,
			Offset: offset,
		})
		if err != nil {
			return fired, fmt.Errorf("list active tasks: %w", err)
		}
		for _, t := range page {
			if t.Schedule.Kind != schedule.KindEvent || t.Schedule.Expr != topic {
				continue
			}
			w := &duework.DueWork{
				TaskID:      t.ID,
				TaskVersion: t.Version,
				FireTime:    now,
				Priority:    t.Priority,
				DedupeKey:   duework.EventKey(t.ID, topic, eventID),
				MaxAttempts: t.MaxAttempts,
				Trigger:     duework.TriggerEvent,
				Payload:     payload,
			}
			err := s.queue.Enqueue(ctx, w)
			if stderrors.Is(err, duework.ErrDuplicate) {
				continue
			}
			if err != nil {
				s.logger.Error("事件触发入队失败", "task_id", t.ID, "topic", topic, "error", err)
				continue
			}
			fired++
		}
		if len(page) < eventFirePage {
			return fired, nil
		}
	}
}
