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
	"fmt"
	"time"

	"task-orchestrator/internal/duework"
	"task-orchestrator/internal/eventlog"
	"task-orchestrator/internal/schedule"
	"task-orchestrator/internal/task"
)

// CreateTask 校验并持久化新任务，计算初始 next_fire。
// 服务端字段（id/status/游标/统计）由这里统一裁决，请求体里的同名字段被忽略。
// 校验失败返回 *ValidationFailed，重名返回 task.ErrNameTaken。
func (s *Service) CreateTask(ctx context.Context, t *task.Task) error {
	now := s.clk.Now().UTC()

	t.ID = ""
	t.Status = ""
	t.Version = 0
	t.NextFire = nil
	t.LastFired = nil
	t.DeadStreak = 0
	// CreatedAt 同时是 rrule 的 DTSTART 锚点，校验与 tick 必须用同一个
	t.CreatedAt = now

	if errs := task.Validate(t, s.catalog, now); len(errs) > 0 {
		return &ValidationFailed{Errors: errs}
	}
	ev, err := schedule.Parse(t.Schedule, now)
	if err != nil {
		return fmt.Errorf("parse schedule: %w", err)
	}
	t.NextFire = initialNextFire(ev, now)

	if err := s.tasks.Create(ctx, t); err != nil {
		return err
	}
	s.publish(ctx, eventlog.TopicTaskCreated, map[string]any{
		"task_id": t.ID,
		"name":    t.Name,
	})
	s.logger.Info("任务已创建", "task_id", t.ID, "name", t.Name,
		"schedule_kind", string(t.Schedule.Kind))
	return nil
}

// ListTasks 按状态/agent 过滤的任务列表
func (s *Service) ListTasks(ctx context.Context, f task.ListFilter) ([]*task.Task, error) {
	return s.tasks.List(ctx, f)
}

// GetTask 读单个任务
func (s *Service) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return s.tasks.Get(ctx, id)
}

// RunNow 立即触发一次：入队最高优先级的 manual 项，绕过调度游标。
// 暂停与 snooze 中的任务允许手动触发；archived 返回 ErrTaskArchived
func (s *Service) RunNow(ctx context.Context, id string) (*duework.DueWork, error) {
	t, err := s.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == task.StatusArchived {
		return nil, ErrTaskArchived
	}
	w := &duework.DueWork{
		TaskID:      t.ID,
		TaskVersion: t.Version,
		FireTime:    s.clk.Now().UTC(),
		Priority:    duework.RunNowPriority,
		DedupeKey:   duework.ManualKey(),
		MaxAttempts: t.MaxAttempts,
		Trigger:     duework.TriggerManual,
	}
	if err := s.queue.Enqueue(ctx, w); err != nil {
		return nil, err
	}
	s.logger.Info("手动触发已入队", "task_id", t.ID, "due_work_id", w.ID)
	return w, nil
}

// Snooze 把待触发时刻推迟到 until：next_fire := max(next_fire, until)。
// 推迟的那次照常触发一次，之后调度回到原网格。
// 不会自行触发的调度（event/manual/已耗尽）返回 ErrNotSnoozable
func (s *Service) Snooze(ctx context.Context, id string, until time.Time) error {
	t, err := s.tasks.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status == task.StatusArchived {
		return ErrTaskArchived
	}
	if t.NextFire == nil {
		return ErrNotSnoozable
	}
	next := t.NextFire.UTC()
	if u := until.UTC(); u.After(next) {
		next = u
	}
	if err := s.tasks.SetNextFire(ctx, id, &next); err != nil {
		return err
	}
	s.publish(ctx, eventlog.TopicTaskSnoozed, map[string]any{
		"task_id": t.ID,
		"until":   next.Format(time.RFC3339),
	})
	s.logger.Info("任务已推迟", "task_id", t.ID, "next_fire", next)
	return nil
}

// Pause 冻结任务：next_fire 保留不动，调度不再选中；在途 run 不受影响
func (s *Service) Pause(ctx context.Context, id string) error {
	t, err := s.tasks.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status == task.StatusArchived {
		return ErrTaskArchived
	}
	if t.Status == task.StatusPaused {
		return ErrAlreadyPaused
	}
	if err := s.tasks.UpdateStatus(ctx, id, task.StatusPaused); err != nil {
		return err
	}
	s.publish(ctx, eventlog.TopicTaskPaused, map[string]any{"task_id": t.ID})
	s.logger.Info("任务已暂停", "task_id", t.ID)
	return nil
}

// Resume 恢复任务：从当前时刻重算 next_fire（不回填暂停期间的空窗），
// 清零熔断计数。只能对 paused 任务调用
func (s *Service) Resume(ctx context.Context, id string) error {
	t, err := s.tasks.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status == task.StatusArchived {
		return ErrTaskArchived
	}
	if t.Status != task.StatusPaused {
		return ErrNotPaused
	}
	ev, err := schedule.Parse(t.Schedule, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("parse schedule: %w", err)
	}
	next := resumeNextFire(ev, s.clk.Now().UTC())
	// 先写游标再翻状态，避免 tick 抢在重算前用旧游标点火
	if err := s.tasks.SetNextFire(ctx, id, next); err != nil {
		return err
	}
	if _, err := s.tasks.RecordDeadStreak(ctx, id, true); err != nil {
		s.logger.Warn("清零 dead streak 失败", "task_id", t.ID, "error", err)
	}
	if err := s.tasks.UpdateStatus(ctx, id, task.StatusActive); err != nil {
		return err
	}
	s.publish(ctx, eventlog.TopicTaskResumed, map[string]any{"task_id": t.ID})
	s.logger.Info("任务已恢复", "task_id", t.ID, "next_fire", next)
	return nil
}

// Archive 终结任务；幂等。遗留的 due_work 项由 worker 的回收循环标记 dead
func (s *Service) Archive(ctx context.Context, id string) error {
	t, err := s.tasks.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status == task.StatusArchived {
		return nil
	}
	if err := s.tasks.UpdateStatus(ctx, id, task.StatusArchived); err != nil {
		return err
	}
	s.publish(ctx, eventlog.TopicTaskArchived, map[string]any{
		"task_id": t.ID,
		"reason":  "admin",
	})
	s.logger.Info("任务已归档", "task_id", t.ID)
	return nil
}
