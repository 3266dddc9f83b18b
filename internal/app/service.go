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

// Package app 管理面服务层：任务生命周期、运行历史与事件发布的完整语义。
// HTTP 层只做参数绑定与状态码映射；worker 的事件消费循环复用这里的入队语义。
package app

import (
	"context"
	"strings"
	"time"

	"task-orchestrator/internal/duework"
	"task-orchestrator/internal/eventlog"
	"task-orchestrator/internal/pipeline"
	"task-orchestrator/internal/run"
	"task-orchestrator/internal/schedule"
	"task-orchestrator/internal/task"
	"task-orchestrator/pkg/clock"
	"task-orchestrator/pkg/errors"
	"task-orchestrator/pkg/log"
)

// 管理操作的冲突类错误；API 层统一渲染 409
var (
	ErrTaskArchived  = errors.Wrap(errors.ErrConflict, "task is archived")
	ErrNotSnoozable  = errors.Wrap(errors.ErrConflict, "schedule does not self-fire")
	ErrAlreadyPaused = errors.Wrap(errors.ErrConflict, "task is already paused")
	ErrNotPaused     = errors.Wrap(errors.ErrConflict, "task is not paused")
)

// ValidationFailed 创建期校验失败；API 层渲染 422 与字段错误列表
type ValidationFailed struct {
	Errors []pipeline.ValidationError `json:"errors"`
}

func (e *ValidationFailed) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.Error()
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// Service 管理面门面。并发安全，三个进程可各持一个实例
type Service struct {
	tasks   task.Store
	queue   duework.Store
	runs    run.Store
	catalog pipeline.Catalog
	pub     *eventlog.Publisher
	clk     clock.Clock
	logger  *log.Logger
}

// Options 依赖注入；Catalog 为 nil 时跳过工具存在性与 schema 预校验，
// Publisher 为 nil 时不发生命周期事件
type Options struct {
	Tasks     task.Store
	Queue     duework.Store
	Runs      run.Store
	Catalog   pipeline.Catalog
	Publisher *eventlog.Publisher
	Clock     clock.Clock
	Logger    *log.Logger
}

// NewService 创建服务层
func NewService(opts Options) *Service {
	clk := opts.Clock
	if clk == nil {
		clk = clock.NewReal()
	}
	logger := opts.Logger
	if logger == nil {
		logger, _ = log.NewLogger(nil)
	}
	return &Service{
		tasks:   opts.Tasks,
		queue:   opts.Queue,
		runs:    opts.Runs,
		catalog: opts.Catalog,
		pub:     opts.Publisher,
		clk:     clk,
		logger:  logger.Named("app"),
	}
}

// QueueStats 按状态统计 due-work 队列，供运维端点与 CLI 使用
func (s *Service) QueueStats(ctx context.Context) (map[string]int, error) {
	return s.queue.CountByStatus(ctx)
}

func (s *Service) publish(ctx context.Context, topic string, payload map[string]any) {
	if s.pub == nil {
		return
	}
	if _, err := s.pub.Publish(ctx, eventlog.Event{Topic: topic, Payload: payload}); err != nil {
		s.logger.Warn("事件发布失败", "topic", topic, "error", err)
	}
}

// initialNextFire 创建时的初始游标。once 取其时刻本身（过去的时刻由第一个
// tick 补发一次后归档），event/manual 不自行触发
func initialNextFire(ev *schedule.Evaluator, now time.Time) *time.Time {
	if at, ok := ev.At(); ok {
		return &at
	}
	if n, ok := ev.NextAfter(now); ok {
		return &n
	}
	return nil
}

// resumeNextFire 恢复时从当前时刻重算，绝不回填暂停期间错过的触发
func resumeNextFire(ev *schedule.Evaluator, now time.Time) *time.Time {
	if n, ok := ev.NextAfter(now); ok {
		return &n
	}
	return nil
}
