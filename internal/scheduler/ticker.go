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

// Package scheduler 实现 tick 循环：把到期任务的调度游标翻译成 due-work 行。
// 多实例部署用 LeaderStore 单活；即使出现双主，游标条件推进 + 入队去重键
// 也保证每个触发时刻至多入队一次。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"task-orchestrator/internal/duework"
	"task-orchestrator/internal/eventlog"
	"task-orchestrator/internal/schedule"
	"task-orchestrator/internal/task"
	"task-orchestrator/pkg/clock"
	"task-orchestrator/pkg/log"
	"task-orchestrator/pkg/metrics"
	"task-orchestrator/pkg/tracing"
)

const (
	// DefaultTickInterval 默认 tick 间隔
	DefaultTickInterval = time.Second
	// DefaultBatchLimit 单 tick 处理的到期任务上限
	DefaultBatchLimit = 512
	// DefaultCatchupCap fire_all_missed 单任务单 tick 的补发上限
	DefaultCatchupCap = 64
	// maxCursorWalk 单任务单 tick 游标步进的安全上限。长停机后的秒级 cron
	// 可能产生数百万个错过时刻，超限的部分留到后续 tick 继续推进。
	maxCursorWalk = 8192
)

// Config 调度循环配置；零值字段取默认
type Config struct {
	TickInterval time.Duration
	BatchLimit   int
	CatchupCap   int
	// LeaderTTL leader 租约时长，零值取 3 倍 tick
	LeaderTTL time.Duration
	// Owner 本实例标识，空则 hostname+随机后缀
	Owner string
}

// Scheduler tick 循环本体。TickOnce 暴露给测试直接驱动。
type Scheduler struct {
	tasks     task.Store
	queue     duework.Store
	leader    LeaderStore
	publisher *eventlog.Publisher
	clk       clock.Clock
	logger    *log.Logger
	cfg       Config

	leading bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Options 依赖注入；Publisher 可为 nil（不发生命周期事件）
type Options struct {
	Tasks     task.Store
	Queue     duework.Store
	Leader    LeaderStore
	Publisher *eventlog.Publisher
	Clock     clock.Clock
	Logger    *log.Logger
	Config    Config
}

// New 创建 Scheduler
func New(opts Options) *Scheduler {
	cfg := opts.Config
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = DefaultBatchLimit
	}
	if cfg.CatchupCap <= 0 {
		cfg.CatchupCap = DefaultCatchupCap
	}
	if cfg.LeaderTTL <= 0 {
		cfg.LeaderTTL = 3 * cfg.TickInterval
	}
	if cfg.Owner == "" {
		host, _ := os.Hostname()
		cfg.Owner = fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
	}
	s := &Scheduler{
		tasks:     opts.Tasks,
		queue:     opts.Queue,
		leader:    opts.Leader,
		publisher: opts.Publisher,
		clk:       opts.Clock,
		logger:    opts.Logger,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
	}
	if s.leader == nil {
		s.leader = NewMemoryLeaderStore()
	}
	if s.clk == nil {
		s.clk = clock.NewReal()
	}
	if s.logger == nil {
		s.logger, _ = log.NewLogger(nil)
	}
	s.logger = s.logger.Named("scheduler")
	return s
}

// Start 启动 tick 循环；间隔带 ±10% 抖动避免多实例同相
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			timer := time.NewTimer(jitter(s.cfg.TickInterval))
			select {
			case <-s.stopCh:
				timer.Stop()
				return
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				if err := s.TickOnce(ctx, s.clk.Now().UTC()); err != nil {
					s.logger.Error("tick 失败", "error", err)
				}
			}
		}
	}()
}

// Stop 停止循环并等待当前 tick 结束
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// TickOnce 执行单次 tick：续租 → 选到期任务 → 逐个点火 → 回收过期租约
func (s *Scheduler) TickOnce(ctx context.Context, now time.Time) error {
	ctx, span := tracing.StartTickSpan(ctx)
	defer span.End()
	start := time.Now()
	defer func() {
		metrics.TickDuration.Observe(time.Since(start).Seconds())
	}()

	ok, err := s.leader.TryAcquireLeader(ctx, s.cfg.Owner, s.cfg.LeaderTTL, now)
	if err != nil {
		return fmt.Errorf("acquire leader: %w", err)
	}
	if !ok {
		if s.leading {
			s.logger.Warn("失去 leader，转入 standby", "owner", s.cfg.Owner)
			s.leading = false
		}
		return nil
	}
	if !s.leading {
		s.logger.Info("取得 leader", "owner", s.cfg.Owner)
		s.leading = true
	}

	due, err := s.tasks.SelectDue(ctx, now, s.cfg.BatchLimit)
	if err != nil {
		return fmt.Errorf("select due tasks: %w", err)
	}
	for _, t := range due {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err := s.fireTask(ctx, t, now); err != nil {
			s.logger.Error("任务点火失败", "task_id", t.ID, "error", err)
		}
	}

	reclaimed, err := s.queue.ReclaimExpired(ctx, now, s.cfg.BatchLimit)
	if err != nil {
		s.logger.Error("回收过期租约失败", "error", err)
	} else if reclaimed > 0 {
		metrics.LeaseReclaimsTotal.Add(float64(reclaimed))
		s.logger.Info("回收过期租约", "count", reclaimed)
	}

	if counts, err := s.queue.CountByStatus(ctx); err == nil {
		metrics.DueBacklog.Set(float64(counts[string(duework.StatusPending)]))
	}
	return nil
}

// fireTask 按 catchup 策略走一个任务的游标：先入队后推进，崩溃重放
// 只会撞上 ErrDuplicate
func (s *Scheduler) fireTask(ctx context.Context, t *task.Task, now time.Time) error {
	if t.NextFire == nil {
		return nil
	}
	ev, err := schedule.Parse(t.Schedule, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("parse schedule: %w", err)
	}

	oldNextFire := *t.NextFire
	cursor := oldNextFire
	var fires []time.Time
	exhausted := false
	for !cursor.After(now) {
		fires = append(fires, cursor)
		next, ok := ev.NextAfter(cursor)
		if !ok {
			exhausted = true
			break
		}
		cursor = next
		if len(fires) >= s.walkLimit(t.CatchupPolicy) {
			break
		}
	}
	if len(fires) == 0 {
		return nil
	}
	// caughtUp 为假表示本 tick 没走完积压（被 cap 截断），游标停在下一个
	// 待补时刻，下个 tick 继续
	caughtUp := exhausted || cursor.After(now)

	var lastFired time.Time
	switch t.CatchupPolicy {
	case task.CatchupSkipAll:
		// 错过的全部丢弃，游标直接跳到未来
	case task.CatchupFireAllMissed:
		for i, fire := range fires {
			trigger := duework.TriggerCatchup
			if caughtUp && i == len(fires)-1 {
				trigger = duework.TriggerSchedule
			}
			if err := s.enqueueFire(ctx, t, fire, trigger); err != nil {
				return err
			}
		}
		lastFired = fires[len(fires)-1]
	default: // fire_latest_only
		latest := fires[len(fires)-1]
		if err := s.enqueueFire(ctx, t, latest, duework.TriggerSchedule); err != nil {
			return err
		}
		lastFired = latest
	}

	var nextFire *time.Time
	if !exhausted {
		nf := cursor
		nextFire = &nf
	}
	moved, err := s.tasks.AdvanceCursor(ctx, t.ID, oldNextFire, nextFire, lastFired)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	if !moved {
		s.logger.Debug("游标推进被抢先，跳过", "task_id", t.ID)
		return nil
	}
	if exhausted {
		// once 已触发、rrule 到达 UNTIL/COUNT：任务终结
		if err := s.tasks.UpdateStatus(ctx, t.ID, task.StatusArchived); err != nil {
			return fmt.Errorf("archive exhausted task: %w", err)
		}
		s.logger.Info("调度耗尽，任务归档", "task_id", t.ID, "name", t.Name)
		s.publish(ctx, eventlog.TopicTaskArchived, map[string]any{
			"task_id": t.ID,
			"reason":  "schedule_exhausted",
		})
	}
	return nil
}

func (s *Scheduler) enqueueFire(ctx context.Context, t *task.Task, fire time.Time, trigger duework.Trigger) error {
	w := &duework.DueWork{
		TaskID:      t.ID,
		TaskVersion: t.Version,
		FireTime:    fire,
		Priority:    t.Priority,
		DedupeKey:   duework.ScheduleKey(t.ID, fire),
		MaxAttempts: t.MaxAttempts,
		Trigger:     trigger,
	}
	err := s.queue.Enqueue(ctx, w)
	if errors.Is(err, duework.ErrDuplicate) {
		s.logger.Debug("重复入队，忽略", "task_id", t.ID, "fire_time", fire)
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", w.DedupeKey, err)
	}
	metrics.FiresTotal.WithLabelValues(string(trigger)).Inc()
	return nil
}

// walkLimit fire_all_missed 受配置 cap 约束，其余策略只受安全上限约束
func (s *Scheduler) walkLimit(policy task.CatchupPolicy) int {
	if policy == task.CatchupFireAllMissed {
		return s.cfg.CatchupCap
	}
	return maxCursorWalk
}

func (s *Scheduler) publish(ctx context.Context, topic string, payload map[string]any) {
	if s.publisher == nil {
		return
	}
	if _, err := s.publisher.Publish(ctx, eventlog.Event{Topic: topic, Payload: payload}); err != nil {
		s.logger.Warn("事件发布失败", "topic", topic, "error", err)
	}
}

// jitter 返回 d±10%
func jitter(d time.Duration) time.Duration {
	f := 0.9 + 0.2*rand.Float64()
	return time.Duration(float64(d) * f)
}
