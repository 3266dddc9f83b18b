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

// Package worker 租约执行循环：竞争获取 duework 项，执行任务 pipeline，
// 按结果落 run 记录与队列终态。at-least-once：执行中途崩溃不做任何清理，
// 可见性超时后该项自动重投（attempt 已在获取时加一，计入 max_attempts）。
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"task-orchestrator/internal/duework"
	"task-orchestrator/internal/eventlog"
	"task-orchestrator/internal/pipeline"
	"task-orchestrator/internal/run"
	"task-orchestrator/internal/task"
	"task-orchestrator/pkg/backoff"
	"task-orchestrator/pkg/clock"
	"task-orchestrator/pkg/log"
	"task-orchestrator/pkg/metrics"
	"task-orchestrator/pkg/tracing"
)

const (
	DefaultConcurrency     = 4
	DefaultPollInterval    = 200 * time.Millisecond
	DefaultVisibility      = 60 * time.Second
	DefaultHeartbeatRatio  = 1.0 / 3
	DefaultReclaimInterval = 30 * time.Second

	// reclaimBatch 单次过期租约清扫上限
	reclaimBatch = 256
	// archivedSweepLimit 单次归档任务清理扫描的任务数上限
	archivedSweepLimit = 100
	// maxReasonLen duework.reason 存储上限；超出截断
	maxReasonLen = 512
)

// Config Worker 行为参数；零值字段回落到默认
type Config struct {
	// ID Worker 标识，租约归属键；空则 hostname 加随机后缀
	ID string
	// Concurrency 同时执行的 due-work 数上限
	Concurrency int
	// PollInterval 无可用项时的轮询间隔
	PollInterval time.Duration
	// Visibility 租约可见性超时
	Visibility time.Duration
	// HeartbeatRatio 心跳间隔 = Visibility * ratio
	HeartbeatRatio float64
	// MaxAttempts 任务未覆盖时的队列级重试上限
	MaxAttempts int
	// Backoff 任务未覆盖时的队列级退避参数
	Backoff backoff.Policy
	// ReclaimInterval 过期租约与归档任务清扫周期
	ReclaimInterval time.Duration
}

// Options Worker 依赖
type Options struct {
	Tasks     task.Store
	Queue     duework.Store
	Runs      run.Store
	Executor  *pipeline.Executor
	Publisher *eventlog.Publisher
	Clock     clock.Clock
	Logger    *log.Logger
	Config    Config
}

// Runner 租约执行循环
type Runner struct {
	cfg    Config
	tasks  task.Store
	queue  duework.Store
	runs   run.Store
	exec   *pipeline.Executor
	pub    *eventlog.Publisher
	clk    clock.Clock
	logger *log.Logger

	limiter  chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New 创建 Worker
func New(opts Options) *Runner {
	cfg := opts.Config
	if cfg.ID == "" {
		cfg.ID = DefaultWorkerID()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = DefaultVisibility
	}
	if cfg.HeartbeatRatio <= 0 || cfg.HeartbeatRatio >= 1 {
		cfg.HeartbeatRatio = DefaultHeartbeatRatio
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = backoff.DefaultMaxAttempts
	}
	if cfg.Backoff == (backoff.Policy{}) {
		cfg.Backoff = backoff.Default()
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = DefaultReclaimInterval
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.NewReal()
	}
	logger := opts.Logger
	if logger == nil {
		logger, _ = log.NewLogger(nil)
	}
	return &Runner{
		cfg:     cfg,
		tasks:   opts.Tasks,
		queue:   opts.Queue,
		runs:    opts.Runs,
		exec:    opts.Executor,
		pub:     opts.Publisher,
		clk:     clk,
		logger:  logger.Named("worker"),
		limiter: make(chan struct{}, cfg.Concurrency),
		stopCh:  make(chan struct{}),
	}
}

// DefaultWorkerID 默认 Worker 标识：WORKER_ID 环境变量，
// 否则 hostname 加随机后缀（同机多 Worker 不冲突）
func DefaultWorkerID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	return host + "-" + uuid.New().String()[:8]
}

// ID 本 Worker 的租约标识
func (r *Runner) ID() string {
	return r.cfg.ID
}

// Start 启动认领循环与清扫循环。先占并发槽位再认领（背压），
// 执行放入 goroutine，槽位在执行结束后释放。
func (r *Runner) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.claimLoop(ctx)
	}()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.reclaimLoop(ctx)
	}()
	r.logger.Info("worker 启动", "worker_id", r.cfg.ID,
		"concurrency", r.cfg.Concurrency, "visibility", r.cfg.Visibility.String())
}

// Stop 停止认领并等待在途执行结束。需要硬停时由调用方在宽限期后
// 取消 Start 传入的 ctx：在途 run 被中断，租约遗留给可见性超时重投。
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Runner) claimLoop(ctx context.Context) {
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case r.limiter <- struct{}{}:
			w, err := r.queue.Acquire(ctx, r.cfg.ID, r.cfg.Visibility, r.clk.Now().UTC())
			if err != nil {
				<-r.limiter
				if !errors.Is(err, duework.ErrNoWork) && ctx.Err() == nil {
					r.logger.Error("获取 due-work 失败", "error", err)
				}
				select {
				case <-r.stopCh:
					return
				case <-ctx.Done():
					return
				case <-time.After(r.cfg.PollInterval):
				}
				continue
			}
			r.wg.Add(1)
			go func(item *duework.DueWork) {
				defer r.wg.Done()
				defer func() { <-r.limiter }()
				r.process(ctx, item)
			}(w)
		}
	}
}

// ProcessOne 同步认领并执行一条待执行项；无可用项返回 false。
// 测试与单机脚本直接驱动，绕过轮询循环。
func (r *Runner) ProcessOne(ctx context.Context) (bool, error) {
	w, err := r.queue.Acquire(ctx, r.cfg.ID, r.cfg.Visibility, r.clk.Now().UTC())
	if errors.Is(err, duework.ErrNoWork) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	r.process(ctx, w)
	return true, nil
}

// process 执行单条已租约项。队列终态写入失败时直接放弃租约，
// 不做补偿：可见性超时会把该项清回 pending 重投。
func (r *Runner) process(ctx context.Context, w *duework.DueWork) {
	metrics.WorkerBusy.WithLabelValues(r.cfg.ID).Inc()
	defer metrics.WorkerBusy.WithLabelValues(r.cfg.ID).Dec()

	t, err := r.tasks.Get(ctx, w.TaskID)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			r.deadOnAcquire(ctx, w, "task_missing")
			return
		}
		r.logger.Error("读取任务失败，放弃租约", "due_work_id", w.ID, "task_id", w.TaskID, "error", err)
		return
	}
	if t.Status == task.StatusArchived {
		r.deadOnAcquire(ctx, w, "task_archived")
		return
	}
	maxAttempts := r.maxAttemptsFor(w)
	if w.Attempt > maxAttempts {
		// 崩溃重投把尝试预算烧完了：没有正常 finalize 过却已超限
		r.deadOnAcquire(ctx, w, "max_attempts_exhausted")
		r.bumpStreak(ctx, t)
		return
	}

	rec := &run.Run{
		TaskID:    w.TaskID,
		DueWorkID: w.ID,
		Attempt:   w.Attempt,
		StartedAt: r.clk.Now().UTC(),
	}
	if err := r.runs.Begin(ctx, rec); err != nil {
		r.logger.Error("写 run 记录失败，放弃租约", "due_work_id", w.ID, "error", err)
		return
	}
	r.publish(ctx, eventlog.TopicRunStarted, map[string]any{
		"task_id":     w.TaskID,
		"run_id":      rec.ID,
		"due_work_id": w.ID,
		"attempt":     w.Attempt,
	})
	r.logger.Info("开始执行", "task_id", w.TaskID, "due_work_id", w.ID,
		"run_id", rec.ID, "attempt", w.Attempt, "trigger", string(w.Trigger))

	ctx, span := tracing.StartRunSpan(ctx, rec.ID, w.TaskID)
	defer span.End()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	hb := NewHeartbeatRunner(r.queue, r.cfg.ID, r.cfg.Visibility,
		time.Duration(float64(r.cfg.Visibility)*r.cfg.HeartbeatRatio), r.clk, r.logger)
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		hb.Run(runCtx, w.ID, cancel)
	}()

	start := time.Now()
	res, execErr := r.exec.Run(runCtx, pipeline.Input{
		Spec:     &t.Pipeline,
		TaskID:   t.ID,
		TaskName: t.Name,
		RunID:    rec.ID,
		Attempt:  w.Attempt,
		FireTime: w.FireTime,
		Params:   t.Params,
		Trigger:  triggerEnv(w),
		Canceled: func(c context.Context) bool {
			flag, cerr := r.queue.CancelRequested(c, w.ID)
			return cerr == nil && flag
		},
	})
	cancel()
	<-heartbeatDone

	if execErr != nil {
		// run context 中断（租约易主 / 停机）：结果作废，租约留给可见性
		// 超时重投。run 记录尽力收尾，用独立 ctx 以免随中断一起失败。
		bg := context.Background()
		now := r.clk.Now().UTC()
		rec.Status = run.StatusFailed
		rec.Error = "execution interrupted: " + execErr.Error()
		rec.FinishedAt = &now
		if res != nil {
			rec.Steps = res.Steps
			rec.VarsDigest = res.VarsDigest
		}
		if ferr := r.runs.Finish(bg, rec); ferr != nil {
			r.logger.Warn("中断 run 收尾失败", "run_id", rec.ID, "error", ferr)
		}
		metrics.RunsTotal.WithLabelValues(string(run.StatusFailed)).Inc()
		r.publish(bg, eventlog.TopicRunFailed, map[string]any{
			"task_id":     w.TaskID,
			"run_id":      rec.ID,
			"due_work_id": w.ID,
			"attempt":     w.Attempt,
			"status":      string(run.StatusFailed),
			"error":       rec.Error,
			"interrupted": true,
		})
		r.logger.Warn("执行中断，交由可见性超时重投",
			"due_work_id", w.ID, "run_id", rec.ID, "error", execErr)
		return
	}
	r.finalize(ctx, t, w, rec, res, time.Since(start))
}

// finalize 按 pipeline 结局落队列终态与 run 记录。先写队列（正确性载体），
// 成功后才写 run 终态与事件；队列写入失败即放弃租约。
func (r *Runner) finalize(ctx context.Context, t *task.Task, w *duework.DueWork, rec *run.Run, res *pipeline.Result, elapsed time.Duration) {
	now := r.clk.Now().UTC()
	rec.FinishedAt = &now
	rec.Steps = res.Steps
	rec.VarsDigest = res.VarsDigest

	payload := map[string]any{
		"task_id":     w.TaskID,
		"run_id":      rec.ID,
		"due_work_id": w.ID,
		"attempt":     w.Attempt,
	}

	var queueErr error
	topic := ""
	switch {
	case res.Failure == nil:
		rec.Status = run.StatusSucceeded
		topic = eventlog.TopicRunSucceeded
		queueErr = r.queue.MarkSucceeded(ctx, w.ID, r.cfg.ID)
		if queueErr == nil {
			if _, serr := r.tasks.RecordDeadStreak(ctx, t.ID, true); serr != nil {
				r.logger.Warn("清零 dead 计数失败", "task_id", t.ID, "error", serr)
			}
		}

	case res.Failure.Type == pipeline.FailureCanceled:
		rec.Status = run.StatusCanceled
		rec.Error = failMessage(res.Failure)
		topic = eventlog.TopicRunCanceled
		queueErr = r.queue.MarkDead(ctx, w.ID, r.cfg.ID, "canceled")

	case res.Failure.Type == pipeline.FailurePermanent:
		rec.Status = run.StatusDead
		rec.Error = failMessage(res.Failure)
		topic = eventlog.TopicRunDead
		queueErr = r.queue.MarkDead(ctx, w.ID, r.cfg.ID, snip(rec.Error, maxReasonLen))
		if queueErr == nil {
			r.bumpStreak(ctx, t)
		}

	default: // retryable
		rec.Status = run.StatusFailed
		rec.Error = failMessage(res.Failure)
		topic = eventlog.TopicRunFailed
		if w.Attempt >= r.maxAttemptsFor(w) {
			payload["due_work_dead"] = true
			queueErr = r.queue.MarkDead(ctx, w.ID, r.cfg.ID,
				snip("max_attempts_exhausted: "+rec.Error, maxReasonLen))
			if queueErr == nil {
				r.bumpStreak(ctx, t)
			}
		} else {
			delay := r.policyFor(t).Delay(w.Attempt)
			notBefore := now.Add(delay)
			payload["not_before"] = notBefore.Format(time.RFC3339)
			queueErr = r.queue.ReleaseForRetry(ctx, w.ID, r.cfg.ID, notBefore)
		}
	}

	if queueErr != nil {
		r.logger.Error("队列终态写入失败，放弃租约",
			"due_work_id", w.ID, "run_id", rec.ID, "status", string(rec.Status), "error", queueErr)
		return
	}
	if err := r.runs.Finish(ctx, rec); err != nil {
		r.logger.Error("run 终态写入失败", "run_id", rec.ID, "error", err)
	}

	metrics.RunsTotal.WithLabelValues(string(rec.Status)).Inc()
	metrics.RunDuration.WithLabelValues(string(rec.Status)).Observe(elapsed.Seconds())
	payload["status"] = string(rec.Status)
	if rec.Error != "" {
		payload["error"] = rec.Error
	}
	r.publish(ctx, topic, payload)

	switch rec.Status {
	case run.StatusSucceeded:
		r.logger.Info("执行成功", "task_id", w.TaskID, "due_work_id", w.ID,
			"run_id", rec.ID, "attempt", w.Attempt, "elapsed", elapsed.String())
	default:
		r.logger.Warn("执行未成功", "task_id", w.TaskID, "due_work_id", w.ID,
			"run_id", rec.ID, "attempt", w.Attempt, "status", string(rec.Status), "error", rec.Error)
	}
}

// deadOnAcquire 认领后未执行即终结（任务已归档/缺失、尝试预算已尽）。
// 没有 run 记录，终态原因落在 duework.reason 上。
func (r *Runner) deadOnAcquire(ctx context.Context, w *duework.DueWork, reason string) {
	if err := r.queue.MarkDead(ctx, w.ID, r.cfg.ID, reason); err != nil {
		r.logger.Error("标记 dead 失败，放弃租约", "due_work_id", w.ID, "reason", reason, "error", err)
		return
	}
	r.logger.Warn("认领后直接终结", "due_work_id", w.ID, "task_id", w.TaskID,
		"attempt", w.Attempt, "reason", reason)
}

// bumpStreak dead 项计数加一；达到任务熔断阈值时转 paused 并发事件
func (r *Runner) bumpStreak(ctx context.Context, t *task.Task) {
	streak, err := r.tasks.RecordDeadStreak(ctx, t.ID, false)
	if err != nil {
		r.logger.Warn("累计 dead 计数失败", "task_id", t.ID, "error", err)
		return
	}
	threshold := t.CircuitThreshold()
	if threshold <= 0 || streak < threshold {
		return
	}
	if err := r.tasks.UpdateStatus(ctx, t.ID, task.StatusPaused); err != nil {
		r.logger.Error("熔断暂停任务失败", "task_id", t.ID, "error", err)
		return
	}
	r.logger.Warn("连续 dead 达到阈值，任务熔断暂停",
		"task_id", t.ID, "dead_streak", streak, "threshold", threshold)
	r.publish(ctx, eventlog.TopicCircuitTripped, map[string]any{
		"task_id":     t.ID,
		"dead_streak": streak,
		"threshold":   threshold,
	})
}

func (r *Runner) reclaimLoop(ctx context.Context) {
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(r.cfg.ReclaimInterval):
		}
		r.ReclaimOnce(ctx)
	}
}

// ReclaimOnce 清扫一轮：过期租约清回 pending（观测口径，正确性不依赖它），
// 归档任务的遗留项标记 dead。导出供测试与运维手动触发。
func (r *Runner) ReclaimOnce(ctx context.Context) {
	now := r.clk.Now().UTC()
	if n, err := r.queue.ReclaimExpired(ctx, now, reclaimBatch); err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("过期租约清扫失败", "error", err)
		}
	} else if n > 0 {
		metrics.LeaseReclaimsTotal.Add(float64(n))
		r.logger.Info("清扫过期租约", "reclaimed", n)
	}

	archived, err := r.tasks.List(ctx, task.ListFilter{Status: task.StatusArchived, Limit: archivedSweepLimit})
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("列举归档任务失败", "error", err)
		}
		return
	}
	for _, t := range archived {
		n, merr := r.queue.MarkTaskDead(ctx, t.ID, "task_archived", now)
		if merr != nil {
			r.logger.Warn("清理归档任务遗留项失败", "task_id", t.ID, "error", merr)
			continue
		}
		if n > 0 {
			r.logger.Info("归档任务遗留项已终结", "task_id", t.ID, "dead", n)
		}
	}
}

// maxAttemptsFor 项上限优先（入队时从任务拷贝），否则配置默认
func (r *Runner) maxAttemptsFor(w *duework.DueWork) int {
	if w.MaxAttempts > 0 {
		return w.MaxAttempts
	}
	return r.cfg.MaxAttempts
}

// policyFor 任务退避参数合并到配置默认上
func (r *Runner) policyFor(t *task.Task) backoff.Policy {
	return t.Backoff.Policy(r.cfg.Backoff)
}

func (r *Runner) publish(ctx context.Context, topic string, payload map[string]any) {
	if r.pub == nil {
		return
	}
	if _, err := r.pub.Publish(ctx, eventlog.Event{Topic: topic, Payload: payload}); err != nil {
		r.logger.Warn("发布事件失败", "topic", topic, "error", err)
	}
}

// triggerEnv 变量环境的 trigger 根：{kind, payload}
func triggerEnv(w *duework.DueWork) map[string]any {
	env := map[string]any{"kind": string(w.Trigger)}
	if w.Payload != nil {
		env["payload"] = w.Payload
	}
	return env
}

func failMessage(f *pipeline.StepFailure) string {
	if f.StepID != "" {
		return fmt.Sprintf("step %s: %s", f.StepID, f.Error())
	}
	return f.Error()
}

func snip(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
