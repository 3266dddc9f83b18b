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

package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"task-orchestrator/internal/duework"
	"task-orchestrator/internal/eventlog"
	"task-orchestrator/internal/pipeline"
	"task-orchestrator/internal/run"
	"task-orchestrator/internal/schedule"
	"task-orchestrator/internal/task"
	"task-orchestrator/internal/tool"
	"task-orchestrator/pkg/clock"
	"task-orchestrator/pkg/log"
)

var workerStart = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestLogger() *log.Logger {
	l, _ := log.NewLogger(nil)
	return l
}

// stubTool 按调用序返回预置错误；errs 耗尽后成功。failWith 非 nil 时每次都失败
type stubTool struct {
	mu       sync.Mutex
	name     string
	errs     []error
	failWith error
	out      any
	args     []map[string]any
}

func (s *stubTool) Name() string                 { return s.name }
func (s *stubTool) Description() string          { return "stub" }
func (s *stubTool) InputSchema() map[string]any  { return nil }
func (s *stubTool) OutputSchema() map[string]any { return nil }

func (s *stubTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	s.mu.Lock()
	idx := len(s.args)
	s.args = append(s.args, args)
	s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	if idx < len(s.errs) && s.errs[idx] != nil {
		return nil, s.errs[idx]
	}
	if s.out != nil {
		return s.out, nil
	}
	return map[string]any{"ok": true}, nil
}

func (s *stubTool) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.args)
}

func (s *stubTool) Arg(i int) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.args[i]
}

// blockTool 首次调用阻塞到 ctx 结束，之后成功；模拟执行中途被打断
type blockTool struct {
	mu      sync.Mutex
	started chan struct{}
	calls   int
}

func (b *blockTool) Name() string                 { return "test.block" }
func (b *blockTool) Description() string          { return "block once" }
func (b *blockTool) InputSchema() map[string]any  { return nil }
func (b *blockTool) OutputSchema() map[string]any { return nil }

func (b *blockTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	b.mu.Lock()
	idx := b.calls
	b.calls++
	b.mu.Unlock()
	if idx == 0 {
		close(b.started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return map[string]any{"ok": true}, nil
}

// napTool 固定耗时后成功
type napTool struct{ d time.Duration }

func (n *napTool) Name() string                 { return "test.nap" }
func (n *napTool) Description() string          { return "nap" }
func (n *napTool) InputSchema() map[string]any  { return nil }
func (n *napTool) OutputSchema() map[string]any { return nil }

func (n *napTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(n.d):
	}
	return map[string]any{"ok": true}, nil
}

type workerEnv struct {
	tasks   task.Store
	queue   duework.Store
	runs    run.Store
	clk     *clock.Fake
	archive eventlog.Archive
	runner  *Runner
}

func newWorkerEnv(t *testing.T, cfg Config, tools ...tool.Tool) *workerEnv {
	t.Helper()
	reg := tool.NewRegistry()
	for _, tl := range tools {
		reg.Register(tl)
	}
	clk := clock.NewFake(workerStart)
	tasks := task.NewMemoryStore()
	queue := duework.NewMemoryStore()
	runs := run.NewMemoryStore()
	archive := eventlog.NewMemoryArchive()
	if cfg.ID == "" {
		cfg.ID = "w-1"
	}
	r := New(Options{
		Tasks:     tasks,
		Queue:     queue,
		Runs:      runs,
		Executor:  pipeline.NewExecutor(pipeline.Options{Catalog: reg, Clock: clk}),
		Publisher: &eventlog.Publisher{Log: eventlog.NewMemoryLog(), Archive: archive},
		Clock:     clk,
		Config:    cfg,
	})
	return &workerEnv{tasks: tasks, queue: queue, runs: runs, clk: clk, archive: archive, runner: r}
}

// noRetry step 级重试关掉，queue 级语义不被 in-run 重试遮住
var noRetry = &pipeline.RetrySpec{MaxAttempts: 1}

func (e *workerEnv) createTask(t *testing.T, name string, steps []pipeline.Step, mutate ...func(*task.Task)) *task.Task {
	t.Helper()
	zero := 0.0
	tk := &task.Task{
		Name:     name,
		Schedule: schedule.Spec{Kind: schedule.KindManual},
		Pipeline: pipeline.Spec{Steps: steps},
		Backoff:  &task.BackoffSpec{BaseDelay: "1s", MaxDelay: "1s", Jitter: &zero},
	}
	for _, m := range mutate {
		m(tk)
	}
	if err := e.tasks.Create(context.Background(), tk); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return tk
}

func (e *workerEnv) enqueue(t *testing.T, tk *task.Task, fire time.Time, maxAttempts int) *duework.DueWork {
	t.Helper()
	w := &duework.DueWork{
		TaskID:      tk.ID,
		TaskVersion: tk.Version,
		FireTime:    fire,
		Priority:    tk.Priority,
		DedupeKey:   duework.ScheduleKey(tk.ID, fire),
		MaxAttempts: maxAttempts,
	}
	if err := e.queue.Enqueue(context.Background(), w); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return w
}

func (e *workerEnv) item(t *testing.T, id string) *duework.DueWork {
	t.Helper()
	w, err := e.queue.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get due work: %v", err)
	}
	return w
}

func (e *workerEnv) taskState(t *testing.T, id string) *task.Task {
	t.Helper()
	tk, err := e.tasks.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	return tk
}

func (e *workerEnv) taskRuns(t *testing.T, taskID string) []*run.Run {
	t.Helper()
	rs, err := e.runs.ListByTask(context.Background(), taskID, 200, 0)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	return rs
}

func (e *workerEnv) events(t *testing.T, topic string) []eventlog.Event {
	t.Helper()
	evs, err := e.archive.ListByTopic(context.Background(), topic, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	return evs
}

func (e *workerEnv) processOne(t *testing.T, want bool) {
	t.Helper()
	processed, err := e.runner.ProcessOne(context.Background())
	if err != nil {
		t.Fatalf("process one: %v", err)
	}
	if processed != want {
		t.Fatalf("processed = %v, want %v", processed, want)
	}
}

func TestProcessOneSuccess(t *testing.T) {
	tl := &stubTool{name: "test.ok", out: map[string]any{"value": 42}}
	env := newWorkerEnv(t, Config{}, tl)
	tk := env.createTask(t, "happy", []pipeline.Step{{ID: "a", Uses: "test.ok", SaveAs: "x"}})
	w := env.enqueue(t, tk, workerStart, 0)

	env.processOne(t, true)

	got := env.item(t, w.ID)
	if got.Status != duework.StatusSucceeded {
		t.Fatalf("item status = %s, want succeeded", got.Status)
	}
	if got.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", got.Attempt)
	}
	if got.LeaseOwner != nil {
		t.Fatalf("lease owner not cleared")
	}

	rs := env.taskRuns(t, tk.ID)
	if len(rs) != 1 {
		t.Fatalf("runs = %d, want 1", len(rs))
	}
	r := rs[0]
	if r.Status != run.StatusSucceeded || r.Attempt != 1 || r.DueWorkID != w.ID {
		t.Fatalf("run = %+v", r)
	}
	if r.FinishedAt == nil || r.VarsDigest == "" || len(r.Steps) != 1 {
		t.Fatalf("run missing finish fields: %+v", r)
	}

	if n := len(env.events(t, eventlog.TopicRunStarted)); n != 1 {
		t.Fatalf("run.started events = %d, want 1", n)
	}
	evs := env.events(t, eventlog.TopicRunSucceeded)
	if len(evs) != 1 {
		t.Fatalf("run.succeeded events = %d, want 1", len(evs))
	}
	if evs[0].Payload["run_id"] != r.ID || evs[0].Payload["attempt"] != 1 {
		t.Fatalf("event payload = %v", evs[0].Payload)
	}
	if env.taskState(t, tk.ID).DeadStreak != 0 {
		t.Fatalf("dead streak should stay 0")
	}
}

func TestProcessOneNoWork(t *testing.T) {
	env := newWorkerEnv(t, Config{})
	env.processOne(t, false)
}

func TestProcessOneRetryableReleasesForRetry(t *testing.T) {
	tl := &stubTool{name: "test.flaky", errs: []error{
		fmt.Errorf("%w: connection reset", pipeline.ErrRetryable),
	}}
	env := newWorkerEnv(t, Config{}, tl)
	tk := env.createTask(t, "flaky", []pipeline.Step{{ID: "a", Uses: "test.flaky", Retry: noRetry}})
	w := env.enqueue(t, tk, workerStart, 3)

	env.processOne(t, true)

	got := env.item(t, w.ID)
	if got.Status != duework.StatusPending {
		t.Fatalf("item status = %s, want pending", got.Status)
	}
	wantGate := workerStart.Add(time.Second)
	if !got.NotBefore.Equal(wantGate) {
		t.Fatalf("not_before = %v, want %v", got.NotBefore, wantGate)
	}

	rs := env.taskRuns(t, tk.ID)
	if len(rs) != 1 || rs[0].Status != run.StatusFailed {
		t.Fatalf("expected 1 failed run, got %+v", rs)
	}
	evs := env.events(t, eventlog.TopicRunFailed)
	if len(evs) != 1 {
		t.Fatalf("run.failed events = %d, want 1", len(evs))
	}
	if _, ok := evs[0].Payload["not_before"]; !ok {
		t.Fatalf("run.failed payload missing not_before: %v", evs[0].Payload)
	}

	// 退避门内不可重新获取
	env.processOne(t, false)

	env.clk.Advance(2 * time.Second)
	env.processOne(t, true)
	got = env.item(t, w.ID)
	if got.Status != duework.StatusSucceeded || got.Attempt != 2 {
		t.Fatalf("after retry: status=%s attempt=%d", got.Status, got.Attempt)
	}
	if len(env.taskRuns(t, tk.ID)) != 2 {
		t.Fatalf("want 2 runs after retry")
	}
}

// max_attempts=k 的任务最多产生 k 条非成功 run 即转 dead
func TestProcessOneRetryBound(t *testing.T) {
	tl := &stubTool{name: "test.down", failWith: fmt.Errorf("%w: upstream down", pipeline.ErrRetryable)}
	env := newWorkerEnv(t, Config{}, tl)
	tk := env.createTask(t, "bounded", []pipeline.Step{{ID: "a", Uses: "test.down", Retry: noRetry}},
		func(tk *task.Task) { tk.MaxAttempts = 2 })
	w := env.enqueue(t, tk, workerStart, tk.MaxAttempts)

	for i := 0; i < 5; i++ {
		if _, err := env.runner.ProcessOne(context.Background()); err != nil {
			t.Fatalf("process one: %v", err)
		}
		env.clk.Advance(5 * time.Second)
	}

	got := env.item(t, w.ID)
	if got.Status != duework.StatusDead {
		t.Fatalf("item status = %s, want dead", got.Status)
	}
	if got.Attempt != 2 {
		t.Fatalf("attempt = %d, want 2", got.Attempt)
	}
	if got.Reason == "" {
		t.Fatalf("dead item missing reason")
	}

	rs := env.taskRuns(t, tk.ID)
	if len(rs) != 2 {
		t.Fatalf("runs = %d, want exactly 2", len(rs))
	}
	for _, r := range rs {
		if r.Status != run.StatusFailed {
			t.Fatalf("run status = %s, want failed", r.Status)
		}
	}

	// 预算耗尽走 run.failed（run 本身是可重试失败），项死亡在 payload 标注
	evs := env.events(t, eventlog.TopicRunFailed)
	if len(evs) != 2 {
		t.Fatalf("run.failed events = %d, want 2", len(evs))
	}
	if dead, _ := evs[0].Payload["due_work_dead"].(bool); !dead {
		t.Fatalf("last run.failed should flag due_work_dead: %v", evs[0].Payload)
	}
	if env.taskState(t, tk.ID).DeadStreak != 1 {
		t.Fatalf("dead streak = %d, want 1", env.taskState(t, tk.ID).DeadStreak)
	}
}

func TestProcessOnePermanentDead(t *testing.T) {
	tl := &stubTool{name: "test.bad", failWith: fmt.Errorf("%w: bad request", pipeline.ErrPermanent)}
	env := newWorkerEnv(t, Config{}, tl)
	tk := env.createTask(t, "perm", []pipeline.Step{{ID: "a", Uses: "test.bad", Retry: noRetry}})
	w := env.enqueue(t, tk, workerStart, 5)

	env.processOne(t, true)

	got := env.item(t, w.ID)
	if got.Status != duework.StatusDead || got.Attempt != 1 {
		t.Fatalf("item = status %s attempt %d, want dead att 1", got.Status, got.Attempt)
	}

	rs := env.taskRuns(t, tk.ID)
	if len(rs) != 1 || rs[0].Status != run.StatusDead {
		t.Fatalf("expected single dead run, got %+v", rs)
	}
	if len(env.events(t, eventlog.TopicRunDead)) != 1 {
		t.Fatalf("run.dead event missing")
	}
	if env.taskState(t, tk.ID).DeadStreak != 1 {
		t.Fatalf("dead streak = %d, want 1", env.taskState(t, tk.ID).DeadStreak)
	}
	// 剩余尝试不会被使用
	env.processOne(t, false)
}

func TestProcessOneCanceledFlag(t *testing.T) {
	tl := &stubTool{name: "test.ok"}
	env := newWorkerEnv(t, Config{}, tl)
	tk := env.createTask(t, "cancel-me", []pipeline.Step{{ID: "a", Uses: "test.ok"}})
	w := env.enqueue(t, tk, workerStart, 5)

	if err := env.queue.RequestCancel(context.Background(), w.ID); err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	env.processOne(t, true)

	got := env.item(t, w.ID)
	if got.Status != duework.StatusDead || got.Reason != "canceled" {
		t.Fatalf("item = status %s reason %q", got.Status, got.Reason)
	}
	rs := env.taskRuns(t, tk.ID)
	if len(rs) != 1 || rs[0].Status != run.StatusCanceled {
		t.Fatalf("expected canceled run, got %+v", rs)
	}
	if tl.Calls() != 0 {
		t.Fatalf("tool should not be invoked after cancel, calls = %d", tl.Calls())
	}
	if len(env.events(t, eventlog.TopicRunCanceled)) != 1 {
		t.Fatalf("run.canceled event missing")
	}
	// 取消不计入熔断输入
	if env.taskState(t, tk.ID).DeadStreak != 0 {
		t.Fatalf("canceled run must not touch dead streak")
	}
}

func TestCircuitTripsAfterConsecutiveDead(t *testing.T) {
	tl := &stubTool{name: "test.bad", failWith: fmt.Errorf("%w: schema drift", pipeline.ErrPermanent)}
	env := newWorkerEnv(t, Config{}, tl)
	tk := env.createTask(t, "fused", []pipeline.Step{{ID: "a", Uses: "test.bad", Retry: noRetry}},
		func(tk *task.Task) { tk.Circuit = &task.CircuitSpec{Threshold: 2} })
	env.enqueue(t, tk, workerStart, 1)
	env.enqueue(t, tk, workerStart.Add(time.Minute), 1)

	env.processOne(t, true)
	if st := env.taskState(t, tk.ID); st.Status != task.StatusActive {
		t.Fatalf("first dead should not trip circuit, status = %s", st.Status)
	}

	env.processOne(t, true)
	st := env.taskState(t, tk.ID)
	if st.Status != task.StatusPaused {
		t.Fatalf("task status = %s, want paused after threshold", st.Status)
	}
	if st.DeadStreak != 2 {
		t.Fatalf("dead streak = %d, want 2", st.DeadStreak)
	}
	evs := env.events(t, eventlog.TopicCircuitTripped)
	if len(evs) != 1 {
		t.Fatalf("task.circuit_tripped events = %d, want 1", len(evs))
	}
	if evs[0].Payload["dead_streak"] != 2 || evs[0].Payload["threshold"] != 2 {
		t.Fatalf("circuit payload = %v", evs[0].Payload)
	}
}

func TestAcquireGuardArchivedTask(t *testing.T) {
	tl := &stubTool{name: "test.ok"}
	env := newWorkerEnv(t, Config{}, tl)
	tk := env.createTask(t, "bye", []pipeline.Step{{ID: "a", Uses: "test.ok"}})
	w := env.enqueue(t, tk, workerStart, 0)
	if err := env.tasks.UpdateStatus(context.Background(), tk.ID, task.StatusArchived); err != nil {
		t.Fatalf("archive: %v", err)
	}

	env.processOne(t, true)

	got := env.item(t, w.ID)
	if got.Status != duework.StatusDead || got.Reason != "task_archived" {
		t.Fatalf("item = status %s reason %q", got.Status, got.Reason)
	}
	if len(env.taskRuns(t, tk.ID)) != 0 {
		t.Fatalf("no run record expected")
	}
	if len(env.events(t, eventlog.TopicRunStarted)) != 0 {
		t.Fatalf("no run.started expected")
	}
	if tl.Calls() != 0 {
		t.Fatalf("tool must not run for archived task")
	}
}

func TestAcquireGuardMissingTask(t *testing.T) {
	env := newWorkerEnv(t, Config{})
	w := &duework.DueWork{
		TaskID:    "ghost",
		FireTime:  workerStart,
		DedupeKey: duework.ScheduleKey("ghost", workerStart),
	}
	if err := env.queue.Enqueue(context.Background(), w); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	env.processOne(t, true)

	got := env.item(t, w.ID)
	if got.Status != duework.StatusDead || got.Reason != "task_missing" {
		t.Fatalf("item = status %s reason %q", got.Status, got.Reason)
	}
}

// 崩溃重投把尝试预算烧完：认领时即终结，不再起 run
func TestAcquireGuardAttemptBudgetBurned(t *testing.T) {
	tl := &stubTool{name: "test.ok"}
	env := newWorkerEnv(t, Config{Visibility: 2 * time.Second}, tl)
	tk := env.createTask(t, "burned", []pipeline.Step{{ID: "a", Uses: "test.ok"}})
	w := env.enqueue(t, tk, workerStart, 1)

	// 他人租约后崩溃，从未 finalize
	if _, err := env.queue.Acquire(context.Background(), "w-crashed", 2*time.Second, env.clk.Now().UTC()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	env.clk.Advance(3 * time.Second)

	env.processOne(t, true)

	got := env.item(t, w.ID)
	if got.Status != duework.StatusDead || got.Reason != "max_attempts_exhausted" {
		t.Fatalf("item = status %s reason %q", got.Status, got.Reason)
	}
	if got.Attempt != 2 {
		t.Fatalf("attempt = %d, want 2", got.Attempt)
	}
	if len(env.taskRuns(t, tk.ID)) != 0 {
		t.Fatalf("no run record expected")
	}
	if tl.Calls() != 0 {
		t.Fatalf("tool must not run")
	}
}

// 持锁 worker 死亡后，可见性到期项被他人重投并在第二次尝试成功
func TestLeaseExpiryRedelivery(t *testing.T) {
	tl := &stubTool{name: "test.ok"}
	env := newWorkerEnv(t, Config{Visibility: 2 * time.Second}, tl)
	tk := env.createTask(t, "redeliver", []pipeline.Step{{ID: "a", Uses: "test.ok"}})
	w := env.enqueue(t, tk, workerStart, 5)

	if _, err := env.queue.Acquire(context.Background(), "w-dead", 2*time.Second, env.clk.Now().UTC()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// 租约存活期内互斥
	env.processOne(t, false)

	env.clk.Advance(3 * time.Second)
	env.processOne(t, true)

	got := env.item(t, w.ID)
	if got.Status != duework.StatusSucceeded || got.Attempt != 2 {
		t.Fatalf("item = status %s attempt %d, want succeeded att 2", got.Status, got.Attempt)
	}
	rs := env.taskRuns(t, tk.ID)
	if len(rs) != 1 || rs[0].Status != run.StatusSucceeded || rs[0].Attempt != 2 {
		t.Fatalf("expected single succeeded run at attempt 2, got %+v", rs)
	}
}

// run context 被取消（停机/租约易主）：不碰队列终态，租约留给可见性重投
func TestInterruptedRunAbandonsLease(t *testing.T) {
	bt := &blockTool{started: make(chan struct{})}
	env := newWorkerEnv(t, Config{Visibility: 2 * time.Second}, bt)
	tk := env.createTask(t, "interrupted", []pipeline.Step{{ID: "a", Uses: "test.block", Retry: noRetry}})
	w := env.enqueue(t, tk, workerStart, 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := env.runner.ProcessOne(ctx); err != nil {
			t.Errorf("process one: %v", err)
		}
	}()
	<-bt.started
	cancel()
	<-done

	got := env.item(t, w.ID)
	if got.Status != duework.StatusLeased {
		t.Fatalf("item status = %s, want leased (abandoned)", got.Status)
	}
	rs := env.taskRuns(t, tk.ID)
	if len(rs) != 1 || rs[0].Status != run.StatusFailed {
		t.Fatalf("expected 1 failed run, got %+v", rs)
	}
	evs := env.events(t, eventlog.TopicRunFailed)
	if len(evs) != 1 {
		t.Fatalf("run.failed events = %d, want 1", len(evs))
	}
	if interrupted, _ := evs[0].Payload["interrupted"].(bool); !interrupted {
		t.Fatalf("payload should flag interrupted: %v", evs[0].Payload)
	}

	env.clk.Advance(3 * time.Second)
	env.processOne(t, true)
	got = env.item(t, w.ID)
	if got.Status != duework.StatusSucceeded || got.Attempt != 2 {
		t.Fatalf("after redelivery: status=%s attempt=%d", got.Status, got.Attempt)
	}
}

// trigger 根注入变量环境，pipeline 能读到触发来源与事件载荷
func TestTriggerEnvReachesPipeline(t *testing.T) {
	tl := &stubTool{name: "test.ok"}
	env := newWorkerEnv(t, Config{}, tl)
	tk := env.createTask(t, "event-driven", []pipeline.Step{{
		ID:   "a",
		Uses: "test.ok",
		With: map[string]any{"source": "${trigger.kind}", "order": "${trigger.payload.order_id}"},
	}})
	w := &duework.DueWork{
		TaskID:    tk.ID,
		FireTime:  workerStart,
		DedupeKey: duework.EventKey(tk.ID, "orders.created", "ev-1"),
		Trigger:   duework.TriggerEvent,
		Payload:   map[string]any{"order_id": "o-77"},
	}
	if err := env.queue.Enqueue(context.Background(), w); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	env.processOne(t, true)

	if tl.Calls() != 1 {
		t.Fatalf("tool calls = %d, want 1", tl.Calls())
	}
	args := tl.Arg(0)
	if args["source"] != "event" || args["order"] != "o-77" {
		t.Fatalf("rendered args = %v", args)
	}
}

// 两个 worker 抢同一队列：100 项全部恰好执行一次，无 attempt>1
func TestTwoWorkersExactlyOnce(t *testing.T) {
	reg := tool.NewRegistry()
	reg.Register(&napTool{d: 5 * time.Millisecond})
	tasks := task.NewMemoryStore()
	queue := duework.NewMemoryStore()
	runs := run.NewMemoryStore()
	tk := &task.Task{Name: "swarm", Schedule: schedule.Spec{Kind: schedule.KindManual},
		Pipeline: pipeline.Spec{Steps: []pipeline.Step{{ID: "a", Uses: "test.nap"}}}}
	if err := tasks.Create(context.Background(), tk); err != nil {
		t.Fatalf("create task: %v", err)
	}

	const items = 100
	ids := make([]string, 0, items)
	for i := 0; i < items; i++ {
		fire := workerStart.Add(time.Duration(i) * time.Minute)
		w := &duework.DueWork{TaskID: tk.ID, FireTime: fire, DedupeKey: duework.ScheduleKey(tk.ID, fire)}
		if err := queue.Enqueue(context.Background(), w); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		ids = append(ids, w.ID)
	}

	newRunner := func(id string) *Runner {
		return New(Options{
			Tasks:    tasks,
			Queue:    queue,
			Runs:     runs,
			Executor: pipeline.NewExecutor(pipeline.Options{Catalog: reg}),
			Config:   Config{ID: id, Concurrency: 4, PollInterval: 10 * time.Millisecond},
		})
	}
	a, b := newRunner("w-a"), newRunner("w-b")

	ctx := context.Background()
	a.Start(ctx)
	b.Start(ctx)

	deadline := time.Now().Add(30 * time.Second)
	for {
		counts, err := queue.CountByStatus(ctx)
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if counts[string(duework.StatusSucceeded)] == items {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out, counts = %v", counts)
		}
		time.Sleep(20 * time.Millisecond)
	}
	a.Stop()
	b.Stop()

	for _, id := range ids {
		w, err := queue.Get(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if w.Status != duework.StatusSucceeded || w.Attempt != 1 {
			t.Fatalf("item %s: status=%s attempt=%d", id, w.Status, w.Attempt)
		}
	}
	rs, err := runs.ListByTask(ctx, tk.ID, items*2, 0)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(rs) != items {
		t.Fatalf("runs = %d, want %d", len(rs), items)
	}
	seen := make(map[string]bool, items)
	for _, r := range rs {
		if r.Status != run.StatusSucceeded {
			t.Fatalf("run %s status = %s", r.ID, r.Status)
		}
		if seen[r.DueWorkID] {
			t.Fatalf("due work %s executed twice", r.DueWorkID)
		}
		seen[r.DueWorkID] = true
	}
}

func TestHeartbeatRunnerExtendsLease(t *testing.T) {
	queue := duework.NewMemoryStore()
	w := &duework.DueWork{TaskID: "t", FireTime: workerStart, DedupeKey: "hb-1"}
	if err := queue.Enqueue(context.Background(), w); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	acquired, err := queue.Acquire(context.Background(), "w-h", 120*time.Millisecond, time.Now().UTC())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	firstExpiry := *acquired.LeaseExpires

	logger := newTestLogger()
	hb := NewHeartbeatRunner(queue, "w-h", 120*time.Millisecond, 25*time.Millisecond, clock.NewReal(), logger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hb.Run(ctx, w.ID, func() { t.Error("unexpected lease loss") })
	}()

	time.Sleep(250 * time.Millisecond)
	got, err := queue.Get(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != duework.StatusLeased || got.LeaseExpires == nil {
		t.Fatalf("lease should still be held: %+v", got)
	}
	if !got.LeaseExpires.After(firstExpiry) {
		t.Fatalf("lease not extended: %v <= %v", got.LeaseExpires, firstExpiry)
	}
	cancel()
	<-done
}

func TestHeartbeatRunnerLostLease(t *testing.T) {
	queue := duework.NewMemoryStore()
	w := &duework.DueWork{TaskID: "t", FireTime: workerStart, DedupeKey: "hb-2"}
	if err := queue.Enqueue(context.Background(), w); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := queue.Acquire(context.Background(), "w-1", 40*time.Millisecond, time.Now().UTC()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	// 过期后被他人夺走
	if _, err := queue.Acquire(context.Background(), "w-2", time.Minute, time.Now().UTC()); err != nil {
		t.Fatalf("steal: %v", err)
	}

	lost := make(chan struct{})
	hb := NewHeartbeatRunner(queue, "w-1", 40*time.Millisecond, 15*time.Millisecond, clock.NewReal(), newTestLogger())
	go hb.Run(context.Background(), w.ID, func() { close(lost) })

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatalf("lease loss not detected")
	}
}

func TestReclaimOnceArchivedSweep(t *testing.T) {
	tl := &stubTool{name: "test.ok"}
	env := newWorkerEnv(t, Config{Visibility: 2 * time.Second}, tl)
	tk := env.createTask(t, "swept", []pipeline.Step{{ID: "a", Uses: "test.ok"}})
	w1 := env.enqueue(t, tk, workerStart, 0)
	w2 := env.enqueue(t, tk, workerStart.Add(time.Minute), 0)

	// 一条项上有已过期的遗留租约
	if _, err := env.queue.Acquire(context.Background(), "w-gone", 2*time.Second, env.clk.Now().UTC()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := env.tasks.UpdateStatus(context.Background(), tk.ID, task.StatusArchived); err != nil {
		t.Fatalf("archive: %v", err)
	}
	env.clk.Advance(5 * time.Second)

	env.runner.ReclaimOnce(context.Background())

	for _, id := range []string{w1.ID, w2.ID} {
		got := env.item(t, id)
		if got.Status != duework.StatusDead || got.Reason != "task_archived" {
			t.Fatalf("item %s = status %s reason %q", id, got.Status, got.Reason)
		}
	}
}
