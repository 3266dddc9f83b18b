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

package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"task-orchestrator/internal/tool"
	"task-orchestrator/pkg/backoff"
	"task-orchestrator/pkg/clock"
	"task-orchestrator/pkg/log"
	"task-orchestrator/pkg/metrics"
	"task-orchestrator/pkg/tracing"
)

// DefaultStepTimeout step 未指定 timeout 时的默认调用超时
const DefaultStepTimeout = 30 * time.Second

// Input 一次 pipeline 执行的输入。变量环境由此播种，确保同一 due-work
// 的重放渲染出相同的值：now 取调度点火时刻而非墙钟。
type Input struct {
	Spec     *Spec
	TaskID   string
	TaskName string
	RunID    string
	Attempt  int
	FireTime time.Time
	Params   map[string]any
	Trigger  map[string]any // {kind, payload}
	// Canceled 读取 due-work 的取消标志；step 边界与超时后检查。nil 表示不可取消
	Canceled func(ctx context.Context) bool
}

// Result 一次 pipeline 执行的结果；Failure 为 nil 表示全部 step 成功或跳过
type Result struct {
	Steps      []StepResult
	VarsDigest string
	Failure    *StepFailure
}

// Executor 顺序执行 pipeline step
type Executor struct {
	catalog     Catalog
	limiter     *tool.RateLimiter
	clk         clock.Clock
	logger      *log.Logger
	defPolicy   backoff.Policy
	defAttempts int
	defTimeout  time.Duration
}

// Options 执行器依赖与默认值；零值字段回落到内置默认
type Options struct {
	Catalog         Catalog
	Limiter         *tool.RateLimiter
	Clock           clock.Clock
	Logger          *log.Logger
	DefaultPolicy   backoff.Policy
	DefaultAttempts int
	DefaultTimeout  time.Duration
}

// NewExecutor 创建执行器
func NewExecutor(opts Options) *Executor {
	e := &Executor{
		catalog:     opts.Catalog,
		limiter:     opts.Limiter,
		clk:         opts.Clock,
		logger:      opts.Logger,
		defPolicy:   opts.DefaultPolicy,
		defAttempts: opts.DefaultAttempts,
		defTimeout:  opts.DefaultTimeout,
	}
	if e.clk == nil {
		e.clk = clock.NewReal()
	}
	if e.logger == nil {
		e.logger, _ = log.NewLogger(nil)
	}
	if e.defPolicy == (backoff.Policy{}) {
		e.defPolicy = backoff.Default()
	}
	if e.defAttempts <= 0 {
		e.defAttempts = backoff.DefaultMaxAttempts
	}
	if e.defTimeout <= 0 {
		e.defTimeout = DefaultStepTimeout
	}
	return e
}

// Run 按序执行全部 step。返回 error 仅表示 run context 中断（租约丢失、
// 停机），此时执行结果作废，由可见性超时重投；其余结局都落在 Result 里。
func (e *Executor) Run(ctx context.Context, in Input) (res *Result, err error) {
	vars := seedVars(in)
	res = &Result{}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("pipeline 执行器 panic", "run_id", in.RunID, "panic", fmt.Sprint(r))
			res.Failure = &StepFailure{Type: FailurePermanent, Inner: fmt.Errorf("internal panic: %v", r)}
			err = nil
		}
		if res != nil {
			res.VarsDigest = digestJSON(vars)
		}
	}()

	for i := range in.Spec.Steps {
		st := &in.Spec.Steps[i]
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		if in.Canceled != nil && in.Canceled(ctx) {
			res.Failure = &StepFailure{Type: FailureCanceled, StepID: st.ID, Inner: ErrCanceled}
			return res, nil
		}

		sr, failure := e.runStep(ctx, st, vars, in.Canceled)
		if sr != nil {
			res.Steps = append(res.Steps, *sr)
		}
		if failure != nil {
			if cerr := ctx.Err(); cerr != nil && failure.Type == FailureRetryable {
				return nil, cerr
			}
			e.logger.Warn("step 失败", "run_id", in.RunID, "step", st.ID,
				"type", string(failure.Type), "reason", failure.Error())
			res.Failure = failure
			return res, nil
		}
	}
	return res, nil
}

func (e *Executor) runStep(ctx context.Context, st *Step, vars map[string]any, canceled func(context.Context) bool) (*StepResult, *StepFailure) {
	sr := &StepResult{StepID: st.ID, StartedAt: e.clk.Now().UTC()}
	finish := func(status StepStatus) {
		sr.Status = status
		sr.FinishedAt = e.clk.Now().UTC()
	}
	fail := func(f *StepFailure) (*StepResult, *StepFailure) {
		finish(StepFailed)
		sr.Error = f.Error()
		return sr, f
	}

	if st.If != "" {
		code, err := CompilePredicate(st.If)
		if err != nil {
			return fail(Permanent(st.ID, "if predicate: %v", err))
		}
		ok, err := EvalPredicate(ctx, code, vars)
		if err != nil {
			return fail(Permanent(st.ID, "if predicate: %v", err))
		}
		if !ok {
			finish(StepSkipped)
			return sr, nil
		}
	}

	ctx, span := tracing.StartStepSpan(ctx, st.ID, st.Uses)
	defer span.End()

	tl, ok := e.catalog.Get(st.Uses)
	if !ok {
		return fail(Permanent(st.ID, "unknown tool %q", st.Uses))
	}

	rendered, err := RenderWith(st.With, vars)
	if err != nil {
		return fail(Permanent(st.ID, "render with: %v", err))
	}
	sr.InputDigest = shortDigest(rendered)

	if doc := tl.InputSchema(); doc != nil {
		if err := validateSchema(doc, rendered); err != nil {
			return fail(Permanent(st.ID, "input: %v", err))
		}
	}

	policy, attempts := st.Retry.Policy(e.defPolicy, e.defAttempts)
	timeout := e.defTimeout
	if st.Timeout != "" {
		if d, derr := time.ParseDuration(st.Timeout); derr == nil && d > 0 {
			timeout = d
		}
	}

	var out any
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		sr.Attempts = attempt
		out, lastErr = e.invoke(ctx, tl, rendered, timeout)
		if lastErr == nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
		// 超时与 step 边界处检查取消标志（超时错误分类为可重试，但取消优先）
		if canceled != nil && canceled(ctx) {
			lastErr = fmt.Errorf("step %s: %w", st.ID, ErrCanceled)
			break
		}
		if ftype, _ := Classify(lastErr); ftype != FailureRetryable {
			break
		}
		if attempt == attempts {
			break
		}
		if serr := sleepCtx(ctx, policy.Delay(attempt)); serr != nil {
			lastErr = serr
			break
		}
	}
	if lastErr != nil {
		ftype, reason := Classify(lastErr)
		finish(StepFailed)
		sr.Error = reason
		var sf *StepFailure
		if errors.As(lastErr, &sf) {
			if sf.StepID == "" {
				sf.StepID = st.ID
			}
			return sr, sf
		}
		return sr, &StepFailure{Type: ftype, StepID: st.ID, Inner: lastErr}
	}

	norm, err := normalizeJSON(out)
	if err != nil {
		return fail(Permanent(st.ID, "tool output not JSON-serializable: %v", err))
	}
	if doc := tl.OutputSchema(); doc != nil {
		if err := validateSchema(doc, norm); err != nil {
			return fail(Permanent(st.ID, "output: %v", err))
		}
	}
	sr.OutputDigest = shortDigest(norm)

	name := st.BindName()
	steps := vars["steps"].(map[string]any)
	if _, exists := steps[name]; exists {
		return fail(Permanent(st.ID, "internal: variable %q already bound", name))
	}
	steps[name] = norm

	finish(StepSucceeded)
	e.logger.Debug("step 完成", "step", st.ID, "attempts", sr.Attempts)
	return sr, nil
}

// invoke 单次工具调用：限流、超时、panic 防护、耗时指标
func (e *Executor) invoke(ctx context.Context, tl tool.Tool, args map[string]any, timeout time.Duration) (out any, err error) {
	if e.limiter != nil {
		if werr := e.limiter.Wait(ctx, tl.Name()); werr != nil {
			return nil, werr
		}
		defer e.limiter.Release(tl.Name())
	}
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ictx, span := tracing.StartToolSpan(ictx, tl.Name())
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: tool %s panicked: %v", ErrPermanent, tl.Name(), r)
		}
	}()
	start := time.Now()
	out, err = tl.Invoke(ictx, args)
	metrics.StepDuration.WithLabelValues(tl.Name()).Observe(time.Since(start).Seconds())
	return out, err
}

func seedVars(in Input) map[string]any {
	params := in.Params
	if params == nil {
		params = map[string]any{}
	}
	trigger := in.Trigger
	if trigger == nil {
		trigger = map[string]any{}
	}
	return map[string]any{
		"now":     in.FireTime.UTC().Format(time.RFC3339),
		"params":  params,
		"steps":   map[string]any{},
		"task":    map[string]any{"id": in.TaskID, "name": in.TaskName},
		"run":     map[string]any{"id": in.RunID, "attempt": in.Attempt},
		"trigger": trigger,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// digestJSON 值的 sha256 十六进制摘要；map 键经 json.Marshal 排序，结果确定
func digestJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// shortDigest 步骤记录里存截断摘要，避免 run 日志膨胀
func shortDigest(v any) string {
	d := digestJSON(v)
	if len(d) > 16 {
		return d[:16]
	}
	return d
}
