package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"task-orchestrator/internal/tool"
)

// seqTool 按调用序返回预置错误，记录每次输入
type seqTool struct {
	mu        sync.Mutex
	name      string
	errs      []error
	out       any
	outSchema map[string]any
	inSchema  map[string]any
	delay     time.Duration
	panicWith string
	calls     []map[string]any
}

func (s *seqTool) Name() string                 { return s.name }
func (s *seqTool) Description() string          { return "sequence tool" }
func (s *seqTool) InputSchema() map[string]any  { return s.inSchema }
func (s *seqTool) OutputSchema() map[string]any { return s.outSchema }

func (s *seqTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	s.mu.Lock()
	s.calls = append(s.calls, args)
	idx := len(s.calls) - 1
	s.mu.Unlock()
	if s.panicWith != "" {
		panic(s.panicWith)
	}
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if idx < len(s.errs) && s.errs[idx] != nil {
		return nil, s.errs[idx]
	}
	if s.out != nil {
		return s.out, nil
	}
	return map[string]any{"echo": args}, nil
}

func (s *seqTool) Calls() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.calls...)
}

func newTestExecutor(tools ...tool.Tool) *Executor {
	r := tool.NewRegistry()
	for _, tl := range tools {
		r.Register(tl)
	}
	return NewExecutor(Options{Catalog: r})
}

func execInput(spec *Spec) Input {
	return Input{
		Spec:     spec,
		TaskID:   "t-1",
		TaskName: "sync",
		RunID:    "r-1",
		Attempt:  1,
		FireTime: time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC),
		Params:   map[string]any{"base_url": "https://api.example.com"},
		Trigger:  map[string]any{"kind": "schedule"},
	}
}

func TestExecutorTwoStepPipeline(t *testing.T) {
	a := &seqTool{name: "tool.a", out: map[string]any{"value": 42}}
	b := &seqTool{name: "tool.b"}
	e := newTestExecutor(a, b)

	spec := &Spec{Steps: []Step{
		{ID: "a", Uses: "tool.a", SaveAs: "x"},
		{ID: "b", Uses: "tool.b", With: map[string]any{
			"value": "${steps.x.value}",
			"at":    "${now}",
		}},
	}}

	res, err := e.Run(context.Background(), execInput(spec))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Failure != nil {
		t.Fatalf("unexpected failure: %v", res.Failure)
	}
	if len(res.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(res.Steps))
	}
	for _, sr := range res.Steps {
		if sr.Status != StepSucceeded {
			t.Fatalf("step %s status = %s", sr.StepID, sr.Status)
		}
		if sr.OutputDigest == "" {
			t.Fatalf("step %s missing output digest", sr.StepID)
		}
	}

	calls := b.Calls()
	if len(calls) != 1 {
		t.Fatalf("tool b calls = %d, want 1", len(calls))
	}
	if calls[0]["value"] != any(float64(42)) {
		t.Fatalf("tool b received value %#v, want 42", calls[0]["value"])
	}
	if calls[0]["at"] != any("2026-01-05T10:00:00Z") {
		t.Fatalf("tool b received at %#v, want fire instant", calls[0]["at"])
	}
	if res.VarsDigest == "" {
		t.Fatal("missing vars digest")
	}
}

func TestExecutorStepRetrySucceeds(t *testing.T) {
	a := &seqTool{
		name: "tool.a",
		errs: []error{
			fmt.Errorf("transient #1: %w", ErrRetryable),
			fmt.Errorf("transient #2: %w", ErrRetryable),
			fmt.Errorf("transient #3: %w", ErrRetryable),
		},
		out: map[string]any{"ok": true},
	}
	e := newTestExecutor(a)

	jitter := 0.0
	spec := &Spec{Steps: []Step{
		{ID: "a", Uses: "tool.a", Retry: &RetrySpec{
			MaxAttempts: 5, BaseDelay: "1ms", MaxDelay: "4ms", Jitter: &jitter,
		}},
	}}

	res, err := e.Run(context.Background(), execInput(spec))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Failure != nil {
		t.Fatalf("unexpected failure: %v", res.Failure)
	}
	if got := len(a.Calls()); got != 4 {
		t.Fatalf("invocations = %d, want 4", got)
	}
	if res.Steps[0].Attempts != 4 {
		t.Fatalf("recorded attempts = %d, want 4", res.Steps[0].Attempts)
	}
	if res.Steps[0].Status != StepSucceeded {
		t.Fatalf("status = %s", res.Steps[0].Status)
	}
}

func TestExecutorRetryExhausted(t *testing.T) {
	boom := fmt.Errorf("still down: %w", ErrRetryable)
	a := &seqTool{name: "tool.a", errs: []error{boom, boom, boom}}
	b := &seqTool{name: "tool.b"}
	e := newTestExecutor(a, b)

	jitter := 0.0
	spec := &Spec{Steps: []Step{
		{ID: "a", Uses: "tool.a", Retry: &RetrySpec{MaxAttempts: 2, BaseDelay: "1ms", Jitter: &jitter}},
		{ID: "b", Uses: "tool.b"},
	}}

	res, err := e.Run(context.Background(), execInput(spec))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Failure == nil || res.Failure.Type != FailureRetryable {
		t.Fatalf("failure = %v, want retryable", res.Failure)
	}
	if got := len(a.Calls()); got != 2 {
		t.Fatalf("invocations = %d, want 2", got)
	}
	if got := len(b.Calls()); got != 0 {
		t.Fatalf("tool b invoked %d times after failure", got)
	}
	if len(res.Steps) != 1 || res.Steps[0].Status != StepFailed {
		t.Fatalf("steps = %+v", res.Steps)
	}
}

func TestExecutorPermanentNoRetry(t *testing.T) {
	a := &seqTool{name: "tool.a", errs: []error{fmt.Errorf("bad request: %w", ErrPermanent)}}
	e := newTestExecutor(a)

	spec := &Spec{Steps: []Step{
		{ID: "a", Uses: "tool.a", Retry: &RetrySpec{MaxAttempts: 5, BaseDelay: "1ms"}},
	}}

	res, err := e.Run(context.Background(), execInput(spec))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Failure == nil || res.Failure.Type != FailurePermanent {
		t.Fatalf("failure = %v, want permanent", res.Failure)
	}
	if got := len(a.Calls()); got != 1 {
		t.Fatalf("invocations = %d, want 1 (no retry on permanent)", got)
	}
}

func TestExecutorTemplateFailureIsPermanent(t *testing.T) {
	a := &seqTool{name: "tool.a"}
	b := &seqTool{name: "tool.b"}
	e := newTestExecutor(a, b)

	spec := &Spec{Steps: []Step{
		{ID: "a", Uses: "tool.a"},
		{ID: "b", Uses: "tool.b", With: map[string]any{"v": "${steps.missing.value}"}},
	}}

	res, err := e.Run(context.Background(), execInput(spec))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Failure == nil || res.Failure.Type != FailurePermanent {
		t.Fatalf("failure = %v, want permanent", res.Failure)
	}
	if res.Failure.StepID != "b" {
		t.Fatalf("failed step = %s, want b", res.Failure.StepID)
	}
	if got := len(b.Calls()); got != 0 {
		t.Fatalf("tool b invoked %d times despite template failure", got)
	}
}

func TestExecutorSkippedStepBindsNothing(t *testing.T) {
	a := &seqTool{name: "tool.a"}
	c := &seqTool{name: "tool.c"}
	e := newTestExecutor(a, c)

	spec := &Spec{Steps: []Step{
		{ID: "a", Uses: "tool.a", If: "false"},
		{ID: "c", Uses: "tool.c", With: map[string]any{"v": "${steps.a.echo}"}},
	}}

	res, err := e.Run(context.Background(), execInput(spec))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Steps) < 1 || res.Steps[0].Status != StepSkipped {
		t.Fatalf("first step = %+v, want skipped", res.Steps)
	}
	if got := len(a.Calls()); got != 0 {
		t.Fatalf("skipped tool invoked %d times", got)
	}
	// 引用被跳过 step 的变量是确定性失败
	if res.Failure == nil || res.Failure.Type != FailurePermanent {
		t.Fatalf("failure = %v, want permanent", res.Failure)
	}
	if !strings.Contains(res.Failure.Error(), "not defined") {
		t.Fatalf("failure reason %q should name the unresolved path", res.Failure.Error())
	}
}

func TestExecutorCancelFlag(t *testing.T) {
	a := &seqTool{name: "tool.a"}
	b := &seqTool{name: "tool.b"}
	e := newTestExecutor(a, b)

	in := execInput(&Spec{Steps: []Step{
		{ID: "a", Uses: "tool.a"},
		{ID: "b", Uses: "tool.b"},
	}})
	// 第一步完成后标志置位，第二步边界处观察到取消
	in.Canceled = func(context.Context) bool { return len(a.Calls()) > 0 }

	res, err := e.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Failure == nil || res.Failure.Type != FailureCanceled {
		t.Fatalf("failure = %v, want canceled", res.Failure)
	}
	if got := len(b.Calls()); got != 0 {
		t.Fatalf("tool b invoked %d times after cancel", got)
	}
	if len(res.Steps) != 1 || res.Steps[0].Status != StepSucceeded {
		t.Fatalf("steps = %+v, want first step succeeded", res.Steps)
	}
}

func TestExecutorInputSchemaViolation(t *testing.T) {
	a := &seqTool{name: "tool.a", inSchema: map[string]any{
		"type":     "object",
		"required": []any{"url"},
		"properties": map[string]any{
			"url": map[string]any{"type": "string", "format": "uri"},
		},
	}}
	e := newTestExecutor(a)

	spec := &Spec{Steps: []Step{
		{ID: "a", Uses: "tool.a", With: map[string]any{"url": "not a uri"}},
	}}

	res, err := e.Run(context.Background(), execInput(spec))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Failure == nil || res.Failure.Type != FailurePermanent {
		t.Fatalf("failure = %v, want permanent", res.Failure)
	}
	if got := len(a.Calls()); got != 0 {
		t.Fatalf("tool invoked %d times despite input violation", got)
	}
}

func TestExecutorOutputSchemaViolation(t *testing.T) {
	a := &seqTool{
		name: "tool.a",
		out:  map[string]any{"value": "not a number"},
		outSchema: map[string]any{
			"type":     "object",
			"required": []any{"value"},
			"properties": map[string]any{
				"value": map[string]any{"type": "number"},
			},
		},
	}
	e := newTestExecutor(a)

	spec := &Spec{Steps: []Step{{ID: "a", Uses: "tool.a"}}}
	res, err := e.Run(context.Background(), execInput(spec))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Failure == nil || res.Failure.Type != FailurePermanent {
		t.Fatalf("failure = %v, want permanent (output violation)", res.Failure)
	}
	if got := len(a.Calls()); got != 1 {
		t.Fatalf("invocations = %d, want 1 (no retry on output violation)", got)
	}
}

func TestExecutorTimeoutIsRetryable(t *testing.T) {
	a := &seqTool{name: "tool.a", delay: 80 * time.Millisecond}
	e := newTestExecutor(a)

	jitter := 0.0
	spec := &Spec{Steps: []Step{
		{ID: "a", Uses: "tool.a", Timeout: "10ms",
			Retry: &RetrySpec{MaxAttempts: 2, BaseDelay: "1ms", Jitter: &jitter}},
	}}

	res, err := e.Run(context.Background(), execInput(spec))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Failure == nil || res.Failure.Type != FailureRetryable {
		t.Fatalf("failure = %v, want retryable timeout", res.Failure)
	}
	if got := len(a.Calls()); got != 2 {
		t.Fatalf("invocations = %d, want 2", got)
	}
}

func TestExecutorToolPanicIsPermanent(t *testing.T) {
	a := &seqTool{name: "tool.a", panicWith: "boom"}
	e := newTestExecutor(a)

	spec := &Spec{Steps: []Step{{ID: "a", Uses: "tool.a"}}}
	res, err := e.Run(context.Background(), execInput(spec))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Failure == nil || res.Failure.Type != FailurePermanent {
		t.Fatalf("failure = %v, want permanent", res.Failure)
	}
	if !strings.Contains(res.Failure.Error(), "panicked") {
		t.Fatalf("failure reason %q should mention panic", res.Failure.Error())
	}
}

func TestExecutorRunContextAbort(t *testing.T) {
	a := &seqTool{name: "tool.a", delay: 200 * time.Millisecond}
	e := newTestExecutor(a)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	spec := &Spec{Steps: []Step{{ID: "a", Uses: "tool.a"}}}
	_, err := e.Run(ctx, execInput(spec))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
