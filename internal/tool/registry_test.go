package tool

import (
	"context"
	"testing"
	"time"
)

type fakeTool struct{ name string }

func (f *fakeTool) Name() string                 { return f.name }
func (f *fakeTool) Description() string          { return "fake tool" }
func (f *fakeTool) InputSchema() map[string]any  { return nil }
func (f *fakeTool) OutputSchema() map[string]any { return nil }
func (f *fakeTool) Invoke(_ context.Context, args map[string]any) (any, error) {
	return args, nil
}

func TestRegistryRegisterGet(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "util.echo"})

	got, ok := r.Get("util.echo")
	if !ok {
		t.Fatalf("expected util.echo to be registered")
	}
	if got.Name() != "util.echo" {
		t.Fatalf("unexpected tool: %s", got.Name())
	}

	if _, ok := r.Get("util.missing"); ok {
		t.Fatalf("expected util.missing to be absent")
	}
}

func TestRegistryOverwrite(t *testing.T) {
	r := NewRegistry()
	first := &fakeTool{name: "http.request"}
	second := &fakeTool{name: "http.request"}
	r.Register(first)
	r.Register(second)

	got, _ := r.Get("http.request")
	if got != Tool(second) {
		t.Fatalf("expected later registration to win")
	}
	if len(r.List()) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(r.List()))
	}
}

func TestRateLimiterConcurrency(t *testing.T) {
	rl := NewRateLimiter(map[string]LimitConfig{
		"http.request": {MaxConcurrent: 1},
	}, nil)

	if err := rl.Wait(context.Background(), "http.request"); err != nil {
		t.Fatalf("first Wait: %v", err)
	}

	// 并发槽已满，第二次 Wait 应阻塞到超时
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx, "http.request"); err == nil {
		t.Fatalf("expected second Wait to time out")
	}

	rl.Release("http.request")
	if err := rl.Wait(context.Background(), "http.request"); err != nil {
		t.Fatalf("Wait after Release: %v", err)
	}
	rl.Release("http.request")
}

func TestRateLimiterDefaults(t *testing.T) {
	rl := NewRateLimiter(nil, &LimitConfig{QPS: 1000, MaxConcurrent: 2, Burst: 1000})

	// 未配置的工具走默认配置，首次 Wait 立即成功
	if err := rl.Wait(context.Background(), "time.sleep"); err != nil {
		t.Fatalf("Wait with defaults: %v", err)
	}
	rl.Release("time.sleep")

	// 重复 Release 不应 panic 也不应产生多余 slot
	rl.Release("time.sleep")
	rl.Release("util.unknown")
}
