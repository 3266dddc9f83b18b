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

package http

import (
	"bytes"
	"testing"

	"github.com/cloudwego/hertz/pkg/common/ut"

	"task-orchestrator/internal/api/http/middleware"
	appsvc "task-orchestrator/internal/app"
	"task-orchestrator/internal/duework"
	"task-orchestrator/internal/run"
	"task-orchestrator/internal/task"
)

func TestHealthAndMetricsEndpoints(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(t, "GET", "/api/system/health", nil)
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("health status = %d", got)
	}
	if !bytes.Contains(w.Result().Body(), []byte(`"ok"`)) {
		t.Errorf("health body = %s", w.Result().Body())
	}
	if got := w.Result().Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}

	w = env.do(t, "GET", "/api/system/metrics", nil)
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("metrics status = %d", got)
	}
	if !bytes.Contains(w.Result().Body(), []byte("tasko_due_backlog")) {
		t.Errorf("metrics body missing gauges: %.200s", w.Result().Body())
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	env := newAPIEnv(t)
	w := env.do(t, "GET", "/api/unknown", nil)
	if got := w.Result().StatusCode(); got != 404 {
		t.Errorf("unknown route status = %d, want 404", got)
	}
}

func TestCORSAllowOriginsRestricted(t *testing.T) {
	svc := appsvc.NewService(appsvc.Options{
		Tasks: task.NewMemoryStore(),
		Queue: duework.NewMemoryStore(),
		Runs:  run.NewMemoryStore(),
	})
	mw := middleware.NewMiddleware()
	mw.SetCORS(true, []string{"https://ops.example.com"})
	s := NewRouter(NewHandler(svc), mw).Build(":0")

	w := ut.PerformRequest(s.Engine, "GET", "/api/system/health",
		&ut.Body{Body: bytes.NewReader(nil), Len: 0},
		ut.Header{Key: "Origin", Value: "https://ops.example.com"})
	if got := w.Result().Header.Get("Access-Control-Allow-Origin"); got != "https://ops.example.com" {
		t.Errorf("allowed origin echo = %q", got)
	}

	w = ut.PerformRequest(s.Engine, "GET", "/api/system/health",
		&ut.Body{Body: bytes.NewReader(nil), Len: 0},
		ut.Header{Key: "Origin", Value: "https://evil.example.com"})
	if got := w.Result().Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("blocked origin should get no CORS header, got %q", got)
	}
}

func TestCORSDisabled(t *testing.T) {
	svc := appsvc.NewService(appsvc.Options{
		Tasks: task.NewMemoryStore(),
		Queue: duework.NewMemoryStore(),
		Runs:  run.NewMemoryStore(),
	})
	mw := middleware.NewMiddleware()
	mw.SetCORS(false, nil)
	s := NewRouter(NewHandler(svc), mw).Build(":0")

	w := ut.PerformRequest(s.Engine, "GET", "/api/system/health",
		&ut.Body{Body: bytes.NewReader(nil), Len: 0},
		ut.Header{Key: "Origin", Value: "https://ops.example.com"})
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("health status = %d, want 200", got)
	}
	if got := w.Result().Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disabled CORS should emit no header, got %q", got)
	}
}
