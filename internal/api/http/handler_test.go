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
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"

	"task-orchestrator/internal/api/http/middleware"
	appsvc "task-orchestrator/internal/app"
	"task-orchestrator/internal/duework"
	"task-orchestrator/internal/eventlog"
	"task-orchestrator/internal/run"
	"task-orchestrator/internal/task"
	"task-orchestrator/internal/tool"
	"task-orchestrator/pkg/clock"
)

var apiStart = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type echoTool struct{}

func (echoTool) Name() string                 { return "test.ok" }
func (echoTool) Description() string          { return "echo" }
func (echoTool) InputSchema() map[string]any  { return nil }
func (echoTool) OutputSchema() map[string]any { return nil }
func (echoTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	return map[string]any{"echo": args}, nil
}

type apiEnv struct {
	server *server.Hertz
	queue  duework.Store
	runs   run.Store
	clk    *clock.Fake
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	reg := tool.NewRegistry()
	reg.Register(echoTool{})
	clk := clock.NewFake(apiStart)
	queue := duework.NewMemoryStore()
	runs := run.NewMemoryStore()
	svc := appsvc.NewService(appsvc.Options{
		Tasks:   task.NewMemoryStore(),
		Queue:   queue,
		Runs:    runs,
		Catalog: reg,
		Publisher: &eventlog.Publisher{
			Log:     eventlog.NewMemoryLog(),
			Archive: eventlog.NewMemoryArchive(),
		},
		Clock: clk,
	})
	r := NewRouter(NewHandler(svc), middleware.NewMiddleware())
	return &apiEnv{server: r.Build(":0"), queue: queue, runs: runs, clk: clk}
}

func (e *apiEnv) do(t *testing.T, method, path string, body any) *ut.ResponseRecorder {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
	}
	return ut.PerformRequest(e.server.Engine, method, path,
		&ut.Body{Body: bytes.NewReader(raw), Len: len(raw)})
}

func (e *apiEnv) doRaw(t *testing.T, method, path string, raw []byte) *ut.ResponseRecorder {
	t.Helper()
	return ut.PerformRequest(e.server.Engine, method, path,
		&ut.Body{Body: bytes.NewReader(raw), Len: len(raw)})
}

func decodeJSON(t *testing.T, w *ut.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Result().Body(), v); err != nil {
		t.Fatalf("decode response %q: %v", w.Result().Body(), err)
	}
}

func taskBody(name, kind, expr string) map[string]any {
	return map[string]any{
		"name": name,
		"schedule": map[string]any{
			"kind": kind,
			"expr": expr,
		},
		"pipeline": map[string]any{
			"steps": []map[string]any{
				{"id": "a", "uses": "test.ok"},
			},
		},
	}
}

func (e *apiEnv) createTask(t *testing.T, name, kind, expr string) task.Task {
	t.Helper()
	w := e.do(t, "POST", "/api/tasks", taskBody(name, kind, expr))
	if got := w.Result().StatusCode(); got != 201 {
		t.Fatalf("POST /api/tasks status = %d, body %s", got, w.Result().Body())
	}
	var created task.Task
	decodeJSON(t, w, &created)
	if created.ID == "" {
		t.Fatalf("created task missing id: %s", w.Result().Body())
	}
	return created
}

func TestCreateTaskStatusCodes(t *testing.T) {
	env := newAPIEnv(t)

	created := env.createTask(t, "report", "cron", "*/5 * * * *")
	if created.Status != task.StatusActive {
		t.Errorf("status = %s, want active", created.Status)
	}
	if created.NextFire == nil {
		t.Errorf("cron task should carry next_fire")
	}

	// 非法 JSON：400
	w := env.doRaw(t, "POST", "/api/tasks", []byte(`{`))
	if got := w.Result().StatusCode(); got != 400 {
		t.Errorf("malformed body status = %d, want 400", got)
	}

	// 校验失败：422 且带字段错误
	w = env.do(t, "POST", "/api/tasks", taskBody("bad", "cron", "61 * * * *"))
	if got := w.Result().StatusCode(); got != 422 {
		t.Fatalf("invalid cron status = %d, want 422", got)
	}
	if !bytes.Contains(w.Result().Body(), []byte(`"schedule.expr"`)) {
		t.Errorf("422 body missing field errors: %s", w.Result().Body())
	}

	// 重名：409
	w = env.do(t, "POST", "/api/tasks", taskBody("report", "manual", ""))
	if got := w.Result().StatusCode(); got != 409 {
		t.Errorf("duplicate name status = %d, want 409", got)
	}
}

func TestGetAndListTasks(t *testing.T) {
	env := newAPIEnv(t)
	created := env.createTask(t, "lookup", "manual", "")

	w := env.do(t, "GET", "/api/tasks/"+created.ID, nil)
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("GET task status = %d", got)
	}
	var got task.Task
	decodeJSON(t, w, &got)
	if got.ID != created.ID || got.Name != "lookup" {
		t.Errorf("task = %+v", got)
	}

	w = env.do(t, "GET", "/api/tasks/does-not-exist", nil)
	if got := w.Result().StatusCode(); got != 404 {
		t.Errorf("missing task status = %d, want 404", got)
	}

	w = env.do(t, "GET", "/api/tasks?status=active", nil)
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("list status = %d", got)
	}
	var list struct {
		Tasks []task.Task `json:"tasks"`
		Total int         `json:"total"`
	}
	decodeJSON(t, w, &list)
	if list.Total != 1 || len(list.Tasks) != 1 {
		t.Errorf("list = %+v", list)
	}
}

func TestRunNowAndQueueStats(t *testing.T) {
	env := newAPIEnv(t)
	created := env.createTask(t, "kick", "manual", "")

	w := env.do(t, "POST", "/api/tasks/"+created.ID+"/run", nil)
	if got := w.Result().StatusCode(); got != 202 {
		t.Fatalf("run now status = %d, body %s", got, w.Result().Body())
	}
	var accepted struct {
		DueWorkID string `json:"due_work_id"`
	}
	decodeJSON(t, w, &accepted)
	if accepted.DueWorkID == "" {
		t.Fatalf("run now response missing due_work_id: %s", w.Result().Body())
	}

	w = env.do(t, "GET", "/api/system/queue", nil)
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("queue stats status = %d", got)
	}
	var stats struct {
		Counts map[string]int `json:"counts"`
	}
	decodeJSON(t, w, &stats)
	if stats.Counts["pending"] != 1 {
		t.Errorf("counts = %v, want pending 1", stats.Counts)
	}

	w = env.do(t, "POST", "/api/tasks/nope/run", nil)
	if got := w.Result().StatusCode(); got != 404 {
		t.Errorf("run missing task status = %d, want 404", got)
	}

	if got := env.do(t, "POST", "/api/tasks/"+created.ID+"/archive", nil).Result().StatusCode(); got != 204 {
		t.Fatalf("archive status = %d", got)
	}
	w = env.do(t, "POST", "/api/tasks/"+created.ID+"/run", nil)
	if got := w.Result().StatusCode(); got != 409 {
		t.Errorf("run archived task status = %d, want 409", got)
	}
}

func TestSnoozePauseResumeArchive(t *testing.T) {
	env := newAPIEnv(t)
	created := env.createTask(t, "cycle", "cron", "*/5 * * * *")
	base := "/api/tasks/" + created.ID

	w := env.do(t, "POST", base+"/snooze", map[string]string{"until": "2025-01-01T00:30:00Z"})
	if got := w.Result().StatusCode(); got != 204 {
		t.Fatalf("snooze status = %d, body %s", got, w.Result().Body())
	}

	// until 缺失或非法：400
	if got := env.do(t, "POST", base+"/snooze", map[string]string{}).Result().StatusCode(); got != 400 {
		t.Errorf("snooze without until status = %d, want 400", got)
	}
	if got := env.doRaw(t, "POST", base+"/snooze", []byte(`{"until": "not a time"}`)).Result().StatusCode(); got != 400 {
		t.Errorf("snooze bad until status = %d, want 400", got)
	}

	if got := env.do(t, "POST", base+"/pause", nil).Result().StatusCode(); got != 204 {
		t.Fatalf("pause status = %d", got)
	}
	if got := env.do(t, "POST", base+"/pause", nil).Result().StatusCode(); got != 409 {
		t.Errorf("second pause status = %d, want 409", got)
	}
	if got := env.do(t, "POST", base+"/resume", nil).Result().StatusCode(); got != 204 {
		t.Fatalf("resume status = %d", got)
	}
	if got := env.do(t, "POST", base+"/resume", nil).Result().StatusCode(); got != 409 {
		t.Errorf("resume active task status = %d, want 409", got)
	}

	if got := env.do(t, "POST", base+"/archive", nil).Result().StatusCode(); got != 204 {
		t.Fatalf("archive status = %d", got)
	}
	// 归档幂等
	if got := env.do(t, "POST", base+"/archive", nil).Result().StatusCode(); got != 204 {
		t.Errorf("second archive status = %d, want 204", got)
	}

	// manual 任务没有计划触发可推迟
	manual := env.createTask(t, "no-snooze", "manual", "")
	if got := env.do(t, "POST", "/api/tasks/"+manual.ID+"/snooze",
		map[string]string{"until": "2025-01-01T01:00:00Z"}).Result().StatusCode(); got != 409 {
		t.Errorf("snooze manual task status = %d, want 409", got)
	}
}

func TestRunEndpoints(t *testing.T) {
	env := newAPIEnv(t)
	created := env.createTask(t, "history", "manual", "")

	w := env.do(t, "POST", "/api/tasks/"+created.ID+"/run", nil)
	if got := w.Result().StatusCode(); got != 202 {
		t.Fatalf("run now status = %d", got)
	}
	item, err := env.queue.Acquire(context.Background(), "w-1", time.Minute, apiStart)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	r := &run.Run{TaskID: created.ID, DueWorkID: item.ID, Attempt: 1, StartedAt: apiStart}
	if err := env.runs.Begin(context.Background(), r); err != nil {
		t.Fatalf("begin run: %v", err)
	}

	w = env.do(t, "GET", "/api/runs/"+r.ID, nil)
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("get run status = %d", got)
	}
	var gotRun run.Run
	decodeJSON(t, w, &gotRun)
	if gotRun.ID != r.ID || gotRun.TaskID != created.ID {
		t.Errorf("run = %+v", gotRun)
	}

	if got := env.do(t, "GET", "/api/runs/none", nil).Result().StatusCode(); got != 404 {
		t.Errorf("missing run status = %d, want 404", got)
	}

	w = env.do(t, "GET", "/api/tasks/"+created.ID+"/runs", nil)
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("list runs status = %d", got)
	}
	var list struct {
		Runs  []run.Run `json:"runs"`
		Total int       `json:"total"`
	}
	decodeJSON(t, w, &list)
	if list.Total != 1 {
		t.Errorf("runs total = %d, want 1", list.Total)
	}
	if got := env.do(t, "GET", "/api/tasks/none/runs", nil).Result().StatusCode(); got != 404 {
		t.Errorf("list runs of missing task status = %d, want 404", got)
	}

	if got := env.do(t, "POST", "/api/runs/"+r.ID+"/cancel", nil).Result().StatusCode(); got != 204 {
		t.Fatalf("cancel run status = %d", got)
	}
	flagged, err := env.queue.Get(context.Background(), item.ID)
	if err != nil || !flagged.CancelRequested {
		t.Fatalf("cancel flag not set: %+v err %v", flagged, err)
	}

	// 终态后取消：409
	if err := env.queue.MarkSucceeded(context.Background(), item.ID, "w-1"); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	if got := env.do(t, "POST", "/api/runs/"+r.ID+"/cancel", nil).Result().StatusCode(); got != 409 {
		t.Errorf("cancel terminal run status = %d, want 409", got)
	}
}

func TestPublishEventEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	env.createTask(t, "listener", "event", "orders.created")

	w := env.do(t, "POST", "/api/events", map[string]any{
		"topic":   "orders.created",
		"payload": map[string]any{"order_id": "o-1"},
	})
	if got := w.Result().StatusCode(); got != 202 {
		t.Fatalf("publish status = %d, body %s", got, w.Result().Body())
	}
	var accepted struct {
		EventID string `json:"event_id"`
		Fired   int    `json:"fired"`
	}
	decodeJSON(t, w, &accepted)
	if accepted.EventID == "" || accepted.Fired != 1 {
		t.Errorf("publish response = %+v", accepted)
	}

	w = env.do(t, "POST", "/api/events", map[string]any{"topic": "Bad Topic!"})
	if got := w.Result().StatusCode(); got != 400 {
		t.Errorf("invalid topic status = %d, want 400", got)
	}
	if got := env.doRaw(t, "POST", "/api/events", []byte(`{`)).Result().StatusCode(); got != 400 {
		t.Errorf("malformed body status = %d, want 400", got)
	}
}
