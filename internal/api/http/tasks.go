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
	"context"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"task-orchestrator/internal/task"
)

// CreateTask 创建任务
// POST /api/tasks
func (h *Handler) CreateTask(c context.Context, ctx *app.RequestContext) {
	var t task.Task
	if err := ctx.BindJSON(&t); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{
			"error": "invalid request body",
		})
		return
	}
	if err := h.svc.CreateTask(c, &t); err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusCreated, &t)
}

// ListTasks 任务列表，支持 status / agent_id / limit / offset 过滤
// GET /api/tasks
func (h *Handler) ListTasks(c context.Context, ctx *app.RequestContext) {
	filter := task.ListFilter{
		Status:  task.Status(ctx.Query("status")),
		AgentID: ctx.Query("agent_id"),
		Limit:   queryInt(ctx, "limit", 0),
		Offset:  queryInt(ctx, "offset", 0),
	}
	tasks, err := h.svc.ListTasks(c, filter)
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{
		"tasks": tasks,
		"total": len(tasks),
	})
}

// GetTask 获取任务
// GET /api/tasks/:id
func (h *Handler) GetTask(c context.Context, ctx *app.RequestContext) {
	t, err := h.svc.GetTask(c, ctx.Param("id"))
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, t)
}

// RunNow 手工触发一次，最高优先级入队
// POST /api/tasks/:id/run
func (h *Handler) RunNow(c context.Context, ctx *app.RequestContext) {
	w, err := h.svc.RunNow(c, ctx.Param("id"))
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusAccepted, map[string]any{
		"due_work_id": w.ID,
		"fire_time":   w.FireTime,
	})
}

// Snooze 将下一次计划触发推迟到 until
// POST /api/tasks/:id/snooze
func (h *Handler) Snooze(c context.Context, ctx *app.RequestContext) {
	var req struct {
		Until time.Time `json:"until"`
	}
	if err := ctx.BindJSON(&req); err != nil || req.Until.IsZero() {
		ctx.JSON(consts.StatusBadRequest, map[string]string{
			"error": "until (RFC3339) is required",
		})
		return
	}
	if err := h.svc.Snooze(c, ctx.Param("id"), req.Until); err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.SetStatusCode(consts.StatusNoContent)
}

// Pause 暂停任务
// POST /api/tasks/:id/pause
func (h *Handler) Pause(c context.Context, ctx *app.RequestContext) {
	if err := h.svc.Pause(c, ctx.Param("id")); err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.SetStatusCode(consts.StatusNoContent)
}

// Resume 恢复任务，从当前时刻重算游标
// POST /api/tasks/:id/resume
func (h *Handler) Resume(c context.Context, ctx *app.RequestContext) {
	if err := h.svc.Resume(c, ctx.Param("id")); err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.SetStatusCode(consts.StatusNoContent)
}

// Archive 归档任务（幂等）
// POST /api/tasks/:id/archive
func (h *Handler) Archive(c context.Context, ctx *app.RequestContext) {
	if err := h.svc.Archive(c, ctx.Param("id")); err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.SetStatusCode(consts.StatusNoContent)
}

// ListRuns 任务的 run 历史，按开始时间倒序
// GET /api/tasks/:id/runs
func (h *Handler) ListRuns(c context.Context, ctx *app.RequestContext) {
	runs, err := h.svc.ListRuns(c, ctx.Param("id"),
		queryInt(ctx, "limit", 0), queryInt(ctx, "offset", 0))
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{
		"runs":  runs,
		"total": len(runs),
	})
}
