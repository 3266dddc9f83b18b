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

// Package http 管理面 REST 适配层。只做参数绑定与状态码映射，
// 业务语义全部在 internal/app 的服务层。
package http

import (
	"bytes"
	"context"
	stderrors "errors"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	appsvc "task-orchestrator/internal/app"
	"task-orchestrator/internal/duework"
	"task-orchestrator/internal/run"
	"task-orchestrator/internal/task"
	"task-orchestrator/pkg/errors"
	"task-orchestrator/pkg/metrics"
)

// Handler HTTP 处理器
type Handler struct {
	svc *appsvc.Service
}

// NewHandler 创建新的 HTTP 处理器
func NewHandler(svc *appsvc.Service) *Handler {
	return &Handler{svc: svc}
}

// writeError 统一错误映射：未知资源 404，冲突类 409，校验失败 422，
// 参数错误 400，其余 500
func writeError(c context.Context, ctx *app.RequestContext, err error) {
	var vf *appsvc.ValidationFailed
	switch {
	case stderrors.As(err, &vf):
		ctx.JSON(consts.StatusUnprocessableEntity, map[string]any{
			"errors": vf.Errors,
		})
	case stderrors.Is(err, task.ErrNotFound) ||
		stderrors.Is(err, run.ErrNotFound) ||
		stderrors.Is(err, duework.ErrNotFound):
		ctx.JSON(consts.StatusNotFound, map[string]string{
			"error": err.Error(),
		})
	case stderrors.Is(err, task.ErrNameTaken) ||
		stderrors.Is(err, duework.ErrConflict) ||
		stderrors.Is(err, errors.ErrConflict):
		ctx.JSON(consts.StatusConflict, map[string]string{
			"error": err.Error(),
		})
	case stderrors.Is(err, errors.ErrInvalidArg):
		ctx.JSON(consts.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
	default:
		hlog.CtxErrorf(c, "request failed: %v", err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{
			"error": "internal error",
		})
	}
}

// queryInt 读取整型 query 参数，缺失或非法时返回默认值
func queryInt(ctx *app.RequestContext, key string, def int) int {
	v := ctx.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// HealthCheck 健康检查
// GET /api/system/health
func (h *Handler) HealthCheck(c context.Context, ctx *app.RequestContext) {
	ctx.JSON(consts.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"service":   "task-orchestrator",
	})
}

// SystemMetrics Prometheus 文本格式指标
// GET /api/system/metrics
func (h *Handler) SystemMetrics(c context.Context, ctx *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}

// QueueStats due-work 队列积压与状态统计
// GET /api/system/queue
func (h *Handler) QueueStats(c context.Context, ctx *app.RequestContext) {
	counts, err := h.svc.QueueStats(c)
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{
		"counts": counts,
	})
}
