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

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
)

// GetRun 获取单次 run 详情（含步骤结果）
// GET /api/runs/:id
func (h *Handler) GetRun(c context.Context, ctx *app.RequestContext) {
	r, err := h.svc.GetRun(c, ctx.Param("id"))
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, r)
}

// CancelRun 请求取消运行中的 run；取消在步骤边界生效
// POST /api/runs/:id/cancel
func (h *Handler) CancelRun(c context.Context, ctx *app.RequestContext) {
	if err := h.svc.CancelRun(c, ctx.Param("id")); err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.SetStatusCode(consts.StatusNoContent)
}
