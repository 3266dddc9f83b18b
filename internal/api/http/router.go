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
	"github.com/cloudwego/hertz/pkg/app/middlewares/server/recovery"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"

	"task-orchestrator/internal/api/http/middleware"
)

// Router HTTP 路由器
type Router struct {
	handler    *Handler
	middleware *middleware.Middleware
}

// NewRouter 创建新的 HTTP 路由器
func NewRouter(handler *Handler, mw *middleware.Middleware) *Router {
	return &Router{
		handler:    handler,
		middleware: mw,
	}
}

// Build 构建 Hertz Server 并注册全部路由；opts 透传给 server.New
// （链路追踪等 Server 级配置由调用方追加）
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	opts = append([]config.Option{server.WithHostPorts(addr)}, opts...)
	h := server.New(opts...)

	h.Use(recovery.Recovery(), r.middleware.AccessLog(), r.middleware.CORS())

	api := h.Group("/api")

	// 任务生命周期
	api.POST("/tasks", r.handler.CreateTask)
	api.GET("/tasks", r.handler.ListTasks)
	tasks := api.Group("/tasks")
	{
		tasks.GET("/:id", r.handler.GetTask)
		tasks.POST("/:id/run", r.handler.RunNow)
		tasks.POST("/:id/snooze", r.handler.Snooze)
		tasks.POST("/:id/pause", r.handler.Pause)
		tasks.POST("/:id/resume", r.handler.Resume)
		tasks.POST("/:id/archive", r.handler.Archive)
		tasks.GET("/:id/runs", r.handler.ListRuns)
	}

	// 运行历史
	runs := api.Group("/runs")
	{
		runs.GET("/:id", r.handler.GetRun)
		runs.POST("/:id/cancel", r.handler.CancelRun)
	}

	// 事件入口
	api.POST("/events", r.handler.PublishEvent)

	// 系统管理
	system := api.Group("/system")
	{
		system.GET("/health", r.handler.HealthCheck)
		system.GET("/metrics", r.handler.SystemMetrics)
		system.GET("/queue", r.handler.QueueStats)
	}

	return h
}
