package api

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/cloudwego/hertz/pkg/app/server"
	hertzconfig "github.com/cloudwego/hertz/pkg/common/config"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"

	"task-orchestrator/internal/api/http"
	"task-orchestrator/internal/api/http/middleware"
	"task-orchestrator/internal/app"
	"task-orchestrator/internal/tool"
	"task-orchestrator/internal/tool/builtin"
	"task-orchestrator/pkg/config"
	"task-orchestrator/pkg/metrics"
)

// otelProviderShutdown 用于优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App API 应用（装配 Service、HTTP Router、Middleware）。管理面进程：
// 创建期校验与查询走这里，pipeline 执行只在 Worker
type App struct {
	config       *app.Bootstrap
	service      *app.Service
	router       *http.Router
	hertz        *server.Hertz
	metricsSrv   *metrics.Server
	otelProvider otelProviderShutdown
}

// NewApp 创建 API 应用（由 cmd/api 调用）
func NewApp(bootstrap *app.Bootstrap) (*App, error) {
	// 注册全部内置工具：API 进程用目录做工具存在性与 with 的 schema
	// 预校验，和 Worker 端的执行目录保持同一份
	catalog := tool.NewRegistry()
	builtin.RegisterBuiltin(catalog, bootstrap.Publisher, bootstrap.Secrets)

	service := app.NewService(app.Options{
		Tasks:     bootstrap.Tasks,
		Queue:     bootstrap.Queue,
		Runs:      bootstrap.Runs,
		Catalog:   catalog,
		Publisher: bootstrap.Publisher,
		Logger:    bootstrap.Logger,
	})

	mw := middleware.NewMiddleware()
	if bootstrap.Config != nil {
		mw.SetCORS(bootstrap.Config.API.CORS.Enable, bootstrap.Config.API.CORS.AllowOrigins)
	}
	router := http.NewRouter(http.NewHandler(service), mw)

	return &App{
		config:  bootstrap,
		service: service,
		router:  router,
	}, nil
}

// Run 启动 HTTP 服务，addr 如 ":8080"
func (a *App) Run(addr string) error {
	a.config.Logger.Info("API 服务启动", "addr", addr)

	// 使用 Hertz slog 扩展，与 bootstrap 配置对齐
	output := os.Stdout
	if a.config.Config != nil && a.config.Config.Log.File != "" {
		f, err := os.OpenFile(a.config.Config.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("打开日志文件失败: %w", err)
		}
		output = f
	}
	levelVar := &slog.LevelVar{}
	if a.config.Config != nil && a.config.Config.Log.Level != "" {
		switch a.config.Config.Log.Level {
		case "debug":
			levelVar.Set(slog.LevelDebug)
		case "warn":
			levelVar.Set(slog.LevelWarn)
		case "error":
			levelVar.Set(slog.LevelError)
		default:
			levelVar.Set(slog.LevelInfo)
		}
	} else {
		levelVar.Set(slog.LevelInfo)
	}
	hertzLogger := hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	)
	hlog.SetLogger(hertzLogger)

	var serverOpts []hertzconfig.Option
	if a.config.Config != nil {
		if d := config.Duration(a.config.Config.API.Timeout, 0); d > 0 {
			serverOpts = append(serverOpts, server.WithReadTimeout(d))
		}
	}

	// 可选：启用链路追踪（OpenTelemetry）
	if a.config.Config != nil && a.config.Config.Monitoring.Tracing.Enable {
		serviceName := a.config.Config.Monitoring.Tracing.ServiceName
		if serviceName == "" {
			serviceName = "tasko-api"
		}
		exportEndpoint := a.config.Config.Monitoring.Tracing.ExportEndpoint
		if exportEndpoint == "" {
			exportEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		}
		if exportEndpoint != "" {
			opts := []provider.Option{
				provider.WithServiceName(serviceName),
				provider.WithExportEndpoint(exportEndpoint),
			}
			if a.config.Config.Monitoring.Tracing.Insecure {
				opts = append(opts, provider.WithInsecure())
			}
			p := provider.NewOpenTelemetryProvider(opts...)
			a.otelProvider = p
			tracerOpt, cfg := hertztracing.NewServerTracer()
			a.hertz = a.router.Build(addr, append(serverOpts, tracerOpt)...)
			a.hertz.Use(hertztracing.ServerMiddleware(cfg))
			a.config.Logger.Info("链路追踪已启用", "service_name", serviceName, "endpoint", exportEndpoint)
		} else {
			a.hertz = a.router.Build(addr, serverOpts...)
		}
	} else {
		a.hertz = a.router.Build(addr, serverOpts...)
	}

	// 可选：独立 Prometheus 抓取端口（业务面 /api/system/metrics 始终可用）
	if a.config.Config != nil && a.config.Config.Monitoring.Prometheus.Enable && a.config.Config.Monitoring.Prometheus.Port > 0 {
		a.metricsSrv = metrics.NewServer(fmt.Sprintf(":%d", a.config.Config.Monitoring.Prometheus.Port))
		a.config.Logger.Info("Prometheus 抓取端口已启用", "port", a.config.Config.Monitoring.Prometheus.Port)
	}

	return a.hertz.Run()
}

// Shutdown 优雅关闭（传入 ctx 以支持超时，如 cmd 层 WithTimeout）
func (a *App) Shutdown(ctx context.Context) error {
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	if a.metricsSrv != nil {
		_ = a.metricsSrv.Shutdown(ctx)
	}
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			return err
		}
	}
	a.config.Close()
	return nil
}
