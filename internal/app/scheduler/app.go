package scheduler

import (
	"context"
	"fmt"

	"task-orchestrator/internal/app"
	"task-orchestrator/internal/scheduler"
	"task-orchestrator/pkg/config"
	"task-orchestrator/pkg/metrics"
	"task-orchestrator/pkg/tracing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// App Scheduler 应用（tick 循环 + leader 选举）。多实例部署时由
// leader 租约保证同一时刻只有一个实例点火
type App struct {
	bootstrap      *app.Bootstrap
	sched          *scheduler.Scheduler
	metricsSrv     *metrics.Server
	tracerProvider *sdktrace.TracerProvider
	cancel         context.CancelFunc
}

// NewApp 创建 Scheduler 应用（由 cmd/scheduler 调用）
func NewApp(bootstrap *app.Bootstrap) (*App, error) {
	// postgres 模式走 scheduler_leader 租约表；memory 模式单实例自举
	leader := scheduler.NewMemoryLeaderStore()
	if bootstrap.Pool != nil {
		leader = scheduler.NewPostgresLeaderStore(bootstrap.Pool)
	}

	schedCfg := scheduler.Config{}
	if bootstrap.Config != nil {
		schedCfg.TickInterval = config.Duration(bootstrap.Config.Scheduler.TickInterval, 0)
		schedCfg.BatchLimit = bootstrap.Config.Scheduler.TickBatchLimit
		schedCfg.CatchupCap = bootstrap.Config.Scheduler.TickCatchupCap
		schedCfg.LeaderTTL = config.Duration(bootstrap.Config.Scheduler.LeaderTTL, 0)
	}

	sched := scheduler.New(scheduler.Options{
		Tasks:     bootstrap.Tasks,
		Queue:     bootstrap.Queue,
		Leader:    leader,
		Publisher: bootstrap.Publisher,
		Logger:    bootstrap.Logger,
		Config:    schedCfg,
	})

	return &App{bootstrap: bootstrap, sched: sched}, nil
}

// Start 启动 tick 循环
func (a *App) Start() error {
	a.bootstrap.Logger.Info("启动 scheduler 应用")

	cfg := a.bootstrap.Config

	if cfg != nil && cfg.Monitoring.Tracing.Enable && cfg.Monitoring.Tracing.ExportEndpoint != "" {
		serviceName := cfg.Monitoring.Tracing.ServiceName
		if serviceName == "" {
			serviceName = "tasko-scheduler"
		}
		tp, err := tracing.InitTracer(tracing.OTelConfig{
			ServiceName:    serviceName,
			ExportEndpoint: cfg.Monitoring.Tracing.ExportEndpoint,
			Insecure:       cfg.Monitoring.Tracing.Insecure,
		})
		if err != nil {
			return fmt.Errorf("初始化 tracer 失败: %w", err)
		}
		a.tracerProvider = tp
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.sched.Start(ctx)

	if cfg != nil && cfg.Monitoring.Prometheus.Enable && cfg.Monitoring.Prometheus.Port > 0 {
		a.metricsSrv = metrics.NewServer(fmt.Sprintf(":%d", cfg.Monitoring.Prometheus.Port))
		a.bootstrap.Logger.Info("Prometheus 抓取端口已启用", "port", cfg.Monitoring.Prometheus.Port)
	}

	a.bootstrap.Logger.Info("scheduler 应用启动成功")
	return nil
}

// Shutdown 停止循环并等待当前 tick 结束
func (a *App) Shutdown(ctx context.Context) error {
	a.bootstrap.Logger.Info("关闭 scheduler 应用")
	a.sched.Stop()
	if a.cancel != nil {
		a.cancel()
	}
	if a.metricsSrv != nil {
		_ = a.metricsSrv.Shutdown(ctx)
	}
	if a.tracerProvider != nil {
		_ = a.tracerProvider.Shutdown(ctx)
	}
	a.bootstrap.Close()
	a.bootstrap.Logger.Info("scheduler 应用关闭成功")
	return nil
}
