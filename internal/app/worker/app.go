package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"task-orchestrator/internal/app"
	"task-orchestrator/internal/eventlog"
	"task-orchestrator/internal/pipeline"
	"task-orchestrator/internal/run"
	"task-orchestrator/internal/tool"
	"task-orchestrator/internal/tool/builtin"
	"task-orchestrator/internal/worker"
	"task-orchestrator/pkg/backoff"
	"task-orchestrator/pkg/config"
	"task-orchestrator/pkg/metrics"
	"task-orchestrator/pkg/tracing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// DefaultShutdownGrace 停机宽限期默认值：超时后中断在途执行，
// 未完成的租约交给可见性超时重投
const DefaultShutdownGrace = 25 * time.Second

// eventConsumerGroup Worker 事件消费组名；同组内一条事件只投给一个实例
const eventConsumerGroup = "tasko-workers"

// App Worker 应用（租约执行循环 + 可选的 run GC 与事件补投消费者）
type App struct {
	bootstrap      *app.Bootstrap
	service        *app.Service
	runner         *worker.Runner
	metricsSrv     *metrics.Server
	tracerProvider *sdktrace.TracerProvider
	cancel         context.CancelFunc
	wg             sync.WaitGroup
}

// NewApp 创建 Worker 应用（由 cmd/worker 调用）
func NewApp(bootstrap *app.Bootstrap) (*App, error) {
	cfg := bootstrap.Config

	// 工具目录与限流：Worker 是唯一执行 pipeline 的进程
	catalog := tool.NewRegistry()
	builtin.RegisterBuiltin(catalog, bootstrap.Publisher, bootstrap.Secrets)

	var limits map[string]tool.LimitConfig
	if cfg != nil && len(cfg.RateLimits.Tools) > 0 {
		limits = make(map[string]tool.LimitConfig, len(cfg.RateLimits.Tools))
		for address, rl := range cfg.RateLimits.Tools {
			limits[address] = tool.LimitConfig{
				QPS:           rl.QPS,
				MaxConcurrent: rl.MaxConcurrent,
				Burst:         rl.Burst,
			}
		}
	}
	limiter := tool.NewRateLimiter(limits, nil)

	// 队列级默认值：task 未覆盖时的退避与重试参数
	var policy backoff.Policy
	maxAttempts := 0
	visibility := time.Duration(0)
	stepTimeout := time.Duration(0)
	if cfg != nil {
		policy = backoff.Policy{
			BaseDelay: config.Duration(cfg.Defaults.BaseDelay, 0),
			MaxDelay:  config.Duration(cfg.Defaults.MaxDelay, 0),
			Jitter:    cfg.Defaults.Jitter,
		}
		maxAttempts = cfg.Defaults.MaxAttempts
		visibility = config.Duration(cfg.Defaults.Visibility, 0)
		stepTimeout = config.Duration(cfg.Defaults.StepTimeout, 0)
	}

	executor := pipeline.NewExecutor(pipeline.Options{
		Catalog:         catalog,
		Limiter:         limiter,
		Logger:          bootstrap.Logger,
		DefaultPolicy:   policy,
		DefaultAttempts: maxAttempts,
		DefaultTimeout:  stepTimeout,
	})

	workerCfg := worker.Config{
		Visibility:  visibility,
		MaxAttempts: maxAttempts,
		Backoff:     policy,
	}
	if cfg != nil {
		workerCfg.ID = cfg.Worker.ID
		workerCfg.Concurrency = cfg.Worker.Concurrency
		workerCfg.PollInterval = config.Duration(cfg.Worker.PollInterval, 0)
		workerCfg.HeartbeatRatio = cfg.Worker.LeaseHeartbeatRatio
		workerCfg.ReclaimInterval = config.Duration(cfg.Worker.ReclaimInterval, 0)
	}

	runner := worker.New(worker.Options{
		Tasks:     bootstrap.Tasks,
		Queue:     bootstrap.Queue,
		Runs:      bootstrap.Runs,
		Executor:  executor,
		Publisher: bootstrap.Publisher,
		Logger:    bootstrap.Logger,
		Config:    workerCfg,
	})

	// 事件补投与运维查询复用管理面服务层
	service := app.NewService(app.Options{
		Tasks:     bootstrap.Tasks,
		Queue:     bootstrap.Queue,
		Runs:      bootstrap.Runs,
		Catalog:   catalog,
		Publisher: bootstrap.Publisher,
		Logger:    bootstrap.Logger,
	})

	return &App{
		bootstrap: bootstrap,
		service:   service,
		runner:    runner,
	}, nil
}

// Start 启动执行循环与后台任务
func (a *App) Start() error {
	a.bootstrap.Logger.Info("启动 worker 应用")

	cfg := a.bootstrap.Config

	// tracer 先于执行循环初始化，第一条租约的 span 才不会丢
	if cfg != nil && cfg.Monitoring.Tracing.Enable && cfg.Monitoring.Tracing.ExportEndpoint != "" {
		serviceName := cfg.Monitoring.Tracing.ServiceName
		if serviceName == "" {
			serviceName = "tasko-worker"
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
	a.runner.Start(ctx)
	if cfg != nil && cfg.Worker.GC.Enable {
		a.wg.Add(1)
		go a.gcLoop(ctx)
	}

	// 分布式部署时补投其他进程发布的事件；memory 事件日志是进程内的，
	// 订阅无意义
	if cfg != nil && cfg.EventLog.Type == "redis" {
		a.wg.Add(1)
		go a.consumeEvents(ctx)
	}

	if cfg != nil && cfg.Monitoring.Prometheus.Enable && cfg.Monitoring.Prometheus.Port > 0 {
		a.metricsSrv = metrics.NewServer(fmt.Sprintf(":%d", cfg.Monitoring.Prometheus.Port))
		a.bootstrap.Logger.Info("Prometheus 抓取端口已启用", "port", cfg.Monitoring.Prometheus.Port)
	}

	a.bootstrap.Logger.Info("worker 应用启动成功", "worker_id", a.runner.ID())
	return nil
}

// Shutdown 优雅关闭：先停止认领并等待在途执行，宽限期到则中断。
// 被中断的租约留给可见性超时重投
func (a *App) Shutdown(ctx context.Context) error {
	a.bootstrap.Logger.Info("关闭 worker 应用")

	grace := DefaultShutdownGrace
	if a.bootstrap.Config != nil {
		grace = config.Duration(a.bootstrap.Config.Worker.ShutdownGrace, grace)
	}

	stopped := make(chan struct{})
	go func() {
		a.runner.Stop()
		close(stopped)
	}()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-stopped:
	case <-timer.C:
		a.bootstrap.Logger.Warn("停机宽限期已到，中断在途执行", "grace", grace.String())
		a.cancel()
		<-stopped
	case <-ctx.Done():
		a.cancel()
		<-stopped
	}

	a.cancel()
	a.wg.Wait()
	if a.metricsSrv != nil {
		_ = a.metricsSrv.Shutdown(ctx)
	}
	if a.tracerProvider != nil {
		_ = a.tracerProvider.Shutdown(ctx)
	}
	a.bootstrap.Close()
	a.bootstrap.Logger.Info("worker 应用关闭成功")
	return nil
}

// gcLoop 按周期清理超过保留期的 run 记录
func (a *App) gcLoop(ctx context.Context) {
	defer a.wg.Done()

	gcCfg := run.GCConfig{
		Enable:      true,
		TTLDays:     a.bootstrap.Config.Worker.GC.RunTTLDays,
		RunInterval: config.Duration(a.bootstrap.Config.Worker.GC.Interval, 24*time.Hour),
		BatchSize:   a.bootstrap.Config.Worker.GC.BatchSize,
	}
	ticker := time.NewTicker(gcCfg.RunInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := run.GC(ctx, a.bootstrap.Runs, gcCfg); err != nil && ctx.Err() == nil {
				a.bootstrap.Logger.Error("run GC 失败", "error", err)
			}
		}
	}
}

// consumeEvents 以消费组成员身份订阅事件流，把其他进程发布的事件
// 补投成事件触发的 due-work。dedupe key 保证与 API 同步入队路径
// 互相幂等
func (a *App) consumeEvents(ctx context.Context) {
	defer a.wg.Done()

	consumer := a.runner.ID()
	for {
		err := a.bootstrap.EventLog.Subscribe(ctx, eventConsumerGroup, consumer, nil, a.handleEvent)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			a.bootstrap.Logger.Error("事件消费中断，稍后重试", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

// handleEvent 单条事件的补投。生命周期 topic 由系统自身发布，
// 不回流触发，否则失败事件可能自触发成环
func (a *App) handleEvent(ctx context.Context, ev eventlog.Event) error {
	if strings.HasPrefix(ev.Topic, "task.") || strings.HasPrefix(ev.Topic, "run.") {
		return nil
	}
	fired, err := a.service.EnqueueEventFires(ctx, ev.Topic, ev.ID, ev.Payload)
	if err != nil {
		return err
	}
	if fired > 0 {
		a.bootstrap.Logger.Info("事件补投完成", "topic", ev.Topic, "event_id", ev.ID, "fired", fired)
	}
	return nil
}
