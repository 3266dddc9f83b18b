package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API/Scheduler/Worker 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		TickDuration, FiresTotal, DueBacklog,
		RunDuration, RunsTotal, StepDuration,
		LeaseReclaimsTotal, EventsPublishedTotal,
		WorkerBusy,
	)
}

// TickDuration 单次 tick 事务耗时（秒）
var TickDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "tasko_tick_duration_seconds",
		Help:    "单次 tick 事务耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
)

// FiresTotal 入队的 due-work 总数（按触发来源）
var FiresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tasko_fires_total",
		Help: "入队的 due-work 总数（按触发来源）",
	},
	[]string{"trigger"}, // schedule | manual | event | catchup
)

// DueBacklog 待执行 due-work 积压数
var DueBacklog = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "tasko_due_backlog",
		Help: "待执行 due-work 积压数",
	},
)

// RunDuration Run 执行耗时（秒，按结果）
var RunDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "tasko_run_duration_seconds",
		Help:    "Run 执行耗时（秒，按结果）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"status"},
)

// RunsTotal Run 总数（按结果）
var RunsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tasko_runs_total",
		Help: "Run 总数（按结果）",
	},
	[]string{"status"}, // succeeded | failed | dead
)

// StepDuration 步骤调用耗时（秒，按 tool）
var StepDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "tasko_step_duration_seconds",
		Help:    "步骤调用耗时（秒，按 tool）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"tool"},
)

// LeaseReclaimsTotal 过期租约回收总数
var LeaseReclaimsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "tasko_lease_reclaims_total",
		Help: "过期租约回收总数",
	},
)

// EventsPublishedTotal 发布事件总数（按 topic）
var EventsPublishedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tasko_events_published_total",
		Help: "发布事件总数（按 topic）",
	},
	[]string{"topic"},
)

// WorkerBusy 当前正在执行的 due-work 数（每 Worker）
var WorkerBusy = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "tasko_worker_busy",
		Help: "当前正在执行的 due-work 数",
	},
	[]string{"worker_id"},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
