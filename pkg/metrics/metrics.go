package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		JobDuration, JobTotal, JobRetryTotal, DedupeHitTotal,
		QueueDepth, DispatchWait,
		HandlerDuration, HandlerTimeoutTotal,
		RPCDuration, RuntimeRestartTotal,
		AuditAppendTotal,
	)
}

// JobDuration Job 执行耗时（秒）
var JobDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "orchestrator_job_duration_seconds",
		Help:    "Job 执行耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"type"},
)

// JobTotal Job 终态总数（按状态）
var JobTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "orchestrator_job_total",
		Help: "Job 终态总数（按状态）",
	},
	[]string{"status"}, // completed | failed | canceled
)

// JobRetryTotal Job 重试次数
var JobRetryTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "orchestrator_job_retry_total",
		Help: "Job 重试次数",
	},
	[]string{"type"},
)

// DedupeHitTotal 去重命中次数（按模式）
var DedupeHitTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "orchestrator_dedupe_hit_total",
		Help: "去重命中次数",
	},
	[]string{"mode"}, // return_existing | merge_duplicate
)

// QueueDepth 当前排队中的 Job 数（按优先级桶）
var QueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "orchestrator_queue_depth",
		Help: "当前排队中的 Job 数",
	},
	[]string{"bucket"}, // interactive | background
)

// DispatchWait Job 从入队到派发的等待时间（秒）
var DispatchWait = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "orchestrator_dispatch_wait_seconds",
		Help:    "Job 从入队到派发的等待时间（秒）",
		Buckets: []float64{.05, .25, 1, 5, 15, 30, 60, 120},
	},
	[]string{"bucket"},
)

// HandlerDuration 扩展 handler 执行耗时（秒）
var HandlerDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "orchestrator_handler_duration_seconds",
		Help:    "扩展 handler 执行耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"module"},
)

// HandlerTimeoutTotal 扩展 handler 超时次数
var HandlerTimeoutTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "orchestrator_handler_timeout_total",
		Help: "扩展 handler 超时次数",
	},
	[]string{"module"},
)

// RPCDuration 子进程 JSON-RPC 往返耗时（秒）
var RPCDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "orchestrator_rpc_duration_seconds",
		Help:    "子进程 JSON-RPC 往返耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"method"},
)

// RuntimeRestartTotal 子进程重启次数
var RuntimeRestartTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "orchestrator_runtime_restart_total",
		Help: "子进程重启次数",
	},
)

// AuditAppendTotal 审计条目追加次数
var AuditAppendTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "orchestrator_audit_append_total",
		Help: "审计条目追加次数",
	},
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
