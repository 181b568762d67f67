package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	registerOnce           sync.Once
	auditEvents            *prometheus.CounterVec
	auditDrops             *prometheus.CounterVec
	transferBatchDuration  *prometheus.HistogramVec
	transferRows           *prometheus.CounterVec
	connectionTests        *prometheus.CounterVec
	defaultDurationBuckets = prometheus.DefBuckets
)

const (
	namespaceMetrics = "audittrail"
)

// MustRegister 初始化 Prometheus 指标并注册 Go 运行时采样器，需在应用启动阶段调用一次。
func MustRegister() {
	registerOnce.Do(func() {
		auditEvents = registerCounterVec(
			prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespaceMetrics,
					Subsystem: "pipeline",
					Name:      "events_total",
					Help:      "事件在触发管道各阶段的数量（triggered/queued/committed/filtered）。",
				},
				[]string{"stage"},
			),
		)
		auditDrops = registerCounterVec(
			prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespaceMetrics,
					Subsystem: "pipeline",
					Name:      "dropped_total",
					Help:      "提交阶段被丢弃的事件数量，按原因统计。",
				},
				[]string{"reason"},
			),
		)
		transferBatchDuration = registerHistogramVec(
			prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespaceMetrics,
					Subsystem: "transfer",
					Name:      "batch_duration_seconds",
					Help:      "迁移/镜像/归档单批次耗时。",
					Buckets:   defaultDurationBuckets,
				},
				[]string{"operation", "status"},
			),
		)
		transferRows = registerCounterVec(
			prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespaceMetrics,
					Subsystem: "transfer",
					Name:      "rows_total",
					Help:      "批量传输的 occurrence 行数。",
				},
				[]string{"operation"},
			),
		)
		connectionTests = registerCounterVec(
			prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespaceMetrics,
					Subsystem: "connection",
					Name:      "tests_total",
					Help:      "外部连接测试次数，按结果分类。",
				},
				[]string{"result"},
			),
		)

		registerRuntimeCollectors()
	})
}

// RecordEvent 记录一次管道阶段流转。
func RecordEvent(stage string) {
	if auditEvents == nil {
		return
	}
	auditEvents.WithLabelValues(normalizeLabel(stage, "unknown")).Inc()
}

// RecordDrop 记录一次被丢弃的事件。
func RecordDrop(reason string) {
	if auditDrops == nil {
		return
	}
	auditDrops.WithLabelValues(normalizeLabel(reason, "unknown")).Inc()
}

// ObserveTransferBatch 记录一个传输批次的耗时与行数。
func ObserveTransferBatch(operation, status string, duration time.Duration, rows int) {
	if transferBatchDuration == nil {
		return
	}
	op := normalizeLabel(operation, "unknown")
	transferBatchDuration.WithLabelValues(op, normalizeLabel(status, "unknown")).Observe(duration.Seconds())
	if transferRows != nil && rows > 0 {
		transferRows.WithLabelValues(op).Add(float64(rows))
	}
}

// RecordConnectionTest 记录连接测试结果。
func RecordConnectionTest(result string) {
	if connectionTests == nil {
		return
	}
	connectionTests.WithLabelValues(normalizeLabel(result, "unknown")).Inc()
}

func normalizeLabel(value string, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}

func registerCounterVec(vec *prometheus.CounterVec) *prometheus.CounterVec {
	if err := prometheus.Register(vec); err != nil {
		if existing := alreadyRegisteredCounterVec(err); existing != nil {
			return existing
		}
		panic(err)
	}
	return vec
}

func registerHistogramVec(vec *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := prometheus.Register(vec); err != nil {
		if existing := alreadyRegisteredHistogramVec(err); existing != nil {
			return existing
		}
		panic(err)
	}
	return vec
}

func registerRuntimeCollectors() {
	if err := prometheus.Register(collectors.NewGoCollector()); err != nil {
		if !isAlreadyRegistered(err) {
			panic(err)
		}
	}
	if err := prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		if !isAlreadyRegistered(err) {
			panic(err)
		}
	}
}

func alreadyRegisteredCounterVec(err error) *prometheus.CounterVec {
	if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
		if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
			return existing
		}
	}
	return nil
}

func alreadyRegisteredHistogramVec(err error) *prometheus.HistogramVec {
	if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
		if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
			return existing
		}
	}
	return nil
}

func isAlreadyRegistered(err error) bool {
	_, ok := err.(prometheus.AlreadyRegisteredError)
	return ok
}
