// Package metrics реализует экспорт метрик в Prometheus
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"neurofocus-service/internal/models"
)

// Prometheus метрики
var (
	// RequestsTotal общее количество HTTP запросов
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neurofocus_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"endpoint", "method", "status"},
	)

	// RequestDuration длительность запросов
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "neurofocus_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"endpoint", "method"},
	)

	// SamplesReceived сырые отсчеты по источнику (http, mqtt)
	SamplesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neurofocus_samples_received_total",
			Help: "Total number of raw samples received",
		},
		[]string{"source"},
	)

	// SamplesDropped отсчеты, вытесненные при переполнении очереди
	SamplesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "neurofocus_samples_dropped_total",
			Help: "Raw samples dropped on buffer overflow",
		},
	)

	// SamplesStabilized выданные отсчеты равномерного ряда
	SamplesStabilized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neurofocus_samples_stabilized_total",
			Help: "Stabilized samples emitted, by kind (fresh, held)",
		},
		[]string{"kind"},
	)

	// DecodeErrors нераспознанные сообщения транспорта
	DecodeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "neurofocus_ingest_decode_errors_total",
			Help: "Transport payloads that could not be decoded",
		},
	)

	// BufferPending глубина очереди сырых отсчетов
	BufferPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "neurofocus_buffer_pending",
			Help: "Raw samples waiting in the jitter buffer",
		},
	)

	// BandPower мощность по диапазонам в живом окне
	BandPower = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "neurofocus_band_power",
			Help: "Band power of the live window",
		},
		[]string{"band"},
	)

	// FocusScore текущий показатель фокуса
	FocusScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "neurofocus_focus_score",
			Help: "Focus score of the live window (0-100)",
		},
	)

	// LowBetaAlarms срабатывания тревоги устойчиво низкой beta
	LowBetaAlarms = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "neurofocus_low_beta_alarms_total",
			Help: "Persistence checks that raised the sustained low-beta alarm",
		},
	)

	// AnalysisResults результаты анализа окон по статусу
	AnalysisResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neurofocus_analysis_results_total",
			Help: "Window analyses by status",
		},
		[]string{"status"},
	)

	// AnalysisLatency время выполнения анализа
	AnalysisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "neurofocus_analysis_latency_seconds",
			Help:    "Window analysis latency in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05},
		},
	)

	// StageRecords сохранение завершенных этапов по приемнику и результату
	StageRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neurofocus_stage_records_total",
			Help: "Stage records handed to sinks, by sink and result",
		},
		[]string{"sink", "result"},
	)

	// ActiveSessions 1, если идет сессия
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "neurofocus_active_sessions",
			Help: "Number of active recording sessions",
		},
	)

	// ActiveGoroutines количество активных горутин
	ActiveGoroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "neurofocus_active_goroutines",
			Help: "Number of active goroutines",
		},
	)
)

// UpdateAnalysisMetrics обновляет метрики живого окна
func UpdateAnalysisMetrics(result models.WindowAnalysis) {
	AnalysisResults.WithLabelValues(result.Status).Inc()
	if !result.OK() {
		return
	}
	BandPower.WithLabelValues("delta").Set(result.Bands.Delta)
	BandPower.WithLabelValues("theta").Set(result.Bands.Theta)
	BandPower.WithLabelValues("alpha").Set(result.Bands.Alpha)
	BandPower.WithLabelValues("beta").Set(result.Bands.Beta)
	BandPower.WithLabelValues("gamma").Set(result.Bands.Gamma)
	FocusScore.Set(result.FocusScore)
	if result.LowBetaWarning {
		LowBetaAlarms.Inc()
	}
}
