// ============================================================================
// outbreak-sim Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 將每日摘要轉為 Prometheus 指標，供儀表板與告警使用
//
// 指標分類:
//
//   1. 狀態指標 (Gauge) - 每個 tick 之後的瞬時值：
//      - outbreak_day
//      - outbreak_currently_infected / recovered / deaths / total_infected
//      - outbreak_exposed
//      - outbreak_pending_outcomes
//      - outbreak_recovery_time_seconds: 最近一次從快照恢復的耗時
//
//   2. 計數器 (Counter) - 只增不減：
//      - outbreak_waves_total / outbreak_waves_clamped_total
//      - outbreak_infections_total{severity}
//      - outbreak_resolutions_total{outcome}
//      - outbreak_ensemble_runs_total{status}
//
//   3. 分佈 (Histogram)：
//      - outbreak_wave_size: 每個波次的新感染數
//      - outbreak_resolution_delay_days: 感染到結算的天數
//      - outbreak_tick_duration_seconds: 單一 tick 的計算耗時
//
// Prometheus 查詢示例:
//
//   # 累計死亡率
//   outbreak_deaths / outbreak_total_infected
//
//   # 各嚴重度的新感染
//   sum by (severity) (rate(outbreak_infections_total[1m]))
//
// HTTP 端點:
//   /metrics，默認端口 9090
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/outbreak-sim/pkg/types"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 狀態指標
	day               prometheus.Gauge
	currentlyInfected prometheus.Gauge
	recovered         prometheus.Gauge
	deaths            prometheus.Gauge
	totalInfected     prometheus.Gauge
	exposed           prometheus.Gauge
	pendingOutcomes   prometheus.Gauge
	recoveryTime      prometheus.Gauge

	// 計數器
	waves        prometheus.Counter
	wavesClamped prometheus.Counter
	infections   *prometheus.CounterVec
	resolutions  *prometheus.CounterVec
	ensembleRuns *prometheus.CounterVec

	// 分佈
	waveSize        prometheus.Histogram
	resolutionDelay prometheus.Histogram
	tickDuration    prometheus.Histogram
}

// NewCollector 創建並註冊到 prometheus.DefaultRegisterer
func NewCollector() *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer)
}

// NewCollectorWith 創建並註冊到指定的 Registerer
func NewCollectorWith(reg prometheus.Registerer) *Collector {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Name: "outbreak_" + name, Help: help})
	}

	c := &Collector{
		day:               gauge("day", "Last simulated day"),
		currentlyInfected: gauge("currently_infected", "Individuals infected and not yet resolved"),
		recovered:         gauge("recovered", "Individuals recovered"),
		deaths:            gauge("deaths", "Individuals dead"),
		totalInfected:     gauge("total_infected", "Individuals ever infected"),
		exposed:           gauge("exposed", "Upper bound of the exposure window"),
		pendingOutcomes:   gauge("pending_outcomes", "Outcomes scheduled but not yet resolved"),
		recoveryTime:      gauge("recovery_time_seconds", "Time taken to restore from snapshot in seconds"),

		waves: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbreak_waves_total",
			Help: "Total number of infection waves",
		}),
		wavesClamped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbreak_waves_clamped_total",
			Help: "Waves truncated by population saturation",
		}),
		infections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbreak_infections_total",
			Help: "New infections by assigned severity",
		}, []string{"severity"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbreak_resolutions_total",
			Help: "Resolved infections by outcome",
		}, []string{"outcome"}),
		ensembleRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbreak_ensemble_runs_total",
			Help: "Ensemble runs by completion status",
		}, []string{"status"}),

		waveSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "outbreak_wave_size",
			Help:    "New infections per wave",
			Buckets: prometheus.ExponentialBuckets(1, 2, 13),
		}),
		resolutionDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "outbreak_resolution_delay_days",
			Help:    "Days from infection to scheduled resolution",
			Buckets: prometheus.LinearBuckets(5, 5, 13),
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "outbreak_tick_duration_seconds",
			Help:    "Time spent computing one simulated day",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.day, c.currentlyInfected, c.recovered, c.deaths, c.totalInfected,
		c.exposed, c.pendingOutcomes, c.recoveryTime,
		c.waves, c.wavesClamped, c.infections, c.resolutions, c.ensembleRuns,
		c.waveSize, c.resolutionDelay, c.tickDuration,
	)
	return c
}

// ObserveDay 記錄一個每日摘要
//
// 同一個摘要只能記錄一次（終止後重複的 Tick 結果不要再餵進來）。
func (c *Collector) ObserveDay(s types.DaySummary) {
	c.day.Set(float64(s.Day))
	c.currentlyInfected.Set(float64(s.CurrentlyInfected))
	c.recovered.Set(float64(s.Recovered))
	c.deaths.Set(float64(s.Deaths))
	c.totalInfected.Set(float64(s.TotalInfected))
	c.exposed.Set(float64(s.Exposed))

	if s.Wave != nil {
		c.waves.Inc()
		c.waveSize.Observe(float64(s.Wave.NewInfected))
		if s.Wave.Clamped {
			c.wavesClamped.Inc()
		}
	}

	infectedDay := max(s.Day, 0)
	for _, inf := range s.NewlyInfected {
		c.infections.WithLabelValues(string(inf.Severity)).Inc()
		c.resolutionDelay.Observe(float64(inf.ResolutionDay - infectedDay))
	}
	for _, r := range s.NewlyResolved {
		c.resolutions.WithLabelValues(string(r.Outcome)).Inc()
	}
}

// ObserveTick 記錄單一 tick 耗時
func (c *Collector) ObserveTick(d time.Duration) {
	c.tickDuration.Observe(d.Seconds())
}

// SetPendingOutcomes 設置排程中尚未結算的數量
func (c *Collector) SetPendingOutcomes(n int) {
	c.pendingOutcomes.Set(float64(n))
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(seconds float64) {
	c.recoveryTime.Set(seconds)
}

// RecordEnsembleRun 記錄一次 ensemble 執行結果
func (c *Collector) RecordEnsembleRun(err error) {
	status := "ok"
	if err != nil {
		status = "failed"
	}
	c.ensembleRuns.WithLabelValues(status).Inc()
}

// Server metrics HTTP 伺服器
type Server struct {
	srv *http.Server
}

// NewServer 建立 /metrics 伺服器；gatherer 為 nil 時使用 DefaultGatherer
func NewServer(port int, gatherer prometheus.Gatherer) *Server {
	handler := promhttp.Handler()
	if gatherer != nil {
		handler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	return &Server{srv: &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Start 阻塞直到伺服器關閉；正常 Shutdown 時回傳 nil
func (s *Server) Start() error {
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 優雅關閉
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
