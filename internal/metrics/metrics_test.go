package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/outbreak-sim/pkg/types"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollectorWith(reg), reg
}

func TestNewCollector(t *testing.T) {
	// Reset Prometheus registry to avoid duplicate registration
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector := NewCollector()
	require.NotNil(t, collector)
	assert.NotNil(t, collector.day)
	assert.NotNil(t, collector.infections)
	assert.NotNil(t, collector.resolutionDelay)
}

func TestObserveDay(t *testing.T) {
	c, reg := newTestCollector(t)

	c.ObserveDay(types.DaySummary{
		Day:               7,
		CurrentlyInfected: 6,
		TotalInfected:     8,
		Recovered:         1,
		Deaths:            1,
		Exposed:           9,
		Wave:              &types.Wave{Day: 7, NewInfected: 5, ExposedBefore: 3, ExposedAfter: 9},
		NewlyInfected: []types.Infection{
			{ID: 3, Severity: types.SeverityMild, ResolutionDay: 20},
			{ID: 4, Severity: types.SeverityMild, ResolutionDay: 21},
			{ID: 5, Severity: types.SeveritySevereDies, ResolutionDay: 40},
		},
		NewlyResolved: []types.Resolution{
			{ID: 0, Outcome: types.OutcomeRecovered},
			{ID: 1, Outcome: types.OutcomeDead},
		},
	})

	assert.Equal(t, 7.0, testutil.ToFloat64(c.day))
	assert.Equal(t, 6.0, testutil.ToFloat64(c.currentlyInfected))
	assert.Equal(t, 8.0, testutil.ToFloat64(c.totalInfected))
	assert.Equal(t, 9.0, testutil.ToFloat64(c.exposed))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.waves))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.wavesClamped))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.infections.WithLabelValues("mild")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.infections.WithLabelValues("severe_dies")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.resolutions.WithLabelValues("recovered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.resolutions.WithLabelValues("dead")))

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() != "outbreak_resolution_delay_days" {
			continue
		}
		found = true
		h := mf.GetMetric()[0].GetHistogram()
		assert.Equal(t, uint64(3), h.GetSampleCount())
		assert.Equal(t, float64(13+14+33), h.GetSampleSum())
	}
	assert.True(t, found)
}

func TestObserveDayClampedAndSeed(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ObserveDay(types.DaySummary{
		Day:           -1,
		NewlyInfected: []types.Infection{{ID: 0, Severity: types.SeverityMild, ResolutionDay: 14}},
	})
	c.ObserveDay(types.DaySummary{
		Day:  0,
		Wave: &types.Wave{NewInfected: 1, ExposedBefore: 9, ExposedAfter: 10, Clamped: true},
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.wavesClamped))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.infections.WithLabelValues("mild")))
}

func TestGaugesAndCounters(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetPendingOutcomes(42)
	c.SetRecoveryTime(1.5)
	c.RecordEnsembleRun(nil)
	c.RecordEnsembleRun(nil)
	c.RecordEnsembleRun(errors.New("boom"))
	c.ObserveTick(3 * time.Millisecond)

	assert.Equal(t, 42.0, testutil.ToFloat64(c.pendingOutcomes))
	assert.Equal(t, 1.5, testutil.ToFloat64(c.recoveryTime))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.ensembleRuns.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ensembleRuns.WithLabelValues("failed")))
}

func TestCollectorIsolation(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	require.NotNil(t, NewCollector())
	// A process should have only one collector per registry
	assert.Panics(t, func() {
		NewCollector()
	})

	// Separate registries are independent
	a, _ := newTestCollector(t)
	b, _ := newTestCollector(t)
	a.SetPendingOutcomes(1)
	assert.Equal(t, 0.0, testutil.ToFloat64(b.pendingOutcomes))
}

func TestConcurrentMetricUpdates(t *testing.T) {
	c, _ := newTestCollector(t)

	done := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		go func() {
			c.ObserveDay(types.DaySummary{
				Day:           1,
				NewlyResolved: []types.Resolution{{Outcome: types.OutcomeRecovered}},
			})
			c.ObserveTick(time.Millisecond)
			done <- true
		}()
	}
	for i := 0; i < 100; i++ {
		<-done
	}

	assert.Equal(t, 100.0, testutil.ToFloat64(c.resolutions.WithLabelValues("recovered")))
}

func TestMetricsEndpoint(t *testing.T) {
	c, reg := newTestCollector(t)
	c.ObserveDay(types.DaySummary{Day: 3, TotalInfected: 4, CurrentlyInfected: 4})

	srv := httptest.NewServer(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.True(t, strings.Contains(string(body), "outbreak_day 3"))
	assert.True(t, strings.Contains(string(body), "outbreak_total_infected 4"))
}

func TestServerHandlerUsesGatherer(t *testing.T) {
	c, reg := newTestCollector(t)
	c.SetPendingOutcomes(7)

	s := NewServer(0, reg)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "outbreak_pending_outcomes 7")
}
