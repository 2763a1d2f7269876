package ensemble

// ============================================================================
// Worker Pool / Ensemble Test File
// Purpose: Verify concurrent execution, determinism, timeout, graceful shutdown
// ============================================================================

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/outbreak-sim/internal/epidemic"
	"github.com/ChuLiYu/outbreak-sim/internal/metrics"
	"github.com/ChuLiYu/outbreak-sim/pkg/types"
)

// ============================================================================
// Pool Tests
// ============================================================================

func TestNewPool(t *testing.T) {
	pool := NewPool(10)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

func TestPoolStart(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(4))
	assert.Equal(t, 4, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	assert.Error(t, pool.Start(2))
	pool.Stop()

	assert.Error(t, NewPool(1).Start(0))
}

func TestSubmitStates(t *testing.T) {
	pool := NewPool(1)
	assert.ErrorIs(t, pool.Submit(Task{}), ErrPoolNotStarted)

	require.NoError(t, pool.Start(1))
	pool.Stop()
	pool.Stop() // idempotent

	assert.ErrorIs(t, pool.Submit(Task{}), ErrPoolClosed)
	_, err := pool.ReceiveResult()
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestConcurrentSubmitAndStop(t *testing.T) {
	pool := NewPool(0)
	require.NoError(t, pool.Start(2))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := pool.Submit(Task{RunID: i, Seed: uint64(i), Params: epidemic.DefaultParams(), Population: 50, MaxDays: 5})
			if err != nil {
				assert.ErrorIs(t, err, ErrPoolClosed)
			}
		}(i)
	}
	time.Sleep(5 * time.Millisecond)
	pool.Stop()
	wg.Wait()
}

func TestWorkerExecution(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	for i := 0; i < 3; i++ {
		require.NoError(t, pool.Submit(Task{RunID: i, Seed: uint64(100 + i), Params: epidemic.DefaultParams(), Population: 300}))
	}

	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		r, err := pool.ReceiveResult()
		require.NoError(t, err)
		require.NoError(t, r.Err)
		assert.True(t, r.Final.Terminated)
		seen[r.RunID] = true
	}
	assert.Len(t, seen, 3)
}

func TestReceiveContext(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := pool.ReceiveContext(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStopCancelsRunningSimulation(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(1))
	require.NoError(t, pool.Submit(Task{Seed: 1, Params: epidemic.DefaultParams(), Population: 500_000}))
	time.Sleep(10 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		pool.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop waited for the simulation to finish")
	}
}

// ============================================================================
// Worker Tests
// ============================================================================

func TestExecuteTracksPeak(t *testing.T) {
	task := Task{RunID: 7, Seed: 31, Params: epidemic.DefaultParams(), Population: 800}
	w := newWorker(0, nil, nil, nil)
	r := w.execute(task)
	require.NoError(t, r.Err)

	sim, err := epidemic.New(task.Params, epidemic.WithSeed(task.Seed), epidemic.WithPopulation(task.Population))
	require.NoError(t, err)
	peak, peakDay, days := sim.Current().CurrentlyInfected, 0, 0
	require.NoError(t, sim.Run(context.Background(), 0, func(s types.DaySummary) error {
		days++
		if s.CurrentlyInfected > peak {
			peak, peakDay = s.CurrentlyInfected, s.Day
		}
		return nil
	}))

	assert.Equal(t, 7, r.RunID)
	assert.Equal(t, uint64(31), r.Seed)
	assert.Equal(t, peak, r.PeakInfected)
	assert.Equal(t, peakDay, r.PeakDay)
	assert.Equal(t, days, r.Days)
	assert.Equal(t, sim.Counts().Deaths, r.Final.Deaths)
	assert.GreaterOrEqual(t, r.PeakInfected, 1)
}

func TestExecuteMaxDays(t *testing.T) {
	w := newWorker(0, nil, nil, nil)
	r := w.execute(Task{Seed: 2, Params: epidemic.DefaultParams(), MaxDays: 10})
	require.NoError(t, r.Err)
	assert.Equal(t, 10, r.Days)
	assert.Equal(t, 9, r.Final.Day)
}

func TestExecuteErrors(t *testing.T) {
	tests := []struct {
		name string
		task Task
		want error
	}{
		{"invalid params", Task{Params: epidemic.Params{R0: -1}}, epidemic.ErrConfiguration},
		{"schedule overflow", Task{Seed: 1, Params: epidemic.DefaultParams(), Horizon: 5}, epidemic.ErrScheduleOverflow},
		{"timeout", Task{Seed: 1, Params: epidemic.DefaultParams(), Population: 100000, Timeout: time.Nanosecond}, context.DeadlineExceeded},
	}

	w := newWorker(0, nil, nil, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := w.execute(tt.task)
			assert.ErrorIs(t, r.Err, tt.want)
		})
	}
}

// ============================================================================
// Ensemble Tests
// ============================================================================

func ensembleConfig() Config {
	return Config{
		Params:     epidemic.DefaultParams(),
		Population: 500,
		BaseSeed:   1000,
		Runs:       8,
		Workers:    3,
	}
}

func TestRunIsDeterministicAcrossWorkerCounts(t *testing.T) {
	cfg := ensembleConfig()
	a, aggA, err := Run(context.Background(), cfg)
	require.NoError(t, err)

	cfg.Workers = 1
	b, aggB, err := Run(context.Background(), cfg)
	require.NoError(t, err)

	require.Len(t, a, 8)
	for i := range a {
		assert.Equal(t, i, a[i].RunID)
		assert.Equal(t, uint64(1000+i), a[i].Seed)
		assert.Equal(t, a[i].Final, b[i].Final)
		assert.Equal(t, a[i].PeakInfected, b[i].PeakInfected)
	}
	assert.Equal(t, aggA, aggB)
	assert.Equal(t, 8, aggA.Runs)
	assert.Zero(t, aggA.Failed)
}

func TestRunRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollectorWith(reg)
	cfg := ensembleConfig()
	cfg.Runs = 4
	cfg.Metrics = collector

	_, _, err := Run(context.Background(), cfg)
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(reg, "outbreak_ensemble_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRunValidation(t *testing.T) {
	cfg := ensembleConfig()
	cfg.Runs = 0
	_, _, err := Run(context.Background(), cfg)
	assert.Error(t, err)

	cfg = ensembleConfig()
	cfg.Params.FatalityRate = 2
	_, _, err = Run(context.Background(), cfg)
	assert.ErrorIs(t, err, epidemic.ErrConfiguration)
}

func TestRunCancelled(t *testing.T) {
	cfg := ensembleConfig()
	cfg.Population = 500_000
	cfg.Runs = 4
	cfg.Workers = 2

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, _, err := Run(ctx, cfg)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunWithFailures(t *testing.T) {
	cfg := ensembleConfig()
	cfg.Runs = 3
	cfg.Horizon = 5

	results, agg, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Equal(t, 3, agg.Failed)
	assert.Zero(t, agg.Runs)
}

func TestSeeds(t *testing.T) {
	assert.Equal(t, []uint64{5, 6, 7}, Seeds(5, 3))
	assert.Empty(t, Seeds(5, 0))
}

func TestSummarize(t *testing.T) {
	results := []Result{
		{Final: types.DaySummary{TotalInfected: 100, Deaths: 4}, PeakInfected: 40, PeakDay: 20, Days: 80},
		{Final: types.DaySummary{TotalInfected: 300, Deaths: 6}, PeakInfected: 90, PeakDay: 30, Days: 120},
		{Err: errors.New("failed")},
	}

	agg := Summarize(results)
	assert.Equal(t, 2, agg.Runs)
	assert.Equal(t, 1, agg.Failed)
	assert.Equal(t, 200.0, agg.MeanTotalInfected)
	assert.Equal(t, 300, agg.MaxTotalInfected)
	assert.Equal(t, 5.0, agg.MeanDeaths)
	assert.Equal(t, 6, agg.MaxDeaths)
	assert.Equal(t, 65.0, agg.MeanPeakInfected)
	assert.Equal(t, 90, agg.MaxPeakInfected)
	assert.Equal(t, 25.0, agg.MeanPeakDay)
	assert.Equal(t, 100.0, agg.MeanDays)
	assert.Equal(t, 120, agg.MaxDays)
	assert.InDelta(t, (0.04+0.02)/2, agg.MeanFatalityRate, 1e-12)

	assert.Equal(t, Aggregate{}, Summarize(nil))
}
