package controller

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/outbreak-sim/internal/epidemic"
	"github.com/ChuLiYu/outbreak-sim/internal/metrics"
	"github.com/ChuLiYu/outbreak-sim/internal/snapshot"
	"github.com/ChuLiYu/outbreak-sim/internal/storage/journal"
	"github.com/ChuLiYu/outbreak-sim/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

const testSeed = 21

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		Params:       epidemic.DefaultParams(),
		Population:   600,
		PatientZeros: 1,
		Seed:         testSeed,
		Seeded:       true,
		JournalPath:  filepath.Join(dir, "outbreak.journal"),
		SnapshotPath: filepath.Join(dir, "outbreak.snapshot"),
	}
}

// createTestController creates a test Controller and stops it on cleanup
func createTestController(t *testing.T, cfg Config, opts ...Option) *Controller {
	t.Helper()
	c, err := NewController(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c
}

func waitDone(t *testing.T, c *Controller, timeout time.Duration) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(timeout):
		t.Fatalf("controller did not finish within %s", timeout)
	}
}

// referenceRun runs the same configuration without any persistence.
func referenceRun(t *testing.T, cfg Config) epidemic.Counts {
	t.Helper()
	sim, err := epidemic.New(cfg.Params,
		epidemic.WithPopulation(cfg.Population),
		epidemic.WithPatientZeros(cfg.PatientZeros),
		epidemic.WithSeed(cfg.Seed))
	require.NoError(t, err)
	require.NoError(t, sim.Run(context.Background(), 0, nil))
	return sim.Counts()
}

type fakeStore struct {
	mu       sync.Mutex
	begun    int
	days     []types.DaySummary
	finished *types.DaySummary
}

func (s *fakeStore) BeginRun(_ context.Context, _ uint64, _ epidemic.Params, _ int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.begun++
	return int64(s.begun), nil
}

func (s *fakeStore) RecordDay(_ context.Context, _ int64, d types.DaySummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.days = append(s.days, d)
	return nil
}

func (s *fakeStore) FinishRun(_ context.Context, _ int64, final types.DaySummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = &final
	return nil
}

type fakePublisher struct {
	mu   sync.Mutex
	days []int
}

func (p *fakePublisher) Publish(s types.DaySummary) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.days = append(p.days, s.Day)
}

func (p *fakePublisher) seen() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.days...)
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewControllerRequiresPaths(t *testing.T) {
	_, err := NewController(Config{Params: epidemic.DefaultParams()})
	assert.Error(t, err)
}

func TestStartTwice(t *testing.T) {
	cfg := testConfig(t)
	cfg.TickInterval = time.Hour
	c := createTestController(t, cfg)

	require.NoError(t, c.Start(context.Background()))
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)
}

func TestStartAfterStop(t *testing.T) {
	c := createTestController(t, testConfig(t))
	c.Stop()
	assert.ErrorIs(t, c.Start(context.Background()), ErrStopped)
}

func TestStartInvalidParams(t *testing.T) {
	cfg := testConfig(t)
	cfg.Params.R0 = -1
	c := createTestController(t, cfg)

	err := c.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, epidemic.ErrConfiguration)
}

func TestRunToTermination(t *testing.T) {
	cfg := testConfig(t)
	c := createTestController(t, cfg)

	require.NoError(t, c.Start(context.Background()))
	waitDone(t, c, 10*time.Second)

	st := c.Status()
	assert.Equal(t, epidemic.PhaseTerminated, st.Phase)
	assert.Equal(t, uint64(testSeed), st.Seed)
	assert.False(t, st.Restored)
	assert.Empty(t, st.Error)
	assert.Equal(t, referenceRun(t, cfg), st.Counts)
	assert.True(t, st.Last.Terminated)
	require.NoError(t, c.Err())

	// 每一天都先寫入 journal
	tally, err := journal.Check(cfg.JournalPath, 0)
	require.NoError(t, err)
	assert.Equal(t, st.Counts.TotalInfected, tally.TotalInfected)
	assert.Equal(t, st.Counts.Recovered, tally.Recovered)
	assert.Equal(t, st.Counts.Deaths, tally.Deaths)
	assert.Equal(t, st.LastSeq, tally.LastSeq)
}

func TestMaxDays(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxDays = 10
	c := createTestController(t, cfg)

	require.NoError(t, c.Start(context.Background()))
	waitDone(t, c, 5*time.Second)

	st := c.Status()
	assert.Equal(t, epidemic.PhaseRunning, st.Phase)
	assert.Equal(t, 10, st.Day)
	assert.Equal(t, 9, st.Last.Day)
}

func TestStopWritesFinalSnapshot(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxDays = 15
	c := createTestController(t, cfg)

	require.NoError(t, c.Start(context.Background()))
	waitDone(t, c, 5*time.Second)
	c.Stop()

	data, err := snapshot.NewManager(cfg.SnapshotPath).Load()
	require.NoError(t, err)
	assert.Equal(t, 15, data.State.Day)
	assert.Equal(t, c.Status().LastSeq, data.LastSeq)

	// Stop 是冪等的
	c.Stop()
}

// ============================================================================
// Recovery Tests
// ============================================================================

func TestResumeFromSnapshotMatchesUninterruptedRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxDays = 12

	first := createTestController(t, cfg)
	require.NoError(t, first.Start(context.Background()))
	waitDone(t, first, 5*time.Second)
	first.Stop()

	cfg.MaxDays = 0
	second := createTestController(t, cfg)
	require.NoError(t, second.Start(context.Background()))
	waitDone(t, second, 10*time.Second)

	st := second.Status()
	assert.True(t, st.Restored)
	assert.Equal(t, epidemic.PhaseTerminated, st.Phase)
	assert.Equal(t, referenceRun(t, cfg), st.Counts)

	tally, err := journal.Check(cfg.JournalPath, 0)
	require.NoError(t, err)
	assert.Equal(t, st.Counts.TotalInfected, tally.TotalInfected)
	assert.Equal(t, st.Counts.Deaths, tally.Deaths)
}

func TestResumeTruncatesJournalPastSnapshot(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxDays = 10

	a := createTestController(t, cfg)
	require.NoError(t, a.Start(context.Background()))
	waitDone(t, a, 5*time.Second)
	a.Stop()

	early, err := os.ReadFile(cfg.SnapshotPath)
	require.NoError(t, err)

	b := createTestController(t, cfg)
	require.NoError(t, b.Start(context.Background()))
	waitDone(t, b, 5*time.Second)
	b.Stop()
	assert.Equal(t, 20, b.Status().Day)

	// 模擬崩潰：較新的快照遺失，journal 卻已寫到第 20 天
	require.NoError(t, os.WriteFile(cfg.SnapshotPath, early, 0644))

	cfg.MaxDays = 0
	c := createTestController(t, cfg)
	require.NoError(t, c.Start(context.Background()))
	waitDone(t, c, 10*time.Second)

	st := c.Status()
	assert.Equal(t, referenceRun(t, cfg), st.Counts)

	tally, err := journal.Check(cfg.JournalPath, 0)
	require.NoError(t, err, "journal must not contain duplicated days")
	assert.Equal(t, st.Counts.TotalInfected, tally.TotalInfected)
	assert.Equal(t, st.Counts.Recovered, tally.Recovered)
	assert.NoError(t, journal.Validate(cfg.JournalPath))
}

func TestResumeTerminatedSnapshotDoesNotTick(t *testing.T) {
	cfg := testConfig(t)
	a := createTestController(t, cfg)
	require.NoError(t, a.Start(context.Background()))
	waitDone(t, a, 10*time.Second)
	a.Stop()
	lastSeq := a.Status().LastSeq

	b := createTestController(t, cfg)
	require.NoError(t, b.Start(context.Background()))
	waitDone(t, b, 5*time.Second)

	assert.Equal(t, epidemic.PhaseTerminated, b.Status().Phase)
	assert.Equal(t, lastSeq, b.Status().LastSeq)
}

func TestFreshIgnoresSnapshot(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxDays = 8
	a := createTestController(t, cfg)
	require.NoError(t, a.Start(context.Background()))
	waitDone(t, a, 5*time.Second)
	a.Stop()

	cfg.Fresh = true
	cfg.MaxDays = 3
	b := createTestController(t, cfg)
	require.NoError(t, b.Start(context.Background()))
	waitDone(t, b, 5*time.Second)

	st := b.Status()
	assert.False(t, st.Restored)
	assert.Equal(t, 3, st.Day)

	// 舊 journal 已旋轉，新的從頭開始
	require.NoError(t, journal.Validate(cfg.JournalPath))
	rotated, err := filepath.Glob(cfg.JournalPath + ".*")
	require.NoError(t, err)
	assert.NotEmpty(t, rotated)
}

// ============================================================================
// Failure Tests
// ============================================================================

func TestScheduleOverflowFailsRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.Population = epidemic.DefaultPopulationSize
	cfg.Seed = 8
	cfg.Horizon = 20
	c := createTestController(t, cfg)

	require.NoError(t, c.Start(context.Background()))
	waitDone(t, c, 5*time.Second)

	st := c.Status()
	assert.Equal(t, epidemic.PhaseFailed, st.Phase)
	assert.NotEmpty(t, st.Error)
	assert.ErrorIs(t, c.Err(), epidemic.ErrScheduleOverflow)

	c.Stop()
	// 失敗的模擬不寫快照
	assert.False(t, snapshot.NewManager(cfg.SnapshotPath).Exists())
}

func TestOverflowAtCreation(t *testing.T) {
	cfg := testConfig(t)
	cfg.Seed = 1
	cfg.Horizon = 5
	c := createTestController(t, cfg)

	err := c.Start(context.Background())
	assert.ErrorIs(t, err, epidemic.ErrScheduleOverflow)
}

// ============================================================================
// Control Tests
// ============================================================================

func TestPauseResume(t *testing.T) {
	cfg := testConfig(t)
	cfg.TickInterval = 5 * time.Millisecond
	c := createTestController(t, cfg)

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return c.Status().Day >= 2 }, 2*time.Second, 5*time.Millisecond)

	c.Pause()
	paused := c.Status()
	assert.True(t, paused.Paused)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, paused.Day, c.Status().Day)

	c.Resume()
	assert.False(t, c.Status().Paused)
	require.Eventually(t, func() bool { return c.Status().Day > paused.Day }, 2*time.Second, 5*time.Millisecond)
}

func TestPauseUnthrottled(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxDays = 1000
	c := createTestController(t, cfg)
	c.Pause()

	require.NoError(t, c.Start(context.Background()))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, c.Status().Day)

	c.Resume()
	waitDone(t, c, 10*time.Second)
	assert.Greater(t, c.Status().Day, 0)
}

func TestContextCancelStops(t *testing.T) {
	cfg := testConfig(t)
	cfg.TickInterval = time.Hour
	c := createTestController(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	cancel()

	waitDone(t, c, 5*time.Second)
	assert.True(t, snapshot.NewManager(cfg.SnapshotPath).Exists())
}

func TestSnapshotLoop(t *testing.T) {
	cfg := testConfig(t)
	cfg.TickInterval = 2 * time.Millisecond
	cfg.SnapshotInterval = 10 * time.Millisecond
	c := createTestController(t, cfg)

	require.NoError(t, c.Start(context.Background()))
	mgr := snapshot.NewManager(cfg.SnapshotPath)
	require.Eventually(t, mgr.Exists, 2*time.Second, 5*time.Millisecond)
}

// ============================================================================
// Output Tests
// ============================================================================

func TestSubscribersAndPublishers(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxDays = 20
	cfg.TickInterval = time.Millisecond
	store := &fakeStore{}
	pub := &fakePublisher{}
	c := createTestController(t, cfg, WithStore(store), WithPublisher(pub))

	ch, cancel := c.Subscribe(64)
	defer cancel()

	require.NoError(t, c.Start(context.Background()))

	var got []int
	for s := range ch {
		got = append(got, s.Day)
		if len(got) == 21 {
			break
		}
	}
	waitDone(t, c, 5*time.Second)
	c.Stop()

	// 種子摘要 (-1) 加上 20 天
	want := make([]int, 0, 21)
	for d := epidemic.SeedDay; d < 20; d++ {
		want = append(want, d)
	}
	assert.Equal(t, want, got)
	assert.Equal(t, want, pub.seen())

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 1, store.begun)
	assert.Len(t, store.days, 21)
	require.NotNil(t, store.finished)
	assert.Equal(t, 19, store.finished.Day)

	_, open := <-ch
	assert.False(t, open, "subscription closes on Stop")
}

func TestSubscribeCancel(t *testing.T) {
	c := createTestController(t, testConfig(t))
	ch, cancel := c.Subscribe(1)
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)
}

func TestMetricsWired(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxDays = 7
	reg := prometheus.NewRegistry()
	c := createTestController(t, cfg, WithMetrics(metrics.NewCollectorWith(reg)))

	require.NoError(t, c.Start(context.Background()))
	waitDone(t, c, 5*time.Second)

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		if m := mf.GetMetric(); len(m) == 1 && m[0].GetGauge() != nil {
			values[mf.GetName()] = m[0].GetGauge().GetValue()
		}
	}
	assert.Equal(t, 6.0, values["outbreak_day"])
	assert.Equal(t, float64(c.Status().Counts.TotalInfected), values["outbreak_total_infected"])
}

type failingStore struct{ fakeStore }

func (s *failingStore) BeginRun(context.Context, uint64, epidemic.Params, int) (int64, error) {
	return 0, errors.New("database is locked")
}

func TestStoreBeginFailureAbortsStart(t *testing.T) {
	c := createTestController(t, testConfig(t), WithStore(&failingStore{}))
	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
}
