// ============================================================================
// outbreak-sim 控制器 - 模擬執行協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 以固定節奏推進模擬，並協調持久化、監控與推播
//
// 架構設計:
//   Controller 擁有唯一的 Simulator，並協調以下組件：
//   - Journal: append-only 事件日誌，每一天先寫入再發佈（write-ahead）
//   - Snapshot: 快照管理，定期保存完整狀態（含亂數狀態），加速恢復
//   - Metrics: Prometheus 指標
//   - RunStore: 選用，將每日摘要寫入 SQLite
//   - Publisher: 選用，推播給繪圖端（WebSocket hub）
//
// 核心循環 (2 個並發 Goroutine):
//   1. Tick Loop - 依 tick_interval 推進一天，支援暫停/恢復
//   2. Snapshot Loop - 定期創建快照
//
// 崩潰恢復流程:
//   Start() 時：
//   1. 快照存在 → Restore，並截斷快照之後的 journal 事件
//      （亂數狀態隨快照保存，重跑會產生相同的事件）
//   2. 快照不存在 → 建立新模擬，舊 journal 旋轉保存
//
// 並發安全:
//   - sync.Mutex 保護 simulator 與所有輸出
//   - stopCh 用於優雅關閉所有循環，sync.WaitGroup 確保退出
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/outbreak-sim/internal/epidemic"
	"github.com/ChuLiYu/outbreak-sim/internal/metrics"
	"github.com/ChuLiYu/outbreak-sim/internal/snapshot"
	"github.com/ChuLiYu/outbreak-sim/internal/storage/journal"
	"github.com/ChuLiYu/outbreak-sim/pkg/types"
)

// logger 於呼叫時取得 slog.Default()，CLI 啟動後安裝的 handler 才會生效
func logger() *slog.Logger { return slog.Default() }

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrAlreadyStarted = errors.New("controller already started")
	ErrStopped        = errors.New("controller stopped")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	Params       epidemic.Params
	Population   int
	PatientZeros int
	Seed         uint64
	Seeded       bool // false 時隨機產生種子
	Horizon      int
	MaxDays      int // 0 表示跑到終止

	TickInterval     time.Duration // 0 表示不限速
	SnapshotInterval time.Duration // 0 表示只在停止時快照
	JournalPath      string
	JournalBuffer    int
	SnapshotPath     string
	SnapshotBackups  int  // >0 時保留舊快照
	Fresh            bool // 忽略既有快照，重新開始
}

// RunStore 持久化每次執行的歷史
type RunStore interface {
	BeginRun(ctx context.Context, seed uint64, params epidemic.Params, population int) (int64, error)
	RecordDay(ctx context.Context, runID int64, s types.DaySummary) error
	FinishRun(ctx context.Context, runID int64, final types.DaySummary) error
}

// Publisher 接收每日摘要（例如 WebSocket hub）。不得阻塞。
type Publisher interface {
	Publish(types.DaySummary)
}

// Option 選用組件
type Option func(*Controller)

// WithMetrics 設定指標收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithStore 設定歷史存儲
func WithStore(s RunStore) Option {
	return func(c *Controller) { c.store = s }
}

// WithPublisher 加入推播對象
func WithPublisher(p Publisher) Option {
	return func(c *Controller) { c.publishers = append(c.publishers, p) }
}

// Status 控制器狀態
type Status struct {
	Phase     epidemic.Phase   `json:"phase"`
	Day       int              `json:"day"`
	Paused    bool             `json:"paused"`
	Seed      uint64           `json:"seed"`
	Counts    epidemic.Counts  `json:"counts"`
	Pending   int              `json:"pending_outcomes"`
	LastSeq   uint64           `json:"last_seq"`
	Restored  bool             `json:"restored"`
	Uptime    time.Duration    `json:"uptime"`
	Error     string           `json:"error,omitempty"`
	Last      types.DaySummary `json:"-"`
}

// Controller 核心控制器
type Controller struct {
	mu         sync.Mutex
	sim        *epidemic.Simulator
	journal    *journal.Journal
	snapshot   *snapshot.Manager
	metrics    *metrics.Collector
	store      RunStore
	publishers []Publisher
	subs       map[int]chan types.DaySummary
	nextSub    int
	config     Config

	runID     int64
	days      int
	paused    bool
	restored  bool
	started   bool
	stopped   bool
	startTime time.Time

	stopCh   chan struct{}
	doneCh   chan struct{}
	doneOnce sync.Once
	loopWg   sync.WaitGroup
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例
func NewController(config Config, opts ...Option) (*Controller, error) {
	if config.JournalPath == "" || config.SnapshotPath == "" {
		return nil, errors.New("journal and snapshot paths are required")
	}

	j, err := journal.Open(config.JournalPath, journal.Options{
		BufferSize:       config.JournalBuffer,
		CompressOnRotate: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	c := &Controller{
		journal:  j,
		snapshot: snapshot.NewManager(config.SnapshotPath),
		subs:     make(map[int]chan types.DaySummary),
		config:   config,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start 恢復或建立模擬，然後啟動循環
//
// ctx 取消時等同呼叫 Stop。
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	c.started = true
	c.startTime = time.Now()
	c.mu.Unlock()

	logger().Info("Starting recovery...")
	if err := c.recover(ctx); err != nil {
		return err
	}

	c.loopWg.Add(1)
	go c.tickLoop()
	if c.config.SnapshotInterval > 0 {
		c.loopWg.Add(1)
		go c.snapshotLoop()
	}

	go func() {
		select {
		case <-ctx.Done():
			c.Stop()
		case <-c.stopCh:
		}
	}()

	logger().Info("Controller started",
		"seed", c.sim.Seed(),
		"day", c.sim.Day(),
		"restored", c.restored,
		"tick_interval", c.config.TickInterval)
	return nil
}

// recover 從快照恢復，或建立新的模擬
func (c *Controller) recover(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	if !c.config.Fresh && c.snapshot.Exists() {
		if err := c.loadSnapshot(); err != nil {
			return fmt.Errorf("loadSnapshot failed: %w", err)
		}
		if c.metrics != nil {
			c.metrics.SetRecoveryTime(time.Since(start).Seconds())
		}
	} else if err := c.newSimulation(); err != nil {
		return err
	}

	if c.store != nil {
		id, err := c.store.BeginRun(ctx, c.sim.Seed(), c.sim.Params(), c.sim.Population())
		if err != nil {
			return fmt.Errorf("failed to record run: %w", err)
		}
		c.runID = id
	}

	if !c.restored {
		seed := c.sim.Current()
		if err := c.emit(seed); err != nil {
			return err
		}
	}

	logger().Info("Recovery completed",
		"duration", time.Since(start),
		"restored", c.restored,
		"day", c.sim.Day())
	return nil
}

// loadSnapshot 從快照恢復狀態
func (c *Controller) loadSnapshot() error {
	data, err := c.snapshot.Load()
	if err != nil {
		return err
	}

	sim, err := epidemic.Restore(data.State)
	if err != nil {
		return fmt.Errorf("failed to restore state: %w", err)
	}

	// 快照之後的事件會被重新產生
	if c.journal.LastSeq() > data.LastSeq {
		logger().Warn("Truncating journal past snapshot",
			"journal_seq", c.journal.LastSeq(),
			"snapshot_seq", data.LastSeq)
		if err := c.journal.TruncateAfter(data.LastSeq); err != nil {
			return fmt.Errorf("failed to truncate journal: %w", err)
		}
	}

	c.sim = sim
	c.restored = true
	logger().Info("Snapshot loaded",
		"day", sim.Day(),
		"phase", sim.Phase(),
		"last_seq", data.LastSeq,
		"saved_at", data.SavedAt)
	return nil
}

// newSimulation 建立新模擬，並旋轉上一次執行留下的 journal
func (c *Controller) newSimulation() error {
	opts := []epidemic.Option{
		epidemic.WithPopulation(c.config.Population),
		epidemic.WithPatientZeros(c.config.PatientZeros),
		epidemic.WithHorizon(c.config.Horizon),
	}
	if c.config.Seeded {
		opts = append(opts, epidemic.WithSeed(c.config.Seed))
	}
	sim, err := epidemic.New(c.config.Params, opts...)
	if err != nil {
		return fmt.Errorf("failed to create simulator: %w", err)
	}

	if c.journal.LastSeq() > 0 {
		old, err := c.journal.Rotate()
		if err != nil {
			return fmt.Errorf("failed to rotate journal: %w", err)
		}
		logger().Info("Previous journal rotated", "path", old)
	}

	c.sim = sim
	return nil
}

// ============================================================================
// 核心循環
// ============================================================================

// tickLoop 推進模擬
func (c *Controller) tickLoop() {
	defer c.loopWg.Done()

	var tick <-chan time.Time
	if c.config.TickInterval > 0 {
		ticker := time.NewTicker(c.config.TickInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		if tick != nil {
			select {
			case <-c.stopCh:
				logger().Info("Tick loop stopped")
				return
			case <-tick:
			}
		} else {
			select {
			case <-c.stopCh:
				logger().Info("Tick loop stopped")
				return
			default:
			}
		}

		if !c.step() {
			c.finish()
			logger().Info("Tick loop finished")
			return
		}
	}
}

// step 推進一天；回傳 false 表示模擬結束
func (c *Controller) step() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.paused {
		if c.config.TickInterval == 0 {
			// 不限速模式下避免忙等
			c.mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			c.mu.Lock()
		}
		return true
	}

	// 從已終止的快照恢復時不再重複產生終止摘要
	if c.sim.Phase() != epidemic.PhaseRunning {
		return false
	}

	start := time.Now()
	summary, err := c.sim.Tick()
	if err != nil {
		logger().Error("Simulation failed", "day", c.sim.Day(), "error", err)
		return false
	}
	if c.metrics != nil {
		c.metrics.ObserveTick(time.Since(start))
	}

	if err := c.emit(summary); err != nil {
		logger().Error("Failed to emit day summary", "day", summary.Day, "error", err)
		return false
	}
	c.days++

	if summary.Terminated {
		logger().Info("Outbreak terminated",
			"day", summary.Day,
			"total_infected", summary.TotalInfected,
			"recovered", summary.Recovered,
			"deaths", summary.Deaths)
		return false
	}
	return c.config.MaxDays <= 0 || c.days < c.config.MaxDays
}

// emit 先寫 journal，再更新指標、存儲與推播
//
// 呼叫者必須持有 c.mu。
func (c *Controller) emit(s types.DaySummary) error {
	if _, err := c.journal.Append(journal.EventsFromSummary(s), true); err != nil {
		return fmt.Errorf("failed to append journal: %w", err)
	}

	if c.metrics != nil {
		c.metrics.ObserveDay(s)
		c.metrics.SetPendingOutcomes(c.sim.PendingOutcomes())
	}
	if c.store != nil {
		if err := c.store.RecordDay(context.Background(), c.runID, s); err != nil {
			logger().Error("Failed to record day", "day", s.Day, "error", err)
		}
	}
	for _, p := range c.publishers {
		p.Publish(s)
	}
	for _, ch := range c.subs {
		select {
		case ch <- s:
		default:
			// 訂閱者太慢，丟棄
		}
	}

	logger().Debug("Day processed",
		"day", s.Day,
		"infected", s.CurrentlyInfected,
		"recovered", s.Recovered,
		"deaths", s.Deaths)
	return nil
}

// finish 標記模擬結束
func (c *Controller) finish() {
	c.doneOnce.Do(func() { close(c.doneCh) })
}

// snapshotLoop 定期生成快照
func (c *Controller) snapshotLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			logger().Info("Snapshot loop stopped")
			return
		case <-c.doneCh:
			return
		case <-ticker.C:
			if err := c.takeSnapshot(); err != nil {
				logger().Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

// takeSnapshot 執行快照操作
func (c *Controller) takeSnapshot() error {
	start := time.Now()

	c.mu.Lock()
	if c.sim.Phase() == epidemic.PhaseFailed {
		c.mu.Unlock()
		return errors.New("simulation failed, snapshot skipped")
	}
	if err := c.journal.Flush(); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to flush journal: %w", err)
	}
	state, err := c.sim.Snapshot()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to capture state: %w", err)
	}
	data := snapshot.Data{
		LastSeq: c.journal.LastSeq(),
		State:   state,
	}
	c.mu.Unlock()

	write := c.snapshot.Write
	if c.config.SnapshotBackups > 0 {
		write = func(d snapshot.Data) error { return c.snapshot.WriteWithBackup(d, c.config.SnapshotBackups) }
	}
	if err := write(data); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	logger().Info("Snapshot taken",
		"duration", time.Since(start),
		"day", data.State.Day,
		"last_seq", data.LastSeq)
	return nil
}

// ============================================================================
// 公開方法
// ============================================================================

// Pause 暫停推進
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		c.paused = true
		logger().Info("Simulation paused", "day", c.dayLocked())
	}
}

// Resume 恢復推進
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		c.paused = false
		logger().Info("Simulation resumed", "day", c.dayLocked())
	}
}

func (c *Controller) dayLocked() int {
	if c.sim == nil {
		return 0
	}
	return c.sim.Day()
}

// Done 在模擬結束（終止、失敗或達到 MaxDays）時關閉
func (c *Controller) Done() <-chan struct{} {
	return c.doneCh
}

// Err 回傳使模擬失敗的錯誤
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sim == nil {
		return nil
	}
	return c.sim.Err()
}

// Subscribe 訂閱每日摘要；回傳的函式取消訂閱
//
// 慢速訂閱者會漏掉摘要，不會阻塞模擬。
func (c *Controller) Subscribe(buffer int) (<-chan types.DaySummary, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan types.DaySummary, buffer)
	id := c.nextSub
	c.nextSub++
	if c.stopped {
		close(ch)
		return ch, func() {}
	}
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(sub)
			}
		})
	}
}

// Status 取得系統狀態
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		Paused:   c.paused,
		Restored: c.restored,
		LastSeq:  c.journal.LastSeq(),
	}
	if !c.startTime.IsZero() {
		st.Uptime = time.Since(c.startTime)
	}
	if c.sim == nil {
		return st
	}
	st.Phase = c.sim.Phase()
	st.Day = c.sim.Day()
	st.Seed = c.sim.Seed()
	st.Counts = c.sim.Counts()
	st.Pending = c.sim.PendingOutcomes()
	st.Last = c.sim.Current()
	if err := c.sim.Err(); err != nil {
		st.Error = err.Error()
	}
	return st
}

// Current 取得最近一天的摘要
func (c *Controller) Current() (types.DaySummary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sim == nil {
		return types.DaySummary{}, false
	}
	return c.sim.Current(), true
}

// Stop 優雅關閉 Controller
//
// 關閉順序：
//  1. close(stopCh) → 通知所有循環停止
//  2. loopWg.Wait() → 等待循環退出
//  3. 最後一次快照、結束 run 記錄、關閉 journal
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		logger().Info("Controller already stopped")
		return
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	logger().Info("Stopping controller...")
	close(c.stopCh)
	c.loopWg.Wait()

	if started && c.sim != nil {
		if err := c.takeSnapshot(); err != nil {
			logger().Error("Failed to take final snapshot", "error", err)
		}
		if c.store != nil {
			if err := c.store.FinishRun(context.Background(), c.runID, c.sim.Current()); err != nil {
				logger().Error("Failed to finish run record", "error", err)
			}
		}
	}

	if err := c.journal.Close(); err != nil {
		logger().Error("Failed to close journal", "error", err)
	}

	c.mu.Lock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.mu.Unlock()

	c.finish()
	logger().Info("Controller stopped")
}
