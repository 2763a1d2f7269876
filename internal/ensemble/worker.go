// ============================================================================
// outbreak-sim Worker - 單次模擬執行單元
// ============================================================================
//
// Package: internal/ensemble
// File: worker.go
// Function: 每個 Worker 在獨立 goroutine 中執行完整的模擬
//
// How it works:
//   1. 從 taskCh 取得任務（阻塞等待）
//   2. 以任務的種子建立 Simulator，跑到終止、MaxDays 或逾時
//   3. 追蹤感染高峰，將 Result 送到 resultCh
//   4. stopCh 關閉時退出
//
// Timeout Control:
//   每個任務有獨立的 Context；逾時時 Simulator.Run 回傳
//   context.DeadlineExceeded，結果帶著已經跑完的部分。
//   stopCh 關閉時同一個 Context 也會被取消，Stop 不必等模擬跑完。
//
// ============================================================================

package ensemble

import (
	"context"
	"time"

	"github.com/ChuLiYu/outbreak-sim/internal/epidemic"
	"github.com/ChuLiYu/outbreak-sim/pkg/types"
)

// Worker represents a work execution unit
type Worker struct {
	id       int
	taskCh   <-chan Task
	resultCh chan<- Result
	stopCh   <-chan struct{}
}

func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for {
		select {
		case <-w.stopCh:
			return
		case task := <-w.taskCh:
			result := w.execute(task)
			select {
			case w.resultCh <- result:
			case <-w.stopCh:
				return
			}
		}
	}
}

// execute runs one simulation and tracks its peak
func (w *Worker) execute(task Task) Result {
	start := time.Now()
	result := Result{RunID: task.RunID, Seed: task.Seed}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	opts := []epidemic.Option{epidemic.WithSeed(task.Seed)}
	if task.Population > 0 {
		opts = append(opts, epidemic.WithPopulation(task.Population))
	}
	if task.PatientZeros > 0 {
		opts = append(opts, epidemic.WithPatientZeros(task.PatientZeros))
	}
	if task.Horizon > 0 {
		opts = append(opts, epidemic.WithHorizon(task.Horizon))
	}

	sim, err := epidemic.New(task.Params, opts...)
	if err != nil {
		result.Err = err
		result.Duration = time.Since(start)
		return result
	}

	seed := sim.Current()
	result.Final = seed
	result.PeakInfected = seed.CurrentlyInfected
	result.PeakDay = 0

	result.Err = sim.Run(ctx, task.MaxDays, func(s types.DaySummary) error {
		result.Days++
		result.Final = s
		if s.CurrentlyInfected > result.PeakInfected {
			result.PeakInfected = s.CurrentlyInfected
			result.PeakDay = s.Day
		}
		return nil
	})
	result.Duration = time.Since(start)

	logger().Debug("Ensemble run finished",
		"worker", w.id,
		"run", task.RunID,
		"seed", task.Seed,
		"days", result.Days,
		"error", result.Err)
	return result
}
