package ensemble

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ChuLiYu/outbreak-sim/internal/epidemic"
	"github.com/ChuLiYu/outbreak-sim/internal/metrics"
)

// Config 描述一組 ensemble 執行
type Config struct {
	Params       epidemic.Params
	Population   int
	PatientZeros int
	Horizon      int
	MaxDays      int
	Timeout      time.Duration // 每次執行的上限
	Workers      int
	BaseSeed     uint64
	Runs         int
	Metrics      *metrics.Collector // 可為 nil
}

// Aggregate 所有成功執行的統計
type Aggregate struct {
	Runs              int
	Failed            int
	MeanTotalInfected float64
	MaxTotalInfected  int
	MeanDeaths        float64
	MaxDeaths         int
	MeanPeakInfected  float64
	MaxPeakInfected   int
	MeanPeakDay       float64
	MeanDays          float64
	MaxDays           int
	MeanFatalityRate  float64
}

// Seeds 產生 n 個連續種子，從 base 開始
func Seeds(base uint64, n int) []uint64 {
	seeds := make([]uint64, n)
	for i := range seeds {
		seeds[i] = base + uint64(i)
	}
	return seeds
}

// Run 以 cfg.Workers 個 Worker 執行 cfg.Runs 次模擬
//
// 回傳依 RunID 排序的結果。個別執行失敗記錄在 Result.Err，
// 只有 ctx 取消或 Pool 錯誤會讓 Run 回傳 error。
func Run(ctx context.Context, cfg Config) ([]Result, Aggregate, error) {
	if cfg.Runs < 1 {
		return nil, Aggregate{}, errors.New("ensemble needs at least one run")
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, Aggregate{}, err
	}
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	workers = min(workers, cfg.Runs)

	pool := NewPool(workers * 2)
	if err := pool.Start(workers); err != nil {
		return nil, Aggregate{}, err
	}
	defer pool.Stop()

	logger().Info("Ensemble started", "runs", cfg.Runs, "workers", workers, "base_seed", cfg.BaseSeed)
	start := time.Now()

	submitErr := make(chan error, 1)
	go func() {
		defer close(submitErr)
		for i, seed := range Seeds(cfg.BaseSeed, cfg.Runs) {
			task := Task{
				RunID:        i,
				Seed:         seed,
				Params:       cfg.Params,
				Population:   cfg.Population,
				PatientZeros: cfg.PatientZeros,
				Horizon:      cfg.Horizon,
				MaxDays:      cfg.MaxDays,
				Timeout:      cfg.Timeout,
			}
			if err := pool.Submit(task); err != nil {
				submitErr <- err
				return
			}
		}
	}()

	results := make([]Result, 0, cfg.Runs)
	for len(results) < cfg.Runs {
		result, err := pool.ReceiveContext(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			logger().Warn("Ensemble cancelled", "completed", len(results), "runs", cfg.Runs)
			return results, Aggregate{}, ctxErr
		}
		if err != nil {
			return results, Aggregate{}, fmt.Errorf("receive result: %w", err)
		}
		if cfg.Metrics != nil {
			cfg.Metrics.RecordEnsembleRun(result.Err)
		}
		if result.Err != nil {
			logger().Warn("Ensemble run failed", "run", result.RunID, "seed", result.Seed, "error", result.Err)
		}
		results = append(results, result)
	}
	if err, ok := <-submitErr; ok && err != nil {
		return results, Aggregate{}, fmt.Errorf("submit task: %w", err)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].RunID < results[j].RunID })
	agg := Summarize(results)
	logger().Info("Ensemble completed",
		"duration", time.Since(start),
		"runs", agg.Runs,
		"failed", agg.Failed,
		"mean_total_infected", math.Round(agg.MeanTotalInfected))
	return results, agg, nil
}

// Summarize 計算成功執行的平均與最大值
func Summarize(results []Result) Aggregate {
	var agg Aggregate
	for _, r := range results {
		if r.Err != nil {
			agg.Failed++
			continue
		}
		agg.Runs++
		agg.MeanTotalInfected += float64(r.Final.TotalInfected)
		agg.MaxTotalInfected = max(agg.MaxTotalInfected, r.Final.TotalInfected)
		agg.MeanDeaths += float64(r.Final.Deaths)
		agg.MaxDeaths = max(agg.MaxDeaths, r.Final.Deaths)
		agg.MeanPeakInfected += float64(r.PeakInfected)
		agg.MaxPeakInfected = max(agg.MaxPeakInfected, r.PeakInfected)
		agg.MeanPeakDay += float64(r.PeakDay)
		agg.MeanDays += float64(r.Days)
		agg.MaxDays = max(agg.MaxDays, r.Days)
		agg.MeanFatalityRate += r.FatalityRate()
	}
	if agg.Runs > 0 {
		n := float64(agg.Runs)
		agg.MeanTotalInfected /= n
		agg.MeanDeaths /= n
		agg.MeanPeakInfected /= n
		agg.MeanPeakDay /= n
		agg.MeanDays /= n
		agg.MeanFatalityRate /= n
	}
	return agg
}
