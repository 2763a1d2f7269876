package ensemble

import (
	"time"

	"github.com/ChuLiYu/outbreak-sim/internal/epidemic"
	"github.com/ChuLiYu/outbreak-sim/pkg/types"
)

// Task 代表一次獨立的模擬執行
type Task struct {
	RunID        int             // 執行編號，結果依此排序
	Seed         uint64          // 亂數種子
	Params       epidemic.Params // 疾病參數
	Population   int             // 族群大小
	PatientZeros int             // 初始感染者數量
	Horizon      int             // 排程上限，0 表示不限
	MaxDays      int             // 0 表示跑到終止
	Timeout      time.Duration   // 0 表示不限時
}

// Result 代表一次執行的結果
type Result struct {
	RunID        int
	Seed         uint64
	Final        types.DaySummary // 最後一天的摘要
	PeakInfected int              // 同時感染人數的最高值
	PeakDay      int              // 達到最高值的日子
	Days         int              // 執行的 tick 數
	Duration     time.Duration    // 實際執行時間
	Err          error
}

// FatalityRate 死亡數 / 總感染數
func (r Result) FatalityRate() float64 {
	if r.Final.TotalInfected == 0 {
		return 0
	}
	return float64(r.Final.Deaths) / float64(r.Final.TotalInfected)
}
