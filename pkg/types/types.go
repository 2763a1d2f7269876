// Package types 定義了 outbreak-sim 系統中使用的核心領域模型
package types

import "math"

// IndividualID 個體唯一識別碼，即其在族群中的索引 [0, population)
type IndividualID int

// Status 個體的隔間狀態
type Status string

// 定義個體狀態常數
const (
	StatusUnexposed Status = "unexposed" // 尚未感染
	StatusInfected  Status = "infected"  // 已感染，等待結果
	StatusRecovered Status = "recovered" // 已康復
	StatusDead      Status = "dead"      // 已死亡
)

// Severity 臨床嚴重程度，於感染當下指定一次
type Severity string

const (
	SeverityNone           Severity = ""
	SeverityMild           Severity = "mild"
	SeveritySevereRecovers Severity = "severe_recovers"
	SeveritySevereDies     Severity = "severe_dies"
)

// Outcome returns the terminal status a severity resolves to.
func (s Severity) Outcome() Outcome {
	if s == SeveritySevereDies {
		return OutcomeDead
	}
	return OutcomeRecovered
}

// Outcome 結果：康復或死亡
type Outcome string

const (
	OutcomeRecovered Outcome = "recovered"
	OutcomeDead      Outcome = "dead"
)

// Status maps the outcome onto the individual status it produces.
func (o Outcome) Status() Status {
	if o == OutcomeDead {
		return StatusDead
	}
	return StatusRecovered
}

// Position 個體固定的極座標位置（黃金螺旋），供繪圖端使用
type Position struct {
	Theta float64 `json:"theta"`
	R     float64 `json:"r"`
}

// XY converts the polar position to cartesian coordinates in the unit disk.
func (p Position) XY() (float64, float64) {
	return p.R * math.Cos(p.Theta), p.R * math.Sin(p.Theta)
}

// Individual 族群中的單一個體
type Individual struct {
	ID            IndividualID `json:"id"`
	Status        Status       `json:"status"`
	Severity      Severity     `json:"severity,omitempty"`
	InfectedDay   int          `json:"infected_day"`   // 未感染時為 -1
	ResolutionDay int          `json:"resolution_day"` // 未感染時為 -1
	Position      Position     `json:"position"`
}

// Infection 一次新感染事件
type Infection struct {
	ID            IndividualID `json:"id"`
	Severity      Severity     `json:"severity"`
	ResolutionDay int          `json:"resolution_day"`
	Position      Position     `json:"position"`
}

// Resolution 一次康復或死亡事件
type Resolution struct {
	ID       IndividualID `json:"id"`
	Outcome  Outcome      `json:"outcome"`
	Severity Severity     `json:"severity"`
	Position Position     `json:"position"`
}

// Wave 描述單一波次的規模與暴露窗口
type Wave struct {
	Day           int  `json:"day"`
	NewInfected   int  `json:"new_infected"`
	ExposedBefore int  `json:"exposed_before"`
	ExposedAfter  int  `json:"exposed_after"`
	Clamped       bool `json:"clamped"` // 是否觸發飽和截斷
}

// DaySummary 每個 tick 之後交給繪圖端的摘要
type DaySummary struct {
	Day               int          `json:"day"` // 本次 tick 處理的日子
	CurrentlyInfected int          `json:"currently_infected"`
	TotalInfected     int          `json:"total_infected"`
	Recovered         int          `json:"recovered"`
	Deaths            int          `json:"deaths"`
	Exposed           int          `json:"exposed"`
	NewlyResolved     []Resolution `json:"newly_resolved"`
	NewlyInfected     []Infection  `json:"newly_infected"`
	Wave              *Wave        `json:"wave,omitempty"`
	Terminated        bool         `json:"terminated"`
}
