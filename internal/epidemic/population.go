// ============================================================================
// outbreak-sim 族群模型 - 個體狀態機
// ============================================================================
//
// Package: internal/epidemic
// 文件: population.go
// 功能: 管理固定大小族群中每個個體的生命週期與聚合計數
//
// 個體狀態轉換 (State Machine):
//   Unexposed (未感染)
//      ↓ MarkInfected()  指定嚴重度與結算日
//   Infected (感染中)
//      ↓ Resolve()       於排定日結算
//   Recovered (康復) / Dead (死亡)
//
// 其他任何轉換（重複感染、重複結算）一律回傳 ErrInvalidTransition。
//
// 數據結構設計:
//   individuals []Individual - 以 IndividualID 為索引的單一真實來源
//   聚合計數器 - totalInfected / currentlyInfected / recovered / deaths
//   暴露槽位 - exposedBefore / exposedAfter，隨波次單調遞增
//
// 並發安全:
//   Population 不自行加鎖，由唯一擁有者 Simulator 的鎖保護。
//
// ============================================================================

package epidemic

import (
	"math"

	"github.com/ChuLiYu/outbreak-sim/pkg/types"
)

// DefaultPopulationSize is the population used when none is configured.
const DefaultPopulationSize = 4500

// Counts is a read-only view of the aggregate counters.
type Counts struct {
	TotalInfected     int `json:"total_infected"`
	CurrentlyInfected int `json:"currently_infected"`
	Recovered         int `json:"recovered"`
	Deaths            int `json:"deaths"`
	ExposedBefore     int `json:"exposed_before"`
	ExposedAfter      int `json:"exposed_after"`
}

// Assignment is one individual's outcome as decided by the scheduler.
type Assignment struct {
	ID            types.IndividualID
	Severity      types.Severity
	ResolutionDay int
}

// Population 代表固定大小的族群
type Population struct {
	individuals []types.Individual
	counts      Counts
}

// NewPopulation creates size unexposed individuals laid out on a golden
// spiral.
func NewPopulation(size int) (*Population, error) {
	if size < 1 {
		return nil, configErrorf("population", "must be >= 1, got %d", size)
	}
	p := &Population{individuals: make([]types.Individual, size)}
	for i := range p.individuals {
		p.individuals[i] = types.Individual{
			ID:            types.IndividualID(i),
			Status:        types.StatusUnexposed,
			InfectedDay:   -1,
			ResolutionDay: -1,
			Position:      spiralPosition(i, size),
		}
	}
	return p, nil
}

// spiralPosition places individual i of size on the unit disk using the
// golden-angle spiral, so positions are fixed and reproducible.
func spiralPosition(i, size int) types.Position {
	idx := float64(i) + 0.5
	return types.Position{
		Theta: math.Pi * (1 + math.Sqrt(5)) * idx,
		R:     math.Sqrt(idx / float64(size)),
	}
}

// Size 族群大小
func (p *Population) Size() int {
	return len(p.individuals)
}

// Counts 取得聚合計數
func (p *Population) Counts() Counts {
	return p.counts
}

// Individual 取得個體副本
func (p *Population) Individual(id types.IndividualID) (types.Individual, bool) {
	if int(id) < 0 || int(id) >= len(p.individuals) {
		return types.Individual{}, false
	}
	return p.individuals[id], true
}

// Position 取得個體位置
func (p *Population) Position(id types.IndividualID) types.Position {
	return p.individuals[id].Position
}

// checkInfect reports whether id may move Unexposed → Infected.
func (p *Population) checkInfect(id types.IndividualID) error {
	ind, ok := p.Individual(id)
	if !ok {
		return &InvalidTransitionError{Individual: id, From: "", To: types.StatusInfected}
	}
	if ind.Status != types.StatusUnexposed {
		return &InvalidTransitionError{Individual: id, From: ind.Status, To: types.StatusInfected}
	}
	return nil
}

// checkResolve reports whether id may move Infected → outcome.
func (p *Population) checkResolve(id types.IndividualID) error {
	ind, ok := p.Individual(id)
	if !ok {
		return &InvalidTransitionError{Individual: id, From: "", To: types.StatusRecovered}
	}
	if ind.Status != types.StatusInfected {
		return &InvalidTransitionError{Individual: id, From: ind.Status, To: ind.Severity.Outcome().Status()}
	}
	return nil
}

// MarkInfected 將一批個體標記為感染，並記錄嚴重度與結算日
//
// 所有個體先檢查後才修改；任何一個非法則整批不生效。
//
// 錯誤處理：
//   - ErrInvalidTransition: 個體不存在或已非 Unexposed
func (p *Population) MarkInfected(day int, cohort []Assignment) error {
	seen := make(map[types.IndividualID]struct{}, len(cohort))
	for _, a := range cohort {
		if err := p.checkInfect(a.ID); err != nil {
			return err
		}
		if _, dup := seen[a.ID]; dup {
			return &InvalidTransitionError{Individual: a.ID, From: types.StatusInfected, To: types.StatusInfected}
		}
		seen[a.ID] = struct{}{}
	}

	for _, a := range cohort {
		ind := &p.individuals[a.ID]
		ind.Status = types.StatusInfected
		ind.Severity = a.Severity
		ind.InfectedDay = day
		ind.ResolutionDay = a.ResolutionDay
	}
	p.counts.TotalInfected += len(cohort)
	p.counts.CurrentlyInfected += len(cohort)
	return nil
}

// Resolve 結算單一個體，依嚴重度轉為康復或死亡
//
// 錯誤處理：
//   - ErrInvalidTransition: 個體不在 Infected 狀態
func (p *Population) Resolve(id types.IndividualID) (types.Outcome, error) {
	if err := p.checkResolve(id); err != nil {
		return "", err
	}
	ind := &p.individuals[id]
	outcome := ind.Severity.Outcome()
	ind.Status = outcome.Status()

	p.counts.CurrentlyInfected--
	if outcome == types.OutcomeDead {
		p.counts.Deaths++
	} else {
		p.counts.Recovered++
	}
	return outcome, nil
}

// setExposure records the exposure window of the latest wave.
func (p *Population) setExposure(before, after int) {
	p.counts.ExposedBefore = before
	p.counts.ExposedAfter = after
}

// clone 深拷貝，供快照使用
func (p *Population) clone() *Population {
	cp := &Population{
		individuals: make([]types.Individual, len(p.individuals)),
		counts:      p.counts,
	}
	copy(cp.individuals, p.individuals)
	return cp
}
