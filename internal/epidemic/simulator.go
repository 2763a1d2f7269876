// ============================================================================
// outbreak-sim Day Advancer - 每日推進的狀態機
// ============================================================================
//
// Package: internal/epidemic
// 文件: simulator.go
// 功能: 擁有唯一的族群狀態，以 Tick() 為原子單位推進一天
//
// Tick 流程:
//   1. 結算所有排定於今天的個體（三個排程桶）
//   2. 若符合波次條件，執行 Wave Generator 與 Outcome Scheduler
//   3. day++
//
// 原子性:
//   先規劃 (plan) 再提交 (commit)。規劃階段只讀取狀態並消耗亂數；
//   任何錯誤都在提交前回傳，狀態保持 tick 前的樣子，模擬器轉為 Failed。
//
// 終止條件:
//   recovered + deaths == total_infected。終止後的 Tick() 回傳相同的
//   終止摘要，不修改任何狀態。
//
// ============================================================================

package epidemic

import (
	"context"
	"encoding"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/ChuLiYu/outbreak-sim/pkg/types"
)

// SeedDay is the Day of the summary describing patient-zero seeding, before
// the first tick.
const SeedDay = -1

// Phase 模擬器生命週期
type Phase string

const (
	PhaseRunning    Phase = "running"
	PhaseTerminated Phase = "terminated"
	PhaseFailed     Phase = "failed"
)

// Option configures a Simulator.
type Option func(*options)

type options struct {
	population   int
	patientZeros int
	horizon      int
	seed         uint64
	seeded       bool
	src          Source
}

// WithSeed seeds the default PCG source.
func WithSeed(seed uint64) Option {
	return func(o *options) { o.seed, o.seeded = seed, true }
}

// WithSource injects a random source, overriding WithSeed.
func WithSource(src Source) Option {
	return func(o *options) { o.src = src }
}

// WithPopulation sets the population size.
func WithPopulation(n int) Option {
	return func(o *options) { o.population = n }
}

// WithPatientZeros sets how many individuals are infected at creation.
func WithPatientZeros(n int) Option {
	return func(o *options) { o.patientZeros = n }
}

// WithHorizon bounds the outcome schedule; 0 leaves it unbounded.
func WithHorizon(days int) Option {
	return func(o *options) { o.horizon = days }
}

// Simulator is the epidemic simulation core. All methods are safe for
// concurrent use; Tick is the only mutator.
type Simulator struct {
	mu sync.RWMutex

	params       Params
	serial       int
	seed         uint64
	patientZeros int
	src          Source

	pop   *Population
	sched *Schedule
	day   int
	phase Phase
	err   error
	last  types.DaySummary
}

// New validates params, builds the population and seeds patient zero(s)
// through the outcome scheduler on day 0.
func New(params Params, opts ...Option) (*Simulator, error) {
	o := options{population: DefaultPopulationSize, patientZeros: 1}
	for _, opt := range opts {
		opt(&o)
	}

	if err := params.Validate(); err != nil {
		return nil, err
	}
	if o.patientZeros < 1 || o.patientZeros > o.population {
		return nil, configErrorf("patient_zeros", "must be in [1, %d], got %d", o.population, o.patientZeros)
	}
	if o.horizon < 0 {
		return nil, configErrorf("horizon", "must be >= 0, got %d", o.horizon)
	}

	pop, err := NewPopulation(o.population)
	if err != nil {
		return nil, err
	}

	s := &Simulator{
		params:       params,
		serial:       params.SerialInterval(),
		patientZeros: o.patientZeros,
		pop:          pop,
		sched:        newSchedule(o.horizon),
		phase:        PhaseRunning,
	}
	s.src, s.seed = resolveSource(o)

	if err := s.seedPatientZeros(); err != nil {
		return nil, err
	}
	return s, nil
}

func resolveSource(o options) (Source, uint64) {
	seed := o.seed
	if !o.seeded {
		seed = rand.Uint64()
	}
	if o.src != nil {
		return o.src, seed
	}
	return NewSource(seed), seed
}

func (s *Simulator) seedPatientZeros() error {
	cohort := make([]types.IndividualID, s.patientZeros)
	for i := range cohort {
		cohort[i] = types.IndividualID(i)
	}
	assignments := planOutcomes(s.src, s.params, 0, cohort)
	for _, a := range assignments {
		if err := s.sched.fits(a); err != nil {
			return err
		}
	}
	if err := s.pop.MarkInfected(0, assignments); err != nil {
		return err
	}
	for _, a := range assignments {
		s.sched.add(a)
	}
	s.pop.setExposure(0, s.patientZeros)

	s.last = s.summarize(SeedDay, nil, s.infections(assignments), nil)
	return nil
}

// tickPlan is everything one tick will change, computed before any mutation.
type tickPlan struct {
	due           [numBuckets][]types.IndividualID
	exposedBefore int
	exposedAfter  int
	wave          *types.Wave
	assignments   []Assignment
}

func (s *Simulator) plan() (tickPlan, error) {
	p := tickPlan{due: s.sched.due(s.day)}
	for _, ids := range p.due {
		for _, id := range ids {
			if err := s.pop.checkResolve(id); err != nil {
				return p, err
			}
		}
	}

	counts := s.pop.Counts()
	p.exposedBefore = counts.ExposedAfter
	p.exposedAfter = p.exposedBefore

	if !waveEligible(s.day, s.serial, p.exposedBefore, s.pop.Size()) {
		return p, nil
	}

	wp := planWave(s.src, s.params.R0, s.day, counts.TotalInfected, p.exposedBefore, s.pop.Size())
	p.wave = &wp.wave
	p.exposedAfter = wp.wave.ExposedAfter
	p.assignments = planOutcomes(s.src, s.params, s.day, wp.cohort)

	for _, a := range p.assignments {
		if err := s.pop.checkInfect(a.ID); err != nil {
			return p, err
		}
		if err := s.sched.fits(a); err != nil {
			return p, err
		}
	}
	return p, nil
}

func (s *Simulator) commit(p tickPlan) (types.DaySummary, error) {
	var resolved []types.Resolution
	for _, ids := range p.due {
		for _, id := range ids {
			outcome, err := s.pop.Resolve(id)
			if err != nil {
				return types.DaySummary{}, err
			}
			ind, _ := s.pop.Individual(id)
			resolved = append(resolved, types.Resolution{
				ID:       id,
				Outcome:  outcome,
				Severity: ind.Severity,
				Position: ind.Position,
			})
		}
	}
	s.sched.drop(s.day)

	if len(p.assignments) > 0 {
		if err := s.pop.MarkInfected(s.day, p.assignments); err != nil {
			return types.DaySummary{}, err
		}
		for _, a := range p.assignments {
			s.sched.add(a)
		}
	}
	s.pop.setExposure(p.exposedBefore, p.exposedAfter)

	summary := s.summarize(s.day, resolved, s.infections(p.assignments), p.wave)
	s.day++

	c := s.pop.Counts()
	if c.Recovered+c.Deaths == c.TotalInfected {
		s.phase = PhaseTerminated
		summary.Terminated = true
	}
	return summary, nil
}

// Tick advances the simulation by one day. After termination it returns the
// terminal summary unchanged; after a fatal error it returns that error
// wrapped in ErrSimulationFailed.
func (s *Simulator) Tick() (types.DaySummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.phase {
	case PhaseTerminated:
		return cloneSummary(s.last), nil
	case PhaseFailed:
		return cloneSummary(s.last), fmt.Errorf("%w: %w", ErrSimulationFailed, s.err)
	}

	p, err := s.plan()
	if err != nil {
		s.fail(err)
		return cloneSummary(s.last), err
	}
	summary, err := s.commit(p)
	if err != nil {
		s.fail(err)
		return cloneSummary(s.last), err
	}
	s.last = summary
	return cloneSummary(summary), nil
}

func (s *Simulator) fail(err error) {
	s.phase = PhaseFailed
	s.err = err
}

// Run ticks until termination, ctx cancellation or maxDays ticks (0 means no
// limit), handing every summary to visit.
func (s *Simulator) Run(ctx context.Context, maxDays int, visit func(types.DaySummary) error) error {
	for n := 0; maxDays <= 0 || n < maxDays; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.IsTerminated() {
			return nil
		}
		summary, err := s.Tick()
		if err != nil {
			return err
		}
		if visit != nil {
			if err := visit(summary); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Simulator) infections(as []Assignment) []types.Infection {
	if len(as) == 0 {
		return nil
	}
	out := make([]types.Infection, len(as))
	for i, a := range as {
		out[i] = types.Infection{
			ID:            a.ID,
			Severity:      a.Severity,
			ResolutionDay: a.ResolutionDay,
			Position:      s.pop.Position(a.ID),
		}
	}
	return out
}

func (s *Simulator) summarize(day int, resolved []types.Resolution, infected []types.Infection, wave *types.Wave) types.DaySummary {
	c := s.pop.Counts()
	return types.DaySummary{
		Day:               day,
		CurrentlyInfected: c.CurrentlyInfected,
		TotalInfected:     c.TotalInfected,
		Recovered:         c.Recovered,
		Deaths:            c.Deaths,
		Exposed:           c.ExposedAfter,
		NewlyResolved:     resolved,
		NewlyInfected:     infected,
		Wave:              wave,
	}
}

// ============================================================================
// 查詢方法
// ============================================================================

// IsTerminated 是否已結束
func (s *Simulator) IsTerminated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase == PhaseTerminated
}

// Phase returns the lifecycle phase.
func (s *Simulator) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Err returns the fatal error that failed the simulator, if any.
func (s *Simulator) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Day is the next day to be processed.
func (s *Simulator) Day() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.day
}

// Counts returns the aggregate counters.
func (s *Simulator) Counts() Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pop.Counts()
}

// Current returns the most recent summary (the seeding summary before the
// first tick).
func (s *Simulator) Current() types.DaySummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSummary(s.last)
}

// Individual returns a copy of one individual.
func (s *Simulator) Individual(id types.IndividualID) (types.Individual, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pop.Individual(id)
}

// Params returns the disease parameters.
func (s *Simulator) Params() Params {
	return s.params
}

// Seed returns the seed of the default source.
func (s *Simulator) Seed() uint64 {
	return s.seed
}

// SerialInterval returns the wave cadence in days.
func (s *Simulator) SerialInterval() int {
	return s.serial
}

// Population returns the population size.
func (s *Simulator) Population() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pop.Size()
}

// PendingOutcomes counts individuals scheduled but not yet resolved.
func (s *Simulator) PendingOutcomes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sched.Pending()
}

// ============================================================================
// 快照與恢復
// ============================================================================

// StateSchemaVersion is bumped whenever State changes shape.
const StateSchemaVersion = 1

// State is a deep, serializable copy of a simulator at a tick boundary.
type State struct {
	SchemaVer    int                `json:"schema_version"`
	Params       Params             `json:"params"`
	Seed         uint64             `json:"seed"`
	PatientZeros int                `json:"patient_zeros"`
	Horizon      int                `json:"horizon"`
	Day          int                `json:"day"`
	Phase        Phase              `json:"phase"`
	Counts       Counts             `json:"counts"`
	Individuals  []types.Individual `json:"individuals"`
	RNG          []byte             `json:"rng,omitempty"`
	Last         types.DaySummary   `json:"last"`
}

// Snapshot 生成當前狀態的深拷貝
//
// 隨機來源無法序列化時回傳錯誤：少了 RNG 狀態的快照無法重現後續的日子。
func (s *Simulator) Snapshot() (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pop := s.pop.clone()
	st := State{
		SchemaVer:    StateSchemaVersion,
		Params:       s.params,
		Seed:         s.seed,
		PatientZeros: s.patientZeros,
		Horizon:      s.sched.Horizon(),
		Day:          s.day,
		Phase:        s.phase,
		Counts:       pop.Counts(),
		Individuals:  pop.individuals,
		Last:         cloneSummary(s.last),
	}
	if m, ok := s.src.(encoding.BinaryMarshaler); ok {
		b, err := m.MarshalBinary()
		if err != nil {
			return State{}, fmt.Errorf("marshal rng state: %w", err)
		}
		st.RNG = b
	}
	return st, nil
}

// Restore rebuilds a simulator from a snapshot. The schedule is rebuilt from
// the infected individuals; the random stream resumes from st.RNG when the
// source supports it. WithSource may inject a different source.
func Restore(st State, opts ...Option) (*Simulator, error) {
	if st.SchemaVer != StateSchemaVersion {
		return nil, fmt.Errorf("%w: schema version %d, want %d", ErrIncompatibleState, st.SchemaVer, StateSchemaVersion)
	}
	if err := st.Params.Validate(); err != nil {
		return nil, err
	}
	if st.Phase == PhaseFailed {
		return nil, fmt.Errorf("%w: snapshot of a failed simulation", ErrIncompatibleState)
	}

	pop, err := NewPopulation(len(st.Individuals))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIncompatibleState, err)
	}
	copy(pop.individuals, st.Individuals)
	pop.counts = recount(pop.individuals)
	pop.counts.ExposedBefore = st.Counts.ExposedBefore
	pop.counts.ExposedAfter = st.Counts.ExposedAfter
	if pop.counts != st.Counts {
		return nil, fmt.Errorf("%w: counters do not match individuals", ErrIncompatibleState)
	}

	o := options{seed: st.Seed, seeded: true}
	for _, opt := range opts {
		opt(&o)
	}
	src, _ := resolveSource(o)
	if len(st.RNG) > 0 {
		if u, ok := src.(encoding.BinaryUnmarshaler); ok {
			if err := u.UnmarshalBinary(st.RNG); err != nil {
				return nil, fmt.Errorf("%w: rng state: %w", ErrIncompatibleState, err)
			}
		}
	}

	return &Simulator{
		params:       st.Params,
		serial:       st.Params.SerialInterval(),
		seed:         st.Seed,
		patientZeros: st.PatientZeros,
		src:          src,
		pop:          pop,
		sched:        rebuildSchedule(st.Horizon, pop),
		day:          st.Day,
		phase:        st.Phase,
		last:         cloneSummary(st.Last),
	}, nil
}

func recount(individuals []types.Individual) Counts {
	var c Counts
	for _, ind := range individuals {
		switch ind.Status {
		case types.StatusInfected:
			c.TotalInfected++
			c.CurrentlyInfected++
		case types.StatusRecovered:
			c.TotalInfected++
			c.Recovered++
		case types.StatusDead:
			c.TotalInfected++
			c.Deaths++
		}
	}
	return c
}

func cloneSummary(d types.DaySummary) types.DaySummary {
	cp := d
	if d.NewlyResolved != nil {
		cp.NewlyResolved = append([]types.Resolution(nil), d.NewlyResolved...)
	}
	if d.NewlyInfected != nil {
		cp.NewlyInfected = append([]types.Infection(nil), d.NewlyInfected...)
	}
	if d.Wave != nil {
		w := *d.Wave
		cp.Wave = &w
	}
	return cp
}
