package epidemic

import (
	"slices"

	"github.com/ChuLiYu/outbreak-sim/pkg/types"
)

// bucketKind identifies one of the three outcome schedules.
type bucketKind int

const (
	bucketMildRecovery bucketKind = iota
	bucketSevereRecovery
	bucketSevereDeath
	numBuckets
)

func (k bucketKind) String() string {
	switch k {
	case bucketSevereRecovery:
		return "severe_recovery"
	case bucketSevereDeath:
		return "severe_death"
	default:
		return "mild_recovery"
	}
}

func bucketFor(s types.Severity) bucketKind {
	switch s {
	case types.SeveritySevereRecovers:
		return bucketSevereRecovery
	case types.SeveritySevereDies:
		return bucketSevereDeath
	default:
		return bucketMildRecovery
	}
}

// Schedule maps a future day to the individuals resolving that day, split in
// three buckets. Days are created on demand; horizon > 0 bounds them.
type Schedule struct {
	horizon int
	buckets [numBuckets]map[int][]types.IndividualID
	pending int
}

func newSchedule(horizon int) *Schedule {
	s := &Schedule{horizon: horizon}
	for k := range s.buckets {
		s.buckets[k] = make(map[int][]types.IndividualID)
	}
	return s
}

// fits checks an assignment against the horizon.
func (s *Schedule) fits(a Assignment) error {
	if s.horizon > 0 && a.ResolutionDay >= s.horizon {
		return &ScheduleOverflowError{Individual: a.ID, Day: a.ResolutionDay, Horizon: s.horizon}
	}
	return nil
}

func (s *Schedule) add(a Assignment) {
	k := bucketFor(a.Severity)
	s.buckets[k][a.ResolutionDay] = append(s.buckets[k][a.ResolutionDay], a.ID)
	s.pending++
}

// due lists, per bucket, who resolves on day, in ascending ID order. It does
// not modify the schedule.
func (s *Schedule) due(day int) [numBuckets][]types.IndividualID {
	var out [numBuckets][]types.IndividualID
	for k := range s.buckets {
		ids := slices.Clone(s.buckets[k][day])
		slices.Sort(ids)
		out[k] = ids
	}
	return out
}

// drop removes day from every bucket once it has been resolved.
func (s *Schedule) drop(day int) {
	for k := range s.buckets {
		s.pending -= len(s.buckets[k][day])
		delete(s.buckets[k], day)
	}
}

// Pending 尚未結算的排程數
func (s *Schedule) Pending() int {
	return s.pending
}

// Horizon returns the configured bound, 0 meaning unbounded.
func (s *Schedule) Horizon() int {
	return s.horizon
}

// BucketSize counts scheduled individuals in a named bucket across all days.
func (s *Schedule) BucketSize(name string) int {
	for k := bucketKind(0); k < numBuckets; k++ {
		if k.String() == name {
			n := 0
			for _, ids := range s.buckets[k] {
				n += len(ids)
			}
			return n
		}
	}
	return 0
}

// rebuildSchedule files every infected individual again. Used on restore.
func rebuildSchedule(horizon int, pop *Population) *Schedule {
	s := newSchedule(horizon)
	for _, ind := range pop.individuals {
		if ind.Status == types.StatusInfected {
			s.add(Assignment{ID: ind.ID, Severity: ind.Severity, ResolutionDay: ind.ResolutionDay})
		}
	}
	return s
}

// ============================================================================
// Outcome Scheduler
// ============================================================================

// planOutcomes assigns a severity and resolution day to every member of a
// freshly infected cohort. It draws from src and touches no state.
//
// Mild/severe and recovers/dies are uniform partitions without replacement
// sized by the aggregate rates; days are uniform within the bucket's
// incubation-adjusted [fast, slow) window offset from day.
func planOutcomes(src Source, params Params, day int, cohort []types.IndividualID) []Assignment {
	n := len(cohort)
	if n == 0 {
		return nil
	}

	numMild := min(max(roundHalfEven(params.PercentMild*float64(n)), 0), n)
	mild := sampleWithoutReplacement(src, cohort, numMild)
	severe := without(cohort, mild)

	numRecovers := min(max(roundHalfEven(params.SevereRecoveryRate()*float64(len(severe))), 0), len(severe))
	recovers := sampleWithoutReplacement(src, severe, numRecovers)
	dies := without(severe, recovers)

	out := make([]Assignment, 0, n)
	groups := []struct {
		ids      []types.IndividualID
		severity types.Severity
		kind     bucketKind
	}{
		{mild, types.SeverityMild, bucketMildRecovery},
		{recovers, types.SeveritySevereRecovers, bucketSevereRecovery},
		{dies, types.SeveritySevereDies, bucketSevereDeath},
	}
	for _, g := range groups {
		r := params.delay(g.kind)
		for _, id := range g.ids {
			out = append(out, Assignment{
				ID:            id,
				Severity:      g.severity,
				ResolutionDay: uniformDay(src, day+r.fast, day+r.slow),
			})
		}
	}
	return out
}

// without returns the members of all not in sub, preserving order.
func without(all, sub []types.IndividualID) []types.IndividualID {
	if len(sub) == 0 {
		return slices.Clone(all)
	}
	skip := make(map[types.IndividualID]struct{}, len(sub))
	for _, id := range sub {
		skip[id] = struct{}{}
	}
	out := make([]types.IndividualID, 0, len(all)-len(sub))
	for _, id := range all {
		if _, ok := skip[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
