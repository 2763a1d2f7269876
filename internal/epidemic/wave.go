package epidemic

import (
	"math"

	"github.com/ChuLiYu/outbreak-sim/pkg/types"
)

// wavePlan is the outcome of the Wave Generator for one day, before commit.
type wavePlan struct {
	wave   types.Wave
	cohort []types.IndividualID
}

// waveEligible is the gate: waves only on serial-interval boundaries and only
// while part of the population has never been exposed.
func waveEligible(day, serialInterval, exposedBefore, size int) bool {
	return day%serialInterval == 0 && exposedBefore < size
}

// planWave sizes the wave and selects its cohort from the exposure window
// [exposedBefore, exposedAfter). Individuals exposed by earlier waves are never
// candidates, which is what keeps the infected from being drawn twice.
func planWave(src Source, r0 float64, day, totalInfected, exposedBefore, size int) wavePlan {
	// 先以 float64 比較飽和，極大的 r0 轉成 int 會溢位
	want := math.RoundToEven(r0 * float64(totalInfected))
	reach := float64(exposedBefore) + math.RoundToEven(want*ExposureFactor)

	var newInfected, exposedAfter int
	clamped := false
	if reach > float64(size) {
		newInfected = roundHalfEven(float64(size-exposedBefore) / ExposureFactor)
		exposedAfter = size
		clamped = true
	} else {
		newInfected = int(want)
		exposedAfter = int(reach)
	}
	newInfected = min(max(newInfected, 0), exposedAfter-exposedBefore)

	window := make([]types.IndividualID, 0, exposedAfter-exposedBefore)
	for i := exposedBefore; i < exposedAfter; i++ {
		window = append(window, types.IndividualID(i))
	}

	return wavePlan{
		wave: types.Wave{
			Day:           day,
			NewInfected:   newInfected,
			ExposedBefore: exposedBefore,
			ExposedAfter:  exposedAfter,
			Clamped:       clamped,
		},
		cohort: sampleWithoutReplacement(src, window, newInfected),
	}
}
