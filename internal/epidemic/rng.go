package epidemic

import (
	"math/rand/v2"

	"github.com/ChuLiYu/outbreak-sim/pkg/types"
)

// Source is the random source injected into wave selection and outcome
// scheduling. IntN returns a value in [0, n); n is always > 0.
type Source interface {
	IntN(n int) int
}

// PCGSource is the default seedable Source. Its state can be marshaled so a
// snapshot resumes the exact random stream.
type PCGSource struct {
	pcg *rand.PCG
	r   *rand.Rand
}

// NewSource returns a PCG source seeded with seed.
func NewSource(seed uint64) *PCGSource {
	pcg := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	return &PCGSource{pcg: pcg, r: rand.New(pcg)}
}

func (s *PCGSource) IntN(n int) int {
	return s.r.IntN(n)
}

func (s *PCGSource) MarshalBinary() ([]byte, error) {
	return s.pcg.MarshalBinary()
}

func (s *PCGSource) UnmarshalBinary(data []byte) error {
	return s.pcg.UnmarshalBinary(data)
}

// sampleWithoutReplacement draws k distinct members of pool using a partial
// Fisher-Yates shuffle over a copy. Order of the result is the draw order.
func sampleWithoutReplacement(src Source, pool []types.IndividualID, k int) []types.IndividualID {
	if k <= 0 {
		return nil
	}
	if k > len(pool) {
		k = len(pool)
	}
	buf := make([]types.IndividualID, len(pool))
	copy(buf, pool)
	for i := 0; i < k; i++ {
		j := i + src.IntN(len(buf)-i)
		buf[i], buf[j] = buf[j], buf[i]
	}
	return buf[:k]
}

// uniformDay draws a day in [lo, hi). A degenerate range yields lo.
func uniformDay(src Source, lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + src.IntN(hi-lo)
}
