package epidemic

import (
	"math"
)

// ExposureFactor is how many individuals are exposed per counted infection.
const ExposureFactor = 1.1

// Params holds the disease parameters. Immutable for the duration of a run.
type Params struct {
	R0                 float64 `yaml:"r0" json:"r0"`
	Incubation         int     `yaml:"incubation" json:"incubation"`
	PercentMild        float64 `yaml:"percent_mild" json:"percent_mild"`
	MildRecoveryFast   int     `yaml:"mild_recovery_fast" json:"mild_recovery_fast"`
	MildRecoverySlow   int     `yaml:"mild_recovery_slow" json:"mild_recovery_slow"`
	SevereRecoveryFast int     `yaml:"severe_recovery_fast" json:"severe_recovery_fast"`
	SevereRecoverySlow int     `yaml:"severe_recovery_slow" json:"severe_recovery_slow"`
	SevereDeathFast    int     `yaml:"severe_death_fast" json:"severe_death_fast"`
	SevereDeathSlow    int     `yaml:"severe_death_slow" json:"severe_death_slow"`
	FatalityRate       float64 `yaml:"fatality_rate" json:"fatality_rate"`
}

// DefaultParams returns the COVID-19 preset.
func DefaultParams() Params {
	return Params{
		R0:                 2.28,
		Incubation:         5,
		PercentMild:        0.8,
		MildRecoveryFast:   7,
		MildRecoverySlow:   14,
		SevereRecoveryFast: 21,
		SevereRecoverySlow: 42,
		SevereDeathFast:    14,
		SevereDeathSlow:    56,
		FatalityRate:       0.034,
	}
}

// PercentSevere is the complement of PercentMild.
func (p Params) PercentSevere() float64 {
	return 1 - p.PercentMild
}

// SevereRecoveryRate converts the population-wide fatality rate into the
// fraction of severe cases that recover.
func (p Params) SevereRecoveryRate() float64 {
	severe := p.PercentSevere()
	if severe <= 0 {
		return 1
	}
	rate := 1 - p.FatalityRate/severe
	// PercentSevere is computed in floating point; keep the ratio in [0,1].
	return math.Min(1, math.Max(0, rate))
}

// SerialInterval is the gcd of the six raw delay parameters. Waves are only
// evaluated on multiples of it.
func (p Params) SerialInterval() int {
	g := 0
	for _, d := range []int{
		p.MildRecoveryFast, p.MildRecoverySlow,
		p.SevereRecoveryFast, p.SevereRecoverySlow,
		p.SevereDeathFast, p.SevereDeathSlow,
	} {
		g = gcd(g, d)
	}
	if g <= 0 {
		return 1
	}
	return g
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	if a < 0 {
		return -a
	}
	return a
}

// delayRange is the incubation-adjusted [fast, slow) window for one bucket.
type delayRange struct {
	fast, slow int
}

func (p Params) delay(s bucketKind) delayRange {
	switch s {
	case bucketSevereRecovery:
		return delayRange{p.Incubation + p.SevereRecoveryFast, p.Incubation + p.SevereRecoverySlow}
	case bucketSevereDeath:
		return delayRange{p.Incubation + p.SevereDeathFast, p.Incubation + p.SevereDeathSlow}
	default:
		return delayRange{p.Incubation + p.MildRecoveryFast, p.Incubation + p.MildRecoverySlow}
	}
}

// MaxDelay is the latest offset, relative to the infection day, at which any
// outcome can land.
func (p Params) MaxDelay() int {
	m := 0
	for _, k := range []bucketKind{bucketMildRecovery, bucketSevereRecovery, bucketSevereDeath} {
		d := p.delay(k)
		last := d.fast
		if d.slow > d.fast {
			last = d.slow - 1
		}
		if last > m {
			m = last
		}
	}
	return m
}

// Validate checks every parameter. The first violation is returned as a
// *ConfigError wrapping ErrConfiguration.
func (p Params) Validate() error {
	if math.IsNaN(p.R0) || math.IsInf(p.R0, 0) || p.R0 < 0 {
		return configErrorf("r0", "must be a finite number >= 0, got %v", p.R0)
	}
	if p.Incubation < 0 {
		return configErrorf("incubation", "must be >= 0, got %d", p.Incubation)
	}
	if math.IsNaN(p.PercentMild) || p.PercentMild <= 0 || p.PercentMild > 1 {
		return configErrorf("percent_mild", "must be in (0,1], got %v", p.PercentMild)
	}

	ranges := []struct {
		name       string
		fast, slow int
	}{
		{"mild_recovery", p.MildRecoveryFast, p.MildRecoverySlow},
		{"severe_recovery", p.SevereRecoveryFast, p.SevereRecoverySlow},
		{"severe_death", p.SevereDeathFast, p.SevereDeathSlow},
	}
	for _, r := range ranges {
		if r.fast < 0 || r.slow < 0 {
			return configErrorf(r.name, "delays must be >= 0, got fast=%d slow=%d", r.fast, r.slow)
		}
		if r.fast > r.slow {
			return configErrorf(r.name, "fast (%d) must be <= slow (%d)", r.fast, r.slow)
		}
		if p.Incubation+r.fast < 1 {
			return configErrorf(r.name, "incubation + fast must be >= 1 so outcomes land after infection")
		}
	}

	if math.IsNaN(p.FatalityRate) || p.FatalityRate < 0 {
		return configErrorf("fatality_rate", "must be >= 0, got %v", p.FatalityRate)
	}
	if p.FatalityRate > p.PercentSevere()+1e-12 {
		return configErrorf("fatality_rate", "(%v) must not exceed percent_severe (%v)",
			p.FatalityRate, p.PercentSevere())
	}
	return nil
}

// roundHalfEven is the single rounding rule used by the wave and outcome
// arithmetic.
func roundHalfEven(x float64) int {
	return int(math.RoundToEven(x))
}
