package epidemic

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultParamsValid(t *testing.T) {
	p := DefaultParams()
	require.NoError(t, p.Validate())
	assert.Equal(t, 7, p.SerialInterval(), "gcd(7,14,21,42,14,56)")
	assert.InDelta(t, 0.2, p.PercentSevere(), 1e-9)
	assert.InDelta(t, 0.83, p.SevereRecoveryRate(), 1e-9)
	assert.Equal(t, 60, p.MaxDelay(), "incubation 5 + severe_death_slow 56 - 1")
}

func TestParamsValidate(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*Params)
		field string
	}{
		{"negative r0", func(p *Params) { p.R0 = -1 }, "r0"},
		{"NaN r0", func(p *Params) { p.R0 = math.NaN() }, "r0"},
		{"negative incubation", func(p *Params) { p.Incubation = -2 }, "incubation"},
		{"percent_mild zero", func(p *Params) { p.PercentMild = 0 }, "percent_mild"},
		{"percent_mild above one", func(p *Params) { p.PercentMild = 1.2 }, "percent_mild"},
		{"mild fast > slow", func(p *Params) { p.MildRecoveryFast = 20 }, "mild_recovery"},
		{"severe recovery fast > slow", func(p *Params) { p.SevereRecoveryFast = 50 }, "severe_recovery"},
		{"severe death negative", func(p *Params) { p.SevereDeathFast = -1 }, "severe_death"},
		{"outcome on infection day", func(p *Params) { p.Incubation = 0; p.MildRecoveryFast = 0 }, "mild_recovery"},
		{"fatality above severe share", func(p *Params) { p.FatalityRate = 0.25 }, "fatality_rate"},
		{"negative fatality", func(p *Params) { p.FatalityRate = -0.1 }, "fatality_rate"},
		{"all mild with deaths", func(p *Params) { p.PercentMild = 1; p.FatalityRate = 0.01 }, "fatality_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParams()
			tt.edit(&p)

			err := p.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfiguration))

			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestParamsValidateBoundaries(t *testing.T) {
	p := DefaultParams()
	p.R0 = 0
	assert.NoError(t, p.Validate(), "r0 = 0 is a legal run")

	p = DefaultParams()
	p.PercentMild = 1
	p.FatalityRate = 0
	assert.NoError(t, p.Validate())
	assert.Equal(t, 1.0, p.SevereRecoveryRate())

	p = DefaultParams()
	p.FatalityRate = p.PercentSevere()
	assert.NoError(t, p.Validate(), "fatality equal to severe share is allowed")
	assert.InDelta(t, 0, p.SevereRecoveryRate(), 1e-9)

	p = DefaultParams()
	p.MildRecoverySlow = p.MildRecoveryFast
	assert.NoError(t, p.Validate(), "fast == slow is a single-day window")
}

func TestSerialInterval(t *testing.T) {
	tests := []struct {
		name   string
		delays [6]int
		want   int
	}{
		{"covid", [6]int{7, 14, 21, 42, 14, 56}, 7},
		{"coprime", [6]int{3, 5, 7, 9, 11, 13}, 1},
		{"even", [6]int{4, 8, 12, 16, 20, 24}, 4},
		{"zeros ignored", [6]int{0, 6, 0, 12, 6, 18}, 6},
		{"all zero", [6]int{}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Params{
				MildRecoveryFast: tt.delays[0], MildRecoverySlow: tt.delays[1],
				SevereRecoveryFast: tt.delays[2], SevereRecoverySlow: tt.delays[3],
				SevereDeathFast: tt.delays[4], SevereDeathSlow: tt.delays[5],
			}
			assert.Equal(t, tt.want, p.SerialInterval())
		})
	}
}

func TestRoundHalfEven(t *testing.T) {
	assert.Equal(t, 2, roundHalfEven(2.5))
	assert.Equal(t, 4, roundHalfEven(3.5))
	assert.Equal(t, 2, roundHalfEven(2.2))
	assert.Equal(t, 0, roundHalfEven(0.5))
	assert.Equal(t, 2, roundHalfEven(1.5))
	assert.Equal(t, 1, roundHalfEven(1/ExposureFactor))
}
