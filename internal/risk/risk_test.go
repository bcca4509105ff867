package risk_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"riskline/internal/risk"
)

func TestComputeProducts(t *testing.T) {
	cases := []struct {
		effect, exposure, probability float64
		want                          float64
		level                         string
	}{
		{1, 0.5, 0.1, 0.05, "trivial"},
		{15, 3, 1, 45, "acceptable"},
		{7, 6, 3, 126, "possible"},
		{40, 1, 10, 400, "substantial"},
		{40, 6, 3, 720, "high"},
		{100, 10, 10, 10000, "very_high"},
	}
	for _, tc := range cases {
		score, err := risk.Compute(tc.effect, tc.exposure, tc.probability)
		require.NoError(t, err)
		require.InDelta(t, tc.want, score, 1e-9)
		require.Equal(t, tc.level, risk.LevelForScore(score))
	}
}

func TestComputeRejectsOffScaleValues(t *testing.T) {
	cases := []struct {
		name                          string
		effect, exposure, probability float64
		factor                        string
	}{
		{"effect", 2, 1, 1, "effect"},
		{"exposure", 7, 4, 1, "exposure"},
		{"probability", 7, 1, 5, "probability"},
		{"zero effect", 0, 1, 1, "effect"},
		{"negative", -1, 1, 1, "effect"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := risk.Compute(tc.effect, tc.exposure, tc.probability)
			var inv risk.InvalidScoreValueError
			require.True(t, errors.As(err, &inv))
			require.Equal(t, tc.factor, inv.Factor)
		})
	}
}

func TestBandBoundariesInclusive(t *testing.T) {
	b := risk.DefaultBands()
	require.Equal(t, "trivial", b.LevelForScore(20))
	require.Equal(t, "acceptable", b.LevelForScore(21))
	require.Equal(t, "acceptable", b.LevelForScore(70))
	require.Equal(t, "possible", b.LevelForScore(70.5))
	require.Equal(t, "high", b.LevelForScore(1000))
	require.Equal(t, "very_high", b.LevelForScore(1000.5))
}

func TestLevelMonotonicInScore(t *testing.T) {
	b := risk.DefaultBands()
	rank := map[string]int{"trivial": 0, "acceptable": 1, "possible": 2, "substantial": 3, "high": 4, "very_high": 5}
	prev := -1
	for score := 0.0; score <= 10000; score += 2.5 {
		r := rank[b.LevelForScore(score)]
		require.GreaterOrEqual(t, r, prev, "score %g", score)
		prev = r
	}
}

func TestBandsValidate(t *testing.T) {
	require.NoError(t, risk.DefaultBands().Validate())

	bad := risk.Bands{Ordered: []risk.Band{{Max: 70, Level: "a"}, {Max: 20, Level: "b"}}, Overflow: "x"}
	require.Error(t, bad.Validate())

	dup := risk.Bands{Ordered: []risk.Band{{Max: 20, Level: "a"}, {Max: 20, Level: "b"}}, Overflow: "x"}
	require.Error(t, dup.Validate())

	noOverflow := risk.Bands{Ordered: []risk.Band{{Max: 20, Level: "a"}}}
	require.Error(t, noOverflow.Validate())
}
