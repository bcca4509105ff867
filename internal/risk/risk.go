package risk

import (
	"fmt"
	"math"
	"sort"
)

// Kinney & Wiruth factor scales. Scores are the plain product of the three
// factors; anything outside these sets is a data-entry error, not a rounding
// artifact, so membership is checked with a small epsilon only.
var (
	EffectValues      = []float64{1, 3, 7, 15, 40, 100}
	ExposureValues    = []float64{0.5, 1, 2, 3, 6, 10}
	ProbabilityValues = []float64{0.1, 0.2, 0.5, 1, 3, 6, 10}
)

const epsilon = 1e-9

// InvalidScoreValueError reports a factor outside its discrete scale.
type InvalidScoreValueError struct {
	Factor string
	Value  float64
}

func (e InvalidScoreValueError) Error() string {
	return fmt.Sprintf("invalid %s value %g: not in the %s scale", e.Factor, e.Value, e.Factor)
}

func inScale(values []float64, v float64) bool {
	for _, s := range values {
		if math.Abs(s-v) < epsilon {
			return true
		}
	}
	return false
}

// Compute returns effect * exposure * probability after validating each
// factor against its scale.
func Compute(effect, exposure, probability float64) (float64, error) {
	if !inScale(EffectValues, effect) {
		return 0, InvalidScoreValueError{Factor: "effect", Value: effect}
	}
	if !inScale(ExposureValues, exposure) {
		return 0, InvalidScoreValueError{Factor: "exposure", Value: exposure}
	}
	if !inScale(ProbabilityValues, probability) {
		return 0, InvalidScoreValueError{Factor: "probability", Value: probability}
	}
	return effect * exposure * probability, nil
}

// Band is one risk level with its inclusive upper score bound.
type Band struct {
	Max   float64 `yaml:"max" json:"max"`
	Level string  `yaml:"level" json:"level"`
}

// Bands is an ordered banding policy. Scores above the last bound map to
// the overflow level.
type Bands struct {
	Ordered  []Band `yaml:"ordered" json:"ordered"`
	Overflow string `yaml:"overflow" json:"overflow"`
}

// DefaultBands returns the standard Kinney & Wiruth banding.
func DefaultBands() Bands {
	return Bands{
		Ordered: []Band{
			{Max: 20, Level: "trivial"},
			{Max: 70, Level: "acceptable"},
			{Max: 200, Level: "possible"},
			{Max: 400, Level: "substantial"},
			{Max: 1000, Level: "high"},
		},
		Overflow: "very_high",
	}
}

// Validate checks that bounds are strictly increasing and levels non-empty.
func (b Bands) Validate() error {
	if len(b.Ordered) == 0 {
		return fmt.Errorf("risk bands: at least one band required")
	}
	if b.Overflow == "" {
		return fmt.Errorf("risk bands: overflow level required")
	}
	if !sort.SliceIsSorted(b.Ordered, func(i, j int) bool { return b.Ordered[i].Max < b.Ordered[j].Max }) {
		return fmt.Errorf("risk bands: bounds must be strictly increasing")
	}
	for i, band := range b.Ordered {
		if band.Level == "" {
			return fmt.Errorf("risk bands: band %d has empty level", i)
		}
		if i > 0 && band.Max == b.Ordered[i-1].Max {
			return fmt.Errorf("risk bands: duplicate bound %g", band.Max)
		}
	}
	return nil
}

// LevelForScore maps a score to its band. Monotonic in score.
func (b Bands) LevelForScore(score float64) string {
	for _, band := range b.Ordered {
		if score <= band.Max+epsilon {
			return band.Level
		}
	}
	return b.Overflow
}

// LevelForScore applies the default banding.
func LevelForScore(score float64) string {
	return DefaultBands().LevelForScore(score)
}
