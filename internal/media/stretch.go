package media

import (
	"errors"
	"fmt"
	"math"
)

// The atempo filter only preserves quality within [0.5, 2.0] per application;
// ratios outside that range are reached by chaining in-range sub-factors.
const (
	filterStepMin = 0.5
	filterStepMax = 2.0
)

// Natural-sounding bounds for a requested global stretch. Ratios outside this
// band distort speech audibly, so policy rejects them in favour of the
// silence-complement strategy.
const (
	NaturalScaleMin = 0.75
	NaturalScaleMax = 1.35
)

// ErrUnnaturalScale signals that the requested factor was rejected by policy
// rather than failing mechanically; callers switch strategy instead of
// retrying.
var ErrUnnaturalScale = errors.New("stretch factor outside natural range")

// PlanStretch decomposes factor into an ordered chain of filter-supported
// sub-factors whose product equals factor. Factors above 2 peel off 2.0
// steps, factors below 0.5 peel off 0.5 steps, and the remainder is applied
// last.
func PlanStretch(factor float64) ([]float64, error) {
	if factor <= 0 || math.IsNaN(factor) || math.IsInf(factor, 0) {
		return nil, fmt.Errorf("stretch factor %v is not a positive finite number", factor)
	}
	var steps []float64
	for factor > filterStepMax {
		steps = append(steps, filterStepMax)
		factor /= filterStepMax
	}
	for factor < filterStepMin {
		steps = append(steps, filterStepMin)
		factor /= filterStepMin
	}
	steps = append(steps, factor)
	return steps, nil
}

// ClampNatural bounds a requested global factor to the natural-sounding
// range. The second return reports whether clamping occurred.
func ClampNatural(factor float64) (float64, bool) {
	if factor < NaturalScaleMin {
		return NaturalScaleMin, true
	}
	if factor > NaturalScaleMax {
		return NaturalScaleMax, true
	}
	return factor, false
}

// PlanNaturalStretch validates factor against the natural range and then
// decomposes it. Out-of-band factors return ErrUnnaturalScale so the caller
// can fall back to the silence-complement path.
func PlanNaturalStretch(factor float64) ([]float64, error) {
	if factor < NaturalScaleMin || factor > NaturalScaleMax {
		return nil, fmt.Errorf("%w: %.3f not in [%.2f, %.2f]",
			ErrUnnaturalScale, factor, NaturalScaleMin, NaturalScaleMax)
	}
	return PlanStretch(factor)
}
