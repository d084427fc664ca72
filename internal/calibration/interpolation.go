package calibration

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/interp"
)

// Energy grid of the correction factor tables, MeV.
var energyGrid = []float64{
	70, 80, 90, 100, 110, 120, 130, 140, 150, 160, 170, 180, 190, 200, 210, 220, 230,
}

var protonDoseFactors = []float64{
	1.0, 1.12573609032495, 1.25147616113001, 1.36888442326936, 1.48668286253201,
	1.60497205195899, 1.71741194754422, 1.82898327045955, 1.94071715123743,
	2.04829230739643, 2.16168786761159, 2.27629228444253, 2.39246901674031,
	2.50561983301185, 2.63593473689952, 2.75663921459094, 2.89392497566575,
}

var muCountDoseFactors = []float64{
	1.0, 0.989255716854649, 0.973421729297953, 0.967281770613755, 0.958215625815887,
	0.946937840980162, 0.942685675037711, 0.940168906626851, 0.931161417057087,
	0.918762676945622, 0.904569498824145, 0.888164591949398, 0.876689052268837,
	0.872826195199581, 0.871540965585644, 0.859481169160383, 0.8524232713089,
}

var (
	ErrEmptyInput        = errors.New("interpolator input is empty")
	ErrLengthMismatch    = errors.New("interpolator x and y lengths differ")
	ErrDuplicateAbscissa = errors.New("interpolator x values are not distinct")
)

// Interpolator is a monotone piecewise cubic (PCHIP) curve that holds the
// boundary values constant outside its knot range.
type Interpolator struct {
	xs, ys []float64
	fit    interp.Predictor
}

// NewInterpolator fits a curve through (xs[i], ys[i]). The pairs may be
// given in any order.
func NewInterpolator(xs, ys []float64) (*Interpolator, error) {
	if len(xs) == 0 || len(ys) == 0 {
		return nil, ErrEmptyInput
	}
	if len(xs) != len(ys) {
		return nil, fmt.Errorf("%w: %d x values, %d y values", ErrLengthMismatch, len(xs), len(ys))
	}

	idx := make([]int, len(xs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return xs[idx[a]] < xs[idx[b]] })

	it := &Interpolator{xs: make([]float64, len(xs)), ys: make([]float64, len(ys))}
	for i, j := range idx {
		it.xs[i] = xs[j]
		it.ys[i] = ys[j]
		if i > 0 && it.xs[i] == it.xs[i-1] {
			return nil, fmt.Errorf("%w: %g", ErrDuplicateAbscissa, it.xs[i])
		}
	}

	var fitter interp.FittablePredictor
	switch {
	case len(it.xs) == 2:
		// two knots: the monotone cubic degenerates to a line
		fitter = &interp.PiecewiseLinear{}
	case len(it.xs) > 2:
		fitter = &interp.FritschButland{}
	}
	if fitter != nil {
		if err := fitter.Fit(it.xs, it.ys); err != nil {
			return nil, fmt.Errorf("failed to fit interpolator: %w", err)
		}
		it.fit = fitter
	}
	return it, nil
}

// Evaluate returns the curve value at x. Outside the knot range the nearest
// boundary value is returned unchanged.
func (it *Interpolator) Evaluate(x float64) float64 {
	n := len(it.xs)
	if x <= it.xs[0] || n == 1 {
		return it.ys[0]
	}
	if x >= it.xs[n-1] {
		return it.ys[n-1]
	}
	// knots are returned exactly
	if i := sort.SearchFloat64s(it.xs, x); i < n && it.xs[i] == x {
		return it.ys[i]
	}
	return it.fit.Predict(x)
}

// Domain returns the first and last knot.
func (it *Interpolator) Domain() (float64, float64) {
	return it.xs[0], it.xs[len(it.xs)-1]
}

// NewProtonDoseInterpolator returns the proton/dose correction curve.
func NewProtonDoseInterpolator() (*Interpolator, error) {
	return NewInterpolator(energyGrid, protonDoseFactors)
}

// NewMUCountDoseInterpolator returns the MU-count/dose correction curve.
func NewMUCountDoseInterpolator() (*Interpolator, error) {
	return NewInterpolator(energyGrid, muCountDoseFactors)
}
