// Package objectives provides the benchmark objective functions served by
// the minimization service and exercised by the end-to-end tests. All
// gradients are analytic.
package objectives

import (
	"math"

	"github.com/quasinewt/NUMIN/internal/optimization"
)

// Quadratic is the bowl f(x) = sum(x_i^2)/2 with gradient x. Its minimum is
// the origin.
func Quadratic() optimization.Objective {
	return optimization.ObjectiveFunc(func(x []float64) (float64, []float64) {
		grad := make([]float64, len(x))
		var sum float64
		for i, v := range x {
			sum += v * v
			grad[i] = v
		}
		return sum / 2, grad
	})
}

// Rosenbrock is the extended Rosenbrock function over consecutive pairs,
//
//	f(x) = sum over pairs of (1-x_{2i})^2 + 100*(x_{2i+1}-x_{2i}^2)^2,
//
// with minimum value 0 at (1, ..., 1). The dimension must be even; the
// two-dimensional case is the classic banana valley.
func Rosenbrock() optimization.Objective {
	return optimization.ObjectiveFunc(func(x []float64) (float64, []float64) {
		grad := make([]float64, len(x))
		var sum float64
		for i := 0; i+1 < len(x); i += 2 {
			a, b := x[i], x[i+1]
			t := b - a*a
			sum += (1-a)*(1-a) + 100*t*t
			grad[i] = -2*(1-a) - 400*a*t
			grad[i+1] = 200 * t
		}
		return sum, grad
	})
}

// IllScaledQuadratic is f(x) = sum of 10^(2i/n) * x_i^2, a quadratic whose
// curvature grows geometrically across the coordinates, from 1 to just under
// 100 whatever the dimension. It
// separates diagonal from scalar initial-Hessian scaling.
func IllScaledQuadratic() optimization.Objective {
	return optimization.ObjectiveFunc(func(x []float64) (float64, []float64) {
		n := float64(len(x))
		grad := make([]float64, len(x))
		var sum float64
		for i, v := range x {
			c := math.Pow(10, 2*float64(i)/n)
			sum += c * v * v
			grad[i] = 2 * c * v
		}
		return sum, grad
	})
}

// ByName resolves a benchmark objective by its registry name. The second
// return value reports whether the name is known.
func ByName(name string) (optimization.Objective, bool) {
	switch name {
	case "quadratic":
		return Quadratic(), true
	case "rosenbrock":
		return Rosenbrock(), true
	case "ill-scaled":
		return IllScaledQuadratic(), true
	}
	return nil, false
}

// Names lists the registry names accepted by ByName.
func Names() []string {
	return []string{"quadratic", "rosenbrock", "ill-scaled"}
}
