package quasinewton

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/quasinewt/NUMIN/internal/optimization"
)

// Line search parameters. ftol and gtol are the strong Wolfe tolerances for
// sufficient decrease and curvature; alphaMin/alphaMax bound the step length.
const (
	ftol     = 1e-4
	alphaMin = 1e-12
	alphaMax = 1e12
	p66      = 0.66
	p5       = 0.5
	xtrapf   = 4.0
)

// point is one probe of the line search: a step length alpha, the function
// value there, and the directional derivative grad(x+alpha*dir)·dir.
type point struct {
	alpha float64
	f     float64
	g     float64
}

// lineSearch finds a step length along dir from x satisfying the strong
// Wolfe conditions, using safeguarded cubic/quadratic interpolation on the
// {best, new, end} triple state.
//
// On entry grad holds the gradient at x and f0 the value there. On a nil
// error the returned point is the accepted step, newX holds x+alpha*dir and
// m.newGrad the gradient evaluated there by the search's final evaluation.
// errMaxEvaluations is returned when the evaluation budget runs out
// mid-search.
//
// If dir is not a descent direction the search replaces it with the negative
// gradient in place.
func (m *Minimizer) lineSearch(obj optimization.Objective, dir, x, newX, grad []float64, f0, tol float64) (point, error) {
	m.bracketed = false
	m.infoc = 1
	stage1 := true
	width := alphaMax - alphaMin
	width1 := 2 * width

	g0 := floats.Dot(grad, dir)
	if g0 >= 0 {
		// Looking uphill. Fall back to steepest descent.
		for i := range dir {
			dir[i] = -grad[i]
		}
		g0 = floats.Dot(grad, dir)
	}
	gTest := ftol * g0

	newPt := point{alpha: 1}
	if m.its == 1 {
		// The first direction has no curvature information behind it;
		// a unit step is usually far too long.
		newPt.alpha = 0.1
	}
	bestPt := point{alpha: 0, f: f0, g: g0}
	endPt := bestPt

	for {
		var stpMin, stpMax float64
		if m.bracketed {
			stpMin = math.Min(bestPt.alpha, endPt.alpha)
			stpMax = math.Max(bestPt.alpha, endPt.alpha)
		} else {
			stpMin = bestPt.alpha
			stpMax = newPt.alpha + xtrapf*(newPt.alpha-bestPt.alpha)
		}

		newPt.alpha = math.Max(newPt.alpha, alphaMin)
		newPt.alpha = math.Min(newPt.alpha, alphaMax)

		// Fall back to the best point seen on any strange termination.
		if (m.bracketed && (newPt.alpha <= stpMin || newPt.alpha >= stpMax)) ||
			m.fevals >= m.maxFevals || m.infoc == 0 ||
			(m.bracketed && stpMax-stpMin <= tol*stpMax) {
			newPt.f = bestPt.f
			newPt.alpha = bestPt.alpha
		}

		floats.AddScaledTo(newX, x, newPt.alpha, dir)
		newPt.f = m.evaluate(obj, newX, m.newGrad)
		newPt.g = floats.Dot(m.newGrad, dir)
		fTest := f0 + newPt.alpha*gTest

		// Checked in ascending priority: a later code overrides an earlier
		// one, and exhausting the evaluation budget aborts outright.
		info := 0
		if (m.bracketed && (newPt.alpha <= stpMin || newPt.alpha >= stpMax)) || m.infoc == 0 {
			info = 6
			m.logger.Debug("line search: bracketed but no feasible point found")
		}
		if newPt.alpha == alphaMax && newPt.f <= fTest && newPt.g <= gTest {
			info = 5
			m.logger.Debug("line search: sufficient decrease, but gradient is more negative")
		}
		if newPt.alpha == alphaMin && (newPt.f > fTest || newPt.g >= gTest) {
			info = 4
			m.logger.Debug("line search: minimum step length reached")
		}
		if m.fevals >= m.maxFevals {
			return newPt, errMaxEvaluations
		}
		if m.bracketed && stpMax-stpMin <= tol*stpMax {
			info = 2
			m.logger.Debug("line search: interval of uncertainty is too small")
		}
		if newPt.f <= fTest && math.Abs(newPt.g) <= -m.gtol*g0 {
			info = 1
		}

		if info != 0 {
			return newPt, nil
		}

		// Stage 1 ends once a lower point with a non-negative enough
		// derivative has been seen.
		if stage1 && newPt.f <= fTest && newPt.g >= math.Min(ftol, m.gtol)*g0 {
			stage1 = false
		}

		if stage1 && newPt.f <= bestPt.f && newPt.f > fTest {
			// Interpolate on the modified function
			// psi(a) = f(a) - f(0) - ftol*a*g0 while a lower value has been
			// found but the decrease is not yet sufficient.
			newPt.f -= newPt.alpha * gTest
			bestPt.f -= bestPt.alpha * gTest
			endPt.f -= endPt.alpha * gTest
			newPt.g -= gTest
			bestPt.g -= gTest
			endPt.g -= gTest

			m.infoc = m.getStep(&newPt, &bestPt, &endPt, stpMin, stpMax)

			bestPt.f += bestPt.alpha * gTest
			endPt.f += endPt.alpha * gTest
			bestPt.g += gTest
			endPt.g += gTest
		} else {
			m.infoc = m.getStep(&newPt, &bestPt, &endPt, stpMin, stpMax)
		}

		if m.bracketed {
			if math.Abs(endPt.alpha-bestPt.alpha) >= p66*width1 {
				newPt.alpha = bestPt.alpha + p5*(endPt.alpha-bestPt.alpha)
			}
			width1 = width
			width = math.Abs(endPt.alpha - bestPt.alpha)
		}
	}
}

// getStep computes a safeguarded interpolation step and updates the interval
// of uncertainty. It is a translation of the MINPACK cstep subroutine on the
// {new, best, end} triple state; the four cases are selected by the sign
// pattern of the function values and directional derivatives.
//
// The returned code (1-4) identifies the case taken and doubles as the infoc
// sanity flag of the outer search.
func (m *Minimizer) getStep(newPt, bestPt, endPt *point, stpMin, stpMax float64) int {
	var info int
	var bound bool
	var theta, gamma, p, q, r, s, stpc, stpq, stpf float64
	signG := newPt.g * bestPt.g / math.Abs(bestPt.g)

	switch {
	case newPt.f > bestPt.f:
		// A higher function value: the minimum is bracketed. Take the cubic
		// step if it is closer to the best step than the quadratic step.
		info = 1
		bound = true
		theta = 3*(bestPt.f-newPt.f)/(newPt.alpha-bestPt.alpha) + bestPt.g + newPt.g
		s = math.Max(math.Max(theta, newPt.g), bestPt.g)
		// The max keeps gamma real when roundoff turns the discriminant negative.
		gamma = s * math.Sqrt(math.Max(0, (theta/s)*(theta/s)-(bestPt.g/s)*(newPt.g/s)))
		if newPt.alpha < bestPt.alpha {
			gamma = -gamma
		}
		p = (gamma - bestPt.g) + theta
		q = ((gamma - bestPt.g) + gamma) + newPt.g
		r = p / q
		stpc = bestPt.alpha + r*(newPt.alpha-bestPt.alpha)
		stpq = bestPt.alpha +
			((bestPt.g/((bestPt.f-newPt.f)/(newPt.alpha-bestPt.alpha)+bestPt.g))/2)*
				(newPt.alpha-bestPt.alpha)
		if math.Abs(stpc-bestPt.alpha) < math.Abs(stpq-bestPt.alpha) {
			stpf = stpc
		} else {
			stpf = stpq
		}
		m.bracketed = true
		if newPt.alpha < 0.1 {
			stpf = 0.01 * stpf
		}

	case signG < 0:
		// A lower function value and derivatives of opposite sign: the
		// minimum is bracketed. Take the step farther from the current one.
		info = 2
		bound = false
		theta = 3*(bestPt.f-newPt.f)/(newPt.alpha-bestPt.alpha) + bestPt.g + newPt.g
		s = math.Max(math.Max(theta, bestPt.g), newPt.g)
		gamma = s * math.Sqrt(math.Max(0, (theta/s)*(theta/s)-(bestPt.g/s)*(newPt.g/s)))
		if newPt.alpha > bestPt.alpha {
			gamma = -gamma
		}
		p = (gamma - newPt.g) + theta
		q = ((gamma - newPt.g) + gamma) + bestPt.g
		r = p / q
		stpc = newPt.alpha + r*(bestPt.alpha-newPt.alpha)
		stpq = newPt.alpha + (newPt.g/(newPt.g-bestPt.g))*(bestPt.alpha-newPt.alpha)
		if math.Abs(stpc-newPt.alpha) > math.Abs(stpq-newPt.alpha) {
			stpf = stpc
		} else {
			stpf = stpq
		}
		m.bracketed = true

	case math.Abs(newPt.g) < math.Abs(bestPt.g):
		// A lower function value, same-sign derivatives of decreasing
		// magnitude. The cubic step is used only if it is finite and lies in
		// the direction of the step; otherwise the bound of the interval.
		info = 3
		bound = true
		theta = 3*(bestPt.f-newPt.f)/(newPt.alpha-bestPt.alpha) + bestPt.g + newPt.g
		s = math.Max(math.Max(theta, bestPt.g), newPt.g)
		gamma = s * math.Sqrt(math.Max(0, (theta/s)*(theta/s)-(bestPt.g/s)*(newPt.g/s)))
		if newPt.alpha < bestPt.alpha {
			gamma = -gamma
		}
		p = (gamma - bestPt.g) + theta
		q = ((gamma - bestPt.g) + gamma) + newPt.g
		r = p / q
		if r < 0 && gamma != 0 {
			stpc = newPt.alpha + r*(bestPt.alpha-newPt.alpha)
		} else if newPt.alpha > bestPt.alpha {
			stpc = stpMax
		} else {
			stpc = stpMin
		}
		stpq = newPt.alpha + (newPt.g/(newPt.g-bestPt.g))*(bestPt.alpha-newPt.alpha)
		if m.bracketed {
			if math.Abs(newPt.alpha-stpc) < math.Abs(newPt.alpha-stpq) {
				stpf = stpc
			} else {
				stpf = stpq
			}
		} else {
			if math.Abs(newPt.alpha-stpc) > math.Abs(newPt.alpha-stpq) {
				stpf = stpc
			} else {
				stpf = stpq
			}
		}

	default:
		// A lower function value, same-sign derivatives of non-decreasing
		// magnitude. Only a bracketed interval admits an interpolated step.
		info = 4
		bound = false
		if m.bracketed {
			theta = 3*(bestPt.f-newPt.f)/(newPt.alpha-bestPt.alpha) + bestPt.g + newPt.g
			s = math.Max(math.Max(theta, bestPt.g), newPt.g)
			gamma = s * math.Sqrt(math.Max(0, (theta/s)*(theta/s)-(bestPt.g/s)*(newPt.g/s)))
			if newPt.alpha > bestPt.alpha {
				gamma = -gamma
			}
			p = (gamma - newPt.g) + theta
			q = ((gamma - newPt.g) + gamma) + bestPt.g
			r = p / q
			stpc = newPt.alpha + r*(bestPt.alpha-newPt.alpha)
			stpf = stpc
		} else if newPt.alpha > bestPt.alpha {
			stpf = stpMax
		} else {
			stpf = stpMin
		}
	}

	// Update the interval of uncertainty. This does not depend on the new
	// step or the case analysis above.
	if newPt.f > bestPt.f {
		*endPt = *newPt
	} else {
		if signG < 0 {
			*endPt = *bestPt
		}
		*bestPt = *newPt
	}

	// Compute the new step and safeguard it.
	stpf = math.Min(stpMax, stpf)
	stpf = math.Max(stpMin, stpf)
	newPt.alpha = stpf

	if m.bracketed && bound {
		if endPt.alpha > bestPt.alpha {
			newPt.alpha = math.Min(bestPt.alpha+p66*(endPt.alpha-bestPt.alpha), newPt.alpha)
		} else {
			newPt.alpha = math.Max(bestPt.alpha+p66*(endPt.alpha-bestPt.alpha), newPt.alpha)
		}
	}

	return info
}
