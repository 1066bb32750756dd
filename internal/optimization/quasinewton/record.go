package quasinewton

import (
	"math"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/quasinewt/NUMIN/internal/logging"
)

// record collects function values over the iterations and decides whether
// the outer loop should continue. It also guards the convergence tests
// against floating-point pathology: both gradient norms are clamped above
// the smallest positive double so the relative-norm ratio can never divide
// by zero or produce NaN.
type record struct {
	values []float64

	gNormInit float64
	gNormLast float64
	xLast     []float64
	startTime time.Time

	// maxSize bounds the value window. It starts at 100 and is reduced to 10
	// on the first add, shrinking the effective improvement window.
	maxSize int

	tolValue    float64
	epsGrad     float64
	relativeTol float64

	maxItr  int // 0 disables the iteration cap
	tracing bool
	logger  *logging.Logger
}

func newRecord(tolValue, epsGrad, relativeTol float64, maxItr int, tracing bool, logger *logging.Logger) *record {
	return &record{
		maxSize:     100,
		tolValue:    tolValue,
		epsGrad:     epsGrad,
		relativeTol: relativeTol,
		maxItr:      maxItr,
		tracing:     tracing,
		logger:      logger,
	}
}

func clampNorm(v float64) float64 {
	return math.Max(v, math.SmallestNonzeroFloat64)
}

// start primes the record with the initial value, gradient, and point. The
// initial value seeds the window so convergence can be tested before the
// first iteration.
func (r *record) start(val float64, grad, x []float64) {
	r.startTime = time.Now()
	r.gNormInit = clampNorm(floats.Norm(grad, 2))
	r.gNormLast = clampNorm(floats.Norm(grad, 2))
	r.xLast = x
	r.values = append(r.values, val)
}

// add appends the value of a completed iteration to the window.
func (r *record) add(val float64, grad, x []float64) {
	r.maxSize = 10

	r.gNormLast = clampNorm(floats.Norm(grad, 2))
	if len(r.values) > r.maxSize {
		r.values = r.values[1:]
	}
	r.values = append(r.values, val)

	r.logger.Debug("iteration complete", map[string]interface{}{
		"value":   val,
		"elapsed": r.howLong().Seconds(),
	})

	r.xLast = x
}

// toContinue classifies the state of the minimization after iteration its:
// the iteration cap, the average improvement relative to the current value,
// the gradient norm relative to the initial one, and finally a numerically
// zero gradient relative to max(1, |x|).
func (r *record) toContinue(its int) State {
	relNorm := r.gNormLast / r.gNormInit
	size := len(r.values)
	newestVal := r.values[size-1]
	previousVal := r.values[0]
	window := size
	if size >= 10 {
		previousVal = r.values[size-10]
		window = 10
	}
	averageImprovement := (previousVal - newestVal) / float64(window)

	if r.maxItr > 0 && its >= r.maxItr {
		return TerminateMaxItr
	}

	if size > 5 && math.Abs(averageImprovement/newestVal) < r.tolValue {
		return TerminateAverageImprove
	}

	if relNorm <= r.relativeTol {
		return TerminateRelativeNorm
	}

	// The one-norm screen first: it is cheap and always at least as large.
	xnorm1 := math.Max(1, floats.Norm(r.xLast, 1))
	if r.gNormLast < r.epsGrad*xnorm1 {
		xnorm := math.Max(1, floats.Norm(r.xLast, 2))
		if r.tracing {
			r.logger.Warn("gradient norm check", map[string]interface{}{
				"iteration": its - 1,
				"gnorm":     r.gNormLast,
				"xnorm":     xnorm,
				"ratio":     r.gNormLast / xnorm,
			})
		}
		if r.gNormLast < r.epsGrad*xnorm {
			r.logger.Info("gradient is numerically zero, stopped on machine epsilon")
			return TerminateGradNorm
		}
	} else if r.tracing {
		r.logger.Warn("gradient norm check", map[string]interface{}{
			"iteration": its - 1,
			"gnorm":     r.gNormLast,
			"xnorm":     xnorm1,
			"ratio":     r.gNormLast / xnorm1,
		})
	}

	if r.tracing {
		r.logger.Debug("continuing", map[string]interface{}{
			"gnorm":       r.gNormLast,
			"relnorm":     relNorm,
			"ave_improve": math.Abs(averageImprovement / newestVal),
		})
	}
	return Continue
}

// howLong returns the time elapsed since the record was started.
func (r *record) howLong() time.Duration {
	return time.Since(r.startTime)
}
