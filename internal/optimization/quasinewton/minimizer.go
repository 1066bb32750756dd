// Package quasinewton implements an L-BFGS minimizer for unconstrained
// quasi-Newton minimization.
//
// The search direction is produced by the standard two-loop recursion over a
// bounded history of secant pairs, with either a scaled-identity or a
// diagonal initial inverse-Hessian approximation. Step lengths come from a
// MINPACK-style line search that brackets a point satisfying the strong
// Wolfe conditions and narrows in on it with safeguarded cubic and quadratic
// interpolation.
//
// Convergence is detected by several criteria: the average decrease per step
// relative to the current value, the gradient norm relative to the initial
// gradient norm, and a numerically zero gradient |g| < eps*max(1, |x|).
package quasinewton

import (
	"errors"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/quasinewt/NUMIN/internal/logging"
	"github.com/quasinewt/NUMIN/internal/optimization"
)

// Scaling selects the initial inverse-Hessian approximation applied in the
// middle of the two-loop recursion.
type Scaling int

const (
	// ScaleDiagonal maintains a diagonal scaling matrix updated from the
	// secant pairs. Usually the better approximation.
	ScaleDiagonal Scaling = iota
	// ScaleScalar uses a scaled identity, gamma = s·y / y·y.
	ScaleScalar
)

// String implements fmt.Stringer.
func (s Scaling) String() string {
	switch s {
	case ScaleDiagonal:
		return "diagonal"
	case ScaleScalar:
		return "scalar"
	}
	return "unknown"
}

// State classifies why the outer iteration stopped, or that it should go on.
type State int

const (
	// Continue means no termination criterion has fired yet.
	Continue State = iota
	// TerminateMaxItr fired on the configured iteration cap.
	TerminateMaxItr
	// TerminateAverageImprove fired on a vanishing average improvement
	// relative to the current value.
	TerminateAverageImprove
	// TerminateRelativeNorm fired on |g|/|g0| dropping below the relative
	// tolerance.
	TerminateRelativeNorm
	// TerminateGradNorm fired on a numerically zero gradient,
	// |g| < eps*max(1, |x|).
	TerminateGradNorm
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Continue:
		return "continue"
	case TerminateMaxItr:
		return "max_iterations"
	case TerminateAverageImprove:
		return "average_improvement"
	case TerminateRelativeNorm:
		return "relative_norm"
	case TerminateGradNorm:
		return "gradient_norm"
	}
	return "unknown"
}

// Sentinel errors used as internal control flow between the line search, the
// history, and the outer loop. They never escape Minimize.
var (
	errMaxEvaluations      = errors.New("maximum number of function evaluations exceeded")
	errSurpriseConvergence = errors.New("surprise convergence")
)

// defaultRelativeTol is the fixed tolerance of the relative-norm criterion.
const defaultRelativeTol = 1e-8

// Config holds the tunables of a Minimizer.
type Config struct {
	// Memory is the number of secant pairs to retain, generally 10-20.
	// Zero disables the history entirely (steepest descent every step);
	// negative selects the default of 10.
	Memory int
	// Scaling selects the initial inverse-Hessian approximation.
	// The zero value is ScaleDiagonal.
	Scaling Scaling
	// MaxIterations caps the number of outer iterations. Non-positive means
	// no cap.
	MaxIterations int
	// MaxEvaluations caps the number of objective evaluations. Non-positive
	// means no cap.
	MaxEvaluations int
	// ValueTolerance terminates on a vanishing average improvement relative
	// to the current value. Non-positive selects 1e-6.
	ValueTolerance float64
	// GradientTolerance terminates on a numerically zero gradient.
	// Non-positive selects 1e-8.
	GradientTolerance float64
	// Tracing enables verbose per-iteration diagnostics.
	Tracing bool
	// Logger receives diagnostics. Nil discards them.
	Logger *logging.Logger
	// Callback, if set, is invoked after every completed iteration.
	Callback optimization.IterationCallback
}

// Result is the outcome of one Minimize call.
type Result struct {
	// X is the final weight vector.
	X []float64
	// Value is the objective value at X.
	Value float64
	// GradNorm is the two-norm of the gradient at X.
	GradNorm float64
	// Successful reports whether the run ended in an acceptable terminal
	// state rather than exhausting its evaluation budget.
	Successful bool
	// State is the termination classification.
	State State
	// Iterations is the number of completed outer iterations.
	Iterations int
	// Evaluations is the number of objective evaluations consumed.
	Evaluations int
	// Elapsed is the wall-clock duration of the run.
	Elapsed time.Duration
}

// Minimizer drives the L-BFGS iteration. A Minimizer is single-threaded and
// reusable; it owns all of its buffers for the duration of one Minimize call.
type Minimizer struct {
	mem       int
	scaleOpt  Scaling
	gtol      float64
	maxItr    int
	maxFevals int

	tolValue    float64
	epsGrad     float64
	relativeTol float64

	tracing  bool
	logger   *logging.Logger
	callback optimization.IterationCallback

	// Per-run state shared with the line search.
	its       int
	fevals    int
	bracketed bool
	infoc     int
	success   bool
	state     State

	newGrad []float64
}

// New creates a Minimizer from cfg, applying defaults for unset fields.
func New(cfg Config) *Minimizer {
	mem := cfg.Memory
	if mem < 0 {
		mem = 10
	}
	maxFevals := cfg.MaxEvaluations
	if maxFevals <= 0 {
		maxFevals = math.MaxInt
	}
	maxItr := cfg.MaxIterations
	if maxItr < 0 {
		maxItr = 0
	}
	tolValue := cfg.ValueTolerance
	if tolValue <= 0 {
		tolValue = 1e-6
	}
	epsGrad := cfg.GradientTolerance
	if epsGrad <= 0 {
		epsGrad = 1e-8
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Minimizer{
		mem:         mem,
		scaleOpt:    cfg.Scaling,
		gtol:        0.9,
		maxItr:      maxItr,
		maxFevals:   maxFevals,
		tolValue:    tolValue,
		epsGrad:     epsGrad,
		relativeTol: defaultRelativeTol,
		tracing:     cfg.Tracing,
		logger:      logger,
		callback:    cfg.Callback,
	}
}

// State returns the termination classification of the last run.
func (m *Minimizer) State() State { return m.state }

// WasSuccessful reports whether the last run terminated acceptably.
func (m *Minimizer) WasSuccessful() bool { return m.success }

// evaluate calls the objective at x, copies the gradient into gradOut, and
// counts the evaluation.
func (m *Minimizer) evaluate(obj optimization.Objective, x, gradOut []float64) float64 {
	value, grad := obj.ValueAndGradient(x)
	copy(gradOut, grad)
	m.fevals++
	return value
}

// computeDir fills dir with the quasi-Newton search direction -H·grad using
// the two-loop recursion over the stored secant pairs. as is scratch space of
// at least qn.Size() elements.
func computeDir(dir, grad []float64, qn *History, as []float64) {
	copy(dir, grad)

	k := qn.Size()
	for i := k - 1; i >= 0; i-- {
		as[i] = qn.Rho(i) * floats.Dot(qn.S(i), dir)
		floats.AddScaledTo(dir, dir, -as[i], qn.Y(i))
	}

	// Multiply by the initial Hessian approximation. Lengths always agree
	// here; the error return guards external misuse only.
	_ = qn.ApplyInitialHessian(dir)

	for i := 0; i < k; i++ {
		b := qn.Rho(i) * floats.Dot(qn.Y(i), dir)
		floats.AddScaledTo(dir, dir, as[i]-b, qn.S(i))
	}

	floats.Scale(-1, dir)
}

func hasNaN(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) {
			return true
		}
	}
	return false
}

// Minimize runs the L-BFGS iteration from initial until a termination
// criterion fires. The initial slice is not modified. An error is returned
// only for misuse (nil objective, empty initial point); exhausting the
// evaluation budget is reported through Result.Successful instead.
func (m *Minimizer) Minimize(obj optimization.Objective, initial []float64) (*Result, error) {
	if obj == nil {
		return nil, optimization.NewError("objective function is required").
			WithComponent("quasinewton").WithOperation("Minimize")
	}
	n := len(initial)
	if n == 0 {
		return nil, optimization.NewError("initial point must not be empty").
			WithComponent("quasinewton").WithOperation("Minimize")
	}

	m.its = 0
	m.fevals = 0
	m.success = false
	m.state = Continue

	if m.mem > 0 {
		m.logger.Debug("starting minimization", map[string]interface{}{
			"m": m.mem, "scaling": m.scaleOpt.String(), "n": n,
		})
	} else {
		m.logger.Debug("starting minimization without curvature history", map[string]interface{}{
			"scaling": m.scaleOpt.String(), "n": n,
		})
	}

	qn := NewHistory(m.mem, m.scaleOpt, m.logger)

	x := make([]float64, n)
	copy(x, initial)
	grad := make([]float64, n)
	newX := make([]float64, n)
	dir := make([]float64, n)
	m.newGrad = make([]float64, n)
	as := make([]float64, m.mem)

	value := m.evaluate(obj, x, grad)

	rec := newRecord(m.tolValue, m.epsGrad, m.relativeTol, m.maxItr, m.tracing, m.logger)
	rec.start(value, grad, x)

	for m.state = rec.toContinue(m.its); m.state == Continue; m.state = rec.toContinue(m.its) {
		m.its++

		computeDir(dir, grad, qn, as)

		// A NaN direction from a NaN-free gradient means the Hessian
		// approximation has gone bad: reset it and try once more.
		if hasNaN(dir) && !hasNaN(grad) {
			m.logger.Warn("NaN direction likely due to Hessian approximation, resetting history")
			qn.Clear()
			computeDir(dir, grad, qn, as)
			if hasNaN(dir) {
				m.logger.Warn("aborting due to surprise convergence", map[string]interface{}{
					"error": errSurpriseConvergence.Error(),
				})
				m.success = true
				break
			}
		}

		newPt, err := m.lineSearch(obj, dir, x, newX, grad, value, m.tolValue)
		if err != nil {
			// errMaxEvaluations is the only error the search produces.
			m.logger.Warn("aborting due to maximum number of function evaluations", map[string]interface{}{
				"evaluations": m.fevals,
			})
			m.success = false
			break
		}

		// The gradient at newX was produced by the line search's final
		// evaluation; no extra objective call is needed.
		qn.Update(newX, x, m.newGrad, grad, newPt.alpha)

		rec.add(newPt.f, m.newGrad, newX)

		value = newPt.f
		copy(x, newX)
		copy(grad, m.newGrad)

		if m.fevals > m.maxFevals {
			m.logger.Warn("aborting due to maximum number of function evaluations", map[string]interface{}{
				"evaluations": m.fevals,
			})
			m.success = false
			break
		}

		if m.callback != nil {
			m.invokeCallback(m.its-1, x)
		}
	}

	switch m.state {
	case TerminateGradNorm:
		m.logger.Info("terminated due to numerically zero gradient: |g| < eps*max(1, |x|)")
		m.success = true
	case TerminateRelativeNorm:
		m.logger.Info("terminated due to sufficient decrease in gradient norms: |g|/|g0| < tol")
		m.success = true
	case TerminateAverageImprove:
		m.logger.Info("terminated due to average improvement: |(previous - newest) / window| / |newest| < tol")
		m.success = true
	case TerminateMaxItr:
		m.logger.Info("terminated due to reaching max iterations", map[string]interface{}{
			"max_iterations": m.maxItr,
		})
		m.success = true
	default:
		// Left as-is: a surprise-convergence abort has already declared
		// success; an exhausted evaluation budget has not.
		if !m.success {
			m.logger.Warn("terminated without converging")
		}
	}

	elapsed := rec.howLong()
	m.logger.Debug("total time spent in optimization", map[string]interface{}{
		"seconds": elapsed.Seconds(),
	})

	return &Result{
		X:           x,
		Value:       value,
		GradNorm:    floats.Norm(grad, 2),
		Successful:  m.success,
		State:       m.state,
		Iterations:  m.its,
		Evaluations: m.fevals,
		Elapsed:     elapsed,
	}, nil
}

// invokeCallback shields the iteration loop from a panicking callback.
func (m *Minimizer) invokeCallback(iteration int, x []float64) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("iteration callback panicked", map[string]interface{}{
				"iteration": iteration,
				"panic":     r,
			})
		}
	}()
	m.callback(iteration, x)
}
