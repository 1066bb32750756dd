package optimization

// Objective defines a differentiable scalar function of a weight vector.
type Objective interface {
	// ValueAndGradient evaluates the function at x and returns its value
	// together with the gradient at x. The returned slice is owned by the
	// implementation; callers copy what they need to keep.
	ValueAndGradient(x []float64) (float64, []float64)
}

// ObjectiveFunc adapts a plain function to the Objective interface.
type ObjectiveFunc func(x []float64) (float64, []float64)

// ValueAndGradient implements Objective.
func (f ObjectiveFunc) ValueAndGradient(x []float64) (float64, []float64) {
	return f(x)
}

// IterationCallback is invoked after every completed outer iteration with the
// zero-based iteration index and the current weight vector. The callback must
// not mutate x. A panic raised by the callback is logged and swallowed; it
// does not abort the minimization.
type IterationCallback func(iteration int, x []float64)
