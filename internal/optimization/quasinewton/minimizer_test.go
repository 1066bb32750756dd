package quasinewton

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gonum.org/v1/gonum/floats"

	"github.com/quasinewt/NUMIN/internal/optimization"
	"github.com/quasinewt/NUMIN/internal/optimization/objectives"
)

func ones(n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = 1
	}
	return v
}

func distanceToOnes(x []float64) float64 {
	var sum float64
	for _, v := range x {
		sum += (v - 1) * (v - 1)
	}
	return math.Sqrt(sum)
}

func TestMinimizeQuadraticBowl(t *testing.T) {
	m := New(Config{Memory: 5, ValueTolerance: 1e-8})

	result, err := m.Minimize(objectives.Quadratic(), ones(10))
	require.NoError(t, err)

	assert.True(t, result.Successful)
	assert.LessOrEqual(t, result.Iterations, 10)
	assert.Less(t, floats.Norm(result.X, 2), 1e-6)
	assert.Contains(t, []State{TerminateRelativeNorm, TerminateGradNorm}, result.State)
}

func TestMinimizeRosenbrock2D(t *testing.T) {
	for _, tt := range []struct {
		name    string
		scaling Scaling
	}{
		{name: "diagonal scaling", scaling: ScaleDiagonal},
		{name: "scalar scaling", scaling: ScaleScalar},
	} {
		t.Run(tt.name, func(t *testing.T) {
			m := New(Config{Memory: 10, Scaling: tt.scaling})

			result, err := m.Minimize(objectives.Rosenbrock(), []float64{-1.2, 1.0})
			require.NoError(t, err)

			assert.True(t, result.Successful)
			assert.LessOrEqual(t, result.Iterations, 50)
			assert.Less(t, distanceToOnes(result.X), 1e-4)
		})
	}
}

func TestMinimizeRosenbrock10D(t *testing.T) {
	x0 := make([]float64, 10)
	for i := range x0 {
		if i%2 == 0 {
			x0[i] = -1.2
		} else {
			x0[i] = 1.0
		}
	}

	m := New(Config{Memory: 10, MaxIterations: 200})

	result, err := m.Minimize(objectives.Rosenbrock(), x0)
	require.NoError(t, err)

	assert.True(t, result.Successful)
	assert.LessOrEqual(t, result.Iterations, 200)
	assert.Less(t, distanceToOnes(result.X), 1e-3)
}

func TestMinimizeIllScaledQuadratic(t *testing.T) {
	for _, tt := range []struct {
		name    string
		scaling Scaling
		maxItr  int
	}{
		{name: "diagonal scaling", scaling: ScaleDiagonal, maxItr: 40},
		{name: "scalar scaling", scaling: ScaleScalar, maxItr: 150},
	} {
		t.Run(tt.name, func(t *testing.T) {
			m := New(Config{Memory: 10, Scaling: tt.scaling})

			result, err := m.Minimize(objectives.IllScaledQuadratic(), ones(20))
			require.NoError(t, err)

			assert.True(t, result.Successful)
			assert.LessOrEqual(t, result.Iterations, tt.maxItr)
			assert.Less(t, result.Value, 1e-10)
		})
	}
}

func TestMinimizeMaxIterationsCap(t *testing.T) {
	m := New(Config{Memory: 10, MaxIterations: 3})

	result, err := m.Minimize(objectives.Rosenbrock(), []float64{-1.2, 1.0})
	require.NoError(t, err)

	assert.Equal(t, TerminateMaxItr, result.State)
	assert.True(t, result.Successful)
	assert.Equal(t, 3, result.Iterations)
	assert.Less(t, result.Evaluations, 60)
}

func TestMinimizeZeroGradientStart(t *testing.T) {
	m := New(Config{Memory: 10})

	result, err := m.Minimize(objectives.Quadratic(), make([]float64, 4))
	require.NoError(t, err)

	assert.Equal(t, TerminateGradNorm, result.State)
	assert.True(t, result.Successful)
	assert.Equal(t, 0, result.Iterations)
	assert.Equal(t, 1, result.Evaluations)
}

func TestMinimizeRestartTerminatesImmediately(t *testing.T) {
	m := New(Config{Memory: 5, ValueTolerance: 1e-8})
	first, err := m.Minimize(objectives.Quadratic(), ones(6))
	require.NoError(t, err)
	require.True(t, first.Successful)

	// Restarting at the minimizer with a loose tolerance stops on one of the
	// gradient-norm criteria before the first iteration.
	restart := New(Config{Memory: 5, GradientTolerance: 1e-4})
	second, err := restart.Minimize(objectives.Quadratic(), first.X)
	require.NoError(t, err)

	assert.True(t, second.Successful)
	assert.Equal(t, 0, second.Iterations)
	assert.Equal(t, 1, second.Evaluations)
	assert.Contains(t, []State{TerminateRelativeNorm, TerminateGradNorm}, second.State)
}

func TestMinimizeMaxEvaluations(t *testing.T) {
	m := New(Config{Memory: 10, MaxEvaluations: 5})

	result, err := m.Minimize(objectives.Rosenbrock(), []float64{-1.2, 1.0})
	require.NoError(t, err)

	assert.False(t, result.Successful)
	assert.Equal(t, Continue, result.State)
	assert.LessOrEqual(t, result.Evaluations, 6)
}

func TestMinimizeZeroMemoryIsSteepestDescent(t *testing.T) {
	var dirs [][]float64
	obj := optimization.ObjectiveFunc(func(x []float64) (float64, []float64) {
		return objectives.Quadratic().ValueAndGradient(x)
	})

	m := New(Config{Memory: 0, Scaling: ScaleScalar, MaxIterations: 5,
		Callback: func(_ int, x []float64) {
			cp := make([]float64, len(x))
			copy(cp, x)
			dirs = append(dirs, cp)
		}})

	result, err := m.Minimize(obj, []float64{4, 2})
	require.NoError(t, err)
	require.True(t, result.Successful)

	// Every iterate of a steepest-descent run on the bowl stays on the line
	// spanned by the starting point, since the gradient equals x.
	for _, x := range dirs {
		assert.InDelta(t, x[0]/4, x[1]/2, 1e-10)
	}
}

func TestComputeDirEmptyHistoryIsNegativeGradient(t *testing.T) {
	for _, tt := range []struct {
		name    string
		scaling Scaling
	}{
		{name: "scalar", scaling: ScaleScalar},
		{name: "diagonal", scaling: ScaleDiagonal},
	} {
		t.Run(tt.name, func(t *testing.T) {
			qn := NewHistory(10, tt.scaling, nil)
			grad := []float64{3, -1, 2}
			dir := make([]float64, 3)

			computeDir(dir, grad, qn, nil)

			assert.Equal(t, []float64{-3, 1, -2}, dir)
		})
	}
}

func TestComputeDirNaNRecovery(t *testing.T) {
	qn := NewHistory(5, ScaleScalar, nil)
	nan := math.NaN()
	// A poisoned pair passes both skip tests and is stored.
	qn.Update([]float64{1, 1}, []float64{0, 0}, []float64{nan, 1}, []float64{0, 0}, 1.0)
	require.Equal(t, 1, qn.Size())

	grad := []float64{1, 2}
	dir := make([]float64, 2)
	as := make([]float64, qn.Size())
	computeDir(dir, grad, qn, as)
	require.True(t, hasNaN(dir))
	require.False(t, hasNaN(grad))

	// Clearing the history restores a clean steepest-descent direction.
	qn.Clear()
	computeDir(dir, grad, qn, as)
	assert.False(t, hasNaN(dir))
	assert.Equal(t, []float64{-1, -2}, dir)
}

func TestMinimizeCallbackPanicIsSwallowed(t *testing.T) {
	calls := 0
	m := New(Config{Memory: 5, Callback: func(iteration int, x []float64) {
		calls++
		panic("boom")
	}})

	result, err := m.Minimize(objectives.Quadratic(), ones(4))
	require.NoError(t, err)

	assert.True(t, result.Successful)
	assert.Greater(t, calls, 0)
}

func TestMinimizeCallbackSeesIterations(t *testing.T) {
	var indices []int
	m := New(Config{Memory: 5, Callback: func(iteration int, x []float64) {
		indices = append(indices, iteration)
	}})

	result, err := m.Minimize(objectives.Quadratic(), ones(4))
	require.NoError(t, err)
	require.True(t, result.Successful)

	require.NotEmpty(t, indices)
	assert.Equal(t, 0, indices[0])
	for i := 1; i < len(indices); i++ {
		assert.Equal(t, indices[i-1]+1, indices[i])
	}
}

func TestMinimizeHistoryInvariants(t *testing.T) {
	// Feed a history with a sequence of small steps on the Rosenbrock
	// function and re-check the stored pairs through the public accessors
	// after every update.
	const mem = 4
	h := NewHistory(mem, ScaleDiagonal, nil)

	obj := objectives.Rosenbrock()
	x := []float64{-1.2, 1.0}
	_, grad := obj.ValueAndGradient(x)

	for i := 0; i < 30; i++ {
		newX := []float64{x[0] + 0.01, x[1] + 0.005*float64(i%3)}
		_, newGrad := obj.ValueAndGradient(newX)
		h.Update(newX, x, newGrad, grad, 1.0)

		require.LessOrEqual(t, h.Size(), mem)
		for k := 0; k < h.Size(); k++ {
			sy := floats.Dot(h.S(k), h.Y(k))
			assert.Greater(t, sy, 0.0)
			assert.InDelta(t, 1/sy, h.Rho(k), math.Abs(1e-12/sy))
		}
		x, grad = newX, newGrad
	}
}

func TestMinimizeNilObjective(t *testing.T) {
	m := New(Config{Memory: 5})
	_, err := m.Minimize(nil, ones(2))
	require.Error(t, err)
}

func TestMinimizeEmptyInitial(t *testing.T) {
	m := New(Config{Memory: 5})
	_, err := m.Minimize(objectives.Quadratic(), nil)
	require.Error(t, err)
}

func TestMinimizeMonotoneEvaluationCount(t *testing.T) {
	evals := 0
	obj := optimization.ObjectiveFunc(func(x []float64) (float64, []float64) {
		evals++
		return objectives.Quadratic().ValueAndGradient(x)
	})

	m := New(Config{Memory: 5})
	result, err := m.Minimize(obj, ones(6))
	require.NoError(t, err)

	assert.Equal(t, evals, result.Evaluations)
}
