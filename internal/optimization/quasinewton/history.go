package quasinewton

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/quasinewt/NUMIN/internal/logging"
	"github.com/quasinewt/NUMIN/internal/optimization"
)

// diagConditionLimit bounds max(d)/min(d) after a diagonal update; beyond it
// the diagonal is refilled with the scalar approximation yy/sy.
const diagConditionLimit = 1e12

// History stores the curvature information seen by the quasi-Newton update:
// up to mem secant pairs (s, y) with their reciprocal inner products rho,
// together with the scalar gamma and optional diagonal used as the initial
// inverse-Hessian approximation in the two-loop recursion.
type History struct {
	s   [][]float64
	y   [][]float64
	rho []float64

	gamma float64
	diag  []float64

	mem      int
	scaleOpt Scaling
	logger   *logging.Logger

	// Scratch pair the next update is built into. Evicted pairs are
	// recycled here so a full history allocates nothing per iteration.
	nextS, nextY []float64
}

// NewHistory creates an empty curvature history with capacity mem.
// A non-positive mem keeps the history permanently empty, which reduces the
// two-loop recursion to a scaled steepest-descent direction.
func NewHistory(mem int, scaleOpt Scaling, logger *logging.Logger) *History {
	if logger == nil {
		logger = logging.Discard()
	}
	h := &History{
		gamma:    1,
		mem:      mem,
		scaleOpt: scaleOpt,
		logger:   logger,
	}
	if mem > 0 {
		h.s = make([][]float64, 0, mem)
		h.y = make([][]float64, 0, mem)
		h.rho = make([]float64, 0, mem)
	}
	return h
}

// Size returns the number of stored secant pairs.
func (h *History) Size() int { return len(h.s) }

// Gamma returns the current scalar scaling factor.
func (h *History) Gamma() float64 { return h.gamma }

// Rho returns the reciprocal curvature 1/(s·y) of pair i.
func (h *History) Rho(i int) float64 { return h.rho[i] }

// S returns the step increment of pair i.
func (h *History) S(i int) []float64 { return h.s[i] }

// Y returns the gradient increment of pair i.
func (h *History) Y(i int) []float64 { return h.y[i] }

// Diagonal returns the diagonal scaling vector, or nil if it has not been
// initialized yet (no successful diagonal update has happened).
func (h *History) Diagonal() []float64 { return h.diag }

// Clear drops all stored pairs and the diagonal and resets gamma to one. Used
// when a NaN search direction indicates the accumulated curvature information
// has gone bad.
func (h *History) Clear() {
	h.s = h.s[:0]
	h.y = h.y[:0]
	h.rho = h.rho[:0]
	h.diag = nil
	h.gamma = 1
}

// ApplyInitialHessian multiplies v by the initial inverse-Hessian
// approximation in place. In scalar mode v is scaled by gamma; in diagonal
// mode v is divided elementwise by the diagonal, or left untouched if the
// diagonal has not been initialized.
func (h *History) ApplyInitialHessian(v []float64) error {
	switch h.scaleOpt {
	case ScaleScalar:
		floats.Scale(h.gamma, v)
	case ScaleDiagonal:
		if h.diag == nil {
			return nil
		}
		if len(v) != len(h.diag) {
			return optimization.NewErrorf("vector length %d does not match diagonal length %d",
				len(v), len(h.diag)).WithComponent("quasinewton").WithOperation("ApplyInitialHessian")
		}
		for i := range v {
			v[i] /= h.diag[i]
		}
	}
	return nil
}

// Update folds the step from x to newX into the history: it forms the secant
// pair s = newX-x, y = newGrad-grad, refreshes the initial-Hessian scaling,
// and appends the pair, evicting the oldest one when the history is full.
//
// Pairs with negative curvature (s·y < 0) or a vanishing gradient
// difference (y·y = 0) are skipped entirely; the stored pairs and the scaling
// are left unchanged so a run of skips cannot erode the history.
//
// Returns the number of stored pairs after the update.
func (h *History) Update(newX, x, newGrad, grad []float64, step float64) int {
	n := len(x)
	if h.nextS == nil {
		h.nextS = make([]float64, n)
		h.nextY = make([]float64, n)
	}
	s, y := h.nextS, h.nextY

	var sy, yy, sg float64
	for i := 0; i < n; i++ {
		s[i] = newX[i] - x[i]
		y[i] = newGrad[i] - grad[i]
		sy += s[i] * y[i]
		yy += y[i] * y[i]
		sg += s[i] * newGrad[i]
	}

	if sy < 0 {
		// A non-convex region. Keep the existing pairs rather than skipping
		// forever on a poisoned history.
		h.logger.Debug("negative curvature detected, update skipped")
		return len(h.s)
	}
	if yy == 0 {
		h.logger.Debug("either convergence, or floating point errors combined with an extremely flat region")
		return len(h.s)
	}

	switch h.scaleOpt {
	case ScaleScalar:
		h.gamma = sy / yy
	case ScaleDiagonal:
		if h.diag == nil {
			h.diag = make([]float64, n)
			for i := range h.diag {
				h.diag[i] = 1
			}
		}
		// Gamma is chosen so that a step length of one is generally accepted.
		h.gamma = sy / (step * (sy - sg))
		var sDs float64
		for i := range h.diag {
			h.diag[i] *= h.gamma
			sDs += s[i] * h.diag[i] * s[i]
		}
		for i := range h.diag {
			h.diag[i] = (1-h.diag[i]*s[i]*s[i]/sDs)*h.diag[i] + y[i]*y[i]/sy
		}
		minD := floats.Min(h.diag)
		maxD := floats.Max(h.diag)
		if minD <= 0 || math.IsInf(maxD, 1) || maxD/minD > diagConditionLimit {
			h.logger.Warn("diagonal update went bad, refilling with scalar approximation")
			fill := yy / sy
			for i := range h.diag {
				h.diag[i] = fill
			}
		}
	}

	if h.mem <= 0 {
		return 0
	}

	if len(h.s) == h.mem {
		// Evict the oldest pair and recycle its buffers for the next update.
		recS, recY := h.s[0], h.y[0]
		copy(h.s, h.s[1:])
		copy(h.y, h.y[1:])
		copy(h.rho, h.rho[1:])
		h.s[h.mem-1] = s
		h.y[h.mem-1] = y
		h.rho[h.mem-1] = 1 / sy
		h.nextS, h.nextY = recS, recY
	} else {
		h.s = append(h.s, s)
		h.y = append(h.y, y)
		h.rho = append(h.rho, 1/sy)
		h.nextS, h.nextY = nil, nil
	}
	return len(h.s)
}
