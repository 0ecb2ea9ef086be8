package skalman

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// RTS is a Rauch-Tung-Striebel smoother.
type RTS struct {
	model *LinearModel
}

// NewRTS returns a new RTS smoother for the model which filtered the sequences.
func NewRTS(model *LinearModel) (*RTS, error) {
	if model == nil {
		return nil, fmt.Errorf("%w: nil model", ErrDimensionMismatch)
	}
	if err := model.Validate(); err != nil {
		return nil, err
	}
	return &RTS{model: model}, nil
}

// Smooth runs the backward recursion over a filtered sequence. The smoothed
// belief at the last step is the filtered one. Smooth only reads the filter
// output, so calling it twice yields the same result.
func (s *RTS) Smooth(seq *Sequence) error {
	if seq == nil || seq.Len() == 0 {
		return ErrEmptySequence
	}
	if !seq.IsFiltered() {
		return ErrNotFiltered
	}
	T := seq.Len()
	smoothed := make([]Gaussian, T)
	cross := make([]*mat.Dense, T)
	smoothed[T-1] = seq.Filtered[T-1].Clone()
	for t := T - 2; t >= 0; t-- {
		sm, c, err := backwardStep(seq.Filtered[t], seq.Predicted[t+1], smoothed[t+1], s.model.A)
		if err != nil {
			return fmt.Errorf("smoother step %d: %w", t, err)
		}
		smoothed[t] = sm
		cross[t+1] = c
	}
	initial, c, err := backwardStep(seq.InitialState, seq.Predicted[0], smoothed[0], s.model.A)
	if err != nil {
		return fmt.Errorf("smoother initial step: %w", err)
	}
	seq.Smoothed = smoothed
	seq.SmoothCrossvar = cross
	seq.SmoothedInitial = initial
	seq.InitialCrossvar = c
	return nil
}

// backwardStep refines the filtered belief at t with the smoothed belief at
// t+1, given the predictive belief at t+1 obtained from filtered through A.
// It returns the smoothed belief at t and Cov(x_{t+1}, x_t | all data).
func backwardStep(filtered, pred, next Gaussian, A mat.Matrix) (Gaussian, *mat.Dense, error) {
	// J = P_t Aᵀ (P_{t+1}^{-})⁻¹
	var PAt mat.Dense
	PAt.Mul(filtered.Covar, A.T())
	J, err := rightDivide(&PAt, pred.Covar, "P_kp1_minus")
	if err != nil {
		return Gaussian{}, nil, err
	}

	var dx, x mat.VecDense
	dx.SubVec(next.Mean, pred.Mean)
	x.MulVec(J, &dx)
	x.AddVec(filtered.Mean, &x)

	var P, dP mat.Dense
	dP.Sub(next.Covar, pred.Covar)
	P.Product(J, &dP, J.T())
	P.Add(filtered.Covar, &P)

	var cross mat.Dense
	cross.Mul(next.Covar, J.T())
	return Gaussian{Mean: &x, Covar: symmetrize(&P)}, &cross, nil
}
