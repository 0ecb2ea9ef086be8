package skalman

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// BatchLS is a batch least squares estimator of a single state from linear
// measurements y_k = HΦ_k x + v_k, v_k ~ N(0, R_k). Use NewBatchLS to initialize.
type BatchLS struct {
	Λ     *mat.Dense    // Information matrix Σ (HΦ)ᵀ R⁻¹ HΦ
	N     *mat.VecDense // Σ (HΦ)ᵀ R⁻¹ y
	count int
}

// NewBatchLS returns a new estimator of a state of dimension n.
func NewBatchLS(n int) *BatchLS {
	return &BatchLS{Λ: mat.NewDense(n, n, nil), N: mat.NewVecDense(n, nil)}
}

// Add accumulates the measurement y of the state through the mapping HΦ with
// measurement covariance R.
func (b *BatchLS) Add(y mat.Vector, HΦ mat.Matrix, R mat.Symmetric) error {
	if err := checkMatDims(HΦ, b.Λ, "HΦ", "Λ", cols2cols); err != nil {
		return err
	}
	if err := checkMatDims(y, HΦ, "y", "HΦ", rows2rows); err != nil {
		return err
	}
	chol, err := factorize(R, "R")
	if err != nil {
		return err
	}
	// R⁻¹HΦ
	var RinvH mat.Dense
	if err := solveTo(&RinvH, chol, HΦ); err != nil {
		return err
	}
	var HtRH mat.Dense
	HtRH.Mul(HΦ.T(), &RinvH)
	b.Λ.Add(b.Λ, &HtRH)

	var HtRy mat.VecDense
	HtRy.MulVec(RinvH.T(), y)
	b.N.AddVec(b.N, &HtRy)
	b.count++
	return nil
}

// Solve returns the estimate Λ⁻¹N with covariance Λ⁻¹.
func (b *BatchLS) Solve() (Gaussian, error) {
	if b.count == 0 {
		return Gaussian{}, ErrEmptySequence
	}
	chol, err := factorize(symmetrize(b.Λ), "Λ")
	if err != nil {
		return Gaussian{}, fmt.Errorf("state is not observable from %d measurements: %w", b.count, err)
	}
	var P mat.SymDense
	if err := chol.InverseTo(&P); err != nil {
		return Gaussian{}, err
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, b.N); err != nil {
		if _, ok := err.(mat.Condition); !ok {
			return Gaussian{}, err
		}
	}
	return Gaussian{Mean: &x, Covar: &P}, nil
}

// EstimateInitialState returns a belief suitable as Sequence.InitialState,
// estimated by batch least squares from the first n measurements while
// ignoring the process noise. Measurement k observes the initial state
// through H A^{k+1}.
func EstimateInitialState(measurements []*mat.VecDense, model *LinearModel, n int) (Gaussian, error) {
	if len(measurements) == 0 {
		return Gaussian{}, ErrEmptySequence
	}
	if n <= 0 || n > len(measurements) {
		n = len(measurements)
	}
	b := NewBatchLS(model.StateDim())
	Φ := mat.DenseCopyOf(model.A)
	for k := 0; k < n; k++ {
		var HΦ mat.Dense
		HΦ.Mul(model.H, Φ)
		if err := b.Add(measurements[k], &HΦ, model.R); err != nil {
			return Gaussian{}, fmt.Errorf("measurement %d: %w", k, err)
		}
		var next mat.Dense
		next.Mul(model.A, Φ)
		Φ = &next
	}
	return b.Solve()
}
