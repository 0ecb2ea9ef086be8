package skalman

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrDimensionMismatch is returned when matrices or vectors cannot be combined.
	ErrDimensionMismatch = errors.New("skalman: dimension mismatch")
	// ErrEmptySequence is returned when a sequence has no measurements.
	ErrEmptySequence = errors.New("skalman: empty sequence")
	// ErrNotPositiveDefinite is returned when a covariance cannot be Cholesky factorized.
	ErrNotPositiveDefinite = errors.New("skalman: matrix is not positive definite")
	// ErrNotSymmetric is returned when a covariance is not symmetric.
	ErrNotSymmetric = errors.New("skalman: matrix is not symmetric")
	// ErrNotStochastic is returned when a transition matrix row does not sum to one.
	ErrNotStochastic = errors.New("skalman: transition matrix is not row stochastic")
	// ErrNotFiltered is returned when smoothing is attempted before filtering.
	ErrNotFiltered = errors.New("skalman: sequence has not been filtered")
	// ErrDegenerateWeights is returned when every mixture component has zero likelihood.
	ErrDegenerateWeights = errors.New("skalman: all mixture weights vanished")
	// ErrLikelihoodDecreased flags an EM iteration which lowered the training objective.
	ErrLikelihoodDecreased = errors.New("skalman: EM objective decreased")
	// ErrInvalidConfig is returned by configuration validation.
	ErrInvalidConfig = errors.New("skalman: invalid configuration")
)

// LikelihoodDecrease describes a rejected EM iteration.
type LikelihoodDecrease struct {
	Iteration int     // Iteration whose E-step observed the decrease
	Previous  float64 // Last accepted objective
	Current   float64 // Rejected objective
}

func (d *LikelihoodDecrease) Error() string {
	return fmt.Sprintf("%s at iteration %d: %f -> %f (Δ=%g)", ErrLikelihoodDecreased, d.Iteration, d.Previous, d.Current, d.Current-d.Previous)
}

// Unwrap allows errors.Is(d, ErrLikelihoodDecreased).
func (d *LikelihoodDecrease) Unwrap() error {
	return ErrLikelihoodDecreased
}

// DimensionAgreement defines how two matrices' dimensions should agree.
type DimensionAgreement uint8

const (
	rows2cols DimensionAgreement = iota + 1
	cols2rows
	cols2cols
	rows2rows
	rowsAndcols
)

// checkMatDims checks the matrix dimensions match provided a DimensionAgreement. Returns an error if not.
func checkMatDims(m1, m2 mat.Matrix, name1, name2 string, method DimensionAgreement) error {
	r1, c1 := m1.Dims()
	r2, c2 := m2.Dims()
	switch method {
	case rows2cols:
		if r1 != c2 {
			return fmt.Errorf("%w: %s(%dx...) %s(...x%d)", ErrDimensionMismatch, name1, r1, name2, c2)
		}
	case cols2rows:
		if c1 != r2 {
			return fmt.Errorf("%w: %s(...x%d) %s(%dx...)", ErrDimensionMismatch, name1, c1, name2, r2)
		}
	case cols2cols:
		if c1 != c2 {
			return fmt.Errorf("%w: %s(...x%d) %s(...x%d)", ErrDimensionMismatch, name1, c1, name2, c2)
		}
	case rows2rows:
		if r1 != r2 {
			return fmt.Errorf("%w: %s(%dx...) %s(%dx...)", ErrDimensionMismatch, name1, r1, name2, r2)
		}
	case rowsAndcols:
		if c1 != c2 || r1 != r2 {
			return fmt.Errorf("%w: %s(%dx%d) %s(%dx%d)", ErrDimensionMismatch, name1, r1, c1, name2, r2, c2)
		}
	}
	return nil
}
