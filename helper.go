package skalman

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// symmetryTol is the relative tolerance used when checking a matrix is symmetric.
const symmetryTol = 1e-9

// Identity returns an identity matrix of the provided size.
func Identity(n int) *mat.SymDense {
	return ScaledIdentity(n, 1)
}

// ScaledIdentity returns an identity matrix time a scaling factor of the provided size.
func ScaledIdentity(n int, s float64) *mat.SymDense {
	m := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		m.SetSym(i, i, s)
	}
	return m
}

// AsSymDense attempts return a SymDense from the provided matrix. The matrix must
// be square and symmetric up to a small relative tolerance; the returned matrix
// is the exact symmetric part.
func AsSymDense(m mat.Matrix) (*mat.SymDense, error) {
	r, c := m.Dims()
	if r != c {
		return nil, fmt.Errorf("%w: matrix must be square, got %dx%d", ErrDimensionMismatch, r, c)
	}
	scale := mat.Norm(m, math.Inf(1))
	for i := 0; i < r; i++ {
		for j := i + 1; j < c; j++ {
			if math.Abs(m.At(i, j)-m.At(j, i)) > symmetryTol*(1+scale) {
				return nil, fmt.Errorf("%w: (%d,%d)=%g (%d,%d)=%g", ErrNotSymmetric, i, j, m.At(i, j), j, i, m.At(j, i))
			}
		}
	}
	return symmetrize(m), nil
}

// symmetrize returns (m+mᵀ)/2. Used to restore symmetry after covariance arithmetic.
func symmetrize(m mat.Matrix) *mat.SymDense {
	n, _ := m.Dims()
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.SetSym(i, j, 0.5*(m.At(i, j)+m.At(j, i)))
		}
	}
	return s
}

// factorize Cholesky factorizes a symmetric matrix.
func factorize(a mat.Symmetric, name string) (*mat.Cholesky, error) {
	var chol mat.Cholesky
	if ok := chol.Factorize(a); !ok {
		return nil, fmt.Errorf("%w: %s=%v", ErrNotPositiveDefinite, name, mat.Formatted(a, mat.Prefix("  "), mat.Squeeze()))
	}
	return &chol, nil
}

// solveTo solves chol*X = b into dst. A badly conditioned system is not an error
// here: callers that care inspect the condition number themselves.
func solveTo(dst *mat.Dense, chol *mat.Cholesky, b mat.Matrix) error {
	err := chol.SolveTo(dst, b)
	var cond mat.Condition
	if err != nil && !errors.As(err, &cond) {
		return err
	}
	return nil
}

// rightDivide returns b*a⁻¹ for a symmetric positive definite a, i.e. the solution
// X of X*a = b, computed as (a⁻¹*bᵀ)ᵀ.
func rightDivide(b mat.Matrix, a mat.Symmetric, name string) (*mat.Dense, error) {
	chol, err := factorize(a, name)
	if err != nil {
		return nil, err
	}
	var xt mat.Dense
	if err := solveTo(&xt, chol, b.T()); err != nil {
		return nil, err
	}
	return mat.DenseCopyOf(xt.T()), nil
}

// outer returns x*yᵀ.
func outer(x, y mat.Vector) *mat.Dense {
	var m mat.Dense
	m.Outer(1, x, y)
	return &m
}

// secondMoment returns E[xxᵀ] = P + x*xᵀ for the provided Gaussian.
func secondMoment(g Gaussian) *mat.Dense {
	m := outer(g.Mean, g.Mean)
	m.Add(m, g.Covar)
	return m
}

// isRowStochastic returns an error if any row of z is negative or does not sum to one.
func isRowStochastic(z mat.Matrix) error {
	r, c := z.Dims()
	if r != c {
		return fmt.Errorf("%w: transition matrix must be square, got %dx%d", ErrDimensionMismatch, r, c)
	}
	for i := 0; i < r; i++ {
		sum := 0.0
		for j := 0; j < c; j++ {
			v := z.At(i, j)
			if v < 0 || math.IsNaN(v) {
				return fmt.Errorf("%w: Z(%d,%d)=%g", ErrNotStochastic, i, j, v)
			}
			sum += v
		}
		if math.Abs(sum-1) > 1e-9 {
			return fmt.Errorf("%w: row %d sums to %g", ErrNotStochastic, i, sum)
		}
	}
	return nil
}
