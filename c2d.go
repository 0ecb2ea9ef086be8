package skalman

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/mat"
)

// VanLoan computes the F and Q matrices from the provided CT system A, Γ, W and
// the sampling rate Δt. A non-nil error with valid F and Q is returned when the
// Nyquist sampling criterion is not fulfilled.
func VanLoan(A, Γ, W mat.Matrix, Δt float64) (*mat.Dense, *mat.SymDense, error) {
	var err error
	// Check aliasing
	var λ mat.Eigen
	if ok := λ.Factorize(A, mat.EigenNone); !ok {
		return nil, nil, fmt.Errorf("skalman: eigen decomposition of A failed")
	}
	λmax := 0.0
	for _, v := range λ.Values(nil) {
		if a := cmplx.Abs(v); a > λmax {
			λmax = a
		}
	}
	if 2*λmax*Δt >= math.Pi {
		err = fmt.Errorf("skalman: Nyquist sampling criterion not fulfilled with Δt=%f", Δt)
	}

	// Compute F and Q.
	var ΓW, ΓWΓ, Ap mat.Dense
	ΓW.Mul(Γ, W)
	ΓWΓ.Mul(&ΓW, Γ.T())
	ΓWΓ.Scale(Δt, &ΓWΓ)
	Ap.Scale(Δt, A)
	rA, cA := A.Dims()
	M := mat.NewDense(2*rA, 2*cA, nil)
	for i := 0; i < rA; i++ {
		for j := 0; j < cA; j++ {
			M.Set(i, j, -Ap.At(i, j))
			M.Set(i, j+cA, ΓWΓ.At(i, j))
			M.Set(i+rA, j+cA, Ap.At(j, i))
		}
	}

	var expM mat.Dense
	expM.Exp(M)

	// Lower right block is Fᵀ, upper right block is F⁻¹Q.
	F := mat.NewDense(rA, cA, nil)
	F1Q := mat.NewDense(rA, cA, nil)
	for i := 0; i < rA; i++ {
		for j := 0; j < cA; j++ {
			F1Q.Set(i, j, expM.At(i, cA+j))
			F.Set(j, i, expM.At(rA+i, cA+j))
		}
	}
	var Q mat.Dense
	Q.Mul(F, F1Q)
	return F, symmetrize(&Q), err
}

// ConstantVelocity returns the discrete constant velocity model of a point
// moving along the provided number of axes, sampled every Δt. The state is
// [positions..., velocities...], only positions are observed. The process noise
// is white acceleration noise of variance accelVar per axis and each position
// is measured with variance measVar.
func ConstantVelocity(axes int, Δt, accelVar, measVar float64) (*LinearModel, error) {
	if axes < 1 || Δt <= 0 || accelVar < 0 || measVar <= 0 {
		return nil, fmt.Errorf("%w: constant velocity model needs axes>0, Δt>0, accelVar>=0, measVar>0", ErrInvalidConfig)
	}
	d := 2 * axes
	A := mat.NewDense(d, d, nil)
	Γ := mat.NewDense(d, axes, nil)
	H := mat.NewDense(axes, d, nil)
	for i := 0; i < axes; i++ {
		A.Set(i, axes+i, 1)
		Γ.Set(axes+i, i, 1)
		H.Set(i, i, 1)
	}
	F, Q, err := VanLoan(A, Γ, ScaledIdentity(axes, accelVar), Δt)
	if err != nil {
		return nil, err
	}
	return &LinearModel{A: F, Q: Q, H: H, R: ScaledIdentity(axes, measVar)}, nil
}
