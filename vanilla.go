package skalman

import (
	"fmt"
	"log/slog"

	"gonum.org/v1/gonum/mat"
)

// Vanilla defines a vanilla kalman filter of a LinearModel. Use NewVanilla to initialize.
type Vanilla struct {
	model *LinearModel
	opts  options
}

// NewVanilla returns a new Vanilla KF for the provided model. The model is
// used as is (not copied) and must not be modified while filtering.
func NewVanilla(model *LinearModel, opts ...Option) (*Vanilla, error) {
	if model == nil {
		return nil, fmt.Errorf("%w: nil model", ErrDimensionMismatch)
	}
	if err := model.Validate(); err != nil {
		return nil, err
	}
	return &Vanilla{model: model, opts: applyOptions(opts)}, nil
}

// Model returns the model of the filter.
func (kf *Vanilla) Model() *LinearModel {
	return kf.model
}

func (kf *Vanilla) String() string {
	return kf.model.String()
}

// Step runs one prediction and one measurement update from the provided prior
// (the posterior of the previous step, or the initial state).
func (kf *Vanilla) Step(prior Gaussian, measurement mat.Vector) (VanillaEstimate, error) {
	m := kf.model
	if err := checkMatDims(m.A, prior.Mean, "A", "x", cols2rows); err != nil {
		return VanillaEstimate{}, err
	}
	if err := checkMatDims(measurement, m.H, "measurement (y)", "H", rows2rows); err != nil {
		return VanillaEstimate{}, err
	}

	// Prediction step.
	var xKMinus mat.VecDense
	xKMinus.MulVec(m.A, prior.Mean)

	// P_{k}^{-}
	var PkMinus mat.Dense
	PkMinus.Product(m.A, prior.Covar, m.A.T())
	PkMinus.Add(&PkMinus, m.Q)
	PkMinusSym := symmetrize(&PkMinus)

	// Innovation and its covariance
	var innov mat.VecDense
	innov.MulVec(m.H, &xKMinus)
	innov.SubVec(measurement, &innov)

	var PHt, HPHt mat.Dense
	PHt.Mul(PkMinusSym, m.H.T())
	HPHt.Mul(m.H, &PHt)
	HPHt.Add(&HPHt, m.R)
	S := symmetrize(&HPHt)

	chol, err := factorize(S, "H*P_k_minus*H' + R")
	if err != nil {
		return VanillaEstimate{}, err
	}

	// Kalman gain K = P⁻Hᵀ S⁻¹, solved as Kᵀ = S⁻¹ (P⁻Hᵀ)ᵀ.
	var Kt mat.Dense
	if err := solveTo(&Kt, chol, PHt.T()); err != nil {
		return VanillaEstimate{}, err
	}
	Kk := mat.DenseCopyOf(Kt.T())

	// Measurement update
	var xkPlus mat.VecDense
	xkPlus.MulVec(Kk, &innov)
	xkPlus.AddVec(&xKMinus, &xkPlus)

	var KH, PkPlus mat.Dense
	KH.Mul(Kk, m.H)
	KH.Sub(Identity(m.StateDim()), &KH)
	PkPlus.Mul(&KH, PkMinusSym)

	ll, err := logDensity(chol, &innov)
	if err != nil {
		return VanillaEstimate{}, err
	}

	return VanillaEstimate{
		pred:       Gaussian{Mean: &xKMinus, Covar: PkMinusSym},
		post:       Gaussian{Mean: &xkPlus, Covar: symmetrize(&PkPlus)},
		innovation: &innov,
		innovCovar: S,
		gain:       Kk,
		ll:         ll,
		cond:       chol.Cond(),
	}, nil
}

// Filter runs the forward recursion over the sequence, writing Predicted,
// Filtered and LogLikelihood, and invalidating any previous smoother output.
func (kf *Vanilla) Filter(seq *Sequence) error {
	if seq == nil || seq.Len() == 0 {
		return ErrEmptySequence
	}
	seq.resetFiltered()
	prior := seq.InitialState
	for k, y := range seq.Measurements {
		est, err := kf.Step(prior, y)
		if err != nil {
			return fmt.Errorf("filter step %d: %w", k, err)
		}
		if est.cond > kf.opts.maxInnovationCond {
			seq.IllConditioned = append(seq.IllConditioned, k)
			kf.opts.logger.Warn("ill-conditioned innovation covariance", slog.Int("step", k), slog.Float64("cond", est.cond))
		}
		seq.Predicted[k] = est.pred
		seq.Filtered[k] = est.post
		seq.LogLikelihood[k] = est.ll
		prior = est.post
	}
	return nil
}

// VanillaEstimate is the output of each update state of the Vanilla KF.
// It implements the Estimate interface.
type VanillaEstimate struct {
	pred, post Gaussian
	innovation *mat.VecDense
	innovCovar *mat.SymDense
	gain       *mat.Dense
	ll, cond   float64
}

// State implements the Estimate interface.
func (e VanillaEstimate) State() *mat.VecDense {
	return e.post.Mean
}

// Covariance implements the Estimate interface.
func (e VanillaEstimate) Covariance() *mat.SymDense {
	return e.post.Covar
}

// PredState implements the Estimate interface.
func (e VanillaEstimate) PredState() *mat.VecDense {
	return e.pred.Mean
}

// PredCovariance implements the Estimate interface.
func (e VanillaEstimate) PredCovariance() *mat.SymDense {
	return e.pred.Covar
}

// Innovation implements the Estimate interface.
func (e VanillaEstimate) Innovation() *mat.VecDense {
	return e.innovation
}

// InnovationCovariance implements the Estimate interface.
func (e VanillaEstimate) InnovationCovariance() *mat.SymDense {
	return e.innovCovar
}

// LogLikelihood implements the Estimate interface.
func (e VanillaEstimate) LogLikelihood() float64 {
	return e.ll
}

// Gain returns the Kalman gain of the step.
func (e VanillaEstimate) Gain() *mat.Dense {
	return e.gain
}

// Cond returns the condition number of the innovation covariance.
func (e VanillaEstimate) Cond() float64 {
	return e.cond
}

// Predicted returns the predictive belief of the step.
func (e VanillaEstimate) Predicted() Gaussian {
	return e.pred
}

// Posterior returns the posterior belief of the step.
func (e VanillaEstimate) Posterior() Gaussian {
	return e.post
}

func (e VanillaEstimate) String() string {
	state := mat.Formatted(e.State().T(), mat.Prefix("  "))
	covar := mat.Formatted(e.Covariance(), mat.Prefix("  "))
	gain := mat.Formatted(e.gain, mat.Prefix("  "))
	innov := mat.Formatted(e.Innovation().T(), mat.Prefix("  "))
	predp := mat.Formatted(e.PredCovariance(), mat.Prefix("  "))
	return fmt.Sprintf("{\ns=%v\nP=%v\nK=%v\nP-=%v\ni=%v\nll=%f\n}", state, covar, gain, predp, innov, e.ll)
}
