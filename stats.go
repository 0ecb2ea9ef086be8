package skalman

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// sufficientStats holds the expected sufficient statistics of a linear-Gaussian
// model accumulated over smoothed sequences. Every timestep contributes one
// observation and one transition; the transition into t=0 starts from the
// latent initial state.
type sufficientStats struct {
	n       float64    // Σ w
	yx      *mat.Dense // Σ w y_t E[x_t]ᵀ
	xx      *mat.Dense // Σ w E[x_t x_tᵀ]
	yy      *mat.Dense // Σ w y_t y_tᵀ
	xxCross *mat.Dense // Σ w E[x_t x_{t-1}ᵀ]
	xxPrev  *mat.Dense // Σ w E[x_{t-1} x_{t-1}ᵀ]
}

func newSufficientStats(stateDim, obsDim int) *sufficientStats {
	return &sufficientStats{
		yx:      mat.NewDense(obsDim, stateDim, nil),
		xx:      mat.NewDense(stateDim, stateDim, nil),
		yy:      mat.NewDense(obsDim, obsDim, nil),
		xxCross: mat.NewDense(stateDim, stateDim, nil),
		xxPrev:  mat.NewDense(stateDim, stateDim, nil),
	}
}

func (s *sufficientStats) addObservation(w float64, y *mat.VecDense, x Gaussian) {
	s.n += w
	s.yx.Add(s.yx, scaled(w, outer(y, x.Mean)))
	s.xx.Add(s.xx, scaled(w, secondMoment(x)))
	s.yy.Add(s.yy, scaled(w, outer(y, y)))
}

// addTransition adds E[x_t x_{t-1}ᵀ] and E[x_{t-1} x_{t-1}ᵀ] given the beliefs
// over x_t and x_{t-1} and their cross-covariance Cov(x_t, x_{t-1}).
func (s *sufficientStats) addTransition(w float64, cur, prev Gaussian, cross mat.Matrix) {
	c := outer(cur.Mean, prev.Mean)
	c.Add(c, cross)
	s.xxCross.Add(s.xxCross, scaled(w, c))
	s.xxPrev.Add(s.xxPrev, scaled(w, secondMoment(prev)))
}

// accumulate adds the statistics of a smoothed sequence.
func (s *sufficientStats) accumulate(seq *Sequence) error {
	if !seq.IsSmoothed() || seq.InitialCrossvar == nil {
		return fmt.Errorf("%w: sequence must be smoothed before accumulating statistics", ErrNotFiltered)
	}
	for t, y := range seq.Measurements {
		s.addObservation(1, y, seq.Smoothed[t])
		if t == 0 {
			s.addTransition(1, seq.Smoothed[0], seq.SmoothedInitial, seq.InitialCrossvar)
			continue
		}
		s.addTransition(1, seq.Smoothed[t], seq.Smoothed[t-1], seq.SmoothCrossvar[t])
	}
	return nil
}

// accumulateRegime adds the statistics of regime k of a smoothed mixture
// sequence, each timestep weighted by the posterior probability of k.
func (s *sufficientStats) accumulateRegime(seq *GMMSequence, k int) error {
	if len(seq.SmoothedWeights) != seq.Len() || len(seq.PrevGivenNext) != seq.Len() {
		return fmt.Errorf("%w: sequence must be smoothed before accumulating statistics", ErrNotFiltered)
	}
	for t, y := range seq.Measurements {
		w := seq.SmoothedWeights[t][k]
		if w == 0 {
			continue
		}
		s.addObservation(w, y, seq.Smoothed[t][k])
		s.addTransition(w, seq.Smoothed[t][k], seq.PrevGivenNext[t][k], seq.CrossGivenNext[t][k])
	}
	return nil
}

// mStep returns the model maximising the expected complete-data log-likelihood
// given the statistics. R is computed with the H of old and Q with the A of
// old. structure is the shape of Q used when cfg.KeepQStructure is set.
func mStep(old *LinearModel, structure *mat.SymDense, st *sufficientStats, cfg EMConfig) (*LinearModel, error) {
	if st.n <= 0 {
		return nil, fmt.Errorf("%w: no responsibility mass to estimate from", ErrDegenerateWeights)
	}
	next := old.Clone()
	xx := symmetrize(st.xx)
	xxPrev := symmetrize(st.xxPrev)

	if cfg.LearnH {
		H, err := rightDivide(st.yx, xx, "Σ E[x xᵀ]")
		if err != nil {
			return nil, fmt.Errorf("H: %w", err)
		}
		next.H = H
	}

	if cfg.LearnR {
		// Σ yyᵀ - H Σ x yᵀ - Σ y xᵀ Hᵀ + H Σ xxᵀ Hᵀ
		var hxy, hxxh, scatter mat.Dense
		hxy.Mul(old.H, st.yx.T())
		scatter.Sub(st.yy, &hxy)
		scatter.Sub(&scatter, hxy.T())
		hxxh.Product(old.H, xx, old.H.T())
		scatter.Add(&scatter, &hxxh)
		R := covarianceEstimate(&scatter, st.n, cfg.Prior)
		if _, err := factorize(R, "R"); err != nil {
			return nil, err
		}
		next.R = R
	}

	if cfg.LearnA {
		A, err := rightDivide(st.xxCross, xxPrev, "Σ E[x_{t-1} x_{t-1}ᵀ]")
		if err != nil {
			return nil, fmt.Errorf("A: %w", err)
		}
		next.A = A
	}

	if cfg.LearnQ {
		// Σ x_t x_tᵀ - A Σ x_{t-1} x_tᵀ - Σ x_t x_{t-1}ᵀ Aᵀ + A Σ x_{t-1} x_{t-1}ᵀ Aᵀ
		var axc, axa, scatter mat.Dense
		axc.Mul(old.A, st.xxCross.T())
		scatter.Sub(xx, &axc)
		scatter.Sub(&scatter, axc.T())
		axa.Product(old.A, xxPrev, old.A.T())
		scatter.Add(&scatter, &axa)

		var Q *mat.SymDense
		if cfg.KeepQStructure {
			if structure == nil {
				structure = old.Q
			}
			var err error
			Q, err = structuredCovariance(&scatter, st.n, structure, cfg.Prior)
			if err != nil {
				return nil, fmt.Errorf("Q: %w", err)
			}
		} else {
			Q = covarianceEstimate(&scatter, st.n, cfg.Prior)
		}
		if cfg.DiagonalQ {
			Q = diagonal(Q)
		}
		if _, err := factorize(Q, "Q"); err != nil {
			return nil, err
		}
		next.Q = Q
	}
	return next, nil
}

// covarianceEstimate returns scatter/n, or the inverse-Wishart MAP estimate
// (scatter + Scale*I)/(n + DoF + d + 1) when the prior is enabled.
func covarianceEstimate(scatter mat.Matrix, n float64, prior *WishartPrior) *mat.SymDense {
	s, den := priorAdjusted(scatter, n, prior)
	s.ScaleSym(1/den, s)
	return s
}

// structuredCovariance returns q*structure where q = tr(structure⁻¹ scatter)/(n d)
// maximises the Gaussian likelihood over the scale of a fixed shape. The d in
// the denominator is intentional: dividing by n alone overstates q d-fold.
func structuredCovariance(scatter mat.Matrix, n float64, structure *mat.SymDense, prior *WishartPrior) (*mat.SymDense, error) {
	s, den := priorAdjusted(scatter, n, prior)
	chol, err := factorize(structure, "QStructure")
	if err != nil {
		return nil, err
	}
	var x mat.Dense
	if err := solveTo(&x, chol, s); err != nil {
		return nil, err
	}
	d := float64(structure.SymmetricDim())
	q := mat.Trace(&x) / (den * d)
	var out mat.SymDense
	out.ScaleSym(q, structure)
	return &out, nil
}

func priorAdjusted(scatter mat.Matrix, n float64, prior *WishartPrior) (*mat.SymDense, float64) {
	s := symmetrize(scatter)
	if !prior.Enabled() {
		return s, n
	}
	d := s.SymmetricDim()
	for i := 0; i < d; i++ {
		s.SetSym(i, i, s.At(i, i)+prior.Scale)
	}
	return s, n + prior.DoF + float64(d) + 1
}

// logPrior returns the inverse-Wishart log-density of covar up to a constant,
// -(DoF+d+1)/2 log|covar| - Scale/2 tr(covar⁻¹). The MAP update of
// covarianceEstimate maximises the expected log-likelihood plus this term.
func logPrior(covar mat.Symmetric, prior *WishartPrior) (float64, error) {
	chol, err := factorize(covar, "covariance")
	if err != nil {
		return 0, err
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		if _, ok := err.(mat.Condition); !ok {
			return 0, err
		}
	}
	d := float64(covar.SymmetricDim())
	return -0.5*(prior.DoF+d+1)*chol.LogDet() - 0.5*prior.Scale*mat.Trace(&inv), nil
}

// logPosteriorPenalty returns the summed log prior of the learned noise
// covariances of model, or 0 without a prior.
func logPosteriorPenalty(model *LinearModel, cfg EMConfig) (float64, error) {
	if !cfg.Prior.Enabled() {
		return 0, nil
	}
	total := 0.0
	if cfg.LearnQ {
		lp, err := logPrior(model.Q, cfg.Prior)
		if err != nil {
			return 0, fmt.Errorf("Q: %w", err)
		}
		total += lp
	}
	if cfg.LearnR {
		lp, err := logPrior(model.R, cfg.Prior)
		if err != nil {
			return 0, fmt.Errorf("R: %w", err)
		}
		total += lp
	}
	return total, nil
}

func diagonal(s mat.Symmetric) *mat.SymDense {
	n := s.SymmetricDim()
	d := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		d.SetSym(i, i, s.At(i, i))
	}
	return d
}

func scaled(w float64, m *mat.Dense) *mat.Dense {
	if w != 1 {
		m.Scale(w, m)
	}
	return m
}
