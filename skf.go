package skalman

import (
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// SKF is a switching Kalman filter: a bank of linear-Gaussian models among
// which the dynamics switch following a Markov chain. The posterior mixture is
// collapsed back to one Gaussian per regime at every step. Use NewSKF to initialize.
type SKF struct {
	bank    *ModelBank
	filters []*Vanilla
	opts    options
}

// NewSKF returns a new switching Kalman filter for the provided bank. The bank
// is used as is (not copied) and must not be modified while filtering.
func NewSKF(bank *ModelBank, opts ...Option) (*SKF, error) {
	if bank == nil {
		return nil, fmt.Errorf("%w: nil model bank", ErrDimensionMismatch)
	}
	if err := bank.Validate(); err != nil {
		return nil, err
	}
	o := applyOptions(opts)
	filters := make([]*Vanilla, bank.K())
	for k, m := range bank.Models {
		filters[k] = &Vanilla{model: m, opts: o}
	}
	return &SKF{bank: bank, filters: filters, opts: o}, nil
}

// Bank returns the model bank of the filter.
func (s *SKF) Bank() *ModelBank {
	return s.bank
}

// Filter runs the forward recursion. At every step, each of the K collapsed
// posteriors of the previous step is predicted and updated under each of the K
// models; the K² pair posteriors are weighted by
// log M(i) + log Z(i,j) + log N(y; ŷ_ij, S_ij), normalised with log-sum-exp,
// and collapsed per destination regime j. The log-likelihood of the step is
// the log of the unnormalised sum of the pair weights.
func (s *SKF) Filter(seq *GMMSequence) error {
	if err := s.checkSequence(seq); err != nil {
		return err
	}
	K := s.bank.K()
	T := seq.Len()
	seq.Filtered = make([][]Gaussian, T)
	seq.Weights = make([][]float64, T)
	seq.LogLikelihood = make([]float64, T)
	seq.IllConditioned = nil
	seq.resetSmoothed()

	prev, prevW := seq.Initial, seq.InitialWeights
	logw := make([]float64, K*K)
	post := make([]Gaussian, K*K)
	for t, y := range seq.Measurements {
		for i := 0; i < K; i++ {
			for j := 0; j < K; j++ {
				est, err := s.filters[j].Step(prev[i], y)
				if err != nil {
					return fmt.Errorf("filter step %d, regime %d->%d: %w", t, i, j, err)
				}
				if est.cond > s.opts.maxInnovationCond {
					if n := len(seq.IllConditioned); n == 0 || seq.IllConditioned[n-1] != t {
						seq.IllConditioned = append(seq.IllConditioned, t)
					}
					s.opts.logger.Warn("ill-conditioned innovation covariance", slog.Int("step", t), slog.Int("from", i), slog.Int("to", j), slog.Float64("cond", est.cond))
				}
				logw[i*K+j] = math.Log(prevW[i]) + math.Log(s.bank.Z.At(i, j)) + est.ll
				post[i*K+j] = est.post
			}
		}
		lse := floats.LogSumExp(logw)
		if math.IsNaN(lse) || math.IsInf(lse, 0) {
			return fmt.Errorf("filter step %d: %w", t, ErrDegenerateWeights)
		}

		weights := make([]float64, K)
		filtered := make([]Gaussian, K)
		incoming := make([]float64, K)
		components := make([]Gaussian, K)
		for j := 0; j < K; j++ {
			for i := 0; i < K; i++ {
				incoming[i] = math.Exp(logw[i*K+j] - lse)
				components[i] = post[i*K+j]
				weights[j] += incoming[i]
			}
			if weights[j] == 0 {
				// Unreachable regime: keep a usable belief for later steps.
				uniform(incoming)
			}
			g, err := Collapse(incoming, components)
			if err != nil {
				return fmt.Errorf("filter step %d, regime %d: %w", t, j, err)
			}
			filtered[j] = g
		}
		seq.Filtered[t] = filtered
		seq.Weights[t] = weights
		seq.LogLikelihood[t] = lse
		prev, prevW = filtered, weights
	}
	return nil
}

// Smooth runs the second-order backward pass over a filtered mixture
// sequence. The regime at t+1 is assumed independent of the future
// measurements given the regime at t, so that
// P(j at t | k at t+1, all data) ∝ M_t(j) Z(j,k).
func (s *SKF) Smooth(seq *GMMSequence) error {
	if err := s.checkSequence(seq); err != nil {
		return err
	}
	if !seq.IsFiltered() {
		return ErrNotFiltered
	}
	K := s.bank.K()
	T := seq.Len()

	// Index n runs over the T+1 beliefs x_{-1}, x_0, ..., x_{T-1}.
	fg := func(n int) []Gaussian {
		if n == 0 {
			return seq.Initial
		}
		return seq.Filtered[n-1]
	}
	fw := func(n int) []float64 {
		if n == 0 {
			return seq.InitialWeights
		}
		return seq.Weights[n-1]
	}

	sg := make([][]Gaussian, T+1)
	sw := make([][]float64, T+1)
	pairs := make([]*mat.Dense, T+1)
	prevGivenNext := make([][]Gaussian, T+1)
	crossGivenNext := make([][]*mat.Dense, T+1)

	sg[T] = cloneGaussians(seq.Filtered[T-1])
	sw[T] = append([]float64(nil), seq.Weights[T-1]...)

	xs := make([][]Gaussian, K) // xs[j][k]
	cross := make([][]*mat.Dense, K)
	for j := range xs {
		xs[j] = make([]Gaussian, K)
		cross[j] = make([]*mat.Dense, K)
	}
	for n := T - 1; n >= 0; n-- {
		filtered, fweights := fg(n), fw(n)
		next, nextW := sg[n+1], sw[n+1]

		for j := 0; j < K; j++ {
			for k := 0; k < K; k++ {
				model := s.bank.Models[k]
				g, c, err := backwardStep(filtered[j], predict(model, filtered[j]), next[k], model.A)
				if err != nil {
					return fmt.Errorf("smoother step %d, regime %d->%d: %w", n-1, j, k, err)
				}
				xs[j][k], cross[j][k] = g, c
			}
		}

		// U(j,k) = P(j at n | k at n+1)
		U := mat.NewDense(K, K, nil)
		for k := 0; k < K; k++ {
			col := make([]float64, K)
			for j := 0; j < K; j++ {
				col[j] = fweights[j] * s.bank.Z.At(j, k)
			}
			if floats.Sum(col) == 0 {
				uniform(col)
			} else {
				floats.Scale(1/floats.Sum(col), col)
			}
			U.SetCol(k, col)
		}

		pair := mat.NewDense(K, K, nil)
		for j := 0; j < K; j++ {
			for k := 0; k < K; k++ {
				pair.Set(j, k, U.At(j, k)*nextW[k])
			}
		}

		sg[n] = make([]Gaussian, K)
		sw[n] = make([]float64, K)
		for j := 0; j < K; j++ {
			row := mat.Row(nil, j, pair)
			sw[n][j] = floats.Sum(row)
			if sw[n][j] == 0 {
				sg[n][j] = filtered[j].Clone()
				continue
			}
			g, err := Collapse(row, xs[j])
			if err != nil {
				return fmt.Errorf("smoother step %d, regime %d: %w", n-1, j, err)
			}
			sg[n][j] = g
		}

		prevGivenNext[n+1] = make([]Gaussian, K)
		crossGivenNext[n+1] = make([]*mat.Dense, K)
		for k := 0; k < K; k++ {
			col := mat.Col(nil, k, U)
			comps := make([]Gaussian, K)
			nextMeans := make([]*mat.VecDense, K)
			prevMeans := make([]*mat.VecDense, K)
			crosses := make([]*mat.Dense, K)
			for j := 0; j < K; j++ {
				comps[j] = xs[j][k]
				nextMeans[j] = next[k].Mean
				prevMeans[j] = xs[j][k].Mean
				crosses[j] = cross[j][k]
			}
			g, err := Collapse(col, comps)
			if err != nil {
				return fmt.Errorf("smoother step %d, regime %d: %w", n-1, k, err)
			}
			c, err := collapseCross(col, nextMeans, prevMeans, crosses)
			if err != nil {
				return fmt.Errorf("smoother step %d, regime %d: %w", n-1, k, err)
			}
			prevGivenNext[n+1][k] = g
			crossGivenNext[n+1][k] = c
		}
		pairs[n+1] = pair
	}

	seq.Smoothed = sg[1:]
	seq.SmoothedWeights = sw[1:]
	seq.PairWeights = pairs[1:]
	seq.PrevGivenNext = prevGivenNext[1:]
	seq.CrossGivenNext = crossGivenNext[1:]
	seq.SmoothedInitial = sg[0]
	seq.SmoothedInitialWeights = sw[0]
	return nil
}

func (s *SKF) checkSequence(seq *GMMSequence) error {
	if seq == nil || seq.Len() == 0 {
		return ErrEmptySequence
	}
	if seq.K() != s.bank.K() || len(seq.InitialWeights) != s.bank.K() {
		return fmt.Errorf("%w: sequence has %d initial components for %d regimes", ErrDimensionMismatch, seq.K(), s.bank.K())
	}
	m := s.bank.Models[0]
	if seq.Measurements[0].Len() != m.ObsDim() {
		return fmt.Errorf("%w: measurements have %d rows, models observe %d", ErrDimensionMismatch, seq.Measurements[0].Len(), m.ObsDim())
	}
	for k, g := range seq.Initial {
		if g.Mean == nil || g.Dim() != m.StateDim() {
			return fmt.Errorf("%w: initial component %d does not match the %d dimensional model state", ErrDimensionMismatch, k, m.StateDim())
		}
	}
	return nil
}

// predict returns the predictive belief N(A x, A P Aᵀ + Q).
func predict(model *LinearModel, g Gaussian) Gaussian {
	var x mat.VecDense
	x.MulVec(model.A, g.Mean)
	var P mat.Dense
	P.Product(model.A, g.Covar, model.A.T())
	P.Add(&P, model.Q)
	return Gaussian{Mean: &x, Covar: symmetrize(&P)}
}

func uniform(w []float64) {
	for i := range w {
		w[i] = 1 / float64(len(w))
	}
}

func cloneGaussians(gs []Gaussian) []Gaussian {
	c := make([]Gaussian, len(gs))
	for i, g := range gs {
		c[i] = g.Clone()
	}
	return c
}
