package skalman

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// SKFResult is the outcome of a switching Kalman filter EM training run.
type SKFResult struct {
	// Bank is the trained model bank. When training stopped on a decrease,
	// it is the last bank whose objective was accepted.
	Bank           *ModelBank
	Corpus         []*GMMSequence
	LogLikelihoods []float64
	// Objectives adds the log prior of the learned noise covariances of every
	// regime to LogLikelihoods when a Wishart prior is set.
	Objectives []float64
	Iterations int
	Converged  bool
	Decrease   *LikelihoodDecrease
}

// SKFEM learns the models and the regime transition matrix of a switching
// Kalman filter by Expectation-Maximization. Use NewSKFEM to initialize.
type SKFEM struct {
	template   *ModelBank
	structures []*mat.SymDense
	cfg        EMConfig
	opts       []Option
	logger     *slog.Logger

	maximize func(bank *ModelBank, corpus []*GMMSequence) (*ModelBank, error)
}

// NewSKFEM returns a new trainer starting from the provided bank, which is never modified.
func NewSKFEM(bank *ModelBank, cfg EMConfig, opts ...Option) (*SKFEM, error) {
	if bank == nil {
		return nil, fmt.Errorf("%w: nil model bank", ErrDimensionMismatch)
	}
	if err := bank.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	template := bank.Clone()
	structures := make([]*mat.SymDense, template.K())
	for k, m := range template.Models {
		if m.QStructure != nil {
			structures[k] = m.QStructure
		} else {
			structures[k] = cloneSym(m.Q)
		}
	}
	em := &SKFEM{template: template, structures: structures, cfg: cfg, opts: opts, logger: applyOptions(opts).logger}
	em.maximize = em.maximization
	return em, nil
}

// Train runs EM over the corpus. See TrainContext.
func (em *SKFEM) Train(corpus []*GMMSequence) (*SKFResult, error) {
	return em.TrainContext(context.Background(), corpus)
}

// TrainContext runs EM over the corpus with the same stopping rules as
// LinearGaussianEM. Sequences are modified in place.
func (em *SKFEM) TrainContext(ctx context.Context, corpus []*GMMSequence) (*SKFResult, error) {
	if len(corpus) == 0 {
		return nil, ErrEmptySequence
	}
	checker, err := NewSKF(em.template)
	if err != nil {
		return nil, err
	}
	for i, seq := range corpus {
		if err := checker.checkSequence(seq); err != nil {
			return nil, fmt.Errorf("sequence %d: %w", i, err)
		}
	}

	bank := em.template.Clone()
	res := &SKFResult{Corpus: corpus}
	var (
		prev     *ModelBank
		initials []mixtureInitial
	)
	for iter := 0; iter < em.cfg.MaxIters; iter++ {
		ll, err := em.expectation(ctx, bank, corpus)
		if err != nil {
			return nil, fmt.Errorf("E-step %d: %w", iter, err)
		}
		obj := ll
		for k, m := range bank.Models {
			penalty, err := logPosteriorPenalty(m, em.cfg)
			if err != nil {
				return nil, fmt.Errorf("E-step %d, regime %d: %w", iter, k, err)
			}
			obj += penalty
		}
		if n := len(res.Objectives); n > 0 {
			last := res.Objectives[n-1]
			if decreased(last, obj, em.cfg.DecreaseTolerance) {
				res.Decrease = &LikelihoodDecrease{Iteration: iter, Previous: last, Current: obj}
				em.logger.Warn("objective decreased, keeping previous model bank", slog.Int("iteration", iter), slog.Float64("previous", last), slog.Float64("objective", obj))
				restoreMixtureInitials(corpus, initials)
				if _, err := em.expectation(ctx, prev, corpus); err != nil {
					return nil, fmt.Errorf("E-step %d: %w", iter, err)
				}
				bank = prev
				break
			}
			res.LogLikelihoods = append(res.LogLikelihoods, ll)
			res.Objectives = append(res.Objectives, obj)
			em.logger.Info("skf em iteration", slog.Int("iteration", iter), slog.Float64("loglikelihood", ll), slog.Float64("objective", obj), slog.Float64("delta", obj-last))
			if obj-last < em.cfg.Threshold {
				res.Converged = true
				break
			}
		} else {
			res.LogLikelihoods = append(res.LogLikelihoods, ll)
			res.Objectives = append(res.Objectives, obj)
			em.logger.Info("skf em iteration", slog.Int("iteration", iter), slog.Float64("loglikelihood", ll), slog.Float64("objective", obj))
		}

		prev = bank
		initials = snapshotMixtureInitials(corpus)
		bank, err = em.maximize(bank, corpus)
		if err != nil {
			return nil, fmt.Errorf("M-step %d: %w", iter, err)
		}
	}
	res.Bank = bank
	res.Iterations = len(res.LogLikelihoods)
	return res, nil
}

func (em *SKFEM) expectation(ctx context.Context, bank *ModelBank, corpus []*GMMSequence) (float64, error) {
	skf, err := NewSKF(bank, em.opts...)
	if err != nil {
		return 0, err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(em.cfg.workers())
	for i, seq := range corpus {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := skf.Filter(seq); err != nil {
				return fmt.Errorf("sequence %d: %w", i, err)
			}
			if err := skf.Smooth(seq); err != nil {
				return fmt.Errorf("sequence %d: %w", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	total := 0.0
	for _, seq := range corpus {
		total += seq.TotalLogLikelihood()
	}
	return total, nil
}

func (em *SKFEM) maximization(bank *ModelBank, corpus []*GMMSequence) (*ModelBank, error) {
	K := bank.K()
	next := &ModelBank{Models: make([]*LinearModel, K), Z: mat.DenseCopyOf(bank.Z)}
	for k, model := range bank.Models {
		st := newSufficientStats(model.StateDim(), model.ObsDim())
		for i, seq := range corpus {
			if err := st.accumulateRegime(seq, k); err != nil {
				return nil, fmt.Errorf("sequence %d: %w", i, err)
			}
		}
		if st.n < em.cfg.MinRegimeWeight || st.n == 0 {
			em.logger.Warn("regime has too little responsibility mass, keeping its parameters", slog.Int("regime", k), slog.Float64("mass", st.n))
			next.Models[k] = model.Clone()
			continue
		}
		m, err := mStep(model, em.structures[k], st, em.cfg)
		if err != nil {
			return nil, fmt.Errorf("regime %d: %w", k, err)
		}
		next.Models[k] = m
	}

	if em.cfg.LearnZ {
		counts := mat.NewDense(K, K, nil)
		for _, seq := range corpus {
			for _, p := range seq.PairWeights {
				counts.Add(counts, p)
			}
		}
		for i := 0; i < K; i++ {
			row := mat.Row(nil, i, counts)
			sum := floats.Sum(row)
			if sum <= 0 {
				continue
			}
			floats.Scale(1/sum, row)
			next.Z.SetRow(i, row)
		}
	}

	if em.cfg.LearnInitState {
		for _, seq := range corpus {
			seq.Initial = cloneGaussians(seq.SmoothedInitial)
			w, err := normalisedWeights(seq.SmoothedInitialWeights, K)
			if err != nil {
				return nil, err
			}
			seq.InitialWeights = w
		}
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	return next, nil
}

type mixtureInitial struct {
	components []Gaussian
	weights    []float64
}

func snapshotMixtureInitials(corpus []*GMMSequence) []mixtureInitial {
	s := make([]mixtureInitial, len(corpus))
	for i, seq := range corpus {
		s[i] = mixtureInitial{components: cloneGaussians(seq.Initial), weights: append([]float64(nil), seq.InitialWeights...)}
	}
	return s
}

func restoreMixtureInitials(corpus []*GMMSequence, s []mixtureInitial) {
	for i := range s {
		corpus[i].Initial = s[i].components
		corpus[i].InitialWeights = s[i].weights
	}
}
