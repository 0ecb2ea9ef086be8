package skalman

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// EMResult is the outcome of an EM training run.
type EMResult struct {
	// Model is the trained model. When training stopped on a decrease, it is
	// the last model whose objective was accepted.
	Model *LinearModel
	// Corpus holds the sequences filtered and smoothed by the last E-step.
	Corpus []*Sequence
	// LogLikelihoods is the aggregate log-likelihood of every accepted E-step.
	LogLikelihoods []float64
	// Objectives is the quantity EM increases at every accepted E-step: the
	// aggregate log-likelihood plus, with a Wishart prior, the log prior of
	// every learned noise covariance. Without a prior it equals LogLikelihoods.
	Objectives []float64
	Iterations int
	Converged  bool
	// Decrease is set when training stopped because an iteration lowered the
	// objective by more than the configured relative tolerance.
	Decrease *LikelihoodDecrease
}

// LinearGaussianEM learns the parameters of a LinearModel from a corpus of
// sequences by Expectation-Maximization. Use NewLinearGaussianEM to initialize.
type LinearGaussianEM struct {
	template  *LinearModel
	structure *mat.SymDense
	cfg       EMConfig
	opts      options

	maximize func(model *LinearModel, corpus []*Sequence) (*LinearModel, error)
}

// NewLinearGaussianEM returns a new EM trainer starting from the initial model.
// The initial model is never modified.
func NewLinearGaussianEM(initial *LinearModel, cfg EMConfig, opts ...Option) (*LinearGaussianEM, error) {
	if initial == nil {
		return nil, fmt.Errorf("%w: nil model", ErrDimensionMismatch)
	}
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	template := initial.Clone()
	structure := template.QStructure
	if structure == nil {
		structure = cloneSym(template.Q)
	}
	em := &LinearGaussianEM{template: template, structure: structure, cfg: cfg, opts: applyOptions(opts)}
	em.maximize = em.maximization
	return em, nil
}

// Config returns the training configuration.
func (em *LinearGaussianEM) Config() EMConfig {
	return em.cfg
}

// Train runs EM over the corpus. See TrainContext.
func (em *LinearGaussianEM) Train(corpus []*Sequence) (*EMResult, error) {
	return em.TrainContext(context.Background(), corpus)
}

// TrainContext runs EM over the corpus until the objective improves by less
// than the configured threshold, the iteration budget is spent, or an
// iteration lowers it. Sequences are modified in place.
func (em *LinearGaussianEM) TrainContext(ctx context.Context, corpus []*Sequence) (*EMResult, error) {
	if len(corpus) == 0 {
		return nil, ErrEmptySequence
	}
	for i, seq := range corpus {
		if err := checkSequence(seq, em.template); err != nil {
			return nil, fmt.Errorf("sequence %d: %w", i, err)
		}
	}

	model := em.template.Clone()
	res := &EMResult{Corpus: corpus}
	var (
		prev     *LinearModel
		initials []Gaussian
	)
	for iter := 0; iter < em.cfg.MaxIters; iter++ {
		ll, err := em.expectation(ctx, model, corpus)
		if err != nil {
			return nil, fmt.Errorf("E-step %d: %w", iter, err)
		}
		penalty, err := logPosteriorPenalty(model, em.cfg)
		if err != nil {
			return nil, fmt.Errorf("E-step %d: %w", iter, err)
		}
		obj := ll + penalty
		if n := len(res.Objectives); n > 0 {
			last := res.Objectives[n-1]
			if decreased(last, obj, em.cfg.DecreaseTolerance) {
				res.Decrease = &LikelihoodDecrease{Iteration: iter, Previous: last, Current: obj}
				em.opts.logger.Warn("objective decreased, keeping previous model", slog.Int("iteration", iter), slog.Float64("previous", last), slog.Float64("objective", obj))
				restoreInitialStates(corpus, initials)
				if _, err := em.expectation(ctx, prev, corpus); err != nil {
					return nil, fmt.Errorf("E-step %d: %w", iter, err)
				}
				model = prev
				break
			}
			res.LogLikelihoods = append(res.LogLikelihoods, ll)
			res.Objectives = append(res.Objectives, obj)
			em.opts.logger.Info("em iteration", slog.Int("iteration", iter), slog.Float64("loglikelihood", ll), slog.Float64("objective", obj), slog.Float64("delta", obj-last))
			if obj-last < em.cfg.Threshold {
				res.Converged = true
				break
			}
		} else {
			res.LogLikelihoods = append(res.LogLikelihoods, ll)
			res.Objectives = append(res.Objectives, obj)
			em.opts.logger.Info("em iteration", slog.Int("iteration", iter), slog.Float64("loglikelihood", ll), slog.Float64("objective", obj))
		}

		prev = model
		initials = snapshotInitialStates(corpus)
		model, err = em.maximize(model, corpus)
		if err != nil {
			return nil, fmt.Errorf("M-step %d: %w", iter, err)
		}
	}
	res.Model = model
	res.Iterations = len(res.LogLikelihoods)
	return res, nil
}

// decreased reports whether cur fell below last by more than tol, relative to
// the magnitude of last.
func decreased(last, cur, tol float64) bool {
	return cur < last-tol*(1+math.Abs(last))
}

// expectation filters and smooths every sequence with the model and returns
// the aggregate log-likelihood.
func (em *LinearGaussianEM) expectation(ctx context.Context, model *LinearModel, corpus []*Sequence) (float64, error) {
	kf := &Vanilla{model: model, opts: em.opts}
	smoother := &RTS{model: model}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(em.cfg.workers())
	for i, seq := range corpus {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := kf.Filter(seq); err != nil {
				return fmt.Errorf("sequence %d: %w", i, err)
			}
			if err := smoother.Smooth(seq); err != nil {
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

func (em *LinearGaussianEM) maximization(model *LinearModel, corpus []*Sequence) (*LinearModel, error) {
	st := newSufficientStats(model.StateDim(), model.ObsDim())
	for i, seq := range corpus {
		if err := st.accumulate(seq); err != nil {
			return nil, fmt.Errorf("sequence %d: %w", i, err)
		}
	}
	next, err := mStep(model, em.structure, st, em.cfg)
	if err != nil {
		return nil, err
	}
	if em.cfg.LearnInitState {
		for _, seq := range corpus {
			seq.InitialState = seq.SmoothedInitial.Clone()
		}
	}
	return next, nil
}

func checkSequence(seq *Sequence, model *LinearModel) error {
	if seq == nil || seq.Len() == 0 {
		return ErrEmptySequence
	}
	if seq.Measurements[0].Len() != model.ObsDim() {
		return fmt.Errorf("%w: measurements have %d rows, model observes %d", ErrDimensionMismatch, seq.Measurements[0].Len(), model.ObsDim())
	}
	if seq.InitialState.Mean == nil || seq.InitialState.Dim() != model.StateDim() {
		return fmt.Errorf("%w: initial state does not match the %d dimensional model state", ErrDimensionMismatch, model.StateDim())
	}
	return nil
}

func snapshotInitialStates(corpus []*Sequence) []Gaussian {
	s := make([]Gaussian, len(corpus))
	for i, seq := range corpus {
		s[i] = seq.InitialState.Clone()
	}
	return s
}

func restoreInitialStates(corpus []*Sequence, s []Gaussian) {
	for i := range s {
		corpus[i].InitialState = s[i]
	}
}
