// Package skalman implements exact filtering, smoothing and Expectation-Maximization
// learning for linear-Gaussian state-space models, and a switching Kalman filter
// whose dynamics change among a finite set of regimes.
package skalman

import (
	"log/slog"

	"gonum.org/v1/gonum/mat"
)

// DefaultMaxInnovationCond is the condition number of the innovation covariance
// above which a filter step is reported as ill-conditioned.
const DefaultMaxInnovationCond = 1e12

// SequenceFilter runs a forward pass over a sequence.
type SequenceFilter interface {
	Filter(seq *Sequence) error
}

// SequenceSmoother runs a backward pass over an already filtered sequence.
type SequenceSmoother interface {
	Smooth(seq *Sequence) error
}

// Estimate is returned from a single filter step.
type Estimate interface {
	State() *mat.VecDense                // Returns \hat{x}_{k}^{+}
	Covariance() *mat.SymDense           // Returns P_{k}^{+}
	PredState() *mat.VecDense            // Returns \hat{x}_{k}^{-}
	PredCovariance() *mat.SymDense       // Returns P_{k}^{-}
	Innovation() *mat.VecDense           // Returns y_{k} - H*\hat{x}_{k}^{-}
	InnovationCovariance() *mat.SymDense // Returns H*P_{k}^{-}*H' + R
	LogLikelihood() float64              // Returns log N(innovation; 0, S)
	String() string
}

type options struct {
	logger            *slog.Logger
	maxInnovationCond float64
}

func defaultOptions() options {
	return options{
		logger:            slog.New(slog.DiscardHandler),
		maxInnovationCond: DefaultMaxInnovationCond,
	}
}

// Option configures filters and trainers.
type Option func(*options)

// WithLogger sets the logger used for diagnostics. A nil logger discards records.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l == nil {
			l = slog.New(slog.DiscardHandler)
		}
		o.logger = l
	}
}

// WithMaxInnovationCond sets the condition number above which an innovation
// covariance is reported as ill-conditioned.
func WithMaxInnovationCond(c float64) Option {
	return func(o *options) {
		if c > 0 {
			o.maxInnovationCond = c
		}
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
