package skalman

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Sequence binds the measurements of one trajectory to the beliefs computed
// by filtering and smoothing it. Filtered, Predicted and LogLikelihood are set
// by a filter pass; Smoothed, SmoothCrossvar, SmoothedInitial and
// InitialCrossvar by a smoother pass consuming that filter output.
type Sequence struct {
	Measurements []*mat.VecDense
	InitialState Gaussian

	Predicted     []Gaussian
	Filtered      []Gaussian
	LogLikelihood []float64

	Smoothed []Gaussian
	// SmoothCrossvar[t] is Cov(x_t, x_{t-1} | all data). Index 0 is unused.
	SmoothCrossvar []*mat.Dense
	// SmoothedInitial is the initial state refined by all data and
	// InitialCrossvar is Cov(x_0, x_{-1} | all data), where x_{-1} is the
	// latent state distributed as InitialState.
	SmoothedInitial Gaussian
	InitialCrossvar *mat.Dense

	// IllConditioned lists the timesteps whose innovation covariance had a
	// condition number above the filter bound during the last filter pass.
	IllConditioned []int
}

// NewSequence returns a new sequence of measurements starting from the provided initial state.
func NewSequence(measurements []*mat.VecDense, initial Gaussian) (*Sequence, error) {
	if len(measurements) == 0 {
		return nil, ErrEmptySequence
	}
	if initial.Mean == nil || initial.Covar == nil {
		return nil, fmt.Errorf("%w: initial state must be set", ErrDimensionMismatch)
	}
	m := measurements[0].Len()
	for t, y := range measurements {
		if y.Len() != m {
			return nil, fmt.Errorf("%w: measurement %d has %d rows, expected %d", ErrDimensionMismatch, t, y.Len(), m)
		}
	}
	return &Sequence{Measurements: measurements, InitialState: initial.Clone()}, nil
}

// Len returns the number of timesteps T.
func (s *Sequence) Len() int {
	return len(s.Measurements)
}

// TotalLogLikelihood returns the sum of the per-step log-likelihoods of the last filter pass.
func (s *Sequence) TotalLogLikelihood() float64 {
	return floats.Sum(s.LogLikelihood)
}

// IsFiltered returns whether a filter pass populated the sequence.
func (s *Sequence) IsFiltered() bool {
	return len(s.Filtered) == s.Len() && len(s.Predicted) == s.Len()
}

// IsSmoothed returns whether a smoother pass populated the sequence.
func (s *Sequence) IsSmoothed() bool {
	return len(s.Smoothed) == s.Len()
}

func (s *Sequence) resetFiltered() {
	T := s.Len()
	s.Predicted = make([]Gaussian, T)
	s.Filtered = make([]Gaussian, T)
	s.LogLikelihood = make([]float64, T)
	s.IllConditioned = nil
	s.Smoothed = nil
	s.SmoothCrossvar = nil
}

// GMMSequence is the mixture counterpart of Sequence used by the switching
// Kalman filter. It holds one Gaussian and one weight per regime at every
// timestep.
type GMMSequence struct {
	Measurements   []*mat.VecDense
	Initial        []Gaussian
	InitialWeights []float64

	Filtered      [][]Gaussian // T×K collapsed posteriors
	Weights       [][]float64  // T×K filtered regime probabilities
	LogLikelihood []float64

	Smoothed        [][]Gaussian // T×K
	SmoothedWeights [][]float64  // T×K smoothed regime probabilities
	// PairWeights[t](i,j) = P(regime i at t-1, regime j at t | all data), with
	// the regime at t=-1 being the initial mixture component.
	PairWeights []*mat.Dense
	// PrevGivenNext[t][k] is the belief over x_{t-1} given regime k at t and
	// CrossGivenNext[t][k] is Cov(x_t, x_{t-1} | regime k at t).
	PrevGivenNext  [][]Gaussian
	CrossGivenNext [][]*mat.Dense

	SmoothedInitial        []Gaussian
	SmoothedInitialWeights []float64

	// IllConditioned lists the timesteps where at least one regime pair had an
	// innovation covariance with a condition number above the filter bound
	// during the last filter pass.
	IllConditioned []int
}

// NewGMMSequence returns a new mixture sequence. When weights is nil the
// initial components are equally weighted.
func NewGMMSequence(measurements []*mat.VecDense, initial []Gaussian, weights []float64) (*GMMSequence, error) {
	if len(measurements) == 0 {
		return nil, ErrEmptySequence
	}
	if len(initial) == 0 {
		return nil, fmt.Errorf("%w: at least one initial component is required", ErrDimensionMismatch)
	}
	if weights == nil {
		weights = make([]float64, len(initial))
		for i := range weights {
			weights[i] = 1 / float64(len(initial))
		}
	}
	w, err := normalisedWeights(weights, len(initial))
	if err != nil {
		return nil, err
	}
	m := measurements[0].Len()
	for t, y := range measurements {
		if y.Len() != m {
			return nil, fmt.Errorf("%w: measurement %d has %d rows, expected %d", ErrDimensionMismatch, t, y.Len(), m)
		}
	}
	init := make([]Gaussian, len(initial))
	for i, g := range initial {
		init[i] = g.Clone()
	}
	return &GMMSequence{Measurements: measurements, Initial: init, InitialWeights: w}, nil
}

// Len returns the number of timesteps T.
func (s *GMMSequence) Len() int {
	return len(s.Measurements)
}

// K returns the number of regimes.
func (s *GMMSequence) K() int {
	return len(s.Initial)
}

// TotalLogLikelihood returns the sum of the per-step log-likelihoods of the last filter pass.
func (s *GMMSequence) TotalLogLikelihood() float64 {
	return floats.Sum(s.LogLikelihood)
}

// IsFiltered returns whether a filter pass populated the sequence.
func (s *GMMSequence) IsFiltered() bool {
	return len(s.Filtered) == s.Len() && len(s.Weights) == s.Len()
}

func (s *GMMSequence) resetSmoothed() {
	s.Smoothed = nil
	s.SmoothedWeights = nil
	s.PairWeights = nil
	s.PrevGivenNext = nil
	s.CrossGivenNext = nil
	s.SmoothedInitial = nil
	s.SmoothedInitialWeights = nil
}

// IsSmoothed returns whether a smoother pass populated the sequence.
func (s *GMMSequence) IsSmoothed() bool {
	return len(s.Smoothed) == s.Len() && len(s.SmoothedWeights) == s.Len()
}
