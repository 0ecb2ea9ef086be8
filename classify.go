package skalman

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/floats"
)

// AxisModels are the two independently trained models of a category: one for
// the latitude and one for the longitude of its tracks.
type AxisModels struct {
	Latitude  *LinearModel
	Longitude *LinearModel
}

// Validate checks both models are set and valid.
func (a AxisModels) Validate() error {
	if a.Latitude == nil || a.Longitude == nil {
		return fmt.Errorf("%w: both axis models must be set", ErrDimensionMismatch)
	}
	if err := a.Latitude.Validate(); err != nil {
		return fmt.Errorf("latitude: %w", err)
	}
	if err := a.Longitude.Validate(); err != nil {
		return fmt.Errorf("longitude: %w", err)
	}
	return nil
}

// LogLikelihood filters the sequence with the model and returns its total log-likelihood.
func LogLikelihood(seq *Sequence, model *LinearModel) (float64, error) {
	if model == nil {
		return 0, fmt.Errorf("%w: nil model", ErrDimensionMismatch)
	}
	if err := checkSequence(seq, model); err != nil {
		return 0, err
	}
	kf, err := NewVanilla(model)
	if err != nil {
		return 0, err
	}
	if err := kf.Filter(seq); err != nil {
		return 0, err
	}
	return seq.TotalLogLikelihood(), nil
}

// TrainAxisModels trains the latitude and longitude models of one category,
// both starting from template.
func TrainAxisModels(ctx context.Context, lat, lon []*Sequence, template *LinearModel, cfg EMConfig, opts ...Option) (AxisModels, error) {
	em, err := NewLinearGaussianEM(template, cfg, opts...)
	if err != nil {
		return AxisModels{}, err
	}
	latRes, err := em.TrainContext(ctx, lat)
	if err != nil {
		return AxisModels{}, fmt.Errorf("latitude: %w", err)
	}
	lonRes, err := em.TrainContext(ctx, lon)
	if err != nil {
		return AxisModels{}, fmt.Errorf("longitude: %w", err)
	}
	return AxisModels{Latitude: latRes.Model, Longitude: lonRes.Model}, nil
}

// Prediction holds the scores of a track against every category, in label order.
type Prediction struct {
	Labels         []string
	LogLikelihoods []float64
	Probabilities  []float64
}

// Best returns the most probable label and its probability.
func (p Prediction) Best() (string, float64) {
	if len(p.Labels) == 0 {
		return "", 0
	}
	i := floats.MaxIdx(p.Probabilities)
	return p.Labels[i], p.Probabilities[i]
}

// Classifier scores tracks against the axis models of several categories.
// Use NewClassifier to initialize.
type Classifier struct {
	labels []string
	models map[string]AxisModels
	logger *slog.Logger
}

// NewClassifier returns a classifier over the provided categories. Labels are
// kept in lexical order.
func NewClassifier(models map[string]AxisModels, opts ...Option) (*Classifier, error) {
	if len(models) == 0 {
		return nil, fmt.Errorf("%w: no category models", ErrInvalidConfig)
	}
	labels := make([]string, 0, len(models))
	for label, m := range models {
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("category %q: %w", label, err)
		}
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return &Classifier{labels: labels, models: models, logger: applyOptions(opts).logger}, nil
}

// Labels returns the category labels in scoring order.
func (c *Classifier) Labels() []string {
	return append([]string(nil), c.labels...)
}

// LogLikelihoods returns, per category, the sum of the latitude and longitude
// log-likelihoods of the track. The sequences are refiltered for each category.
func (c *Classifier) LogLikelihoods(lat, lon *Sequence) ([]float64, error) {
	lls := make([]float64, len(c.labels))
	for i, label := range c.labels {
		m := c.models[label]
		latLL, err := LogLikelihood(lat, m.Latitude)
		if err != nil {
			return nil, fmt.Errorf("category %q latitude: %w", label, err)
		}
		lonLL, err := LogLikelihood(lon, m.Longitude)
		if err != nil {
			return nil, fmt.Errorf("category %q longitude: %w", label, err)
		}
		lls[i] = latLL + lonLL
	}
	return lls, nil
}

// Classify scores the axis sequences of a track against every category.
func (c *Classifier) Classify(lat, lon *Sequence) (Prediction, error) {
	lls, err := c.LogLikelihoods(lat, lon)
	if err != nil {
		return Prediction{}, err
	}
	p := Prediction{Labels: c.Labels(), LogLikelihoods: lls, Probabilities: NormaliseLogProb(lls)}
	best, prob := p.Best()
	c.logger.Debug("classified track", slog.String("label", best), slog.Float64("probability", prob), slog.Int("steps", lat.Len()))
	return p, nil
}

// ClassifyTrack splits a lat/lon track with AxisSequences and classifies it.
func (c *Classifier) ClassifyTrack(track orb.LineString, scale float64) (Prediction, error) {
	lat, lon, err := AxisSequences(track, scale)
	if err != nil {
		return Prediction{}, err
	}
	return c.Classify(lat, lon)
}

// NormaliseLogProb converts log-likelihoods into probabilities summing to one,
// exp(l_i - log Σ exp(l_j)). When every entry is -Inf the result is uniform.
func NormaliseLogProb(logp []float64) []float64 {
	p := make([]float64, len(logp))
	if len(logp) == 0 {
		return p
	}
	lse := floats.LogSumExp(logp)
	if math.IsNaN(lse) || math.IsInf(lse, -1) {
		uniform(p)
		return p
	}
	for i, l := range logp {
		p[i] = math.Exp(l - lse)
	}
	return p
}
