package skalman

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultMaxIters is the default iteration budget of the EM trainers.
const DefaultMaxIters = 20

// WishartPrior is an inverse-Wishart prior on a covariance: with sufficient
// scatter S over n samples of dimension d, the MAP estimate is
// (S + Scale*I) / (n + DoF + d + 1).
type WishartPrior struct {
	Scale float64 `yaml:"scale"`
	DoF   float64 `yaml:"dof"`
}

// Enabled returns whether the prior changes the maximum likelihood estimate.
func (p *WishartPrior) Enabled() bool {
	return p != nil && (p.Scale != 0 || p.DoF != 0)
}

// EMConfig configures the EM trainers. Fields omitted from a configuration file
// keep their default values.
type EMConfig struct {
	MaxIters int `yaml:"max_iters"`
	// Threshold stops training once an iteration improves the aggregate
	// log-likelihood by less than this amount.
	Threshold float64 `yaml:"threshold"`
	// DecreaseTolerance is the largest decrease of the aggregate
	// log-likelihood tolerated as numerical noise.
	DecreaseTolerance float64 `yaml:"decrease_tolerance"`

	LearnH         bool `yaml:"learn_h"`
	LearnR         bool `yaml:"learn_r"`
	LearnA         bool `yaml:"learn_a"`
	LearnQ         bool `yaml:"learn_q"`
	LearnInitState bool `yaml:"learn_init_state"`
	LearnZ         bool `yaml:"learn_z"`

	// KeepQStructure constrains Q to a scalar multiple of the model's QStructure.
	KeepQStructure bool `yaml:"keep_q_structure"`
	// DiagonalQ zeroes the off-diagonal elements of the learned Q.
	DiagonalQ bool `yaml:"diagonal_q"`

	Prior *WishartPrior `yaml:"wishart_prior,omitempty"`

	// MinRegimeWeight is the responsibility mass below which a regime of a
	// switching model keeps its previous parameters.
	MinRegimeWeight float64 `yaml:"min_regime_weight"`

	// Workers bounds the number of sequences filtered and smoothed concurrently.
	Workers int `yaml:"workers"`
}

// DefaultEMConfig returns the configuration used when none is provided: every
// parameter is learned, for at most DefaultMaxIters iterations.
func DefaultEMConfig() EMConfig {
	return EMConfig{
		MaxIters:          DefaultMaxIters,
		Threshold:         1e-4,
		DecreaseTolerance: 1e-6,
		LearnH:            true,
		LearnR:            true,
		LearnA:            true,
		LearnQ:            true,
		LearnInitState:    true,
		LearnZ:            true,
		MinRegimeWeight:   1e-6,
		Workers:           1,
	}
}

// Validate checks that the configuration values are valid.
func (c EMConfig) Validate() error {
	if c.MaxIters < 1 {
		return fmt.Errorf("%w: max_iters must be positive, got %d", ErrInvalidConfig, c.MaxIters)
	}
	if math.IsNaN(c.Threshold) || c.Threshold < 0 {
		return fmt.Errorf("%w: threshold must be non-negative, got %g", ErrInvalidConfig, c.Threshold)
	}
	if math.IsNaN(c.DecreaseTolerance) || c.DecreaseTolerance < 0 {
		return fmt.Errorf("%w: decrease_tolerance must be non-negative, got %g", ErrInvalidConfig, c.DecreaseTolerance)
	}
	if c.MinRegimeWeight < 0 {
		return fmt.Errorf("%w: min_regime_weight must be non-negative, got %g", ErrInvalidConfig, c.MinRegimeWeight)
	}
	if c.Workers < 0 {
		return fmt.Errorf("%w: workers must be non-negative, got %d", ErrInvalidConfig, c.Workers)
	}
	if c.DiagonalQ && !c.LearnQ {
		return fmt.Errorf("%w: diagonal_q requires learn_q", ErrInvalidConfig)
	}
	if c.Prior != nil {
		if c.Prior.Scale < 0 || math.IsNaN(c.Prior.Scale) {
			return fmt.Errorf("%w: wishart_prior.scale must be non-negative, got %g", ErrInvalidConfig, c.Prior.Scale)
		}
		if c.Prior.DoF < 0 || math.IsNaN(c.Prior.DoF) {
			return fmt.Errorf("%w: wishart_prior.dof must be non-negative, got %g", ErrInvalidConfig, c.Prior.DoF)
		}
	}
	return nil
}

func (c EMConfig) workers() int {
	if c.Workers < 1 {
		return 1
	}
	return c.Workers
}

// LoadEMConfig loads an EMConfig from a YAML file. The file must have a .yaml
// or .yml extension and be under 1MB.
func LoadEMConfig(path string) (EMConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".yaml" && ext != ".yml" {
		return EMConfig{}, fmt.Errorf("%w: config file must have .yaml extension, got %q", ErrInvalidConfig, ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return EMConfig{}, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return EMConfig{}, fmt.Errorf("%w: config file too large: %d bytes (max %d)", ErrInvalidConfig, fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return EMConfig{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseEMConfig(data)
}

// ParseEMConfig parses a YAML document over DefaultEMConfig and validates the result.
func ParseEMConfig(data []byte) (EMConfig, error) {
	cfg := DefaultEMConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return EMConfig{}, fmt.Errorf("%w: failed to parse config YAML: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return EMConfig{}, err
	}
	return cfg, nil
}
