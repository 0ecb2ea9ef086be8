package skalman

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

// Noise allows to handle the noise when simulating a LinearModel.
type Noise interface {
	Process(k int) *mat.VecDense      // Returns the process noise w at step k
	Measurement(k int) *mat.VecDense  // Returns the measurement noise v at step k
	ProcessMatrix() mat.Symmetric     // Returns the process noise matrix Q
	MeasurementMatrix() mat.Symmetric // Returns the measurement noise matrix R
	String() string                   // Stringer interface implementation
}

// Noiseless is noiseless and implements the Noise interface.
type Noiseless struct {
	Q, R                         mat.Symmetric
	processSize, measurementSize int
}

// NewNoiseless creates a noiseless Noise with the dimensions of Q and R.
func NewNoiseless(Q, R mat.Symmetric) (*Noiseless, error) {
	if Q == nil || R == nil {
		return nil, fmt.Errorf("%w: Q and R must be specified", ErrDimensionMismatch)
	}
	return &Noiseless{Q, R, Q.SymmetricDim(), R.SymmetricDim()}, nil
}

// Process returns a vector of the correct size.
func (n Noiseless) Process(k int) *mat.VecDense {
	return mat.NewVecDense(n.processSize, nil)
}

// Measurement returns a vector of the correct size.
func (n Noiseless) Measurement(k int) *mat.VecDense {
	return mat.NewVecDense(n.measurementSize, nil)
}

// ProcessMatrix implements the Noise interface.
func (n Noiseless) ProcessMatrix() mat.Symmetric {
	return n.Q
}

// MeasurementMatrix implements the Noise interface.
func (n Noiseless) MeasurementMatrix() mat.Symmetric {
	return n.R
}

// String implements the Stringer interface.
func (n Noiseless) String() string {
	return fmt.Sprintf("Noiseless{\nQ=%v\nR=%v}\n", mat.Formatted(n.Q, mat.Prefix("  ")), mat.Formatted(n.R, mat.Prefix("  ")))
}

// AWGN implements the Noise interface and generates an Additive white Gaussian noise.
type AWGN struct {
	Q, R        mat.Symmetric
	process     *distmv.Normal
	measurement *distmv.Normal
}

// NewAWGN creates new AWGN noise from the provided Q and R, drawing from src.
// Both matrices must be positive definite.
func NewAWGN(Q, R mat.Symmetric, src rand.Source) (*AWGN, error) {
	process, ok := distmv.NewNormal(make([]float64, Q.SymmetricDim()), Q, src)
	if !ok {
		return nil, fmt.Errorf("%w: process noise Q", ErrNotPositiveDefinite)
	}
	meas, ok := distmv.NewNormal(make([]float64, R.SymmetricDim()), R, src)
	if !ok {
		return nil, fmt.Errorf("%w: measurement noise R", ErrNotPositiveDefinite)
	}
	return &AWGN{Q, R, process, meas}, nil
}

// ProcessMatrix implements the Noise interface.
func (n AWGN) ProcessMatrix() mat.Symmetric {
	return n.Q
}

// MeasurementMatrix implements the Noise interface.
func (n AWGN) MeasurementMatrix() mat.Symmetric {
	return n.R
}

// Process implements the Noise interface.
func (n AWGN) Process(k int) *mat.VecDense {
	r := n.process.Rand(nil)
	return mat.NewVecDense(len(r), r)
}

// Measurement implements the Noise interface.
func (n AWGN) Measurement(k int) *mat.VecDense {
	r := n.measurement.Rand(nil)
	return mat.NewVecDense(len(r), r)
}

// String implements the Stringer interface.
func (n AWGN) String() string {
	return fmt.Sprintf("AWGN{\nQ=%v\nR=%v}\n", mat.Formatted(n.Q, mat.Prefix("  ")), mat.Formatted(n.R, mat.Prefix("  ")))
}

// Simulate propagates x0 through the model for the given number of steps and
// returns the true states x_0..x_{steps-1} and their measurements. As for
// Sequence.InitialState, x0 is the state one step before the first measurement.
func Simulate(model *LinearModel, x0 mat.Vector, steps int, noise Noise) (states, measurements []*mat.VecDense, err error) {
	if err := model.Validate(); err != nil {
		return nil, nil, err
	}
	if steps < 1 {
		return nil, nil, ErrEmptySequence
	}
	if err := checkMatDims(model.A, x0, "A", "x0", cols2rows); err != nil {
		return nil, nil, err
	}
	states = make([]*mat.VecDense, steps)
	measurements = make([]*mat.VecDense, steps)
	x := mat.VecDenseCopyOf(x0)
	for k := 0; k < steps; k++ {
		var next mat.VecDense
		next.MulVec(model.A, x)
		next.AddVec(&next, noise.Process(k))
		var y mat.VecDense
		y.MulVec(model.H, &next)
		y.AddVec(&y, noise.Measurement(k))
		states[k] = &next
		measurements[k] = &y
		x = &next
	}
	return states, measurements, nil
}

// SimulateSwitching simulates a switching model: the regime follows the Markov
// chain Z from regime r0 and each step evolves under the model of the current
// regime. It returns the states, measurements and regimes.
func SimulateSwitching(bank *ModelBank, x0 mat.Vector, r0, steps int, src rand.Source) (states, measurements []*mat.VecDense, regimes []int, err error) {
	if err := bank.Validate(); err != nil {
		return nil, nil, nil, err
	}
	if r0 < 0 || r0 >= bank.K() {
		return nil, nil, nil, fmt.Errorf("%w: initial regime %d of %d", ErrDimensionMismatch, r0, bank.K())
	}
	noises := make([]Noise, bank.K())
	for k, m := range bank.Models {
		if noises[k], err = NewAWGN(m.Q, m.R, src); err != nil {
			return nil, nil, nil, fmt.Errorf("regime %d: %w", k, err)
		}
	}
	rng := rand.New(src)
	states = make([]*mat.VecDense, steps)
	measurements = make([]*mat.VecDense, steps)
	regimes = make([]int, steps)
	x, r := mat.VecDenseCopyOf(x0), r0
	for k := 0; k < steps; k++ {
		u, cum := rng.Float64(), 0.0
		for j := 0; j < bank.K(); j++ {
			cum += bank.Z.At(r, j)
			if u < cum || j == bank.K()-1 {
				r = j
				break
			}
		}
		s, y, err := Simulate(bank.Models[r], x, 1, noises[r])
		if err != nil {
			return nil, nil, nil, err
		}
		states[k], measurements[k], regimes[k] = s[0], y[0], r
		x = s[0]
	}
	return states, measurements, regimes, nil
}
