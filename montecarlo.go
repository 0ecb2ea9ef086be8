package skalman

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distmv"
)

// MonteCarloRuns stores MC runs.
type MonteCarloRuns struct {
	runs, steps int
	Runs        []MonteCarloRun
}

// MonteCarloRun stores one simulated trajectory: its true states and the
// sequence of its measurements.
type MonteCarloRun struct {
	States   []*mat.VecDense
	Sequence *Sequence
}

// NewMonteCarloRuns simulates samples trajectories of the model. Each
// trajectory starts from a state drawn from initial, which is also the
// InitialState of its sequence.
func NewMonteCarloRuns(samples, steps int, model *LinearModel, initial Gaussian, src rand.Source) (MonteCarloRuns, error) {
	if samples < 1 {
		return MonteCarloRuns{}, fmt.Errorf("%w: at least one sample is required", ErrInvalidConfig)
	}
	start, ok := distmv.NewNormal(initial.Mean.RawVector().Data, initial.Covar, src)
	if !ok {
		return MonteCarloRuns{}, fmt.Errorf("%w: initial state covariance", ErrNotPositiveDefinite)
	}
	noise, err := NewAWGN(model.Q, model.R, src)
	if err != nil {
		return MonteCarloRuns{}, err
	}
	runs := make([]MonteCarloRun, samples)
	for s := range runs {
		x0 := start.Rand(nil)
		states, measurements, err := Simulate(model, mat.NewVecDense(len(x0), x0), steps, noise)
		if err != nil {
			return MonteCarloRuns{}, err
		}
		seq, err := NewSequence(measurements, initial)
		if err != nil {
			return MonteCarloRuns{}, err
		}
		runs[s] = MonteCarloRun{States: states, Sequence: seq}
	}
	return MonteCarloRuns{samples, steps, runs}, nil
}

// Corpus returns the sequences of all runs.
func (mc MonteCarloRuns) Corpus() []*Sequence {
	c := make([]*Sequence, len(mc.Runs))
	for i, run := range mc.Runs {
		c[i] = run.Sequence
	}
	return c
}

// Filter filters every run with the provided filter.
func (mc MonteCarloRuns) Filter(kf SequenceFilter) error {
	for i, run := range mc.Runs {
		if err := kf.Filter(run.Sequence); err != nil {
			return fmt.Errorf("run %d: %w", i, err)
		}
	}
	return nil
}

// samples gathers component i of the filtered state of every run at the given step.
func (mc MonteCarloRuns) samples(step int) [][]float64 {
	rows := mc.Runs[0].Sequence.Filtered[step].Dim()
	states := make([][]float64, rows)
	for i := range states {
		states[i] = make([]float64, len(mc.Runs))
	}
	for r, run := range mc.Runs {
		state := run.Sequence.Filtered[step].Mean
		for i := 0; i < rows; i++ {
			states[i][r] = state.AtVec(i)
		}
	}
	return states
}

// Mean returns the mean of the filtered states of all runs at the given time step.
func (mc MonteCarloRuns) Mean(step int) []float64 {
	states := mc.samples(step)
	means := make([]float64, len(states))
	for i := range states {
		means[i] = stat.Mean(states[i], nil)
	}
	return means
}

// StdDev returns the standard deviation of the filtered states of all runs at the given time step.
func (mc MonteCarloRuns) StdDev(step int) []float64 {
	states := mc.samples(step)
	devs := make([]float64, len(states))
	for i := range states {
		devs[i] = stat.StdDev(states[i], nil)
	}
	return devs
}

// AsCSV is used as a CSV serializer of the filtered states, one document per
// state component. Does not include the header.
func (mc MonteCarloRuns) AsCSV(headers []string) []string {
	rows := mc.Runs[0].Sequence.Filtered[0].Dim()
	rtn := make([]string, rows)

	for i := 0; i < rows; i++ {
		header := headers[i]
		lines := make([]string, mc.steps+1) // One line per step, plus header.
		for rNo := 0; rNo < mc.runs; rNo++ {
			lines[0] += fmt.Sprintf("%s-%d,", header, rNo)
		}
		lines[0] += header + "-mean," + header + "-stddev"

		for k := 0; k < mc.steps; k++ {
			for _, run := range mc.Runs {
				lines[k+1] += fmt.Sprintf("%f,", run.Sequence.Filtered[k].Mean.AtVec(i))
			}
			lines[k+1] += fmt.Sprintf("%f,%f", mc.Mean(k)[i], mc.StdDev(k)[i])
		}
		rtn[i] = strings.Join(lines, "\n")
	}
	return rtn
}
