package skalman

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// NIS returns the normalized innovation squared eᵀS⁻¹e of every step of a
// sequence filtered with model, with e the innovation and S its covariance.
func NIS(seq *Sequence, model *LinearModel) ([]float64, error) {
	if !seq.IsFiltered() {
		return nil, ErrNotFiltered
	}
	nis := make([]float64, seq.Len())
	for k, y := range seq.Measurements {
		pred := seq.Predicted[k]
		var e mat.VecDense
		e.MulVec(model.H, pred.Mean)
		e.SubVec(y, &e)

		var S mat.Dense
		S.Product(model.H, pred.Covar, model.H.T())
		S.Add(&S, model.R)
		v, err := mahalanobis(&e, symmetrize(&S), "S")
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", k, err)
		}
		nis[k] = v
	}
	return nis, nil
}

// NEES returns the normalized estimation error squared (x-x̂)ᵀP⁻¹(x-x̂) of
// every filtered state of a sequence against the true states.
func NEES(seq *Sequence, states []*mat.VecDense) ([]float64, error) {
	if !seq.IsFiltered() {
		return nil, ErrNotFiltered
	}
	if len(states) != seq.Len() {
		return nil, fmt.Errorf("%w: %d true states for %d steps", ErrDimensionMismatch, len(states), seq.Len())
	}
	nees := make([]float64, seq.Len())
	for k, x := range states {
		var e mat.VecDense
		e.SubVec(x, seq.Filtered[k].Mean)
		v, err := mahalanobis(&e, seq.Filtered[k].Covar, "P")
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", k, err)
		}
		nees[k] = v
	}
	return nees, nil
}

func mahalanobis(e *mat.VecDense, covar mat.Symmetric, name string) (float64, error) {
	chol, err := factorize(covar, name)
	if err != nil {
		return 0, err
	}
	var sol mat.VecDense
	if err := chol.SolveVecTo(&sol, e); err != nil {
		if _, ok := err.(mat.Condition); !ok {
			return 0, err
		}
	}
	return mat.Dot(e, &sol), nil
}

// NewChiSquare runs the Chi square tests on Monte Carlo runs filtered with
// model. Returns the NIS and NEES means across runs at every step.
func NewChiSquare(runs MonteCarloRuns, model *LinearModel, withNEES, withNIS bool) ([]float64, []float64, error) {
	if !withNEES && !withNIS {
		return nil, nil, errors.New("chi square requires either NEES or NIS or both")
	}
	numRuns := len(runs.Runs)
	numSteps := runs.steps
	NISsamples := make([][]float64, numSteps)
	NEESsamples := make([][]float64, numSteps)
	for k := 0; k < numSteps; k++ {
		NISsamples[k] = make([]float64, numRuns)
		NEESsamples[k] = make([]float64, numRuns)
	}

	for rNo, run := range runs.Runs {
		if withNIS {
			nis, err := NIS(run.Sequence, model)
			if err != nil {
				return nil, nil, fmt.Errorf("run %d: %w", rNo, err)
			}
			for k, v := range nis {
				NISsamples[k][rNo] = v
			}
		}
		if withNEES {
			nees, err := NEES(run.Sequence, run.States)
			if err != nil {
				return nil, nil, fmt.Errorf("run %d: %w", rNo, err)
			}
			for k, v := range nees {
				NEESsamples[k][rNo] = v
			}
		}
	}

	var NISmeans, NEESmeans []float64
	if withNIS {
		NISmeans = make([]float64, numSteps)
	}
	if withNEES {
		NEESmeans = make([]float64, numSteps)
	}
	for k := 0; k < numSteps; k++ {
		if withNIS {
			NISmeans[k] = stat.Mean(NISsamples[k], nil)
		}
		if withNEES {
			NEESmeans[k] = stat.Mean(NEESsamples[k], nil)
		}
	}
	return NISmeans, NEESmeans, nil
}

// ChiSquareBounds returns the two-sided acceptance region of the mean of runs
// chi square samples with dof degrees of freedom at significance alpha.
func ChiSquareBounds(dof, runs int, alpha float64) (lo, hi float64) {
	dist := distuv.ChiSquared{K: float64(dof * runs)}
	n := float64(runs)
	return dist.Quantile(alpha/2) / n, dist.Quantile(1-alpha/2) / n
}
