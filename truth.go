package skalman

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// BatchGroundTruth computes the error of estimates from a known batch of states and measurements.
type BatchGroundTruth struct {
	states       []*mat.VecDense
	measurements []*mat.VecDense
}

// NewBatchGroundTruth initializes a new batch ground truth.
func NewBatchGroundTruth(states, measurements []*mat.VecDense) *BatchGroundTruth {
	return &BatchGroundTruth{states, measurements}
}

// Error returns the estimated state minus the true state at step k.
func (t *BatchGroundTruth) Error(k int, est Gaussian) (*mat.VecDense, error) {
	return t.ErrorWithOffset(k, est, nil)
}

// ErrorWithOffset returns the estimated state plus the offset minus the true state at step k.
func (t *BatchGroundTruth) ErrorWithOffset(k int, est Gaussian, offset *mat.VecDense) (*mat.VecDense, error) {
	if k < 0 || k >= len(t.states) {
		return nil, fmt.Errorf("%w: no ground truth state at step k=%d", ErrDimensionMismatch, k)
	}
	if est.Dim() != t.states[k].Len() {
		return nil, fmt.Errorf("%w: ground truth state size different from estimated state size (k=%d)", ErrDimensionMismatch, k)
	}
	e := mat.VecDenseCopyOf(est.Mean)
	if offset != nil {
		e.AddVec(e, offset)
	}
	e.SubVec(e, t.states[k])
	return e, nil
}

// MeasurementError returns the measurement predicted from the estimate minus
// the recorded measurement at step k.
func (t *BatchGroundTruth) MeasurementError(k int, est Gaussian, model *LinearModel) (*mat.VecDense, error) {
	if k < 0 || k >= len(t.measurements) {
		return nil, fmt.Errorf("%w: no ground truth measurement at step k=%d", ErrDimensionMismatch, k)
	}
	var e mat.VecDense
	e.MulVec(model.H, est.Mean)
	e.SubVec(&e, t.measurements[k])
	return &e, nil
}

// RMSE returns the root mean square error of every state component over the estimates.
func (t *BatchGroundTruth) RMSE(estimates []Gaussian) ([]float64, error) {
	if len(estimates) == 0 || len(estimates) > len(t.states) {
		return nil, fmt.Errorf("%w: %d estimates for %d ground truth states", ErrDimensionMismatch, len(estimates), len(t.states))
	}
	d := estimates[0].Dim()
	sq := make([][]float64, d)
	for i := range sq {
		sq[i] = make([]float64, len(estimates))
	}
	for k, est := range estimates {
		e, err := t.Error(k, est)
		if err != nil {
			return nil, err
		}
		for i := 0; i < d; i++ {
			sq[i][k] = e.AtVec(i) * e.AtVec(i)
		}
	}
	rmse := make([]float64, d)
	for i := range rmse {
		rmse[i] = math.Sqrt(stat.Mean(sq[i], nil))
	}
	return rmse, nil
}
