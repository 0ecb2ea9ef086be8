package skalman

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestBatchError(t *testing.T) {
	truth := NewBatchGroundTruth([]*mat.VecDense{
		mat.NewVecDense(2, []float64{1, 1}), mat.NewVecDense(2, []float64{2, 2}),
	}, []*mat.VecDense{
		mat.NewVecDense(1, []float64{3}), mat.NewVecDense(1, []float64{4}),
	})
	est := MustGaussian([]float64{1, 1}, Identity(2))

	for k, exp := range [][]float64{{0, 0}, {-1, -1}} {
		e, err := truth.Error(k, est)
		require.NoError(t, err)
		assert.Equal(t, exp, e.RawVector().Data, "step %d", k)
	}

	e, err := truth.ErrorWithOffset(1, est, mat.NewVecDense(2, []float64{1, 0.5}))
	require.NoError(t, err)
	assert.Equal(t, []float64{0, -0.5}, e.RawVector().Data)

	me, err := truth.MeasurementError(0, est, cvModel(t, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, []float64{-2}, me.RawVector().Data)

	_, err = truth.Error(2, est)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	_, err = truth.Error(0, MustGaussian([]float64{1, 1, 1}, Identity(3)))
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	_, err = truth.MeasurementError(-1, est, cvModel(t, 1, 1))
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestBatchRMSE(t *testing.T) {
	truth := NewBatchGroundTruth([]*mat.VecDense{
		mat.NewVecDense(2, []float64{0, 0}), mat.NewVecDense(2, []float64{0, 0}),
	}, nil)
	rmse, err := truth.RMSE([]Gaussian{
		MustGaussian([]float64{3, 1}, Identity(2)),
		MustGaussian([]float64{-4, 1}, Identity(2)),
	})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{math.Sqrt(12.5), 1}, rmse, 1e-12)

	_, err = truth.RMSE(nil)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}
