package skalman

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestImplementsNoise(t *testing.T) {
	implements := func(Noise) {}
	implements(new(Noiseless))
	implements(new(AWGN))
}

func TestBlankNoise(t *testing.T) {
	nl, err := NewNoiseless(Identity(2), Identity(3))
	require.NoError(t, err)
	assert.Equal(t, 2, nl.Process(1).Len())
	assert.Equal(t, 3, nl.Measurement(1).Len())
	assert.Zero(t, mat.Norm(nl.Process(4), 2))
	assert.Zero(t, mat.Norm(nl.Measurement(4), 2))
	assert.Equal(t, 2, nl.ProcessMatrix().SymmetricDim())
	assert.Equal(t, 3, nl.MeasurementMatrix().SymmetricDim())

	_, err = NewNoiseless(nil, Identity(1))
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestAWGN(t *testing.T) {
	Q := mat.NewSymDense(2, []float64{2, 0.5, 0.5, 1})
	R := ScaledIdentity(1, 0.1)
	a, err := NewAWGN(Q, R, rand.NewPCG(1, 2))
	require.NoError(t, err)
	b, err := NewAWGN(Q, R, rand.NewPCG(1, 2))
	require.NoError(t, err)
	for k := 0; k < 5; k++ {
		assert.Equal(t, a.Process(k).RawVector().Data, b.Process(k).RawVector().Data)
		assert.Equal(t, a.Measurement(k).RawVector().Data, b.Measurement(k).RawVector().Data)
	}
	assert.Equal(t, 2, a.Process(0).Len())
	assert.Equal(t, 1, a.Measurement(0).Len())

	_, err = NewAWGN(mat.NewSymDense(2, []float64{1, 2, 2, 1}), R, rand.NewPCG(1, 2))
	assert.ErrorIs(t, err, ErrNotPositiveDefinite)
}

func TestAWGNSampleCovariance(t *testing.T) {
	Q := mat.NewSymDense(2, []float64{2, 0.5, 0.5, 1})
	n, err := NewAWGN(Q, Identity(1), rand.NewPCG(9, 9))
	require.NoError(t, err)
	const samples = 20000
	acc := mat.NewDense(2, 2, nil)
	for k := 0; k < samples; k++ {
		w := n.Process(k)
		acc.Add(acc, outer(w, w))
	}
	acc.Scale(1.0/samples, acc)
	assert.True(t, mat.EqualApprox(acc, Q, 0.1), "sample covariance %v", mat.Formatted(acc))
}

func TestSimulateNoiseless(t *testing.T) {
	model := cvModel(t, 1, 1)
	nl, err := NewNoiseless(model.Q, model.R)
	require.NoError(t, err)
	states, meas, err := Simulate(model, mat.NewVecDense(2, []float64{0, 1}), 5, nl)
	require.NoError(t, err)
	require.Len(t, states, 5)
	for k := range states {
		assert.InDeltaSlice(t, []float64{float64(k + 1), 1}, states[k].RawVector().Data, 1e-12)
		assert.InDelta(t, float64(k+1), meas[k].AtVec(0), 1e-12)
	}

	_, _, err = Simulate(model, mat.NewVecDense(3, nil), 5, nl)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	_, _, err = Simulate(model, mat.NewVecDense(2, nil), 0, nl)
	assert.ErrorIs(t, err, ErrEmptySequence)
}

func TestSimulateSwitching(t *testing.T) {
	bank, err := NewModelBank([]*LinearModel{cvModel(t, 1, 1), cvModel(t, 2, 2)}, Identity(2))
	require.NoError(t, err)
	states, meas, regimes, err := SimulateSwitching(bank, mat.NewVecDense(2, nil), 1, 30, rand.NewPCG(3, 4))
	require.NoError(t, err)
	assert.Len(t, states, 30)
	assert.Len(t, meas, 30)
	for k, r := range regimes {
		assert.Equal(t, 1, r, "step %d", k)
	}

	bank.Z = mat.NewDense(2, 2, []float64{0, 1, 1, 0})
	_, _, regimes, err = SimulateSwitching(bank, mat.NewVecDense(2, nil), 0, 6, rand.NewPCG(3, 4))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0, 1, 0, 1, 0}, regimes)

	_, _, _, err = SimulateSwitching(bank, mat.NewVecDense(2, nil), 2, 6, rand.NewPCG(3, 4))
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}
