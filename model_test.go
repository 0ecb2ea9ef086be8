package skalman

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestNewLinearModel(t *testing.T) {
	A := mat.NewDense(2, 2, []float64{1, 1, 0, 1})
	H := mat.NewDense(1, 2, []float64{1, 0})

	_, err := NewLinearModel(A, mat.NewDense(2, 2, []float64{1, 2, 0, 1}), H, Identity(1))
	assert.ErrorIs(t, err, ErrNotSymmetric)
	_, err = NewLinearModel(A, Identity(3), H, Identity(1))
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	_, err = NewLinearModel(A, Identity(2), H, Identity(2))
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	m, err := NewLinearModel(A, Identity(2), H, Identity(1))
	require.NoError(t, err)
	A.Set(0, 1, 5)
	assert.Equal(t, 1.0, m.A.At(0, 1), "NewLinearModel must copy its inputs")
	assert.Equal(t, 2, m.StateDim())
	assert.Equal(t, 1, m.ObsDim())
}

func TestLinearModelClone(t *testing.T) {
	m := cvModel(t, 1, 1)
	m.QStructure = Identity(2)
	c := m.Clone()
	require.True(t, c.EqualApprox(m, 0))
	c.A.Set(0, 0, 7)
	c.Q.SetSym(0, 0, 7)
	c.QStructure.SetSym(0, 0, 7)
	assert.Equal(t, 1.0, m.A.At(0, 0))
	assert.NotEqual(t, 7.0, m.Q.At(0, 0))
	assert.Equal(t, 1.0, m.QStructure.At(0, 0))
	assert.False(t, c.EqualApprox(m, 1e-9))
}

func TestModelBank(t *testing.T) {
	a := cvModel(t, 1, 1)
	b := cvModel(t, 2, 2)

	bank, err := NewModelBank([]*LinearModel{a, b}, mat.NewDense(2, 2, []float64{0.9, 0.1, 0.2, 0.8}))
	require.NoError(t, err)
	assert.Equal(t, 2, bank.K())
	assert.Equal(t, 1, bank.Models[1].Regime)
	bank.Models[0].A.Set(0, 0, 3)
	assert.Equal(t, 1.0, a.A.At(0, 0), "NewModelBank must copy the models")

	_, err = NewModelBank([]*LinearModel{a, b}, mat.NewDense(2, 2, []float64{0.9, 0.2, 0.2, 0.8}))
	assert.ErrorIs(t, err, ErrNotStochastic)
	_, err = NewModelBank([]*LinearModel{a, b}, mat.NewDense(2, 2, []float64{1.1, -0.1, 0.2, 0.8}))
	assert.ErrorIs(t, err, ErrNotStochastic)
	_, err = NewModelBank([]*LinearModel{a, b}, Identity(3))
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	_, err = NewModelBank(nil, Identity(1))
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	wide, err := ConstantVelocity(2, 1, 1, 1)
	require.NoError(t, err)
	_, err = NewModelBank([]*LinearModel{a, wide}, mat.NewDense(2, 2, []float64{0.5, 0.5, 0.5, 0.5}))
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestSequenceConstructors(t *testing.T) {
	_, err := NewSequence(nil, MustGaussian([]float64{0}, Identity(1)))
	assert.ErrorIs(t, err, ErrEmptySequence)
	_, err = NewSequence([]*mat.VecDense{mat.NewVecDense(1, nil), mat.NewVecDense(2, nil)}, MustGaussian([]float64{0}, Identity(1)))
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	init := []Gaussian{MustGaussian([]float64{0, 0}, Identity(2)), MustGaussian([]float64{1, 0}, Identity(2))}
	gmm, err := NewGMMSequence([]*mat.VecDense{mat.NewVecDense(1, nil)}, init, nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 0.5}, gmm.InitialWeights)
	assert.Equal(t, 2, gmm.K())
	assert.False(t, gmm.IsFiltered())

	gmm, err = NewGMMSequence([]*mat.VecDense{mat.NewVecDense(1, nil)}, init, []float64{1, 3})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.25, 0.75}, gmm.InitialWeights, 1e-12)

	_, err = NewGMMSequence([]*mat.VecDense{mat.NewVecDense(1, nil)}, init, []float64{0, 0})
	assert.ErrorIs(t, err, ErrDegenerateWeights)
}
