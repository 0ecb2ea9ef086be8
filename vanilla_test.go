package skalman

import (
	"bytes"
	"errors"
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestNewVanillaErrors(t *testing.T) {
	if _, err := NewVanilla(nil); err == nil {
		t.Fatal("nil model does not fail")
	}
	m := &LinearModel{
		A: mat.NewDense(2, 2, []float64{1, 1, 0, 1}),
		Q: Identity(3),
		H: mat.NewDense(1, 2, []float64{1, 0}),
		R: Identity(1),
	}
	if _, err := NewVanilla(m); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("A and Q of incompatible sizes does not fail: %v", err)
	}
	m.Q = Identity(2)
	m.H = mat.NewDense(1, 3, nil)
	if _, err := NewVanilla(m); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("H and A of incompatible sizes does not fail: %v", err)
	}
}

func TestVanillaScalarStep(t *testing.T) {
	m, err := NewLinearModel(mat.NewDense(1, 1, []float64{1}), Identity(1), mat.NewDense(1, 1, []float64{1}), Identity(1))
	require.NoError(t, err)
	kf, err := NewVanilla(m)
	require.NoError(t, err)

	est, err := kf.Step(MustGaussian([]float64{0}, Identity(1)), mat.NewVecDense(1, []float64{1}))
	require.NoError(t, err)
	// P⁻ = 2, S = 3, K = 2/3
	assert.InDelta(t, 2.0, est.PredCovariance().At(0, 0), 1e-12)
	assert.InDelta(t, 3.0, est.InnovationCovariance().At(0, 0), 1e-12)
	assert.InDelta(t, 2.0/3, est.Gain().At(0, 0), 1e-12)
	assert.InDelta(t, 2.0/3, est.State().AtVec(0), 1e-12)
	assert.InDelta(t, 2.0/3, est.Covariance().At(0, 0), 1e-12)
	expLL := -0.5 * (math.Log(2*math.Pi) + math.Log(3) + 1.0/3)
	assert.InDelta(t, expLL, est.LogLikelihood(), 1e-12)
}

func TestVanillaZeroObservationKeepsPrior(t *testing.T) {
	m := &LinearModel{
		A: mat.NewDense(2, 2, []float64{1, 0, 0, 1}),
		Q: mat.NewSymDense(2, nil),
		H: mat.NewDense(1, 2, nil),
		R: Identity(1),
	}
	kf, err := NewVanilla(m)
	require.NoError(t, err)
	prior := MustGaussian([]float64{3, -1}, mat.NewSymDense(2, []float64{2, 0.5, 0.5, 1}))
	seq, err := NewSequence([]*mat.VecDense{mat.NewVecDense(1, []float64{42})}, prior)
	require.NoError(t, err)
	require.NoError(t, kf.Filter(seq))

	assert.True(t, mat.EqualApprox(seq.Filtered[0].Mean, prior.Mean, 1e-12))
	assert.True(t, mat.EqualApprox(seq.Filtered[0].Covar, prior.Covar, 1e-12))
}

func TestVanillaExactObservation(t *testing.T) {
	m := &LinearModel{
		A: mat.NewDense(2, 2, []float64{1, 0, 0, 1}),
		Q: mat.NewSymDense(2, nil),
		H: mat.NewDense(2, 2, []float64{1, 0, 0, 1}),
		R: ScaledIdentity(2, 1e-10),
	}
	kf, err := NewVanilla(m)
	require.NoError(t, err)
	y := mat.NewVecDense(2, []float64{5, -3})
	seq, err := NewSequence([]*mat.VecDense{y}, MustGaussian([]float64{1, 2}, Identity(2)))
	require.NoError(t, err)
	require.NoError(t, kf.Filter(seq))

	assert.True(t, mat.EqualApprox(seq.Filtered[0].Mean, y, 1e-6))
	assert.True(t, mat.EqualApprox(seq.Filtered[0].Covar, mat.NewSymDense(2, nil), 1e-6))
}

func TestVanillaNotPositiveDefinite(t *testing.T) {
	m := &LinearModel{
		A: mat.NewDense(1, 1, []float64{1}),
		Q: mat.NewSymDense(1, nil),
		H: mat.NewDense(1, 1, nil),
		R: mat.NewSymDense(1, nil),
	}
	kf, err := NewVanilla(m)
	require.NoError(t, err)
	seq, err := NewSequence([]*mat.VecDense{mat.NewVecDense(1, []float64{1})}, MustGaussian([]float64{0}, Identity(1)))
	require.NoError(t, err)
	assert.ErrorIs(t, kf.Filter(seq), ErrNotPositiveDefinite)
}

func TestVanillaIllConditioned(t *testing.T) {
	m := &LinearModel{
		A: mat.NewDense(2, 2, []float64{1, 0, 0, 1}),
		Q: mat.NewSymDense(2, nil),
		H: mat.NewDense(2, 2, []float64{1, 0, 0, 1}),
		R: mat.NewSymDense(2, []float64{1, 0, 0, 1e-14}),
	}
	var buf bytes.Buffer
	kf, err := NewVanilla(m, WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))
	require.NoError(t, err)
	prior := MustGaussian([]float64{0, 0}, mat.NewSymDense(2, []float64{1, 0, 0, 1e-14}))
	seq, err := NewSequence([]*mat.VecDense{mat.NewVecDense(2, []float64{1, 0})}, prior)
	require.NoError(t, err)
	require.NoError(t, kf.Filter(seq))

	assert.Equal(t, []int{0}, seq.IllConditioned)
	assert.Contains(t, buf.String(), "ill-conditioned")
}

func TestVanillaFilterResetsSmoother(t *testing.T) {
	m := cvModel(t, 1, 1)
	corpus, _ := simulatedCorpus(t, m, 1, 10, 3)
	seq := corpus[0]
	kf, err := NewVanilla(m)
	require.NoError(t, err)
	rts, err := NewRTS(m)
	require.NoError(t, err)
	require.NoError(t, kf.Filter(seq))
	require.NoError(t, rts.Smooth(seq))
	require.True(t, seq.IsSmoothed())

	require.NoError(t, kf.Filter(seq))
	assert.False(t, seq.IsSmoothed())
	assert.Len(t, seq.LogLikelihood, 10)
	for _, ll := range seq.LogLikelihood {
		assert.False(t, math.IsNaN(ll) || math.IsInf(ll, 0))
	}
}
