package skalman

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func perturbed(m *LinearModel, qScale, rScale float64) *LinearModel {
	p := m.Clone()
	p.Q.ScaleSym(qScale, p.Q)
	p.R.ScaleSym(rScale, p.R)
	return p
}

func assertNonDecreasing(t *testing.T, trace []float64, tol float64) {
	t.Helper()
	for i := 1; i < len(trace); i++ {
		assert.GreaterOrEqual(t, trace[i], trace[i-1]-tol, "iteration %d: %f -> %f", i, trace[i-1], trace[i])
	}
}

func TestEMNonDecreasing(t *testing.T) {
	for seed := uint64(1); seed <= 5; seed++ {
		truth := cvModel(t, 0.2*float64(seed), float64(seed))
		corpus, _ := simulatedCorpus(t, truth, 3, 40, seed)

		cfg := DefaultEMConfig()
		cfg.MaxIters = 15
		cfg.Threshold = 0
		em, err := NewLinearGaussianEM(perturbed(truth, 4, 0.25), cfg)
		require.NoError(t, err)
		res, err := em.Train(corpus)
		require.NoError(t, err)

		assert.Nil(t, res.Decrease, "seed %d", seed)
		assertNonDecreasing(t, res.LogLikelihoods, 1e-6)
		assert.Equal(t, len(res.LogLikelihoods), res.Iterations)
		for _, ll := range res.LogLikelihoods {
			assert.False(t, math.IsNaN(ll) || math.IsInf(ll, 0))
		}
		assert.Greater(t, res.LogLikelihoods[len(res.LogLikelihoods)-1], res.LogLikelihoods[0], "seed %d", seed)
	}
}

func TestEMWithoutLearningIsIdentity(t *testing.T) {
	m := cvModel(t, 1, 2)
	corpus, _ := simulatedCorpus(t, m, 2, 25, 7)
	initials := snapshotInitialStates(corpus)

	expected := 0.0
	for _, seq := range cloneCorpus(t, corpus) {
		ll, err := LogLikelihood(seq, m)
		require.NoError(t, err)
		expected += ll
	}

	cfg := EMConfig{MaxIters: 1, Workers: 1}
	em, err := NewLinearGaussianEM(m, cfg)
	require.NoError(t, err)
	res, err := em.Train(corpus)
	require.NoError(t, err)

	require.Len(t, res.LogLikelihoods, 1)
	assert.InDelta(t, expected, res.LogLikelihoods[0], 1e-9)
	assert.True(t, res.Model.EqualApprox(m, 0))
	assert.False(t, res.Converged)
	for i, seq := range corpus {
		assert.True(t, mat.Equal(seq.InitialState.Mean, initials[i].Mean))
	}
}

func TestEMTemplateUntouched(t *testing.T) {
	m := cvModel(t, 1, 2)
	orig := m.Clone()
	corpus, _ := simulatedCorpus(t, m, 2, 25, 8)
	em, err := NewLinearGaussianEM(perturbed(m, 2, 2), DefaultEMConfig())
	require.NoError(t, err)
	_, err = em.Train(corpus)
	require.NoError(t, err)
	assert.True(t, m.EqualApprox(orig, 0))
	assert.True(t, em.template.EqualApprox(perturbed(m, 2, 2), 0))
}

func TestEMLearnsInitialState(t *testing.T) {
	m := cvModel(t, 0.5, 1)
	corpus, _ := simulatedCorpus(t, m, 1, 30, 9)
	before := corpus[0].InitialState.Clone()

	cfg := DefaultEMConfig()
	cfg.MaxIters = 2
	cfg.LearnA, cfg.LearnQ, cfg.LearnH, cfg.LearnR = false, false, false, false
	em, err := NewLinearGaussianEM(m, cfg)
	require.NoError(t, err)
	res, err := em.Train(corpus)
	require.NoError(t, err)
	require.Len(t, res.LogLikelihoods, 2)
	assert.GreaterOrEqual(t, res.LogLikelihoods[1], res.LogLikelihoods[0])
	assert.Less(t, corpus[0].InitialState.Covar.At(0, 0), before.Covar.At(0, 0))
}

func TestEMKeepQStructure(t *testing.T) {
	m := cvModel(t, 1, 2)
	corpus, _ := simulatedCorpus(t, m, 2, 40, 10)

	cfg := DefaultEMConfig()
	cfg.MaxIters = 5
	cfg.KeepQStructure = true
	em, err := NewLinearGaussianEM(perturbed(m, 3, 1), cfg)
	require.NoError(t, err)
	res, err := em.Train(corpus)
	require.NoError(t, err)

	q := res.Model.Q.At(0, 0) / m.Q.At(0, 0)
	var expected mat.SymDense
	expected.ScaleSym(q, m.Q)
	assert.True(t, mat.EqualApprox(res.Model.Q, &expected, 1e-9), "Q=%v", mat.Formatted(res.Model.Q))
	assertNonDecreasing(t, res.LogLikelihoods, 1e-6)
}

func TestEMDiagonalQ(t *testing.T) {
	m := cvModel(t, 1, 2)
	corpus, _ := simulatedCorpus(t, m, 2, 40, 12)

	start := m.Clone()
	start.Q = diagonal(m.Q)
	cfg := DefaultEMConfig()
	cfg.MaxIters = 3
	cfg.DiagonalQ = true
	em, err := NewLinearGaussianEM(start, cfg)
	require.NoError(t, err)
	res, err := em.Train(corpus)
	require.NoError(t, err)
	assert.Zero(t, res.Model.Q.At(0, 1))
	assert.Greater(t, res.Model.Q.At(0, 0), 0.0)
	assert.Greater(t, res.Model.Q.At(1, 1), 0.0)
}

func TestEMParallelMatchesSequential(t *testing.T) {
	m := cvModel(t, 1, 2)
	corpus, _ := simulatedCorpus(t, m, 6, 30, 13)

	cfg := DefaultEMConfig()
	cfg.MaxIters = 5
	em, err := NewLinearGaussianEM(perturbed(m, 2, 0.5), cfg)
	require.NoError(t, err)
	seqRes, err := em.Train(cloneCorpus(t, corpus))
	require.NoError(t, err)

	cfg.Workers = 4
	em, err = NewLinearGaussianEM(perturbed(m, 2, 0.5), cfg)
	require.NoError(t, err)
	parRes, err := em.Train(cloneCorpus(t, corpus))
	require.NoError(t, err)

	assert.Equal(t, seqRes.LogLikelihoods, parRes.LogLikelihoods)
	assert.True(t, seqRes.Model.EqualApprox(parRes.Model, 0))
}

func TestEMStopsOnDecrease(t *testing.T) {
	m := cvModel(t, 0.5, 1)
	corpus, _ := simulatedCorpus(t, m, 3, 40, 14)

	cfg := DefaultEMConfig()
	cfg.MaxIters = 5
	em, err := NewLinearGaussianEM(m, cfg)
	require.NoError(t, err)
	// An update which inflates R far beyond the simulated noise lowers the likelihood.
	em.maximize = func(model *LinearModel, _ []*Sequence) (*LinearModel, error) {
		return perturbed(model, 1, 50), nil
	}
	res, err := em.Train(corpus)
	require.NoError(t, err)

	require.NotNil(t, res.Decrease)
	assert.True(t, errors.Is(res.Decrease, ErrLikelihoodDecreased))
	assert.Equal(t, 1, res.Decrease.Iteration)
	require.Len(t, res.LogLikelihoods, 1)
	assert.Equal(t, 1, res.Iterations)
	assert.False(t, res.Converged)
	assert.True(t, res.Model.EqualApprox(m, 0))

	total := 0.0
	for _, seq := range res.Corpus {
		total += seq.TotalLogLikelihood()
	}
	assert.InDelta(t, res.LogLikelihoods[0], total, 1e-9)
}

func TestEMWishartPrior(t *testing.T) {
	truth := cvModel(t, 0.01, 0.01)
	corpus, _ := simulatedCorpus(t, truth, 3, 40, 15)

	cfg := DefaultEMConfig()
	cfg.LearnH = false
	cfg.LearnA = false
	em, err := NewLinearGaussianEM(truth, cfg)
	require.NoError(t, err)
	ml, err := em.Train(cloneCorpus(t, corpus))
	require.NoError(t, err)
	assert.Equal(t, ml.LogLikelihoods, ml.Objectives)

	const scale = 10
	cfg.Prior = &WishartPrior{Scale: scale}
	em, err = NewLinearGaussianEM(truth, cfg)
	require.NoError(t, err)
	res, err := em.Train(cloneCorpus(t, corpus))
	require.NoError(t, err)

	assert.Nil(t, res.Decrease)
	assert.Greater(t, res.Iterations, 1)
	require.Len(t, res.Objectives, len(res.LogLikelihoods))
	assertNonDecreasing(t, res.Objectives, 1e-9*math.Abs(res.Objectives[0]))
	for i := range res.Objectives {
		assert.NotEqual(t, res.LogLikelihoods[i], res.Objectives[i])
	}

	// The prior mode of a d dimensional covariance is Scale/(d+1) I.
	rMode, qMode := scale/2.0, scale/3.0
	assert.Greater(t, res.Model.R.At(0, 0), ml.Model.R.At(0, 0))
	assert.Less(t, res.Model.R.At(0, 0), rMode)
	for i := 0; i < 2; i++ {
		assert.Greater(t, res.Model.Q.At(i, i), ml.Model.Q.At(i, i), "Q(%d,%d)", i, i)
		assert.Less(t, res.Model.Q.At(i, i), qMode, "Q(%d,%d)", i, i)
	}
}

func TestDecreasedIsRelative(t *testing.T) {
	assert.False(t, decreased(-1e5, -1e5-0.01, 1e-6), "roundoff on a large total")
	assert.True(t, decreased(-1e5, -1e5-1, 1e-6))
	assert.True(t, decreased(0, -2e-6, 1e-6))
	assert.False(t, decreased(0, -5e-7, 1e-6))
	assert.False(t, decreased(-10, -9, 1e-6))
}

func TestEMErrors(t *testing.T) {
	m := cvModel(t, 1, 1)
	_, err := NewLinearGaussianEM(m, EMConfig{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewLinearGaussianEM(nil, DefaultEMConfig())
	assert.Error(t, err)

	em, err := NewLinearGaussianEM(m, DefaultEMConfig())
	require.NoError(t, err)
	_, err = em.Train(nil)
	assert.ErrorIs(t, err, ErrEmptySequence)

	seq, err := NewSequence([]*mat.VecDense{mat.NewVecDense(2, []float64{1, 2})}, MustGaussian([]float64{0, 0}, Identity(2)))
	require.NoError(t, err)
	_, err = em.Train([]*Sequence{seq})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}
