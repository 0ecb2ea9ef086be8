package skalman

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAxisSequences(t *testing.T) {
	track := orb.LineString{{-4.5, 48.3}, {-4.49, 48.31}, {-4.48, 48.33}}
	lat, lon, err := AxisSequences(track, DefaultTrackScale)
	require.NoError(t, err)
	require.Equal(t, 3, lat.Len())
	require.Equal(t, 3, lon.Len())

	assert.InDelta(t, 4830, lat.Measurements[0].AtVec(0), 1e-9)
	assert.InDelta(t, 4833, lat.Measurements[2].AtVec(0), 1e-9)
	assert.InDelta(t, -450, lon.Measurements[0].AtVec(0), 1e-9)
	assert.InDelta(t, -448, lon.Measurements[2].AtVec(0), 1e-9)

	assert.InDeltaSlice(t, []float64{4830, 0}, lat.InitialState.Mean.RawVector().Data, 1e-9)
	assert.InDeltaSlice(t, []float64{-450, 0}, lon.InitialState.Mean.RawVector().Data, 1e-9)
	assert.Equal(t, 1.0, lat.InitialState.Covar.At(0, 0))
	assert.Equal(t, 0.0, lat.InitialState.Covar.At(0, 1))
}

func TestAxisSequencesErrors(t *testing.T) {
	_, _, err := AxisSequences(nil, DefaultTrackScale)
	assert.ErrorIs(t, err, ErrEmptySequence)
	_, _, err = AxisSequences(orb.LineString{{0, 0}}, 0)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, _, err = AxisSequences(orb.LineString{{0, 0}, {10, 95}}, DefaultTrackScale)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	_, _, err = AxisSequences(orb.LineString{{-181, 0}}, DefaultTrackScale)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestAxisCorpora(t *testing.T) {
	tracks := []orb.LineString{{{1, 2}, {1.1, 2.1}}, {{3, 4}}}
	lat, lon, err := AxisCorpora(tracks, 1)
	require.NoError(t, err)
	require.Len(t, lat, 2)
	require.Len(t, lon, 2)
	assert.Equal(t, 2.0, lat[0].Measurements[0].AtVec(0))
	assert.Equal(t, 3.0, lon[1].Measurements[0].AtVec(0))

	_, _, err = AxisCorpora([]orb.LineString{{{1, 2}}, {}}, 1)
	assert.ErrorIs(t, err, ErrEmptySequence)
}
