package skalman

import (
	"fmt"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/mat"
)

// DefaultTrackScale scales degrees of latitude and longitude before filtering.
const DefaultTrackScale = 100

// AxisSequences splits a lat/lon track into one sequence of scalar
// measurements per axis. Coordinates are multiplied by scale, and each
// sequence starts from N([y₀, 0], I₂): the first measurement at rest.
func AxisSequences(track orb.LineString, scale float64) (lat, lon *Sequence, err error) {
	if len(track) == 0 {
		return nil, nil, ErrEmptySequence
	}
	if scale == 0 {
		return nil, nil, fmt.Errorf("%w: scale must be non-zero", ErrInvalidConfig)
	}
	b := track.Bound()
	if b.Min.Lat() < -90 || b.Max.Lat() > 90 || b.Min.Lon() < -180 || b.Max.Lon() > 180 {
		return nil, nil, fmt.Errorf("%w: track bound %v is outside valid coordinates", ErrDimensionMismatch, b)
	}

	lats := make([]*mat.VecDense, len(track))
	lons := make([]*mat.VecDense, len(track))
	for i, p := range track {
		lats[i] = mat.NewVecDense(1, []float64{p.Lat() * scale})
		lons[i] = mat.NewVecDense(1, []float64{p.Lon() * scale})
	}
	lat, err = NewSequence(lats, atRest(lats[0].AtVec(0)))
	if err != nil {
		return nil, nil, err
	}
	lon, err = NewSequence(lons, atRest(lons[0].AtVec(0)))
	if err != nil {
		return nil, nil, err
	}
	return lat, lon, nil
}

// AxisCorpora splits every track of a category with AxisSequences.
func AxisCorpora(tracks []orb.LineString, scale float64) (lat, lon []*Sequence, err error) {
	lat = make([]*Sequence, len(tracks))
	lon = make([]*Sequence, len(tracks))
	for i, tr := range tracks {
		if lat[i], lon[i], err = AxisSequences(tr, scale); err != nil {
			return nil, nil, fmt.Errorf("track %d: %w", i, err)
		}
	}
	return lat, lon, nil
}

func atRest(position float64) Gaussian {
	return Gaussian{Mean: mat.NewVecDense(2, []float64{position, 0}), Covar: Identity(2)}
}
