package skalman

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Gaussian is a multivariate normal belief. Treat it as immutable: operations
// return new Gaussians rather than modifying their inputs.
type Gaussian struct {
	Mean  *mat.VecDense
	Covar *mat.SymDense
}

// NewGaussian copies the provided mean and covariance into a new Gaussian.
func NewGaussian(mean mat.Vector, covar mat.Symmetric) (Gaussian, error) {
	if mean == nil || covar == nil {
		return Gaussian{}, fmt.Errorf("%w: mean and covariance must be set", ErrDimensionMismatch)
	}
	if err := checkMatDims(mean, covar, "mean", "covar", rows2cols); err != nil {
		return Gaussian{}, err
	}
	return Gaussian{Mean: mat.VecDenseCopyOf(mean), Covar: cloneSym(covar)}, nil
}

// MustGaussian is NewGaussian which panics on error. Meant for literals in tests and examples.
func MustGaussian(mean []float64, covar *mat.SymDense) Gaussian {
	g, err := NewGaussian(mat.NewVecDense(len(mean), mean), covar)
	if err != nil {
		panic(err)
	}
	return g
}

// Dim returns the dimension of the Gaussian.
func (g Gaussian) Dim() int {
	return g.Mean.Len()
}

// Clone returns a deep copy.
func (g Gaussian) Clone() Gaussian {
	return Gaussian{Mean: mat.VecDenseCopyOf(g.Mean), Covar: cloneSym(g.Covar)}
}

// LogDensity returns log N(x; mean, covar). The covariance must be positive definite.
func (g Gaussian) LogDensity(x mat.Vector) (float64, error) {
	if x.Len() != g.Dim() {
		return 0, fmt.Errorf("%w: x has %d rows, gaussian has %d", ErrDimensionMismatch, x.Len(), g.Dim())
	}
	chol, err := factorize(g.Covar, "covar")
	if err != nil {
		return 0, err
	}
	var diff mat.VecDense
	diff.SubVec(x, g.Mean)
	return logDensity(chol, &diff)
}

// logDensity returns the log-density of a zero mean normal with factorized covariance at e.
func logDensity(chol *mat.Cholesky, e *mat.VecDense) (float64, error) {
	var sol mat.VecDense
	if err := chol.SolveVecTo(&sol, e); err != nil {
		if _, ok := err.(mat.Condition); !ok {
			return 0, err
		}
	}
	n := float64(e.Len())
	return -0.5 * (n*math.Log(2*math.Pi) + chol.LogDet() + mat.Dot(e, &sol)), nil
}

func (g Gaussian) String() string {
	return fmt.Sprintf("{\nmean=%v\ncovar=%v\n}", mat.Formatted(g.Mean.T(), mat.Prefix("     ")), mat.Formatted(g.Covar, mat.Prefix("      ")))
}

// Collapse moment-matches a weighted mixture of Gaussians into a single Gaussian.
// Weights must be non-negative with a positive sum; they are normalised here.
// The result has mean Σwᵢμᵢ and covariance Σwᵢ(Pᵢ + (μᵢ-μ)(μᵢ-μ)ᵀ).
func Collapse(weights []float64, components []Gaussian) (Gaussian, error) {
	w, err := normalisedWeights(weights, len(components))
	if err != nil {
		return Gaussian{}, err
	}
	d := components[0].Dim()
	mean := mat.NewVecDense(d, nil)
	for i, c := range components {
		if c.Dim() != d {
			return Gaussian{}, fmt.Errorf("%w: component %d has dimension %d, expected %d", ErrDimensionMismatch, i, c.Dim(), d)
		}
		mean.AddScaledVec(mean, w[i], c.Mean)
	}
	covar := mat.NewDense(d, d, nil)
	var diff mat.VecDense
	for i, c := range components {
		if w[i] == 0 {
			continue
		}
		diff.SubVec(c.Mean, mean)
		spread := outer(&diff, &diff)
		spread.Add(spread, c.Covar)
		spread.Scale(w[i], spread)
		covar.Add(covar, spread)
	}
	return Gaussian{Mean: mean, Covar: symmetrize(covar)}, nil
}

// collapseCross moment-matches the cross-covariance Cov(x, y) of a mixture whose
// components have x-means xs, y-means ys and cross-covariances cross.
func collapseCross(weights []float64, xs, ys []*mat.VecDense, cross []*mat.Dense) (*mat.Dense, error) {
	w, err := normalisedWeights(weights, len(cross))
	if err != nil {
		return nil, err
	}
	rx, ry := xs[0].Len(), ys[0].Len()
	xMean := mat.NewVecDense(rx, nil)
	yMean := mat.NewVecDense(ry, nil)
	for i := range cross {
		xMean.AddScaledVec(xMean, w[i], xs[i])
		yMean.AddScaledVec(yMean, w[i], ys[i])
	}
	out := mat.NewDense(rx, ry, nil)
	var dx, dy mat.VecDense
	for i, c := range cross {
		if w[i] == 0 {
			continue
		}
		dx.SubVec(xs[i], xMean)
		dy.SubVec(ys[i], yMean)
		term := outer(&dx, &dy)
		term.Add(term, c)
		term.Scale(w[i], term)
		out.Add(out, term)
	}
	return out, nil
}

func normalisedWeights(weights []float64, n int) ([]float64, error) {
	if n == 0 {
		return nil, fmt.Errorf("%w: no components to collapse", ErrDimensionMismatch)
	}
	if len(weights) != n {
		return nil, fmt.Errorf("%w: %d weights for %d components", ErrDimensionMismatch, len(weights), n)
	}
	sum := 0.0
	for i, w := range weights {
		if w < 0 || math.IsNaN(w) {
			return nil, fmt.Errorf("%w: weight %d is %g", ErrDegenerateWeights, i, w)
		}
		sum += w
	}
	if sum <= 0 || math.IsInf(sum, 0) {
		return nil, fmt.Errorf("%w: weights sum to %g", ErrDegenerateWeights, sum)
	}
	w := make([]float64, n)
	for i := range weights {
		w[i] = weights[i] / sum
	}
	return w, nil
}

func cloneSym(s mat.Symmetric) *mat.SymDense {
	c := mat.NewSymDense(s.SymmetricDim(), nil)
	c.CopySym(s)
	return c
}
