package skalman

import (
	"errors"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestCheckDims(t *testing.T) {
	i22 := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	i33 := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	methods := []DimensionAgreement{rows2cols, cols2rows, cols2cols, rows2rows, rowsAndcols}
	for _, meth := range methods {
		if err := checkMatDims(i22, i22, "i22", "i22", meth); err != nil {
			t.Fatalf("method %+v fails: %s", meth, err)
		}
		err := checkMatDims(i22, i33, "i22", "i33", meth)
		if err == nil {
			t.Fatalf("method %+v does not error when using i22 and i33 ", meth)
		}
		if !errors.Is(err, ErrDimensionMismatch) {
			t.Fatalf("method %+v returned %v, not a dimension mismatch", meth, err)
		}
	}
}

func TestLikelihoodDecreaseIs(t *testing.T) {
	var err error = &LikelihoodDecrease{Iteration: 3, Previous: -10, Current: -11}
	if !errors.Is(err, ErrLikelihoodDecreased) {
		t.Fatal("LikelihoodDecrease does not unwrap to ErrLikelihoodDecreased")
	}
	var dec *LikelihoodDecrease
	if !errors.As(err, &dec) || dec.Iteration != 3 {
		t.Fatal("errors.As failed on LikelihoodDecrease")
	}
}
