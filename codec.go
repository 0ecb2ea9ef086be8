package skalman

import (
	"bytes"
	"compress/gzip"
	"encoding/gob"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Trained models are stored as gzip-compressed gob blobs of the types below.

type matrixBlob struct {
	Rows, Cols int
	Data       []float64
}

type modelBlob struct {
	A, Q, H, R matrixBlob
	QStructure *matrixBlob
	Regime     int
}

type axisBlob struct {
	Latitude, Longitude modelBlob
}

type bankBlob struct {
	Models []modelBlob
	Z      matrixBlob
}

func toBlob(m mat.Matrix) matrixBlob {
	r, c := m.Dims()
	b := matrixBlob{Rows: r, Cols: c, Data: make([]float64, 0, r*c)}
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			b.Data = append(b.Data, m.At(i, j))
		}
	}
	return b
}

func (b matrixBlob) dense() (*mat.Dense, error) {
	if b.Rows <= 0 || b.Cols <= 0 || len(b.Data) != b.Rows*b.Cols {
		return nil, fmt.Errorf("%w: corrupt %dx%d matrix with %d elements", ErrDimensionMismatch, b.Rows, b.Cols, len(b.Data))
	}
	return mat.NewDense(b.Rows, b.Cols, append([]float64(nil), b.Data...)), nil
}

func (b matrixBlob) sym() (*mat.SymDense, error) {
	d, err := b.dense()
	if err != nil {
		return nil, err
	}
	return AsSymDense(d)
}

func newModelBlob(m *LinearModel) modelBlob {
	b := modelBlob{A: toBlob(m.A), Q: toBlob(m.Q), H: toBlob(m.H), R: toBlob(m.R), Regime: m.Regime}
	if m.QStructure != nil {
		s := toBlob(m.QStructure)
		b.QStructure = &s
	}
	return b
}

func (b modelBlob) model() (*LinearModel, error) {
	var (
		m   = &LinearModel{Regime: b.Regime}
		err error
	)
	if m.A, err = b.A.dense(); err != nil {
		return nil, fmt.Errorf("A: %w", err)
	}
	if m.Q, err = b.Q.sym(); err != nil {
		return nil, fmt.Errorf("Q: %w", err)
	}
	if m.H, err = b.H.dense(); err != nil {
		return nil, fmt.Errorf("H: %w", err)
	}
	if m.R, err = b.R.sym(); err != nil {
		return nil, fmt.Errorf("R: %w", err)
	}
	if b.QStructure != nil {
		if m.QStructure, err = b.QStructure.sym(); err != nil {
			return nil, fmt.Errorf("QStructure: %w", err)
		}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func encodeBlob(v any) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := gob.NewEncoder(zw).Encode(v); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeBlob(data []byte, v any) error {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer zr.Close()
	return gob.NewDecoder(zr).Decode(v)
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (m *LinearModel) MarshalBinary() ([]byte, error) {
	return encodeBlob(newModelBlob(m))
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *LinearModel) UnmarshalBinary(data []byte) error {
	var b modelBlob
	if err := decodeBlob(data, &b); err != nil {
		return fmt.Errorf("decoding model: %w", err)
	}
	dec, err := b.model()
	if err != nil {
		return err
	}
	*m = *dec
	return nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (a AxisModels) MarshalBinary() ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return encodeBlob(axisBlob{Latitude: newModelBlob(a.Latitude), Longitude: newModelBlob(a.Longitude)})
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (a *AxisModels) UnmarshalBinary(data []byte) error {
	var b axisBlob
	if err := decodeBlob(data, &b); err != nil {
		return fmt.Errorf("decoding axis models: %w", err)
	}
	lat, err := b.Latitude.model()
	if err != nil {
		return fmt.Errorf("latitude: %w", err)
	}
	lon, err := b.Longitude.model()
	if err != nil {
		return fmt.Errorf("longitude: %w", err)
	}
	a.Latitude, a.Longitude = lat, lon
	return nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (b *ModelBank) MarshalBinary() ([]byte, error) {
	blob := bankBlob{Models: make([]modelBlob, len(b.Models)), Z: toBlob(b.Z)}
	for i, m := range b.Models {
		blob.Models[i] = newModelBlob(m)
	}
	return encodeBlob(blob)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (b *ModelBank) UnmarshalBinary(data []byte) error {
	var blob bankBlob
	if err := decodeBlob(data, &blob); err != nil {
		return fmt.Errorf("decoding model bank: %w", err)
	}
	dec := &ModelBank{Models: make([]*LinearModel, len(blob.Models))}
	for i, mb := range blob.Models {
		m, err := mb.model()
		if err != nil {
			return fmt.Errorf("regime %d: %w", i, err)
		}
		dec.Models[i] = m
	}
	z, err := blob.Z.dense()
	if err != nil {
		return fmt.Errorf("Z: %w", err)
	}
	dec.Z = z
	if err := dec.Validate(); err != nil {
		return err
	}
	*b = *dec
	return nil
}
