package skalman

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// LinearModel is a linear-Gaussian state-space model:
//
//	x_t = A x_{t-1} + w,  w ~ N(0, Q)
//	y_t = H x_t + v,      v ~ N(0, R)
type LinearModel struct {
	A *mat.Dense    // State transition (d×d)
	Q *mat.SymDense // Process noise covariance (d×d)
	H *mat.Dense    // Observation matrix (m×d)
	R *mat.SymDense // Observation noise covariance (m×m)

	// QStructure is the fixed shape of Q used when a trainer keeps the Q
	// structure. When nil, the Q of the training template is used.
	QStructure *mat.SymDense

	// Regime is the index of the model within a ModelBank.
	Regime int
}

// NewLinearModel returns a new LinearModel from copies of the provided matrices.
// Q and R must be symmetric.
func NewLinearModel(A, Q, H, R mat.Matrix) (*LinearModel, error) {
	Qs, err := AsSymDense(Q)
	if err != nil {
		return nil, fmt.Errorf("Q: %w", err)
	}
	Rs, err := AsSymDense(R)
	if err != nil {
		return nil, fmt.Errorf("R: %w", err)
	}
	m := &LinearModel{A: mat.DenseCopyOf(A), Q: Qs, H: mat.DenseCopyOf(H), R: Rs}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks the dimensions of the model agree.
func (m *LinearModel) Validate() error {
	if m.A == nil || m.Q == nil || m.H == nil || m.R == nil {
		return fmt.Errorf("%w: A, Q, H and R must all be set", ErrDimensionMismatch)
	}
	if err := checkMatDims(m.A, m.A, "A", "A", rows2cols); err != nil {
		return err
	}
	if err := checkMatDims(m.A, m.Q, "A", "Q", rowsAndcols); err != nil {
		return err
	}
	if err := checkMatDims(m.H, m.A, "H", "A", cols2cols); err != nil {
		return err
	}
	if err := checkMatDims(m.H, m.R, "H", "R", rows2rows); err != nil {
		return err
	}
	if m.QStructure != nil {
		if err := checkMatDims(m.Q, m.QStructure, "Q", "QStructure", rowsAndcols); err != nil {
			return err
		}
	}
	return nil
}

// StateDim returns d, the dimension of the latent state.
func (m *LinearModel) StateDim() int {
	r, _ := m.A.Dims()
	return r
}

// ObsDim returns m, the dimension of the observations.
func (m *LinearModel) ObsDim() int {
	r, _ := m.H.Dims()
	return r
}

// Clone returns a deep copy of the model which shares no memory with m.
func (m *LinearModel) Clone() *LinearModel {
	c := &LinearModel{
		A:      mat.DenseCopyOf(m.A),
		Q:      cloneSym(m.Q),
		H:      mat.DenseCopyOf(m.H),
		R:      cloneSym(m.R),
		Regime: m.Regime,
	}
	if m.QStructure != nil {
		c.QStructure = cloneSym(m.QStructure)
	}
	return c
}

// EqualApprox returns whether both models have element-wise equal matrices within tol.
func (m *LinearModel) EqualApprox(o *LinearModel, tol float64) bool {
	return mat.EqualApprox(m.A, o.A, tol) && mat.EqualApprox(m.Q, o.Q, tol) &&
		mat.EqualApprox(m.H, o.H, tol) && mat.EqualApprox(m.R, o.R, tol)
}

func (m *LinearModel) String() string {
	return fmt.Sprintf("A=%v\nQ=%v\nH=%v\nR=%v", mat.Formatted(m.A, mat.Prefix("  ")), mat.Formatted(m.Q, mat.Prefix("  ")), mat.Formatted(m.H, mat.Prefix("  ")), mat.Formatted(m.R, mat.Prefix("  ")))
}

// ModelBank is the set of regimes of a switching model together with the regime
// transition matrix Z, where Z(i,j) = P(regime j at t | regime i at t-1).
// All regimes must share the same state and observation dimensions.
type ModelBank struct {
	Models []*LinearModel
	Z      *mat.Dense
}

// NewModelBank copies the models and Z into a new ModelBank and validates it.
func NewModelBank(models []*LinearModel, Z mat.Matrix) (*ModelBank, error) {
	b := &ModelBank{Models: make([]*LinearModel, len(models)), Z: mat.DenseCopyOf(Z)}
	for i, m := range models {
		b.Models[i] = m.Clone()
		b.Models[i].Regime = i
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// K returns the number of regimes.
func (b *ModelBank) K() int {
	return len(b.Models)
}

// Validate checks every model is valid, all models share their dimensions and
// Z is a row stochastic K×K matrix.
func (b *ModelBank) Validate() error {
	if len(b.Models) == 0 {
		return fmt.Errorf("%w: model bank is empty", ErrDimensionMismatch)
	}
	for i, m := range b.Models {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("regime %d: %w", i, err)
		}
		if m.StateDim() != b.Models[0].StateDim() || m.ObsDim() != b.Models[0].ObsDim() {
			return fmt.Errorf("%w: regime %d is %dx%d, regime 0 is %dx%d", ErrDimensionMismatch, i, m.StateDim(), m.ObsDim(), b.Models[0].StateDim(), b.Models[0].ObsDim())
		}
	}
	if b.Z == nil {
		return fmt.Errorf("%w: Z must be set", ErrNotStochastic)
	}
	if r, _ := b.Z.Dims(); r != len(b.Models) {
		return fmt.Errorf("%w: Z has %d rows for %d regimes", ErrDimensionMismatch, r, len(b.Models))
	}
	return isRowStochastic(b.Z)
}

// Clone returns a deep copy of the bank.
func (b *ModelBank) Clone() *ModelBank {
	c := &ModelBank{Models: make([]*LinearModel, len(b.Models)), Z: mat.DenseCopyOf(b.Z)}
	for i, m := range b.Models {
		c.Models[i] = m.Clone()
	}
	return c
}
