package backend

import "fmt"

// DType describes a tensor's element encoding. Sessions exchange two kinds:
// int64 for ids, masks and positions, float32 for logits and cache buffers.
type DType uint8

const (
	I64 DType = iota
	F32
)

func (d DType) String() string {
	switch d {
	case I64:
		return "i64"
	case F32:
		return "f32"
	default:
		return fmt.Sprintf("dtype(%d)", uint8(d))
	}
}

// Tensor is a named-slot value: a shape plus a flat, row-major buffer of the
// matching dtype. Exactly one of Ints and Floats is populated. Views into
// the buffer are taken through checked accessors, never raw offsets.
type Tensor struct {
	DType DType
	Shape []int
	Ints  []int64
	Float []float32
}

// NewI64 builds an int64 tensor, validating that the buffer matches shape.
func NewI64(shape []int, data []int64) (*Tensor, error) {
	n, err := numel(shape)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, fmt.Errorf("backend: shape %v wants %d elements, buffer has %d", shape, n, len(data))
	}
	return &Tensor{DType: I64, Shape: shape, Ints: data}, nil
}

// NewF32 builds a float32 tensor, validating that the buffer matches shape.
func NewF32(shape []int, data []float32) (*Tensor, error) {
	n, err := numel(shape)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, fmt.Errorf("backend: shape %v wants %d elements, buffer has %d", shape, n, len(data))
	}
	return &Tensor{DType: F32, Shape: shape, Float: data}, nil
}

// Numel returns the element count implied by the shape.
func (t *Tensor) Numel() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Dim returns the size of dimension i, or 1 when the dimension is absent,
// so trailing-dimension queries work on any rank.
func (t *Tensor) Dim(i int) int {
	if i < 0 || i >= len(t.Shape) {
		return 1
	}
	return t.Shape[i]
}

// Rows treats the tensor as a stack of rows of width the last dimension and
// returns the row count.
func (t *Tensor) Rows() int {
	w := t.rowWidth()
	if w == 0 {
		return 0
	}
	return t.Numel() / w
}

// FloatRow returns a bounds-checked view of row i of a float32 tensor,
// where a row spans the last dimension. The controller reads logits rows
// through this: row seq-1 of a {1, seq, vocab} tensor is the distribution
// for the newest position.
func (t *Tensor) FloatRow(i int) ([]float32, error) {
	if t.DType != F32 {
		return nil, fmt.Errorf("backend: FloatRow on %s tensor", t.DType)
	}
	w := t.rowWidth()
	rows := t.Rows()
	if i < 0 || i >= rows {
		return nil, fmt.Errorf("backend: row %d out of range (rows=%d, shape=%v)", i, rows, t.Shape)
	}
	return t.Float[i*w : (i+1)*w], nil
}

func (t *Tensor) rowWidth() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[len(t.Shape)-1]
}

func numel(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("backend: negative dimension in shape %v", shape)
		}
		n *= d
	}
	return n, nil
}
