package tensor

import (
	"math"
	"math/rand"

	"github.com/samcharles93/avq/pkg/avf"
)

// Mat represents a dense row-major matrix of floating-point values; the
// kernel layer uses it for activation batches and product outputs.
//
// R and C are the number of rows and columns. Stride is the number of
// elements between the starts of two consecutive rows (equal to C for
// row-major matrices). For f32 matrices Data holds the values directly; for
// f16/bf16 matrices Raw holds the little-endian element bytes and rows are
// decoded on demand to keep memory bandwidth low.
//
// Mat performs no memory safety beyond Go's slice checks; out-of-range
// indices panic.
type Mat struct {
	R, C   int
	Stride int

	DType avf.TensorDType
	Data  []float32
	Raw   []byte
}

// NewMat allocates a zero-initialised f32 matrix.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		DType:  avf.DTypeF32,
		Data:   make([]float32, r*c),
	}
}

// NewMatFromData creates an f32 matrix from existing data.
// It checks that the data length matches r*c.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		DType:  avf.DTypeF32,
		Data:   data,
	}
}

// NewMatFromRaw creates a matrix backed by raw little-endian bytes in the
// provided dtype. The raw slice must contain exactly r*c elements in
// row-major layout. F32 raw bytes are decoded eagerly; half-precision stays
// raw and is decoded per row.
func NewMatFromRaw(r, c int, dtype avf.TensorDType, raw []byte) (Mat, error) {
	if r < 0 || c < 0 {
		return Mat{}, errNegativeDim
	}
	elemSize := dtype.ElemSize()
	if elemSize == 0 || !dtype.Float() {
		return Mat{}, errUnsupportedDType
	}
	want := r * c
	if r != 0 && want/r != c {
		return Mat{}, errMatTooLarge
	}
	wantBytes := want * elemSize
	if want != 0 && wantBytes/want != elemSize {
		return Mat{}, errMatTooLarge
	}
	if len(raw) != wantBytes {
		return Mat{}, errRawSizeMismatch
	}
	if dtype == avf.DTypeF32 {
		data := make([]float32, want)
		for i := 0; i < want; i++ {
			off := i * 4
			bits := uint32(raw[off]) | uint32(raw[off+1])<<8 |
				uint32(raw[off+2])<<16 | uint32(raw[off+3])<<24
			data[i] = math.Float32frombits(bits)
		}
		return Mat{R: r, C: c, Stride: c, DType: dtype, Data: data}, nil
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		DType:  dtype,
		Raw:    raw,
	}, nil
}

// Row returns the i-th row. For f32 matrices the returned slice is a view;
// modifications update the matrix. For raw-backed matrices it is a decoded
// copy.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	if m.Raw == nil || m.DType == avf.DTypeF32 {
		start := i * m.Stride
		return m.Data[start : start+m.C]
	}
	row := make([]float32, m.C)
	m.RowTo(row, i)
	return row
}

// RowTo decodes the i-th row into dst. dst must have length >= C.
func (m *Mat) RowTo(dst []float32, i int) {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	if len(dst) < m.C {
		panic("row buffer too small")
	}
	start := i * m.Stride
	if m.Raw == nil || m.DType == avf.DTypeF32 {
		copy(dst[:m.C], m.Data[start:start+m.C])
		return
	}

	rowBytes := m.Stride * 2
	off := i * rowBytes
	raw := m.Raw[off : off+m.C*2]
	u16s, fast := rawUint16LE(raw)
	switch m.DType {
	case avf.DTypeBF16:
		if fast {
			for j, u := range u16s {
				dst[j] = bf16ToF32Table(u)
			}
			return
		}
		for j := 0; j < m.C; j++ {
			dst[j] = bf16ToF32Table(u16le(raw, j*2))
		}
	case avf.DTypeF16:
		if fast {
			for j, u := range u16s {
				dst[j] = fp16ToF32Table(u)
			}
			return
		}
		for j := 0; j < m.C; j++ {
			dst[j] = fp16ToF32Table(u16le(raw, j*2))
		}
	default:
		panic("unsupported dtype for row decode")
	}
}

// FillRand fills the matrix with reproducible pseudo-random values in a
// small range around zero. The seed controls the sequence; identical seeds
// produce identical matrices.
func FillRand(m *Mat, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	if m.Raw != nil && m.DType != avf.DTypeF32 {
		panic("FillRand only supports f32 mats")
	}
	for i := range m.Data {
		m.Data[i] = (rng.Float32() - 0.5) * 0.02 // roughly in (-0.01,0.01)
	}
}

var (
	errNegativeDim      = fmtError("negative dimension for matrix")
	errUnsupportedDType = fmtError("unsupported dtype for raw matrix")
	errMatTooLarge      = fmtError("matrix too large")
	errRawSizeMismatch  = fmtError("raw data length mismatch")
)

type fmtError string

func (e fmtError) Error() string { return string(e) }
