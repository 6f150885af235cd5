package tensor

import (
	"fmt"

	"github.com/samcharles93/avq/pkg/avf"
)

// Scheme identifies the (num_codebooks, bits) parameterization of a
// quantized matrix. The two named schemes have specialized kernels; every
// other pair runs on the generic path.
type Scheme uint8

const (
	SchemeGeneric Scheme = iota
	Scheme1x16           // 1 codebook, 16-bit codes (65536 entries)
	Scheme2x8            // 2 codebooks, 8-bit codes (256 entries each)
)

func (s Scheme) String() string {
	switch s {
	case Scheme1x16:
		return "1x16"
	case Scheme2x8:
		return "2x8"
	default:
		return "generic"
	}
}

func schemeFor(numCodebooks, bits int) Scheme {
	switch {
	case numCodebooks == 1 && bits == 16:
		return Scheme1x16
	case numCodebooks == 2 && bits == 8:
		return Scheme2x8
	default:
		return SchemeGeneric
	}
}

// Quantized is the deployable representation of one linear layer's weight
// matrix: learned codebooks, per-row integer codes and per-row scales. It is
// produced once by a calibration pipeline and is immutable afterwards; the
// kernel layer only reads it. Each linear layer exclusively owns one
// Quantized.
//
// In-memory layout (all row-major, fixed stride):
//
//	books  [num_codebooks * entries * group_size]  reconstruction vectors
//	codes  [out * groups * codesPerGroup]          packed per scheme
//	scales [out]
//
// The 1x16 scheme stores one uint16 index per group; 2x8 packs its two 8-bit
// indices into one uint16 (codebook 0 in the low byte); the generic scheme
// stores num_codebooks separate uint16 values per group.
type Quantized struct {
	out          int
	in           int
	groupSize    int
	numCodebooks int
	bits         int

	dtype avf.TensorDType // source precision of books and scales

	books  []float32
	codes  []uint16
	scales []float32

	groups        int
	entries       int
	codesPerGroup int
	scheme        Scheme
}

// NewQuantized builds a quantized matrix after full validation: shape
// consistency of all three tensors against the declared dimensions and a
// range check of every code index.
//
// codes is unpacked, laid out [out][in/groupSize][numCodebooks]; books is
// [numCodebooks][2^bits][groupSize] flattened; scales has one entry per
// output row. All slices are retained, not copied.
func NewQuantized(out, in, groupSize, numCodebooks, bits int, books []float32, codes []uint16, scales []float32) (*Quantized, error) {
	q, err := newQuantized(out, in, groupSize, numCodebooks, bits, books, codes, scales)
	if err != nil {
		return nil, err
	}
	limit := uint16(0)
	if bits < 16 {
		limit = uint16(1) << bits
	}
	if limit != 0 {
		for i, c := range codes {
			if c >= limit {
				row := i / (q.groups * numCodebooks)
				return nil, fmt.Errorf("%w: codes[row %d, element %d] = %d, want < %d",
					ErrRange, row, i%(q.groups*numCodebooks), c, limit)
			}
		}
	}
	q.pack(codes)
	return q, nil
}

// NewQuantizedUnchecked is NewQuantized without the per-element range check.
// Shape validation still runs. Intended for trusted pipelines (eg loading an
// artifact this process wrote); an out-of-range code makes kernel results
// undefined, so untrusted inputs must go through NewQuantized.
func NewQuantizedUnchecked(out, in, groupSize, numCodebooks, bits int, books []float32, codes []uint16, scales []float32) (*Quantized, error) {
	q, err := newQuantized(out, in, groupSize, numCodebooks, bits, books, codes, scales)
	if err != nil {
		return nil, err
	}
	q.pack(codes)
	return q, nil
}

func newQuantized(out, in, groupSize, numCodebooks, bits int, books []float32, codes []uint16, scales []float32) (*Quantized, error) {
	if out <= 0 || in <= 0 {
		return nil, fmt.Errorf("%w: features %dx%d must be positive", ErrShape, out, in)
	}
	if groupSize <= 0 {
		return nil, fmt.Errorf("%w: group size %d must be positive", ErrShape, groupSize)
	}
	if numCodebooks <= 0 {
		return nil, fmt.Errorf("%w: %d codebooks", ErrShape, numCodebooks)
	}
	if bits <= 0 || bits > 16 {
		return nil, fmt.Errorf("%w: %d bits per codebook, want 1..16", ErrShape, bits)
	}
	if in%groupSize != 0 {
		return nil, fmt.Errorf("%w: in_features %d not a multiple of group size %d",
			ErrShape, in, groupSize)
	}

	groups := in / groupSize
	entries := 1 << bits
	if want := numCodebooks * entries * groupSize; len(books) != want {
		return nil, fmt.Errorf("%w: codebooks tensor has %d elements, want %d (%d x %d x %d)",
			ErrShape, len(books), want, numCodebooks, entries, groupSize)
	}
	if want := out * groups * numCodebooks; len(codes) != want {
		return nil, fmt.Errorf("%w: codes tensor has %d elements, want %d (%d x %d x %d)",
			ErrShape, len(codes), want, out, groups, numCodebooks)
	}
	if len(scales) != out {
		return nil, fmt.Errorf("%w: scales tensor has %d elements, want %d",
			ErrShape, len(scales), out)
	}

	scheme := schemeFor(numCodebooks, bits)
	codesPerGroup := numCodebooks
	if scheme == Scheme1x16 || scheme == Scheme2x8 {
		codesPerGroup = 1
	}

	return &Quantized{
		out:           out,
		in:            in,
		groupSize:     groupSize,
		numCodebooks:  numCodebooks,
		bits:          bits,
		dtype:         avf.DTypeF32,
		books:         books,
		scales:        scales,
		groups:        groups,
		entries:       entries,
		codesPerGroup: codesPerGroup,
		scheme:        scheme,
	}, nil
}

// pack converts unpacked [out][groups][numCodebooks] codes into the scheme's
// storage layout.
func (q *Quantized) pack(codes []uint16) {
	if q.scheme == Scheme2x8 {
		packed := make([]uint16, q.out*q.groups)
		for i := range packed {
			packed[i] = codes[i*2] | codes[i*2+1]<<8
		}
		q.codes = packed
		return
	}
	// 1x16 and generic layouts match the unpacked layout.
	q.codes = codes
}

// SetDType records the source floating-point precision of books and scales.
// It widens the equivalence tolerance and participates in the dtype check of
// the product drivers; the in-memory values are always f32.
func (q *Quantized) SetDType(dt avf.TensorDType) {
	q.dtype = dt
}

func (q *Quantized) OutFeatures() int { return q.out }

func (q *Quantized) InFeatures() int { return q.in }

func (q *Quantized) GroupSize() int { return q.groupSize }

func (q *Quantized) NumCodebooks() int { return q.numCodebooks }

func (q *Quantized) Bits() int { return q.bits }

func (q *Quantized) Entries() int { return q.entries }

func (q *Quantized) Groups() int { return q.groups }

func (q *Quantized) Scheme() Scheme { return q.scheme }

func (q *Quantized) DType() avf.TensorDType { return q.dtype }

// Scales returns the per-output-row scale vector. The slice is a read-only
// view; callers must not modify it.
func (q *Quantized) Scales() []float32 { return q.scales }

// Codebooks returns the flattened codebook tensor. Read-only view.
func (q *Quantized) Codebooks() []float32 { return q.books }

// RowCodes returns the unpacked code sequence for one output row, laid out
// [groups][numCodebooks]. It allocates; meant for testing and debug tooling,
// not the product hot path.
func (q *Quantized) RowCodes(row int) ([]uint16, error) {
	if row < 0 || row >= q.out {
		return nil, fmt.Errorf("%w: row %d, want < %d", ErrDimension, row, q.out)
	}
	out := make([]uint16, q.groups*q.numCodebooks)
	switch q.scheme {
	case Scheme2x8:
		base := row * q.groups
		for g := 0; g < q.groups; g++ {
			c := q.codes[base+g]
			out[g*2] = c & 0xFF
			out[g*2+1] = c >> 8
		}
	default:
		copy(out, q.codes[row*q.groups*q.numCodebooks:(row+1)*q.groups*q.numCodebooks])
	}
	return out, nil
}

// CodesU16 exports the codes in the canonical unpacked layout
// [out][groups][numCodebooks]. Used by the artifact save path, which
// persists codes in this layout regardless of scheme.
func (q *Quantized) CodesU16() []uint16 {
	if q.scheme != Scheme2x8 {
		out := make([]uint16, len(q.codes))
		copy(out, q.codes)
		return out
	}
	out := make([]uint16, q.out*q.groups*2)
	for i, c := range q.codes {
		out[i*2] = c & 0xFF
		out[i*2+1] = c >> 8
	}
	return out
}

// bookEntry returns the group_size-length reconstruction vector for entry e
// of codebook k.
func (q *Quantized) bookEntry(k, e int) []float32 {
	base := (k*q.entries + e) * q.groupSize
	return q.books[base : base+q.groupSize]
}

// ReconstructRow materializes one output row of the dense weight matrix into
// dst (length exactly in_features), without applying the row scale. This is
// the reference reconstruction every kernel must agree with.
func (q *Quantized) ReconstructRow(dst []float32, row int) error {
	if row < 0 || row >= q.out {
		return fmt.Errorf("%w: row %d, want < %d", ErrDimension, row, q.out)
	}
	if len(dst) != q.in {
		return fmt.Errorf("%w: row buffer has %d elements, want %d", ErrDimension, len(dst), q.in)
	}
	for i := 0; i < q.in; i++ {
		dst[i] = 0
	}
	codes, err := q.RowCodes(row)
	if err != nil {
		return err
	}
	for g := 0; g < q.groups; g++ {
		seg := dst[g*q.groupSize : (g+1)*q.groupSize]
		for k := 0; k < q.numCodebooks; k++ {
			addTo(seg, q.bookEntry(k, int(codes[g*q.numCodebooks+k])))
		}
	}
	return nil
}

// Dense materializes the full scaled weight matrix. Debug and evaluation
// helper; never called by the product kernels.
func (q *Quantized) Dense() (*Mat, error) {
	m := NewMat(q.out, q.in)
	for r := 0; r < q.out; r++ {
		row := m.Data[r*m.Stride : r*m.Stride+q.in]
		if err := q.ReconstructRow(row, r); err != nil {
			return nil, err
		}
		s := q.scales[r]
		for i := range row {
			row[i] *= s
		}
	}
	return &m, nil
}
