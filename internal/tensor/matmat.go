package tensor

import (
	"fmt"

	"github.com/samcharles93/avq/pkg/avf"
)

// MatMat computes the batched product in * Q^T for an input batch of shape
// [batch, in_features], returning [batch, out_features] in the input's
// dtype. Each batch row is an independent matvec; the per-output-row scales
// are broadcast once over the accumulated result, after all rows have
// finished.
//
// The input dtype must match the dtype the quantized matrix was calibrated
// in. All validation happens before any kernel work, so an error return
// implies nothing was computed.
func MatMat(ctx *Ctx, q *Quantized, in *Mat) (Mat, error) {
	if ctx == nil {
		ctx = Default()
	}
	if in.DType != q.dtype {
		return Mat{}, fmt.Errorf("%w: input is %s, quantized matrix is %s",
			ErrDType, in.DType, q.dtype)
	}
	if in.C != q.in {
		return Mat{}, fmt.Errorf("%w: input last dimension %d, want in_features %d",
			ErrShape, in.C, q.in)
	}

	batch := in.R
	acc := make([]float32, batch*q.out)

	if batch == 1 {
		// A single input row parallelizes over output rows instead.
		x := in.Row(0)
		if err := MatVec(ctx, acc, q, x); err != nil {
			return Mat{}, err
		}
	} else {
		ctx.pool.run(batch, func(bs, be int) {
			var lut []float32
			if q.scheme == Scheme2x8 {
				lut = ctx.getLUT(q.groups * 2 * 256)
				defer ctx.putLUT(lut)
			}
			var xbuf []float32
			if in.Raw != nil && in.DType != avf.DTypeF32 {
				xbuf = ctx.getRowBuf(in.C)
				defer ctx.putRowBuf(xbuf)
			}
			for b := bs; b < be; b++ {
				var x []float32
				if xbuf != nil {
					in.RowTo(xbuf, b)
					x = xbuf
				} else {
					x = in.Data[b*in.Stride : b*in.Stride+in.C]
				}
				dst := acc[b*q.out : (b+1)*q.out]
				switch q.scheme {
				case Scheme1x16:
					code1x16MatVecRange(dst, q, x, 0, q.out)
				case Scheme2x8:
					buildCode2x8LUT(lut, q, x)
					code2x8MatVecRange(dst, q, lut, 0, q.out)
				default:
					codeGenericMatVecRange(dst, q, x, 0, q.out)
				}
			}
		})
	}

	// pool.run has joined; every partial sum is final before scaling.
	scaleRows(acc, q.out, batch, q.scales)

	switch in.DType {
	case avf.DTypeF16:
		return Mat{R: batch, C: q.out, Stride: q.out, DType: avf.DTypeF16, Raw: encodeFP16Raw(acc)}, nil
	case avf.DTypeBF16:
		return Mat{R: batch, C: q.out, Stride: q.out, DType: avf.DTypeBF16, Raw: encodeBF16Raw(acc)}, nil
	default:
		return Mat{R: batch, C: q.out, Stride: q.out, DType: avf.DTypeF32, Data: acc}, nil
	}
}

// scaleRows multiplies column j of every row by scales[j].
func scaleRows(data []float32, stride, rows int, scales []float32) {
	for r := 0; r < rows; r++ {
		row := data[r*stride : r*stride+len(scales)]
		for j, s := range scales {
			row[j] *= s
		}
	}
}

// MatMatShape maps an input shape with arbitrary leading dimensions onto the
// product's output shape: the last dimension must equal in_features and is
// replaced by out_features. Callers with >2-D inputs flatten the leading
// dimensions into the batch axis, run MatMat, and reshape with the result of
// this function.
func MatMatShape(q *Quantized, dims []int) ([]int, error) {
	if len(dims) == 0 {
		return nil, fmt.Errorf("%w: input has no dimensions", ErrShape)
	}
	last := dims[len(dims)-1]
	if last != q.in {
		return nil, fmt.Errorf("%w: input last dimension %d, want in_features %d",
			ErrShape, last, q.in)
	}
	out := make([]int, len(dims))
	copy(out, dims)
	out[len(out)-1] = q.out
	return out, nil
}

// FlattenBatch computes the product of all leading dimensions, the batch
// size MatMat sees after flattening.
func FlattenBatch(dims []int) int {
	batch := 1
	for _, d := range dims[:len(dims)-1] {
		batch *= d
	}
	return batch
}
