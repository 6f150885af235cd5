package tensor

import "fmt"

// MatVec computes dst = Q * x over the quantized matrix without applying the
// per-row scales; the product drivers broadcast scales once, after
// accumulation. dst must hold exactly one element per output row. Validation
// runs before any work is dispatched, so a returned error implies dst is
// untouched.
func MatVec(ctx *Ctx, dst []float32, q *Quantized, x []float32) error {
	if ctx == nil {
		ctx = Default()
	}
	if len(x) != q.in {
		return fmt.Errorf("%w: input vector has %d elements, want %d", ErrDimension, len(x), q.in)
	}
	if len(dst) != q.out {
		return fmt.Errorf("%w: output buffer has %d elements, want %d", ErrDimension, len(dst), q.out)
	}

	switch q.scheme {
	case Scheme1x16:
		ctx.pool.run(q.out, func(rs, re int) {
			code1x16MatVecRange(dst, q, x, rs, re)
		})
	case Scheme2x8:
		lut := ctx.getLUT(q.groups * 2 * 256)
		buildCode2x8LUT(lut, q, x)
		ctx.pool.run(q.out, func(rs, re int) {
			code2x8MatVecRange(dst, q, lut, rs, re)
		})
		ctx.putLUT(lut)
	default:
		ctx.pool.run(q.out, func(rs, re int) {
			codeGenericMatVecRange(dst, q, x, rs, re)
		})
	}
	return nil
}

// code1x16MatVecRange handles the single-codebook 16-bit scheme: each group
// code selects one reconstruction vector directly, so the row sum is a chain
// of group_size dot products against the input slices. The 65536-entry
// codebook is too large to pre-dot per input vector, so entries are fetched
// on demand.
func code1x16MatVecRange(dst []float32, q *Quantized, x []float32, rs, re int) {
	gs := q.groupSize
	for r := rs; r < re; r++ {
		codes := q.codes[r*q.groups : (r+1)*q.groups]
		var sum float32
		for g, c := range codes {
			entry := q.books[int(c)*gs : (int(c)+1)*gs]
			sum += dotFloat32(entry, x[g*gs:g*gs+gs])
		}
		dst[r] = sum
	}
}

// buildCode2x8LUT pre-computes, for every group and both codebooks, the dot
// product of each of the 256 entries with that group's input slice. Layout
// is lut[(g*2+k)*256+e]. The table costs groups*512 dots once and turns
// every row's contribution into groups*2 table reads, shared across all
// output rows of the call.
func buildCode2x8LUT(lut []float32, q *Quantized, x []float32) {
	gs := q.groupSize
	for g := 0; g < q.groups; g++ {
		xs := x[g*gs : g*gs+gs]
		for k := 0; k < 2; k++ {
			base := (g*2 + k) * 256
			books := q.books[k*256*gs:]
			for e := 0; e < 256; e++ {
				lut[base+e] = dotFloat32(books[e*gs:e*gs+gs], xs)
			}
		}
	}
}

func code2x8MatVecRange(dst []float32, q *Quantized, lut []float32, rs, re int) {
	for r := rs; r < re; r++ {
		codes := q.codes[r*q.groups : (r+1)*q.groups]
		var sum float32
		for g, c := range codes {
			base := g * 2 * 256
			sum += lut[base+int(c&0xFF)] + lut[base+256+int(c>>8)]
		}
		dst[r] = sum
	}
}

// codeGenericMatVecRange covers arbitrary (num_codebooks, bits) pairs. The
// dot of the input slice against a sum of codebook entries equals the sum of
// per-entry dots, so no group reconstruction buffer is needed.
func codeGenericMatVecRange(dst []float32, q *Quantized, x []float32, rs, re int) {
	gs := q.groupSize
	nc := q.numCodebooks
	for r := rs; r < re; r++ {
		codes := q.codes[r*q.groups*nc : (r+1)*q.groups*nc]
		var sum float32
		for g := 0; g < q.groups; g++ {
			xs := x[g*gs : g*gs+gs]
			for k := 0; k < nc; k++ {
				e := int(codes[g*nc+k])
				base := (k*q.entries + e) * gs
				sum += dotFloat32(q.books[base:base+gs], xs)
			}
		}
		dst[r] = sum
	}
}
