package tensor

import "simd/archsimd"

// CPUFeatures holds detected CPU capabilities, checked once at init.
type CPUFeatures struct {
	HasAVX2 bool
}

var cpu CPUFeatures

func init() {
	cpu.HasAVX2 = archsimd.X86.AVX2()
}

// dotFloat32 computes the inner product of a and b over len(a) elements.
// len(b) must be >= len(a).
func dotFloat32(a, b []float32) float32 {
	if cpu.HasAVX2 {
		return dotFloat32SIMD(a, b)
	}
	return dotFloat32Scalar(a, b)
}

// dotFloat32SIMD uses AVX2 with a single accumulator to minimize register
// pressure; short tails fall through to the scalar loop.
func dotFloat32SIMD(a, b []float32) float32 {
	n := len(a)
	var acc archsimd.Float32x8
	j := 0
	for ; j+8 <= n; j += 8 {
		va := archsimd.LoadFloat32x8Slice(a[j:])
		vb := archsimd.LoadFloat32x8Slice(b[j:])
		acc = acc.Add(va.Mul(vb))
	}

	var tmp [8]float32
	acc.Store(&tmp)
	sum := tmp[0] + tmp[1] + tmp[2] + tmp[3] + tmp[4] + tmp[5] + tmp[6] + tmp[7]

	for ; j < n; j++ {
		sum += a[j] * b[j]
	}
	return sum
}

func dotFloat32Scalar(a, b []float32) float32 {
	n := len(a)
	var s0, s1, s2, s3 float32
	j := 0
	for ; j+4 <= n; j += 4 {
		s0 += a[j] * b[j]
		s1 += a[j+1] * b[j+1]
		s2 += a[j+2] * b[j+2]
		s3 += a[j+3] * b[j+3]
	}
	sum := s0 + s1 + s2 + s3
	for ; j < n; j++ {
		sum += a[j] * b[j]
	}
	return sum
}

// addTo accumulates dst += src elementwise over len(src).
func addTo(dst, src []float32) {
	if cpu.HasAVX2 && len(dst) >= 8 {
		n := len(dst)
		j := 0
		for ; j+8 <= n; j += 8 {
			vd := archsimd.LoadFloat32x8Slice(dst[j:])
			vs := archsimd.LoadFloat32x8Slice(src[j:])
			vd.Add(vs).StoreSlice(dst[j:])
		}
		for ; j < n; j++ {
			dst[j] += src[j]
		}
		return
	}
	for j, v := range src {
		dst[j] += v
	}
}
