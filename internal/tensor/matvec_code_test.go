package tensor

import (
	"errors"
	"math/rand"
	"testing"
)

// denseMatVecUnscaled computes the reference product against the
// materialized rows, without scales, to compare kernel outputs against.
func denseMatVecUnscaled(t testing.TB, q *Quantized, x []float32) []float32 {
	t.Helper()
	out := make([]float32, q.OutFeatures())
	row := make([]float32, q.InFeatures())
	for r := range out {
		if err := q.ReconstructRow(row, r); err != nil {
			t.Fatalf("ReconstructRow(%d): %v", r, err)
		}
		var sum float32
		for j, v := range row {
			sum += v * x[j]
		}
		out[r] = sum
	}
	return out
}

func randVec(n int, seed int64) []float32 {
	rng := rand.New(rand.NewSource(seed))
	x := make([]float32, n)
	for i := range x {
		x[i] = rng.Float32()*2 - 1
	}
	return x
}

func TestMatVecMatchesReconstruction(t *testing.T) {
	tests := []struct {
		name               string
		numCodebooks, bits int
		want               Scheme
	}{
		{"1x16", 1, 16, Scheme1x16},
		{"2x8", 2, 8, Scheme2x8},
		{"generic 1x8", 1, 8, SchemeGeneric},
		{"generic 4x4", 4, 4, SchemeGeneric},
	}
	ctx := NewCtx(4)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, in, gs := 17, 64, 8
			q := buildQuantized(t, out, in, gs, tt.numCodebooks, tt.bits, 42)
			if q.Scheme() != tt.want {
				t.Fatalf("scheme = %v, want %v", q.Scheme(), tt.want)
			}

			x := randVec(in, 43)
			want := denseMatVecUnscaled(t, q, x)

			got := make([]float32, out)
			if err := MatVec(ctx, got, q, x); err != nil {
				t.Fatalf("MatVec: %v", err)
			}

			const tol = 1e-5
			for r := range want {
				if diff := got[r] - want[r]; diff < -tol || diff > tol {
					t.Fatalf("row %d: got %v, want %v", r, got[r], want[r])
				}
			}
		})
	}
}

func TestMatVecDimensionErrors(t *testing.T) {
	q := buildQuantized(t, 4, 32, 8, 2, 8, 3)
	dst := make([]float32, 4)

	if err := MatVec(nil, dst, q, make([]float32, 31)); !errors.Is(err, ErrDimension) {
		t.Fatalf("short input: err = %v, want ErrDimension", err)
	}
	if err := MatVec(nil, dst[:3], q, make([]float32, 32)); !errors.Is(err, ErrDimension) {
		t.Fatalf("short output: err = %v, want ErrDimension", err)
	}
	if err := MatVec(nil, make([]float32, 5), q, make([]float32, 32)); !errors.Is(err, ErrDimension) {
		t.Fatalf("oversized output: err = %v, want ErrDimension", err)
	}

	// Failed validation must leave dst untouched.
	for i := range dst {
		dst[i] = 7
	}
	_ = MatVec(nil, dst, q, make([]float32, 31))
	for i, v := range dst {
		if v != 7 {
			t.Fatalf("dst[%d] modified to %v after validation failure", i, v)
		}
	}
}

func TestMatVecDeterministic(t *testing.T) {
	// Same inputs, different worker counts, bitwise identical output: the
	// partition only changes which goroutine owns a row, never the per-row
	// accumulation order.
	q := buildQuantized(t, 33, 128, 16, 2, 8, 9)
	x := randVec(128, 10)

	ref := make([]float32, 33)
	if err := MatVec(NewCtx(1), ref, q, x); err != nil {
		t.Fatalf("MatVec: %v", err)
	}
	for _, workers := range []int{2, 3, 8} {
		got := make([]float32, 33)
		if err := MatVec(NewCtx(workers), got, q, x); err != nil {
			t.Fatalf("MatVec(%d workers): %v", workers, err)
		}
		for r := range ref {
			if got[r] != ref[r] {
				t.Fatalf("workers=%d row %d: got %v, want exactly %v", workers, r, got[r], ref[r])
			}
		}
	}
}

func TestMatVecDoesNotApplyScales(t *testing.T) {
	q := buildQuantized(t, 5, 32, 8, 1, 16, 21)
	x := randVec(32, 22)

	got := make([]float32, 5)
	if err := MatVec(nil, got, q, x); err != nil {
		t.Fatalf("MatVec: %v", err)
	}

	want := denseMatVecUnscaled(t, q, x)
	const tol = 1e-5
	for r := range want {
		if diff := got[r] - want[r]; diff < -tol || diff > tol {
			t.Fatalf("row %d: got %v, want unscaled %v (scale %v)", r, got[r], want[r], q.Scales()[r])
		}
	}
}

func Test2x8LUTSharedAcrossRows(t *testing.T) {
	// Rows with identical codes must produce identical sums through the
	// table path.
	gs, in := 8, 32
	groups := in / gs
	rng := rand.New(rand.NewSource(5))

	books := make([]float32, 2*256*gs)
	for i := range books {
		books[i] = rng.Float32()*2 - 1
	}
	rowCodes := make([]uint16, groups*2)
	for i := range rowCodes {
		rowCodes[i] = uint16(rng.Intn(256))
	}
	codes := make([]uint16, 0, 3*groups*2)
	for r := 0; r < 3; r++ {
		codes = append(codes, rowCodes...)
	}
	scales := []float32{1, 1, 1}

	q, err := NewQuantized(3, in, gs, 2, 8, books, codes, scales)
	if err != nil {
		t.Fatalf("NewQuantized: %v", err)
	}

	got := make([]float32, 3)
	if err := MatVec(nil, got, q, randVec(in, 6)); err != nil {
		t.Fatalf("MatVec: %v", err)
	}
	if got[0] != got[1] || got[1] != got[2] {
		t.Fatalf("identical rows diverged: %v", got)
	}
}

func BenchmarkMatVec1x16(b *testing.B) { benchmarkMatVec(b, 1, 16) }

func BenchmarkMatVec2x8(b *testing.B) { benchmarkMatVec(b, 2, 8) }

func BenchmarkMatVecGeneric(b *testing.B) { benchmarkMatVec(b, 2, 12) }

func benchmarkMatVec(b *testing.B, numCodebooks, bits int) {
	out, in := 512, 2048
	q := buildQuantized(b, out, in, 8, numCodebooks, bits, 1)
	x := randVec(in, 2)
	dst := make([]float32, out)
	ctx := Default()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := MatVec(ctx, dst, q, x); err != nil {
			b.Fatal(err)
		}
	}
}
