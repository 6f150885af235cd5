package store

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/samcharles93/avq/internal/tensor"
	"github.com/samcharles93/avq/pkg/avf"
)

func buildLayer(t *testing.T, name string, out, in, gs, nc, bits int, seed int64) Layer {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	entries := 1 << bits
	groups := in / gs

	books := make([]float32, nc*entries*gs)
	for i := range books {
		books[i] = rng.Float32()*2 - 1
	}
	codes := make([]uint16, out*groups*nc)
	for i := range codes {
		codes[i] = uint16(rng.Intn(entries))
	}
	scales := make([]float32, out)
	for i := range scales {
		scales[i] = rng.Float32() + 0.5
	}

	q, err := tensor.NewQuantized(out, in, gs, nc, bits, books, codes, scales)
	if err != nil {
		t.Fatalf("NewQuantized: %v", err)
	}
	return Layer{Name: name, Q: q}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "model.avf")
	layers := []Layer{
		buildLayer(t, "blk.0.attn_q", 16, 64, 8, 2, 8, 1),
		buildLayer(t, "blk.0.attn_k", 8, 64, 8, 1, 16, 2),
		buildLayer(t, "blk.0.ffn_up", 12, 32, 8, 3, 4, 3),
	}
	info := avf.NewModelInfo("test-model", "avq-test")

	if err := Save(path, info, layers); err != nil {
		t.Fatalf("Save: %v", err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Info.ID != info.ID || m.Info.Name != info.Name {
		t.Fatalf("model info mismatch: got %+v want %+v", m.Info, info)
	}
	if len(m.Layers) != len(layers) {
		t.Fatalf("layer count %d, want %d", len(m.Layers), len(layers))
	}

	for i, want := range layers {
		got := m.Layers[i]
		if got.Name != want.Name {
			t.Fatalf("layer %d name %q, want %q", i, got.Name, want.Name)
		}
		assertQuantizedEqual(t, got.Q, want.Q)

		byName, ok := m.Layer(want.Name)
		if !ok {
			t.Fatalf("Layer(%q) not found", want.Name)
		}
		if byName != got.Q {
			t.Fatalf("Layer(%q) returned a different matrix", want.Name)
		}
	}
}

func assertQuantizedEqual(t *testing.T, got, want *tensor.Quantized) {
	t.Helper()
	if got.OutFeatures() != want.OutFeatures() || got.InFeatures() != want.InFeatures() ||
		got.GroupSize() != want.GroupSize() || got.NumCodebooks() != want.NumCodebooks() ||
		got.Bits() != want.Bits() || got.Scheme() != want.Scheme() || got.DType() != want.DType() {
		t.Fatalf("geometry mismatch: got %dx%d gs=%d nc=%d bits=%d, want %dx%d gs=%d nc=%d bits=%d",
			got.OutFeatures(), got.InFeatures(), got.GroupSize(), got.NumCodebooks(), got.Bits(),
			want.OutFeatures(), want.InFeatures(), want.GroupSize(), want.NumCodebooks(), want.Bits())
	}

	gb, wb := got.Codebooks(), want.Codebooks()
	for i := range wb {
		if gb[i] != wb[i] {
			t.Fatalf("codebooks[%d] = %v, want %v", i, gb[i], wb[i])
		}
	}
	gc, wc := got.CodesU16(), want.CodesU16()
	for i := range wc {
		if gc[i] != wc[i] {
			t.Fatalf("codes[%d] = %d, want %d", i, gc[i], wc[i])
		}
	}
	gs, ws := got.Scales(), want.Scales()
	for i := range ws {
		if gs[i] != ws[i] {
			t.Fatalf("scales[%d] = %v, want %v", i, gs[i], ws[i])
		}
	}
}

func TestSaveLoadHalfPrecisionExact(t *testing.T) {
	t.Parallel()

	// Values that originate in f16 must survive save and load bitwise:
	// decode to f32 is exact and the round-to-nearest-even encode maps an
	// exactly representable value back to the same bits.
	path := filepath.Join(t.TempDir(), "half.avf")
	l := buildLayer(t, "blk.0.attn_v", 8, 32, 8, 2, 8, 9)

	// Snap everything to f16-representable values first.
	snap := func(vals []float32) {
		for i, v := range vals {
			vals[i] = tensor.Float16ToFloat32(tensor.Float32ToFloat16(v))
		}
	}
	snap(l.Q.Codebooks())
	snap(l.Q.Scales())
	l.Q.SetDType(avf.DTypeF16)

	if err := Save(path, avf.NewModelInfo("half", "avq-test"), []Layer{l}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	assertQuantizedEqual(t, m.Layers[0].Q, l.Q)
}

func TestLoadedMatchesOriginalProduct(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "prod.avf")
	l := buildLayer(t, "blk.0.ffn_down", 16, 64, 8, 2, 8, 17)
	if err := Save(path, avf.NewModelInfo("prod", "avq-test"), []Layer{l}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	rng := rand.New(rand.NewSource(18))
	x := make([]float32, 64)
	for i := range x {
		x[i] = rng.Float32()*2 - 1
	}

	want := make([]float32, 16)
	if err := tensor.MatVec(nil, want, l.Q, x); err != nil {
		t.Fatalf("MatVec original: %v", err)
	}
	got := make([]float32, 16)
	if err := tensor.MatVec(nil, got, m.Layers[0].Q, x); err != nil {
		t.Fatalf("MatVec loaded: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("row %d: loaded %v, original %v", i, got[i], want[i])
		}
	}
}

func TestLayerLookupMiss(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "empty.avf")
	if err := Save(path, avf.NewModelInfo("x", "avq-test"),
		[]Layer{buildLayer(t, "w", 4, 16, 8, 1, 4, 5)}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := m.Layer("nope"); ok {
		t.Fatal("lookup of unknown layer succeeded")
	}
}

func TestSaveRejectsEmpty(t *testing.T) {
	t.Parallel()

	err := Save(filepath.Join(t.TempDir(), "e.avf"), avf.ModelInfo{}, nil)
	if err == nil {
		t.Fatal("expected error for empty layer list")
	}
}
