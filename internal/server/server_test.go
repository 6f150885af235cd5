package server

import (
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/avq/internal/store"
	"github.com/samcharles93/avq/internal/tensor"
	"github.com/samcharles93/avq/pkg/avf"
)

func testModel(t *testing.T) *store.Model {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	mk := func(out, in, gs, nc, bits int) *tensor.Quantized {
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
			scales[i] = 1
		}
		q, err := tensor.NewQuantized(out, in, gs, nc, bits, books, codes, scales)
		if err != nil {
			t.Fatalf("NewQuantized: %v", err)
		}
		return q
	}

	m := &store.Model{
		Info: avf.ModelInfo{ID: "avf-test", Name: "tiny"},
		Layers: []store.Layer{
			{Name: "blk.0.attn_q", Q: mk(8, 32, 8, 2, 8)},
			{Name: "blk.0.ffn_up", Q: mk(4, 16, 8, 1, 4)},
		},
	}
	m.Reindex()
	return m
}

func newTestEcho(t *testing.T, opts Options) *echo.Echo {
	t.Helper()
	s := New(testModel(t), nil, opts)
	e := echo.New()
	s.Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t, Options{})
	rec := doJSON(t, e, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID header")
	}
}

func TestModelListsLayers(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t, Options{})
	rec := doJSON(t, e, http.MethodGet, "/v1/model", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}

	var resp ModelResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID != "avf-test" || len(resp.Layers) != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Layers[0].Scheme != "2x8" || resp.Layers[0].OutFeatures != 8 {
		t.Fatalf("unexpected first layer: %+v", resp.Layers[0])
	}
}

func TestLayerLookup(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t, Options{})
	rec := doJSON(t, e, http.MethodGet, "/v1/layers/blk.0.ffn_up", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	var l LayerSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &l); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if l.InFeatures != 16 || l.Bits != 4 {
		t.Fatalf("unexpected layer: %+v", l)
	}

	rec = doJSON(t, e, http.MethodGet, "/v1/layers/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestMatMulEndpoint(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t, Options{})

	input := make([]float32, 32)
	for i := range input {
		input[i] = 1
	}
	body, err := json.Marshal(MatMulRequest{Input: [][]float32{input, input}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	rec := doJSON(t, e, http.MethodPost, "/v1/layers/blk.0.attn_q/matmul", string(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}

	var resp MatMulResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Shape[0] != 2 || resp.Shape[1] != 8 {
		t.Fatalf("shape %v, want [2 8]", resp.Shape)
	}
	if resp.RequestID == "" {
		t.Fatal("missing request id")
	}
	// Identical rows in, identical rows out.
	for i := range resp.Output[0] {
		if resp.Output[0][i] != resp.Output[1][i] {
			t.Fatalf("rows diverged at %d: %v vs %v", i, resp.Output[0][i], resp.Output[1][i])
		}
	}
}

func TestMatMulValidation(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t, Options{})

	rec := doJSON(t, e, http.MethodPost, "/v1/layers/blk.0.attn_q/matmul", `{"input":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty batch: status %d", rec.Code)
	}

	rec = doJSON(t, e, http.MethodPost, "/v1/layers/blk.0.attn_q/matmul", `{"input":[[1,2,3]]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("short row: status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "want 32") {
		t.Fatalf("unexpected error body: %s", rec.Body.String())
	}

	rec = doJSON(t, e, http.MethodPost, "/v1/layers/nope/matmul", `{"input":[[1]]}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown layer: status %d", rec.Code)
	}
}

func TestMatMulRateLimit(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t, Options{RatePerSec: 1, Burst: 1})

	input := make([]float32, 16)
	body, _ := json.Marshal(MatMulRequest{Input: [][]float32{input}})

	first := doJSON(t, e, http.MethodPost, "/v1/layers/blk.0.ffn_up/matmul", string(body))
	if first.Code != http.StatusOK {
		t.Fatalf("first request: status %d, body %s", first.Code, first.Body.String())
	}
	second := doJSON(t, e, http.MethodPost, "/v1/layers/blk.0.ffn_up/matmul", string(body))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status %d, want 429", second.Code)
	}
}
