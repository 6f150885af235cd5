// Package server exposes a loaded artifact over HTTP: model metadata,
// per-layer geometry and a matmul endpoint that runs the quantized product
// against caller-supplied activations.
package server

import (
	"fmt"
	"math"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"golang.org/x/time/rate"

	"github.com/samcharles93/avq/internal/logger"
	"github.com/samcharles93/avq/internal/store"
	"github.com/samcharles93/avq/internal/tensor"
	"github.com/samcharles93/avq/pkg/avf"
)

type Server struct {
	model   *store.Model
	ctx     *tensor.Ctx
	log     logger.Logger
	limiter *rate.Limiter
}

// Options tune the server; zero values select sane defaults.
type Options struct {
	// RatePerSec caps matmul requests per second across all clients.
	// Zero disables limiting.
	RatePerSec float64
	Burst      int
	Workers    int
}

func New(model *store.Model, log logger.Logger, opts Options) *Server {
	if log == nil {
		log = logger.Default()
	}
	s := &Server{
		model: model,
		ctx:   tensor.NewCtx(opts.Workers),
		log:   log,
	}
	if opts.RatePerSec > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = int(math.Ceil(opts.RatePerSec))
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.Use(s.requestID)

	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/model", s.handleModel)
	e.GET("/v1/layers/:name", s.handleLayer)
	e.POST("/v1/layers/:name/matmul", s.handleMatMul, s.rateLimit)
}

// requestID tags every response, and every log line about it, with a unique
// ID. An inbound X-Request-ID is honored so callers can correlate.
func (s *Server) requestID(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		id := c.Request().Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Response().Header().Set("X-Request-ID", id)
		return next(c)
	}
}

func (s *Server) rateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		if s.limiter != nil && !s.limiter.Allow() {
			return writeError(c, http.StatusTooManyRequests, "rate_limited", "matmul rate limit exceeded")
		}
		return next(c)
	}
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleModel(c *echo.Context) error {
	resp := ModelResponse{
		ID:          s.model.Info.ID,
		Name:        s.model.Info.Name,
		Producer:    s.model.Info.Producer,
		CreatedAt:   s.model.Info.CreatedAt,
		SourceModel: s.model.Info.SourceModel,
		Layers:      make([]LayerSummary, 0, len(s.model.Layers)),
	}
	for _, l := range s.model.Layers {
		resp.Layers = append(resp.Layers, summarize(l.Name, l.Q))
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleLayer(c *echo.Context) error {
	name := c.Param("name")
	q, ok := s.model.Layer(name)
	if !ok {
		return writeError(c, http.StatusNotFound, "not_found", "unknown layer "+name)
	}
	return c.JSON(http.StatusOK, summarize(name, q))
}

func (s *Server) handleMatMul(c *echo.Context) error {
	name := c.Param("name")
	q, ok := s.model.Layer(name)
	if !ok {
		return writeError(c, http.StatusNotFound, "not_found", "unknown layer "+name)
	}

	var req MatMulRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
	}
	if len(req.Input) == 0 {
		return writeError(c, http.StatusBadRequest, "invalid_request", "input batch is empty")
	}

	in, err := buildInput(q, req.Input)
	if err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
	}

	out, err := tensor.MatMat(s.ctx, q, in)
	if err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
	}

	id := c.Response().Header().Get("X-Request-ID")
	rows := make([][]float32, out.R)
	for b := 0; b < out.R; b++ {
		row := make([]float32, out.C)
		out.RowTo(row, b)
		rows[b] = row
	}
	s.log.Info("matmul served",
		"request_id", id, "layer", name, "batch", out.R, "scheme", q.Scheme().String())
	return c.JSON(http.StatusOK, MatMulResponse{
		RequestID: id,
		Layer:     name,
		Shape:     []int{out.R, out.C},
		Output:    rows,
	})
}

func summarize(name string, q *tensor.Quantized) LayerSummary {
	return LayerSummary{
		Name:         name,
		OutFeatures:  q.OutFeatures(),
		InFeatures:   q.InFeatures(),
		GroupSize:    q.GroupSize(),
		NumCodebooks: q.NumCodebooks(),
		Bits:         q.Bits(),
		Scheme:       q.Scheme().String(),
		DType:        q.DType().String(),
	}
}

// buildInput assembles the activation batch in the layer's dtype. JSON
// carries f32 values; for f16 and bf16 layers the rows are narrowed first so
// the product runs in the precision the layer was calibrated for.
func buildInput(q *tensor.Quantized, rows [][]float32) (*tensor.Mat, error) {
	in := q.InFeatures()
	flat := make([]float32, 0, len(rows)*in)
	for i, r := range rows {
		if len(r) != in {
			return nil, fmt.Errorf("input row %d has %d elements, want %d", i, len(r), in)
		}
		flat = append(flat, r...)
	}

	if q.DType() == avf.DTypeF32 {
		m := tensor.NewMatFromData(len(rows), in, flat)
		return &m, nil
	}
	raw := make([]byte, len(flat)*2)
	for i, v := range flat {
		var u uint16
		switch q.DType() {
		case avf.DTypeF16:
			u = tensor.Float32ToFloat16(v)
		default:
			bits := math.Float32bits(v)
			u = uint16((bits + 0x7FFF + ((bits >> 16) & 1)) >> 16)
		}
		raw[i*2] = byte(u)
		raw[i*2+1] = byte(u >> 8)
	}
	m, err := tensor.NewMatFromRaw(len(rows), in, q.DType(), raw)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, map[string]any{
		"error": ErrorBody{Message: msg, Type: errType},
	})
}
