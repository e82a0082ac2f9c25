// Package api serves bucketed multiplies over HTTP.
package api

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samcharles93/sparsemoe/internal/bucket"
	"github.com/samcharles93/sparsemoe/internal/gpu"
	"github.com/samcharles93/sparsemoe/internal/logger"
	"github.com/samcharles93/sparsemoe/internal/metrics"
	"github.com/samcharles93/sparsemoe/internal/store"
)

type Config struct {
	Store  *store.Store
	Engine *bucket.Engine
	// Quant is used when a request omits it.
	Quant float32
	Log   logger.Logger
}

// Server exposes a store's projections. The engine is shared by every
// request, so calls into it are serialized.
type Server struct {
	store  *store.Store
	engine *bucket.Engine
	quant  float32
	log    logger.Logger
	clock  func() time.Time

	mu sync.Mutex
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Store == nil || cfg.Engine == nil {
		return nil, errors.New("api: store and engine are required")
	}
	if need := bucket.CapacityFor(cfg.Store.Projections...); cfg.Engine.Dispatch().Cap() < need {
		return nil, fmt.Errorf("api: dispatch capacity %d below %d required by the store", cfg.Engine.Dispatch().Cap(), need)
	}
	log := cfg.Log
	if log == nil {
		log = logger.Discard()
	}
	if !(cfg.Quant >= 0 && cfg.Quant <= 1) {
		return nil, fmt.Errorf("api: default quant %v outside [0,1]", cfg.Quant)
	}
	return &Server{
		store:  cfg.Store,
		engine: cfg.Engine,
		quant:  cfg.Quant,
		log:    log.With("component", "api"),
		clock:  time.Now,
	}, nil
}

func (s *Server) Register(e *echo.Echo) {
	e.Use(requestID)
	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/v1/info", s.handleInfo)
	e.GET("/v1/projections", s.handleListProjections)
	e.POST("/v1/projections/:name/mul", s.handleMul)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return writeJSON(c, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleInfo(c *echo.Context) error {
	be := s.engine.Backend()
	info := InfoResponse{
		Backend:     be.Name(),
		CPUFeatures: gpu.CPUFeatures(),
		Store:       s.store.Path,
		Capacity:    s.engine.Dispatch().Cap(),
		Bytes:       s.store.Bytes(),
	}
	if cpu, ok := be.(*gpu.CPUBackend); ok {
		info.Workers = cpu.Workers()
	}
	return writeJSON(c, http.StatusOK, info)
}

func (s *Server) handleListProjections(c *echo.Context) error {
	data := make([]ProjectionDTO, 0, len(s.store.Projections))
	for _, w := range s.store.Projections {
		data = append(data, ProjectionDTO{
			Name:    w.Name,
			Experts: w.NumExperts,
			In:      w.InSize,
			Out:     w.OutSize,
			Buckets: w.NumExperts * w.ExpertSize(),
			Bytes:   w.Bytes(),
		})
	}
	return writeJSON(c, http.StatusOK, ProjectionsResponse{Object: "list", Data: data})
}

func (s *Server) handleMul(c *echo.Context) error {
	name := c.Param("name")
	w, err := s.store.Projection(name)
	if err != nil {
		return writeNotFound(c, fmt.Sprintf("projection %q not found", name))
	}
	req, err := decodeJSON[MulRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	quant, err := s.validateMul(w, req)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	start := s.clock()
	resp, err := s.mul(c, w, req, quant)
	if err != nil {
		s.log.Error("mul failed", "projection", name, "request_id", currentRequestID(c), "error", err)
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}
	resp.ElapsedMS = float64(s.clock().Sub(start).Microseconds()) / 1000
	metrics.ProjectionMul(name)
	s.log.Debug("mul", "projection", name, "expert", req.Expert, "quant", quant,
		"dispatched", resp.Dispatched, "elapsed_ms", resp.ElapsedMS)
	return writeJSON(c, http.StatusOK, resp)
}

func (s *Server) validateMul(w *bucket.ExpertWeights, req MulRequest) (float32, error) {
	if req.Expert < 0 || req.Expert >= w.NumExperts {
		return 0, newInvalidRequest(fmt.Sprintf("expert %d out of range [0,%d)", req.Expert, w.NumExperts))
	}
	if len(req.Vector) != w.InSize {
		return 0, newInvalidRequest(fmt.Sprintf("vector has %d values, want %d", len(req.Vector), w.InSize))
	}
	for i, v := range req.Vector {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return 0, newInvalidRequest(fmt.Sprintf("vector[%d] is not finite", i))
		}
	}
	quant := s.quant
	if req.Quant != nil {
		quant = *req.Quant
	}
	if !(quant >= 0 && quant <= 1) {
		return 0, newInvalidRequest("quant must be within [0,1]")
	}
	return quant, nil
}

func (s *Server) mul(c *echo.Context, w *bucket.ExpertWeights, req MulRequest, quant float32) (MulResponse, error) {
	ctx := c.Request().Context()
	v := gpu.F32From(req.Vector)
	expNo := gpu.Scalar(req.Expert)
	out := gpu.NewF32(w.OutSize)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.engine.Mul(v, w, expNo, out, quant)
	if err := s.engine.Eval(ctx); err != nil {
		return MulResponse{}, err
	}
	resp := MulResponse{
		RequestID:    currentRequestID(c),
		Projection:   w.Name,
		Expert:       req.Expert,
		Quant:        quant,
		Cutoff:       s.engine.LastCutoff(),
		Dispatched:   s.engine.LastDispatchLen(),
		KeptFraction: w.KeptFraction(s.engine.LastDispatchLen()),
		Output:       out.Floats(),
	}
	if req.Compare {
		ref := gpu.NewF32(w.OutSize)
		s.engine.MulDense(v, w, expNo, ref)
		if err := s.engine.Eval(ctx); err != nil {
			return MulResponse{}, err
		}
		rel := bucket.RelativeError(out.Floats(), ref.Floats())
		resp.RelError = &rel
	}
	return resp, nil
}
