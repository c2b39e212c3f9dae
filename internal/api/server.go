// Package api serves a loaded pipeline over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clocksmith/doppler/internal/kvcache"
	"github.com/clocksmith/doppler/internal/logger"
	"github.com/clocksmith/doppler/internal/pipeline"
	"github.com/clocksmith/doppler/internal/sampling"
)

// Engine is the part of *pipeline.Pipeline the server drives.
type Engine interface {
	Generate(ctx context.Context, prompt string, opts pipeline.GenerateOptions) (*pipeline.Generation, error)
	Reset() error
	State() pipeline.State
	Stats() pipeline.Stats
	Cache() kvcache.Cache
	Tokens() []int
}

var _ Engine = (*pipeline.Pipeline)(nil)

// Defaults apply to request fields left unset.
type Defaults struct {
	MaxTokens int
	Sampling  sampling.Config
}

type Server struct {
	engine   Engine
	store    *GenerationStore
	defaults Defaults
	log      logger.Logger
	clock    func() time.Time
}

func NewServer(engine Engine, store *GenerationStore, defaults Defaults, log logger.Logger) *Server {
	if store == nil {
		store = NewGenerationStore(0)
	}
	return &Server{
		engine:   engine,
		store:    store,
		defaults: defaults,
		log:      logger.Component(logger.OrNop(log), "api"),
		clock:    time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/generate", s.handleGenerate)
	e.GET("/v1/generations/:id", s.handleGetGeneration)
	e.GET("/v1/stats", s.handleStats)
	e.POST("/v1/reset", s.handleReset)

	metrics := promhttp.Handler()
	e.GET("/metrics", func(c *echo.Context) error {
		metrics.ServeHTTP(c.Response(), c.Request())
		return nil
	})
}

func (s *Server) options(req GenerateRequest) (pipeline.GenerateOptions, error) {
	opts := pipeline.GenerateOptions{
		MaxTokens:     s.defaults.MaxTokens,
		Sampling:      s.defaults.Sampling,
		StopTokens:    req.StopTokens,
		StopSequences: req.Stop,
	}
	sc := &opts.Sampling
	if req.MaxTokens != nil {
		if *req.MaxTokens <= 0 {
			return opts, newInvalidRequest("max_tokens must be positive")
		}
		opts.MaxTokens = *req.MaxTokens
	}
	if req.Temperature != nil {
		if *req.Temperature < 0 {
			return opts, newInvalidRequest("temperature must not be negative")
		}
		sc.Temperature = *req.Temperature
	}
	if req.TopK != nil {
		sc.TopK = *req.TopK
	}
	if req.TopP != nil {
		if *req.TopP <= 0 || *req.TopP > 1 {
			return opts, newInvalidRequest("top_p must be in (0, 1]")
		}
		sc.TopP = *req.TopP
	}
	if req.MinP != nil {
		sc.MinP = *req.MinP
	}
	if req.RepetitionPenalty != nil {
		if *req.RepetitionPenalty <= 0 {
			return opts, newInvalidRequest("repetition_penalty must be positive")
		}
		sc.RepeatPenalty = *req.RepetitionPenalty
	}
	if req.Seed != nil {
		sc.Seed = *req.Seed
	}
	return opts, nil
}

func (s *Server) handleGenerate(c *echo.Context) error {
	req, err := decodeJSON[GenerateRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if req.Prompt == "" {
		return writeBadRequest(c, "prompt is required")
	}
	opts, err := s.options(req)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	gen, err := s.engine.Generate(c.Request().Context(), req.Prompt, opts)
	if err != nil {
		return writeEngineError(c, err)
	}
	resp := GenerateResponse{
		ID:        newGenerationID(),
		Object:    "generation",
		CreatedAt: s.clock().Unix(),
		Status:    "in_progress",
	}
	s.log.Debug("generation started", "id", resp.ID, "stream", req.Stream)

	if req.Stream {
		return s.stream(c, gen, resp)
	}
	_, err = gen.Collect()
	resp = finished(resp, gen)
	s.store.Save(resp)
	if err != nil {
		return writeEngineError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) stream(c *echo.Context, gen *pipeline.Generation, resp GenerateResponse) error {
	w, err := NewSSEStreamWriter(c)
	if err != nil {
		gen.Close()
		return writeBadRequest(c, err.Error())
	}
	if err := w.Begin(resp); err != nil {
		gen.Close()
		return nil
	}
	for frag, err := range gen.Fragments() {
		if err != nil {
			break
		}
		if err := w.EmitFragment(resp.ID, frag); err != nil {
			// client went away; breaking abandons the generation
			break
		}
	}
	resp = finished(resp, gen)
	s.store.Save(resp)
	if err := gen.Err(); err != nil {
		return w.Failed(resp, err)
	}
	return w.Complete(resp)
}

func finished(resp GenerateResponse, gen *pipeline.Generation) GenerateResponse {
	st := gen.Stats()
	resp.Text = gen.Text()
	resp.Tokens = gen.Tokens()
	resp.FinishReason = string(gen.Reason())
	resp.Usage = Usage{
		PromptTokens:     st.PromptTokens,
		CompletionTokens: st.GeneratedTokens,
		TotalTokens:      st.PromptTokens + st.GeneratedTokens,
	}
	resp.Stats = statsBody(st)
	resp.Status = "completed"
	if err := gen.Err(); err != nil {
		resp.Status = "failed"
		_, typ := classify(err)
		resp.Error = &ResponseError{Message: err.Error(), Type: typ}
	}
	return resp
}

func (s *Server) handleGetGeneration(c *echo.Context) error {
	id := c.Param("id")
	resp, ok := s.store.Get(id)
	if !ok {
		return writeNotFound(c, fmt.Sprintf("generation %q not found", id))
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStats(c *echo.Context) error {
	out := StatsResponse{
		State: s.engine.State().String(),
		Last:  statsBody(s.engine.Stats()),
	}
	if out.State == pipeline.StateIdle.String() {
		if cache := s.engine.Cache(); cache != nil {
			ms := cache.MemoryStats()
			out.Cache = &ms
		}
		out.CachedTokens = len(s.engine.Tokens())
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleReset(c *echo.Context) error {
	if err := s.engine.Reset(); err != nil {
		return writeEngineError(c, err)
	}
	s.log.Info("cache reset")
	return c.JSON(http.StatusOK, map[string]any{"reset": true})
}
