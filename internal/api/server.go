// Package api serves the generation engine over HTTP: one completions
// endpoint with batch and SSE streaming modes, plus status, cancel and
// health. The engine's single-flight rule surfaces as 409 when a second
// completion arrives mid-run.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"golang.org/x/time/rate"

	"github.com/samcharles93/loom/internal/generate"
	"github.com/samcharles93/loom/internal/logger"
	"github.com/samcharles93/loom/internal/runlog"
)

// Engine is the generation surface the server needs; *generate.Engine
// satisfies it.
type Engine interface {
	Generate(ctx context.Context, prompt string, cfg generate.Config, onToken generate.TokenFunc) (*generate.Result, error)
	Status() generate.Status
	Model() string
	Perf() generate.Perf
	Cancel()
}

type Server struct {
	engine   Engine
	defaults generate.Config
	log      logger.Logger
	limiter  *rate.Limiter
	runs     *runlog.Store
	clock    func() time.Time
}

type Option func(*Server)

// WithRateLimit throttles completion requests to rps with the given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) { s.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithRunLog records every completed run to the store.
func WithRunLog(store *runlog.Store) Option {
	return func(s *Server) { s.runs = store }
}

// WithDefaults overrides the sampling defaults applied to requests that
// omit fields.
func WithDefaults(cfg generate.Config) Option {
	return func(s *Server) { s.defaults = cfg }
}

func NewServer(engine Engine, log logger.Logger, opts ...Option) *Server {
	if log == nil {
		log = logger.Default()
	}
	s := &Server{
		engine:   engine,
		defaults: generate.DefaultConfig(),
		log:      log,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/completions", s.handleCompletions)
	e.GET("/v1/status", s.handleStatus)
	e.POST("/v1/cancel", s.handleCancel)
	e.GET("/healthz", s.handleHealth)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return writeJSON(c, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(c *echo.Context) error {
	perf := s.engine.Perf()
	return writeJSON(c, http.StatusOK, StatusResponse{
		Status: string(s.engine.Status()),
		Model:  s.engine.Model(),
		Perf: PerfStats{
			LoadMs:          ms(perf.Load),
			CancelMs:        ms(perf.Cancel),
			UnloadMs:        ms(perf.Unload),
			Runs:            perf.Runs,
			PromptTokens:    perf.Last.PromptTokens,
			GeneratedTokens: perf.Last.GeneratedTokens,
			PromptTPS:       perf.Last.PromptTPS,
			GenerationTPS:   perf.Last.GenerationTPS,
			AcceptanceRate:  perf.Last.AcceptanceRate,
		},
	})
}

func (s *Server) handleCancel(c *echo.Context) error {
	s.engine.Cancel()
	return writeJSON(c, http.StatusOK, CancelResponse{Cancelled: true})
}

func (s *Server) handleCompletions(c *echo.Context) error {
	if s.limiter != nil && !s.limiter.Allow() {
		return writeError(c, http.StatusTooManyRequests, "rate_limited", "too many requests")
	}
	req, err := decodeJSON[CompletionRequest](c.Request().Body)
	if err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
	}
	if req.Prompt == "" {
		return writeError(c, http.StatusBadRequest, "invalid_request", "prompt is required")
	}
	cfg := s.resolveConfig(req)
	if err := cfg.Validate(); err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
	}

	id := "cmpl-" + uuid.NewString()
	created := s.clock().Unix()
	model := req.Model
	if model == "" {
		model = s.engine.Model()
	}

	if req.Stream {
		return s.streamCompletion(c, req, cfg, id, created, model)
	}
	return s.syncCompletion(c, req, cfg, id, created, model)
}

func (s *Server) syncCompletion(c *echo.Context, req *CompletionRequest, cfg generate.Config, id string, created int64, model string) error {
	res, err := s.engine.Generate(c.Request().Context(), req.Prompt, cfg, nil)
	if err != nil {
		return completionError(c, err)
	}
	s.record(model, req.Prompt, cfg, res)
	return writeJSON(c, http.StatusOK, CompletionResponse{
		ID:           id,
		Object:       "completion",
		Created:      created,
		Model:        model,
		Text:         res.Text,
		FinishReason: string(res.FinishReason),
		Usage: Usage{
			PromptTokens:     res.Stats.PromptTokens,
			CompletionTokens: res.Stats.GeneratedTokens,
			TotalTokens:      res.Stats.PromptTokens + res.Stats.GeneratedTokens,
		},
	})
}

func (s *Server) streamCompletion(c *echo.Context, req *CompletionRequest, cfg generate.Config, id string, created int64, model string) error {
	w, err := NewSSEWriter(c)
	if err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
	}
	chunk := CompletionChunk{ID: id, Object: "completion.chunk", Created: created, Model: model}

	res, err := s.engine.Generate(c.Request().Context(), req.Prompt, cfg, func(tokID int, frag string) bool {
		out := chunk
		out.Delta = frag
		if tokID != generate.EndOfStream {
			out.TokenID = &tokID
		}
		return w.Send(out) == nil
	})
	if err != nil {
		// Headers are already out; an error chunk is the best we can do.
		s.log.Error("streamed completion failed", "error", err)
		_ = w.SendError(err)
		w.Done()
		return nil
	}
	s.record(model, req.Prompt, cfg, res)

	final := chunk
	final.FinishReason = string(res.FinishReason)
	_ = w.Send(final)
	w.Done()
	return nil
}

func (s *Server) record(model, prompt string, cfg generate.Config, res *generate.Result) {
	if s.runs == nil {
		return
	}
	if _, err := s.runs.RecordResult(model, "plain", prompt, cfg, res); err != nil {
		s.log.Warn("run not recorded", "error", err)
	}
}

// resolveConfig layers the request's explicit fields over the server
// defaults.
func (s *Server) resolveConfig(req *CompletionRequest) generate.Config {
	cfg := s.defaults
	if req.MaxTokens != nil {
		cfg.MaxNewTokens = *req.MaxTokens
	}
	if req.Temperature != nil {
		cfg.Temperature = *req.Temperature
	}
	if req.TopK != nil {
		cfg.TopK = *req.TopK
	}
	if req.TopP != nil {
		cfg.TopP = *req.TopP
	}
	if req.RepeatPenalty != nil {
		cfg.RepeatPenalty = *req.RepeatPenalty
	}
	if req.RepeatLastN != nil {
		cfg.RepeatLastN = *req.RepeatLastN
	}
	if req.Seed != nil {
		cfg.Seed = *req.Seed
	}
	if req.DoSample != nil {
		cfg.DoSample = *req.DoSample
	}
	return cfg
}

func completionError(c *echo.Context, err error) error {
	switch {
	case errors.Is(err, generate.ErrBusy):
		return writeError(c, http.StatusConflict, "busy", "a generation is already in flight")
	case errors.Is(err, generate.ErrNotLoaded):
		return writeError(c, http.StatusServiceUnavailable, "not_loaded", "no model is loaded")
	case errors.Is(err, generate.ErrInvalidConfig):
		return writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}
}

func writeJSON(c *echo.Context, status int, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.JSONBlob(status, b)
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return writeJSON(c, status, ErrorResponse{Error: ErrorBody{Message: msg, Type: errType}})
}

func decodeJSON[T any](r io.Reader) (*T, error) {
	var v T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&v); err != nil {
		return nil, newInvalidRequest("malformed JSON body: " + err.Error())
	}
	return &v, nil
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
