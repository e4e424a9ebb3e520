package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/loom/internal/generate"
)

type testEngine struct {
	text      string
	tokens    []int
	err       error
	cancelled bool
	status    generate.Status
}

func (e *testEngine) Generate(ctx context.Context, prompt string, cfg generate.Config, onToken generate.TokenFunc) (*generate.Result, error) {
	if e.err != nil {
		return nil, e.err
	}
	if onToken != nil {
		for i, id := range e.tokens {
			part := e.text[i : i+1]
			if !onToken(id, part) {
				break
			}
		}
	}
	return &generate.Result{
		Text:         e.text,
		Tokens:       e.tokens,
		FinishReason: generate.FinishStop,
		Stats:        generate.Stats{PromptTokens: 2, GeneratedTokens: len(e.tokens)},
	}, nil
}

func (e *testEngine) Status() generate.Status {
	if e.status == "" {
		return generate.StatusLoaded
	}
	return e.status
}
func (e *testEngine) Model() string       { return "demo" }
func (e *testEngine) Perf() generate.Perf { return generate.Perf{Runs: 3} }
func (e *testEngine) Cancel()             { e.cancelled = true }

func newTestEcho(engine Engine, opts ...Option) *echo.Echo {
	e := echo.New()
	NewServer(engine, nil, opts...).Register(e)
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

func TestCompletionSync(t *testing.T) {
	t.Parallel()
	e := newTestEcho(&testEngine{text: "abc", tokens: []int{'a', 'b', 'c'}})

	rec := doJSON(t, e, http.MethodPost, "/v1/completions", `{"prompt":"hi","max_tokens":8}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var resp CompletionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(resp.ID, "cmpl-") {
		t.Fatalf("id: %q", resp.ID)
	}
	if resp.Text != "abc" || resp.FinishReason != "stop" {
		t.Fatalf("body: %+v", resp)
	}
	if resp.Usage.TotalTokens != 5 {
		t.Fatalf("usage: %+v", resp.Usage)
	}
}

func TestCompletionValidation(t *testing.T) {
	t.Parallel()
	e := newTestEcho(&testEngine{text: "x"})

	tests := []struct {
		name string
		body string
	}{
		{"missing prompt", `{}`},
		{"malformed json", `{`},
		{"bad max tokens", `{"prompt":"p","max_tokens":0}`},
		{"bad top_p", `{"prompt":"p","top_p":2}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, e, http.MethodPost, "/v1/completions", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestCompletionBusy(t *testing.T) {
	t.Parallel()
	e := newTestEcho(&testEngine{err: generate.ErrBusy})

	rec := doJSON(t, e, http.MethodPost, "/v1/completions", `{"prompt":"hi"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestCompletionNotLoaded(t *testing.T) {
	t.Parallel()
	e := newTestEcho(&testEngine{err: generate.ErrNotLoaded})

	rec := doJSON(t, e, http.MethodPost, "/v1/completions", `{"prompt":"hi"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestCompletionStream(t *testing.T) {
	t.Parallel()
	e := newTestEcho(&testEngine{text: "hey", tokens: []int{'h', 'e', 'y'}})

	rec := doJSON(t, e, http.MethodPost, "/v1/completions", `{"prompt":"hi","stream":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type: %q", ct)
	}
	if strings.Count(body, "data: ") < 4 {
		t.Fatalf("expected one chunk per token plus final, got: %s", body)
	}
	if !strings.Contains(body, `"delta":"h"`) || !strings.Contains(body, `"finish_reason":"stop"`) {
		t.Fatalf("chunks missing: %s", body)
	}
	if !strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]") {
		t.Fatalf("missing [DONE] sentinel: %s", body)
	}
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()
	e := newTestEcho(&testEngine{})

	rec := doJSON(t, e, http.MethodGet, "/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	var resp StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "loaded" || resp.Model != "demo" || resp.Perf.Runs != 3 {
		t.Fatalf("body: %+v", resp)
	}
}

func TestCancelEndpoint(t *testing.T) {
	t.Parallel()
	engine := &testEngine{}
	e := newTestEcho(engine)

	rec := doJSON(t, e, http.MethodPost, "/v1/cancel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	if !engine.cancelled {
		t.Fatalf("engine.Cancel not invoked")
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	e := newTestEcho(&testEngine{})
	rec := doJSON(t, e, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ok") {
		t.Fatalf("health: %d %s", rec.Code, rec.Body.String())
	}
}

func TestRateLimit(t *testing.T) {
	t.Parallel()
	e := newTestEcho(&testEngine{text: "x", tokens: []int{'x'}}, WithRateLimit(0, 1))

	first := doJSON(t, e, http.MethodPost, "/v1/completions", `{"prompt":"hi"}`)
	if first.Code != http.StatusOK {
		t.Fatalf("first request: %d", first.Code)
	}
	second := doJSON(t, e, http.MethodPost, "/v1/completions", `{"prompt":"hi"}`)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: got %d, want 429", second.Code)
	}
}
