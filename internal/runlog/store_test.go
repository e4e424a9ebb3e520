package runlog

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/samcharles93/loom/internal/generate"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndList(t *testing.T) {
	t.Parallel()
	s := openTemp(t)

	cfg := generate.DefaultConfig()
	res := &generate.Result{
		Text:         "hello out",
		FinishReason: generate.FinishStop,
		Stats: generate.Stats{
			PromptTokens:    4,
			GeneratedTokens: 9,
			PromptTPS:       120.5,
			GenerationTPS:   33.3,
			AcceptanceRate:  0.8,
		},
	}
	id, err := s.RecordResult("demo", "speculative", "hello in", cfg, res)
	if err != nil {
		t.Fatalf("RecordResult: %v", err)
	}
	if !strings.HasPrefix(id, "run_") {
		t.Fatalf("run id: %q", id)
	}

	runs, err := s.List(10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs: got %d, want 1", len(runs))
	}
	r := runs[0]
	if r.ID != id || r.Model != "demo" || r.Mode != "speculative" {
		t.Fatalf("run row: %+v", r)
	}
	if r.Output != "hello out" || r.GeneratedTokens != 9 || r.FinishReason != "stop" {
		t.Fatalf("run row: %+v", r)
	}
	if r.Config.MaxNewTokens != cfg.MaxNewTokens || r.Config.TopK != cfg.TopK {
		t.Fatalf("config round-trip: %+v", r.Config)
	}
}

func TestListNewestFirst(t *testing.T) {
	t.Parallel()
	s := openTemp(t)

	for i, prompt := range []string{"first", "second", "third"} {
		_, err := s.Record(Run{
			Model:  "m",
			Mode:   "plain",
			Prompt: prompt,
			Output: prompt,
		})
		if err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}
	runs, err := s.List(2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("limit ignored: got %d rows", len(runs))
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "dir", "runs.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open with missing directory: %v", err)
	}
	defer s.Close()
	if _, err := s.Record(Run{Model: "m", Mode: "plain"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
}
