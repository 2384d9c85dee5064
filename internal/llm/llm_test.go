package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voicesearch/internal/config"
)

func TestCompleteConcatenatesChunks(t *testing.T) {
	g := &MockGenerator{Reply: func(req Request) (string, error) {
		return "  corrected: " + req.Prompt + "\n", nil
	}}
	out, err := Complete(context.Background(), g, Request{Prompt: "tim sach"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != "corrected: tim sach" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestMockPropagatesError(t *testing.T) {
	want := errors.New("quota exceeded")
	g := &MockGenerator{Reply: func(Request) (string, error) { return "", want }}
	if _, err := Complete(context.Background(), g, Request{}); !errors.Is(err, want) {
		t.Fatalf("expected reply error, got %v", err)
	}
}

func TestNewSelectsBackend(t *testing.T) {
	if _, err := New(config.LLMConfig{Mode: "mock"}); err != nil {
		t.Fatalf("mock: %v", err)
	}
	if _, err := New(config.LLMConfig{Mode: "exec", Command: ""}); err == nil {
		t.Fatalf("expected empty exec command to fail")
	}
	if _, err := New(config.LLMConfig{Mode: "bogus"}); err == nil {
		t.Fatalf("expected unknown mode to fail")
	}
}

func TestOllamaStreamsNDJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		var req ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Model != defaultOllamaModel || req.Options.NumPredict != 150 {
			http.Error(w, "unexpected request", http.StatusBadRequest)
			return
		}
		fmt.Fprintln(w, `{"response":"SELECT * ","done":false}`)
		fmt.Fprintln(w, `{"response":"FROM books","done":true,"eval_count":4}`)
	}))
	defer srv.Close()

	g := NewOllamaGenerator(srv.URL, "")
	out, err := Complete(context.Background(), g, Request{Prompt: "python", MaxTokens: 150})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != "SELECT * FROM books" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestOpenAIStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"tìm sách", " python"} {
			payload, _ := json.Marshal(map[string]any{
				"id":      "chunk",
				"object":  "chat.completion.chunk",
				"choices": []map[string]any{{"index": 0, "delta": map[string]string{"content": part}}},
			})
			fmt.Fprintf(w, "data: %s\n\n", payload)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	g := NewOpenAIGenerator("test-key", srv.URL, "")
	out, err := Complete(context.Background(), g, Request{System: "fix spelling", Prompt: "tim sach python"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != "tìm sách python" {
		t.Fatalf("unexpected output %q", out)
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	script := filepath.Join(t.TempDir(), "complete.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return script
}

func TestExecGeneratorPassesPromptSettings(t *testing.T) {
	seen := filepath.Join(t.TempDir(), "request.json")
	script := writeScript(t, "cat > "+seen+"\necho '{\"content\":\"SELECT * FROM books\",\"completion_tokens\":5}'\n")

	g, err := NewExecGenerator(script, "qwen2.5")
	if err != nil {
		t.Fatalf("new exec generator: %v", err)
	}
	var chunks []Chunk
	err = g.Generate(context.Background(), Request{SessionID: "s1", System: "write sql", Prompt: "python", MaxTokens: 200, Temperature: 0.1},
		func(c Chunk) error { chunks = append(chunks, c); return nil })
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Content != "SELECT * FROM books" || chunks[0].CompletionTokens != 5 || chunks[0].SessionID != "s1" {
		t.Fatalf("unexpected chunks %+v", chunks)
	}

	data, err := os.ReadFile(seen)
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	var req execRequest
	if err := json.Unmarshal(data, &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if req.System != "write sql" || req.Prompt != "python" || req.MaxTokens != 200 || req.Temperature != 0.1 || req.Model != "qwen2.5" {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestExecGeneratorPlainTextOutput(t *testing.T) {
	script := writeScript(t, "cat >/dev/null\necho 'tìm sách python'\n")
	g, err := NewExecGenerator(script, "")
	if err != nil {
		t.Fatalf("new exec generator: %v", err)
	}
	out, err := Complete(context.Background(), g, Request{Prompt: "tim sach pyton"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != "tìm sách python" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestExecGeneratorFailures(t *testing.T) {
	script := writeScript(t, "cat >/dev/null\necho 'model not loaded' >&2\nexit 3\n")
	g, err := NewExecGenerator(script, "")
	if err != nil {
		t.Fatalf("new exec generator: %v", err)
	}
	if _, err := Complete(context.Background(), g, Request{Prompt: "python"}); err == nil || !strings.Contains(err.Error(), "model not loaded") {
		t.Fatalf("expected stderr in error, got %v", err)
	}

	script = writeScript(t, "cat >/dev/null\necho '{\"error\":\"context too long\"}'\n")
	g, _ = NewExecGenerator(script, "")
	if _, err := Complete(context.Background(), g, Request{Prompt: "python"}); err == nil || !strings.Contains(err.Error(), "context too long") {
		t.Fatalf("expected reported error, got %v", err)
	}
}

func TestNewAppliesTimeout(t *testing.T) {
	script := writeScript(t, "cat >/dev/null\nexec sleep 5\n")
	g, err := New(config.LLMConfig{Mode: "exec", Command: script, TimeoutMS: 100})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	started := time.Now()
	_, err = Complete(context.Background(), g, Request{Prompt: "python"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(started) > 3*time.Second {
		t.Fatalf("timeout not applied")
	}
}
