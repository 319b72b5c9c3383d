package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func sseServer(t *testing.T, chunks []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
			if flusher != nil {
				flusher.Flush()
			}
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		if flusher != nil {
			flusher.Flush()
		}
	}))
}

func TestOpenAILLMStreamComplete(t *testing.T) {
	server := sseServer(t, []string{
		`{"choices":[{"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`{"choices":[{"delta":{}}],"usage":{"prompt_tokens":5,"completion_tokens":2}}`,
	})
	defer server.Close()

	l := &OpenAILLM{apiKey: "test-key", url: server.URL, model: "gpt-4o"}

	ch, err := l.StreamComplete(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var out strings.Builder
	var sawUsage bool
	for chunk := range ch {
		if chunk.Done {
			break
		}
		out.WriteString(chunk.Delta)
		if chunk.InputTokens > 0 {
			sawUsage = true
		}
	}

	if out.String() != "Hello" {
		t.Errorf("expected accumulated 'Hello', got %q", out.String())
	}
	if !sawUsage {
		t.Error("expected to observe usage counts before the Done chunk")
	}
	if l.Name() != "openai-llm" {
		t.Errorf("expected openai-llm, got %s", l.Name())
	}
}
