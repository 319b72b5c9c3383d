package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Message mirrors the teacher orchestrator's chat message shape.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamChunk is one token delta from a streaming chat completion, plus
// usage counts (populated on whichever chunk the backend reports them in,
// if it supplies them; for OpenAI-compatible streams that is a usage chunk
// before the Done chunk).
type StreamChunk struct {
	Delta        string
	Done         bool
	InputTokens  int64
	OutputTokens int64
}

// OpenAILLM talks to OpenAI's (and OpenAI-compatible, e.g. Groq/Fireworks)
// chat completions endpoint over plain net/http with Server-Sent Events
// streaming, the way the teacher orchestrator's providers avoid vendor
// SDKs entirely.
type OpenAILLM struct {
	apiKey string
	url    string
	model  string
}

func NewOpenAILLM(apiKey, model string) *OpenAILLM {
	if model == "" {
		model = "gpt-4o"
	}
	return &OpenAILLM{
		apiKey: apiKey,
		url:    "https://api.openai.com/v1/chat/completions",
		model:  model,
	}
}

func (l *OpenAILLM) Name() string { return "openai-llm" }

// StreamComplete issues a streaming chat completion request and forwards
// each token delta on the returned channel, closing it when the stream
// ends (normally or on ctx cancellation).
func (l *OpenAILLM) StreamComplete(ctx context.Context, messages []Message) (<-chan StreamChunk, error) {
	payload := map[string]interface{}{
		"model":           l.model,
		"messages":        messages,
		"stream":          true,
		"stream_options":  map[string]bool{"include_usage": true},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", l.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return nil, fmt.Errorf("openai llm error (status %d): %v", resp.StatusCode, errResp)
	}

	out := make(chan StreamChunk, 8)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				out <- StreamChunk{Done: true}
				return
			}

			var chunk struct {
				Choices []struct {
					Delta struct {
						Content string `json:"content"`
					} `json:"delta"`
				} `json:"choices"`
				Usage *struct {
					PromptTokens     int64 `json:"prompt_tokens"`
					CompletionTokens int64 `json:"completion_tokens"`
				} `json:"usage"`
			}
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}

			sc := StreamChunk{}
			if len(chunk.Choices) > 0 {
				sc.Delta = chunk.Choices[0].Delta.Content
			}
			if chunk.Usage != nil {
				sc.InputTokens = chunk.Usage.PromptTokens
				sc.OutputTokens = chunk.Usage.CompletionTokens
			}
			select {
			case out <- sc:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
