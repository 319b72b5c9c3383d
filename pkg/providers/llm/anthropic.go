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

// AnthropicLLM talks to the Anthropic Messages API with streaming enabled,
// backing both remote tiers (FAST and AGENT) when cmd/atlasd selects it
// with LLM_PROVIDER=anthropic.
type AnthropicLLM struct {
	apiKey string
	url    string
	model  string
}

func NewAnthropicLLM(apiKey, model string) *AnthropicLLM {
	if model == "" {
		model = "claude-3-5-sonnet-20240620"
	}
	return &AnthropicLLM{
		apiKey: apiKey,
		url:    "https://api.anthropic.com/v1/messages",
		model:  model,
	}
}

func (l *AnthropicLLM) Name() string { return "anthropic-llm" }

// StreamComplete issues a streaming Messages request and forwards each
// text delta. Anthropic's streaming API reports input/output tokens across
// `message_start` and `message_delta` events.
func (l *AnthropicLLM) StreamComplete(ctx context.Context, messages []Message) (<-chan StreamChunk, error) {
	var system string
	var anthropicMessages []map[string]string
	for _, m := range messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		anthropicMessages = append(anthropicMessages, map[string]string{"role": m.Role, "content": m.Content})
	}

	payload := map[string]interface{}{
		"model":      l.model,
		"messages":   anthropicMessages,
		"max_tokens": 1024,
		"stream":     true,
	}
	if system != "" {
		payload["system"] = system
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
	req.Header.Set("x-api-key", l.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return nil, fmt.Errorf("anthropic llm error (status %d): %v", resp.StatusCode, errResp)
	}

	out := make(chan StreamChunk, 8)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		var inputTokens, outputTokens int64
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")

			var evt struct {
				Type  string `json:"type"`
				Delta struct {
					Text         string `json:"text"`
					OutputTokens int64  `json:"output_tokens"`
				} `json:"delta"`
				Message struct {
					Usage struct {
						InputTokens int64 `json:"input_tokens"`
					} `json:"usage"`
				} `json:"message"`
			}
			if err := json.Unmarshal([]byte(data), &evt); err != nil {
				continue
			}

			switch evt.Type {
			case "message_start":
				inputTokens = evt.Message.Usage.InputTokens
			case "content_block_delta":
				select {
				case out <- StreamChunk{Delta: evt.Delta.Text}:
				case <-ctx.Done():
					return
				}
			case "message_delta":
				if evt.Delta.OutputTokens > 0 {
					outputTokens = evt.Delta.OutputTokens
				}
			case "message_stop":
				out <- StreamChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
				return
			}
		}
		out <- StreamChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
	}()

	return out, nil
}
