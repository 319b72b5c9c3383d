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

// GoogleLLM talks to the Gemini streamGenerateContent endpoint over SSE
// (alt=sse). cmd/atlasd selects it with LLM_PROVIDER=google, as the one
// remote backend behind both the FAST and AGENT tiers.
type GoogleLLM struct {
	apiKey string
	url    string
	model  string
}

func NewGoogleLLM(apiKey, model string) *GoogleLLM {
	if model == "" {
		model = "gemini-1.5-flash"
	}
	return &GoogleLLM{
		apiKey: apiKey,
		url:    "https://generativelanguage.googleapis.com/v1beta/models/" + model + ":streamGenerateContent",
		model:  model,
	}
}

func (l *GoogleLLM) Name() string { return "google-llm" }

type googleMessage struct {
	Role  string `json:"role"`
	Parts []struct {
		Text string `json:"text"`
	} `json:"parts"`
}

func (l *GoogleLLM) StreamComplete(ctx context.Context, messages []Message) (<-chan StreamChunk, error) {
	var googleMessages []googleMessage
	for _, m := range messages {
		role := m.Role
		if role == "system" {
			role = "user"
		}
		if role == "assistant" {
			role = "model"
		}
		msg := googleMessage{Role: role}
		msg.Parts = append(msg.Parts, struct {
			Text string `json:"text"`
		}{Text: m.Content})
		googleMessages = append(googleMessages, msg)
	}

	body, err := json.Marshal(map[string]interface{}{"contents": googleMessages})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", l.url+"?alt=sse&key="+l.apiKey, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return nil, fmt.Errorf("google llm error (status %d): %v", resp.StatusCode, errResp)
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

			var chunk struct {
				Candidates []struct {
					Content struct {
						Parts []struct {
							Text string `json:"text"`
						} `json:"parts"`
					} `json:"content"`
				} `json:"candidates"`
				UsageMetadata *struct {
					PromptTokenCount     int64 `json:"promptTokenCount"`
					CandidatesTokenCount int64 `json:"candidatesTokenCount"`
				} `json:"usageMetadata"`
			}
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}

			sc := StreamChunk{}
			if len(chunk.Candidates) > 0 && len(chunk.Candidates[0].Content.Parts) > 0 {
				sc.Delta = chunk.Candidates[0].Content.Parts[0].Text
			}
			if chunk.UsageMetadata != nil {
				sc.InputTokens = chunk.UsageMetadata.PromptTokenCount
				sc.OutputTokens = chunk.UsageMetadata.CandidatesTokenCount
			}
			select {
			case out <- sc:
			case <-ctx.Done():
				return
			}
		}
		out <- StreamChunk{Done: true}
	}()

	return out, nil
}
