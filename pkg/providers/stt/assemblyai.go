package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// AssemblyAISTT polls AssemblyAI's async transcription API: upload, submit,
// then poll until completed or errored.
type AssemblyAISTT struct {
	apiKey    string
	baseURL   string
	language  string
	pollEvery time.Duration
}

func NewAssemblyAISTT(apiKey, language string) *AssemblyAISTT {
	return &AssemblyAISTT{
		apiKey:    apiKey,
		baseURL:   "https://api.assemblyai.com/v2",
		language:  language,
		pollEvery: 500 * time.Millisecond,
	}
}

func (s *AssemblyAISTT) Name() string { return "assemblyai-stt" }

func (s *AssemblyAISTT) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, *float64, error) {
	uploadURL, err := s.upload(ctx, pcm)
	if err != nil {
		return "", nil, err
	}

	transcriptID, err := s.submit(ctx, uploadURL)
	if err != nil {
		return "", nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-time.After(s.pollEvery):
			text, confidence, status, err := s.getTranscript(ctx, transcriptID)
			if err != nil {
				return "", nil, err
			}
			if status == "completed" {
				return text, confidence, nil
			}
			if status == "error" {
				return "", nil, fmt.Errorf("assemblyai transcription failed")
			}
		}
	}
}

func (s *AssemblyAISTT) upload(ctx context.Context, pcm []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/upload", bytes.NewReader(pcm))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", s.apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result struct {
		UploadURL string `json:"upload_url"`
	}
	json.NewDecoder(resp.Body).Decode(&result)
	return result.UploadURL, nil
}

func (s *AssemblyAISTT) submit(ctx context.Context, uploadURL string) (string, error) {
	payload := map[string]interface{}{
		"audio_url": uploadURL,
	}
	if s.language != "" {
		payload["language_code"] = s.language
	}

	body, _ := json.Marshal(payload)
	req, _ := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/transcript", bytes.NewReader(body))
	req.Header.Set("Authorization", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result struct {
		ID string `json:"id"`
	}
	json.NewDecoder(resp.Body).Decode(&result)
	return result.ID, nil
}

func (s *AssemblyAISTT) getTranscript(ctx context.Context, id string) (string, *float64, string, error) {
	req, _ := http.NewRequestWithContext(ctx, "GET", s.baseURL+"/transcript/"+id, nil)
	req.Header.Set("Authorization", s.apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil, "", err
	}
	defer resp.Body.Close()

	var result struct {
		Status     string   `json:"status"`
		Text       string   `json:"text"`
		Confidence *float64 `json:"confidence"`
	}
	json.NewDecoder(resp.Body).Decode(&result)
	return result.Text, result.Confidence, result.Status, nil
}
