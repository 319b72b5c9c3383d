package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// DeepgramSTT calls Deepgram's prerecorded /listen endpoint. Deepgram's
// response carries a per-alternative confidence score, so this backend
// feeds it straight to the transcriber rather than relying on the default
// fallback.
type DeepgramSTT struct {
	apiKey   string
	url      string
	language string
}

func NewDeepgramSTT(apiKey, language string) *DeepgramSTT {
	return &DeepgramSTT{
		apiKey:   apiKey,
		url:      "https://api.deepgram.com/v1/listen",
		language: language,
	}
}

func (s *DeepgramSTT) Name() string { return "deepgram-stt" }

func (s *DeepgramSTT) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, *float64, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return "", nil, err
	}

	params := u.Query()
	params.Set("model", "nova-2")
	params.Set("smart_format", "true")
	if s.language != "" {
		params.Set("language", s.language)
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, "POST", u.String(), bytes.NewReader(pcm))
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Authorization", "Token "+s.apiKey)
	req.Header.Set("Content-Type", fmt.Sprintf("audio/l16; rate=%d; channels=1", sampleRate))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", nil, fmt.Errorf("deepgram error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Results struct {
			Channels []struct {
				Alternatives []struct {
					Transcript string  `json:"transcript"`
					Confidence float64 `json:"confidence"`
				} `json:"alternatives"`
			} `json:"channels"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", nil, err
	}

	if len(result.Results.Channels) == 0 || len(result.Results.Channels[0].Alternatives) == 0 {
		return "", nil, nil
	}

	alt := result.Results.Channels[0].Alternatives[0]
	conf := alt.Confidence
	return alt.Transcript, &conf, nil
}
