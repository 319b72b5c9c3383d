package stt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDeepgramSTT(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("language") != "en" {
			t.Errorf("expected language=en query param, got %q", r.URL.Query().Get("language"))
		}

		resp := map[string]interface{}{
			"results": map[string]interface{}{
				"channels": []map[string]interface{}{
					{
						"alternatives": []map[string]interface{}{
							{"transcript": "deepgram transcription", "confidence": 0.87},
						},
					},
				},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	s := &DeepgramSTT{apiKey: "test-key", url: server.URL, language: "en"}

	result, confidence, err := s.Transcribe(context.Background(), []byte{0}, 16000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "deepgram transcription" {
		t.Errorf("expected 'deepgram transcription', got '%s'", result)
	}
	if confidence == nil || *confidence != 0.87 {
		t.Errorf("expected confidence 0.87, got %v", confidence)
	}
	if s.Name() != "deepgram-stt" {
		t.Errorf("expected deepgram-stt, got %s", s.Name())
	}
}

func TestDeepgramSTTEmptyAlternatives(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"results": map[string]interface{}{"channels": []map[string]interface{}{}},
		})
	}))
	defer server.Close()

	s := &DeepgramSTT{apiKey: "test-key", url: server.URL}
	result, confidence, err := s.Transcribe(context.Background(), []byte{0}, 16000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "" || confidence != nil {
		t.Errorf("expected empty result and nil confidence, got %q %v", result, confidence)
	}
}
