package audio

import "testing"

func sineChunk(n int, amp int16) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := amp
		if i%4 >= 2 {
			v = -amp
		}
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

func TestIsEchoFalseWithoutPlayback(t *testing.T) {
	es := NewEchoSuppressor(44100)
	chunk := sineChunk(256, 8000)
	if es.IsEcho(chunk) {
		t.Fatal("expected no echo detected before any playback recorded")
	}
}

func TestIsEchoTrueForIdenticalPlayback(t *testing.T) {
	es := NewEchoSuppressor(44100)
	chunk := sineChunk(512, 12000)
	es.RecordPlayedAudio(chunk)
	if !es.IsEcho(chunk) {
		t.Fatal("expected identical recently-played audio to be detected as echo")
	}
}

func TestClearEchoBufferResetsDetection(t *testing.T) {
	es := NewEchoSuppressor(44100)
	chunk := sineChunk(512, 12000)
	es.RecordPlayedAudio(chunk)
	es.ClearEchoBuffer()
	if es.IsEcho(chunk) {
		t.Fatal("expected IsEcho to be false after ClearEchoBuffer")
	}
}

func TestSetEnabledDisablesDetection(t *testing.T) {
	es := NewEchoSuppressor(44100)
	chunk := sineChunk(512, 12000)
	es.RecordPlayedAudio(chunk)
	es.SetEnabled(false)
	if es.IsEcho(chunk) {
		t.Fatal("expected IsEcho to be false when suppressor disabled")
	}
}

func TestRemoveEchoRealtimeMutesMatchingChunk(t *testing.T) {
	es := NewEchoSuppressor(44100)
	chunk := sineChunk(512, 12000)
	es.RecordPlayedAudio(chunk)
	cleaned := es.RemoveEchoRealtime(chunk)
	allZero := true
	for _, b := range cleaned[:len(chunk)] {
		if b != 0 {
			allZero = false
			break
		}
	}
	if !allZero {
		t.Fatal("expected matching chunk to be muted by RemoveEchoRealtime")
	}
}
