package audio

import (
	"bytes"
	"math"
	"sync"
	"time"
)

// EchoSuppressor detects and filters speaker echo out of microphone frames
// before they reach the VAD and Streaming Transcriber. Without it, the
// assistant's own synthesized voice can be mistaken for user speech and
// trigger spurious barge-in. It correlates incoming frames against a rolling
// buffer of recently-played AudioSegment samples.
type EchoSuppressor struct {
	mu             sync.Mutex
	sampleRate     int
	playedAudioBuf *bytes.Buffer
	maxBufSize     int
	echoThreshold  float64
	echoSilence    time.Duration
	lastPlayedAt   time.Time
	enabled        bool
}

// NewEchoSuppressor creates a suppressor sized for the given sample rate
// (16-bit mono PCM). A ~2 second rolling reference buffer is kept.
func NewEchoSuppressor(sampleRate int) *EchoSuppressor {
	if sampleRate <= 0 {
		sampleRate = 44100
	}
	return &EchoSuppressor{
		sampleRate:     sampleRate,
		playedAudioBuf: new(bytes.Buffer),
		maxBufSize:     sampleRate * 2 * 2, // ~2s, 16-bit mono
		echoThreshold:  0.55,
		echoSilence:    1200 * time.Millisecond,
		enabled:        true,
	}
}

// RecordPlayedAudio records samples that were just handed to the playback
// collaborator so later mic frames can be correlated against them.
func (es *EchoSuppressor) RecordPlayedAudio(chunk []byte) {
	if !es.enabled || len(chunk) == 0 {
		return
	}
	es.mu.Lock()
	defer es.mu.Unlock()

	es.playedAudioBuf.Write(chunk)
	es.lastPlayedAt = time.Now()

	if es.playedAudioBuf.Len() > es.maxBufSize {
		data := es.playedAudioBuf.Bytes()
		trim := data[len(data)-es.maxBufSize:]
		es.playedAudioBuf.Reset()
		es.playedAudioBuf.Write(trim)
	}
}

// IsEcho reports whether inputChunk correlates strongly enough with recently
// played audio to be considered echo rather than genuine user speech.
func (es *EchoSuppressor) IsEcho(inputChunk []byte) bool {
	if !es.enabled || len(inputChunk) == 0 {
		return false
	}

	es.mu.Lock()
	defer es.mu.Unlock()

	if time.Since(es.lastPlayedAt) > es.echoSilence {
		return false
	}

	playedData := es.playedAudioBuf.Bytes()
	if len(playedData) == 0 {
		return false
	}

	if es.calculateCorrelation(inputChunk, playedData) > es.echoThreshold {
		return true
	}

	envCorr := maxEnvelopeCorrelation(bytesToSamples(inputChunk), bytesToSamples(playedData), 8)
	return envCorr > es.echoThreshold+0.05
}

// RemoveEchoRealtime mutes inputChunk if it correlates with recently played
// audio, returning a cleaned copy; otherwise it returns an unmodified copy.
// This is a lightweight single-scale detector, not a full adaptive AEC.
func (es *EchoSuppressor) RemoveEchoRealtime(input []byte) []byte {
	out := make([]byte, len(input))
	copy(out, input)
	if !es.enabled || len(input) == 0 {
		return out
	}

	es.mu.Lock()
	if time.Since(es.lastPlayedAt) > es.echoSilence {
		es.mu.Unlock()
		return out
	}
	ref := make([]byte, es.playedAudioBuf.Len())
	copy(ref, es.playedAudioBuf.Bytes())
	threshold := es.echoThreshold
	es.mu.Unlock()

	if len(ref) == 0 {
		return out
	}

	inSamples := bytesToSamples(input)
	refSamples := bytesToSamples(ref)
	if len(inSamples) == 0 || len(refSamples) == 0 {
		return out
	}

	compareLen := len(inSamples)
	if compareLen > len(refSamples) {
		compareLen = len(refSamples)
	}
	inSeg := inSamples[:compareLen]
	inEnergy := calculateEnergy(inSeg)
	if inEnergy == 0 {
		return out
	}

	stride := compareLen / 4
	if stride < 8 {
		stride = 8
	}

	maxCorr := 0.0
	searchRange := len(refSamples) - compareLen + 1
	for pos := 0; pos < searchRange; pos += stride {
		seg := refSamples[pos : pos+compareLen]
		segEnergy := calculateEnergy(seg)
		if segEnergy == 0 {
			continue
		}
		dot := 0.0
		for i := 0; i < compareLen; i++ {
			dot += inSeg[i] * seg[i]
		}
		corr := dot / math.Sqrt(inEnergy*segEnergy)
		if corr > maxCorr {
			maxCorr = corr
			if maxCorr >= 0.999 {
				break
			}
		}
	}

	if maxCorr < threshold {
		envCorr := maxEnvelopeCorrelation(inSeg, refSamples, 8)
		if envCorr < threshold+0.05 {
			return out
		}
	}

	muted := make([]byte, len(input))
	if len(muted) > compareLen*2 {
		copy(muted[compareLen*2:], input[compareLen*2:])
	}
	return muted
}

// ClearEchoBuffer discards the played-audio reference buffer. Call this when
// a Turn is cancelled so new speech is evaluated against no stale reference.
func (es *EchoSuppressor) ClearEchoBuffer() {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.playedAudioBuf.Reset()
}

// SetThreshold adjusts the echo correlation threshold in [0,1] (higher = a closer match to recent playback is needed before input counts as echo).
func (es *EchoSuppressor) SetThreshold(threshold float64) {
	es.mu.Lock()
	defer es.mu.Unlock()
	if threshold >= 0 && threshold <= 1 {
		es.echoThreshold = threshold
	}
}

// SetEnabled toggles echo suppression entirely.
func (es *EchoSuppressor) SetEnabled(enabled bool) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.enabled = enabled
}

func (es *EchoSuppressor) calculateCorrelation(input, reference []byte) float64 {
	inputSamples := bytesToSamples(input)
	refSamples := bytesToSamples(reference)
	if len(inputSamples) == 0 || len(refSamples) == 0 {
		return 0
	}

	compareLen := len(inputSamples)
	if compareLen > len(refSamples) {
		compareLen = len(refSamples)
	}
	refCompare := refSamples[len(refSamples)-compareLen:]

	inputEnergy := calculateEnergy(inputSamples)
	refCompareEnergy := calculateEnergy(refCompare)
	if inputEnergy == 0 || refCompareEnergy == 0 {
		return 0
	}

	correlation := 0.0
	for i := 0; i < len(inputSamples) && i < len(refCompare); i++ {
		correlation += inputSamples[i] * refCompare[i]
	}

	normFactor := math.Sqrt(inputEnergy * refCompareEnergy)
	if normFactor == 0 {
		return 0
	}
	normalizedCorr := correlation / normFactor
	if normalizedCorr < 0 {
		normalizedCorr = 0
	} else if normalizedCorr > 1 {
		normalizedCorr = 1
	}
	return normalizedCorr
}

func bytesToSamples(data []byte) []float64 {
	samples := make([]float64, 0, len(data)/2)
	for i := 0; i < len(data)-1; i += 2 {
		sample := int16(data[i]) | (int16(data[i+1]) << 8)
		samples = append(samples, float64(sample)/32768.0)
	}
	return samples
}

func calculateEnergy(samples []float64) float64 {
	energy := 0.0
	for _, s := range samples {
		energy += s * s
	}
	return energy
}

// maxEnvelopeCorrelation compares the absolute-value energy envelope
// (downsampled by decimation) of two signals, catching high-frequency
// content ('s' sounds) that raw sample correlation misses under room phase
// shifts.
func maxEnvelopeCorrelation(inSamples, refSamples []float64, decimation int) float64 {
	if len(inSamples) == 0 || len(refSamples) == 0 {
		return 0
	}
	inEnv := envelope(inSamples, decimation)
	refEnv := envelope(refSamples, decimation)

	compareLen := len(inEnv)
	if compareLen > len(refEnv) {
		compareLen = len(refEnv)
	}
	if compareLen == 0 {
		return 0
	}

	inMean := mean(inEnv[:compareLen])
	inVar := 0.0
	centered := make([]float64, compareLen)
	for i := 0; i < compareLen; i++ {
		centered[i] = inEnv[i] - inMean
		inVar += centered[i] * centered[i]
	}
	if inVar <= 0 {
		return 0
	}

	stride := compareLen / 4
	if stride < 2 {
		stride = 2
	}

	maxCorr := 0.0
	searchRange := len(refEnv) - compareLen + 1
	for pos := 0; pos < searchRange; pos += stride {
		refMean := mean(refEnv[pos : pos+compareLen])
		dot, refVar := 0.0, 0.0
		for i := 0; i < compareLen; i++ {
			r := refEnv[pos+i] - refMean
			dot += centered[i] * r
			refVar += r * r
		}
		if refVar > 0 {
			if corr := dot / math.Sqrt(inVar*refVar); corr > maxCorr {
				maxCorr = corr
			}
		}
	}
	return maxCorr
}

func envelope(samples []float64, decimation int) []float64 {
	env := make([]float64, len(samples)/decimation)
	for i := range env {
		sum := 0.0
		for j := 0; j < decimation; j++ {
			sum += math.Abs(samples[i*decimation+j])
		}
		env[i] = sum
	}
	return env
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
