package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/lokutor-ai/atlas-voice-core/pkg/audio"
	"github.com/lokutor-ai/atlas-voice-core/pkg/core"
	"github.com/lokutor-ai/atlas-voice-core/pkg/filler"
	"github.com/lokutor-ai/atlas-voice-core/pkg/generator"
	"github.com/lokutor-ai/atlas-voice-core/pkg/ledger"
	"github.com/lokutor-ai/atlas-voice-core/pkg/policy"
	"github.com/lokutor-ai/atlas-voice-core/pkg/providers/llm"
	"github.com/lokutor-ai/atlas-voice-core/pkg/providers/stt"
	"github.com/lokutor-ai/atlas-voice-core/pkg/providers/tts"
	"github.com/lokutor-ai/atlas-voice-core/pkg/router"
	"github.com/lokutor-ai/atlas-voice-core/pkg/synth"
	"github.com/lokutor-ai/atlas-voice-core/pkg/telemetry"
	"github.com/lokutor-ai/atlas-voice-core/pkg/transcriber"
	"github.com/lokutor-ai/atlas-voice-core/pkg/vad"
)

const defaultSampleRate = 16000

func newServeCmd() *cobra.Command {
	var (
		policyPath string
		ledgerPath string
		adminAddr  string
		useMic     bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the voice routing core, optionally reading the local microphone",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(policyPath, ledgerPath, adminAddr, useMic)
		},
	}
	cmd.Flags().StringVar(&policyPath, "policy", "", "path to a policy YAML file (uses documented defaults if empty)")
	cmd.Flags().StringVar(&ledgerPath, "ledger", "atlas-ledger.db", "path to the cost ledger's SQLite database")
	cmd.Flags().StringVar(&adminAddr, "admin-addr", "127.0.0.1:7777", "loopback address for the status/cancel/reload-policy control plane")
	cmd.Flags().BoolVar(&useMic, "mic", false, "capture from and play back to the local microphone/speaker via malgo")
	return cmd
}

func runServe(policyPath, ledgerPath, adminAddr string, useMic bool) error {
	if err := godotenv.Load(); err != nil {
		log.Println("note: no .env file found, using system environment variables")
	}

	pol := policy.Default()
	if policyPath != "" {
		loaded, err := policy.Load(policyPath)
		if err != nil {
			return configInvalidErr(fmt.Errorf("loading policy: %w", err))
		}
		pol = loaded
	}
	store := policy.NewStore(policyPath, pol)

	l, err := ledger.Open(ledgerPath, pol.Budget.MonthlyCapUSD, pol.Budget.DailyCapUSD, pol.Budget.SoftFraction, pol.Budget.HardFraction)
	if err != nil {
		return unavailableErr(fmt.Errorf("opening ledger: %w", err))
	}
	defer l.Close()

	sttBackend, err := buildSTT()
	if err != nil {
		return configInvalidErr(err)
	}
	ttsBackend, err := buildTTS()
	if err != nil {
		return configInvalidErr(err)
	}

	zlog, err := telemetry.NewZapLogger()
	if err != nil {
		return unavailableErr(fmt.Errorf("building logger: %w", err))
	}
	defer zlog.Sync()

	promExporter, err := prometheus.New()
	if err != nil {
		return unavailableErr(fmt.Errorf("building prometheus exporter: %w", err))
	}
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(promExporter))
	defer meterProvider.Shutdown(context.Background())

	sink, err := telemetry.NewOtelSink(meterProvider)
	if err != nil {
		return unavailableErr(fmt.Errorf("building telemetry sink: %w", err))
	}

	synthesizer := synth.New(ttsBackend, defaultSampleRate, pol.Synth, "f1", "en")
	fillerPlayer := filler.New(synthesizer, pol.Filler.Phrases)

	generators := map[router.Tier]generator.Generator{
		router.Local: generator.NewLocalGenerator(l),
	}
	if fast, err := buildRemoteLLM(); err == nil {
		generators[router.Fast] = generator.NewFastGenerator(fast, l, generator.UnitCostEstimator(pol.Tiers.Fast.UnitCostInput, pol.Tiers.Fast.UnitCostOutput))
		generators[router.Agent] = generator.NewAgentGenerator(fast, l, generator.UnitCostEstimator(pol.Tiers.Agent.UnitCostInput, pol.Tiers.Agent.UnitCostOutput))
	} else {
		zlog.Warn("no remote LLM backend configured, FAST/AGENT fall back to LOCAL", "err", err)
		generators[router.Fast] = generators[router.Local]
		generators[router.Agent] = generators[router.Local]
	}

	out := &deviceOutput{}

	controller := core.New(core.Config{
		VAD:         vad.New(vad.Config{MinSpeechMS: pol.VAD.MinSpeechMS, MinSilenceMS: pol.VAD.MinSilenceMS, SpeechPadMS: pol.VAD.SpeechPadMS, Threshold: pol.VAD.Threshold}),
		Echo:        audio.NewEchoSuppressor(defaultSampleRate),
		Transcriber: transcriber.New(sttBackend),
		Router:      router.New(nil, nil),
		Generators:  generators,
		Synth:       synthesizer,
		Filler:      fillerPlayer,
		Ledger:      l,
		Policy:      store,
		Sink:        sink,
		Logger:      zlog,
		Output:      out,
		SampleRate:  defaultSampleRate,
	})

	admin := &adminServer{controller: controller, ledger: l, policy: store}
	listener, err := net.Listen("tcp", adminAddr)
	if err != nil {
		return unavailableErr(fmt.Errorf("binding admin address %s: %w", adminAddr, err))
	}
	mux := admin.mux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux}
	go srv.Serve(listener)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if useMic {
		return runWithMic(ctx, controller, out)
	}
	fmt.Println("atlasd serving (no --mic: feed pkg/core.Controller.PushFrame from your own capture source)")
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	controller.Close()
	return nil
}

func buildSTT() (transcriber.Backend, error) {
	name := os.Getenv("STT_PROVIDER")
	if name == "" {
		name = "groq"
	}
	lang := envOr("AGENT_LANGUAGE", "en")
	switch name {
	case "openai":
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY must be set for openai STT")
		}
		return stt.NewOpenAISTT(key, "whisper-1", lang), nil
	case "deepgram":
		key := os.Getenv("DEEPGRAM_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("DEEPGRAM_API_KEY must be set for deepgram STT")
		}
		return stt.NewDeepgramSTT(key, lang), nil
	case "assemblyai":
		key := os.Getenv("ASSEMBLYAI_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("ASSEMBLYAI_API_KEY must be set for assemblyai STT")
		}
		return stt.NewAssemblyAISTT(key, lang), nil
	default:
		key := os.Getenv("GROQ_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("GROQ_API_KEY must be set for groq STT")
		}
		model := envOr("GROQ_STT_MODEL", "whisper-large-v3-turbo")
		return stt.NewGroqSTT(key, model, lang), nil
	}
}

func buildTTS() (synth.Backend, error) {
	key := os.Getenv("LOKUTOR_API_KEY")
	if key == "" {
		return nil, fmt.Errorf("LOKUTOR_API_KEY must be set")
	}
	return tts.NewLokutorTTS(key), nil
}

func buildRemoteLLM() (generator.StreamBackend, error) {
	name := os.Getenv("LLM_PROVIDER")
	if name == "" {
		name = "groq"
	}
	switch name {
	case "openai":
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY must be set for openai LLM")
		}
		return llm.NewOpenAILLM(key, "gpt-4o"), nil
	case "anthropic":
		key := os.Getenv("ANTHROPIC_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY must be set for anthropic LLM")
		}
		return llm.NewAnthropicLLM(key, "claude-3-5-sonnet-20241022"), nil
	case "google":
		key := os.Getenv("GOOGLE_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("GOOGLE_API_KEY must be set for google LLM")
		}
		return llm.NewGoogleLLM(key, "gemini-1.5-flash"), nil
	default:
		key := os.Getenv("GROQ_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("GROQ_API_KEY must be set for groq LLM")
		}
		return llm.NewGroqLLM(key, "llama-3.3-70b-versatile"), nil
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// deviceOutput adapts pkg/audio.AudioSink to a byte buffer malgo's playback
// callback drains, the way cmd/agent's onSamples closure does inline.
type deviceOutput struct {
	mu      sync.Mutex
	pending []byte
}

func (d *deviceOutput) Play(seg audio.AudioSegment) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, seg.Samples...)
	return nil
}

func (d *deviceOutput) drain(out []byte) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := copy(out, d.pending)
	d.pending = d.pending[n:]
	return n
}

// runWithMic mirrors cmd/agent/main.go's malgo duplex device loop: capture
// frames feed Controller.PushFrame, playback is drained from out.
func runWithMic(ctx context.Context, controller *core.Controller, out *deviceOutput) error {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return unavailableErr(err)
	}
	defer mctx.Uninit()

	var tsMS int64
	var rmsMu sync.Mutex
	lastRMS := 0.0

	onSamples := func(pOutput, pInput []byte, frameCount uint32) {
		if pInput != nil {
			rms := rmsEnergy(pInput)
			rmsMu.Lock()
			lastRMS = rms
			rmsMu.Unlock()

			controller.PushFrame(audio.Frame{Samples: append([]byte(nil), pInput...), SampleRate: defaultSampleRate, TimestampMS: tsMS})
			tsMS += int64(frameCount) * 1000 / defaultSampleRate
		}
		if pOutput != nil {
			n := out.drain(pOutput)
			for i := n; i < len(pOutput); i++ {
				pOutput[i] = 0
			}
		}
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Duplex)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = defaultSampleRate

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onSamples})
	if err != nil {
		return unavailableErr(err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		return unavailableErr(err)
	}

	fmt.Println("atlasd listening to the microphone. Press Ctrl+C to exit.")

	go func() {
		for {
			rmsMu.Lock()
			level := lastRMS
			rmsMu.Unlock()
			dots := int(level * 500)
			if dots > 40 {
				dots = 40
			}
			fmt.Printf("\r[MIC %-40s]", repeat("|", dots))
			time.Sleep(100 * time.Millisecond)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Println("\nshutting down...")
	controller.Close()
	return nil
}

func rmsEnergy(pcm []byte) float64 {
	var sum float64
	n := 0
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(pcm[i]) | (int16(pcm[i+1]) << 8)
		f := float64(sample) / 32768.0
		sum += f * f
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}

func repeat(s string, n int) string {
	out := make([]byte, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, s[0])
	}
	return string(out)
}
