package llm

// GroqLLM wraps OpenAILLM since Groq exposes an OpenAI-compatible chat
// completions API (same request/response/SSE shape, different base URL
// and model catalogue).
type GroqLLM struct {
	*OpenAILLM
}

func NewGroqLLM(apiKey, model string) *GroqLLM {
	if model == "" {
		model = "llama3-70b-8192"
	}
	inner := &OpenAILLM{
		apiKey: apiKey,
		url:    "https://api.groq.com/openai/v1/chat/completions",
		model:  model,
	}
	return &GroqLLM{OpenAILLM: inner}
}

func (l *GroqLLM) Name() string { return "groq-llm" }
