package core

import (
	"sync"

	"github.com/lokutor-ai/atlas-voice-core/pkg/generator"
)

// History is the Turn Controller's running conversation context, adapted
// from the teacher's ConversationSession: a mutex-guarded, capped slice of
// messages shared across Turns.
type History struct {
	mu       sync.RWMutex
	messages []generator.Message
	max      int
}

// NewHistory builds a History capped at max messages (0 means unbounded).
func NewHistory(max int) *History {
	return &History{max: max}
}

func (h *History) Add(role, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, generator.Message{Role: role, Content: content})
	if h.max > 0 && len(h.messages) > h.max {
		h.messages = h.messages[len(h.messages)-h.max:]
	}
}

// Snapshot returns a copy of the current context, safe for a Generator to
// read without holding History's lock for the duration of a stream.
func (h *History) Snapshot() []generator.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]generator.Message, len(h.messages))
	copy(out, h.messages)
	return out
}

func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = nil
}
