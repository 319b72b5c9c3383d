package core

import (
	"context"
	"sync"

	"github.com/lokutor-ai/atlas-voice-core/pkg/clock"
	"github.com/lokutor-ai/atlas-voice-core/pkg/router"
	"github.com/lokutor-ai/atlas-voice-core/pkg/transcriber"
)

// State is one point in the Turn state machine (spec.md §4.6).
type State string

const (
	StateIdle         State = "IDLE"
	StateCapturing    State = "CAPTURING"
	StateTranscribing State = "TRANSCRIBING"
	StateClassifying  State = "CLASSIFYING"
	StateDispatching  State = "DISPATCHING"
	StateSpeaking     State = "SPEAKING"
	StateDone         State = "DONE"
	StateCancelled    State = "CANCELLED"
)

// Turn is one pass through the state machine, from SpeechStart to a final
// audio segment or cancellation. Turns are processed strictly sequentially
// (spec.md §4.6): the Controller never runs two Turns' dispatch phases
// concurrently.
type Turn struct {
	ID            string
	Cancel        *clock.Handle
	SpeechStartMS int64
	SpeechEndMS   int64
	Utterance     *transcriber.Utterance
	Decision      *router.TierDecision

	mu       sync.Mutex
	state    State
	doneOnce sync.Once
	done     chan struct{}
}

func newTurn(id string, speechStartMS int64) *Turn {
	return &Turn{
		ID:            id,
		Cancel:        clock.New(context.Background()),
		SpeechStartMS: speechStartMS,
		state:         StateCapturing,
		done:          make(chan struct{}),
	}
}

// State returns the Turn's current state.
func (t *Turn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Turn) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Turn) isTerminal() bool {
	s := t.State()
	return s == StateDone || s == StateCancelled
}

// finish moves the Turn to a terminal state and releases any goroutine
// waiting on Done. Safe to call more than once (e.g. a barge-in racing a
// Turn's own natural completion).
func (t *Turn) finish(s State) {
	t.setState(s)
	t.doneOnce.Do(func() { close(t.done) })
}

// Done closes once the Turn reaches DONE or CANCELLED.
func (t *Turn) Done() <-chan struct{} {
	return t.done
}
