package devserver

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Transcript is one speech recognition result.
type Transcript struct {
	Text  string
	Final bool
}

type speakerState int

const (
	stateIdle speakerState = iota
	stateUserSpeaking
	stateAssistantSpeaking
)

// turnTaker buffers final transcripts and commits them as one utterance once
// no new final has arrived for the grace period.
type turnTaker struct {
	mu      sync.Mutex
	state   speakerState
	grace   time.Duration
	pending strings.Builder
	timer   *time.Timer
	commit  func(text string)
	logger  zerolog.Logger
}

func newTurnTaker(grace time.Duration, commit func(string), logger zerolog.Logger) *turnTaker {
	return &turnTaker{
		grace:  grace,
		commit: commit,
		logger: logger,
	}
}

// Run feeds transcripts from in until ctx is done or in is closed.
func (t *turnTaker) Run(ctx context.Context, in <-chan Transcript) {
	defer t.stop()
	for {
		select {
		case <-ctx.Done():
			return
		case tr, ok := <-in:
			if !ok {
				return
			}
			t.add(tr)
		}
	}
}

func (t *turnTaker) add(tr Transcript) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == stateAssistantSpeaking {
		return
	}
	text := strings.TrimSpace(tr.Text)
	if !tr.Final {
		if text != "" {
			t.logger.Debug().Str("text", text).Msg("partial transcript")
		}
		return
	}
	if text == "" {
		return
	}

	if t.pending.Len() > 0 {
		t.pending.WriteString(" ")
	}
	t.pending.WriteString(text)
	t.state = stateUserSpeaking

	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.grace, t.flush)
}

func (t *turnTaker) flush() {
	t.mu.Lock()
	text := strings.TrimSpace(t.pending.String())
	t.pending.Reset()
	t.timer = nil
	if t.state == stateUserSpeaking {
		t.state = stateIdle
	}
	t.mu.Unlock()

	if text == "" {
		return
	}
	t.logger.Debug().Dur("grace", t.grace).Str("text", text).Msg("utterance committed")
	t.commit(text)
}

// SetAssistantSpeaking drops transcripts while on, so the assistant's own
// voice is not taken as input.
func (t *turnTaker) SetAssistantSpeaking(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if on {
		t.state = stateAssistantSpeaking
	} else {
		t.state = stateIdle
	}
}

func (t *turnTaker) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
