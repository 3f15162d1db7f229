// Package dispatch turns parsed server turns into ordered side effects and
// holds the actions deferred until synthesized speech ends.
package dispatch

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/keshucs12345/dialogturn/internal/display"
	"github.com/keshucs12345/dialogturn/internal/metadata"
	"github.com/keshucs12345/dialogturn/internal/metrics"
	"github.com/keshucs12345/dialogturn/internal/playback"
)

// Media is the playback side the dispatcher drives.
type Media interface {
	PlayWithoutView(tag playback.Tag, url string)
	PlayAfterSpeech(b *metadata.Balloon)
	IsPlaying() bool
}

// Session is the session side the dispatcher drives. These calls may reset
// the dispatcher, so they are made outside its lock.
type Session interface {
	IsVoice() bool
	IsText() bool
	ArmWaiting()
	ClearWaiting()
	ArmSilence()
	ClearSilence()
	FinishText()
	SendFollowup(pb *metadata.Postback)
}

// Dispatcher owns the transcript and the deferred queues.
type Dispatcher struct {
	mu      sync.Mutex
	display display.Display
	media   Media
	session Session
	logger  zerolog.Logger
	metrics *metrics.Metrics

	transcript      []*metadata.Balloon
	pendingMedia    []*metadata.Balloon
	pendingSwitch   *metadata.AgentType
	pendingPostback *metadata.Postback
}

func New(d display.Display, media Media, session Session, logger zerolog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		display: d,
		media:   media,
		session: session,
		logger:  logger.With().Str("component", "dispatch").Logger(),
		metrics: m,
	}
}

// OnTurn applies one turn: queue bookkeeping, agent switch, status timers,
// balloons and finally the postback. The status step may reset the
// dispatcher, so it runs between two locked sections.
func (d *Dispatcher) OnTurn(turn *metadata.Turn) {
	voice := d.session.IsVoice()
	text := d.session.IsText()
	var followup *metadata.Postback

	d.mu.Lock()
	if turn.Utterance && turn.Postback != nil {
		// Holds the postback's slot so media from this turn cannot start first.
		d.pendingMedia = append(d.pendingMedia, nil)
	}

	if sa := turn.SwitchAgent; sa != nil {
		if sa.DeferUntilSpeechEnd && voice {
			agent := sa.AgentType
			d.pendingSwitch = &agent
		} else {
			d.display.SetAgentTheme(sa.AgentType)
		}
	}
	d.mu.Unlock()

	switch turn.Kind {
	case metadata.KindSpeechResult:
		if voice {
			d.session.ArmWaiting()
		}
	case metadata.KindNLUResult:
		d.session.ClearWaiting()
		switch {
		case text:
			d.session.FinishText()
		case voice && turn.Utterance:
			d.session.ClearSilence()
		case voice:
			d.session.ArmSilence()
		}
	}

	d.mu.Lock()
	for _, b := range turn.Balloons {
		if b.IsPlaceholder() {
			continue
		}
		b.Place(len(d.transcript))
		switch b.Action {
		case metadata.ActionPlay:
			b.TakeAction()
			pos, _ := b.Position()
			d.media.PlayWithoutView(playback.Tag(pos), b.URL())
		case metadata.ActionPlayAfterSpeech:
			d.pendingMedia = append(d.pendingMedia, b)
		}
		d.transcript = append(d.transcript, b)
		d.display.DisplayBalloon(b)
		d.display.ScrollToBottom()
	}

	if pb := turn.Postback; pb != nil {
		if pb.DeferUntilSpeechEnd && voice {
			d.pendingPostback = pb
		} else {
			followup = pb
		}
	}
	d.metrics.SetPendingMedia(len(d.pendingMedia))
	d.mu.Unlock()

	d.metrics.TurnDispatched(turn.Kind.String())
	d.logger.Debug().
		Stringer("kind", turn.Kind).
		Int("balloons", len(turn.Balloons)).
		Bool("utterance", turn.Utterance).
		Msg("turn dispatched")

	if followup != nil {
		d.session.SendFollowup(followup)
	}
}

// OnSpeechEnd resolves what was deferred until speech finished: the agent
// switch, then the postback, then at most one queued media balloon.
func (d *Dispatcher) OnSpeechEnd() {
	var (
		postback *metadata.Postback
		play     *metadata.Balloon
	)

	d.mu.Lock()
	if d.pendingSwitch != nil {
		d.display.SetAgentTheme(*d.pendingSwitch)
		d.pendingSwitch = nil
	}
	postback, d.pendingPostback = d.pendingPostback, nil
	if len(d.pendingMedia) > 0 {
		head := d.pendingMedia[0]
		d.pendingMedia = d.pendingMedia[1:]
		if head != nil && len(d.pendingMedia) == 0 {
			play = head
		}
	}
	d.metrics.SetPendingMedia(len(d.pendingMedia))
	d.mu.Unlock()

	if postback != nil {
		d.session.SendFollowup(postback)
	}
	if play != nil {
		d.media.PlayAfterSpeech(play)
		return
	}
	if !d.media.IsPlaying() {
		d.display.SetStatus(display.StatusReady)
	}
}

// ClearPendingMedia drops queued media. A user starting playback supersedes it.
func (d *Dispatcher) ClearPendingMedia() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pendingMedia = nil
	d.metrics.SetPendingMedia(0)
}

// Reset drops every deferred action. The transcript is kept.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pendingMedia = nil
	d.pendingSwitch = nil
	d.pendingPostback = nil
	d.metrics.SetPendingMedia(0)
}

// Balloon returns the transcript entry at pos.
func (d *Dispatcher) Balloon(pos int) (*metadata.Balloon, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pos < 0 || pos >= len(d.transcript) {
		return nil, false
	}
	return d.transcript[pos], true
}

// Transcript returns the displayed balloons in order.
func (d *Dispatcher) Transcript() []*metadata.Balloon {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*metadata.Balloon(nil), d.transcript...)
}

// PendingMedia returns the queued entries; nil entries are placeholders.
func (d *Dispatcher) PendingMedia() []*metadata.Balloon {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*metadata.Balloon(nil), d.pendingMedia...)
}
