// Package chat wires the session, dispatcher and playback coordinator around
// one main loop and feeds them the events of a dialogue client.
package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/keshucs12345/dialogturn/internal/dispatch"
	"github.com/keshucs12345/dialogturn/internal/display"
	"github.com/keshucs12345/dialogturn/internal/mainloop"
	"github.com/keshucs12345/dialogturn/internal/metadata"
	"github.com/keshucs12345/dialogturn/internal/metrics"
	"github.com/keshucs12345/dialogturn/internal/playback"
	"github.com/keshucs12345/dialogturn/internal/sdk"
	"github.com/keshucs12345/dialogturn/internal/session"
)

// Options tune an App. Zero values fall back to defaults.
type Options struct {
	Session          session.Settings
	ProgressInterval time.Duration
	Refresher        session.Refresher
	Metrics          *metrics.Metrics
	// Views, when set, supplies the view bound to a media balloon the user plays.
	Views func(tag playback.Tag) playback.View
}

// App is one conversation: a dialogue client, its transcript and its media.
type App struct {
	loop       *mainloop.Loop
	client     sdk.Client
	display    display.Display
	parser     *metadata.Parser
	session    *session.Controller
	dispatcher *dispatch.Dispatcher
	playback   *playback.Coordinator
	views      func(tag playback.Tag) playback.View
	bound      map[playback.Tag]bool
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

func New(loop *mainloop.Loop, client sdk.Client, d display.Display, player playback.Player, opts Options, logger zerolog.Logger) *App {
	if opts.Session == (session.Settings{}) {
		opts.Session = session.DefaultSettings()
	}
	popts := []playback.Option{playback.WithMetrics(opts.Metrics)}
	if opts.ProgressInterval > 0 {
		popts = append(popts, playback.WithProgressInterval(opts.ProgressInterval))
	}

	ctrl := session.NewController(loop, client, d, opts.Session, logger, opts.Metrics)
	coord := playback.NewCoordinator(loop, player, ctrl, logger, popts...)
	disp := dispatch.New(d, coord, ctrl, logger, opts.Metrics)

	ctrl.SetMedia(coord)
	ctrl.SetDeferred(disp)
	if opts.Refresher != nil {
		ctrl.SetRefresher(opts.Refresher)
	}
	coord.SetSpeechEndHandler(disp.OnSpeechEnd)

	return &App{
		loop:       loop,
		client:     client,
		display:    d,
		parser:     metadata.NewParser(logger),
		session:    ctrl,
		dispatcher: disp,
		playback:   coord,
		views:      opts.Views,
		bound:      make(map[playback.Tag]bool),
		metrics:    opts.Metrics,
		logger:     logger.With().Str("component", "chat").Logger(),
	}
}

// Run pumps client events and runs the main loop until ctx is done. The
// session is stopped and the player released before it returns.
func (a *App) Run(ctx context.Context) error {
	go a.pump(ctx)
	err := a.loop.Run(ctx)
	a.shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) pump(ctx context.Context) {
	events := a.client.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			a.HandleEvent(ev)
		}
	}
}

func (a *App) shutdown() {
	a.session.Stop()
	a.playback.Teardown()
	a.loop.Drain()
	a.logger.Info().Msg("chat closed")
}

// HandleEvent parses ev off the loop and posts its effect onto it. A message
// that does not parse produces no turn.
func (a *App) HandleEvent(ev sdk.Event) {
	switch e := ev.(type) {
	case sdk.MetadataEvent:
		turn, err := a.parser.Parse(e.Raw)
		if err != nil {
			a.metrics.ParseFailed()
			a.logger.Debug().Err(err).Msg("ignoring server message")
			return
		}
		a.loop.Post(func() { a.dispatcher.OnTurn(turn) })
	case sdk.SpeechStartEvent:
		a.loop.Post(func() {
			a.session.OnSpeechStart()
			a.playback.OnSpeechStart()
		})
	case sdk.SpeechEndEvent:
		a.loop.Post(func() {
			a.playback.OnSpeechEnd()
			a.session.OnSpeechEnd()
		})
	}
}

// StartVoice opens a voice session.
func (a *App) StartVoice() {
	a.loop.Post(a.session.StartVoice)
}

// SendText sends input as a text turn.
func (a *App) SendText(input string) {
	a.loop.Post(func() { a.session.StartText(input) })
}

// Choose acts on a button the user picked.
func (a *App) Choose(btn metadata.ButtonSpec) {
	a.loop.Post(func() {
		switch btn.Kind {
		case metadata.PostbackButton:
			a.session.SendFollowup(&metadata.Postback{Payload: btn.Value})
		case metadata.OpenURL:
			a.display.ShowNotice("Open " + btn.Value)
		}
	})
}

// PlayMedia toggles the audio balloon at pos. It supersedes queued media.
func (a *App) PlayMedia(pos int) {
	a.loop.Post(func() {
		b, ok := a.audioBalloon(pos)
		if !ok {
			return
		}
		a.dispatcher.ClearPendingMedia()
		a.bindView(playback.Tag(pos))
		a.playback.Play(playback.Tag(pos), b.URL())
	})
}

// ResumeMedia continues the audio balloon at pos where it paused.
func (a *App) ResumeMedia(pos int) {
	a.loop.Post(func() {
		b, ok := a.audioBalloon(pos)
		if !ok {
			return
		}
		a.dispatcher.ClearPendingMedia()
		a.bindView(playback.Tag(pos))
		a.playback.Resume(playback.Tag(pos), b.URL())
	})
}

// SeekMedia moves the audio balloon at pos to d. Only loaded media moves.
func (a *App) SeekMedia(pos int, d time.Duration) {
	a.loop.Post(func() {
		tag := playback.Tag(pos)
		a.playback.Seek(tag, d)
		if owner, ok := a.playback.Owner(); !ok || owner != tag {
			a.display.ShowNotice(fmt.Sprintf("#%d is not loaded.", pos))
		}
	})
}

// StopMedia rewinds the audio balloon at pos and marks it finished.
func (a *App) StopMedia(pos int) {
	a.loop.Post(func() { a.playback.Stop(playback.Tag(pos)) })
}

// PauseMedia pauses whatever media is playing.
func (a *App) PauseMedia() {
	a.loop.Post(a.playback.Pause)
}

func (a *App) audioBalloon(pos int) (*metadata.Balloon, bool) {
	b, ok := a.dispatcher.Balloon(pos)
	if !ok || b.Type != metadata.Audio {
		a.display.ShowNotice("Nothing to play there.")
		return nil, false
	}
	return b, true
}

func (a *App) bindView(tag playback.Tag) {
	if a.views == nil || a.bound[tag] {
		return
	}
	if v := a.views(tag); v != nil {
		a.playback.Bind(v)
		a.bound[tag] = true
	}
}

// Stop ends the session.
func (a *App) Stop() {
	a.loop.Post(a.session.Stop)
}

// Suspend ends the session and pauses media. The returned channel is closed
// once both have happened.
func (a *App) Suspend() <-chan struct{} {
	done := make(chan struct{})
	a.loop.Post(func() {
		a.session.Suspend()
		close(done)
	})
	return done
}

// Transcript returns the balloons shown so far.
func (a *App) Transcript() []*metadata.Balloon {
	return a.dispatcher.Transcript()
}

// Session exposes the controller for inspection. Call its methods on the loop.
func (a *App) Session() *session.Controller {
	return a.session
}
