// Package session runs the voice/text session state machine and its timers.
package session

import (
	"context"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/keshucs12345/dialogturn/internal/display"
	"github.com/keshucs12345/dialogturn/internal/mainloop"
	"github.com/keshucs12345/dialogturn/internal/metadata"
	"github.com/keshucs12345/dialogturn/internal/metrics"
	"github.com/keshucs12345/dialogturn/internal/sdk"
)

// Modality is how the user is talking to the service.
type Modality int

const (
	ModalityNone Modality = iota
	ModalityVoice
	ModalityText
)

func (m Modality) String() string {
	switch m {
	case ModalityVoice:
		return "voice"
	case ModalityText:
		return "text"
	}
	return "none"
}

// Status is the connection state of the current session.
type Status int

const (
	StatusStopped Status = iota
	StatusStarting
	StatusStarted
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusStarted:
		return "started"
	}
	return "stopped"
}

const (
	timerSilence  = "session.silence"
	timerRetry    = "session.retry"
	timerStarting = "session.starting"
	timerWaiting  = "session.waiting"
)

// Settings are the session timings and device details.
type Settings struct {
	SilenceTimeout   time.Duration
	RetryDelay       time.Duration
	MaxRetries       int
	StartingDelay    time.Duration
	WaitingDelay     time.Duration
	RefreshTimeout   time.Duration
	DeviceName       string
	AttachDeviceInfo bool
}

// DefaultSettings returns the stock timings.
func DefaultSettings() Settings {
	return Settings{
		SilenceTimeout: 20 * time.Second,
		RetryDelay:     2 * time.Second,
		MaxRetries:     10,
		StartingDelay:  2 * time.Second,
		WaitingDelay:   2 * time.Second,
		RefreshTimeout: 15 * time.Second,
	}
}

// Media is the playback the session pauses when voice starts.
type Media interface {
	Pause()
	IsPlaying() bool
}

// Deferred holds actions that must not outlive a session.
type Deferred interface {
	Reset()
}

// Refresher renews the access token after the service reports it expired.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

type outgoing struct {
	text       string
	clientData map[string]any
	structured bool
}

// Controller is the session state machine. Its methods must run on the main
// loop; SDK callbacks are posted there before they touch any state.
type Controller struct {
	loop      *mainloop.Loop
	client    sdk.Client
	display   display.Display
	media     Media
	deferred  Deferred
	refresher Refresher
	settings  Settings
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	modality   Modality
	status     Status
	retries    int
	attempt    uint64
	sessionID  string
	queued     *outgoing
	refreshing bool
}

func NewController(loop *mainloop.Loop, client sdk.Client, d display.Display, settings Settings, logger zerolog.Logger, m *metrics.Metrics) *Controller {
	return &Controller{
		loop:     loop,
		client:   client,
		display:  d,
		settings: settings,
		logger:   logger.With().Str("component", "session").Logger(),
		metrics:  m,
	}
}

// SetMedia wires the playback coordinator.
func (c *Controller) SetMedia(m Media) { c.media = m }

// SetDeferred wires the holder of deferred actions, cleared on every stop.
func (c *Controller) SetDeferred(d Deferred) { c.deferred = d }

// SetRefresher wires token renewal. Without one an expired token is fatal.
func (c *Controller) SetRefresher(r Refresher) { c.refresher = r }

func (c *Controller) Modality() Modality { return c.modality }
func (c *Controller) Status() Status     { return c.status }
func (c *Controller) IsVoice() bool      { return c.modality == ModalityVoice }
func (c *Controller) IsText() bool       { return c.modality == ModalityText }
func (c *Controller) Retries() int       { return c.retries }

// SessionID identifies the current connection attempt in logs.
func (c *Controller) SessionID() string { return c.sessionID }

// StartVoice opens a voice session. It is a no-op while voice is active.
func (c *Controller) StartVoice() {
	if c.modality == ModalityVoice {
		return
	}
	if c.media != nil {
		c.media.Pause()
	}
	if c.modality == ModalityText {
		c.stopModality()
	}
	c.modality = ModalityVoice
	c.retries = 0
	c.connect()
}

// StartText sends input in text modality, connecting first if needed.
func (c *Controller) StartText(input string) {
	c.startText(outgoing{text: input})
}

func (c *Controller) startText(out outgoing) {
	if c.modality == ModalityVoice {
		c.stopModality()
	}
	c.modality = ModalityText
	switch c.status {
	case StatusStarted:
		c.send(out)
		c.ArmWaiting()
	case StatusStarting:
		c.queued = &out
	default:
		c.queued = &out
		c.connect()
	}
}

func (c *Controller) connect() {
	c.attempt++
	attempt := c.attempt
	c.status = StatusStarting
	c.sessionID = uuid.NewString()
	c.display.SetStatus(display.StatusStarting)
	c.loop.Schedule(timerStarting, c.settings.StartingDelay, func() {
		if c.status != StatusStarted {
			c.display.ShowProgress(display.ProgressConnecting)
		}
	})

	opts := sdk.StartOptions{Mode: sdk.ModeText, MicMuted: true}
	if c.modality == ModalityVoice {
		opts = sdk.StartOptions{Mode: sdk.ModeVoice}
	}
	c.logger.Info().
		Str("session", c.sessionID).
		Stringer("modality", c.modality).
		Int("retry", c.retries).
		Msg("starting session")

	c.client.Start(opts,
		func() { c.loop.Post(func() { c.onStarted(attempt) }) },
		func(code int, msg string) { c.loop.Post(func() { c.onError(attempt, code, msg) }) },
	)
}

func (c *Controller) onStarted(attempt uint64) {
	if attempt != c.attempt {
		return
	}
	c.status = StatusStarted
	c.retries = 0
	c.loop.Cancel(timerStarting)
	c.display.HideProgress(display.ProgressConnecting)
	c.logger.Info().Str("session", c.sessionID).Msg("session started")

	switch c.modality {
	case ModalityVoice:
		c.ArmSilence()
		if c.media != nil && c.media.IsPlaying() {
			c.client.Mute()
		} else {
			c.display.SetStatus(display.StatusReady)
		}
	case ModalityText:
		if out := c.queued; out != nil {
			c.queued = nil
			c.send(*out)
		}
		c.ArmWaiting()
	}
}

func (c *Controller) onError(attempt uint64, code int, msg string) {
	if attempt != c.attempt {
		return
	}
	err := &sdk.Error{Code: code, Message: msg}
	class := err.Class()
	c.metrics.SessionError(class.String())
	c.loop.Cancel(timerStarting)
	c.display.HideProgress(display.ProgressConnecting)

	if c.modality == ModalityVoice && class == sdk.ClassTransient && c.retries < c.settings.MaxRetries {
		c.retries++
		c.attempt++
		c.status = StatusStopped
		c.loop.Cancel(timerSilence)
		c.metrics.Reconnecting()
		c.logger.Warn().Err(err).Int("retry", c.retries).Msg("voice session dropped, reconnecting")
		c.loop.Schedule(timerRetry, c.settings.RetryDelay, func() {
			if c.modality == ModalityVoice && c.status == StatusStopped {
				c.connect()
			}
		})
		return
	}

	modality := c.modality
	queued := c.queued
	c.stopModality()
	c.display.SetStatus(display.StatusStopped)

	if class == sdk.ClassAuth && c.refresher != nil {
		c.logger.Warn().Err(err).Msg("access token expired, refreshing")
		c.reauthenticate(modality, queued)
		return
	}
	c.logger.Error().Err(err).Stringer("modality", modality).Msg("session failed")
	c.display.ShowAlert("Connection failed", msg)
}

// reauthenticate refreshes the token off the loop and restarts modality on success.
func (c *Controller) reauthenticate(modality Modality, queued *outgoing) {
	if c.refreshing {
		return
	}
	c.refreshing = true
	ctx, cancel := context.WithTimeout(context.Background(), c.settings.RefreshTimeout)
	go func() {
		defer cancel()
		_, err := c.refresher.Refresh(ctx)
		c.loop.Post(func() {
			c.refreshing = false
			if err != nil {
				c.logger.Error().Err(err).Msg("token refresh failed")
				c.display.ShowAlert("Sign-in required", "The access token could not be renewed. Register the device again.")
				return
			}
			c.logger.Info().Msg("token refreshed, restarting session")
			switch modality {
			case ModalityVoice:
				c.StartVoice()
			case ModalityText:
				if queued != nil {
					c.startText(*queued)
				}
			}
		})
	}()
}

// Stop ends the session and clears its timers and deferred actions. Stopping
// an idle controller does nothing.
func (c *Controller) Stop() {
	if c.modality == ModalityNone && c.status == StatusStopped {
		return
	}
	c.stopModality()
	c.display.SetStatus(display.StatusStopped)
}

// Suspend stops the session and pauses media, for when the app is backgrounded.
func (c *Controller) Suspend() {
	c.Stop()
	if c.media != nil {
		c.media.Pause()
	}
}

// FinishText ends the text exchange once its answer has arrived. Text
// modality stays selected for the next input.
func (c *Controller) FinishText() {
	if c.modality != ModalityText {
		return
	}
	c.attempt++
	c.loop.Cancel(timerStarting)
	c.ClearWaiting()
	if c.status != StatusStopped {
		c.client.Stop(nil)
	}
	c.status = StatusStopped
	c.queued = nil
	if c.deferred != nil {
		c.deferred.Reset()
	}
	c.display.SetStatus(display.StatusStopped)
}

func (c *Controller) stopModality() {
	c.attempt++
	c.loop.Cancel(timerSilence)
	c.loop.Cancel(timerRetry)
	c.loop.Cancel(timerStarting)
	c.loop.Cancel(timerWaiting)
	c.display.HideProgress(display.ProgressConnecting)
	c.display.HideProgress(display.ProgressWaiting)
	if c.status != StatusStopped {
		c.client.Stop(nil)
	}
	c.logger.Info().Str("session", c.sessionID).Stringer("modality", c.modality).Msg("session stopped")
	c.status = StatusStopped
	c.modality = ModalityNone
	c.queued = nil
	if c.deferred != nil {
		c.deferred.Reset()
	}
}

// SendFollowup sends a postback. Voice sends on the open session; text
// starts a new exchange.
func (c *Controller) SendFollowup(pb *metadata.Postback) {
	data := c.clientData(pb.ClientData)
	if c.modality == ModalityVoice {
		if c.status != StatusStarted {
			c.logger.Warn().Str("payload", pb.Payload).Msg("dropping postback, voice session not started")
			return
		}
		c.send(outgoing{text: pb.Payload, clientData: data, structured: true})
		return
	}
	c.startText(outgoing{text: pb.Payload, clientData: data, structured: true})
}

func (c *Controller) clientData(src map[string]any) map[string]any {
	if !c.settings.AttachDeviceInfo {
		return src
	}
	data := maps.Clone(src)
	if data == nil {
		data = make(map[string]any)
	}
	playTTS := "off"
	if c.modality == ModalityVoice {
		playTTS = "on"
	}
	data["deviceInfo"] = map[string]any{
		"deviceName": c.settings.DeviceName,
		"playTTS":    playTTS,
	}
	return data
}

func (c *Controller) send(out outgoing) {
	var err error
	if out.structured {
		err = c.client.SendStructured(out.text, out.clientData)
	} else {
		err = c.client.SendText(out.text)
	}
	if err != nil {
		c.logger.Warn().Err(err).Msg("send failed")
	}
}

// ArmWaiting shows the waiting indicator if no answer arrives in time.
func (c *Controller) ArmWaiting() {
	if c.modality == ModalityVoice {
		c.loop.Cancel(timerSilence)
	}
	c.loop.Schedule(timerWaiting, c.settings.WaitingDelay, func() {
		if c.status == StatusStarted {
			c.display.ShowProgress(display.ProgressWaiting)
			c.display.SetStatus(display.StatusWaitingForResponse)
		}
	})
}

// ClearWaiting hides the waiting indicator.
func (c *Controller) ClearWaiting() {
	c.loop.Cancel(timerWaiting)
	c.display.HideProgress(display.ProgressWaiting)
}

// ArmSilence restarts the voice silence timeout.
func (c *Controller) ArmSilence() {
	if c.modality != ModalityVoice {
		return
	}
	c.loop.Schedule(timerSilence, c.settings.SilenceTimeout, c.onSilence)
}

// ClearSilence cancels the voice silence timeout.
func (c *Controller) ClearSilence() {
	c.loop.Cancel(timerSilence)
}

func (c *Controller) onSilence() {
	if c.modality != ModalityVoice {
		return
	}
	c.logger.Info().Dur("after", c.settings.SilenceTimeout).Msg("no speech, stopping voice session")
	c.Stop()
	c.display.ShowNotice("Voice input stopped after a period of silence.")
}

// OnSpeechStart holds the silence timeout while synthesized speech plays.
func (c *Controller) OnSpeechStart() {
	c.ClearSilence()
}

// OnSpeechEnd re-arms the silence timeout.
func (c *Controller) OnSpeechEnd() {
	c.ArmSilence()
}

// Mute stops microphone frames from reaching the service.
func (c *Controller) Mute() { c.client.Mute() }

// Unmute resumes microphone frames.
func (c *Controller) Unmute() { c.client.Unmute() }

// CancelSpeech drops the rest of the synthesized speech.
func (c *Controller) CancelSpeech() { c.client.CancelPlayback() }

func (c *Controller) SetStatus(s display.Status) { c.display.SetStatus(s) }
