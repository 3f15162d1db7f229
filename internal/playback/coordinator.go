// Package playback shares one media player between transcript balloons and
// keeps it consistent with synthesized speech.
package playback

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/keshucs12345/dialogturn/internal/display"
	"github.com/keshucs12345/dialogturn/internal/mainloop"
	"github.com/keshucs12345/dialogturn/internal/metadata"
	"github.com/keshucs12345/dialogturn/internal/metrics"
)

// DefaultProgressInterval is how often a bound view hears about the play position.
const DefaultProgressInterval = 500 * time.Millisecond

const progressKey = "playback.progress"

// Tag identifies the content owning the player: the balloon's transcript position.
type Tag int

// Player is the single media resource. Prepare reports completion through the
// callback on any goroutine.
type Player interface {
	Prepare(url string, onPrepared func(err error))
	Start() error
	Pause() error
	SeekTo(pos time.Duration) error
	Position() time.Duration
	Duration() time.Duration
	IsPlaying() bool
	Reset()
	Release() error
	SetOnCompletion(fn func())
}

// View is an on-screen control for one media balloon.
type View interface {
	Tag() Tag
	OnStart()
	OnPause()
	OnComplete()
	SetProgress(pos time.Duration)
	SetDuration(d time.Duration)
	SetSeekEnabled(enabled bool)
}

// Voice is the part of the voice session playback has to keep in step.
type Voice interface {
	IsVoice() bool
	Mute()
	Unmute()
	CancelSpeech()
	SetStatus(s display.Status)
}

// Coordinator owns the player. All methods are expected on the main loop; the
// mutex keeps ownership changes whole when they are not.
type Coordinator struct {
	mu       sync.Mutex
	loop     *mainloop.Loop
	player   Player
	voice    Voice
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	interval time.Duration

	tag       Tag
	owned     bool
	preparing bool
	complete  bool
	released  bool
	views     map[Tag]View

	onSpeechEnd func()
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithProgressInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.interval = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func NewCoordinator(loop *mainloop.Loop, player Player, voice Voice, logger zerolog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		loop:     loop,
		player:   player,
		voice:    voice,
		logger:   logger.With().Str("component", "playback").Logger(),
		interval: DefaultProgressInterval,
		views:    make(map[Tag]View),
	}
	for _, opt := range opts {
		opt(c)
	}
	player.SetOnCompletion(func() {
		loop.Post(c.onCompletion)
	})
	return c
}

// SetSpeechEndHandler registers what runs after speech ends, outside the lock.
func (c *Coordinator) SetSpeechEndHandler(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSpeechEnd = fn
}

// Play toggles tag: a new tag takes over the player, the owning tag pauses
// when playing and resumes otherwise.
func (c *Coordinator) Play(tag Tag, url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released || c.preparing {
		return
	}
	c.stopProgress()
	c.complete = false
	if !c.owned || tag != c.tag {
		c.takeOver(tag, url)
		return
	}
	if c.player.IsPlaying() {
		c.pauseLocked()
		c.resumeVoice()
		return
	}
	c.startLocked()
}

// PlayWithoutView always restarts tag from the beginning of url.
func (c *Coordinator) PlayWithoutView(tag Tag, url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released || c.preparing {
		return
	}
	c.stopProgress()
	c.complete = false
	c.takeOver(tag, url)
}

// PlayAfterSpeech plays a balloon that was queued until speech ended.
func (c *Coordinator) PlayAfterSpeech(b *metadata.Balloon) {
	b.TakeAction()
	pos, ok := b.Position()
	if !ok {
		c.logger.Warn().Str("url", b.URL()).Msg("deferred balloon was never placed")
		return
	}
	tag := Tag(pos)

	c.mu.Lock()
	_, bound := c.views[tag]
	c.mu.Unlock()

	if bound {
		c.Play(tag, b.URL())
	} else {
		c.PlayWithoutView(tag, b.URL())
	}
}

// Resume continues tag where it paused. Another tag restarts from url.
func (c *Coordinator) Resume(tag Tag, url string) {
	c.mu.Lock()
	if !c.owns(tag) {
		c.mu.Unlock()
		c.PlayWithoutView(tag, url)
		return
	}
	defer c.mu.Unlock()
	if c.preparing || c.player.IsPlaying() {
		return
	}
	c.stopProgress()
	c.complete = false
	c.startLocked()
}

// Pause holds the position of whatever is playing.
func (c *Coordinator) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopProgress()
	c.pauseLocked()
}

// Stop rewinds tag and marks it complete. Other tags are left alone.
func (c *Coordinator) Stop(tag Tag) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.owns(tag) {
		return
	}
	c.complete = true
	c.stopProgress()
	if c.player.IsPlaying() {
		if err := c.player.Pause(); err != nil {
			c.logger.Warn().Err(err).Msg("pause failed")
		}
		c.resumeVoice()
	}
	if err := c.player.SeekTo(0); err != nil {
		c.logger.Warn().Err(err).Msg("rewind failed")
	}
	if v := c.views[tag]; v != nil {
		v.OnComplete()
	}
}

// Seek moves the play position of tag. Other tags are ignored.
func (c *Coordinator) Seek(tag Tag, pos time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.owns(tag) {
		return
	}
	if err := c.player.SeekTo(pos); err != nil {
		c.logger.Warn().Err(err).Dur("position", pos).Msg("seek failed")
	}
}

// IsPlaying reports whether the player is producing sound.
func (c *Coordinator) IsPlaying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.released && c.player.IsPlaying()
}

// Owner returns the tag owning the player.
func (c *Coordinator) Owner() (Tag, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tag, c.owned
}

// Bind attaches a view and brings it up to date with the player.
func (c *Coordinator) Bind(v View) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tag := v.Tag()
	c.views[tag] = v
	if !c.owns(tag) {
		v.OnComplete()
		v.SetSeekEnabled(false)
		return
	}
	v.SetSeekEnabled(true)
	v.SetDuration(c.player.Duration())
	switch {
	case c.complete:
		v.OnComplete()
	case c.player.IsPlaying():
		v.SetProgress(c.player.Position())
		v.OnStart()
		c.startProgress()
	default:
		if pos := c.player.Position(); pos > 0 {
			v.SetProgress(pos)
		}
		v.OnPause()
	}
}

// OnSpeechStart pauses user media while synthesized speech plays.
func (c *Coordinator) OnSpeechStart() {
	c.Pause()
	c.voice.SetStatus(display.StatusPlayingSpeech)
}

// OnSpeechEnd gives the microphone back unless media took over, then runs the
// speech end handler.
func (c *Coordinator) OnSpeechEnd() {
	c.mu.Lock()
	if !c.player.IsPlaying() && c.voice.IsVoice() {
		c.voice.Unmute()
	}
	fn := c.onSpeechEnd
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Teardown releases the player. The coordinator ignores every later call.
func (c *Coordinator) Teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loop.Cancel(progressKey)
	if c.released {
		return
	}
	c.released = true
	c.owned = false
	c.views = make(map[Tag]View)
	if err := c.player.Release(); err != nil {
		c.logger.Warn().Err(err).Msg("release failed")
	}
}

func (c *Coordinator) owns(tag Tag) bool {
	return c.owned && c.tag == tag && !c.released
}

// takeOver completes the previous owner's view and prepares url for tag.
func (c *Coordinator) takeOver(tag Tag, url string) {
	if c.owned && c.tag != tag {
		if v := c.views[c.tag]; v != nil {
			v.OnComplete()
			v.SetSeekEnabled(false)
		}
	}
	c.tag = tag
	c.owned = true
	c.preparing = true
	c.player.Reset()
	c.logger.Debug().Int("tag", int(tag)).Str("url", url).Msg("preparing media")
	c.player.Prepare(url, func(err error) {
		c.loop.Post(func() { c.onPrepared(tag, url, err) })
	})
}

func (c *Coordinator) onPrepared(tag Tag, url string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released || !c.owned || c.tag != tag {
		return
	}
	c.preparing = false
	if err != nil {
		c.fail(err, url, "prepare failed")
		return
	}
	if v := c.views[tag]; v != nil {
		v.SetSeekEnabled(true)
		v.SetDuration(c.player.Duration())
	}
	c.startLocked()
}

func (c *Coordinator) startLocked() {
	if c.voice.IsVoice() {
		c.voice.CancelSpeech()
		c.voice.Mute()
		c.voice.SetStatus(display.StatusPlayingMedia)
	}
	if err := c.player.Start(); err != nil {
		c.fail(err, "", "start failed")
		return
	}
	if v := c.views[c.tag]; v != nil {
		v.OnStart()
	}
	c.startProgress()
}

// fail logs a media error and leaves the player idle.
func (c *Coordinator) fail(err error, url, msg string) {
	c.logger.Warn().Err(err).Int("tag", int(c.tag)).Str("url", url).Msg(msg)
	c.metrics.MediaFailed()
	c.complete = true
	c.resumeVoice()
	if v := c.views[c.tag]; v != nil {
		v.OnComplete()
	}
}

func (c *Coordinator) pauseLocked() {
	if !c.player.IsPlaying() {
		return
	}
	if err := c.player.Pause(); err != nil {
		c.logger.Warn().Err(err).Msg("pause failed")
	}
	if v := c.views[c.tag]; v != nil && c.owned {
		v.OnPause()
	}
}

func (c *Coordinator) onCompletion() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released || !c.owned {
		return
	}
	c.stopProgress()
	c.resumeVoice()
	c.complete = true
	if v := c.views[c.tag]; v != nil {
		v.OnComplete()
	}
}

// resumeVoice hands the microphone back after media.
func (c *Coordinator) resumeVoice() {
	if !c.voice.IsVoice() {
		return
	}
	c.voice.Unmute()
	c.voice.SetStatus(display.StatusReady)
}

func (c *Coordinator) startProgress() {
	c.loop.Schedule(progressKey, c.interval, c.tick)
}

func (c *Coordinator) stopProgress() {
	c.loop.Cancel(progressKey)
}

func (c *Coordinator) tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released || !c.player.IsPlaying() {
		return
	}
	if v := c.views[c.tag]; v != nil {
		v.SetProgress(c.player.Position())
	}
	c.startProgress()
}
