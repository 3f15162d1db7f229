package chat

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keshucs12345/dialogturn/internal/display"
	"github.com/keshucs12345/dialogturn/internal/display/displaytest"
	"github.com/keshucs12345/dialogturn/internal/mainloop"
	"github.com/keshucs12345/dialogturn/internal/metadata"
	"github.com/keshucs12345/dialogturn/internal/playback"
	"github.com/keshucs12345/dialogturn/internal/sdk"
	"github.com/keshucs12345/dialogturn/internal/session"
)

const (
	speechResult = `{"speechrec_result":{"sentences":[{"voiceText":"play something"}]}}`
	nluWithSong  = `{
  "type": "nlu_result",
  "systemText": {"expression": "Here it is", "utterance": "Here it is"},
  "option": {"balloon": [
    {"type": "text", "payload": {"expression": "Here it is"}},
    {"type": "media", "payload": {"contentType": "audio/wav", "url": "https://cdn.example.com/song.wav"}}
  ]}
}`
	nluAnswer = `{"type":"nlu_result","systemText":{"expression":"Sunny all day"}}`
)

type fakeClient struct {
	journal   []string
	onSuccess func()
	onError   func(int, string)
	events    chan sdk.Event
}

func (c *fakeClient) Start(opts sdk.StartOptions, onSuccess func(), onError func(int, string)) {
	c.journal = append(c.journal, "start "+string(opts.Mode))
	c.onSuccess = onSuccess
	c.onError = onError
}

func (c *fakeClient) Stop(onDone func()) {
	c.journal = append(c.journal, "stop")
	if onDone != nil {
		onDone()
	}
}

func (c *fakeClient) SendText(text string) error {
	c.journal = append(c.journal, "text "+text)
	return nil
}

func (c *fakeClient) SendStructured(text string, _ map[string]any) error {
	c.journal = append(c.journal, "structured "+text)
	return nil
}

func (c *fakeClient) Mute()                    { c.journal = append(c.journal, "mute") }
func (c *fakeClient) Unmute()                  { c.journal = append(c.journal, "unmute") }
func (c *fakeClient) CancelPlayback()          { c.journal = append(c.journal, "cancel") }
func (c *fakeClient) Events() <-chan sdk.Event { return c.events }

func (c *fakeClient) last() string {
	if len(c.journal) == 0 {
		return ""
	}
	return c.journal[len(c.journal)-1]
}

type fakePlayer struct {
	url        string
	prepares   int
	prepared   func(error)
	playing    bool
	released   bool
	completion func()
	seeks      []time.Duration
}

func (p *fakePlayer) Prepare(url string, onPrepared func(error)) {
	p.url = url
	p.prepares++
	p.prepared = onPrepared
}

func (p *fakePlayer) Start() error {
	p.playing = true
	return nil
}

func (p *fakePlayer) Pause() error {
	p.playing = false
	return nil
}

func (p *fakePlayer) SeekTo(pos time.Duration) error {
	p.seeks = append(p.seeks, pos)
	return nil
}

func (p *fakePlayer) Position() time.Duration   { return 0 }
func (p *fakePlayer) Duration() time.Duration   { return 3 * time.Second }
func (p *fakePlayer) IsPlaying() bool           { return p.playing }
func (p *fakePlayer) Reset()                    { p.playing = false }
func (p *fakePlayer) Release() error            { p.released = true; return nil }
func (p *fakePlayer) SetOnCompletion(fn func()) { p.completion = fn }

type fakeView struct {
	tag    playback.Tag
	events []string
}

func (v *fakeView) Tag() playback.Tag           { return v.tag }
func (v *fakeView) OnStart()                    { v.events = append(v.events, "start") }
func (v *fakeView) OnPause()                    { v.events = append(v.events, "pause") }
func (v *fakeView) OnComplete()                 { v.events = append(v.events, "complete") }
func (v *fakeView) SetProgress(time.Duration)   {}
func (v *fakeView) SetDuration(time.Duration)   {}
func (v *fakeView) SetSeekEnabled(enabled bool) {}

type harness struct {
	loop    *mainloop.Loop
	client  *fakeClient
	player  *fakePlayer
	display *displaytest.Recorder
	views   map[playback.Tag]*fakeView
	app     *App
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		loop:    mainloop.New(mainloop.NewManualClock(time.Unix(0, 0)), zerolog.Nop()),
		client:  &fakeClient{events: make(chan sdk.Event, 8)},
		player:  &fakePlayer{},
		display: displaytest.New(),
		views:   make(map[playback.Tag]*fakeView),
	}
	h.app = New(h.loop, h.client, h.display, h.player, Options{
		Views: func(tag playback.Tag) playback.View {
			v := &fakeView{tag: tag}
			h.views[tag] = v
			return v
		},
	}, zerolog.Nop())
	return h
}

func (h *harness) event(ev sdk.Event) {
	h.app.HandleEvent(ev)
	h.loop.Drain()
}

func (h *harness) startVoice(t *testing.T) {
	t.Helper()
	h.app.StartVoice()
	h.loop.Drain()
	require.Equal(t, "start voice", h.client.last())
	h.client.onSuccess()
	h.loop.Drain()
	require.Equal(t, session.StatusStarted, h.app.Session().Status())
}

func TestVoiceTurnPlaysMediaAfterSpeech(t *testing.T) {
	h := newHarness(t)
	h.startVoice(t)
	assert.Equal(t, display.StatusReady, h.display.LastStatus())

	h.event(sdk.MetadataEvent{Raw: speechResult})
	require.Len(t, h.app.Transcript(), 1)
	assert.Equal(t, "play something", h.app.Transcript()[0].Text())
	assert.True(t, h.loop.Scheduled("session.waiting"))

	h.event(sdk.MetadataEvent{Raw: nluWithSong})
	transcript := h.app.Transcript()
	require.Len(t, transcript, 3)
	assert.Equal(t, metadata.Audio, transcript[2].Type)
	assert.False(t, h.loop.Scheduled("session.waiting"))
	assert.Zero(t, h.player.prepares)

	h.event(sdk.SpeechStartEvent{})
	assert.Equal(t, display.StatusPlayingSpeech, h.display.LastStatus())

	h.event(sdk.SpeechEndEvent{})
	require.Equal(t, 1, h.player.prepares)
	assert.Equal(t, "https://cdn.example.com/song.wav", h.player.url)
	assert.Equal(t, metadata.ActionNone, transcript[2].Action)

	h.player.prepared(nil)
	h.loop.Drain()
	assert.True(t, h.player.playing)
	assert.Contains(t, h.client.journal, "cancel")
	assert.Equal(t, "mute", h.client.last())
	assert.Equal(t, display.StatusPlayingMedia, h.display.LastStatus())

	h.player.playing = false
	h.player.completion()
	h.loop.Drain()
	assert.Equal(t, "unmute", h.client.last())
	assert.Equal(t, display.StatusReady, h.display.LastStatus())
}

func TestUnparseableMessageIsIgnored(t *testing.T) {
	h := newHarness(t)

	h.app.HandleEvent(sdk.MetadataEvent{Raw: "not json"})
	h.app.HandleEvent(sdk.MetadataEvent{Raw: `{"type":"something_else"}`})

	assert.Zero(t, h.loop.Drain())
	assert.Empty(t, h.app.Transcript())
	assert.Empty(t, h.display.Calls())
}

func TestTextTurn(t *testing.T) {
	h := newHarness(t)

	h.app.SendText("weather today")
	h.loop.Drain()
	assert.Equal(t, []string{"start text"}, h.client.journal)

	h.client.onSuccess()
	h.loop.Drain()
	assert.Equal(t, "text weather today", h.client.last())

	h.event(sdk.MetadataEvent{Raw: nluAnswer})
	assert.Equal(t, "stop", h.client.last())
	assert.Equal(t, display.StatusStopped, h.display.LastStatus())
	assert.True(t, h.app.Session().IsText())
	require.Len(t, h.app.Transcript(), 1)
	assert.Equal(t, "Sunny all day", h.app.Transcript()[0].Text())
}

func TestChooseButton(t *testing.T) {
	h := newHarness(t)

	h.app.Choose(metadata.ButtonSpec{Kind: metadata.PostbackButton, Title: "More", Value: "#MORE"})
	h.loop.Drain()
	h.client.onSuccess()
	h.loop.Drain()
	assert.Equal(t, []string{"start text", "structured #MORE"}, h.client.journal)

	h.app.Choose(metadata.ButtonSpec{Kind: metadata.OpenURL, Title: "Docs", Value: "https://example.com"})
	h.loop.Drain()
	require.Len(t, h.display.Notices(), 1)
	assert.True(t, strings.HasSuffix(h.display.Notices()[0], "https://example.com"))
}

func TestUserPlaySupersedesQueuedMedia(t *testing.T) {
	h := newHarness(t)
	h.startVoice(t)
	h.event(sdk.MetadataEvent{Raw: nluWithSong})

	h.app.PlayMedia(0)
	h.loop.Drain()
	assert.Equal(t, []string{"Nothing to play there."}, h.display.Notices())
	assert.Zero(t, h.player.prepares)

	h.app.PlayMedia(1)
	h.loop.Drain()
	require.Equal(t, 1, h.player.prepares)
	require.Contains(t, h.views, playback.Tag(1))

	h.event(sdk.SpeechEndEvent{})
	assert.Equal(t, 1, h.player.prepares)

	h.player.prepared(nil)
	h.loop.Drain()
	assert.True(t, h.player.playing)
	assert.Equal(t, "start", h.views[1].events[len(h.views[1].events)-1])

	h.app.PlayMedia(1)
	h.loop.Drain()
	assert.False(t, h.player.playing)
	assert.Equal(t, "pause", h.views[1].events[len(h.views[1].events)-1])
}

func TestMediaControlsOnlyReachLoadedBalloon(t *testing.T) {
	h := newHarness(t)
	h.startVoice(t)
	h.event(sdk.MetadataEvent{Raw: nluWithSong})
	h.app.PlayMedia(1)
	h.loop.Drain()
	h.player.prepared(nil)
	h.loop.Drain()
	require.True(t, h.player.playing)

	h.app.SeekMedia(0, time.Second)
	h.app.StopMedia(0)
	h.loop.Drain()
	assert.Empty(t, h.player.seeks)
	assert.True(t, h.player.playing)
	assert.Equal(t, []string{"#0 is not loaded."}, h.display.Notices())

	h.app.SeekMedia(1, 2*time.Second)
	h.loop.Drain()
	assert.Equal(t, []time.Duration{2 * time.Second}, h.player.seeks)

	h.app.StopMedia(1)
	h.loop.Drain()
	assert.False(t, h.player.playing)
	assert.Equal(t, time.Duration(0), h.player.seeks[len(h.player.seeks)-1])
	assert.Equal(t, "complete", h.views[1].events[len(h.views[1].events)-1])
	assert.Equal(t, "unmute", h.client.last())

	h.app.ResumeMedia(1)
	h.loop.Drain()
	assert.True(t, h.player.playing)
	assert.Equal(t, 1, h.player.prepares)
	assert.Equal(t, "start", h.views[1].events[len(h.views[1].events)-1])
}

func TestSuspendStopsSessionAndPausesMedia(t *testing.T) {
	h := newHarness(t)
	h.startVoice(t)
	h.event(sdk.MetadataEvent{Raw: nluWithSong})
	h.app.PlayMedia(1)
	h.loop.Drain()
	h.player.prepared(nil)
	h.loop.Drain()
	require.True(t, h.player.playing)

	done := h.app.Suspend()
	select {
	case <-done:
		t.Fatal("suspended before the loop ran")
	default:
	}
	h.loop.Drain()

	select {
	case <-done:
	default:
		t.Fatal("suspend did not finish")
	}
	assert.False(t, h.player.playing)
	assert.Equal(t, session.ModalityNone, h.app.Session().Modality())
	assert.Equal(t, "pause", h.views[1].events[len(h.views[1].events)-1])
}

func TestStopClearsDeferredMedia(t *testing.T) {
	h := newHarness(t)
	h.startVoice(t)
	h.event(sdk.MetadataEvent{Raw: nluWithSong})

	h.app.Stop()
	h.loop.Drain()
	assert.Equal(t, session.ModalityNone, h.app.Session().Modality())
	assert.Equal(t, "stop", h.client.last())

	h.event(sdk.SpeechEndEvent{})
	assert.Zero(t, h.player.prepares)
}

func TestRunPumpsEventsUntilCancelled(t *testing.T) {
	client := &fakeClient{events: make(chan sdk.Event, 1)}
	player := &fakePlayer{}
	app := New(mainloop.New(nil, zerolog.Nop()), client, displaytest.New(), player, Options{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	client.events <- sdk.MetadataEvent{Raw: nluAnswer}
	require.Eventually(t, func() bool { return len(app.Transcript()) == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.True(t, player.released)
}
