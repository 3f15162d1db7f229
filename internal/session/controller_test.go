package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keshucs12345/dialogturn/internal/display"
	"github.com/keshucs12345/dialogturn/internal/display/displaytest"
	"github.com/keshucs12345/dialogturn/internal/mainloop"
	"github.com/keshucs12345/dialogturn/internal/metadata"
	"github.com/keshucs12345/dialogturn/internal/sdk"
)

type fakeClient struct {
	journal   []string
	starts    []sdk.StartOptions
	onSuccess func()
	onError   func(int, string)
	sent      []map[string]any
}

func (c *fakeClient) Start(opts sdk.StartOptions, onSuccess func(), onError func(int, string)) {
	c.journal = append(c.journal, "start "+string(opts.Mode))
	c.starts = append(c.starts, opts)
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

func (c *fakeClient) SendStructured(text string, clientData map[string]any) error {
	c.journal = append(c.journal, "structured "+text)
	c.sent = append(c.sent, clientData)
	return nil
}

func (c *fakeClient) Mute()                    { c.journal = append(c.journal, "mute") }
func (c *fakeClient) Unmute()                  { c.journal = append(c.journal, "unmute") }
func (c *fakeClient) CancelPlayback()          { c.journal = append(c.journal, "cancel") }
func (c *fakeClient) Events() <-chan sdk.Event { return nil }

func (c *fakeClient) count(prefix string) int {
	n := 0
	for _, j := range c.journal {
		if len(j) >= len(prefix) && j[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

type fakeMedia struct {
	playing bool
	paused  int
}

func (m *fakeMedia) Pause()          { m.paused++; m.playing = false }
func (m *fakeMedia) IsPlaying() bool { return m.playing }

type fakeDeferred struct{ resets int }

func (d *fakeDeferred) Reset() { d.resets++ }

type fakeRefresher struct {
	err   error
	calls int
}

func (r *fakeRefresher) Refresh(context.Context) (string, error) {
	r.calls++
	return "fresh", r.err
}

type harness struct {
	loop     *mainloop.Loop
	clock    *mainloop.ManualClock
	client   *fakeClient
	display  *displaytest.Recorder
	media    *fakeMedia
	deferred *fakeDeferred
	ctrl     *Controller
}

func newHarness(t *testing.T, mutate ...func(*Settings)) *harness {
	t.Helper()
	clock := mainloop.NewManualClock(time.Unix(0, 0))
	h := &harness{
		clock:    clock,
		loop:     mainloop.New(clock, zerolog.Nop()),
		client:   &fakeClient{},
		display:  displaytest.New(),
		media:    &fakeMedia{},
		deferred: &fakeDeferred{},
	}
	settings := DefaultSettings()
	for _, m := range mutate {
		m(&settings)
	}
	h.ctrl = NewController(h.loop, h.client, h.display, settings, zerolog.Nop(), nil)
	h.ctrl.SetMedia(h.media)
	h.ctrl.SetDeferred(h.deferred)
	return h
}

func (h *harness) succeed() {
	h.client.onSuccess()
	h.loop.Drain()
}

func (h *harness) fail(code int) {
	h.client.onError(code, fmt.Sprintf("code %d", code))
	h.loop.Drain()
}

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.loop.Drain()
}

func TestStartVoice(t *testing.T) {
	h := newHarness(t)
	h.media.playing = true

	h.ctrl.StartVoice()
	assert.Equal(t, ModalityVoice, h.ctrl.Modality())
	assert.Equal(t, StatusStarting, h.ctrl.Status())
	assert.Equal(t, 1, h.media.paused)
	assert.Equal(t, []sdk.StartOptions{{Mode: sdk.ModeVoice}}, h.client.starts)
	assert.NotEmpty(t, h.ctrl.SessionID())
	assert.Equal(t, display.StatusStarting, h.display.LastStatus())

	h.succeed()
	assert.Equal(t, StatusStarted, h.ctrl.Status())
	assert.Equal(t, display.StatusReady, h.display.LastStatus())
	assert.True(t, h.loop.Scheduled(timerSilence))
	assert.False(t, h.loop.Scheduled(timerStarting))

	// A second start while voice is active does nothing.
	h.ctrl.StartVoice()
	assert.Len(t, h.client.starts, 1)
}

func TestStartVoiceMutesWhileMediaPlays(t *testing.T) {
	h := newHarness(t)
	h.ctrl.StartVoice()
	h.media.playing = true

	h.succeed()
	assert.Equal(t, 1, h.client.count("mute"))
	assert.NotEqual(t, display.StatusReady, h.display.LastStatus())
}

func TestStartingIndicator(t *testing.T) {
	t.Run("slow connection", func(t *testing.T) {
		h := newHarness(t)
		h.ctrl.StartVoice()

		h.advance(2 * time.Second)
		assert.True(t, h.display.Showing(display.ProgressConnecting))

		h.succeed()
		assert.False(t, h.display.Showing(display.ProgressConnecting))
	})

	t.Run("fast connection", func(t *testing.T) {
		h := newHarness(t)
		h.ctrl.StartVoice()
		h.advance(time.Second)
		h.succeed()

		h.advance(5 * time.Second)
		assert.NotContains(t, h.display.Calls(), "show connecting")
	})
}

func TestStartTextQueuesUntilConnected(t *testing.T) {
	h := newHarness(t)

	h.ctrl.StartText("weather today")
	assert.Equal(t, ModalityText, h.ctrl.Modality())
	assert.Equal(t, []sdk.StartOptions{{Mode: sdk.ModeText, MicMuted: true}}, h.client.starts)
	assert.Zero(t, h.client.count("text"))

	h.succeed()
	assert.Equal(t, []string{"start text", "text weather today"}, h.client.journal)
	assert.True(t, h.loop.Scheduled(timerWaiting))

	h.advance(2 * time.Second)
	assert.True(t, h.display.Showing(display.ProgressWaiting))
	assert.Equal(t, display.StatusWaitingForResponse, h.display.LastStatus())

	h.ctrl.ClearWaiting()
	assert.False(t, h.display.Showing(display.ProgressWaiting))
}

func TestStartTextWhileStartedSendsImmediately(t *testing.T) {
	h := newHarness(t)
	h.ctrl.StartText("one")
	h.succeed()

	h.ctrl.StartText("two")
	assert.Equal(t, []string{"start text", "text one", "text two"}, h.client.journal)
	assert.Len(t, h.client.starts, 1)
}

func TestFinishText(t *testing.T) {
	h := newHarness(t)
	h.ctrl.StartText("hello")
	h.succeed()

	h.ctrl.FinishText()
	assert.Equal(t, ModalityText, h.ctrl.Modality())
	assert.Equal(t, StatusStopped, h.ctrl.Status())
	assert.False(t, h.loop.Scheduled(timerWaiting))
	assert.Equal(t, 1, h.deferred.resets)
	assert.Equal(t, "stop", h.client.journal[len(h.client.journal)-1])

	h.ctrl.StartText("again")
	assert.Len(t, h.client.starts, 2)
}

func TestSwitchModality(t *testing.T) {
	h := newHarness(t)
	h.ctrl.StartText("hello")
	h.succeed()

	h.ctrl.StartVoice()
	assert.Equal(t, []string{"start text", "text hello", "stop", "start voice"}, h.client.journal)
	assert.Equal(t, ModalityVoice, h.ctrl.Modality())

	h.succeed()
	h.ctrl.StartText("typed")
	assert.Equal(t, ModalityText, h.ctrl.Modality())
	assert.False(t, h.loop.Scheduled(timerSilence))
	assert.Equal(t, "start text", h.client.journal[len(h.client.journal)-1])
}

func TestStaleCallbacksIgnored(t *testing.T) {
	h := newHarness(t)
	h.ctrl.StartVoice()
	staleSuccess := h.client.onSuccess
	staleError := h.client.onError

	h.ctrl.Stop()
	staleSuccess()
	staleError(1006, "dropped")
	h.loop.Drain()

	assert.Equal(t, StatusStopped, h.ctrl.Status())
	assert.Equal(t, ModalityNone, h.ctrl.Modality())
	assert.Empty(t, h.display.Alerts())
	assert.Len(t, h.client.starts, 1)
}

func TestTransientErrorRetries(t *testing.T) {
	h := newHarness(t)
	h.ctrl.StartVoice()
	h.succeed()

	h.fail(1006)
	assert.Equal(t, ModalityVoice, h.ctrl.Modality())
	assert.Equal(t, StatusStopped, h.ctrl.Status())
	assert.Equal(t, 1, h.ctrl.Retries())
	assert.False(t, h.loop.Scheduled(timerSilence))

	h.advance(time.Second)
	assert.Len(t, h.client.starts, 1)
	h.advance(time.Second)
	assert.Len(t, h.client.starts, 2)

	h.succeed()
	assert.Equal(t, 0, h.ctrl.Retries())
	assert.Empty(t, h.display.Alerts())
}

func TestRetryBound(t *testing.T) {
	h := newHarness(t)
	h.ctrl.StartVoice()

	for i := 0; i < 11; i++ {
		h.fail(1011)
		h.advance(2 * time.Second)
	}

	assert.Len(t, h.client.starts, 11, "initial attempt plus ten reconnects")
	assert.Equal(t, ModalityNone, h.ctrl.Modality())
	assert.Equal(t, StatusStopped, h.ctrl.Status())
	assert.Equal(t, []string{"Connection failed"}, h.display.Alerts())
	assert.Equal(t, display.StatusStopped, h.display.LastStatus())
}

func TestTextErrorIsFatal(t *testing.T) {
	h := newHarness(t)
	h.ctrl.StartText("hello")

	h.fail(1006)
	assert.Equal(t, ModalityNone, h.ctrl.Modality())
	assert.Equal(t, []string{"Connection failed"}, h.display.Alerts())
	assert.False(t, h.loop.Scheduled(timerRetry))
}

func TestFatalErrorCode(t *testing.T) {
	h := newHarness(t)
	h.ctrl.StartVoice()
	h.succeed()

	h.fail(40300)
	assert.Equal(t, ModalityNone, h.ctrl.Modality())
	assert.Len(t, h.display.Alerts(), 1)
	assert.Len(t, h.client.starts, 1)
	assert.Equal(t, 1, h.deferred.resets)
}

func TestTokenExpiredRefreshes(t *testing.T) {
	h := newHarness(t)
	ref := &fakeRefresher{}
	h.ctrl.SetRefresher(ref)

	h.ctrl.StartText("hello")
	h.fail(sdk.CodeTokenExpired)
	assert.Empty(t, h.display.Alerts())

	require.Eventually(t, func() bool {
		h.loop.Drain()
		return len(h.client.starts) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, ref.calls)
	assert.Equal(t, ModalityText, h.ctrl.Modality())

	h.succeed()
	assert.Equal(t, "text hello", h.client.journal[len(h.client.journal)-1])
}

func TestTokenRefreshFailure(t *testing.T) {
	h := newHarness(t)
	h.ctrl.SetRefresher(&fakeRefresher{err: errors.New("revoked")})

	h.ctrl.StartVoice()
	h.fail(sdk.CodeTokenExpired)

	require.Eventually(t, func() bool {
		h.loop.Drain()
		return len(h.display.Alerts()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"Sign-in required"}, h.display.Alerts())
	assert.Len(t, h.client.starts, 1)
}

func TestTokenExpiredWithoutRefresher(t *testing.T) {
	h := newHarness(t)
	h.ctrl.StartVoice()
	h.fail(sdk.CodeTokenExpired)

	assert.Equal(t, []string{"Connection failed"}, h.display.Alerts())
}

func TestSilenceTimeout(t *testing.T) {
	h := newHarness(t)
	h.ctrl.StartVoice()
	h.succeed()

	h.advance(19 * time.Second)
	h.ctrl.OnSpeechStart()
	h.advance(time.Minute)
	assert.Equal(t, ModalityVoice, h.ctrl.Modality())

	h.ctrl.OnSpeechEnd()
	h.advance(20 * time.Second)
	assert.Equal(t, ModalityNone, h.ctrl.Modality())
	assert.Len(t, h.display.Notices(), 1)
	assert.Equal(t, display.StatusStopped, h.display.LastStatus())
}

func TestArmWaitingInVoiceHoldsSilence(t *testing.T) {
	h := newHarness(t)
	h.ctrl.StartVoice()
	h.succeed()

	h.ctrl.ArmWaiting()
	assert.False(t, h.loop.Scheduled(timerSilence))
	assert.True(t, h.loop.Scheduled(timerWaiting))

	// Silence is a voice-only timer.
	h.ctrl.Stop()
	h.ctrl.StartText("x")
	h.ctrl.ArmSilence()
	assert.False(t, h.loop.Scheduled(timerSilence))
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.ctrl.StartVoice()
	h.succeed()

	h.ctrl.Stop()
	h.ctrl.Stop()

	assert.Equal(t, 1, h.client.count("stop"))
	assert.Equal(t, 1, h.deferred.resets)
	assert.Equal(t, 0, h.clock.Pending())
	for _, key := range []string{timerSilence, timerRetry, timerStarting, timerWaiting} {
		assert.False(t, h.loop.Scheduled(key), key)
	}
}

func TestStopCancelsPendingRetry(t *testing.T) {
	h := newHarness(t)
	h.ctrl.StartVoice()
	h.fail(1006)
	require.True(t, h.loop.Scheduled(timerRetry))

	h.ctrl.Stop()
	h.advance(time.Minute)
	assert.Len(t, h.client.starts, 1)
	assert.Zero(t, h.client.count("stop"), "nothing was connected")
}

func TestSuspendPausesMedia(t *testing.T) {
	h := newHarness(t)
	h.ctrl.StartText("x")
	h.succeed()
	h.media.playing = true

	h.ctrl.Suspend()
	assert.Equal(t, ModalityNone, h.ctrl.Modality())
	assert.Equal(t, 1, h.media.paused)
}

func TestSendFollowup(t *testing.T) {
	t.Run("voice", func(t *testing.T) {
		h := newHarness(t)
		h.ctrl.StartVoice()

		h.ctrl.SendFollowup(&metadata.Postback{Payload: "early"})
		assert.Zero(t, h.client.count("structured"))

		h.succeed()
		h.ctrl.SendFollowup(&metadata.Postback{Payload: "next", ClientData: map[string]any{"k": 1}})
		assert.Equal(t, 1, h.client.count("structured next"))
		assert.Equal(t, map[string]any{"k": 1}, h.client.sent[0])
	})

	t.Run("text opens an exchange", func(t *testing.T) {
		h := newHarness(t)
		h.ctrl.SendFollowup(&metadata.Postback{Payload: "more"})
		assert.Equal(t, ModalityText, h.ctrl.Modality())

		h.succeed()
		assert.Equal(t, []string{"start text", "structured more"}, h.client.journal)
	})

	t.Run("device info", func(t *testing.T) {
		h := newHarness(t, func(s *Settings) {
			s.AttachDeviceInfo = true
			s.DeviceName = "kitchen"
		})
		h.ctrl.StartVoice()
		h.succeed()

		src := map[string]any{"k": "v"}
		h.ctrl.SendFollowup(&metadata.Postback{Payload: "p", ClientData: src})
		require.Len(t, h.client.sent, 1)
		assert.Equal(t, map[string]any{
			"k":          "v",
			"deviceInfo": map[string]any{"deviceName": "kitchen", "playTTS": "on"},
		}, h.client.sent[0])
		assert.NotContains(t, src, "deviceInfo")
	})
}

func TestVoiceControls(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Mute()
	h.ctrl.Unmute()
	h.ctrl.CancelSpeech()
	h.ctrl.SetStatus(display.StatusPlayingMedia)

	assert.Equal(t, []string{"mute", "unmute", "cancel"}, h.client.journal)
	assert.Equal(t, display.StatusPlayingMedia, h.display.LastStatus())
}
