package devserver

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keshucs12345/dialogturn/internal/auth"
	"github.com/keshucs12345/dialogturn/internal/media"
	"github.com/keshucs12345/dialogturn/internal/metadata"
	"github.com/keshucs12345/dialogturn/internal/sdk"
)

type fakeSynth struct{ pcm []byte }

func (f fakeSynth) Synthesize(context.Context, string) ([]byte, error) { return f.pcm, nil }

type sink struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *sink) WriteSpeech(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Write(pcm)
	return nil
}

func (s *sink) WriteSpeechEnd(done func()) { done() }
func (s *sink) CancelSpeech()              {}

func (s *sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Len()
}

func startServer(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	opts.Unpaced = true
	s := New(opts, zerolog.Nop())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + defaultSessionPath
}

type connected struct {
	client *sdk.WSClient
	errs   chan int
}

func dial(t *testing.T, srv *httptest.Server, token string, mode sdk.Mode, speaker sdk.SpeechSink) *connected {
	t.Helper()
	client := sdk.NewWSClient(sdk.WSConfig{
		URL:   wsURL(srv),
		Token: func() string { return token },
	}, nil, speaker, zerolog.Nop())
	c := &connected{client: client, errs: make(chan int, 1)}
	ok := make(chan struct{}, 1)
	client.Start(sdk.StartOptions{Mode: mode},
		func() { ok <- struct{}{} },
		func(code int, _ string) { c.errs <- code },
	)
	t.Cleanup(func() { client.Stop(nil) })
	select {
	case <-ok:
	case code := <-c.errs:
		t.Fatalf("start failed with code %d", code)
	case <-time.After(5 * time.Second):
		t.Fatal("start timed out")
	}
	return c
}

func nextEvent(t *testing.T, c *connected) sdk.Event {
	t.Helper()
	select {
	case ev := <-c.client.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
	}
	return nil
}

func nextTurn(t *testing.T, c *connected) *metadata.Turn {
	t.Helper()
	ev, ok := nextEvent(t, c).(sdk.MetadataEvent)
	require.True(t, ok, "expected metadata")
	turn, err := metadata.NewParser(zerolog.Nop()).Parse(ev.Raw)
	require.NoError(t, err)
	return turn
}

func TestTextSessionEchoes(t *testing.T) {
	_, srv := startServer(t, Options{AccessToken: "tok"})
	c := dial(t, srv, "tok", sdk.ModeText, nil)

	require.NoError(t, c.client.SendText("hello there"))

	heard := nextTurn(t, c)
	assert.Equal(t, metadata.KindSpeechResult, heard.Kind)
	require.Len(t, heard.Balloons, 1)
	assert.Equal(t, "hello there", heard.Balloons[0].Text())

	reply := nextTurn(t, c)
	assert.Equal(t, metadata.KindNLUResult, reply.Kind)
	assert.False(t, reply.Utterance)
	require.Len(t, reply.Balloons, 1)
	assert.Equal(t, "You said: hello there", reply.Balloons[0].Text())
}

func TestVoiceSessionSpeaksCommandReply(t *testing.T) {
	pcm := make([]byte, 9600)
	_, srv := startServer(t, Options{Synthesizer: fakeSynth{pcm: pcm}})
	speaker := &sink{}
	c := dial(t, srv, "", sdk.ModeVoice, speaker)

	require.NoError(t, c.client.SendText("#media"))

	nextTurn(t, c)
	reply := nextTurn(t, c)
	assert.True(t, reply.Utterance)
	require.Len(t, reply.Balloons, 2)
	song := reply.Balloons[1]
	assert.Equal(t, metadata.Audio, song.Type)
	assert.Equal(t, srv.URL+tonePath, song.URL())
	assert.Equal(t, metadata.ActionPlayAfterSpeech, song.Action)

	assert.IsType(t, sdk.SpeechStartEvent{}, nextEvent(t, c))
	assert.IsType(t, sdk.SpeechEndEvent{}, nextEvent(t, c))
	assert.Equal(t, len(pcm), speaker.Len())
}

func TestStructuredPostbackWithSpeechOff(t *testing.T) {
	_, srv := startServer(t, Options{Synthesizer: fakeSynth{pcm: make([]byte, 10)}})
	c := dial(t, srv, "", sdk.ModeVoice, nil)

	require.NoError(t, c.client.SendStructured("#expert", map[string]any{
		"deviceInfo": map[string]any{"deviceName": "test", "playTTS": "off"},
	}))

	reply := nextTurn(t, c)
	assert.Equal(t, metadata.KindNLUResult, reply.Kind)
	assert.False(t, reply.Utterance)
	require.NotNil(t, reply.SwitchAgent)
	assert.Equal(t, metadata.AgentExpert, reply.SwitchAgent.AgentType)
	assert.True(t, reply.SwitchAgent.DeferUntilSpeechEnd)

	require.NoError(t, c.client.SendStructured("#followup", nil))
	followup := nextTurn(t, c)
	require.NotNil(t, followup.Postback)
	assert.Equal(t, "#media", followup.Postback.Payload)
	assert.Equal(t, "followup", followup.Postback.ClientData["source"])
	assert.IsType(t, sdk.SpeechStartEvent{}, nextEvent(t, c))
}

func TestRejectsBadToken(t *testing.T) {
	_, srv := startServer(t, Options{AccessToken: "tok"})
	client := sdk.NewWSClient(sdk.WSConfig{URL: wsURL(srv), Token: func() string { return "stale" }}, nil, nil, zerolog.Nop())

	errs := make(chan int, 1)
	client.Start(sdk.StartOptions{Mode: sdk.ModeText}, func() { t.Error("unexpected start") }, func(code int, _ string) { errs <- code })

	select {
	case code := <-errs:
		assert.Equal(t, sdk.CodeTokenExpired, code)
		assert.Equal(t, sdk.ClassAuth, sdk.Classify(code))
	case <-time.After(5 * time.Second):
		t.Fatal("no error")
	}
}

type tokens struct {
	mu              sync.Mutex
	access, refresh string
}

func (s *tokens) RefreshToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refresh
}

func (s *tokens) SetTokens(access, refresh string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access, s.refresh = access, refresh
	return nil
}

func (s *tokens) ClearAccessToken() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = ""
	return nil
}

func TestRefreshRotatesTokens(t *testing.T) {
	_, srv := startServer(t, Options{AccessToken: "old", RefreshToken: "r1"})
	store := &tokens{access: "old", refresh: "r1"}

	token, err := auth.NewRefresher(srv.URL+auth.UpdatePath, srv.Client(), store, zerolog.Nop()).Refresh(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, "old", token)
	assert.NotEqual(t, "r1", store.RefreshToken())

	dial(t, srv, token, sdk.ModeText, nil)

	_, err = auth.NewRefresher(srv.URL+auth.UpdatePath, srv.Client(), &tokens{refresh: "r1"}, zerolog.Nop()).Refresh(context.Background())
	assert.ErrorIs(t, err, auth.ErrRejected)
}

func TestServesTone(t *testing.T) {
	_, srv := startServer(t, Options{SpeechSampleRate: 16000})

	clip, err := media.NewFetcher(srv.Client()).FetchClip(context.Background(), srv.URL+tonePath)
	require.NoError(t, err)
	assert.Equal(t, 16000, clip.SampleRate)
	assert.Equal(t, toneDuration, clip.Duration())
}

func TestPlayTTS(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		want bool
	}{
		{name: "no client data", want: true},
		{name: "no device info", data: map[string]any{"x": 1}, want: true},
		{name: "on", data: map[string]any{"deviceInfo": map[string]any{"playTTS": "on"}}, want: true},
		{name: "off", data: map[string]any{"deviceInfo": map[string]any{"playTTS": "OFF"}}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, playTTS(tt.data))
		})
	}
}

func TestCommandReplyUnknown(t *testing.T) {
	r := commandReply("#Nope", "http://localhost")
	assert.Equal(t, "Unknown command #nope.", r.SystemText.Expression)
	assert.Nil(t, r.Option.Postback)
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	s := New(Options{}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestHandlerRejectsPlainHTTP(t *testing.T) {
	_, srv := startServer(t, Options{})
	resp, err := http.Get(srv.URL + defaultSessionPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
