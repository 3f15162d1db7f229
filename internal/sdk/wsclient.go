package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/keshucs12345/dialogturn/internal/media"
)

const (
	writeTimeout = 10 * time.Second
	micBuffer    = 32
	eventBuffer  = 64
)

// Microphone captures 16-bit mono frames into out until ctx is done, then
// closes out.
type Microphone interface {
	Capture(ctx context.Context, out chan<- []int16) error
}

// SpeechSink plays the synthesized speech streamed by the server.
// WriteSpeechEnd queues the end of an utterance; done runs once everything
// written before it has played or been cancelled.
type SpeechSink interface {
	WriteSpeech(pcm []byte) error
	WriteSpeechEnd(done func())
	CancelSpeech()
}

// WSConfig configures a WSClient.
type WSConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	// Token returns the current access token; it is read on every Start.
	Token func() string
}

// WSClient is a Client over a websocket.
type WSClient struct {
	cfg     WSConfig
	dialer  websocket.Dialer
	mic     Microphone
	speaker SpeechSink
	logger  zerolog.Logger
	events  chan Event

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc

	writeMu   sync.Mutex
	muted     atomic.Bool
	cancelled atomic.Bool
}

var _ Client = (*WSClient)(nil)

// NewWSClient returns a client. mic and speaker may be nil for text-only use.
func NewWSClient(cfg WSConfig, mic Microphone, speaker SpeechSink, logger zerolog.Logger) *WSClient {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &WSClient{
		cfg:     cfg,
		dialer:  websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		mic:     mic,
		speaker: speaker,
		logger:  logger.With().Str("component", "sdk").Logger(),
		events:  make(chan Event, eventBuffer),
	}
}

func (c *WSClient) Events() <-chan Event {
	return c.events
}

func (c *WSClient) Start(opts StartOptions, onSuccess func(), onError func(code int, message string)) {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	stale := c.conn
	c.conn = nil
	c.mu.Unlock()

	if stale != nil {
		stale.Close()
	}

	c.muted.Store(opts.MicMuted)
	go c.run(ctx, opts, onSuccess, onError)
}

func (c *WSClient) run(ctx context.Context, opts StartOptions, onSuccess func(), onError func(int, string)) {
	conn, err := c.dial(ctx, opts)
	if err != nil {
		if ctx.Err() == nil {
			onError(dialErrorCode(err))
		}
		return
	}

	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info().Str("mode", string(opts.Mode)).Msg("session connected")
	onSuccess()

	if c.mic != nil && opts.Mode == ModeVoice {
		go c.pumpMic(ctx)
	}

	err = c.read(ctx, conn)

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()

	if ctx.Err() != nil {
		return
	}
	code, msg := readErrorCode(err)
	c.logger.Warn().Err(err).Int("code", code).Msg("session dropped")
	onError(code, msg)
}

type dialError struct {
	status int
	err    error
}

func (e *dialError) Error() string { return e.err.Error() }
func (e *dialError) Unwrap() error { return e.err }

func (c *WSClient) dial(ctx context.Context, opts StartOptions) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, err
	}
	if opts.Mode != "" {
		q := u.Query()
		q.Set("mode", string(opts.Mode))
		u.RawQuery = q.Encode()
	}

	header := http.Header{}
	if c.cfg.Token != nil {
		if token := c.cfg.Token(); token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	c.logger.Debug().Str("url", u.String()).Msg("connecting")
	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, &dialError{status: resp.StatusCode, err: err}
		}
		return nil, err
	}
	return conn, nil
}

func dialErrorCode(err error) (int, string) {
	var de *dialError
	if errors.As(err, &de) {
		return httpStatusCode(de.status), httpStatusMessage(de.status)
	}
	return CodeAbnormalClosure, err.Error()
}

func readErrorCode(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return CodeAbnormalClosure, err.Error()
}

func (c *WSClient) read(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		switch msgType {
		case websocket.TextMessage:
			c.handleText(ctx, msg)
		case websocket.BinaryMessage:
			if c.speaker == nil || c.cancelled.Load() {
				continue
			}
			if err := c.speaker.WriteSpeech(msg); err != nil {
				c.logger.Warn().Err(err).Msg("speech playback failed")
			}
		}
	}
}

func (c *WSClient) handleText(ctx context.Context, msg []byte) {
	var ctl ControlMessage
	if err := json.Unmarshal(msg, &ctl); err == nil && ctl.Type == MessageSpeech {
		switch ctl.State {
		case SpeechStart:
			c.cancelled.Store(false)
			c.emit(ctx, SpeechStartEvent{})
		case SpeechEnd:
			if c.speaker == nil || c.cancelled.Load() {
				c.emit(ctx, SpeechEndEvent{})
				return
			}
			c.speaker.WriteSpeechEnd(func() { c.emit(ctx, SpeechEndEvent{}) })
		default:
			c.logger.Debug().Str("state", ctl.State).Msg("unknown speech state")
		}
		return
	}
	c.emit(ctx, MetadataEvent{Raw: string(msg)})
}

func (c *WSClient) emit(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func (c *WSClient) pumpMic(ctx context.Context) {
	frames := make(chan []int16, micBuffer)
	go func() {
		if err := c.mic.Capture(ctx, frames); err != nil {
			c.logger.Error().Err(err).Msg("microphone capture stopped")
		}
	}()
	for frame := range frames {
		if c.muted.Load() {
			continue
		}
		if err := c.write(websocket.BinaryMessage, media.Int16ToBytes(frame)); err != nil {
			if !errors.Is(err, ErrNotConnected) {
				c.logger.Warn().Err(err).Msg("microphone frame dropped")
			}
		}
	}
}

func (c *WSClient) write(msgType int, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(msgType, data)
}

func (c *WSClient) sendJSON(m ClientMessage) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

func (c *WSClient) SendText(text string) error {
	return c.sendJSON(ClientMessage{Type: MessageText, Text: text})
}

func (c *WSClient) SendStructured(text string, clientData map[string]any) error {
	return c.sendJSON(ClientMessage{Type: MessageStructured, Text: text, ClientData: clientData})
}

// Stop closes the session. No error callback fires for a stopped session.
func (c *WSClient) Stop(onDone func()) {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
		c.logger.Info().Msg("session closed")
	}
	if onDone != nil {
		onDone()
	}
}

func (c *WSClient) Mute() {
	c.muted.Store(true)
}

func (c *WSClient) Unmute() {
	c.muted.Store(false)
}

func (c *WSClient) CancelPlayback() {
	c.cancelled.Store(true)
	if c.speaker != nil {
		c.speaker.CancelSpeech()
	}
}

// Muted reports whether microphone frames are being dropped.
func (c *WSClient) Muted() bool {
	return c.muted.Load()
}
