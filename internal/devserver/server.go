// Package devserver is a development dialogue service speaking the session
// protocol: speech recognition with Deepgram, answers from an OpenAI chat
// model and synthesized speech streamed back as PCM.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/keshucs12345/dialogturn/internal/auth"
	"github.com/keshucs12345/dialogturn/internal/config"
	"github.com/keshucs12345/dialogturn/internal/media"
)

const (
	tonePath            = "/media/tone.wav"
	defaultSessionPath  = "/session"
	defaultSpeechChunk  = 100 * time.Millisecond
	defaultGracePeriod  = 1200 * time.Millisecond
	defaultSpeechRate   = 24000
	defaultMicRate      = 16000
	replyTimeout        = 30 * time.Second
	inputBuffer         = 8
	audioBuffer         = 64
	toneFrequency       = 440
	toneDuration        = 1500 * time.Millisecond
	shutdownGracePeriod = 5 * time.Second
)

// Options configure a Server. Zero values fall back to defaults.
type Options struct {
	// Path serves the websocket session.
	Path string
	// AccessToken, when set, is required as a bearer token.
	AccessToken string
	// RefreshToken, when set, enables the token refresh endpoint.
	RefreshToken string

	Responder   Responder
	Transcriber Transcriber
	Synthesizer Synthesizer

	GracePeriod time.Duration
	// SpeechChunk is the PCM duration per binary frame; frames are paced in
	// real time unless Unpaced is set.
	SpeechChunk      time.Duration
	Unpaced          bool
	SpeechSampleRate int
}

// Server hosts dialogue sessions over websockets.
type Server struct {
	opts     Options
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	mux      *http.ServeMux
	tone     []byte

	mu           sync.Mutex
	accessToken  string
	refreshToken string
}

func New(opts Options, logger zerolog.Logger) *Server {
	if opts.Path == "" {
		opts.Path = defaultSessionPath
	}
	if opts.Responder == nil {
		opts.Responder = Echo{}
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultGracePeriod
	}
	if opts.SpeechChunk <= 0 {
		opts.SpeechChunk = defaultSpeechChunk
	}
	if opts.SpeechSampleRate <= 0 {
		opts.SpeechSampleRate = defaultSpeechRate
	}

	s := &Server{
		opts:         opts,
		upgrader:     websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		logger:       logger.With().Str("component", "devserver").Logger(),
		mux:          http.NewServeMux(),
		tone:         media.EncodeWAV(media.Tone(toneFrequency, toneDuration, opts.SpeechSampleRate)),
		accessToken:  opts.AccessToken,
		refreshToken: opts.RefreshToken,
	}
	s.mux.HandleFunc(opts.Path, s.handleSession)
	s.mux.HandleFunc(auth.UpdatePath, s.handleRefresh)
	s.mux.HandleFunc(tonePath, s.handleTone)
	return s
}

// FromConfig builds server options from the devserver and audio settings.
// Without an OpenAI key replies echo the input; without a Deepgram key voice
// sessions accept audio but recognize nothing.
func FromConfig(cfg config.Config, logger zerolog.Logger) Options {
	dc := cfg.DevServer
	opts := Options{
		AccessToken:      dc.AccessToken,
		RefreshToken:     dc.RefreshToken,
		GracePeriod:      dc.GracePeriod,
		SpeechSampleRate: cfg.Audio.SpeechSampleRate,
		Path:             cfg.Connection.Path,
	}

	var client *openai.Client
	if dc.OpenAIAPIKey != "" {
		client = openai.NewClient(dc.OpenAIAPIKey)
		opts.Responder = NewOpenAILLM(client, dc.OpenAIModel)
	}
	micRate := cfg.Audio.MicSampleRate
	if micRate <= 0 {
		micRate = defaultMicRate
	}
	if dc.DeepgramAPIKey != "" {
		opts.Transcriber = NewDeepgramSTT(dc.DeepgramAPIKey, micRate, logger)
	}

	switch {
	case dc.TTSProvider == "deepgram" && dc.DeepgramAPIKey != "":
		opts.Synthesizer = NewDeepgramTTS(dc.DeepgramAPIKey, dc.TTSVoice, opts.SpeechSampleRate)
	case dc.TTSProvider == "openai" && client != nil:
		// OpenAI PCM is fixed at 24 kHz.
		opts.Synthesizer = NewOpenAITTS(client, dc.TTSVoice)
		opts.SpeechSampleRate = defaultSpeechRate
	}
	return opts
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Str("path", s.opts.Path).Msg("dev server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) authorized(r *http.Request) bool {
	s.mu.Lock()
	want := s.accessToken
	s.mu.Unlock()
	if want == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+want
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "invalid access token", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("upgrade failed")
		return
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	sess := &session{
		id:        uuid.NewString(),
		srv:       s,
		conn:      conn,
		voice:     r.URL.Query().Get("mode") == "voice",
		mediaBase: scheme + "://" + r.Host,
	}
	sess.logger = s.logger.With().Str("conversation", sess.id).Bool("voice", sess.voice).Logger()
	sess.serve(r.Context())
}

type tokenResponse struct {
	DeviceToken  string `json:"device_token"`
	RefreshToken string `json:"refresh_token"`
}

// handleRefresh rotates the token pair when given the current refresh token.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	given := r.URL.Query().Get("refresh_token")

	s.mu.Lock()
	if s.refreshToken == "" || given != s.refreshToken {
		s.mu.Unlock()
		http.Error(w, "invalid refresh token", http.StatusUnauthorized)
		return
	}
	resp := tokenResponse{
		DeviceToken:  "dev-" + uuid.NewString(),
		RefreshToken: "dev-refresh-" + uuid.NewString(),
	}
	s.accessToken = resp.DeviceToken
	s.refreshToken = resp.RefreshToken
	s.mu.Unlock()

	s.logger.Info().Msg("device token rotated")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleTone(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "audio/wav")
	_, _ = w.Write(s.tone)
}

// playTTS reads deviceInfo.playTTS from client data. Speech is on unless the
// client says "off".
func playTTS(clientData map[string]any) bool {
	info, ok := clientData["deviceInfo"].(map[string]any)
	if !ok {
		return true
	}
	v, _ := info["playTTS"].(string)
	return !strings.EqualFold(v, "off")
}
