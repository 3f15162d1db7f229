// Package config loads dialogturn settings from file and environment and
// persists refreshed tokens.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const (
	dirName   = ".dialogturn"
	envPrefix = "DIALOGTURN"
)

// Config holds all application configuration.
type Config struct {
	Connection ConnectionConfig `mapstructure:"connection"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Session    SessionConfig    `mapstructure:"session"`
	Playback   PlaybackConfig   `mapstructure:"playback"`
	Device     DeviceConfig     `mapstructure:"device"`
	Audio      AudioConfig      `mapstructure:"audio"`
	Log        LogConfig        `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	DevServer  DevServerConfig  `mapstructure:"devserver"`
}

// ConnectionConfig locates the dialogue service.
type ConnectionConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	Path             string        `mapstructure:"path"`
	TLS              bool          `mapstructure:"tls"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

// AuthConfig holds the device tokens.
type AuthConfig struct {
	AccessToken  string `mapstructure:"access_token"`
	RefreshToken string `mapstructure:"refresh_token"`
	// TokenURL is the refresh endpoint. Empty derives it from the connection.
	TokenURL string `mapstructure:"token_url"`
}

// SessionConfig tunes the session timers.
type SessionConfig struct {
	SilenceTimeout time.Duration `mapstructure:"silence_timeout"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	MaxRetries     int           `mapstructure:"max_retries"`
	StartingDelay  time.Duration `mapstructure:"starting_delay"`
	WaitingDelay   time.Duration `mapstructure:"waiting_delay"`
}

type PlaybackConfig struct {
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
}

// DeviceConfig describes this client to the service.
type DeviceConfig struct {
	Name             string `mapstructure:"name"`
	AttachDeviceInfo bool   `mapstructure:"attach_device_info"`
}

type AudioConfig struct {
	MicSampleRate    int    `mapstructure:"mic_sample_rate"`
	SpeechSampleRate int    `mapstructure:"speech_sample_rate"`
	RawSampleRate    int    `mapstructure:"raw_sample_rate"`
	RecordPath       string `mapstructure:"record_path"`
}

type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// DevServerConfig configures the development dialogue service.
type DevServerConfig struct {
	Listen         string        `mapstructure:"listen"`
	AccessToken    string        `mapstructure:"access_token"`
	RefreshToken   string        `mapstructure:"refresh_token"`
	OpenAIAPIKey   string        `mapstructure:"openai_api_key"`
	OpenAIModel    string        `mapstructure:"openai_model"`
	DeepgramAPIKey string        `mapstructure:"deepgram_api_key"`
	TTSProvider    string        `mapstructure:"tts_provider"` // openai, deepgram
	TTSVoice       string        `mapstructure:"tts_voice"`
	GracePeriod    time.Duration `mapstructure:"grace_period"`
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() *Config {
	return &Config{
		Connection: ConnectionConfig{
			Host:             "localhost",
			Port:             8080,
			Path:             "/session",
			HandshakeTimeout: 10 * time.Second,
		},
		Session: SessionConfig{
			SilenceTimeout: 20 * time.Second,
			RetryDelay:     2 * time.Second,
			MaxRetries:     10,
			StartingDelay:  2 * time.Second,
			WaitingDelay:   2 * time.Second,
		},
		Playback: PlaybackConfig{
			ProgressInterval: 500 * time.Millisecond,
		},
		Device: DeviceConfig{
			Name: "dialogturn",
		},
		Audio: AudioConfig{
			MicSampleRate:    16000,
			SpeechSampleRate: 24000,
			RawSampleRate:    16000,
		},
		Log: LogConfig{
			Level: "info",
		},
		DevServer: DevServerConfig{
			Listen:      ":8080",
			OpenAIModel: "gpt-4o-mini",
			TTSProvider: "openai",
			TTSVoice:    "nova",
			GracePeriod: 1200 * time.Millisecond,
		},
	}
}

// setDefaults registers every key so environment overrides apply to keys the
// config file does not mention.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("connection.host", cfg.Connection.Host)
	v.SetDefault("connection.port", cfg.Connection.Port)
	v.SetDefault("connection.path", cfg.Connection.Path)
	v.SetDefault("connection.tls", cfg.Connection.TLS)
	v.SetDefault("connection.handshake_timeout", cfg.Connection.HandshakeTimeout)

	v.SetDefault("auth.access_token", cfg.Auth.AccessToken)
	v.SetDefault("auth.refresh_token", cfg.Auth.RefreshToken)
	v.SetDefault("auth.token_url", cfg.Auth.TokenURL)

	v.SetDefault("session.silence_timeout", cfg.Session.SilenceTimeout)
	v.SetDefault("session.retry_delay", cfg.Session.RetryDelay)
	v.SetDefault("session.max_retries", cfg.Session.MaxRetries)
	v.SetDefault("session.starting_delay", cfg.Session.StartingDelay)
	v.SetDefault("session.waiting_delay", cfg.Session.WaitingDelay)

	v.SetDefault("playback.progress_interval", cfg.Playback.ProgressInterval)

	v.SetDefault("device.name", cfg.Device.Name)
	v.SetDefault("device.attach_device_info", cfg.Device.AttachDeviceInfo)

	v.SetDefault("audio.mic_sample_rate", cfg.Audio.MicSampleRate)
	v.SetDefault("audio.speech_sample_rate", cfg.Audio.SpeechSampleRate)
	v.SetDefault("audio.raw_sample_rate", cfg.Audio.RawSampleRate)
	v.SetDefault("audio.record_path", cfg.Audio.RecordPath)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.file", cfg.Log.File)

	v.SetDefault("metrics.listen", cfg.Metrics.Listen)

	v.SetDefault("devserver.listen", cfg.DevServer.Listen)
	v.SetDefault("devserver.access_token", cfg.DevServer.AccessToken)
	v.SetDefault("devserver.refresh_token", cfg.DevServer.RefreshToken)
	v.SetDefault("devserver.openai_api_key", cfg.DevServer.OpenAIAPIKey)
	v.SetDefault("devserver.openai_model", cfg.DevServer.OpenAIModel)
	v.SetDefault("devserver.deepgram_api_key", cfg.DevServer.DeepgramAPIKey)
	v.SetDefault("devserver.tts_provider", cfg.DevServer.TTSProvider)
	v.SetDefault("devserver.tts_voice", cfg.DevServer.TTSVoice)
	v.SetDefault("devserver.grace_period", cfg.DevServer.GracePeriod)
}

// Dir returns ~/.dialogturn.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, dirName), nil
}

// Store is the loaded configuration plus the viper instance backing it.
type Store struct {
	v      *viper.Viper
	path   string
	logger zerolog.Logger

	mu  sync.RWMutex
	cfg *Config
}

// Load reads path, or config.yaml from ~/.dialogturn and the working
// directory when path is empty. A missing file is not an error.
func Load(path string, logger zerolog.Logger) (*Store, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if dir, err := Dir(); err == nil {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(path != "" && errors.Is(err, os.ErrNotExist)) {
			return nil, err
		}
	}

	s := &Store{v: v, path: path, logger: logger.With().Str("component", "config").Logger()}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) reload() error {
	cfg := DefaultConfig()
	if err := s.v.Unmarshal(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

// SetLogger replaces the logger used for reload and save messages.
func (s *Store) SetLogger(logger zerolog.Logger) {
	s.logger = logger.With().Str("component", "config").Logger()
}

// Config returns a copy of the current configuration.
func (s *Store) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.cfg
}

func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Auth.AccessToken
}

func (s *Store) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Auth.RefreshToken
}

// SetTokens stores a new token pair and writes the config file. An empty
// refresh token keeps the current one.
func (s *Store) SetTokens(access, refresh string) error {
	s.mu.Lock()
	s.cfg.Auth.AccessToken = access
	if refresh != "" {
		s.cfg.Auth.RefreshToken = refresh
	}
	s.v.Set("auth.access_token", s.cfg.Auth.AccessToken)
	s.v.Set("auth.refresh_token", s.cfg.Auth.RefreshToken)
	s.mu.Unlock()
	return s.save()
}

// ClearAccessToken forgets the access token so the next start fails fast
// until the device is registered again.
func (s *Store) ClearAccessToken() error {
	s.mu.Lock()
	s.cfg.Auth.AccessToken = ""
	s.v.Set("auth.access_token", "")
	s.mu.Unlock()
	return s.save()
}

// Path returns the file tokens are written to.
func (s *Store) Path() (string, error) {
	if s.path != "" {
		return s.path, nil
	}
	if used := s.v.ConfigFileUsed(); used != "" {
		return used, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func (s *Store) save() error {
	path, err := s.Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.v.WriteConfigAs(path); err != nil {
		return err
	}
	s.logger.Debug().Str("path", path).Msg("config saved")
	return nil
}

// Watch reloads the configuration when the file changes and hands the new
// value to onChange. Without a config file there is nothing to watch.
func (s *Store) Watch(onChange func(Config)) {
	if s.v.ConfigFileUsed() == "" {
		s.logger.Debug().Msg("no config file to watch")
		return
	}
	s.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		if err := s.reload(); err != nil {
			s.logger.Warn().Err(err).Str("file", e.Name).Msg("config reload failed")
			return
		}
		s.logger.Info().Str("file", e.Name).Msg("config reloaded")
		if onChange != nil {
			onChange(s.Config())
		}
	})
	s.v.WatchConfig()
}
