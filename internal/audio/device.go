// Package audio connects the session to the sound card through PortAudio:
// microphone capture, synthesized speech output and the media player.
package audio

import (
	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"
)

const (
	// MicSampleRate is what the dialogue service expects from the microphone.
	MicSampleRate = 16000
	// SpeechSampleRate is the rate of the synthesized speech stream.
	SpeechSampleRate = 24000

	framesPerBuffer = 1024
)

// stream is the subset of *portaudio.Stream the package drives.
type stream interface {
	Start() error
	Stop() error
	Close() error
	Read() error
	Write() error
}

// openFunc opens a default device stream bound to buffer. in or out is the
// channel count of that direction; the other is zero.
type openFunc func(in, out, sampleRate int, buffer []int16) (stream, error)

func openDefault(in, out, sampleRate int, buffer []int16) (stream, error) {
	s, err := portaudio.OpenDefaultStream(in, out, float64(sampleRate), len(buffer)/max(in, out, 1), &buffer)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Init initializes PortAudio. Every successful Init needs a Shutdown.
func Init(logger zerolog.Logger) error {
	logger.Info().Str("component", "audio").Msg("initializing PortAudio")
	return portaudio.Initialize()
}

func Shutdown(logger zerolog.Logger) {
	logger.Info().Str("component", "audio").Msg("terminating PortAudio")
	if err := portaudio.Terminate(); err != nil {
		logger.Error().Err(err).Str("component", "audio").Msg("error terminating PortAudio")
	}
}

func closeStream(s stream, logger zerolog.Logger) {
	if err := s.Stop(); err != nil {
		logger.Debug().Err(err).Msg("stream stop")
	}
	if err := s.Close(); err != nil {
		logger.Debug().Err(err).Msg("stream close")
	}
}
