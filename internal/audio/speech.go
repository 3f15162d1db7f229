package audio

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/keshucs12345/dialogturn/internal/media"
)

const speechBacklog = 256

// ErrSpeechBacklog is returned when speech arrives faster than it plays.
var ErrSpeechBacklog = errors.New("audio: speech backlog full")

type speechChunk struct {
	gen     uint64
	samples []int16
	// done marks the end of an utterance instead of carrying samples.
	done    func()
}

// SpeechOutput plays the synthesized speech stream on the default output.
type SpeechOutput struct {
	sampleRate int
	open       openFunc
	logger     zerolog.Logger
	chunks     chan speechChunk
	gen        atomic.Uint64
}

func NewSpeechOutput(sampleRate int, logger zerolog.Logger) *SpeechOutput {
	if sampleRate <= 0 {
		sampleRate = SpeechSampleRate
	}
	return &SpeechOutput{
		sampleRate: sampleRate,
		open:       openDefault,
		logger:     logger.With().Str("component", "speech").Logger(),
		chunks:     make(chan speechChunk, speechBacklog),
	}
}

// WriteSpeech queues little-endian 16-bit mono PCM. It never blocks.
func (s *SpeechOutput) WriteSpeech(pcm []byte) error {
	select {
	case s.chunks <- speechChunk{gen: s.gen.Load(), samples: media.BytesToInt16(pcm)}:
		return nil
	default:
		return ErrSpeechBacklog
	}
}

// WriteSpeechEnd runs done once the speech queued before it has played or
// been cancelled. A full queue runs it at once.
func (s *SpeechOutput) WriteSpeechEnd(done func()) {
	select {
	case s.chunks <- speechChunk{done: done}:
	default:
		s.logger.Warn().Msg("speech backlog full, ending utterance early")
		done()
	}
}

// CancelSpeech drops everything queued and stops the chunk being played.
func (s *SpeechOutput) CancelSpeech() {
	s.gen.Add(1)
}

// Run plays queued speech until ctx is done.
func (s *SpeechOutput) Run(ctx context.Context) error {
	buffer := make([]int16, framesPerBuffer)
	st, err := s.open(0, 1, s.sampleRate, buffer)
	if err != nil {
		return err
	}
	if err := st.Start(); err != nil {
		_ = st.Close()
		return err
	}
	defer closeStream(st, s.logger)

	for {
		select {
		case <-ctx.Done():
			return nil
		case chunk := <-s.chunks:
			if chunk.done != nil {
				chunk.done()
				continue
			}
			if err := s.play(st, buffer, chunk); err != nil {
				return err
			}
		}
	}
}

func (s *SpeechOutput) play(st stream, buffer []int16, chunk speechChunk) error {
	samples := chunk.samples
	for len(samples) > 0 {
		if chunk.gen != s.gen.Load() {
			return nil
		}
		n := copy(buffer, samples)
		clear(buffer[n:])
		samples = samples[n:]
		if err := st.Write(); err != nil {
			return err
		}
	}
	return nil
}
