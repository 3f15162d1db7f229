package audio

import (
	"context"
	"os"

	"github.com/rs/zerolog"

	"github.com/keshucs12345/dialogturn/internal/media"
)

// Microphone captures 16-bit mono frames from the default input device.
type Microphone struct {
	SampleRate int
	// RecordPath, when set, receives a raw PCM copy of everything captured.
	RecordPath string

	open   openFunc
	logger zerolog.Logger
}

func NewMicrophone(logger zerolog.Logger) *Microphone {
	return &Microphone{
		SampleRate: MicSampleRate,
		open:       openDefault,
		logger:     logger.With().Str("component", "microphone").Logger(),
	}
}

// Capture sends frames to out until ctx is done or the device fails, then
// closes out.
func (m *Microphone) Capture(ctx context.Context, out chan<- []int16) error {
	defer close(out)

	buffer := make([]int16, framesPerBuffer)
	s, err := m.open(1, 0, m.SampleRate, buffer)
	if err != nil {
		return err
	}
	if err := s.Start(); err != nil {
		_ = s.Close()
		return err
	}
	defer closeStream(s, m.logger)

	var record *os.File
	if m.RecordPath != "" {
		record, err = os.Create(m.RecordPath)
		if err != nil {
			return err
		}
		defer func() {
			if err := record.Close(); err != nil {
				m.logger.Error().Err(err).Str("path", m.RecordPath).Msg("error closing recording")
			}
		}()
	}

	m.logger.Debug().Int("rate", m.SampleRate).Msg("capture started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Debug().Msg("capture stopped")
			return nil
		default:
		}

		if err := s.Read(); err != nil {
			return err
		}
		frame := make([]int16, len(buffer))
		copy(frame, buffer)

		if record != nil {
			if _, err := record.Write(media.Int16ToBytes(frame)); err != nil {
				m.logger.Warn().Err(err).Msg("error writing recording")
			}
		}

		select {
		case out <- frame:
		case <-ctx.Done():
			return nil
		}
	}
}
