package audio

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/keshucs12345/dialogturn/internal/media"
	"github.com/keshucs12345/dialogturn/internal/playback"
)

const prepareTimeout = 30 * time.Second

// ErrNotPrepared is returned by Start before a clip has been prepared.
var ErrNotPrepared = errors.New("audio: no media prepared")

// MediaPlayer downloads a clip and plays it on the default output device.
type MediaPlayer struct {
	fetcher *media.Fetcher
	open    openFunc
	logger  zerolog.Logger

	mu           sync.Mutex
	clip         *media.Clip
	frame        int
	gen          uint64
	playing      bool
	stop         chan struct{}
	done         chan struct{}
	onCompletion func()
}

var _ playback.Player = (*MediaPlayer)(nil)

func NewMediaPlayer(fetcher *media.Fetcher, logger zerolog.Logger) *MediaPlayer {
	return &MediaPlayer{
		fetcher: fetcher,
		open:    openDefault,
		logger:  logger.With().Str("component", "player").Logger(),
	}
}

func (p *MediaPlayer) SetOnCompletion(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCompletion = fn
}

// Prepare fetches url in the background. A later Prepare or Reset
// supersedes it and its callback never fires.
func (p *MediaPlayer) Prepare(url string, onPrepared func(err error)) {
	p.mu.Lock()
	p.gen++
	gen := p.gen
	p.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), prepareTimeout)
		defer cancel()
		clip, err := p.fetcher.FetchClip(ctx, url)

		p.mu.Lock()
		if gen != p.gen {
			p.mu.Unlock()
			return
		}
		if err == nil {
			p.clip = clip
			p.frame = 0
		}
		p.mu.Unlock()

		if err == nil {
			p.logger.Debug().Str("url", url).Dur("duration", clip.Duration()).Msg("media prepared")
		}
		onPrepared(err)
	}()
}

func (p *MediaPlayer) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clip == nil {
		return ErrNotPrepared
	}
	if p.playing {
		return nil
	}
	if p.frame >= p.clip.Frames() {
		p.frame = 0
	}

	buffer := make([]int16, framesPerBuffer*p.clip.Channels)
	s, err := p.open(0, p.clip.Channels, p.clip.SampleRate, buffer)
	if err != nil {
		return err
	}
	if err := s.Start(); err != nil {
		_ = s.Close()
		return err
	}
	p.playing = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.run(s, buffer, p.clip, p.stop, p.done)
	return nil
}

func (p *MediaPlayer) run(s stream, buffer []int16, clip *media.Clip, stop, done chan struct{}) {
	defer close(done)
	defer closeStream(s, p.logger)

	frames := len(buffer) / clip.Channels
	for {
		select {
		case <-stop:
			return
		default:
		}

		p.mu.Lock()
		if p.clip != clip || !p.playing {
			p.mu.Unlock()
			return
		}
		if p.frame >= clip.Frames() {
			p.playing = false
			p.frame = 0
			fn := p.onCompletion
			p.mu.Unlock()
			if fn != nil {
				fn()
			}
			return
		}
		start := p.frame * clip.Channels
		end := min(start+frames*clip.Channels, len(clip.Samples))
		n := copy(buffer, clip.Samples[start:end])
		p.frame += n / clip.Channels
		p.mu.Unlock()

		clear(buffer[n:])
		if err := s.Write(); err != nil {
			p.logger.Warn().Err(err).Msg("output write failed")
			p.mu.Lock()
			if p.clip == clip {
				p.playing = false
			}
			p.mu.Unlock()
			return
		}
	}
}

// Pause stops output and keeps the position.
func (p *MediaPlayer) Pause() error {
	p.halt()
	return nil
}

// halt stops the play goroutine and waits for it to release the device.
func (p *MediaPlayer) halt() {
	p.mu.Lock()
	if !p.playing {
		p.mu.Unlock()
		return
	}
	p.playing = false
	close(p.stop)
	done := p.done
	p.mu.Unlock()
	<-done
}

func (p *MediaPlayer) SeekTo(pos time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clip == nil {
		return ErrNotPrepared
	}
	p.frame = p.clip.FrameAt(pos)
	return nil
}

func (p *MediaPlayer) Position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clip == nil {
		return 0
	}
	return p.clip.FrameTime(p.frame)
}

func (p *MediaPlayer) Duration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clip == nil {
		return 0
	}
	return p.clip.Duration()
}

func (p *MediaPlayer) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Reset stops playback and forgets the clip and any pending Prepare.
func (p *MediaPlayer) Reset() {
	p.halt()
	p.mu.Lock()
	p.gen++
	p.clip = nil
	p.frame = 0
	p.mu.Unlock()
}

func (p *MediaPlayer) Release() error {
	p.Reset()
	return nil
}
