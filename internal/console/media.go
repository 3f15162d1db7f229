package console

import (
	"fmt"
	"time"

	"github.com/keshucs12345/dialogturn/internal/playback"
)

type mediaState int

const (
	mediaIdle mediaState = iota
	mediaPlaying
	mediaPaused
)

// MediaView prints the playback state of one audio balloon. Only changes of
// state are printed; progress is kept for the pause line.
type MediaView struct {
	c        *Console
	tag      playback.Tag
	state    mediaState
	position time.Duration
	duration time.Duration
	seekable bool
}

var _ playback.View = (*MediaView)(nil)

// MediaView returns a view for the audio balloon at tag.
func (c *Console) MediaView(tag playback.Tag) *MediaView {
	return &MediaView{c: c, tag: tag}
}

func (v *MediaView) Tag() playback.Tag { return v.tag }

func (v *MediaView) OnStart() {
	if v.state == mediaPlaying {
		return
	}
	v.state = mediaPlaying
	line := fmt.Sprintf("▶ #%d playing", v.tag)
	if v.duration > 0 {
		line += " (" + clock(v.duration) + ")"
	}
	v.print(line)
}

func (v *MediaView) OnPause() {
	if v.state == mediaPaused {
		return
	}
	v.state = mediaPaused
	v.print(fmt.Sprintf("‖ #%d paused at %s", v.tag, clock(v.position)))
}

func (v *MediaView) OnComplete() {
	if v.state == mediaIdle {
		return
	}
	v.state = mediaIdle
	v.position = 0
	v.print(fmt.Sprintf("■ #%d finished", v.tag))
}

func (v *MediaView) SetProgress(pos time.Duration) { v.position = pos }
func (v *MediaView) SetDuration(d time.Duration)   { v.duration = d }
func (v *MediaView) SetSeekEnabled(enabled bool)   { v.seekable = enabled }

// Seekable reports whether the coordinator currently allows seeking.
func (v *MediaView) Seekable() bool { return v.seekable }

func (v *MediaView) print(line string) {
	v.c.mu.Lock()
	defer v.c.mu.Unlock()
	v.c.println(v.c.style(colorMuted).Render(line))
}

func clock(d time.Duration) string {
	s := int(d.Round(time.Second) / time.Second)
	return fmt.Sprintf("%d:%02d", s/60, s%60)
}
