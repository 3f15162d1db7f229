// Package displaytest provides a Display that records every call.
package displaytest

import (
	"fmt"
	"sync"

	"github.com/keshucs12345/dialogturn/internal/display"
	"github.com/keshucs12345/dialogturn/internal/metadata"
)

// Recorder implements display.Display and keeps a log of calls.
type Recorder struct {
	mu       sync.Mutex
	calls    []string
	balloons []*metadata.Balloon
	statuses []display.Status
	themes   []metadata.AgentType
	alerts   []string
	notices  []string
	progress map[display.Progress]bool
}

var _ display.Display = (*Recorder)(nil)

func New() *Recorder {
	return &Recorder{progress: make(map[display.Progress]bool)}
}

func (r *Recorder) record(format string, args ...any) {
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

func (r *Recorder) DisplayBalloon(b *metadata.Balloon) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balloons = append(r.balloons, b)
	r.record("balloon %s", b.Type)
}

func (r *Recorder) ScrollToBottom() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("scroll")
}

func (r *Recorder) SetAgentTheme(agent metadata.AgentType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.themes = append(r.themes, agent)
	r.record("theme %s", agent)
}

func (r *Recorder) SetStatus(s display.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
	r.record("status %s", s)
}

func (r *Recorder) ShowProgress(p display.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress[p] = true
	r.record("show %s", p)
}

func (r *Recorder) HideProgress(p display.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress[p] = false
	r.record("hide %s", p)
}

func (r *Recorder) ShowAlert(title, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, title)
	r.record("alert %s", title)
}

func (r *Recorder) ShowNotice(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, message)
	r.record("notice")
}

// Calls returns every call in order, formatted as "<kind> <arg>".
func (r *Recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *Recorder) Balloons() []*metadata.Balloon {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*metadata.Balloon(nil), r.balloons...)
}

func (r *Recorder) Statuses() []display.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]display.Status(nil), r.statuses...)
}

// LastStatus returns the most recent status, or zero if none was set.
func (r *Recorder) LastStatus() display.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return 0
	}
	return r.statuses[len(r.statuses)-1]
}

func (r *Recorder) Themes() []metadata.AgentType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]metadata.AgentType(nil), r.themes...)
}

func (r *Recorder) Alerts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.alerts...)
}

func (r *Recorder) Notices() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.notices...)
}

// Showing reports whether p is currently shown.
func (r *Recorder) Showing(p display.Progress) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress[p]
}
