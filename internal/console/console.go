// Package console renders the conversation as lines on a terminal.
package console

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/keshucs12345/dialogturn/internal/display"
	"github.com/keshucs12345/dialogturn/internal/metadata"
)

const (
	colorUser    = "#7DD3FC"
	colorMain    = "#A78BFA"
	colorExpert  = "#F59E0B"
	colorMuted   = "#6B7280"
	colorLink    = "#60A5FA"
	colorError   = "#EF4444"
	colorNotice  = "#FBBF24"
	colorButton  = "#34D399"
	indentSpaces = 4
)

// Console is a display.Display writing to a terminal.
type Console struct {
	mu      sync.Mutex
	out     io.Writer
	r       *lipgloss.Renderer
	agent   metadata.AgentType
	status  display.Status
	showing map[display.Progress]bool
	buttons []metadata.ButtonSpec
}

var _ display.Display = (*Console)(nil)

// New returns a console writing to out. Colours follow out's terminal
// capabilities and are dropped when out is not a terminal.
func New(out io.Writer) *Console {
	return &Console{
		out:     out,
		r:       lipgloss.NewRenderer(out),
		agent:   metadata.AgentMain,
		showing: make(map[display.Progress]bool),
	}
}

func (c *Console) style(color string) lipgloss.Style {
	return c.r.NewStyle().Foreground(lipgloss.Color(color))
}

func (c *Console) agentColor() string {
	if c.agent == metadata.AgentExpert {
		return colorExpert
	}
	return colorMain
}

func (c *Console) println(s string) {
	fmt.Fprintln(c.out, s)
}

func (c *Console) DisplayBalloon(b *metadata.Balloon) {
	c.mu.Lock()
	defer c.mu.Unlock()

	label := c.style(c.agentColor()).Bold(true).Render(c.agent.String() + ">")
	muted := c.style(colorMuted)
	link := c.style(colorLink).Underline(true)

	switch b.Type {
	case metadata.UserSpeech:
		c.println(c.style(colorUser).Bold(true).Render("you>") + " " + b.Text())
	case metadata.AISpeech:
		c.println(label + " " + b.Text())
	case metadata.Audio:
		c.println(label + " " + muted.Render(fmt.Sprintf("[audio #%d]", position(b))) + " " + link.Render(b.URL()))
	case metadata.Image:
		c.println(label + " " + muted.Render("[image]") + " " + link.Render(b.URL()))
		// The terminal is already at the bottom, so the scroll is spent here.
		if b.TakeAction() == metadata.ActionScroll {
			c.ScrollToBottom()
		}
	case metadata.HTML:
		c.println(label + " " + muted.Render("[web]") + " " + link.Render(b.URL()))
	case metadata.Button:
		c.println(label + " " + b.Text())
		c.printButtons(b.Payloads[0].Buttons)
	case metadata.Compound:
		c.println(label + " " + muted.Render(fmt.Sprintf("[%d pages]", len(b.Payloads))))
		indent := strings.Repeat(" ", indentSpaces)
		for i, p := range b.Payloads {
			c.println(indent + c.r.NewStyle().Bold(true).Render(fmt.Sprintf("%d. %s", i+1, p.Title)))
			if p.URL != "" {
				c.println(indent + "   " + link.Render(p.URL))
			}
			if p.Text != "" {
				c.println(indent + "   " + p.Text)
			}
			c.printButtons(p.Buttons)
		}
	}
}

// printButtons numbers buttons across the whole transcript so they can be
// chosen with Button.
func (c *Console) printButtons(buttons []metadata.ButtonSpec) {
	style := c.style(colorButton)
	muted := c.style(colorMuted)
	for _, btn := range buttons {
		c.buttons = append(c.buttons, btn)
		line := fmt.Sprintf("%s[%d] %s", strings.Repeat(" ", indentSpaces), len(c.buttons), style.Render(btn.Title))
		if btn.Kind == metadata.OpenURL {
			line += " " + muted.Render(btn.Value)
		}
		c.println(line)
	}
}

func position(b *metadata.Balloon) int {
	pos, _ := b.Position()
	return pos
}

// Button returns the n-th button shown, counting from 1.
func (c *Console) Button(n int) (metadata.ButtonSpec, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n < 1 || n > len(c.buttons) {
		return metadata.ButtonSpec{}, false
	}
	return c.buttons[n-1], true
}

// ScrollToBottom is implicit on a terminal.
func (c *Console) ScrollToBottom() {}

func (c *Console) SetAgentTheme(agent metadata.AgentType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if agent == metadata.AgentUnknown || agent == c.agent {
		return
	}
	c.agent = agent
	c.println(c.style(c.agentColor()).Italic(true).Render("~ switched to " + agent.String() + " agent"))
}

// Agent returns the current theme.
func (c *Console) Agent() metadata.AgentType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agent
}

func (c *Console) SetStatus(s display.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s == c.status {
		return
	}
	c.status = s
	c.println(c.style(colorMuted).Render("· " + strings.ReplaceAll(s.String(), "_", " ")))
}

func (c *Console) ShowProgress(p display.Progress) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.showing[p] {
		return
	}
	c.showing[p] = true
	c.println(c.style(colorMuted).Italic(true).Render(p.String() + "…"))
}

// HideProgress only updates state; a line-oriented terminal cannot erase.
func (c *Console) HideProgress(p display.Progress) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.showing[p] = false
}

func (c *Console) ShowAlert(title, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.println(c.style(colorError).Bold(true).Render("✖ "+title) + ": " + message)
}

func (c *Console) ShowNotice(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.println(c.style(colorNotice).Render("! " + message))
}
