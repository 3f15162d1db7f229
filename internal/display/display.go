// Package display defines what the chat core asks of the user interface.
package display

import "github.com/keshucs12345/dialogturn/internal/metadata"

// Status is the one-line state shown to the user.
type Status int

const (
	StatusStarting Status = iota + 1
	StatusReady
	StatusPlayingSpeech
	StatusPlayingMedia
	StatusStopped
	StatusWaitingForResponse
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusReady:
		return "ready"
	case StatusPlayingSpeech:
		return "playing_speech"
	case StatusPlayingMedia:
		return "playing_media"
	case StatusStopped:
		return "stopped"
	case StatusWaitingForResponse:
		return "waiting_for_response"
	}
	return "unknown"
}

// Progress is a delayed busy indicator.
type Progress int

const (
	ProgressConnecting Progress = iota + 1
	ProgressWaiting
)

func (p Progress) String() string {
	switch p {
	case ProgressConnecting:
		return "connecting"
	case ProgressWaiting:
		return "waiting"
	}
	return "unknown"
}

// Display renders transcript and session state. Calls arrive on the main loop.
type Display interface {
	DisplayBalloon(b *metadata.Balloon)
	ScrollToBottom()
	SetAgentTheme(agent metadata.AgentType)
	SetStatus(s Status)
	ShowProgress(p Progress)
	HideProgress(p Progress)
	ShowAlert(title, message string)
	ShowNotice(message string)
}
