// Package sdk talks to the dialogue service. Session lifecycle is callback
// based; everything the server pushes arrives as Events on one channel.
package sdk

// Mode selects how the server should treat the session.
type Mode string

const (
	ModeVoice Mode = "voice"
	ModeText  Mode = "text"
)

// StartOptions configures one session.
type StartOptions struct {
	Mode     Mode
	MicMuted bool
}

// Client is the dialogue service connection. Callbacks may run on any goroutine.
type Client interface {
	// Start opens a session. onError also reports failures after onSuccess.
	Start(opts StartOptions, onSuccess func(), onError func(code int, message string))
	Stop(onDone func())
	SendText(text string) error
	SendStructured(text string, clientData map[string]any) error
	Mute()
	Unmute()
	// CancelPlayback drops the rest of the speech being played.
	CancelPlayback()
	Events() <-chan Event
}

// Event is something the server pushed.
type Event interface {
	event()
}

// MetadataEvent carries one raw metadata message.
type MetadataEvent struct {
	Raw string
}

// SpeechStartEvent marks the start of synthesized speech playback.
type SpeechStartEvent struct{}

// SpeechEndEvent marks the end of synthesized speech playback.
type SpeechEndEvent struct{}

func (MetadataEvent) event()    {}
func (SpeechStartEvent) event() {}
func (SpeechEndEvent) event()   {}
