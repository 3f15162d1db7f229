package metadata

import "maps"

// TurnKind tells which kind of server message a Turn came from.
type TurnKind int

const (
	KindSpeechResult TurnKind = iota + 1
	KindNLUResult
)

func (k TurnKind) String() string {
	switch k {
	case KindSpeechResult:
		return "speech_result"
	case KindNLUResult:
		return "nlu_result"
	}
	return "unknown"
}

// BalloonType is the kind of transcript entry.
type BalloonType int

const (
	UserSpeech BalloonType = iota + 1
	AISpeech
	Audio
	Image
	HTML
	Button
	Compound
)

func (t BalloonType) String() string {
	switch t {
	case UserSpeech:
		return "user_speech"
	case AISpeech:
		return "ai_speech"
	case Audio:
		return "audio"
	case Image:
		return "image"
	case HTML:
		return "html"
	case Button:
		return "button"
	case Compound:
		return "compound"
	}
	return "unknown"
}

// Action is the one-shot side effect attached to a balloon.
type Action int

const (
	ActionNone Action = iota
	ActionScroll
	ActionPlay
	ActionPlayAfterSpeech
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionScroll:
		return "scroll"
	case ActionPlay:
		return "play"
	case ActionPlayAfterSpeech:
		return "play_after_speech"
	}
	return "unknown"
}

// ButtonKind selects what a button does when chosen.
type ButtonKind int

const (
	OpenURL ButtonKind = iota + 1
	PostbackButton
)

func (k ButtonKind) String() string {
	switch k {
	case OpenURL:
		return "open_url"
	case PostbackButton:
		return "postback"
	}
	return "unknown"
}

// ButtonSpec is one selectable button.
type ButtonSpec struct {
	Kind  ButtonKind
	Title string
	Value string
}

// Payload is one renderable unit of a balloon. Only the fields relevant to the
// balloon type are set.
type Payload struct {
	Title   string
	URL     string
	Text    string
	Buttons []ButtonSpec
}

// Balloon is one transcript entry.
type Balloon struct {
	Type     BalloonType
	Payloads []Payload
	Action   Action

	position int
	placed   bool
}

// NewTextBalloon builds a speech balloon. Empty text yields a placeholder.
func NewTextBalloon(t BalloonType, text string) *Balloon {
	b := &Balloon{Type: t}
	if text != "" {
		b.Payloads = []Payload{{Text: text}}
	}
	return b
}

// NewURLBalloon builds a single-resource balloon. Images scroll the transcript
// once they are shown.
func NewURLBalloon(t BalloonType, url string) *Balloon {
	b := &Balloon{Type: t, Payloads: []Payload{{URL: url}}}
	if t == Image {
		b.Action = ActionScroll
	}
	return b
}

// IsPlaceholder reports whether the balloon carries nothing to display.
func (b *Balloon) IsPlaceholder() bool {
	return len(b.Payloads) == 0
}

// URL returns the first payload's URL.
func (b *Balloon) URL() string {
	if len(b.Payloads) == 0 {
		return ""
	}
	return b.Payloads[0].URL
}

// Text returns the first payload's text.
func (b *Balloon) Text() string {
	if len(b.Payloads) == 0 {
		return ""
	}
	return b.Payloads[0].Text
}

// TakeAction returns the pending action and resets it to ActionNone.
func (b *Balloon) TakeAction() Action {
	a := b.Action
	b.Action = ActionNone
	return a
}

// Place records the balloon's transcript index. The first call wins.
func (b *Balloon) Place(pos int) bool {
	if b.placed {
		return false
	}
	b.position = pos
	b.placed = true
	return true
}

// Position returns the transcript index, if the balloon has been placed.
func (b *Balloon) Position() (int, bool) {
	return b.position, b.placed
}

// AgentType is the persona the server asks the client to present.
type AgentType int

const (
	AgentUnknown AgentType = iota
	AgentMain
	AgentExpert
)

func (a AgentType) String() string {
	switch a {
	case AgentMain:
		return "main"
	case AgentExpert:
		return "expert"
	}
	return "unknown"
}

// AgentTypeOf maps the wire value: "1" is the main agent, anything else present
// is an expert.
func AgentTypeOf(value string, present bool) AgentType {
	if !present {
		return AgentUnknown
	}
	if value == "1" {
		return AgentMain
	}
	return AgentExpert
}

// SwitchAgent asks the client to change persona.
type SwitchAgent struct {
	AgentID             string
	AgentType           AgentType
	DeferUntilSpeechEnd bool
}

// Postback is a follow-up request the client sends back to the server.
type Postback struct {
	Payload             string
	ClientData          map[string]any
	DeferUntilSpeechEnd bool
}

// Turn is everything one server message asks the client to do.
type Turn struct {
	Kind        TurnKind
	Balloons    []*Balloon
	SwitchAgent *SwitchAgent
	Postback    *Postback
	Utterance   bool
}

// Clone returns a deep copy with fresh, unplaced balloons.
func (t *Turn) Clone() *Turn {
	out := &Turn{Kind: t.Kind, Utterance: t.Utterance}
	for _, b := range t.Balloons {
		nb := &Balloon{Type: b.Type, Action: b.Action}
		for _, p := range b.Payloads {
			np := p
			np.Buttons = append([]ButtonSpec(nil), p.Buttons...)
			nb.Payloads = append(nb.Payloads, np)
		}
		out.Balloons = append(out.Balloons, nb)
	}
	if t.SwitchAgent != nil {
		sa := *t.SwitchAgent
		out.SwitchAgent = &sa
	}
	if t.Postback != nil {
		pb := *t.Postback
		if t.Postback.ClientData != nil {
			pb.ClientData = maps.Clone(t.Postback.ClientData)
		}
		out.Postback = &pb
	}
	return out
}
