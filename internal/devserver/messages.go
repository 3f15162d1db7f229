package devserver

import (
	"strings"
)

// Server messages, in the shape the client's metadata parser reads.

type speechRecResult struct {
	SpeechRecResult struct {
		Sentences []sentence `json:"sentences"`
	} `json:"speechrec_result"`
}

type sentence struct {
	VoiceText string `json:"voiceText"`
}

type nluResult struct {
	Type           string     `json:"type"`
	ConversationID string     `json:"conversationId,omitempty"`
	SystemText     systemText `json:"systemText"`
	Option         *option    `json:"option,omitempty"`
}

type systemText struct {
	Expression string `json:"expression"`
	Utterance  string `json:"utterance,omitempty"`
}

type option struct {
	SwitchAgent *switchAgent `json:"switchAgent,omitempty"`
	Postback    *postback    `json:"postback,omitempty"`
	Balloon     []balloon    `json:"balloon,omitempty"`
}

type switchAgent struct {
	AgentID   string `json:"agentId"`
	AgentType string `json:"agentType"`
	AfterUtt  bool   `json:"afterUtt"`
}

type postback struct {
	Payload    string         `json:"payload"`
	ClientData map[string]any `json:"clientData,omitempty"`
	AfterUtt   bool           `json:"afterUtt"`
}

type balloon struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type textPayload struct {
	Expression string `json:"expression"`
}

type mediaPayload struct {
	ContentType string `json:"contentType"`
	URL         string `json:"url"`
}

type buttonTemplate struct {
	Type    string   `json:"type"`
	Text    string   `json:"text"`
	Buttons []button `json:"buttons"`
}

type compoundTemplate struct {
	Type  string `json:"type"`
	Trays []tray `json:"trays"`
}

type tray struct {
	Title    string   `json:"title"`
	ImageURL string   `json:"imageUrl,omitempty"`
	Text     string   `json:"text,omitempty"`
	Buttons  []button `json:"buttons,omitempty"`
}

type button struct {
	Type    string         `json:"type"`
	Title   string         `json:"title"`
	URL     string         `json:"url,omitempty"`
	Payload *buttonPayload `json:"payload,omitempty"`
}

type buttonPayload struct {
	Text string `json:"text"`
}

func newSpeechRecResult(text string) speechRecResult {
	var m speechRecResult
	m.SpeechRecResult.Sentences = []sentence{{VoiceText: text}}
	return m
}

// newReply is a spoken answer shown as one text balloon.
func newReply(text string) *nluResult {
	return &nluResult{
		Type:       "nlu_result",
		SystemText: systemText{Expression: text, Utterance: text},
		Option:     &option{Balloon: []balloon{textBalloon(text)}},
	}
}

func textBalloon(text string) balloon {
	return balloon{Type: "text", Payload: textPayload{Expression: text}}
}

func mediaBalloon(contentType, url string) balloon {
	return balloon{Type: "media", Payload: mediaPayload{ContentType: contentType, URL: url}}
}

func postbackButton(title, text string) button {
	return button{Type: "postback", Title: title, Payload: &buttonPayload{Text: text}}
}

// Commands start with '#' and produce canned replies that exercise the
// client's deferred actions.
const (
	cmdMedia    = "#media"
	cmdButtons  = "#buttons"
	cmdCards    = "#cards"
	cmdExpert   = "#expert"
	cmdMain     = "#main"
	cmdFollowup = "#followup"
)

func isCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "#")
}

// commandReply builds the canned reply for cmd. mediaBase is the server's
// own base URL, for media it hosts.
func commandReply(cmd, mediaBase string) *nluResult {
	cmd = strings.ToLower(strings.TrimSpace(cmd))
	switch cmd {
	case cmdMedia:
		r := newReply("Here is a short tone.")
		r.Option.Balloon = append(r.Option.Balloon, mediaBalloon("audio/wav", mediaBase+tonePath))
		return r
	case cmdButtons:
		r := newReply("What next?")
		r.Option.Balloon = append(r.Option.Balloon, balloon{Type: "template", Payload: buttonTemplate{
			Type: "button",
			Text: "Pick one",
			Buttons: []button{
				{Type: "webUrl", Title: "Project page", URL: "https://github.com/keshucs12345/dialogturn"},
				postbackButton("Play a tone", cmdMedia),
				postbackButton("Ask an expert", cmdExpert),
			},
		}})
		return r
	case cmdCards:
		r := newReply("Two options.")
		r.Option.Balloon = append(r.Option.Balloon, balloon{Type: "template", Payload: compoundTemplate{
			Type: "compound",
			Trays: []tray{
				{Title: "Tone", Text: "A 440 Hz beep", Buttons: []button{postbackButton("Play", cmdMedia)}},
				{Title: "Expert", Text: "A different voice", Buttons: []button{postbackButton("Switch", cmdExpert)}},
			},
		}})
		return r
	case cmdExpert:
		r := newReply("Connecting you to an expert.")
		r.Option.SwitchAgent = &switchAgent{AgentID: "expert", AgentType: "2", AfterUtt: true}
		return r
	case cmdMain:
		r := newReply("Back to the main assistant.")
		r.Option.SwitchAgent = &switchAgent{AgentID: "main", AgentType: "1", AfterUtt: true}
		return r
	case cmdFollowup:
		r := newReply("One moment, I have something more.")
		r.Option.Postback = &postback{Payload: cmdMedia, ClientData: map[string]any{"source": "followup"}, AfterUtt: true}
		return r
	}
	return newReply("Unknown command " + cmd + ".")
}
