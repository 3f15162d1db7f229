package metadata

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

var (
	// ErrMalformed means the message was not valid JSON.
	ErrMalformed = errors.New("metadata: malformed message")
	// ErrUnrecognized means the message was JSON but not a turn this client understands.
	ErrUnrecognized = errors.New("metadata: unrecognized message")
)

const (
	keySpeechRecResult = "speechrec_result"
	keyType            = "type"
	keySentences       = "sentences"
	keyVoiceText       = "voiceText"
	keySystemText      = "systemText"
	keyExpression      = "expression"
	keyUtterance       = "utterance"
	keyOption          = "option"
	keySwitchAgent     = "switchAgent"
	keyAgentID         = "agentId"
	keyAgentType       = "agentType"
	keyAfterUtt        = "afterUtt"
	keyPostback        = "postback"
	keyPayload         = "payload"
	keyClientData      = "clientData"
	keyBalloon         = "balloon"
	keyContentType     = "contentType"
	keyURL             = "url"
	keyText            = "text"
	keyTitle           = "title"
	keyButtons         = "buttons"
	keyTrays           = "trays"
	keyImageURL        = "imageUrl"

	typeNLUResult    = "nlu_result"
	balloonText      = "text"
	balloonMedia     = "media"
	balloonTemplate  = "template"
	templateButton   = "button"
	templateCompound = "compound"
	buttonWebURL     = "webUrl"
	buttonPostback   = "postback"
	contentTypeHTML  = "text/html"
)

// Parser turns raw server messages into Turns. It holds no per-message state.
type Parser struct {
	logger zerolog.Logger
}

// NewParser returns a parser that reports skipped entries at debug level.
func NewParser(logger zerolog.Logger) *Parser {
	return &Parser{logger: logger.With().Str("component", "metadata").Logger()}
}

// Parse decodes one server message.
func (p *Parser) Parse(raw string) (*Turn, error) {
	root, err := Decode([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	obj, ok := root.(Object)
	if !ok {
		return nil, fmt.Errorf("%w: top-level value is not an object", ErrUnrecognized)
	}
	if _, ok := obj.Get(keySpeechRecResult); ok {
		return p.parseSpeechResult(obj)
	}
	if t, ok := obj.Get(keyType); ok {
		if s, _ := t.(string); s == typeNLUResult {
			return p.parseNLUResult(obj), nil
		}
	}
	return nil, ErrUnrecognized
}

func (p *Parser) parseSpeechResult(obj Object) (*Turn, error) {
	sentences, _ := FindObjectList(obj, keySentences)
	for _, sentence := range sentences {
		if text, ok := FindString(sentence, keyVoiceText); ok && text != "" {
			return &Turn{
				Kind:     KindSpeechResult,
				Balloons: []*Balloon{NewTextBalloon(UserSpeech, text)},
			}, nil
		}
	}
	return nil, fmt.Errorf("%w: speech result without recognized text", ErrUnrecognized)
}

func (p *Parser) parseNLUResult(obj Object) *Turn {
	turn := &Turn{Kind: KindNLUResult}

	systemText, _ := FindObject(obj, keySystemText)
	utterance, _ := FindString(systemText, keyUtterance)
	turn.Utterance = utterance != ""

	options, _ := FindObject(obj, keyOption)
	turn.SwitchAgent = parseSwitchAgent(options)
	turn.Postback = parsePostback(options)

	entries, ok := FindObjectList(options, keyBalloon)
	if !ok {
		expression, _ := FindString(systemText, keyExpression)
		turn.Balloons = []*Balloon{NewTextBalloon(AISpeech, expression)}
		return turn
	}
	for _, entry := range entries {
		if b := p.parseBalloon(entry); b != nil {
			turn.Balloons = append(turn.Balloons, b)
		}
	}
	assignAutoPlay(turn)
	return turn
}

// assignAutoPlay gives the first audio balloon its playback action: immediate
// when nothing is spoken, after the speech when there is no follow-up pending.
func assignAutoPlay(turn *Turn) {
	for _, b := range turn.Balloons {
		if b.Type != Audio {
			continue
		}
		if !turn.Utterance {
			b.Action = ActionPlay
		} else if turn.Postback == nil {
			b.Action = ActionPlayAfterSpeech
		}
		return
	}
}

func parseSwitchAgent(options Object) *SwitchAgent {
	m, ok := FindObject(options, keySwitchAgent)
	if !ok {
		return nil
	}
	id, _ := FindString(m, keyAgentID)
	agentType, present := FindString(m, keyAgentType)
	return &SwitchAgent{
		AgentID:             id,
		AgentType:           AgentTypeOf(agentType, present),
		DeferUntilSpeechEnd: afterUtt(m),
	}
}

func parsePostback(options Object) *Postback {
	m, ok := FindObject(options, keyPostback)
	if !ok {
		return nil
	}
	payload, _ := FindString(m, keyPayload)
	pb := &Postback{Payload: payload, DeferUntilSpeechEnd: afterUtt(m)}
	if data, ok := FindObject(m, keyClientData); ok {
		pb.ClientData, _ = Plain(data).(map[string]any)
	}
	return pb
}

func afterUtt(m Object) bool {
	v, ok := Find(m, keyAfterUtt)
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true")
	}
	return false
}

func (p *Parser) parseBalloon(entry Object) *Balloon {
	typ, _ := FindString(entry, keyType)
	payload, _ := FindObject(entry, keyPayload)
	switch typ {
	case balloonText:
		if expression, _ := FindString(payload, keyExpression); expression != "" {
			return NewTextBalloon(AISpeech, expression)
		}
		return nil
	case balloonMedia:
		return p.parseMedia(payload)
	case balloonTemplate:
		switch template, _ := FindString(payload, keyType); template {
		case templateButton:
			return parseButtonTemplate(payload)
		case templateCompound:
			return parseCompoundTemplate(payload)
		default:
			p.logger.Debug().Str("template", template).Msg("skipping unknown template")
			return nil
		}
	}
	p.logger.Debug().Str("type", typ).Msg("skipping unknown balloon")
	return nil
}

func (p *Parser) parseMedia(payload Object) *Balloon {
	contentType, ok := FindString(payload, keyContentType)
	if !ok {
		return nil
	}
	url, ok := FindString(payload, keyURL)
	if !ok {
		return nil
	}
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return NewURLBalloon(Image, url)
	case strings.HasPrefix(contentType, "audio/"):
		return NewURLBalloon(Audio, url)
	case contentType == contentTypeHTML:
		return NewURLBalloon(HTML, url)
	}
	return NewTextBalloon(AISpeech, contentType+"\n"+url)
}

func parseButtonTemplate(payload Object) *Balloon {
	text, _ := FindString(payload, keyText)
	return &Balloon{
		Type:     Button,
		Payloads: []Payload{{Text: text, Buttons: parseButtons(payload)}},
	}
}

// parseCompoundTemplate returns a placeholder when there are no trays.
func parseCompoundTemplate(payload Object) *Balloon {
	b := &Balloon{Type: Compound}
	trays, ok := FindObjectList(payload, keyTrays)
	if !ok {
		return b
	}
	for _, tray := range trays {
		title, _ := FindString(tray, keyTitle)
		imageURL, _ := FindString(tray, keyImageURL)
		text, _ := FindString(tray, keyText)
		b.Payloads = append(b.Payloads, Payload{
			Title:   title,
			URL:     imageURL,
			Text:    text,
			Buttons: parseButtons(tray),
		})
	}
	return b
}

func parseButtons(m Object) []ButtonSpec {
	list, ok := FindObjectList(m, keyButtons)
	if !ok {
		return nil
	}
	var buttons []ButtonSpec
	for _, entry := range list {
		var spec ButtonSpec
		switch kind, _ := FindString(entry, keyType); kind {
		case buttonWebURL:
			spec.Kind = OpenURL
			spec.Value, ok = FindString(entry, keyURL)
		case buttonPostback:
			spec.Kind = PostbackButton
			payload, _ := FindObject(entry, keyPayload)
			spec.Value, ok = FindString(payload, keyText)
		default:
			continue
		}
		if !ok {
			continue
		}
		if spec.Title, ok = FindString(entry, keyTitle); !ok {
			continue
		}
		buttons = append(buttons, spec)
	}
	return buttons
}
