package devserver

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/keshucs12345/dialogturn/internal/media"
	"github.com/keshucs12345/dialogturn/internal/sdk"
)

const writeTimeout = 10 * time.Second

type input struct {
	text       string
	clientData map[string]any
	// echo shows the input back as a recognized user sentence.
	echo bool
}

// session is one client connection. Inputs are answered one at a time in
// arrival order.
type session struct {
	id        string
	srv       *Server
	conn      *websocket.Conn
	voice     bool
	mediaBase string
	logger    zerolog.Logger

	writeMu sync.Mutex
	history []openai.ChatCompletionMessage
	turns   *turnTaker
}

func (s *session) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer s.conn.Close()

	s.logger.Info().Msg("session opened")
	defer s.logger.Info().Msg("session closed")

	inputs := make(chan input, inputBuffer)
	var audio chan []int16
	if s.voice && s.srv.opts.Transcriber != nil {
		audio = make(chan []int16, audioBuffer)
		s.startRecognition(ctx, audio, inputs)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.respondLoop(ctx, inputs)
	}()

	s.read(ctx, audio, inputs)
	cancel()
	if audio != nil {
		close(audio)
	}
	wg.Wait()
}

func (s *session) startRecognition(ctx context.Context, audio <-chan []int16, inputs chan<- input) {
	transcripts := make(chan Transcript, audioBuffer)
	s.turns = newTurnTaker(s.srv.opts.GracePeriod, func(text string) {
		select {
		case inputs <- input{text: text, echo: true}:
		case <-ctx.Done():
		}
	}, s.logger)

	go func() {
		if err := s.srv.opts.Transcriber.Run(ctx, audio, transcripts); err != nil {
			s.logger.Error().Err(err).Msg("speech recognition stopped")
		}
	}()
	go s.turns.Run(ctx, transcripts)
}

func (s *session) read(ctx context.Context, audio chan<- []int16, inputs chan<- input) {
	for {
		msgType, msg, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Msg("read ended")
			}
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			if audio == nil {
				continue
			}
			select {
			case audio <- media.BytesToInt16(msg):
			default:
				s.logger.Warn().Msg("recognition backlog, dropping audio")
			}
		case websocket.TextMessage:
			var m sdk.ClientMessage
			if err := json.Unmarshal(msg, &m); err != nil {
				s.logger.Warn().Err(err).Msg("bad client message")
				continue
			}
			in := input{text: m.Text, clientData: m.ClientData, echo: m.Type == sdk.MessageText}
			select {
			case inputs <- in:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *session) respondLoop(ctx context.Context, inputs <-chan input) {
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-inputs:
			if err := s.respond(ctx, in); err != nil {
				s.logger.Warn().Err(err).Msg("reply failed")
				return
			}
		}
	}
}

func (s *session) respond(ctx context.Context, in input) error {
	if in.echo {
		if err := s.writeJSON(newSpeechRecResult(in.text)); err != nil {
			return err
		}
	}

	var reply *nluResult
	if isCommand(in.text) {
		reply = commandReply(in.text, s.mediaBase)
	} else {
		s.history = append(s.history, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: in.text})
		replyCtx, cancel := context.WithTimeout(ctx, replyTimeout)
		text, err := s.srv.opts.Responder.Reply(replyCtx, s.history)
		cancel()
		if err != nil {
			s.logger.Warn().Err(err).Msg("model failed, echoing")
			text, _ = Echo{}.Reply(ctx, s.history)
		}
		s.history = append(s.history, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: text})
		reply = newReply(text)
	}
	reply.ConversationID = s.id

	speak := s.voice && playTTS(in.clientData)
	if !speak {
		reply.SystemText.Utterance = ""
	}
	s.logger.Debug().Str("input", in.text).Str("reply", reply.SystemText.Expression).Bool("speak", speak).Msg("replying")
	if err := s.writeJSON(reply); err != nil {
		return err
	}
	if speak {
		return s.speak(ctx, reply.SystemText.Utterance)
	}
	return nil
}

// speak streams synthesized speech bracketed by speech control frames. The
// frames are sent even without a synthesizer so the client still sees the
// end of speech.
func (s *session) speak(ctx context.Context, text string) error {
	if s.turns != nil {
		s.turns.SetAssistantSpeaking(true)
		defer s.turns.SetAssistantSpeaking(false)
	}
	if err := s.writeJSON(sdk.ControlMessage{Type: sdk.MessageSpeech, State: sdk.SpeechStart}); err != nil {
		return err
	}
	if synth := s.srv.opts.Synthesizer; synth != nil {
		pcm, err := synth.Synthesize(ctx, text)
		if err != nil {
			s.logger.Warn().Err(err).Msg("speech synthesis failed")
		} else if err := s.stream(ctx, pcm); err != nil {
			return err
		}
	}
	return s.writeJSON(sdk.ControlMessage{Type: sdk.MessageSpeech, State: sdk.SpeechEnd})
}

func (s *session) stream(ctx context.Context, pcm []byte) error {
	opts := s.srv.opts
	chunk := int(opts.SpeechChunk*time.Duration(opts.SpeechSampleRate)/time.Second) * 2
	if chunk <= 0 {
		chunk = len(pcm)
	}
	var tick <-chan time.Time
	if !opts.Unpaced {
		ticker := time.NewTicker(opts.SpeechChunk)
		defer ticker.Stop()
		tick = ticker.C
	}
	for off := 0; off < len(pcm); off += chunk {
		end := min(off+chunk, len(pcm))
		if err := s.write(websocket.BinaryMessage, pcm[off:end]); err != nil {
			return err
		}
		if tick != nil && end < len(pcm) {
			select {
			case <-tick:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.write(websocket.TextMessage, data)
}

func (s *session) write(msgType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(msgType, data)
}
