package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/keshucs12345/dialogturn/internal/media"
)

// DeepgramListenURL is Deepgram's streaming recognition endpoint.
const DeepgramListenURL = "wss://api.deepgram.com/v1/listen"

// Transcriber turns a stream of PCM16 frames into transcripts. It closes out
// when it returns.
type Transcriber interface {
	Run(ctx context.Context, audio <-chan []int16, out chan<- Transcript) error
}

// DeepgramSTT streams microphone audio to Deepgram.
type DeepgramSTT struct {
	apiKey     string
	endpoint   string
	model      string
	sampleRate int
	dialer     *websocket.Dialer
	logger     zerolog.Logger
}

func NewDeepgramSTT(apiKey string, sampleRate int, logger zerolog.Logger) *DeepgramSTT {
	return &DeepgramSTT{
		apiKey:     apiKey,
		endpoint:   DeepgramListenURL,
		model:      "nova-2-general",
		sampleRate: sampleRate,
		dialer:     websocket.DefaultDialer,
		logger:     logger.With().Str("provider", "deepgram-stt").Logger(),
	}
}

type deepgramResult struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (d *DeepgramSTT) listenURL() (string, error) {
	u, err := url.Parse(d.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", d.model)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(d.sampleRate))
	q.Set("channels", "1")
	q.Set("interim_results", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d *DeepgramSTT) Run(ctx context.Context, audio <-chan []int16, out chan<- Transcript) error {
	defer close(out)

	target, err := d.listenURL()
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Authorization", "Token "+d.apiKey)

	d.logger.Debug().Str("url", target).Msg("connecting")
	conn, resp, err := d.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return err
	}
	defer conn.Close()

	go d.send(ctx, conn, audio)

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var res deepgramResult
		if err := json.Unmarshal(msg, &res); err != nil {
			d.logger.Debug().Str("message", string(msg)).Msg("unparseable result")
			continue
		}
		if len(res.Channel.Alternatives) == 0 {
			continue
		}
		tr := Transcript{Text: res.Channel.Alternatives[0].Transcript, Final: res.IsFinal}
		select {
		case out <- tr:
		case <-ctx.Done():
			return nil
		}
	}
}

// send forwards audio until ctx is done or audio is closed, then asks
// Deepgram to close the stream.
func (d *DeepgramSTT) send(ctx context.Context, conn *websocket.Conn, audio <-chan []int16) {
	defer func() {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "no more audio"))
	}()
	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case frame, ok := <-audio:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, media.Int16ToBytes(frame)); err != nil {
				d.logger.Warn().Err(err).Msg("audio write failed")
				return
			}
		}
	}
}
