package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	openai "github.com/sashabaranov/go-openai"
)

// DeepgramSpeakURL is Deepgram's speech synthesis endpoint.
const DeepgramSpeakURL = "https://api.deepgram.com/v1/speak"

// Synthesizer renders text as 16-bit mono PCM at the speech sample rate.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// OpenAITTS synthesizes speech with OpenAI. Its PCM output is 24 kHz mono.
type OpenAITTS struct {
	client *openai.Client
	voice  string
}

func NewOpenAITTS(client *openai.Client, voice string) *OpenAITTS {
	if voice == "" {
		voice = string(openai.VoiceNova)
	}
	return &OpenAITTS{client: client, voice: voice}
}

func (t *OpenAITTS) Synthesize(ctx context.Context, text string) ([]byte, error) {
	resp, err := t.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.TTSModel1,
		Input:          text,
		Voice:          openai.SpeechVoice(t.voice),
		ResponseFormat: openai.SpeechResponseFormatPcm,
	})
	if err != nil {
		return nil, fmt.Errorf("openai speech: %w", err)
	}
	defer resp.Close()
	return io.ReadAll(resp)
}

// DeepgramTTS synthesizes speech with Deepgram Speak.
type DeepgramTTS struct {
	apiKey     string
	endpoint   string
	voice      string
	sampleRate int
	client     *http.Client
}

func NewDeepgramTTS(apiKey, voice string, sampleRate int) *DeepgramTTS {
	if voice == "" {
		voice = "aura-asteria-en"
	}
	return &DeepgramTTS{
		apiKey:     apiKey,
		endpoint:   DeepgramSpeakURL,
		voice:      voice,
		sampleRate: sampleRate,
		client:     &http.Client{},
	}
}

type deepgramSpeakRequest struct {
	Text string `json:"text"`
}

func (t *DeepgramTTS) Synthesize(ctx context.Context, text string) ([]byte, error) {
	body, err := json.Marshal(deepgramSpeakRequest{Text: text})
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(t.endpoint)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("model", t.voice)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(t.sampleRate))
	q.Set("container", "none")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Token "+t.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("deepgram speak: status %d: %s", resp.StatusCode, b)
	}
	return io.ReadAll(resp.Body)
}
