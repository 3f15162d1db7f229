package devserver

import (
	"context"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const systemPrompt = "You are a friendly voice assistant. Answer in one or two short spoken sentences."

// Responder produces the assistant's next line for a conversation.
type Responder interface {
	Reply(ctx context.Context, history []openai.ChatCompletionMessage) (string, error)
}

// OpenAILLM answers with an OpenAI chat model.
type OpenAILLM struct {
	client *openai.Client
	model  string
}

func NewOpenAILLM(client *openai.Client, model string) *OpenAILLM {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAILLM{client: client, model: model}
}

func (l *OpenAILLM) Reply(ctx context.Context, history []openai.ChatCompletionMessage) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	msgs = append(msgs, history...)

	resp, err := l.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    l.model,
		Messages: msgs,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Echo repeats the last user message. It stands in when no model is configured.
type Echo struct{}

func (Echo) Reply(_ context.Context, history []openai.ChatCompletionMessage) (string, error) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == openai.ChatMessageRoleUser {
			return "You said: " + history[i].Content, nil
		}
	}
	return "I did not catch that.", nil
}
