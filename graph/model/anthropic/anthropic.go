// Package anthropic adapts Anthropic's Messages API to model.ChatModel.
package anthropic

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dshills/neuroflow-go/graph/model"
)

// DefaultModel is used when NewChatModel is given an empty model name.
const DefaultModel = "claude-3-5-haiku-latest"

const defaultMaxTokens = 1024

// ChatModel implements model.ChatModel for Claude.
//
//	m := anthropic.NewChatModel(os.Getenv("ANTHROPIC_API_KEY"), "")
//	out, err := m.Chat(ctx, []model.Message{model.User("hi")}, model.Options{})
type ChatModel struct {
	modelName string
	client    messenger
}

// messenger is the slice of the SDK the adapter uses; tests replace it.
type messenger interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// NewChatModel creates a ChatModel backed by the official SDK.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = DefaultModel
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &ChatModel{modelName: modelName, client: &client.Messages}
}

// Chat implements model.ChatModel. System messages become the request's
// system parameter. Anthropic has no JSON response mode; opts.JSON is
// satisfied by the schema instruction already in the prompt.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, opts model.Options) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}

	system, rest := model.SplitSystem(messages)
	if len(rest) == 0 {
		return model.ChatOut{}, errors.New("anthropic: at least one user message is required")
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(m.modelName),
		MaxTokens: int64(maxTokens),
		Messages:  convertMessages(rest),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := m.client.New(ctx, params)
	if err != nil {
		return model.ChatOut{}, err
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	name := string(msg.Model)
	if name == "" {
		name = m.modelName
	}
	return model.ChatOut{
		Text:  text.String(),
		Model: name,
		Usage: model.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

func convertMessages(messages []model.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		block := anthropic.NewTextBlock(msg.Content)
		if msg.Role == model.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}
