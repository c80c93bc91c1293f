// Package google adapts the Gemini API to model.ChatModel.
package google

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/dshills/neuroflow-go/graph/model"
)

// DefaultModel is used when NewChatModel is given an empty model name.
const DefaultModel = "gemini-1.5-flash"

// ChatModel implements model.ChatModel for Gemini.
//
// Blocked prompts and candidates stopped by a safety filter return
// *SafetyFilterError:
//
//	var blocked *google.SafetyFilterError
//	if errors.As(err, &blocked) {
//	    log.Printf("blocked: %s", blocked.Category())
//	}
type ChatModel struct {
	modelName string
	client    contentGenerator
}

// request is a provider-shaped call: history excludes the final user turn.
type request struct {
	system    string
	history   []*genai.Content
	prompt    string
	json      bool
	maxTokens int
}

type contentGenerator interface {
	generate(ctx context.Context, modelName string, req request) (*genai.GenerateContentResponse, error)
}

// NewChatModel creates a ChatModel backed by the Gemini SDK.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = DefaultModel
	}
	return &ChatModel{modelName: modelName, client: &sdkClient{apiKey: apiKey}}
}

// Chat implements model.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, opts model.Options) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}

	req, err := buildRequest(messages)
	if err != nil {
		return model.ChatOut{}, err
	}
	req.json = opts.JSON
	req.maxTokens = opts.MaxTokens

	resp, err := m.client.generate(ctx, m.modelName, req)
	if err != nil {
		return model.ChatOut{}, err
	}
	return convertResponse(m.modelName, resp)
}

// buildRequest folds system messages into the system instruction and maps
// the remaining turns to Gemini's user/model roles. The last message must
// come from the user.
func buildRequest(messages []model.Message) (request, error) {
	system, rest := model.SplitSystem(messages)
	if len(rest) == 0 || rest[len(rest)-1].Role != model.RoleUser {
		return request{}, errors.New("google: conversation must end with a user message")
	}

	req := request{system: system, prompt: rest[len(rest)-1].Content}
	for _, msg := range rest[:len(rest)-1] {
		role := "user"
		if msg.Role == model.RoleAssistant {
			role = "model"
		}
		req.history = append(req.history, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(msg.Content)}})
	}
	return req, nil
}

func convertResponse(modelName string, resp *genai.GenerateContentResponse) (model.ChatOut, error) {
	if resp == nil {
		return model.ChatOut{}, errors.New("google: empty response")
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
		return model.ChatOut{}, &SafetyFilterError{reason: resp.PromptFeedback.BlockReason.String(), category: "prompt"}
	}
	if len(resp.Candidates) == 0 {
		return model.ChatOut{}, errors.New("google: response has no candidates")
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		category := "unspecified"
		for _, r := range candidate.SafetyRatings {
			if r.Blocked {
				category = r.Category.String()
				break
			}
		}
		return model.ChatOut{}, &SafetyFilterError{reason: candidate.FinishReason.String(), category: category}
	}

	var text strings.Builder
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				text.WriteString(string(t))
			}
		}
	}

	out := model.ChatOut{Text: text.String(), Model: modelName}
	if resp.UsageMetadata != nil {
		out.Usage = model.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out, nil
}

// sdkClient opens a Gemini client per call.
type sdkClient struct {
	apiKey string
}

func (c *sdkClient) generate(ctx context.Context, modelName string, req request) (*genai.GenerateContentResponse, error) {
	if c.apiKey == "" {
		return nil, errors.New("google API key is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return nil, fmt.Errorf("create google client: %w", err)
	}
	defer func() { _ = client.Close() }()

	gm := client.GenerativeModel(modelName)
	if req.system != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.system)}}
	}
	if req.json {
		gm.ResponseMIMEType = "application/json"
	}
	if req.maxTokens > 0 {
		gm.SetMaxOutputTokens(int32(req.maxTokens))
	}

	cs := gm.StartChat()
	cs.History = req.history
	return cs.SendMessage(ctx, genai.Text(req.prompt))
}

// SafetyFilterError reports content blocked by Gemini's safety filters.
type SafetyFilterError struct {
	reason   string
	category string
}

func (e *SafetyFilterError) Error() string {
	return "content blocked by safety filter: " + e.category
}

// Category returns the blocked harm category, or "prompt" when the prompt
// itself was rejected.
func (e *SafetyFilterError) Category() string { return e.category }

// Reason returns the provider's block or finish reason.
func (e *SafetyFilterError) Reason() string { return e.reason }
