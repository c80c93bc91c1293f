package openai

import (
	"context"
	"errors"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/dshills/neuroflow-go/graph/model"
)

type fakeCompleter struct {
	params openai.ChatCompletionNewParams
	resp   *openai.ChatCompletion
	err    error
}

func (f *fakeCompleter) New(_ context.Context, body openai.ChatCompletionNewParams, _ ...option.RequestOption) (*openai.ChatCompletion, error) {
	f.params = body
	return f.resp, f.err
}

type fakeEmbedder struct {
	params openai.EmbeddingNewParams
	resp   *openai.CreateEmbeddingResponse
}

func (f *fakeEmbedder) New(_ context.Context, body openai.EmbeddingNewParams, _ ...option.RequestOption) (*openai.CreateEmbeddingResponse, error) {
	f.params = body
	return f.resp, nil
}

func completion(text string) *openai.ChatCompletion {
	return &openai.ChatCompletion{
		Model: "gpt-4o-mini-2024-07-18",
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: text}},
		},
		Usage: openai.CompletionUsage{PromptTokens: 100, CompletionTokens: 20},
	}
}

func TestChat(t *testing.T) {
	fake := &fakeCompleter{resp: completion(`{"ok":true}`)}
	m := &ChatModel{modelName: DefaultModel, client: fake}

	out, err := m.Chat(context.Background(), []model.Message{
		model.System("be brief"),
		model.User("plan my afternoon"),
	}, model.Options{JSON: true, MaxTokens: 300})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if out.Text != `{"ok":true}` || out.Model != "gpt-4o-mini-2024-07-18" {
		t.Errorf("unexpected output %+v", out)
	}
	if out.Usage.InputTokens != 100 || out.Usage.OutputTokens != 20 {
		t.Errorf("unexpected usage %+v", out.Usage)
	}
	if len(fake.params.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(fake.params.Messages))
	}
	if fake.params.Messages[0].OfSystem == nil || fake.params.Messages[1].OfUser == nil {
		t.Error("roles not mapped to system/user params")
	}
	if fake.params.ResponseFormat.OfJSONObject == nil {
		t.Error("expected JSON response format")
	}
	if fake.params.MaxCompletionTokens.Value != 300 {
		t.Errorf("expected max tokens 300, got %v", fake.params.MaxCompletionTokens.Value)
	}
}

func TestChat_TextMode(t *testing.T) {
	fake := &fakeCompleter{resp: completion("hello")}
	m := &ChatModel{modelName: DefaultModel, client: fake}

	if _, err := m.Chat(context.Background(), []model.Message{model.User("hi")}, model.Options{}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if fake.params.ResponseFormat.OfJSONObject != nil {
		t.Error("text mode should not set a response format")
	}
}

func TestChat_Errors(t *testing.T) {
	boom := errors.New("rate limited")
	m := &ChatModel{modelName: DefaultModel, client: &fakeCompleter{err: boom}}
	if _, err := m.Chat(context.Background(), []model.Message{model.User("hi")}, model.Options{}); !errors.Is(err, boom) {
		t.Errorf("expected provider error, got %v", err)
	}

	empty := &ChatModel{modelName: DefaultModel, client: &fakeCompleter{resp: &openai.ChatCompletion{}}}
	if _, err := empty.Chat(context.Background(), []model.Message{model.User("hi")}, model.Options{}); err == nil {
		t.Error("expected error for empty choices")
	}

	if _, err := empty.Chat(context.Background(), nil, model.Options{}); err == nil {
		t.Error("expected error for no messages")
	}
}

func TestEmbedder_OrdersByIndex(t *testing.T) {
	fake := &fakeEmbedder{resp: &openai.CreateEmbeddingResponse{
		Data: []openai.Embedding{
			{Index: 1, Embedding: []float64{0, 1}},
			{Index: 0, Embedding: []float64{1, 0}},
		},
	}}
	e := &Embedder{modelName: DefaultEmbeddingModel, client: fake}

	vecs, err := e.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if vecs[0][0] != 1 || vecs[1][1] != 1 {
		t.Errorf("vectors not ordered by index: %v", vecs)
	}
	if len(fake.params.Input.OfArrayOfStrings) != 2 {
		t.Errorf("inputs not forwarded: %+v", fake.params.Input)
	}
}

func TestEmbedder_CountMismatch(t *testing.T) {
	e := &Embedder{client: &fakeEmbedder{resp: &openai.CreateEmbeddingResponse{}}}
	if _, err := e.Embed(context.Background(), []string{"a"}); err == nil {
		t.Error("expected mismatch error")
	}
}
