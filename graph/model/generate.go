package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrMalformedOutput reports a response that could not be decoded or did not
// satisfy its schema. Callers with a safe default fall back to it.
var ErrMalformedOutput = errors.New("malformed model output")

// GenerationError reports a failed call to the generation service: a
// transport failure, a provider error, or a timeout.
type GenerationError struct {
	Provider string
	Purpose  string
	Cause    error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed (provider=%s purpose=%s): %v", e.Provider, e.Purpose, e.Cause)
}

func (e *GenerationError) Unwrap() error { return e.Cause }

// Schema is a compiled JSON Schema that structured output must satisfy.
type Schema struct {
	source   string
	compiled *jsonschema.Schema
}

// CompileSchema compiles a JSON Schema document.
func CompileSchema(name, doc string) (*Schema, error) {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	url := name + ".json"
	if err := c.AddResource(url, parsed); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Schema{source: doc, compiled: compiled}, nil
}

// MustCompileSchema is CompileSchema for package-level schemas.
func MustCompileSchema(name, doc string) *Schema {
	s, err := CompileSchema(name, doc)
	if err != nil {
		panic(err)
	}
	return s
}

// String returns the schema document, for inclusion in prompts.
func (s *Schema) String() string { return s.source }

// Validate checks a raw JSON document against the schema.
func (s *Schema) Validate(raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return err
	}
	return s.compiled.Validate(inst)
}

// Generator wraps a ChatModel with a per-call timeout, cost tracking and
// structured-output decoding.
type Generator struct {
	chat      ChatModel
	provider  string
	timeout   time.Duration
	maxTokens int
	tracker   *CostTracker
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithTimeout bounds each call. Zero disables the bound.
func WithTimeout(d time.Duration) GeneratorOption {
	return func(g *Generator) { g.timeout = d }
}

// WithCostTracker records usage of every successful call.
func WithCostTracker(ct *CostTracker) GeneratorOption {
	return func(g *Generator) { g.tracker = ct }
}

// WithProvider names the provider in errors.
func WithProvider(name string) GeneratorOption {
	return func(g *Generator) { g.provider = name }
}

// WithMaxTokens caps response length for every call.
func WithMaxTokens(n int) GeneratorOption {
	return func(g *Generator) { g.maxTokens = n }
}

// NewGenerator creates a Generator. The default timeout is 30 seconds.
func NewGenerator(chat ChatModel, opts ...GeneratorOption) *Generator {
	g := &Generator{chat: chat, provider: "unknown", timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Tracker returns the cost tracker, or nil.
func (g *Generator) Tracker() *CostTracker { return g.tracker }

// Text requests free text.
func (g *Generator) Text(ctx context.Context, purpose string, messages []Message) (string, error) {
	out, err := g.call(ctx, purpose, messages, false)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Text), nil
}

func (g *Generator) call(ctx context.Context, purpose string, messages []Message, jsonMode bool) (ChatOut, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	out, err := g.chat.Chat(ctx, messages, Options{Purpose: purpose, JSON: jsonMode, MaxTokens: g.maxTokens})
	if err != nil {
		return ChatOut{}, &GenerationError{Provider: g.provider, Purpose: purpose, Cause: err}
	}
	if g.tracker != nil {
		g.tracker.Record(out.Model, purpose, out.Usage)
	}
	return out, nil
}

// Generate requests a JSON object matching schema and decodes it into T.
//
// The schema is appended to the prompt as a system instruction. Transport
// failures return *GenerationError; undecodable or invalid output returns an
// error wrapping ErrMalformedOutput.
func Generate[T any](ctx context.Context, g *Generator, purpose string, schema *Schema, messages []Message) (T, error) {
	var zero T

	prompt := make([]Message, 0, len(messages)+1)
	prompt = append(prompt, messages...)
	prompt = append(prompt, System("Respond with a single JSON object matching this JSON Schema, and nothing else:\n"+schema.String()))

	out, err := g.call(ctx, purpose, prompt, true)
	if err != nil {
		return zero, err
	}

	raw := []byte(ExtractJSON(out.Text))
	if err := schema.Validate(raw); err != nil {
		return zero, fmt.Errorf("%w: %s: %v", ErrMalformedOutput, purpose, err)
	}

	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, fmt.Errorf("%w: %s: %v", ErrMalformedOutput, purpose, err)
	}
	return v, nil
}

// ExtractJSON strips markdown code fences and any prose surrounding the
// outermost JSON object.
func ExtractJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}
