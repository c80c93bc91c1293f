package model

import (
	"context"
	"sync"
)

// MockChatModel is a scripted ChatModel for tests.
//
// Responses are consumed per Purpose from ByPurpose when present, otherwise
// from Responses. The last response of a script repeats once exhausted.
// Errors in ErrByPurpose (or Err) are returned instead of a response.
type MockChatModel struct {
	Responses    []ChatOut
	ByPurpose    map[string][]ChatOut
	Err          error
	ErrByPurpose map[string]error

	// Handler, when set, overrides the scripted responses.
	Handler func(messages []Message, opts Options) (ChatOut, error)

	Calls []MockChatCall

	mu      sync.Mutex
	indexes map[string]int
}

// MockChatCall records one invocation.
type MockChatCall struct {
	Messages []Message
	Options  Options
}

// Chat implements ChatModel.
func (m *MockChatModel) Chat(ctx context.Context, messages []Message, opts Options) (ChatOut, error) {
	if ctx.Err() != nil {
		return ChatOut{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockChatCall{Messages: messages, Options: opts})

	if m.Handler != nil {
		return m.Handler(messages, opts)
	}
	if err, ok := m.ErrByPurpose[opts.Purpose]; ok && err != nil {
		return ChatOut{}, err
	}
	if m.Err != nil {
		return ChatOut{}, m.Err
	}

	script, key := m.Responses, ""
	if s, ok := m.ByPurpose[opts.Purpose]; ok {
		script, key = s, opts.Purpose
	}
	if len(script) == 0 {
		return ChatOut{}, nil
	}

	if m.indexes == nil {
		m.indexes = make(map[string]int)
	}
	idx := m.indexes[key]
	if idx >= len(script) {
		idx = len(script) - 1
	} else {
		m.indexes[key]++
	}
	return script[idx], nil
}

// Reset clears recorded calls and rewinds every script.
func (m *MockChatModel) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.indexes = nil
}

// CallCount returns the number of Chat invocations.
func (m *MockChatModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// CallsFor returns the number of invocations with the given purpose.
func (m *MockChatModel) CallsFor(purpose string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.Calls {
		if c.Options.Purpose == purpose {
			n++
		}
	}
	return n
}
