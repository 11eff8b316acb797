package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockClient is a scripted Client for tests. Each call to CompleteWithRequest
// consumes the next queued response; when a ScriptFn is set it overrides the
// queue entirely.
type MockClient struct {
	mu        sync.Mutex
	Responses []*CompletionResponse
	Errors    []error
	Requests  []*CompletionRequest
	ScriptFn  func(call int, req *CompletionRequest) (*CompletionResponse, error)
	calls     int
}

// NewMockClient creates a mock that replays the given responses in order.
func NewMockClient(responses ...*CompletionResponse) *MockClient {
	return &MockClient{Responses: responses}
}

func (m *MockClient) CompleteWithRequest(_ context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	call := m.calls
	m.calls++
	m.Requests = append(m.Requests, req)

	if m.ScriptFn != nil {
		return m.ScriptFn(call, req)
	}
	if call < len(m.Errors) && m.Errors[call] != nil {
		return nil, m.Errors[call]
	}
	if call < len(m.Responses) {
		return m.Responses[call], nil
	}
	return nil, fmt.Errorf("mock client exhausted after %d calls", call)
}

func (m *MockClient) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := m.CompleteWithRequest(ctx, &CompletionRequest{
		Messages: []*Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (m *MockClient) GetModelName() string {
	return "mock-model"
}

// CallCount returns the number of completions served so far.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// TextResponse builds a plain text completion response.
func TextResponse(content string) *CompletionResponse {
	return &CompletionResponse{Content: content, StopReason: "stop"}
}

// ToolCallResponse builds a completion response containing a single tool call.
func ToolCallResponse(id, name, arguments string) *CompletionResponse {
	return &CompletionResponse{
		StopReason: "tool_use",
		ToolCalls: []map[string]interface{}{
			{
				"id":   id,
				"type": "function",
				"function": map[string]interface{}{
					"name":      name,
					"arguments": arguments,
				},
			},
		},
	}
}
