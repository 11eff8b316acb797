package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAICompatibleComplete(t *testing.T) {
	var gotPayload openAIChatRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))

		resp := map[string]interface{}{
			"choices": []map[string]interface{}{
				{
					"message": map[string]interface{}{
						"role":    "assistant",
						"content": "the cache is stale",
					},
					"finish_reason": "stop",
				},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client, err := NewOpenAICompatibleClient("test-key", srv.URL+"/v1", "qwen3")
	require.NoError(t, err)

	resp, err := client.CompleteWithRequest(context.Background(), &CompletionRequest{
		SystemPrompt: "you are a debugger",
		Messages:     []*Message{{Role: "user", Content: "why does it crash"}},
		Temperature:  0.5,
	})
	require.NoError(t, err)
	assert.Equal(t, "the cache is stale", resp.Content)
	assert.Equal(t, "stop", resp.StopReason)

	require.Len(t, gotPayload.Messages, 2)
	assert.Equal(t, "system", gotPayload.Messages[0].Role)
	assert.Equal(t, "qwen3", gotPayload.Model)
	require.NotNil(t, gotPayload.Temperature)
	assert.InDelta(t, 0.5, *gotPayload.Temperature, 1e-9)
}

func TestOpenAICompatibleToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"choices": []map[string]interface{}{
				{
					"message": map[string]interface{}{
						"role": "assistant",
						"tool_calls": []map[string]interface{}{
							{
								"id":   "call_1",
								"type": "function",
								"function": map[string]interface{}{
									"name":      "sandbox_exec",
									"arguments": map[string]interface{}{"language": "python"},
								},
							},
						},
					},
					"finish_reason": "tool_calls",
				},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client, err := NewOpenAICompatibleClient("", srv.URL, "qwen3")
	require.NoError(t, err)

	resp, err := client.CompleteWithRequest(context.Background(), &CompletionRequest{
		Messages: []*Message{{Role: "user", Content: "investigate"}},
	})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "sandbox_exec", ToolCallName(resp.ToolCalls[0]))
	// Object arguments are normalized to a JSON string.
	assert.JSONEq(t, `{"language":"python"}`, ToolCallArguments(resp.ToolCalls[0]))
}

func TestOpenAICompatibleErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := NewOpenAICompatibleClient("", srv.URL, "qwen3")
	require.NoError(t, err)

	_, err = client.CompleteWithRequest(context.Background(), &CompletionRequest{
		Messages: []*Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestNewOpenAICompatibleClientValidation(t *testing.T) {
	_, err := NewOpenAICompatibleClient("", "http://localhost:1234", "")
	assert.Error(t, err)

	_, err = NewOpenAICompatibleClient("", "", "qwen3")
	assert.Error(t, err)
}
