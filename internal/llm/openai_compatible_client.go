package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAICompatibleClient implements the Client interface for generic
// OpenAI-compatible chat APIs (LocalAI, LM Studio, Ollama, vLLM). It speaks the
// chat completions JSON payload directly and supports optional API keys plus
// custom base URLs.
type OpenAICompatibleClient struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

type openAIChatMessage struct {
	Role       string                   `json:"role"`
	Content    interface{}              `json:"content"`
	Name       string                   `json:"name,omitempty"`
	ToolCalls  []map[string]interface{} `json:"tool_calls,omitempty"`
	ToolCallID string                   `json:"tool_call_id,omitempty"`
}

type openAIChatRequest struct {
	Model       string                   `json:"model"`
	Messages    []openAIChatMessage      `json:"messages"`
	Tools       []map[string]interface{} `json:"tools,omitempty"`
	Temperature *float64                 `json:"temperature,omitempty"`
	MaxTokens   int                      `json:"max_tokens,omitempty"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message      *openAIChatMessage `json:"message"`
		FinishReason string             `json:"finish_reason"`
	} `json:"choices"`
	Usage map[string]interface{} `json:"usage,omitempty"`
}

// NewOpenAICompatibleClient constructs a client for an OpenAI-compatible API.
// baseURL must point to the API root (e.g. http://localhost:11434/v1). If
// apiKey is empty, requests are sent without Authorization headers.
func NewOpenAICompatibleClient(apiKey, baseURL, modelName string) (*OpenAICompatibleClient, error) {
	model := strings.TrimSpace(modelName)
	if model == "" {
		return nil, fmt.Errorf("model name is required for OpenAI-compatible provider")
	}

	trimmedBase := strings.TrimSpace(baseURL)
	if trimmedBase == "" {
		return nil, fmt.Errorf("base URL is required for OpenAI-compatible provider")
	}
	trimmedBase = strings.TrimRight(trimmedBase, "/")

	return &OpenAICompatibleClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: trimmedBase,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}, nil
}

func (c *OpenAICompatibleClient) GetModelName() string {
	return c.model
}

func (c *OpenAICompatibleClient) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := c.CompleteWithRequest(ctx, &CompletionRequest{
		Messages: []*Message{
			{Role: "user", Content: prompt},
		},
		Temperature: 1.0,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (c *OpenAICompatibleClient) CompleteWithRequest(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("openai-compatible completion request cannot be nil")
	}

	payload, err := c.buildChatRequest(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := c.newChatRequest(ctx, payload)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai-compatible completion failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("openai-compatible completion failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var chatResp openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("openai-compatible completion failed: %w", err)
	}

	if len(chatResp.Choices) == 0 || chatResp.Choices[0].Message == nil {
		return &CompletionResponse{StopReason: "stop"}, nil
	}

	first := chatResp.Choices[0]
	stopReason := first.FinishReason
	if strings.TrimSpace(stopReason) == "" {
		stopReason = "stop"
	}

	return &CompletionResponse{
		Content:    extractOpenAIText(first.Message.Content),
		ToolCalls:  convertOpenAIToolCalls(first.Message.ToolCalls),
		StopReason: stopReason,
		Usage:      chatResp.Usage,
	}, nil
}

func (c *OpenAICompatibleClient) buildChatRequest(req *CompletionRequest) (*openAIChatRequest, error) {
	messages := make([]openAIChatMessage, 0, len(req.Messages)+1)

	if system := strings.TrimSpace(req.SystemPrompt); system != "" {
		messages = append(messages, openAIChatMessage{Role: "system", Content: system})
	}

	for _, msg := range req.Messages {
		if msg == nil {
			continue
		}

		role := normalizeRole(msg.Role)
		oMsg := openAIChatMessage{
			Role:    role,
			Content: msg.Content,
		}
		if msg.ToolName != "" {
			oMsg.Name = msg.ToolName
		}
		if role == "assistant" && len(msg.ToolCalls) > 0 {
			oMsg.ToolCalls = msg.ToolCalls
		}
		if role == "tool" && msg.ToolID != "" {
			oMsg.ToolCallID = msg.ToolID
		}
		messages = append(messages, oMsg)
	}

	if len(messages) == 0 {
		return nil, fmt.Errorf("openai-compatible completion requires at least one message")
	}

	payload := &openAIChatRequest{
		Model:     c.model,
		Messages:  messages,
		Tools:     req.Tools,
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature != 0 {
		temp := req.Temperature
		payload.Temperature = &temp
	}

	return payload, nil
}

func (c *OpenAICompatibleClient) newChatRequest(ctx context.Context, payload *openAIChatRequest) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("openai-compatible failed to encode payload: %w", err)
	}

	url := fmt.Sprintf("%s/chat/completions", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai-compatible failed to create request: %w", err)
	}

	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	return req, nil
}

func convertOpenAIToolCalls(toolCalls []map[string]interface{}) []map[string]interface{} {
	if len(toolCalls) == 0 {
		return nil
	}

	result := make([]map[string]interface{}, 0, len(toolCalls))
	for _, tc := range toolCalls {
		if tc == nil {
			continue
		}

		copyMap := make(map[string]interface{}, len(tc))
		for k, v := range tc {
			if k == "function" {
				fnMap, _ := v.(map[string]interface{})
				if fnMap == nil {
					continue
				}

				fnCopy := make(map[string]interface{}, len(fnMap))
				for fk, fv := range fnMap {
					if fk == "arguments" {
						fnCopy[fk] = stringifyArguments(fv)
					} else {
						fnCopy[fk] = fv
					}
				}
				copyMap[k] = fnCopy
				continue
			}

			copyMap[k] = v
		}

		result = append(result, copyMap)
	}

	return result
}

func stringifyArguments(raw interface{}) string {
	switch value := raw.(type) {
	case nil:
		return "{}"
	case string:
		if strings.TrimSpace(value) == "" {
			return "{}"
		}
		return value
	default:
		if data, err := json.Marshal(value); err == nil {
			return string(data)
		}
		return "{}"
	}
}

func extractOpenAIText(content interface{}) string {
	switch value := content.(type) {
	case nil:
		return ""
	case string:
		return value
	case []interface{}:
		var sb strings.Builder
		for _, part := range value {
			sb.WriteString(extractOpenAIText(part))
		}
		return sb.String()
	case map[string]interface{}:
		if text, ok := value["text"].(string); ok {
			return text
		}
		if inner, ok := value["content"]; ok {
			return extractOpenAIText(inner)
		}
	case json.RawMessage:
		var decoded interface{}
		if err := json.Unmarshal(value, &decoded); err == nil {
			return extractOpenAIText(decoded)
		}
	}
	return ""
}
