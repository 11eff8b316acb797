package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeToolCallIDs(t *testing.T) {
	calls := []map[string]interface{}{
		{
			"function": map[string]interface{}{"name": "sandbox_exec", "arguments": "{}"},
		},
		{
			"id":       "call_abc",
			"function": map[string]interface{}{"name": "git", "arguments": "{}"},
		},
		nil,
	}

	out := NormalizeToolCallIDs(calls)

	assert.Equal(t, "call_sandbox_exec_1", out[0]["id"])
	assert.Equal(t, out[0]["id"], out[0]["call_id"])
	assert.Equal(t, "call_abc", out[1]["id"])
	assert.Nil(t, out[2])
}

func TestToolCallAccessors(t *testing.T) {
	tc := map[string]interface{}{
		"id": "call_1",
		"function": map[string]interface{}{
			"name":      "sandbox_exec",
			"arguments": map[string]interface{}{"language": "python"},
		},
	}

	assert.Equal(t, "sandbox_exec", ToolCallName(tc))
	assert.Equal(t, "call_1", ToolCallID(tc))
	assert.JSONEq(t, `{"language":"python"}`, ToolCallArguments(tc))

	assert.Equal(t, "", ToolCallName(nil))
	assert.Equal(t, "{}", ToolCallArguments(map[string]interface{}{}))
}
