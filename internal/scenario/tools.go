package scenario

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/codefionn/fehlersuche/internal/sandbox"
)

const maxToolResultChars = 16000

// toolDefinitions builds the openai-style tool list offered to the model:
// the two builtins plus one entry per registry tool.
func (a *Agent) toolDefinitions() []map[string]interface{} {
	tools := []map[string]interface{}{
		{
			"type": "function",
			"function": map[string]interface{}{
				"name":        "sandbox_exec",
				"description": "Run a code snippet in an isolated sandbox and return its output.",
				"parameters": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"language": map[string]interface{}{
							"type":        "string",
							"description": "One of: shell, python, node, typescript.",
						},
						"code": map[string]interface{}{
							"type":        "string",
							"description": "The snippet to execute.",
						},
						"name": map[string]interface{}{
							"type":        "string",
							"description": "Short label for the execution.",
						},
						"timeout_ms": map[string]interface{}{
							"type":        "integer",
							"description": "Optional timeout in milliseconds.",
						},
					},
					"required": []string{"language", "code"},
				},
			},
		},
		{
			"type": "function",
			"function": map[string]interface{}{
				"name":        "git",
				"description": "Run read-oriented git commands in the repository under investigation.",
				"parameters": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"commands": map[string]interface{}{
							"type":        "array",
							"items":       map[string]interface{}{"type": "string"},
							"description": "Git commands without the leading 'git', e.g. \"log --oneline -20\".",
						},
					},
					"required": []string{"commands"},
				},
			},
		},
	}

	for _, name := range a.registry.ListAvailable() {
		desc := a.registry.Describe(name)
		if desc == "" {
			desc = "Invoke a method on the " + name + " diagnostic tool."
		}
		tools = append(tools, map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        name,
				"description": desc,
				"parameters": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"method": map[string]interface{}{
							"type":        "string",
							"description": "RPC method to invoke.",
						},
						"args": map[string]interface{}{
							"type":        "object",
							"description": "Method arguments.",
						},
					},
					"required": []string{"method"},
				},
			},
		})
	}

	return tools
}

type sandboxExecArgs struct {
	Language  string `json:"language"`
	Code      string `json:"code"`
	Name      string `json:"name,omitempty"`
	TimeoutMs int    `json:"timeout_ms,omitempty"`
}

type gitArgs struct {
	Commands []string `json:"commands"`
}

type registryToolArgs struct {
	Method string                 `json:"method"`
	Args   map[string]interface{} `json:"args,omitempty"`
}

// protocolError marks a malformed model request (unknown tool, bad
// arguments). It is fed back to the model and counted against the protocol
// retry budget, but is not a tool failure.
type protocolError struct {
	msg string
}

func (e *protocolError) Error() string { return e.msg }

// dispatchToolCall executes one model-requested tool call and returns the
// textual result for the conversation.
func (a *Agent) dispatchToolCall(ctx context.Context, name, arguments string) (string, error) {
	switch name {
	case "sandbox_exec":
		var args sandboxExecArgs
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return "", &protocolError{msg: fmt.Sprintf("invalid sandbox_exec arguments: %v", err)}
		}
		if strings.TrimSpace(args.Code) == "" {
			return "", &protocolError{msg: "sandbox_exec requires non-empty code"}
		}
		label := args.Name
		if label == "" {
			label = "exec"
		}
		result, err := a.executor.Execute(ctx, &sandbox.ExecutionRequest{
			Name:      label,
			Language:  args.Language,
			Code:      args.Code,
			TimeoutMs: args.TimeoutMs,
		})
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", &protocolError{msg: fmt.Sprintf("sandbox_exec rejected: %v", err)}
		}
		return formatExecutionResult(result), nil

	case "git":
		var args gitArgs
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return "", &protocolError{msg: fmt.Sprintf("invalid git arguments: %v", err)}
		}
		if len(args.Commands) == 0 {
			return "", &protocolError{msg: "git requires at least one command"}
		}
		result, err := a.executor.ExecuteGit(ctx, a.repoPath, args.Commands)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", &protocolError{msg: fmt.Sprintf("git rejected: %v", err)}
		}
		return formatExecutionResult(result), nil

	default:
		if !a.knownRegistryTool(name) {
			return "", &protocolError{msg: fmt.Sprintf("unknown tool %q", name)}
		}

		var args registryToolArgs
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return "", &protocolError{msg: fmt.Sprintf("invalid %s arguments: %v", name, err)}
		}
		if strings.TrimSpace(args.Method) == "" {
			return "", &protocolError{msg: name + " requires a method"}
		}

		callCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		raw, err := a.registry.Invoke(callCtx, name, a.sess.ID(), args.Method, args.Args)
		if err != nil {
			return "", err
		}
		return truncateResult(string(raw)), nil
	}
}

func (a *Agent) knownRegistryTool(name string) bool {
	for _, tool := range a.registry.ListAvailable() {
		if tool == name {
			return true
		}
	}
	return false
}

func formatExecutionResult(result *sandbox.ExecutionResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "exit_code=%d success=%v isolated=%v duration_ms=%d\n",
		result.ExitCode, result.Success, result.Isolated, result.DurationMs)
	if result.Stdout != "" {
		sb.WriteString("--- stdout ---\n")
		sb.WriteString(result.Stdout)
		if !strings.HasSuffix(result.Stdout, "\n") {
			sb.WriteString("\n")
		}
	}
	if result.Stderr != "" {
		sb.WriteString("--- stderr ---\n")
		sb.WriteString(result.Stderr)
		if !strings.HasSuffix(result.Stderr, "\n") {
			sb.WriteString("\n")
		}
	}
	return truncateResult(sb.String())
}

func truncateResult(s string) string {
	if len(s) <= maxToolResultChars {
		return s
	}
	return s[:maxToolResultChars] + "\n... (output truncated)"
}
