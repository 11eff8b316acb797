// Package sandbox executes untrusted diagnostic code snippets with filesystem
// isolation where the platform supports it.
package sandbox

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedLanguage is returned for execution requests in a language the
// executor has no interpreter mapping for.
var ErrUnsupportedLanguage = errors.New("unsupported execution language")

// ExecutionRequest describes one code snippet to run.
type ExecutionRequest struct {
	// Name labels the invocation for transcripts and logs.
	Name         string            `json:"name"`
	Language     string            `json:"language"`
	Code         string            `json:"code"`
	AllowedPaths []string          `json:"allowed_paths,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	TimeoutMs    int               `json:"timeout_ms,omitempty"`
}

// ExecutionResult reports the outcome of an execution. Success reflects the
// interpreter's exit status; a failing snippet is still a successful execution
// from the executor's point of view.
type ExecutionResult struct {
	Success    bool   `json:"success"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	Isolated   bool   `json:"isolated"`
	DurationMs int64  `json:"duration_ms"`
}

// interpreterCommand maps a language to the argv that runs the given script.
func interpreterCommand(language, scriptPath string) ([]string, error) {
	switch strings.ToLower(strings.TrimSpace(language)) {
	case "shell", "sh", "bash":
		return []string{"sh", scriptPath}, nil
	case "python", "python3":
		return []string{"python3", scriptPath}, nil
	case "node", "javascript", "js":
		return []string{"node", scriptPath}, nil
	case "typescript", "ts":
		return []string{"npx", "tsx", scriptPath}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
	}
}

// scriptExtension returns the file extension for a language's transcript.
func scriptExtension(language string) string {
	switch strings.ToLower(strings.TrimSpace(language)) {
	case "python", "python3":
		return "py"
	case "node", "javascript", "js":
		return "js"
	case "typescript", "ts":
		return "ts"
	default:
		return "sh"
	}
}
