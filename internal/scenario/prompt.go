package scenario

import (
	"fmt"
	"strings"

	"github.com/codefionn/fehlersuche/internal/session"
)

const systemPromptTemplate = `You are a debugging agent investigating exactly one hypothesis about a software failure.

Work iteratively: form a prediction from the hypothesis, run code or tools to check it, and read the output carefully before the next step. Prefer small, targeted probes over large scripts.

Rules:
- Only investigate the hypothesis you were given. Do not chase unrelated problems.
- Use the sandbox_exec tool to run shell, python, node or typescript snippets.
- Use the git tool to inspect repository history.
- When you have enough evidence, reply with plain text (no tool calls): state whether the hypothesis is CONFIRMED or REJECTED, the evidence, and the suspected root cause if confirmed.
- If the evidence is inconclusive, say so explicitly rather than guessing.`

// buildSystemPrompt lists the available diagnostic tools in the system prompt
// so the model knows what it can reach.
func buildSystemPrompt(extraTools []string, describe func(string) string) string {
	if len(extraTools) == 0 {
		return systemPromptTemplate
	}

	var sb strings.Builder
	sb.WriteString(systemPromptTemplate)
	sb.WriteString("\n\nAdditional diagnostic tools available:\n")
	for _, name := range extraTools {
		sb.WriteString("- ")
		sb.WriteString(name)
		if desc := describe(name); desc != "" {
			sb.WriteString(": ")
			sb.WriteString(desc)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// buildInitialMessage assembles the investigation briefing.
func buildInitialMessage(hypothesis, originalError, repoPath, contextText string, observations []session.Observation) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Hypothesis under investigation:\n%s\n\n", hypothesis)
	fmt.Fprintf(&sb, "Reported failure:\n%s\n\n", originalError)
	fmt.Fprintf(&sb, "Repository path: %s\n", repoPath)
	if strings.TrimSpace(contextText) != "" {
		fmt.Fprintf(&sb, "\nAdditional context:\n%s\n", contextText)
	}
	if len(observations) > 0 {
		sb.WriteString("\nOperator observations so far:\n")
		for _, obs := range observations {
			fmt.Fprintf(&sb, "- %s\n", obs.Text)
		}
	}
	sb.WriteString("\nBegin your investigation.")
	return sb.String()
}

// buildObservationMessage formats operator observations that arrived since
// the previous iteration.
func buildObservationMessage(observations []session.Observation) string {
	var sb strings.Builder
	sb.WriteString("New operator observations:\n")
	for _, obs := range observations {
		fmt.Fprintf(&sb, "- %s\n", obs.Text)
	}
	sb.WriteString("Take these into account.")
	return sb.String()
}
