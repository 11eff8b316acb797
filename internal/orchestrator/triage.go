package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/codefionn/fehlersuche/internal/llm"
	"github.com/codefionn/fehlersuche/internal/session"
)

const triageSystemPrompt = `You are a debugging triage assistant. Given a failure report, produce the distinct, plausible hypotheses for its root cause.

Respond with ONLY a JSON array, each element an object:
  {"hypothesis": "<one-sentence testable statement>", "rationale": "<why this is plausible>"}

Order from most to least likely. Do not exceed the requested count. No prose outside the JSON.`

type triageHypothesis struct {
	Hypothesis string `json:"hypothesis"`
	Rationale  string `json:"rationale,omitempty"`
}

func buildTriagePrompt(sess *session.Session, maxHypotheses int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Failure report:\n%s\n\n", sess.OriginalError())
	fmt.Fprintf(&sb, "Repository: %s\n", sess.RepoPath())
	if ctxText := strings.TrimSpace(sess.Context()); ctxText != "" {
		fmt.Fprintf(&sb, "\nContext:\n%s\n", ctxText)
	}
	fmt.Fprintf(&sb, "\nProduce at most %d hypotheses.", maxHypotheses)
	return sb.String()
}

// triage asks the model for hypotheses. Any failure, model or parse, falls
// back to a single hypothesis wrapping the raw report so the session always
// has something to investigate.
func (o *Orchestrator) triage(ctx context.Context, sess *session.Session) []string {
	maxHypotheses := o.cfg.Triage.MaxHypotheses

	temperature := o.cfg.Provider.Temperature
	if temperature == 0 {
		temperature = 0.7
	}
	maxTokens := o.cfg.Provider.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	resp, err := o.client.CompleteWithRequest(ctx, &llm.CompletionRequest{
		Messages:     []*llm.Message{{Role: "user", Content: buildTriagePrompt(sess, maxHypotheses)}},
		SystemPrompt: triageSystemPrompt,
		Temperature:  temperature,
		MaxTokens:    maxTokens,
	})
	if err != nil {
		o.log.Warn("triage completion failed for session %s: %v", sess.ID(), err)
		return []string{fallbackHypothesis(sess)}
	}

	parsed, err := llm.ExtractJSONArray[triageHypothesis](resp.Content)
	if err != nil {
		o.log.Warn("triage output unparseable for session %s: %v", sess.ID(), err)
		return []string{fallbackHypothesis(sess)}
	}

	hypotheses := make([]string, 0, len(parsed))
	for _, h := range parsed {
		text := strings.TrimSpace(h.Hypothesis)
		if text == "" {
			continue
		}
		if rationale := strings.TrimSpace(h.Rationale); rationale != "" {
			text = text + " (" + rationale + ")"
		}
		hypotheses = append(hypotheses, text)
		if len(hypotheses) >= maxHypotheses {
			break
		}
	}

	if len(hypotheses) == 0 {
		return []string{fallbackHypothesis(sess)}
	}
	return hypotheses
}

func fallbackHypothesis(sess *session.Session) string {
	return "The reported failure is reproducible as described: " + sess.OriginalError()
}
