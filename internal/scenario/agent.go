// Package scenario drives a single hypothesis investigation: one agent, one
// conversation with the model, one append-only tool log.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/codefionn/fehlersuche/internal/config"
	"github.com/codefionn/fehlersuche/internal/llm"
	"github.com/codefionn/fehlersuche/internal/logger"
	"github.com/codefionn/fehlersuche/internal/sandbox"
	"github.com/codefionn/fehlersuche/internal/session"
	"github.com/codefionn/fehlersuche/internal/toolclient"
)

// ErrBudgetExceeded is the failure reason when an investigation runs out of
// iterations or wall-clock time.
var ErrBudgetExceeded = errors.New("scenario budget exceeded")

// ErrModelProtocol is the failure reason when the model repeatedly produces
// malformed output (unknown tools, unparseable arguments, empty replies).
var ErrModelProtocol = errors.New("model protocol violation")

// Params wires an Agent to its collaborators.
type Params struct {
	Session    *session.Session
	ScenarioID string
	Hypothesis string
	Client     llm.Client
	Executor   *sandbox.Executor
	Registry   *toolclient.Registry
	Store      *session.Store
	Config     config.ScenarioConfig
	Provider   config.ProviderConfig
	Logger     *logger.Logger
}

// Agent investigates one hypothesis. Run drives the loop to a terminal
// scenario status; Kill requests a stop that is honored between iterations.
type Agent struct {
	sess        *session.Session
	scenarioID  string
	hypothesis  string
	repoPath    string
	client      llm.Client
	executor    *sandbox.Executor
	registry    *toolclient.Registry
	store       *session.Store
	cfg         config.ScenarioConfig
	temperature float64
	maxTokens   int
	log         *logger.Logger
	estimator   *llm.TokenEstimator

	killed      atomic.Bool
	lastThought atomic.Value // string
}

// NewAgent creates an agent for one scenario of a session.
func NewAgent(p Params) *Agent {
	log := p.Logger
	if log == nil {
		log = logger.Global()
	}
	temperature := p.Provider.Temperature
	if temperature == 0 {
		temperature = 0.7
	}
	maxTokens := p.Provider.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Agent{
		sess:        p.Session,
		scenarioID:  p.ScenarioID,
		hypothesis:  p.Hypothesis,
		repoPath:    p.Session.RepoPath(),
		client:      p.Client,
		executor:    p.Executor,
		registry:    p.Registry,
		store:       p.Store,
		cfg:         p.Config,
		temperature: temperature,
		maxTokens:   maxTokens,
		log:         log.WithComponent("scenario:" + p.ScenarioID),
		estimator:   llm.NewTokenEstimator(p.Client.GetModelName()),
	}
}

// Kill requests termination. The agent checks the flag between iterations,
// never mid-iteration, so a running tool call completes first.
func (a *Agent) Kill() {
	a.killed.Store(true)
}

// ScenarioID returns the scenario this agent drives.
func (a *Agent) ScenarioID() string {
	return a.scenarioID
}

// Run executes the investigation until the scenario reaches a terminal
// status. It never returns an error; outcomes are recorded on the session.
func (a *Agent) Run(ctx context.Context) {
	if err := a.sess.SetScenarioStatus(a.scenarioID, session.ScenarioInvestigating); err != nil {
		// Killed before the first iteration.
		a.log.Info("not starting: %v", err)
		return
	}
	a.logLine("info", "investigation started", map[string]interface{}{"hypothesis": a.hypothesis})

	deadline := time.Now().Add(time.Duration(a.cfg.WallClockSeconds) * time.Second)
	systemPrompt := buildSystemPrompt(a.registry.ListAvailable(), a.registry.Describe)
	tools := a.toolDefinitions()

	observations := a.sess.Observations()
	seenObservations := len(observations)
	messages := []*llm.Message{{
		Role: "user",
		Content: buildInitialMessage(a.hypothesis, a.sess.OriginalError(),
			a.repoPath, a.sess.Context(), observations),
	}}

	protocolRetries := 0
	modelRetries := 0

	for iteration := 1; ; iteration++ {
		if a.killed.Load() || ctx.Err() != nil {
			a.finishKilled()
			return
		}
		if iteration > a.cfg.MaxIterations {
			a.finishFailed(fmt.Errorf("%w: iteration limit %d reached", ErrBudgetExceeded, a.cfg.MaxIterations))
			return
		}
		if time.Now().After(deadline) {
			a.finishFailed(fmt.Errorf("%w: wall clock limit %ds reached", ErrBudgetExceeded, a.cfg.WallClockSeconds))
			return
		}

		// New observations are folded in at iteration boundaries only.
		if current := a.sess.Observations(); len(current) > seenObservations {
			messages = append(messages, &llm.Message{
				Role:    "user",
				Content: buildObservationMessage(current[seenObservations:]),
			})
			seenObservations = len(current)
		}

		messages = a.trimHistory(messages)
		a.sess.BumpScenarioIteration(a.scenarioID)

		resp, err := a.client.CompleteWithRequest(ctx, &llm.CompletionRequest{
			Messages:     messages,
			Tools:        tools,
			SystemPrompt: systemPrompt,
			Temperature:  a.temperature,
			MaxTokens:    a.maxTokens,
		})
		if err != nil {
			if ctx.Err() != nil {
				a.finishKilled()
				return
			}
			modelRetries++
			a.logLine("warn", "model call failed", map[string]interface{}{"error": err.Error(), "attempt": modelRetries})
			if modelRetries > a.cfg.MaxProtocolRetries {
				a.finishFailed(fmt.Errorf("model unavailable: %w", err))
				return
			}
			continue
		}

		if len(resp.ToolCalls) == 0 {
			conclusion := strings.TrimSpace(resp.Content)
			if conclusion == "" {
				protocolRetries++
				if protocolRetries > a.cfg.MaxProtocolRetries {
					a.finishFailed(fmt.Errorf("%w: empty responses", ErrModelProtocol))
					return
				}
				messages = append(messages, &llm.Message{
					Role:    "user",
					Content: "Your reply was empty. Either request a tool call or state your conclusion.",
				})
				continue
			}
			a.finishConcluded(conclusion)
			return
		}

		toolCalls := llm.NormalizeToolCallIDs(resp.ToolCalls)
		if thought := strings.TrimSpace(resp.Content); thought != "" {
			a.lastThought.Store(thought)
		}
		messages = append(messages, &llm.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: toolCalls,
		})

		for _, call := range toolCalls {
			name := llm.ToolCallName(call)
			arguments := llm.ToolCallArguments(call)
			callID := llm.ToolCallID(call)

			start := time.Now()
			result, err := a.dispatchToolCall(ctx, name, arguments)
			inv := session.ToolInvocation{
				Tool:       name,
				Arguments:  arguments,
				DurationMs: time.Since(start).Milliseconds(),
				Timestamp:  time.Now().UTC(),
			}

			content := result
			if err != nil {
				if ctx.Err() != nil {
					a.finishKilled()
					return
				}
				inv.Error = err.Error()
				content = "error: " + err.Error()

				var pErr *protocolError
				if errors.As(err, &pErr) {
					protocolRetries++
					if protocolRetries > a.cfg.MaxProtocolRetries {
						if _, logErr := a.sess.AppendInvocation(a.scenarioID, inv); logErr != nil {
							a.log.Warn("failed to record invocation: %v", logErr)
						}
						a.finishFailed(fmt.Errorf("%w: %s", ErrModelProtocol, pErr.msg))
						return
					}
				}
			} else {
				inv.Result = result
			}

			if _, logErr := a.sess.AppendInvocation(a.scenarioID, inv); logErr != nil {
				a.log.Warn("failed to record invocation: %v", logErr)
			}
			a.logLine("info", "tool invocation", map[string]interface{}{
				"iteration": iteration,
				"tool":      name,
				"error":     inv.Error,
			})

			messages = append(messages, &llm.Message{
				Role:     "tool",
				Content:  content,
				ToolID:   callID,
				ToolName: name,
			})
		}
	}
}

func (a *Agent) finishConcluded(conclusion string) {
	if err := a.sess.ConcludeScenario(a.scenarioID, conclusion); err != nil {
		a.log.Warn("failed to conclude: %v", err)
		return
	}
	a.logLine("info", "investigation concluded", map[string]interface{}{"conclusion": conclusion})
}

func (a *Agent) finishFailed(reason error) {
	if err := a.sess.FailScenario(a.scenarioID, reason.Error()); err != nil {
		a.log.Warn("failed to fail scenario: %v", err)
		return
	}
	a.logLine("warn", "investigation failed", map[string]interface{}{"reason": reason.Error()})
}

func (a *Agent) finishKilled() {
	partial := ""
	if v := a.lastThought.Load(); v != nil {
		partial = v.(string)
	}
	if err := a.sess.KillScenario(a.scenarioID, partial); err != nil {
		a.log.Warn("failed to kill scenario: %v", err)
		return
	}
	a.logLine("info", "investigation killed", map[string]interface{}{"partial_conclusion": partial})
}

func (a *Agent) logLine(level, message string, payload map[string]interface{}) {
	if a.store != nil {
		err := a.store.AppendLog(a.sess.ID(), a.scenarioID, session.LogEntry{
			Level:   level,
			Message: message,
			Payload: payload,
		})
		if err != nil {
			a.log.Warn("failed to append scenario log: %v", err)
		}
	}
	a.log.Debug("%s %v", message, payload)
}

// trimHistory drops the oldest exchanges until the conversation fits the
// token budget. The initial briefing is always kept; tool results belonging
// to a dropped assistant turn are dropped with it.
func (a *Agent) trimHistory(messages []*llm.Message) []*llm.Message {
	budget := a.cfg.HistoryTokenBudget
	if budget <= 0 {
		return messages
	}

	for len(messages) > 3 && a.estimator.CountMessages(messages) > budget {
		drop := 1
		if messages[1].Role == "assistant" && len(messages[1].ToolCalls) > 0 {
			for 1+drop < len(messages) && messages[1+drop].Role == "tool" {
				drop++
			}
		}
		if 1+drop >= len(messages) {
			break
		}
		messages = append(messages[:1], messages[1+drop:]...)
	}
	return messages
}
