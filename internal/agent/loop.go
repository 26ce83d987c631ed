// Package agent runs the autonomous tool-use loop: it feeds the conversation
// to a chat-completion model, dispatches the tool calls it requests against
// the gateway session, and suspends the conversation when onboarding needs
// out-of-band input.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Sagnnik/docker-mcp-bridge/internal/chat"
	"github.com/Sagnnik/docker-mcp-bridge/internal/gateway"
	"github.com/Sagnnik/docker-mcp-bridge/internal/log"
	"github.com/Sagnnik/docker-mcp-bridge/internal/observability"
	"github.com/Sagnnik/docker-mcp-bridge/internal/onboard"
	"github.com/Sagnnik/docker-mcp-bridge/internal/provider"
	"github.com/Sagnnik/docker-mcp-bridge/internal/state"
)

// DefaultMaxIterations caps the model round trips in one conversation turn.
const DefaultMaxIterations = 10

// Calling any of these can change the gateway's tool listing, so the
// catalog is refreshed after the turn that used them.
var toolChangeTriggers = map[string]struct{}{
	"mcp-add":   {},
	"mcp-find":  {},
	"mcp-exec":  {},
	"code-mode": {},
}

// Terminal finish reasons of a loop run.
const (
	FinishStop         = "stop"
	FinishInterrupt    = "interrupt"
	FinishMaxIteration = "max_iteration"
)

// Session is the slice of the gateway client the loop needs. Tool listings
// are always tenant-filtered here; the loop never sees ungranted tools.
type Session interface {
	ListTools(ctx context.Context, filterByTenant bool) ([]gateway.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (gateway.ToolResult, error)
	AddServer(ctx context.Context, name string, activate bool, config []gateway.ConfigEntry) (gateway.ToolResult, []string, error)
	ActiveServers() []string
	CachedToolNames() []string
}

// InterruptRequest carries what the loop needs from the caller before it can
// continue: secrets set out-of-band, or configuration values.
type InterruptRequest struct {
	Kind            state.Kind
	Server          string
	RequiredSecrets []string
	RequiredConfigs []onboard.ConfigDescriptor
	Instructions    string
}

// Result is the outcome of one loop run.
type Result struct {
	FinishReason string
	Content      string
	Messages     []chat.Message

	// Interrupt is set when FinishReason is FinishInterrupt.
	Interrupt *InterruptRequest

	// Iteration is the index the loop stopped at; resume continues after it.
	Iteration int
}

// Loop drives one conversation against one gateway session.
type Loop struct {
	session  Session
	provider provider.Provider
	engine   *onboard.Engine
	mode     Mode
	maxIters int
	logger   log.Logger
}

// NewLoop wires a loop. The engine carries the session's discovery cache and
// must be shared with any resume of the same conversation.
func NewLoop(session Session, p provider.Provider, engine *onboard.Engine, mode Mode, maxIters int, logger log.Logger) *Loop {
	if maxIters <= 0 {
		maxIters = DefaultMaxIterations
	}
	return &Loop{
		session:  session,
		provider: p,
		engine:   engine,
		mode:     mode,
		maxIters: maxIters,
		logger:   logger.With("component", "agent", "mode", string(mode)),
	}
}

// Run executes the loop from startIteration until the model stops, an
// interrupt suspends the conversation, or the iteration budget runs out.
// Tool calls within a turn are dispatched strictly in order; an interrupt
// abandons the remaining calls of that turn.
func (l *Loop) Run(ctx context.Context, messages []chat.Message, startIteration int) (*Result, error) {
	tools, err := l.session.ListTools(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	schemas := ToolSchemas(tools, l.mode)

	for iteration := startIteration; iteration < l.maxIters; iteration++ {
		l.logger.Info("iteration", "current", iteration+1, "max", l.maxIters)

		genCtx, span := observability.StartSpan(ctx, "agent.generate",
			attribute.Int("iteration", iteration),
			attribute.String("mode", string(l.mode)),
		)
		resp, err := l.provider.Generate(genCtx, provider.Request{Messages: messages, Tools: schemas})
		span.End()
		if err != nil {
			return nil, fmt.Errorf("generation failed: %w", err)
		}

		// The assistant turn always joins the transcript, whatever happens
		// to its tool calls afterwards.
		messages = append(messages, resp.Message)

		if resp.FinishReason == chat.FinishStop {
			return &Result{
				FinishReason: FinishStop,
				Content:      resp.Message.Content,
				Messages:     messages,
				Iteration:    iteration,
			}, nil
		}

		if resp.FinishReason == chat.FinishToolCalls && len(resp.Message.ToolCalls) > 0 {
			toolsChanged := false

			for _, tc := range resp.Message.ToolCalls {
				if _, ok := toolChangeTriggers[tc.Name]; ok {
					toolsChanged = true
				}
				l.logger.Info("calling tool", "tool", tc.Name)

				callCtx, span := observability.StartSpan(ctx, "agent.tool_call",
					attribute.String("tool", tc.Name),
				)
				resultText, interrupt := l.dispatch(callCtx, tc)
				span.End()

				messages = append(messages, chat.ToolResult(tc.ID, tc.Name, resultText))

				if interrupt != nil {
					return &Result{
						FinishReason: FinishInterrupt,
						Messages:     messages,
						Interrupt:    interrupt,
						Iteration:    iteration,
					}, nil
				}
			}

			if toolsChanged {
				tools, err = l.session.ListTools(ctx, true)
				if err != nil {
					return nil, fmt.Errorf("failed to refresh tools: %w", err)
				}
				schemas = ToolSchemas(tools, l.mode)
				l.logger.Info("tools refreshed", "count", len(tools))
			}
			continue
		}

		l.logger.Warn("unexpected finish reason", "finish_reason", string(resp.FinishReason))
		break
	}

	return &Result{
		FinishReason: FinishMaxIteration,
		Content:      "Max iterations reached",
		Messages:     messages,
		Iteration:    l.maxIters,
	}, nil
}

// dispatch executes one tool call and renders its result text. Failures
// come back as error text for the model, never as a Go error; only
// onboarding can interrupt the loop.
func (l *Loop) dispatch(ctx context.Context, tc chat.ToolCall) (string, *InterruptRequest) {
	var args map[string]any
	if tc.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
			l.logger.Error("malformed tool arguments", "tool", tc.Name, "error", err)
			return fmt.Sprintf("Error: invalid tool arguments: %v", err), nil
		}
	}

	switch tc.Name {
	case "mcp-find":
		return l.handleFind(ctx, args), nil
	case "mcp-add":
		return l.handleAdd(ctx, args)
	case "code-mode", "mcp-exec":
		result, err := l.session.CallTool(ctx, tc.Name, args)
		if err != nil {
			l.logger.Error("tool call failed", "tool", tc.Name, "error", err)
			return fmt.Sprintf("Error: %v", err), nil
		}
		return string(result.Raw), nil
	default:
		result, err := l.session.CallTool(ctx, tc.Name, args)
		if err != nil {
			l.logger.Error("tool call failed", "tool", tc.Name, "error", err)
			return fmt.Sprintf("Error: %v", err), nil
		}
		return result.Text(), nil
	}
}

// handleFind runs discovery and caches per-server metadata from the results
// so later onboarding failures can be enriched.
func (l *Loop) handleFind(ctx context.Context, args map[string]any) string {
	result, err := l.session.CallTool(ctx, "mcp-find", args)
	if err != nil {
		l.logger.Error("discovery failed", "error", err)
		return fmt.Sprintf("Error: %v", err)
	}

	var payload struct {
		Servers []map[string]any `json:"servers"`
	}
	if err := json.Unmarshal([]byte(result.Text()), &payload); err == nil {
		for _, info := range payload.Servers {
			name, _ := info["name"].(string)
			if name == "" {
				continue
			}
			l.engine.RecordDiscovery(name, discoveryFrom(info))
		}
	}

	return string(result.Raw)
}

// handleAdd onboards a server and maps the classified outcome to the tool
// result the model sees, interrupting the loop when input is needed.
func (l *Loop) handleAdd(ctx context.Context, args map[string]any) (string, *InterruptRequest) {
	name, _ := args["name"].(string)
	name = strings.TrimSpace(name)
	activate := true
	if v, ok := args["activate"].(bool); ok {
		activate = v
	}

	result, verified, err := l.session.AddServer(ctx, name, activate, nil)
	outcome := l.engine.Classify(name, result.Text(), err, verified)

	switch outcome.Status {
	case onboard.StatusSecretsRequired:
		return mustMarshal(map[string]any{
				"status":           "secrets_required",
				"required_secrets": outcome.RequiredSecrets,
			}), &InterruptRequest{
				Kind:            state.KindSecretsRequired,
				Server:          outcome.Server,
				RequiredSecrets: outcome.RequiredSecrets,
				Instructions:    outcome.Instructions,
			}
	case onboard.StatusConfigRequired:
		return mustMarshal(map[string]any{
				"status":           "config_required",
				"required_configs": outcome.RequiredConfigs,
			}), &InterruptRequest{
				Kind:            state.KindConfigRequired,
				Server:          outcome.Server,
				RequiredConfigs: outcome.RequiredConfigs,
				Instructions:    outcome.Instructions,
			}
	case onboard.StatusAdded:
		return mustMarshal(map[string]any{
			"status":  "success",
			"message": outcome.Message,
		}), nil
	default:
		return mustMarshal(map[string]any{
			"status":  "failed",
			"message": outcome.Message,
		}), nil
	}
}

// discoveryFrom pulls secrets and config descriptors out of one mcp-find
// server entry. The shapes vary across gateway versions, so parsing is
// deliberately lenient.
func discoveryFrom(info map[string]any) onboard.Discovery {
	d := onboard.Discovery{}
	if desc, ok := info["description"].(string); ok {
		d.Description = desc
	}
	if raw, ok := info["secrets"].([]any); ok {
		for _, item := range raw {
			switch v := item.(type) {
			case string:
				d.Secrets = append(d.Secrets, v)
			case map[string]any:
				if name, ok := v["name"].(string); ok {
					d.Secrets = append(d.Secrets, name)
				}
			}
		}
	}
	if raw, ok := info["config"].([]any); ok {
		for _, item := range raw {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			desc := onboard.ConfigDescriptor{Type: "string"}
			if key, ok := entry["key"].(string); ok {
				desc.Key = key
			} else if name, ok := entry["name"].(string); ok {
				desc.Key = name
			}
			if t, ok := entry["type"].(string); ok && t != "" {
				desc.Type = t
			}
			if text, ok := entry["description"].(string); ok {
				desc.Description = text
			}
			if desc.Key != "" {
				d.Configs = append(d.Configs, desc)
			}
		}
	}
	return d
}

func mustMarshal(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}
