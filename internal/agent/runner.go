package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/Sagnnik/docker-mcp-bridge/internal/chat"
	"github.com/Sagnnik/docker-mcp-bridge/internal/gateway"
	"github.com/Sagnnik/docker-mcp-bridge/internal/log"
	"github.com/Sagnnik/docker-mcp-bridge/internal/onboard"
	"github.com/Sagnnik/docker-mcp-bridge/internal/provider"
	"github.com/Sagnnik/docker-mcp-bridge/internal/state"
)

// Outcome-level finish reasons the Runner adds on top of the loop's.
const (
	FinishSecretsRequired = "secrets_required"
	FinishConfigRequired  = "config_required"
)

// resumeToolCallID marks the synthesized mcp-add call appended on resume.
const resumeToolCallID = "resume-mcp-add"

// SessionFactory opens an initialized gateway session for one tenant
// conversation.
type SessionFactory func(ctx context.Context, tenantID string) (Session, error)

// RunRequest starts a conversation turn.
type RunRequest struct {
	TenantID       string
	Messages       []chat.Message
	Mode           Mode
	InitialServers []string
	MaxIterations  int
}

// ResumeRequest continues a suspended conversation.
type ResumeRequest struct {
	InterruptID string
	// ProvidedConfigs maps required config keys to values. Must cover the
	// interrupt's required keys exactly.
	ProvidedConfigs map[string]string
	// MaxIterations overrides the interrupt's stored budget when positive.
	MaxIterations int
}

// RunResult is the outcome of a Run or Resume.
type RunResult struct {
	FinishReason   string
	Content        string
	Messages       []chat.Message
	ActiveServers  []string
	AvailableTools []string

	// InterruptID is set when the conversation was suspended; pass it to
	// Resume. Empty for secrets_required, which is terminal: secrets are
	// set outside the conversation and a new one picks them up.
	InterruptID string
	Interrupt   *InterruptRequest
}

// Runner orchestrates whole conversations: session setup, the loop, and
// interrupt suspension and resume.
type Runner struct {
	sessions SessionFactory
	store    state.Store
	provider provider.Provider
	catalog  onboard.Catalog
	logger   log.Logger
}

// RunnerConfig carries the Runner's dependencies.
type RunnerConfig struct {
	Sessions SessionFactory
	Store    state.Store
	Provider provider.Provider
	Catalog  onboard.Catalog
	Logger   log.Logger
}

// NewRunner validates the wiring and builds a Runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("session factory is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("state store is required")
	}
	if cfg.Provider == nil {
		return nil, errors.New("provider is required")
	}
	if cfg.Catalog == nil {
		return nil, errors.New("catalog is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Runner{
		sessions: cfg.Sessions,
		store:    cfg.Store,
		provider: cfg.Provider,
		catalog:  cfg.Catalog,
		logger:   cfg.Logger.With("component", "runner"),
	}, nil
}

// Run executes one conversation turn from scratch.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	mode, err := ParseMode(string(req.Mode))
	if err != nil {
		return nil, err
	}

	session, err := r.sessions(ctx, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to open gateway session: %w", err)
	}

	for _, server := range req.InitialServers {
		r.logger.Info("adding initial server", "server", server)
		if _, _, err := session.AddServer(ctx, server, true, nil); err != nil {
			r.logger.Warn("failed to add initial server", "server", server, "error", err)
		}
	}

	maxIterations := req.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	engine := onboard.NewEngine(r.catalog, r.logger)
	loop := NewLoop(session, r.provider, engine, mode, maxIterations, r.logger)

	messages := PrepareConversation(req.Messages, mode)
	result, err := loop.Run(ctx, messages, 0)
	if err != nil {
		return nil, err
	}

	return r.finish(ctx, session, result, req.TenantID, mode, maxIterations)
}

// Resume validates the provided configs against the stored interrupt,
// replays the session, retries the onboarding with the configs applied, and
// re-enters the loop where it left off.
func (r *Runner) Resume(ctx context.Context, req ResumeRequest) (*RunResult, error) {
	it, err := r.store.Get(ctx, req.InterruptID)
	if errors.Is(err, state.ErrNotFound) {
		return nil, &InterruptExpiredError{ID: req.InterruptID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load interrupt: %w", err)
	}

	// Key mismatches fail before any gateway traffic.
	if len(req.ProvidedConfigs) > 0 {
		if err := checkConfigKeys(it.RequiredConfigs, req.ProvidedConfigs); err != nil {
			return nil, err
		}
	}

	mode, err := ParseMode(it.Mode)
	if err != nil {
		return nil, err
	}

	if it.Provider != "" && it.Provider != r.provider.Name() {
		r.logger.Warn("resuming with a different provider",
			"interrupt_provider", it.Provider,
			"runner_provider", r.provider.Name(),
		)
	}

	// Claim the interrupt; concurrent resumes race here and exactly one
	// wins. A transient failure after the claim puts the record back so
	// the conversation survives for a retry.
	it, err = r.store.Take(ctx, req.InterruptID)
	if errors.Is(err, state.ErrNotFound) {
		return nil, &InterruptExpiredError{ID: req.InterruptID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim interrupt: %w", err)
	}

	session, err := r.sessions(ctx, it.TenantID)
	if err != nil {
		r.restoreInterrupt(ctx, it)
		return nil, fmt.Errorf("failed to open gateway session: %w", err)
	}

	// Best effort: a server that fails to come back should not sink the
	// whole resume.
	for _, server := range it.ActiveServers {
		if _, _, err := session.AddServer(ctx, server, true, nil); err != nil {
			r.logger.Warn("failed to restore server", "server", server, "error", err)
		}
	}

	messages := append([]chat.Message(nil), it.Conversation...)

	if len(req.ProvidedConfigs) > 0 {
		r.logger.Info("retrying server add with provided configs", "server", it.Server)

		entries := orderedEntries(it.RequiredConfigs, req.ProvidedConfigs)
		result, _, err := session.AddServer(ctx, it.Server, true, entries)
		resultText := result.Text()
		if err != nil {
			resultText = fmt.Sprintf("Error: %v", err)
		}

		// The original interrupt came from inside the runtime, so the
		// transcript has no assistant call to answer. Synthesize one.
		callArgs := map[string]any{"name": it.Server, "activate": true}
		for key, value := range req.ProvidedConfigs {
			callArgs[key] = value
		}
		argsJSON, merr := json.Marshal(callArgs)
		if merr != nil {
			r.restoreInterrupt(ctx, it)
			return nil, fmt.Errorf("failed to encode resume call: %w", merr)
		}
		call := chat.ToolCall{ID: resumeToolCallID, Name: "mcp-add", Arguments: string(argsJSON)}
		messages = append(messages,
			chat.AssistantToolCalls("", []chat.ToolCall{call}),
			chat.ToolResult(resumeToolCallID, "mcp-add", resultText),
		)
	}

	// The stored budget carries over so a resumed run keeps the remaining
	// iterations it was suspended with; an explicit request overrides it.
	maxIterations := req.MaxIterations
	if maxIterations <= 0 {
		maxIterations = it.MaxIterations
	}
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	engine := onboard.NewEngine(r.catalog, r.logger)
	loop := NewLoop(session, r.provider, engine, mode, maxIterations, r.logger)

	result, err := loop.Run(ctx, messages, it.Iteration+1)
	if err != nil {
		r.restoreInterrupt(ctx, it)
		return nil, err
	}

	return r.finish(ctx, session, result, it.TenantID, mode, maxIterations)
}

// restoreInterrupt puts a claimed interrupt back after a failure between the
// claim and the loop outcome. The stored expiry is kept as-is, so the record
// still dies at its original TTL.
func (r *Runner) restoreInterrupt(ctx context.Context, it *state.Interrupt) {
	if err := r.store.Save(ctx, it); err != nil {
		r.logger.Warn("failed to restore interrupt", "interrupt_id", it.ID, "error", err)
	}
}

// finish maps a loop result to the runner outcome and persists a new
// interrupt when the conversation suspended for configuration.
func (r *Runner) finish(ctx context.Context, session Session, result *Result, tenantID string, mode Mode, maxIterations int) (*RunResult, error) {
	out := &RunResult{
		FinishReason:   result.FinishReason,
		Content:        result.Content,
		Messages:       result.Messages,
		ActiveServers:  session.ActiveServers(),
		AvailableTools: session.CachedToolNames(),
	}

	if result.Interrupt == nil {
		return out, nil
	}

	out.Interrupt = result.Interrupt

	switch result.Interrupt.Kind {
	case state.KindSecretsRequired:
		// Terminal: secrets never pass through the conversation, so there
		// is nothing to resume with.
		out.FinishReason = FinishSecretsRequired
		out.Content = fmt.Sprintf(
			"Cannot add server %q: missing required secrets. "+
				"Configure them in your environment and start a new conversation.",
			result.Interrupt.Server)
		return out, nil

	case state.KindConfigRequired:
		id := state.GenerateID()
		err := r.store.Save(ctx, &state.Interrupt{
			ID:              id,
			TenantID:        tenantID,
			Kind:            state.KindConfigRequired,
			Server:          result.Interrupt.Server,
			RequiredConfigs: result.Interrupt.RequiredConfigs,
			Conversation:    result.Messages,
			Iteration:       result.Iteration,
			MaxIterations:   maxIterations,
			Mode:            string(mode),
			Provider:        r.provider.Name(),
			Model:           r.provider.Model(),
			ActiveServers:   session.ActiveServers(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to store interrupt: %w", err)
		}
		out.FinishReason = FinishConfigRequired
		out.InterruptID = id
		r.logger.Info("conversation suspended",
			"interrupt_id", id,
			"server", result.Interrupt.Server,
		)
		return out, nil

	default:
		return nil, fmt.Errorf("unknown interrupt kind %q", result.Interrupt.Kind)
	}
}

// checkConfigKeys demands an exact match between required and provided keys.
func checkConfigKeys(required []onboard.ConfigDescriptor, provided map[string]string) error {
	requiredSet := make(map[string]struct{}, len(required))
	var missing []string
	for _, cfg := range required {
		requiredSet[cfg.Key] = struct{}{}
		if _, ok := provided[cfg.Key]; !ok {
			missing = append(missing, cfg.Key)
		}
	}
	var extraneous []string
	for key := range provided {
		if _, ok := requiredSet[key]; !ok {
			extraneous = append(extraneous, key)
		}
	}
	slices.Sort(extraneous)
	if len(missing) > 0 || len(extraneous) > 0 {
		return &ConfigMismatchError{Missing: missing, Extraneous: extraneous}
	}
	return nil
}

// orderedEntries arranges provided values in the interrupt's descriptor
// order, since config application order matters to the gateway.
func orderedEntries(required []onboard.ConfigDescriptor, provided map[string]string) []gateway.ConfigEntry {
	entries := make([]gateway.ConfigEntry, 0, len(provided))
	for _, cfg := range required {
		if value, ok := provided[cfg.Key]; ok {
			entries = append(entries, gateway.ConfigEntry{Key: cfg.Key, Value: value})
		}
	}
	return entries
}
