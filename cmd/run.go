package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/Sagnnik/docker-mcp-bridge/internal/agent"
	"github.com/Sagnnik/docker-mcp-bridge/internal/chat"
	"github.com/Sagnnik/docker-mcp-bridge/internal/secrets"
)

// runRun starts a one-shot conversation.
func runRun(args []string) error {
	flags := pflag.NewFlagSet("run", pflag.ContinueOnError)
	tenant := flags.String("tenant", "default", "tenant id")
	mode := flags.String("mode", "", "agent mode: default, dynamic, code")
	servers := flags.StringSlice("server", nil, "server to activate before the conversation")
	maxIterations := flags.Int("max-iterations", 0, "iteration budget override")
	if err := flags.Parse(args); err != nil {
		return err
	}

	message := strings.TrimSpace(strings.Join(flags.Args(), " "))
	if message == "" {
		return fmt.Errorf("run requires a message")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if *mode == "" {
		*mode = a.cfg.Mode
	}
	if *maxIterations == 0 {
		*maxIterations = a.cfg.MaxIterations
	}

	result, err := a.runner.Run(ctx, agent.RunRequest{
		TenantID:       *tenant,
		Messages:       []chat.Message{chat.User(message)},
		Mode:           agent.Mode(*mode),
		InitialServers: *servers,
		MaxIterations:  *maxIterations,
	})
	if err != nil {
		return err
	}

	return printResult(result)
}

// printResult writes the conversation outcome as JSON, matching what the
// gateway's own tools emit.
func printResult(result *agent.RunResult) error {
	out := map[string]any{
		"finish_reason":   result.FinishReason,
		"content":         result.Content,
		"active_servers":  result.ActiveServers,
		"available_tools": result.AvailableTools,
	}
	if result.InterruptID != "" {
		out["interrupt_id"] = result.InterruptID
	}
	if result.Interrupt != nil {
		out["server"] = result.Interrupt.Server
		if len(result.Interrupt.RequiredSecrets) > 0 {
			out["required_secrets"] = result.Interrupt.RequiredSecrets
			// Only names travel; values stay in the environment.
			if missing := secrets.Missing(secrets.Env{}, result.Interrupt.RequiredSecrets); len(missing) > 0 {
				out["secrets_missing_from_environment"] = missing
			}
		}
		if len(result.Interrupt.RequiredConfigs) > 0 {
			out["required_configs"] = result.Interrupt.RequiredConfigs
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	return nil
}
