package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/Sagnnik/docker-mcp-bridge/internal/agent"
)

// runResume continues a conversation suspended for configuration.
func runResume(args []string) error {
	flags := pflag.NewFlagSet("resume", pflag.ContinueOnError)
	interruptID := flags.String("interrupt", "", "interrupt id returned by a suspended run")
	configPairs := flags.StringSlice("config", nil, "key=value pair for a required config")
	maxIterations := flags.Int("max-iterations", 0, "iteration budget override")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if *interruptID == "" {
		return fmt.Errorf("resume requires --interrupt")
	}
	configs, err := parseConfigPairs(*configPairs)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if *maxIterations == 0 {
		*maxIterations = a.cfg.MaxIterations
	}

	result, err := a.runner.Resume(ctx, agent.ResumeRequest{
		InterruptID:     *interruptID,
		ProvidedConfigs: configs,
		MaxIterations:   *maxIterations,
	})
	if err != nil {
		return err
	}

	return printResult(result)
}
