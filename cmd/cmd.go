// Package cmd contains the CLI entry points. Following the pattern used by
// standard Go CLI tools, all application logic lives here and main.go stays
// a minimal entry point.
package cmd

import (
	"fmt"
	"os"
)

// Version information (injected at build time via ldflags).
var (
	Version   = "0.0.1"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Execute is the main entry point for the bridge CLI. It routes to the
// subcommand and keeps --version and --help working even when the
// configuration is invalid.
func Execute() error {
	args := os.Args[1:]
	if len(args) == 0 {
		printHelp()
		return nil
	}

	switch args[0] {
	case "version", "--version", "-v":
		printVersion()
		return nil
	case "help", "--help", "-h":
		printHelp()
		return nil
	case "run":
		return runRun(args[1:])
	case "resume":
		return runResume(args[1:])
	default:
		printHelp()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printVersion() {
	fmt.Printf("docker-mcp-bridge %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
}

func printHelp() {
	fmt.Print(`docker-mcp-bridge - agent bridge for the Docker MCP gateway

Usage:
  docker-mcp-bridge run [flags] <message>     start a conversation
  docker-mcp-bridge resume [flags]            resume a suspended conversation
  docker-mcp-bridge version                   print version information

Run flags:
  --tenant string       tenant id (default "default")
  --mode string         agent mode: default, dynamic, code
  --server strings      server to activate before the conversation (repeatable)
  --max-iterations int  iteration budget override

Resume flags:
  --interrupt string    interrupt id returned by a suspended run
  --config strings      key=value pair for a required config (repeatable)

Configuration is read from ~/.mcp-bridge/config.yaml and the environment.
The provider API key comes from OPENAI_API_KEY or OPENROUTER_API_KEY.
`)
}
