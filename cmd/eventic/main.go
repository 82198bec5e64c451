// Package main provides the CLI entry point for the Eventic agent engine.
//
// Eventic runs an event-dispatched actor-critic agent loop over named,
// durable conversations, with checkpointed background tasks, an
// autonomous controller, and a websocket event gateway.
//
// # Basic Usage
//
// Start the engine daemon:
//
//	eventic serve --config eventic.yaml
//
// Run a one-shot request:
//
//	eventic chat --conversation notes "summarize today's changes"
//
// Manage background tasks against a running daemon:
//
//	eventic task spawn "rebuild the search index"
//	eventic task list
//
// # Environment Variables
//
//   - EVENTIC_CONFIG: Path to configuration file (default: eventic.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "eventic",
		Short: "Eventic - event-dispatched agent engine",
		Long: `Eventic runs an actor-critic agent loop over durable conversations.

Requests move through an event pipeline (triage, context assembly, actor,
tools, critic, finalize). Background tasks run on child engines with WAL
checkpoints, the autonomous controller briefs the model on workspace
activity, and the gateway streams engine events over websocket.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
		buildConversationCmd(),
		buildTaskCmd(),
		buildCheckpointCmd(),
	)

	return rootCmd
}

// resolveConfigPath applies the EVENTIC_CONFIG fallback when the flag
// was left at its default.
func resolveConfigPath(flagValue string) string {
	if flagValue != defaultConfigFile {
		return flagValue
	}
	if env := os.Getenv("EVENTIC_CONFIG"); env != "" {
		return env
	}
	return flagValue
}

const defaultConfigFile = "eventic.yaml"
