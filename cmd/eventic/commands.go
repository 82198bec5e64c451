// Package main provides the CLI entry point for the Eventic agent engine.
//
// commands.go contains all cobra command definitions and their flag
// configurations. Each command builder creates a command and wires it
// to its handler.
package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that starts the engine daemon.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
		autonomous bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Eventic engine daemon",
		Long: `Start the engine daemon rooted at the configured workspace.

The daemon will:
1. Load configuration from the specified file (or eventic.yaml)
2. Open the conversation registry and checkpoint store
3. Recover background tasks interrupted by the previous shutdown
4. Start the websocket gateway when enabled
5. Optionally start the autonomous controller

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  eventic serve

  # Start with custom config
  eventic serve --config /etc/eventic/production.yaml

  # Start with the autonomous controller running
  eventic serve --autonomous`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug, autonomous)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigFile,
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")
	cmd.Flags().BoolVar(&autonomous, "autonomous", false,
		"Start the autonomous controller immediately")

	return cmd
}

// =============================================================================
// Chat Command
// =============================================================================

// buildChatCmd creates the "chat" command for one-shot requests.
func buildChatCmd() *cobra.Command {
	var (
		configPath   string
		conversation string
		model        string
		jsonOutput   bool
	)

	cmd := &cobra.Command{
		Use:   "chat \"input\"",
		Short: "Run one request and print the streamed response",
		Long: `Submit a single request to the engine and stream the response to
stdout. The conversation's transcript is persisted under the workspace,
so consecutive chats continue the same thread.`,
		Example: `  # Chat on the active conversation
  eventic chat "what changed since yesterday?"

  # Chat on a named conversation
  eventic chat --conversation planning "draft the Q4 roadmap"

  # Ask for a JSON-constrained answer
  eventic chat --json "list the open TODOs as an array"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), resolveConfigPath(configPath), chatOptions{
				conversation: conversation,
				model:        model,
				jsonOutput:   jsonOutput,
				input:        args[0],
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigFile,
		"Path to YAML configuration file")
	cmd.Flags().StringVar(&conversation, "conversation", "",
		"Conversation name (default: the active conversation)")
	cmd.Flags().StringVar(&model, "model", "",
		"Model override for this request")
	cmd.Flags().BoolVar(&jsonOutput, "json", false,
		"Request a JSON-constrained response")

	return cmd
}

// =============================================================================
// Conversation Commands
// =============================================================================

// buildConversationCmd creates the "conversation" command group for
// managing the workspace's named conversations.
func buildConversationCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:     "conversation",
		Aliases: []string{"conv"},
		Short:   "Manage named conversations",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigFile,
		"Path to YAML configuration file")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List conversations (active one marked with *)",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConversationList(resolveConfigPath(configPath))
			},
		},
		&cobra.Command{
			Use:   "create NAME",
			Short: "Create a conversation",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConversationCreate(resolveConfigPath(configPath), args[0])
			},
		},
		&cobra.Command{
			Use:   "delete NAME",
			Short: "Delete a conversation and its transcript",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConversationDelete(resolveConfigPath(configPath), args[0])
			},
		},
		&cobra.Command{
			Use:   "rename OLD NEW",
			Short: "Rename a conversation",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConversationRename(resolveConfigPath(configPath), args[0], args[1])
			},
		},
		&cobra.Command{
			Use:   "switch NAME",
			Short: "Make a conversation the active one",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConversationSwitch(resolveConfigPath(configPath), args[0])
			},
		},
	)

	return cmd
}

// =============================================================================
// Task Commands
// =============================================================================

// buildTaskCmd creates the "task" command group. Task commands talk to
// a running daemon through the gateway's HTTP API.
func buildTaskCmd() *cobra.Command {
	var (
		configPath string
		addr       string
	)

	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage background tasks on a running daemon",
		Long: `Manage background tasks. These commands require a running
"eventic serve" with the gateway enabled; --addr overrides the gateway
address from the config file.`,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigFile,
		"Path to YAML configuration file")
	cmd.PersistentFlags().StringVar(&addr, "addr", "",
		"Gateway address (default: gateway.listen_addr from config)")

	newClient := func() (*apiClient, error) {
		return clientFromConfig(resolveConfigPath(configPath), addr)
	}

	spawnCmd := &cobra.Command{
		Use:   "spawn \"query\"",
		Short: "Spawn a background task",
		Example: `  # A one-shot task in the daemon's workspace
  eventic task spawn "rebuild the search index"

  # A workspace task rooted at its own directory
  eventic task spawn --workspace ./scratch/refactor --create "split the parser package"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			description, _ := cmd.Flags().GetString("description")
			workspace, _ := cmd.Flags().GetString("workspace")
			create, _ := cmd.Flags().GetBool("create")
			initVCS, _ := cmd.Flags().GetBool("init-vcs")
			follow, _ := cmd.Flags().GetBool("follow")
			return runTaskSpawn(cmd.Context(), client, taskSpawnOptions{
				query:       args[0],
				description: description,
				workspace:   workspace,
				create:      create,
				initVCS:     initVCS,
				follow:      follow,
			})
		},
	}
	spawnCmd.Flags().String("description", "", "Short task label (default: the query)")
	spawnCmd.Flags().String("workspace", "", "Run as a workspace task rooted at this directory")
	spawnCmd.Flags().Bool("create", false, "Create the workspace directory if missing")
	spawnCmd.Flags().Bool("init-vcs", false, "Initialize a VCS marker in a fresh workspace")
	spawnCmd.Flags().Bool("follow", false, "Stream task output until it finishes")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List background tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			status, _ := cmd.Flags().GetString("status")
			return runTaskList(cmd.Context(), client, status)
		},
	}
	listCmd.Flags().String("status", "", "Filter by status (queued, running, succeeded, ...)")

	cmd.AddCommand(
		spawnCmd,
		listCmd,
		&cobra.Command{
			Use:   "status TASK_ID",
			Short: "Show one task's record",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				client, err := newClient()
				if err != nil {
					return err
				}
				return runTaskStatus(cmd.Context(), client, args[0])
			},
		},
		&cobra.Command{
			Use:   "cancel TASK_ID",
			Short: "Cancel a queued or running task",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				client, err := newClient()
				if err != nil {
					return err
				}
				return runTaskCancel(cmd.Context(), client, args[0])
			},
		},
		buildTaskOutputCmd(newClient),
	)

	return cmd
}

func buildTaskOutputCmd(newClient func() (*apiClient, error)) *cobra.Command {
	var (
		since  uint64
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "output TASK_ID",
		Short: "Print a task's buffered output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			return runTaskOutput(cmd.Context(), client, args[0], since, follow)
		},
	}
	cmd.Flags().Uint64Var(&since, "since", 0, "Only lines after this sequence number")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep polling until the task finishes")
	return cmd
}

// =============================================================================
// Checkpoint Commands
// =============================================================================

// buildCheckpointCmd creates the "checkpoint" command group operating
// on the workspace's on-disk checkpoint store.
func buildCheckpointCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect and compact the task checkpoint store",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigFile,
		"Path to YAML configuration file")

	compactCmd := &cobra.Command{
		Use:   "compact TASK_ID",
		Short: "Drop a task's oldest checkpoints beyond the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			keep, _ := cmd.Flags().GetInt("keep")
			return runCheckpointCompact(resolveConfigPath(configPath), args[0], keep)
		},
		Args: cobra.ExactArgs(1),
	}
	compactCmd.Flags().Int("keep", 0, "Checkpoints to keep (default: checkpoint_retention from config)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List each task's newest recoverable checkpoint",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runCheckpointList(resolveConfigPath(configPath))
			},
		},
		compactCmd,
	)

	return cmd
}
