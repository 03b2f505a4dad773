// Command swarm runs the orchestrator against a natural-language task.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/eren23/attoswarm/internal/blackboard"
	"github.com/eren23/attoswarm/internal/config"
	"github.com/eren23/attoswarm/internal/events"
	"github.com/eren23/attoswarm/internal/llm"
	"github.com/eren23/attoswarm/internal/logger"
	"github.com/eren23/attoswarm/internal/spawn"
	"github.com/eren23/attoswarm/internal/swarm"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		resumeID   string
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:          "swarm \"<task prompt>\"",
		Short:        "Budget-bounded DAG executor for LLM worker swarms",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && resumeID == "" {
				return fmt.Errorf("a task prompt or --resume is required")
			}
			prompt := ""
			if len(args) > 0 {
				prompt = args[0]
			}

			cfg := config.DefaultConfig()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if resumeID != "" {
				cfg.ResumeSessionID = resumeID
			}

			client, err := llm.NewAnthropicClient()
			if err != nil {
				return err
			}

			bus := events.NewBus()
			bus.Subscribe(logger.NewConsoleObserver(os.Stdout, verbose))

			deps := swarm.Deps{
				Client:     client,
				ToolClient: client,
				Spawner:    spawn.NewCLISpawner(),
				Bus:        bus,
			}
			if cfg.BlackboardAddr != "" {
				board := blackboard.NewRedisBoard(cfg.BlackboardAddr, "")
				defer board.Close()
				deps.Board = board
			}

			orch, err := swarm.New(cfg, deps)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				select {
				case <-sigCh:
					fmt.Fprintln(os.Stderr, "\ninterrupt: finishing in-flight workers...")
					orch.Cancel()
				case <-ctx.Done():
				}
			}()

			result, err := orch.Run(ctx, prompt)
			if err != nil {
				return err
			}
			fmt.Println()
			fmt.Println(result.Summary)
			if result.Output != "" {
				fmt.Println()
				fmt.Println(result.Output)
			}
			if !result.Success && !result.PartialSuccess {
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to swarm.yaml")
	cmd.Flags().StringVar(&resumeID, "resume", "", "resume a checkpointed session by id")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log health and budget updates")
	return cmd
}
