// drover-ctl is the operator CLI for the job queue: enqueue, inspect,
// kill, remove, restart, maintenance, and halt, talking straight to the
// document store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/bobmcallan/drover/internal/app"
	"github.com/bobmcallan/drover/internal/models"
	"github.com/bobmcallan/drover/internal/server"
	"github.com/spf13/cobra"
)

var (
	configPath string
	a          *app.App
)

func main() {
	root := &cobra.Command{
		Use:           "drover-ctl",
		Short:         "Operate the Drover job queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			a, err = app.NewApp(configPath, false)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a != nil {
				a.Close()
			}
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")

	root.AddCommand(
		enqueueCmd(),
		jobCmd(),
		logsCmd(),
		listCmd(),
		statsCmd(),
		workersCmd(),
		killCmd(),
		removeCmd(),
		restartCmd(),
		maintenanceCmd(),
		haltCmd(),
		purgeCmd(),
		tokenCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// printJSON renders a value as indented JSON on stdout.
func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func enqueueCmd() *cobra.Command {
	var (
		argsJSON string
		priority int
		attempts int
	)
	cmd := &cobra.Command{
		Use:   "enqueue <name>",
		Short: "Enqueue a job by its qualified class name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobArgs := map[string]any{}
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &jobArgs); err != nil {
					return fmt.Errorf("invalid --args JSON: %w", err)
				}
			}
			override := &models.EnqueueOverrides{}
			if cmd.Flags().Changed("priority") {
				override.Priority = &priority
			}
			if cmd.Flags().Changed("attempts") {
				override.Attempts = &attempts
			}

			job, err := a.Controller.Enqueue(context.Background(), args[0], jobArgs, override)
			if err != nil {
				return err
			}
			printJSON(job)
			return nil
		},
	}
	cmd.Flags().StringVar(&argsJSON, "args", "", "job arguments as a JSON object")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority override (higher first)")
	cmd.Flags().IntVar(&attempts, "attempts", 0, "attempts override")
	return cmd
}

func jobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "job <id>",
		Short: "Show a job from the queue or journal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := a.Controller.FindJob(context.Background(), args[0])
			if err != nil {
				return err
			}
			if job == nil {
				return fmt.Errorf("job %s not found", args[0])
			}
			printJSON(job)
			return nil
		},
	}
}

func logsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <id>",
		Short: "Show the log records of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logs, err := a.Store.FindLogs(context.Background(), args[0])
			if err != nil {
				return err
			}
			for _, rec := range logs {
				fmt.Printf("%s %-7s %s\n", rec.CreatedAt.Format(time.RFC3339), rec.Level, rec.Message)
			}
			return nil
		},
	}
}

func listCmd() *cobra.Command {
	var state string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := a.Store.ListQueue(context.Background(), state, limit)
			if err != nil {
				return err
			}
			printJSON(jobs)
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by state")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum jobs to list")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue and journal counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			stats := map[string]int{}
			for _, state := range []string{
				models.StatePending, models.StateRunning,
				models.StateDeferred, models.StateFailed,
			} {
				n, err := a.Store.CountQueue(ctx, state)
				if err != nil {
					return err
				}
				stats[state] = n
			}
			journal, err := a.Store.CountJournal(ctx)
			if err != nil {
				return err
			}
			stats["journal"] = journal
			printJSON(stats)
			return nil
		},
	}
}

func workersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "List registered workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			workers, err := a.Store.ListWorkers(context.Background())
			if err != nil {
				return err
			}
			printJSON(workers)
			return nil
		},
	}
}

func killCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <id>",
		Short: "Request termination of a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			killed, err := a.Controller.KillJob(context.Background(), args[0])
			if err != nil {
				return err
			}
			if !killed {
				return fmt.Errorf("job %s is not running", args[0])
			}
			fmt.Printf("kill requested for %s\n", args[0])
			return nil
		},
	}
}

func removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Flag a job for removal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := a.Controller.RemoveJob(context.Background(), args[0])
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("job %s is terminal or unknown", args[0])
			}
			fmt.Printf("removal requested for %s\n", args[0])
			return nil
		},
	}
}

func restartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart <id>",
		Short: "Restart a deferred, failed, or terminal job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			newID, err := a.Controller.RestartJob(context.Background(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("restarted as %s\n", newID)
			return nil
		},
	}
}

func maintenanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "maintenance <on|off>",
		Short:     "Toggle global maintenance (workers stop dequeuing)",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			if args[0] == "on" {
				return a.Controller.EnterMaintenance(ctx)
			}
			return a.Controller.LeaveMaintenance(ctx)
		},
	}
}

func haltCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "halt",
		Short: "Set the halt marker; running workers exit at their next loop boundary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.Controller.Halt(context.Background())
		},
	}
}

func purgeCmd() *cobra.Command {
	var olderThanHours int
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete journal entries older than the cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			cutoff := time.Now().Add(-time.Duration(olderThanHours) * time.Hour)
			n, err := a.Controller.PurgeJournal(context.Background(), cutoff)
			if err != nil {
				return err
			}
			fmt.Printf("purged %d journal entries\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&olderThanHours, "older-than-hours", 168, "age threshold in hours")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an admin API bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.SignToken(a.Config, subject)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	return cmd
}
