// Command workflowadmin exposes the administrative operations of
// spec.md §6 as an operator CLI: rerun, rerun-all, mark-all-feasible,
// recompute-counts, check-requirements, and a read-only counts report.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/toolchainlabs/buildsense-workflow/internal/examplepayload"
	"github.com/toolchainlabs/buildsense-workflow/internal/logging"
	"github.com/toolchainlabs/buildsense-workflow/workflow"
	"github.com/toolchainlabs/buildsense-workflow/workflow/store"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "workflowadmin",
	Short:   "Administrative operations on the work-unit DAG",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("workflowadmin %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("backend", "sqlite", "Store backend: postgres, mysql, or sqlite")
	rootCmd.PersistentFlags().String("dsn", "workflowd.db", "Store connection string (DSN or file path for sqlite)")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(rerunCmd)
	rootCmd.AddCommand(rerunAllCmd)
	rootCmd.AddCommand(markAllFeasibleCmd)
	rootCmd.AddCommand(recomputeCountsCmd)
	rootCmd.AddCommand(checkRequirementsCmd)
	rootCmd.AddCommand(countsCmd)

	rerunAllCmd.Flags().String("from", "", "Only units created at or after this RFC3339 timestamp")
	rerunAllCmd.Flags().String("to", "", "Only units created at or before this RFC3339 timestamp")
	countsCmd.Flags().String("payload-type", "", "Restrict the report to this payload type")
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	logging.Init(logging.Config{Level: logging.Level(logLevel), JSONOutput: logJSON})
}

// openEngine constructs an Engine against the backend/dsn named by the
// root command's persistent flags. The registry carries the same example
// payload types workflowd registers; none of the subcommands below reads
// or reconstructs a payload through it.
func openEngine(ctx context.Context, cmd *cobra.Command) (*workflow.Engine, store.Store, error) {
	backend, _ := cmd.Flags().GetString("backend")
	dsn, _ := cmd.Flags().GetString("dsn")

	var s store.Store
	var err error
	switch backend {
	case "postgres":
		s, err = store.NewPostgresStore(ctx, dsn)
	case "mysql":
		s, err = store.NewMySQLStore(ctx, dsn)
	case "sqlite":
		s, err = store.NewSQLiteStore(ctx, dsn)
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q (want postgres, mysql, or sqlite)", backend)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}

	registry := workflow.NewRegistry()
	examplepayload.Register(registry)
	return workflow.New(s, registry), s, nil
}

var rerunCmd = &cobra.Command{
	Use:   "rerun ID",
	Short: "Reschedule a single Succeeded work unit back to Ready",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid work unit id %q: %w", args[0], err)
		}
		ctx := cmd.Context()
		engine, s, err := openEngine(ctx, cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := engine.Rerun(ctx, id); err != nil {
			return fmt.Errorf("rerun %d: %w", id, err)
		}
		fmt.Printf("work unit %d rescheduled\n", id)
		return nil
	},
}

var rerunAllCmd = &cobra.Command{
	Use:   "rerun-all PAYLOAD_TYPE",
	Short: "Bulk rerun every Succeeded unit of a payload type; refuses if any unit is Pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payloadType := args[0]
		from, err := parseOptionalTime(cmd, "from")
		if err != nil {
			return err
		}
		to, err := parseOptionalTime(cmd, "to")
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		engine, s, err := openEngine(ctx, cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := engine.RerunAll(ctx, payloadType, from, to); err != nil {
			return fmt.Errorf("rerun-all %s: %w", payloadType, err)
		}
		fmt.Printf("rerun-all completed for payload type %q\n", payloadType)
		return nil
	},
}

var markAllFeasibleCmd = &cobra.Command{
	Use:   "mark-all-feasible PAYLOAD_TYPE",
	Short: "Bulk clear Infeasible back to Ready/Pending for a payload type (requires an exclusive table lock)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payloadType := args[0]
		ctx := cmd.Context()
		engine, s, err := openEngine(ctx, cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := engine.MarkAllAsFeasible(ctx, payloadType); err != nil {
			return fmt.Errorf("mark-all-feasible %s: %w", payloadType, err)
		}
		fmt.Printf("mark-all-feasible completed for payload type %q\n", payloadType)
		return nil
	},
}

var recomputeCountsCmd = &cobra.Command{
	Use:   "recompute-counts",
	Short: "Rebuild the sharded counter table from the work-unit table; refuses if the delta journal is non-empty",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		engine, s, err := openEngine(ctx, cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := engine.Recompute(ctx); err != nil {
			return fmt.Errorf("recompute-counts: %w", err)
		}
		fmt.Println("counters recomputed")
		return nil
	},
}

var checkRequirementsCmd = &cobra.Command{
	Use:   "check-requirements ID",
	Short: "Recompute a Pending or Infeasible unit's num_unsatisfied_requirements and repair it if it drifted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid work unit id %q: %w", args[0], err)
		}
		ctx := cmd.Context()
		engine, s, err := openEngine(ctx, cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		n, err := engine.CheckNumUnsatisfiedRequirements(ctx, id)
		if err != nil {
			return fmt.Errorf("check-requirements %d: %w", id, err)
		}
		if n == nil {
			fmt.Printf("work unit %d: num_unsatisfied_requirements already correct\n", id)
			return nil
		}
		fmt.Printf("work unit %d: num_unsatisfied_requirements = %d\n", id, *n)
		return nil
	},
}

var countsCmd = &cobra.Command{
	Use:   "counts",
	Short: "Report aggregated (payload_type, state) counts (the original's admin-console counts view)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, _ := cmd.Flags().GetString("payload-type")
		ctx := cmd.Context()
		engine, s, err := openEngine(ctx, cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		byType, err := engine.CountsByPayloadType(ctx)
		if err != nil {
			return fmt.Errorf("counts: %w", err)
		}
		fmt.Printf("%-30s %-14s %s\n", "PAYLOAD TYPE", "STATE", "COUNT")
		for payloadType, byState := range byType {
			if filter != "" && payloadType != filter {
				continue
			}
			for state, count := range byState {
				fmt.Printf("%-30s %-14s %d\n", payloadType, state, count)
			}
		}
		return nil
	},
}

func parseOptionalTime(cmd *cobra.Command, flag string) (*time.Time, error) {
	raw, _ := cmd.Flags().GetString(flag)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s timestamp %q: %w", flag, raw, err)
	}
	return &t, nil
}
