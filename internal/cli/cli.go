package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/olereon/imaginarium-sub002/internal/log"
	internal_storage "github.com/olereon/imaginarium-sub002/internal/storage"
	"github.com/olereon/imaginarium-sub002/pkg/models"
	"github.com/olereon/imaginarium-sub002/pkg/service"
)

// SetupCLI attaches the operator commands. They talk straight to the store:
// a submitted run sits QUEUED until the serve process dispatches it.
func SetupCLI(rootCmd *cobra.Command) {
	submitCmd := &cobra.Command{
		Use:   "submit [definition.json]",
		Short: "Submit a pipeline definition as a new run",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc, store := initService(cmd)
			defer store.Close()

			data, err := os.ReadFile(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: reading definition: %v\n", err)
				os.Exit(1)
			}
			var def models.PipelineDefinition
			if err := json.Unmarshal(data, &def); err != nil {
				fmt.Fprintf(os.Stderr, "Error: parsing definition: %v\n", err)
				os.Exit(1)
			}
			priority, _ := cmd.Flags().GetInt("priority")
			userID, _ := cmd.Flags().GetString("user")

			run, err := svc.SubmitRun(def, userID, priority)
			if err != nil {
				log.GetLogger().Errorf("Failed to submit run: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to submit run: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Submitted run %s (%d tasks, priority %d)\n", run.ID, run.TotalTasks, run.Priority)
		},
	}
	submitCmd.Flags().Int("priority", 0, "Run priority (higher dispatched first)")
	submitCmd.Flags().String("user", "", "Submitting user id")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all runs",
		Run: func(cmd *cobra.Command, args []string) {
			svc, store := initService(cmd)
			defer store.Close()
			runs, err := svc.ListRuns()
			if err != nil {
				log.GetLogger().Errorf("Failed to list runs: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to list runs: %v\n", err)
				os.Exit(1)
			}
			if len(runs) == 0 {
				fmt.Fprintln(os.Stdout, "No runs found.")
				return
			}
			for _, r := range runs {
				fmt.Fprintf(os.Stdout, "- %s pipeline=%s status=%s priority=%d progress=%.0f%% queued=%s\n",
					r.ID, r.PipelineID, r.Status, r.Priority, r.Progress*100, r.QueuedAt.Format(time.RFC3339))
			}
		},
	}

	getCmd := &cobra.Command{
		Use:   "get [run-id]",
		Short: "Show a run with its task executions",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc, store := initService(cmd)
			defer store.Close()
			run, err := svc.GetRun(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Run %s status=%s progress=%.0f%% completed=%d/%d retries=%d cost=%.4f tokens=%d\n",
				run.ID, run.Status, run.Progress*100, run.CompletedTasks, run.TotalTasks, run.RetryCount, run.CostTotal, run.TokensUsed)
			tasks, err := svc.ListTasks(run.ID)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			for _, t := range tasks {
				fmt.Fprintf(os.Stdout, "  [%d] node=%s type=%s status=%s attempts=%d", t.ExecutionOrder, t.NodeID, t.NodeType, t.Status, t.Attempts)
				if t.ErrorMsg != "" {
					fmt.Fprintf(os.Stdout, " error=%q", t.ErrorMsg)
				}
				fmt.Fprintln(os.Stdout)
			}
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel [run-id]",
		Short: "Request cooperative cancellation of a run",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc, store := initService(cmd)
			defer store.Close()
			if err := svc.CancelRun(args[0]); err != nil {
				log.GetLogger().Errorf("Failed to cancel run: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to cancel run: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Cancellation requested for run %s\n", args[0])
		},
	}

	rootCmd.AddCommand(submitCmd, listCmd, getCmd, cancelCmd)
}

func initService(cmd *cobra.Command) (*service.RunService, *internal_storage.PostgresStore) {
	dbConnStr, err := cmd.Flags().GetString("db")
	if err != nil || dbConnStr == "" {
		log.GetLogger().Errorf("Error retrieving db flag: %v", err)
		fmt.Fprintln(os.Stderr, "Error: --db connection string required")
		os.Exit(1)
	}
	store, err := internal_storage.InitStore(dbConnStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	registry := service.NewRegistry()
	service.RegisterBuiltins(registry)
	svc := service.NewRunService(store, registry, service.NewBroker(), log.GetLogger())
	return svc, store
}
