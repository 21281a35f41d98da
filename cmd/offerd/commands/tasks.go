package commands

import (
	"fmt"
	"sort"
	"time"

	"github.com/openfroyo/offerd/pkg/stores"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newTasksCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect the task records of the state store",
	}

	cmd.AddCommand(newTasksListCommand())
	cmd.AddCommand(newTasksRemoveCommand())

	return cmd
}

type taskReport struct {
	Name     string    `json:"name"`
	Type     string    `json:"type"`
	TaskID   string    `json:"task_id"`
	Agent    string    `json:"agent_id,omitempty"`
	Hostname string    `json:"hostname,omitempty"`
	State    string    `json:"state,omitempty"`
	Healthy  bool      `json:"healthy"`
	Updated  time.Time `json:"updated_at"`
}

func newTasksListCommand() *cobra.Command {
	var taskType string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List task records with their latest status",
		Example: `  # List every task
  offerd tasks list --config offerd.yaml

  # List the daemons only
  offerd tasks list --config offerd.yaml --type daemon`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.FetchTaskRecords(ctx)
			if err != nil {
				return err
			}
			if taskType != "" {
				records = stores.FilterRecords(records, taskType)
			}
			sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })

			reports := make([]taskReport, 0, len(records))
			for _, r := range records {
				tr := taskReport{Name: r.Name, Type: r.Type, TaskID: r.TaskID, Agent: r.AgentID, Hostname: r.Hostname, Updated: r.UpdatedAt}
				status, err := store.FetchTaskStatus(ctx, r.Name)
				switch {
				case err == nil && status.TaskID == r.TaskID:
					tr.State = string(status.State)
					tr.Healthy = status.Healthy
				case err != nil && !stores.IsNotFound(err):
					return err
				}
				reports = append(reports, tr)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, reports)
			}
			rows := make([][]string, 0, len(reports))
			for _, r := range reports {
				state := r.State
				if state == "" {
					state = "-"
				}
				rows = append(rows, []string{r.Name, r.Type, state, r.Hostname, r.TaskID})
			}
			return printTable(out, []string{"NAME", "TYPE", "STATE", "HOST", "TASK ID"}, rows)
		},
	}

	cmd.Flags().StringVar(&taskType, "type", "", "only list tasks of this type")

	return cmd
}

func newTasksRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove NAME...",
		Short: "Remove task records",
		Long: `Remove the records and statuses of the named tasks.

A removed daemon is launched again from scratch by the running scheduler,
and the reservations it held are released on a later offer cycle.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			for _, name := range args {
				if _, err := store.FetchTaskRecord(ctx, name); err != nil {
					if stores.IsNotFound(err) {
						return fmt.Errorf("task %s not found", name)
					}
					return err
				}
				if err := store.RemoveTaskRecord(ctx, name); err != nil {
					return err
				}
				log.Info().Str("task", name).Msg("Removed task record")
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", name)
			}
			return nil
		},
	}
}
