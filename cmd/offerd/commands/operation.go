package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/openfroyo/offerd/pkg/config"
	"github.com/openfroyo/offerd/pkg/plan/backup"
	"github.com/openfroyo/offerd/pkg/stores"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// operationKind selects the backup or the restore manager.
type operationKind struct {
	name string
	verb string
}

var (
	operationBackup  = operationKind{name: backup.BackupPlan, verb: "Back up"}
	operationRestore = operationKind{name: backup.RestorePlan, verb: "Restore"}
)

func (k operationKind) manager(ctx context.Context, store stores.StateStore, cfg *config.Config) (*backup.Manager, error) {
	mgrs, err := newManagers(ctx, config.NewHolder(cfg), store, nil, cliObserver())
	if err != nil {
		return nil, err
	}
	if k.name == backup.RestorePlan {
		return mgrs.restore, nil
	}
	return mgrs.backup, nil
}

// withManager opens the configured store and hands fn the manager of k.
// A running scheduler sharing the store picks up changes on its next cycle.
func (k operationKind) withManager(ctx context.Context, fn func(*backup.Manager) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Store.Kind == config.StoreMemory {
		return fmt.Errorf("%s needs a persistent store, the memory store is private to serve", k.name)
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	m, err := k.manager(ctx, store, cfg)
	if err != nil {
		return err
	}
	return fn(m)
}

func newOperationCommand(k operationKind) *cobra.Command {
	cmd := &cobra.Command{
		Use:   k.name,
		Short: fmt.Sprintf("%s the data of every daemon", k.verb),
		Long: fmt.Sprintf(`Start, stop or inspect a cluster-wide %s.

The operation is recorded in the state store and carried out by the
running scheduler, one phase after the other, with one task per daemon.`, k.name),
	}

	cmd.AddCommand(newOperationStartCommand(k))
	cmd.AddCommand(newOperationStopCommand(k))
	cmd.AddCommand(newOperationStatusCommand(k))

	return cmd
}

func newOperationStartCommand(k operationKind) *cobra.Command {
	var (
		c        backup.Context
		fromFile string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: fmt.Sprintf("Start a %s", k.name),
		Example: fmt.Sprintf(`  # Start with S3 credentials
  offerd %[1]s start --config offerd.yaml --name nightly \
    --external-location s3://bucket/cluster --local-location /var/lib/data/backup \
    --s3-access-key AKIA... --s3-secret-key ...

  # Start from a context file
  offerd %[1]s start --config offerd.yaml --from context.yaml`, k.name),
		RunE: func(cmd *cobra.Command, args []string) error {
			if fromFile != "" {
				data, err := os.ReadFile(fromFile)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", fromFile, err)
				}
				if err := yaml.Unmarshal(data, &c); err != nil {
					return fmt.Errorf("failed to parse %s: %w", fromFile, err)
				}
			}

			return k.withManager(cmd.Context(), func(m *backup.Manager) error {
				if running, ok := m.Context(); ok {
					return fmt.Errorf("%s %q is already in progress, stop it first", k.name, running.Name)
				}
				if err := m.Start(cmd.Context(), c); err != nil {
					return err
				}
				log.Info().Str("name", c.Name).Int("phases", len(m.Phases())).Msgf("Started %s", k.name)
				return printOperation(cmd, k, m)
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&fromFile, "from", "", "YAML file with the operation context")
	f.StringVar(&c.Name, "name", "", "name of the backup")
	f.StringVar(&c.ExternalLocation, "external-location", "", "remote location, e.g. s3://bucket/path")
	f.StringVar(&c.LocalLocation, "local-location", "", "location on the agents")
	f.StringVar(&c.S3AccessKey, "s3-access-key", "", "S3 access key")
	f.StringVar(&c.S3SecretKey, "s3-secret-key", "", "S3 secret key")
	f.StringVar(&c.AzureAccount, "azure-account", "", "Azure storage account")
	f.StringVar(&c.AzureKey, "azure-key", "", "Azure storage key")
	f.BoolVar(&c.UsesEmc, "uses-emc", false, "the S3 endpoint is EMC Atmos")

	return cmd
}

func newOperationStopCommand(k operationKind) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: fmt.Sprintf("Stop the running %s", k.name),
		RunE: func(cmd *cobra.Command, args []string) error {
			return k.withManager(cmd.Context(), func(m *backup.Manager) error {
				if err := m.Stop(cmd.Context()); err != nil {
					return err
				}
				log.Info().Msgf("Stopped %s", k.name)
				fmt.Fprintf(cmd.OutOrStdout(), "%s stopped\n", k.name)
				return nil
			})
		},
	}
}

func newOperationStatusCommand(k operationKind) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: fmt.Sprintf("Show the progress of the %s", k.name),
		RunE: func(cmd *cobra.Command, args []string) error {
			return k.withManager(cmd.Context(), func(m *backup.Manager) error {
				return printOperation(cmd, k, m)
			})
		},
	}
}

type blockReport struct {
	Phase  string `json:"phase"`
	Block  string `json:"block"`
	Status string `json:"status"`
}

type operationReport struct {
	Operation string        `json:"operation"`
	Name      string        `json:"name,omitempty"`
	Status    string        `json:"status"`
	Blocks    []blockReport `json:"blocks,omitempty"`
}

func printOperation(cmd *cobra.Command, k operationKind, m *backup.Manager) error {
	report := operationReport{Operation: k.name, Status: "NOT_RUNNING"}
	if c, ok := m.Context(); ok {
		report.Name = c.Name
	}
	if p := m.Plan(); p != nil {
		report.Status = string(p.Status())
		for _, phase := range p.Phases() {
			for _, b := range phase.Blocks() {
				report.Blocks = append(report.Blocks, blockReport{Phase: phase.Name(), Block: b.Name(), Status: string(b.Status())})
			}
		}
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, report)
	}
	if report.Name != "" {
		fmt.Fprintf(out, "%s %s: %s\n", k.name, report.Name, report.Status)
	} else {
		fmt.Fprintf(out, "%s: %s\n", k.name, report.Status)
	}
	if len(report.Blocks) == 0 {
		return nil
	}
	rows := make([][]string, 0, len(report.Blocks))
	for _, b := range report.Blocks {
		rows = append(rows, []string{b.Phase, b.Block, b.Status})
	}
	return printTable(out, []string{"PHASE", "BLOCK", "STATUS"}, rows)
}
