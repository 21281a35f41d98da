package commands

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/openfroyo/offerd/pkg/config"
	"github.com/openfroyo/offerd/pkg/engine"
	"github.com/openfroyo/offerd/pkg/offer"
	"github.com/openfroyo/offerd/pkg/plan"
	"github.com/openfroyo/offerd/pkg/policy"
	"github.com/openfroyo/offerd/pkg/scheduler"
	"github.com/openfroyo/offerd/pkg/telemetry"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type serveOptions struct {
	refuse      time.Duration
	noMetrics   bool
	stopTimeout time.Duration
}

func newServeCommand() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler against a resource manager",
		Long: `Run the scheduler. The resource manager protocol is spoken as JSON lines
on stdin and stdout; logs go to stderr.

The scheduler:
  - Deploys the configured number of daemons and keeps them running
  - Replaces daemons whose configuration changed, one node at a time
  - Runs backups and restores started with the backup and restore commands
  - Releases reservations no task references anymore`,
		Example: `  # Serve with a configuration file
  offerd serve --config offerd.yaml

  # Ask the resource manager to hold declined offers back for a minute
  offerd serve --config offerd.cue --refuse 1m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), os.Stdin, os.Stdout, opts)
		},
	}

	cmd.Flags().DurationVar(&opts.refuse, "refuse", 5*time.Second, "how long declined offers are held back")
	cmd.Flags().BoolVar(&opts.noMetrics, "no-metrics", false, "do not start the metrics endpoint")
	cmd.Flags().DurationVar(&opts.stopTimeout, "stop-timeout", 10*time.Second, "time given to telemetry to flush on exit")

	return cmd
}

func runServe(ctx context.Context, in io.Reader, out io.Writer, opts serveOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	telCfg := cfg.Telemetry
	if telCfg == nil {
		telCfg = telemetry.DefaultConfig()
	}
	if telCfg.Logging.Output == "stdout" {
		log.Warn().Msg("stdout carries the resource manager protocol, logging to stderr")
		telCfg.Logging.Output = "stderr"
	}
	tel, err := telemetry.NewTelemetry(telCfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.stopTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}()
	logger := tel.Logger.NewComponentLogger("serve")
	tel.Events.Subscribe(telemetry.LogEvents(tel.Logger.NewComponentLogger("events")), telemetry.FilterByLevel(telemetry.EventLevelWarning))
	obs := plan.Observer{Logger: tel.Logger, Metrics: tel.Metrics, Events: tel.Events, Tracer: tel.Tracer}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	policies, err := policy.NewEngine(tel.Logger.Zerolog())
	if err != nil {
		return err
	}
	if len(cfg.Placement.Policies) > 0 {
		if err := policies.LoadPolicies(ctx, cfg.Placement.Policies); err != nil {
			return err
		}
	}

	client, closeClient, err := newExecutorClient(cfg, store, tel)
	if err != nil {
		return err
	}
	defer closeClient()

	holder := config.NewHolder(cfg)
	mgrs, err := newManagers(ctx, holder, store, client, obs)
	if err != nil {
		return err
	}

	bridge := engine.NewBridge(in, out, &engine.BridgeConfig{Logger: tel.Logger, RefuseDuration: opts.refuse})
	sched, err := scheduler.New(&scheduler.Config{
		Managers: mgrs.list(),
		Evaluator: offer.NewEvaluator(
			offer.WithPlacementPolicy(policies, scheduler.NewAgentTasks(store)),
			offer.WithLogger(tel.Logger),
			offer.WithMetrics(tel.Metrics),
		),
		Store:    store,
		Driver:   bridge,
		Role:     cfg.Service.Role,
		Observer: obs,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(tel.WithContext(ctx))
	defer cancel()
	var wg sync.WaitGroup

	if configPath != "" {
		nodes := cfg.Nodes
		watcher := config.NewWatcher(configPath, holder, tel.Logger.Zerolog(), func(next *config.Config, targetChanged bool) {
			if next.Nodes != nodes {
				logger.Warnf("node count changed from %d to %d, restart to apply", nodes, next.Nodes)
			}
			if targetChanged {
				mgrs.deploy.Retarget()
			}
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := watcher.Run(ctx); err != nil {
				logger.WithError(err).Error("config watcher stopped")
			}
		}()
	}
	if cfg.Placement.Watch {
		if err := policies.Watch(ctx); err != nil {
			logger.WithError(err).Warn("policies will not be reloaded")
		}
	}
	if !opts.noMetrics && telCfg.Metrics.Enabled {
		tel.StartMetricsServer()
	}

	logger.WithFields(map[string]interface{}{
		"nodes":     cfg.Nodes,
		"target_id": holder.TargetID(),
		"store":     cfg.Store.Kind,
	}).Info("scheduler started")

	err = bridge.Run(ctx, sched)
	cancel()
	wg.Wait()
	logger.Info("scheduler stopped")
	return err
}
