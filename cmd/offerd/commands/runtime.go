package commands

import (
	"context"
	"fmt"

	"github.com/openfroyo/offerd/pkg/config"
	"github.com/openfroyo/offerd/pkg/executor"
	"github.com/openfroyo/offerd/pkg/plan"
	"github.com/openfroyo/offerd/pkg/plan/backup"
	"github.com/openfroyo/offerd/pkg/provider"
	"github.com/openfroyo/offerd/pkg/stores"
	"github.com/openfroyo/offerd/pkg/telemetry"
	"github.com/openfroyo/offerd/pkg/transports/ssh"
	"github.com/rs/zerolog/log"
)

// loadConfig loads the file named by --config, or the defaults when the
// flag is not set.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		log.Debug().Msg("No config file given, using defaults")
		cfg := config.Default()
		if err := config.NewLoader().Validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("path", configPath).Str("target_id", cfg.TargetID()).Msg("Loaded configuration")
	return cfg, nil
}

// openStore opens the state store the configuration selects.
func openStore(ctx context.Context, cfg *config.Config) (stores.StateStore, error) {
	switch cfg.Store.Kind {
	case config.StoreMemory:
		return stores.NewMemoryStore(), nil
	case config.StoreSQLite:
		return stores.OpenSQLiteStore(ctx, stores.Config{Path: cfg.Store.Path})
	case config.StoreEtcd:
		return stores.NewEtcdStore(stores.EtcdConfig{
			Endpoints:   cfg.Store.Endpoints,
			DialTimeout: cfg.Store.DialTimeout,
			Root:        "/" + cfg.Service.Name,
		})
	default:
		return nil, fmt.Errorf("unknown store kind %q", cfg.Store.Kind)
	}
}

// cliObserver reports to the global logger only. Commands other than
// serve do not export metrics or traces.
func cliObserver() plan.Observer {
	return plan.Observer{Logger: telemetry.NewLoggerFrom(log.Logger)}
}

// managers are the plan managers of one process, in scheduling priority.
type managers struct {
	deploy  *plan.DeploymentManager
	backup  *backup.Manager
	restore *backup.Manager
}

func (m *managers) list() []plan.Manager {
	return []plan.Manager{m.deploy, m.backup, m.restore}
}

// newManagers builds the deployment, backup and restore managers. A nil
// client disables the shutdown of daemons running a stale configuration.
func newManagers(ctx context.Context, holder *config.Holder, store stores.StateStore, client plan.ExecutorClient, obs plan.Observer) (*managers, error) {
	cfg := holder.Get()
	deploy, err := plan.NewDeploymentManager(plan.DeploymentConfig{
		Nodes:           cfg.Nodes,
		Provider:        provider.NewPersistent(holder),
		Store:           store,
		Executor:        client,
		Target:          holder,
		ShutdownTimeout: cfg.Executor.ShutdownTimeout,
		Observer:        obs,
	})
	if err != nil {
		return nil, err
	}

	tasks := provider.NewClusterTask(holder, store)
	bm, err := backup.NewBackupManager(ctx, backup.Config{Store: store, Provider: tasks, Observer: obs})
	if err != nil {
		return nil, err
	}
	rm, err := backup.NewRestoreManager(ctx, backup.Config{Store: store, Provider: tasks, Observer: obs})
	if err != nil {
		return nil, err
	}
	return &managers{deploy: deploy, backup: bm, restore: rm}, nil
}

// newExecutorClient connects to executors over SSH, resolving their hosts
// through the task records. Without SSH settings it returns a nil client.
func newExecutorClient(cfg *config.Config, store stores.StateStore, tel *telemetry.Telemetry) (plan.ExecutorClient, func() error, error) {
	if cfg.Executor.SSH == nil {
		return nil, func() error { return nil }, nil
	}
	dialer := ssh.NewDialer(cfg.Executor.SSH)
	client, err := executor.NewClient(&executor.Config{
		Opener:      dialer,
		Resolver:    executor.NewStoreResolver(store),
		Logger:      tel.Logger,
		Metrics:     tel.Metrics,
		GracePeriod: cfg.Executor.GracePeriod,
	})
	if err != nil {
		_ = dialer.Close()
		return nil, nil, err
	}
	return client, dialer.Close, nil
}
