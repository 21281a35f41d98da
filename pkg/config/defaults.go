package config

import (
	"time"

	"github.com/openfroyo/offerd/pkg/telemetry"
	"github.com/openfroyo/offerd/pkg/transports/ssh"
)

// Default returns the configuration used for every field a file leaves out.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "offerd",
			Role:      "offerd-role",
			Principal: "offerd-principal",
		},
		Nodes: 3,
		Daemon: DaemonConfig{
			CPUs:       1,
			MemoryMB:   4096,
			DiskMB:     10240,
			DiskType:   "root",
			VolumePath: "volume",
			Ports: []PortConfig{
				{Name: "native_transport", Port: 9042},
				{Name: "storage", Port: 7000},
			},
			Command: "offerd-executor daemon",
		},
		ClusterTask: ClusterTaskConfig{
			CPUs:     0.5,
			MemoryMB: 512,
		},
		Executor: ExecutorConfig{
			ShutdownTimeout: 30 * time.Second,
			GracePeriod:     10 * time.Second,
			SSH:             ssh.DefaultConfig("", "offerd"),
		},
		Store: StoreConfig{
			Kind: StoreSQLite,
			Path: "offerd.db",
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}
