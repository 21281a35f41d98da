package config

import (
	"fmt"
	"time"

	"github.com/openfroyo/offerd/pkg/telemetry"
	"github.com/openfroyo/offerd/pkg/transports/ssh"
)

// Config is the scheduler configuration.
type Config struct {
	Service     ServiceConfig     `yaml:"service" json:"service"`
	Nodes       int               `yaml:"nodes" json:"nodes" validate:"gte=1"`
	Daemon      DaemonConfig      `yaml:"daemon" json:"daemon"`
	ClusterTask ClusterTaskConfig `yaml:"cluster_task" json:"cluster_task"`
	Executor    ExecutorConfig    `yaml:"executor" json:"executor"`
	Store       StoreConfig       `yaml:"store" json:"store"`
	Placement   PlacementConfig   `yaml:"placement" json:"placement"`
	Telemetry   *telemetry.Config `yaml:"telemetry,omitempty" json:"telemetry,omitempty"`
}

// ServiceConfig identifies the framework towards the resource manager.
type ServiceConfig struct {
	Name      string `yaml:"name" json:"name" validate:"required"`
	Role      string `yaml:"role" json:"role" validate:"required,ne=*"`
	Principal string `yaml:"principal" json:"principal" validate:"required"`
}

// PortConfig is one named daemon port. Port 0 takes any offered port.
type PortConfig struct {
	Name string `yaml:"name" json:"name" validate:"required"`
	Port uint64 `yaml:"port" json:"port" validate:"lte=65535"`
}

// DaemonConfig is the resource and launch configuration of every daemon.
// Changing it changes the target id and replaces running daemons.
type DaemonConfig struct {
	CPUs       float64           `yaml:"cpus" json:"cpus" validate:"gt=0"`
	MemoryMB   float64           `yaml:"mem" json:"mem" validate:"gt=0"`
	DiskMB     float64           `yaml:"disk" json:"disk" validate:"gt=0"`
	DiskType   string            `yaml:"disk_type" json:"disk_type" validate:"oneof=root path mount"`
	VolumePath string            `yaml:"volume_path" json:"volume_path" validate:"required"`
	Ports      []PortConfig      `yaml:"ports,omitempty" json:"ports,omitempty" validate:"dive"`
	Command    string            `yaml:"command" json:"command" validate:"required"`
	Env        map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// ClusterTaskConfig configures snapshot, upload, download and restore tasks.
type ClusterTaskConfig struct {
	CPUs     float64 `yaml:"cpus" json:"cpus" validate:"gt=0"`
	MemoryMB float64 `yaml:"mem" json:"mem" validate:"gt=0"`
	// Commands maps a task kind to its command line.
	Commands map[string]string `yaml:"commands,omitempty" json:"commands,omitempty"`
}

// Command returns the command line of a cluster task kind.
func (c ClusterTaskConfig) Command(kind string) string {
	if cmd, ok := c.Commands[kind]; ok && cmd != "" {
		return cmd
	}
	return "offerd-executor " + kind
}

// ExecutorConfig configures how executors are reached and stopped.
type ExecutorConfig struct {
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" validate:"gt=0"`
	GracePeriod     time.Duration `yaml:"grace_period" json:"grace_period" validate:"gte=0"`
	SSH             *ssh.Config   `yaml:"ssh,omitempty" json:"ssh,omitempty"`
}

// Store kinds.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreEtcd   = "etcd"
)

// StoreConfig selects the state store.
type StoreConfig struct {
	Kind        string        `yaml:"kind" json:"kind" validate:"oneof=memory sqlite etcd"`
	Path        string        `yaml:"path,omitempty" json:"path,omitempty" validate:"required_if=Kind sqlite"`
	Endpoints   []string      `yaml:"endpoints,omitempty" json:"endpoints,omitempty" validate:"required_if=Kind etcd"`
	DialTimeout time.Duration `yaml:"dial_timeout,omitempty" json:"dial_timeout,omitempty"`
}

// PlacementConfig configures placement policies.
type PlacementConfig struct {
	// Policies lists .rego files or directories loaded on top of the
	// built-in policies.
	Policies []string `yaml:"policies,omitempty" json:"policies,omitempty"`
	// Watch reloads the policies when they change.
	Watch bool `yaml:"watch,omitempty" json:"watch,omitempty"`
}

// ValidationError is a configuration error with its location.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	switch {
	case e.File != "" && e.Line > 0:
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	default:
		return e.Message
	}
}

// LoadError collects the errors found while loading a configuration.
type LoadError struct {
	Source string
	Errors []ValidationError
}

func (e *LoadError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("invalid configuration %s: %s", e.Source, e.Errors[0])
	}
	return fmt.Sprintf("invalid configuration %s: %d errors, first: %s", e.Source, len(e.Errors), e.Errors[0])
}
