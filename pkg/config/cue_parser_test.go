package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

const yamlConfig = `
service:
  name: cassandra
  role: cassandra-role
  principal: cassandra-principal
nodes: 5
daemon:
  cpus: 2
  mem: 8192
  disk: 20480
  disk_type: mount
  ports:
    - name: native_transport
      port: 9042
  command: offerd-executor daemon
executor:
  shutdown_timeout: 45s
store:
  kind: etcd
  endpoints: ["http://10.0.0.5:2379"]
`

const cueConfig = `
service: {
	name:      "cassandra"
	role:      "cassandra-role"
	principal: "cassandra-principal"
}
nodes: 5
daemon: {
	cpus:      2
	mem:       8192
	disk:      20480
	disk_type: "mount"
	ports: [{name: "native_transport", port: 9042}]
	command: "offerd-executor daemon"
}
executor: shutdown_timeout: "45s"
store: {
	kind: "etcd"
	endpoints: ["http://10.0.0.5:2379"]
}
`

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{name: "yaml", file: "offerd.yaml", content: yamlConfig},
		{name: "cue", file: "offerd.cue", content: cueConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeFile(t, tt.file, tt.content))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}

			want := Default()
			want.Service = ServiceConfig{Name: "cassandra", Role: "cassandra-role", Principal: "cassandra-principal"}
			want.Nodes = 5
			want.Daemon.CPUs = 2
			want.Daemon.MemoryMB = 8192
			want.Daemon.DiskMB = 20480
			want.Daemon.DiskType = "mount"
			want.Daemon.Ports = []PortConfig{{Name: "native_transport", Port: 9042}}
			want.Executor.ShutdownTimeout = 45 * time.Second
			want.Store = StoreConfig{Kind: StoreEtcd, Path: "offerd.db", Endpoints: []string{"http://10.0.0.5:2379"}}

			if diff := cmp.Diff(want, cfg); diff != "" {
				t.Errorf("config mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadSameTargetAcrossFormats(t *testing.T) {
	fromYAML, err := Load(writeFile(t, "offerd.yml", yamlConfig))
	if err != nil {
		t.Fatalf("Load yaml: %v", err)
	}
	fromCUE, err := Load(writeFile(t, "offerd.cue", cueConfig))
	if err != nil {
		t.Fatalf("Load cue: %v", err)
	}
	if fromYAML.TargetID() != fromCUE.TargetID() {
		t.Error("equal daemon configurations must share a target id")
	}
}

func TestLoadEmptyUsesDefaults(t *testing.T) {
	cfg, err := Load(writeFile(t, "empty.yaml", ""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		errMsg  string
	}{
		{
			name:    "unknown field",
			file:    "offerd.yaml",
			content: "nodez: 3\n",
			errMsg:  "nodez",
		},
		{
			name:    "wildcard role",
			file:    "offerd.yaml",
			content: "service:\n  role: \"*\"\n",
			errMsg:  "role",
		},
		{
			name:    "bad disk type",
			file:    "offerd.cue",
			content: `daemon: disk_type: "ssd"`,
			errMsg:  "disk_type",
		},
		{
			name:    "zero nodes",
			file:    "offerd.cue",
			content: `nodes: 0`,
			errMsg:  "nodes",
		},
		{
			name:    "cue syntax",
			file:    "offerd.cue",
			content: `nodes: {`,
			errMsg:  "offerd.cue",
		},
		{
			name:    "sqlite without path",
			file:    "offerd.yaml",
			content: "store:\n  kind: sqlite\n  path: \"\"\n",
			errMsg:  "Path",
		},
		{
			name:    "bad duration",
			file:    "offerd.yaml",
			content: "executor:\n  shutdown_timeout: soon\n",
			errMsg:  "shutdown_timeout",
		},
		{
			name:    "unknown cluster task",
			file:    "offerd.cue",
			content: `cluster_task: commands: repair: "nodetool repair"`,
			errMsg:  "repair",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			var lerr *LoadError
			if !errors.As(err, &lerr) {
				t.Fatalf("expected *LoadError, got %T: %v", err, err)
			}
			if !strings.Contains(err.Error()+pathsOf(lerr), tt.errMsg) {
				t.Errorf("error %q (paths %s) does not mention %q", err, pathsOf(lerr), tt.errMsg)
			}
		})
	}
}

func pathsOf(lerr *LoadError) string {
	var paths []string
	for _, e := range lerr.Errors {
		paths = append(paths, e.Path)
	}
	return strings.Join(paths, ",")
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error")
	}
}

func TestClusterTaskCommand(t *testing.T) {
	c := ClusterTaskConfig{Commands: map[string]string{"snapshot": "nodetool snapshot"}}
	if got := c.Command("snapshot"); got != "nodetool snapshot" {
		t.Errorf("Command(snapshot) = %q", got)
	}
	if got := c.Command("upload"); got != "offerd-executor upload" {
		t.Errorf("Command(upload) = %q", got)
	}
}
