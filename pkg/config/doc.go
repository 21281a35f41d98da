// Package config loads and validates the scheduler configuration.
//
// # Overview
//
// A configuration is a YAML, JSON or CUE file. Whatever the format, the
// content is checked against the built-in CUE schema (#config), laid over
// Default and finally validated with go-playground validator tags. Errors
// carry their file position when CUE reports one:
//
//	cfg, err := config.Load("/etc/offerd/offerd.cue")
//	if err != nil {
//	    var lerr *config.LoadError
//	    if errors.As(err, &lerr) {
//	        for _, e := range lerr.Errors {
//	            fmt.Println(e)
//	        }
//	    }
//	}
//
// # Example
//
//	service: {
//	    name:      "cassandra"
//	    role:      "cassandra-role"
//	    principal: "cassandra-principal"
//	}
//	nodes: 3
//	daemon: {
//	    cpus:      2
//	    mem:       8192
//	    disk:      20480
//	    disk_type: "mount"
//	    command:   "offerd-executor daemon"
//	}
//	executor: shutdown_timeout: "45s"
//	store: {
//	    kind:      "etcd"
//	    endpoints: ["http://10.0.0.5:2379"]
//	}
//
// # Target Configuration
//
// Config.TargetID is a name-based uuid of the daemon section. Daemons
// record the id they were launched with; one whose id differs from the
// current target is replaced. A Holder publishes the current configuration
// and its target id, and a Watcher reloads the file into the Holder when it
// changes.
package config
