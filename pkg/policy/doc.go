// Package policy decides where tasks may be placed, using Rego policies
// evaluated by Open Policy Agent.
//
// Every policy is a Rego module that defines a "deny" set. The engine
// evaluates all enabled policies against an offer.PlacementInput, the
// offered agent plus the tasks already on it, and denies the placement when
// any violation has error or critical severity. Warnings are reported but do
// not block.
//
// Two policies are built in:
//
//   - one-daemon-per-agent keeps two daemons off the same agent
//   - agent-maintenance refuses agents whose "maintenance" attribute is "true"
//
// # Writing Policies
//
//	package offerd.placement.racks
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.task_type == "daemon"
//	    input.attributes.rack == "r9"
//	    violation := {
//	        "message": sprintf("rack r9 is reserved, not placing %s", [input.task_name]),
//	        "severity": "error",
//	    }
//	}
//
// The input document has the fields task_name, task_type, agent_id,
// hostname, attributes and agent_tasks (a list of {name, type}).
//
// # Loading and Reloading
//
// Policies are loaded from .rego files (named after the file, description
// taken from the leading comment) or .json policy definitions:
//
//	eng, err := policy.NewEngine(logger)
//	if err := eng.LoadPolicies(ctx, []string{"/etc/offerd/policies"}); err != nil {
//	    return err
//	}
//	go eng.Watch(ctx)
//
// Watch reloads on file changes. A reload that fails to compile keeps the
// previous policy set.
//
// The engine implements offer.PlacementPolicy and is plugged into the
// evaluator with offer.WithPlacementPolicy.
package policy
