package policy

import (
	"time"
)

// Built-in policy names.
const (
	PolicyOneDaemonPerAgent = "one-daemon-per-agent"
	PolicyAgentMaintenance  = "agent-maintenance"
)

// MaintenanceAttribute is the agent attribute that, when "true", keeps new
// tasks off the agent.
const MaintenanceAttribute = "maintenance"

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		oneDaemonPerAgentPolicy(),
		agentMaintenancePolicy(),
	}
}

// oneDaemonPerAgentPolicy keeps two daemons of the cluster off the same agent.
func oneDaemonPerAgentPolicy() Policy {
	return Policy{
		Name:        PolicyOneDaemonPerAgent,
		Description: "At most one daemon task per agent",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"placement", "daemon"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package offerd.placement.colocation

import rego.v1

deny contains violation if {
	input.task_type == "daemon"
	some task in input.agent_tasks
	task.type == "daemon"
	task.name != input.task_name
	violation := {
		"message": sprintf("agent %s already runs daemon %s", [input.agent_id, task.name]),
		"severity": "error",
	}
}
`,
	}
}

// agentMaintenancePolicy refuses agents marked for maintenance.
func agentMaintenancePolicy() Policy {
	return Policy{
		Name:        PolicyAgentMaintenance,
		Description: "No new tasks on agents under maintenance",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"placement", "operations"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package offerd.placement.maintenance

import rego.v1

deny contains violation if {
	input.attributes.maintenance == "true"
	violation := {
		"message": sprintf("agent %s (%s) is under maintenance", [input.agent_id, input.hostname]),
		"severity": "error",
	}
}
`,
	}
}
