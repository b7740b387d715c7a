package v1

import "strings"

// AgentID identifies which agent definition a task runs under. It is
// always stored normalized to lower case.
type AgentID string

// Built-in agent ids referenced directly by the engine's own control
// flow (plan auto-handoff routing, completion-tool selection).
const (
	AgentIDOrchestrator AgentID = "orchestrator"
	AgentIDExec         AgentID = "exec"
	AgentIDPlan         AgentID = "plan"
	AgentIDCompact      AgentID = "compact"
)

// NormalizeAgentID lower-cases and trims an agent id/type string. The
// engine treats `agentId` and the legacy `agentType` field as aliases
// of the same normalized value.
func NormalizeAgentID(raw string) AgentID {
	return AgentID(strings.ToLower(strings.TrimSpace(raw)))
}

// KnownAgentIDs is the declared set an incoming `agentId` must belong
// to, plus the always-available control ids ("compact", "plan",
// "exec", "orchestrator").
func KnownAgentIDs() map[AgentID]bool {
	return map[AgentID]bool{
		AgentIDOrchestrator: true,
		AgentIDExec:         true,
		AgentIDPlan:         true,
		AgentIDCompact:      true,
	}
}

// PlanRouting is the target of a plan auto-handoff decision.
type PlanRouting string

const (
	PlanRoutingExec         PlanRouting = "exec"
	PlanRoutingOrchestrator PlanRouting = "orchestrator"
	PlanRoutingAuto         PlanRouting = "auto"
)
