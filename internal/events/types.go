// Package events names the event types and subjects carried on the clawden bus.
package events

// Event types for agent instances
const (
	AgentStateChanged   = "agent.state_changed"
	AgentDecommissioned = "agent.decommissioned"
)

// Event types for health and recovery
const (
	HealthChecked     = "health.checked"
	RecoveryScheduled = "recovery.scheduled"
	RecoveryExhausted = "recovery.exhausted"
)

// Event types for installs
const (
	RuntimeInstalled   = "runtime.installed"
	RuntimeUninstalled = "runtime.uninstalled"
)

// Subject prefixes
const (
	HealthSubjectPrefix  = "clawden.health."
	AgentSubjectPrefix   = "clawden.agent."
	RuntimeSubjectPrefix = "clawden.runtime."
	BridgeSubjectPrefix  = "clawden.bridge."
)

// HealthWildcardSubject matches health results for every instance.
const HealthWildcardSubject = HealthSubjectPrefix + "*"

// HealthSubject is where results for one instance are published.
func HealthSubject(agentID string) string {
	return HealthSubjectPrefix + agentID
}

// AgentSubject carries lifecycle events for one instance.
func AgentSubject(agentID string) string {
	return AgentSubjectPrefix + agentID
}

// RuntimeSubject carries install events for one runtime.
func RuntimeSubject(runtime string) string {
	return RuntimeSubjectPrefix + runtime
}

// BridgeSubject addresses one operation on a bridged device.
func BridgeSubject(device, op string) string {
	return BridgeSubjectPrefix + device + "." + op
}

// BridgeEventSubject carries a device's subscription stream for topic.
func BridgeEventSubject(device, topic string) string {
	return BridgeSubjectPrefix + device + ".events." + topic
}
