package bridge

import (
	"strings"

	metrics "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Metrics"
)

// Subscription filters used by the bridge
const (
	TelemetryFilter = "inventory/scale/+"
	StatusFilter    = "inventory/scale/+/status"
	CommandFilter   = "inventory/+/commands"
)

// TopicKind classifies an inbound topic for routing; values double as
// the kind label of the received-messages metric
type TopicKind string

const (
	TopicTelemetry TopicKind = metrics.KindTelemetry
	TopicStatus    TopicKind = metrics.KindStatus
	TopicCommand   TopicKind = metrics.KindCommand
	TopicOther     TopicKind = metrics.KindOther
)

// ClassifyLocal matches inventory/scale/{id} and inventory/scale/{id}/status.
// Anything deeper or shallower is TopicOther.
func ClassifyLocal(topic string) TopicKind {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[0] != "inventory" || parts[1] != "scale" || parts[2] == "" {
		return TopicOther
	}
	switch {
	case len(parts) == 3:
		return TopicTelemetry
	case len(parts) == 4 && parts[3] == "status":
		return TopicStatus
	default:
		return TopicOther
	}
}

// IsCommandTopic matches inventory/{id}/commands
func IsCommandTopic(topic string) bool {
	parts := strings.Split(topic, "/")
	return len(parts) == 3 && parts[0] == "inventory" && parts[1] != "" && parts[2] == "commands"
}

// TopicID returns the {id} segment of a routed topic, or ""
func TopicID(topic string) string {
	if kind := ClassifyLocal(topic); kind == TopicTelemetry || kind == TopicStatus {
		return strings.Split(topic, "/")[2]
	}
	if IsCommandTopic(topic) {
		return strings.Split(topic, "/")[1]
	}
	return ""
}
