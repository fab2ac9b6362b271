package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyLocal(t *testing.T) {
	tests := []struct {
		topic string
		want  TopicKind
	}{
		{"inventory/scale/001", TopicTelemetry},
		{"inventory/scale/SCALE_001", TopicTelemetry},
		{"inventory/scale/001/status", TopicStatus},
		{"inventory/scale/", TopicOther},
		{"inventory/scale", TopicOther},
		{"inventory/scale/001/status/extra", TopicOther},
		{"inventory/scale/001/diag", TopicOther},
		{"inventory/001/commands", TopicOther},
		{"sensors/scale/001", TopicOther},
		{"", TopicOther},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyLocal(tt.topic))
		})
	}
}

func TestIsCommandTopic(t *testing.T) {
	assert.True(t, IsCommandTopic("inventory/001/commands"))
	assert.True(t, IsCommandTopic("inventory/scale/commands"))
	assert.False(t, IsCommandTopic("inventory//commands"))
	assert.False(t, IsCommandTopic("inventory/001/commands/x"))
	assert.False(t, IsCommandTopic("inventory/scale/001"))
}

func TestTopicID(t *testing.T) {
	assert.Equal(t, "001", TopicID("inventory/scale/001"))
	assert.Equal(t, "002", TopicID("inventory/scale/002/status"))
	assert.Equal(t, "003", TopicID("inventory/003/commands"))
	assert.Equal(t, "", TopicID("other/topic"))
}
