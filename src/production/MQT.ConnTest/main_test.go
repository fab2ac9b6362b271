package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	broker "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Broker"
	logger "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Logger"
	mqtmodels "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Models"
)

// fakeLink scripts the events a broker connection would emit
type fakeLink struct {
	mu         sync.Mutex
	events     chan broker.Event
	onConnect  []broker.Event
	echo       bool
	publishErr error
	subErr     error
	published  [][]byte
}

func newFakeLink(onConnect ...broker.Event) *fakeLink {
	return &fakeLink{events: make(chan broker.Event, 64), onConnect: onConnect, echo: true}
}

func (f *fakeLink) Connect(context.Context) error {
	for _, ev := range f.onConnect {
		f.events <- ev
	}
	return nil
}

func (f *fakeLink) Subscribe(string, byte) error { return f.subErr }

func (f *fakeLink) Publish(_ context.Context, topic string, payload []byte, _ byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, payload)
	if f.echo {
		f.events <- broker.Event{Kind: broker.EventMessage, Topic: topic, Payload: payload}
	}
	return nil
}

func (f *fakeLink) Events() <-chan broker.Event { return f.events }

func newDiagnostics(l link) *diagnostics {
	return &diagnostics{
		conn:     l,
		log:      logger.Nop(),
		timeout:  200 * time.Millisecond,
		echoWait: 50 * time.Millisecond,
		interval: time.Millisecond,
		now:      time.Now,
	}
}

func TestDiagnosticsAllPass(t *testing.T) {
	l := newFakeLink(broker.Event{Kind: broker.EventConnect})

	res := newDiagnostics(l).run(context.Background(), 2)

	assert.True(t, res.passed())
	assert.Empty(t, res.Errors)
	assert.Equal(t, 2, res.Simulated)
	require.Len(t, l.published, 3)

	reading, err := mqtmodels.ParseReading(sampleTopic, l.published[0])
	require.NoError(t, err)
	assert.Equal(t, "SCALE_001", reading.ScaleID)
	assert.Equal(t, mqtmodels.ReadingStatusActive, reading.Status)

	var buf bytes.Buffer
	res.print(&buf)
	assert.Contains(t, buf.String(), "Connection: PASS")
	assert.Contains(t, buf.String(), "ALL TESTS PASSED")
}

func TestDiagnosticsConnectFailure(t *testing.T) {
	l := newFakeLink(
		broker.Event{Kind: broker.EventError, Err: errors.New("connection refused")},
		broker.Event{Kind: broker.EventDisconnect},
	)

	res := newDiagnostics(l).run(context.Background(), 3)

	assert.False(t, res.passed())
	assert.False(t, res.Connection)
	assert.Empty(t, l.published)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "connection refused")
}

func TestDiagnosticsConnectTimeout(t *testing.T) {
	res := newDiagnostics(newFakeLink()).run(context.Background(), 0)

	assert.False(t, res.Connection)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "timeout")
}

func TestDiagnosticsNoEchoStillPasses(t *testing.T) {
	l := newFakeLink(broker.Event{Kind: broker.EventConnect})
	l.echo = false

	res := newDiagnostics(l).run(context.Background(), 0)
	assert.True(t, res.passed())
}

func TestDiagnosticsPublishFailure(t *testing.T) {
	l := newFakeLink(broker.Event{Kind: broker.EventConnect})
	l.publishErr = errors.New("not authorized")

	res := newDiagnostics(l).run(context.Background(), 0)

	assert.True(t, res.Connection)
	assert.False(t, res.Publish)
	assert.True(t, res.Subscribe)
	assert.False(t, res.passed())

	var buf bytes.Buffer
	res.print(&buf)
	assert.Contains(t, buf.String(), "Publish:    FAIL")
	assert.Contains(t, buf.String(), "not authorized")
}

func TestSamplePayloadShape(t *testing.T) {
	d := newDiagnostics(newFakeLink())
	d.now = func() time.Time { return time.UnixMilli(1700000000000) }

	var fields map[string]any
	require.NoError(t, json.Unmarshal(d.sample(1), &fields))
	assert.Equal(t, float64(1700000000000), fields["timestamp"])
	assert.Equal(t, 3.0, fields["weight_kg"])
	assert.Equal(t, float64(6), fields["item_count"])
	assert.NotContains(t, fields, "id")
}
