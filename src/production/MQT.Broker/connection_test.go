package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	config "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Config"
	logger "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Logger"
	metrics "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Metrics"
	mqtmodels "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Models"
)

// fakeToken satisfies mqtt.Token
type fakeToken struct {
	done chan struct{}
	err  error
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type publishCall struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeBroker hands out fakeClients and scripts their connect outcomes
type fakeBroker struct {
	mu sync.Mutex

	connectResults []error // consumed per attempt; exhausted means success
	hangConnect    bool
	subscribeErr   error
	publishErr     error

	clients    []*fakeClient
	attempts   []int // ReconnectAttempts seen at each dial
	published  []publishCall
	subscribed []string
	pending    []*fakeToken
	conn       *Connection
}

func (b *fakeBroker) factory(opts *mqtt.ClientOptions) mqtt.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	cl := &fakeClient{broker: b, opts: opts, handlers: make(map[string]mqtt.MessageHandler)}
	b.clients = append(b.clients, cl)
	if b.conn != nil {
		b.attempts = append(b.attempts, b.conn.Status().ReconnectAttempts)
	}
	return cl
}

func (b *fakeBroker) lastClient() *fakeClient {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.clients) == 0 {
		return nil
	}
	return b.clients[len(b.clients)-1]
}

func (b *fakeBroker) clientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *fakeBroker) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.pending {
		close(t.done)
	}
	b.pending = nil
}

type fakeClient struct {
	broker   *fakeBroker
	opts     *mqtt.ClientOptions
	mu       sync.Mutex
	handlers map[string]mqtt.MessageHandler
	closed   bool
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *fakeClient) Connect() mqtt.Token {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hangConnect {
		t := &fakeToken{done: make(chan struct{})}
		b.pending = append(b.pending, t)
		return t
	}
	if len(b.connectResults) > 0 {
		err := b.connectResults[0]
		b.connectResults = b.connectResults[1:]
		return doneToken(err)
	}
	return doneToken(nil)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, publishCall{topic: topic, qos: qos, payload: payload.([]byte)})
	return doneToken(b.publishErr)
}

func (c *fakeClient) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	b := c.broker
	b.mu.Lock()
	err := b.subscribeErr
	b.subscribed = append(b.subscribed, topic)
	b.mu.Unlock()

	if err == nil {
		c.mu.Lock()
		c.handlers[topic] = cb
		c.mu.Unlock()
	}
	return doneToken(err)
}

func (c *fakeClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return doneToken(nil)
}
func (c *fakeClient) Unsubscribe(...string) mqtt.Token        { return doneToken(nil) }
func (c *fakeClient) AddRoute(string, mqtt.MessageHandler)    {}
func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

func (c *fakeClient) deliver(filter, topic string, payload []byte) {
	c.mu.Lock()
	cb := c.handlers[filter]
	c.mu.Unlock()
	cb(c, fakeMessage{topic: topic, payload: payload})
}

func (c *fakeClient) lose(err error) {
	c.opts.OnConnectionLost(c, err)
}

func testMQTTConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Name:            "local",
		BrokerHost:      "localhost",
		BrokerPort:      1883,
		ClientID:        "edge-gateway-test",
		ConnectTimeout:  time.Second,
		ReconnectPeriod: 10 * time.Millisecond,
		KeepAlive:       time.Second,
		PingTimeout:     time.Second,
		PublishTimeout:  time.Second,
	}
}

func newTestConnection(t *testing.T, cfg config.MQTTConfig, b *fakeBroker, opts ...Option) *Connection {
	t.Helper()
	opts = append([]Option{WithClientFactory(b.factory)}, opts...)
	c := NewConnection(cfg, logger.Nop(), opts...)
	b.mu.Lock()
	b.conn = c
	b.mu.Unlock()
	t.Cleanup(func() {
		c.Close()
		b.release()
	})
	return c
}

// waitEvent reads events until one of kind arrives
func waitEvent(t *testing.T, c *Connection, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
			return Event{}
		}
	}
}

func TestConnectionConnects(t *testing.T) {
	b := &fakeBroker{}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	c := newTestConnection(t, testMQTTConfig(), b, WithMetrics(m))

	assert.Equal(t, mqtmodels.StateDisconnected, c.Status().State)
	require.NoError(t, c.Connect(context.Background()))

	ev := waitEvent(t, c, EventConnect)
	assert.Equal(t, "local", ev.Broker)

	st := c.Status()
	assert.True(t, st.Connected)
	assert.Equal(t, mqtmodels.StateConnected, st.State)
	assert.Equal(t, "localhost:1883", st.Broker)
	assert.Zero(t, st.ReconnectAttempts)
	require.NotNil(t, st.LastConnectedAt)
	assert.Empty(t, st.LastError)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionUp.WithLabelValues("local")))

	opts := b.lastClient().opts
	assert.False(t, opts.AutoReconnect)
	assert.Equal(t, "edge-gateway-test", opts.ClientID)
	assert.Empty(t, opts.Username, "anonymous without credentials")
}

func TestConnectionCredentialsOnlyWhenBothSet(t *testing.T) {
	cfg := testMQTTConfig()
	cfg.BrokerUser = "gateway"
	cfg.BrokerPass = "secret"

	b := &fakeBroker{}
	c := newTestConnection(t, cfg, b)
	require.NoError(t, c.Connect(context.Background()))
	waitEvent(t, c, EventConnect)

	opts := b.lastClient().opts
	assert.Equal(t, "gateway", opts.Username)
	assert.Equal(t, "secret", opts.Password)
}

func TestConnectionSubscribeAndMessages(t *testing.T) {
	b := &fakeBroker{}
	c := newTestConnection(t, testMQTTConfig(), b)

	// registered before connect, applied on connect
	require.NoError(t, c.Subscribe("inventory/scale/+", 1))
	require.NoError(t, c.Connect(context.Background()))
	waitEvent(t, c, EventConnect)

	require.NoError(t, c.Subscribe("inventory/scale/+/status", 1))
	require.NoError(t, c.Subscribe("inventory/scale/+/status", 1))

	b.mu.Lock()
	subscribed := append([]string(nil), b.subscribed...)
	b.mu.Unlock()
	assert.Equal(t, []string{"inventory/scale/+", "inventory/scale/+/status"}, subscribed)

	payload := []byte(`{"scale_id":"SCALE_001"}`)
	b.lastClient().deliver("inventory/scale/+", "inventory/scale/001", payload)
	b.lastClient().deliver("inventory/scale/+", "inventory/scale/002", []byte(`{}`))

	first := waitEvent(t, c, EventMessage)
	assert.Equal(t, "inventory/scale/001", first.Topic)
	assert.Equal(t, payload, first.Payload)
	second := waitEvent(t, c, EventMessage)
	assert.Equal(t, "inventory/scale/002", second.Topic, "arrival order is kept")
}

func TestConnectionSubscribeRejected(t *testing.T) {
	b := &fakeBroker{}
	c := newTestConnection(t, testMQTTConfig(), b)
	require.NoError(t, c.Connect(context.Background()))
	waitEvent(t, c, EventConnect)

	b.mu.Lock()
	b.subscribeErr = errors.New("not authorized")
	b.mu.Unlock()

	err := c.Subscribe("inventory/#", 1)
	var serr *mqtmodels.SubscriptionError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "inventory/#", serr.Filter)

	ev := waitEvent(t, c, EventError)
	assert.ErrorAs(t, ev.Err, &serr)

	st := c.Status()
	assert.True(t, st.Connected, "subscription errors leave the connection up")
	assert.Contains(t, st.LastError, "not authorized")
}

func TestConnectionPublish(t *testing.T) {
	b := &fakeBroker{}
	c := newTestConnection(t, testMQTTConfig(), b)
	ctx := context.Background()

	err := c.Publish(ctx, "inventory/scale/001", []byte("x"), 1)
	var perr *mqtmodels.PublishError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, mqtmodels.ErrNotConnected)

	require.NoError(t, c.Connect(ctx))
	waitEvent(t, c, EventConnect)

	require.NoError(t, c.Publish(ctx, "inventory/scale/001", []byte("hello"), 1))
	b.mu.Lock()
	require.Len(t, b.published, 1)
	assert.Equal(t, publishCall{topic: "inventory/scale/001", qos: 1, payload: []byte("hello")}, b.published[0])
	b.publishErr = errors.New("broker went away")
	b.mu.Unlock()

	err = c.Publish(ctx, "inventory/scale/001", []byte("again"), 1)
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "inventory/scale/001", perr.Topic)
}

func TestConnectionReconnectsAfterFailures(t *testing.T) {
	b := &fakeBroker{connectResults: []error{errors.New("refused"), errors.New("refused")}}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	c := newTestConnection(t, testMQTTConfig(), b, WithMetrics(m))

	require.NoError(t, c.Connect(context.Background()))

	ev := waitEvent(t, c, EventError)
	var cerr *mqtmodels.ConnectError
	require.ErrorAs(t, ev.Err, &cerr)
	assert.Equal(t, "localhost:1883", cerr.Broker)

	waitEvent(t, c, EventConnect)

	b.mu.Lock()
	attempts := append([]int(nil), b.attempts...)
	b.mu.Unlock()
	assert.Equal(t, []int{0, 1, 2}, attempts, "every reconnect increments the counter")

	st := c.Status()
	assert.True(t, st.Connected)
	assert.Zero(t, st.ReconnectAttempts)
	assert.Empty(t, st.LastError)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ReconnectAttempts.WithLabelValues("local")))
}

func TestConnectionSubscribeFailureRetriedOnReconnect(t *testing.T) {
	b := &fakeBroker{}
	c := newTestConnection(t, testMQTTConfig(), b)
	require.NoError(t, c.Connect(context.Background()))
	waitEvent(t, c, EventConnect)

	b.mu.Lock()
	b.subscribeErr = errors.New("connection reset by peer")
	b.mu.Unlock()

	require.Error(t, c.Subscribe("inventory/scale/+", 1))
	waitEvent(t, c, EventError)
	assert.True(t, c.Status().Connected)

	b.mu.Lock()
	b.subscribeErr = nil
	b.mu.Unlock()

	b.lastClient().lose(errors.New("keepalive timeout"))
	waitEvent(t, c, EventOffline)
	waitEvent(t, c, EventConnect)

	b.mu.Lock()
	subscribed := append([]string(nil), b.subscribed...)
	b.mu.Unlock()
	assert.Equal(t, []string{"inventory/scale/+", "inventory/scale/+"}, subscribed, "filter re-applied after reconnect")

	b.lastClient().deliver("inventory/scale/+", "inventory/scale/001", []byte(`{}`))
	ev := waitEvent(t, c, EventMessage)
	assert.Equal(t, "inventory/scale/001", ev.Topic)
}

func TestConnectionOfflineThenReconnect(t *testing.T) {
	b := &fakeBroker{}

	// wall clock steps backwards between the two connects
	var mu sync.Mutex
	clock := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}

	c := newTestConnection(t, testMQTTConfig(), b, WithClock(now))
	require.NoError(t, c.Subscribe("inventory/scale/+", 1))
	require.NoError(t, c.Connect(context.Background()))
	waitEvent(t, c, EventConnect)
	firstAt := *c.Status().LastConnectedAt

	mu.Lock()
	clock = clock.Add(-time.Hour)
	mu.Unlock()

	first := b.lastClient()
	first.lose(errors.New("keepalive timeout"))

	ev := waitEvent(t, c, EventOffline)
	assert.EqualError(t, ev.Err, "keepalive timeout")

	waitEvent(t, c, EventReconnectAttempt)
	waitEvent(t, c, EventConnect)

	st := c.Status()
	assert.True(t, st.Connected)
	assert.Zero(t, st.ReconnectAttempts)
	assert.False(t, st.LastConnectedAt.Before(firstAt))
	assert.Equal(t, 2, b.clientCount())

	b.mu.Lock()
	assert.Equal(t, []string{"inventory/scale/+", "inventory/scale/+"}, b.subscribed, "subscriptions re-applied")
	b.mu.Unlock()

	// a late loss from the abandoned client is ignored
	first.lose(errors.New("stale"))
	time.Sleep(30 * time.Millisecond)
	assert.True(t, c.Status().Connected)
}

func TestConnectionReconnectDisabled(t *testing.T) {
	cfg := testMQTTConfig()
	cfg.ReconnectPeriod = 0
	b := &fakeBroker{}
	c := newTestConnection(t, cfg, b)

	require.NoError(t, c.Connect(context.Background()))
	waitEvent(t, c, EventConnect)

	b.lastClient().lose(errors.New("eof"))
	waitEvent(t, c, EventOffline)
	waitEvent(t, c, EventDisconnect)

	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("run loop did not stop")
	}

	st := c.Status()
	assert.Equal(t, mqtmodels.StateDisconnected, st.State)
	assert.False(t, st.Connected)
	assert.Equal(t, "eof", st.LastError)
	assert.Zero(t, st.ReconnectAttempts)
	assert.Equal(t, 1, b.clientCount())
}

func TestConnectionConnectTimeout(t *testing.T) {
	cfg := testMQTTConfig()
	cfg.ConnectTimeout = 20 * time.Millisecond
	cfg.ReconnectPeriod = 0
	b := &fakeBroker{hangConnect: true}
	c := newTestConnection(t, cfg, b)

	require.NoError(t, c.Connect(context.Background()))

	ev := waitEvent(t, c, EventError)
	assert.ErrorIs(t, ev.Err, mqtmodels.ErrConnectTimeout)
	waitEvent(t, c, EventDisconnect)

	st := c.Status()
	assert.Equal(t, mqtmodels.StateDisconnected, st.State)
	assert.Contains(t, st.LastError, mqtmodels.ErrConnectTimeout.Error())
	assert.Nil(t, st.LastConnectedAt)
}

func TestConnectionClose(t *testing.T) {
	t.Run("before connect", func(t *testing.T) {
		b := &fakeBroker{}
		c := newTestConnection(t, testMQTTConfig(), b)
		c.Close()
		require.NoError(t, c.Connect(context.Background()))
		assert.Zero(t, b.clientCount())
	})

	t.Run("while connected", func(t *testing.T) {
		b := &fakeBroker{}
		c := newTestConnection(t, testMQTTConfig(), b)
		require.NoError(t, c.Connect(context.Background()))
		waitEvent(t, c, EventConnect)

		c.Close()
		assert.Equal(t, mqtmodels.StateDisconnected, c.Status().State)
		assert.False(t, b.lastClient().IsConnected())

		err := c.Publish(context.Background(), "inventory/scale/001", []byte("x"), 1)
		assert.ErrorIs(t, err, mqtmodels.ErrConnectionClosed)
	})
}
