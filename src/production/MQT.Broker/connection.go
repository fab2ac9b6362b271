package broker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	config "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Config"
	logger "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Logger"
	metrics "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Metrics"
	mqtmodels "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Models"
)

const (
	defaultEventBuffer = 4096
	disconnectQuiesce  = 250 // ms
)

// ClientFactory builds the paho client for one connect attempt
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// Option customizes a Connection
type Option func(*Connection)

// WithClientFactory replaces mqtt.NewClient
func WithClientFactory(f ClientFactory) Option {
	return func(c *Connection) { c.newClient = f }
}

// WithMetrics reports connection gauges to m
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Connection) { c.metrics = m }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Connection) { c.now = now }
}

// Connection is one MQTT broker link with its own reconnect state machine:
//
//	Disconnected -> Connecting -> Connected -> {Offline, Disconnected}
//
// paho's auto-reconnect is disabled; the run loop owns every retry.
type Connection struct {
	cfg       config.MQTTConfig
	log       *logger.Logger
	metrics   *metrics.Metrics
	newClient ClientFactory
	now       func() time.Time

	// mu guards client and subs and serializes status writes
	mu     sync.Mutex
	client mqtt.Client
	subs   map[string]byte
	status atomic.Pointer[mqtmodels.ConnectionStatus]

	events  chan Event
	closing chan struct{}
	done    chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
}

func NewConnection(cfg config.MQTTConfig, log *logger.Logger, opts ...Option) *Connection {
	c := &Connection{
		cfg:       cfg,
		log:       log.WithComponent("broker").WithBroker(cfg.Name),
		newClient: mqtt.NewClient,
		now:       time.Now,
		subs:      make(map[string]byte),
		events:    make(chan Event, defaultEventBuffer),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.status.Store(&mqtmodels.ConnectionStatus{
		Name:   cfg.Name,
		Broker: cfg.Address(),
		State:  mqtmodels.StateDisconnected,
	})
	return c
}

// Name returns the configured connection name ("local", "cloud")
func (c *Connection) Name() string {
	return c.cfg.Name
}

// Events is the single-consumer event stream. It is never closed.
func (c *Connection) Events() <-chan Event {
	return c.events
}

// Status returns the current snapshot without locking
func (c *Connection) Status() mqtmodels.ConnectionStatus {
	return *c.status.Load()
}

// Connect starts the connection loop and returns immediately. Only a bad TLS
// setup is reported here; broker failures surface as events and status.
func (c *Connection) Connect(ctx context.Context) error {
	var tlsCfg *tls.Config
	if c.cfg.UseTLS {
		var err error
		if tlsCfg, err = loadTLSConfig(c.cfg.CACertPath); err != nil {
			return fmt.Errorf("%s broker TLS: %w", c.cfg.Name, err)
		}
	}

	c.startOnce.Do(func() {
		var runCtx context.Context
		runCtx, c.cancel = context.WithCancel(ctx)

		c.log.Logger.Info().
			Str("url", c.cfg.BrokerURL()).
			Str("client_id", c.cfg.ClientID).
			Str("username", c.cfg.BrokerUser).
			Str("password", logger.MaskSecret(c.cfg.BrokerPass)).
			Dur("reconnect_period", c.cfg.ReconnectPeriod).
			Msg("Connecting to MQTT broker")

		go c.run(runCtx, tlsCfg)
	})
	return nil
}

// Close stops the loop, disconnects and waits for the loop to exit.
// In-flight publishes are not guaranteed to complete.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closing)
		// never started: mark done so a later Connect is a no-op
		c.startOnce.Do(func() { close(c.done) })
		if c.cancel != nil {
			c.cancel()
		}
	})
	<-c.done
}

func (c *Connection) run(ctx context.Context, tlsCfg *tls.Config) {
	defer close(c.done)

	for {
		c.update(func(s *mqtmodels.ConnectionStatus) {
			s.State = mqtmodels.StateConnecting
			s.Connected = false
		})

		client, lost, err := c.dial(ctx, tlsCfg)
		if err != nil {
			if ctx.Err() != nil {
				c.disconnected(nil)
				return
			}
			c.fail(err)
			c.disconnected(err)
		} else {
			c.connected(client)

			select {
			case lostErr := <-lost:
				c.offline(lostErr)
			case <-ctx.Done():
				client.Disconnect(disconnectQuiesce)
				c.setClient(nil)
				c.disconnected(nil)
				return
			}
		}

		if c.cfg.ReconnectPeriod == 0 {
			if c.Status().State != mqtmodels.StateDisconnected {
				c.disconnected(nil)
			}
			c.log.Warn("Reconnect disabled; connection stays down")
			return
		}

		timer := time.NewTimer(c.cfg.ReconnectPeriod)
		select {
		case <-ctx.Done():
			timer.Stop()
			if c.Status().State != mqtmodels.StateDisconnected {
				c.disconnected(nil)
			}
			return
		case <-timer.C:
		}

		next := c.update(func(s *mqtmodels.ConnectionStatus) {
			s.ReconnectAttempts++
		})
		c.log.Logger.Info().Int("attempt", next.ReconnectAttempts).Msg("Reconnecting to MQTT broker")
		c.emit(Event{Kind: EventReconnectAttempt})
	}
}

// dial runs one handshake bounded by ConnectTimeout. Each attempt gets a
// fresh client and lost channel so a late callback from an abandoned attempt
// cannot be mistaken for the current one.
func (c *Connection) dial(ctx context.Context, tlsCfg *tls.Config) (mqtt.Client, <-chan error, error) {
	lost := make(chan error, 1)

	opts := mqtt.NewClientOptions().
		AddBroker(c.cfg.BrokerURL()).
		SetClientID(c.cfg.ClientID).
		SetOrderMatters(true).
		SetKeepAlive(c.cfg.KeepAlive).
		SetPingTimeout(c.cfg.PingTimeout).
		SetConnectTimeout(c.cfg.ConnectTimeout).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetCleanSession(false).
		SetDefaultPublishHandler(c.onMessage)

	if c.cfg.HasCredentials() {
		opts.SetUsername(c.cfg.BrokerUser)
		opts.SetPassword(c.cfg.BrokerPass)
	}
	if tlsCfg != nil {
		opts.SetTLSConfig(tlsCfg)
	}

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		select {
		case lost <- err:
		default:
		}
	}

	client := c.newClient(opts)
	token := client.Connect()

	timer := time.NewTimer(c.cfg.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return nil, nil, &mqtmodels.ConnectError{Broker: c.cfg.Address(), Err: err}
		}
		return client, lost, nil
	case <-timer.C:
		abandon(client, token)
		return nil, nil, &mqtmodels.ConnectError{Broker: c.cfg.Address(), Err: mqtmodels.ErrConnectTimeout}
	case <-ctx.Done():
		abandon(client, token)
		return nil, nil, ctx.Err()
	}
}

// abandon tears down a client whose handshake is still pending
func abandon(client mqtt.Client, token mqtt.Token) {
	go func() {
		token.Wait()
		client.Disconnect(0)
	}()
}

func (c *Connection) connected(client mqtt.Client) {
	c.setClient(client)

	next := c.update(func(s *mqtmodels.ConnectionStatus) {
		at := c.now().UTC()
		if s.LastConnectedAt != nil && at.Before(*s.LastConnectedAt) {
			at = *s.LastConnectedAt
		}
		s.State = mqtmodels.StateConnected
		s.Connected = true
		s.LastConnectedAt = &at
		s.LastError = ""
		s.ReconnectAttempts = 0
	})
	c.log.Logger.Info().Time("last_connected_at", *next.LastConnectedAt).Msg("MQTT broker connected")

	c.resubscribe(client)
	c.emit(Event{Kind: EventConnect})
}

func (c *Connection) offline(err error) {
	c.setClient(nil)
	c.update(func(s *mqtmodels.ConnectionStatus) {
		s.State = mqtmodels.StateOffline
		s.Connected = false
		if err != nil {
			s.LastError = err.Error()
		}
	})
	c.log.Logger.Warn().Err(err).Msg("MQTT connection lost")
	c.emit(Event{Kind: EventOffline, Err: err})
}

func (c *Connection) disconnected(err error) {
	c.update(func(s *mqtmodels.ConnectionStatus) {
		s.State = mqtmodels.StateDisconnected
		s.Connected = false
	})
	c.log.Debug("MQTT connection disconnected")
	c.emit(Event{Kind: EventDisconnect, Err: err})
}

// fail records last_error without changing state
func (c *Connection) fail(err error) {
	c.update(func(s *mqtmodels.ConnectionStatus) {
		s.LastError = err.Error()
	})
	c.log.Logger.Error().Err(err).Msg("MQTT connection error")
	c.emit(Event{Kind: EventError, Err: err})
}

// Subscribe registers filter and, if connected, subscribes right away.
// Registered filters are re-applied on every successful connect. Only a
// filter the broker refuses (SUBACK 0x80) is unregistered.
func (c *Connection) Subscribe(filter string, qos byte) error {
	c.mu.Lock()
	if existing, ok := c.subs[filter]; ok && existing == qos {
		c.mu.Unlock()
		return nil
	}
	c.subs[filter] = qos
	client := c.client
	c.mu.Unlock()

	if client == nil {
		c.log.Logger.Debug().Str("filter", filter).Msg("Subscription registered; applied on connect")
		return nil
	}

	if err := c.subscribeOn(client, filter, qos); err != nil {
		// a refused filter is final; anything else is retried on the next connect
		if errors.Is(err, mqtmodels.ErrSubscribeRejected) {
			c.mu.Lock()
			delete(c.subs, filter)
			c.mu.Unlock()
		}
		c.fail(err)
		return err
	}
	return nil
}

func (c *Connection) resubscribe(client mqtt.Client) {
	c.mu.Lock()
	subs := make(map[string]byte, len(c.subs))
	for filter, qos := range c.subs {
		subs[filter] = qos
	}
	c.mu.Unlock()

	for filter, qos := range subs {
		if err := c.subscribeOn(client, filter, qos); err != nil {
			if errors.Is(err, mqtmodels.ErrSubscribeRejected) {
				c.mu.Lock()
				delete(c.subs, filter)
				c.mu.Unlock()
			}
			c.fail(err)
		}
	}
}

func (c *Connection) subscribeOn(client mqtt.Client, filter string, qos byte) error {
	token := client.Subscribe(filter, qos, c.onMessage)
	if !token.WaitTimeout(c.cfg.PublishTimeout) {
		return &mqtmodels.SubscriptionError{Broker: c.cfg.Address(), Filter: filter, Err: fmt.Errorf("no SUBACK within %s", c.cfg.PublishTimeout)}
	}
	if err := token.Error(); err != nil {
		return &mqtmodels.SubscriptionError{Broker: c.cfg.Address(), Filter: filter, Err: err}
	}
	if st, ok := token.(*mqtt.SubscribeToken); ok {
		if code, found := st.Result()[filter]; found && code == 0x80 {
			return &mqtmodels.SubscriptionError{Broker: c.cfg.Address(), Filter: filter, Err: mqtmodels.ErrSubscribeRejected}
		}
	}
	c.log.Logger.Info().Str("filter", filter).Uint8("qos", qos).Msg("Subscribed")
	return nil
}

// Publish sends payload and waits for the broker ack (QoS 1) or the
// PublishTimeout. Failures are returned, never retried here.
func (c *Connection) Publish(ctx context.Context, topic string, payload []byte, qos byte) error {
	select {
	case <-c.closing:
		return &mqtmodels.PublishError{Broker: c.cfg.Address(), Topic: topic, Err: mqtmodels.ErrConnectionClosed}
	default:
	}

	client := c.connectedClient()
	if client == nil {
		return &mqtmodels.PublishError{Broker: c.cfg.Address(), Topic: topic, Err: mqtmodels.ErrNotConnected}
	}

	token := client.Publish(topic, qos, false, payload)

	timer := time.NewTimer(c.cfg.PublishTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return &mqtmodels.PublishError{Broker: c.cfg.Address(), Topic: topic, Err: err}
		}
		return nil
	case <-timer.C:
		return &mqtmodels.PublishError{Broker: c.cfg.Address(), Topic: topic, Err: fmt.Errorf("no ack within %s", c.cfg.PublishTimeout)}
	case <-ctx.Done():
		return &mqtmodels.PublishError{Broker: c.cfg.Address(), Topic: topic, Err: ctx.Err()}
	}
}

func (c *Connection) onMessage(_ mqtt.Client, m mqtt.Message) {
	payload := append([]byte(nil), m.Payload()...)
	c.emit(Event{Kind: EventMessage, Topic: m.Topic(), Payload: payload})
}

// emit blocks while the consumer is behind, until Close
func (c *Connection) emit(ev Event) {
	ev.Broker = c.cfg.Name
	if ev.At.IsZero() {
		ev.At = c.now().UTC()
	}
	select {
	case c.events <- ev:
	case <-c.closing:
	}
}

func (c *Connection) update(fn func(s *mqtmodels.ConnectionStatus)) mqtmodels.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := *c.status.Load()
	fn(&next)
	c.status.Store(&next)
	c.metrics.ObserveConnection(c.cfg.Name, next.Connected, next.ReconnectAttempts)
	return next
}

func (c *Connection) setClient(client mqtt.Client) {
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
}

func (c *Connection) connectedClient() mqtt.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil || c.status.Load().State != mqtmodels.StateConnected {
		return nil
	}
	return c.client
}

func loadTLSConfig(caFile string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile == "" {
		return cfg, nil
	}
	ca, err := os.ReadFile(caFile)
	if err != nil {
		return nil, err
	}
	cp := x509.NewCertPool()
	if !cp.AppendCertsFromPEM(ca) {
		return nil, fmt.Errorf("bad CA file")
	}
	cfg.RootCAs = cp
	return cfg, nil
}
