package bridge

import (
	"context"
	"errors"
	"time"

	broker "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Broker"
	config "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Config"
	logger "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Logger"
	metrics "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Metrics"
	mqtmodels "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Models"
	interfaces "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Repository/Interfaces"
)

const (
	subscribeQoS  byte = 1
	forwardGrace       = 5 * time.Second
	maxLogPayload      = 256
)

// Link is the part of a broker connection the bridge uses
type Link interface {
	Subscribe(filter string, qos byte) error
	Publish(ctx context.Context, topic string, payload []byte, qos byte) error
	Status() mqtmodels.ConnectionStatus
	Events() <-chan broker.Event
}

var _ Link = (*broker.Connection)(nil)

// Bridge routes local telemetry to the store and the cloud, and cloud
// commands to the local broker. The store is the durability boundary:
// telemetry that arrives while the cloud is down is kept locally and not
// replayed later.
type Bridge struct {
	local   Link
	cloud   Link // nil when no cloud broker is configured
	store   interfaces.ReadingRepository
	log     *logger.Logger
	metrics *metrics.Metrics

	persist *persistWriter
	forward *forwardPool
}

func New(local, cloud Link, store interfaces.ReadingRepository, cfg config.BridgeConfig, log *logger.Logger, m *metrics.Metrics) *Bridge {
	if m == nil {
		m = metrics.New(nil)
	}
	log = log.WithComponent("bridge")
	return &Bridge{
		local:   local,
		cloud:   cloud,
		store:   store,
		log:     log,
		metrics: m,
		persist: newPersistWriter(store, cfg.BatchSize, cfg.BatchWindow, cfg.PersistQueueSize, log, m),
		forward: newForwardPool(cfg.ForwardWorkers, cfg.ForwardQueueSize, log, m),
	}
}

// Run consumes both connections' events until ctx is done, then drains the
// persist queue and the forward pool before returning.
func (b *Bridge) Run(ctx context.Context) error {
	if b.local == nil {
		return errors.New("bridge requires a local connection")
	}

	go b.persist.run()
	b.forward.start()

	b.subscribe(b.local, TelemetryFilter, StatusFilter)
	var cloudEvents <-chan broker.Event
	if b.cloud != nil {
		b.subscribe(b.cloud, CommandFilter)
		cloudEvents = b.cloud.Events()
	} else {
		b.log.Warn("No cloud broker configured, telemetry is stored locally only")
	}

	localEvents := b.local.Events()
	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			return nil
		case ev := <-localEvents:
			b.handleLocal(ev)
		case ev := <-cloudEvents:
			b.handleCloud(ev)
		}
	}
}

func (b *Bridge) subscribe(link Link, filters ...string) {
	for _, f := range filters {
		if err := link.Subscribe(f, subscribeQoS); err != nil {
			b.log.Logger.Error().Err(err).Str("filter", f).Msg("Subscribe failed")
		}
	}
}

func (b *Bridge) shutdown() {
	b.log.Info("Bridge stopping, draining queues")
	b.persist.close()
	b.forward.stop(forwardGrace)
	b.log.Info("Bridge stopped")
}

func (b *Bridge) handleLocal(ev broker.Event) {
	if ev.Kind != broker.EventMessage {
		b.logLifecycle(ev)
		return
	}

	kind := ClassifyLocal(ev.Topic)
	b.metrics.MessagesReceived.WithLabelValues(metrics.SourceLocal, string(kind)).Inc()

	switch kind {
	case TopicTelemetry:
		b.onTelemetry(ev.Topic, ev.Payload)
	case TopicStatus:
		b.log.Logger.Info().
			Str("topic", ev.Topic).
			Str("scale", TopicID(ev.Topic)).
			Str("payload", truncate(ev.Payload)).
			Msg("Scale status")
	default:
		b.log.Logger.Debug().Str("topic", ev.Topic).Msg("Ignoring local message on unrouted topic")
	}
}

// onTelemetry parses, persists unconditionally, then forwards only if the
// cloud is connected right now
func (b *Bridge) onTelemetry(topic string, payload []byte) {
	reading, err := mqtmodels.ParseReading(topic, payload)
	if err != nil {
		b.metrics.ParseErrors.Inc()
		b.log.Logger.Warn().Err(err).Str("topic", topic).Str("payload", truncate(payload)).Msg("Dropping malformed telemetry")
		return
	}

	b.persist.enqueue(reading)

	if b.cloud == nil || !b.cloud.Status().Connected {
		b.metrics.Forwards.WithLabelValues(metrics.DirectionUp, metrics.ResultSkipped).Inc()
		b.log.Logger.Debug().Str("topic", topic).Str("scale_id", reading.ScaleID).Msg("Cloud not connected, stored locally only")
		return
	}

	b.forward.submit(forwardJob{
		target:    b.cloud,
		direction: metrics.DirectionUp,
		topic:     topic,
		payload:   payload,
	})
}

func (b *Bridge) handleCloud(ev broker.Event) {
	if ev.Kind != broker.EventMessage {
		b.logLifecycle(ev)
		return
	}

	if !IsCommandTopic(ev.Topic) {
		b.metrics.MessagesReceived.WithLabelValues(metrics.SourceCloud, string(TopicOther)).Inc()
		b.log.Logger.Debug().Str("topic", ev.Topic).Msg("Ignoring cloud message on unrouted topic")
		return
	}
	b.metrics.MessagesReceived.WithLabelValues(metrics.SourceCloud, string(TopicCommand)).Inc()

	// commands are not durable; replaying stale ones is worse than losing them
	if !b.local.Status().Connected {
		b.metrics.CommandsDropped.Inc()
		b.metrics.Forwards.WithLabelValues(metrics.DirectionDown, metrics.ResultSkipped).Inc()
		b.log.Logger.Error().Str("topic", ev.Topic).Msg("Local broker not connected, command dropped")
		return
	}

	b.log.Logger.Info().Str("topic", ev.Topic).Str("payload", truncate(ev.Payload)).Msg("Forwarding command to local broker")
	b.forward.submit(forwardJob{
		target:    b.local,
		direction: metrics.DirectionDown,
		topic:     ev.Topic,
		payload:   ev.Payload,
	})
}

func (b *Bridge) logLifecycle(ev broker.Event) {
	entry := b.log.Logger.Info()
	switch ev.Kind {
	case broker.EventError:
		entry = b.log.Logger.Error()
	case broker.EventOffline, broker.EventDisconnect:
		entry = b.log.Logger.Warn()
	case broker.EventReconnectAttempt:
		entry = b.log.Logger.Debug()
	}
	entry.Str("broker", ev.Broker).Str("event", string(ev.Kind)).Err(ev.Err).Msg("Broker connection event")
}

func truncate(payload []byte) string {
	if len(payload) <= maxLogPayload {
		return string(payload)
	}
	return string(payload[:maxLogPayload]) + "..."
}
