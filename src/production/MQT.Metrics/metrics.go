package metrics

import "github.com/prometheus/client_golang/prometheus"

// Label values shared by the bridge and the broker connections.
const (
	SourceLocal = "local"
	SourceCloud = "cloud"

	KindTelemetry = "telemetry"
	KindStatus    = "status"
	KindCommand   = "command"
	KindOther     = "other"

	DirectionUp   = "local_to_cloud"
	DirectionDown = "cloud_to_local"

	ResultOK      = "ok"
	ResultFailed  = "failed"
	ResultSkipped = "skipped"
)

// Metrics holds the Prometheus collectors for the edge gateway
type Metrics struct {
	MessagesReceived  *prometheus.CounterVec
	ParseErrors       prometheus.Counter
	ReadingsPersisted prometheus.Counter
	StorageErrors     prometheus.Counter
	Forwards          *prometheus.CounterVec
	CommandsDropped   prometheus.Counter
	ConnectionUp      *prometheus.GaugeVec
	ReconnectAttempts *prometheus.GaugeVec
	PersistBatchSize  prometheus.Histogram
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_gateway_messages_received_total",
				Help: "Total number of MQTT messages received by the bridge",
			},
			[]string{"source", "kind"},
		),
		ParseErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "edge_gateway_parse_errors_total",
				Help: "Total number of telemetry payloads discarded as malformed",
			},
		),
		ReadingsPersisted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "edge_gateway_readings_persisted_total",
				Help: "Total number of readings written to the local store",
			},
		),
		StorageErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "edge_gateway_storage_errors_total",
				Help: "Total number of readings lost to store failures",
			},
		),
		Forwards: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_gateway_forwards_total",
				Help: "Forwarding outcomes by direction",
			},
			[]string{"direction", "result"},
		),
		CommandsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "edge_gateway_commands_dropped_total",
				Help: "Cloud commands dropped because the local broker was unavailable",
			},
		),
		ConnectionUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "edge_gateway_broker_connected",
				Help: "1 when the broker connection is up, 0 otherwise",
			},
			[]string{"broker"},
		),
		ReconnectAttempts: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "edge_gateway_broker_reconnect_attempts",
				Help: "Reconnect attempts since the last successful connect",
			},
			[]string{"broker"},
		),
		PersistBatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "edge_gateway_persist_batch_size",
				Help:    "Number of readings flushed per store batch",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.MessagesReceived,
			m.ParseErrors,
			m.ReadingsPersisted,
			m.StorageErrors,
			m.Forwards,
			m.CommandsDropped,
			m.ConnectionUp,
			m.ReconnectAttempts,
			m.PersistBatchSize,
		)
	}
	return m
}

// ObserveConnection records the connection gauges for one broker
func (m *Metrics) ObserveConnection(broker string, connected bool, attempts int) {
	if m == nil {
		return
	}
	up := 0.0
	if connected {
		up = 1
	}
	m.ConnectionUp.WithLabelValues(broker).Set(up)
	m.ReconnectAttempts.WithLabelValues(broker).Set(float64(attempts))
}
