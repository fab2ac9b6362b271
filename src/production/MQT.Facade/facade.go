package facade

import (
	"context"
	"time"

	mqtmodels "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Models"
	interfaces "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Repository/Interfaces"
)

const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
	healthTimeout  = 5 * time.Second
)

// StatusSource is anything that reports a broker connection status
type StatusSource interface {
	Status() mqtmodels.ConnectionStatus
}

// Snapshot is the gateway status served to the HTTP layer
type Snapshot struct {
	Local         mqtmodels.ConnectionStatus `json:"local"`
	Cloud         mqtmodels.ConnectionStatus `json:"cloud"`
	Node          mqtmodels.NodeIdentity     `json:"node"`
	UptimeSeconds float64                    `json:"uptime_seconds"`
	Timestamp     time.Time                  `json:"timestamp"`
}

// Check is one component of a HealthReport
type Check struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthReport is "ok" only when the store answers a ping
type HealthReport struct {
	Status    string           `json:"status"`
	NodeID    string           `json:"node_id"`
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
}

// Facade is the read-only view over connection health and stored readings
type Facade struct {
	local     StatusSource
	cloud     StatusSource
	store     interfaces.ReadingRepository
	node      mqtmodels.NodeIdentity
	startedAt time.Time
	now       func() time.Time
}

// New builds a facade. cloud may be nil when no cloud broker is configured.
func New(local, cloud StatusSource, store interfaces.ReadingRepository, node mqtmodels.NodeIdentity) *Facade {
	return &Facade{
		local:     local,
		cloud:     cloud,
		store:     store,
		node:      node,
		startedAt: time.Now(),
		now:       time.Now,
	}
}

func (f *Facade) Status() Snapshot {
	now := f.now()
	return Snapshot{
		Local:         f.local.Status(),
		Cloud:         f.cloudStatus(),
		Node:          f.node,
		UptimeSeconds: now.Sub(f.startedAt).Seconds(),
		Timestamp:     now.UTC(),
	}
}

func (f *Facade) cloudStatus() mqtmodels.ConnectionStatus {
	if f.cloud == nil {
		return mqtmodels.ConnectionStatus{
			Name:      "cloud",
			State:     mqtmodels.StateDisconnected,
			LastError: "cloud broker not configured",
		}
	}
	return f.cloud.Status()
}

func (f *Facade) Scales(ctx context.Context) ([]mqtmodels.ScaleRef, error) {
	return f.store.ListDistinctScales(ctx)
}

func (f *Facade) Readings(ctx context.Context, scaleID string, limit int) ([]mqtmodels.Reading, error) {
	return f.store.ListReadings(ctx, scaleID, limit)
}

// Dashboard returns the latest reading of every scale
func (f *Facade) Dashboard(ctx context.Context) ([]mqtmodels.Reading, error) {
	return f.store.LatestPerScale(ctx)
}

func (f *Facade) Health(ctx context.Context) HealthReport {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	report := HealthReport{
		Status:    HealthOK,
		NodeID:    f.node.NodeID,
		Timestamp: f.now().UTC(),
		Checks:    make(map[string]Check, 3),
	}

	if err := f.store.Ping(ctx); err != nil {
		report.Status = HealthDegraded
		report.Checks["store"] = Check{Status: "error", Error: err.Error()}
	} else {
		report.Checks["store"] = Check{Status: HealthOK}
	}

	// broker links come and go; they are reported but do not degrade health
	report.Checks["local_mqtt"] = connectionCheck(f.local.Status())
	report.Checks["cloud_mqtt"] = connectionCheck(f.cloudStatus())
	return report
}

func connectionCheck(s mqtmodels.ConnectionStatus) Check {
	if s.Connected {
		return Check{Status: string(mqtmodels.StateConnected)}
	}
	return Check{Status: string(s.State), Error: s.LastError}
}
