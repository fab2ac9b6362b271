package interfaces

import (
	"context"

	mqtmodels "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Models"
)

const (
	// DefaultReadingLimit applies when a caller passes a non-positive limit
	DefaultReadingLimit = 100
	// MaxReadingLimit caps a single list_readings query
	MaxReadingLimit = 1000
)

// ReadingRepository is the append-only scale_readings store.
// Implementations serialize writes so received_at never decreases in insertion order.
type ReadingRepository interface {
	// InsertReading appends one reading and returns it with ID and ReceivedAt set
	InsertReading(ctx context.Context, reading mqtmodels.Reading) (mqtmodels.Reading, error)
	// InsertReadings appends a batch atomically; on error nothing from the batch is kept
	InsertReadings(ctx context.Context, readings []mqtmodels.Reading) ([]mqtmodels.Reading, error)

	ListDistinctScales(ctx context.Context) ([]mqtmodels.ScaleRef, error)
	// ListReadings returns up to limit readings for a scale, newest timestamp first
	ListReadings(ctx context.Context, scaleID string, limit int) ([]mqtmodels.Reading, error)
	// LatestPerScale returns the max-timestamp reading of every known scale, ordered by scale id
	LatestPerScale(ctx context.Context) ([]mqtmodels.Reading, error)

	Ping(ctx context.Context) error
	Close() error
}

// NormalizeLimit applies DefaultReadingLimit and MaxReadingLimit
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultReadingLimit
	}
	if limit > MaxReadingLimit {
		return MaxReadingLimit
	}
	return limit
}
