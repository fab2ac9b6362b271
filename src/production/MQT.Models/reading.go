package mqtmodels

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// ReadingStatus is the device-reported state attached to every scale reading.
type ReadingStatus string

const (
	ReadingStatusActive  ReadingStatus = "active"
	ReadingStatusIdle    ReadingStatus = "idle"
	ReadingStatusError   ReadingStatus = "error"
	ReadingStatusUnknown ReadingStatus = "unknown"
)

// Normalize maps anything outside the known set to ReadingStatusUnknown.
func (s ReadingStatus) Normalize() ReadingStatus {
	switch ReadingStatus(strings.ToLower(string(s))) {
	case ReadingStatusActive:
		return ReadingStatusActive
	case ReadingStatusIdle:
		return ReadingStatusIdle
	case ReadingStatusError:
		return ReadingStatusError
	default:
		return ReadingStatusUnknown
	}
}

// Reading is one scale measurement as stored in scale_readings.
// Timestamp is producer-assigned epoch millis; ReceivedAt is set by the store.
type Reading struct {
	ID         int64         `bson:"id" json:"id,omitempty"`
	ScaleID    string        `bson:"scale_id" json:"scale_id"`
	Location   string        `bson:"location" json:"location"`
	ItemType   string        `bson:"item_type" json:"item_type"`
	WeightKg   float64       `bson:"weight_kg" json:"weight_kg"`
	ItemCount  int64         `bson:"item_count" json:"item_count"`
	ItemWeight float64       `bson:"item_weight" json:"item_weight"`
	Timestamp  int64         `bson:"timestamp" json:"timestamp"`
	Status     ReadingStatus `bson:"status" json:"status"`
	ReceivedAt time.Time     `bson:"received_at" json:"received_at"`
}

// ParseReading decodes a scale telemetry payload. Unknown JSON fields are
// ignored. Any decode or validation failure is returned as a *ParseError.
func ParseReading(topic string, payload []byte) (Reading, error) {
	// firmware may format integer fields as floats (5.0)
	type plain Reading
	var wire struct {
		plain
		ItemCount json.Number `json:"item_count"`
		Timestamp json.Number `json:"timestamp"`
	}
	if err := json.Unmarshal(payload, &wire); err != nil {
		return Reading{}, &ParseError{Topic: topic, Err: err}
	}

	r := Reading(wire.plain)
	var err error
	if r.ItemCount, err = wholeNumber("item_count", wire.ItemCount); err != nil {
		return Reading{}, &ParseError{Topic: topic, Err: err}
	}
	if r.Timestamp, err = wholeNumber("timestamp", wire.Timestamp); err != nil {
		return Reading{}, &ParseError{Topic: topic, Err: err}
	}
	// ID and ReceivedAt belong to the store, never to the producer.
	r.ID = 0
	r.ReceivedAt = time.Time{}
	r.Status = r.Status.Normalize()

	if err := r.Validate(); err != nil {
		return Reading{}, &ParseError{Topic: topic, Err: err}
	}
	return r, nil
}

// wholeNumber accepts 5 and 5.0 but not 5.5; a missing field is 0
func wholeNumber(field string, n json.Number) (int64, error) {
	if n == "" {
		return 0, nil
	}
	if v, err := n.Int64(); err == nil {
		return v, nil
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("%w: %s must be a whole number, got %s", ErrInvalidReading, field, n)
	}
	return int64(f), nil
}

// Validate checks the invariants a reading must satisfy before persistence.
func (r Reading) Validate() error {
	switch {
	case strings.TrimSpace(r.ScaleID) == "":
		return fmt.Errorf("%w: scale_id is required", ErrInvalidReading)
	case r.WeightKg < 0:
		return fmt.Errorf("%w: weight_kg must be >= 0, got %v", ErrInvalidReading, r.WeightKg)
	case r.ItemCount < 0:
		return fmt.Errorf("%w: item_count must be >= 0, got %d", ErrInvalidReading, r.ItemCount)
	case r.ItemWeight < 0:
		return fmt.Errorf("%w: item_weight must be >= 0, got %v", ErrInvalidReading, r.ItemWeight)
	case r.Timestamp <= 0:
		return fmt.Errorf("%w: timestamp must be positive epoch millis", ErrInvalidReading)
	}
	return nil
}

// ScaleRef identifies a scale seen by the gateway, used for dashboard discovery.
type ScaleRef struct {
	ScaleID  string `bson:"scale_id" json:"scale_id"`
	Location string `bson:"location" json:"location"`
}
