package mqtmodels

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleReading = `{"scale_id":"SCALE_001","location":"WAREHOUSE_A","item_type":"COMPONENTS","weight_kg":2.5,"item_count":5,"item_weight":0.5,"timestamp":1700000000000,"status":"active"}`

func TestParseReading(t *testing.T) {
	t.Run("valid payload", func(t *testing.T) {
		r, err := ParseReading("inventory/scale/001", []byte(sampleReading))
		require.NoError(t, err)
		assert.Equal(t, "SCALE_001", r.ScaleID)
		assert.Equal(t, "WAREHOUSE_A", r.Location)
		assert.Equal(t, "COMPONENTS", r.ItemType)
		assert.Equal(t, 2.5, r.WeightKg)
		assert.Equal(t, int64(5), r.ItemCount)
		assert.Equal(t, 0.5, r.ItemWeight)
		assert.Equal(t, int64(1700000000000), r.Timestamp)
		assert.Equal(t, ReadingStatusActive, r.Status)
		assert.True(t, r.ReceivedAt.IsZero())
	})

	t.Run("extra fields are ignored", func(t *testing.T) {
		payload := `{"scale_id":"S2","timestamp":1,"firmware":"1.2.3","rssi":-60}`
		r, err := ParseReading("inventory/scale/2", []byte(payload))
		require.NoError(t, err)
		assert.Equal(t, "S2", r.ScaleID)
		assert.Equal(t, ReadingStatusUnknown, r.Status)
	})

	t.Run("producer cannot set id or received_at", func(t *testing.T) {
		payload := `{"id":99,"scale_id":"S3","timestamp":5,"received_at":"2020-01-01T00:00:00Z"}`
		r, err := ParseReading("inventory/scale/3", []byte(payload))
		require.NoError(t, err)
		assert.Zero(t, r.ID)
		assert.True(t, r.ReceivedAt.IsZero())
	})

	t.Run("whole floats for integer fields", func(t *testing.T) {
		payload := `{"scale_id":"S4","item_count":5.0,"timestamp":1.7e12}`
		r, err := ParseReading("inventory/scale/4", []byte(payload))
		require.NoError(t, err)
		assert.Equal(t, int64(5), r.ItemCount)
		assert.Equal(t, int64(1700000000000), r.Timestamp)
	})

	tests := []struct {
		name    string
		payload string
	}{
		{name: "fractional count", payload: `{"scale_id":"S","timestamp":1,"item_count":5.5}`},
		{name: "fractional timestamp", payload: `{"scale_id":"S","timestamp":1.25}`},
		{name: "not json", payload: `{"scale_id":`},
		{name: "missing scale id", payload: `{"timestamp":1}`},
		{name: "negative weight", payload: `{"scale_id":"S","timestamp":1,"weight_kg":-1}`},
		{name: "negative count", payload: `{"scale_id":"S","timestamp":1,"item_count":-3}`},
		{name: "negative item weight", payload: `{"scale_id":"S","timestamp":1,"item_weight":-0.1}`},
		{name: "missing timestamp", payload: `{"scale_id":"S"}`},
		{name: "wrong type", payload: `{"scale_id":"S","timestamp":"yesterday"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseReading("inventory/scale/x", []byte(tt.payload))
			require.Error(t, err)
			var perr *ParseError
			assert.True(t, errors.As(err, &perr))
			assert.Equal(t, "inventory/scale/x", perr.Topic)
		})
	}
}

func TestReadingStatusNormalize(t *testing.T) {
	assert.Equal(t, ReadingStatusIdle, ReadingStatus("IDLE").Normalize())
	assert.Equal(t, ReadingStatusError, ReadingStatus("error").Normalize())
	assert.Equal(t, ReadingStatusUnknown, ReadingStatus("calibrating").Normalize())
	assert.Equal(t, ReadingStatusUnknown, ReadingStatus("").Normalize())
}
