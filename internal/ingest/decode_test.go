package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neurofocus-service/internal/models"
)

func TestDecodePayload(t *testing.T) {
	arrival := time.UnixMilli(1700000000000)
	now := arrival.UnixMilli()

	tests := []struct {
		name    string
		payload string
		want    []models.Sample
		wantErr bool
	}{
		{name: "plain integer", payload: "512", want: []models.Sample{{Value: 512, Timestamp: now}}},
		{name: "plain float with spaces", payload: " -3.5\n", want: []models.Sample{{Value: -3.5, Timestamp: now}}},
		{name: "object with timestamp", payload: `{"value":7,"timestamp":123}`, want: []models.Sample{{Value: 7, Timestamp: 123}}},
		{name: "object without timestamp", payload: `{"value":7}`, want: []models.Sample{{Value: 7, Timestamp: now}}},
		{name: "zero value kept", payload: `{"value":0,"timestamp":5}`, want: []models.Sample{{Value: 0, Timestamp: 5}}},
		{name: "array", payload: `[{"value":1,"timestamp":1},{"value":2}]`, want: []models.Sample{{Value: 1, Timestamp: 1}, {Value: 2, Timestamp: now}}},
		{name: "batch", payload: `{"samples":[{"value":4,"timestamp":9}]}`, want: []models.Sample{{Value: 4, Timestamp: 9}}},
		{name: "empty", payload: "  ", wantErr: true},
		{name: "garbage", payload: "abc", wantErr: true},
		{name: "nan", payload: "NaN", wantErr: true},
		{name: "missing value", payload: `{"timestamp":1}`, wantErr: true},
		{name: "empty batch", payload: `{"samples":[]}`, wantErr: true},
		{name: "broken json", payload: `{"value":`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodePayload([]byte(tt.payload), arrival)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrBadPayload)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
