package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"neurofocus-service/internal/models"
)

// ErrBadPayload сообщение датчика не удалось разобрать
var ErrBadPayload = errors.New("bad sample payload")

type wireSample struct {
	Value     *float64 `json:"value"`
	Timestamp int64    `json:"timestamp"`
}

type wireBatch struct {
	Samples []wireSample `json:"samples"`
}

// DecodePayload разбирает сообщение датчика. Поддерживаются:
// текстовое число ("512"), объект {"value":..,"timestamp":..},
// массив объектов и {"samples":[...]}. Без timestamp берется время прихода в мс.
func DecodePayload(payload []byte, arrival time.Time) ([]models.Sample, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrBadPayload)
	}
	now := arrival.UnixMilli()

	switch trimmed[0] {
	case '{':
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		if _, ok := fields["samples"]; ok {
			var batch wireBatch
			if err := json.Unmarshal(trimmed, &batch); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
			}
			return convert(batch.Samples, now)
		}
		var one wireSample
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		return convert([]wireSample{one}, now)
	case '[':
		var many []wireSample
		if err := json.Unmarshal(trimmed, &many); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		return convert(many, now)
	}

	v, err := strconv.ParseFloat(string(trimmed), 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not a number", ErrBadPayload, trimmed)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, fmt.Errorf("%w: non-finite value", ErrBadPayload)
	}
	return []models.Sample{{Value: v, Timestamp: now}}, nil
}

func convert(in []wireSample, now int64) ([]models.Sample, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("%w: no samples", ErrBadPayload)
	}
	out := make([]models.Sample, 0, len(in))
	for i, w := range in {
		if w.Value == nil {
			return nil, fmt.Errorf("%w: sample %d has no value", ErrBadPayload, i)
		}
		if math.IsNaN(*w.Value) || math.IsInf(*w.Value, 0) {
			return nil, fmt.Errorf("%w: sample %d is not finite", ErrBadPayload, i)
		}
		ts := w.Timestamp
		if ts <= 0 {
			ts = now
		}
		out = append(out, models.Sample{Value: *w.Value, Timestamp: ts})
	}
	return out, nil
}
