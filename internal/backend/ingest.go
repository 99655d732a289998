package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"agrisense.dev/soil-monitor/internal/summary"
)

// ErrInvalidReading is wrapped by every validation failure of an incoming
// reading.
var ErrInvalidReading = errors.New("invalid sensor reading")

// ReadingPayload is the JSON body accepted by the ingestion queue and the
// HTTP API. Measurements are pointers so missing fields can be told apart
// from zero values.
type ReadingPayload struct {
	Timestamp   *time.Time `json:"timestamp,omitempty"`
	Temperature *float64   `json:"temperature"`
	PH          *float64   `json:"ph"`
	Nitrogen    *float64   `json:"nitrogen"`
	Phosphorus  *float64   `json:"phosphorus"`
	Potassium   *float64   `json:"potassium"`
}

// DecodeReading parses and validates a reading. A missing timestamp
// defaults to now.
func DecodeReading(data []byte, now time.Time) (summary.Reading, error) {
	var p ReadingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return summary.Reading{}, fmt.Errorf("%w: %w", ErrInvalidReading, err)
	}
	return p.Reading(now)
}

// Reading validates the payload and converts it to a domain reading.
func (p ReadingPayload) Reading(now time.Time) (summary.Reading, error) {
	fields := []struct {
		name  string
		value *float64
	}{
		{"temperature", p.Temperature},
		{"ph", p.PH},
		{"nitrogen", p.Nitrogen},
		{"phosphorus", p.Phosphorus},
		{"potassium", p.Potassium},
	}
	for _, f := range fields {
		if f.value == nil {
			return summary.Reading{}, fmt.Errorf("%w: %s is required", ErrInvalidReading, f.name)
		}
		if math.IsNaN(*f.value) || math.IsInf(*f.value, 0) {
			return summary.Reading{}, fmt.Errorf("%w: %s must be finite", ErrInvalidReading, f.name)
		}
	}
	if *p.PH < 0 || *p.PH > 14 {
		return summary.Reading{}, fmt.Errorf("%w: ph must be between 0 and 14", ErrInvalidReading)
	}

	ts := now
	if p.Timestamp != nil && !p.Timestamp.IsZero() {
		ts = *p.Timestamp
	}

	return summary.Reading{
		Timestamp:   ts,
		Temperature: *p.Temperature,
		PH:          *p.PH,
		Nitrogen:    *p.Nitrogen,
		Phosphorus:  *p.Phosphorus,
		Potassium:   *p.Potassium,
	}, nil
}

// ReadingSaver persists a reading.
type ReadingSaver interface {
	Save(ctx context.Context, r summary.Reading) (SensorReading, error)
}

// ReadingMirror receives a copy of every stored reading.
type ReadingMirror interface {
	WriteReading(ctx context.Context, id uint, r summary.Reading) error
}

// Ingestor stores incoming readings and mirrors them when a mirror is set.
type Ingestor struct {
	logger *slog.Logger
	saver  ReadingSaver
	mirror ReadingMirror
	now    func() time.Time
}

// NewIngestor creates a new Ingestor instance. mirror may be nil.
func NewIngestor(logger *slog.Logger, saver ReadingSaver, mirror ReadingMirror) (*Ingestor, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if saver == nil {
		return nil, errors.New("reading saver cannot be nil")
	}

	return &Ingestor{
		logger: logger,
		saver:  saver,
		mirror: mirror,
		now:    time.Now,
	}, nil
}

// IngestJSON decodes data and stores the reading.
func (i *Ingestor) IngestJSON(ctx context.Context, data []byte) (SensorReading, error) {
	r, err := DecodeReading(data, i.now())
	if err != nil {
		return SensorReading{}, err
	}
	return i.Ingest(ctx, r)
}

// Ingest stores r. Mirror failures are logged and do not fail ingestion.
func (i *Ingestor) Ingest(ctx context.Context, r summary.Reading) (SensorReading, error) {
	row, err := i.saver.Save(ctx, r)
	if err != nil {
		return SensorReading{}, err
	}

	if i.mirror != nil {
		if err := i.mirror.WriteReading(ctx, row.ID, r); err != nil {
			i.logger.Warn("failed to mirror sensor reading", "reading_id", row.ID, "error", err)
		}
	}

	return row, nil
}
