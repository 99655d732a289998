// Package timeseries mirrors soil readings into InfluxDB and reads them
// back for aggregation.
package timeseries

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/query"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sony/gobreaker"

	"agrisense.dev/soil-monitor/internal/summary"
)

const (
	defaultMeasurement     = "soil_reading"
	defaultBreakerFailures = 5
	defaultBreakerOpen     = 30 * time.Second

	readingIDTag = "reading_id"
	// readingIDSortColumn holds reading_id as an integer so "10" sorts after "9".
	readingIDSortColumn = "reading_seq"
)

// Field names of a reading point.
const (
	FieldTemperature = "temperature"
	FieldPH          = "ph"
	FieldNitrogen    = "nitrogen"
	FieldPhosphorus  = "phosphorus"
	FieldPotassium   = "potassium"
)

// PointWriter writes points synchronously.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Config holds the configuration for the Store.
type Config struct {
	Logger      *slog.Logger
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
	// The breaker opens after BreakerFailures consecutive failures and
	// stays open for BreakerOpen.
	BreakerFailures uint32
	BreakerOpen     time.Duration
}

// Store writes readings to and queries readings from one bucket.
type Store struct {
	logger      *slog.Logger
	client      influxdb2.Client
	writer      PointWriter
	querier     api.QueryAPI
	bucket      string
	measurement string
	breaker     *gobreaker.CircuitBreaker
}

// New connects a Store to InfluxDB.
func New(cfg *Config) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("influx config cannot be nil")
	}

	if cfg.URL == "" || cfg.Token == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("influx config incomplete")
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	s, err := NewWithAPIs(cfg, client.WriteAPIBlocking(cfg.Org, cfg.Bucket), client.QueryAPI(cfg.Org))
	if err != nil {
		client.Close()
		return nil, err
	}
	s.client = client
	return s, nil
}

// NewWithAPIs builds a Store on existing write and query APIs. querier may
// be nil for a write-only mirror.
func NewWithAPIs(cfg *Config, writer PointWriter, querier api.QueryAPI) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("influx config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if writer == nil {
		return nil, errors.New("point writer cannot be nil")
	}

	if cfg.Bucket == "" {
		return nil, errors.New("influx bucket cannot be empty")
	}

	logger := cfg.Logger.With("component", "influx", "bucket", cfg.Bucket)

	measurement := cfg.Measurement
	if measurement == "" {
		measurement = defaultMeasurement
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = defaultBreakerFailures
	}
	open := cfg.BreakerOpen
	if open <= 0 {
		open = defaultBreakerOpen
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "influxdb",
		Timeout: open,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &Store{
		logger:      logger,
		writer:      writer,
		querier:     querier,
		bucket:      cfg.Bucket,
		measurement: measurement,
		breaker:     breaker,
	}, nil
}

// Point converts a stored reading to an InfluxDB point.
func (s *Store) Point(id uint, r summary.Reading) *write.Point {
	return influxdb2.NewPoint(
		s.measurement,
		map[string]string{readingIDTag: strconv.FormatUint(uint64(id), 10)},
		map[string]interface{}{
			FieldTemperature: r.Temperature,
			FieldPH:          r.PH,
			FieldNitrogen:    r.Nitrogen,
			FieldPhosphorus:  r.Phosphorus,
			FieldPotassium:   r.Potassium,
		},
		r.Timestamp.UTC(),
	)
}

// WriteReading mirrors one reading. It fails fast while the breaker is open.
func (s *Store) WriteReading(ctx context.Context, id uint, r summary.Reading) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.writer.WritePoint(ctx, s.Point(id, r))
	})
	if err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	return nil
}

// ReadingsInRange returns the mirrored readings with start <= time < end in
// time order.
func (s *Store) ReadingsInRange(ctx context.Context, start, end time.Time) ([]summary.Reading, error) {
	if s.querier == nil {
		return nil, errors.New("influx store is write-only")
	}

	out, err := s.breaker.Execute(func() (interface{}, error) {
		res, err := s.querier.Query(ctx, s.RangeQuery(start, end))
		if err != nil {
			return nil, err
		}
		defer res.Close()

		var readings []summary.Reading
		for res.Next() {
			r, err := RecordToReading(res.Record())
			if err != nil {
				return nil, err
			}
			readings = append(readings, r)
		}
		if err := res.Err(); err != nil {
			return nil, err
		}
		return readings, nil
	})
	if err != nil {
		return nil, fmt.Errorf("influx query: %w", err)
	}

	readings, _ := out.([]summary.Reading)
	return readings, nil
}

// RangeQuery builds the Flux query returning one row per reading in
// [start, end), ordered by time and then numeric reading id like the
// relational store.
func (s *Store) RangeQuery(start, end time.Time) string {
	return fmt.Sprintf(`from(bucket: %q)
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => r._measurement == %q)
  |> pivot(rowKey: ["_time", %q], columnKey: ["_field"], valueColumn: "_value")
  |> group()
  |> map(fn: (r) => ({r with %s: int(v: r.%s)}))
  |> sort(columns: ["_time", %q])
`, s.bucket,
		start.UTC().Format(time.RFC3339Nano), end.UTC().Format(time.RFC3339Nano),
		s.measurement, readingIDTag, readingIDSortColumn, readingIDTag, readingIDSortColumn)
}

// RecordToReading converts a pivoted record to a reading.
func RecordToReading(rec *query.FluxRecord) (summary.Reading, error) {
	r := summary.Reading{Timestamp: rec.Time()}

	fields := []struct {
		name string
		dst  *float64
	}{
		{FieldTemperature, &r.Temperature},
		{FieldPH, &r.PH},
		{FieldNitrogen, &r.Nitrogen},
		{FieldPhosphorus, &r.Phosphorus},
		{FieldPotassium, &r.Potassium},
	}
	for _, f := range fields {
		v, ok := toFloat(rec.ValueByKey(f.name))
		if !ok {
			return summary.Reading{}, fmt.Errorf("record at %s: missing or non-numeric %s", rec.Time().Format(time.RFC3339), f.name)
		}
		*f.dst = v
	}
	return r, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Close releases the client connection.
func (s *Store) Close() {
	if s.client != nil {
		s.client.Close()
	}
}
