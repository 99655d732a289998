package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"agrisense.dev/soil-monitor/internal/summary"
	"agrisense.dev/soil-monitor/pkg/metrics"
)

// ReadingStore persists soil readings in PostgreSQL.
type ReadingStore struct {
	db      *gorm.DB
	metrics *metrics.BackendMetrics
}

// NewReadingStore creates a new ReadingStore instance.
func NewReadingStore(db *gorm.DB, m *metrics.BackendMetrics) (*ReadingStore, error) {
	if db == nil {
		return nil, errors.New("database cannot be nil")
	}
	return &ReadingStore{db: db, metrics: m}, nil
}

// Save inserts r and returns the stored row.
func (s *ReadingStore) Save(ctx context.Context, r summary.Reading) (SensorReading, error) {
	done := s.observe("insert")

	row := NewSensorReading(r)
	err := s.db.WithContext(ctx).Create(&row).Error
	done(err)
	if err != nil {
		return SensorReading{}, fmt.Errorf("failed to create sensor reading: %w", err)
	}
	return row, nil
}

// ReadingsInRange returns the readings with start <= timestamp < end in
// timestamp order. Rows sharing a timestamp are ordered by id so repeated
// queries see the same sequence.
func (s *ReadingStore) ReadingsInRange(ctx context.Context, start, end time.Time) ([]summary.Reading, error) {
	rows, err := s.RowsInRange(ctx, start, end)
	if err != nil {
		return nil, err
	}

	out := make([]summary.Reading, len(rows))
	for i, row := range rows {
		out[i] = row.ToSummary()
	}
	return out, nil
}

// RowsInRange is ReadingsInRange returning the stored rows.
func (s *ReadingStore) RowsInRange(ctx context.Context, start, end time.Time) ([]SensorReading, error) {
	done := s.observe("select")

	var rows []SensorReading
	err := s.db.WithContext(ctx).
		Where("timestamp >= ? AND timestamp < ?", start.UTC(), end.UTC()).
		Order("timestamp ASC").
		Order("id ASC").
		Find(&rows).Error
	done(err)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch sensor readings: %w", err)
	}
	return rows, nil
}

func (s *ReadingStore) observe(operation string) func(error) {
	return observeDB(s.metrics, operation, SensorReading{}.TableName())
}

// SubscriberStore enumerates subscribers from the identity store table.
type SubscriberStore struct {
	db      *gorm.DB
	metrics *metrics.BackendMetrics
}

// NewSubscriberStore creates a new SubscriberStore instance.
func NewSubscriberStore(db *gorm.DB, m *metrics.BackendMetrics) (*SubscriberStore, error) {
	if db == nil {
		return nil, errors.New("database cannot be nil")
	}
	return &SubscriberStore{db: db, metrics: m}, nil
}

// AllSubscribers returns every active user ordered by id.
func (s *SubscriberStore) AllSubscribers(ctx context.Context) ([]summary.Subscriber, error) {
	done := observeDB(s.metrics, "select", User{}.TableName())

	var users []User
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("id ASC").
		Find(&users).Error
	done(err)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch users: %w", err)
	}

	subs := make([]summary.Subscriber, len(users))
	for i, u := range users {
		subs[i] = u.ToSubscriber()
	}
	return subs, nil
}

// observeDB starts timing a database operation. The returned func records
// the outcome.
func observeDB(m *metrics.BackendMetrics, operation, table string) func(error) {
	if m == nil {
		return func(error) {}
	}

	timer := prometheus.NewTimer(m.DBOperationDuration.WithLabelValues(operation, table))
	return func(err error) {
		timer.ObserveDuration()
		status := "success"
		if err != nil {
			status = "error"
		}
		m.DBOperationsTotal.WithLabelValues(operation, table, status).Inc()
	}
}
