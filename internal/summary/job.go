package summary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"agrisense.dev/soil-monitor/pkg/metrics"
)

// ErrRunInProgress is returned when a run is requested while another one is
// still executing in this process.
var ErrRunInProgress = errors.New("daily summary run already in progress")

// ReadingSource returns the readings whose timestamp lies in [start, end).
type ReadingSource interface {
	ReadingsInRange(ctx context.Context, start, end time.Time) ([]Reading, error)
}

// SubscriberSource enumerates the current subscribers.
type SubscriberSource interface {
	AllSubscribers(ctx context.Context) ([]Subscriber, error)
}

// Report describes one run of the pipeline.
type Report struct {
	RunID     string
	Day       time.Time
	NoData    bool
	Aggregate *DailyAggregate
	Message   *Message
	Results   []DeliveryResult
}

// Delivered returns the number of successful deliveries.
func (r *Report) Delivered() int {
	n := 0
	for _, res := range r.Results {
		if res.OK() {
			n++
		}
	}
	return n
}

// Failures returns the failed deliveries.
func (r *Report) Failures() []DeliveryResult {
	var out []DeliveryResult
	for _, res := range r.Results {
		if !res.OK() {
			out = append(out, res)
		}
	}
	return out
}

// Job runs the compute-aggregate then fan-out pipeline.
type Job struct {
	logger      *slog.Logger
	readings    ReadingSource
	subscribers SubscriberSource
	notifier    *Notifier
	location    *time.Location
	now         func() time.Time
	newID       func() string
	metrics     *metrics.SummaryMetrics
	runMu       sync.Mutex
}

// JobConfig holds the configuration for the Job.
type JobConfig struct {
	Logger      *slog.Logger
	Readings    ReadingSource
	Subscribers SubscriberSource
	Notifier    *Notifier
	// Location defines the calendar day. Defaults to time.Local.
	Location *time.Location
	// Now defaults to time.Now.
	Now func() time.Time
	// NewID generates run identifiers. Defaults to random UUIDs.
	NewID   func() string
	Metrics *metrics.SummaryMetrics
}

// NewJob creates a new Job instance.
func NewJob(cfg *JobConfig) (*Job, error) {
	if cfg == nil {
		return nil, errors.New("job config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Readings == nil {
		return nil, errors.New("reading source cannot be nil")
	}

	if cfg.Subscribers == nil {
		return nil, errors.New("subscriber source cannot be nil")
	}

	if cfg.Notifier == nil {
		return nil, errors.New("notifier cannot be nil")
	}

	j := &Job{
		logger:      cfg.Logger,
		readings:    cfg.Readings,
		subscribers: cfg.Subscribers,
		notifier:    cfg.Notifier,
		location:    cfg.Location,
		now:         cfg.Now,
		newID:       cfg.NewID,
		metrics:     cfg.Metrics,
	}
	if j.location == nil {
		j.location = time.Local
	}
	if j.now == nil {
		j.now = time.Now
	}
	if j.newID == nil {
		j.newID = uuid.NewString
	}
	return j, nil
}

// Location returns the time zone that defines calendar days.
func (j *Job) Location() *time.Location { return j.location }

// TargetDay returns the start of the calendar day that ended most recently
// at t, the day a run triggered at t summarizes.
func (j *Job) TargetDay(t time.Time) time.Time {
	start, _ := DayWindow(t, j.location)
	return start.AddDate(0, 0, -1)
}

// Compute aggregates the readings of the calendar day containing asOf.
func (j *Job) Compute(ctx context.Context, asOf time.Time) (DailyAggregate, error) {
	start, end := DayWindow(asOf, j.location)

	readings, err := j.readings.ReadingsInRange(ctx, start, end)
	if err != nil {
		return DailyAggregate{}, fmt.Errorf("load readings: %w", err)
	}

	agg, err := Aggregate(readings)
	if err != nil {
		return DailyAggregate{}, err
	}
	agg.Start, agg.End = start, end
	return agg, nil
}

// ComputeAndNotify aggregates the calendar day containing asOf and delivers
// the summary to every subscriber. A day without readings yields a report
// with NoData set and no deliveries. Errors while loading readings or
// subscribers abort the run before anything is sent. Delivery failures are
// reported in Report.Results and never returned. Cancelling ctx does not stop
// a run: once started it attempts every subscriber.
func (j *Job) ComputeAndNotify(ctx context.Context, asOf time.Time) (*Report, error) {
	ctx = context.WithoutCancel(ctx)

	if !j.runMu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer j.runMu.Unlock()

	if j.metrics != nil {
		timer := prometheus.NewTimer(j.metrics.RunDuration)
		defer timer.ObserveDuration()
	}

	day, _ := DayWindow(asOf, j.location)
	report := &Report{RunID: j.newID(), Day: day}
	log := j.logger.With("run_id", report.RunID, "day", day.Format(time.DateOnly))

	agg, err := j.Compute(ctx, asOf)
	if errors.Is(err, ErrNoData) {
		log.Info("no sensor data for day, skipping notification")
		report.NoData = true
		j.finish("no_data", 0)
		return report, nil
	}
	if err != nil {
		j.finish("error", 0)
		return nil, fmt.Errorf("compute daily aggregate: %w", err)
	}
	report.Aggregate = &agg

	subscribers, err := j.subscribers.AllSubscribers(ctx)
	if err != nil {
		j.finish("error", agg.Count)
		return nil, fmt.Errorf("list subscribers: %w", err)
	}

	msg := NewMessage(report.RunID, agg, j.now().In(j.location))
	report.Message = &msg

	log.Info("daily average computed",
		"readings", agg.Count,
		"summary", msg.Message,
		"subscribers", len(subscribers),
	)

	report.Results = j.notifier.Broadcast(ctx, msg, subscribers)

	failed := len(report.Results) - report.Delivered()
	log.Info("daily summary broadcast complete",
		"delivered", report.Delivered(),
		"failed", failed,
	)
	j.finish("sent", agg.Count)

	return report, nil
}

// RunScheduled summarizes the day that ended before fired. It is the
// scheduler callback: errors are logged, not returned.
func (j *Job) RunScheduled(ctx context.Context, fired time.Time) {
	if _, err := j.ComputeAndNotify(ctx, j.TargetDay(fired)); err != nil {
		j.logger.Error("daily summary run failed", "error", err)
	}
}

// RunDailySummary is the fire-and-forget entry point for external
// schedulers.
func (j *Job) RunDailySummary(ctx context.Context) {
	j.RunScheduled(ctx, j.now())
}

func (j *Job) finish(outcome string, readings int) {
	if j.metrics == nil {
		return
	}
	j.metrics.RunsTotal.WithLabelValues(outcome).Inc()
	j.metrics.LastRunTimestamp.SetToCurrentTime()
	if readings > 0 {
		j.metrics.ReadingsAggregated.Set(float64(readings))
	}
}
