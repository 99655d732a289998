package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"agrisense.dev/soil-monitor/internal/summary"
	"agrisense.dev/soil-monitor/pkg/metrics"
)

const maxReadingBodyBytes = 64 << 10

// RowQuerier returns stored readings of a time range.
type RowQuerier interface {
	RowsInRange(ctx context.Context, start, end time.Time) ([]SensorReading, error)
}

// SummaryRunner computes and broadcasts daily summaries.
type SummaryRunner interface {
	Location() *time.Location
	TargetDay(t time.Time) time.Time
	Compute(ctx context.Context, asOf time.Time) (summary.DailyAggregate, error)
	ComputeAndNotify(ctx context.Context, asOf time.Time) (*summary.Report, error)
}

// API serves the HTTP endpoints of the backend.
type API struct {
	logger   *slog.Logger
	ingestor *Ingestor
	rows     RowQuerier
	job      SummaryRunner
	metrics  *metrics.BackendMetrics
	now      func() time.Time
	router   *mux.Router
}

// APIConfig holds the configuration for the API.
type APIConfig struct {
	Logger   *slog.Logger
	Ingestor *Ingestor
	Rows     RowQuerier
	Job      SummaryRunner
	Metrics  *metrics.BackendMetrics
	// Extra routes mounted on the same router, keyed by path.
	Extra map[string]http.Handler
	// Now defaults to time.Now.
	Now func() time.Time
}

// NewAPI creates a new API instance.
func NewAPI(cfg *APIConfig) (*API, error) {
	if cfg == nil {
		return nil, errors.New("api config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Ingestor == nil {
		return nil, errors.New("ingestor cannot be nil")
	}

	if cfg.Rows == nil {
		return nil, errors.New("reading query cannot be nil")
	}

	if cfg.Job == nil {
		return nil, errors.New("summary job cannot be nil")
	}

	a := &API{
		logger:   cfg.Logger.With("component", "api"),
		ingestor: cfg.Ingestor,
		rows:     cfg.Rows,
		job:      cfg.Job,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
	}
	if a.now == nil {
		a.now = time.Now
	}

	r := mux.NewRouter()
	r.Use(a.instrument)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/readings", a.createReading).Methods(http.MethodPost)
	api.HandleFunc("/soil-summary", a.soilSummary).Methods(http.MethodGet)
	api.HandleFunc("/daily-summary", a.dailySummary).Methods(http.MethodGet)
	api.HandleFunc("/daily-summary/run", a.runDailySummary).Methods(http.MethodPost)

	r.HandleFunc("/healthz", a.healthz).Methods(http.MethodGet)
	for path, h := range cfg.Extra {
		r.Handle(path, h)
	}

	a.router = r
	return a, nil
}

// Handler returns the router wrapped with panic recovery and CORS.
func (a *API) Handler() http.Handler {
	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
	)
	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{a.logger}),
		handlers.PrintRecoveryStack(false),
	)
	return recovery(cors(a.router))
}

// instrument records request metrics per route template.
func (a *API) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}

		m := httpsnoop.CaptureMetrics(next, w, r)

		a.logger.Debug("http request",
			"method", r.Method,
			"route", route,
			"code", m.Code,
			"duration", m.Duration,
		)
		if a.metrics != nil {
			a.metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(m.Code)).Inc()
			a.metrics.HTTPRequestDuration.WithLabelValues(route).Observe(m.Duration.Seconds())
		}
	})
}

type readingResponse struct {
	ID          uint      `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Temperature float64   `json:"temperature"`
	PH          float64   `json:"ph"`
	Nitrogen    float64   `json:"nitrogen"`
	Phosphorus  float64   `json:"phosphorus"`
	Potassium   float64   `json:"potassium"`
}

func newReadingResponse(row SensorReading, loc *time.Location) readingResponse {
	return readingResponse{
		ID:          row.ID,
		Timestamp:   row.Timestamp.In(loc),
		Temperature: row.Temperature,
		PH:          row.PH,
		Nitrogen:    row.Nitrogen,
		Phosphorus:  row.Phosphorus,
		Potassium:   row.Potassium,
	}
}

func (a *API) createReading(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxReadingBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "request body too large")
		return
	}

	row, err := a.ingestor.IngestJSON(r.Context(), body)
	if errors.Is(err, ErrInvalidReading) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		a.logger.Error("failed to store reading", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store reading")
		return
	}

	writeJSON(w, http.StatusCreated, newReadingResponse(row, a.job.Location()))
}

func (a *API) soilSummary(w http.ResponseWriter, r *http.Request) {
	day, ok := a.parseDate(w, r, true)
	if !ok {
		return
	}

	start, end := summary.DayWindow(day, a.job.Location())
	rows, err := a.rows.RowsInRange(r.Context(), start, end)
	if err != nil {
		a.logger.Error("failed to load readings", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load readings")
		return
	}

	out := make([]readingResponse, len(rows))
	for i, row := range rows {
		out[i] = newReadingResponse(row, a.job.Location())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"date":     start.Format(time.DateOnly),
		"count":    len(out),
		"readings": out,
	})
}

func (a *API) dailySummary(w http.ResponseWriter, r *http.Request) {
	day, ok := a.parseDate(w, r, true)
	if !ok {
		return
	}

	today, _ := summary.DayWindow(a.now(), a.job.Location())
	if day.After(today) {
		writeError(w, http.StatusBadRequest, "date is in the future")
		return
	}

	agg, err := a.job.Compute(r.Context(), day)
	if errors.Is(err, summary.ErrNoData) {
		writeError(w, http.StatusNotFound, "no sensor data for date")
		return
	}
	if err != nil {
		a.logger.Error("failed to compute daily aggregate", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compute daily aggregate")
		return
	}

	figures := agg.Rounded()
	writeJSON(w, http.StatusOK, map[string]any{
		"date":    agg.Start.Format(time.DateOnly),
		"count":   agg.Count,
		"summary": figures,
		"message": summary.FormatSummary(figures),
	})
}

type failureResponse struct {
	SubscriberID uint   `json:"subscriber_id"`
	Destination  string `json:"destination"`
	Error        string `json:"error"`
}

func (a *API) runDailySummary(w http.ResponseWriter, r *http.Request) {
	day, ok := a.parseDate(w, r, false)
	if !ok {
		return
	}
	if day.IsZero() {
		day = a.job.TargetDay(a.now())
	}

	report, err := a.job.ComputeAndNotify(r.Context(), day)
	if errors.Is(err, summary.ErrRunInProgress) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		a.logger.Error("manual daily summary run failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	failures := make([]failureResponse, 0)
	for _, f := range report.Failures() {
		failures = append(failures, failureResponse{
			SubscriberID: f.Subscriber.ID,
			Destination:  f.Destination,
			Error:        f.Err.Error(),
		})
	}

	resp := map[string]any{
		"run_id":    report.RunID,
		"date":      report.Day.Format(time.DateOnly),
		"no_data":   report.NoData,
		"delivered": report.Delivered(),
		"failed":    len(failures),
		"failures":  failures,
	}
	if report.Message != nil {
		resp["message"] = report.Message
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseDate reads the date query parameter as a local calendar day. When
// required is false a missing parameter yields the zero time.
func (a *API) parseDate(w http.ResponseWriter, r *http.Request, required bool) (time.Time, bool) {
	raw := r.URL.Query().Get("date")
	if raw == "" {
		if required {
			writeError(w, http.StatusBadRequest, "date parameter is required")
			return time.Time{}, false
		}
		return time.Time{}, true
	}

	day, err := time.ParseInLocation(time.DateOnly, raw, a.job.Location())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid date format, use YYYY-MM-DD")
		return time.Time{}, false
	}
	return day, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

type recoveryLogger struct {
	logger *slog.Logger
}

func (l recoveryLogger) Println(v ...any) {
	l.logger.Error("recovered from panic in http handler", "panic", v)
}
