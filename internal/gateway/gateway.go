package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	amqp "github.com/rabbitmq/amqp091-go"

	"agrisense.dev/soil-monitor/internal/summary"
	"agrisense.dev/soil-monitor/pkg/metrics"
	"agrisense.dev/soil-monitor/pkg/mq"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
	maxClientMessage    = 512
)

// Gateway upgrades authenticated requests to WebSocket sessions and
// streams the user's group notifications to them.
type Gateway struct {
	logger       *slog.Logger
	verifier     *Verifier
	subscriber   mq.Subscriber
	upgrader     websocket.Upgrader
	metrics      *metrics.BackendMetrics
	pingInterval time.Duration
	writeTimeout time.Duration
}

// Config holds the configuration for the Gateway.
type Config struct {
	Logger     *slog.Logger
	Verifier   *Verifier
	Subscriber mq.Subscriber
	Metrics    *metrics.BackendMetrics
	// AllowedOrigins restricts the Origin header. Empty allows any origin.
	AllowedOrigins []string
	PingInterval   time.Duration
	WriteTimeout   time.Duration
}

// New creates a new Gateway instance.
func New(cfg *Config) (*Gateway, error) {
	if cfg == nil {
		return nil, errors.New("gateway config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Verifier == nil {
		return nil, errors.New("verifier cannot be nil")
	}

	if cfg.Subscriber == nil {
		return nil, errors.New("subscriber cannot be nil")
	}

	g := &Gateway{
		logger:       cfg.Logger.With("component", "gateway"),
		verifier:     cfg.Verifier,
		subscriber:   cfg.Subscriber,
		metrics:      cfg.Metrics,
		pingInterval: cfg.PingInterval,
		writeTimeout: cfg.WriteTimeout,
	}
	if g.pingInterval <= 0 {
		g.pingInterval = defaultPingInterval
	}
	if g.writeTimeout <= 0 {
		g.writeTimeout = defaultWriteTimeout
	}

	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return g, nil
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := g.verifier.Verify(TokenFromRequest(r))
	if err != nil {
		g.logger.Debug("rejected notification session", "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	group := summary.Subscriber{ID: claims.UserID}.Destination()
	log := g.logger.With("user_id", claims.UserID, "group", group)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	deliveries, unsubscribe, err := g.subscriber.Subscribe(ctx, group)
	if err != nil {
		log.Error("failed to join notification group", "error", err)
		http.Error(w, "notification channel unavailable", http.StatusServiceUnavailable)
		return
	}
	defer func() {
		if err := unsubscribe(); err != nil {
			log.Debug("failed to leave notification group", "error", err)
		}
	}()

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if g.metrics != nil {
		g.metrics.ActiveSessions.Inc()
		defer g.metrics.ActiveSessions.Dec()
	}

	log.Info("notification session opened")
	g.session(ctx, cancel, conn, deliveries, log)
	log.Info("notification session closed")
}

// session pumps deliveries to conn until the client goes away, the
// subscription ends or ctx is done.
func (g *Gateway) session(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, deliveries <-chan amqp.Delivery, log *slog.Logger) {
	pongWait := g.pingInterval * 2

	conn.SetReadLimit(maxClientMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Sessions are receive-only; client frames are read to process
	// control messages and detect disconnects.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(g.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.closeConn(conn, websocket.CloseGoingAway)
			return

		case d, ok := <-deliveries:
			if !ok {
				log.Warn("notification subscription ended")
				g.closeConn(conn, websocket.CloseTryAgainLater)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(g.writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, d.Body); err != nil {
				log.Debug("failed to write notification", "error", err)
				return
			}

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(g.writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) closeConn(conn *websocket.Conn, code int) {
	msg := websocket.FormatCloseMessage(code, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(g.writeTimeout))
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}

	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
