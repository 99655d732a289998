package summary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"agrisense.dev/soil-monitor/pkg/metrics"
)

// Subscriber is a user that receives the daily broadcast.
type Subscriber struct {
	ID       uint
	Username string
}

// Destination returns the group key of the subscriber's channel.
func (s Subscriber) Destination() string {
	return "user_" + strconv.FormatUint(uint64(s.ID), 10)
}

// Sender delivers one message to one destination. Implementations make a
// single attempt: there is no retry and no receipt.
type Sender interface {
	Send(ctx context.Context, destination string, msg Message) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, destination string, msg Message) error

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, destination string, msg Message) error {
	return f(ctx, destination, msg)
}

// DeliveryResult is the outcome of delivering to one subscriber.
type DeliveryResult struct {
	Subscriber  Subscriber
	Destination string
	Duration    time.Duration
	Err         error
}

// OK reports whether the delivery was handed to the transport.
func (r DeliveryResult) OK() bool { return r.Err == nil }

// Notifier fans a message out to subscribers, isolating each delivery.
type Notifier struct {
	logger      *slog.Logger
	sender      Sender
	concurrency int
	sendTimeout time.Duration
	metrics     *metrics.SummaryMetrics
}

// NotifierConfig holds the configuration for the Notifier.
type NotifierConfig struct {
	Logger *slog.Logger
	Sender Sender
	// Concurrency bounds parallel deliveries. Values below 2 deliver
	// sequentially in subscriber order.
	Concurrency int
	// SendTimeout bounds each delivery when positive. Zero leaves the
	// timeout to the transport.
	SendTimeout time.Duration
	Metrics     *metrics.SummaryMetrics
}

// NewNotifier creates a new Notifier instance.
func NewNotifier(cfg *NotifierConfig) (*Notifier, error) {
	if cfg == nil {
		return nil, errors.New("notifier config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Sender == nil {
		return nil, errors.New("sender cannot be nil")
	}

	if cfg.SendTimeout < 0 {
		return nil, errors.New("send timeout cannot be negative")
	}

	return &Notifier{
		logger:      cfg.Logger,
		sender:      cfg.Sender,
		concurrency: cfg.Concurrency,
		sendTimeout: cfg.SendTimeout,
		metrics:     cfg.Metrics,
	}, nil
}

// Broadcast delivers msg to every subscriber and returns one result per
// subscriber, in subscriber order. A failed delivery is logged and recorded;
// it never stops the remaining deliveries.
func (n *Notifier) Broadcast(ctx context.Context, msg Message, subscribers []Subscriber) []DeliveryResult {
	results := make([]DeliveryResult, len(subscribers))
	if len(subscribers) == 0 {
		return results
	}

	if n.concurrency < 2 {
		for i, sub := range subscribers {
			results[i] = n.deliver(ctx, sub, msg)
		}
		return results
	}

	// Errors are carried in results; the group only bounds parallelism.
	var g errgroup.Group
	g.SetLimit(n.concurrency)
	for i, sub := range subscribers {
		g.Go(func() error {
			results[i] = n.deliver(ctx, sub, msg)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// deliver makes one delivery attempt. A panicking sender counts as a failed
// delivery.
func (n *Notifier) deliver(ctx context.Context, sub Subscriber, msg Message) (res DeliveryResult) {
	res = DeliveryResult{Subscriber: sub, Destination: sub.Destination()}
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("sender panic: %v", r)
		}
		res.Duration = time.Since(start)
		n.record(res)
	}()

	if n.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.sendTimeout)
		defer cancel()
	}

	if err := n.sender.Send(ctx, res.Destination, msg); err != nil {
		res.Err = err
	}
	return res
}

func (n *Notifier) record(res DeliveryResult) {
	if res.Err != nil {
		n.logger.Warn("failed to deliver daily summary",
			"subscriber_id", res.Subscriber.ID,
			"username", res.Subscriber.Username,
			"destination", res.Destination,
			"error", res.Err,
		)
	} else {
		n.logger.Debug("daily summary delivered",
			"subscriber_id", res.Subscriber.ID,
			"destination", res.Destination,
		)
	}

	if n.metrics == nil {
		return
	}
	n.metrics.DeliveryDuration.Observe(res.Duration.Seconds())
	if res.Err != nil {
		n.metrics.DeliveriesTotal.WithLabelValues("error").Inc()
	} else {
		n.metrics.DeliveriesTotal.WithLabelValues("success").Inc()
	}
}
