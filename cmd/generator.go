package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agrisense.dev/soil-monitor/internal/producer"
	"agrisense.dev/soil-monitor/pkg/metrics"
)

var generatorCmd = &cobra.Command{
	Use:   "generator",
	Short: "Run the data generator",
	Long: `Run the data generator that:
- Simulates soil sensors in the field
- Publishes JSON readings to the ingest queue
- Supports multiple concurrent producers`,
	RunE: runGenerator,
}

func init() {
	rootCmd.AddCommand(generatorCmd)

	// Generator-specific flags
	generatorCmd.Flags().String("rabbitmq-url", "amqp://localhost:5672", "RabbitMQ URL")
	generatorCmd.Flags().String("queue-name", "soil-readings", "RabbitMQ queue name for soil readings")
	generatorCmd.Flags().Int("metrics-port", 0, "serve Prometheus metrics on this port when positive")
	generatorCmd.Flags().Int("producer-count", 2, "Number of concurrent producers")
	generatorCmd.Flags().Duration("interval", 5*time.Second, "Interval between data generation")

	// Bind flags to viper
	_ = viper.BindPFlag("generator.rabbitmq.url", generatorCmd.Flags().Lookup("rabbitmq-url"))
	_ = viper.BindPFlag("generator.rabbitmq.queue_name", generatorCmd.Flags().Lookup("queue-name"))
	_ = viper.BindPFlag("generator.metrics_port", generatorCmd.Flags().Lookup("metrics-port"))
	_ = viper.BindPFlag("generator.producer_count", generatorCmd.Flags().Lookup("producer-count"))
	_ = viper.BindPFlag("generator.interval", generatorCmd.Flags().Lookup("interval"))
}

func runGenerator(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting generator service")

	config := &producer.ServerConfig{
		Logger:        logger,
		RabbitMQURL:   viper.GetString("generator.rabbitmq.url"),
		QueueName:     viper.GetString("generator.rabbitmq.queue_name"),
		ProducerCount: viper.GetInt("generator.producer_count"),
		Interval:      viper.GetDuration("generator.interval"),
	}
	if port := viper.GetInt("generator.metrics_port"); port > 0 {
		config.Metrics = metrics.NewProducerMetrics("generator")
		config.MQMetrics = metrics.NewMQMetrics("generator")
		serveMetrics(logger, port)
	}

	server, err := producer.NewServer(config)
	if err != nil {
		logger.Error("failed to create generator server", "error", err)
		return err
	}

	logger.Info("generator server configuration",
		"rabbitmq_url", config.RabbitMQURL,
		"queue", config.QueueName,
		"producer_count", config.ProducerCount,
		"interval", config.Interval,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("generator server error", "error", err)
		return err
	}

	logger.Info("generator server stopped")
	return nil
}

func serveMetrics(logger *slog.Logger, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("serving generator metrics", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
}
