package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agrisense.dev/soil-monitor/internal/backend"
)

var backendCmd = &cobra.Command{
	Use:   "backend",
	Short: "Run the backend server",
	Long: `Run the backend server that:
- Consumes soil readings from RabbitMQ and accepts them over HTTP
- Persists readings to PostgreSQL, optionally mirrored to InfluxDB
- Broadcasts the daily soil summary to every active user
- Serves notification sessions over WebSocket and gRPC health checks`,
	RunE: runBackend,
}

func init() {
	rootCmd.AddCommand(backendCmd)

	f := backendCmd.Flags()
	f.String("db-host", "localhost", "PostgreSQL host")
	f.Int("db-port", 5432, "PostgreSQL port")
	f.String("db-user", "postgres", "PostgreSQL user")
	f.String("db-password", "", "PostgreSQL password")
	f.String("db-name", "agrisense", "PostgreSQL database name")
	f.String("db-sslmode", "disable", "PostgreSQL SSL mode")
	f.String("rabbitmq-url", "amqp://localhost:5672", "RabbitMQ URL")
	f.String("queue-name", "soil-readings", "RabbitMQ queue name for incoming readings")
	f.String("exchange", "notifications", "RabbitMQ exchange for per-user notifications")
	f.Int("http-port", 8000, "HTTP API port")
	f.Int("grpc-port", 9090, "gRPC health port")
	f.String("transport", backend.TransportAMQP, "notification transport (amqp, mqtt)")
	f.String("mqtt-broker", "", "MQTT broker URL, e.g. tcp://localhost:1883")
	f.String("mqtt-client-id", "agrisense-backend", "MQTT client identifier")
	f.String("mqtt-username", "", "MQTT username")
	f.String("mqtt-password", "", "MQTT password")
	f.String("mqtt-topic-prefix", "", "MQTT topic prefix for notifications")
	f.String("influx-url", "", "InfluxDB URL; enables the time-series mirror")
	f.String("influx-token", "", "InfluxDB token")
	f.String("influx-org", "", "InfluxDB organization")
	f.String("influx-bucket", "soil", "InfluxDB bucket")
	f.String("influx-measurement", "soil_reading", "InfluxDB measurement")
	f.String("readings-source", backend.SourcePostgres, "store the daily aggregate reads from (postgres, influx)")
	f.String("jwt-secret", "", "HS256 secret for notification session tokens")
	f.String("timezone", defaultTimezone, "IANA time zone that defines the calendar day")
	f.Int("summary-hour", 0, "hour of day the summary runs")
	f.Int("summary-minute", 0, "minute of hour the summary runs")
	f.Int("summary-concurrency", 1, "parallel deliveries; 1 delivers sequentially")
	f.Duration("send-timeout", 0, "optional timeout for each delivery; 0 leaves it to the transport")

	bindings := map[string]string{
		"backend.db.host":             "db-host",
		"backend.db.port":             "db-port",
		"backend.db.user":             "db-user",
		"backend.db.password":         "db-password",
		"backend.db.name":             "db-name",
		"backend.db.sslmode":          "db-sslmode",
		"backend.rabbitmq.url":        "rabbitmq-url",
		"backend.rabbitmq.queue_name": "queue-name",
		"backend.rabbitmq.exchange":   "exchange",
		"backend.http.port":           "http-port",
		"backend.grpc.port":           "grpc-port",
		"backend.transport":           "transport",
		"backend.mqtt.broker":         "mqtt-broker",
		"backend.mqtt.client_id":      "mqtt-client-id",
		"backend.mqtt.username":       "mqtt-username",
		"backend.mqtt.password":       "mqtt-password",
		"backend.mqtt.topic_prefix":   "mqtt-topic-prefix",
		"backend.influx.url":          "influx-url",
		"backend.influx.token":        "influx-token",
		"backend.influx.org":          "influx-org",
		"backend.influx.measurement":  "influx-measurement",
		"backend.influx.bucket":       "influx-bucket",
		"backend.readings_source":     "readings-source",
		"backend.auth.jwt_secret":     "jwt-secret",
		"summary.timezone":            "timezone",
		"summary.hour":                "summary-hour",
		"summary.minute":              "summary-minute",
		"summary.concurrency":         "summary-concurrency",
		"summary.send_timeout":        "send-timeout",
	}
	for key, flag := range bindings {
		_ = viper.BindPFlag(key, f.Lookup(flag))
	}
}

// backendConfig builds the server configuration from viper.
func backendConfig(logger *slog.Logger) (*backend.ServerConfig, error) {
	loc, err := GetLocation("summary.timezone")
	if err != nil {
		return nil, err
	}

	return &backend.ServerConfig{
		Logger:             logger,
		DBHost:             viper.GetString("backend.db.host"),
		DBPort:             viper.GetInt("backend.db.port"),
		DBUser:             viper.GetString("backend.db.user"),
		DBPassword:         viper.GetString("backend.db.password"),
		DBName:             viper.GetString("backend.db.name"),
		DBSSLMode:          viper.GetString("backend.db.sslmode"),
		RabbitMQURL:        viper.GetString("backend.rabbitmq.url"),
		QueueName:          viper.GetString("backend.rabbitmq.queue_name"),
		Exchange:           viper.GetString("backend.rabbitmq.exchange"),
		HTTPPort:           viper.GetInt("backend.http.port"),
		GRPCPort:           viper.GetInt("backend.grpc.port"),
		Transport:          viper.GetString("backend.transport"),
		MQTTBroker:         viper.GetString("backend.mqtt.broker"),
		MQTTClientID:       viper.GetString("backend.mqtt.client_id"),
		MQTTUsername:       viper.GetString("backend.mqtt.username"),
		MQTTPassword:       viper.GetString("backend.mqtt.password"),
		MQTTTopicPrefix:    viper.GetString("backend.mqtt.topic_prefix"),
		InfluxURL:          viper.GetString("backend.influx.url"),
		InfluxToken:        viper.GetString("backend.influx.token"),
		InfluxOrg:          viper.GetString("backend.influx.org"),
		InfluxBucket:       viper.GetString("backend.influx.bucket"),
		InfluxMeasurement:  viper.GetString("backend.influx.measurement"),
		ReadingsSource:     viper.GetString("backend.readings_source"),
		JWTSecret:          viper.GetString("backend.auth.jwt_secret"),
		Location:           loc,
		SummaryHour:        viper.GetInt("summary.hour"),
		SummaryMinute:      viper.GetInt("summary.minute"),
		SummaryConcurrency: viper.GetInt("summary.concurrency"),
		SendTimeout:        viper.GetDuration("summary.send_timeout"),
	}, nil
}

func runBackend(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting backend service")

	config, err := backendConfig(logger)
	if err != nil {
		logger.Error("invalid backend configuration", "error", err)
		return err
	}

	server, err := backend.NewServer(config)
	if err != nil {
		logger.Error("failed to create backend server", "error", err)
		return err
	}

	logger.Info("backend server configuration",
		"db_host", config.DBHost,
		"db_port", config.DBPort,
		"db_name", config.DBName,
		"rabbitmq_url", config.RabbitMQURL,
		"reading_queue", config.QueueName,
		"exchange", config.Exchange,
		"http_port", config.HTTPPort,
		"grpc_port", config.GRPCPort,
		"transport", config.Transport,
		"timezone", config.Location.String(),
		"summary_at", time.Date(0, 1, 1, config.SummaryHour, config.SummaryMinute, 0, 0, time.UTC).Format("15:04"),
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("backend server error", "error", err)
		return err
	}

	logger.Info("backend server stopped")
	return nil
}
