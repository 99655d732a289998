// Package testcontainers provides helper functions for managing test containers across e2e tests.
package testcontainers

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	rabbitMQImage            = "rabbitmq:3-management-alpine"
	amqpPort        nat.Port = "5672/tcp"
	mqttPort        nat.Port = "1883/tcp"
	enabledPlugins           = "[rabbitmq_management,rabbitmq_mqtt]."
	pluginsFilePath          = "/etc/rabbitmq/enabled_plugins"
)

// RabbitMQConfig holds configuration for RabbitMQ test container.
type RabbitMQConfig struct {
	// User is the RabbitMQ username (default: guest)
	User string
	// Password is the RabbitMQ password (default: guest)
	Password string
	// ContainerName is the name of the container (optional)
	ContainerName string
	// EnableMQTT turns on the MQTT plugin and exposes port 1883.
	EnableMQTT bool
}

// StartRabbitMQ starts a RabbitMQ container and returns it with its AMQP URL.
func StartRabbitMQ(ctx context.Context, config *RabbitMQConfig) (testcontainers.Container, string, error) {
	if config == nil {
		config = &RabbitMQConfig{}
	}
	if config.User == "" {
		config.User = "guest"
	}
	if config.Password == "" {
		config.Password = "guest"
	}

	req := testcontainers.ContainerRequest{
		Image:        rabbitMQImage,
		ExposedPorts: []string{string(amqpPort), "15672/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort(amqpPort),
			wait.ForLog("Server startup complete"),
		),
		Env: map[string]string{
			"RABBITMQ_DEFAULT_USER": config.User,
			"RABBITMQ_DEFAULT_PASS": config.Password,
		},
		Name: config.ContainerName,
	}
	if config.EnableMQTT {
		req.ExposedPorts = append(req.ExposedPorts, string(mqttPort))
		req.Files = []testcontainers.ContainerFile{{
			Reader:            strings.NewReader(enabledPlugins),
			ContainerFilePath: pluginsFilePath,
			FileMode:          0o644,
		}}
		req.WaitingFor = wait.ForAll(
			wait.ForListeningPort(amqpPort),
			wait.ForListeningPort(mqttPort),
			wait.ForLog("Server startup complete"),
		)
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to start RabbitMQ container: %w", err)
	}

	addr, err := endpoint(ctx, container, amqpPort)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, "", err
	}

	return container, fmt.Sprintf("amqp://%s:%s@%s/", config.User, config.Password, addr), nil
}

// MQTTBrokerURL returns the tcp:// URL of the MQTT listener of a container
// started with EnableMQTT.
func MQTTBrokerURL(ctx context.Context, container testcontainers.Container) (string, error) {
	addr, err := endpoint(ctx, container, mqttPort)
	if err != nil {
		return "", err
	}
	return "tcp://" + addr, nil
}

// endpoint returns host:port of a mapped container port.
func endpoint(ctx context.Context, container testcontainers.Container, port nat.Port) (string, error) {
	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get container host: %w", err)
	}

	mapped, err := container.MappedPort(ctx, port)
	if err != nil {
		return "", fmt.Errorf("failed to get container port %s: %w", port, err)
	}

	return fmt.Sprintf("%s:%s", host, mapped.Port()), nil
}
