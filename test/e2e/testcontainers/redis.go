package testcontainers

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RedisConfig holds configuration for Redis test container.
type RedisConfig struct {
	// ContainerName is the name of the container (optional)
	ContainerName string
}

// StartRedis starts a Redis container for testing and returns the container and its address.
func StartRedis(ctx context.Context, config *RedisConfig) (testcontainers.Container, string, error) {
	if config == nil {
		config = &RedisConfig{}
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("6379/tcp"),
				wait.ForLog("Ready to accept connections"),
			),
			Name: config.ContainerName,
		},
		Started: true,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to start Redis container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, "", terminate(ctx, container, fmt.Errorf("failed to get container host: %w", err))
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		return nil, "", terminate(ctx, container, fmt.Errorf("failed to get container port: %w", err))
	}

	return container, fmt.Sprintf("%s:%s", host, port.Port()), nil
}
