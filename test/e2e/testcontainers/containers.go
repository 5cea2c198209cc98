// Package testcontainers provides helper functions for managing test containers across e2e tests.
package testcontainers

import (
	"context"
	"fmt"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
)

// start runs req and resolves the host and mapped port of port. The container is terminated on failure.
func start(ctx context.Context, req testcontainers.ContainerRequest, port string) (testcontainers.Container, string, string, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to start %s container: %w", req.Image, err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		if termErr := container.Terminate(ctx); termErr != nil {
			return nil, "", "", fmt.Errorf("failed to get container host: %w (cleanup error: %w)", err, termErr)
		}
		return nil, "", "", fmt.Errorf("failed to get container host: %w", err)
	}

	mapped, err := container.MappedPort(ctx, nat.Port(port))
	if err != nil {
		if termErr := container.Terminate(ctx); termErr != nil {
			return nil, "", "", fmt.Errorf("failed to get container port: %w (cleanup error: %w)", err, termErr)
		}
		return nil, "", "", fmt.Errorf("failed to get container port: %w", err)
	}

	return container, host, mapped.Port(), nil
}
