package testcontainers

import (
	"context"
	"strconv"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"procodus.dev/sensor-monitor/internal/store"
)

// PostgresConfig holds configuration for PostgreSQL test container.
type PostgresConfig struct {
	// User is the PostgreSQL username (default: postgres)
	User string
	// Password is the PostgreSQL password (default: postgres)
	Password string
	// Database is the database name (default: testdb)
	Database string
	// ContainerName is the name of the container (optional)
	ContainerName string
}

// StartPostgres starts a PostgreSQL container and returns a store configuration pointing at it.
// Logger and metrics are left for the caller to set.
func StartPostgres(ctx context.Context, config *PostgresConfig) (testcontainers.Container, *store.Config, error) {
	if config == nil {
		config = &PostgresConfig{}
	}
	if config.User == "" {
		config.User = "postgres"
	}
	if config.Password == "" {
		config.Password = "postgres"
	}
	if config.Database == "" {
		config.Database = "testdb"
	}

	container, host, port, err := start(ctx, testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		),
		Env: map[string]string{
			"POSTGRES_USER":     config.User,
			"POSTGRES_PASSWORD": config.Password,
			"POSTGRES_DB":       config.Database,
		},
		Name: config.ContainerName,
	}, "5432")
	if err != nil {
		return nil, nil, err
	}

	portNum, err := strconv.Atoi(port)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, nil, err
	}

	return container, &store.Config{
		Driver:   store.DriverPostgres,
		Host:     host,
		Port:     portNum,
		User:     config.User,
		Password: config.Password,
		DBName:   config.Database,
		SSLMode:  "disable",
	}, nil
}
