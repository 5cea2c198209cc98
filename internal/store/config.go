package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gorm.io/gorm"

	"procodus.dev/sensor-monitor/pkg/metrics"
)

// Driver selects a storage backend.
type Driver string

// Supported drivers.
const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
	DriverMongo    Driver = "mongo"
)

// DefaultSQLitePath is the database file used when none is configured.
const DefaultSQLitePath = "sensor_data.db"

// Config holds the store configuration for every driver.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.BackendMetrics // Optional metrics
	// Dialector, when set, is used by the GORM backend instead of building one from Driver.
	Dialector gorm.Dialector
	Driver    Driver

	// SQLite
	Path string

	// PostgreSQL
	Host     string
	User     string
	Password string
	SSLMode  string
	Port     int

	// MongoDB
	URI string

	// DBName is the PostgreSQL database or the MongoDB database.
	DBName string
}

// ParseDriver converts a configuration string to a Driver.
func ParseDriver(s string) (Driver, error) {
	switch d := Driver(strings.ToLower(strings.TrimSpace(s))); d {
	case DriverSQLite, DriverPostgres, DriverMongo:
		return d, nil
	case "sqlite3":
		return DriverSQLite, nil
	case "postgresql", "pg":
		return DriverPostgres, nil
	case "mongodb":
		return DriverMongo, nil
	default:
		return "", fmt.Errorf("unknown store driver %q", s)
	}
}

// Open connects to the backend selected by cfg.Driver. The returned store still needs Init.
func Open(ctx context.Context, cfg *Config) (Store, error) {
	if cfg == nil {
		return nil, errors.New("store config cannot be nil")
	}

	switch cfg.Driver {
	case DriverMongo:
		return NewMongoStore(ctx, cfg)
	case DriverSQLite, DriverPostgres, "":
		return NewGormStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
