package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"procodus.dev/sensor-monitor/pkg/metrics"
)

// GormStore is the SQL backend for SQLite and PostgreSQL.
type GormStore struct {
	db      *gorm.DB
	logger  *slog.Logger
	metrics *metrics.BackendMetrics // Optional metrics
	clock   *clock
	closed  atomic.Bool
	// writeMu serializes inserts so ids and received_at advance together.
	writeMu sync.Mutex
}

// NewGormStore opens a SQL database connection and verifies it with a ping.
func NewGormStore(ctx context.Context, cfg *Config) (*GormStore, error) {
	if cfg == nil {
		return nil, errors.New("store config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	dialector := cfg.Dialector
	if dialector == nil {
		var err error
		dialector, err = buildDialector(cfg)
		if err != nil {
			return nil, err
		}
	}

	gormConfig := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent), // Use slog instead of GORM's logger
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		SkipDefaultTransaction: true,
		TranslateError:         true,
		DisableAutomaticPing:   true,
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, wrap("open", KindUnavailable, fmt.Errorf("failed to connect to database: %w", err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, wrap("open", KindUnavailable, fmt.Errorf("failed to get database instance: %w", err))
	}

	if dialector.Name() == "sqlite" {
		// WAL lets readers run alongside the single writer.
		sqlDB.SetMaxOpenConns(4)
	} else {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, wrap("open", KindUnavailable, fmt.Errorf("failed to ping database: %w", err))
	}

	cfg.Logger.Info("database connection established", "dialect", dialector.Name())

	return &GormStore{
		db:      db,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		clock:   newClock(time.Microsecond),
	}, nil
}

func buildDialector(cfg *Config) (gorm.Dialector, error) {
	switch cfg.Driver {
	case DriverSQLite, "":
		path := cfg.Path
		if path == "" {
			path = DefaultSQLitePath
		}
		cfg.Logger.Info("opening sqlite database", "path", path)
		return sqlite.Open(path + "?_busy_timeout=5000&_journal_mode=WAL"), nil
	case DriverPostgres:
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)
		cfg.Logger.Info("connecting to database",
			"host", cfg.Host,
			"port", cfg.Port,
			"dbname", cfg.DBName,
		)
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("driver %q is not a SQL driver", cfg.Driver)
	}
}

// Init runs database migrations for both tables.
func (s *GormStore) Init(ctx context.Context) error {
	if s.closed.Load() {
		return wrap("init", KindUnavailable, ErrClosed)
	}

	s.logger.Info("running database migrations")

	if err := s.db.WithContext(ctx).AutoMigrate(&Reading{}, &Event{}); err != nil {
		return wrap("init", KindUnavailable, fmt.Errorf("auto-migration failed: %w", err))
	}

	s.logger.Info("database migrations completed successfully")
	return nil
}

// InsertReading implements Store.
func (s *GormStore) InsertReading(ctx context.Context, r *Reading) (uint64, error) {
	if err := s.insert(ctx, ReadingsTable, r, func(t time.Time) { r.ID = 0; r.ReceivedAt = t }); err != nil {
		return 0, err
	}
	return r.ID, nil
}

// InsertEvent implements Store.
func (s *GormStore) InsertEvent(ctx context.Context, e *Event) (uint64, error) {
	if err := s.insert(ctx, EventsTable, e, func(t time.Time) { e.ID = 0; e.ReceivedAt = t }); err != nil {
		return 0, err
	}
	return e.ID, nil
}

// insert stamps row with received_at and creates it while holding the writer lock.
func (s *GormStore) insert(ctx context.Context, table string, row any, stamp func(time.Time)) (err error) {
	if s.closed.Load() {
		return wrap("insert", KindUnavailable, ErrClosed)
	}
	defer s.observe("insert", table, time.Now(), &err)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	stamp(s.clock.Next())
	if res := s.db.WithContext(ctx).Create(row); res.Error != nil {
		return wrap("insert "+table, KindWrite, res.Error)
	}
	return nil
}

// QueryReadings implements Store.
func (s *GormStore) QueryReadings(ctx context.Context, f Filter) (rows []Reading, err error) {
	if s.closed.Load() {
		return nil, wrap("select", KindUnavailable, ErrClosed)
	}
	defer s.observe("select", ReadingsTable, time.Now(), &err)

	rows = make([]Reading, 0)
	if err := s.window(ctx, f).Find(&rows).Error; err != nil {
		return nil, wrap("select "+ReadingsTable, KindQuery, err)
	}
	if rows == nil {
		rows = []Reading{}
	}
	return rows, nil
}

// QueryEvents implements Store.
func (s *GormStore) QueryEvents(ctx context.Context, f Filter) (rows []Event, err error) {
	if s.closed.Load() {
		return nil, wrap("select", KindUnavailable, ErrClosed)
	}
	defer s.observe("select", EventsTable, time.Now(), &err)

	rows = make([]Event, 0)
	if err := s.window(ctx, f).Find(&rows).Error; err != nil {
		return nil, wrap("select "+EventsTable, KindQuery, err)
	}
	if rows == nil {
		rows = []Event{}
	}
	return rows, nil
}

// window builds the shared filter and ordering of the read path.
func (s *GormStore) window(ctx context.Context, f Filter) *gorm.DB {
	q := s.db.WithContext(ctx).Where("received_at >= ?", cutoff(s.clock.Wall(), f.Since))
	if f.NodeID != "" {
		q = q.Where("node_id = ?", f.NodeID)
	}
	return q.Order("received_at DESC").Order("id DESC")
}

type statsRow struct {
	AvgTemperature *float64
	AvgHumidity    *float64
	NodeCount      int64
	ReadingCount   int64
}

// AggregateStats implements Store. The newest reading in the window is read first and its id bounds
// the aggregate, so rows committed in between do not skew the result.
func (s *GormStore) AggregateStats(ctx context.Context, since time.Duration) (stats *Stats, err error) {
	if s.closed.Load() {
		return nil, wrap("aggregate", KindUnavailable, ErrClosed)
	}
	defer s.observe("aggregate", ReadingsTable, time.Now(), &err)

	from := cutoff(s.clock.Wall(), since)

	var latest Reading
	res := s.db.WithContext(ctx).
		Where("received_at >= ?", from).
		Order("id DESC").
		Limit(1).
		Find(&latest)
	if res.Error != nil {
		return nil, wrap("aggregate "+ReadingsTable, KindQuery, res.Error)
	}
	if res.RowsAffected == 0 {
		return &Stats{}, nil
	}

	var row statsRow
	err = s.db.WithContext(ctx).
		Model(&Reading{}).
		Select("COUNT(DISTINCT node_id) AS node_count, COUNT(*) AS reading_count, "+
			"AVG(temperature) AS avg_temperature, AVG(humidity) AS avg_humidity").
		Where("received_at >= ? AND id <= ?", from, latest.ID).
		Scan(&row).Error
	if err != nil {
		return nil, wrap("aggregate "+ReadingsTable, KindQuery, err)
	}

	last := latest.ReceivedAt.UTC()
	return &Stats{
		NodeCount:      row.NodeCount,
		ReadingCount:   row.ReadingCount,
		AvgTemperature: round2(row.AvgTemperature),
		AvgHumidity:    round2(row.AvgHumidity),
		LastUpdated:    &last,
	}, nil
}

// Ping implements Store.
func (s *GormStore) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return wrap("ping", KindUnavailable, ErrClosed)
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return wrap("ping", KindUnavailable, err)
	}
	return wrap("ping", KindUnavailable, sqlDB.PingContext(ctx))
}

// Close closes the database connection. Subsequent calls are no-ops.
func (s *GormStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}

	s.logger.Info("closing database connection")
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.logger.Info("database connection closed")
	return nil
}

func (s *GormStore) observe(op, table string, start time.Time, err *error) {
	observe(s.metrics, op, table, start, *err)
}

// observe records one store operation. m may be nil.
func observe(m *metrics.BackendMetrics, op, table string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.DBOperationsTotal.WithLabelValues(op, table, status).Inc()
	m.DBOperationDuration.WithLabelValues(op, table).Observe(time.Since(start).Seconds())
}
