// Package query answers time-windowed reads over the store for the HTTP API.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"procodus.dev/sensor-monitor/internal/store"
	"procodus.dev/sensor-monitor/internal/validation"
)

// DefaultWindow is the window used when the caller does not choose one, and always for Stats.
const DefaultWindow = 24 * time.Hour

// Reader is the part of store.Store the query service needs.
type Reader interface {
	QueryReadings(ctx context.Context, f store.Filter) ([]store.Reading, error)
	QueryEvents(ctx context.Context, f store.Filter) ([]store.Event, error)
	AggregateStats(ctx context.Context, since time.Duration) (*store.Stats, error)
}

// Request selects rows received within Window of now, optionally for one node.
type Request struct {
	NodeID string
	Window time.Duration
}

// Config holds the configuration for the Service.
type Config struct {
	Logger *slog.Logger
	Store  Reader
}

// Service runs read queries. It holds no lock and is safe for concurrent use.
type Service struct {
	logger *slog.Logger
	store  Reader
}

// NewService creates a new Service instance.
func NewService(cfg *Config) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("query config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	return &Service{logger: cfg.Logger, store: cfg.Store}, nil
}

func (s *Service) filter(req Request) (store.Filter, error) {
	if req.Window <= 0 {
		err := validation.New("window", "must be positive")
		s.logger.Debug("rejected query", "window", req.Window, "error", err)
		return store.Filter{}, err
	}
	return store.Filter{Since: req.Window, NodeID: req.NodeID}, nil
}

// Readings returns the readings in the window, newest first.
func (s *Service) Readings(ctx context.Context, req Request) ([]store.Reading, error) {
	f, err := s.filter(req)
	if err != nil {
		return nil, err
	}

	rows, err := s.store.QueryReadings(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	return rows, nil
}

// Events returns the events in the window, newest first.
func (s *Service) Events(ctx context.Context, req Request) ([]store.Event, error) {
	f, err := s.filter(req)
	if err != nil {
		return nil, err
	}

	rows, err := s.store.QueryEvents(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return rows, nil
}

// Stats summarizes the readings of the last DefaultWindow. An empty window yields Stats for which Empty is true.
func (s *Service) Stats(ctx context.Context) (*store.Stats, error) {
	stats, err := s.store.AggregateStats(ctx, DefaultWindow)
	if err != nil {
		return nil, fmt.Errorf("aggregate stats: %w", err)
	}
	if stats == nil {
		stats = &store.Stats{}
	}
	return stats, nil
}
