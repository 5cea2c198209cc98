package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"procodus.dev/sensor-monitor/pkg/metrics"
)

const (
	countersCollection = "counters"
	defaultMongoDB     = "sensor_monitor"
	mongoOpTimeout     = 5 * time.Second
)

// MongoStore keeps readings and events in MongoDB collections named after the SQL tables.
// Ids come from a per-collection sequence document in the counters collection.
type MongoStore struct {
	client   *mongo.Client
	readings *mongo.Collection
	events   *mongo.Collection
	counters *mongo.Collection
	logger   *slog.Logger
	metrics  *metrics.BackendMetrics // Optional metrics
	clock    *clock
	closed   atomic.Bool
	writeMu  sync.Mutex
}

// NewMongoStore connects to cfg.URI and pings the primary.
func NewMongoStore(ctx context.Context, cfg *Config) (*MongoStore, error) {
	if cfg == nil {
		return nil, errors.New("store config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.URI == "" {
		return nil, errors.New("mongo URI cannot be empty")
	}

	dbName := cfg.DBName
	if dbName == "" {
		dbName = defaultMongoDB
	}

	cfg.Logger.Info("connecting to mongodb", "dbname", dbName)

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, wrap("open", KindUnavailable, fmt.Errorf("unable to connect to MongoDB: %w", err))
	}

	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, wrap("open", KindUnavailable, fmt.Errorf("unable to ping MongoDB: %w", err))
	}

	cfg.Logger.Info("mongodb connection established")

	db := client.Database(dbName)
	return &MongoStore{
		client:   client,
		readings: db.Collection(ReadingsTable),
		events:   db.Collection(EventsTable),
		counters: db.Collection(countersCollection),
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		clock:    newClock(time.Millisecond),
	}, nil
}

// Init creates the received_at and node_id indexes on both collections.
func (s *MongoStore) Init(ctx context.Context) error {
	if s.closed.Load() {
		return wrap("init", KindUnavailable, ErrClosed)
	}

	s.logger.Info("creating mongodb indexes")

	for _, coll := range []*mongo.Collection{s.readings, s.events} {
		_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
			{Keys: bson.D{{Key: "received_at", Value: 1}}},
			{Keys: bson.D{{Key: "node_id", Value: 1}, {Key: "received_at", Value: 1}}},
		})
		if err != nil {
			return wrap("init", KindUnavailable, fmt.Errorf("create indexes on %s: %w", coll.Name(), err))
		}
	}

	s.logger.Info("mongodb indexes ready")
	return nil
}

// InsertReading implements Store.
func (s *MongoStore) InsertReading(ctx context.Context, r *Reading) (uint64, error) {
	err := s.insert(ctx, s.readings, func(id uint64, t time.Time) any {
		r.ID, r.ReceivedAt = id, t
		return r
	})
	if err != nil {
		return 0, err
	}
	return r.ID, nil
}

// InsertEvent implements Store.
func (s *MongoStore) InsertEvent(ctx context.Context, e *Event) (uint64, error) {
	err := s.insert(ctx, s.events, func(id uint64, t time.Time) any {
		e.ID, e.ReceivedAt = id, t
		return e
	})
	if err != nil {
		return 0, err
	}
	return e.ID, nil
}

func (s *MongoStore) insert(ctx context.Context, coll *mongo.Collection, stamp func(uint64, time.Time) any) (err error) {
	if s.closed.Load() {
		return wrap("insert", KindUnavailable, ErrClosed)
	}
	defer func(start time.Time) { observe(s.metrics, "insert", coll.Name(), start, err) }(time.Now())

	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	id, err := s.nextID(ctx, coll.Name())
	if err != nil {
		return wrap("insert "+coll.Name(), KindWrite, err)
	}

	if _, err := coll.InsertOne(ctx, stamp(id, s.clock.Next())); err != nil {
		return wrap("insert "+coll.Name(), KindWrite, err)
	}
	return nil
}

// nextID increments and returns the sequence for collection name.
func (s *MongoStore) nextID(ctx context.Context, name string) (uint64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("next id for %s: %w", name, err)
	}
	return uint64(counter.Seq), nil
}

// QueryReadings implements Store.
func (s *MongoStore) QueryReadings(ctx context.Context, f Filter) (rows []Reading, err error) {
	rows = make([]Reading, 0)
	if err := s.find(ctx, s.readings, f, &rows); err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []Reading{}
	}
	return rows, nil
}

// QueryEvents implements Store.
func (s *MongoStore) QueryEvents(ctx context.Context, f Filter) (rows []Event, err error) {
	rows = make([]Event, 0)
	if err := s.find(ctx, s.events, f, &rows); err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []Event{}
	}
	return rows, nil
}

func (s *MongoStore) find(ctx context.Context, coll *mongo.Collection, f Filter, out any) (err error) {
	if s.closed.Load() {
		return wrap("select", KindUnavailable, ErrClosed)
	}
	defer func(start time.Time) { observe(s.metrics, "select", coll.Name(), start, err) }(time.Now())

	filter := bson.D{{Key: "received_at", Value: bson.D{{Key: "$gte", Value: cutoff(s.clock.Wall(), f.Since)}}}}
	if f.NodeID != "" {
		filter = append(filter, bson.E{Key: "node_id", Value: f.NodeID})
	}

	opts := options.Find().SetSort(bson.D{{Key: "received_at", Value: -1}, {Key: "_id", Value: -1}})
	cur, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return wrap("select "+coll.Name(), KindQuery, err)
	}
	if err := cur.All(ctx, out); err != nil {
		return wrap("select "+coll.Name(), KindQuery, err)
	}
	return nil
}

// AggregateStats implements Store using the same id-bounded snapshot as the SQL backend.
func (s *MongoStore) AggregateStats(ctx context.Context, since time.Duration) (stats *Stats, err error) {
	if s.closed.Load() {
		return nil, wrap("aggregate", KindUnavailable, ErrClosed)
	}
	defer func(start time.Time) { observe(s.metrics, "aggregate", ReadingsTable, start, err) }(time.Now())

	from := cutoff(s.clock.Wall(), since)

	var latest Reading
	err = s.readings.FindOne(ctx,
		bson.D{{Key: "received_at", Value: bson.D{{Key: "$gte", Value: from}}}},
		options.FindOne().SetSort(bson.D{{Key: "_id", Value: -1}}),
	).Decode(&latest)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return &Stats{}, nil
	}
	if err != nil {
		return nil, wrap("aggregate "+ReadingsTable, KindQuery, err)
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "received_at", Value: bson.D{{Key: "$gte", Value: from}}},
			{Key: "_id", Value: bson.D{{Key: "$lte", Value: int64(latest.ID)}}},
		}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: nil},
			{Key: "nodes", Value: bson.D{{Key: "$addToSet", Value: "$node_id"}}},
			{Key: "reading_count", Value: bson.D{{Key: "$sum", Value: 1}}},
			{Key: "avg_temperature", Value: bson.D{{Key: "$avg", Value: "$temperature"}}},
			{Key: "avg_humidity", Value: bson.D{{Key: "$avg", Value: "$humidity"}}},
		}}},
		{{Key: "$project", Value: bson.D{
			{Key: "node_count", Value: bson.D{{Key: "$size", Value: "$nodes"}}},
			{Key: "reading_count", Value: 1},
			{Key: "avg_temperature", Value: 1},
			{Key: "avg_humidity", Value: 1},
		}}},
	}

	cur, err := s.readings.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, wrap("aggregate "+ReadingsTable, KindQuery, err)
	}

	var results []struct {
		AvgTemperature *float64 `bson:"avg_temperature"`
		AvgHumidity    *float64 `bson:"avg_humidity"`
		NodeCount      int64    `bson:"node_count"`
		ReadingCount   int64    `bson:"reading_count"`
	}
	if err := cur.All(ctx, &results); err != nil {
		return nil, wrap("aggregate "+ReadingsTable, KindQuery, err)
	}
	if len(results) == 0 {
		return &Stats{}, nil
	}

	last := latest.ReceivedAt.UTC()
	return &Stats{
		NodeCount:      results[0].NodeCount,
		ReadingCount:   results[0].ReadingCount,
		AvgTemperature: round2(results[0].AvgTemperature),
		AvgHumidity:    round2(results[0].AvgHumidity),
		LastUpdated:    &last,
	}, nil
}

// Ping implements Store.
func (s *MongoStore) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return wrap("ping", KindUnavailable, ErrClosed)
	}
	return wrap("ping", KindUnavailable, s.client.Ping(ctx, readpref.Primary()))
}

// Close disconnects the client. Subsequent calls are no-ops.
func (s *MongoStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.logger.Info("closing mongodb connection")
	ctx, cancel := context.WithTimeout(context.Background(), mongoOpTimeout)
	defer cancel()

	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect mongodb: %w", err)
	}

	s.logger.Info("mongodb connection closed")
	return nil
}
