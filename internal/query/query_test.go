package query_test

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/sensor-monitor/internal/query"
	"procodus.dev/sensor-monitor/internal/store"
	"procodus.dev/sensor-monitor/internal/validation"
	"procodus.dev/sensor-monitor/pkg/logger"
)

// brokenReader fails every query with a store error.
type brokenReader struct{}

var errBroken = &store.Error{Op: "select", Kind: store.KindUnavailable, Err: errors.New("database is locked")}

func (brokenReader) QueryReadings(context.Context, store.Filter) ([]store.Reading, error) {
	return nil, errBroken
}

func (brokenReader) QueryEvents(context.Context, store.Filter) ([]store.Event, error) {
	return nil, errBroken
}

func (brokenReader) AggregateStats(context.Context, time.Duration) (*store.Stats, error) {
	return nil, errBroken
}

func f(v float64) *float64 { return &v }

var _ = Describe("Service", func() {
	var (
		ctx context.Context
		s   *store.GormStore
		svc *query.Service
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		s, err = store.NewGormStore(ctx, &store.Config{
			Driver: store.DriverSQLite,
			Path:   filepath.Join(GinkgoT().TempDir(), "sensor_data.db"),
			Logger: logger.Discard(),
		})
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(s.Close)
		Expect(s.Init(ctx)).To(Succeed())

		svc, err = query.NewService(&query.Config{Logger: logger.Discard(), Store: s})
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("NewService", func() {
		It("should return error when config is nil", func() {
			_, err := query.NewService(nil)
			Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))
		})

		It("should require a store", func() {
			_, err := query.NewService(&query.Config{Logger: logger.Discard()})
			Expect(err).To(MatchError(ContainSubstring("store")))
		})
	})

	DescribeTable("should reject non-positive windows",
		func(window time.Duration) {
			_, err := svc.Readings(ctx, query.Request{Window: window})
			Expect(validation.IsValidation(err)).To(BeTrue())

			_, err = svc.Events(ctx, query.Request{Window: window})
			Expect(validation.IsValidation(err)).To(BeTrue())
		},
		Entry("zero", time.Duration(0)),
		Entry("negative", -time.Hour),
	)

	It("should return both readings of a node, newest first", func() {
		_, err := s.InsertReading(ctx, &store.Reading{NodeID: "n1", Temperature: f(21.5)})
		Expect(err).NotTo(HaveOccurred())
		_, err = s.InsertReading(ctx, &store.Reading{NodeID: "n1", Temperature: f(22.0), Humidity: f(55)})
		Expect(err).NotTo(HaveOccurred())
		_, err = s.InsertReading(ctx, &store.Reading{NodeID: "n2", Temperature: f(30)})
		Expect(err).NotTo(HaveOccurred())

		rows, err := svc.Readings(ctx, query.Request{Window: query.DefaultWindow, NodeID: "n1"})
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(HaveLen(2))
		Expect(rows[0].Temperature).To(HaveValue(Equal(22.0)))
		Expect(rows[0].Humidity).To(HaveValue(Equal(55.0)))
		Expect(rows[1].Temperature).To(HaveValue(Equal(21.5)))
		Expect(rows[1].Humidity).To(BeNil())
	})

	It("should return an empty result for an empty window", func() {
		rows, err := svc.Readings(ctx, query.Request{Window: time.Hour})
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).NotTo(BeNil())
		Expect(rows).To(BeEmpty())

		events, err := svc.Events(ctx, query.Request{Window: time.Hour})
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(BeEmpty())

		stats, err := svc.Stats(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Empty()).To(BeTrue())
	})

	It("should compute stats over the default window", func() {
		_, err := s.InsertReading(ctx, &store.Reading{NodeID: "n1", Temperature: f(20), Humidity: f(50)})
		Expect(err).NotTo(HaveOccurred())
		_, err = s.InsertReading(ctx, &store.Reading{NodeID: "n2", Temperature: f(22)})
		Expect(err).NotTo(HaveOccurred())

		stats, err := svc.Stats(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.NodeCount).To(Equal(int64(2)))
		Expect(stats.ReadingCount).To(Equal(int64(2)))
		Expect(stats.AvgTemperature).To(HaveValue(Equal(21.0)))
		Expect(stats.AvgHumidity).To(HaveValue(Equal(50.0)))
	})

	It("should propagate store faults distinctly from empty results", func() {
		broken, err := query.NewService(&query.Config{Logger: logger.Discard(), Store: brokenReader{}})
		Expect(err).NotTo(HaveOccurred())

		_, err = broken.Readings(ctx, query.Request{Window: time.Hour})
		Expect(store.IsKind(err, store.KindUnavailable)).To(BeTrue())
		Expect(validation.IsValidation(err)).To(BeFalse())

		_, err = broken.Events(ctx, query.Request{Window: time.Hour})
		Expect(errors.Is(err, errBroken)).To(BeTrue())

		stats, err := broken.Stats(ctx)
		Expect(stats).To(BeNil())
		Expect(err).To(HaveOccurred())
	})
})
