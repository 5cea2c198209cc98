// Package storetest holds the behaviour every store.Store backend must share, as ginkgo specs.
// Backend suites call DescribeContract from inside a Describe block.
package storetest

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/sensor-monitor/internal/store"
)

// Factory returns an initialized store with no rows in it.
type Factory func() store.Store

// F returns a pointer to v.
func F(v float64) *float64 { return &v }

// I returns a pointer to v.
func I(v int64) *int64 { return &v }

// DescribeContract registers the shared store specs.
func DescribeContract(newStore Factory) {
	var (
		s   store.Store
		ctx context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		s = newStore()
	})

	AfterEach(func() {
		if s != nil {
			Expect(s.Close()).To(Succeed())
		}
	})

	Describe("Init", func() {
		It("should be idempotent", func() {
			Expect(s.Init(ctx)).To(Succeed())
			Expect(s.Init(ctx)).To(Succeed())
		})
	})

	Describe("InsertReading", func() {
		It("should keep unreported fields nil", func() {
			id, err := s.InsertReading(ctx, &store.Reading{
				NodeID:          "n1",
				Temperature:     F(22.5),
				DeviceTimestamp: I(1700000000),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(id).NotTo(BeZero())

			rows, err := s.QueryReadings(ctx, store.Filter{Since: time.Hour})
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(HaveLen(1))

			r := rows[0]
			Expect(r.ID).To(Equal(id))
			Expect(r.NodeID).To(Equal("n1"))
			Expect(r.Temperature).To(HaveValue(Equal(22.5)))
			Expect(r.DeviceTimestamp).To(HaveValue(Equal(int64(1700000000))))
			Expect(r.Humidity).To(BeNil())
			Expect(r.Pressure).To(BeNil())
			Expect(r.Altitude).To(BeNil())
			Expect(r.AirQuality).To(BeNil())
			Expect(r.ReceivedAt).To(BeTemporally("~", time.Now(), time.Minute))
		})

		It("should assign the id and received_at on the record", func() {
			r := &store.Reading{NodeID: "n1", ID: 999}
			id, err := s.InsertReading(ctx, r)
			Expect(err).NotTo(HaveOccurred())
			Expect(r.ID).To(Equal(id))
			Expect(r.ReceivedAt.IsZero()).To(BeFalse())
		})

		It("should assign strictly increasing ids with non-decreasing received_at", func() {
			var prev store.Reading
			for i := 0; i < 10; i++ {
				r := &store.Reading{NodeID: "n1", AirQuality: I(int64(i))}
				_, err := s.InsertReading(ctx, r)
				Expect(err).NotTo(HaveOccurred())
				if i > 0 {
					Expect(r.ID).To(BeNumerically(">", prev.ID))
					Expect(r.ReceivedAt.Before(prev.ReceivedAt)).To(BeFalse())
				}
				prev = *r
			}
		})

		It("should keep ids and received_at ordered under concurrent writers", func() {
			var wg sync.WaitGroup
			for w := 0; w < 8; w++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					for i := 0; i < 5; i++ {
						_, err := s.InsertReading(ctx, &store.Reading{NodeID: "n1"})
						Expect(err).NotTo(HaveOccurred())
					}
				}()
			}
			wg.Wait()

			rows, err := s.QueryReadings(ctx, store.Filter{Since: time.Hour})
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(HaveLen(40))

			seen := make(map[uint64]bool, len(rows))
			for i, r := range rows {
				Expect(seen).NotTo(HaveKey(r.ID))
				seen[r.ID] = true
				if i > 0 {
					Expect(r.ID).To(BeNumerically("<", rows[i-1].ID))
					Expect(r.ReceivedAt.After(rows[i-1].ReceivedAt)).To(BeFalse())
				}
			}
		})
	})

	Describe("QueryReadings", func() {
		It("should return an empty, non-nil slice for an empty window", func() {
			rows, err := s.QueryReadings(ctx, store.Filter{Since: time.Hour})
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).NotTo(BeNil())
			Expect(rows).To(BeEmpty())
		})

		It("should return readings newest first", func() {
			_, err := s.InsertReading(ctx, &store.Reading{NodeID: "n1", Temperature: F(21.5)})
			Expect(err).NotTo(HaveOccurred())
			_, err = s.InsertReading(ctx, &store.Reading{NodeID: "n1", Temperature: F(22.0), Humidity: F(55)})
			Expect(err).NotTo(HaveOccurred())

			rows, err := s.QueryReadings(ctx, store.Filter{Since: time.Hour, NodeID: "n1"})
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(HaveLen(2))
			Expect(rows[0].Temperature).To(HaveValue(Equal(22.0)))
			Expect(rows[0].Humidity).To(HaveValue(Equal(55.0)))
			Expect(rows[1].Temperature).To(HaveValue(Equal(21.5)))
			Expect(rows[1].Humidity).To(BeNil())
		})

		It("should filter by node id", func() {
			for _, node := range []string{"n1", "n2", "n1"} {
				_, err := s.InsertReading(ctx, &store.Reading{NodeID: node})
				Expect(err).NotTo(HaveOccurred())
			}

			rows, err := s.QueryReadings(ctx, store.Filter{Since: time.Hour, NodeID: "n2"})
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(HaveLen(1))
			Expect(rows[0].NodeID).To(Equal("n2"))

			rows, err = s.QueryReadings(ctx, store.Filter{Since: time.Hour, NodeID: "unknown"})
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(BeEmpty())
		})

		It("should exclude readings older than the window", func() {
			_, err := s.InsertReading(ctx, &store.Reading{NodeID: "old"})
			Expect(err).NotTo(HaveOccurred())
			time.Sleep(300 * time.Millisecond)
			_, err = s.InsertReading(ctx, &store.Reading{NodeID: "new"})
			Expect(err).NotTo(HaveOccurred())

			rows, err := s.QueryReadings(ctx, store.Filter{Since: 150 * time.Millisecond})
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(HaveLen(1))
			Expect(rows[0].NodeID).To(Equal("new"))
		})
	})

	Describe("Events", func() {
		It("should store and return events newest first", func() {
			_, err := s.InsertEvent(ctx, &store.Event{NodeID: "n1", EventType: "motion_detected"})
			Expect(err).NotTo(HaveOccurred())
			_, err = s.InsertEvent(ctx, &store.Event{NodeID: "n2", EventType: "door_opened", DeviceTimestamp: I(1700000100)})
			Expect(err).NotTo(HaveOccurred())

			rows, err := s.QueryEvents(ctx, store.Filter{Since: time.Hour})
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(HaveLen(2))
			Expect(rows[0].EventType).To(Equal("door_opened"))
			Expect(rows[0].DeviceTimestamp).To(HaveValue(Equal(int64(1700000100))))
			Expect(rows[1].EventType).To(Equal("motion_detected"))
			Expect(rows[1].DeviceTimestamp).To(BeNil())
			Expect(rows[0].ID).To(BeNumerically(">", rows[1].ID))
		})

		It("should filter events by node id and return empty slices", func() {
			_, err := s.InsertEvent(ctx, &store.Event{NodeID: "n1", EventType: "low_battery"})
			Expect(err).NotTo(HaveOccurred())

			rows, err := s.QueryEvents(ctx, store.Filter{Since: time.Hour, NodeID: "n2"})
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).NotTo(BeNil())
			Expect(rows).To(BeEmpty())
		})

		It("should not count events as readings", func() {
			_, err := s.InsertEvent(ctx, &store.Event{NodeID: "n1", EventType: "button_pressed"})
			Expect(err).NotTo(HaveOccurred())

			stats, err := s.AggregateStats(ctx, time.Hour)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Empty()).To(BeTrue())
		})
	})

	Describe("AggregateStats", func() {
		It("should return an explicit empty result for an empty window", func() {
			stats, err := s.AggregateStats(ctx, time.Hour)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats).NotTo(BeNil())
			Expect(stats.Empty()).To(BeTrue())
			Expect(stats.ReadingCount).To(BeZero())
			Expect(stats.AvgTemperature).To(BeNil())
			Expect(stats.LastUpdated).To(BeNil())
		})

		It("should summarize the window ignoring unreported values", func() {
			inputs := []*store.Reading{
				{NodeID: "n1", Temperature: F(10.0)},
				{NodeID: "n2", Temperature: F(10.0), Humidity: F(40)},
				{NodeID: "n1", Temperature: F(10.5)},
				{NodeID: "n3"},
			}
			var last *store.Reading
			for _, r := range inputs {
				_, err := s.InsertReading(ctx, r)
				Expect(err).NotTo(HaveOccurred())
				last = r
			}

			stats, err := s.AggregateStats(ctx, time.Hour)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Empty()).To(BeFalse())
			Expect(stats.NodeCount).To(Equal(int64(3)))
			Expect(stats.ReadingCount).To(Equal(int64(4)))
			Expect(stats.AvgTemperature).To(HaveValue(Equal(10.17)))
			Expect(stats.AvgHumidity).To(HaveValue(Equal(40.0)))
			Expect(stats.LastUpdated).NotTo(BeNil())
			Expect(*stats.LastUpdated).To(BeTemporally("~", last.ReceivedAt, time.Millisecond))
		})

		It("should leave averages nil when no reading carried the field", func() {
			_, err := s.InsertReading(ctx, &store.Reading{NodeID: "n1", Pressure: F(1013.2)})
			Expect(err).NotTo(HaveOccurred())

			stats, err := s.AggregateStats(ctx, time.Hour)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.ReadingCount).To(Equal(int64(1)))
			Expect(stats.AvgTemperature).To(BeNil())
			Expect(stats.AvgHumidity).To(BeNil())
		})
	})

	Describe("Close", func() {
		It("should report the store as unavailable afterwards", func() {
			Expect(s.Close()).To(Succeed())

			_, err := s.InsertReading(ctx, &store.Reading{NodeID: "n1"})
			Expect(store.IsKind(err, store.KindUnavailable)).To(BeTrue())

			_, err = s.QueryReadings(ctx, store.Filter{Since: time.Hour})
			Expect(store.IsKind(err, store.KindUnavailable)).To(BeTrue())

			Expect(store.IsKind(s.Ping(ctx), store.KindUnavailable)).To(BeTrue())
		})
	})
}
