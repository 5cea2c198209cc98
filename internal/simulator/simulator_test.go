package simulator_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"procodus.dev/sensor-monitor/internal/decoder"
	"procodus.dev/sensor-monitor/internal/simulator"
	"procodus.dev/sensor-monitor/pkg/logger"
	"procodus.dev/sensor-monitor/pkg/metrics"
	"procodus.dev/sensor-monitor/pkg/transport/mock"
)

var _ = Describe("Simulator", func() {
	var (
		ctx context.Context
		tr  *mock.Transport
		m   *metrics.SimulatorMetrics
		dec *decoder.Decoder
		cfg *simulator.Config
	)

	BeforeEach(func() {
		ctx = context.Background()
		tr = mock.NewReady()
		m = metrics.NewSimulatorMetrics(prometheus.NewRegistry(), "test")

		var err error
		dec, err = decoder.New(&decoder.Config{Topics: decoder.DefaultTopics()})
		Expect(err).NotTo(HaveOccurred())

		cfg = &simulator.Config{
			Logger:    logger.Discard(),
			Transport: tr,
			Metrics:   m,
			NodeCount: 3,
			Interval:  time.Second,
			Seed:      42,
		}
	})

	Describe("New", func() {
		It("should create the configured number of nodes", func() {
			sim, err := simulator.New(cfg)
			Expect(err).NotTo(HaveOccurred())
			Expect(sim.Nodes()).To(HaveLen(3))
			for _, n := range sim.Nodes() {
				Expect(n.ID).To(HavePrefix("node-"))
				Expect(n.Location).NotTo(BeEmpty())
			}
			Expect(testutil.ToFloat64(m.NodesGenerated)).To(Equal(3.0))
		})

		It("should generate the same nodes for the same seed", func() {
			a, err := simulator.New(cfg)
			Expect(err).NotTo(HaveOccurred())
			cfg.Metrics = nil
			b, err := simulator.New(cfg)
			Expect(err).NotTo(HaveOccurred())

			for i := range a.Nodes() {
				Expect(a.Nodes()[i].ID).To(Equal(b.Nodes()[i].ID))
			}
		})

		It("should return error when config is nil", func() {
			_, err := simulator.New(nil)
			Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))
		})

		DescribeTable("should reject invalid configuration",
			func(mutate func(*simulator.Config), msg string) {
				mutate(cfg)
				sim, err := simulator.New(cfg)
				Expect(err).To(MatchError(ContainSubstring(msg)))
				Expect(sim).To(BeNil())
			},
			Entry("nil logger", func(c *simulator.Config) { c.Logger = nil }, "logger"),
			Entry("nil transport", func(c *simulator.Config) { c.Transport = nil }, "transport"),
			Entry("zero nodes", func(c *simulator.Config) { c.NodeCount = 0 }, "node count"),
			Entry("zero interval", func(c *simulator.Config) { c.Interval = 0 }, "interval"),
			Entry("event probability above one", func(c *simulator.Config) { c.EventProbability = 1.5 }, "probabilities"),
			Entry("negative omit probability", func(c *simulator.Config) { c.OmitProbability = -0.1 }, "probabilities"),
		)
	})

	Describe("Step", func() {
		DescribeTable("should publish readings the decoder accepts",
			func(enc simulator.Encoding) {
				cfg.Encoding = enc
				sim, err := simulator.New(cfg)
				Expect(err).NotTo(HaveOccurred())

				node := sim.Nodes()[0]
				Expect(sim.Step(ctx, node, time.Now())).To(Succeed())

				published := tr.Published()
				Expect(published).To(HaveLen(1))
				Expect(published[0].Topic).To(Equal(decoder.DefaultDataTopic))

				msg, err := dec.Decode(published[0].Topic, published[0].Payload)
				Expect(err).NotTo(HaveOccurred())
				Expect(msg.Reading).NotTo(BeNil())
				Expect(msg.Reading.NodeID).To(Equal(node.ID))
				Expect(msg.Reading.Temperature).NotTo(BeNil())
				Expect(msg.Reading.AirQuality).NotTo(BeNil())
				Expect(msg.Reading.DeviceTimestamp).NotTo(BeNil())
				Expect(testutil.ToFloat64(m.MessagesGenerated.WithLabelValues("reading"))).To(Equal(1.0))
			},
			Entry("json", simulator.EncodingJSON),
			Entry("cbor", simulator.EncodingCBOR),
		)

		It("should publish an event when the probability is one", func() {
			cfg.EventProbability = 1
			sim, err := simulator.New(cfg)
			Expect(err).NotTo(HaveOccurred())

			Expect(sim.Step(ctx, sim.Nodes()[1], time.Now())).To(Succeed())

			published := tr.Published()
			Expect(published).To(HaveLen(2))
			Expect(published[1].Topic).To(Equal(decoder.DefaultEventsTopic))

			msg, err := dec.Decode(published[1].Topic, published[1].Payload)
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Event.EventType).To(BeElementOf(simulator.EventTypes))
			Expect(testutil.ToFloat64(m.MessagesGenerated.WithLabelValues("event"))).To(Equal(1.0))
		})

		It("should leave out every measurement when the omit probability is one", func() {
			cfg.OmitProbability = 1
			sim, err := simulator.New(cfg)
			Expect(err).NotTo(HaveOccurred())

			Expect(sim.Step(ctx, sim.Nodes()[0], time.Now())).To(Succeed())

			msg, err := dec.Decode(decoder.DefaultDataTopic, tr.Published()[0].Payload)
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Reading.Temperature).To(BeNil())
			Expect(msg.Reading.Humidity).To(BeNil())
			Expect(msg.Reading.Pressure).To(BeNil())
			Expect(msg.Reading.Altitude).To(BeNil())
			Expect(msg.Reading.AirQuality).To(BeNil())
		})

		It("should report publish failures", func() {
			tr.PublishError = errors.New("broker unavailable")
			sim, err := simulator.New(cfg)
			Expect(err).NotTo(HaveOccurred())

			err = sim.Step(ctx, sim.Nodes()[0], time.Now())
			Expect(err).To(MatchError(ContainSubstring("broker unavailable")))
			Expect(testutil.ToFloat64(m.GenerationFailures.WithLabelValues("reading", "publish_error"))).To(Equal(1.0))
		})
	})

	Describe("Run", func() {
		It("should publish until canceled and close the transport", func() {
			tr = mock.New()
			cfg.Transport = tr
			cfg.Interval = 10 * time.Millisecond
			cfg.ControlTopic = "sensors/control"
			sim, err := simulator.New(cfg)
			Expect(err).NotTo(HaveOccurred())

			runCtx, cancel := context.WithCancel(ctx)
			done := make(chan error, 1)
			go func() { done <- sim.Run(runCtx) }()

			Eventually(func() int { return len(tr.Published()) }, 5*time.Second).Should(BeNumerically(">=", 3))
			Eventually(func() int { return tr.Deliver("sensors/control", []byte("reboot")) }, 5*time.Second).Should(Equal(1))
			Expect(testutil.ToFloat64(m.CommandsReceived)).To(BeNumerically(">=", 1))

			cancel()
			Eventually(done, 5*time.Second).Should(Receive(BeNil()))
			Expect(tr.CloseCalls).To(Equal(1))
			Expect(testutil.ToFloat64(m.ActiveNodes)).To(Equal(0.0))
		})

		It("should fail when the transport cannot connect", func() {
			tr.ConnectError = errors.New("connection refused")
			sim, err := simulator.New(cfg)
			Expect(err).NotTo(HaveOccurred())

			err = sim.Run(ctx)
			Expect(err).To(MatchError(ContainSubstring("connection refused")))
		})
	})

	DescribeTable("ParseEncoding",
		func(in string, want simulator.Encoding, ok bool) {
			got, err := simulator.ParseEncoding(in)
			if !ok {
				Expect(err).To(HaveOccurred())
				return
			}
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(want))
		},
		Entry("json", "json", simulator.EncodingJSON, true),
		Entry("upper case cbor", "CBOR", simulator.EncodingCBOR, true),
		Entry("empty defaults to json", "", simulator.EncodingJSON, true),
		Entry("unknown", "xml", simulator.Encoding(""), false),
	)
})
