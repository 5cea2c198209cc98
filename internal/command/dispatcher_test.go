package command_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"procodus.dev/sensor-monitor/internal/command"
	"procodus.dev/sensor-monitor/internal/validation"
	"procodus.dev/sensor-monitor/pkg/logger"
	"procodus.dev/sensor-monitor/pkg/metrics"
	"procodus.dev/sensor-monitor/pkg/transport"
	"procodus.dev/sensor-monitor/pkg/transport/mock"
)

var _ = Describe("Dispatcher", func() {
	var (
		ctx context.Context
		tr  *mock.Transport
		m   *metrics.BackendMetrics
		d   *command.Dispatcher
	)

	BeforeEach(func() {
		ctx = context.Background()
		tr = mock.NewReady()
		m = metrics.NewBackendMetrics(prometheus.NewRegistry(), "test")

		var err error
		d, err = command.NewDispatcher(&command.Config{
			Logger:    logger.Discard(),
			Publisher: tr,
			Metrics:   m,
		})
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("NewDispatcher", func() {
		It("should return error when config is nil", func() {
			_, err := command.NewDispatcher(nil)
			Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))
		})

		It("should return error when logger is nil", func() {
			_, err := command.NewDispatcher(&command.Config{Publisher: tr})
			Expect(err).To(MatchError(ContainSubstring("logger cannot be nil")))
		})

		It("should return error when publisher is nil", func() {
			_, err := command.NewDispatcher(&command.Config{Logger: logger.Discard()})
			Expect(err).To(MatchError(ContainSubstring("publisher cannot be nil")))
		})

		It("should default the control topic", func() {
			Expect(d.Topic()).To(Equal(command.DefaultTopic))
		})

		It("should accept a custom control topic", func() {
			custom, err := command.NewDispatcher(&command.Config{
				Logger:    logger.Discard(),
				Publisher: tr,
				Topic:     "plant/control",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(custom.Topic()).To(Equal("plant/control"))
		})
	})

	Describe("Send", func() {
		It("should publish the command exactly once on the control topic", func() {
			ack, err := d.Send(ctx, "n1", "reboot")
			Expect(err).NotTo(HaveOccurred())

			published := tr.Published()
			Expect(published).To(HaveLen(1))
			Expect(published[0].Topic).To(Equal("sensors/control"))
			Expect(string(published[0].Payload)).To(Equal("reboot"))

			Expect(ack.NodeID).To(Equal("n1"))
			Expect(ack.Command).To(Equal("reboot"))
			Expect(ack.Topic).To(Equal("sensors/control"))
			Expect(ack.ID.String()).NotTo(BeEmpty())
			Expect(ack.SentAt.IsZero()).To(BeFalse())
			Expect(testutil.ToFloat64(m.CommandsTotal.WithLabelValues("success"))).To(Equal(1.0))
		})

		It("should give every command its own id", func() {
			a, err := d.Send(ctx, "n1", "reboot")
			Expect(err).NotTo(HaveOccurred())
			b, err := d.Send(ctx, "n1", "reboot")
			Expect(err).NotTo(HaveOccurred())
			Expect(a.ID).NotTo(Equal(b.ID))
		})

		It("should send the command verbatim", func() {
			_, err := d.Send(ctx, "n2", `{"led":"on"}`)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(tr.Published()[0].Payload)).To(Equal(`{"led":"on"}`))
		})

		It("should publish a whitespace command unchanged", func() {
			_, err := d.Send(ctx, "n2", "  ")
			Expect(err).NotTo(HaveOccurred())
			Expect(string(tr.Published()[0].Payload)).To(Equal("  "))
		})

		DescribeTable("should reject missing fields without publishing",
			func(nodeID, cmd, field string) {
				ack, err := d.Send(ctx, nodeID, cmd)
				Expect(ack).To(BeNil())

				var verr *validation.Error
				Expect(errors.As(err, &verr)).To(BeTrue())
				Expect(verr.Field).To(Equal(field))
				Expect(tr.Published()).To(BeEmpty())
				Expect(testutil.ToFloat64(m.CommandsTotal.WithLabelValues("rejected"))).To(Equal(1.0))
			},
			Entry("empty node id", "", "reboot", "node_id"),
			Entry("blank node id", "  ", "reboot", "node_id"),
			Entry("empty command", "n1", "", "command"),
		)

		It("should return ErrDispatch when the transport is down", func() {
			tr.SetState(transport.StateConnecting)

			ack, err := d.Send(ctx, "n1", "reboot")
			Expect(ack).To(BeNil())
			Expect(errors.Is(err, command.ErrDispatch)).To(BeTrue())
			Expect(errors.Is(err, transport.ErrNotConnected)).To(BeTrue())
			Expect(tr.Published()).To(HaveLen(1))
			Expect(testutil.ToFloat64(m.CommandsTotal.WithLabelValues("error"))).To(Equal(1.0))
		})

		It("should not retry a failed publish", func() {
			tr.PublishError = errors.New("broker refused")

			_, err := d.Send(ctx, "n1", "reboot")
			Expect(err).To(MatchError(ContainSubstring("broker refused")))
			Expect(tr.Published()).To(HaveLen(1))
		})
	})
})
