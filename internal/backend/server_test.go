package backend_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"procodus.dev/sensor-monitor/internal/backend"
	"procodus.dev/sensor-monitor/internal/store"
	"procodus.dev/sensor-monitor/pkg/logger"
	"procodus.dev/sensor-monitor/pkg/transport"
	"procodus.dev/sensor-monitor/pkg/transport/mock"
)

var _ = Describe("Backend Server", func() {
	var (
		tr     *mock.Transport
		dialed int
		dbPath string
		config *backend.ServerConfig
	)

	BeforeEach(func() {
		tr = mock.New()
		dialed = 0
		dbPath = filepath.Join(GinkgoT().TempDir(), "sensor_data.db")
		config = &backend.ServerConfig{
			Logger:    logger.Discard(),
			Store:     &store.Config{Driver: store.DriverSQLite, Path: dbPath},
			Transport: &transport.Config{Kind: transport.KindMQTT},
			Dial: func(*transport.Config) (transport.Transport, error) {
				dialed++
				return tr, nil
			},
			Registry: prometheus.NewRegistry(),
			HTTPPort: 18091,
			GRPCPort: 19091,
		}
	})

	Describe("NewServer", func() {
		It("should create a server", func() {
			server, err := backend.NewServer(config)
			Expect(err).NotTo(HaveOccurred())
			Expect(server).NotTo(BeNil())
		})

		It("should return error when config is nil", func() {
			server, err := backend.NewServer(nil)
			Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))
			Expect(server).To(BeNil())
		})

		DescribeTable("should reject invalid configuration",
			func(mutate func(*backend.ServerConfig), msg string) {
				mutate(config)
				server, err := backend.NewServer(config)
				Expect(err).To(MatchError(ContainSubstring(msg)))
				Expect(server).To(BeNil())
			},
			Entry("nil logger", func(c *backend.ServerConfig) { c.Logger = nil }, "logger"),
			Entry("nil store config", func(c *backend.ServerConfig) { c.Store = nil }, "store config"),
			Entry("nil transport config", func(c *backend.ServerConfig) { c.Transport = nil }, "transport config"),
			Entry("negative HTTP port", func(c *backend.ServerConfig) { c.HTTPPort = -1 }, "HTTP port"),
			Entry("negative gRPC port", func(c *backend.ServerConfig) { c.GRPCPort = -1 }, "gRPC port"),
		)
	})

	Describe("Run", func() {
		It("should fail before serving when the store cannot be initialized", func() {
			config.Store.Path = filepath.Join(GinkgoT().TempDir(), "missing", "dir", "sensor_data.db")
			server, err := backend.NewServer(config)
			Expect(err).NotTo(HaveOccurred())

			err = server.Run(context.Background())
			Expect(err).To(MatchError(ContainSubstring("store")))
			Expect(dialed).To(BeZero())
		})

		It("should fail when the transport cannot connect", func() {
			tr.ConnectError = errors.New("connection refused")
			server, err := backend.NewServer(config)
			Expect(err).NotTo(HaveOccurred())

			done := make(chan error, 1)
			go func() { done <- server.Run(context.Background()) }()

			var runErr error
			Eventually(done, 10*time.Second).Should(Receive(&runErr))
			Expect(runErr).To(MatchError(ContainSubstring("failed to connect transport")))
			Expect(tr.CloseCalls).To(Equal(1))
		})

		It("should ingest, serve queries and dispatch commands until canceled", func() {
			server, err := backend.NewServer(config)
			Expect(err).NotTo(HaveOccurred())

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			done := make(chan error, 1)
			go func() { done <- server.Run(ctx) }()

			conn, err := grpc.NewClient("127.0.0.1:19091", grpc.WithTransportCredentials(insecure.NewCredentials()))
			Expect(err).NotTo(HaveOccurred())
			defer conn.Close()
			healthClient := healthpb.NewHealthClient(conn)

			Eventually(func() healthpb.HealthCheckResponse_ServingStatus {
				resp, err := healthClient.Check(ctx, &healthpb.HealthCheckRequest{})
				if err != nil {
					return healthpb.HealthCheckResponse_UNKNOWN
				}
				return resp.GetStatus()
			}, 10*time.Second, 50*time.Millisecond).Should(Equal(healthpb.HealthCheckResponse_SERVING))

			Expect(tr.Deliver("sensors/data", []byte(`{"node_id":"n1","temperature":21.5}`))).To(Equal(1))
			Expect(tr.Deliver("sensors/data", []byte(`not json`))).To(Equal(1))
			Expect(tr.Deliver("sensors/events", []byte(`{"node_id":"n1","event":"motion_detected"}`))).To(Equal(1))

			base := "http://127.0.0.1:18091"
			Eventually(func() error {
				resp, err := http.Get(base + "/health")
				if err != nil {
					return err
				}
				defer resp.Body.Close()
				if resp.StatusCode != http.StatusOK {
					return fmt.Errorf("status %d", resp.StatusCode)
				}
				return nil
			}, 10*time.Second, 50*time.Millisecond).Should(Succeed())

			resp, err := http.Get(base + "/api/data?node_id=n1")
			Expect(err).NotTo(HaveOccurred())
			var readings []map[string]any
			Expect(json.NewDecoder(resp.Body).Decode(&readings)).To(Succeed())
			resp.Body.Close()
			Expect(readings).To(HaveLen(1))
			Expect(readings[0]).To(HaveKeyWithValue("temperature", 21.5))
			Expect(readings[0]).To(HaveKeyWithValue("humidity", BeNil()))

			resp, err = http.Get(base + "/api/events")
			Expect(err).NotTo(HaveOccurred())
			var events []map[string]any
			Expect(json.NewDecoder(resp.Body).Decode(&events)).To(Succeed())
			resp.Body.Close()
			Expect(events).To(HaveLen(1))

			resp, err = http.Post(base+"/api/control", "application/json", strings.NewReader(`{"node_id":"n1","command":"reboot"}`))
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			published := tr.Published()
			Expect(published).To(HaveLen(1))
			Expect(published[0].Topic).To(Equal("sensors/control"))
			Expect(string(published[0].Payload)).To(Equal("reboot"))

			cancel()
			Eventually(done, 15*time.Second).Should(Receive(BeNil()))
			Expect(tr.CloseCalls).To(Equal(1))
			Expect(dialed).To(Equal(1))
		})
	})
})
