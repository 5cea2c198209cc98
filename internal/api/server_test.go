package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"procodus.dev/sensor-monitor/internal/api"
	"procodus.dev/sensor-monitor/internal/command"
	"procodus.dev/sensor-monitor/internal/query"
	"procodus.dev/sensor-monitor/internal/store"
	"procodus.dev/sensor-monitor/pkg/logger"
	"procodus.dev/sensor-monitor/pkg/metrics"
	"procodus.dev/sensor-monitor/pkg/transport"
	"procodus.dev/sensor-monitor/pkg/transport/mock"
)

// faultyQuerier fails every read with a store error.
type faultyQuerier struct{}

func (faultyQuerier) Readings(context.Context, query.Request) ([]store.Reading, error) {
	return nil, &store.Error{Op: "select", Kind: store.KindQuery, Err: errors.New("no such table")}
}

func (faultyQuerier) Events(context.Context, query.Request) ([]store.Event, error) {
	return nil, &store.Error{Op: "select", Kind: store.KindQuery, Err: errors.New("no such table")}
}

func (faultyQuerier) Stats(context.Context) (*store.Stats, error) {
	return nil, &store.Error{Op: "aggregate", Kind: store.KindUnavailable, Err: errors.New("closed")}
}

func f(v float64) *float64 { return &v }

var _ = Describe("Server", func() {
	var (
		ctx     context.Context
		db      *store.GormStore
		tr      *mock.Transport
		reg     *prometheus.Registry
		m       *metrics.HTTPMetrics
		server  *api.Server
		queries *query.Service
		disp    *command.Dispatcher
	)

	do := func(method, target, body string) *httptest.ResponseRecorder {
		var req *http.Request
		if body == "" {
			req = httptest.NewRequest(method, target, nil)
		} else {
			req = httptest.NewRequest(method, target, strings.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
		}
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		return rec
	}

	decode := func(rec *httptest.ResponseRecorder, v any) {
		ExpectWithOffset(1, json.Unmarshal(rec.Body.Bytes(), v)).To(Succeed())
	}

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		db, err = store.NewGormStore(ctx, &store.Config{
			Driver: store.DriverSQLite,
			Path:   filepath.Join(GinkgoT().TempDir(), "sensor_data.db"),
			Logger: logger.Discard(),
		})
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(db.Close)
		Expect(db.Init(ctx)).To(Succeed())

		queries, err = query.NewService(&query.Config{Logger: logger.Discard(), Store: db})
		Expect(err).NotTo(HaveOccurred())

		tr = mock.NewReady()
		disp, err = command.NewDispatcher(&command.Config{Logger: logger.Discard(), Publisher: tr})
		Expect(err).NotTo(HaveOccurred())

		reg = prometheus.NewRegistry()
		m = metrics.NewHTTPMetrics(reg, "test")

		server, err = api.NewServer(&api.Config{
			Logger:     logger.Discard(),
			Query:      queries,
			Dispatcher: disp,
			Metrics:    m,
			Gatherer:   reg,
			Topics:     []string{"sensors/data", "sensors/events"},
		})
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("NewServer", func() {
		It("should return error when config is nil", func() {
			s, err := api.NewServer(nil)
			Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))
			Expect(s).To(BeNil())
		})

		It("should return error when logger is nil", func() {
			_, err := api.NewServer(&api.Config{Query: queries, Dispatcher: disp})
			Expect(err).To(MatchError(ContainSubstring("logger")))
		})

		It("should return error when query service is nil", func() {
			_, err := api.NewServer(&api.Config{Logger: logger.Discard(), Dispatcher: disp})
			Expect(err).To(MatchError(ContainSubstring("query service")))
		})

		It("should return error when dispatcher is nil", func() {
			_, err := api.NewServer(&api.Config{Logger: logger.Discard(), Query: queries})
			Expect(err).To(MatchError(ContainSubstring("dispatcher")))
		})

		It("should return error when HTTP port is negative", func() {
			_, err := api.NewServer(&api.Config{Logger: logger.Discard(), Query: queries, Dispatcher: disp, Port: -1})
			Expect(err).To(MatchError(ContainSubstring("HTTP port")))
		})

		It("should default the port", func() {
			Expect(server.Addr()).To(Equal(":5000"))
		})
	})

	Describe("GET /api/data", func() {
		It("should return an empty array for an empty window", func() {
			rec := do(http.MethodGet, "/api/data", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(strings.TrimSpace(rec.Body.String())).To(Equal("[]"))
		})

		It("should return readings newest first with nulls for unreported fields", func() {
			_, err := db.InsertReading(ctx, &store.Reading{NodeID: "n1", Temperature: f(21.5)})
			Expect(err).NotTo(HaveOccurred())
			_, err = db.InsertReading(ctx, &store.Reading{NodeID: "n1", Temperature: f(22.0), Humidity: f(55)})
			Expect(err).NotTo(HaveOccurred())
			_, err = db.InsertReading(ctx, &store.Reading{NodeID: "n2", Temperature: f(19)})
			Expect(err).NotTo(HaveOccurred())

			rec := do(http.MethodGet, "/api/data?hours=1&node_id=n1", "")
			Expect(rec.Code).To(Equal(http.StatusOK))

			var rows []map[string]any
			decode(rec, &rows)
			Expect(rows).To(HaveLen(2))
			Expect(rows[0]).To(HaveKeyWithValue("temperature", 22.0))
			Expect(rows[0]).To(HaveKeyWithValue("humidity", 55.0))
			Expect(rows[1]).To(HaveKeyWithValue("temperature", 21.5))
			Expect(rows[1]).To(HaveKeyWithValue("humidity", BeNil()))
			Expect(rows[1]).To(HaveKeyWithValue("node_id", "n1"))
		})

		It("should serve the readings alias", func() {
			_, err := db.InsertReading(ctx, &store.Reading{NodeID: "n1"})
			Expect(err).NotTo(HaveOccurred())

			var rows []map[string]any
			rec := do(http.MethodGet, "/api/readings", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			decode(rec, &rows)
			Expect(rows).To(HaveLen(1))
		})

		DescribeTable("should reject bad hours",
			func(hours string) {
				rec := do(http.MethodGet, "/api/data?hours="+hours, "")
				Expect(rec.Code).To(Equal(http.StatusBadRequest))

				var body map[string]string
				decode(rec, &body)
				Expect(body["error"]).To(ContainSubstring("hours"))
			},
			Entry("zero", "0"),
			Entry("negative", "-3"),
			Entry("not a number", "abc"),
			Entry("fractional", "1.5"),
		)
	})

	Describe("GET /api/events", func() {
		It("should return events for the node", func() {
			_, err := db.InsertEvent(ctx, &store.Event{NodeID: "n1", EventType: "motion_detected"})
			Expect(err).NotTo(HaveOccurred())
			_, err = db.InsertEvent(ctx, &store.Event{NodeID: "n2", EventType: "door_opened"})
			Expect(err).NotTo(HaveOccurred())

			rec := do(http.MethodGet, "/api/events?node_id=n2", "")
			Expect(rec.Code).To(Equal(http.StatusOK))

			var rows []map[string]any
			decode(rec, &rows)
			Expect(rows).To(HaveLen(1))
			Expect(rows[0]).To(HaveKeyWithValue("event_type", "door_opened"))
		})

		It("should reject zero hours", func() {
			Expect(do(http.MethodGet, "/api/events?hours=0", "").Code).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("GET /api/stats", func() {
		It("should report no data for an empty window", func() {
			rec := do(http.MethodGet, "/api/stats", "")
			Expect(rec.Code).To(Equal(http.StatusOK))

			var body map[string]string
			decode(rec, &body)
			Expect(body).To(Equal(map[string]string{"error": "no data found"}))
		})

		It("should return rounded averages", func() {
			for _, v := range []float64{10, 10.5, 10} {
				_, err := db.InsertReading(ctx, &store.Reading{NodeID: "n1", Temperature: f(v)})
				Expect(err).NotTo(HaveOccurred())
			}
			_, err := db.InsertReading(ctx, &store.Reading{NodeID: "n2"})
			Expect(err).NotTo(HaveOccurred())

			rec := do(http.MethodGet, "/api/stats", "")
			Expect(rec.Code).To(Equal(http.StatusOK))

			var body map[string]any
			decode(rec, &body)
			Expect(body).To(HaveKeyWithValue("node_count", 2.0))
			Expect(body).To(HaveKeyWithValue("reading_count", 4.0))
			Expect(body).To(HaveKeyWithValue("avg_temperature", 10.17))
			Expect(body).To(HaveKeyWithValue("avg_humidity", BeNil()))
			Expect(body).To(HaveKey("last_updated"))
		})
	})

	Describe("POST /api/control", func() {
		It("should publish the command once on the control topic", func() {
			rec := do(http.MethodPost, "/api/control", `{"node_id":"n1","command":"reboot"}`)
			Expect(rec.Code).To(Equal(http.StatusOK))

			var body map[string]string
			decode(rec, &body)
			Expect(body).To(HaveKeyWithValue("status", "success"))
			Expect(body).To(HaveKeyWithValue("message", "command sent: reboot"))
			Expect(body["id"]).NotTo(BeEmpty())

			published := tr.Published()
			Expect(published).To(HaveLen(1))
			Expect(published[0].Topic).To(Equal("sensors/control"))
			Expect(string(published[0].Payload)).To(Equal("reboot"))
		})

		DescribeTable("should reject incomplete bodies",
			func(body string) {
				rec := do(http.MethodPost, "/api/control", body)
				Expect(rec.Code).To(Equal(http.StatusBadRequest))
				Expect(tr.Published()).To(BeEmpty())
			},
			Entry("missing command", `{"node_id":"n1"}`),
			Entry("missing node id", `{"command":"reboot"}`),
			Entry("empty strings", `{"node_id":"","command":""}`),
			Entry("not json", `reboot`),
		)

		It("should answer 503 when the transport is down", func() {
			tr.SetState(transport.StateConnecting)

			rec := do(http.MethodPost, "/api/control", `{"node_id":"n1","command":"reboot"}`)
			Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
		})
	})

	Describe("store faults", func() {
		BeforeEach(func() {
			var err error
			server, err = api.NewServer(&api.Config{
				Logger:     logger.Discard(),
				Query:      faultyQuerier{},
				Dispatcher: disp,
				Gatherer:   reg,
			})
			Expect(err).NotTo(HaveOccurred())
		})

		It("should answer 500 and not an empty result", func() {
			for _, path := range []string{"/api/data", "/api/events", "/api/stats"} {
				rec := do(http.MethodGet, path, "")
				Expect(rec.Code).To(Equal(http.StatusInternalServerError), path)
				Expect(rec.Body.String()).To(ContainSubstring("error"))
			}
		})
	})

	Describe("GET /health", func() {
		It("should report ok", func() {
			rec := do(http.MethodGet, "/health", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(MatchJSON(`{"status":"ok"}`))
		})

		It("should report unavailable when the readiness check fails", func() {
			var err error
			server, err = api.NewServer(&api.Config{
				Logger:     logger.Discard(),
				Query:      queries,
				Dispatcher: disp,
				Gatherer:   reg,
				Ready:      func(context.Context) error { return errors.New("store closed") },
			})
			Expect(err).NotTo(HaveOccurred())

			rec := do(http.MethodGet, "/health", "")
			Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
			Expect(rec.Body.String()).To(ContainSubstring("store closed"))
		})
	})

	Describe("GET /", func() {
		It("should render the dashboard", func() {
			rec := do(http.MethodGet, "/", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Header().Get("Content-Type")).To(ContainSubstring("text/html"))
			Expect(rec.Body.String()).To(ContainSubstring("Sensor Monitor"))
			Expect(rec.Body.String()).To(ContainSubstring("sensors/events"))
			Expect(testutil.CollectAndCount(m.TemplateRenderTime)).To(Equal(1))
		})

		It("should escape API text before writing it into the page", func() {
			body := do(http.MethodGet, "/", "").Body.String()
			Expect(body).To(ContainSubstring("esc(stats.error)"))
			Expect(body).NotTo(ContainSubstring("+ stats.error +"))
			Expect(body).NotTo(ContainSubstring("+ stats.node_count +"))
		})
	})

	Describe("metrics", func() {
		It("should count requests by route", func() {
			do(http.MethodGet, "/api/data", "")
			do(http.MethodGet, "/api/data?hours=0", "")

			Expect(testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/data", "200"))).To(Equal(1.0))
			Expect(testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/data", "400"))).To(Equal(1.0))
			Expect(testutil.ToFloat64(m.HTTPRequestsInFlight)).To(Equal(0.0))
		})

		It("should expose the registry on /metrics", func() {
			do(http.MethodGet, "/api/stats", "")

			rec := do(http.MethodGet, "/metrics", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring("test_http_requests_total"))
		})
	})

	Describe("CORS", func() {
		It("should allow any origin by default", func() {
			req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
			req.Header.Set("Origin", "http://dashboard.local")
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, req)
			Expect(rec.Header().Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})
	})

	Describe("Run", func() {
		It("should stop when the context is canceled", func() {
			s, err := api.NewServer(&api.Config{
				Logger:     logger.Discard(),
				Query:      queries,
				Dispatcher: disp,
				Gatherer:   reg,
				Port:       18089,
			})
			Expect(err).NotTo(HaveOccurred())

			runCtx, cancel := context.WithCancel(ctx)
			done := make(chan error, 1)
			go func() { done <- s.Run(runCtx) }()

			Eventually(func() error {
				resp, err := http.Get("http://127.0.0.1:18089/health")
				if err != nil {
					return err
				}
				return resp.Body.Close()
			}, 5*time.Second, 50*time.Millisecond).Should(Succeed())

			cancel()
			Eventually(done, 5*time.Second).Should(Receive(BeNil()))
		})
	})
})
