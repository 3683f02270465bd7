package ingest_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/crowdwatch/internal/fanout"
	"procodus.dev/crowdwatch/internal/ingest"
	"procodus.dev/crowdwatch/internal/registry"
	"procodus.dev/crowdwatch/internal/store"
)

var _ = Describe("Server handlers", func() {
	var (
		logger *slog.Logger
		reg    *registry.MemoryRegistry
		db     *fakeStore
		hub    *fanout.Hub
		ts     *httptest.Server
	)

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		reg = registry.NewMemoryRegistry()
		db = newFakeStore()

		owner := int64(42)
		reg.Add(&store.Device{
			ID:              1,
			DeviceID:        "7",
			CameraID:        7,
			OwnerBusinessID: &owner,
			IPAddress:       "10.0.0.7",
			LocationLabel:   "Entrance",
		})

		resolver, err := registry.NewResolver(logger, reg)
		Expect(err).NotTo(HaveOccurred())

		normalizer, err := ingest.NewNormalizer(fixedAnalyzer{analysis: ingest.FrameAnalysis{
			PeopleCount:      4,
			Confidence:       0.8,
			ProcessingTimeMs: 160,
		}})
		Expect(err).NotTo(HaveOccurred())

		hub, err = fanout.NewHub(logger, nil)
		Expect(err).NotTo(HaveOccurred())

		service, err := ingest.NewService(&ingest.ServiceConfig{
			Logger:     logger,
			Resolver:   resolver,
			Normalizer: normalizer,
			Store:      db,
			Publishers: []ingest.Publisher{ingest.HubPublisher{Hub: hub}},
		})
		Expect(err).NotTo(HaveOccurred())

		server, err := ingest.NewServer(&ingest.ServerConfig{
			Logger:    logger,
			Service:   service,
			ReadStore: db,
			Hub:       hub,
			HTTPPort:  8080,
		})
		Expect(err).NotTo(HaveOccurred())

		ts = httptest.NewServer(server.Handler())
	})

	AfterEach(func() {
		ts.Close()
		hub.Close()
	})

	postJSON := func(path string, body any) (*http.Response, map[string]any) {
		data, err := json.Marshal(body)
		Expect(err).NotTo(HaveOccurred())

		resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(data))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(resp.Body.Close)

		var decoded map[string]any
		Expect(json.NewDecoder(resp.Body).Decode(&decoded)).To(Succeed())
		return resp, decoded
	}

	getJSON := func(path string) (*http.Response, map[string]any) {
		resp, err := http.Get(ts.URL + path)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(resp.Body.Close)

		var decoded map[string]any
		Expect(json.NewDecoder(resp.Body).Decode(&decoded)).To(Succeed())
		return resp, decoded
	}

	Describe("POST /api/v1/readings", func() {
		It("should ingest a camera-resolved JSON reading end to end", func() {
			resp, body := postJSON("/api/v1/readings", map[string]any{
				"camera_id":    7,
				"people_count": 12,
			})

			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body["success"]).To(BeTrue())
			Expect(body["device_id"]).To(Equal("7"))

			analysis := body["analysis"].(map[string]any)
			Expect(analysis["person_count"]).To(BeEquivalentTo(12))
			Expect(analysis["crowd_density"]).To(Equal("high"))

			Expect(db.readingCount()).To(Equal(1))
			Expect(db.updates[0].Priority).To(Equal(3))
		})

		It("should reject a reading without identity fields", func() {
			resp, body := postJSON("/api/v1/readings", map[string]any{
				"people_count": 0,
			})

			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(body["success"]).To(BeFalse())
			Expect(body["hint"]).To(ContainSubstring("camera_id"))
			Expect(body["hint"]).To(ContainSubstring("ip_address"))
			Expect(body).To(HaveKey("received"))

			Expect(db.readingCount()).To(Equal(0))
		})

		It("should reject malformed JSON", func() {
			resp, err := http.Post(ts.URL+"/api/v1/readings", "application/json",
				bytes.NewReader([]byte("{not json")))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(db.readingCount()).To(Equal(0))
		})

		It("should return 500 when persistence fails", func() {
			db.insertReadingErr = fmt.Errorf("connection refused")

			resp, body := postJSON("/api/v1/readings", map[string]any{
				"device_id":    "dev-a",
				"people_count": 3,
			})

			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			Expect(body["success"]).To(BeFalse())
		})

		It("should accept a binary frame with camera headers", func() {
			req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/readings",
				bytes.NewReader(make([]byte, 2048)))
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Content-Type", "image/jpeg")
			req.Header.Set("X-Camera-ID", "7")
			req.Header.Set("X-Location-Zone", "Entrance")

			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			var body map[string]any
			Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body["device_id"]).To(Equal("7"))

			reading := db.lastReading()
			Expect(reading.PeopleCount).To(Equal(4))
			Expect(reading.ImageSize).To(Equal(2048))
		})

		It("should deliver the update to a hub subscriber only after persisting", func() {
			sub := hub.Subscribe(4)
			defer sub.Cancel()

			_, body := postJSON("/api/v1/readings", map[string]any{
				"camera_id":    7,
				"people_count": 20,
			})
			Expect(body["success"]).To(BeTrue())

			var update fanout.Update
			Eventually(sub.Updates()).Should(Receive(&update))
			Expect(update.Priority).To(Equal(3))
			Expect(db.readingCount()).To(Equal(1))
		})
	})

	Describe("GET /api/v1/readings", func() {
		BeforeEach(func() {
			for i := 0; i < 3; i++ {
				_, body := postJSON("/api/v1/readings", map[string]any{
					"device_id":    "dev-a",
					"people_count": 10 + i,
				})
				Expect(body["success"]).To(BeTrue())
			}
		})

		It("should return analyses with a summary", func() {
			resp, body := getJSON("/api/v1/readings?device_id=dev-a")

			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body["success"]).To(BeTrue())
			Expect(body["count"]).To(BeEquivalentTo(3))

			summary := body["summary"].(map[string]any)
			Expect(summary["total_analyses"]).To(BeEquivalentTo(3))
			Expect(summary["max_people_count"]).To(BeEquivalentTo(12))
			Expect(summary["high_density_count"]).To(BeEquivalentTo(3))
		})

		It("should filter by device id", func() {
			_, body := getJSON("/api/v1/readings?device_id=unknown")
			Expect(body["count"]).To(BeEquivalentTo(0))
		})
	})

	Describe("GET /api/v1/updates", func() {
		It("should return updates ordered by priority descending", func() {
			_, body := postJSON("/api/v1/readings", map[string]any{
				"device_id": "dev-a", "people_count": 2,
			})
			Expect(body["success"]).To(BeTrue())
			_, body = postJSON("/api/v1/readings", map[string]any{
				"device_id": "dev-a", "people_count": 20,
			})
			Expect(body["success"]).To(BeTrue())

			since := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339)
			resp, result := getJSON("/api/v1/updates?since=" + since)

			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			updates := result["updates"].([]any)
			Expect(updates).To(HaveLen(2))
			first := updates[0].(map[string]any)
			second := updates[1].(map[string]any)
			Expect(first["priority"]).To(BeEquivalentTo(3))
			Expect(second["priority"]).To(BeEquivalentTo(1))
		})

		It("should reject a malformed since parameter", func() {
			resp, _ := getJSON("/api/v1/updates?since=yesterday")
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("POST /api/v1/arrivals", func() {
		It("should ingest a vehicle arrival", func() {
			resp, body := postJSON("/api/v1/arrivals", map[string]any{
				"device_id":      "stop-12",
				"vehicle_number": "34-BZ",
				"status":         "approaching",
			})

			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body["success"]).To(BeTrue())
			Expect(body["priority"]).To(BeEquivalentTo(2))
			Expect(db.arrivals).To(HaveLen(1))
		})

		It("should reject an arrival without a vehicle number", func() {
			resp, body := postJSON("/api/v1/arrivals", map[string]any{
				"device_id": "stop-12",
			})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(body["success"]).To(BeFalse())
		})
	})

	Describe("GET /healthz", func() {
		It("should report healthy", func() {
			resp, body := getJSON("/healthz")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body["status"]).To(Equal("healthy"))
		})
	})
})

var _ = Describe("NewServer", func() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	It("should return error when config is nil", func() {
		server, err := ingest.NewServer(nil)
		Expect(err).To(HaveOccurred())
		Expect(server).To(BeNil())
	})

	It("should return error when required components are missing", func() {
		server, err := ingest.NewServer(&ingest.ServerConfig{Logger: logger})
		Expect(err).To(HaveOccurred())
		Expect(server).To(BeNil())
	})
})

