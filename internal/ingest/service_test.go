package ingest_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/crowdwatch/internal/classify"
	"procodus.dev/crowdwatch/internal/ingest"
	"procodus.dev/crowdwatch/internal/registry"
	"procodus.dev/crowdwatch/internal/store"
)

var _ = Describe("Service", func() {
	var (
		logger    *slog.Logger
		reg       *registry.MemoryRegistry
		db        *fakeStore
		publisher *recordingPublisher
		service   *ingest.Service
		ctx       context.Context
	)

	newService := func(publishers ...ingest.Publisher) *ingest.Service {
		resolver, err := registry.NewResolver(logger, reg)
		Expect(err).NotTo(HaveOccurred())

		normalizer, err := ingest.NewNormalizer(ingest.NewHeuristicAnalyzer())
		Expect(err).NotTo(HaveOccurred())

		svc, err := ingest.NewService(&ingest.ServiceConfig{
			Logger:     logger,
			Resolver:   resolver,
			Normalizer: normalizer,
			Store:      db,
			Publishers: publishers,
		})
		Expect(err).NotTo(HaveOccurred())
		return svc
	}

	jsonSubmission := func(j ingest.JSONSubmission) ingest.Submission {
		return ingest.Submission{JSON: &j}
	}

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		reg = registry.NewMemoryRegistry()
		db = newFakeStore()
		publisher = &recordingPublisher{}
		ctx = context.Background()

		owner := int64(42)
		reg.Add(&store.Device{
			ID:              1,
			DeviceID:        "7",
			CameraID:        7,
			OwnerBusinessID: &owner,
			IPAddress:       "10.0.0.7",
			LocationLabel:   "Entrance",
		})

		service = newService(publisher)
	})

	Describe("NewService", func() {
		It("should return error when config is nil", func() {
			svc, err := ingest.NewService(nil)
			Expect(err).To(HaveOccurred())
			Expect(svc).To(BeNil())
		})

		It("should return error when logger is nil", func() {
			svc, err := ingest.NewService(&ingest.ServiceConfig{})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("logger"))
			Expect(svc).To(BeNil())
		})
	})

	Describe("Submit", func() {
		It("should persist and publish a resolved camera reading", func() {
			result, err := service.Submit(ctx, jsonSubmission(ingest.JSONSubmission{
				CameraID:    7,
				PeopleCount: 12,
			}))
			Expect(err).NotTo(HaveOccurred())

			// Resolution via the registered camera, classified as high.
			Expect(result.Reading.DeviceID).To(Equal("7"))
			Expect(result.Reading.Density).To(Equal("high"))
			Expect(result.Update.Priority).To(Equal(3))
			Expect(result.Update.Type).To(Equal(classify.UpdateCrowdChange))

			Expect(db.readingCount()).To(Equal(1))
			Expect(db.lastReading().Density).To(Equal("high"))
			Expect(publisher.count()).To(Equal(1))

			var payload map[string]any
			Expect(json.Unmarshal(publisher.last().Payload, &payload)).To(Succeed())
			Expect(payload["people_count"]).To(BeEquivalentTo(12))
			Expect(payload["crowd_density"]).To(Equal("high"))
		})

		It("should derive priority 3 for an overcrowded reading and 1 for a quiet one", func() {
			busy, err := service.Submit(ctx, jsonSubmission(ingest.JSONSubmission{
				DeviceID:    "dev-a",
				PeopleCount: 20,
			}))
			Expect(err).NotTo(HaveOccurred())
			Expect(busy.Update.Priority).To(Equal(3))

			quiet, err := service.Submit(ctx, jsonSubmission(ingest.JSONSubmission{
				DeviceID:    "dev-a",
				PeopleCount: 2,
			}))
			Expect(err).NotTo(HaveOccurred())
			Expect(quiet.Update.Priority).To(Equal(1))
		})

		It("should reject an identity-free submission without writing anything", func() {
			result, err := service.Submit(ctx, jsonSubmission(ingest.JSONSubmission{
				PeopleCount: 3,
			}))
			Expect(result).To(BeNil())

			var vErr *ingest.ValidationError
			Expect(errors.As(err, &vErr)).To(BeTrue())
			Expect(vErr.Hint).To(ContainSubstring("camera_id"))
			Expect(vErr.Hint).To(ContainSubstring("ip_address"))

			Expect(db.readingCount()).To(Equal(0))
			Expect(publisher.count()).To(Equal(0))
		})

		It("should create one row per submission, no dedup", func() {
			sub := jsonSubmission(ingest.JSONSubmission{DeviceID: "dev-a", PeopleCount: 4})
			for i := 0; i < 5; i++ {
				_, err := service.Submit(ctx, sub)
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(db.readingCount()).To(Equal(5))
		})

		It("should return ErrStoreUnavailable when the insert fails", func() {
			db.insertReadingErr = errors.New("connection refused")

			result, err := service.Submit(ctx, jsonSubmission(ingest.JSONSubmission{
				DeviceID:    "dev-a",
				PeopleCount: 4,
			}))
			Expect(result).To(BeNil())
			Expect(errors.Is(err, ingest.ErrStoreUnavailable)).To(BeTrue())
			Expect(publisher.count()).To(Equal(0))
		})

		It("should keep the persisted reading when a publisher fails", func() {
			failing := &recordingPublisher{fail: true}
			service = newService(failing)

			result, err := service.Submit(ctx, jsonSubmission(ingest.JSONSubmission{
				DeviceID:    "dev-a",
				PeopleCount: 4,
			}))
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Reading).NotTo(BeNil())
			Expect(db.readingCount()).To(Equal(1))
		})

		It("should keep the persisted reading when a publisher panics", func() {
			exploding := &recordingPublisher{panics: true}
			service = newService(exploding)

			result, err := service.Submit(ctx, jsonSubmission(ingest.JSONSubmission{
				DeviceID:    "dev-a",
				PeopleCount: 4,
			}))
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Reading).NotTo(BeNil())
			Expect(db.readingCount()).To(Equal(1))
		})

		It("should abort before writing when the context is cancelled", func() {
			cancelled, cancel := context.WithCancel(ctx)
			cancel()

			result, err := service.Submit(cancelled, jsonSubmission(ingest.JSONSubmission{
				DeviceID:    "dev-a",
				PeopleCount: 4,
			}))
			Expect(result).To(BeNil())
			Expect(errors.Is(err, context.Canceled)).To(BeTrue())
			Expect(db.readingCount()).To(Equal(0))
		})

		It("should record an update row alongside the reading", func() {
			_, err := service.Submit(ctx, jsonSubmission(ingest.JSONSubmission{
				DeviceID:    "dev-a",
				PeopleCount: 16,
			}))
			Expect(err).NotTo(HaveOccurred())

			Expect(db.updates).To(HaveLen(1))
			Expect(db.updates[0].Type).To(Equal("crowd_change"))
			Expect(db.updates[0].SourceDeviceID).To(Equal("dev-a"))
			Expect(db.updates[0].Priority).To(Equal(3))
		})

		It("should mark the device seen", func() {
			_, err := service.Submit(ctx, jsonSubmission(ingest.JSONSubmission{
				DeviceID:    "dev-a",
				PeopleCount: 1,
			}))
			Expect(err).NotTo(HaveOccurred())
			Expect(db.seen).To(HaveKey("dev-a"))
		})
	})

	Describe("SubmitArrival", func() {
		It("should persist the arrival and emit a priority 2 update when approaching", func() {
			update, err := service.SubmitArrival(ctx, ingest.ArrivalSubmission{
				DeviceID:      "stop-12",
				VehicleNumber: "34-BZ",
				Status:        "approaching",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(update.Type).To(Equal(classify.UpdateVehicleArrival))
			Expect(update.Priority).To(Equal(2))

			Expect(db.arrivals).To(HaveLen(1))
			Expect(db.arrivals[0].VehicleType).To(Equal("bus"))
			Expect(db.arrivals[0].OccupancyPercent).To(Equal(50))
			Expect(publisher.count()).To(Equal(1))
		})

		It("should emit priority 1 for arrived vehicles", func() {
			update, err := service.SubmitArrival(ctx, ingest.ArrivalSubmission{
				DeviceID:      "stop-12",
				VehicleNumber: "34-BZ",
				Status:        "arrived",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(update.Priority).To(Equal(1))
		})

		It("should default the status to approaching", func() {
			_, err := service.SubmitArrival(ctx, ingest.ArrivalSubmission{
				DeviceID:      "stop-12",
				VehicleNumber: "34-BZ",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(db.arrivals[0].Status).To(Equal("approaching"))
		})

		It("should reject an arrival without a device id", func() {
			update, err := service.SubmitArrival(ctx, ingest.ArrivalSubmission{
				VehicleNumber: "34-BZ",
			})
			Expect(update).To(BeNil())

			var vErr *ingest.ValidationError
			Expect(errors.As(err, &vErr)).To(BeTrue())
			Expect(db.arrivals).To(BeEmpty())
		})
	})

	Describe("SweepOffline", func() {
		It("should emit a critical device_status update per stale device", func() {
			db.stale = []store.Device{
				{DeviceID: "dev-a", LastSeen: time.Now().Add(-time.Hour)},
				{DeviceID: "dev-b", LastSeen: time.Now().Add(-2 * time.Hour)},
			}

			flagged, err := service.SweepOffline(ctx, 5*time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(flagged).To(Equal(2))

			Expect(publisher.count()).To(Equal(2))
			Expect(publisher.last().Type).To(Equal(classify.UpdateDeviceStatus))
			Expect(publisher.last().Priority).To(Equal(4))
		})

		It("should do nothing when every device is current", func() {
			flagged, err := service.SweepOffline(ctx, 5*time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(flagged).To(Equal(0))
			Expect(publisher.count()).To(Equal(0))
		})
	})

	Describe("Prune", func() {
		It("should drop updates past the retention window", func() {
			db.updates = []store.RealtimeUpdate{
				{ID: "old", CreatedAt: time.Now().UTC().Add(-48 * time.Hour)},
				{ID: "new", CreatedAt: time.Now().UTC()},
			}

			pruned, err := service.Prune(ctx, 24*time.Hour)
			Expect(err).NotTo(HaveOccurred())
			Expect(pruned).To(Equal(int64(1)))
			Expect(db.updates).To(HaveLen(1))
			Expect(db.updates[0].ID).To(Equal("new"))
		})
	})
})
