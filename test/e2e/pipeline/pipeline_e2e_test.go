package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/crowdwatch/internal/fanout"
	"procodus.dev/crowdwatch/internal/ingest"
	"procodus.dev/crowdwatch/internal/registry"
	"procodus.dev/crowdwatch/internal/store"
)

var _ = Describe("Ingestion Pipeline E2E", func() {
	var (
		service *ingest.Service
		hub     *fanout.Hub
	)

	seedDevice := func(device store.Device) {
		err := testDB.Where("device_id = ?", device.DeviceID).FirstOrCreate(&device).Error
		Expect(err).NotTo(HaveOccurred())
	}

	BeforeEach(func() {
		var err error

		hub, err = fanout.NewHub(testLogger, nil)
		Expect(err).NotTo(HaveOccurred())

		reg, err := registry.NewGormRegistry(testDB)
		Expect(err).NotTo(HaveOccurred())

		resolver, err := registry.NewResolver(testLogger, reg)
		Expect(err).NotTo(HaveOccurred())

		normalizer, err := ingest.NewNormalizer(ingest.NewHeuristicAnalyzer())
		Expect(err).NotTo(HaveOccurred())

		service, err = ingest.NewService(&ingest.ServiceConfig{
			Logger:     testLogger,
			Resolver:   resolver,
			Normalizer: normalizer,
			Store:      gateway,
			Publishers: []ingest.Publisher{ingest.HubPublisher{Hub: hub}},
		})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		hub.Close()
	})

	Context("JSON submission resolved by camera id", func() {
		It("should persist the reading and fan the update out", func() {
			ctx := context.Background()

			seedDevice(store.Device{
				DeviceID:      "101",
				CameraID:      101,
				IPAddress:     "192.168.50.101",
				LocationLabel: "North Entrance",
				LocationType:  "entrance",
				Online:        true,
				LastSeen:      time.Now().UTC(),
			})

			sub := hub.Subscribe(fanout.DefaultBuffer)
			defer sub.Cancel()

			result, err := service.Submit(ctx, ingest.Submission{
				JSON: &ingest.JSONSubmission{
					CameraID:         101,
					PeopleCount:      12,
					EntryCount:       3,
					ExitCount:        1,
					ProcessingTimeMs: 180,
					LocationType:     "entrance",
				},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Reading.DeviceID).To(Equal("101"))
			Expect(result.Reading.Density).To(Equal("high"))
			Expect(result.Update.Priority).To(Equal(3))

			// The reading is durable
			var persisted store.Reading
			err = testDB.Where("device_id = ?", "101").Order("id DESC").First(&persisted).Error
			Expect(err).NotTo(HaveOccurred())
			Expect(persisted.PeopleCount).To(Equal(12))
			Expect(persisted.Confidence).To(BeNumerically("~", 0.85, 0.0001))

			// The update row exists for polling consumers
			var updateRow store.RealtimeUpdate
			err = testDB.Where("id = ?", result.Update.ID).First(&updateRow).Error
			Expect(err).NotTo(HaveOccurred())
			Expect(updateRow.Type).To(Equal("crowd_change"))
			Expect(updateRow.Priority).To(Equal(3))

			// The live subscriber saw the same update
			select {
			case update := <-sub.Updates():
				Expect(update.ID).To(Equal(result.Update.ID))
				Expect(update.SourceDeviceID).To(Equal("101"))

				var payload map[string]any
				Expect(json.Unmarshal(update.Payload, &payload)).To(Succeed())
				Expect(payload["crowd_density"]).To(Equal("high"))
			case <-time.After(5 * time.Second):
				Fail("timed out waiting for hub update")
			}
		})
	})

	Context("JSON submission resolved by IP address", func() {
		It("should fall through a stale camera id to the IP lookup", func() {
			ctx := context.Background()

			seedDevice(store.Device{
				DeviceID:      "102",
				CameraID:      102,
				IPAddress:     "192.168.50.102",
				LocationLabel: "South Hall",
				LocationType:  "general",
				Online:        true,
				LastSeen:      time.Now().UTC(),
			})

			result, err := service.Submit(ctx, ingest.Submission{
				JSON: &ingest.JSONSubmission{
					CameraID:    99999,
					IPAddress:   "192.168.50.102",
					PeopleCount: 2,
				},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Reading.DeviceID).To(Equal("102"))
			Expect(result.Reading.Density).To(Equal("low"))
		})
	})

	Context("submission with no resolvable identity", func() {
		It("should reject without writing anything", func() {
			ctx := context.Background()

			var before int64
			Expect(testDB.Model(&store.Reading{}).Count(&before).Error).NotTo(HaveOccurred())

			_, err := service.Submit(ctx, ingest.Submission{
				JSON: &ingest.JSONSubmission{PeopleCount: 5},
			})

			var validationErr *ingest.ValidationError
			Expect(errors.As(err, &validationErr)).To(BeTrue())
			Expect(validationErr.Hint).To(ContainSubstring("camera_id"))

			var after int64
			Expect(testDB.Model(&store.Reading{}).Count(&after).Error).NotTo(HaveOccurred())
			Expect(after).To(Equal(before))
		})
	})

	Context("vehicle arrival", func() {
		It("should persist the arrival and emit an arrival update", func() {
			ctx := context.Background()

			update, err := service.SubmitArrival(ctx, ingest.ArrivalSubmission{
				DeviceID:                "103",
				VehicleNumber:           "42-BZ",
				Status:                  "approaching",
				DistanceMeters:          250,
				EstimatedArrivalSeconds: 90,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(update.Priority).To(Equal(2))

			var arrival store.VehicleArrival
			err = testDB.Where("device_id = ?", "103").Order("id DESC").First(&arrival).Error
			Expect(err).NotTo(HaveOccurred())
			Expect(arrival.VehicleNumber).To(Equal("42-BZ"))
			Expect(arrival.VehicleType).To(Equal("bus"))
			Expect(arrival.OccupancyPercent).To(Equal(50))
		})
	})

	Context("retention pruning", func() {
		It("should delete updates older than the retention window", func() {
			ctx := context.Background()

			old := &store.RealtimeUpdate{
				ID:             "00000000-0000-0000-0000-00000000e2e1",
				Type:           "crowd_change",
				SourceDeviceID: "101",
				Payload:        []byte(`{}`),
				Priority:       1,
				CreatedAt:      time.Now().UTC().Add(-48 * time.Hour),
			}
			Expect(gateway.InsertUpdate(ctx, old)).To(Succeed())

			pruned, err := service.Prune(ctx, 24*time.Hour)
			Expect(err).NotTo(HaveOccurred())
			Expect(pruned).To(BeNumerically(">=", 1))

			err = testDB.Where("id = ?", old.ID).First(&store.RealtimeUpdate{}).Error
			Expect(err).To(HaveOccurred())
		})
	})

	Context("offline sweep", func() {
		It("should flag stale devices and emit device_status updates", func() {
			ctx := context.Background()

			seedDevice(store.Device{
				DeviceID:      "104",
				CameraID:      104,
				IPAddress:     "192.168.50.104",
				LocationLabel: "Back Lot",
				LocationType:  "general",
				Online:        true,
				LastSeen:      time.Now().UTC().Add(-time.Hour),
			})

			sub := hub.Subscribe(fanout.DefaultBuffer)
			defer sub.Cancel()

			count, err := service.SweepOffline(ctx, 5*time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(BeNumerically(">=", 1))

			var device store.Device
			err = testDB.Where("device_id = ?", "104").First(&device).Error
			Expect(err).NotTo(HaveOccurred())
			Expect(device.Online).To(BeFalse())

			select {
			case update := <-sub.Updates():
				Expect(string(update.Type)).To(Equal("device_status"))
				Expect(update.Priority).To(Equal(4))
			case <-time.After(5 * time.Second):
				Fail("timed out waiting for device_status update")
			}
		})
	})

	Context("dashboard read path", func() {
		It("should summarize persisted readings", func() {
			ctx := context.Background()

			seedDevice(store.Device{
				DeviceID:      "105",
				CameraID:      105,
				IPAddress:     "192.168.50.105",
				LocationLabel: "West Gate",
				LocationType:  "entrance",
				Online:        true,
				LastSeen:      time.Now().UTC(),
			})

			counts := []int{2, 10, 18}
			for _, n := range counts {
				_, err := service.Submit(ctx, ingest.Submission{
					JSON: &ingest.JSONSubmission{CameraID: 105, PeopleCount: n},
				})
				Expect(err).NotTo(HaveOccurred())
			}

			readings, summary, err := gateway.QueryReadings(ctx, store.ReadingFilter{
				DeviceID: "105",
				Hours:    1,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(readings).To(HaveLen(len(counts)))
			Expect(summary.TotalAnalyses).To(Equal(int64(len(counts))))
			Expect(summary.MaxPeopleCount).To(Equal(18))
			Expect(summary.HighDensityCount).To(Equal(int64(2)))
		})
	})
})
