package registry_test

import (
	"context"
	"log/slog"
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/crowdwatch/internal/registry"
	"procodus.dev/crowdwatch/internal/store"
)

var _ = Describe("Resolver", func() {
	var (
		logger   *slog.Logger
		reg      *registry.MemoryRegistry
		resolver *registry.Resolver
		ctx      context.Context
	)

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		reg = registry.NewMemoryRegistry()
		ctx = context.Background()

		var err error
		resolver, err = registry.NewResolver(logger, reg)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("NewResolver", func() {
		It("should return error when logger is nil", func() {
			r, err := registry.NewResolver(nil, reg)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("logger"))
			Expect(r).To(BeNil())
		})

		It("should return error when registry is nil", func() {
			r, err := registry.NewResolver(logger, nil)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("registry"))
			Expect(r).To(BeNil())
		})
	})

	Describe("Resolve", func() {
		BeforeEach(func() {
			owner := int64(42)
			reg.Add(&store.Device{
				ID:              1,
				DeviceID:        "7",
				CameraID:        7,
				OwnerBusinessID: &owner,
				IPAddress:       "10.0.0.7",
				LocationLabel:   "Entrance",
			})
		})

		It("should use an explicit device id verbatim without a lookup", func() {
			res, err := resolver.Resolve(ctx, registry.Identity{DeviceID: "CAM-PROF-17"})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.DeviceID).To(Equal("CAM-PROF-17"))
			Expect(res.Path).To(Equal("device_id"))
		})

		It("should prefer device id over camera id and ip address", func() {
			res, err := resolver.Resolve(ctx, registry.Identity{
				DeviceID:  "explicit",
				CameraID:  7,
				IPAddress: "10.0.0.7",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.DeviceID).To(Equal("explicit"))
			Expect(res.Path).To(Equal("device_id"))
		})

		It("should resolve a registered camera id to its stringified id", func() {
			res, err := resolver.Resolve(ctx, registry.Identity{CameraID: 7})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.DeviceID).To(Equal("7"))
			Expect(res.Path).To(Equal("camera_id"))
		})

		It("should prefer camera id over ip address when both match", func() {
			res, err := resolver.Resolve(ctx, registry.Identity{
				CameraID:  7,
				IPAddress: "10.0.0.7",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Path).To(Equal("camera_id"))
		})

		It("should fall through to the ip path when the camera id matches nothing", func() {
			res, err := resolver.Resolve(ctx, registry.Identity{
				CameraID:  999,
				IPAddress: "10.0.0.7",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.DeviceID).To(Equal("7"))
			Expect(res.Path).To(Equal("ip_address"))
		})

		It("should resolve by ip address alone", func() {
			res, err := resolver.Resolve(ctx, registry.Identity{IPAddress: "10.0.0.7"})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.DeviceID).To(Equal("7"))
			Expect(res.Path).To(Equal("ip_address"))
		})

		It("should return ErrDeviceNotFound when nothing resolves", func() {
			res, err := resolver.Resolve(ctx, registry.Identity{
				CameraID:  999,
				IPAddress: "192.168.1.250",
			})
			Expect(err).To(MatchError(registry.ErrDeviceNotFound))
			Expect(res).To(BeNil())
		})

		It("should return ErrDeviceNotFound for an empty identity", func() {
			res, err := resolver.Resolve(ctx, registry.Identity{})
			Expect(err).To(MatchError(registry.ErrDeviceNotFound))
			Expect(res).To(BeNil())
		})
	})

	Describe("Identity", func() {
		It("should report emptiness", func() {
			Expect(registry.Identity{}.Empty()).To(BeTrue())
			Expect(registry.Identity{CameraID: 1}.Empty()).To(BeFalse())
			Expect(registry.Identity{IPAddress: "10.0.0.1"}.Empty()).To(BeFalse())
		})
	})
})

var _ = Describe("NewGormRegistry", func() {
	It("should return error when database is nil", func() {
		reg, err := registry.NewGormRegistry(nil)
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("database"))
		Expect(reg).To(BeNil())
	})
})
