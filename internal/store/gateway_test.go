package store_test

import (
	"log/slog"
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/crowdwatch/internal/store"
)

var _ = Describe("Gateway", func() {
	var (
		logger *slog.Logger
	)

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	})

	Describe("NewGateway", func() {
		Context("with invalid configuration", func() {
			It("should return error when logger is nil", func() {
				gateway, err := store.NewGateway(nil, nil, nil)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("logger cannot be nil"))
				Expect(gateway).To(BeNil())
			})

			It("should return error when database is nil", func() {
				gateway, err := store.NewGateway(logger, nil, nil)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("database cannot be nil"))
				Expect(gateway).To(BeNil())
			})
		})
	})
})
