// Package registry resolves inbound submissions to canonical device
// identities. The registry itself is read-only from the pipeline's
// perspective; provisioning (and the simulator) writes device rows through
// the store.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"gorm.io/gorm"

	"procodus.dev/crowdwatch/internal/store"
)

// ErrDeviceNotFound is returned by registry lookups that match no device.
var ErrDeviceNotFound = errors.New("device not found")

// Registry is the lookup surface the resolver needs. Implementations must be
// safe for concurrent reads.
type Registry interface {
	// FindByCameraID looks up a registered camera by its numeric camera id.
	FindByCameraID(ctx context.Context, cameraID uint) (*store.Device, error)

	// FindByIP looks up a registered camera by its configured IP address.
	FindByIP(ctx context.Context, ipAddress string) (*store.Device, error)
}

// GormRegistry reads device records from PostgreSQL.
type GormRegistry struct {
	db *gorm.DB
}

// NewGormRegistry creates a Registry backed by the devices table.
func NewGormRegistry(db *gorm.DB) (*GormRegistry, error) {
	if db == nil {
		return nil, errors.New("database cannot be nil")
	}
	return &GormRegistry{db: db}, nil
}

// FindByCameraID implements Registry.
func (r *GormRegistry) FindByCameraID(ctx context.Context, cameraID uint) (*store.Device, error) {
	if cameraID == 0 {
		return nil, ErrDeviceNotFound
	}

	var device store.Device
	err := r.db.WithContext(ctx).Where("camera_id = ?", cameraID).First(&device).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	return &device, nil
}

// FindByIP implements Registry.
func (r *GormRegistry) FindByIP(ctx context.Context, ipAddress string) (*store.Device, error) {
	if ipAddress == "" {
		return nil, ErrDeviceNotFound
	}

	var device store.Device
	err := r.db.WithContext(ctx).Where("ip_address = ?", ipAddress).First(&device).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	return &device, nil
}

// Identity carries the identity fields a submission may present.
type Identity struct {
	DeviceID  string
	CameraID  uint
	IPAddress string
}

// Empty reports whether no identity field is present at all.
func (id Identity) Empty() bool {
	return id.DeviceID == "" && id.CameraID == 0 && id.IPAddress == ""
}

// Resolution records which path produced a device id, for logging and metrics.
type Resolution struct {
	DeviceID string
	Path     string // device_id, camera_id, ip_address
}

// Resolver maps an Identity to a canonical device id using a strict fallback
// order: explicit device_id verbatim, then camera id lookup, then IP lookup.
// Camera ids outlive IP reassignments in the field, so the camera id path is
// tried first; a camera id that matches nothing falls through to the IP path
// instead of rejecting.
type Resolver struct {
	logger   *slog.Logger
	registry Registry
}

// NewResolver creates a new Resolver instance.
func NewResolver(logger *slog.Logger, reg Registry) (*Resolver, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if reg == nil {
		return nil, errors.New("registry cannot be nil")
	}

	return &Resolver{logger: logger, registry: reg}, nil
}

// Resolve applies the fallback order and returns the canonical device id.
// It returns ErrDeviceNotFound when no path produced a match; the caller is
// responsible for turning that into a validation failure with a hint.
func (r *Resolver) Resolve(ctx context.Context, ident Identity) (*Resolution, error) {
	if ident.DeviceID != "" {
		return &Resolution{DeviceID: ident.DeviceID, Path: "device_id"}, nil
	}

	if ident.CameraID != 0 {
		device, err := r.registry.FindByCameraID(ctx, ident.CameraID)
		switch {
		case err == nil:
			return &Resolution{
				DeviceID: strconv.FormatUint(uint64(device.CameraID), 10),
				Path:     "camera_id",
			}, nil
		case errors.Is(err, ErrDeviceNotFound):
			r.logger.Warn("camera id did not match a registered camera, falling through",
				"camera_id", ident.CameraID,
			)
		default:
			return nil, err
		}
	}

	if ident.IPAddress != "" {
		device, err := r.registry.FindByIP(ctx, ident.IPAddress)
		switch {
		case err == nil:
			return &Resolution{
				DeviceID: strconv.FormatUint(uint64(device.CameraID), 10),
				Path:     "ip_address",
			}, nil
		case errors.Is(err, ErrDeviceNotFound):
			r.logger.Warn("ip address did not match a registered camera",
				"ip_address", ident.IPAddress,
			)
		default:
			return nil, err
		}
	}

	return nil, ErrDeviceNotFound
}
