// Package simulator runs a synthetic fleet of camera devices that post crowd
// readings to the ingestion endpoint. It stands in for real ESP32-CAM
// firmware during development and load testing.
package simulator

import (
	"math/rand"
	"time"

	"github.com/brianvoe/gofakeit/v7"
)

// Camera is one simulated edge device.
type Camera struct {
	CameraID      uint
	DeviceID      string
	IPAddress     string `fake:"{ipv4address}"`
	LocationLabel string `fake:"{company}"`
	LocationType  string
	Firmware      string `fake:"{appversion}"`
}

var locationTypes = []string{"entrance", "general", "transit_stop", "cafe"}

// NewCamera generates a simulated camera.
func NewCamera(cameraID uint) *Camera {
	var camera Camera
	if err := gofakeit.Struct(&camera); err != nil {
		camera = Camera{IPAddress: "192.168.1.1", LocationLabel: "Entrance"}
	}
	camera.CameraID = cameraID
	camera.DeviceID = gofakeit.Numerify("CAM-####")
	camera.LocationType = locationTypes[rand.Intn(len(locationTypes))] // #nosec G404 - weak random is acceptable for simulation
	return &camera
}

// OccupancyModel drives a per-device occupancy random walk with a rush-hour
// bias, mirroring what a camera pointed at a doorway would see over a day.
type OccupancyModel struct {
	baseline  int
	occupancy int
}

// NewOccupancyModel creates a model with a random baseline crowd level.
func NewOccupancyModel() *OccupancyModel {
	baseline := 1 + rand.Intn(8) // #nosec G404
	return &OccupancyModel{
		baseline:  baseline,
		occupancy: baseline,
	}
}

// Tick is one observation produced by the model.
type Tick struct {
	PeopleCount int
	EntryCount  int
	ExitCount   int
	Occupancy   int
	Trend       string
}

// rushFactor biases the walk upward during commute hours.
func rushFactor(t time.Time) float64 {
	switch hour := t.Hour(); {
	case hour >= 7 && hour <= 9:
		return 2.0
	case hour >= 17 && hour <= 19:
		return 1.8
	case hour >= 10 && hour <= 16:
		return 1.2
	default:
		return 0.4
	}
}

// Next advances the walk and returns the observation for time t.
func (m *OccupancyModel) Next(t time.Time) Tick {
	target := int(float64(m.baseline) * rushFactor(t))

	// Drift toward the time-of-day target with some noise.
	step := rand.Intn(3) - 1 // #nosec G404
	if m.occupancy < target {
		step++
	} else if m.occupancy > target {
		step--
	}

	previous := m.occupancy
	m.occupancy += step
	if m.occupancy < 0 {
		m.occupancy = 0
	}

	tick := Tick{
		PeopleCount: m.occupancy,
		Occupancy:   m.occupancy,
		Trend:       "stable",
	}
	switch {
	case m.occupancy > previous:
		tick.EntryCount = m.occupancy - previous
		tick.Trend = "increasing"
	case m.occupancy < previous:
		tick.ExitCount = previous - m.occupancy
		tick.Trend = "decreasing"
	}
	return tick
}
