// Package classify maps occupancy counts to ordinal density classes and
// derives fanout priorities from them.
//
// Two classification functions exist on purpose. Instant classifies a single
// reading at ingestion time; Aggregate classifies a windowed average for the
// dashboard-facing views. They use different thresholds and different inputs
// and must not be unified: persisted readings carry Instant classes, while
// location summaries computed from averages carry Aggregate levels, and
// existing consumers depend on both shapes.
package classify

// Density is the ordinal density class of a single occupancy reading.
type Density string

const (
	DensityEmpty       Density = "empty"
	DensityLow         Density = "low"
	DensityMedium      Density = "medium"
	DensityHigh        Density = "high"
	DensityOvercrowded Density = "overcrowded"
)

// Valid reports whether d is one of the known density classes.
func (d Density) Valid() bool {
	switch d {
	case DensityEmpty, DensityLow, DensityMedium, DensityHigh, DensityOvercrowded:
		return true
	}
	return false
}

// AggregateLevel is the coarser display-facing class computed from a windowed
// average people count.
type AggregateLevel string

const (
	AggregateEmpty    AggregateLevel = "empty"
	AggregateLow      AggregateLevel = "low"
	AggregateModerate AggregateLevel = "moderate"
	AggregateHigh     AggregateLevel = "high"
	AggregateVeryHigh AggregateLevel = "very_high"
)

// UpdateType identifies the kind of realtime update being fanned out.
type UpdateType string

const (
	UpdateCrowdChange    UpdateType = "crowd_change"
	UpdateVehicleArrival UpdateType = "vehicle_arrival"
	UpdateDeviceStatus   UpdateType = "device_status"
)

// Fanout priorities, low to critical.
const (
	PriorityLow      = 1
	PriorityMedium   = 2
	PriorityHigh     = 3
	PriorityCritical = 4
)

// Instant classifies a single people count.
func Instant(peopleCount int) Density {
	switch {
	case peopleCount <= 0:
		return DensityEmpty
	case peopleCount <= 3:
		return DensityLow
	case peopleCount <= 8:
		return DensityMedium
	case peopleCount <= 15:
		return DensityHigh
	default:
		return DensityOvercrowded
	}
}

// Aggregate classifies a windowed average people count for display.
func Aggregate(avgPeople float64) AggregateLevel {
	switch {
	case avgPeople > 20:
		return AggregateVeryHigh
	case avgPeople > 15:
		return AggregateHigh
	case avgPeople > 8:
		return AggregateModerate
	case avgPeople > 3:
		return AggregateLow
	default:
		return AggregateEmpty
	}
}

// CrowdPriority derives the fanout priority of a crowd_change update from the
// density of the reading that produced it.
func CrowdPriority(d Density) int {
	if d == DensityHigh || d == DensityOvercrowded {
		return PriorityHigh
	}
	return PriorityLow
}

// ArrivalPriority derives the fanout priority of a vehicle_arrival update.
// Approaching vehicles are worth interrupting a dashboard for; arrivals and
// departures are routine.
func ArrivalPriority(arrivalStatus string) int {
	if arrivalStatus == "approaching" {
		return PriorityMedium
	}
	return PriorityLow
}

// StatusPriority is the fanout priority of a device_status update. Device
// offline transitions are always critical.
func StatusPriority() int {
	return PriorityCritical
}
