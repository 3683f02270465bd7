package ingest

import (
	"errors"
	"time"

	"procodus.dev/crowdwatch/internal/classify"
	"procodus.dev/crowdwatch/internal/registry"
	"procodus.dev/crowdwatch/internal/store"
)

// JSONSubmission is the explicit-fields payload posted by edge firmware that
// does its own person detection. Only the identity fields can reject a
// submission; everything else is defaulted.
type JSONSubmission struct {
	DeviceID         string   `json:"device_id"`
	CameraID         uint     `json:"camera_id"`
	IPAddress        string   `json:"ip_address"`
	PeopleCount      int      `json:"people_count"`
	CrowdDensity     string   `json:"crowd_density"`
	ConfidenceScore  *float64 `json:"confidence_score"`
	EntryCount       int      `json:"entry_count"`
	ExitCount        int      `json:"exit_count"`
	CurrentOccupancy *int     `json:"current_occupancy"`
	TrendDirection   string   `json:"trend_direction"`
	ProcessingTimeMs int      `json:"processing_time_ms"`
	LocationType     string   `json:"location_type"`
}

// BinarySubmission is a raw camera frame plus the identifying headers the
// ESP32-CAM firmware sends with it.
type BinarySubmission struct {
	Frame        []byte
	CameraID     uint
	LocationZone string
}

// Submission is the tagged union of the two inbound payload shapes. Exactly
// one branch is set.
type Submission struct {
	JSON   *JSONSubmission
	Binary *BinarySubmission
}

// Format names the submission branch for logs and metrics.
func (s Submission) Format() string {
	if s.Binary != nil {
		return "binary"
	}
	return "json"
}

// Identity extracts the identity fields the resolver works with.
func (s Submission) Identity() registry.Identity {
	switch {
	case s.JSON != nil:
		return registry.Identity{
			DeviceID:  s.JSON.DeviceID,
			CameraID:  s.JSON.CameraID,
			IPAddress: s.JSON.IPAddress,
		}
	case s.Binary != nil:
		return registry.Identity{CameraID: s.Binary.CameraID}
	default:
		return registry.Identity{}
	}
}

// received echoes the lookup fields for a rejection response.
func (s Submission) received() ReceivedIdentity {
	switch {
	case s.JSON != nil:
		return ReceivedIdentity{CameraID: s.JSON.CameraID, IPAddress: s.JSON.IPAddress}
	case s.Binary != nil:
		return ReceivedIdentity{CameraID: s.Binary.CameraID}
	default:
		return ReceivedIdentity{}
	}
}

const (
	defaultConfidence   = 0.85
	defaultTrend        = "stable"
	defaultLocationType = "general"

	// binaryLocationType marks readings derived from raw camera frames.
	binaryLocationType = "entrance"
)

// Normalizer turns a submission and a resolved device id into one canonical
// reading draft. Both payload branches funnel through the same defaulting
// path so the rules live in one place.
type Normalizer struct {
	analyzer FrameAnalyzer
}

// NewNormalizer creates a new Normalizer instance.
func NewNormalizer(analyzer FrameAnalyzer) (*Normalizer, error) {
	if analyzer == nil {
		return nil, errors.New("analyzer cannot be nil")
	}
	return &Normalizer{analyzer: analyzer}, nil
}

// Normalize builds the reading for a submission. The returned reading always
// carries a concrete density: the submitter's explicit crowd_density verbatim
// when present (an upstream model may know better than the count thresholds),
// otherwise the instant classification of the people count.
func (n *Normalizer) Normalize(sub Submission, deviceID string, at time.Time) *store.Reading {
	if sub.Binary != nil {
		analysis := n.analyzer.Analyze(sub.Binary.Frame)
		return n.draft(JSONSubmission{
			PeopleCount:      analysis.PeopleCount,
			ConfidenceScore:  &analysis.Confidence,
			ProcessingTimeMs: analysis.ProcessingTimeMs,
			LocationType:     binaryLocationType,
		}, deviceID, at, len(sub.Binary.Frame))
	}

	return n.draft(*sub.JSON, deviceID, at, 0)
}

func (n *Normalizer) draft(j JSONSubmission, deviceID string, at time.Time, imageSize int) *store.Reading {
	confidence := defaultConfidence
	if j.ConfidenceScore != nil {
		confidence = *j.ConfidenceScore
	}

	occupancy := j.PeopleCount
	if j.CurrentOccupancy != nil {
		occupancy = *j.CurrentOccupancy
	}

	trend := j.TrendDirection
	if trend == "" {
		trend = defaultTrend
	}

	locationType := j.LocationType
	if locationType == "" {
		locationType = defaultLocationType
	}

	density := j.CrowdDensity
	if density == "" {
		density = string(classify.Instant(j.PeopleCount))
	}

	return &store.Reading{
		DeviceID:         deviceID,
		Timestamp:        at,
		PeopleCount:      j.PeopleCount,
		Density:          density,
		Confidence:       confidence,
		EntryCount:       j.EntryCount,
		ExitCount:        j.ExitCount,
		CurrentOccupancy: occupancy,
		TrendDirection:   trend,
		LocationType:     locationType,
		ProcessingTimeMs: j.ProcessingTimeMs,
		ImageSize:        imageSize,
	}
}
