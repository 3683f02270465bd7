// Package ingest implements the HTTP ingestion service: it accepts readings
// from edge devices, resolves them to known devices, classifies and persists
// them, and emits prioritized realtime updates for dashboard consumers.
package ingest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"procodus.dev/crowdwatch/internal/store"
)

// maxFrameBytes caps inbound camera frames.
const maxFrameBytes = 10 << 20

// analysisResponse is the success body of a reading submission.
type analysisResponse struct {
	Success   bool         `json:"success"`
	Analysis  analysisBody `json:"analysis"`
	Accuracy  float64      `json:"accuracy"`
	Timestamp time.Time    `json:"timestamp"`
	DeviceID  string       `json:"device_id"`
}

type analysisBody struct {
	PersonCount     int     `json:"person_count"`
	CrowdDensity    string  `json:"crowd_density"`
	ConfidenceScore float64 `json:"confidence_score"`
	ProcessingTime  int     `json:"processing_time"`
}

// errorResponse is the failure body for rejected submissions.
type errorResponse struct {
	Success  bool              `json:"success"`
	Error    string            `json:"error"`
	Hint     string            `json:"hint,omitempty"`
	Received *ReceivedIdentity `json:"received,omitempty"`
}

// readingDTO shapes a persisted reading for the dashboard read API.
type readingDTO struct {
	ID               uint      `json:"id"`
	DeviceID         string    `json:"device_id"`
	Timestamp        time.Time `json:"timestamp"`
	PeopleCount      int       `json:"people_count"`
	CrowdDensity     string    `json:"crowd_density"`
	ConfidenceScore  float64   `json:"confidence_score"`
	EntryCount       int       `json:"entry_count"`
	ExitCount        int       `json:"exit_count"`
	CurrentOccupancy int       `json:"current_occupancy"`
	TrendDirection   string    `json:"trend_direction"`
	LocationType     string    `json:"location_type"`
	ProcessingTimeMs int       `json:"processing_time_ms"`
}

// updateDTO shapes a realtime update row for the short-poll API.
type updateDTO struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	SourceDeviceID string          `json:"source_device_id"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	CreatedAt      time.Time       `json:"created_at"`
}

// handleSubmitReading accepts a reading as JSON or as a raw camera frame.
func (s *Server) handleSubmitReading(w http.ResponseWriter, r *http.Request) {
	sub, err := parseSubmission(r)
	if err != nil {
		s.logger.Warn("malformed submission", "remote_addr", r.RemoteAddr, "error", err)
		s.writeJSON(w, http.StatusBadRequest, errorResponse{
			Success: false,
			Error:   "malformed payload",
			Hint:    err.Error(),
		})
		return
	}

	result, err := s.service.Submit(r.Context(), sub)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}

	reading := result.Reading
	s.writeJSON(w, http.StatusOK, analysisResponse{
		Success: true,
		Analysis: analysisBody{
			PersonCount:     reading.PeopleCount,
			CrowdDensity:    reading.Density,
			ConfidenceScore: reading.Confidence,
			ProcessingTime:  reading.ProcessingTimeMs,
		},
		Accuracy:  reading.Confidence * 100,
		Timestamp: reading.Timestamp,
		DeviceID:  reading.DeviceID,
	})
}

// parseSubmission builds the tagged submission union from the request body.
func parseSubmission(r *http.Request) (Submission, error) {
	contentType := r.Header.Get("Content-Type")

	if strings.HasPrefix(contentType, "image/") {
		frame, err := io.ReadAll(io.LimitReader(r.Body, maxFrameBytes))
		if err != nil {
			return Submission{}, errors.New("failed to read frame body")
		}

		var cameraID uint
		if raw := r.Header.Get("X-Camera-ID"); raw != "" {
			id, err := strconv.ParseUint(raw, 10, 32)
			if err != nil {
				return Submission{}, errors.New("X-Camera-ID must be numeric")
			}
			cameraID = uint(id)
		}

		return Submission{Binary: &BinarySubmission{
			Frame:        frame,
			CameraID:     cameraID,
			LocationZone: r.Header.Get("X-Location-Zone"),
		}}, nil
	}

	var payload JSONSubmission
	if err := json.NewDecoder(io.LimitReader(r.Body, maxFrameBytes)).Decode(&payload); err != nil {
		return Submission{}, errors.New("body must be valid JSON")
	}
	return Submission{JSON: &payload}, nil
}

// writeSubmitError maps pipeline errors to their HTTP shapes.
func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	var vErr *ValidationError
	switch {
	case errors.As(err, &vErr):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{
			Success:  false,
			Error:    vErr.Message,
			Hint:     vErr.Hint,
			Received: vErr.Received,
		})
	case errors.Is(err, ErrStoreUnavailable):
		s.logger.Error("persistence failed", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{
			Success: false,
			Error:   "failed to persist reading",
		})
	default:
		s.logger.Error("submission failed", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{
			Success: false,
			Error:   "internal error",
		})
	}
}

// handleQueryReadings serves the dashboard read API.
func (s *Server) handleQueryReadings(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := store.ReadingFilter{
		DeviceID:     query.Get("device_id"),
		LocationType: query.Get("location_type"),
		Hours:        atoiOrZero(query.Get("hours")),
		Limit:        atoiOrZero(query.Get("limit")),
	}

	readings, summary, err := s.readStore.QueryReadings(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to query readings", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{
			Success: false,
			Error:   "failed to query readings",
		})
		return
	}

	analyses := make([]readingDTO, len(readings))
	for i, reading := range readings {
		analyses[i] = readingDTO{
			ID:               reading.ID,
			DeviceID:         reading.DeviceID,
			Timestamp:        reading.Timestamp,
			PeopleCount:      reading.PeopleCount,
			CrowdDensity:     reading.Density,
			ConfidenceScore:  reading.Confidence,
			EntryCount:       reading.EntryCount,
			ExitCount:        reading.ExitCount,
			CurrentOccupancy: reading.CurrentOccupancy,
			TrendDirection:   reading.TrendDirection,
			LocationType:     reading.LocationType,
			ProcessingTimeMs: reading.ProcessingTimeMs,
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"analyses": analyses,
		"summary":  summary,
		"count":    len(analyses),
	})
}

// handleRecentUpdates serves the short-poll batch of realtime updates,
// highest priority first. Consumers that missed live events reconcile here.
func (s *Server) handleRecentUpdates(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	since := time.Now().UTC().Add(-time.Hour)
	if raw := query.Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{
				Success: false,
				Error:   "invalid since parameter",
				Hint:    "use RFC3339, e.g. 2026-08-29T10:00:00Z",
			})
			return
		}
		since = parsed
	}

	updates, err := s.readStore.RecentUpdates(r.Context(), since, atoiOrZero(query.Get("limit")))
	if err != nil {
		s.logger.Error("failed to query realtime updates", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{
			Success: false,
			Error:   "failed to query updates",
		})
		return
	}

	dtos := make([]updateDTO, len(updates))
	for i, update := range updates {
		dtos[i] = updateDTO{
			ID:             update.ID,
			Type:           update.Type,
			SourceDeviceID: update.SourceDeviceID,
			Payload:        json.RawMessage(update.Payload),
			Priority:       update.Priority,
			CreatedAt:      update.CreatedAt,
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"updates": dtos,
		"count":   len(dtos),
	})
}

// handleSubmitArrival accepts a vehicle arrival from a stop sensor.
func (s *Server) handleSubmitArrival(w http.ResponseWriter, r *http.Request) {
	var sub ArrivalSubmission
	if err := json.NewDecoder(io.LimitReader(r.Body, maxFrameBytes)).Decode(&sub); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{
			Success: false,
			Error:   "malformed payload",
			Hint:    "body must be valid JSON",
		})
		return
	}

	update, err := s.service.SubmitArrival(r.Context(), sub)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"update_id": update.ID,
		"device_id": update.SourceDeviceID,
		"priority":  update.Priority,
		"timestamp": update.CreatedAt,
	})
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"service":   "crowdwatch-ingest",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func atoiOrZero(raw string) int {
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}
