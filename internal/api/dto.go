package api

import (
	"time"

	"github.com/JakeFAU/extraction-supervisor/internal/extraction"
	"github.com/JakeFAU/extraction-supervisor/internal/supervisor"
)

type recordDTO struct {
	ID                string     `json:"id,omitempty"`
	UserID            string     `json:"user_id"`
	Source            string     `json:"source"`
	Status            string     `json:"status"`
	TotalItems        int64      `json:"total_items"`
	ProcessedItems    int64      `json:"processed_items"`
	FailedItems       int64      `json:"failed_items"`
	EntitiesExtracted int64      `json:"entities_extracted"`
	CurrentStep       string     `json:"current_step,omitempty"`
	StartedAt         *time.Time `json:"started_at"`
	LastRunAt         *time.Time `json:"last_run_at"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	ErrorMessage      *string    `json:"error_message"`
}

type viewDTO struct {
	recordDTO
	Persisted                 bool    `json:"persisted"`
	EffectiveStatus           string  `json:"effective_status"`
	DisplayStatus             string  `json:"display_status"`
	Stale                     bool    `json:"stale"`
	ProgressPercentage        float64 `json:"progress_percentage"`
	ProcessingRate            float64 `json:"processing_rate"`
	EstimatedSecondsRemaining int64   `json:"estimated_seconds_remaining"`
}

func toRecordDTO(rec extraction.Record) recordDTO {
	return recordDTO{
		ID:                rec.ID,
		UserID:            rec.UserID,
		Source:            string(rec.Source),
		Status:            string(rec.Status),
		TotalItems:        rec.TotalItems,
		ProcessedItems:    rec.ProcessedItems,
		FailedItems:       rec.FailedItems,
		EntitiesExtracted: rec.EntitiesExtracted,
		CurrentStep:       rec.CurrentStep,
		StartedAt:         rec.StartedAt,
		LastRunAt:         rec.LastRunAt,
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
		ErrorMessage:      rec.ErrorMessage,
	}
}

func toViewDTO(v supervisor.View) viewDTO {
	return viewDTO{
		recordDTO:                 toRecordDTO(v.Record),
		Persisted:                 v.Persisted,
		EffectiveStatus:           string(v.EffectiveStatus),
		DisplayStatus:             string(v.DisplayStatus),
		Stale:                     v.Stale,
		ProgressPercentage:        v.ProgressPercentage,
		ProcessingRate:            v.ProcessingRate,
		EstimatedSecondsRemaining: v.EstimatedSecondsRemaining,
	}
}

type startRequest struct {
	TotalItems *int64 `json:"total_items"`
}

type heartbeatRequest struct {
	TotalItems        *int64     `json:"total_items"`
	ProcessedItems    int64      `json:"processed_items"`
	FailedItems       int64      `json:"failed_items"`
	EntitiesExtracted int64      `json:"entities_extracted"`
	CurrentStep       string     `json:"current_step"`
	At                *time.Time `json:"at"`
}

func (h heartbeatRequest) toHeartbeat() extraction.Heartbeat {
	hb := extraction.Heartbeat{
		TotalItems:        h.TotalItems,
		ProcessedItems:    h.ProcessedItems,
		FailedItems:       h.FailedItems,
		EntitiesExtracted: h.EntitiesExtracted,
		CurrentStep:       h.CurrentStep,
	}
	if h.At != nil {
		hb.At = *h.At
	}
	return hb
}

type completeRequest struct {
	At *time.Time `json:"at"`
}

type failRequest struct {
	ErrorMessage string     `json:"error_message"`
	At           *time.Time `json:"at"`
}

type resetRequest struct {
	ClearDownstreamData bool `json:"clear_downstream_data"`
}

type sweepResponse struct {
	SweepID      string    `json:"sweep_id"`
	Scanned      int       `json:"scanned"`
	Transitioned int       `json:"transitioned"`
	StartedAt    time.Time `json:"started_at"`
	DurationMS   int64     `json:"duration_ms"`
}

type statsResponse struct {
	GeneratedAt       time.Time                 `json:"generated_at"`
	Records           int                       `json:"records"`
	Stale             int                       `json:"stale"`
	ProcessedItems    int64                     `json:"processed_items"`
	EntitiesExtracted int64                     `json:"entities_extracted"`
	BySource          map[string]map[string]int `json:"by_source"`
}

func toStatsResponse(sum supervisor.Summary) statsResponse {
	out := statsResponse{
		GeneratedAt:       sum.GeneratedAt,
		Records:           sum.Records,
		Stale:             sum.Stale,
		ProcessedItems:    sum.ProcessedItems,
		EntitiesExtracted: sum.EntitiesExtracted,
		BySource:          make(map[string]map[string]int, len(sum.BySource)),
	}
	for src, counts := range sum.BySource {
		byStatus := make(map[string]int, len(counts))
		for status, n := range counts {
			byStatus[string(status)] = n
		}
		out.BySource[string(src)] = byStatus
	}
	return out
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
