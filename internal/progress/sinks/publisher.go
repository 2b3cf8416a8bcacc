package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/extraction-supervisor/internal/progress"
	"github.com/JakeFAU/extraction-supervisor/internal/publisher"
)

// Notification is the JSON body published for each transition.
type Notification struct {
	UserID            string    `json:"user_id"`
	Source            string    `json:"source"`
	Stage             string    `json:"stage"`
	Status            string    `json:"status"`
	Timestamp         time.Time `json:"ts"`
	TotalItems        int64     `json:"total_items"`
	ProcessedItems    int64     `json:"processed_items"`
	FailedItems       int64     `json:"failed_items"`
	EntitiesExtracted int64     `json:"entities_extracted"`
	RunSeconds        float64   `json:"run_seconds,omitempty"`
	Note              string    `json:"note,omitempty"`
}

// PublisherSink forwards transitions to a Publisher. Heartbeats are skipped
// unless IncludeHeartbeats is set.
type PublisherSink struct {
	pub               publisher.Publisher
	includeHeartbeats bool
}

// NewPublisherSink wraps pub.
func NewPublisherSink(pub publisher.Publisher, includeHeartbeats bool) (*PublisherSink, error) {
	if pub == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	return &PublisherSink{pub: pub, includeHeartbeats: includeHeartbeats}, nil
}

// Consume publishes each event in order and joins any failures.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		if evt.Stage == progress.StageHeartbeat && !s.includeHeartbeats {
			continue
		}
		msg := publisher.Message{
			OrderingKey: evt.Key().String(),
			Attributes: map[string]string{
				"user_id": evt.UserID,
				"source":  string(evt.Source),
				"stage":   string(evt.Stage),
			},
			Payload: toNotification(evt),
		}
		if _, err := s.pub.Publish(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("publish %s %s: %w", evt.Key(), evt.Stage, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes the publisher when it supports closing.
func (s *PublisherSink) Close(context.Context) error {
	if c, ok := s.pub.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func toNotification(evt progress.Event) Notification {
	return Notification{
		UserID:            evt.UserID,
		Source:            string(evt.Source),
		Stage:             string(evt.Stage),
		Status:            string(evt.Status),
		Timestamp:         evt.TS,
		TotalItems:        evt.TotalItems,
		ProcessedItems:    evt.ProcessedItems,
		FailedItems:       evt.FailedItems,
		EntitiesExtracted: evt.EntitiesExtracted,
		RunSeconds:        evt.RunTime.Seconds(),
		Note:              evt.Note,
	}
}
