// Package client is the worker-side client for the extraction supervisor API.
//
// A worker calls Start once, reports absolute counters with Heartbeat while it
// runs (or lets a Reporter do so on a fixed cadence) and finishes with
// Complete or Fail. Requests that fail with a transport error or a 502, 503
// or 504 are retried with backoff; every other status is returned as an
// *APIError that matches the package sentinels under errors.Is.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Data sources understood by the supervisor.
const (
	SourceEmail    = "email"
	SourceCalendar = "calendar"
	SourceDrive    = "drive"
)

// Config configures a Client.
type Config struct {
	// BaseURL is the supervisor root, e.g. http://supervisor:8080.
	BaseURL string
	// APIKey is sent as X-API-Key when non-empty.
	APIKey  string
	Timeout time.Duration
	// RetryCount is the number of retries after the first attempt. Zero
	// means the default of 3; use a negative value to disable retries.
	RetryCount   int
	RetryWait    time.Duration
	RetryMaxWait time.Duration
	UserAgent    string
}

// Progress is an extraction record as returned by the API. The derived fields
// are only populated by Get and List.
type Progress struct {
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

	Persisted                 bool    `json:"persisted"`
	EffectiveStatus           string  `json:"effective_status"`
	DisplayStatus             string  `json:"display_status"`
	Stale                     bool    `json:"stale"`
	ProgressPercentage        float64 `json:"progress_percentage"`
	ProcessingRate            float64 `json:"processing_rate"`
	EstimatedSecondsRemaining int64   `json:"estimated_seconds_remaining"`
}

// Heartbeat carries absolute counters for the running extraction.
type Heartbeat struct {
	TotalItems        *int64     `json:"total_items,omitempty"`
	ProcessedItems    int64      `json:"processed_items"`
	FailedItems       int64      `json:"failed_items"`
	EntitiesExtracted int64      `json:"entities_extracted"`
	CurrentStep       string     `json:"current_step,omitempty"`
	At                *time.Time `json:"at,omitempty"`
}

// Client talks to the supervisor over HTTP. It is safe for concurrent use.
type Client struct {
	http *resty.Client
}

const (
	extractionPath = "/v1/users/{user_id}/extractions/{source}"
	listPath       = "/v1/users/{user_id}/extractions"
)

// New builds a Client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	switch {
	case cfg.RetryCount == 0:
		cfg.RetryCount = 3
	case cfg.RetryCount < 0:
		cfg.RetryCount = 0
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = 200 * time.Millisecond
	}
	if cfg.RetryMaxWait <= 0 {
		cfg.RetryMaxWait = 2 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "extraction-supervisor-client"
	}

	h := resty.New().
		SetBaseURL(base).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", cfg.UserAgent).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryMaxWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			switch r.StatusCode() {
			case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
				return true
			}
			return false
		})
	if cfg.APIKey != "" {
		h.SetHeader("X-API-Key", cfg.APIKey)
	}
	return &Client{http: h}, nil
}

type extractionEnvelope struct {
	Extraction Progress `json:"extraction"`
}

type listEnvelope struct {
	Extractions []Progress `json:"extractions"`
}

// Start moves the extraction to pending. totalItems may be nil when the input
// size is not yet known.
func (c *Client) Start(ctx context.Context, userID, source string, totalItems *int64) (Progress, error) {
	body := map[string]*int64{"total_items": totalItems}
	return c.mutate(ctx, userID, source, "start", body)
}

// Heartbeat reports progress and keeps the run from going stale.
func (c *Client) Heartbeat(ctx context.Context, userID, source string, hb Heartbeat) (Progress, error) {
	return c.mutate(ctx, userID, source, "heartbeat", hb)
}

// Complete marks the run completed. A zero at uses the server clock.
func (c *Client) Complete(ctx context.Context, userID, source string, at time.Time) (Progress, error) {
	return c.mutate(ctx, userID, source, "complete", map[string]*time.Time{"at": timePtr(at)})
}

// Fail marks the run failed with message. A zero at uses the server clock.
func (c *Client) Fail(ctx context.Context, userID, source, message string, at time.Time) (Progress, error) {
	body := struct {
		ErrorMessage string     `json:"error_message"`
		At           *time.Time `json:"at,omitempty"`
	}{ErrorMessage: message, At: timePtr(at)}
	return c.mutate(ctx, userID, source, "fail", body)
}

// Pause pauses an active run. Pausing a paused run is a no-op.
func (c *Client) Pause(ctx context.Context, userID, source string) (Progress, error) {
	return c.mutate(ctx, userID, source, "pause", nil)
}

// Reset returns the record to idle, optionally clearing extracted artifacts.
func (c *Client) Reset(ctx context.Context, userID, source string, clearDownstream bool) (Progress, error) {
	return c.mutate(ctx, userID, source, "reset", map[string]bool{"clear_downstream_data": clearDownstream})
}

// Get returns one extraction with its derived progress figures.
func (c *Client) Get(ctx context.Context, userID, source string) (Progress, error) {
	var out extractionEnvelope
	err := c.do(ctx, http.MethodGet, extractionPath, pathParams(userID, source), nil, &out)
	return out.Extraction, err
}

// List returns every source's extraction for userID.
func (c *Client) List(ctx context.Context, userID string) ([]Progress, error) {
	var out listEnvelope
	err := c.do(ctx, http.MethodGet, listPath, map[string]string{"user_id": userID}, nil, &out)
	return out.Extractions, err
}

func (c *Client) mutate(ctx context.Context, userID, source, action string, body any) (Progress, error) {
	var out extractionEnvelope
	err := c.do(ctx, http.MethodPost, extractionPath+"/"+action, pathParams(userID, source), body, &out)
	return out.Extraction, err
}

func (c *Client) do(ctx context.Context, method, path string, params map[string]string, body, out any) error {
	var apiErr errorBody
	req := c.http.R().
		SetContext(ctx).
		SetPathParams(params).
		SetResult(out).
		SetError(&apiErr)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		msg := apiErr.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode())
		}
		return &APIError{StatusCode: resp.StatusCode(), Message: msg}
	}
	return nil
}

func pathParams(userID, source string) map[string]string {
	return map[string]string{"user_id": userID, "source": source}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
