// Package booking provides clients for the scheduling backend.
//
// This file implements the HTTP client for a remote scheduling backend,
// mapping response status codes onto the error taxonomy.
package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

// DefaultHTTPTimeout bounds a single backend request. Retries and the per-turn
// deadline are handled above this client.
const DefaultHTTPTimeout = 10 * time.Second

// HTTPClient talks to a remote scheduling backend over REST.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// HTTPOpts holds configuration options for the HTTP backend client.
type HTTPOpts struct {
	BaseURL string
	Timeout time.Duration
}

// HTTPOption defines a configuration option for the HTTP backend client.
type HTTPOption func(*HTTPOpts)

// WithBaseURL sets the backend base URL.
func WithBaseURL(u string) HTTPOption {
	return func(o *HTTPOpts) { o.BaseURL = u }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(o *HTTPOpts) { o.Timeout = d }
}

// NewHTTPClient creates a scheduling-backend client for the given base URL.
func NewHTTPClient(opts ...HTTPOption) (*HTTPClient, error) {
	var cfg HTTPOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("backend base URL not set")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultHTTPTimeout
	}
	slog.Debug("booking.NewHTTPClient: creating backend client", "baseURL", cfg.BaseURL, "timeout", cfg.Timeout)
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// conflictBody is the backend's 409 response payload.
type conflictBody struct {
	Message      string        `json:"message,omitempty"`
	Alternatives []models.Slot `json:"alternatives,omitempty"`
}

// errorBody is the backend's generic error payload.
type errorBody struct {
	Message string `json:"message,omitempty"`
}

// ListServices returns the bookable services.
func (c *HTTPClient) ListServices(ctx context.Context) ([]models.Service, error) {
	var services []models.Service
	if err := c.do(ctx, http.MethodGet, "/services", nil, &services); err != nil {
		return nil, err
	}
	return services, nil
}

// QueryAvailability returns open slots for a service starting at dateFrom.
func (c *HTTPClient) QueryAvailability(ctx context.Context, serviceID, dateFrom string) ([]models.Slot, error) {
	path := fmt.Sprintf("/services/%s/availability", url.PathEscape(serviceID))
	if dateFrom != "" {
		path += "?date_from=" + url.QueryEscape(dateFrom)
	}
	var slots []models.Slot
	if err := c.do(ctx, http.MethodGet, path, nil, &slots); err != nil {
		return nil, err
	}
	return slots, nil
}

// CreateBooking creates an appointment.
func (c *HTTPClient) CreateBooking(ctx context.Context, req Request) (*models.Booking, error) {
	var booking models.Booking
	if err := c.do(ctx, http.MethodPost, "/bookings", req, &booking); err != nil {
		return nil, err
	}
	return &booking, nil
}

// LookupBooking returns the booking for a confirmation number.
func (c *HTTPClient) LookupBooking(ctx context.Context, confirmationNumber string) (*models.Booking, error) {
	var booking models.Booking
	path := "/bookings/" + url.PathEscape(confirmationNumber)
	if err := c.do(ctx, http.MethodGet, path, nil, &booking); err != nil {
		return nil, err
	}
	return &booking, nil
}

// CancelBooking cancels the booking for a confirmation number.
func (c *HTTPClient) CancelBooking(ctx context.Context, confirmationNumber string) error {
	path := "/bookings/" + url.PathEscape(confirmationNumber)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// RescheduleBooking moves the booking to a new date and time.
func (c *HTTPClient) RescheduleBooking(ctx context.Context, confirmationNumber, newDate, newTime string) (*models.Booking, error) {
	path := "/bookings/" + url.PathEscape(confirmationNumber) + "/reschedule"
	body := map[string]string{"new_date": newDate, "new_time": newTime}
	var booking models.Booking
	if err := c.do(ctx, http.MethodPost, path, body, &booking); err != nil {
		return nil, err
	}
	return &booking, nil
}

// do performs one request and maps the response onto the error taxonomy.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Transport-level failures (connection refused, timeouts) are transient.
		slog.Warn("HTTPClient.do: request failed", "method", method, "path", path, "error", err)
		return &UnavailableError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &UnavailableError{Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil || len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode backend response: %w", err)
		}
		return nil

	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound

	case resp.StatusCode == http.StatusConflict:
		var conflict conflictBody
		if err := json.Unmarshal(data, &conflict); err != nil {
			slog.Warn("HTTPClient.do: failed to decode conflict body", "error", err)
		}
		return &ConflictError{Alternatives: conflict.Alternatives}

	case resp.StatusCode == http.StatusForbidden:
		return ErrPermissionDenied

	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		var body errorBody
		if err := json.Unmarshal(data, &body); err != nil || body.Message == "" {
			body.Message = fmt.Sprintf("backend rejected request (status %d)", resp.StatusCode)
		}
		return &ValidationError{Message: body.Message}

	case resp.StatusCode >= 500:
		return &UnavailableError{Err: fmt.Errorf("backend returned status %d", resp.StatusCode)}

	default:
		return fmt.Errorf("unexpected backend status %d", resp.StatusCode)
	}
}
