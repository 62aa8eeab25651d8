// Package models defines core data structures for BookingPipe.
//
// It includes scheduling-backend entities (services, slots, bookings),
// conversation session types, and shared API response types.
package models

import "time"

// Service represents a bookable service offered by the scheduling backend.
type Service struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	DurationMinutes int    `json:"duration_minutes"`
	Description     string `json:"description,omitempty"`
}

// Slot represents an available appointment slot for a service.
type Slot struct {
	Date      string `json:"date"`       // YYYY-MM-DD
	StartTime string `json:"start_time"` // HH:MM (24-hour)
	EndTime   string `json:"end_time,omitempty"`
}

// ClientInfo holds the contact details collected for a booking.
type ClientInfo struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// Booking represents an appointment record held by the scheduling backend.
// The confirmation number is the only handle used to look up, cancel, or
// reschedule a booking.
type Booking struct {
	ConfirmationNumber string     `json:"confirmation_number"`
	ServiceID          string     `json:"service_id"`
	Date               string     `json:"date"`
	StartTime          string     `json:"start_time"`
	Client             ClientInfo `json:"client"`
	Status             string     `json:"status"` // "confirmed" or "cancelled"
	CreatedAt          time.Time  `json:"created_at"`
}

// TurnRequest is the request body for submitting a conversation turn.
type TurnRequest struct {
	Message string `json:"message"`
}

// TurnResponse is the result of processing a conversation turn.
type TurnResponse struct {
	SessionID string            `json:"session_id"`
	Reply     string            `json:"reply"`
	State     ConversationState `json:"state"`
	Escalated bool              `json:"escalated,omitempty"`
}

// SessionSnapshot is the externally visible view of a session.
type SessionSnapshot struct {
	ID        string             `json:"id"`
	State     ConversationState  `json:"state"`
	Data      map[DataKey]string `json:"data,omitempty"`
	Escalated bool               `json:"escalated"`
	Turns     int                `json:"turns"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// APIStatus represents the status field of an API response.
type APIStatus string

const (
	// APIStatusOK indicates a successful API call.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates a failed API call.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{response: APIResponse{}}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// InboundMessage represents an incoming message from a messaging channel.
type InboundMessage struct {
	From string `json:"from"`
	Body string `json:"body"`
	Time int64  `json:"time"`
}
