// Package models defines tool structures for LLM function calling.
package models

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// OperationName identifies a scheduling-backend operation the reasoning
// service may request. The set is closed: unknown names are rejected as
// validation errors, never dispatched dynamically.
type OperationName string

const (
	// OperationListServices lists the bookable services.
	OperationListServices OperationName = "list_services"
	// OperationQueryAvailability queries open slots for a service.
	OperationQueryAvailability OperationName = "query_availability"
	// OperationCreateBooking creates a new appointment.
	OperationCreateBooking OperationName = "create_booking"
	// OperationLookupBooking verifies a confirmation number.
	OperationLookupBooking OperationName = "lookup_booking"
	// OperationCancelBooking cancels an existing appointment.
	OperationCancelBooking OperationName = "cancel_booking"
	// OperationRescheduleBooking moves an existing appointment.
	OperationRescheduleBooking OperationName = "reschedule_booking"
)

// ToolRecordBookingData is the local tool the reasoning service uses to store
// collected conversation fields. It is handled by the orchestrator, not
// dispatched to the scheduling backend.
const ToolRecordBookingData = "record_booking_data"

// KnownOperations is the closed dispatch set for backend operations.
var KnownOperations = map[OperationName]bool{
	OperationListServices:      true,
	OperationQueryAvailability: true,
	OperationCreateBooking:     true,
	OperationLookupBooking:     true,
	OperationCancelBooking:     true,
	OperationRescheduleBooking: true,
}

var (
	dateRegex  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	timeRegex  = regexp.MustCompile(`^([0-1]?[0-9]|2[0-3]):[0-5][0-9]$`)
	emailRegex = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	phoneRegex = regexp.MustCompile(`^\+?[0-9][0-9\- ]{5,}$`)
)

// ValidateDate validates a YYYY-MM-DD date string.
func ValidateDate(date string) error {
	if !dateRegex.MatchString(date) {
		return fmt.Errorf("date must be in YYYY-MM-DD format")
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return fmt.Errorf("invalid date: %w", err)
	}
	return nil
}

// ValidateTime validates an HH:MM (24-hour) time string.
func ValidateTime(timeStr string) error {
	if !timeRegex.MatchString(timeStr) {
		return fmt.Errorf("time must be in HH:MM format (24-hour)")
	}
	if _, err := time.Parse("15:04", timeStr); err != nil {
		return fmt.Errorf("invalid time: %w", err)
	}
	return nil
}

// ValidateEmail validates an email address.
func ValidateEmail(email string) error {
	if !emailRegex.MatchString(email) {
		return fmt.Errorf("invalid email address %q", email)
	}
	return nil
}

// ValidatePhone validates a phone number (digits with optional leading +,
// at least 6 digits).
func ValidatePhone(phone string) error {
	if !phoneRegex.MatchString(phone) {
		return fmt.Errorf("invalid phone number %q", phone)
	}
	return nil
}

// QueryAvailabilityParams defines the parameters for the query_availability operation.
type QueryAvailabilityParams struct {
	ServiceID string `json:"service_id"`
	DateFrom  string `json:"date_from"` // YYYY-MM-DD
}

// Validate ensures the availability query parameters are valid.
func (p *QueryAvailabilityParams) Validate() error {
	if p.ServiceID == "" {
		return fmt.Errorf("service_id is required")
	}
	if p.DateFrom != "" {
		if err := ValidateDate(p.DateFrom); err != nil {
			return fmt.Errorf("invalid date_from: %w", err)
		}
	}
	return nil
}

// CreateBookingParams defines the parameters for the create_booking operation.
type CreateBookingParams struct {
	ServiceID   string `json:"service_id"`
	Date        string `json:"date"`
	StartTime   string `json:"start_time"`
	ClientName  string `json:"client_name"`
	ClientEmail string `json:"client_email"`
	ClientPhone string `json:"client_phone"`
}

// Validate ensures the booking parameters are complete and well-formed.
func (p *CreateBookingParams) Validate() error {
	if p.ServiceID == "" {
		return fmt.Errorf("service_id is required")
	}
	if err := ValidateDate(p.Date); err != nil {
		return err
	}
	if err := ValidateTime(p.StartTime); err != nil {
		return err
	}
	if p.ClientName == "" {
		return fmt.Errorf("client_name is required")
	}
	if err := ValidateEmail(p.ClientEmail); err != nil {
		return err
	}
	if err := ValidatePhone(p.ClientPhone); err != nil {
		return err
	}
	return nil
}

// LookupBookingParams defines the parameters for the lookup_booking operation.
type LookupBookingParams struct {
	ConfirmationNumber string `json:"confirmation_number"`
}

// Validate ensures a confirmation number was supplied.
func (p *LookupBookingParams) Validate() error {
	if p.ConfirmationNumber == "" {
		return fmt.Errorf("confirmation_number is required")
	}
	return nil
}

// CancelBookingParams defines the parameters for the cancel_booking operation.
type CancelBookingParams struct {
	ConfirmationNumber string `json:"confirmation_number"`
}

// Validate ensures a confirmation number was supplied.
func (p *CancelBookingParams) Validate() error {
	if p.ConfirmationNumber == "" {
		return fmt.Errorf("confirmation_number is required")
	}
	return nil
}

// RescheduleBookingParams defines the parameters for the reschedule_booking operation.
type RescheduleBookingParams struct {
	ConfirmationNumber string `json:"confirmation_number"`
	NewDate            string `json:"new_date"`
	NewTime            string `json:"new_time"`
}

// Validate ensures the reschedule parameters are complete and well-formed.
func (p *RescheduleBookingParams) Validate() error {
	if p.ConfirmationNumber == "" {
		return fmt.Errorf("confirmation_number is required")
	}
	if err := ValidateDate(p.NewDate); err != nil {
		return fmt.Errorf("invalid new_date: %w", err)
	}
	if err := ValidateTime(p.NewTime); err != nil {
		return fmt.Errorf("invalid new_time: %w", err)
	}
	return nil
}

// RecordBookingDataParams defines the parameters for the record_booking_data
// tool: a sparse map of field name to value.
type RecordBookingDataParams struct {
	Fields map[string]string `json:"fields"`
}

// Validate checks that every field is a known collectable key and that typed
// fields (date, time, email, phone) are well-formed.
func (p *RecordBookingDataParams) Validate() error {
	if len(p.Fields) == 0 {
		return fmt.Errorf("fields must not be empty")
	}
	for name, value := range p.Fields {
		key := DataKey(name)
		if !BookingDataKeys[key] {
			return fmt.Errorf("unknown booking data field %q", name)
		}
		if value == "" {
			return fmt.Errorf("field %q must not be empty", name)
		}
		var err error
		switch key {
		case DataKeyDate, DataKeyNewDate:
			err = ValidateDate(value)
		case DataKeyStartTime, DataKeyNewStartTime:
			err = ValidateTime(value)
		case DataKeyClientEmail:
			err = ValidateEmail(value)
		case DataKeyClientPhone:
			err = ValidatePhone(value)
		}
		if err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
	}
	return nil
}

// ToolCall represents an LLM tool function call.
type ToolCall struct {
	ID       string       `json:"id"`       // Tool call ID from the reasoning service
	Type     string       `json:"type"`     // Always "function"
	Function FunctionCall `json:"function"` // Function details
}

// FunctionCall represents the function details within a tool call.
type FunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ParseRecordBookingDataParams parses the arguments as RecordBookingDataParams.
func (fc *FunctionCall) ParseRecordBookingDataParams() (*RecordBookingDataParams, error) {
	if fc.Name != ToolRecordBookingData {
		return nil, fmt.Errorf("function name %s is not record_booking_data", fc.Name)
	}
	var params RecordBookingDataParams
	if err := json.Unmarshal(fc.Arguments, &params); err != nil {
		return nil, fmt.Errorf("failed to parse record_booking_data parameters: %w", err)
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid record_booking_data parameters: %w", err)
	}
	return &params, nil
}

// ToolResult represents the result of executing a tool.
type ToolResult struct {
	ToolCallID string      `json:"tool_call_id"`
	Success    bool        `json:"success"`
	Message    string      `json:"message"`
	Error      string      `json:"error,omitempty"`
	Data       interface{} `json:"data,omitempty"`
}
