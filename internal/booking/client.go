package booking

import (
	"context"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

// Request holds the fields needed to create a booking.
type Request struct {
	ServiceID string            `json:"service_id"`
	Date      string            `json:"date"`
	StartTime string            `json:"start_time"`
	Client    models.ClientInfo `json:"client"`
}

// Client defines the scheduling-backend operations available to the
// orchestrator. Implementations must surface errors from the taxonomy in
// errors.go so callers can classify them.
type Client interface {
	// ListServices returns the bookable services.
	ListServices(ctx context.Context) ([]models.Service, error)

	// QueryAvailability returns open slots for a service starting at dateFrom.
	QueryAvailability(ctx context.Context, serviceID, dateFrom string) ([]models.Slot, error)

	// CreateBooking creates an appointment. A taken slot yields a ConflictError
	// carrying alternatives.
	CreateBooking(ctx context.Context, req Request) (*models.Booking, error)

	// LookupBooking returns the booking for a confirmation number, or
	// ErrNotFound. The confirmation number is the only lookup key.
	LookupBooking(ctx context.Context, confirmationNumber string) (*models.Booking, error)

	// CancelBooking cancels the booking for a confirmation number.
	CancelBooking(ctx context.Context, confirmationNumber string) error

	// RescheduleBooking moves the booking to a new date and time. A taken slot
	// yields a ConflictError carrying alternatives.
	RescheduleBooking(ctx context.Context, confirmationNumber, newDate, newTime string) (*models.Booking, error)
}
