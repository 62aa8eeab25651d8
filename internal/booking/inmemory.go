// Package booking provides clients for the scheduling backend.
//
// This file implements an in-process backend used by tests and by demo mode
// when no remote backend is configured. It seeds a small service catalog,
// generates hourly slots, and issues APPT-<n> confirmation numbers.
package booking

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

// Slot generation bounds for the in-memory backend.
const (
	openingHour   = 9
	closingHour   = 17
	availableDays = 14
)

// InMemoryBackend is a self-contained scheduling backend.
type InMemoryBackend struct {
	mu       sync.Mutex
	services []models.Service
	bookings map[string]*models.Booking // confirmation number -> booking
	taken    map[string]string          // serviceID|date|time -> confirmation number
	nextID   int
	now      func() time.Time
}

// NewInMemoryBackend creates a backend seeded with a default service catalog.
func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{
		services: []models.Service{
			{ID: "svc-consult", Name: "General Consultation", DurationMinutes: 30, Description: "General purpose consultation"},
			{ID: "svc-checkup", Name: "Health Checkup", DurationMinutes: 60, Description: "Full health checkup"},
			{ID: "svc-followup", Name: "Follow-up Visit", DurationMinutes: 15, Description: "Short follow-up visit"},
		},
		bookings: make(map[string]*models.Booking),
		taken:    make(map[string]string),
		nextID:   1000,
		now:      time.Now,
	}
}

// ListServices returns the seeded service catalog.
func (b *InMemoryBackend) ListServices(ctx context.Context) ([]models.Service, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	services := make([]models.Service, len(b.services))
	copy(services, b.services)
	return services, nil
}

// QueryAvailability returns hourly slots over the next two weeks, skipping
// slots already booked for the service.
func (b *InMemoryBackend) QueryAvailability(ctx context.Context, serviceID, dateFrom string) ([]models.Slot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.findService(serviceID) == nil {
		return nil, ErrNotFound
	}

	start := b.now()
	if dateFrom != "" {
		parsed, err := time.Parse("2006-01-02", dateFrom)
		if err != nil {
			return nil, &ValidationError{Message: fmt.Sprintf("invalid date_from %q", dateFrom)}
		}
		start = parsed
	}

	var slots []models.Slot
	for day := 0; day < availableDays; day++ {
		date := start.AddDate(0, 0, day).Format("2006-01-02")
		for hour := openingHour; hour < closingHour; hour++ {
			startTime := fmt.Sprintf("%02d:00", hour)
			if _, booked := b.taken[slotKey(serviceID, date, startTime)]; booked {
				continue
			}
			slots = append(slots, models.Slot{
				Date:      date,
				StartTime: startTime,
				EndTime:   fmt.Sprintf("%02d:00", hour+1),
			})
		}
	}
	return slots, nil
}

// CreateBooking creates an appointment, returning a ConflictError with
// alternative slots when the requested slot is taken.
func (b *InMemoryBackend) CreateBooking(ctx context.Context, req Request) (*models.Booking, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.findService(req.ServiceID) == nil {
		return nil, &ValidationError{Message: fmt.Sprintf("unknown service %q", req.ServiceID)}
	}

	key := slotKey(req.ServiceID, req.Date, req.StartTime)
	if _, booked := b.taken[key]; booked {
		return nil, &ConflictError{Alternatives: b.alternativesLocked(req.ServiceID, req.Date)}
	}

	b.nextID++
	confirmation := fmt.Sprintf("APPT-%d", b.nextID)
	booking := &models.Booking{
		ConfirmationNumber: confirmation,
		ServiceID:          req.ServiceID,
		Date:               req.Date,
		StartTime:          req.StartTime,
		Client:             req.Client,
		Status:             "confirmed",
		CreatedAt:          b.now(),
	}
	b.bookings[confirmation] = booking
	b.taken[key] = confirmation

	slog.Debug("InMemoryBackend.CreateBooking: booking created", "confirmation", confirmation, "serviceID", req.ServiceID, "date", req.Date, "startTime", req.StartTime)
	copied := *booking
	return &copied, nil
}

// LookupBooking returns the booking for a confirmation number.
func (b *InMemoryBackend) LookupBooking(ctx context.Context, confirmationNumber string) (*models.Booking, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	booking, ok := b.bookings[confirmationNumber]
	if !ok || booking.Status != "confirmed" {
		return nil, ErrNotFound
	}
	copied := *booking
	return &copied, nil
}

// CancelBooking cancels the booking for a confirmation number.
func (b *InMemoryBackend) CancelBooking(ctx context.Context, confirmationNumber string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	booking, ok := b.bookings[confirmationNumber]
	if !ok || booking.Status != "confirmed" {
		return ErrNotFound
	}
	booking.Status = "cancelled"
	delete(b.taken, slotKey(booking.ServiceID, booking.Date, booking.StartTime))

	slog.Debug("InMemoryBackend.CancelBooking: booking cancelled", "confirmation", confirmationNumber)
	return nil
}

// RescheduleBooking moves the booking to a new date and time.
func (b *InMemoryBackend) RescheduleBooking(ctx context.Context, confirmationNumber, newDate, newTime string) (*models.Booking, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	booking, ok := b.bookings[confirmationNumber]
	if !ok || booking.Status != "confirmed" {
		return nil, ErrNotFound
	}

	newKey := slotKey(booking.ServiceID, newDate, newTime)
	if holder, booked := b.taken[newKey]; booked && holder != confirmationNumber {
		return nil, &ConflictError{Alternatives: b.alternativesLocked(booking.ServiceID, newDate)}
	}

	delete(b.taken, slotKey(booking.ServiceID, booking.Date, booking.StartTime))
	booking.Date = newDate
	booking.StartTime = newTime
	b.taken[newKey] = confirmationNumber

	slog.Debug("InMemoryBackend.RescheduleBooking: booking moved", "confirmation", confirmationNumber, "newDate", newDate, "newTime", newTime)
	copied := *booking
	return &copied, nil
}

// findService returns the service with the given ID, or nil. Caller holds the lock.
func (b *InMemoryBackend) findService(serviceID string) *models.Service {
	for i := range b.services {
		if b.services[i].ID == serviceID {
			return &b.services[i]
		}
	}
	return nil
}

// alternativesLocked returns up to three open slots on the given date.
// Caller holds the lock.
func (b *InMemoryBackend) alternativesLocked(serviceID, date string) []models.Slot {
	var alternatives []models.Slot
	for hour := openingHour; hour < closingHour && len(alternatives) < 3; hour++ {
		startTime := fmt.Sprintf("%02d:00", hour)
		if _, booked := b.taken[slotKey(serviceID, date, startTime)]; booked {
			continue
		}
		alternatives = append(alternatives, models.Slot{
			Date:      date,
			StartTime: startTime,
			EndTime:   fmt.Sprintf("%02d:00", hour+1),
		})
	}
	return alternatives
}

func slotKey(serviceID, date, startTime string) string {
	return serviceID + "|" + date + "|" + startTime
}
