// Package flow provides operation dispatch to the scheduling backend.
package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/BookingPipe/internal/booking"
	"github.com/BTreeMap/BookingPipe/internal/models"
)

// OperationOutcome is the result of one dispatched backend operation. Err
// holds business-level failures from the booking error taxonomy (not found,
// conflict, validation, permission); transient faults are returned by
// Dispatch as its error so the resilience harness can retry and count them.
type OperationOutcome struct {
	Name         models.OperationName
	Summary      string // fed back to the reasoning service as the tool result
	Booking      *models.Booking
	Services     []models.Service
	Slots        []models.Slot
	Alternatives []models.Slot
	Err          error
}

// Success reports whether the operation completed without a business error.
func (o *OperationOutcome) Success() bool {
	return o.Err == nil
}

// OperationDispatcher parses, validates and executes backend operations
// requested by the reasoning service. The operation set is closed: any name
// outside it is rejected, never dispatched dynamically.
type OperationDispatcher struct {
	client booking.Client
}

// NewOperationDispatcher creates a dispatcher over the given backend client.
func NewOperationDispatcher(client booking.Client) *OperationDispatcher {
	slog.Debug("flow.NewOperationDispatcher: creating dispatcher", "hasClient", client != nil)
	return &OperationDispatcher{client: client}
}

// Dispatch executes the named operation. The returned error is non-nil only
// for transient backend faults (and context cancellation); everything the
// conversation can recover from in place lands in the outcome's Err.
func (d *OperationDispatcher) Dispatch(ctx context.Context, fc models.FunctionCall) (*OperationOutcome, error) {
	name := models.OperationName(fc.Name)
	outcome := &OperationOutcome{Name: name}

	if !models.KnownOperations[name] {
		slog.Warn("OperationDispatcher.Dispatch: unknown operation rejected", "operation", fc.Name)
		outcome.Err = &booking.ValidationError{Message: fmt.Sprintf("unknown operation %q", fc.Name)}
		outcome.Summary = outcome.Err.Error()
		return outcome, nil
	}

	slog.Debug("OperationDispatcher.Dispatch: dispatching operation", "operation", name)
	var err error
	switch name {
	case models.OperationListServices:
		err = d.listServices(ctx, outcome)
	case models.OperationQueryAvailability:
		err = d.queryAvailability(ctx, fc.Arguments, outcome)
	case models.OperationCreateBooking:
		err = d.createBooking(ctx, fc.Arguments, outcome)
	case models.OperationLookupBooking:
		err = d.lookupBooking(ctx, fc.Arguments, outcome)
	case models.OperationCancelBooking:
		err = d.cancelBooking(ctx, fc.Arguments, outcome)
	case models.OperationRescheduleBooking:
		err = d.rescheduleBooking(ctx, fc.Arguments, outcome)
	}
	if err != nil {
		if booking.IsRetryable(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		outcome.Err = err
		outcome.Summary = d.failureSummary(name, err)
	}
	return outcome, nil
}

func (d *OperationDispatcher) listServices(ctx context.Context, outcome *OperationOutcome) error {
	services, err := d.client.ListServices(ctx)
	if err != nil {
		return err
	}
	outcome.Services = services
	var lines []string
	for _, svc := range services {
		lines = append(lines, fmt.Sprintf("%s (%s, %d min)", svc.Name, svc.ID, svc.DurationMinutes))
	}
	outcome.Summary = fmt.Sprintf("%d services available: %s", len(services), strings.Join(lines, "; "))
	return nil
}

func (d *OperationDispatcher) queryAvailability(ctx context.Context, args json.RawMessage, outcome *OperationOutcome) error {
	var params models.QueryAvailabilityParams
	if err := parseParams(args, &params); err != nil {
		return err
	}
	slots, err := d.client.QueryAvailability(ctx, params.ServiceID, params.DateFrom)
	if err != nil {
		return err
	}
	outcome.Slots = slots
	outcome.Summary = fmt.Sprintf("%d open slots for %s: %s", len(slots), params.ServiceID, formatSlots(slots, 8))
	return nil
}

func (d *OperationDispatcher) createBooking(ctx context.Context, args json.RawMessage, outcome *OperationOutcome) error {
	var params models.CreateBookingParams
	if err := parseParams(args, &params); err != nil {
		return err
	}
	created, err := d.client.CreateBooking(ctx, booking.Request{
		ServiceID: params.ServiceID,
		Date:      params.Date,
		StartTime: params.StartTime,
		Client: models.ClientInfo{
			Name:  params.ClientName,
			Email: params.ClientEmail,
			Phone: params.ClientPhone,
		},
	})
	if err != nil {
		var conflict *booking.ConflictError
		if errors.As(err, &conflict) {
			outcome.Alternatives = conflict.Alternatives
		}
		return err
	}
	outcome.Booking = created
	outcome.Summary = fmt.Sprintf("booking created: confirmation number %s, %s at %s on %s",
		created.ConfirmationNumber, created.ServiceID, created.StartTime, created.Date)
	return nil
}

func (d *OperationDispatcher) lookupBooking(ctx context.Context, args json.RawMessage, outcome *OperationOutcome) error {
	var params models.LookupBookingParams
	if err := parseParams(args, &params); err != nil {
		return err
	}
	found, err := d.client.LookupBooking(ctx, params.ConfirmationNumber)
	if err != nil {
		return err
	}
	outcome.Booking = found
	outcome.Summary = fmt.Sprintf("booking %s found: %s at %s on %s for %s",
		found.ConfirmationNumber, found.ServiceID, found.StartTime, found.Date, found.Client.Name)
	return nil
}

func (d *OperationDispatcher) cancelBooking(ctx context.Context, args json.RawMessage, outcome *OperationOutcome) error {
	var params models.CancelBookingParams
	if err := parseParams(args, &params); err != nil {
		return err
	}
	if err := d.client.CancelBooking(ctx, params.ConfirmationNumber); err != nil {
		return err
	}
	outcome.Summary = fmt.Sprintf("booking %s cancelled", params.ConfirmationNumber)
	return nil
}

func (d *OperationDispatcher) rescheduleBooking(ctx context.Context, args json.RawMessage, outcome *OperationOutcome) error {
	var params models.RescheduleBookingParams
	if err := parseParams(args, &params); err != nil {
		return err
	}
	moved, err := d.client.RescheduleBooking(ctx, params.ConfirmationNumber, params.NewDate, params.NewTime)
	if err != nil {
		var conflict *booking.ConflictError
		if errors.As(err, &conflict) {
			outcome.Alternatives = conflict.Alternatives
		}
		return err
	}
	outcome.Booking = moved
	outcome.Summary = fmt.Sprintf("booking %s moved to %s at %s",
		moved.ConfirmationNumber, moved.Date, moved.StartTime)
	return nil
}

// failureSummary renders a business failure for the reasoning service. No raw
// transport detail leaks here; transient errors never reach this path.
func (d *OperationDispatcher) failureSummary(name models.OperationName, err error) string {
	switch {
	case errors.Is(err, booking.ErrNotFound):
		return "no booking found for that confirmation number"
	case errors.Is(err, booking.ErrPermissionDenied):
		return fmt.Sprintf("the %s operation is not permitted for this organization", name)
	}
	var conflict *booking.ConflictError
	if errors.As(err, &conflict) {
		return fmt.Sprintf("that slot was just taken; alternatives: %s", formatSlots(conflict.Alternatives, 3))
	}
	var validation *booking.ValidationError
	if errors.As(err, &validation) {
		return fmt.Sprintf("invalid request: %s", validation.Message)
	}
	return fmt.Sprintf("%s failed: %v", name, err)
}

// parseParams unmarshals and validates tool arguments, folding both failure
// modes into a ValidationError.
func parseParams(args json.RawMessage, params interface{ Validate() error }) error {
	if err := json.Unmarshal(args, params); err != nil {
		return &booking.ValidationError{Message: fmt.Sprintf("malformed operation arguments: %v", err)}
	}
	if err := params.Validate(); err != nil {
		return booking.NewValidationError(err)
	}
	return nil
}

// formatSlots renders up to max slots as "YYYY-MM-DD HH:MM" entries.
func formatSlots(slots []models.Slot, max int) string {
	if len(slots) == 0 {
		return "none"
	}
	var parts []string
	for i, slot := range slots {
		if i >= max {
			parts = append(parts, fmt.Sprintf("and %d more", len(slots)-max))
			break
		}
		parts = append(parts, fmt.Sprintf("%s %s", slot.Date, slot.StartTime))
	}
	return strings.Join(parts, ", ")
}
