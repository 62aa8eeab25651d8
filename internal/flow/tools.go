// Package flow provides the tool catalog exposed to the reasoning service.
package flow

import (
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

// ToolCatalog builds the OpenAI tool definitions for a turn: the local
// record_booking_data tool plus the closed set of scheduling operations.
// The catalog is static; the orchestrator decides which calls to honor.
type ToolCatalog struct{}

// NewToolCatalog creates a tool catalog.
func NewToolCatalog() *ToolCatalog {
	return &ToolCatalog{}
}

// Definitions returns every tool definition in dispatch order.
func (tc *ToolCatalog) Definitions() []openai.ChatCompletionToolParam {
	return []openai.ChatCompletionToolParam{
		tc.recordBookingDataTool(),
		tc.listServicesTool(),
		tc.queryAvailabilityTool(),
		tc.createBookingTool(),
		tc.lookupBookingTool(),
		tc.cancelBookingTool(),
		tc.rescheduleBookingTool(),
	}
}

func (tc *ToolCatalog) recordBookingDataTool() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        models.ToolRecordBookingData,
			Description: openai.String("Record booking details the user has provided in this turn. Call this whenever the user supplies their service choice, preferred time of day, date, start time, name, email, or phone number. Pass only the fields the user actually stated."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"fields": map[string]interface{}{
						"type":        "object",
						"description": "Sparse map of field name to value. Allowed names: service_id, time_preference, date (YYYY-MM-DD), start_time (HH:MM 24-hour), client_name, client_email, client_phone, new_date, new_start_time.",
						"additionalProperties": map[string]interface{}{
							"type": "string",
						},
					},
				},
				"required": []string{"fields"},
			},
		},
	}
}

func (tc *ToolCatalog) listServicesTool() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        string(models.OperationListServices),
			Description: openai.String("List the services that can be booked, with their durations. Use when the user asks what is offered or has not chosen a service yet."),
			Parameters: shared.FunctionParameters{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
	}
}

func (tc *ToolCatalog) queryAvailabilityTool() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        string(models.OperationQueryAvailability),
			Description: openai.String("Query open appointment slots for a service. Use after the user has chosen a service and indicated when they would like to come in."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"service_id": map[string]interface{}{
						"type":        "string",
						"description": "ID of the chosen service",
					},
					"date_from": map[string]interface{}{
						"type":        "string",
						"description": "Earliest date to search from, YYYY-MM-DD. Omit to search from today.",
					},
				},
				"required": []string{"service_id"},
			},
		},
	}
}

func (tc *ToolCatalog) createBookingTool() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        string(models.OperationCreateBooking),
			Description: openai.String("Create the appointment. Only call this after the user has explicitly confirmed the booking summary."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"service_id": map[string]interface{}{
						"type":        "string",
						"description": "ID of the chosen service",
					},
					"date": map[string]interface{}{
						"type":        "string",
						"description": "Appointment date, YYYY-MM-DD",
					},
					"start_time": map[string]interface{}{
						"type":        "string",
						"description": "Appointment start time, HH:MM 24-hour",
					},
					"client_name": map[string]interface{}{
						"type":        "string",
						"description": "Client's full name",
					},
					"client_email": map[string]interface{}{
						"type":        "string",
						"description": "Client's email address",
					},
					"client_phone": map[string]interface{}{
						"type":        "string",
						"description": "Client's phone number",
					},
				},
				"required": []string{"service_id", "date", "start_time", "client_name", "client_email", "client_phone"},
			},
		},
	}
}

func (tc *ToolCatalog) lookupBookingTool() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        string(models.OperationLookupBooking),
			Description: openai.String("Look up an existing appointment by confirmation number. Use to verify the number the user gave before cancelling or rescheduling."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"confirmation_number": map[string]interface{}{
						"type":        "string",
						"description": "Confirmation number of the appointment",
					},
				},
				"required": []string{"confirmation_number"},
			},
		},
	}
}

func (tc *ToolCatalog) cancelBookingTool() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        string(models.OperationCancelBooking),
			Description: openai.String("Cancel an existing appointment. Only call this after the confirmation number has been verified and the user has given final confirmation."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"confirmation_number": map[string]interface{}{
						"type":        "string",
						"description": "Confirmation number of the appointment to cancel",
					},
				},
				"required": []string{"confirmation_number"},
			},
		},
	}
}

func (tc *ToolCatalog) rescheduleBookingTool() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        string(models.OperationRescheduleBooking),
			Description: openai.String("Move an existing appointment to a new date and time. Only call this after the confirmation number has been verified, a new slot chosen, and the user has given final confirmation."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"confirmation_number": map[string]interface{}{
						"type":        "string",
						"description": "Confirmation number of the appointment to move",
					},
					"new_date": map[string]interface{}{
						"type":        "string",
						"description": "New appointment date, YYYY-MM-DD",
					},
					"new_time": map[string]interface{}{
						"type":        "string",
						"description": "New appointment start time, HH:MM 24-hour",
					},
				},
				"required": []string{"confirmation_number", "new_date", "new_time"},
			},
		},
	}
}
