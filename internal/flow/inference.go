// Package flow implements the conversation core.
//
// This file derives the conversation state from the session snapshot. The
// engine is a deterministic, pure function of the session's collected data,
// the last dispatched operation, and the latest user utterance; it never
// errors and falls open to the initial collection state when nothing matches,
// so the conversation can always continue.
package flow

import (
	"log/slog"
	"strings"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

// VerifyAttemptCap is the conversation-level cap on failed confirmation-number
// verifications. After this many consecutive failures the engine forces the
// session to PostAction instead of looping; this is independent of the
// network-level retry count.
const VerifyAttemptCap = 2

// StateInferenceEngine derives the current conversation state. It is the only
// component that produces state values; the reasoning service and user input
// never set state directly.
type StateInferenceEngine struct{}

// NewStateInferenceEngine creates an inference engine.
func NewStateInferenceEngine() *StateInferenceEngine {
	return &StateInferenceEngine{}
}

// Infer derives the conversation state from the session snapshot. Priority
// order, first match wins:
//
//  1. An active cancel/reschedule flow follows its own progression, with the
//     verification escalation cap applied.
//  2. A confirmation number freshly assigned by booking creation -> Complete.
//  3. All required booking fields present -> ShowSummary (or Confirm once the
//     summary has been shown).
//  4. Some booking fields present -> the earliest missing field's collection
//     state.
//  5. The last dispatched operation's display state.
//  6. Flow-switch keywords in the latest user utterance.
//  7. Default: CollectService.
func (e *StateInferenceEngine) Infer(session *models.Session) models.ConversationState {
	if session == nil {
		return models.StateCollectService
	}

	if flow := session.Data[models.DataKeyActiveFlow]; flow != "" {
		return e.inferFlowState(flow, session)
	}

	if session.HasData(models.DataKeyConfirmationNumber) &&
		session.LastOperation == string(models.OperationCreateBooking) {
		return models.StateComplete
	}

	if hasAllBookingFields(session) {
		if session.HasData(models.DataKeySummaryShown) {
			return models.StateConfirm
		}
		return models.StateShowSummary
	}

	if hasAnyBookingFields(session) {
		return e.earliestMissingFieldState(session)
	}

	switch models.OperationName(session.LastOperation) {
	case models.OperationListServices:
		return models.StateCollectService
	case models.OperationQueryAvailability:
		return models.StateShowAvailability
	case models.OperationCancelBooking, models.OperationRescheduleBooking:
		return models.StatePostAction
	}

	if state, ok := keywordState(session.LastUserMessage()); ok {
		return state
	}

	return models.StateCollectService
}

// inferFlowState follows the cancel/reschedule progression recorded in the
// session's flow markers.
func (e *StateInferenceEngine) inferFlowState(flow string, session *models.Session) models.ConversationState {
	if session.HasData(models.DataKeyFlowDone) {
		return models.StatePostAction
	}
	if session.VerifyAttempts >= VerifyAttemptCap && !session.HasData(models.DataKeyVerifiedConfirmation) {
		slog.Debug("StateInferenceEngine.inferFlowState: verification cap reached, escalating", "flow", flow, "attempts", session.VerifyAttempts)
		return models.StatePostAction
	}

	switch flow {
	case models.FlowCancel:
		switch {
		case !session.HasData(models.DataKeyFlowConfirmed):
			return models.StateCancelAskConfirmation
		case !session.HasData(models.DataKeyVerifiedConfirmation):
			return models.StateCancelVerify
		case !session.HasData(models.DataKeyFinalConfirmed):
			return models.StateCancelConfirm
		default:
			return models.StateCancelProcess
		}
	case models.FlowReschedule:
		switch {
		case !session.HasData(models.DataKeyFlowConfirmed):
			return models.StateRescheduleAskConfirmation
		case !session.HasData(models.DataKeyVerifiedConfirmation):
			return models.StateRescheduleVerify
		case !session.HasData(models.DataKeyNewDate) || !session.HasData(models.DataKeyNewStartTime):
			return models.StateRescheduleSelectDatetime
		case !session.HasData(models.DataKeyFinalConfirmed):
			return models.StateRescheduleConfirm
		default:
			return models.StateRescheduleProcess
		}
	default:
		// Unrecognized flow marker: fail open.
		slog.Warn("StateInferenceEngine.inferFlowState: unknown flow marker", "flow", flow)
		return models.StateCollectService
	}
}

// earliestMissingFieldState maps the first absent booking field to its
// collection state. A missing date right after an availability query maps to
// the availability display state instead, so the user picks from the slots
// just shown.
func (e *StateInferenceEngine) earliestMissingFieldState(session *models.Session) models.ConversationState {
	switch {
	case !session.HasData(models.DataKeyServiceID):
		return models.StateCollectService
	case !session.HasData(models.DataKeyTimePreference):
		return models.StateCollectTimePreference
	case !session.HasData(models.DataKeyDate):
		if session.LastOperation == string(models.OperationQueryAvailability) {
			return models.StateShowAvailability
		}
		return models.StateCollectDate
	case !session.HasData(models.DataKeyStartTime):
		return models.StateCollectTime
	case !session.HasData(models.DataKeyClientName):
		return models.StateCollectName
	case !session.HasData(models.DataKeyClientEmail):
		return models.StateCollectEmail
	default:
		return models.StateCollectPhone
	}
}

// keywordState maps flow-switch keywords in an utterance to the entry state
// of the corresponding flow.
func keywordState(utterance string) (models.ConversationState, bool) {
	lowered := strings.ToLower(utterance)
	switch {
	case strings.Contains(lowered, "reschedule"), strings.Contains(lowered, "move my appointment"):
		return models.StateRescheduleAskConfirmation, true
	case strings.Contains(lowered, "cancel"):
		return models.StateCancelAskConfirmation, true
	default:
		return "", false
	}
}

// hasAllBookingFields reports whether every required booking field is present.
func hasAllBookingFields(session *models.Session) bool {
	for _, key := range models.RequiredBookingKeys {
		if !session.HasData(key) {
			return false
		}
	}
	return true
}

// hasAnyBookingFields reports whether any booking field has been collected.
func hasAnyBookingFields(session *models.Session) bool {
	for _, key := range models.RequiredBookingKeys {
		if session.HasData(key) {
			return true
		}
	}
	return session.HasData(models.DataKeyTimePreference)
}
