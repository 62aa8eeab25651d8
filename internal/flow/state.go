// Package flow implements the conversation core: state inference, transition
// guarding, context windowing, operation dispatch, and the turn orchestrator.
//
// This file defines the static transition table and the guard that enforces
// it. Transitions form a DAG with one terminal state per flow; the only
// cycles are the documented retry back-edges.
package flow

import (
	"log/slog"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

// bookingChain is the forward order of the booking flow. A turn may jump
// several steps forward when the user supplies multiple fields at once, so
// each state in the chain may transition to any later state.
var bookingChain = []models.ConversationState{
	models.StateCollectService,
	models.StateCollectTimePreference,
	models.StateShowAvailability,
	models.StateCollectDate,
	models.StateCollectTime,
	models.StateCollectName,
	models.StateCollectEmail,
	models.StateCollectPhone,
	models.StateShowSummary,
	models.StateConfirm,
	models.StateCreateAppointment,
	models.StateComplete,
}

// transitionTable maps each state to the set of states it may transition to.
// Every state has an entry; terminal states map to the empty set. Back-edges
// that exist by design:
//
//   - Confirm -> CollectTime: user declines the summary and picks a new time.
//   - CreateAppointment -> Confirm: creation failed, back to confirmation.
//   - CancelVerify -> CancelVerify and RescheduleVerify -> RescheduleVerify:
//     retry after an invalid confirmation number, capped by the escalation
//     rule in the inference engine.
//   - RescheduleProcess -> RescheduleSelectDatetime: slot conflict, pick again.
//   - PostAction -> {CollectService, CancelAskConfirmation,
//     RescheduleAskConfirmation}: a new action after the prior one completes.
var transitionTable = buildTransitionTable()

func buildTransitionTable() map[models.ConversationState]map[models.ConversationState]bool {
	table := make(map[models.ConversationState]map[models.ConversationState]bool, len(models.AllStates))
	for _, state := range models.AllStates {
		table[state] = make(map[models.ConversationState]bool)
	}

	// Booking flow: forward jumps along the chain, plus flow switches out of
	// every pre-summary collection state.
	for i, from := range bookingChain {
		for _, to := range bookingChain[i+1:] {
			table[from][to] = true
		}
		if i < len(bookingChain)-3 { // up to and including ShowSummary
			table[from][models.StateCancelAskConfirmation] = true
			table[from][models.StateRescheduleAskConfirmation] = true
		}
	}

	// Documented back-edges in the booking flow.
	table[models.StateConfirm][models.StateCollectTime] = true
	table[models.StateCreateAppointment][models.StateConfirm] = true
	table[models.StateCreateAppointment][models.StatePostAction] = true

	// Complete is terminal for the booking flow. Switching to a cancel or
	// reschedule flow for the fresh booking is still allowed, mirroring
	// PostAction; otherwise a booked user could never cancel in-session.
	table[models.StateComplete] = stateSet(
		models.StateCancelAskConfirmation,
		models.StateRescheduleAskConfirmation,
	)

	// Cancel flow.
	table[models.StateCancelAskConfirmation] = stateSet(
		models.StateCancelVerify,
		models.StateCollectService, // user changes their mind
		models.StatePostAction,
	)
	table[models.StateCancelVerify] = stateSet(
		models.StateCancelVerify, // retry after bad confirmation number
		models.StateCancelConfirm,
		models.StatePostAction, // escalation
	)
	table[models.StateCancelConfirm] = stateSet(
		models.StateCancelProcess,
		models.StatePostAction,
	)
	table[models.StateCancelProcess] = stateSet(
		models.StatePostAction,
	)

	// Reschedule flow.
	table[models.StateRescheduleAskConfirmation] = stateSet(
		models.StateRescheduleVerify,
		models.StateCollectService,
		models.StatePostAction,
	)
	table[models.StateRescheduleVerify] = stateSet(
		models.StateRescheduleVerify, // retry after bad confirmation number
		models.StateRescheduleSelectDatetime,
		models.StatePostAction, // escalation
	)
	table[models.StateRescheduleSelectDatetime] = stateSet(
		models.StateRescheduleConfirm,
		models.StatePostAction,
	)
	table[models.StateRescheduleConfirm] = stateSet(
		models.StateRescheduleProcess,
		models.StatePostAction,
	)
	table[models.StateRescheduleProcess] = stateSet(
		models.StateRescheduleSelectDatetime, // slot conflict, pick again
		models.StatePostAction,
	)

	table[models.StatePostAction] = stateSet(
		models.StateCollectService,
		models.StateCancelAskConfirmation,
		models.StateRescheduleAskConfirmation,
	)

	return table
}

func stateSet(states ...models.ConversationState) map[models.ConversationState]bool {
	set := make(map[models.ConversationState]bool, len(states))
	for _, s := range states {
		set[s] = true
	}
	return set
}

// TransitionGuard validates proposed state transitions against the static
// table. An invalid transition is a logic error in the caller: the guard
// reports it, and the orchestrator holds the current state rather than crash.
type TransitionGuard struct{}

// NewTransitionGuard creates a transition guard.
func NewTransitionGuard() *TransitionGuard {
	return &TransitionGuard{}
}

// Validate reports whether current -> proposed is a legal transition.
// Staying in the current state is always legal.
func (g *TransitionGuard) Validate(current, proposed models.ConversationState) bool {
	if current == proposed {
		return true
	}
	allowed, ok := transitionTable[current]
	if !ok {
		slog.Error("TransitionGuard.Validate: state missing from transition table", "state", current)
		return false
	}
	return allowed[proposed]
}
