package flow

import (
	"testing"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

func TestTransitionTableIsTotal(t *testing.T) {
	for _, state := range models.AllStates {
		if _, ok := transitionTable[state]; !ok {
			t.Errorf("state %s missing from transition table", state)
		}
	}
}

func TestGuardAllowsSameState(t *testing.T) {
	g := NewTransitionGuard()
	for _, state := range models.AllStates {
		if !g.Validate(state, state) {
			t.Errorf("staying in %s should always be legal", state)
		}
	}
}

func TestGuardBookingFlowTransitions(t *testing.T) {
	g := NewTransitionGuard()
	tests := []struct {
		name    string
		from    models.ConversationState
		to      models.ConversationState
		allowed bool
	}{
		{"single step forward", models.StateCollectService, models.StateCollectTimePreference, true},
		{"multi-field jump to summary", models.StateCollectService, models.StateShowSummary, true},
		{"jump over availability", models.StateCollectTimePreference, models.StateCollectName, true},
		{"summary to confirm", models.StateShowSummary, models.StateConfirm, true},
		{"confirm to create", models.StateConfirm, models.StateCreateAppointment, true},
		{"create to complete", models.StateCreateAppointment, models.StateComplete, true},
		{"no backward jump", models.StateCollectPhone, models.StateCollectService, false},
		{"confirm back to time on decline", models.StateConfirm, models.StateCollectTime, true},
		{"create failure back to confirm", models.StateCreateAppointment, models.StateConfirm, true},
		{"create escalation to post action", models.StateCreateAppointment, models.StatePostAction, true},
		{"complete cannot restart booking directly", models.StateComplete, models.StateCollectService, false},
		{"complete can enter cancel flow", models.StateComplete, models.StateCancelAskConfirmation, true},
		{"complete can enter reschedule flow", models.StateComplete, models.StateRescheduleAskConfirmation, true},
		{"flow switch from collection", models.StateCollectDate, models.StateCancelAskConfirmation, true},
		{"no flow switch after confirm", models.StateConfirm, models.StateCancelAskConfirmation, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := g.Validate(tt.from, tt.to); got != tt.allowed {
				t.Errorf("Validate(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.allowed)
			}
		})
	}
}

func TestGuardCancelFlowTransitions(t *testing.T) {
	g := NewTransitionGuard()
	tests := []struct {
		name    string
		from    models.ConversationState
		to      models.ConversationState
		allowed bool
	}{
		{"ask to verify", models.StateCancelAskConfirmation, models.StateCancelVerify, true},
		{"ask abandoned to booking", models.StateCancelAskConfirmation, models.StateCollectService, true},
		{"verify retry on itself", models.StateCancelVerify, models.StateCancelVerify, true},
		{"verify to final confirm", models.StateCancelVerify, models.StateCancelConfirm, true},
		{"verify escalation", models.StateCancelVerify, models.StatePostAction, true},
		{"confirm to process", models.StateCancelConfirm, models.StateCancelProcess, true},
		{"process to post action", models.StateCancelProcess, models.StatePostAction, true},
		{"process cannot rewind", models.StateCancelProcess, models.StateCancelVerify, false},
		{"verify cannot skip to process", models.StateCancelVerify, models.StateCancelProcess, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := g.Validate(tt.from, tt.to); got != tt.allowed {
				t.Errorf("Validate(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.allowed)
			}
		})
	}
}

func TestGuardRescheduleFlowTransitions(t *testing.T) {
	g := NewTransitionGuard()
	tests := []struct {
		name    string
		from    models.ConversationState
		to      models.ConversationState
		allowed bool
	}{
		{"ask to verify", models.StateRescheduleAskConfirmation, models.StateRescheduleVerify, true},
		{"verify to datetime", models.StateRescheduleVerify, models.StateRescheduleSelectDatetime, true},
		{"datetime to confirm", models.StateRescheduleSelectDatetime, models.StateRescheduleConfirm, true},
		{"confirm to process", models.StateRescheduleConfirm, models.StateRescheduleProcess, true},
		{"slot conflict back to datetime", models.StateRescheduleProcess, models.StateRescheduleSelectDatetime, true},
		{"process to post action", models.StateRescheduleProcess, models.StatePostAction, true},
		{"datetime cannot skip to process", models.StateRescheduleSelectDatetime, models.StateRescheduleProcess, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := g.Validate(tt.from, tt.to); got != tt.allowed {
				t.Errorf("Validate(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.allowed)
			}
		})
	}
}

func TestGuardPostActionTransitions(t *testing.T) {
	g := NewTransitionGuard()
	for _, to := range []models.ConversationState{
		models.StateCollectService,
		models.StateCancelAskConfirmation,
		models.StateRescheduleAskConfirmation,
	} {
		if !g.Validate(models.StatePostAction, to) {
			t.Errorf("PostAction -> %s should be legal", to)
		}
	}
	if g.Validate(models.StatePostAction, models.StateConfirm) {
		t.Error("PostAction -> Confirm should be illegal")
	}
}

// Every state the inference engine can produce must be reachable in the
// table, i.e. either an initial state or the target of some legal edge.
func TestAllStatesReachable(t *testing.T) {
	reachable := map[models.ConversationState]bool{models.StateCollectService: true}
	for _, targets := range transitionTable {
		for to := range targets {
			reachable[to] = true
		}
	}
	for _, state := range models.AllStates {
		if !reachable[state] {
			t.Errorf("state %s is unreachable", state)
		}
	}
}
