// Package models defines conversation state structures for BookingPipe sessions.
package models

import "time"

// ConversationState represents the current state of a conversation session.
// Exactly one state is active per session at any instant. The state is derived
// by the inference engine after each turn; it is never set by the reasoning
// service or directly by user input.
type ConversationState string

// Booking flow states.
const (
	StateCollectService        ConversationState = "COLLECT_SERVICE"
	StateCollectTimePreference ConversationState = "COLLECT_TIME_PREFERENCE"
	StateShowAvailability      ConversationState = "SHOW_AVAILABILITY"
	StateCollectDate           ConversationState = "COLLECT_DATE"
	StateCollectTime           ConversationState = "COLLECT_TIME"
	StateCollectName           ConversationState = "COLLECT_NAME"
	StateCollectEmail          ConversationState = "COLLECT_EMAIL"
	StateCollectPhone          ConversationState = "COLLECT_PHONE"
	StateShowSummary           ConversationState = "SHOW_SUMMARY"
	StateConfirm               ConversationState = "CONFIRM"
	StateCreateAppointment     ConversationState = "CREATE_APPOINTMENT"
	StateComplete              ConversationState = "COMPLETE"
)

// Cancel flow states.
const (
	StateCancelAskConfirmation ConversationState = "CANCEL_ASK_CONFIRMATION"
	StateCancelVerify          ConversationState = "CANCEL_VERIFY"
	StateCancelConfirm         ConversationState = "CANCEL_CONFIRM"
	StateCancelProcess         ConversationState = "CANCEL_PROCESS"
)

// Reschedule flow states.
const (
	StateRescheduleAskConfirmation ConversationState = "RESCHEDULE_ASK_CONFIRMATION"
	StateRescheduleVerify          ConversationState = "RESCHEDULE_VERIFY"
	StateRescheduleSelectDatetime  ConversationState = "RESCHEDULE_SELECT_DATETIME"
	StateRescheduleConfirm         ConversationState = "RESCHEDULE_CONFIRM"
	StateRescheduleProcess         ConversationState = "RESCHEDULE_PROCESS"
)

// StatePostAction is the terminal state for cancel/reschedule flows and the
// landing state after an escalation. From here a session can start a new
// booking, cancel, or reschedule flow.
const StatePostAction ConversationState = "POST_ACTION"

// AllStates lists every conversation state. The transition guard uses this to
// verify its adjacency table is total.
var AllStates = []ConversationState{
	StateCollectService,
	StateCollectTimePreference,
	StateShowAvailability,
	StateCollectDate,
	StateCollectTime,
	StateCollectName,
	StateCollectEmail,
	StateCollectPhone,
	StateShowSummary,
	StateConfirm,
	StateCreateAppointment,
	StateComplete,
	StateCancelAskConfirmation,
	StateCancelVerify,
	StateCancelConfirm,
	StateCancelProcess,
	StateRescheduleAskConfirmation,
	StateRescheduleVerify,
	StateRescheduleSelectDatetime,
	StateRescheduleConfirm,
	StateRescheduleProcess,
	StatePostAction,
}

// DataKey identifies a field in a session's collected data map.
type DataKey string

// Booking data fields collected over the conversation.
const (
	DataKeyServiceID          DataKey = "service_id"
	DataKeyTimePreference     DataKey = "time_preference"
	DataKeyDate               DataKey = "date"
	DataKeyStartTime          DataKey = "start_time"
	DataKeyClientName         DataKey = "client_name"
	DataKeyClientEmail        DataKey = "client_email"
	DataKeyClientPhone        DataKey = "client_phone"
	DataKeyConfirmationNumber DataKey = "confirmation_number"
)

// Flow progression markers. These keep the inference engine a pure function of
// the session snapshot: the orchestrator records progress here and the engine
// reads it back. They are scoped to one cancel/reschedule flow and are cleared
// when that flow terminates; booking fields above are never cleared except on
// explicit session reset.
const (
	DataKeyActiveFlow           DataKey = "active_flow"   // "cancel" or "reschedule"
	DataKeyFlowConfirmed        DataKey = "flow_confirmed"
	DataKeyVerifiedConfirmation DataKey = "verified_confirmation"
	DataKeyFinalConfirmed       DataKey = "final_confirmed"
	DataKeyFlowDone             DataKey = "flow_done"
	DataKeyNewDate              DataKey = "new_date"
	DataKeyNewStartTime         DataKey = "new_start_time"
	DataKeySummaryShown         DataKey = "summary_shown"
)

// FlowCancel and FlowReschedule are the values of DataKeyActiveFlow.
const (
	FlowCancel     = "cancel"
	FlowReschedule = "reschedule"
)

// BookingDataKeys are the keys the reasoning service may record through the
// record_booking_data tool.
var BookingDataKeys = map[DataKey]bool{
	DataKeyServiceID:      true,
	DataKeyTimePreference: true,
	DataKeyDate:           true,
	DataKeyStartTime:      true,
	DataKeyClientName:     true,
	DataKeyClientEmail:    true,
	DataKeyClientPhone:    true,
	DataKeyFlowConfirmed:  true,
	DataKeyFinalConfirmed: true,
	DataKeyNewDate:        true,
	DataKeyNewStartTime:   true,
}

// RequiredBookingKeys are the fields that must all be present before a booking
// summary can be shown.
var RequiredBookingKeys = []DataKey{
	DataKeyServiceID,
	DataKeyDate,
	DataKeyStartTime,
	DataKeyClientName,
	DataKeyClientEmail,
	DataKeyClientPhone,
}

// MessageRole identifies the author of a conversation message.
type MessageRole string

const (
	// RoleSystem marks instruction entries that are never windowed out.
	RoleSystem MessageRole = "system"
	// RoleUser marks participant turns.
	RoleUser MessageRole = "user"
	// RoleAssistant marks reasoning-service replies.
	RoleAssistant MessageRole = "assistant"
	// RoleOperationRequest marks a dispatched backend operation.
	RoleOperationRequest MessageRole = "operation_request"
	// RoleOperationResult marks the outcome of a dispatched operation.
	RoleOperationResult MessageRole = "operation_result"
)

// Message is a single entry in a session's append-only history. Operation
// request and result entries carry a shared CallID so the context window can
// keep the pair together when trimming.
type Message struct {
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	CallID    string      `json:"call_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Session is the unit of conversation identity. History is append-only and
// never mutated in place; Data is monotonically additive within a booking
// attempt. A session is processed by at most one turn at a time.
type Session struct {
	ID             string             `json:"id"`
	State          ConversationState  `json:"state"`
	History        []Message          `json:"history"`
	Data           map[DataKey]string `json:"data"`
	RetryCounts    map[string]int     `json:"retry_counts"`
	VerifyAttempts int                `json:"verify_attempts"`
	Escalated      bool               `json:"escalated"`
	LastOperation  string             `json:"last_operation,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// NewSession creates a fresh session initialized to the collect-service state.
func NewSession(id string) *Session {
	now := time.Now()
	return &Session{
		ID:          id,
		State:       StateCollectService,
		History:     []Message{},
		Data:        make(map[DataKey]string),
		RetryCounts: make(map[string]int),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// AppendMessage appends a message to the session history with the current time.
func (s *Session) AppendMessage(role MessageRole, content string) {
	s.History = append(s.History, Message{Role: role, Content: content, Timestamp: time.Now()})
	s.UpdatedAt = time.Now()
}

// AppendOperationPair appends an operation request/result pair sharing callID.
func (s *Session) AppendOperationPair(callID, request, result string) {
	now := time.Now()
	s.History = append(s.History,
		Message{Role: RoleOperationRequest, Content: request, CallID: callID, Timestamp: now},
		Message{Role: RoleOperationResult, Content: result, CallID: callID, Timestamp: now},
	)
	s.UpdatedAt = now
}

// LastUserMessage returns the content of the most recent user message, or ""
// if none exists.
func (s *Session) LastUserMessage() string {
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Role == RoleUser {
			return s.History[i].Content
		}
	}
	return ""
}

// HasData reports whether the given field is present and non-empty.
func (s *Session) HasData(key DataKey) bool {
	return s.Data[key] != ""
}

// Snapshot returns the externally visible view of the session.
func (s *Session) Snapshot() SessionSnapshot {
	data := make(map[DataKey]string, len(s.Data))
	for k, v := range s.Data {
		data[k] = v
	}
	turns := 0
	for _, m := range s.History {
		if m.Role == RoleUser {
			turns++
		}
	}
	return SessionSnapshot{
		ID:        s.ID,
		State:     s.State,
		Data:      data,
		Escalated: s.Escalated,
		Turns:     turns,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}
