// Package flow provides the turn orchestrator, the composition root of a
// conversation turn. The orchestrator is the only component that mutates
// sessions: the inference engine proposes states, the guard vets them, the
// dispatcher executes operations, and every outbound call passes through the
// resilience harness. A turn always produces a reply, even when every
// dependency is down.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/openai/openai-go"

	"github.com/BTreeMap/BookingPipe/internal/booking"
	"github.com/BTreeMap/BookingPipe/internal/genai"
	"github.com/BTreeMap/BookingPipe/internal/models"
	"github.com/BTreeMap/BookingPipe/internal/resilience"
)

// Turn processing defaults.
const (
	// DefaultTurnTimeout bounds one full turn including retries.
	DefaultTurnTimeout = 30 * time.Second
	// DefaultOperationRetryCap is the number of failed operation attempts a
	// session tolerates; the failure after this many escalates. Each failed
	// attempt here already includes the network-level retries inside the
	// harness.
	DefaultOperationRetryCap = 2
	// maxToolRounds bounds reasoning/tool round-trips within one turn.
	maxToolRounds = 4
)

// Fixed degraded replies. These are deliberately static: when a dependency is
// down the orchestrator must not echo raw error detail to the user.
const (
	ReplyReasoningUnavailable = "I'm having trouble thinking right now. Please try again in a moment."
	ReplyBackendUnavailable   = "I couldn't reach the scheduling system just now. Your details are saved; please try again shortly."
	ReplyRateLimited          = "You're sending messages a little too quickly. Please wait a moment and try again."
	ReplyEscalated            = "I'm sorry, something keeps going wrong on my end. Your details are saved; please try again later or contact the office directly."
)

const systemPrompt = `You are a friendly appointment booking assistant. You help users book, cancel, and reschedule appointments.

Rules:
- Collect booking details one or two at a time: service, preferred time of day, date, start time, name, email, phone.
- Record every detail the user states with the record_booking_data tool in the same turn.
- Show a full summary and get an explicit yes before calling create_booking.
- For cancel or reschedule requests: confirm the intent, ask for the confirmation number, verify it with lookup_booking, and get a final yes before calling cancel_booking or reschedule_booking. Record the intent confirmation as flow_confirmed and the final yes as final_confirmed.
- For reschedule, record the new slot as new_date and new_start_time.
- Never invent confirmation numbers, services, or availability; use the tools.
- Keep replies short and conversational.`

// Orchestrator coordinates one conversation turn end to end.
type Orchestrator struct {
	sessions   *SessionManager
	genai      genai.ClientInterface
	dispatcher *OperationDispatcher
	catalog    *ToolCatalog
	engine     *StateInferenceEngine
	guard      *TransitionGuard
	window     *ContextWindow

	limiter          *resilience.RateLimiter
	reasoningBreaker *resilience.CircuitBreaker
	backendBreaker   *resilience.CircuitBreaker
	retrier          *resilience.Retrier

	turnTimeout time.Duration
	opRetryCap  int
}

// OrchestratorOpts holds configuration options for the orchestrator.
type OrchestratorOpts struct {
	Window           *ContextWindow
	Limiter          *resilience.RateLimiter
	ReasoningBreaker *resilience.CircuitBreaker
	BackendBreaker   *resilience.CircuitBreaker
	Retrier          *resilience.Retrier
	TurnTimeout      time.Duration
	OperationRetries int
}

// OrchestratorOption defines a configuration option for the orchestrator.
type OrchestratorOption func(*OrchestratorOpts)

// WithContextWindow sets the context window.
func WithContextWindow(w *ContextWindow) OrchestratorOption {
	return func(o *OrchestratorOpts) { o.Window = w }
}

// WithRateLimiter sets the per-session rate limiter.
func WithRateLimiter(l *resilience.RateLimiter) OrchestratorOption {
	return func(o *OrchestratorOpts) { o.Limiter = l }
}

// WithReasoningBreaker sets the reasoning-service circuit breaker.
func WithReasoningBreaker(b *resilience.CircuitBreaker) OrchestratorOption {
	return func(o *OrchestratorOpts) { o.ReasoningBreaker = b }
}

// WithBackendBreaker sets the scheduling-backend circuit breaker.
func WithBackendBreaker(b *resilience.CircuitBreaker) OrchestratorOption {
	return func(o *OrchestratorOpts) { o.BackendBreaker = b }
}

// WithRetrier sets the retrier used for all outbound calls.
func WithRetrier(r *resilience.Retrier) OrchestratorOption {
	return func(o *OrchestratorOpts) { o.Retrier = r }
}

// WithTurnTimeout sets the overall turn deadline.
func WithTurnTimeout(d time.Duration) OrchestratorOption {
	return func(o *OrchestratorOpts) { o.TurnTimeout = d }
}

// WithOperationRetries sets the per-operation failure cap before escalation.
func WithOperationRetries(n int) OrchestratorOption {
	return func(o *OrchestratorOpts) { o.OperationRetries = n }
}

// NewOrchestrator creates an orchestrator. Resilience components default to
// the standard configurations when not injected.
func NewOrchestrator(sessions *SessionManager, client genai.ClientInterface, dispatcher *OperationDispatcher, opts ...OrchestratorOption) *Orchestrator {
	cfg := OrchestratorOpts{
		TurnTimeout:      DefaultTurnTimeout,
		OperationRetries: DefaultOperationRetryCap,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Window == nil {
		cfg.Window = NewContextWindow(DefaultWindowSize)
	}
	if cfg.Limiter == nil {
		cfg.Limiter = resilience.NewRateLimiter(resilience.DefaultRateLimiterConfig)
	}
	if cfg.ReasoningBreaker == nil {
		cfg.ReasoningBreaker = resilience.NewCircuitBreaker("reasoning", resilience.DefaultReasoningBreakerConfig)
	}
	if cfg.BackendBreaker == nil {
		cfg.BackendBreaker = resilience.NewCircuitBreaker("scheduling-backend", resilience.DefaultBackendBreakerConfig)
	}
	if cfg.Retrier == nil {
		cfg.Retrier = resilience.NewRetrier(resilience.DefaultRetryConfig, nil)
	}
	slog.Debug("flow.NewOrchestrator: creating orchestrator", "turnTimeout", cfg.TurnTimeout, "operationRetries", cfg.OperationRetries)
	return &Orchestrator{
		sessions:         sessions,
		genai:            client,
		dispatcher:       dispatcher,
		catalog:          NewToolCatalog(),
		engine:           NewStateInferenceEngine(),
		guard:            NewTransitionGuard(),
		window:           cfg.Window,
		limiter:          cfg.Limiter,
		reasoningBreaker: cfg.ReasoningBreaker,
		backendBreaker:   cfg.BackendBreaker,
		retrier:          cfg.Retrier,
		turnTimeout:      cfg.TurnTimeout,
		opRetryCap:       cfg.OperationRetries,
	}
}

// NewSessionID returns a fresh session identifier.
func NewSessionID() string {
	return uuid.New().String()
}

// HandleTurn processes one user utterance for a session and always returns a
// reply. Dependency failures produce fixed degraded replies; they never
// surface raw error text or lose session state.
func (o *Orchestrator) HandleTurn(ctx context.Context, sessionID, utterance string) (*models.TurnResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, o.turnTimeout)
	defer cancel()

	if limitErr := o.limiter.Allow(sessionID); limitErr != nil {
		slog.Warn("Orchestrator.HandleTurn: turn rate limited", "sessionID", sessionID, "retryAfter", limitErr.RetryAfter)
		return &models.TurnResponse{
			SessionID: sessionID,
			Reply:     ReplyRateLimited,
		}, nil
	}

	session, release, err := o.sessions.Acquire(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire session: %w", err)
	}
	defer release()

	slog.Info("Orchestrator.HandleTurn: turn started", "sessionID", sessionID, "state", session.State)

	if session.State == models.StatePostAction {
		o.resetForNextAction(session)
	}

	if len(session.History) == 0 {
		session.AppendMessage(models.RoleSystem, systemPrompt)
	}
	session.AppendMessage(models.RoleUser, utterance)

	o.applyInference(session)
	o.syncFlowMarkers(session)

	reply, err := o.reason(ctx, session)
	if err != nil {
		// State and collected data are untouched; the turn degrades, the
		// session does not.
		slog.Error("Orchestrator.HandleTurn: reasoning degraded", "sessionID", sessionID, "error", err)
		session.AppendMessage(models.RoleAssistant, ReplyReasoningUnavailable)
		return o.respond(session, ReplyReasoningUnavailable), nil
	}

	session.AppendMessage(models.RoleAssistant, reply)
	o.applyInference(session)
	o.syncFlowMarkers(session)

	if session.State == models.StateShowSummary {
		// Mark the summary as shown so the next pass lands on confirmation.
		session.Data[models.DataKeySummaryShown] = "true"
	}

	slog.Info("Orchestrator.HandleTurn: turn completed", "sessionID", sessionID, "state", session.State, "escalated", session.Escalated)
	return o.respond(session, reply), nil
}

// ResetSession discards all state for a session.
func (o *Orchestrator) ResetSession(sessionID string) error {
	return o.sessions.Reset(sessionID)
}

// SessionSnapshot returns the external view of a session, or nil if unknown.
func (o *Orchestrator) SessionSnapshot(ctx context.Context, sessionID string) (*models.SessionSnapshot, error) {
	return o.sessions.Snapshot(ctx, sessionID)
}

func (o *Orchestrator) respond(session *models.Session, reply string) *models.TurnResponse {
	return &models.TurnResponse{
		SessionID: session.ID,
		Reply:     reply,
		State:     session.State,
		Escalated: session.Escalated,
	}
}

// applyInference re-derives the session state and applies it if the
// transition is legal. An illegal proposal is a logic error: it is logged and
// the current state held, never crashed on.
func (o *Orchestrator) applyInference(session *models.Session) {
	proposed := o.engine.Infer(session)
	if proposed == session.State {
		return
	}
	if !o.guard.Validate(session.State, proposed) {
		slog.Error("Orchestrator.applyInference: inferred transition rejected, holding state",
			"sessionID", session.ID, "current", session.State, "proposed", proposed)
		return
	}
	slog.Debug("Orchestrator.applyInference: state transition", "sessionID", session.ID, "from", session.State, "to", proposed)
	session.State = proposed
}

// syncFlowMarkers records flow entry and escalation so the inference engine,
// which only reads the session, sees them next pass.
func (o *Orchestrator) syncFlowMarkers(session *models.Session) {
	switch session.State {
	case models.StateCancelAskConfirmation:
		if session.Data[models.DataKeyActiveFlow] == "" {
			session.Data[models.DataKeyActiveFlow] = models.FlowCancel
		}
	case models.StateRescheduleAskConfirmation:
		if session.Data[models.DataKeyActiveFlow] == "" {
			session.Data[models.DataKeyActiveFlow] = models.FlowReschedule
		}
	}

	if session.Data[models.DataKeyActiveFlow] != "" &&
		session.VerifyAttempts >= VerifyAttemptCap &&
		!session.HasData(models.DataKeyVerifiedConfirmation) &&
		!session.Escalated {
		slog.Warn("Orchestrator.syncFlowMarkers: verification attempts exhausted, escalating", "sessionID", session.ID)
		session.Escalated = true
	}
}

// resetForNextAction clears one-action state at the PostAction boundary so the
// session can start a fresh booking, cancel, or reschedule. Client contact
// details and the confirmation number survive; they belong to the user, not
// to the finished action.
func (o *Orchestrator) resetForNextAction(session *models.Session) {
	slog.Debug("Orchestrator.resetForNextAction: clearing action-scoped state", "sessionID", session.ID)
	for _, key := range []models.DataKey{
		models.DataKeyServiceID,
		models.DataKeyTimePreference,
		models.DataKeyDate,
		models.DataKeyStartTime,
		models.DataKeySummaryShown,
		models.DataKeyActiveFlow,
		models.DataKeyFlowConfirmed,
		models.DataKeyVerifiedConfirmation,
		models.DataKeyFinalConfirmed,
		models.DataKeyFlowDone,
		models.DataKeyNewDate,
		models.DataKeyNewStartTime,
	} {
		delete(session.Data, key)
	}
	session.RetryCounts = make(map[string]int)
	session.VerifyAttempts = 0
	session.Escalated = false
	session.LastOperation = ""
}

// reason runs the reasoning/tool loop for one turn and returns the
// user-facing reply. It returns an error only when the reasoning service is
// unusable for the whole turn.
func (o *Orchestrator) reason(ctx context.Context, session *models.Session) (string, error) {
	tools := o.catalog.Definitions()

	for round := 0; round < maxToolRounds; round++ {
		var resp *genai.ToolCallResponse
		err := o.reasoningBreaker.Call(ctx, func(ctx context.Context) error {
			return o.retrier.Do(ctx, "reasoning", func(ctx context.Context) error {
				r, genErr := o.genai.GenerateWithTools(ctx, o.promptMessages(session), tools)
				if genErr != nil {
					return genErr
				}
				resp = r
				return nil
			})
		})
		if err != nil {
			var open *resilience.CircuitOpenError
			if errors.As(err, &open) {
				slog.Warn("Orchestrator.reason: reasoning circuit open", "sessionID", session.ID, "retryAfter", open.RetryAfter)
			}
			return "", err
		}

		if len(resp.ToolCalls) == 0 {
			if resp.Content != "" {
				return resp.Content, nil
			}
			return o.fallbackReply(session), nil
		}

		if reply := o.executeToolCalls(ctx, session, resp.ToolCalls); reply != "" {
			// A terminal condition inside the tool pass (escalation or a dead
			// backend) short-circuits the loop with a fixed reply.
			return reply, nil
		}
	}

	// The reasoning service kept requesting tools; fall back to a summary of
	// what actually happened rather than loop forever.
	slog.Warn("Orchestrator.reason: tool round cap reached", "sessionID", session.ID)
	return o.fallbackReply(session), nil
}

// executeToolCalls processes one batch of requested tool calls. It returns a
// non-empty reply only when the turn must end immediately with that reply.
func (o *Orchestrator) executeToolCalls(ctx context.Context, session *models.Session, calls []models.ToolCall) string {
	for _, call := range calls {
		if call.Function.Name == models.ToolRecordBookingData {
			o.recordBookingData(session, call)
			continue
		}
		if reply := o.dispatchOperation(ctx, session, call); reply != "" {
			return reply
		}
	}
	return ""
}

// recordBookingData merges recorded fields into the session. Invalid payloads
// are noted in history for the reasoning service to correct; they never abort
// the turn.
func (o *Orchestrator) recordBookingData(session *models.Session, call models.ToolCall) {
	params, err := call.Function.ParseRecordBookingDataParams()
	if err != nil {
		slog.Warn("Orchestrator.recordBookingData: rejected payload", "sessionID", session.ID, "error", err)
		session.AppendOperationPair(o.callID(call), models.ToolRecordBookingData, fmt.Sprintf("rejected: %v", err))
		return
	}
	var recorded []string
	for name, value := range params.Fields {
		session.Data[models.DataKey(name)] = value
		recorded = append(recorded, name)
	}
	slog.Debug("Orchestrator.recordBookingData: fields recorded", "sessionID", session.ID, "fields", recorded)
	session.AppendOperationPair(o.callID(call), models.ToolRecordBookingData, fmt.Sprintf("recorded: %s", strings.Join(recorded, ", ")))

	// Re-derive state so a later operation in the same batch dispatches from
	// the right place (e.g. final_confirmed moves the flow to its process
	// state before cancel_booking runs).
	o.applyInference(session)
	o.syncFlowMarkers(session)
}

// dispatchOperation runs one backend operation under the resilience harness
// and applies its outcome to the session. It returns a non-empty reply only
// when the turn must end with it (escalation or open circuit).
func (o *Orchestrator) dispatchOperation(ctx context.Context, session *models.Session, call models.ToolCall) string {
	name := models.OperationName(call.Function.Name)
	callID := o.callID(call)

	if session.RetryCounts[call.Function.Name] > o.opRetryCap {
		return o.escalate(session, name, "operation failure cap exceeded")
	}

	if name == models.OperationCreateBooking && session.State == models.StateConfirm {
		// Transient dispatch state; a failure steps back to Confirm.
		if o.guard.Validate(session.State, models.StateCreateAppointment) {
			session.State = models.StateCreateAppointment
		}
	}

	session.AppendOperationPair(callID, fmt.Sprintf("%s %s", name, string(call.Function.Arguments)), "pending")

	var outcome *OperationOutcome
	err := o.backendBreaker.Call(ctx, func(ctx context.Context) error {
		return o.retrier.Do(ctx, string(name), func(ctx context.Context) error {
			result, dispatchErr := o.dispatcher.Dispatch(ctx, call.Function)
			if dispatchErr != nil {
				return dispatchErr
			}
			outcome = result
			return nil
		})
	})

	if err != nil {
		o.setOperationResult(session, callID, "temporarily unavailable")
		return o.handleTransientFailure(session, name, err)
	}

	o.setOperationResult(session, callID, outcome.Summary)
	o.applyOutcome(session, outcome)
	return ""
}

// handleTransientFailure counts a failed operation attempt and escalates once
// the count exceeds the cap. At or below the cap the conversation steps back
// so the user can retry.
func (o *Orchestrator) handleTransientFailure(session *models.Session, name models.OperationName, err error) string {
	session.RetryCounts[string(name)]++
	count := session.RetryCounts[string(name)]
	slog.Error("Orchestrator.handleTransientFailure: operation failed", "sessionID", session.ID, "operation", name, "failures", count, "error", err)

	if count > o.opRetryCap {
		return o.escalate(session, name, "operation failure cap exceeded")
	}

	// Step the dispatch state back so the next turn re-enters confirmation.
	if session.State == models.StateCreateAppointment && o.guard.Validate(session.State, models.StateConfirm) {
		session.State = models.StateConfirm
	}
	return ReplyBackendUnavailable
}

// escalate moves the session to PostAction with the escalation flag set and
// ends the turn with the fixed apology.
func (o *Orchestrator) escalate(session *models.Session, name models.OperationName, reason string) string {
	slog.Error("Orchestrator.escalate: escalating session", "sessionID", session.ID, "operation", name, "reason", reason)
	session.Escalated = true
	if o.guard.Validate(session.State, models.StatePostAction) {
		session.State = models.StatePostAction
	} else {
		slog.Error("Orchestrator.escalate: no legal path to PostAction, holding state", "sessionID", session.ID, "state", session.State)
	}
	return ReplyEscalated
}

// applyOutcome records the effects of a completed operation on the session:
// the last-operation marker, flow progression markers, and the confirmation
// number assigned by booking creation.
func (o *Orchestrator) applyOutcome(session *models.Session, outcome *OperationOutcome) {
	if outcome.Success() {
		session.LastOperation = string(outcome.Name)
	}

	switch outcome.Name {
	case models.OperationLookupBooking:
		o.applyLookupOutcome(session, outcome)

	case models.OperationCreateBooking:
		if outcome.Success() && outcome.Booking != nil {
			session.Data[models.DataKeyConfirmationNumber] = outcome.Booking.ConfirmationNumber
		}
		if !outcome.Success() {
			// A slot conflict is a healthy answer; step back to confirmation
			// so the user can pick an alternative.
			if session.State == models.StateCreateAppointment && o.guard.Validate(session.State, models.StateConfirm) {
				session.State = models.StateConfirm
			}
		}

	case models.OperationCancelBooking:
		if outcome.Success() {
			session.Data[models.DataKeyFlowDone] = "true"
		}

	case models.OperationRescheduleBooking:
		if outcome.Success() {
			session.Data[models.DataKeyFlowDone] = "true"
			if outcome.Booking != nil {
				session.Data[models.DataKeyConfirmationNumber] = outcome.Booking.ConfirmationNumber
			}
		} else if len(outcome.Alternatives) > 0 {
			// Conflict on the new slot: drop the chosen slot so the flow
			// returns to slot selection.
			delete(session.Data, models.DataKeyNewDate)
			delete(session.Data, models.DataKeyNewStartTime)
		}
	}

	o.applyInference(session)
	o.syncFlowMarkers(session)
}

// applyLookupOutcome handles confirmation-number verification inside cancel
// and reschedule flows.
func (o *Orchestrator) applyLookupOutcome(session *models.Session, outcome *OperationOutcome) {
	if outcome.Success() && outcome.Booking != nil {
		session.Data[models.DataKeyVerifiedConfirmation] = outcome.Booking.ConfirmationNumber
		session.VerifyAttempts = 0
		return
	}
	if errors.Is(outcome.Err, booking.ErrNotFound) && session.Data[models.DataKeyActiveFlow] != "" {
		session.VerifyAttempts++
		slog.Warn("Orchestrator.applyLookupOutcome: verification failed", "sessionID", session.ID, "attempts", session.VerifyAttempts)
	}
}

// setOperationResult replaces the pending result entry for callID.
func (o *Orchestrator) setOperationResult(session *models.Session, callID, result string) {
	for i := len(session.History) - 1; i >= 0; i-- {
		if session.History[i].CallID == callID && session.History[i].Role == models.RoleOperationResult {
			session.History[i].Content = result
			return
		}
	}
}

// callID returns the reasoning service's tool-call ID, or a fresh one when
// absent, so operation request/result pairs are always linkable.
func (o *Orchestrator) callID(call models.ToolCall) string {
	if call.ID != "" {
		return call.ID
	}
	return uuid.New().String()
}

// promptMessages renders the windowed session history for the reasoning
// service. Operation entries are rendered as system notes rather than native
// tool messages: the history outlives any single completion exchange, and
// notes stay valid regardless of where the window cuts.
func (o *Orchestrator) promptMessages(session *models.Session) []openai.ChatCompletionMessageParamUnion {
	windowed := o.window.Apply(session.History)
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(windowed)+1)
	for _, m := range windowed {
		switch m.Role {
		case models.RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		case models.RoleUser:
			messages = append(messages, openai.UserMessage(m.Content))
		case models.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		case models.RoleOperationRequest:
			messages = append(messages, openai.SystemMessage(fmt.Sprintf("[operation requested] %s", m.Content)))
		case models.RoleOperationResult:
			messages = append(messages, openai.SystemMessage(fmt.Sprintf("[operation result] %s", m.Content)))
		}
	}
	messages = append(messages, openai.SystemMessage(fmt.Sprintf("Current conversation state: %s. Collected fields: %s.", session.State, collectedFieldNames(session))))
	return messages
}

// fallbackReply summarizes the latest operation result when the reasoning
// service produced no prose. The user always gets an answer.
func (o *Orchestrator) fallbackReply(session *models.Session) string {
	for i := len(session.History) - 1; i >= 0; i-- {
		if session.History[i].Role == models.RoleOperationResult {
			return fmt.Sprintf("Done: %s.", session.History[i].Content)
		}
	}
	return "Sorry, I didn't catch that. Could you rephrase?"
}

func collectedFieldNames(session *models.Session) string {
	var names []string
	for _, key := range models.RequiredBookingKeys {
		if session.HasData(key) {
			names = append(names, string(key))
		}
	}
	if session.HasData(models.DataKeyTimePreference) {
		names = append(names, string(models.DataKeyTimePreference))
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}
