package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/openai/openai-go"

	"github.com/BTreeMap/BookingPipe/internal/booking"
	"github.com/BTreeMap/BookingPipe/internal/genai"
	"github.com/BTreeMap/BookingPipe/internal/models"
	"github.com/BTreeMap/BookingPipe/internal/resilience"
	"github.com/BTreeMap/BookingPipe/internal/store"
)

// mockGenAI pops scripted responses; an empty queue yields a prose reply.
type mockGenAI struct {
	responses []*genai.ToolCallResponse
	err       error
	calls     int
}

func (m *mockGenAI) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	resp, err := m.pop()
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (m *mockGenAI) GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*genai.ToolCallResponse, error) {
	return m.pop()
}

func (m *mockGenAI) pop() (*genai.ToolCallResponse, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if len(m.responses) == 0 {
		return &genai.ToolCallResponse{Content: "Okay."}, nil
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, nil
}

func (m *mockGenAI) queue(responses ...*genai.ToolCallResponse) {
	m.responses = append(m.responses, responses...)
}

func proseResponse(content string) *genai.ToolCallResponse {
	return &genai.ToolCallResponse{Content: content}
}

func toolResponse(name string, args interface{}) *genai.ToolCallResponse {
	raw, _ := json.Marshal(args)
	return &genai.ToolCallResponse{
		ToolCalls: []models.ToolCall{{
			ID:   "call-" + name,
			Type: "function",
			Function: models.FunctionCall{
				Name:      name,
				Arguments: raw,
			},
		}},
	}
}

func recordFieldsResponse(fields map[string]string) *genai.ToolCallResponse {
	return toolResponse(models.ToolRecordBookingData, map[string]interface{}{"fields": fields})
}

// failingBackend wraps the in-memory backend and injects transient failures
// per operation.
type failingBackend struct {
	*booking.InMemoryBackend
	failCreate bool
	failLookup bool
}

func (f *failingBackend) CreateBooking(ctx context.Context, req booking.Request) (*models.Booking, error) {
	if f.failCreate {
		return nil, &booking.UnavailableError{Err: errors.New("connection refused")}
	}
	return f.InMemoryBackend.CreateBooking(ctx, req)
}

func (f *failingBackend) LookupBooking(ctx context.Context, confirmationNumber string) (*models.Booking, error) {
	if f.failLookup {
		return nil, &booking.UnavailableError{Err: errors.New("connection refused")}
	}
	return f.InMemoryBackend.LookupBooking(ctx, confirmationNumber)
}

func newTestOrchestrator(mock *mockGenAI, backend booking.Client) *Orchestrator {
	return NewOrchestrator(
		NewSessionManager(store.NewInMemoryStore()),
		mock,
		NewOperationDispatcher(backend),
		WithRetrier(resilience.NewRetrier(resilience.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, nil)),
		WithBackendBreaker(resilience.NewCircuitBreaker("scheduling-backend", resilience.BreakerConfig{FailureThreshold: 5, Timeout: time.Minute})),
		WithReasoningBreaker(resilience.NewCircuitBreaker("reasoning", resilience.BreakerConfig{FailureThreshold: 3, Timeout: time.Minute})),
		WithRateLimiter(resilience.NewRateLimiter(resilience.RateLimiterConfig{PerMinute: 100, PerHour: 1000})),
	)
}

func allFields(date string) map[string]string {
	return map[string]string{
		"service_id":      "svc-consult",
		"time_preference": "morning",
		"date":            date,
		"start_time":      "10:00",
		"client_name":     "Ada Lovelace",
		"client_email":    "ada@example.com",
		"client_phone":    "+14165551234",
	}
}

func tomorrow() string {
	return time.Now().AddDate(0, 0, 1).Format("2006-01-02")
}

func createBookingArgs(date string) map[string]string {
	return map[string]string{
		"service_id":   "svc-consult",
		"date":         date,
		"start_time":   "10:00",
		"client_name":  "Ada Lovelace",
		"client_email": "ada@example.com",
		"client_phone": "+14165551234",
	}
}

func TestHandleTurnHappyPathBooking(t *testing.T) {
	mock := &mockGenAI{}
	o := newTestOrchestrator(mock, booking.NewInMemoryBackend())
	date := tomorrow()

	// Turn 1: user supplies everything at once.
	mock.queue(
		recordFieldsResponse(allFields(date)),
		proseResponse("Here is your booking summary. Shall I confirm?"),
	)
	resp, err := o.HandleTurn(context.Background(), "s1", fmt.Sprintf("Book a consultation on %s at 10:00. Ada Lovelace, ada@example.com, +14165551234, mornings.", date))
	if err != nil {
		t.Fatalf("turn 1 failed: %v", err)
	}
	if resp.State != models.StateShowSummary {
		t.Fatalf("turn 1 state = %s, want SHOW_SUMMARY", resp.State)
	}

	// Turn 2: explicit confirmation triggers the create.
	mock.queue(
		toolResponse(string(models.OperationCreateBooking), createBookingArgs(date)),
		proseResponse("You're booked! Your confirmation number is on file."),
	)
	resp, err = o.HandleTurn(context.Background(), "s1", "yes, confirm it")
	if err != nil {
		t.Fatalf("turn 2 failed: %v", err)
	}
	if resp.State != models.StateComplete {
		t.Fatalf("turn 2 state = %s, want COMPLETE", resp.State)
	}

	snapshot, err := o.SessionSnapshot(context.Background(), "s1")
	if err != nil || snapshot == nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if snapshot.Data[models.DataKeyConfirmationNumber] == "" {
		t.Error("confirmation number should be recorded after creation")
	}
	if snapshot.Escalated {
		t.Error("happy path should not escalate")
	}
}

func TestHandleTurnBackendOutageDuringCreate(t *testing.T) {
	mock := &mockGenAI{}
	backend := &failingBackend{InMemoryBackend: booking.NewInMemoryBackend(), failCreate: true}
	o := newTestOrchestrator(mock, backend)
	date := tomorrow()

	mock.queue(
		recordFieldsResponse(allFields(date)),
		proseResponse("Summary ready."),
	)
	if _, err := o.HandleTurn(context.Background(), "s1", "book me in"); err != nil {
		t.Fatalf("setup turn failed: %v", err)
	}

	// First failed create: degraded reply, state held at Confirm, data intact.
	mock.queue(toolResponse(string(models.OperationCreateBooking), createBookingArgs(date)))
	resp, err := o.HandleTurn(context.Background(), "s1", "yes")
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if resp.Reply != ReplyBackendUnavailable {
		t.Errorf("reply = %q, want the fixed backend-unavailable reply", resp.Reply)
	}
	if resp.State != models.StateConfirm {
		t.Errorf("state after first failure = %s, want CONFIRM", resp.State)
	}
	if resp.Escalated {
		t.Error("first failure must not escalate")
	}

	snapshot, _ := o.SessionSnapshot(context.Background(), "s1")
	if snapshot.Data[models.DataKeyServiceID] != "svc-consult" {
		t.Error("collected data must survive a backend outage")
	}
	if o.backendBreaker.State() != resilience.CircuitClosed {
		t.Errorf("one operation failure must not open the breaker, got %s", o.backendBreaker.State())
	}

	// Second failed create reaches the cap but does not exceed it: the
	// session stays in Confirm with the failure count at the cap and the
	// breaker still closed.
	mock.queue(toolResponse(string(models.OperationCreateBooking), createBookingArgs(date)))
	resp, err = o.HandleTurn(context.Background(), "s1", "try again please")
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if resp.Reply != ReplyBackendUnavailable {
		t.Errorf("reply after second failure = %q, want the fixed backend-unavailable reply", resp.Reply)
	}
	if resp.State != models.StateConfirm {
		t.Errorf("state after second failure = %s, want CONFIRM", resp.State)
	}
	if resp.Escalated {
		t.Error("second failure must not escalate")
	}
	session, release, err := o.sessions.Acquire(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if got := session.RetryCounts[string(models.OperationCreateBooking)]; got != 2 {
		t.Errorf("failure count after two failed creates = %d, want 2", got)
	}
	release()
	if o.backendBreaker.State() != resilience.CircuitClosed {
		t.Errorf("two operation failures must not open the breaker, got %s", o.backendBreaker.State())
	}

	// Third failed create exceeds the cap: escalation to PostAction.
	mock.queue(toolResponse(string(models.OperationCreateBooking), createBookingArgs(date)))
	resp, err = o.HandleTurn(context.Background(), "s1", "once more")
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if resp.Reply != ReplyEscalated {
		t.Errorf("reply = %q, want the fixed escalation reply", resp.Reply)
	}
	if resp.State != models.StatePostAction {
		t.Errorf("state past the failure cap = %s, want POST_ACTION", resp.State)
	}
	if !resp.Escalated {
		t.Error("session should escalate past the failure cap")
	}
}

func TestHandleTurnReasoningOutage(t *testing.T) {
	mock := &mockGenAI{err: errors.New("upstream 503")}
	o := newTestOrchestrator(mock, booking.NewInMemoryBackend())

	for i := 0; i < 3; i++ {
		resp, err := o.HandleTurn(context.Background(), "s1", "hello")
		if err != nil {
			t.Fatalf("turn %d returned error: %v", i+1, err)
		}
		if resp.Reply != ReplyReasoningUnavailable {
			t.Fatalf("turn %d reply = %q, want the fixed degraded reply", i+1, resp.Reply)
		}
	}
	if o.reasoningBreaker.State() != resilience.CircuitOpen {
		t.Fatalf("breaker should open after threshold failures, got %s", o.reasoningBreaker.State())
	}

	// With the circuit open the turn degrades without calling the service.
	callsBefore := mock.calls
	resp, err := o.HandleTurn(context.Background(), "s1", "hello again")
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if resp.Reply != ReplyReasoningUnavailable {
		t.Errorf("reply = %q, want the fixed degraded reply", resp.Reply)
	}
	if mock.calls != callsBefore {
		t.Errorf("open circuit must not dispatch: calls went %d -> %d", callsBefore, mock.calls)
	}
}

func TestHandleTurnRateLimited(t *testing.T) {
	mock := &mockGenAI{}
	o := NewOrchestrator(
		NewSessionManager(store.NewInMemoryStore()),
		mock,
		NewOperationDispatcher(booking.NewInMemoryBackend()),
		WithRateLimiter(resilience.NewRateLimiter(resilience.RateLimiterConfig{PerMinute: 1, PerHour: 10})),
	)

	if _, err := o.HandleTurn(context.Background(), "s1", "hi"); err != nil {
		t.Fatalf("first turn failed: %v", err)
	}

	callsBefore := mock.calls
	resp, err := o.HandleTurn(context.Background(), "s1", "hi again")
	if err != nil {
		t.Fatalf("rate-limited turn returned error: %v", err)
	}
	if resp.Reply != ReplyRateLimited {
		t.Errorf("reply = %q, want the fixed rate-limited reply", resp.Reply)
	}
	if mock.calls != callsBefore {
		t.Error("rate-limited turn must not reach the reasoning service")
	}
}

func TestHandleTurnCancelFlow(t *testing.T) {
	mock := &mockGenAI{}
	backend := booking.NewInMemoryBackend()
	o := newTestOrchestrator(mock, backend)
	date := tomorrow()

	created, err := backend.CreateBooking(context.Background(), booking.Request{
		ServiceID: "svc-consult",
		Date:      date,
		StartTime: "11:00",
		Client:    models.ClientInfo{Name: "Ada", Email: "ada@example.com", Phone: "+14165551234"},
	})
	if err != nil {
		t.Fatalf("seed booking failed: %v", err)
	}

	// Turn 1: cancel intent.
	mock.queue(proseResponse("Sure. Can you confirm you want to cancel, and share your confirmation number?"))
	resp, err := o.HandleTurn(context.Background(), "s1", "I want to cancel my appointment")
	if err != nil {
		t.Fatalf("turn 1 failed: %v", err)
	}
	if resp.State != models.StateCancelAskConfirmation {
		t.Fatalf("turn 1 state = %s, want CANCEL_ASK_CONFIRMATION", resp.State)
	}

	// Turn 2: intent confirmed, number verified.
	mock.queue(
		recordFieldsResponse(map[string]string{"flow_confirmed": "true"}),
		toolResponse(string(models.OperationLookupBooking), map[string]string{"confirmation_number": created.ConfirmationNumber}),
		proseResponse("Found it. Cancel for good?"),
	)
	resp, err = o.HandleTurn(context.Background(), "s1", "yes, it's "+created.ConfirmationNumber)
	if err != nil {
		t.Fatalf("turn 2 failed: %v", err)
	}
	if resp.State != models.StateCancelConfirm {
		t.Fatalf("turn 2 state = %s, want CANCEL_CONFIRM", resp.State)
	}

	// Turn 3: final confirmation executes the cancel.
	mock.queue(
		recordFieldsResponse(map[string]string{"final_confirmed": "true"}),
		toolResponse(string(models.OperationCancelBooking), map[string]string{"confirmation_number": created.ConfirmationNumber}),
		proseResponse("Your appointment is cancelled."),
	)
	resp, err = o.HandleTurn(context.Background(), "s1", "yes, cancel it")
	if err != nil {
		t.Fatalf("turn 3 failed: %v", err)
	}
	if resp.State != models.StatePostAction {
		t.Fatalf("turn 3 state = %s, want POST_ACTION", resp.State)
	}

	if _, err := backend.LookupBooking(context.Background(), created.ConfirmationNumber); !errors.Is(err, booking.ErrNotFound) {
		t.Error("booking should be cancelled on the backend")
	}
}

func TestHandleTurnVerificationEscalation(t *testing.T) {
	mock := &mockGenAI{}
	o := newTestOrchestrator(mock, booking.NewInMemoryBackend())

	mock.queue(proseResponse("Can you confirm you want to cancel, and share your confirmation number?"))
	if _, err := o.HandleTurn(context.Background(), "s1", "cancel my appointment"); err != nil {
		t.Fatalf("turn 1 failed: %v", err)
	}

	badLookup := func() {
		mock.queue(
			recordFieldsResponse(map[string]string{"flow_confirmed": "true"}),
			toolResponse(string(models.OperationLookupBooking), map[string]string{"confirmation_number": "APPT-9999"}),
			proseResponse("I couldn't find that number."),
		)
	}

	badLookup()
	resp, err := o.HandleTurn(context.Background(), "s1", "yes, APPT-9999")
	if err != nil {
		t.Fatalf("turn 2 failed: %v", err)
	}
	if resp.State != models.StateCancelVerify {
		t.Fatalf("after first bad number state = %s, want CANCEL_VERIFY", resp.State)
	}
	if resp.Escalated {
		t.Fatal("one failed verification must not escalate")
	}

	badLookup()
	resp, err = o.HandleTurn(context.Background(), "s1", "try APPT-9999 again")
	if err != nil {
		t.Fatalf("turn 3 failed: %v", err)
	}
	if resp.State != models.StatePostAction {
		t.Errorf("after second bad number state = %s, want POST_ACTION", resp.State)
	}
	if !resp.Escalated {
		t.Error("verification cap should escalate the session")
	}
}

func TestHandleTurnDegradedReplyLeaksNoErrorDetail(t *testing.T) {
	mock := &mockGenAI{err: errors.New("dial tcp 10.0.0.1:443: connection refused")}
	o := newTestOrchestrator(mock, booking.NewInMemoryBackend())

	resp, err := o.HandleTurn(context.Background(), "s1", "hello")
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	for _, fragment := range []string{"dial tcp", "connection refused", "10.0.0.1"} {
		if strings.Contains(strings.ToLower(resp.Reply), fragment) {
			t.Errorf("degraded reply leaks raw error detail %q: %q", fragment, resp.Reply)
		}
	}
}

func TestHandleTurnPostActionStartsFreshBooking(t *testing.T) {
	mock := &mockGenAI{}
	o := newTestOrchestrator(mock, booking.NewInMemoryBackend())

	// Drive the session to PostAction via an escalated verification.
	mock.queue(proseResponse("Confirm cancel and share your number?"))
	o.HandleTurn(context.Background(), "s1", "cancel my appointment")
	for i := 0; i < 2; i++ {
		mock.queue(
			recordFieldsResponse(map[string]string{"flow_confirmed": "true"}),
			toolResponse(string(models.OperationLookupBooking), map[string]string{"confirmation_number": "APPT-0"}),
			proseResponse("Not found."),
		)
		o.HandleTurn(context.Background(), "s1", "APPT-0")
	}

	snapshot, _ := o.SessionSnapshot(context.Background(), "s1")
	if snapshot.State != models.StatePostAction {
		t.Fatalf("setup failed: state = %s, want POST_ACTION", snapshot.State)
	}

	// Next turn resets action-scoped state and can start a new booking.
	mock.queue(proseResponse("Happy to help you book. Which service?"))
	resp, err := o.HandleTurn(context.Background(), "s1", "let's book a new appointment instead")
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if resp.Escalated {
		t.Error("escalation flag should clear at the PostAction boundary")
	}
	if resp.State != models.StateCollectService {
		t.Errorf("state = %s, want COLLECT_SERVICE", resp.State)
	}
}
