// Package testutil provides common test utilities and helpers for BookingPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openai/openai-go"

	"github.com/BTreeMap/BookingPipe/internal/api"
	"github.com/BTreeMap/BookingPipe/internal/booking"
	"github.com/BTreeMap/BookingPipe/internal/flow"
	"github.com/BTreeMap/BookingPipe/internal/genai"
	"github.com/BTreeMap/BookingPipe/internal/store"
	"github.com/BTreeMap/BookingPipe/internal/util"
)

// MockGenAI is a scripted reasoning client. Each call pops the next queued
// response; when the queue is empty it returns a fixed prose reply.
type MockGenAI struct {
	Responses []*genai.ToolCallResponse
	Err       error
	Calls     int
}

// GenerateWithMessages returns the next queued response's content.
func (m *MockGenAI) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	resp, err := m.next()
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// GenerateWithTools returns the next queued response.
func (m *MockGenAI) GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*genai.ToolCallResponse, error) {
	return m.next()
}

func (m *MockGenAI) next() (*genai.ToolCallResponse, error) {
	m.Calls++
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Responses) == 0 {
		return &genai.ToolCallResponse{Content: "Okay."}, nil
	}
	resp := m.Responses[0]
	m.Responses = m.Responses[1:]
	return resp, nil
}

// NewTestServer creates a test API server with in-memory dependencies and a
// scripted reasoning client.
func NewTestServer(mock *MockGenAI) *api.Server {
	if mock == nil {
		mock = &MockGenAI{}
	}
	backend := booking.NewInMemoryBackend()
	sessions := flow.NewSessionManager(store.NewInMemoryStore())
	orchestrator := flow.NewOrchestrator(sessions, mock, flow.NewOperationDispatcher(backend))
	return api.NewServer(orchestrator, backend)
}

// NewTestSessionID returns a random session ID for tests.
func NewTestSessionID() string {
	return util.GenerateRandomID("test_", 16)
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}
