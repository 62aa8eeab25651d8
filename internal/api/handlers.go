// Package api provides HTTP handlers for BookingPipe endpoints.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/flow"
	"github.com/BTreeMap/BookingPipe/internal/messaging"
	"github.com/BTreeMap/BookingPipe/internal/models"
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("ok", map[string]string{"time": time.Now().UTC().Format(time.RFC3339)}))
}

func (s *Server) servicesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	services, err := s.backend.ListServices(r.Context())
	if err != nil {
		slog.Error("Server.servicesHandler: failed to list services", "error", err)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Scheduling backend unavailable"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(services))
}

// sessionsHandler handles POST /sessions: create a new conversation session.
func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.sessionsHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sessionID := flow.NewSessionID()
	slog.Info("Server.sessionsHandler: session created", "sessionID", sessionID)
	writeJSONResponse(w, http.StatusCreated, models.Success(map[string]string{"session_id": sessionID}))
}

// sessionSubtreeHandler routes /sessions/{id} and /sessions/{id}/turns.
func (s *Server) sessionSubtreeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	rest := strings.TrimPrefix(r.URL.Path, "/sessions/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session ID required"))
		return
	}
	sessionID := parts[0]

	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			s.getSessionHandler(w, r, sessionID)
		case http.MethodDelete:
			s.deleteSessionHandler(w, r, sessionID)
		default:
			w.Header().Set("Allow", "GET, DELETE")
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case len(parts) == 2 && parts[1] == "turns":
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.turnHandler(w, r, sessionID)
	default:
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown session endpoint"))
	}
}

// turnHandler handles POST /sessions/{id}/turns: one conversation turn.
func (s *Server) turnHandler(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req models.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.turnHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: message"))
		return
	}

	resp, err := s.orchestrator.HandleTurn(r.Context(), sessionID, req.Message)
	if err != nil {
		slog.Error("Server.turnHandler: turn failed", "error", err, "sessionID", sessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process turn"))
		return
	}
	slog.Debug("Server.turnHandler: turn processed", "sessionID", sessionID, "state", resp.State)
	writeJSONResponse(w, http.StatusOK, models.Success(resp))
}

// getSessionHandler handles GET /sessions/{id}: the session snapshot.
func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request, sessionID string) {
	snapshot, err := s.orchestrator.SessionSnapshot(r.Context(), sessionID)
	if err != nil {
		slog.Error("Server.getSessionHandler: lookup failed", "error", err, "sessionID", sessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session"))
		return
	}
	if snapshot == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(snapshot))
}

// deleteSessionHandler handles DELETE /sessions/{id}: reset the session.
func (s *Server) deleteSessionHandler(w http.ResponseWriter, r *http.Request, sessionID string) {
	if err := s.orchestrator.ResetSession(sessionID); err != nil {
		slog.Error("Server.deleteSessionHandler: reset failed", "error", err, "sessionID", sessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to reset session"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session reset", nil))
}

// twilioWebhookHandler handles POST /webhook/twilio: an inbound SMS turn. The
// sender's canonical phone number doubles as the session ID, so a phone
// conversation resumes across messages the same way an API session does.
func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.msgService == nil {
		slog.Warn("Server.twilioWebhookHandler: messaging not configured")
		writeJSONResponse(w, http.StatusNotImplemented, models.Error("Messaging not configured"))
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid form payload"))
		return
	}
	from := r.FormValue("From")
	body := r.FormValue("Body")
	if from == "" || strings.TrimSpace(body) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing From or Body"))
		return
	}

	canonical, err := s.msgService.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		slog.Warn("Server.twilioWebhookHandler: sender validation failed", "error", err, "from", from)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid sender number"))
		return
	}

	if emitter, ok := s.msgService.(*messaging.TwilioService); ok {
		emitter.EmitInbound(models.InboundMessage{From: canonical, Body: body, Time: time.Now().Unix()})
	}

	resp, err := s.orchestrator.HandleTurn(r.Context(), "sms-"+canonical, body)
	if err != nil {
		slog.Error("Server.twilioWebhookHandler: turn failed", "error", err, "from", canonical)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process message"))
		return
	}
	if err := s.msgService.SendMessage(r.Context(), canonical, resp.Reply); err != nil {
		slog.Error("Server.twilioWebhookHandler: reply send failed", "error", err, "to", canonical)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to send reply"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Message processed", nil))
}
