// Package api provides the HTTP surface for BookingPipe.
//
// This file holds the JSON response writer shared by every handler.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// fallbackErrorBody is served when a response value itself fails to marshal.
// It is a literal so it cannot fail the way the original response did.
const fallbackErrorBody = `{"status":"error","message":"Internal server error"}`

// writeJSONResponse marshals response and writes it with the given status.
// Marshaling happens before any header is written so an encoding failure can
// still downgrade the status to 500 with the fallback body.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	body, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal response", "error", err, "status", statusCode)
		body = []byte(fallbackErrorBody)
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		slog.Error("Server.writeJSONResponse: failed to write response", "error", err)
	}
}
