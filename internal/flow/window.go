// Package flow implements the conversation core.
//
// This file bounds the history handed to the reasoning service. Leading
// system entries are always retained so the static prefix of the prompt stays
// stable; only the last windowSize conversational turns follow. An operation
// request and its result share a call ID and are never split across the
// window boundary: trimming widens by the minimum needed to keep the pair
// together.
package flow

import (
	"log/slog"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

// DefaultWindowSize is the default number of conversational turns retained.
const DefaultWindowSize = 20

// ContextWindow bounds conversational history deterministically.
type ContextWindow struct {
	size int
}

// NewContextWindow creates a window retaining the last size conversational
// turns. A non-positive size falls back to the default.
func NewContextWindow(size int) *ContextWindow {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &ContextWindow{size: size}
}

// Apply returns the bounded history: all leading system entries, then the
// last window of conversational turns, in chronological order. Histories
// within the window size are returned unchanged.
func (w *ContextWindow) Apply(history []models.Message) []models.Message {
	// Split off the leading system entries; they are never windowed.
	prefix := 0
	for prefix < len(history) && history[prefix].Role == models.RoleSystem {
		prefix++
	}
	turns := history[prefix:]
	if len(turns) <= w.size {
		return history
	}

	start := len(turns) - w.size
	start = widenForPairs(turns, start)

	bounded := make([]models.Message, 0, prefix+len(turns)-start)
	bounded = append(bounded, history[:prefix]...)
	bounded = append(bounded, turns[start:]...)

	if start != len(turns)-w.size {
		slog.Debug("ContextWindow.Apply: widened window to keep operation pair together", "requestedStart", len(turns)-w.size, "actualStart", start)
	}
	return bounded
}

// widenForPairs moves start left until no operation result inside the window
// is separated from its request outside it. Pairs are matched by call ID, not
// position.
func widenForPairs(turns []models.Message, start int) int {
	for {
		moved := false
		inside := make(map[string]bool)
		for _, m := range turns[start:] {
			if m.Role == models.RoleOperationResult && m.CallID != "" {
				inside[m.CallID] = true
			}
		}
		for i := start - 1; i >= 0; i-- {
			m := turns[i]
			if m.Role == models.RoleOperationRequest && m.CallID != "" && inside[m.CallID] {
				start = i
				moved = true
			}
		}
		if !moved || start == 0 {
			return start
		}
	}
}
