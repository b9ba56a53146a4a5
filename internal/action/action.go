// Package action defines the queued POS action model and the
// classification rules that decide which actions need a server-side
// conflict check before replay.
package action

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Request is the HTTP-shaped mutation captured from the POS UI.
type Request struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// QueuedAction is a single not-yet-confirmed mutation. ID and
// IdempotencyKey are generated once at enqueue time and never change;
// the server deduplicates replays on the idempotency key.
type QueuedAction struct {
	ID             string            `json:"id"`
	IdempotencyKey string            `json:"idempotency_key"`
	URL            string            `json:"url"`
	Method         string            `json:"method"`
	Body           json.RawMessage   `json:"body,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// New captures a request as a queued action with fresh identifiers.
func New(req Request) QueuedAction {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = "POST"
	}
	return QueuedAction{
		ID:             uuid.New().String(),
		IdempotencyKey: uuid.New().String(),
		URL:            req.URL,
		Method:         method,
		Body:           req.Body,
		Headers:        req.Headers,
		CreatedAt:      time.Now().UTC(),
	}
}
