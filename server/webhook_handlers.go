package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/gramflow-labs/gramflow/flow"
)

// handleWebhookVerify answers the Meta subscription handshake: echo
// hub.challenge when the verify token matches.
func (s *Server) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode != "subscribe" {
		writeError(w, http.StatusBadRequest, "BAD_MODE", fmt.Sprintf("unsupported hub.mode %q", mode))
		return
	}
	if s.verifyToken == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(s.verifyToken)) != 1 {
		writeError(w, http.StatusForbidden, "VERIFY_FAILED", "verify token mismatch")
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

// webhookDelivery is the body of an incoming event notification.
type webhookDelivery struct {
	EventID string         `json:"event_id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// handleWebhookDelivery accepts an event notification and dispatches it
// to matching flows in the background. The platform redelivers on
// non-2xx, so anything past parsing acknowledges immediately;
// duplicate deliveries are absorbed by the run store's event
// uniqueness, never re-executed.
func (s *Server) handleWebhookDelivery(w http.ResponseWriter, r *http.Request) {
	var delivery webhookDelivery
	if err := json.NewDecoder(r.Body).Decode(&delivery); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}
	if delivery.Type == "" {
		writeError(w, http.StatusBadRequest, "MISSING_TYPE", "type is required")
		return
	}
	if delivery.EventID == "" {
		// Deliveries without an ID cannot be deduplicated; assign one so
		// the run is at least traceable.
		delivery.EventID = uuid.NewString()
	}

	ev := flow.TriggerEvent{
		Type:       flow.TriggerType(delivery.Type),
		EventID:    delivery.EventID,
		Payload:    delivery.Payload,
		ReceivedAt: time.Now().UTC(),
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := s.service.HandleEvent(ctx, ev); err != nil {
			s.logger.Error("webhook dispatch failed",
				"event_id", ev.EventID, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":   "accepted",
		"event_id": ev.EventID,
	})
}
