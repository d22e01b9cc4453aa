package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"nfseportal/internal/nfse"
)

const webhookTokenHeader = "X-Webhook-Token"

// handleWebhook receives invoice lifecycle notifications from the upstream
// emitter. Authentication is a shared secret; bodies are recorded on the
// event log before the status projection is applied.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token := r.Header.Get(webhookTokenHeader)
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.webhookSecret)) != 1 {
		s.audit(r, "portal.webhook", "fail", "reason", "bad_token")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var notification nfse.WebhookNotification
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&notification); err != nil {
		s.audit(r, "portal.webhook", "fail", "reason", "invalid_json")
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.invoices.ApplyWebhook(notification); err != nil {
		switch {
		case errors.Is(err, nfse.ErrUnknownInvoice):
			s.audit(r, "portal.webhook", "fail", "reason", "unknown_invoice")
			writeError(w, http.StatusNotFound, "unknown invoice")
		case errors.Is(err, nfse.ErrInvalidNotification):
			s.audit(r, "portal.webhook", "fail", "reason", err.Error())
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			// Store failures are ours, not the sender's.
			s.audit(r, "portal.webhook", "fail", "reason", err.Error())
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	s.audit(r, "portal.webhook", "success", "event_type", notification.EventType)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
