package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"nfseportal/internal/chat"
	"nfseportal/internal/nfse"
	"nfseportal/pkg/portal"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// writePortalError maps upstream client failures onto this API's responses.
// Upstream status codes pass through; transport failures become 502.
func writePortalError(w http.ResponseWriter, err error) {
	var apiErr *portal.APIError
	if errors.As(err, &apiErr) {
		writeError(w, apiErr.Status, apiErr.Message)
		return
	}
	if errors.Is(err, portal.ErrUnauthenticated) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeError(w, http.StatusBadGateway, "upstream service unavailable")
}

func writeChatError(w http.ResponseWriter, err error) {
	if errors.Is(err, chat.ErrConversationNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeInvoiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, nfse.ErrInvoiceNotFound):
		writeError(w, http.StatusNotFound, "invoice not found")
	case errors.Is(err, nfse.ErrAlreadyCancelled):
		writeError(w, http.StatusConflict, "invoice already cancelled")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
