package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"nfseportal/internal/nfse"
	"nfseportal/pkg/domain"
	"nfseportal/pkg/store"
)

func (s *Server) handleInvoices(w http.ResponseWriter, r *http.Request, sess store.Session) {
	switch r.Method {
	case http.MethodGet:
		invoices, err := s.invoices.ListInvoices(sess.User.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": invoices,
			"count": len(invoices),
		})
	case http.MethodPost:
		s.handleCreateInvoice(w, r, sess)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleCreateInvoice(w http.ResponseWriter, r *http.Request, sess store.Session) {
	var inv domain.Invoice
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&inv); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	created, err := s.invoices.CreateInvoice(r.Context(), s.portalFor(sess), sess.User.ID, inv)
	if err != nil {
		// Validation failures have no stored invoice; emission failures do,
		// and the stored record carries the erro status.
		if created.ID == "" {
			s.audit(r, "portal.invoice.create", "fail", "reason", err.Error())
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.audit(r, "portal.invoice.create", "fail", "invoice_id", created.ID, "reason", "emission_failed")
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":   "invoice emission failed",
			"invoice": created,
		})
		return
	}
	s.audit(r, "portal.invoice.create", "success", "invoice_id", created.ID)
	writeJSON(w, http.StatusCreated, created)
}

// /api/nfse/invoices/{id}, /api/nfse/invoices/{id}/events,
// /api/nfse/invoices/{id}/cancel
func (s *Server) handleInvoiceByID(w http.ResponseWriter, r *http.Request, sess store.Session) {
	path := strings.TrimPrefix(r.URL.Path, "/api/nfse/invoices/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}

	if len(parts) == 2 {
		switch parts[1] {
		case "events":
			if r.Method != http.MethodGet {
				methodNotAllowed(w)
				return
			}
			events, err := s.invoices.ListEvents(sess.User.ID, id)
			if err != nil {
				writeInvoiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"items": events,
				"count": len(events),
			})
		case "cancel":
			if r.Method != http.MethodPost {
				methodNotAllowed(w)
				return
			}
			inv, err := s.invoices.CancelInvoice(sess.User.ID, id)
			if err != nil {
				if errors.Is(err, nfse.ErrAlreadyCancelled) {
					writeJSON(w, http.StatusOK, inv)
					return
				}
				writeInvoiceError(w, err)
				return
			}
			s.audit(r, "portal.invoice.cancel", "success", "invoice_id", id)
			writeJSON(w, http.StatusOK, inv)
		default:
			http.NotFound(w, r)
		}
		return
	}

	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	inv, err := s.invoices.GetInvoice(sess.User.ID, id)
	if err != nil {
		writeInvoiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}
