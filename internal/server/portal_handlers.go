package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"nfseportal/internal/util"
	"nfseportal/pkg/cnpj"
	"nfseportal/pkg/domain"
	"nfseportal/pkg/portal"
	"nfseportal/pkg/store"
)

// dateInputLayout is the wire format accepted from clients; the upstream
// client converts to the format the scraper expects.
const dateInputLayout = "2006-01-02"

func (s *Server) handleCompanies(w http.ResponseWriter, r *http.Request, sess store.Session) {
	client := s.portalFor(sess)
	switch r.Method {
	case http.MethodGet:
		companies, err := client.ListCompanies(r.Context())
		if err != nil {
			writePortalError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": companies,
			"count": len(companies),
		})
	case http.MethodPost:
		s.handleCreateCompany(w, r, client)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleCreateCompany(w http.ResponseWriter, r *http.Request, client *portal.Client) {
	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	fields := make(map[string]string)
	for key, values := range r.MultipartForm.Value {
		if len(values) > 0 {
			fields[key] = values[0]
		}
	}
	if strings.TrimSpace(fields["cnpj"]) == "" {
		writeError(w, http.StatusBadRequest, "cnpj is required")
		return
	}

	var certificate *portal.File
	if headers := r.MultipartForm.File["certificate"]; len(headers) > 0 {
		file, err := headers[0].Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid form data")
			return
		}
		defer file.Close()
		certificate = &portal.File{Name: headers[0].Filename, Reader: file}
	}

	company, err := client.CreateCompany(r.Context(), fields, certificate)
	if err != nil {
		writePortalError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, company)
}

func (s *Server) handleCompanyLookup(w http.ResponseWriter, r *http.Request, _ store.Session) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.cnpj == nil {
		writeError(w, http.StatusNotImplemented, "cnpj lookup not configured")
		return
	}
	query := r.URL.Query().Get("cnpj")
	if strings.TrimSpace(query) == "" {
		writeError(w, http.StatusBadRequest, "cnpj query parameter is required")
		return
	}
	info, err := s.cnpj.Lookup(r.Context(), query)
	if err != nil {
		if errors.Is(err, cnpj.ErrNotFound) {
			writeError(w, http.StatusNotFound, "cnpj not found")
			return
		}
		writeError(w, http.StatusBadGateway, "cnpj registry unavailable")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleDocuments lists scraped documents for a company.
func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request, sess store.Session) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	companyID := q.Get("company_id")
	if companyID == "" {
		writeError(w, http.StatusBadRequest, "company_id is required")
		return
	}
	invoiceType := q.Get("type")
	if invoiceType == "" {
		invoiceType = "emitted"
	}
	filters := make(map[string]string)
	for _, key := range []string{"start_date", "end_date", "status", "search"} {
		if v := q.Get(key); v != "" {
			filters[key] = v
		}
	}
	documents, err := s.portalFor(sess).ListInvoices(r.Context(), companyID, invoiceType, filters)
	if err != nil {
		writePortalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": documents,
		"count": len(documents),
	})
}

// /api/documents/{id}/download-xml
func (s *Server) handleDocumentByID(w http.ResponseWriter, r *http.Request, sess store.Session) {
	path := strings.TrimPrefix(r.URL.Path, "/api/documents/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] != "download-xml" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	documentID := parts[0]
	client := s.portalFor(sess)
	if s.archive != nil {
		url, err := s.archive.DocumentXMLURL(r.Context(), client, documentID)
		if err != nil {
			writePortalError(w, err)
			return
		}
		http.Redirect(w, r, url, http.StatusTemporaryRedirect)
		return
	}
	body, size, err := client.DownloadDocumentXML(r.Context(), documentID)
	if err != nil {
		writePortalError(w, err)
		return
	}
	defer body.Close()
	streamAttachment(w, body, size, "application/xml", documentID+".xml")
}

func (s *Server) handleBulkDownloadXML(w http.ResponseWriter, r *http.Request, sess store.Session) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids is required")
		return
	}
	client := s.portalFor(sess)
	if s.archive != nil {
		// Warm the per-document cache so later single downloads are local.
		if err := s.archive.PrefetchDocuments(r.Context(), client, req.IDs); err != nil {
			util.LoggerFromContext(r.Context()).Warn("bulk prefetch failed", "err", err)
		}
	}
	body, size, err := client.BulkDownloadXML(r.Context(), req.IDs)
	if err != nil {
		writePortalError(w, err)
		return
	}
	defer body.Close()
	streamAttachment(w, body, size, "application/zip", "documentos-xml.zip")
}

func (s *Server) handleScrapeTrigger(w http.ResponseWriter, r *http.Request, sess store.Session) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		CompanyID string `json:"company_id"`
		StartDate string `json:"start_date"`
		EndDate   string `json:"end_date"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.CompanyID == "" {
		writeError(w, http.StatusBadRequest, "company_id is required")
		return
	}
	start, err := time.Parse(dateInputLayout, req.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "start_date must be YYYY-MM-DD")
		return
	}
	end, err := time.Parse(dateInputLayout, req.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "end_date must be YYYY-MM-DD")
		return
	}
	if end.Before(start) {
		writeError(w, http.StatusBadRequest, "end_date must not precede start_date")
		return
	}
	if err := s.portalFor(sess).TriggerScrape(r.Context(), req.CompanyID, start, end); err != nil {
		writePortalError(w, err)
		return
	}
	s.audit(r, "portal.scrape.trigger", "success", "company_id", req.CompanyID)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (s *Server) handleTickets(w http.ResponseWriter, r *http.Request, sess store.Session) {
	switch r.Method {
	case http.MethodGet:
		tickets, err := s.store.ListTickets(sess.User.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": tickets,
			"count": len(tickets),
		})
	case http.MethodPost:
		s.handleCreateTicket(w, r, sess)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleCreateTicket(w http.ResponseWriter, r *http.Request, sess store.Session) {
	var req struct {
		Subject     string `json:"subject"`
		Description string `json:"description"`
		Priority    string `json:"priority"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Subject) == "" || strings.TrimSpace(req.Description) == "" {
		writeError(w, http.StatusBadRequest, "subject and description are required")
		return
	}
	priority, ok := parsePriority(req.Priority)
	if !ok {
		writeError(w, http.StatusBadRequest, "priority must be low, medium, or high")
		return
	}

	if _, err := s.portalFor(sess).CreateTicket(r.Context(), portal.TicketData{
		Subject:     req.Subject,
		Description: req.Description,
		Priority:    string(priority),
	}); err != nil {
		writePortalError(w, err)
		return
	}

	now := time.Now().UTC()
	ticket := domain.SupportTicket{
		ID:          util.NewID(),
		UserID:      sess.User.ID,
		Subject:     req.Subject,
		Description: req.Description,
		Priority:    priority,
		Status:      "open",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.SaveTicket(ticket); err != nil {
		util.LoggerFromContext(r.Context()).Warn("local ticket copy failed", "err", err)
	}
	writeJSON(w, http.StatusCreated, ticket)
}

func parsePriority(raw string) (domain.TicketPriority, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(domain.PriorityMedium):
		return domain.PriorityMedium, true
	case string(domain.PriorityLow):
		return domain.PriorityLow, true
	case string(domain.PriorityHigh):
		return domain.PriorityHigh, true
	default:
		return "", false
	}
}
