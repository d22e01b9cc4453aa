// Package portal is the authenticated HTTP client for the upstream NFS-e
// processing backend. One Client carries the bearer token of one session;
// construct it at session start and drop it at session end instead of
// holding token state in a package-level singleton.
package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DateLayout is the DD/MM/YYYY format the upstream scrape trigger expects.
	DateLayout = "02/01/2006"

	defaultTimeout = 60 * time.Second
)

var (
	// ErrUnauthenticated is returned before any network call when the client
	// holds no bearer token.
	ErrUnauthenticated = errors.New("not authenticated")

	// ErrTokenMissing is returned when a successful login response carries no
	// access token.
	ErrTokenMissing = errors.New("access token not received")

	// ErrTaskNotFound is returned when the status endpoint reports 404 for a
	// task id. It is terminal: the task is gone and polling must stop.
	ErrTaskNotFound = errors.New("task not found")
)

// APIError carries an upstream error response. Message is the server-provided
// detail/error/message field, or the HTTP status when the body had none.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

// Client calls the upstream portal backend on behalf of one session.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option customizes client construction.
type Option func(*Client)

// WithHTTPClient overrides the underlying transport, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithToken seeds the client with the bearer token of an existing session.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// NewClient builds an upstream client. Without WithToken it is
// unauthenticated and only Login may be called.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns the bearer token currently held, empty when logged out.
func (c *Client) Token() string {
	return c.token
}

// Authenticated reports whether the client holds a bearer token.
func (c *Client) Authenticated() bool {
	return c.token != ""
}

// Logout drops local token state. The upstream has no logout endpoint.
func (c *Client) Logout() {
	c.token = ""
}

// Tokens is the token pair issued by the upstream login endpoint.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type loginUser struct {
	ID        json.Number `json:"id"`
	Username  string      `json:"username"`
	Email     string      `json:"email"`
	FirstName string      `json:"first_name"`
	LastName  string      `json:"last_name"`
}

type loginResponse struct {
	User   loginUser `json:"user"`
	Tokens Tokens    `json:"tokens"`
}

// LoginResult is the normalized outcome of a login round trip.
type LoginResult struct {
	User   User
	Tokens Tokens
}

// User is the normalized upstream user identity.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Login posts credentials to /auth/login/, extracts the token pair and the
// nested user object, and stores the access token on the client. A 2xx
// response without tokens.access_token fails with ErrTokenMissing.
func (c *Client) Login(ctx context.Context, username, password string) (LoginResult, error) {
	payload := map[string]string{"username": username, "password": password}
	var resp loginResponse
	if err := c.doJSON(ctx, http.MethodPost, "/auth/login/", payload, &resp, false); err != nil {
		return LoginResult{}, err
	}
	if strings.TrimSpace(resp.Tokens.AccessToken) == "" {
		return LoginResult{}, ErrTokenMissing
	}
	c.token = resp.Tokens.AccessToken

	id := resp.User.ID.String()
	if id == "" {
		id = "unknown"
	}
	name := strings.TrimSpace(strings.Join(nonEmpty(resp.User.FirstName, resp.User.LastName), " "))
	if name == "" {
		name = resp.User.Username
	}
	if name == "" {
		name = "User"
	}
	return LoginResult{
		User:   User{ID: id, Email: resp.User.Email, Name: name},
		Tokens: resp.Tokens,
	}, nil
}

// File is one upload destined for the extraction task queue.
type File struct {
	Name   string
	Reader io.Reader
}

// CreateTask uploads files as multipart field "files[]" to
// /upload-e-processar-pdf/ and returns the task id.
func (c *Client) CreateTask(ctx context.Context, files []File) (string, error) {
	if !c.Authenticated() {
		return "", ErrUnauthenticated
	}
	if len(files) == 0 {
		return "", errors.New("at least one file required")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, f := range files {
		part, err := mw.CreateFormFile("files[]", f.Name)
		if err != nil {
			return "", err
		}
		if _, err := io.Copy(part, f.Reader); err != nil {
			return "", fmt.Errorf("buffer upload %q: %w", f.Name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload-e-processar-pdf/", &body)
	if err != nil {
		return "", err
	}
	// Content-Type must come from the writer so the boundary is set.
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", readAPIError(resp)
	}
	var out struct {
		TaskID string `json:"task_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode task response: %w", err)
	}
	if strings.TrimSpace(out.TaskID) == "" {
		return "", errors.New("task id not returned")
	}
	return out.TaskID, nil
}

// TaskStatus is one poll result. Any State other than SUCCESS/FAILURE means
// the task is still running.
type TaskStatus struct {
	State string `json:"state"`
	Meta  struct {
		ZipID string `json:"zip_id"`
	} `json:"meta"`
}

const (
	TaskStateSuccess = "SUCCESS"
	TaskStateFailure = "FAILURE"
)

// GetTaskStatus polls /task-status/{id}/. A 404 maps to ErrTaskNotFound.
func (c *Client) GetTaskStatus(ctx context.Context, taskID string) (TaskStatus, error) {
	if !c.Authenticated() {
		return TaskStatus{}, ErrUnauthenticated
	}
	var status TaskStatus
	err := c.doJSON(ctx, http.MethodGet, "/task-status/"+url.PathEscape(taskID)+"/", nil, &status, true)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return TaskStatus{}, ErrTaskNotFound
	}
	if err != nil {
		return TaskStatus{}, err
	}
	return status, nil
}

// DownloadZip streams the archive of a completed task. The caller owns the
// returned body.
func (c *Client) DownloadZip(ctx context.Context, zipID string) (io.ReadCloser, int64, error) {
	if !c.Authenticated() {
		return nil, 0, ErrUnauthenticated
	}
	return c.doBinary(ctx, http.MethodGet, "/download-zip/"+url.PathEscape(zipID)+"/", nil)
}

// TicketData is the support ticket creation payload.
type TicketData struct {
	Subject     string `json:"subject"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
}

// CreateTicket posts a support ticket and returns the upstream record.
func (c *Client) CreateTicket(ctx context.Context, data TicketData) (map[string]any, error) {
	if !c.Authenticated() {
		return nil, ErrUnauthenticated
	}
	var out map[string]any
	if err := c.doJSON(ctx, http.MethodPost, "/support/tickets/", data, &out, true); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateCompany registers a company. The upstream endpoint expects multipart
// form data because registration may carry a certificate file.
func (c *Client) CreateCompany(ctx context.Context, fields map[string]string, certificate *File) (map[string]any, error) {
	if !c.Authenticated() {
		return nil, ErrUnauthenticated
	}
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	if certificate != nil {
		part, err := mw.CreateFormFile("certificate", certificate.Name)
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(part, certificate.Reader); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/portal_nfse/companies/", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, readAPIError(resp)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode company response: %w", err)
	}
	return out, nil
}

// ListCompanies returns the caller's registered companies.
func (c *Client) ListCompanies(ctx context.Context) ([]map[string]any, error) {
	if !c.Authenticated() {
		return nil, ErrUnauthenticated
	}
	var out []map[string]any
	if err := c.doJSON(ctx, http.MethodGet, "/portal_nfse/companies/", nil, &out, true); err != nil {
		return nil, err
	}
	return out, nil
}

// ListInvoices queries scraped invoices for a company. invoiceType is
// "emitted" or "received"; filters are appended verbatim as query params.
func (c *Client) ListInvoices(ctx context.Context, companyID, invoiceType string, filters map[string]string) ([]map[string]any, error) {
	if !c.Authenticated() {
		return nil, ErrUnauthenticated
	}
	q := url.Values{}
	q.Set("company_id", companyID)
	q.Set("type", invoiceType)
	for k, v := range filters {
		if v != "" {
			q.Set(k, v)
		}
	}
	var out []map[string]any
	if err := c.doJSON(ctx, http.MethodGet, "/portal_nfse/invoices/?"+q.Encode(), nil, &out, true); err != nil {
		return nil, err
	}
	return out, nil
}

// TriggerScrape starts an invoice scraping run for the date range.
func (c *Client) TriggerScrape(ctx context.Context, companyID string, startDate, endDate time.Time) error {
	if !c.Authenticated() {
		return ErrUnauthenticated
	}
	payload := map[string]string{
		"company_id": companyID,
		"start_date": startDate.Format(DateLayout),
		"end_date":   endDate.Format(DateLayout),
	}
	return c.doJSON(ctx, http.MethodPost, "/portal_nfse/scrape/trigger/", payload, nil, true)
}

// DownloadDocumentXML fetches the XML of one scraped document.
func (c *Client) DownloadDocumentXML(ctx context.Context, documentID string) (io.ReadCloser, int64, error) {
	if !c.Authenticated() {
		return nil, 0, ErrUnauthenticated
	}
	return c.doBinary(ctx, http.MethodGet, "/portal_nfse/documents/"+url.PathEscape(documentID)+"/download-xml/", nil)
}

// BulkDownloadXML fetches an archive of XMLs for the given document ids.
func (c *Client) BulkDownloadXML(ctx context.Context, documentIDs []string) (io.ReadCloser, int64, error) {
	if !c.Authenticated() {
		return nil, 0, ErrUnauthenticated
	}
	payload := map[string][]string{"ids": documentIDs}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}
	return c.doBinary(ctx, http.MethodPost, "/portal_nfse/documents/bulk-download-xml/", bytes.NewReader(data))
}

// EmitInvoice forwards a locally created invoice to the upstream emitter and
// returns the external id assigned there, empty when none was returned.
func (c *Client) EmitInvoice(ctx context.Context, localInvoiceID string, payload map[string]any) (string, error) {
	if !c.Authenticated() {
		return "", ErrUnauthenticated
	}
	body := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["invoice_id"] = localInvoiceID
	var out struct {
		ExternalID string `json:"external_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/nfse/emitir/", body, &out, true); err != nil {
		return "", err
	}
	return out.ExternalID, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, out any, authed bool) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return readAPIError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) doBinary(ctx context.Context, method, path string, body io.Reader) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, 0, readAPIError(resp)
	}
	return resp.Body, resp.ContentLength, nil
}

// readAPIError surfaces the server's detail/error/message field, falling back
// to the HTTP status when the body is empty or not JSON.
func readAPIError(resp *http.Response) error {
	var envelope struct {
		Detail  string `json:"detail"`
		Err     string `json:"error"`
		Message string `json:"message"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&envelope)
	msg := envelope.Detail
	if msg == "" {
		msg = envelope.Err
	}
	if msg == "" {
		msg = envelope.Message
	}
	if msg == "" {
		msg = resp.Status
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}
