// Package server exposes the portal's HTTP API: authentication against the
// upstream backend, chat with file processing, local invoice emission, the
// upstream proxy surface, and the invoice status webhook.
package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nfseportal/internal/archive"
	"nfseportal/internal/chat"
	"nfseportal/internal/nfse"
	"nfseportal/internal/ratelimit"
	"nfseportal/internal/util"
	"nfseportal/pkg/cnpj"
	"nfseportal/pkg/portal"
	"nfseportal/pkg/store"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	Store         store.Store
	Sessions      store.SessionStore
	RefreshTokens store.RefreshTokenStore
	Chat          *chat.Service
	Invoices      *nfse.Service
	Archive       *archive.Cache
	CNPJ          *cnpj.Client

	UpstreamBaseURL string
	WebhookSecret   string

	RedisAddr               string
	RedisPassword           string
	LoginRateLimitPerMinute int

	// TrustedProxies are the reverse proxies allowed to assert
	// X-Forwarded-For (IPs or CIDRs).
	TrustedProxies []string

	RefreshTokenTTL time.Duration
	MaxUploadBytes  int64

	// UpstreamHTTPClient overrides the transport used for upstream calls,
	// mainly for tests.
	UpstreamHTTPClient *http.Client
}

// Server exposes HTTP endpoints for the portal backend.
type Server struct {
	store          store.Store
	sessions       store.SessionStore
	refreshTokens  store.RefreshTokenStore
	chat           *chat.Service
	invoices       *nfse.Service
	archive        *archive.Cache
	cnpj           *cnpj.Client
	mux            *http.ServeMux
	upstreamBase   string
	webhookSecret  string
	refreshTTL     time.Duration
	maxUploadBytes int64
	loginLimiter   *ratelimit.FixedWindow
	proxies        *util.Proxies
	upstreamHTTP   *http.Client
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	loginLimit := cfg.LoginRateLimitPerMinute
	if loginLimit <= 0 {
		loginLimit = 10
	}
	loginLimiter, err := ratelimit.NewFixedWindow(
		cfg.RedisAddr, cfg.RedisPassword, "nfseportal:ratelimit:login", loginLimit, time.Minute)
	if err != nil {
		return nil, fmt.Errorf("init login limiter: %w", err)
	}
	proxies, err := util.ParseProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("parse trusted proxies: %w", err)
	}
	refreshTTL := cfg.RefreshTokenTTL
	if refreshTTL <= 0 {
		refreshTTL = 30 * 24 * time.Hour
	}
	s := &Server{
		store:          cfg.Store,
		sessions:       cfg.Sessions,
		refreshTokens:  cfg.RefreshTokens,
		chat:           cfg.Chat,
		invoices:       cfg.Invoices,
		archive:        cfg.Archive,
		cnpj:           cfg.CNPJ,
		mux:            http.NewServeMux(),
		upstreamBase:   strings.TrimRight(cfg.UpstreamBaseURL, "/"),
		webhookSecret:  cfg.WebhookSecret,
		refreshTTL:     refreshTTL,
		maxUploadBytes: normalizeMaxBytes(cfg.MaxUploadBytes),
		loginLimiter:   loginLimiter,
		proxies:        proxies,
		upstreamHTTP:   cfg.UpstreamHTTPClient,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(s.proxies,
		util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/api/auth/login", s.handleLogin)
	s.mux.HandleFunc("/api/auth/refresh", s.handleRefresh)
	s.mux.HandleFunc("/api/auth/logout", s.handleLogout)
	s.mux.Handle("/api/me", s.authenticated(s.handleMe))

	// conversations & chat
	s.mux.Handle("/api/conversations", s.authenticated(s.handleConversations))
	s.mux.Handle("/api/conversations/current", s.authenticated(s.handleCurrentConversation))
	s.mux.Handle("/api/conversations/", s.authenticated(s.handleConversationByID))
	s.mux.Handle("/api/chat/messages", s.authenticated(s.handleChatMessages))
	s.mux.Handle("/api/stats", s.authenticated(s.handleStats))
	s.mux.Handle("/api/files/zip/", s.authenticated(s.handleZipDownload))

	// upstream proxy surface
	s.mux.Handle("/api/companies", s.authenticated(s.handleCompanies))
	s.mux.Handle("/api/companies/lookup", s.authenticated(s.handleCompanyLookup))
	s.mux.Handle("/api/documents", s.authenticated(s.handleDocuments))
	s.mux.Handle("/api/documents/", s.authenticated(s.handleDocumentByID))
	s.mux.Handle("/api/documents/bulk-download-xml", s.authenticated(s.handleBulkDownloadXML))
	s.mux.Handle("/api/scrape/trigger", s.authenticated(s.handleScrapeTrigger))
	s.mux.Handle("/api/tickets", s.authenticated(s.handleTickets))

	// local invoice emission
	s.mux.Handle("/api/nfse/invoices", s.authenticated(s.handleInvoices))
	s.mux.Handle("/api/nfse/invoices/", s.authenticated(s.handleInvoiceByID))

	// upstream callbacks
	s.mux.HandleFunc("/webhooks/nfse", s.handleWebhook)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// portalFor builds an upstream client bound to the session's bearer token.
func (s *Server) portalFor(sess store.Session) *portal.Client {
	opts := []portal.Option{portal.WithToken(sess.UpstreamToken)}
	if s.upstreamHTTP != nil {
		opts = append(opts, portal.WithHTTPClient(s.upstreamHTTP))
	}
	return portal.NewClient(s.upstreamBase, opts...)
}

// unauthenticatedPortal is used only for login.
func (s *Server) unauthenticatedPortal() *portal.Client {
	var opts []portal.Option
	if s.upstreamHTTP != nil {
		opts = append(opts, portal.WithHTTPClient(s.upstreamHTTP))
	}
	return portal.NewClient(s.upstreamBase, opts...)
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, store.Session)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.audit(r, "portal.authorize", "fail", "reason", "missing_token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		sess, err := s.sessions.GetSession(token)
		if err != nil {
			s.audit(r, "portal.authorize", "fail", "reason", "invalid_session")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, sess)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.proxies),
		"request_id", util.RequestIDFromRequest(r),
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		slog.Info("security_event", logAttrs...)
		return
	}
	slog.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindow, msg string) bool {
	key := r.URL.Path + "|" + util.ClientIP(r, s.proxies)
	if limiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(limiter.RetryAfter().Seconds())))
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func normalizeMaxBytes(value int64) int64 {
	if value <= 0 {
		return 50 * 1024 * 1024
	}
	return value
}
