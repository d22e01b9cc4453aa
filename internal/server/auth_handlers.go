package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"nfseportal/pkg/domain"
	"nfseportal/pkg/portal"
	"nfseportal/pkg/store"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	Token        string      `json:"token"`
	RefreshToken string      `json:"refreshToken"`
	User         domain.User `json:"user"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type logoutRequest struct {
	RefreshToken string `json:"refreshToken,omitempty"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "too many login attempts") {
		s.audit(r, "portal.login", "rate_limited")
		return
	}
	var req loginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.audit(r, "portal.login", "fail", "reason", "invalid_json")
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		s.audit(r, "portal.login", "fail", "reason", "missing_credentials")
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	result, err := s.unauthenticatedPortal().Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.audit(r, "portal.login", "fail", "reason", err.Error())
		if errors.Is(err, portal.ErrTokenMissing) {
			writeError(w, http.StatusBadGateway, "upstream login returned no token")
			return
		}
		writePortalError(w, err)
		return
	}

	user := domain.User{ID: result.User.ID, Email: result.User.Email, Name: result.User.Name}
	token, sess, err := s.sessions.NewSession(user, result.Tokens.AccessToken)
	if err != nil {
		s.audit(r, "portal.login", "fail", "reason", "session_store")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	refreshToken, err := s.refreshTokens.NewToken(sess.ID, s.refreshTTL)
	if err != nil {
		s.audit(r, "portal.login", "fail", "reason", "refresh_store")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.audit(r, "portal.login", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, authResponse{
		Token:        token,
		RefreshToken: refreshToken,
		User:         user,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req refreshRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, http.StatusBadRequest, "refreshToken is required")
		return
	}
	newRefresh, sessionID, err := s.refreshTokens.RotateToken(req.RefreshToken, s.refreshTTL)
	if err != nil {
		reason := "invalid"
		if errors.Is(err, store.ErrRefreshTokenReplay) {
			reason = "replay"
		}
		s.audit(r, "portal.refresh", "fail", "reason", reason)
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	token, sess, err := s.sessions.RenewSession(sessionID)
	if err != nil {
		s.audit(r, "portal.refresh", "fail", "reason", "session_gone")
		writeError(w, http.StatusUnauthorized, "session expired")
		return
	}
	s.audit(r, "portal.refresh", "success", "user_id", sess.User.ID)
	writeJSON(w, http.StatusOK, authResponse{
		Token:        token,
		RefreshToken: newRefresh,
		User:         sess.User,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req logoutRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if token, ok := bearerToken(r); ok {
		if err := s.sessions.DeleteSession(token); err != nil {
			s.audit(r, "portal.logout", "fail", "reason", "session_delete")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
	}
	if req.RefreshToken != "" {
		if err := s.refreshTokens.DeleteToken(req.RefreshToken); err != nil {
			s.audit(r, "portal.logout", "fail", "reason", "refresh_delete")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
	}
	s.audit(r, "portal.logout", "success")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, sess store.Session) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, sess.User)
}
