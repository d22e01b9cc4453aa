package server

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"nfseportal/internal/processing"
	"nfseportal/pkg/store"
)

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request, sess store.Session) {
	switch r.Method {
	case http.MethodGet:
		conversations, err := s.chat.ListConversations(sess.User.ID)
		if err != nil {
			writeChatError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": conversations,
			"count": len(conversations),
		})
	case http.MethodPost:
		conv, err := s.chat.CreateConversation(sess.User.ID)
		if err != nil {
			writeChatError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, conv)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleCurrentConversation(w http.ResponseWriter, r *http.Request, sess store.Session) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	conv, ok, err := s.chat.Current(sess.User.ID)
	if err != nil {
		writeChatError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no conversation selected")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// /api/conversations/{id} and /api/conversations/{id}/select
func (s *Server) handleConversationByID(w http.ResponseWriter, r *http.Request, sess store.Session) {
	path := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}

	if len(parts) == 2 {
		if parts[1] == "select" && r.Method == http.MethodPost {
			if err := s.chat.SelectConversation(sess.User.ID, id); err != nil {
				writeChatError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "selected"})
			return
		}
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		conv, err := s.chat.GetConversation(sess.User.ID, id)
		if err != nil {
			writeChatError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	case http.MethodPatch:
		var req struct {
			Title string `json:"title"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if strings.TrimSpace(req.Title) == "" {
			writeError(w, http.StatusBadRequest, "title is required")
			return
		}
		conv, err := s.chat.RenameConversation(sess.User.ID, id, req.Title)
		if err != nil {
			writeChatError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	case http.MethodDelete:
		if err := s.chat.DeleteConversation(sess.User.ID, id); err != nil {
			writeChatError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

// handleChatMessages accepts either a JSON body (text turn, optionally
// streamed as SSE) or a multipart form with a files field (processing turn).
func (s *Server) handleChatMessages(w http.ResponseWriter, r *http.Request, sess store.Session) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		s.handleChatUpload(w, r, sess)
		return
	}

	var req struct {
		ConversationID string `json:"conversationId"`
		Content        string `json:"content"`
		Stream         bool   `json:"stream"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	if req.Stream {
		s.streamChatMessage(w, r, sess, req.ConversationID, req.Content)
		return
	}
	conv, err := s.chat.SendMessage(r.Context(), s.portalFor(sess), sess.User.ID, req.ConversationID, req.Content, nil, nil)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) streamChatMessage(w http.ResponseWriter, r *http.Request, sess store.Session, conversationID, content string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent := func(payload any) {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		w.Write([]byte("data: "))
		w.Write(data)
		w.Write([]byte("\n\n"))
		flusher.Flush()
	}

	conv, err := s.chat.SendMessage(r.Context(), s.portalFor(sess), sess.User.ID, conversationID, content, nil, func(delta string) {
		writeEvent(map[string]string{"delta": delta})
	})
	if err != nil {
		writeEvent(map[string]string{"error": "generation failed"})
		return
	}
	writeEvent(map[string]any{"done": true, "conversation": conv})
}

func (s *Server) handleChatUpload(w http.ResponseWriter, r *http.Request, sess store.Session) {
	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	conversationID := r.FormValue("conversationId")
	content := r.FormValue("content")

	if r.MultipartForm == nil || len(r.MultipartForm.File["files"]) == 0 {
		writeError(w, http.StatusBadRequest, "at least one file is required (field: files)")
		return
	}
	uploads := make([]processing.Upload, 0, len(r.MultipartForm.File["files"]))
	for _, header := range r.MultipartForm.File["files"] {
		file, err := header.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid form data")
			return
		}
		data, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid form data")
			return
		}
		uploads = append(uploads, processing.Upload{
			Name:     header.Filename,
			MimeType: header.Header.Get("Content-Type"),
			Data:     data,
		})
	}

	conv, err := s.chat.SendMessage(r.Context(), s.portalFor(sess), sess.User.ID, conversationID, content, uploads, nil)
	if err != nil {
		// A settled batch still has a conversation with the error summary;
		// return it so the client can render the failed state.
		if conv.ID != "" {
			writeJSON(w, http.StatusOK, conv)
			return
		}
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, sess store.Session) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	stats, err := s.chat.Stats(sess.User.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleZipDownload serves a completed batch's archive. With object storage
// configured the artifact is cached and the client is redirected to a
// presigned URL; otherwise the zip streams through from upstream.
func (s *Server) handleZipDownload(w http.ResponseWriter, r *http.Request, sess store.Session) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	zipID := strings.TrimPrefix(r.URL.Path, "/api/files/zip/")
	if zipID == "" || strings.Contains(zipID, "/") {
		http.NotFound(w, r)
		return
	}
	client := s.portalFor(sess)
	if s.archive != nil {
		url, err := s.archive.ZipURL(r.Context(), client, zipID)
		if err != nil {
			writePortalError(w, err)
			return
		}
		http.Redirect(w, r, url, http.StatusTemporaryRedirect)
		return
	}
	body, size, err := client.DownloadZip(r.Context(), zipID)
	if err != nil {
		writePortalError(w, err)
		return
	}
	defer body.Close()
	streamAttachment(w, body, size, "application/zip", zipID+".zip")
}

func streamAttachment(w http.ResponseWriter, body io.Reader, size int64, contentType, filename string) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	io.Copy(w, body)
}
