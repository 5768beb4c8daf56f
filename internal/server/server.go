package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"parishai/internal/app"
	"parishai/internal/ratelimit"
	"parishai/internal/usertoken"
	"parishai/internal/util"
	"parishai/internal/wpauth"
	"parishai/pkg/domain"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                      *app.App
	Sessions                 *wpauth.Client
	AdminVerifier            *usertoken.Verifier
	RedisAddr                string
	RedisPassword            string
	ChatRateLimitPerMinute   int
	UploadRateLimitPerMinute int
	MaxUploadBytes           int64
	AllowedExtensions        []string
	TrustedProxies           *util.TrustedProxies
}

// Server exposes HTTP endpoints for the backend.
type Server struct {
	app               *app.App
	sessions          *wpauth.Client
	adminVerifier     *usertoken.Verifier
	mux               *http.ServeMux
	maxUploadBytes    int64
	allowedExtensions map[string]struct{}
	chatLimiter       *ratelimit.FixedWindowLimiter
	uploadLimiter     *ratelimit.FixedWindowLimiter
	trustedProxies    *util.TrustedProxies
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session client required")
	}
	chatLimit := cfg.ChatRateLimitPerMinute
	if chatLimit <= 0 {
		chatLimit = 60
	}
	uploadLimit := cfg.UploadRateLimitPerMinute
	if uploadLimit <= 0 {
		uploadLimit = 10
	}
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		prefix := "parishai:ratelimit:" + name
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	chatLimiter, err := newLimiter("chat", chatLimit)
	if err != nil {
		return nil, err
	}
	uploadLimiter, err := newLimiter("upload", uploadLimit)
	if err != nil {
		return nil, err
	}
	s := &Server{
		app:               cfg.App,
		sessions:          cfg.Sessions,
		adminVerifier:     cfg.AdminVerifier,
		mux:               http.NewServeMux(),
		maxUploadBytes:    normalizeMaxBytes(cfg.MaxUploadBytes),
		allowedExtensions: normalizeExtensions(cfg.AllowedExtensions),
		chatLimiter:       chatLimiter,
		uploadLimiter:     uploadLimiter,
		trustedProxies:    cfg.TrustedProxies,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("parishai", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// documents & generation (session required)
	s.mux.Handle("/api/documents", s.authenticated(s.handleDocuments))
	s.mux.Handle("/api/documents/", s.authenticated(s.handleDocumentByID))
	s.mux.Handle("/api/process-document", s.authenticated(s.handleProcessDocument))
	s.mux.Handle("/api/progress", s.authenticated(s.handleProgress))
	s.mux.Handle("/api/jobs/", s.authenticated(s.handleJobByID))
	s.mux.Handle("/api/chat", s.authenticated(s.handleChat))
	s.mux.Handle("/api/usage", s.authenticated(s.handleOwnUsage))

	// admin
	s.mux.Handle("/api/admin/prompts/", s.adminOnly(s.handlePromptByType))
	s.mux.Handle("/api/admin/usage/", s.adminOnly(s.handleAdminUsage))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authorize(r)
		if !ok {
			s.audit(r, "api.authorize", "fail")
			writeError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

// adminOnly accepts an admin-signed JWT when a verifier is configured,
// otherwise falls back to the session role.
func (s *Server) adminOnly(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminVerifier != nil {
			token, ok := sessionToken(r)
			if !ok {
				s.audit(r, "api.admin.authorize", "fail", "reason", "missing_token")
				writeError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}
			claims, err := s.adminVerifier.VerifyAdmin(token)
			if err != nil {
				s.audit(r, "api.admin.authorize", "fail", "reason", "invalid_admin_token")
				writeError(w, r, http.StatusForbidden, "forbidden")
				return
			}
			s.audit(r, "api.admin.authorize", "success", "user_id", claims.Subject)
			next(w, r, domain.User{ID: claims.Subject, Role: domain.RoleAdmin})
			return
		}
		user, ok := s.authorize(r)
		if !ok {
			s.audit(r, "api.admin.authorize", "fail")
			writeError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		if user.Role != domain.RoleAdmin {
			s.audit(r, "api.admin.authorize", "fail", "user_id", user.ID, "reason", "forbidden")
			writeError(w, r, http.StatusForbidden, "forbidden")
			return
		}
		s.audit(r, "api.admin.authorize", "success", "user_id", user.ID)
		next(w, r, user)
	})
}

func (s *Server) authorize(r *http.Request) (domain.User, bool) {
	token, ok := sessionToken(r)
	if !ok {
		return domain.User{}, false
	}
	user, err := s.sessions.ResolveSession(r.Context(), token)
	if err != nil {
		if !errors.Is(err, wpauth.ErrUnauthorized) {
			slog.Warn("session resolve failed", "path", r.URL.Path, "error", err)
		}
		return domain.User{}, false
	}
	return user, true
}

// /api/documents
func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodPost:
		s.handleUploadDocument(w, r, user)
	case http.MethodGet:
		s.handleListDocuments(w, r)
	default:
		methodNotAllowed(w, r)
	}
}

func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request, user domain.User) {
	if !s.allowRate(w, r, s.uploadLimiter, "too many uploads") {
		s.audit(r, "api.document.upload", "rate_limited", "user_id", user.ID)
		return
	}
	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid form data")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()
	if !s.isExtensionAllowed(header.Filename) {
		writeError(w, r, http.StatusBadRequest, "unsupported file type")
		return
	}
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "could not read file")
		return
	}

	rec, job, err := s.app.UploadDocument(r.Context(), app.UploadRequest{
		AssistantID:   r.FormValue("assistantId"),
		VectorStoreID: r.FormValue("vectorStoreId"),
		FileName:      header.Filename,
		ContentType:   header.Header.Get("Content-Type"),
		Data:          data,
		AccessType:    domain.AccessType(r.FormValue("accessType")),
		User:          user,
	})
	if err != nil {
		s.audit(r, "api.document.upload", "fail", "user_id", user.ID, "reason", err.Error())
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "api.document.upload", "success", "user_id", user.ID, "file_id", rec.FileID)
	writeJSON(w, http.StatusAccepted, uploadResponse{Document: rec, JobID: job.ID})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.app.ListDocuments(r.Context(), r.URL.Query().Get("assistantId"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": docs,
		"count": len(docs),
	})
}

// /api/documents/{id} or /api/documents/{id}/content
func (s *Server) handleDocumentByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	path := strings.TrimPrefix(r.URL.Path, "/api/documents/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}

	if len(parts) == 2 && parts[1] == "content" {
		s.handleDocumentContent(w, r, id)
		return
	}
	if len(parts) == 2 && parts[1] == "download" {
		s.handleDocumentDownload(w, r, id)
		return
	}
	if len(parts) == 2 {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		doc, err := s.app.GetDocument(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	case http.MethodDelete:
		// Deletion drops the remote file and vector store binding too,
		// so it is reserved for admins.
		if user.Role != domain.RoleAdmin {
			s.audit(r, "api.document.delete", "fail", "user_id", user.ID, "reason", "forbidden")
			writeError(w, r, http.StatusForbidden, "forbidden")
			return
		}
		if err := s.app.DeleteDocument(r.Context(), id); err != nil {
			writeAppError(w, r, err)
			return
		}
		s.audit(r, "api.document.delete", "success", "user_id", user.ID, "file_id", id)
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w, r)
	}
}

// handleDocumentContent serves the generated content once settled:
// 202 while generation is pending, 422 when it failed terminally.
func (s *Server) handleDocumentContent(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	doc, err := s.app.GetDocument(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	switch doc.GenerationStatus {
	case domain.GenerationPending, domain.GenerationProcessing:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": string(doc.GenerationStatus)})
	case domain.GenerationFailed:
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"status": string(doc.GenerationStatus),
			"error":  doc.LastError,
		})
	default:
		writeJSON(w, http.StatusOK, contentResponse{
			FileID:     doc.FileID,
			Status:     doc.GenerationStatus,
			Summary:    doc.Summary,
			Devotional: doc.Devotional,
			BibleStudy: doc.BibleStudy,
			LaneErrors: doc.LaneErrors,
		})
	}
}

// handleDocumentDownload returns a pre-signed URL for the archived
// original upload.
func (s *Server) handleDocumentDownload(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	url, err := s.app.DownloadURL(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// /api/process-document
func (s *Server) handleProcessDocument(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	if !s.allowRate(w, r, s.uploadLimiter, "too many processing requests") {
		s.audit(r, "api.document.process", "rate_limited", "user_id", user.ID)
		return
	}
	var req processRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	job, err := s.app.Reprocess(r.Context(), req.FileID, req.VectorStoreID, req.FileName, user)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "api.document.process", "success", "user_id", user.ID, "job_id", job.ID)
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "jobId": job.ID, "status": job.Status})
}

// /api/progress?vectorStoreId=...&fileName=...
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	q := r.URL.Query()
	progress, err := s.app.Progress(r.Context(), q.Get("vectorStoreId"), q.Get("fileName"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

// /api/jobs/{id}
func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	progress, err := s.app.JobProgress(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

// /api/chat
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	if !s.allowRate(w, r, s.chatLimiter, "too many chat requests") {
		s.audit(r, "api.chat", "rate_limited", "user_id", user.ID)
		return
	}
	var req chatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	reply, err := s.app.ChatTurn(r.Context(), app.ChatRequest{
		AssistantID: req.AssistantID,
		ThreadID:    req.ThreadID,
		Message:     req.Message,
		User:        user,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// /api/usage — the caller's own monthly aggregate.
func (s *Server) handleOwnUsage(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	usage, err := s.app.Usage(r.Context(), user.ID, r.URL.Query().Get("month"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

// /api/admin/prompts/{contentType}
func (s *Server) handlePromptByType(w http.ResponseWriter, r *http.Request, user domain.User) {
	ct := strings.TrimPrefix(r.URL.Path, "/api/admin/prompts/")
	if ct == "" || strings.Contains(ct, "/") {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		text, err := s.app.ResolvePrompt(r.Context(), domain.ContentType(ct), r.URL.Query().Get("unitId"))
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, promptResponse{
			ContentType: ct,
			UnitID:      r.URL.Query().Get("unitId"),
			Text:        text,
		})
	case http.MethodPut:
		var req promptUpdateRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := s.app.SavePrompt(r.Context(), domain.ContentType(ct), req.UnitID, req.Text); err != nil {
			writeAppError(w, r, err)
			return
		}
		s.audit(r, "api.prompt.update", "success", "user_id", user.ID, "content_type", ct)
		writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
	default:
		methodNotAllowed(w, r)
	}
}

// /api/admin/usage/{userId} or /api/admin/usage/{userId}/reset
func (s *Server) handleAdminUsage(w http.ResponseWriter, r *http.Request, admin domain.User) {
	path := strings.TrimPrefix(r.URL.Path, "/api/admin/usage/")
	parts := strings.SplitN(path, "/", 2)
	userID := parts[0]
	if userID == "" {
		http.NotFound(w, r)
		return
	}
	month := r.URL.Query().Get("month")

	if len(parts) == 2 && parts[1] == "reset" {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r)
			return
		}
		if err := s.app.ResetUsage(r.Context(), userID, month); err != nil {
			writeAppError(w, r, err)
			return
		}
		s.audit(r, "api.usage.reset", "success", "user_id", admin.ID, "target_user_id", userID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
		return
	}
	if len(parts) == 2 {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	usage, err := s.app.Usage(r.Context(), userID, month)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

type chatRequest struct {
	AssistantID string `json:"assistantId"`
	ThreadID    string `json:"threadId,omitempty"`
	Message     string `json:"message"`
}

type processRequest struct {
	FileID        string `json:"fileId,omitempty"`
	VectorStoreID string `json:"vectorStoreId,omitempty"`
	FileName      string `json:"fileName,omitempty"`
}

type uploadResponse struct {
	Document domain.DocumentRecord `json:"document"`
	JobID    string                `json:"jobId"`
}

type contentResponse struct {
	FileID     string                  `json:"fileId"`
	Status     domain.GenerationStatus `json:"status"`
	Summary    string                  `json:"summary,omitempty"`
	Devotional string                  `json:"devotional,omitempty"`
	BibleStudy string                  `json:"bibleStudy,omitempty"`
	LaneErrors map[string]string       `json:"laneErrors,omitempty"`
}

type promptResponse struct {
	ContentType string `json:"contentType"`
	UnitID      string `json:"unitId,omitempty"`
	Text        string `json:"text"`
}

type promptUpdateRequest struct {
	UnitID string `json:"unitId,omitempty"`
	Text   string `json:"text"`
}

// sessionToken reads the member session token from the Authorization
// header or, for clients that cannot set it, X-Session-Token.
func sessionToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if token != "" {
			return token, true
		}
	}
	if token := strings.TrimSpace(r.Header.Get("X-Session-Token")); token != "" {
		return token, true
	}
	return "", false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeErrorCode(w, r, status, codeForStatus(status), msg)
}

func writeErrorCode(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, map[string]string{
		"error":     msg,
		"code":      code,
		"requestId": util.RequestIDFromRequest(r),
	})
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "validation_error"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusUnprocessableEntity:
		return "generation_failed"
	case http.StatusTooManyRequests:
		return "rate_limited"
	default:
		return "internal_error"
	}
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrDuplicateFileName):
		writeErrorCode(w, r, http.StatusBadRequest, "duplicate_file_name", err.Error())
	case errors.Is(err, app.ErrValidation):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, wpauth.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
	default:
		slog.Error("request failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func normalizeMaxBytes(value int64) int64 {
	if value <= 0 {
		return 25 * 1024 * 1024
	}
	return value
}

func normalizeExtensions(exts []string) map[string]struct{} {
	if len(exts) == 0 {
		exts = []string{".pdf", ".txt", ".md", ".html"}
	}
	out := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out[ext] = struct{}{}
	}
	return out
}

func (s *Server) isExtensionAllowed(filename string) bool {
	if len(s.allowedExtensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(filename))
	_, ok := s.allowedExtensions[ext]
	return ok
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trustedProxies),
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		slog.Info("security_event", logAttrs...)
		return
	}
	slog.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	key := r.URL.Path + "|" + util.ClientIP(r, s.trustedProxies)
	if limiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, r, http.StatusTooManyRequests, msg)
	return false
}
