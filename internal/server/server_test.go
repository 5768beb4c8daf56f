package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"parishai/internal/app"
	"parishai/internal/wpauth"
	"parishai/pkg/assistant"
	"parishai/pkg/domain"
	"parishai/pkg/prompt"
	"parishai/pkg/queue"
	"parishai/pkg/store"
)

type serverEnv struct {
	srv   *httptest.Server
	store *store.MemoryStore
}

// newServerEnv wires a server against a memory store and a stub
// session endpoint. "member-token" resolves to a regular member,
// "admin-token" to an admin; anything else is rejected.
func newServerEnv(t *testing.T, chatLimit int) *serverEnv {
	t.Helper()

	sessionSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ") {
		case "member-token":
			_ = json.NewEncoder(w).Encode(domain.User{ID: "user-1", Role: domain.RoleUser, UnitID: "unit-1"})
		case "admin-token":
			_ = json.NewEncoder(w).Encode(domain.User{ID: "admin-1", Role: domain.RoleAdmin})
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	t.Cleanup(sessionSrv.Close)

	// Never reached by these tests; routes under test settle before any
	// remote assistant call.
	assistantSrv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(assistantSrv.Close)
	client, err := assistant.New(assistant.Config{BaseURL: assistantSrv.URL, APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("new assistant client: %v", err)
	}

	redisSrv := miniredis.RunT(t)
	q, err := queue.NewRedisJobQueue(queue.Config{Addr: redisSrv.Addr(), Stream: "test:generation"})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	st := store.NewMemoryStore()
	logger := slog.New(slog.DiscardHandler)
	application, err := app.New(app.Config{
		Store:     st,
		Assistant: client,
		Queue:     q,
		Prompts:   prompt.NewResolver(st, logger, time.Minute),
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	sessions, err := wpauth.NewClient(sessionSrv.URL, nil)
	if err != nil {
		t.Fatalf("new session client: %v", err)
	}
	s, err := New(Config{
		App:                    application,
		Sessions:               sessions,
		RedisAddr:              redisSrv.Addr(),
		ChatRateLimitPerMinute: chatLimit,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &serverEnv{srv: srv, store: st}
}

func doRequest(t *testing.T, method, url, token string, body []byte, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRoutesRequireSession(t *testing.T) {
	env := newServerEnv(t, 0)
	paths := []string{
		"/api/documents?assistantId=asst-1",
		"/api/progress?vectorStoreId=vs-1&fileName=a.txt",
		"/api/usage",
	}
	for _, p := range paths {
		resp := doRequest(t, http.MethodGet, env.srv.URL+p, "", nil, "")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s without session expected 401, got %d", p, resp.StatusCode)
		}
	}
	resp := doRequest(t, http.MethodGet, env.srv.URL+"/api/usage", "bogus-token", nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("rejected session expected 401, got %d", resp.StatusCode)
	}
}

func TestAdminRouteRequiresAdminRole(t *testing.T) {
	env := newServerEnv(t, 0)

	resp := doRequest(t, http.MethodGet, env.srv.URL+"/api/admin/prompts/summary", "member-token", nil, "")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("member on admin route expected 403, got %d", resp.StatusCode)
	}

	resp = doRequest(t, http.MethodGet, env.srv.URL+"/api/admin/prompts/summary", "admin-token", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin expected 200, got %d", resp.StatusCode)
	}
	var got struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode prompt: %v", err)
	}
	if got.Text == "" {
		t.Fatalf("expected default prompt text")
	}
}

func TestSavePromptRejectsUnusableText(t *testing.T) {
	env := newServerEnv(t, 0)
	body, _ := json.Marshal(map[string]string{"text": "short"})
	resp := doRequest(t, http.MethodPut, env.srv.URL+"/api/admin/prompts/summary", "admin-token", body, "application/json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unusable prompt expected 400, got %d", resp.StatusCode)
	}

	body, _ = json.Marshal(map[string]string{"text": "Summarize the sermon with its key scripture references and closing points."})
	resp = doRequest(t, http.MethodPut, env.srv.URL+"/api/admin/prompts/summary", "admin-token", body, "application/json")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save prompt expected 200, got %d", resp.StatusCode)
	}
}

func TestUploadRejectsUnsupportedExtension(t *testing.T) {
	env := newServerEnv(t, 0)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("assistantId", "asst-1")
	_ = mw.WriteField("vectorStoreId", "vs-1")
	fw, err := mw.CreateFormFile("file", "sermon.exe")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = fw.Write([]byte("payload"))
	_ = mw.Close()

	resp := doRequest(t, http.MethodPost, env.srv.URL+"/api/documents", "member-token", buf.Bytes(), mw.FormDataContentType())
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unsupported extension expected 400, got %d", resp.StatusCode)
	}
}

func TestProgressValidation(t *testing.T) {
	env := newServerEnv(t, 0)

	resp := doRequest(t, http.MethodGet, env.srv.URL+"/api/progress", "member-token", nil, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing params expected 400, got %d", resp.StatusCode)
	}

	resp = doRequest(t, http.MethodGet, env.srv.URL+"/api/progress?vectorStoreId=vs-1&fileName=missing.txt", "member-token", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("progress expected 200, got %d", resp.StatusCode)
	}
	var got struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode progress: %v", err)
	}
	if got.Status != "unknown" {
		t.Fatalf("status = %q, want unknown", got.Status)
	}
}

func TestProcessDocumentNotFound(t *testing.T) {
	env := newServerEnv(t, 0)
	body, _ := json.Marshal(map[string]string{"fileId": "file-missing"})
	resp := doRequest(t, http.MethodPost, env.srv.URL+"/api/process-document", "member-token", body, "application/json")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown file expected 404, got %d", resp.StatusCode)
	}
}

func TestDocumentContentLifecycle(t *testing.T) {
	env := newServerEnv(t, 0)
	ctx := t.Context()

	seed := func(id string, status domain.GenerationStatus, summary string) {
		rec := domain.DocumentRecord{
			FileID:           id,
			AssistantID:      "asst-1",
			VectorStoreID:    "vs-1",
			FileName:         id + ".txt",
			GenerationStatus: status,
			Summary:          summary,
			Devotional:       summary,
			BibleStudy:       summary,
			LastError:        "generation blew up",
		}
		if err := env.store.InsertDocument(ctx, rec); err != nil {
			t.Fatalf("seed document: %v", err)
		}
	}
	seed("file-pending", domain.GenerationPending, "")
	seed("file-failed", domain.GenerationFailed, "")
	seed("file-done", domain.GenerationCompleted, "Summary text.")

	cases := []struct {
		id   string
		want int
	}{
		{"file-pending", http.StatusAccepted},
		{"file-failed", http.StatusUnprocessableEntity},
		{"file-done", http.StatusOK},
		{"file-missing", http.StatusNotFound},
	}
	for _, tc := range cases {
		resp := doRequest(t, http.MethodGet, env.srv.URL+"/api/documents/"+tc.id+"/content", "member-token", nil, "")
		if resp.StatusCode != tc.want {
			t.Fatalf("content for %s expected %d, got %d", tc.id, tc.want, resp.StatusCode)
		}
	}
}

func TestDocumentDownloadRoute(t *testing.T) {
	env := newServerEnv(t, 0)
	rec := domain.DocumentRecord{
		FileID:           "file-1",
		AssistantID:      "asst-1",
		VectorStoreID:    "vs-1",
		FileName:         "sermon.txt",
		GenerationStatus: domain.GenerationCompleted,
	}
	if err := env.store.InsertDocument(t.Context(), rec); err != nil {
		t.Fatalf("seed document: %v", err)
	}

	resp := doRequest(t, http.MethodGet, env.srv.URL+"/api/documents/file-1/download", "", nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("download without session expected 401, got %d", resp.StatusCode)
	}

	// No object storage behind this server, so there is nothing to link.
	resp = doRequest(t, http.MethodGet, env.srv.URL+"/api/documents/file-1/download", "member-token", nil, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unarchived document expected 404, got %d", resp.StatusCode)
	}

	resp = doRequest(t, http.MethodGet, env.srv.URL+"/api/documents/file-missing/download", "member-token", nil, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing document expected 404, got %d", resp.StatusCode)
	}
}

func TestDeleteDocumentRequiresAdmin(t *testing.T) {
	env := newServerEnv(t, 0)
	rec := domain.DocumentRecord{
		FileID:           "file-1",
		AssistantID:      "asst-1",
		VectorStoreID:    "vs-1",
		FileName:         "sermon.txt",
		GenerationStatus: domain.GenerationCompleted,
	}
	if err := env.store.InsertDocument(t.Context(), rec); err != nil {
		t.Fatalf("seed document: %v", err)
	}

	resp := doRequest(t, http.MethodDelete, env.srv.URL+"/api/documents/file-1", "member-token", nil, "")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("member delete expected 403, got %d", resp.StatusCode)
	}

	// Remote cleanup is best-effort, so the stub assistant's 404s do
	// not block the local delete.
	resp = doRequest(t, http.MethodDelete, env.srv.URL+"/api/documents/file-1", "admin-token", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin delete expected 200, got %d", resp.StatusCode)
	}
	if _, found, _ := env.store.GetDocument(t.Context(), "file-1"); found {
		t.Fatalf("record should be gone after delete")
	}
}

func TestChatRateLimit(t *testing.T) {
	env := newServerEnv(t, 1)

	// The limiter runs before body validation, so empty bodies serve.
	resp := doRequest(t, http.MethodPost, env.srv.URL+"/api/chat", "member-token", nil, "application/json")
	if resp.StatusCode == http.StatusTooManyRequests {
		t.Fatalf("first chat request should pass the limiter")
	}
	resp = doRequest(t, http.MethodPost, env.srv.URL+"/api/chat", "member-token", nil, "application/json")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second chat request expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("429 should carry Retry-After")
	}
}

func TestHealthz(t *testing.T) {
	env := newServerEnv(t, 0)
	resp := doRequest(t, http.MethodGet, env.srv.URL+"/healthz", "", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("request id header missing")
	}
}
