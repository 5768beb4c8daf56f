package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeAssistant is an in-process stand-in for the remote assistants
// API, covering the endpoints the pipeline touches.
type fakeAssistant struct {
	t  *testing.T
	mu sync.Mutex

	threadSeq int
	runSeq    int
	fileSeq   int

	// thread id -> posted message texts
	messages map[string][]string
	// thread ids whose runs should end failed
	failThreads map[string]bool
	// substring that marks a thread as failing when seen in a message
	failOnMessage string

	boundStores   []string
	uploadedFiles []string
	vectorFiles   map[string][]string

	server *httptest.Server
}

func newFakeAssistant(t *testing.T) *fakeAssistant {
	t.Helper()
	f := &fakeAssistant{
		t:           t,
		messages:    make(map[string][]string),
		failThreads: make(map[string]bool),
		vectorFiles: make(map[string][]string),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeAssistant) URL() string { return f.server.URL }

func (f *fakeAssistant) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := r.URL.Path
	switch {
	case r.Method == http.MethodPost && path == "/threads":
		f.threadSeq++
		writeFakeJSON(w, map[string]string{"id": fmt.Sprintf("thread-%d", f.threadSeq)})

	case r.Method == http.MethodPost && strings.HasSuffix(path, "/messages"):
		threadID := pathSegment(path, 1)
		var body struct {
			Content string `json:"content"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.messages[threadID] = append(f.messages[threadID], body.Content)
		if f.failOnMessage != "" && strings.Contains(body.Content, f.failOnMessage) {
			f.failThreads[threadID] = true
		}
		writeFakeJSON(w, map[string]string{"id": "msg-1"})

	case r.Method == http.MethodGet && strings.HasSuffix(path, "/messages"):
		threadID := pathSegment(path, 1)
		reply := fmt.Sprintf("Generated content for %s.", threadID)
		writeFakeJSON(w, map[string]any{
			"data": []map[string]any{{
				"id":   "msg-reply",
				"role": "assistant",
				"content": []map[string]any{{
					"type": "text",
					"text": map[string]string{"value": reply},
				}},
			}},
		})

	case r.Method == http.MethodPost && strings.HasSuffix(path, "/runs"):
		threadID := pathSegment(path, 1)
		f.runSeq++
		writeFakeJSON(w, map[string]any{
			"id":        fmt.Sprintf("run-%d", f.runSeq),
			"thread_id": threadID,
			"status":    "queued",
		})

	case r.Method == http.MethodGet && strings.Contains(path, "/runs/"):
		threadID := pathSegment(path, 1)
		status := "completed"
		if f.failThreads[threadID] {
			status = "failed"
		}
		writeFakeJSON(w, map[string]any{
			"id":        pathSegment(path, 3),
			"thread_id": threadID,
			"status":    status,
			"usage": map[string]int64{
				"prompt_tokens":     100,
				"completion_tokens": 50,
				"total_tokens":      150,
			},
		})

	case r.Method == http.MethodPost && path == "/files":
		_, _ = io.Copy(io.Discard, r.Body)
		f.fileSeq++
		id := fmt.Sprintf("file-%d", f.fileSeq)
		f.uploadedFiles = append(f.uploadedFiles, id)
		writeFakeJSON(w, map[string]string{"id": id})

	case r.Method == http.MethodDelete && strings.HasPrefix(path, "/files/"):
		writeFakeJSON(w, map[string]bool{"deleted": true})

	case r.Method == http.MethodGet && strings.Contains(path, "/vector_stores/") && strings.HasSuffix(path, "/files"):
		vsID := pathSegment(path, 1)
		data := make([]map[string]string, 0, len(f.vectorFiles[vsID]))
		for _, id := range f.vectorFiles[vsID] {
			data = append(data, map[string]string{"id": id})
		}
		writeFakeJSON(w, map[string]any{"data": data})

	case r.Method == http.MethodPost && strings.Contains(path, "/vector_stores/") && strings.HasSuffix(path, "/files"):
		vsID := pathSegment(path, 1)
		var body struct {
			FileID string `json:"file_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.vectorFiles[vsID] = append(f.vectorFiles[vsID], body.FileID)
		writeFakeJSON(w, map[string]string{"id": body.FileID})

	case r.Method == http.MethodDelete && strings.Contains(path, "/vector_stores/"):
		writeFakeJSON(w, map[string]bool{"deleted": true})

	case r.Method == http.MethodGet && strings.HasPrefix(path, "/assistants/"):
		writeFakeJSON(w, map[string]any{
			"id": pathSegment(path, 1),
			"tool_resources": map[string]any{
				"file_search": map[string]any{"vector_store_ids": f.boundStores},
			},
		})

	case r.Method == http.MethodPost && strings.HasPrefix(path, "/assistants/"):
		var body struct {
			ToolResources struct {
				FileSearch struct {
					VectorStoreIDs []string `json:"vector_store_ids"`
				} `json:"file_search"`
			} `json:"tool_resources"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.boundStores = body.ToolResources.FileSearch.VectorStoreIDs
		writeFakeJSON(w, map[string]string{"id": pathSegment(path, 1)})

	default:
		w.WriteHeader(http.StatusNotFound)
		writeFakeJSON(w, map[string]any{"error": map[string]string{"message": "no route: " + r.Method + " " + path}})
	}
}

func (f *fakeAssistant) uploaded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.uploadedFiles...)
}

func (f *fakeAssistant) bound() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.boundStores...)
}

func (f *fakeAssistant) setBound(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.boundStores = ids
}

func (f *fakeAssistant) setFailOnMessage(marker string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOnMessage = marker
}

// fakeArchive is an in-memory ArchiveStore that hands out stable
// presigned URLs for stored keys.
type fakeArchive struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{objects: make(map[string][]byte)}
}

func (f *fakeArchive) Archive(_ context.Context, fileID, fileName string, data []byte, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := "documents/" + fileID + "/" + fileName
	f.objects[key] = data
	return key, nil
}

func (f *fakeArchive) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[key]; !ok {
		return "", fmt.Errorf("no archived object %s", key)
	}
	return "https://archive.test/" + key, nil
}

func (f *fakeArchive) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func pathSegment(path string, idx int) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if idx < len(parts) {
		return parts[idx]
	}
	return ""
}

func writeFakeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
