package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// ErrPollTimeout is returned when a run does not reach a terminal state
// within the configured attempt budget. The remote run is cancelled
// best-effort before this error surfaces.
var ErrPollTimeout = errors.New("run did not reach a terminal state in time")

// PollPolicy controls run polling backoff. Intervals grow by Multiplier
// per attempt up to MaxInterval, bounded by MaxAttempts.
type PollPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
}

func (p PollPolicy) withDefaults() PollPolicy {
	if p.InitialInterval <= 0 {
		p.InitialInterval = time.Second
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 10 * time.Second
	}
	if p.Multiplier <= 1 {
		p.Multiplier = 1.5
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 60
	}
	return p
}

// Config wires the remote assistant API client.
type Config struct {
	BaseURL    string
	APIKey     string
	Poll       PollPolicy
	HTTPClient *http.Client
}

// Client calls the remote Assistants/Threads/Runs/VectorStores API.
type Client struct {
	baseURL    string
	apiKey     string
	poll       PollPolicy
	httpClient *http.Client
}

// New builds a client. BaseURL should include the /v1 prefix.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("assistant api base URL required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		poll:       cfg.Poll.withDefaults(),
		httpClient: httpClient,
	}, nil
}

// APIError is a non-2xx response from the remote API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("assistant api: %s (status %d)", e.Message, e.Status)
	}
	return fmt.Sprintf("assistant api: status %d", e.Status)
}

// CreateThread opens a new conversation thread and returns its id.
func (c *Client) CreateThread(ctx context.Context) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/threads", map[string]any{}, &out); err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	return out.ID, nil
}

// PostMessage appends a message to a thread.
func (c *Client) PostMessage(ctx context.Context, threadID, role, text string) error {
	body := map[string]any{"role": role, "content": text}
	if err := c.do(ctx, http.MethodPost, "/threads/"+threadID+"/messages", body, nil); err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	return nil
}

// CreateRun starts a run of assistantID against the thread. A non-empty
// instructions string overrides the assistant's default instructions.
func (c *Client) CreateRun(ctx context.Context, threadID, assistantID, instructions string) (Run, error) {
	body := map[string]any{"assistant_id": assistantID}
	if strings.TrimSpace(instructions) != "" {
		body["instructions"] = instructions
	}
	var run Run
	if err := c.do(ctx, http.MethodPost, "/threads/"+threadID+"/runs", body, &run); err != nil {
		return Run{}, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

// RetrieveRun fetches the current state of a run.
func (c *Client) RetrieveRun(ctx context.Context, threadID, runID string) (Run, error) {
	var run Run
	if err := c.do(ctx, http.MethodGet, "/threads/"+threadID+"/runs/"+runID, nil, &run); err != nil {
		return Run{}, fmt.Errorf("retrieve run: %w", err)
	}
	return run, nil
}

// CancelRun asks the remote API to cancel an in-flight run.
func (c *Client) CancelRun(ctx context.Context, threadID, runID string) error {
	if err := c.do(ctx, http.MethodPost, "/threads/"+threadID+"/runs/"+runID+"/cancel", map[string]any{}, nil); err != nil {
		return fmt.Errorf("cancel run: %w", err)
	}
	return nil
}

// PollRun polls a run to a terminal state. Terminal states are
// completed/failed/cancelled/expired; requires_action also terminates
// polling when allowRequiresAction is set (interactive chat). On budget
// exhaustion the run is cancelled best-effort and ErrPollTimeout is
// returned wrapped.
func (c *Client) PollRun(ctx context.Context, threadID, runID string, allowRequiresAction bool) (Run, error) {
	interval := c.poll.InitialInterval
	for attempt := 0; attempt < c.poll.MaxAttempts; attempt++ {
		run, err := c.RetrieveRun(ctx, threadID, runID)
		if err != nil {
			return Run{}, err
		}
		if runTerminal(run.Status, allowRequiresAction) {
			return run, nil
		}
		select {
		case <-ctx.Done():
			c.cancelAbandoned(threadID, runID)
			return Run{}, ctx.Err()
		case <-time.After(interval):
		}
		interval = time.Duration(float64(interval) * c.poll.Multiplier)
		if interval > c.poll.MaxInterval {
			interval = c.poll.MaxInterval
		}
	}
	c.cancelAbandoned(threadID, runID)
	return Run{}, fmt.Errorf("poll run %s: %w", runID, ErrPollTimeout)
}

// cancelAbandoned frees the remote run when the local caller gives up.
func (c *Client) cancelAbandoned(threadID, runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = c.CancelRun(ctx, threadID, runID)
}

func runTerminal(status string, allowRequiresAction bool) bool {
	switch status {
	case RunCompleted, RunFailed, RunCancelled, RunExpired:
		return true
	case RunRequiresAction:
		return allowRequiresAction
	}
	return false
}

// LatestAssistantMessage returns the text of the newest assistant
// message on a thread.
func (c *Client) LatestAssistantMessage(ctx context.Context, threadID string) (string, error) {
	var out struct {
		Data []Message `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/threads/"+threadID+"/messages?order=desc&limit=10", nil, &out); err != nil {
		return "", fmt.Errorf("list messages: %w", err)
	}
	for _, msg := range out.Data {
		if msg.Role != "assistant" {
			continue
		}
		if text := strings.TrimSpace(msg.PlainText()); text != "" {
			return text, nil
		}
	}
	return "", errors.New("thread has no assistant reply")
}

// UploadFile uploads a file for assistant retrieval and returns its id.
func (c *Client) UploadFile(ctx context.Context, fileName string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", err
	}
	if err := mw.WriteField("purpose", "assistants"); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.setAuth(req)
	var out struct {
		ID string `json:"id"`
	}
	if err := c.send(req, &out); err != nil {
		return "", fmt.Errorf("upload file: %w", err)
	}
	return out.ID, nil
}

// DeleteFile removes a remote file.
func (c *Client) DeleteFile(ctx context.Context, fileID string) error {
	if err := c.do(ctx, http.MethodDelete, "/files/"+fileID, nil, nil); err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

// AddVectorStoreFile attaches a file to a vector store.
func (c *Client) AddVectorStoreFile(ctx context.Context, vectorStoreID, fileID string) error {
	body := map[string]any{"file_id": fileID}
	if err := c.do(ctx, http.MethodPost, "/vector_stores/"+vectorStoreID+"/files", body, nil); err != nil {
		return fmt.Errorf("add vector store file: %w", err)
	}
	return nil
}

// ListVectorStoreFiles returns the file ids attached to a vector store.
func (c *Client) ListVectorStoreFiles(ctx context.Context, vectorStoreID string) ([]string, error) {
	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/vector_stores/"+vectorStoreID+"/files", nil, &out); err != nil {
		return nil, fmt.Errorf("list vector store files: %w", err)
	}
	ids := make([]string, 0, len(out.Data))
	for _, f := range out.Data {
		ids = append(ids, f.ID)
	}
	return ids, nil
}

// RemoveVectorStoreFile detaches a file from a vector store.
func (c *Client) RemoveVectorStoreFile(ctx context.Context, vectorStoreID, fileID string) error {
	if err := c.do(ctx, http.MethodDelete, "/vector_stores/"+vectorStoreID+"/files/"+fileID, nil, nil); err != nil {
		return fmt.Errorf("remove vector store file: %w", err)
	}
	return nil
}

// RetrieveAssistant fetches the remote assistant configuration.
func (c *Client) RetrieveAssistant(ctx context.Context, assistantID string) (Assistant, error) {
	var a Assistant
	if err := c.do(ctx, http.MethodGet, "/assistants/"+assistantID, nil, &a); err != nil {
		return Assistant{}, fmt.Errorf("retrieve assistant: %w", err)
	}
	return a, nil
}

// UpdateAssistantVectorStores replaces the assistant's bound vector
// store set.
func (c *Client) UpdateAssistantVectorStores(ctx context.Context, assistantID string, vectorStoreIDs []string) error {
	body := map[string]any{
		"tool_resources": map[string]any{
			"file_search": map[string]any{"vector_store_ids": vectorStoreIDs},
		},
	}
	if err := c.do(ctx, http.MethodPost, "/assistants/"+assistantID, body, nil); err != nil {
		return fmt.Errorf("update assistant: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuth(req)
	return c.send(req, out)
}

func (c *Client) setAuth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("OpenAI-Beta", "assistants=v2")
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("assistant api request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp apiErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return &APIError{
			Status:  resp.StatusCode,
			Code:    errResp.Error.Code,
			Message: errResp.Error.Message,
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("assistant api decode: %w", err)
	}
	return nil
}
