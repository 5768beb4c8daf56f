package assistant

// Run statuses reported by the remote API.
const (
	RunQueued         = "queued"
	RunInProgress     = "in_progress"
	RunRequiresAction = "requires_action"
	RunCompleted      = "completed"
	RunFailed         = "failed"
	RunCancelled      = "cancelled"
	RunExpired        = "expired"
)

// Run is one execution of an assistant against a thread.
type Run struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Status    string    `json:"status"`
	LastError *RunError `json:"last_error,omitempty"`
	Usage     *Usage    `json:"usage,omitempty"`
}

type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Usage reports token consumption for a run.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Add accumulates another run's usage into u.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Message is one entry in a thread.
type Message struct {
	ID      string           `json:"id"`
	Role    string           `json:"role"`
	Content []MessageContent `json:"content"`
}

type MessageContent struct {
	Type string       `json:"type"`
	Text *MessageText `json:"text,omitempty"`
}

type MessageText struct {
	Value string `json:"value"`
}

// PlainText concatenates the text parts of a message.
func (m Message) PlainText() string {
	out := ""
	for _, part := range m.Content {
		if part.Type != "text" || part.Text == nil {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += part.Text.Value
	}
	return out
}

// Assistant is the remote assistant configuration subset this service reads.
type Assistant struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	ToolResources *ToolResources `json:"tool_resources,omitempty"`
}

type ToolResources struct {
	FileSearch *FileSearchResources `json:"file_search,omitempty"`
}

type FileSearchResources struct {
	VectorStoreIDs []string `json:"vector_store_ids"`
}

// BoundVectorStores returns the vector store ids attached to the
// assistant's file_search tool.
func (a Assistant) BoundVectorStores() []string {
	if a.ToolResources == nil || a.ToolResources.FileSearch == nil {
		return nil
	}
	return a.ToolResources.FileSearch.VectorStoreIDs
}

type apiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}
