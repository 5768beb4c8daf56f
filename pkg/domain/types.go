package domain

import "time"

// GenerationStatus tracks the lifecycle of derived content for a document.
type GenerationStatus string

const (
	GenerationPending    GenerationStatus = "pending"
	GenerationProcessing GenerationStatus = "processing"
	GenerationCompleted  GenerationStatus = "completed"
	GenerationPartial    GenerationStatus = "partial"
	GenerationFailed     GenerationStatus = "failed"
)

// ContentType names one of the generation lanes run per document.
type ContentType string

const (
	ContentSummary    ContentType = "summary"
	ContentDevotional ContentType = "devotional"
	ContentBibleStudy ContentType = "bibleStudy"
)

// ContentTypes lists all generation lanes in a stable order.
func ContentTypes() []ContentType {
	return []ContentType{ContentSummary, ContentDevotional, ContentBibleStudy}
}

type AccessType string

const (
	AccessPublic     AccessType = "public"
	AccessRestricted AccessType = "restricted"
)

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

// DocumentRecord is one logical uploaded file and its derived content.
// FileID is the remote file identifier and the primary key; there is
// exactly one active record per FileID.
type DocumentRecord struct {
	FileID        string     `json:"fileId"`
	AssistantID   string     `json:"assistantId"`
	Timestamp     time.Time  `json:"timestamp"`
	FileName      string     `json:"fileName"`
	Title         string     `json:"title,omitempty"`
	PageCount     int        `json:"pageCount,omitempty"`
	VectorStoreID string     `json:"vectorStoreId"`
	UploaderID    string     `json:"uploaderId"`
	UnitID        string     `json:"unitId,omitempty"`
	AccessType    AccessType `json:"accessType"`
	StorageKey    string     `json:"-"`

	Summary    string `json:"summary,omitempty"`
	Devotional string `json:"devotional,omitempty"`
	BibleStudy string `json:"bibleStudy,omitempty"`

	GenerationStatus GenerationStatus  `json:"generationStatus"`
	LastError        string            `json:"lastError,omitempty"`
	LaneErrors       map[string]string `json:"laneErrors,omitempty"`
	ProcessingTimeMs int64             `json:"processingTimeMs,omitempty"`
	AttemptCount     int               `json:"attemptCount"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// ContentFor returns the generated text for one lane.
func (d DocumentRecord) ContentFor(ct ContentType) string {
	switch ct {
	case ContentSummary:
		return d.Summary
	case ContentDevotional:
		return d.Devotional
	case ContentBibleStudy:
		return d.BibleStudy
	}
	return ""
}

// ContentComplete reports whether all three lanes produced text.
func (d DocumentRecord) ContentComplete() bool {
	return d.Summary != "" && d.Devotional != "" && d.BibleStudy != ""
}

// PromptRecord holds instruction text for a content type, optionally
// qualified by unit (key "summary" or "summary.unit-42").
type PromptRecord struct {
	Key       string    `json:"key"`
	Text      string    `json:"text"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TokenUsage is the monthly billable aggregate for one user.
type TokenUsage struct {
	UserID           string    `json:"userId"`
	YearMonth        string    `json:"yearMonth"`
	PromptTokens     int64     `json:"promptTokens"`
	CompletionTokens int64     `json:"completionTokens"`
	TotalTokens      int64     `json:"totalTokens"`
	RetrievalTokens  int64     `json:"retrievalTokens"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// User is resolved from the external session endpoint.
type User struct {
	ID          string   `json:"id"`
	Email       string   `json:"email"`
	DisplayName string   `json:"displayName"`
	Role        UserRole `json:"role"`
	UnitID      string   `json:"unitId,omitempty"`
}
