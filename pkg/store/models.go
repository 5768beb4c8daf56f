package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models for the Postgres backend.
type DocumentModel struct {
	FileID           string    `gorm:"primaryKey;column:file_id"`
	AssistantID      string    `gorm:"not null;index"`
	Timestamp        time.Time `gorm:"not null;index"`
	FileName         string    `gorm:"not null"`
	Title            string
	PageCount        int
	VectorStoreID    string `gorm:"index"`
	UploaderID       string
	UnitID           string
	AccessType       string
	StorageKey       string
	Summary          string `gorm:"type:text"`
	Devotional       string `gorm:"type:text"`
	BibleStudy       string `gorm:"type:text"`
	GenerationStatus string `gorm:"not null"`
	LastError        string
	LaneErrors       datatypes.JSON `gorm:"type:jsonb"`
	ProcessingTimeMs int64
	AttemptCount     int
	UpdatedAt        time.Time `gorm:"not null"`
}

type PromptModel struct {
	Key       string `gorm:"primaryKey;column:prompt_key"`
	Text      string `gorm:"type:text;not null"`
	UpdatedAt time.Time
}

type UsageModel struct {
	UserID           string `gorm:"primaryKey"`
	YearMonth        string `gorm:"primaryKey"`
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	RetrievalTokens  int64
	UpdatedAt        time.Time
}
