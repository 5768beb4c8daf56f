package store

import (
	"context"
	"errors"
	"strings"

	"parishai/pkg/domain"
)

// sameFileName compares upload filenames the way the duplicate check
// sees them: case-insensitive, ignoring surrounding whitespace. All
// backends use it so "Sermon.TXT" collides with "sermon.txt"
// everywhere.
func sameFileName(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// ErrDocumentExists is returned by InsertDocument when a record with the
// same fileId already exists. The fileId is the primary key, so the
// insert is conditional and never produces duplicates.
var ErrDocumentExists = errors.New("document record already exists")

// ErrDocumentNotFound is returned by targeted updates when no record
// exists for the fileId; updates never fall back to inserting.
var ErrDocumentNotFound = errors.New("document record not found")

// GenerationUpdate is the targeted field set written by the result
// persister when a generation pass settles. Empty content fields leave
// the stored value untouched.
type GenerationUpdate struct {
	Summary          string
	Devotional       string
	BibleStudy       string
	Status           domain.GenerationStatus
	LastError        string
	LaneErrors       map[string]string
	ProcessingTimeMs int64
}

// DocumentStore persists document records keyed by logical fileId.
type DocumentStore interface {
	// InsertDocument creates a record, failing with ErrDocumentExists
	// when the fileId is already present.
	InsertDocument(ctx context.Context, rec domain.DocumentRecord) error
	// GetDocument fetches by primary key.
	GetDocument(ctx context.Context, fileID string) (domain.DocumentRecord, bool, error)
	// FindByVectorStoreFile is the legacy lookup for records whose
	// fileId was not reliably populated; implemented as a filtered scan.
	FindByVectorStoreFile(ctx context.Context, vectorStoreID, fileName string) (domain.DocumentRecord, bool, error)
	// HasFileName reports whether an assistant already owns a document
	// with the given filename (duplicate-upload pre-flight).
	HasFileName(ctx context.Context, assistantID, fileName string) (bool, error)
	ListByAssistant(ctx context.Context, assistantID string) ([]domain.DocumentRecord, error)
	// MarkProcessing flips the record to processing and bumps attempts.
	MarkProcessing(ctx context.Context, fileID string) error
	// ApplyGeneration writes generation results to the existing record
	// only; a missing record is an error, never a second insert.
	ApplyGeneration(ctx context.Context, fileID string, update GenerationUpdate) error
	DeleteDocument(ctx context.Context, fileID string) error
}

// PromptStore persists instruction prompts keyed by content type,
// optionally unit-qualified ("summary.unit-42").
type PromptStore interface {
	GetPrompt(ctx context.Context, key string) (domain.PromptRecord, bool, error)
	SavePrompt(ctx context.Context, rec domain.PromptRecord) error
}

// UsageStore keeps monthly token aggregates per user. AddUsage is
// additive; ResetUsage zeroes one period.
type UsageStore interface {
	AddUsage(ctx context.Context, userID, yearMonth string, delta domain.TokenUsage) error
	GetUsage(ctx context.Context, userID, yearMonth string) (domain.TokenUsage, bool, error)
	ResetUsage(ctx context.Context, userID, yearMonth string) error
}

// Store bundles all persistence used by the service.
type Store interface {
	DocumentStore
	PromptStore
	UsageStore
}
