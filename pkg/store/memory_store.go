package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"parishai/pkg/domain"
)

// MemoryStore is an in-memory Store used by tests and local runs.
type MemoryStore struct {
	mu      sync.Mutex
	docs    map[string]domain.DocumentRecord
	prompts map[string]domain.PromptRecord
	usage   map[string]domain.TokenUsage
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:    make(map[string]domain.DocumentRecord),
		prompts: make(map[string]domain.PromptRecord),
		usage:   make(map[string]domain.TokenUsage),
	}
}

func (s *MemoryStore) InsertDocument(_ context.Context, rec domain.DocumentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[rec.FileID]; ok {
		return ErrDocumentExists
	}
	rec.UpdatedAt = time.Now().UTC()
	s.docs[rec.FileID] = rec
	return nil
}

func (s *MemoryStore) GetDocument(_ context.Context, fileID string) (domain.DocumentRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.docs[fileID]
	return rec, ok, nil
}

func (s *MemoryStore) FindByVectorStoreFile(_ context.Context, vectorStoreID, fileName string) (domain.DocumentRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.docs {
		if rec.VectorStoreID == vectorStoreID && rec.FileName == fileName {
			return rec, true, nil
		}
	}
	return domain.DocumentRecord{}, false, nil
}

func (s *MemoryStore) HasFileName(_ context.Context, assistantID, fileName string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.docs {
		if rec.AssistantID == assistantID && sameFileName(rec.FileName, fileName) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) ListByAssistant(_ context.Context, assistantID string) ([]domain.DocumentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.DocumentRecord, 0)
	for _, rec := range s.docs {
		if rec.AssistantID == assistantID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryStore) MarkProcessing(_ context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.docs[fileID]
	if !ok {
		return ErrDocumentNotFound
	}
	rec.GenerationStatus = domain.GenerationProcessing
	rec.AttemptCount++
	rec.UpdatedAt = time.Now().UTC()
	s.docs[fileID] = rec
	return nil
}

func (s *MemoryStore) ApplyGeneration(_ context.Context, fileID string, update GenerationUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.docs[fileID]
	if !ok {
		return ErrDocumentNotFound
	}
	if update.Summary != "" {
		rec.Summary = update.Summary
	}
	if update.Devotional != "" {
		rec.Devotional = update.Devotional
	}
	if update.BibleStudy != "" {
		rec.BibleStudy = update.BibleStudy
	}
	rec.GenerationStatus = update.Status
	rec.LastError = update.LastError
	rec.LaneErrors = update.LaneErrors
	rec.ProcessingTimeMs = update.ProcessingTimeMs
	rec.UpdatedAt = time.Now().UTC()
	s.docs[fileID] = rec
	return nil
}

func (s *MemoryStore) DeleteDocument(_ context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, fileID)
	return nil
}

func (s *MemoryStore) GetPrompt(_ context.Context, key string) (domain.PromptRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.prompts[key]
	return rec, ok, nil
}

func (s *MemoryStore) SavePrompt(_ context.Context, rec domain.PromptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.UpdatedAt = time.Now().UTC()
	s.prompts[rec.Key] = rec
	return nil
}

func (s *MemoryStore) AddUsage(_ context.Context, userID, yearMonth string, delta domain.TokenUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := userID + "#" + yearMonth
	usage := s.usage[key]
	usage.UserID = userID
	usage.YearMonth = yearMonth
	usage.PromptTokens += delta.PromptTokens
	usage.CompletionTokens += delta.CompletionTokens
	usage.TotalTokens += delta.TotalTokens
	usage.RetrievalTokens += delta.RetrievalTokens
	usage.UpdatedAt = time.Now().UTC()
	s.usage[key] = usage
	return nil
}

func (s *MemoryStore) GetUsage(_ context.Context, userID, yearMonth string) (domain.TokenUsage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	usage, ok := s.usage[userID+"#"+yearMonth]
	return usage, ok, nil
}

func (s *MemoryStore) ResetUsage(_ context.Context, userID, yearMonth string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := userID + "#" + yearMonth
	if _, ok := s.usage[key]; !ok {
		return nil
	}
	s.usage[key] = domain.TokenUsage{
		UserID:    userID,
		YearMonth: yearMonth,
		UpdatedAt: time.Now().UTC(),
	}
	return nil
}
