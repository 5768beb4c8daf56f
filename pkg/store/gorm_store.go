package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"parishai/pkg/domain"
)

// GormStore implements Store on Postgres for self-hosted deployments.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&DocumentModel{}, &PromptModel{}, &UsageModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) InsertDocument(ctx context.Context, rec domain.DocumentRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	model := documentToModel(rec)
	tx := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if tx.Error != nil {
		return fmt.Errorf("insert document: %w", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return ErrDocumentExists
	}
	return nil
}

func (s *GormStore) GetDocument(ctx context.Context, fileID string) (domain.DocumentRecord, bool, error) {
	var model DocumentModel
	if err := s.db.WithContext(ctx).First(&model, "file_id = ?", fileID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.DocumentRecord{}, false, nil
		}
		return domain.DocumentRecord{}, false, err
	}
	return documentFromModel(model), true, nil
}

func (s *GormStore) FindByVectorStoreFile(ctx context.Context, vectorStoreID, fileName string) (domain.DocumentRecord, bool, error) {
	var model DocumentModel
	err := s.db.WithContext(ctx).
		Where("vector_store_id = ? AND file_name = ?", vectorStoreID, fileName).
		Order("timestamp DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.DocumentRecord{}, false, nil
		}
		return domain.DocumentRecord{}, false, err
	}
	return documentFromModel(model), true, nil
}

func (s *GormStore) HasFileName(ctx context.Context, assistantID, fileName string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&DocumentModel{}).
		Where("assistant_id = ? AND LOWER(file_name) = LOWER(?)", assistantID, fileName).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *GormStore) ListByAssistant(ctx context.Context, assistantID string) ([]domain.DocumentRecord, error) {
	var models []DocumentModel
	err := s.db.WithContext(ctx).
		Where("assistant_id = ?", assistantID).
		Order("timestamp ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	recs := make([]domain.DocumentRecord, 0, len(models))
	for _, m := range models {
		recs = append(recs, documentFromModel(m))
	}
	return recs, nil
}

func (s *GormStore) MarkProcessing(ctx context.Context, fileID string) error {
	tx := s.db.WithContext(ctx).Model(&DocumentModel{}).
		Where("file_id = ?", fileID).
		Updates(map[string]any{
			"generation_status": string(domain.GenerationProcessing),
			"attempt_count":     gorm.Expr("attempt_count + 1"),
			"updated_at":        time.Now().UTC(),
		})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

func (s *GormStore) ApplyGeneration(ctx context.Context, fileID string, update GenerationUpdate) error {
	updates := map[string]any{
		"generation_status":  string(update.Status),
		"last_error":         update.LastError,
		"processing_time_ms": update.ProcessingTimeMs,
		"updated_at":         time.Now().UTC(),
	}
	if update.Summary != "" {
		updates["summary"] = update.Summary
	}
	if update.Devotional != "" {
		updates["devotional"] = update.Devotional
	}
	if update.BibleStudy != "" {
		updates["bible_study"] = update.BibleStudy
	}
	if len(update.LaneErrors) > 0 {
		raw, _ := json.Marshal(update.LaneErrors)
		updates["lane_errors"] = raw
	}
	tx := s.db.WithContext(ctx).Model(&DocumentModel{}).
		Where("file_id = ?", fileID).
		Updates(updates)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

func (s *GormStore) DeleteDocument(ctx context.Context, fileID string) error {
	return s.db.WithContext(ctx).Delete(&DocumentModel{}, "file_id = ?", fileID).Error
}

func (s *GormStore) GetPrompt(ctx context.Context, key string) (domain.PromptRecord, bool, error) {
	var model PromptModel
	if err := s.db.WithContext(ctx).First(&model, "prompt_key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.PromptRecord{}, false, nil
		}
		return domain.PromptRecord{}, false, err
	}
	return domain.PromptRecord{Key: model.Key, Text: model.Text, UpdatedAt: model.UpdatedAt}, true, nil
}

func (s *GormStore) SavePrompt(ctx context.Context, rec domain.PromptRecord) error {
	model := PromptModel{Key: rec.Key, Text: rec.Text, UpdatedAt: time.Now().UTC()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "prompt_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"text", "updated_at"}),
	}).Create(&model).Error
}

func (s *GormStore) AddUsage(ctx context.Context, userID, yearMonth string, delta domain.TokenUsage) error {
	model := UsageModel{
		UserID:           userID,
		YearMonth:        yearMonth,
		PromptTokens:     delta.PromptTokens,
		CompletionTokens: delta.CompletionTokens,
		TotalTokens:      delta.TotalTokens,
		RetrievalTokens:  delta.RetrievalTokens,
		UpdatedAt:        time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "year_month"}},
		DoUpdates: clause.Assignments(map[string]any{
			"prompt_tokens":     gorm.Expr("usage_models.prompt_tokens + EXCLUDED.prompt_tokens"),
			"completion_tokens": gorm.Expr("usage_models.completion_tokens + EXCLUDED.completion_tokens"),
			"total_tokens":      gorm.Expr("usage_models.total_tokens + EXCLUDED.total_tokens"),
			"retrieval_tokens":  gorm.Expr("usage_models.retrieval_tokens + EXCLUDED.retrieval_tokens"),
			"updated_at":        time.Now().UTC(),
		}),
	}).Create(&model).Error
}

func (s *GormStore) GetUsage(ctx context.Context, userID, yearMonth string) (domain.TokenUsage, bool, error) {
	var model UsageModel
	err := s.db.WithContext(ctx).
		First(&model, "user_id = ? AND year_month = ?", userID, yearMonth).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.TokenUsage{}, false, nil
		}
		return domain.TokenUsage{}, false, err
	}
	return domain.TokenUsage{
		UserID:           model.UserID,
		YearMonth:        model.YearMonth,
		PromptTokens:     model.PromptTokens,
		CompletionTokens: model.CompletionTokens,
		TotalTokens:      model.TotalTokens,
		RetrievalTokens:  model.RetrievalTokens,
		UpdatedAt:        model.UpdatedAt,
	}, true, nil
}

func (s *GormStore) ResetUsage(ctx context.Context, userID, yearMonth string) error {
	return s.db.WithContext(ctx).Model(&UsageModel{}).
		Where("user_id = ? AND year_month = ?", userID, yearMonth).
		Updates(map[string]any{
			"prompt_tokens":     0,
			"completion_tokens": 0,
			"total_tokens":      0,
			"retrieval_tokens":  0,
			"updated_at":        time.Now().UTC(),
		}).Error
}

func documentToModel(rec domain.DocumentRecord) DocumentModel {
	var laneErrors []byte
	if len(rec.LaneErrors) > 0 {
		laneErrors, _ = json.Marshal(rec.LaneErrors)
	}
	return DocumentModel{
		FileID:           rec.FileID,
		AssistantID:      rec.AssistantID,
		Timestamp:        rec.Timestamp,
		FileName:         rec.FileName,
		Title:            rec.Title,
		PageCount:        rec.PageCount,
		VectorStoreID:    rec.VectorStoreID,
		UploaderID:       rec.UploaderID,
		UnitID:           rec.UnitID,
		AccessType:       string(rec.AccessType),
		StorageKey:       rec.StorageKey,
		Summary:          rec.Summary,
		Devotional:       rec.Devotional,
		BibleStudy:       rec.BibleStudy,
		GenerationStatus: string(rec.GenerationStatus),
		LastError:        rec.LastError,
		LaneErrors:       laneErrors,
		ProcessingTimeMs: rec.ProcessingTimeMs,
		AttemptCount:     rec.AttemptCount,
		UpdatedAt:        rec.UpdatedAt,
	}
}

func documentFromModel(m DocumentModel) domain.DocumentRecord {
	var laneErrors map[string]string
	if len(m.LaneErrors) > 0 {
		_ = json.Unmarshal(m.LaneErrors, &laneErrors)
	}
	return domain.DocumentRecord{
		FileID:           m.FileID,
		AssistantID:      m.AssistantID,
		Timestamp:        m.Timestamp,
		FileName:         m.FileName,
		Title:            m.Title,
		PageCount:        m.PageCount,
		VectorStoreID:    m.VectorStoreID,
		UploaderID:       m.UploaderID,
		UnitID:           m.UnitID,
		AccessType:       domain.AccessType(m.AccessType),
		StorageKey:       m.StorageKey,
		Summary:          m.Summary,
		Devotional:       m.Devotional,
		BibleStudy:       m.BibleStudy,
		GenerationStatus: domain.GenerationStatus(m.GenerationStatus),
		LastError:        m.LastError,
		LaneErrors:       laneErrors,
		ProcessingTimeMs: m.ProcessingTimeMs,
		AttemptCount:     m.AttemptCount,
		UpdatedAt:        m.UpdatedAt,
	}
}
