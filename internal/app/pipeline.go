package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"parishai/internal/config"
	"parishai/pkg/domain"
	"parishai/pkg/queue"
	"parishai/pkg/store"
)

// Process is the queue handler for one generation job. It binds the
// vector store, fans out the three content lanes, and persists whatever
// the lanes produced. A returned error makes the queue retry the job.
func (a *App) Process(ctx context.Context, job queue.Job) error {
	start := time.Now()

	rec, err := a.resolveJobRecord(ctx, job)
	if err != nil {
		return err
	}
	// Completed is terminal. A replayed or stale job must not drag the
	// record back to processing.
	if rec.GenerationStatus == domain.GenerationCompleted {
		a.logger.Info("skipping job for completed document", "file_id", rec.FileID, "job_id", job.ID)
		return nil
	}
	if err := a.store.MarkProcessing(ctx, rec.FileID); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	a.setStage(ctx, job.ID, queue.StageBinding)
	if err := a.ensureBound(ctx, rec.AssistantID, rec.VectorStoreID); err != nil {
		a.recordFailure(ctx, rec.FileID, err, start)
		return err
	}

	a.setStage(ctx, job.ID, queue.StageGenerating)
	gen := a.generateAll(ctx, rec)
	if gen.succeeded == 0 {
		err := fmt.Errorf("all generation lanes failed: %v", gen.laneErrors)
		a.recordFailure(ctx, rec.FileID, err, start)
		return err
	}

	a.setStage(ctx, job.ID, queue.StagePersisting)
	update := store.GenerationUpdate{
		Summary:          gen.content[domain.ContentSummary],
		Devotional:       gen.content[domain.ContentDevotional],
		BibleStudy:       gen.content[domain.ContentBibleStudy],
		Status:           a.settledStatus(gen),
		LaneErrors:       gen.laneErrors,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}
	if err := a.store.ApplyGeneration(ctx, rec.FileID, update); err != nil {
		return fmt.Errorf("persist generation: %w", err)
	}

	a.chargeUsage(ctx, job.UserID, domain.TokenUsage{
		PromptTokens:     gen.usage.PromptTokens,
		CompletionTokens: gen.usage.CompletionTokens,
		TotalTokens:      gen.usage.TotalTokens,
	})

	a.logger.Info("document generation settled",
		"file_id", rec.FileID,
		"status", update.Status,
		"lanes_succeeded", gen.succeeded,
		"duration_ms", update.ProcessingTimeMs,
	)
	return nil
}

// resolveJobRecord finds the document a job refers to, falling back to
// the (vectorStoreId, fileName) scan for records enqueued before the
// fileId was known.
func (a *App) resolveJobRecord(ctx context.Context, job queue.Job) (domain.DocumentRecord, error) {
	if job.FileID != "" {
		rec, ok, err := a.store.GetDocument(ctx, job.FileID)
		if err != nil {
			return domain.DocumentRecord{}, err
		}
		if ok {
			return rec, nil
		}
	}
	rec, ok, err := a.store.FindByVectorStoreFile(ctx, job.VectorStoreID, job.FileName)
	if err != nil {
		return domain.DocumentRecord{}, err
	}
	if !ok {
		return domain.DocumentRecord{}, fmt.Errorf("job %s: %w: no document for file %q", job.ID, ErrNotFound, job.FileName)
	}
	return rec, nil
}

// settledStatus maps a joined generation result to a record status.
// Policy "completed" flattens mixed success into completed; "partial"
// keeps it visible.
func (a *App) settledStatus(gen generationResult) domain.GenerationStatus {
	if len(gen.laneErrors) == 0 {
		return domain.GenerationCompleted
	}
	if a.partialPolicy == config.PartialPolicyPartial {
		return domain.GenerationPartial
	}
	return domain.GenerationCompleted
}

func (a *App) recordFailure(ctx context.Context, fileID string, cause error, start time.Time) {
	update := store.GenerationUpdate{
		Status:           domain.GenerationFailed,
		LastError:        cause.Error(),
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}
	if err := a.store.ApplyGeneration(ctx, fileID, update); err != nil && !errors.Is(err, store.ErrDocumentNotFound) {
		a.logger.Error("failure not recorded", "file_id", fileID, "error", err)
	}
}

func (a *App) setStage(ctx context.Context, jobID, stage string) {
	if jobID == "" {
		return
	}
	if err := a.queue.SetStage(ctx, jobID, stage); err != nil {
		a.logger.Warn("stage update failed", "job_id", jobID, "stage", stage, "error", err)
	}
}
