package app

import (
	"context"
	"fmt"
	"strings"

	"parishai/pkg/domain"
	"parishai/pkg/queue"
)

// Progress states exposed to polling clients.
const (
	ProgressUnknown    = "unknown"
	ProgressProcessing = "processing"
	ProgressCompleted  = "completed"
	ProgressPartial    = "partial"
	ProgressFailed     = "failed"
)

// Progress is the polling snapshot for one file.
type Progress struct {
	Status string                 `json:"status"`
	Stage  string                 `json:"stage,omitempty"`
	JobID  string                 `json:"jobId,omitempty"`
	Error  string                 `json:"error,omitempty"`
	Result *domain.DocumentRecord `json:"result,omitempty"`
}

// Progress reports generation state for a (vectorStoreId, fileName)
// pair. The persisted record is authoritative once terminal; the
// transient job record fills in stage detail while work is in flight.
// A record that reached completed never regresses to an earlier state.
func (a *App) Progress(ctx context.Context, vectorStoreID, fileName string) (Progress, error) {
	if strings.TrimSpace(vectorStoreID) == "" || strings.TrimSpace(fileName) == "" {
		return Progress{}, fmt.Errorf("%w: vectorStoreId and fileName required", ErrValidation)
	}

	rec, found, err := a.store.FindByVectorStoreFile(ctx, vectorStoreID, fileName)
	if err != nil {
		return Progress{}, err
	}
	job, hasJob, err := a.queue.GetJobForFile(ctx, vectorStoreID, fileName)
	if err != nil {
		a.logger.Warn("job lookup failed", "file_name", fileName, "error", err)
		hasJob = false
	}

	if found {
		switch rec.GenerationStatus {
		case domain.GenerationCompleted:
			if rec.ContentComplete() {
				return Progress{Status: ProgressCompleted, Result: &rec}, nil
			}
			// Completed under the lenient partial policy: some fields
			// are missing but the record is terminal.
			return Progress{Status: ProgressCompleted, Result: &rec, Error: firstLaneError(rec)}, nil
		case domain.GenerationPartial:
			return Progress{Status: ProgressPartial, Result: &rec, Error: firstLaneError(rec)}, nil
		case domain.GenerationFailed:
			return Progress{Status: ProgressFailed, Error: rec.LastError}, nil
		default:
			p := Progress{Status: ProgressProcessing}
			if hasJob {
				p.JobID = job.ID
				p.Stage = job.Stage
				if job.Status == queue.StatusFailed {
					return Progress{Status: ProgressFailed, JobID: job.ID, Error: job.ErrorMessage}, nil
				}
			}
			return p, nil
		}
	}

	if hasJob {
		switch job.Status {
		case queue.StatusFailed:
			return Progress{Status: ProgressFailed, JobID: job.ID, Error: job.ErrorMessage}, nil
		default:
			return Progress{Status: ProgressProcessing, JobID: job.ID, Stage: job.Stage}, nil
		}
	}
	return Progress{Status: ProgressUnknown}, nil
}

// JobProgress reports generation state by job id.
func (a *App) JobProgress(ctx context.Context, jobID string) (Progress, error) {
	job, ok, err := a.queue.GetJob(ctx, jobID)
	if err != nil {
		return Progress{}, err
	}
	if !ok {
		return Progress{}, ErrNotFound
	}
	if job.FileID != "" {
		if rec, found, err := a.store.GetDocument(ctx, job.FileID); err == nil && found {
			switch rec.GenerationStatus {
			case domain.GenerationCompleted:
				return Progress{Status: ProgressCompleted, JobID: job.ID, Result: &rec}, nil
			case domain.GenerationPartial:
				return Progress{Status: ProgressPartial, JobID: job.ID, Result: &rec, Error: firstLaneError(rec)}, nil
			case domain.GenerationFailed:
				return Progress{Status: ProgressFailed, JobID: job.ID, Error: rec.LastError}, nil
			}
		}
	}
	switch job.Status {
	case queue.StatusFailed:
		return Progress{Status: ProgressFailed, JobID: job.ID, Error: job.ErrorMessage}, nil
	case queue.StatusDone:
		return Progress{Status: ProgressCompleted, JobID: job.ID}, nil
	default:
		return Progress{Status: ProgressProcessing, JobID: job.ID, Stage: job.Stage}, nil
	}
}

func firstLaneError(rec domain.DocumentRecord) string {
	for _, ct := range domain.ContentTypes() {
		if msg, ok := rec.LaneErrors[string(ct)]; ok {
			return msg
		}
	}
	return rec.LastError
}
