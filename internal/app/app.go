package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"parishai/internal/config"
	"parishai/pkg/assistant"
	"parishai/pkg/domain"
	"parishai/pkg/prompt"
	"parishai/pkg/queue"
	"parishai/pkg/storage"
	"parishai/pkg/store"
)

// ErrDuplicateFileName rejects an upload whose filename already exists
// for the assistant. Checked before any remote call so no orphaned
// remote file is created.
var ErrDuplicateFileName = errors.New("a document with this filename already exists")

// ErrValidation marks requests rejected before any work happened.
var ErrValidation = errors.New("invalid request")

// ErrNotFound marks lookups for records that do not exist.
var ErrNotFound = errors.New("not found")

// Config wires the application service.
type Config struct {
	Store          store.Store
	Assistant      *assistant.Client
	Queue          *queue.RedisJobQueue
	Archive        storage.ArchiveStore
	Prompts        *prompt.Resolver
	Logger         *slog.Logger
	PartialPolicy  string
	MaxUploadBytes int64
	// ChatAssistantID answers chat turns that name no assistant.
	ChatAssistantID string
}

// App orchestrates document ingestion, content generation, chat turns,
// and the admin surface.
type App struct {
	store           store.Store
	assistant       *assistant.Client
	queue           *queue.RedisJobQueue
	archive         storage.ArchiveStore
	prompts         *prompt.Resolver
	logger          *slog.Logger
	partialPolicy   string
	maxUploadBytes  int64
	chatAssistantID string
}

func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Assistant == nil {
		return nil, errors.New("assistant client required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("job queue required")
	}
	archive := cfg.Archive
	if archive == nil {
		archive = storage.NopArchive{}
	}
	if cfg.Prompts == nil {
		return nil, errors.New("prompt resolver required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	partialPolicy := cfg.PartialPolicy
	if partialPolicy == "" {
		partialPolicy = config.PartialPolicyCompleted
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 25 << 20
	}
	return &App{
		store:           cfg.Store,
		assistant:       cfg.Assistant,
		queue:           cfg.Queue,
		archive:         archive,
		prompts:         cfg.Prompts,
		logger:          logger,
		partialPolicy:   partialPolicy,
		maxUploadBytes:  maxUpload,
		chatAssistantID: strings.TrimSpace(cfg.ChatAssistantID),
	}, nil
}

// UploadRequest carries one document upload.
type UploadRequest struct {
	AssistantID   string
	VectorStoreID string
	FileName      string
	ContentType   string
	Data          []byte
	AccessType    domain.AccessType
	User          domain.User
}

func (r UploadRequest) validate(maxBytes int64) error {
	if strings.TrimSpace(r.AssistantID) == "" {
		return fmt.Errorf("%w: assistantId required", ErrValidation)
	}
	if strings.TrimSpace(r.VectorStoreID) == "" {
		return fmt.Errorf("%w: vectorStoreId required", ErrValidation)
	}
	if strings.TrimSpace(r.FileName) == "" {
		return fmt.Errorf("%w: fileName required", ErrValidation)
	}
	if len(r.Data) == 0 {
		return fmt.Errorf("%w: file payload required", ErrValidation)
	}
	if int64(len(r.Data)) > maxBytes {
		return fmt.Errorf("%w: file exceeds %d bytes", ErrValidation, maxBytes)
	}
	return nil
}

// UploadDocument validates the upload, stores it remotely and locally,
// and hands generation off to the queue. The returned job id is the
// client's polling handle.
func (a *App) UploadDocument(ctx context.Context, req UploadRequest) (domain.DocumentRecord, queue.Job, error) {
	if err := req.validate(a.maxUploadBytes); err != nil {
		return domain.DocumentRecord{}, queue.Job{}, err
	}

	// Duplicate pre-flight happens before the remote upload so a
	// rejected request never leaves an orphaned remote file behind.
	exists, err := a.store.HasFileName(ctx, req.AssistantID, req.FileName)
	if err != nil {
		return domain.DocumentRecord{}, queue.Job{}, fmt.Errorf("duplicate check: %w", err)
	}
	if exists {
		return domain.DocumentRecord{}, queue.Job{}, ErrDuplicateFileName
	}

	info := inspectDocument(req.FileName, req.Data)

	fileID, err := a.assistant.UploadFile(ctx, req.FileName, bytes.NewReader(req.Data))
	if err != nil {
		return domain.DocumentRecord{}, queue.Job{}, fmt.Errorf("remote upload: %w", err)
	}
	if err := a.assistant.AddVectorStoreFile(ctx, req.VectorStoreID, fileID); err != nil {
		// Clean up the orphaned remote file before reporting failure.
		if delErr := a.assistant.DeleteFile(ctx, fileID); delErr != nil {
			a.logger.Warn("orphaned remote file not cleaned up", "file_id", fileID, "error", delErr)
		}
		return domain.DocumentRecord{}, queue.Job{}, fmt.Errorf("bind file to vector store: %w", err)
	}

	storageKey, err := a.archive.Archive(ctx, fileID, req.FileName, req.Data, req.ContentType)
	if err != nil {
		// The remote copy is authoritative; a failed archive write is
		// logged and the upload continues.
		a.logger.Warn("archive write failed", "file_id", fileID, "error", err)
		storageKey = ""
	}

	accessType := req.AccessType
	if accessType == "" {
		accessType = domain.AccessRestricted
	}
	rec := domain.DocumentRecord{
		FileID:           fileID,
		AssistantID:      req.AssistantID,
		Timestamp:        time.Now().UTC(),
		FileName:         req.FileName,
		Title:            info.Title,
		PageCount:        info.PageCount,
		VectorStoreID:    req.VectorStoreID,
		UploaderID:       req.User.ID,
		UnitID:           req.User.UnitID,
		AccessType:       accessType,
		StorageKey:       storageKey,
		GenerationStatus: domain.GenerationPending,
	}
	if err := a.store.InsertDocument(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDocumentExists) {
			return domain.DocumentRecord{}, queue.Job{}, ErrDuplicateFileName
		}
		return domain.DocumentRecord{}, queue.Job{}, fmt.Errorf("insert document: %w", err)
	}

	job, err := a.queue.Enqueue(ctx, queue.Job{
		FileID:        fileID,
		AssistantID:   req.AssistantID,
		VectorStoreID: req.VectorStoreID,
		FileName:      req.FileName,
		UserID:        req.User.ID,
	})
	if err != nil {
		return rec, queue.Job{}, fmt.Errorf("enqueue generation: %w", err)
	}

	// Retrieval token charge for the upload itself, approximated from
	// the payload size.
	a.chargeUsage(ctx, req.User.ID, domain.TokenUsage{RetrievalTokens: int64(len(req.Data)) / 4})

	a.logger.Info("document uploaded",
		"file_id", fileID,
		"file_name", req.FileName,
		"assistant_id", req.AssistantID,
		"job_id", job.ID,
	)
	return rec, job, nil
}

// Reprocess re-queues generation for an existing document, identified
// either by fileId or by the (vectorStoreId, fileName) pair. The
// returned job id is the polling handle.
func (a *App) Reprocess(ctx context.Context, fileID, vectorStoreID, fileName string, user domain.User) (queue.Job, error) {
	var (
		rec   domain.DocumentRecord
		found bool
		err   error
	)
	switch {
	case strings.TrimSpace(fileID) != "":
		rec, found, err = a.store.GetDocument(ctx, fileID)
	case strings.TrimSpace(vectorStoreID) != "" && strings.TrimSpace(fileName) != "":
		rec, found, err = a.store.FindByVectorStoreFile(ctx, vectorStoreID, fileName)
	default:
		return queue.Job{}, fmt.Errorf("%w: fileId or vectorStoreId+fileName required", ErrValidation)
	}
	if err != nil {
		return queue.Job{}, err
	}
	if !found {
		return queue.Job{}, ErrNotFound
	}
	// Completed is terminal: a finished document never goes back to
	// processing, so reprocessing it is refused outright.
	if rec.GenerationStatus == domain.GenerationCompleted {
		return queue.Job{}, fmt.Errorf("%w: document generation already completed", ErrValidation)
	}

	// The remote file must still be attached; a detached file would
	// make every lane fail after the job is accepted.
	attached, err := a.assistant.ListVectorStoreFiles(ctx, rec.VectorStoreID)
	if err != nil {
		return queue.Job{}, fmt.Errorf("verify vector store binding: %w", err)
	}
	bound := false
	for _, id := range attached {
		if id == rec.FileID {
			bound = true
			break
		}
	}
	if !bound {
		return queue.Job{}, fmt.Errorf("%w: file is no longer attached to the vector store", ErrValidation)
	}

	job, err := a.queue.Enqueue(ctx, queue.Job{
		FileID:        rec.FileID,
		AssistantID:   rec.AssistantID,
		VectorStoreID: rec.VectorStoreID,
		FileName:      rec.FileName,
		UserID:        user.ID,
	})
	if err != nil {
		return queue.Job{}, fmt.Errorf("enqueue generation: %w", err)
	}
	a.logger.Info("document reprocess queued", "file_id", rec.FileID, "job_id", job.ID)
	return job, nil
}

// GetDocument fetches one document record.
func (a *App) GetDocument(ctx context.Context, fileID string) (domain.DocumentRecord, error) {
	rec, ok, err := a.store.GetDocument(ctx, fileID)
	if err != nil {
		return domain.DocumentRecord{}, err
	}
	if !ok {
		return domain.DocumentRecord{}, ErrNotFound
	}
	return rec, nil
}

// DownloadURL returns a time-limited link to the archived original
// upload. Documents uploaded without object storage configured have no
// archived copy.
func (a *App) DownloadURL(ctx context.Context, fileID string) (string, error) {
	rec, ok, err := a.store.GetDocument(ctx, fileID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotFound
	}
	if rec.StorageKey == "" {
		return "", fmt.Errorf("%w: no archived copy for this document", ErrNotFound)
	}
	url, err := a.archive.PresignGet(ctx, rec.StorageKey, 15*time.Minute)
	if err != nil {
		return "", fmt.Errorf("presign download: %w", err)
	}
	if url == "" {
		return "", fmt.Errorf("%w: no archived copy for this document", ErrNotFound)
	}
	return url, nil
}

// ListDocuments returns all documents owned by an assistant.
func (a *App) ListDocuments(ctx context.Context, assistantID string) ([]domain.DocumentRecord, error) {
	if strings.TrimSpace(assistantID) == "" {
		return nil, fmt.Errorf("%w: assistantId required", ErrValidation)
	}
	return a.store.ListByAssistant(ctx, assistantID)
}

// DeleteDocument removes a document locally and best-effort remotely.
func (a *App) DeleteDocument(ctx context.Context, fileID string) error {
	rec, ok, err := a.store.GetDocument(ctx, fileID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if err := a.assistant.RemoveVectorStoreFile(ctx, rec.VectorStoreID, rec.FileID); err != nil {
		a.logger.Warn("vector store detach failed", "file_id", rec.FileID, "error", err)
	}
	if err := a.assistant.DeleteFile(ctx, rec.FileID); err != nil {
		a.logger.Warn("remote file delete failed", "file_id", rec.FileID, "error", err)
	}
	if rec.StorageKey != "" {
		if err := a.archive.Delete(ctx, rec.StorageKey); err != nil {
			a.logger.Warn("archive delete failed", "key", rec.StorageKey, "error", err)
		}
	}
	return a.store.DeleteDocument(ctx, fileID)
}

// SavePrompt persists an instruction prompt and invalidates its cache
// entry. The text must pass the same usability guard applied on read.
func (a *App) SavePrompt(ctx context.Context, ct domain.ContentType, unitID, text string) error {
	if !validContentType(ct) {
		return fmt.Errorf("%w: unknown content type %q", ErrValidation, ct)
	}
	if !prompt.Usable(text) {
		return fmt.Errorf("%w: prompt text too short or looks like a refusal", ErrValidation)
	}
	key := string(ct)
	if unitID != "" {
		key += "." + unitID
	}
	if err := a.store.SavePrompt(ctx, domain.PromptRecord{Key: key, Text: text}); err != nil {
		return fmt.Errorf("save prompt: %w", err)
	}
	a.prompts.Invalidate(ct, unitID)
	return nil
}

// ResolvePrompt returns the effective prompt text for a content type.
func (a *App) ResolvePrompt(ctx context.Context, ct domain.ContentType, unitID string) (string, error) {
	if !validContentType(ct) {
		return "", fmt.Errorf("%w: unknown content type %q", ErrValidation, ct)
	}
	return a.prompts.Resolve(ctx, ct, unitID), nil
}

// Usage returns the monthly aggregate for one user.
func (a *App) Usage(ctx context.Context, userID, yearMonth string) (domain.TokenUsage, error) {
	if yearMonth == "" {
		yearMonth = currentYearMonth()
	}
	usage, ok, err := a.store.GetUsage(ctx, userID, yearMonth)
	if err != nil {
		return domain.TokenUsage{}, err
	}
	if !ok {
		return domain.TokenUsage{UserID: userID, YearMonth: yearMonth}, nil
	}
	return usage, nil
}

// ResetUsage zeroes one user's counters for a period.
func (a *App) ResetUsage(ctx context.Context, userID, yearMonth string) error {
	if yearMonth == "" {
		yearMonth = currentYearMonth()
	}
	return a.store.ResetUsage(ctx, userID, yearMonth)
}

func (a *App) chargeUsage(ctx context.Context, userID string, delta domain.TokenUsage) {
	if userID == "" {
		return
	}
	if delta.TotalTokens == 0 {
		delta.TotalTokens = delta.PromptTokens + delta.CompletionTokens + delta.RetrievalTokens
	}
	if err := a.store.AddUsage(ctx, userID, currentYearMonth(), delta); err != nil {
		a.logger.Warn("usage charge failed", "user_id", userID, "error", err)
	}
}

func validContentType(ct domain.ContentType) bool {
	for _, known := range domain.ContentTypes() {
		if ct == known {
			return true
		}
	}
	return false
}

func currentYearMonth() string {
	return time.Now().UTC().Format("2006-01")
}
