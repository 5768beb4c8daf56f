package app

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"parishai/internal/config"
	"parishai/pkg/assistant"
	"parishai/pkg/domain"
	"parishai/pkg/prompt"
	"parishai/pkg/queue"
	"parishai/pkg/store"
)

type testEnv struct {
	app     *App
	store   *store.MemoryStore
	queue   *queue.RedisJobQueue
	fake    *fakeAssistant
	archive *fakeArchive
}

func newTestEnv(t *testing.T, partialPolicy string) *testEnv {
	t.Helper()

	fake := newFakeAssistant(t)
	client, err := assistant.New(assistant.Config{
		BaseURL: fake.URL(),
		APIKey:  "sk-test",
		Poll:    assistant.PollPolicy{InitialInterval: time.Millisecond, MaxAttempts: 5},
	})
	if err != nil {
		t.Fatalf("new assistant client: %v", err)
	}

	redisSrv := miniredis.RunT(t)
	q, err := queue.NewRedisJobQueue(queue.Config{
		Addr:   redisSrv.Addr(),
		Stream: "test:generation",
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	st := store.NewMemoryStore()
	archive := newFakeArchive()
	logger := slog.New(slog.DiscardHandler)
	a, err := New(Config{
		Store:           st,
		Assistant:       client,
		Queue:           q,
		Archive:         archive,
		Prompts:         prompt.NewResolver(st, logger, time.Minute),
		Logger:          logger,
		PartialPolicy:   partialPolicy,
		ChatAssistantID: "asst-chat",
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return &testEnv{app: a, store: st, queue: q, fake: fake, archive: archive}
}

func testUser() domain.User {
	return domain.User{ID: "user-1", UnitID: "unit-1", Role: domain.RoleUser}
}

func uploadRequest(fileName string) UploadRequest {
	return UploadRequest{
		AssistantID:   "asst-1",
		VectorStoreID: "vs-1",
		FileName:      fileName,
		ContentType:   "text/plain",
		Data:          []byte("Walking in Grace\nSermon notes for Sunday service."),
		User:          testUser(),
	}
}

func TestUploadDocumentCreatesRecordAndJob(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	rec, job, err := env.app.UploadDocument(ctx, uploadRequest("sermon.txt"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if rec.FileID == "" || rec.GenerationStatus != domain.GenerationPending {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Title != "Walking in Grace" {
		t.Fatalf("title = %q, want first line", rec.Title)
	}
	if job.ID == "" || job.FileID != rec.FileID {
		t.Fatalf("unexpected job: %+v", job)
	}

	stored, ok, err := env.store.GetDocument(ctx, rec.FileID)
	if err != nil || !ok {
		t.Fatalf("record not persisted: ok=%v err=%v", ok, err)
	}
	if stored.UploaderID != "user-1" || stored.UnitID != "unit-1" {
		t.Fatalf("uploader not recorded: %+v", stored)
	}

	// Upload charges retrieval tokens proportional to payload size.
	usage, err := env.app.Usage(ctx, "user-1", "")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage.RetrievalTokens == 0 {
		t.Fatalf("expected retrieval token charge, got %+v", usage)
	}
}

func TestUploadDocumentRejectsDuplicateFileName(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	if _, _, err := env.app.UploadDocument(ctx, uploadRequest("sermon.txt")); err != nil {
		t.Fatalf("first upload: %v", err)
	}
	uploaded := len(env.fake.uploaded())

	_, _, err := env.app.UploadDocument(ctx, uploadRequest("sermon.txt"))
	if !errors.Is(err, ErrDuplicateFileName) {
		t.Fatalf("expected ErrDuplicateFileName, got %v", err)
	}
	// The duplicate was rejected before any remote upload.
	if len(env.fake.uploaded()) != uploaded {
		t.Fatalf("duplicate upload reached the remote API")
	}
}

func TestUploadDocumentValidates(t *testing.T) {
	env := newTestEnv(t, "")
	req := uploadRequest("sermon.txt")
	req.AssistantID = ""
	if _, _, err := env.app.UploadDocument(context.Background(), req); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestProcessGeneratesAllLanes(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	rec, job, err := env.app.UploadDocument(ctx, uploadRequest("sermon.txt"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := env.app.Process(ctx, job); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, _, err := env.store.GetDocument(ctx, rec.FileID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if got.GenerationStatus != domain.GenerationCompleted {
		t.Fatalf("status = %s, want completed", got.GenerationStatus)
	}
	if !got.ContentComplete() {
		t.Fatalf("expected all three content fields, got %+v", got)
	}
	if got.ProcessingTimeMs < 0 {
		t.Fatalf("processing time not recorded")
	}

	// The vector store was bound to the assistant during processing.
	bound := env.fake.bound()
	if len(bound) != 1 || bound[0] != "vs-1" {
		t.Fatalf("vector store not bound: %v", bound)
	}

	// Generation usage was charged on top of the upload charge.
	usage, err := env.app.Usage(ctx, "user-1", "")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage.PromptTokens != 300 || usage.CompletionTokens != 150 {
		t.Fatalf("unexpected usage: %+v", usage)
	}
}

func TestProcessSkipsBindWhenAlreadyBound(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()
	env.fake.setBound("vs-1", "vs-other")

	_, job, err := env.app.UploadDocument(ctx, uploadRequest("sermon.txt"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := env.app.Process(ctx, job); err != nil {
		t.Fatalf("process: %v", err)
	}
	bound := env.fake.bound()
	if len(bound) != 2 {
		t.Fatalf("bound set should be untouched, got %v", bound)
	}
}

func TestProcessPartialFailure(t *testing.T) {
	cases := []struct {
		policy string
		want   domain.GenerationStatus
	}{
		{config.PartialPolicyCompleted, domain.GenerationCompleted},
		{config.PartialPolicyPartial, domain.GenerationPartial},
	}
	for _, tc := range cases {
		t.Run(tc.policy, func(t *testing.T) {
			env := newTestEnv(t, tc.policy)
			ctx := context.Background()
			// The devotional lane posts its prompt text; failing on a
			// fragment of it fails exactly that lane.
			env.fake.setFailOnMessage("daily devotional")

			rec, job, err := env.app.UploadDocument(ctx, uploadRequest("sermon.txt"))
			if err != nil {
				t.Fatalf("upload: %v", err)
			}
			if err := env.app.Process(ctx, job); err != nil {
				t.Fatalf("process: %v", err)
			}

			got, _, err := env.store.GetDocument(ctx, rec.FileID)
			if err != nil {
				t.Fatalf("get document: %v", err)
			}
			if got.GenerationStatus != tc.want {
				t.Fatalf("status = %s, want %s", got.GenerationStatus, tc.want)
			}
			if got.Summary == "" || got.BibleStudy == "" {
				t.Fatalf("sibling lanes should have succeeded: %+v", got)
			}
			if got.Devotional != "" {
				t.Fatalf("failed lane should stay empty")
			}
			if _, ok := got.LaneErrors[string(domain.ContentDevotional)]; !ok {
				t.Fatalf("lane error not recorded: %v", got.LaneErrors)
			}
		})
	}
}

func TestProcessAllLanesFailedMarksFailed(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()
	// Every lane posts the framing message naming the file.
	env.fake.setFailOnMessage("sermon.txt")

	rec, job, err := env.app.UploadDocument(ctx, uploadRequest("sermon.txt"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := env.app.Process(ctx, job); err == nil {
		t.Fatalf("expected process error when all lanes fail")
	}

	got, _, err := env.store.GetDocument(ctx, rec.FileID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if got.GenerationStatus != domain.GenerationFailed {
		t.Fatalf("status = %s, want failed", got.GenerationStatus)
	}
	if got.LastError == "" {
		t.Fatalf("lastError not recorded")
	}
}

func TestProgressStateMachine(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	p, err := env.app.Progress(ctx, "vs-1", "missing.txt")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.Status != ProgressUnknown {
		t.Fatalf("status = %s, want unknown", p.Status)
	}

	rec, job, err := env.app.UploadDocument(ctx, uploadRequest("sermon.txt"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	p, err = env.app.Progress(ctx, "vs-1", "sermon.txt")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.Status != ProgressProcessing || p.JobID != job.ID {
		t.Fatalf("unexpected pending progress: %+v", p)
	}

	if err := env.app.Process(ctx, job); err != nil {
		t.Fatalf("process: %v", err)
	}
	p, err = env.app.Progress(ctx, "vs-1", "sermon.txt")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.Status != ProgressCompleted || p.Result == nil || p.Result.FileID != rec.FileID {
		t.Fatalf("unexpected completed progress: %+v", p)
	}
}

func TestCompletedDocumentStaysCompleted(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	rec, job, err := env.app.UploadDocument(ctx, uploadRequest("sermon.txt"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := env.app.Process(ctx, job); err != nil {
		t.Fatalf("process: %v", err)
	}

	// From here on every lane would fail if it ran.
	env.fake.setFailOnMessage("sermon.txt")

	if _, err := env.app.Reprocess(ctx, rec.FileID, "", "", testUser()); !errors.Is(err, ErrValidation) {
		t.Fatalf("reprocess of completed document expected ErrValidation, got %v", err)
	}

	// A replayed queue entry for the same document is dropped without
	// touching the record.
	if err := env.app.Process(ctx, job); err != nil {
		t.Fatalf("replayed job: %v", err)
	}

	p, err := env.app.Progress(ctx, "vs-1", "sermon.txt")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.Status != ProgressCompleted {
		t.Fatalf("status = %s, completed must not regress", p.Status)
	}
	got, _, err := env.store.GetDocument(ctx, rec.FileID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if got.GenerationStatus != domain.GenerationCompleted || !got.ContentComplete() {
		t.Fatalf("record regressed: %+v", got)
	}
}

func TestReprocessRegeneratesOnlyMissingLanes(t *testing.T) {
	env := newTestEnv(t, config.PartialPolicyPartial)
	ctx := context.Background()
	env.fake.setFailOnMessage("daily devotional")

	rec, job, err := env.app.UploadDocument(ctx, uploadRequest("sermon.txt"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := env.app.Process(ctx, job); err != nil {
		t.Fatalf("first process: %v", err)
	}
	first, _, err := env.store.GetDocument(ctx, rec.FileID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if first.GenerationStatus != domain.GenerationPartial || first.Devotional != "" {
		t.Fatalf("expected partial record with missing devotional: %+v", first)
	}

	env.fake.setFailOnMessage("")
	retry, err := env.app.Reprocess(ctx, rec.FileID, "", "", testUser())
	if err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	if err := env.app.Process(ctx, retry); err != nil {
		t.Fatalf("second process: %v", err)
	}

	got, _, err := env.store.GetDocument(ctx, rec.FileID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if got.GenerationStatus != domain.GenerationCompleted || got.Devotional == "" {
		t.Fatalf("retry should fill the missing lane: %+v", got)
	}
	// Settled lanes keep their text instead of being run again.
	if got.Summary != first.Summary || got.BibleStudy != first.BibleStudy {
		t.Fatalf("settled lanes were regenerated")
	}
}

func TestReprocessRequiresAttachedFile(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	rec := domain.DocumentRecord{
		FileID:           "file-detached",
		AssistantID:      "asst-1",
		VectorStoreID:    "vs-empty",
		FileName:         "archived.txt",
		GenerationStatus: domain.GenerationFailed,
	}
	if err := env.store.InsertDocument(ctx, rec); err != nil {
		t.Fatalf("seed document: %v", err)
	}

	_, err := env.app.Reprocess(ctx, rec.FileID, "", "", testUser())
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("detached file expected ErrValidation, got %v", err)
	}
}

func TestChatTurnReturnsReply(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	reply, err := env.app.ChatTurn(ctx, ChatRequest{
		AssistantID: "asst-1",
		Message:     "What was last week's sermon about?",
		User:        testUser(),
	})
	if err != nil {
		t.Fatalf("chat turn: %v", err)
	}
	if reply.ThreadID == "" || reply.Reply == "" {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	// A second turn on the same thread keeps the thread id.
	again, err := env.app.ChatTurn(ctx, ChatRequest{
		AssistantID: "asst-1",
		ThreadID:    reply.ThreadID,
		Message:     "Summarize it in one sentence.",
		User:        testUser(),
	})
	if err != nil {
		t.Fatalf("second chat turn: %v", err)
	}
	if again.ThreadID != reply.ThreadID {
		t.Fatalf("thread id changed between turns")
	}
}

func TestChatTurnFallsBackToDefaultAssistant(t *testing.T) {
	env := newTestEnv(t, "")

	reply, err := env.app.ChatTurn(context.Background(), ChatRequest{
		Message: "Who preached last Sunday?",
		User:    testUser(),
	})
	if err != nil {
		t.Fatalf("chat turn without assistant id: %v", err)
	}
	if reply.Reply == "" {
		t.Fatalf("expected a reply from the default assistant")
	}
}

func TestDownloadURL(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	rec, _, err := env.app.UploadDocument(ctx, uploadRequest("sermon.txt"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	url, err := env.app.DownloadURL(ctx, rec.FileID)
	if err != nil {
		t.Fatalf("download url: %v", err)
	}
	want := "https://archive.test/documents/" + rec.FileID + "/sermon.txt"
	if url != want {
		t.Fatalf("url = %q, want %q", url, want)
	}

	if _, err := env.app.DownloadURL(ctx, "file-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing document expected ErrNotFound, got %v", err)
	}

	// Documents ingested before object storage was configured carry no
	// archive key.
	bare := domain.DocumentRecord{
		FileID:           "file-bare",
		AssistantID:      "asst-1",
		VectorStoreID:    "vs-1",
		FileName:         "old.txt",
		GenerationStatus: domain.GenerationCompleted,
	}
	if err := env.store.InsertDocument(ctx, bare); err != nil {
		t.Fatalf("seed document: %v", err)
	}
	if _, err := env.app.DownloadURL(ctx, "file-bare"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unarchived document expected ErrNotFound, got %v", err)
	}
}

func TestSavePromptValidatesAndInvalidates(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	if err := env.app.SavePrompt(ctx, "poetry", "", "Write a poem about the sermon please."); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected unknown content type to fail, got %v", err)
	}
	if err := env.app.SavePrompt(ctx, domain.ContentSummary, "", "short"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected short prompt to fail, got %v", err)
	}

	text := "Summarize the sermon with attention to the closing application points."
	if err := env.app.SavePrompt(ctx, domain.ContentSummary, "", text); err != nil {
		t.Fatalf("save prompt: %v", err)
	}
	got, err := env.app.ResolvePrompt(ctx, domain.ContentSummary, "")
	if err != nil {
		t.Fatalf("resolve prompt: %v", err)
	}
	if got != text {
		t.Fatalf("resolved %q, want saved prompt", got)
	}
}

func TestResetUsage(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	if _, _, err := env.app.UploadDocument(ctx, uploadRequest("sermon.txt")); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := env.app.ResetUsage(ctx, "user-1", ""); err != nil {
		t.Fatalf("reset usage: %v", err)
	}
	usage, err := env.app.Usage(ctx, "user-1", "")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage.RetrievalTokens != 0 || usage.TotalTokens != 0 {
		t.Fatalf("usage not reset: %+v", usage)
	}
}
