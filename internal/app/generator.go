package app

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
	"parishai/pkg/assistant"
	"parishai/pkg/domain"
)

// GenerationError is a single lane's failure, carrying the stage that
// failed and the terminal run status when one was observed.
type GenerationError struct {
	ContentType domain.ContentType
	Stage       string
	Status      string
	Err         error
}

func (e *GenerationError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("%s generation failed at %s: run status %s", e.ContentType, e.Stage, e.Status)
	}
	return fmt.Sprintf("%s generation failed at %s: %v", e.ContentType, e.Stage, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

type laneResult struct {
	contentType domain.ContentType
	text        string
	usage       assistant.Usage
	err         *GenerationError
}

type generationResult struct {
	content    map[domain.ContentType]string
	laneErrors map[string]string
	usage      assistant.Usage
	succeeded  int
}

// generateAll fans out one generation lane per content type and joins
// all of them. A failed lane never cancels its siblings; the aggregate
// records per-lane success and failure.
func (a *App) generateAll(ctx context.Context, rec domain.DocumentRecord) generationResult {
	lanes := domain.ContentTypes()
	results := make([]laneResult, len(lanes))

	var g errgroup.Group
	for i, ct := range lanes {
		// Lanes that already settled on a previous pass keep their
		// text; only missing lanes are run again.
		if text := rec.ContentFor(ct); text != "" {
			results[i] = laneResult{contentType: ct, text: text}
			continue
		}
		g.Go(func() error {
			results[i] = a.runLane(ctx, rec, ct)
			return nil
		})
	}
	_ = g.Wait()

	out := generationResult{
		content:    make(map[domain.ContentType]string, len(lanes)),
		laneErrors: make(map[string]string),
	}
	for _, res := range results {
		if res.err != nil {
			out.laneErrors[string(res.contentType)] = res.err.Error()
			a.logger.Warn("generation lane failed",
				"file_id", rec.FileID,
				"content_type", res.contentType,
				"stage", res.err.Stage,
				"status", res.err.Status,
			)
			continue
		}
		out.content[res.contentType] = res.text
		out.succeeded++
		out.usage.Add(&res.usage)
	}
	return out
}

// runLane runs one content type on a dedicated thread. Threads are
// never shared between lanes so conversations cannot cross-talk.
func (a *App) runLane(ctx context.Context, rec domain.DocumentRecord, ct domain.ContentType) laneResult {
	out := laneResult{contentType: ct}
	fail := func(stage, status string, err error) laneResult {
		out.err = &GenerationError{ContentType: ct, Stage: stage, Status: status, Err: err}
		return out
	}

	promptText := a.prompts.Resolve(ctx, ct, rec.UnitID)

	threadID, err := a.assistant.CreateThread(ctx)
	if err != nil {
		return fail("create_thread", "", err)
	}
	framing := fmt.Sprintf("Use the uploaded file named %q as the only source for this task.", rec.FileName)
	if err := a.assistant.PostMessage(ctx, threadID, "user", framing); err != nil {
		return fail("post_message", "", err)
	}
	if err := a.assistant.PostMessage(ctx, threadID, "user", promptText); err != nil {
		return fail("post_message", "", err)
	}

	// The instruction override restates the filename and prompt so the
	// run stays on task even if the assistant carries other defaults.
	instructions := fmt.Sprintf("You are working with the file %q. %s", rec.FileName, promptText)
	run, err := a.assistant.CreateRun(ctx, threadID, rec.AssistantID, instructions)
	if err != nil {
		return fail("create_run", "", err)
	}
	run, err = a.assistant.PollRun(ctx, threadID, run.ID, false)
	if err != nil {
		return fail("poll_run", "", err)
	}
	if run.Status != assistant.RunCompleted {
		return fail("poll_run", run.Status, fmt.Errorf("run ended with status %s", run.Status))
	}
	if run.Usage != nil {
		out.usage = *run.Usage
	}

	text, err := a.assistant.LatestAssistantMessage(ctx, threadID)
	if err != nil {
		return fail("read_reply", "", err)
	}
	if strings.TrimSpace(text) == "" {
		return fail("read_reply", "", fmt.Errorf("assistant reply was empty"))
	}
	out.text = text
	return out
}

// ensureBound attaches the vector store to the assistant's file_search
// tool if it is not already bound. Safe to call repeatedly.
func (a *App) ensureBound(ctx context.Context, assistantID, vectorStoreID string) error {
	remote, err := a.assistant.RetrieveAssistant(ctx, assistantID)
	if err != nil {
		return fmt.Errorf("retrieve assistant: %w", err)
	}
	bound := remote.BoundVectorStores()
	for _, id := range bound {
		if id == vectorStoreID {
			return nil
		}
	}
	updated := append(append([]string{}, bound...), vectorStoreID)
	if err := a.assistant.UpdateAssistantVectorStores(ctx, assistantID, updated); err != nil {
		return fmt.Errorf("bind vector store: %w", err)
	}
	a.logger.Info("vector store bound to assistant",
		"assistant_id", assistantID,
		"vector_store_id", vectorStoreID,
	)
	return nil
}
