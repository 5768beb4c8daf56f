package app

import (
	"context"
	"fmt"
	"strings"

	"parishai/pkg/assistant"
	"parishai/pkg/domain"
)

// ChatRequest is one interactive chat turn.
type ChatRequest struct {
	AssistantID string
	ThreadID    string
	Message     string
	User        domain.User
}

// ChatReply is the assistant's answer for a chat turn.
type ChatReply struct {
	ThreadID  string `json:"threadId"`
	Reply     string `json:"reply"`
	RunStatus string `json:"runStatus"`
}

// ChatTurn posts the message, runs the assistant, and returns the
// reply. A missing thread id opens a new thread that the caller keeps
// for the rest of the conversation. requires_action terminates polling
// for chat; it is surfaced in RunStatus with no reply text.
func (a *App) ChatTurn(ctx context.Context, req ChatRequest) (ChatReply, error) {
	assistantID := strings.TrimSpace(req.AssistantID)
	if assistantID == "" {
		assistantID = a.chatAssistantID
	}
	if assistantID == "" {
		return ChatReply{}, fmt.Errorf("%w: assistantId required", ErrValidation)
	}
	if strings.TrimSpace(req.Message) == "" {
		return ChatReply{}, fmt.Errorf("%w: message required", ErrValidation)
	}

	threadID := strings.TrimSpace(req.ThreadID)
	if threadID == "" {
		var err error
		threadID, err = a.assistant.CreateThread(ctx)
		if err != nil {
			return ChatReply{}, fmt.Errorf("open thread: %w", err)
		}
	}
	if err := a.assistant.PostMessage(ctx, threadID, "user", req.Message); err != nil {
		return ChatReply{}, fmt.Errorf("post message: %w", err)
	}
	run, err := a.assistant.CreateRun(ctx, threadID, assistantID, "")
	if err != nil {
		return ChatReply{}, fmt.Errorf("create run: %w", err)
	}
	run, err = a.assistant.PollRun(ctx, threadID, run.ID, true)
	if err != nil {
		return ChatReply{}, err
	}

	if run.Usage != nil {
		a.chargeUsage(ctx, req.User.ID, domain.TokenUsage{
			PromptTokens:     run.Usage.PromptTokens,
			CompletionTokens: run.Usage.CompletionTokens,
			TotalTokens:      run.Usage.TotalTokens,
		})
	}

	reply := ChatReply{ThreadID: threadID, RunStatus: run.Status}
	switch run.Status {
	case assistant.RunCompleted:
		text, err := a.assistant.LatestAssistantMessage(ctx, threadID)
		if err != nil {
			return ChatReply{}, fmt.Errorf("read reply: %w", err)
		}
		reply.Reply = text
		return reply, nil
	case assistant.RunRequiresAction:
		return reply, nil
	default:
		return ChatReply{}, fmt.Errorf("chat run ended with status %s", run.Status)
	}
}
