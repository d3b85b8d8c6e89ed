package app

import (
	"context"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"taskexec/internal/logging"
	"taskexec/internal/server/ports"
)

const conversationCacheSize = 256

// StartConversationRequest begins an LLM conversation for a task.
type StartConversationRequest struct {
	TaskID   string         `json:"task_id"`
	Model    string         `json:"model"`
	Metadata map[string]any `json:"metadata"`
}

// EndConversationRequest finalizes a conversation.
type EndConversationRequest struct {
	Success          bool    `json:"success"`
	TokensPrompt     int64   `json:"tokens_prompt"`
	TokensCompletion int64   `json:"tokens_completion"`
	CostEstimate     float64 `json:"cost_estimate"`
}

// ConversationService records LLM conversations driven during task
// execution. Ended conversations are immutable, so reads go through a small
// LRU cache.
type ConversationService struct {
	store  ports.Store
	cache  *lru.Cache[string, *ports.Conversation]
	logger logging.Logger
	now    func() time.Time
}

// NewConversationService constructs a ConversationService.
func NewConversationService(store ports.Store) *ConversationService {
	cache, _ := lru.New[string, *ports.Conversation](conversationCacheSize)
	return &ConversationService{
		store:  store,
		cache:  cache,
		logger: logging.NewComponentLogger("ConversationService"),
		now:    time.Now,
	}
}

// Start opens a conversation for a task. The task must exist.
func (s *ConversationService) Start(ctx context.Context, req StartConversationRequest) (*ports.Conversation, error) {
	if req.TaskID == "" {
		return nil, ValidationError("task_id is required")
	}
	if _, err := s.store.GetTask(ctx, req.TaskID); err != nil {
		return nil, err
	}

	conv := &ports.Conversation{
		ID:        uuid.New().String(),
		TaskID:    req.TaskID,
		Model:     req.Model,
		Messages:  []ports.Message{},
		Metadata:  req.Metadata,
		StartedAt: s.now(),
	}
	if err := s.store.InsertConversation(ctx, conv); err != nil {
		return nil, err
	}
	s.logger.Debug("conversation %s started for task %s", conv.ID, conv.TaskID)
	return conv, nil
}

// Append adds messages to an open conversation.
func (s *ConversationService) Append(ctx context.Context, id string, messages []ports.Message) (*ports.Conversation, error) {
	if len(messages) == 0 {
		return nil, ValidationError("messages must not be empty")
	}

	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.Ended() {
		return nil, ConflictError("conversation " + id + " has ended")
	}

	now := s.now()
	for _, msg := range messages {
		if msg.Role == "" {
			return nil, ValidationError("message role is required")
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = now
		}
		conv.Messages = append(conv.Messages, msg)
	}
	if err := s.store.UpdateConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// End finalizes a conversation with its outcome and usage totals. Ending an
// already-ended conversation is a conflict.
func (s *ConversationService) End(ctx context.Context, id string, req EndConversationRequest) (*ports.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.Ended() {
		return nil, ConflictError("conversation " + id + " has ended")
	}

	now := s.now()
	success := req.Success
	conv.Success = &success
	conv.TokensPrompt = req.TokensPrompt
	conv.TokensCompletion = req.TokensCompletion
	conv.CostEstimate = req.CostEstimate
	conv.EndedAt = &now

	if err := s.store.UpdateConversation(ctx, conv); err != nil {
		return nil, err
	}
	s.cache.Add(id, conv)
	s.logger.Debug("conversation %s ended (success=%v)", id, success)
	return conv, nil
}

// Get retrieves a conversation, serving ended ones from cache.
func (s *ConversationService) Get(ctx context.Context, id string) (*ports.Conversation, error) {
	if conv, ok := s.cache.Get(id); ok {
		return conv, nil
	}
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.Ended() {
		s.cache.Add(id, conv)
	}
	return conv, nil
}

// List returns conversations matching the filter and the total match count.
func (s *ConversationService) List(ctx context.Context, filter ports.ConversationFilter) ([]*ports.Conversation, int, error) {
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 20
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.store.ListConversations(ctx, filter)
}

// Stats aggregates conversation activity across all tasks.
func (s *ConversationService) Stats(ctx context.Context) (*ports.ConversationStats, error) {
	return s.store.ConversationStats(ctx)
}
