package memstore

import (
	"context"
	"fmt"
	"sort"

	"taskexec/internal/server/app"
	"taskexec/internal/server/ports"
)

// InsertConversation stores a new conversation.
func (s *Store) InsertConversation(ctx context.Context, c *ports.Conversation) error {
	if err := s.mu.lock(ctx); err != nil {
		return err
	}
	defer s.mu.unlock()

	if _, ok := s.conversations[c.ID]; ok {
		return app.ConflictError(fmt.Sprintf("conversation %s already exists", c.ID))
	}
	s.conversations[c.ID] = cloneConversation(c)
	return nil
}

// UpdateConversation replaces a conversation's mutable fields.
func (s *Store) UpdateConversation(ctx context.Context, c *ports.Conversation) error {
	if err := s.mu.lock(ctx); err != nil {
		return err
	}
	defer s.mu.unlock()

	existing, ok := s.conversations[c.ID]
	if !ok {
		return app.NotFoundError(fmt.Sprintf("conversation %s", c.ID))
	}
	clone := cloneConversation(c)
	clone.TaskID = existing.TaskID
	clone.StartedAt = existing.StartedAt
	s.conversations[c.ID] = clone
	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *Store) GetConversation(ctx context.Context, id string) (*ports.Conversation, error) {
	if err := s.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, app.NotFoundError(fmt.Sprintf("conversation %s", id))
	}
	return cloneConversation(conv), nil
}

// ListConversations returns conversations matching the filter, newest first,
// with the total count before pagination.
func (s *Store) ListConversations(ctx context.Context, filter ports.ConversationFilter) ([]*ports.Conversation, int, error) {
	if err := s.mu.lock(ctx); err != nil {
		return nil, 0, err
	}
	defer s.mu.unlock()

	matched := make([]*ports.Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		if filter.TaskID != "" && conv.TaskID != filter.TaskID {
			continue
		}
		if filter.Model != "" && conv.Model != filter.Model {
			continue
		}
		matched = append(matched, conv)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].StartedAt.After(matched[j].StartedAt)
	})

	total := len(matched)
	matched = paginate(matched, filter.Offset, filter.Limit)

	out := make([]*ports.Conversation, 0, len(matched))
	for _, conv := range matched {
		out = append(out, cloneConversation(conv))
	}
	return out, total, nil
}

// ConversationStats aggregates conversation activity across all tasks.
func (s *Store) ConversationStats(ctx context.Context) (*ports.ConversationStats, error) {
	if err := s.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.unlock()

	stats := &ports.ConversationStats{
		ConversationsByModel: make(map[string]int),
	}

	var totalMessages int
	var ended int
	for _, conv := range s.conversations {
		stats.TotalConversations++
		totalMessages += len(conv.Messages)
		stats.TotalTokens += conv.TokensPrompt + conv.TokensCompletion
		if conv.Model != "" {
			stats.ConversationsByModel[conv.Model]++
		}
		if conv.Success != nil {
			ended++
			if *conv.Success {
				stats.SuccessfulConversations++
			}
		}
	}
	if stats.TotalConversations > 0 {
		stats.AvgMessages = float64(totalMessages) / float64(stats.TotalConversations)
	}
	if ended > 0 {
		stats.SuccessRate = float64(stats.SuccessfulConversations) / float64(ended)
	}
	return stats, nil
}

func cloneConversation(c *ports.Conversation) *ports.Conversation {
	clone := *c
	clone.Messages = append([]ports.Message(nil), c.Messages...)
	clone.Metadata = cloneMap(c.Metadata)
	clone.EndedAt = cloneTime(c.EndedAt)
	if c.Success != nil {
		v := *c.Success
		clone.Success = &v
	}
	return &clone
}
