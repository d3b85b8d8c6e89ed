package postgresstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"taskexec/internal/server/app"
	"taskexec/internal/server/ports"
)

const conversationColumns = `id, task_id, model, messages, tokens_prompt, tokens_completion,
cost_estimate, metadata, success, started_at, ended_at`

func scanConversation(row rowScanner) (*ports.Conversation, error) {
	var (
		conv     ports.Conversation
		msgJSON  []byte
		metaJSON []byte
	)
	err := row.Scan(
		&conv.ID,
		&conv.TaskID,
		&conv.Model,
		&msgJSON,
		&conv.TokensPrompt,
		&conv.TokensCompletion,
		&conv.CostEstimate,
		&metaJSON,
		&conv.Success,
		&conv.StartedAt,
		&conv.EndedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := decodeJSONB(msgJSON, &conv.Messages); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	if err := decodeJSONB(metaJSON, &conv.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &conv, nil
}

// InsertConversation stores a new conversation row.
func (s *Store) InsertConversation(ctx context.Context, c *ports.Conversation) error {
	msgJSON, err := json.Marshal(c.Messages)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	metaJSON, err := encodeJSONB(c.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	query := fmt.Sprintf(`
INSERT INTO %s (id, task_id, model, messages, tokens_prompt, tokens_completion,
    cost_estimate, metadata, success, started_at, ended_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`, conversationTable)

	_, err = s.pool.Exec(ctx, query,
		c.ID, c.TaskID, c.Model, msgJSON, c.TokensPrompt, c.TokensCompletion,
		c.CostEstimate, metaJSON, c.Success, c.StartedAt, c.EndedAt)
	return wrapStoreErr(err)
}

// UpdateConversation replaces a conversation's mutable fields.
func (s *Store) UpdateConversation(ctx context.Context, c *ports.Conversation) error {
	msgJSON, err := json.Marshal(c.Messages)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	metaJSON, err := encodeJSONB(c.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	query := fmt.Sprintf(`
UPDATE %s SET messages = $2, tokens_prompt = $3, tokens_completion = $4,
    cost_estimate = $5, metadata = $6, success = $7, ended_at = $8
WHERE id = $1`, conversationTable)

	tag, err := s.pool.Exec(ctx, query,
		c.ID, msgJSON, c.TokensPrompt, c.TokensCompletion,
		c.CostEstimate, metaJSON, c.Success, c.EndedAt)
	if err != nil {
		return wrapStoreErr(err)
	}
	if tag.RowsAffected() == 0 {
		return app.NotFoundError(fmt.Sprintf("conversation %s", c.ID))
	}
	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *Store) GetConversation(ctx context.Context, id string) (*ports.Conversation, error) {
	query := fmt.Sprintf(`SELECT `+conversationColumns+` FROM %s WHERE id = $1`, conversationTable)
	conv, err := scanConversation(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
			return nil, app.NotFoundError(fmt.Sprintf("conversation %s", id))
		}
		return nil, wrapStoreErr(err)
	}
	return conv, nil
}

// ListConversations returns conversations matching the filter, newest first,
// with the total count before pagination.
func (s *Store) ListConversations(ctx context.Context, filter ports.ConversationFilter) ([]*ports.Conversation, int, error) {
	where := " WHERE 1=1"
	args := []any{}
	if filter.TaskID != "" {
		args = append(args, filter.TaskID)
		where += fmt.Sprintf(" AND task_id = $%d", len(args))
	}
	if filter.Model != "" {
		args = append(args, filter.Model)
		where += fmt.Sprintf(" AND model = $%d", len(args))
	}

	var total int
	countQuery := fmt.Sprintf(`SELECT count(*) FROM %s`, conversationTable) + where
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, wrapStoreErr(err)
	}

	query := fmt.Sprintf(`SELECT `+conversationColumns+` FROM %s`, conversationTable) + where +
		" ORDER BY started_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, wrapStoreErr(err)
	}
	defer rows.Close()

	var conversations []*ports.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, 0, err
		}
		conversations = append(conversations, conv)
	}
	return conversations, total, rows.Err()
}

// ConversationStats aggregates conversation activity across all tasks.
func (s *Store) ConversationStats(ctx context.Context) (*ports.ConversationStats, error) {
	stats := &ports.ConversationStats{
		ConversationsByModel: make(map[string]int),
	}

	summary := fmt.Sprintf(`
SELECT count(*),
    COALESCE(avg(jsonb_array_length(messages)), 0),
    COALESCE(sum(tokens_prompt + tokens_completion), 0),
    count(*) FILTER (WHERE success = true),
    count(*) FILTER (WHERE success IS NOT NULL)
FROM %s`, conversationTable)

	var ended int
	err := s.pool.QueryRow(ctx, summary).Scan(
		&stats.TotalConversations,
		&stats.AvgMessages,
		&stats.TotalTokens,
		&stats.SuccessfulConversations,
		&ended,
	)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if ended > 0 {
		stats.SuccessRate = float64(stats.SuccessfulConversations) / float64(ended)
	}

	byModel := fmt.Sprintf(`SELECT model, count(*) FROM %s WHERE model <> '' GROUP BY model`, conversationTable)
	if err := s.scanCountMap(ctx, byModel, stats.ConversationsByModel); err != nil {
		return nil, err
	}
	return stats, nil
}
