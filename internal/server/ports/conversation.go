package ports

import "time"

// Message is a single turn within an LLM conversation.
type Message struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Timestamp time.Time        `json:"timestamp"`
	ToolCalls []map[string]any `json:"tool_calls,omitempty"`
}

// Conversation records one agent session driven while executing a task.
// Messages are totally ordered; Success is set when the session ends.
type Conversation struct {
	ID               string         `json:"conversation_id"`
	TaskID           string         `json:"task_id"`
	Model            string         `json:"model,omitempty"`
	Messages         []Message      `json:"messages"`
	TokensPrompt     int64          `json:"tokens_prompt"`
	TokensCompletion int64          `json:"tokens_completion"`
	CostEstimate     float64        `json:"cost_estimate"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	Success          *bool          `json:"success,omitempty"`
	StartedAt        time.Time      `json:"started_at"`
	EndedAt          *time.Time     `json:"ended_at,omitempty"`
}

// Ended reports whether the conversation has been finalized.
func (c *Conversation) Ended() bool {
	return c.EndedAt != nil
}

// ConversationFilter narrows ListConversations results.
type ConversationFilter struct {
	TaskID string
	Model  string
	Limit  int
	Offset int
}

// ConversationStats aggregates conversation activity across all tasks.
type ConversationStats struct {
	TotalConversations      int            `json:"total_conversations"`
	ConversationsByModel    map[string]int `json:"conversations_by_model"`
	AvgMessages             float64        `json:"avg_messages_per_conversation"`
	TotalTokens             int64          `json:"total_tokens_consumed"`
	SuccessRate             float64        `json:"success_rate"`
	SuccessfulConversations int            `json:"successful_conversations"`
}
