package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"taskexec/internal/server/app"
	"taskexec/internal/server/ports"
)

// ConversationHandler serves the /llm-conversations routes.
type ConversationHandler struct {
	conversations *app.ConversationService
}

// NewConversationHandler constructs a ConversationHandler.
func NewConversationHandler(conversations *app.ConversationService) *ConversationHandler {
	return &ConversationHandler{conversations: conversations}
}

// List handles GET /llm-conversations.
func (h *ConversationHandler) List(c *gin.Context) {
	filter := ports.ConversationFilter{
		TaskID: c.Query("task_id"),
		Model:  c.Query("model"),
		Limit:  intQuery(c, "limit", 20),
		Offset: intQuery(c, "offset", 0),
	}

	conversations, total, err := h.conversations.List(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	if conversations == nil {
		conversations = []*ports.Conversation{}
	}
	c.JSON(http.StatusOK, gin.H{
		"conversations": conversations,
		"total":         total,
		"limit":         filter.Limit,
		"offset":        filter.Offset,
	})
}

// Get handles GET /llm-conversations/:conversation_id.
func (h *ConversationHandler) Get(c *gin.Context) {
	conv, err := h.conversations.Get(c.Request.Context(), c.Param("conversation_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// Messages handles GET /llm-conversations/:conversation_id/messages?role=.
func (h *ConversationHandler) Messages(c *gin.Context) {
	conv, err := h.conversations.Get(c.Request.Context(), c.Param("conversation_id"))
	if err != nil {
		writeError(c, err)
		return
	}

	role := c.Query("role")
	messages := make([]ports.Message, 0, len(conv.Messages))
	for _, msg := range conv.Messages {
		if role != "" && msg.Role != role {
			continue
		}
		messages = append(messages, msg)
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages, "total": len(messages)})
}

// ByTask handles GET /llm-conversations/task/:task_id/conversations.
func (h *ConversationHandler) ByTask(c *gin.Context) {
	conversations, total, err := h.conversations.List(c.Request.Context(), ports.ConversationFilter{
		TaskID: c.Param("task_id"),
		Limit:  intQuery(c, "limit", 20),
		Offset: intQuery(c, "offset", 0),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if conversations == nil {
		conversations = []*ports.Conversation{}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": conversations, "total": total})
}

// Stats handles GET /llm-conversations/stats/summary.
func (h *ConversationHandler) Stats(c *gin.Context) {
	stats, err := h.conversations.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
