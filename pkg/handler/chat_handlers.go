// Chat HTTP handlers
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/loomchat/loomchat/pkg/cache"
	"github.com/loomchat/loomchat/pkg/event"
	"github.com/loomchat/loomchat/pkg/models"
	"github.com/loomchat/loomchat/pkg/service"
	"github.com/loomchat/loomchat/pkg/store"
)

// ChatHandler handles chat-related HTTP requests
type ChatHandler struct {
	chatService *service.ChatService
	store       *store.Store
	emitter     *event.Emitter

	// Optional read-path acceleration and stream-snapshot fallback.
	cache   *cache.Cache
	archive *cache.StreamArchive
}

// NewChatHandler creates a new chat handler
func NewChatHandler(chatService *service.ChatService, st *store.Store, emitter *event.Emitter) *ChatHandler {
	if emitter == nil {
		emitter = event.Global()
	}
	return &ChatHandler{
		chatService: chatService,
		store:       st,
		emitter:     emitter,
	}
}

// SetCache enables cached conversation reads.
func (h *ChatHandler) SetCache(c *cache.Cache) {
	h.cache = c
}

// SetStreamArchive enables snapshot lookups for streams that already left
// memory.
func (h *ChatHandler) SetStreamArchive(a *cache.StreamArchive) {
	h.archive = a
}

// RegisterRoutes registers chat routes
func (h *ChatHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/chat/messages", h.SendMessage)
	r.POST("/chat/messages/stream", h.StreamMessage)

	conversations := r.Group("/chat/conversations")
	{
		conversations.GET("", h.ListConversations)
		conversations.GET("/:id", h.GetConversation)
		conversations.PATCH("/:id", h.UpdateConversation)
		conversations.GET("/:id/messages", h.GetMessages)
	}

	r.GET("/streams/:id", h.GetStreamState)
}

// SendMessage handles the synchronous chat path
// POST /api/v1/chat/messages
func (h *ChatHandler) SendMessage(c *gin.Context) {
	var req models.ChatMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.chatService.ProcessMessage(c.Request.Context(), req.Content, req.UserID, req.ConversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	h.emitConversationCreated(req, msg)
	c.JSON(http.StatusOK, msg)
}

// StreamMessage handles the streaming chat path over SSE
// POST /api/v1/chat/messages/stream
func (h *ChatHandler) StreamMessage(c *gin.Context) {
	var req models.ChatMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Set SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // Disable nginx buffering

	w := c.Writer

	writeFrame := func(chunk models.StreamChunk) error {
		data, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		w.Flush()
		return nil
	}

	// Correlation ids arrive via OnStart; every later frame carries them.
	var streamID, messageID, conversationID string
	index := 0

	opts := service.StreamOptions{
		OnStart: func(sid, mid, cid string) {
			streamID, messageID, conversationID = sid, mid, cid
			_ = writeFrame(models.StreamChunk{
				StreamID:       streamID,
				MessageID:      messageID,
				ConversationID: conversationID,
			})
		},
		OnChunk: func(text string) error {
			index++
			h.emitter.Emit(event.ChatChunkEvent{
				StreamID:       streamID,
				MessageID:      messageID,
				ConversationID: conversationID,
				Index:          index,
				Content:        text,
			})
			return writeFrame(models.StreamChunk{
				StreamID:       streamID,
				MessageID:      messageID,
				ConversationID: conversationID,
				Index:          index,
				Delta:          text,
			})
		},
		OnComplete: func() error {
			return writeFrame(models.StreamChunk{
				StreamID:       streamID,
				MessageID:      messageID,
				ConversationID: conversationID,
				Index:          index,
				Done:           true,
			})
		},
		OnError: func(err error) {
			h.emitter.Emit(event.ChatErrorEvent{
				StreamID:       streamID,
				MessageID:      messageID,
				ConversationID: conversationID,
				Error:          err.Error(),
			})
			_ = writeFrame(models.StreamChunk{
				StreamID:       streamID,
				MessageID:      messageID,
				ConversationID: conversationID,
				Index:          index,
				Done:           true,
				Error:          err.Error(),
			})
		},
	}

	msg, err := h.chatService.ProcessStreamingMessage(c.Request.Context(), req.Content, req.UserID, req.ConversationID, opts)
	if err != nil {
		// The error frame already went out through OnError.
		fmt.Fprintf(w, "data: [DONE]\n\n")
		w.Flush()
		return
	}

	h.emitConversationCreated(req, msg)
	if msg.Meta != nil {
		h.emitter.Emit(event.ChatCompletedEvent{
			StreamID:       msg.Meta.StreamID,
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			ChunkCount:     msg.Meta.ChunkCount,
			ContentLength:  msg.Meta.TotalLength,
		})
	}

	fmt.Fprintf(w, "data: [DONE]\n\n")
	w.Flush()
}

func (h *ChatHandler) emitConversationCreated(req models.ChatMessageRequest, msg *models.Message) {
	if req.ConversationID == msg.ConversationID {
		return
	}
	title := ""
	if conv, err := h.store.GetConversation(msg.ConversationID); err == nil {
		title = conv.Title
	}
	h.emitter.Emit(event.ConversationCreatedEvent{
		ConversationID: msg.ConversationID,
		UserID:         req.UserID,
		Title:          title,
	})
}

// ListConversations lists a user's conversations
// GET /api/v1/chat/conversations?user_id=xxx&include_archived=true
func (h *ChatHandler) ListConversations(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	includeArchived, _ := strconv.ParseBool(c.DefaultQuery("include_archived", "false"))

	if !includeArchived && h.cache != nil {
		if convs, ok := h.cache.GetConversationList(c.Request.Context(), userID); ok {
			c.JSON(http.StatusOK, gin.H{"conversations": convs})
			return
		}
	}

	convs, err := h.store.ListConversations(userID, includeArchived)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !includeArchived && h.cache != nil {
		h.cache.SetConversationList(c.Request.Context(), userID, convs)
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

// GetConversation retrieves one conversation
// GET /api/v1/chat/conversations/:id
func (h *ChatHandler) GetConversation(c *gin.Context) {
	id := c.Param("id")

	if h.cache != nil {
		if conv, ok := h.cache.GetConversation(c.Request.Context(), id); ok {
			c.JSON(http.StatusOK, conv)
			return
		}
	}

	conv, err := h.store.GetConversation(id)
	if err != nil {
		if errors.Is(err, store.ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if h.cache != nil {
		h.cache.SetConversation(c.Request.Context(), conv)
	}
	c.JSON(http.StatusOK, conv)
}

// UpdateConversation patches title or archived flag
// PATCH /api/v1/chat/conversations/:id
func (h *ChatHandler) UpdateConversation(c *gin.Context) {
	id := c.Param("id")
	var req models.ConversationUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	updates := make(map[string]interface{})
	if req.Title != nil {
		updates["title"] = *req.Title
	}
	if req.Archived != nil {
		updates["archived"] = *req.Archived
	}

	conv, err := h.store.UpdateConversation(id, updates)
	if err != nil {
		if errors.Is(err, store.ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if h.cache != nil {
		h.cache.SetConversation(c.Request.Context(), conv)
		h.cache.InvalidateConversationList(c.Request.Context(), conv.UserID)
	}
	h.emitter.Emit(event.ConversationUpdatedEvent{ConversationID: conv.ID})
	c.JSON(http.StatusOK, conv)
}

// GetMessages returns a conversation's messages in order
// GET /api/v1/chat/conversations/:id/messages
func (h *ChatHandler) GetMessages(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.store.GetConversation(id); err != nil {
		if errors.Is(err, store.ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	msgs, err := h.store.ListMessages(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// GetStreamState inspects a live or recently finished stream
// GET /api/v1/streams/:id
func (h *ChatHandler) GetStreamState(c *gin.Context) {
	id := c.Param("id")

	if view, ok := h.chatService.StreamState(id); ok {
		c.JSON(http.StatusOK, gin.H{"stream": view, "live": true})
		return
	}
	if h.archive != nil {
		if view, ok := h.archive.LoadStreamState(c.Request.Context(), id); ok {
			c.JSON(http.StatusOK, gin.H{"stream": view, "live": false})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "stream not found"})
}
