// Package handlers provides HTTP request handlers for the server.
// This file handles the OpenAI-compatible /v1/chat/completions endpoint.
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/poemonsense/antigravity-proxy-go/internal/account"
	"github.com/poemonsense/antigravity-proxy-go/internal/cloudcode"
	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/internal/dispatch"
	"github.com/poemonsense/antigravity-proxy-go/internal/errors"
	"github.com/poemonsense/antigravity-proxy-go/internal/modules"
	"github.com/poemonsense/antigravity-proxy-go/internal/protocol/openai"
	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
)

// ChatCompletionsHandler handles the OpenAI-compatible /v1/chat/completions
// endpoint by translating onto the Anthropic-shaped dispatcher pipeline that
// serves /v1/messages.
type ChatCompletionsHandler struct {
	accountManager  *account.Manager
	dispatcher      *dispatch.Dispatcher
	cfg             *config.Config
	fallbackEnabled bool
}

// NewChatCompletionsHandler creates a new ChatCompletionsHandler.
func NewChatCompletionsHandler(
	accountManager *account.Manager,
	dispatcher *dispatch.Dispatcher,
	cfg *config.Config,
	fallbackEnabled bool,
) *ChatCompletionsHandler {
	return &ChatCompletionsHandler{
		accountManager:  accountManager,
		dispatcher:      dispatcher,
		cfg:             cfg,
		fallbackEnabled: fallbackEnabled,
	}
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *ChatCompletionsHandler) ChatCompletions(c *gin.Context) {
	var req openai.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.sendError(c, http.StatusBadRequest, "invalid_request_error", "Invalid request body: "+err.Error())
		return
	}

	if req.Model == "" {
		h.sendError(c, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}
	if h.cfg.ModelMapping != nil {
		if mapping, ok := h.cfg.ModelMapping[req.Model]; ok && mapping != "" {
			utils.Info("[Server] Mapping model %s -> %s", req.Model, mapping)
			req.Model = mapping
		}
	}
	if len(req.Messages) == 0 {
		h.sendError(c, http.StatusBadRequest, "invalid_request_error", "messages is required and must be an array")
		return
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = 4096
	}

	anthropicReq := openai.ConvertToAnthropic(&req)
	utils.Info("[API] chat.completions request for model: %s, stream: %t", anthropicReq.Model, req.Stream)

	// Codex-style clients self-identify with a "codex" hint in the model name.
	codexEvents := strings.Contains(strings.ToLower(req.Model), "codex")

	if req.Stream {
		h.handleStreamingResponse(c, anthropicReq, codexEvents)
	} else {
		h.handleNonStreamingResponse(c, anthropicReq)
	}
}

func (h *ChatCompletionsHandler) handleNonStreamingResponse(c *gin.Context, req *anthropic.MessagesRequest) {
	ctx := c.Request.Context()

	resp, err := h.dispatcher.Send(ctx, req, h.fallbackEnabled)
	if err != nil {
		utils.Error("[API] Error: %v", err)
		errorType, statusCode, errorMessage := parseError(err)
		h.sendError(c, statusCode, errorType, errorMessage)
		return
	}

	modules.TrackFromContext(c, req.Model)
	c.JSON(http.StatusOK, openai.ConvertFromAnthropic(resp))
}

func (h *ChatCompletionsHandler) handleStreamingResponse(c *gin.Context, req *anthropic.MessagesRequest, codexEvents bool) {
	ctx := c.Request.Context()

	events, errs := h.dispatcher.Stream(ctx, req, h.fallbackEnabled)

	// Buffer the first event before committing headers, mirroring the
	// Anthropic handler's strategy for surfacing a pre-stream failure as a
	// normal JSON error response instead of a truncated SSE body.
	var firstEvent *cloudcode.SSEEvent
	var firstErr error
	select {
	case event, ok := <-events:
		if !ok {
			select {
			case err := <-errs:
				firstErr = err
			default:
				firstErr = errors.NewEmptyResponseError("No response received")
			}
		} else {
			firstEvent = event
		}
	case err := <-errs:
		firstErr = err
	}

	if firstErr != nil {
		errorType, statusCode, errorMessage := parseError(firstErr)
		h.sendError(c, statusCode, errorType, errorMessage)
		return
	}

	modules.TrackFromContext(c, req.Model)

	c.Status(http.StatusOK)
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.Flush()

	replay := make(chan *cloudcode.SSEEvent, 100)
	replay <- firstEvent
	go func() {
		defer close(replay)
		for e := range events {
			replay <- e
		}
	}()

	chunks := openai.StreamChatCompletionChunks(replay, req.Model, codexEvents)
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			if _, err := c.Writer.Write(chunk); err != nil {
				utils.Error("[API] Error writing chat.completion.chunk: %v", err)
				return
			}
			c.Writer.Flush()
		case err := <-errs:
			if err != nil {
				utils.Error("[API] Mid-stream error: %v", err)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

// sendError sends an OpenAI-shaped error response.
func (h *ChatCompletionsHandler) sendError(c *gin.Context, statusCode int, errorType, message string) {
	c.JSON(statusCode, gin.H{
		"error": gin.H{
			"type":    errorType,
			"message": message,
		},
	})
}
