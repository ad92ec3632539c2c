// Package handlers provides HTTP request handlers for the server.
// This file handles the Gemini-native /v1beta/models/{model}:generateContent
// and :streamGenerateContent endpoints.
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
	"github.com/poemonsense/antigravity-proxy-go/internal/format"
	"github.com/poemonsense/antigravity-proxy-go/internal/modules"
	"github.com/poemonsense/antigravity-proxy-go/internal/protocol/gemini"
	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
)

// GeminiHandler handles the Gemini-native generateContent endpoints by
// translating onto the Anthropic-shaped dispatcher pipeline that serves
// /v1/messages, the same way ChatCompletionsHandler does for OpenAI.
type GeminiHandler struct {
	accountManager  *account.Manager
	dispatcher      *dispatch.Dispatcher
	cfg             *config.Config
	fallbackEnabled bool
}

// NewGeminiHandler creates a new GeminiHandler.
func NewGeminiHandler(
	accountManager *account.Manager,
	dispatcher *dispatch.Dispatcher,
	cfg *config.Config,
	fallbackEnabled bool,
) *GeminiHandler {
	return &GeminiHandler{
		accountManager:  accountManager,
		dispatcher:      dispatcher,
		cfg:             cfg,
		fallbackEnabled: fallbackEnabled,
	}
}

// modelAndAction splits Gemini's "{model}:{action}" path segment, e.g.
// "gemini-2.0-flash:streamGenerateContent", since gin's router hands the
// whole segment back as one path parameter.
func modelAndAction(raw string) (model, action string) {
	idx := strings.LastIndex(raw, ":")
	if idx < 0 {
		return raw, ""
	}
	return raw[:idx], raw[idx+1:]
}

// GenerateContent handles POST /v1beta/models/{model}:generateContent.
func (h *GeminiHandler) GenerateContent(c *gin.Context) {
	h.handle(c, false)
}

// StreamGenerateContent handles POST /v1beta/models/{model}:streamGenerateContent.
func (h *GeminiHandler) StreamGenerateContent(c *gin.Context) {
	h.handle(c, true)
}

func (h *GeminiHandler) handle(c *gin.Context, stream bool) {
	model, action := modelAndAction(c.Param("modelAction"))
	if action != "generateContent" && action != "streamGenerateContent" {
		h.sendError(c, http.StatusNotFound, "NOT_FOUND", "unsupported action: "+action)
		return
	}

	if h.cfg.ModelMapping != nil {
		if mapping, ok := h.cfg.ModelMapping[model]; ok && mapping != "" {
			utils.Info("[Server] Mapping model %s -> %s", model, mapping)
			model = mapping
		}
	}

	var googleReq format.GoogleRequest
	if err := c.ShouldBindJSON(&googleReq); err != nil {
		h.sendError(c, http.StatusBadRequest, "INVALID_ARGUMENT", "Invalid request body: "+err.Error())
		return
	}
	if len(googleReq.Contents) == 0 {
		h.sendError(c, http.StatusBadRequest, "INVALID_ARGUMENT", "contents is required and must be an array")
		return
	}

	anthropicReq := gemini.ConvertToAnthropic(&googleReq, model)
	utils.Info("[API] %s request for model: %s", action, anthropicReq.Model)

	if stream {
		h.handleStreamingResponse(c, anthropicReq)
	} else {
		h.handleNonStreamingResponse(c, anthropicReq)
	}
}

func (h *GeminiHandler) handleNonStreamingResponse(c *gin.Context, req *anthropic.MessagesRequest) {
	ctx := c.Request.Context()

	resp, err := h.dispatcher.Send(ctx, req, h.fallbackEnabled)
	if err != nil {
		utils.Error("[API] Error: %v", err)
		errorType, statusCode, errorMessage := parseError(err)
		h.sendError(c, statusCode, errorType, errorMessage)
		return
	}

	modules.TrackFromContext(c, req.Model)
	c.JSON(http.StatusOK, gemini.ConvertFromAnthropic(resp))
}

func (h *GeminiHandler) handleStreamingResponse(c *gin.Context, req *anthropic.MessagesRequest) {
	ctx := c.Request.Context()

	events, errs := h.dispatcher.Stream(ctx, req, h.fallbackEnabled)

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

	chunks := gemini.StreamGenerateContentChunks(replay, req.Model)
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			if _, err := c.Writer.Write(chunk); err != nil {
				utils.Error("[API] Error writing generateContent chunk: %v", err)
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

// sendError sends a Gemini-shaped error response.
func (h *GeminiHandler) sendError(c *gin.Context, statusCode int, status, message string) {
	c.JSON(statusCode, gin.H{
		"error": gin.H{
			"code":    statusCode,
			"message": message,
			"status":  status,
		},
	})
}
