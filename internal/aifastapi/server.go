package aifastapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Server AI-Fast-API 插件的 HTTP 服务器
type Server struct {
	server  *http.Server
	rotator *Rotator
	logger  *zap.Logger
}

// ServerConfig HTTP 服务器配置
type ServerConfig struct {
	Host string
	Port int
	Mode string // debug, release
}

// streamChunk OpenAI 流式分片格式
type streamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []streamChoice `json:"choices"`
}

type streamChoice struct {
	Index        int         `json:"index"`
	Delta        streamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type streamDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// NewServer 创建服务器
func NewServer(cfg ServerConfig, rotator *Rotator, logger *zap.Logger) *Server {
	if cfg.Mode == "release" || cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		rotator: rotator,
		logger:  logger.With(zap.String("component", "aifastapi-server")),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(s.logger))
	s.setupRoutes(router)

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: router,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start 启动服务器（非阻塞）
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting AI-Fast-API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop 优雅停止
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping AI-Fast-API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes(router *gin.Engine) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})

	v1 := router.Group("/v1")
	{
		v1.GET("/models", s.listModels)
		v1.GET("/providers", s.listProviders)
		v1.POST("/chat/completions", s.chatCompletions)
		v1.POST("/images/generations", s.imageGenerations)
	}
}

func (s *Server) listModels(c *gin.Context) {
	models := s.rotator.Models(c.Request.Context())
	data := make([]gin.H, 0, len(models))
	for _, m := range models {
		data = append(data, gin.H{
			"id":       m,
			"object":   "model",
			"owned_by": "auto-rotate",
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

func (s *Server) listProviders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.rotator.Providers()})
}

func (s *Server) chatCompletions(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error(), "invalid_request_error"))
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, errorResponse("messages array must not be empty", "invalid_request_error"))
		return
	}

	resp, err := s.rotator.CreateChatCompletion(c.Request.Context(), req)
	if err != nil {
		s.logger.Warn("chat completion failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, errorResponse(err.Error(), "rotation_error"))
		return
	}

	if req.Stream {
		s.writeTwoChunkStream(c, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// writeTwoChunkStream wraps a complete response as a minimal SSE
// stream: one role+content delta, then one finish chunk, then [DONE].
func (s *Server) writeTwoChunkStream(c *gin.Context, resp *ChatResponse) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	s.writeSSEChunk(c.Writer, streamChunk{
		ID:      resp.ID,
		Object:  "chat.completion.chunk",
		Created: resp.Created,
		Model:   resp.Model,
		Choices: []streamChoice{{
			Delta: streamDelta{Role: "assistant", Content: content},
		}},
	})
	c.Writer.Flush()

	finish := "stop"
	s.writeSSEChunk(c.Writer, streamChunk{
		ID:      resp.ID,
		Object:  "chat.completion.chunk",
		Created: resp.Created,
		Model:   resp.Model,
		Choices: []streamChoice{{
			Delta:        streamDelta{},
			FinishReason: &finish,
		}},
	})
	c.Writer.Flush()

	io.WriteString(c.Writer, "data: [DONE]\n\n")
	c.Writer.Flush()
}

func (s *Server) imageGenerations(c *gin.Context) {
	if !s.rotator.SupportsImageGeneration() {
		c.JSON(http.StatusNotImplemented,
			errorResponse("image generation requires g4f in the backend chain", "not_implemented"))
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error(), "invalid_request_error"))
		return
	}
	out, status, err := s.rotator.CreateImage(c.Request.Context(), body)
	if err != nil {
		c.JSON(http.StatusBadGateway, errorResponse(err.Error(), "rotation_error"))
		return
	}
	c.Data(status, "application/json", out)
}

func (s *Server) writeSSEChunk(w io.Writer, chunk streamChunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		s.logger.Error("Failed to marshal SSE chunk", zap.Error(err))
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func errorResponse(message, errType string) gin.H {
	return gin.H{
		"error": gin.H{
			"message": message,
			"type":    errType,
		},
	}
}

// ginLogger Gin 日志中间件
func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
