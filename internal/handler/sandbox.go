package handler

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/habbes/sandstorm/internal/service"
	"github.com/habbes/sandstorm/pkg/model"
)

// SandboxHandler serves the client-facing sandbox and command endpoints.
type SandboxHandler struct {
	sandboxes *service.SandboxService
	commands  *service.CommandService
}

func NewSandboxHandler(sandboxes *service.SandboxService, commands *service.CommandService) *SandboxHandler {
	return &SandboxHandler{sandboxes: sandboxes, commands: commands}
}

func (h *SandboxHandler) RegisterRoutes(r *gin.RouterGroup) {
	sandboxes := r.Group("/sandboxes")
	{
		sandboxes.POST("", h.Create)
		sandboxes.GET("", h.List)
		sandboxes.GET("/:id", h.Get)
		sandboxes.DELETE("/:id", h.Delete)
		sandboxes.POST("/:id/commands", h.SubmitCommand)
		sandboxes.GET("/:id/commands/:pid/status", h.CommandStatus)
		sandboxes.GET("/:id/commands/:pid/logs", h.CommandLogs)
		sandboxes.DELETE("/:id/commands/:pid", h.TerminateCommand)
	}
}

func (h *SandboxHandler) Create(c *gin.Context) {
	var req model.CreateSandboxRequest
	// An empty body means "create with the default image".
	if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.sandboxes.Create(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *SandboxHandler) Get(c *gin.Context) {
	sandbox, err := h.sandboxes.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sandbox)
}

func (h *SandboxHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, h.sandboxes.List())
}

func (h *SandboxHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.sandboxes.Delete(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, model.MessageResponse{Message: "sandbox deletion accepted"})
}

func (h *SandboxHandler) SubmitCommand(c *gin.Context) {
	id := c.Param("id")

	var req model.SubmitCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.SandboxID != "" && req.SandboxID != id {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sandbox id in body does not match url"})
		return
	}

	resp, err := h.commands.Submit(id, &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *SandboxHandler) CommandStatus(c *gin.Context) {
	resp, err := h.commands.Status(c.Param("id"), c.Param("pid"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *SandboxHandler) CommandLogs(c *gin.Context) {
	resp, err := h.commands.Logs(c.Param("id"), c.Param("pid"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *SandboxHandler) TerminateCommand(c *gin.Context) {
	if err := h.commands.Terminate(c.Param("id"), c.Param("pid")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, model.MessageResponse{Message: "termination accepted"})
}
