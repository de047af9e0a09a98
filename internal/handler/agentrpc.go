package handler

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/habbes/sandstorm/internal/lifecycle"
	"github.com/habbes/sandstorm/internal/logx"
	"github.com/habbes/sandstorm/internal/service"
	"github.com/habbes/sandstorm/internal/store"
	"github.com/habbes/sandstorm/pkg/model"
)

// AgentHandler serves the agent-facing control protocol: unary register,
// heartbeat, and result RPCs as JSON POSTs, plus the GetCommands
// server-stream and SendLogs client-stream as WebSocket connections.
type AgentHandler struct {
	agents     *service.AgentService
	dispatcher *service.Dispatcher
	processes  *store.ProcessStore
	drainState *lifecycle.DrainManager
}

func NewAgentHandler(agents *service.AgentService, dispatcher *service.Dispatcher, processes *store.ProcessStore, drainState *lifecycle.DrainManager) *AgentHandler {
	return &AgentHandler{agents: agents, dispatcher: dispatcher, processes: processes, drainState: drainState}
}

func (h *AgentHandler) RegisterRoutes(r *gin.RouterGroup) {
	agents := r.Group("/agents")
	{
		agents.GET("", h.ListActive)
		agents.POST("/register", h.Register)
		agents.POST("/heartbeat", h.Heartbeat)
		agents.POST("/results", h.SendCommandResult)
		agents.GET("/commands", h.GetCommands)
		agents.GET("/logs", h.SendLogs)
	}
}

func (h *AgentHandler) ListActive(c *gin.Context) {
	c.JSON(http.StatusOK, h.agents.ListActive())
}

func (h *AgentHandler) Register(c *gin.Context) {
	var req model.RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.agents.Register(&req))
}

func (h *AgentHandler) Heartbeat(c *gin.Context) {
	var req model.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.agents.Heartbeat(&req))
}

func (h *AgentHandler) SendCommandResult(c *gin.Context) {
	var req model.CommandResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.dispatcher.HandleResult(&req))
}

// WebSocket upgrader for agent streams
var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins (CORS handled by middleware)
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// GetCommands is the long-lived downstream command stream. The agent opens
// it after registering and holds it; the orchestrator pushes one JSON
// CommandRequest per frame. The stored stream handle is cleared on every
// exit path.
func (h *AgentHandler) GetCommands(c *gin.Context) {
	if h.drainState != nil && h.drainState.IsDraining() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service is draining"})
		return
	}

	agentID := c.Query("agentId")
	if agentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agentId is required"})
		return
	}

	ws, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to upgrade to websocket: " + err.Error()})
		return
	}
	defer ws.Close()

	stream := newWSCommandStream(ws)
	if sandboxID := c.Query("sandboxId"); sandboxID != "" {
		if actual, ok := h.agents.SandboxIDOf(agentID); ok && actual != sandboxID {
			stream.writeError("sandbox id does not match agent registration")
			return
		}
	}
	gen, err := h.agents.AttachStream(agentID, stream)
	if err != nil {
		stream.writeError("unknown agent, register first")
		return
	}
	defer h.agents.DetachStream(agentID, gen)

	release := func() {}
	if h.drainState != nil {
		release = h.drainState.Track()
	}
	defer release()

	// Hold the stream open until the agent disconnects. Reads only service
	// control frames; agents do not send data on this channel.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

// SendLogs is the client-stream log channel: one JSON AgentLogMessage per
// frame. Tagged lines land on the process record, untagged lines on the
// agent-wide log.
func (h *AgentHandler) SendLogs(c *gin.Context) {
	ws, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to upgrade to websocket: " + err.Error()})
		return
	}
	defer ws.Close()

	logger := logx.LoggerWithRequestID(c.Request.Context()).With("component", "agent_rpc")
	for {
		var msg model.AgentLogMessage
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}
		if msg.AgentID == "" {
			continue
		}

		line := formatLogLine(&msg)
		if msg.ProcessID != "" {
			// Association of lines to processes is best-effort: an unknown
			// process id falls back to the agent-wide log.
			if sandboxID, ok := h.agents.SandboxIDOf(msg.AgentID); ok {
				if h.processes.AppendLog(sandboxID, msg.ProcessID, line) {
					continue
				}
			}
		}
		if !h.agents.AppendAgentLog(msg.AgentID, line) {
			logger.Debug("dropped log line from unknown agent", "agent_id", msg.AgentID)
		}
	}
}

func formatLogLine(msg *model.AgentLogMessage) string {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	level := msg.Level
	if level == "" {
		level = "info"
	}
	return fmt.Sprintf("%s [%s] %s", ts.UTC().Format(time.RFC3339), level, msg.Message)
}

// wsCommandStream wraps a WebSocket connection as a store.CommandSender.
// The write lock serializes concurrent command writes to the same socket.
type wsCommandStream struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func newWSCommandStream(ws *websocket.Conn) *wsCommandStream {
	return &wsCommandStream{ws: ws}
}

func (s *wsCommandStream) SendCommand(req model.CommandRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws.WriteJSON(req)
}

func (s *wsCommandStream) writeError(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.ws.WriteJSON(gin.H{"error": message})
}
