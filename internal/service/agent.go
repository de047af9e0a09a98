package service

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/habbes/sandstorm/internal/store"
	"github.com/habbes/sandstorm/pkg/model"
)

// AgentService tracks agent sessions: registration, heartbeats, downstream
// stream attachment, and liveness.
type AgentService struct {
	agents    *store.AgentStore
	sandboxes *store.SandboxStore

	heartbeatInterval time.Duration
	staleThreshold    time.Duration

	sweepStop chan struct{}
}

func NewAgentService(agents *store.AgentStore, sandboxes *store.SandboxStore, heartbeatInterval, staleThreshold time.Duration) *AgentService {
	return &AgentService{
		agents:            agents,
		sandboxes:         sandboxes,
		heartbeatInterval: heartbeatInterval,
		staleThreshold:    staleThreshold,
	}
}

// Register creates or refreshes the agent record. Overwrite semantics: a
// retry or a replacement agent with the same id simply wins, and any stale
// downstream stream handle is cleared.
func (s *AgentService) Register(req *model.RegisterAgentRequest) *model.RegisterAgentResponse {
	now := time.Now()
	s.agents.Upsert(req, now)
	s.promoteSandbox(req.SandboxID)

	slog.Info("agent registered",
		"component", "agent_service",
		"agent_id", req.AgentID,
		"sandbox_id", req.SandboxID,
		"vm_id", req.VMID,
		"agent_version", req.AgentVersion)

	return &model.RegisterAgentResponse{
		OK:                       true,
		HeartbeatIntervalSeconds: int(s.heartbeatInterval / time.Second),
	}
}

// Heartbeat refreshes liveness for a known agent. Unknown agents are told to
// re-register.
func (s *AgentService) Heartbeat(req *model.HeartbeatRequest) *model.HeartbeatResponse {
	status := req.Status
	if status == "" {
		status = model.AgentStatusReady
	}
	if !s.agents.Touch(req.AgentID, status, req.ResourceUsage, time.Now()) {
		return &model.HeartbeatResponse{OK: false, Message: "unknown agent, register first"}
	}
	slog.Debug("agent heartbeat", "component", "agent_service", "agent_id", req.AgentID, "status", status)
	if status == model.AgentStatusReady {
		if sandboxID, ok := s.agents.SandboxIDOf(req.AgentID); ok {
			s.promoteSandbox(sandboxID)
		}
	}
	return &model.HeartbeatResponse{OK: true}
}

// AttachStream stores the downstream stream handle for the agent. The
// returned generation token must be passed to DetachStream on every handler
// exit path so a reconnect's newer stream is never cleared.
func (s *AgentService) AttachStream(agentID string, stream store.CommandSender) (uint64, error) {
	gen, ok := s.agents.AttachStream(agentID, stream)
	if !ok {
		return 0, fmt.Errorf("agent %q: %w", agentID, ErrNotFound)
	}
	slog.Info("agent command stream attached", "component", "agent_service", "agent_id", agentID)
	return gen, nil
}

// DetachStream clears the stream handle if it still belongs to gen.
func (s *AgentService) DetachStream(agentID string, gen uint64) {
	s.agents.DetachStream(agentID, gen)
	slog.Info("agent command stream detached", "component", "agent_service", "agent_id", agentID)
}

// FindReadyAgent returns one agent for the sandbox that is Ready, fresh, and
// streaming. Selection is deterministic by agent id.
func (s *AgentService) FindReadyAgent(sandboxID string) (string, error) {
	agentID, ok := s.agents.FindReady(sandboxID, s.staleThreshold, time.Now())
	if !ok {
		return "", fmt.Errorf("sandbox %q: %w", sandboxID, ErrNoReadyAgent)
	}
	return agentID, nil
}

// ListActive returns agents with a fresh heartbeat.
func (s *AgentService) ListActive() *model.AgentListResponse {
	views := s.agents.ListActive(s.staleThreshold, time.Now())
	agents := make([]model.AgentSummary, 0, len(views))
	for _, v := range views {
		agents = append(agents, model.AgentSummary{
			AgentID:       v.ID,
			SandboxID:     v.SandboxID,
			VMID:          v.VMID,
			AgentVersion:  v.AgentVersion,
			Status:        v.Status,
			LastHeartbeat: v.LastHeartbeat,
			ResourceUsage: v.Usage,
		})
	}
	return &model.AgentListResponse{Agents: agents}
}

// IsSandboxReady reports whether a ready-and-fresh agent with an attached
// stream exists for the sandbox.
func (s *AgentService) IsSandboxReady(sandboxID string) bool {
	_, ok := s.agents.FindReady(sandboxID, s.staleThreshold, time.Now())
	return ok
}

// SandboxIDOf resolves the sandbox an agent belongs to.
func (s *AgentService) SandboxIDOf(agentID string) (string, bool) {
	return s.agents.SandboxIDOf(agentID)
}

// AgentLogs returns the agent-wide log lines.
func (s *AgentService) AgentLogs(agentID string) []string {
	return s.agents.Logs(agentID)
}

// AppendAgentLog attaches an untagged log line to the agent-wide log.
func (s *AgentService) AppendAgentLog(agentID, line string) bool {
	return s.agents.AppendLog(agentID, line)
}

// StartSweeper launches the background liveness sweep. Stale agents are
// marked Unreachable, not deleted, so they can reconnect.
func (s *AgentService) StartSweeper(interval time.Duration) {
	if s.sweepStop != nil {
		return
	}
	s.sweepStop = make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-s.sweepStop:
				return
			}
		}
	}()
}

// StopSweeper stops the background liveness sweep.
func (s *AgentService) StopSweeper() {
	if s.sweepStop != nil {
		close(s.sweepStop)
		s.sweepStop = nil
	}
}

func (s *AgentService) sweep() {
	marked := s.agents.MarkStale(s.staleThreshold, time.Now())
	for _, agentID := range marked {
		slog.Warn("agent marked unreachable",
			"component", "agent_sweeper",
			"agent_id", agentID,
			"stale_threshold", s.staleThreshold.String())
	}
}

// promoteSandbox moves a sandbox that was still provisioning to Ready once
// an agent for it reports in.
func (s *AgentService) promoteSandbox(sandboxID string) {
	if s.sandboxes == nil {
		return
	}
	if s.sandboxes.CompareAndSetStatus(sandboxID, model.SandboxStatusCreating, model.SandboxStatusReady) ||
		s.sandboxes.CompareAndSetStatus(sandboxID, model.SandboxStatusStarting, model.SandboxStatusReady) {
		slog.Info("sandbox ready", "component", "agent_service", "sandbox_id", sandboxID)
	}
}
