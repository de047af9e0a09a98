package model

import "time"

type AgentStatus string

const (
	AgentStatusStarting    AgentStatus = "Starting"
	AgentStatusReady       AgentStatus = "Ready"
	AgentStatusBusy        AgentStatus = "Busy"
	AgentStatusUnreachable AgentStatus = "Unreachable"
)

// ResourceUsage is the optional usage snapshot an agent reports with each
// heartbeat.
type ResourceUsage struct {
	CPUPercent   float64 `json:"cpuPercent"`
	MemoryBytes  int64   `json:"memoryBytes"`
	DiskBytes    int64   `json:"diskBytes"`
	ProcessCount int     `json:"processCount"`
}

type RegisterAgentRequest struct {
	AgentID      string            `json:"agentId" binding:"required"`
	SandboxID    string            `json:"sandboxId" binding:"required"`
	VMID         string            `json:"vmId"`
	AgentVersion string            `json:"agentVersion"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type RegisterAgentResponse struct {
	OK                       bool   `json:"ok"`
	Message                  string `json:"message,omitempty"`
	HeartbeatIntervalSeconds int    `json:"heartbeatIntervalSeconds"`
}

type HeartbeatRequest struct {
	AgentID       string         `json:"agentId" binding:"required"`
	Status        AgentStatus    `json:"status"`
	ResourceUsage *ResourceUsage `json:"resourceUsage,omitempty"`
}

type HeartbeatResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

type CommandKind string

const (
	// CommandKindExec asks the agent to run a shell command.
	CommandKindExec CommandKind = "exec"
	// CommandKindTerminate asks the agent to kill a previously dispatched
	// command, identified by TargetProcessID.
	CommandKindTerminate CommandKind = "terminate"
)

// CommandRequest is one message on the downstream command stream from the
// orchestrator to an agent.
type CommandRequest struct {
	CommandID       string            `json:"commandId"`
	Kind            CommandKind       `json:"kind"`
	Command         string            `json:"command,omitempty"`
	TimeoutSeconds  int               `json:"timeoutSeconds,omitempty"`
	WorkingDir      string            `json:"workingDir,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	TargetProcessID string            `json:"targetProcessId,omitempty"`
}

// CommandResultRequest carries a finished command's outcome from the agent
// back to the orchestrator.
type CommandResultRequest struct {
	CommandID  string `json:"commandId" binding:"required"`
	AgentID    string `json:"agentId"`
	ExitCode   int    `json:"exitCode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"durationMs"`
	Success    bool   `json:"success"`
}

type CommandResultResponse struct {
	OK bool `json:"ok"`
}

type AgentSummary struct {
	AgentID       string         `json:"agentId"`
	SandboxID     string         `json:"sandboxId"`
	VMID          string         `json:"vmId,omitempty"`
	AgentVersion  string         `json:"agentVersion,omitempty"`
	Status        AgentStatus    `json:"status"`
	LastHeartbeat time.Time      `json:"lastHeartbeat"`
	ResourceUsage *ResourceUsage `json:"resourceUsage,omitempty"`
}

type AgentListResponse struct {
	Agents []AgentSummary `json:"agents"`
}

// AgentLogMessage is one message on the client-stream log channel. ProcessID
// is optional; untagged lines attach to the agent-wide log.
type AgentLogMessage struct {
	AgentID   string    `json:"agentId"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	ProcessID string    `json:"processId,omitempty"`
}
