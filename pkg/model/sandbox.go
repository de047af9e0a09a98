package model

import "time"

type SandboxStatus string

const (
	SandboxStatusCreating SandboxStatus = "Creating"
	SandboxStatusStarting SandboxStatus = "Starting"
	SandboxStatusReady    SandboxStatus = "Ready"
	SandboxStatusStopping SandboxStatus = "Stopping"
	SandboxStatusStopped  SandboxStatus = "Stopped"
	SandboxStatusDeleted  SandboxStatus = "Deleted"
	SandboxStatusError    SandboxStatus = "Error"
)

// SandboxConfiguration describes the VM a sandbox runs in. The orchestrator
// treats it as opaque; only the CloudProvider interprets it.
type SandboxConfiguration struct {
	ImageID       string            `json:"imageId"`
	Size          string            `json:"size,omitempty"`
	Region        string            `json:"region,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
	AdminUsername string            `json:"adminUsername,omitempty"`
	AdminPassword string            `json:"adminPassword,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
}

type Sandbox struct {
	ID            string               `json:"id"`
	Status        SandboxStatus        `json:"status"`
	PublicIP      string               `json:"publicIp,omitempty"`
	Configuration SandboxConfiguration `json:"configuration"`
	CreatedAt     time.Time            `json:"createdAt"`
}

// CreateSandboxRequest supports both a literal configuration and
// template-based creation. With neither, the default image is used.
type CreateSandboxRequest struct {
	Configuration *SandboxConfiguration `json:"configuration"`

	Template        string            `json:"template"`
	TemplateVersion int               `json:"templateVersion"`
	Overrides       *SandboxOverrides `json:"overrides"`
}

// SandboxOverrides allows overriding template configuration per sandbox.
// Network-affecting fields are never overridable.
type SandboxOverrides struct {
	Size string            `json:"size,omitempty"`
	Env  map[string]string `json:"env,omitempty"`
}

type CreateSandboxResponse struct {
	ID     string        `json:"id"`
	Status SandboxStatus `json:"status"`
}

type SandboxSummary struct {
	ID        string        `json:"id"`
	Status    SandboxStatus `json:"status"`
	PublicIP  string        `json:"publicIp,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
}

type SandboxListResponse struct {
	Sandboxes []SandboxSummary `json:"sandboxes"`
}

type MessageResponse struct {
	Message string `json:"message"`
}
