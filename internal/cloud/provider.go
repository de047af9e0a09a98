// Package cloud defines the provisioning collaborator the orchestrator
// delegates VM lifecycle to, plus an in-memory implementation for tests and
// local development.
package cloud

import (
	"context"

	"github.com/habbes/sandstorm/pkg/model"
)

// CreateResult is what a provider returns after accepting a provisioning
// request. The VM handle is opaque to the orchestrator.
type CreateResult struct {
	VMHandle string
	PublicIP string
}

// Provider provisions and tears down sandbox VMs. Implementations must bake
// the orchestrator endpoint and sandbox id into the VM so the booting agent
// knows where to phone home.
type Provider interface {
	CreateSandbox(ctx context.Context, sandboxID string, cfg model.SandboxConfiguration, orchestratorEndpoint string) (*CreateResult, error)
	BuildDefaultImage(ctx context.Context, orchestratorEndpoint string) (string, error)
	DeleteSandbox(ctx context.Context, vmHandle string) error
}
