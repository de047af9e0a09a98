package cloud

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/habbes/sandstorm/pkg/model"
)

// MemoryProvider fabricates VM handles without touching any real
// infrastructure. It backs local development and tests.
type MemoryProvider struct {
	mu       sync.Mutex
	vms      map[string]MemoryVM
	deleted  []string
	failNext error
}

// MemoryVM records what a fabricated VM was created with.
type MemoryVM struct {
	SandboxID            string
	Configuration        model.SandboxConfiguration
	OrchestratorEndpoint string
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{vms: make(map[string]MemoryVM)}
}

// FailNext makes the next provisioning call return err. Test hook.
func (p *MemoryProvider) FailNext(err error) {
	p.mu.Lock()
	p.failNext = err
	p.mu.Unlock()
}

func (p *MemoryProvider) CreateSandbox(ctx context.Context, sandboxID string, cfg model.SandboxConfiguration, orchestratorEndpoint string) (*CreateResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext != nil {
		err := p.failNext
		p.failNext = nil
		return nil, err
	}
	handle := "vm-" + uuid.New().String()[:8]
	p.vms[handle] = MemoryVM{
		SandboxID:            sandboxID,
		Configuration:        cfg,
		OrchestratorEndpoint: orchestratorEndpoint,
	}
	return &CreateResult{
		VMHandle: handle,
		PublicIP: fmt.Sprintf("10.0.0.%d", len(p.vms)+1),
	}, nil
}

func (p *MemoryProvider) BuildDefaultImage(ctx context.Context, orchestratorEndpoint string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "img-default-" + uuid.New().String()[:8], nil
}

func (p *MemoryProvider) DeleteSandbox(ctx context.Context, vmHandle string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext != nil {
		err := p.failNext
		p.failNext = nil
		return err
	}
	if _, ok := p.vms[vmHandle]; !ok {
		return fmt.Errorf("vm %q not found", vmHandle)
	}
	delete(p.vms, vmHandle)
	p.deleted = append(p.deleted, vmHandle)
	return nil
}

// VM returns the fabricated VM behind a handle. Test hook.
func (p *MemoryProvider) VM(handle string) (MemoryVM, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	vm, ok := p.vms[handle]
	return vm, ok
}

// Deleted returns the handles deleted so far. Test hook.
func (p *MemoryProvider) Deleted() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.deleted))
	copy(out, p.deleted)
	return out
}
