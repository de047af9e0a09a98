package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/habbes/sandstorm/internal/cloud"
	"github.com/habbes/sandstorm/internal/logx"
	"github.com/habbes/sandstorm/internal/store"
	"github.com/habbes/sandstorm/pkg/model"
)

// SandboxService owns the sandbox registry and drives sandbox lifecycle
// through the CloudProvider collaborator.
type SandboxService struct {
	sandboxes  *store.SandboxStore
	processes  *store.ProcessStore
	agents     *store.AgentStore
	agentSvc   *AgentService
	dispatcher *Dispatcher
	provider   cloud.Provider
	templates  *TemplateService

	endpoint string

	// defaultImage is built lazily on first default create; concurrent
	// first-creates coalesce on a single build.
	imageMu      sync.Mutex
	defaultImage string
}

func NewSandboxService(sandboxes *store.SandboxStore, processes *store.ProcessStore, agents *store.AgentStore, agentSvc *AgentService, dispatcher *Dispatcher, provider cloud.Provider, endpoint string) *SandboxService {
	return &SandboxService{
		sandboxes:  sandboxes,
		processes:  processes,
		agents:     agents,
		agentSvc:   agentSvc,
		dispatcher: dispatcher,
		provider:   provider,
		endpoint:   endpoint,
	}
}

// SetTemplateService enables template-based sandbox creation.
func (s *SandboxService) SetTemplateService(templates *TemplateService) {
	s.templates = templates
}

// Create resolves the requested configuration, inserts the record, and asks
// the provider for a VM. The sandbox stays Creating until its agent phones
// home; the call returns without waiting for that.
func (s *SandboxService) Create(ctx context.Context, req *model.CreateSandboxRequest) (*model.CreateSandboxResponse, error) {
	cfg, templateName, templateVersion, err := s.resolveConfiguration(ctx, req)
	if err != nil {
		return nil, err
	}

	id := generateSandboxID()
	s.sandboxes.Create(id, cfg, templateName, templateVersion, time.Now().UTC())

	result, err := s.provider.CreateSandbox(ctx, id, cfg, s.endpoint)
	if err != nil {
		s.sandboxes.SetStatus(id, model.SandboxStatusError)
		return nil, fmt.Errorf("sandbox %q: %w: %v", id, ErrProvisioningFailed, err)
	}
	s.sandboxes.SetVMInfo(id, result.VMHandle, result.PublicIP)

	slog.Info("sandbox provisioning started",
		"component", "sandbox_service",
		"sandbox_id", id,
		"image_id", cfg.ImageID,
		"vm_handle", result.VMHandle)

	return &model.CreateSandboxResponse{ID: id, Status: model.SandboxStatusCreating}, nil
}

// Get returns the sandbox, or ErrNotFound once it is deleted or unknown.
func (s *SandboxService) Get(id string) (*model.Sandbox, error) {
	view, ok := s.sandboxes.Get(id)
	if !ok || view.Status == model.SandboxStatusDeleted {
		return nil, fmt.Errorf("sandbox %q: %w", id, ErrNotFound)
	}
	return &model.Sandbox{
		ID:            view.ID,
		Status:        view.Status,
		PublicIP:      view.PublicIP,
		Configuration: view.Configuration,
		CreatedAt:     view.CreatedAt,
	}, nil
}

// List returns summaries of all non-deleted sandboxes.
func (s *SandboxService) List() *model.SandboxListResponse {
	views := s.sandboxes.List()
	summaries := make([]model.SandboxSummary, 0, len(views))
	for _, v := range views {
		if v.Status == model.SandboxStatusDeleted {
			continue
		}
		summaries = append(summaries, model.SandboxSummary{
			ID:        v.ID,
			Status:    v.Status,
			PublicIP:  v.PublicIP,
			CreatedAt: v.CreatedAt,
		})
	}
	return &model.SandboxListResponse{Sandboxes: summaries}
}

// Delete accepts the deletion and finishes it in the background: pending
// commands are cancelled at once, the VM teardown runs detached. The REST
// response acknowledges acceptance, not completion.
func (s *SandboxService) Delete(ctx context.Context, id string) error {
	view, ok := s.sandboxes.Get(id)
	if !ok || view.Status == model.SandboxStatusDeleted {
		return fmt.Errorf("sandbox %q: %w", id, ErrNotFound)
	}

	s.sandboxes.SetStatus(id, model.SandboxStatusStopping)
	if s.dispatcher != nil {
		s.dispatcher.CancelSandbox(id)
	}
	running := s.processes.DeleteSandbox(id)
	if len(running) > 0 {
		slog.Info("dropped in-flight processes of deleted sandbox",
			"component", "sandbox_service",
			"sandbox_id", id,
			"count", len(running))
	}

	bgCtx := logx.WithRequestID(context.Background(), logx.RequestIDFromContext(ctx))
	go s.finishDelete(bgCtx, id, view.VMHandle)
	return nil
}

func (s *SandboxService) finishDelete(ctx context.Context, id, vmHandle string) {
	logger := logx.LoggerWithRequestID(ctx).With("component", "sandbox_service", "sandbox_id", id)

	if vmHandle != "" {
		if err := s.provider.DeleteSandbox(ctx, vmHandle); err != nil {
			logger.Error("sandbox deletion failed", "vm_handle", vmHandle, "error", err)
			s.sandboxes.SetStatus(id, model.SandboxStatusError)
			return
		}
	}

	s.sandboxes.SetStatus(id, model.SandboxStatusDeleted)
	for _, agentID := range s.agents.DeleteBySandbox(id) {
		logger.Info("removed agent of deleted sandbox", "agent_id", agentID)
	}
	logger.Info("sandbox deleted")
}

// IsSandboxReady reports whether the sandbox has a ready-and-fresh agent
// with an attached command stream.
func (s *SandboxService) IsSandboxReady(id string) bool {
	if _, ok := s.sandboxes.Get(id); !ok {
		return false
	}
	return s.agentSvc.IsSandboxReady(id)
}

// Exists reports whether a non-deleted sandbox record exists for the id.
func (s *SandboxService) Exists(id string) bool {
	view, ok := s.sandboxes.Get(id)
	return ok && view.Status != model.SandboxStatusDeleted
}

func (s *SandboxService) resolveConfiguration(ctx context.Context, req *model.CreateSandboxRequest) (model.SandboxConfiguration, string, int, error) {
	if req != nil && req.Template != "" {
		if s.templates == nil {
			return model.SandboxConfiguration{}, "", 0, fmt.Errorf("template service not configured")
		}
		spec, version, err := s.templates.GetSpecForSandbox(req.Template, req.TemplateVersion)
		if err != nil {
			return model.SandboxConfiguration{}, "", 0, err
		}
		cfg := spec.Configuration()
		applyOverrides(&cfg, req.Overrides)
		return cfg, req.Template, version, nil
	}

	if req != nil && req.Configuration != nil {
		cfg := *req.Configuration
		if cfg.ImageID == "" {
			image, err := s.ensureDefaultImage(ctx)
			if err != nil {
				return model.SandboxConfiguration{}, "", 0, err
			}
			cfg.ImageID = image
		}
		return cfg, "", 0, nil
	}

	image, err := s.ensureDefaultImage(ctx)
	if err != nil {
		return model.SandboxConfiguration{}, "", 0, err
	}
	return model.SandboxConfiguration{ImageID: image}, "", 0, nil
}

// applyOverrides merges per-sandbox overrides into a template-derived
// configuration. Network-affecting fields are never overridable.
func applyOverrides(cfg *model.SandboxConfiguration, overrides *model.SandboxOverrides) {
	if overrides == nil {
		return
	}
	if overrides.Size != "" {
		cfg.Size = overrides.Size
	}
	if overrides.Env != nil {
		if cfg.Env == nil {
			cfg.Env = make(map[string]string)
		}
		for k, v := range overrides.Env {
			cfg.Env[k] = v
		}
	}
}

// ensureDefaultImage builds the default base image on first use and memoizes
// the result. The build can take minutes; the mutex makes concurrent first
// creates coalesce on one build.
func (s *SandboxService) ensureDefaultImage(ctx context.Context) (string, error) {
	s.imageMu.Lock()
	defer s.imageMu.Unlock()
	if s.defaultImage != "" {
		return s.defaultImage, nil
	}

	slog.Info("building default sandbox image", "component", "sandbox_service")
	image, err := s.provider.BuildDefaultImage(ctx, s.endpoint)
	if err != nil {
		return "", fmt.Errorf("build default image: %w: %v", ErrProvisioningFailed, err)
	}
	s.defaultImage = image
	slog.Info("default sandbox image ready", "component", "sandbox_service", "image_id", image)
	return image, nil
}

func generateSandboxID() string {
	return uuid.New().String()[:8]
}
