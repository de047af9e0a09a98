package service

import (
	"fmt"
	"regexp"
	"time"

	"github.com/habbes/sandstorm/internal/store"
	"github.com/habbes/sandstorm/pkg/model"
	"gopkg.in/yaml.v3"
)

// TemplateService handles template business logic.
type TemplateService struct {
	store *store.TemplateStore
}

func NewTemplateService(templates *store.TemplateStore) *TemplateService {
	return &TemplateService{store: templates}
}

// namePattern validates template names
var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*[a-z0-9]$|^[a-z0-9]$`)

func validateName(name string) error {
	if len(name) < 1 || len(name) > 63 {
		return fmt.Errorf("name must be between 1 and 63 characters")
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("name must consist of lowercase letters, numbers, and hyphens, and must start and end with a letter or number")
	}
	return nil
}

func validateSpec(spec *model.TemplateSpec) error {
	if spec.ImageID == "" {
		return fmt.Errorf("imageId is required")
	}
	return nil
}

// Create creates a new template with its first version.
func (s *TemplateService) Create(req *model.CreateTemplateRequest) (*model.Template, error) {
	if err := validateName(req.Name); err != nil {
		return nil, fmt.Errorf("invalid name: %w", err)
	}
	if err := validateSpec(&req.Spec); err != nil {
		return nil, fmt.Errorf("invalid spec: %w", err)
	}
	return s.store.Create(req, time.Now().UTC())
}

// Get retrieves a template by name.
func (s *TemplateService) Get(name string) (*model.Template, error) {
	template := s.store.Get(name)
	if template == nil {
		return nil, fmt.Errorf("template '%s': %w", name, ErrNotFound)
	}
	return template, nil
}

// List returns templates, optionally filtered by tag or name substring.
func (s *TemplateService) List(tag, search string) *model.TemplateListResponse {
	return s.store.List(tag, search)
}

// Update creates a new version of the template.
func (s *TemplateService) Update(name string, req *model.UpdateTemplateRequest) (*model.Template, error) {
	if err := validateSpec(&req.Spec); err != nil {
		return nil, fmt.Errorf("invalid spec: %w", err)
	}
	return s.store.Update(name, req, time.Now().UTC())
}

// Delete deletes a template.
func (s *TemplateService) Delete(name string) error {
	return s.store.Delete(name)
}

// ListVersions lists all versions of a template.
func (s *TemplateService) ListVersions(name string) (*model.TemplateVersionListResponse, error) {
	return s.store.ListVersions(name)
}

// Rollback rolls back a template to a specific version.
func (s *TemplateService) Rollback(name string, req *model.RollbackTemplateRequest) (*model.Template, error) {
	if req.TargetVersion < 1 {
		return nil, fmt.Errorf("target version must be at least 1")
	}
	return s.store.Rollback(name, req.TargetVersion, req.Changelog, time.Now().UTC())
}

// GetSpecForSandbox retrieves the template spec used to create a sandbox.
// Version 0 means the latest version.
func (s *TemplateService) GetSpecForSandbox(name string, version int) (*model.TemplateSpec, int, error) {
	template := s.store.Get(name)
	if template == nil {
		return nil, 0, fmt.Errorf("template '%s': %w", name, ErrNotFound)
	}
	if version == 0 {
		version = template.LatestVersion
	}
	ver := s.store.GetVersion(name, version)
	if ver == nil {
		return nil, 0, fmt.Errorf("version %d of template '%s': %w", version, name, ErrNotFound)
	}
	return &ver.Spec, version, nil
}

// ExportYAML renders all templates (latest version each) as one YAML
// document list.
func (s *TemplateService) ExportYAML() ([]byte, error) {
	resp := s.store.List("", "")
	docs := make([]model.TemplateDocument, 0, len(resp.Items))
	for _, t := range resp.Items {
		full := s.store.Get(t.Name)
		if full == nil || full.Spec == nil {
			continue
		}
		docs = append(docs, model.TemplateDocument{
			Name:        full.Name,
			DisplayName: full.DisplayName,
			Description: full.Description,
			Tags:        full.Tags,
			Spec:        *full.Spec,
		})
	}
	return yaml.Marshal(docs)
}

// ImportYAML creates templates from a YAML document list. Existing names are
// skipped rather than overwritten.
func (s *TemplateService) ImportYAML(data []byte) (*model.ImportTemplatesResponse, error) {
	var docs []model.TemplateDocument
	if err := yaml.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("invalid yaml: %w", err)
	}

	resp := &model.ImportTemplatesResponse{}
	for _, doc := range docs {
		if s.store.Exists(doc.Name) {
			resp.Skipped = append(resp.Skipped, doc.Name)
			continue
		}
		_, err := s.Create(&model.CreateTemplateRequest{
			Name:        doc.Name,
			DisplayName: doc.DisplayName,
			Description: doc.Description,
			Tags:        doc.Tags,
			Spec:        doc.Spec,
		})
		if err != nil {
			return nil, fmt.Errorf("import '%s': %w", doc.Name, err)
		}
		resp.Imported++
	}
	return resp, nil
}
