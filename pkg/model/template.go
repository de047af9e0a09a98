package model

import "time"

// Template is a named, versioned sandbox configuration preset.
type Template struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	DisplayName   string    `json:"displayName"`
	Description   string    `json:"description"`
	Tags          []string  `json:"tags"`
	LatestVersion int       `json:"latestVersion"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`

	// Non-persisted field for API responses
	Spec *TemplateSpec `json:"spec,omitempty"`
}

type TemplateVersion struct {
	ID         string       `json:"id"`
	TemplateID string       `json:"templateId"`
	Version    int          `json:"version"`
	Spec       TemplateSpec `json:"spec"`
	Changelog  string       `json:"changelog"`
	CreatedAt  time.Time    `json:"createdAt"`
}

// TemplateSpec is the sandbox configuration a template expands to.
type TemplateSpec struct {
	ImageID string            `json:"imageId" yaml:"imageId"`
	Size    string            `json:"size,omitempty" yaml:"size,omitempty"`
	Region  string            `json:"region,omitempty" yaml:"region,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Tags    map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Configuration expands the spec into a literal sandbox configuration.
func (s *TemplateSpec) Configuration() SandboxConfiguration {
	cfg := SandboxConfiguration{
		ImageID: s.ImageID,
		Size:    s.Size,
		Region:  s.Region,
	}
	if len(s.Env) > 0 {
		cfg.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			cfg.Env[k] = v
		}
	}
	if len(s.Tags) > 0 {
		cfg.Tags = make(map[string]string, len(s.Tags))
		for k, v := range s.Tags {
			cfg.Tags[k] = v
		}
	}
	return cfg
}

type CreateTemplateRequest struct {
	Name        string       `json:"name" binding:"required"`
	DisplayName string       `json:"displayName"`
	Description string       `json:"description"`
	Tags        []string     `json:"tags"`
	Spec        TemplateSpec `json:"spec" binding:"required"`
}

type UpdateTemplateRequest struct {
	DisplayName string       `json:"displayName"`
	Description string       `json:"description"`
	Tags        []string     `json:"tags"`
	Spec        TemplateSpec `json:"spec" binding:"required"`
	Changelog   string       `json:"changelog"`
}

type RollbackTemplateRequest struct {
	TargetVersion int    `json:"targetVersion" binding:"required"`
	Changelog     string `json:"changelog"`
}

type TemplateListResponse struct {
	Items []Template `json:"items"`
	Total int        `json:"total"`
}

type TemplateVersionListResponse struct {
	Items []TemplateVersion `json:"items"`
	Total int               `json:"total"`
}

// TemplateDocument is the YAML import/export form of one template.
type TemplateDocument struct {
	Name        string       `yaml:"name"`
	DisplayName string       `yaml:"displayName,omitempty"`
	Description string       `yaml:"description,omitempty"`
	Tags        []string     `yaml:"tags,omitempty"`
	Spec        TemplateSpec `yaml:"spec"`
}

type ImportTemplatesResponse struct {
	Imported int      `json:"imported"`
	Skipped  []string `json:"skipped,omitempty"`
}
