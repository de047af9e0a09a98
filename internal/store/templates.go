package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/habbes/sandstorm/pkg/model"
)

// templateEntry holds a template and its full version history.
type templateEntry struct {
	template model.Template
	versions []model.TemplateVersion
}

// TemplateStore is the in-memory template registry.
type TemplateStore struct {
	mu     sync.RWMutex
	byName map[string]*templateEntry
}

func NewTemplateStore() *TemplateStore {
	return &TemplateStore{byName: make(map[string]*templateEntry)}
}

func generateID(prefix string) string {
	return prefix + "-" + uuid.New().String()[:8]
}

// Create creates a new template with its first version.
func (s *TemplateStore) Create(req *model.CreateTemplateRequest, now time.Time) (*model.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byName[req.Name]; exists {
		return nil, fmt.Errorf("template with name '%s' already exists", req.Name)
	}

	templateID := generateID("tpl")
	template := model.Template{
		ID:            templateID,
		Name:          req.Name,
		DisplayName:   req.DisplayName,
		Description:   req.Description,
		Tags:          req.Tags,
		LatestVersion: 1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	version := model.TemplateVersion{
		ID:         generateID("ver"),
		TemplateID: templateID,
		Version:    1,
		Spec:       req.Spec,
		Changelog:  "Initial version",
		CreatedAt:  now,
	}
	s.byName[req.Name] = &templateEntry{
		template: template,
		versions: []model.TemplateVersion{version},
	}

	out := template
	out.Spec = &version.Spec
	return &out, nil
}

// Get retrieves a template by name with its latest spec attached. Returns
// nil when the template does not exist.
func (s *TemplateStore) Get(name string) *model.Template {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.byName[name]
	if !ok {
		return nil
	}
	out := entry.template
	spec := entry.versions[len(entry.versions)-1].Spec
	out.Spec = &spec
	return &out
}

// Exists reports whether a template with the name exists.
func (s *TemplateStore) Exists(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byName[name]
	return ok
}

// List returns all templates, optionally filtered by tag or a name substring.
func (s *TemplateStore) List(tag, search string) *model.TemplateListResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]model.Template, 0, len(s.byName))
	for _, entry := range s.byName {
		if tag != "" && !containsTag(entry.template.Tags, tag) {
			continue
		}
		if search != "" && !strings.Contains(entry.template.Name, search) &&
			!strings.Contains(entry.template.DisplayName, search) {
			continue
		}
		items = append(items, entry.template)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return &model.TemplateListResponse{Items: items, Total: len(items)}
}

// Update appends a new version to the template.
func (s *TemplateStore) Update(name string, req *model.UpdateTemplateRequest, now time.Time) (*model.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("template '%s' not found", name)
	}

	changelog := req.Changelog
	if changelog == "" {
		changelog = "Updated"
	}
	next := entry.template.LatestVersion + 1
	entry.versions = append(entry.versions, model.TemplateVersion{
		ID:         generateID("ver"),
		TemplateID: entry.template.ID,
		Version:    next,
		Spec:       req.Spec,
		Changelog:  changelog,
		CreatedAt:  now,
	})
	entry.template.LatestVersion = next
	if req.DisplayName != "" {
		entry.template.DisplayName = req.DisplayName
	}
	if req.Description != "" {
		entry.template.Description = req.Description
	}
	if req.Tags != nil {
		entry.template.Tags = req.Tags
	}
	entry.template.UpdatedAt = now

	out := entry.template
	spec := req.Spec
	out.Spec = &spec
	return &out, nil
}

// Delete removes a template and all its versions.
func (s *TemplateStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byName[name]; !ok {
		return fmt.Errorf("template '%s' not found", name)
	}
	delete(s.byName, name)
	return nil
}

// GetVersion retrieves a specific version of a template. Returns nil when
// the template or version does not exist.
func (s *TemplateStore) GetVersion(name string, version int) *model.TemplateVersion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.byName[name]
	if !ok {
		return nil
	}
	for i := range entry.versions {
		if entry.versions[i].Version == version {
			out := entry.versions[i]
			return &out
		}
	}
	return nil
}

// ListVersions lists all versions of a template, newest first.
func (s *TemplateStore) ListVersions(name string) (*model.TemplateVersionListResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("template '%s' not found", name)
	}
	items := make([]model.TemplateVersion, len(entry.versions))
	copy(items, entry.versions)
	sort.Slice(items, func(i, j int) bool { return items[i].Version > items[j].Version })
	return &model.TemplateVersionListResponse{Items: items, Total: len(items)}, nil
}

// Rollback creates a new version whose spec copies the target version.
func (s *TemplateStore) Rollback(name string, targetVersion int, changelog string, now time.Time) (*model.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("template '%s' not found", name)
	}
	var target *model.TemplateVersion
	for i := range entry.versions {
		if entry.versions[i].Version == targetVersion {
			target = &entry.versions[i]
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("version %d not found for template '%s'", targetVersion, name)
	}

	if changelog == "" {
		changelog = fmt.Sprintf("Rollback to version %d", targetVersion)
	}
	next := entry.template.LatestVersion + 1
	entry.versions = append(entry.versions, model.TemplateVersion{
		ID:         generateID("ver"),
		TemplateID: entry.template.ID,
		Version:    next,
		Spec:       target.Spec,
		Changelog:  changelog,
		CreatedAt:  now,
	})
	entry.template.LatestVersion = next
	entry.template.UpdatedAt = now

	out := entry.template
	spec := target.Spec
	out.Spec = &spec
	return &out, nil
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
