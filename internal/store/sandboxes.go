package store

import (
	"sort"
	"sync"
	"time"

	"github.com/habbes/sandstorm/pkg/model"
)

// SandboxRecord tracks one provisioned sandbox. The record pointer is stable
// once inserted; mutable fields are guarded by mu.
type SandboxRecord struct {
	mu sync.Mutex

	ID              string
	Configuration   model.SandboxConfiguration
	Template        string
	TemplateVersion int
	CreatedAt       time.Time

	status   model.SandboxStatus
	publicIP string
	vmHandle string
}

// SandboxView is a copy of a sandbox record's observable state.
type SandboxView struct {
	ID              string
	Status          model.SandboxStatus
	Configuration   model.SandboxConfiguration
	Template        string
	TemplateVersion int
	PublicIP        string
	VMHandle        string
	CreatedAt       time.Time
}

// SandboxStore is the sandbox registry.
type SandboxStore struct {
	mu        sync.RWMutex
	sandboxes map[string]*SandboxRecord
}

func NewSandboxStore() *SandboxStore {
	return &SandboxStore{sandboxes: make(map[string]*SandboxRecord)}
}

func (s *SandboxStore) Create(id string, cfg model.SandboxConfiguration, template string, templateVersion int, now time.Time) *SandboxRecord {
	rec := &SandboxRecord{
		ID:              id,
		Configuration:   cfg,
		Template:        template,
		TemplateVersion: templateVersion,
		CreatedAt:       now,
		status:          model.SandboxStatusCreating,
	}
	s.mu.Lock()
	s.sandboxes[id] = rec
	s.mu.Unlock()
	return rec
}

// Get returns a view of the sandbox, or ok=false when it does not exist.
func (s *SandboxStore) Get(id string) (SandboxView, bool) {
	rec := s.get(id)
	if rec == nil {
		return SandboxView{}, false
	}
	return rec.view(), true
}

// List returns views of all sandboxes ordered by id.
func (s *SandboxStore) List() []SandboxView {
	s.mu.RLock()
	recs := make([]*SandboxRecord, 0, len(s.sandboxes))
	for _, rec := range s.sandboxes {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	views := make([]SandboxView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, rec.view())
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return views
}

// SetStatus updates the lifecycle status. Returns false for unknown ids.
func (s *SandboxStore) SetStatus(id string, status model.SandboxStatus) bool {
	rec := s.get(id)
	if rec == nil {
		return false
	}
	rec.mu.Lock()
	rec.status = status
	rec.mu.Unlock()
	return true
}

// Status returns the current lifecycle status.
func (s *SandboxStore) Status(id string) (model.SandboxStatus, bool) {
	rec := s.get(id)
	if rec == nil {
		return "", false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.status, true
}

// CompareAndSetStatus transitions from → to atomically. Returns true when
// the transition happened.
func (s *SandboxStore) CompareAndSetStatus(id string, from, to model.SandboxStatus) bool {
	rec := s.get(id)
	if rec == nil {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.status != from {
		return false
	}
	rec.status = to
	return true
}

// SetVMInfo records the provisioning output from the CloudProvider.
func (s *SandboxStore) SetVMInfo(id, vmHandle, publicIP string) bool {
	rec := s.get(id)
	if rec == nil {
		return false
	}
	rec.mu.Lock()
	rec.vmHandle = vmHandle
	if publicIP != "" {
		rec.publicIP = publicIP
	}
	rec.mu.Unlock()
	return true
}

// Remove deletes the record from the registry.
func (s *SandboxStore) Remove(id string) {
	s.mu.Lock()
	delete(s.sandboxes, id)
	s.mu.Unlock()
}

func (s *SandboxStore) get(id string) *SandboxRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sandboxes[id]
}

func (r *SandboxRecord) view() SandboxView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return SandboxView{
		ID:              r.ID,
		Status:          r.status,
		Configuration:   r.Configuration,
		Template:        r.Template,
		TemplateVersion: r.TemplateVersion,
		PublicIP:        r.publicIP,
		VMHandle:        r.vmHandle,
		CreatedAt:       r.CreatedAt,
	}
}
