package store

import (
	"sort"
	"sync"
	"time"

	"github.com/habbes/sandstorm/pkg/model"
)

// CommandSender is the downstream stream handle an agent's GetCommands call
// registers. The stream's real owner is the RPC handler; the store only
// indexes it while the call is live.
type CommandSender interface {
	SendCommand(req model.CommandRequest) error
}

// AgentRecord tracks one registered agent. The record pointer is stable once
// inserted; mutable fields are guarded by mu.
type AgentRecord struct {
	mu sync.Mutex

	ID           string
	SandboxID    string
	VMID         string
	AgentVersion string
	Metadata     map[string]string

	status        model.AgentStatus
	lastHeartbeat time.Time
	usage         *model.ResourceUsage
	logLines      []string

	stream    CommandSender
	streamGen uint64
}

// AgentView is a copy of an agent record's observable state.
type AgentView struct {
	ID            string
	SandboxID     string
	VMID          string
	AgentVersion  string
	Status        model.AgentStatus
	LastHeartbeat time.Time
	Usage         *model.ResourceUsage
	HasStream     bool
}

// AgentStore is the agent registry. Map mutation is guarded by mu; per-record
// state is guarded by each record's own lock.
type AgentStore struct {
	mu     sync.RWMutex
	agents map[string]*AgentRecord
}

func NewAgentStore() *AgentStore {
	return &AgentStore{agents: make(map[string]*AgentRecord)}
}

// Upsert creates or refreshes an agent record with overwrite semantics and
// clears any previously attached downstream stream. It never fails.
func (s *AgentStore) Upsert(req *model.RegisterAgentRequest, now time.Time) *AgentRecord {
	s.mu.Lock()
	rec, ok := s.agents[req.AgentID]
	if !ok {
		rec = &AgentRecord{ID: req.AgentID}
		s.agents[req.AgentID] = rec
	}
	s.mu.Unlock()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.SandboxID = req.SandboxID
	rec.VMID = req.VMID
	rec.AgentVersion = req.AgentVersion
	rec.Metadata = req.Metadata
	rec.status = model.AgentStatusReady
	if now.After(rec.lastHeartbeat) {
		rec.lastHeartbeat = now
	}
	rec.stream = nil
	rec.streamGen++
	return rec
}

// Touch refreshes the heartbeat timestamp, status, and resource usage.
// Returns false when the agent is unknown and must re-register.
// The heartbeat timestamp never moves backwards.
func (s *AgentStore) Touch(agentID string, status model.AgentStatus, usage *model.ResourceUsage, now time.Time) bool {
	rec := s.get(agentID)
	if rec == nil {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if now.After(rec.lastHeartbeat) {
		rec.lastHeartbeat = now
	}
	if status != "" {
		rec.status = status
	}
	if usage != nil {
		rec.usage = usage
	}
	return true
}

// AttachStream stores the downstream stream handle for an agent, replacing
// any previous one, and returns a generation token for DetachStream.
func (s *AgentStore) AttachStream(agentID string, stream CommandSender) (uint64, bool) {
	rec := s.get(agentID)
	if rec == nil {
		return 0, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.stream = stream
	rec.streamGen++
	return rec.streamGen, true
}

// DetachStream clears the stored handle only if it still belongs to the
// given generation, so a detaching handler never clears a reconnect's stream.
func (s *AgentStore) DetachStream(agentID string, gen uint64) {
	rec := s.get(agentID)
	if rec == nil {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.streamGen == gen {
		rec.stream = nil
	}
}

// Stream returns the current downstream handle, or nil when the agent is not
// streaming.
func (s *AgentStore) Stream(agentID string) CommandSender {
	rec := s.get(agentID)
	if rec == nil {
		return nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.stream
}

// FindReady returns the id of one agent for the sandbox that is Ready, has a
// fresh heartbeat, and is currently streaming. When several match, the lowest
// agent id wins so selection is deterministic.
func (s *AgentStore) FindReady(sandboxID string, staleAfter time.Duration, now time.Time) (string, bool) {
	var candidates []string
	s.mu.RLock()
	for _, rec := range s.agents {
		rec.mu.Lock()
		ok := rec.SandboxID == sandboxID &&
			rec.status == model.AgentStatusReady &&
			now.Sub(rec.lastHeartbeat) <= staleAfter &&
			rec.stream != nil
		rec.mu.Unlock()
		if ok {
			candidates = append(candidates, rec.ID)
		}
	}
	s.mu.RUnlock()
	if len(candidates) == 0 {
		return "", false
	}
	sort.Strings(candidates)
	return candidates[0], true
}

// ListActive returns views of all agents with a fresh heartbeat.
func (s *AgentStore) ListActive(staleAfter time.Duration, now time.Time) []AgentView {
	views := make([]AgentView, 0)
	for _, rec := range s.snapshot() {
		v := rec.view()
		if now.Sub(v.LastHeartbeat) <= staleAfter {
			views = append(views, v)
		}
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return views
}

// MarkStale transitions agents whose heartbeat is older than staleAfter to
// Unreachable and returns their ids. Records are never deleted here.
func (s *AgentStore) MarkStale(staleAfter time.Duration, now time.Time) []string {
	var marked []string
	for _, rec := range s.snapshot() {
		rec.mu.Lock()
		if rec.status != model.AgentStatusUnreachable && now.Sub(rec.lastHeartbeat) > staleAfter {
			rec.status = model.AgentStatusUnreachable
			marked = append(marked, rec.ID)
		}
		rec.mu.Unlock()
	}
	return marked
}

// Get returns a view of one agent.
func (s *AgentStore) Get(agentID string) (AgentView, bool) {
	rec := s.get(agentID)
	if rec == nil {
		return AgentView{}, false
	}
	return rec.view(), true
}

// SandboxIDOf resolves the sandbox an agent belongs to.
func (s *AgentStore) SandboxIDOf(agentID string) (string, bool) {
	rec := s.get(agentID)
	if rec == nil {
		return "", false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.SandboxID, true
}

// AppendLog appends one line to the agent-wide log. Untagged agent log
// messages land here.
func (s *AgentStore) AppendLog(agentID, line string) bool {
	rec := s.get(agentID)
	if rec == nil {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.logLines = append(rec.logLines, line)
	return true
}

// Logs returns a copy of the agent-wide log lines.
func (s *AgentStore) Logs(agentID string) []string {
	rec := s.get(agentID)
	if rec == nil {
		return nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	lines := make([]string, len(rec.logLines))
	copy(lines, rec.logLines)
	return lines
}

// DeleteBySandbox removes all agent records belonging to a sandbox. Called
// only when the owning sandbox is deleted.
func (s *AgentStore) DeleteBySandbox(sandboxID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []string
	for id, rec := range s.agents {
		rec.mu.Lock()
		match := rec.SandboxID == sandboxID
		rec.mu.Unlock()
		if match {
			delete(s.agents, id)
			removed = append(removed, id)
		}
	}
	return removed
}

func (s *AgentStore) get(agentID string) *AgentRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agents[agentID]
}

func (s *AgentStore) snapshot() []*AgentRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := make([]*AgentRecord, 0, len(s.agents))
	for _, rec := range s.agents {
		recs = append(recs, rec)
	}
	return recs
}

func (r *AgentRecord) view() AgentView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return AgentView{
		ID:            r.ID,
		SandboxID:     r.SandboxID,
		VMID:          r.VMID,
		AgentVersion:  r.AgentVersion,
		Status:        r.status,
		LastHeartbeat: r.lastHeartbeat,
		Usage:         r.usage,
		HasStream:     r.stream != nil,
	}
}
