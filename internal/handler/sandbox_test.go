package handler

import (
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/habbes/sandstorm/internal/service"
	"github.com/habbes/sandstorm/pkg/model"
)

// respondingSender acts like an agent on the far end of the command stream,
// answering every exec request through the dispatcher.
type respondingSender struct {
	mu         sync.Mutex
	sent       []model.CommandRequest
	dispatcher *service.Dispatcher
	agentID    string
	silent     bool
}

func (f *respondingSender) SendCommand(req model.CommandRequest) error {
	f.mu.Lock()
	f.sent = append(f.sent, req)
	silent := f.silent
	f.mu.Unlock()
	if silent || req.Kind != model.CommandKindExec {
		return nil
	}
	go f.dispatcher.HandleResult(&model.CommandResultRequest{
		CommandID:  req.CommandID,
		AgentID:    f.agentID,
		ExitCode:   0,
		Stdout:     "hi\n",
		Stderr:     "",
		DurationMs: 12,
		Success:    true,
	})
	return nil
}

// createSandbox provisions one sandbox over REST and returns its id.
func createSandbox(t *testing.T, env *testEnv) string {
	t.Helper()
	var resp model.CreateSandboxResponse
	w := env.do(t, http.MethodPost, "/api/sandboxes", nil, &resp)
	requireStatus(t, w, http.StatusCreated)
	if resp.ID == "" || resp.Status != model.SandboxStatusCreating {
		t.Fatalf("unexpected create response: %+v", resp)
	}
	return resp.ID
}

// connectAgent registers an agent over the RPC surface and attaches a fake
// command stream for it.
func connectAgent(t *testing.T, env *testEnv, agentID, sandboxID string, silent bool) *respondingSender {
	t.Helper()
	var regResp model.RegisterAgentResponse
	w := env.do(t, http.MethodPost, "/rpc/agents/register", model.RegisterAgentRequest{
		AgentID:      agentID,
		SandboxID:    sandboxID,
		VMID:         "vm-1",
		AgentVersion: "1.0.0",
	}, &regResp)
	requireStatus(t, w, http.StatusOK)
	if !regResp.OK || regResp.HeartbeatIntervalSeconds != 30 {
		t.Fatalf("unexpected register response: %+v", regResp)
	}

	sender := &respondingSender{dispatcher: env.dispatcher, agentID: agentID, silent: silent}
	if _, err := env.agents.AttachStream(agentID, sender); err != nil {
		t.Fatalf("AttachStream() error = %v", err)
	}
	return sender
}

func TestSandboxCRUDOverREST(t *testing.T) {
	env := newTestEnv(5 * time.Second)
	id := createSandbox(t, env)

	var sandbox model.Sandbox
	w := env.do(t, http.MethodGet, "/api/sandboxes/"+id, nil, &sandbox)
	requireStatus(t, w, http.StatusOK)
	if sandbox.ID != id || sandbox.Status != model.SandboxStatusCreating {
		t.Fatalf("unexpected sandbox: %+v", sandbox)
	}

	var list model.SandboxListResponse
	w = env.do(t, http.MethodGet, "/api/sandboxes", nil, &list)
	requireStatus(t, w, http.StatusOK)
	if len(list.Sandboxes) != 1 || list.Sandboxes[0].ID != id {
		t.Fatalf("unexpected list: %+v", list)
	}

	w = env.do(t, http.MethodDelete, "/api/sandboxes/"+id, nil, nil)
	requireStatus(t, w, http.StatusAccepted)

	// Deletion finishes in the background, then the sandbox is gone.
	deadline := time.Now().Add(2 * time.Second)
	for {
		w = env.do(t, http.MethodGet, "/api/sandboxes/"+id, nil, nil)
		if w.Code == http.StatusNotFound {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sandbox never disappeared, last status %d", w.Code)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGetUnknownSandboxReturns404(t *testing.T) {
	env := newTestEnv(5 * time.Second)
	w := env.do(t, http.MethodGet, "/api/sandboxes/ghost", nil, nil)
	requireStatus(t, w, http.StatusNotFound)
}

func TestCommandHappyPathOverREST(t *testing.T) {
	env := newTestEnv(5 * time.Second)
	id := createSandbox(t, env)
	connectAgent(t, env, "a1", id, false)

	var submitResp model.SubmitCommandResponse
	w := env.do(t, http.MethodPost, "/api/sandboxes/"+id+"/commands", model.SubmitCommandRequest{
		SandboxID: id,
		Command:   "echo hi",
	}, &submitResp)
	requireStatus(t, w, http.StatusOK)
	if submitResp.ProcessID == "" || !submitResp.IsRunning || submitResp.Command != "echo hi" {
		t.Fatalf("unexpected submit response: %+v", submitResp)
	}

	statusPath := "/api/sandboxes/" + id + "/commands/" + submitResp.ProcessID + "/status"
	deadline := time.Now().Add(2 * time.Second)
	var status model.ProcessStatusResponse
	for {
		w = env.do(t, http.MethodGet, statusPath, nil, &status)
		requireStatus(t, w, http.StatusOK)
		if !status.IsRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("process never completed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if status.Result == nil {
		t.Fatalf("completed status has no result")
	}
	if status.Result.ExitCode != 0 || status.Result.StandardOutput != "hi\n" {
		t.Fatalf("unexpected result: %+v", status.Result)
	}
	if status.Result.Duration != "00:00:00.0120000" {
		t.Fatalf("duration = %q, want fixed-width form", status.Result.Duration)
	}
}

func TestSubmitCommandNoAgentReturns500(t *testing.T) {
	env := newTestEnv(5 * time.Second)
	id := createSandbox(t, env)

	w := env.do(t, http.MethodPost, "/api/sandboxes/"+id+"/commands", model.SubmitCommandRequest{
		Command: "echo hi",
	}, nil)
	requireStatus(t, w, http.StatusInternalServerError)
	if !strings.Contains(w.Body.String(), "no ready agent") {
		t.Fatalf("error detail should name the cause: %s", w.Body.String())
	}
}

func TestSubmitCommandBodyURLMismatchReturns400(t *testing.T) {
	env := newTestEnv(5 * time.Second)
	id := createSandbox(t, env)

	w := env.do(t, http.MethodPost, "/api/sandboxes/"+id+"/commands", model.SubmitCommandRequest{
		SandboxID: "other",
		Command:   "echo hi",
	}, nil)
	requireStatus(t, w, http.StatusBadRequest)
}

func TestSubmitCommandUnknownSandboxReturns404(t *testing.T) {
	env := newTestEnv(5 * time.Second)
	w := env.do(t, http.MethodPost, "/api/sandboxes/ghost/commands", model.SubmitCommandRequest{
		Command: "echo hi",
	}, nil)
	requireStatus(t, w, http.StatusNotFound)
}

func TestCommandStatusUnknownProcessReturns404(t *testing.T) {
	env := newTestEnv(5 * time.Second)
	id := createSandbox(t, env)
	w := env.do(t, http.MethodGet, "/api/sandboxes/"+id+"/commands/ghost/status", nil, nil)
	requireStatus(t, w, http.StatusNotFound)
}

func TestTerminateCommandOverREST(t *testing.T) {
	env := newTestEnv(5 * time.Second)
	id := createSandbox(t, env)
	connectAgent(t, env, "a1", id, true)

	var submitResp model.SubmitCommandResponse
	w := env.do(t, http.MethodPost, "/api/sandboxes/"+id+"/commands", model.SubmitCommandRequest{
		Command: "sleep 600",
	}, &submitResp)
	requireStatus(t, w, http.StatusOK)

	w = env.do(t, http.MethodDelete, "/api/sandboxes/"+id+"/commands/"+submitResp.ProcessID, nil, nil)
	requireStatus(t, w, http.StatusAccepted)

	deadline := time.Now().Add(2 * time.Second)
	var status model.ProcessStatusResponse
	for {
		env.do(t, http.MethodGet, "/api/sandboxes/"+id+"/commands/"+submitResp.ProcessID+"/status", nil, &status)
		if !status.IsRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("terminated process still running")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if status.Result == nil || status.Result.StandardError != "terminated" {
		t.Fatalf("unexpected terminal result: %+v", status.Result)
	}

	w = env.do(t, http.MethodDelete, "/api/sandboxes/"+id+"/commands/ghost", nil, nil)
	requireStatus(t, w, http.StatusNotFound)
}

func TestCommandTimeoutSurfacesInStatus(t *testing.T) {
	env := newTestEnv(50 * time.Millisecond)
	id := createSandbox(t, env)
	connectAgent(t, env, "a1", id, true)

	var submitResp model.SubmitCommandResponse
	w := env.do(t, http.MethodPost, "/api/sandboxes/"+id+"/commands", model.SubmitCommandRequest{
		Command: "sleep 600",
	}, &submitResp)
	requireStatus(t, w, http.StatusOK)

	deadline := time.Now().Add(2 * time.Second)
	var status model.ProcessStatusResponse
	for {
		env.do(t, http.MethodGet, "/api/sandboxes/"+id+"/commands/"+submitResp.ProcessID+"/status", nil, &status)
		if !status.IsRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("process never timed out")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if status.Result == nil || status.Result.ExitCode != -1 || status.Result.StandardError != "timeout" {
		t.Fatalf("unexpected timeout result: %+v", status.Result)
	}
}

func TestTemplateEndpoints(t *testing.T) {
	env := newTestEnv(5 * time.Second)

	var created model.Template
	w := env.do(t, http.MethodPost, "/api/templates", model.CreateTemplateRequest{
		Name: "python",
		Spec: model.TemplateSpec{ImageID: "python:3.12"},
	}, &created)
	requireStatus(t, w, http.StatusCreated)
	if created.LatestVersion != 1 {
		t.Fatalf("unexpected template: %+v", created)
	}

	var fetched model.Template
	w = env.do(t, http.MethodGet, "/api/templates/python", nil, &fetched)
	requireStatus(t, w, http.StatusOK)
	if fetched.Spec == nil || fetched.Spec.ImageID != "python:3.12" {
		t.Fatalf("unexpected fetched template: %+v", fetched)
	}

	var updated model.Template
	w = env.do(t, http.MethodPut, "/api/templates/python", model.UpdateTemplateRequest{
		Spec: model.TemplateSpec{ImageID: "python:3.13"},
	}, &updated)
	requireStatus(t, w, http.StatusOK)
	if updated.LatestVersion != 2 {
		t.Fatalf("update did not bump version: %+v", updated)
	}

	var rolled model.Template
	w = env.do(t, http.MethodPost, "/api/templates/python/rollback", model.RollbackTemplateRequest{
		TargetVersion: 1,
	}, &rolled)
	requireStatus(t, w, http.StatusOK)
	if rolled.LatestVersion != 3 || rolled.Spec.ImageID != "python:3.12" {
		t.Fatalf("unexpected rollback: %+v", rolled)
	}

	// A sandbox created from the template uses the rolled-back spec.
	var createResp model.CreateSandboxResponse
	w = env.do(t, http.MethodPost, "/api/sandboxes", model.CreateSandboxRequest{Template: "python"}, &createResp)
	requireStatus(t, w, http.StatusCreated)
	var sandbox model.Sandbox
	env.do(t, http.MethodGet, "/api/sandboxes/"+createResp.ID, nil, &sandbox)
	if sandbox.Configuration.ImageID != "python:3.12" {
		t.Fatalf("sandbox image = %q, want rolled-back spec", sandbox.Configuration.ImageID)
	}

	w = env.do(t, http.MethodDelete, "/api/templates/python", nil, nil)
	requireStatus(t, w, http.StatusOK)
	w = env.do(t, http.MethodGet, "/api/templates/python", nil, nil)
	requireStatus(t, w, http.StatusNotFound)
}
