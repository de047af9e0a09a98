package handler

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/habbes/sandstorm/internal/cloud"
	"github.com/habbes/sandstorm/internal/lifecycle"
	"github.com/habbes/sandstorm/internal/logx"
	"github.com/habbes/sandstorm/internal/service"
	"github.com/habbes/sandstorm/internal/store"
)

// testEnv wires the full router the way cmd/server does, backed by the
// in-memory cloud provider.
type testEnv struct {
	router     *gin.Engine
	provider   *cloud.MemoryProvider
	agents     *service.AgentService
	dispatcher *service.Dispatcher
	sandboxes  *service.SandboxService
	templates  *service.TemplateService
	processes  *store.ProcessStore
	agentStore *store.AgentStore
	drain      *lifecycle.DrainManager
}

func newTestEnv(defaultTimeout time.Duration) *testEnv {
	gin.SetMode(gin.TestMode)

	agentStore := store.NewAgentStore()
	sandboxStore := store.NewSandboxStore()
	processStore := store.NewProcessStore()
	pendingStore := store.NewPendingStore()
	templateStore := store.NewTemplateStore()
	provider := cloud.NewMemoryProvider()
	drainState := lifecycle.NewDrainManager()

	agentSvc := service.NewAgentService(agentStore, sandboxStore, 30*time.Second, 2*time.Minute)
	dispatcher := service.NewDispatcher(agentSvc, agentStore, pendingStore, processStore, drainState, defaultTimeout)
	sandboxSvc := service.NewSandboxService(sandboxStore, processStore, agentStore, agentSvc, dispatcher, provider, "http://localhost:5000")
	templateSvc := service.NewTemplateService(templateStore)
	sandboxSvc.SetTemplateService(templateSvc)
	commandSvc := service.NewCommandService(sandboxSvc, dispatcher, processStore)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logx.RequestIDMiddleware())

	api := r.Group("/api")
	NewSandboxHandler(sandboxSvc, commandSvc).RegisterRoutes(api)
	NewTemplateHandler(templateSvc).RegisterRoutes(api)

	rpc := r.Group("/rpc")
	NewAgentHandler(agentSvc, dispatcher, processStore, drainState).RegisterRoutes(rpc)

	return &testEnv{
		router:     r,
		provider:   provider,
		agents:     agentSvc,
		dispatcher: dispatcher,
		sandboxes:  sandboxSvc,
		templates:  templateSvc,
		processes:  processStore,
		agentStore: agentStore,
		drain:      drainState,
	}
}

// do performs one request against the router and decodes the JSON response
// into out when out is non-nil.
func (e *testEnv) do(t *testing.T, method, path string, body any, out any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	if out != nil {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("decode response %q: %v", w.Body.String(), err)
		}
	}
	return w
}

// requireStatus fails the test when the recorded status differs.
func requireStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status = %d, want %d, body: %s", w.Code, want, w.Body.String())
	}
}
