package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/habbes/sandstorm/pkg/model"
)

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitForStream polls until the agent's downstream stream is attached. The
// server attaches it after the websocket upgrade completes.
func waitForStream(t *testing.T, env *testEnv, agentID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for env.agentStore.Stream(agentID) == nil {
		if time.Now().After(deadline) {
			t.Fatalf("stream for %s never attached", agentID)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAgentProtocolEndToEnd(t *testing.T) {
	env := newTestEnv(5 * time.Minute)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	id := createSandbox(t, env)

	var regResp model.RegisterAgentResponse
	w := env.do(t, http.MethodPost, "/rpc/agents/register", model.RegisterAgentRequest{
		AgentID:      "a1",
		SandboxID:    id,
		VMID:         "v1",
		AgentVersion: "1.0.0",
	}, &regResp)
	requireStatus(t, w, http.StatusOK)
	if !regResp.OK {
		t.Fatalf("register response: %+v", regResp)
	}

	conn := dialWS(t, srv, "/rpc/agents/commands?agentId=a1")
	waitForStream(t, env, "a1")

	var submitResp model.SubmitCommandResponse
	w = env.do(t, http.MethodPost, "/api/sandboxes/"+id+"/commands", model.SubmitCommandRequest{
		SandboxID: id,
		Command:   "echo hi",
	}, &submitResp)
	requireStatus(t, w, http.StatusOK)

	// The command arrives on the downstream stream.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var cmd model.CommandRequest
	if err := conn.ReadJSON(&cmd); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if cmd.CommandID != submitResp.ProcessID || cmd.Command != "echo hi" || cmd.Kind != model.CommandKindExec {
		t.Fatalf("unexpected command request: %+v", cmd)
	}
	if cmd.TimeoutSeconds != 300 {
		t.Fatalf("timeoutSeconds = %d, want server default 300", cmd.TimeoutSeconds)
	}

	// The agent reports the result; the waiting correlation completes.
	var resultResp model.CommandResultResponse
	w = env.do(t, http.MethodPost, "/rpc/agents/results", model.CommandResultRequest{
		CommandID:  cmd.CommandID,
		AgentID:    "a1",
		ExitCode:   0,
		Stdout:     "hi\n",
		DurationMs: 12,
		Success:    true,
	}, &resultResp)
	requireStatus(t, w, http.StatusOK)
	if !resultResp.OK {
		t.Fatalf("result response: %+v", resultResp)
	}

	deadline := time.Now().Add(2 * time.Second)
	var status model.ProcessStatusResponse
	for {
		env.do(t, http.MethodGet, "/api/sandboxes/"+id+"/commands/"+cmd.CommandID+"/status", nil, &status)
		if !status.IsRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("process never completed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if status.Result == nil || status.Result.StandardOutput != "hi\n" {
		t.Fatalf("unexpected result: %+v", status.Result)
	}
}

func TestListActiveAgents(t *testing.T) {
	env := newTestEnv(5 * time.Second)
	id := createSandbox(t, env)
	connectAgent(t, env, "a1", id, true)

	var list model.AgentListResponse
	w := env.do(t, http.MethodGet, "/rpc/agents", nil, &list)
	requireStatus(t, w, http.StatusOK)
	if len(list.Agents) != 1 {
		t.Fatalf("agents = %+v, want one", list.Agents)
	}
	a := list.Agents[0]
	if a.AgentID != "a1" || a.SandboxID != id || a.Status != model.AgentStatusReady {
		t.Fatalf("unexpected agent summary: %+v", a)
	}
}

func TestGetCommandsUnknownAgent(t *testing.T) {
	env := newTestEnv(5 * time.Second)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	conn := dialWS(t, srv, "/rpc/agents/commands?agentId=ghost")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	msg, _ := frame["error"].(string)
	if !strings.Contains(msg, "register") {
		t.Fatalf("error frame = %v, want register hint", frame)
	}
}

func TestAgentReconnectReplacesStream(t *testing.T) {
	env := newTestEnv(5 * time.Minute)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	id := createSandbox(t, env)

	register := func() {
		w := env.do(t, http.MethodPost, "/rpc/agents/register", model.RegisterAgentRequest{
			AgentID:   "a1",
			SandboxID: id,
		}, nil)
		requireStatus(t, w, http.StatusOK)
	}

	register()
	oldConn := dialWS(t, srv, "/rpc/agents/commands?agentId=a1")
	waitForStream(t, env, "a1")

	// The agent restarts: re-register clears the old stream, then a new
	// GetCommands replaces it.
	register()
	newConn := dialWS(t, srv, "/rpc/agents/commands?agentId=a1")
	waitForStream(t, env, "a1")

	var submitResp model.SubmitCommandResponse
	w := env.do(t, http.MethodPost, "/api/sandboxes/"+id+"/commands", model.SubmitCommandRequest{
		Command: "echo hi",
	}, &submitResp)
	requireStatus(t, w, http.StatusOK)

	// The command reaches the new stream only.
	newConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var cmd model.CommandRequest
	if err := newConn.ReadJSON(&cmd); err != nil {
		t.Fatalf("ReadJSON() on new stream error = %v", err)
	}
	if cmd.CommandID != submitResp.ProcessID {
		t.Fatalf("unexpected command on new stream: %+v", cmd)
	}

	oldConn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var stray model.CommandRequest
	if err := oldConn.ReadJSON(&stray); err == nil {
		t.Fatalf("old stream received a command after reconnect: %+v", stray)
	}
}

func TestSendLogsTaggedAndUntagged(t *testing.T) {
	env := newTestEnv(5 * time.Minute)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	id := createSandbox(t, env)
	connectAgent(t, env, "a1", id, true)

	var submitResp model.SubmitCommandResponse
	w := env.do(t, http.MethodPost, "/api/sandboxes/"+id+"/commands", model.SubmitCommandRequest{
		Command: "make",
	}, &submitResp)
	requireStatus(t, w, http.StatusOK)

	conn := dialWS(t, srv, "/rpc/agents/logs")
	now := time.Now().UTC()
	if err := conn.WriteJSON(model.AgentLogMessage{
		AgentID:   "a1",
		Level:     "info",
		Message:   "compiling",
		Timestamp: now,
		ProcessID: submitResp.ProcessID,
	}); err != nil {
		t.Fatalf("WriteJSON() tagged error = %v", err)
	}
	if err := conn.WriteJSON(model.AgentLogMessage{
		AgentID:   "a1",
		Level:     "warn",
		Message:   "low disk space",
		Timestamp: now,
	}); err != nil {
		t.Fatalf("WriteJSON() untagged error = %v", err)
	}

	// Tagged line lands on the process log, visible over REST.
	logsPath := "/api/sandboxes/" + id + "/commands/" + submitResp.ProcessID + "/logs"
	deadline := time.Now().Add(2 * time.Second)
	var logs model.ProcessLogsResponse
	for {
		env.do(t, http.MethodGet, logsPath, nil, &logs)
		if len(logs.LogLines) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("process log line never arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !strings.Contains(logs.LogLines[0], "compiling") || !strings.Contains(logs.LogLines[0], "[info]") {
		t.Fatalf("unexpected log line: %q", logs.LogLines[0])
	}

	// Untagged line lands on the agent-wide log.
	deadline = time.Now().Add(2 * time.Second)
	for {
		agentLogs := env.agents.AgentLogs("a1")
		if len(agentLogs) > 0 {
			if !strings.Contains(agentLogs[0], "low disk space") {
				t.Fatalf("unexpected agent log line: %q", agentLogs[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("agent log line never arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGetCommandsRefusedWhileDraining(t *testing.T) {
	env := newTestEnv(5 * time.Second)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	env.drain.StartDraining()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/rpc/agents/commands?agentId=a1"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("Dial() should fail while draining")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("handshake status = %v, want 503", resp)
	}
}
