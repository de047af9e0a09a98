package service

import (
	"fmt"

	"github.com/habbes/sandstorm/internal/store"
	"github.com/habbes/sandstorm/pkg/model"
)

// CommandService is the client-facing view over the process registry: submit
// a command, poll its status, fetch its logs, terminate it.
type CommandService struct {
	sandboxes  *SandboxService
	dispatcher *Dispatcher
	processes  *store.ProcessStore
}

func NewCommandService(sandboxes *SandboxService, dispatcher *Dispatcher, processes *store.ProcessStore) *CommandService {
	return &CommandService{sandboxes: sandboxes, dispatcher: dispatcher, processes: processes}
}

// Submit dispatches the command and returns its process id without waiting
// for the result.
func (s *CommandService) Submit(sandboxID string, req *model.SubmitCommandRequest) (*model.SubmitCommandResponse, error) {
	if !s.sandboxes.Exists(sandboxID) {
		return nil, fmt.Errorf("sandbox %q: %w", sandboxID, ErrNotFound)
	}

	processID, err := s.dispatcher.Submit(sandboxID, req.Command, ExecuteOptions{
		TimeoutSeconds: req.TimeoutSeconds,
		WorkingDir:     req.WorkingDir,
		Env:            req.Env,
	})
	if err != nil {
		return nil, err
	}
	return &model.SubmitCommandResponse{
		ProcessID: processID,
		Command:   req.Command,
		IsRunning: true,
	}, nil
}

// Status reports whether the process is still running and, once it is not,
// its result.
func (s *CommandService) Status(sandboxID, processID string) (*model.ProcessStatusResponse, error) {
	if !s.sandboxes.Exists(sandboxID) {
		return nil, fmt.Errorf("sandbox %q: %w", sandboxID, ErrNotFound)
	}
	view, ok := s.processes.Get(sandboxID, processID)
	if !ok {
		return nil, fmt.Errorf("process %q: %w", processID, ErrNotFound)
	}

	resp := &model.ProcessStatusResponse{
		ProcessID: view.ProcessID,
		IsRunning: view.IsRunning,
	}
	if !view.IsRunning {
		resp.Result = &model.CommandResult{
			ExitCode:       view.ExitCode,
			StandardOutput: view.Stdout,
			StandardError:  view.Stderr,
			Duration:       model.FormatDuration(view.DurationMs),
		}
	}
	return resp, nil
}

// Logs returns all log lines accumulated for the process so far.
func (s *CommandService) Logs(sandboxID, processID string) (*model.ProcessLogsResponse, error) {
	if !s.sandboxes.Exists(sandboxID) {
		return nil, fmt.Errorf("sandbox %q: %w", sandboxID, ErrNotFound)
	}
	lines, ok := s.processes.Logs(sandboxID, processID)
	if !ok {
		return nil, fmt.Errorf("process %q: %w", processID, ErrNotFound)
	}
	if lines == nil {
		lines = []string{}
	}
	return &model.ProcessLogsResponse{LogLines: lines}, nil
}

// Terminate asks the agent to kill the process and cancels its pending
// correlation on the orchestrator side.
func (s *CommandService) Terminate(sandboxID, processID string) error {
	if !s.sandboxes.Exists(sandboxID) {
		return fmt.Errorf("sandbox %q: %w", sandboxID, ErrNotFound)
	}
	return s.dispatcher.Terminate(sandboxID, processID)
}
