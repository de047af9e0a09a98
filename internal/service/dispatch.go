package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/habbes/sandstorm/internal/lifecycle"
	"github.com/habbes/sandstorm/internal/store"
	"github.com/habbes/sandstorm/pkg/model"
)

// Dispatcher correlates outbound commands with their eventual results. It
// owns the pending-correlation map, timeouts, and cancellation; it is the
// only component that synthesises ErrTimeout and ErrCancelled.
type Dispatcher struct {
	agents    *AgentService
	streams   *store.AgentStore
	pending   *store.PendingStore
	processes *store.ProcessStore
	drain     *lifecycle.DrainManager

	defaultTimeout time.Duration
}

func NewDispatcher(agents *AgentService, streams *store.AgentStore, pending *store.PendingStore, processes *store.ProcessStore, drain *lifecycle.DrainManager, defaultTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		agents:         agents,
		streams:        streams,
		pending:        pending,
		processes:      processes,
		drain:          drain,
		defaultTimeout: defaultTimeout,
	}
}

// ExecuteOptions carries the optional parts of a command dispatch.
type ExecuteOptions struct {
	TimeoutSeconds int
	WorkingDir     string
	Env            map[string]string
}

// Execute dispatches a command to a ready agent of the sandbox and blocks
// until the agent returns a result, the timeout fires, or ctx is cancelled.
// It always returns within the timeout plus scheduling slack.
func (d *Dispatcher) Execute(ctx context.Context, sandboxID, command string, opts ExecuteOptions) (*model.CommandResultRequest, error) {
	release := func() {}
	if d.drain != nil {
		release = d.drain.Track()
	}
	defer release()

	commandID, ch, started, timeout, err := d.dispatch(sandboxID, command, opts)
	if err != nil {
		return nil, err
	}
	return d.await(ctx, sandboxID, commandID, ch, started, timeout)
}

// Submit dispatches a command and returns its process id immediately. A
// background waiter finalises the process record when the result arrives,
// the timeout fires, or the correlation is cancelled.
func (d *Dispatcher) Submit(sandboxID, command string, opts ExecuteOptions) (string, error) {
	commandID, ch, started, timeout, err := d.dispatch(sandboxID, command, opts)
	if err != nil {
		return "", err
	}
	go func() {
		if _, err := d.await(context.Background(), sandboxID, commandID, ch, started, timeout); err != nil {
			slog.Warn("background command finished without result",
				"component", "dispatcher",
				"sandbox_id", sandboxID,
				"command_id", commandID,
				"reason", err)
		}
	}()
	return commandID, nil
}

// dispatch resolves an agent, registers the correlation and process record,
// and writes the command request to the agent's downstream stream.
func (d *Dispatcher) dispatch(sandboxID, command string, opts ExecuteOptions) (string, <-chan store.Outcome, time.Time, time.Duration, error) {
	var zero time.Time
	if d.drain != nil && d.drain.IsDraining() {
		return "", nil, zero, 0, ErrShutdown
	}

	timeout := d.defaultTimeout
	if opts.TimeoutSeconds > 0 {
		timeout = time.Duration(opts.TimeoutSeconds) * time.Second
	}

	agentID, err := d.agents.FindReadyAgent(sandboxID)
	if err != nil {
		return "", nil, zero, 0, err
	}

	commandID := uuid.New().String()
	started := time.Now()
	d.processes.Create(sandboxID, commandID, command, started)

	ch, err := d.pending.Add(commandID, sandboxID, started.Add(timeout))
	if err != nil {
		d.processes.Remove(sandboxID, commandID)
		return "", nil, zero, 0, fmt.Errorf("register correlation: %w", err)
	}

	stream := d.streams.Stream(agentID)
	if stream == nil {
		// The agent dropped its stream between lookup and write.
		d.pending.Cancel(commandID, ErrAgentDisconnected)
		d.processes.Remove(sandboxID, commandID)
		return "", nil, zero, 0, fmt.Errorf("agent %q: %w", agentID, ErrAgentDisconnected)
	}

	req := model.CommandRequest{
		CommandID:      commandID,
		Kind:           model.CommandKindExec,
		Command:        command,
		TimeoutSeconds: int(timeout / time.Second),
		WorkingDir:     opts.WorkingDir,
		Env:            opts.Env,
	}
	if err := stream.SendCommand(req); err != nil {
		d.pending.Cancel(commandID, ErrAgentWriteFailed)
		d.processes.Remove(sandboxID, commandID)
		return "", nil, zero, 0, fmt.Errorf("agent %q: %w: %v", agentID, ErrAgentWriteFailed, err)
	}

	slog.Debug("command dispatched",
		"component", "dispatcher",
		"sandbox_id", sandboxID,
		"agent_id", agentID,
		"command_id", commandID)
	return commandID, ch, started, timeout, nil
}

// await blocks on the correlation's one-shot channel, bounded by the timeout
// and the caller's context, then finalises the process record.
func (d *Dispatcher) await(ctx context.Context, sandboxID, commandID string, ch <-chan store.Outcome, started time.Time, timeout time.Duration) (*model.CommandResultRequest, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var out store.Outcome
	select {
	case out = <-ch:
	case <-timer.C:
		// Cancel may lose the race against a result that arrives at the
		// deadline; in that case the outcome is already buffered.
		if d.pending.Cancel(commandID, ErrTimeout) {
			out = store.Outcome{Err: ErrTimeout}
		} else {
			out = <-ch
		}
	case <-ctx.Done():
		if d.pending.Cancel(commandID, ErrCancelled) {
			out = store.Outcome{Err: ErrCancelled}
		} else {
			out = <-ch
		}
	}

	elapsed := time.Since(started).Milliseconds()
	if out.Err != nil {
		d.processes.Complete(sandboxID, commandID, -1, "", failureReason(out.Err), elapsed)
		return nil, out.Err
	}

	res := out.Result
	d.processes.Complete(sandboxID, commandID, res.ExitCode, res.Stdout, res.Stderr, res.DurationMs)
	return res, nil
}

// HandleResult delivers an agent's result to the waiting correlation. A late
// result whose correlation is gone is discarded but still acknowledged, so
// agents never need retry logic.
func (d *Dispatcher) HandleResult(req *model.CommandResultRequest) *model.CommandResultResponse {
	if !d.pending.Complete(req.CommandID, req) {
		slog.Debug("late command result discarded",
			"component", "dispatcher",
			"command_id", req.CommandID,
			"agent_id", req.AgentID)
	}
	return &model.CommandResultResponse{OK: true}
}

// Terminate sends a best-effort terminate signal to the sandbox's agent and
// cancels the pending correlation immediately on the orchestrator side.
func (d *Dispatcher) Terminate(sandboxID, processID string) error {
	if _, ok := d.processes.Get(sandboxID, processID); !ok {
		return fmt.Errorf("process %q: %w", processID, ErrNotFound)
	}

	if agentID, err := d.agents.FindReadyAgent(sandboxID); err == nil {
		if stream := d.streams.Stream(agentID); stream != nil {
			req := model.CommandRequest{
				CommandID:       uuid.New().String(),
				Kind:            model.CommandKindTerminate,
				TargetProcessID: processID,
			}
			if err := stream.SendCommand(req); err != nil {
				slog.Warn("failed to send terminate to agent",
					"component", "dispatcher",
					"agent_id", agentID,
					"process_id", processID,
					"error", err)
			}
		}
	}

	d.pending.Cancel(processID, ErrTerminated)
	return nil
}

// CancelSandbox cancels every pending correlation of a sandbox. Used when
// the sandbox is deleted while commands are in flight.
func (d *Dispatcher) CancelSandbox(sandboxID string) {
	if n := d.pending.CancelSandbox(sandboxID, ErrShutdown); n > 0 {
		slog.Info("cancelled pending commands for sandbox",
			"component", "dispatcher",
			"sandbox_id", sandboxID,
			"count", n)
	}
}

// Shutdown cancels all outstanding correlations during orchestrator exit.
func (d *Dispatcher) Shutdown() {
	if n := d.pending.CancelAll(ErrShutdown); n > 0 {
		slog.Info("cancelled all pending commands", "component", "dispatcher", "count", n)
	}
}

func failureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case err == ErrTimeout:
		return "timeout"
	case err == ErrCancelled:
		return "cancelled"
	case err == ErrTerminated:
		return "terminated"
	case err == ErrShutdown:
		return "shutdown"
	default:
		return err.Error()
	}
}
