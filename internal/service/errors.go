package service

import "errors"

// Error kinds the orchestrator core emits. The dispatcher is the only
// component that synthesises ErrTimeout and ErrCancelled; every other kind
// originates at the boundary where it occurs.
var (
	ErrNotFound           = errors.New("not found")
	ErrNoReadyAgent       = errors.New("no ready agent for sandbox")
	ErrAgentDisconnected  = errors.New("agent stream disconnected")
	ErrAgentWriteFailed   = errors.New("failed to write to agent stream")
	ErrTimeout            = errors.New("command timed out")
	ErrCancelled          = errors.New("command cancelled")
	ErrTerminated         = errors.New("command terminated")
	ErrShutdown           = errors.New("orchestrator shutting down")
	ErrProvisioningFailed = errors.New("provisioning failed")
)
