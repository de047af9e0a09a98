package model

import (
	"fmt"
	"time"
)

// CommandResult is the client-facing view of a completed command.
type CommandResult struct {
	ExitCode       int    `json:"exitCode"`
	StandardOutput string `json:"standardOutput"`
	StandardError  string `json:"standardError"`
	Duration       string `json:"duration"`
}

type SubmitCommandRequest struct {
	SandboxID      string            `json:"sandboxId"`
	Command        string            `json:"command" binding:"required"`
	TimeoutSeconds int               `json:"timeoutSeconds"`
	WorkingDir     string            `json:"workingDir,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
}

type SubmitCommandResponse struct {
	ProcessID string `json:"processId"`
	Command   string `json:"command"`
	IsRunning bool   `json:"isRunning"`
}

type ProcessStatusResponse struct {
	ProcessID string         `json:"processId"`
	IsRunning bool           `json:"isRunning"`
	Result    *CommandResult `json:"result,omitempty"`
}

type ProcessLogsResponse struct {
	LogLines []string `json:"logLines"`
}

// FormatDuration renders a millisecond duration as "HH:MM:SS.fffffff",
// the fixed-width form clients display.
func FormatDuration(durationMs int64) string {
	if durationMs < 0 {
		durationMs = 0
	}
	d := time.Duration(durationMs) * time.Millisecond
	hours := int64(d / time.Hour)
	d -= time.Duration(hours) * time.Hour
	minutes := int64(d / time.Minute)
	d -= time.Duration(minutes) * time.Minute
	seconds := int64(d / time.Second)
	d -= time.Duration(seconds) * time.Second
	// 100ns ticks, seven fractional digits.
	ticks := d.Nanoseconds() / 100
	return fmt.Sprintf("%02d:%02d:%02d.%07d", hours, minutes, seconds, ticks)
}
