package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"fleet/internal/config"
)

// ExecLauncher runs instances as child processes of the orchestrator.
type ExecLauncher struct {
	cfg    config.Exec
	logger *slog.Logger
}

// NewExecLauncher creates an os/exec based launcher
func NewExecLauncher(cfg config.Exec, logger *slog.Logger) *ExecLauncher {
	return &ExecLauncher{
		cfg:    cfg,
		logger: logger.With("component", "exec-launcher"),
	}
}

// Launch starts the configured command. The child is not bound to ctx; it
// lives until terminated.
func (l *ExecLauncher) Launch(ctx context.Context, spec Spec) (Handle, error) {
	logFile, err := openLog(spec.LogPath)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(l.cfg.Command, expandArgs(l.cfg.Args, spec)...)
	cmd.Dir = l.cfg.WorkDir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if logFile != nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, fmt.Errorf("start %s: %w", l.cfg.Command, err)
	}

	h := &execHandle{cmd: cmd, exitState: newExitState()}
	go func() {
		waitErr := cmd.Wait()
		if logFile != nil {
			logFile.Close()
		}
		code := exitCodeOf(cmd.ProcessState)
		l.logger.Info("Instance process exited",
			"port", spec.Port,
			"pid", cmd.Process.Pid,
			"exit_code", code,
			"error", waitErr,
		)
		h.finish(code)
	}()

	l.logger.Debug("Instance process started", "port", spec.Port, "pid", cmd.Process.Pid, "command", l.cfg.Command)
	return h, nil
}

func openLog(path string) (*os.File, error) {
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

func exitCodeOf(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return state.ExitCode()
}

type execHandle struct {
	cmd *exec.Cmd
	*exitState
}

func (h *execHandle) PID() int { return h.cmd.Process.Pid }

func (h *execHandle) Terminate() error {
	return h.signal(syscall.SIGTERM)
}

func (h *execHandle) Kill() error {
	return h.signal(os.Kill)
}

func (h *execHandle) signal(sig os.Signal) error {
	if !h.Alive() {
		return nil
	}
	err := h.cmd.Process.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
