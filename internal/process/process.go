// Package process launches backend instances and exposes them as handles
// the orchestrator can wait on, terminate and kill.
package process

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Spec describes one instance to launch.
type Spec struct {
	Port    int
	Service string
	// LogPath receives the instance's stdout and stderr, appended.
	LogPath string
	Env     map[string]string
}

// LogPathFor returns <dir>/<prefix>_<port>.log.
func LogPathFor(dir, prefix string, port int) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%d.log", prefix, port))
}

// Handle controls a launched instance.
type Handle interface {
	PID() int
	// Terminate asks the instance to exit.
	Terminate() error
	// Kill forces the instance to exit.
	Kill() error
	// Done is closed once the instance has exited and its resources are
	// released.
	Done() <-chan struct{}
	Alive() bool
	// ExitCode is meaningful only after Done is closed. Exits caused by a
	// signal report the negated signal number.
	ExitCode() int
}

// Launcher starts instances.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Handle, error)
}

// exitState is shared by the concrete handles.
type exitState struct {
	mu       sync.Mutex
	exited   bool
	exitCode int
	done     chan struct{}
}

func newExitState() *exitState {
	return &exitState{done: make(chan struct{})}
}

func (s *exitState) finish(code int) {
	s.mu.Lock()
	s.exited = true
	s.exitCode = code
	s.mu.Unlock()
	close(s.done)
}

func (s *exitState) Done() <-chan struct{} { return s.done }

func (s *exitState) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.exited
}

func (s *exitState) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.exited {
		return 0
	}
	return s.exitCode
}

// expandArgs substitutes {port} and {service} in args.
func expandArgs(args []string, spec Spec) []string {
	r := strings.NewReplacer("{port}", strconv.Itoa(spec.Port), "{service}", spec.Service)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}
