package vmproc

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Guest is one matched VM monitor process.
type Guest struct {
	PID     int32
	Cmdline string
}

// Filter selects VM monitor processes by their invocation: the disk image
// on their command line or the working directory they run in. The process
// name must look like a QEMU binary either way, so unrelated processes
// touching the same paths are never matched.
type Filter struct {
	ImagePath string
	WorkDir   string
}

func (f Filter) matches(p procInfo) bool {
	if !strings.Contains(strings.ToLower(p.name), "qemu") {
		return false
	}
	if f.ImagePath != "" && strings.Contains(p.cmdline, f.ImagePath) {
		return true
	}
	if f.WorkDir != "" && p.cwd == f.WorkDir {
		return true
	}
	return false
}

type procInfo struct {
	pid     int32
	name    string
	cmdline string
	cwd     string
}

// system abstracts the host process table.
type system interface {
	snapshot(ctx context.Context) ([]procInfo, error)
	terminate(ctx context.Context, pid int32) error
	kill(ctx context.Context, pid int32) error
	alive(ctx context.Context, pid int32) (bool, error)
}

type gopsutilSystem struct{}

func (gopsutilSystem) snapshot(ctx context.Context) ([]procInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	infos := make([]procInfo, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			// Raced with process exit, or no permission to inspect it.
			continue
		}
		cmdline, _ := p.CmdlineWithContext(ctx)
		cwd, _ := p.CwdWithContext(ctx)
		infos = append(infos, procInfo{pid: p.Pid, name: name, cmdline: cmdline, cwd: cwd})
	}
	return infos, nil
}

func (gopsutilSystem) terminate(ctx context.Context, pid int32) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return err
	}
	return p.TerminateWithContext(ctx)
}

func (gopsutilSystem) kill(ctx context.Context, pid int32) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return err
	}
	return p.KillWithContext(ctx)
}

func (gopsutilSystem) alive(ctx context.Context, pid int32) (bool, error) {
	return process.PidExistsWithContext(ctx, pid)
}

const (
	// termGrace is how long a guest gets to exit after SIGTERM before the
	// escalation to SIGKILL, and again after SIGKILL before giving up.
	termGrace = 5 * time.Second
	pollEvery = 200 * time.Millisecond
)

// Manager scans for and terminates guest VM processes.
type Manager struct {
	sys   system
	grace time.Duration
	poll  time.Duration
	log   *slog.Logger
}

func NewManager(log *slog.Logger) *Manager {
	return &Manager{sys: gopsutilSystem{}, grace: termGrace, poll: pollEvery, log: log}
}

// Scan returns every process matching f, in process-table order.
func (m *Manager) Scan(ctx context.Context, f Filter) ([]Guest, error) {
	infos, err := m.sys.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	var guests []Guest
	for _, p := range infos {
		if f.matches(p) {
			guests = append(guests, Guest{PID: p.pid, Cmdline: p.cmdline})
		}
	}
	return guests, nil
}

// Alive reports whether pid is still in the process table.
func (m *Manager) Alive(ctx context.Context, pid int32) (bool, error) {
	return m.sys.alive(ctx, pid)
}

// Terminate stops pid: SIGTERM first, escalating to SIGKILL when the
// process ignores it, and errors when the process outlives both.
func (m *Manager) Terminate(ctx context.Context, pid int32) error {
	alive, err := m.sys.alive(ctx, pid)
	if err != nil {
		return fmt.Errorf("check pid %d: %w", pid, err)
	}
	if !alive {
		m.log.Debug("process already gone", "pid", pid)
		return nil
	}

	m.log.Info("terminating guest process", "pid", pid)
	if err := m.sys.terminate(ctx, pid); err != nil {
		return fmt.Errorf("terminate pid %d: %w", pid, err)
	}
	if gone, err := m.waitGone(ctx, pid); err != nil || gone {
		return err
	}

	m.log.Warn("guest ignored the term signal, killing", "pid", pid)
	if err := m.sys.kill(ctx, pid); err != nil {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	gone, err := m.waitGone(ctx, pid)
	if err != nil {
		return err
	}
	if !gone {
		return fmt.Errorf("pid %d still running after kill", pid)
	}
	return nil
}

func (m *Manager) waitGone(ctx context.Context, pid int32) (bool, error) {
	deadline := time.Now().Add(m.grace)
	for {
		alive, err := m.sys.alive(ctx, pid)
		if err != nil {
			return false, fmt.Errorf("check pid %d: %w", pid, err)
		}
		if !alive {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(m.poll):
		}
	}
}
