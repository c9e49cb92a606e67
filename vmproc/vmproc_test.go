package vmproc

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSystem struct {
	procs []procInfo

	// signal behavior per pid
	diesOnTerm map[int32]bool
	diesOnKill map[int32]bool
	dead       map[int32]bool

	termed []int32
	killed []int32
}

func newFakeSystem(procs ...procInfo) *fakeSystem {
	return &fakeSystem{
		procs:      procs,
		diesOnTerm: map[int32]bool{},
		diesOnKill: map[int32]bool{},
		dead:       map[int32]bool{},
	}
}

func (f *fakeSystem) snapshot(ctx context.Context) ([]procInfo, error) {
	var out []procInfo
	for _, p := range f.procs {
		if !f.dead[p.pid] {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeSystem) terminate(ctx context.Context, pid int32) error {
	f.termed = append(f.termed, pid)
	if f.diesOnTerm[pid] {
		f.dead[pid] = true
	}
	return nil
}

func (f *fakeSystem) kill(ctx context.Context, pid int32) error {
	f.killed = append(f.killed, pid)
	if f.diesOnKill[pid] {
		f.dead[pid] = true
	}
	return nil
}

func (f *fakeSystem) alive(ctx context.Context, pid int32) (bool, error) {
	return !f.dead[pid], nil
}

func testManager(sys system) *Manager {
	return &Manager{
		sys:   sys,
		grace: 20 * time.Millisecond,
		poll:  2 * time.Millisecond,
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestScanFilters(t *testing.T) {
	workdir := "/home/amd/snp-guest"
	image := "/home/amd/snp-guest/launch/snp-guest.qcow2"

	sys := newFakeSystem(
		procInfo{pid: 100, name: "qemu-system-x86", cmdline: "qemu-system-x86_64 -drive file=" + image, cwd: "/"},
		procInfo{pid: 101, name: "qemu-system-x86", cmdline: "qemu-system-x86_64 -drive file=/other.qcow2", cwd: workdir},
		procInfo{pid: 102, name: "qemu-system-x86", cmdline: "qemu-system-x86_64 -drive file=/other.qcow2", cwd: "/"},
		procInfo{pid: 103, name: "bash", cmdline: "bash -c " + image, cwd: workdir},
	)
	m := testManager(sys)

	guests, err := m.Scan(context.Background(), Filter{ImagePath: image, WorkDir: workdir})
	require.NoError(t, err)

	var pids []int32
	for _, g := range guests {
		pids = append(pids, g.PID)
	}
	assert.Equal(t, []int32{100, 101}, pids, "image match and cwd match, qemu binaries only")
}

func TestScanEmptyFilterMatchesNothing(t *testing.T) {
	sys := newFakeSystem(
		procInfo{pid: 100, name: "qemu-system-x86", cmdline: "qemu-system-x86_64", cwd: "/"},
	)
	m := testManager(sys)

	guests, err := m.Scan(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Empty(t, guests)
}

func TestTerminateGracefully(t *testing.T) {
	sys := newFakeSystem(procInfo{pid: 42, name: "qemu-system-x86"})
	sys.diesOnTerm[42] = true
	m := testManager(sys)

	require.NoError(t, m.Terminate(context.Background(), 42))
	assert.Equal(t, []int32{42}, sys.termed)
	assert.Empty(t, sys.killed, "no escalation when the term signal works")
}

func TestTerminateEscalatesToKill(t *testing.T) {
	sys := newFakeSystem(procInfo{pid: 42, name: "qemu-system-x86"})
	sys.diesOnKill[42] = true
	m := testManager(sys)

	require.NoError(t, m.Terminate(context.Background(), 42))
	assert.Equal(t, []int32{42}, sys.termed)
	assert.Equal(t, []int32{42}, sys.killed)
}

func TestTerminateReportsImmortalProcess(t *testing.T) {
	sys := newFakeSystem(procInfo{pid: 42, name: "qemu-system-x86"})
	m := testManager(sys)

	err := m.Terminate(context.Background(), 42)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still running")
}

func TestTerminateAlreadyGone(t *testing.T) {
	sys := newFakeSystem()
	sys.dead[42] = true
	m := testManager(sys)

	require.NoError(t, m.Terminate(context.Background(), 42))
	assert.Empty(t, sys.termed)
	assert.Empty(t, sys.killed)
}

func TestAlive(t *testing.T) {
	sys := newFakeSystem(procInfo{pid: 42, name: "qemu-system-x86"})
	m := testManager(sys)

	alive, err := m.Alive(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, alive)

	sys.dead[42] = true
	alive, err = m.Alive(context.Background(), 42)
	require.NoError(t, err)
	assert.False(t, alive)
}
