package workflow

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/atomic"

	"github.com/ruteri/snp-guest-orchestrator/artifacts"
	"github.com/ruteri/snp-guest-orchestrator/attest"
	"github.com/ruteri/snp-guest-orchestrator/config"
	"github.com/ruteri/snp-guest-orchestrator/remote"
	"github.com/ruteri/snp-guest-orchestrator/retry"
	"github.com/ruteri/snp-guest-orchestrator/vmproc"
)

// Phase is one top-level workflow stage.
type Phase string

const (
	PhaseSetupHost   Phase = "setup-host"
	PhaseLaunchGuest Phase = "launch-guest"
	PhaseAttestGuest Phase = "attest-guest"
	PhaseStopGuests  Phase = "stop-guests"
)

// ParsePhase validates a phase name.
func ParsePhase(s string) (Phase, error) {
	switch p := Phase(s); p {
	case PhaseSetupHost, PhaseLaunchGuest, PhaseAttestGuest, PhaseStopGuests:
		return p, nil
	}
	return "", &UsageError{Msg: fmt.Sprintf("unknown phase %q, want %s, %s, %s or %s",
		s, PhaseSetupHost, PhaseLaunchGuest, PhaseAttestGuest, PhaseStopGuests)}
}

// Step names double as marker file basenames.
const (
	stepPrepareWorkdir   = "prepare-workdir"
	stepVerifyHostSNP    = "verify-host-snp"
	stepResolveArtifacts = "resolve-artifacts"

	stepCheckSSHKey      = "check-ssh-key"
	stepMaterializeImage = "materialize-image"
	stepFirstBoot        = "first-boot"
	stepBuildBootParams  = "build-boot-params"
	stepLaunchQEMU       = "launch-qemu"
	stepAwaitGuestSSH    = "await-guest-ssh"
	stepVerifySNPActive  = "verify-snp-active"
)

// Files the phases persist under their phase directories.
const (
	manifestFile = "host-manifest.json"
	sessionFile  = "session.json"
	journalFile  = "bootparams.json"
	commandFile  = "launch.cmd"
	consoleLog   = "console.log"
	firmwareLog  = "ovmf.log"

	firstBootJournal = "first-boot-params.json"
	firstBootCommand = "first-boot.cmd"
	firstBootConsole = "first-boot-console.log"

	extractedKernel = "vmlinuz-guest"
	extractedInitrd = "initrd-guest.img"
)

// processManager is the slice of vmproc.Manager the engine uses.
type processManager interface {
	Scan(ctx context.Context, f vmproc.Filter) ([]vmproc.Guest, error)
	Alive(ctx context.Context, pid int32) (bool, error)
	Terminate(ctx context.Context, pid int32) error
}

// Engine runs the workflow phases over one working directory. It is not
// safe for concurrent phases; Run enforces one phase at a time per Engine,
// and the design assumes one orchestrator per working directory.
type Engine struct {
	cfg    *config.Config
	log    *slog.Logger
	store  *artifacts.Store
	procs  processManager
	poller *retry.Poller

	// Collaborators touching the outside world, replaceable in tests.
	connect   func(port int, user, keyPath string) attest.Guest
	runTool   func(ctx context.Context, argv []string) error
	attestRun func(ctx context.Context, rc attest.RunnerConfig) (*attest.Result, error)

	running atomic.Bool
}

// New returns an Engine wired to the production collaborators.
func New(cfg *config.Config, log *slog.Logger) *Engine {
	e := &Engine{
		cfg:    cfg,
		log:    log,
		store:  artifacts.NewStore(cfg.ArtifactsDir(), log),
		procs:  vmproc.NewManager(log),
		poller: retry.Default(log),
	}
	e.connect = func(port int, user, keyPath string) attest.Guest {
		return remote.NewClient(remote.ClientConfig{
			Host:    config.GuestSSHHost,
			Port:    port,
			User:    user,
			KeyPath: keyPath,
		}, log)
	}
	e.runTool = func(ctx context.Context, argv []string) error {
		return runCommand(ctx, log, argv)
	}
	e.attestRun = func(ctx context.Context, rc attest.RunnerConfig) (*attest.Result, error) {
		return attest.NewRunner(rc, log).Run(ctx)
	}
	return e
}

// Run executes one phase to completion. Step failures abort the phase
// immediately; re-running resumes at the first incomplete step.
func (e *Engine) Run(ctx context.Context, phase Phase) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("engine is already running a phase")
	}
	defer e.running.Store(false)

	start := time.Now()
	e.log.Info("phase starting", "phase", string(phase), "workdir", e.cfg.WorkingDir)

	var err error
	switch phase {
	case PhaseSetupHost:
		err = e.setupHost(ctx)
	case PhaseLaunchGuest:
		err = e.launchGuest(ctx)
	case PhaseAttestGuest:
		err = e.attestGuest(ctx)
	case PhaseStopGuests:
		err = e.stopGuests(ctx)
	default:
		return &UsageError{Msg: fmt.Sprintf("unknown phase %q", phase)}
	}
	if err != nil {
		e.surfaceGuestLogs(phase)
		e.log.Error("phase failed", "phase", string(phase), "duration", time.Since(start), "err", err)
		return fmt.Errorf("%s: %w", phase, err)
	}
	e.log.Info("phase complete", "phase", string(phase), "duration", time.Since(start))
	return nil
}

// step is one unit of phase work. When done is nil the step is guarded by a
// completion marker named after it; otherwise done derives completion from
// the step's own artifacts and the step manages any marker itself.
type step struct {
	name string
	done func() bool
	fn   func(ctx context.Context) error
}

// runSteps executes steps in order under the phase directory dir, skipping
// completed ones and recording completions so an interrupted phase resumes
// at the first incomplete step.
func (e *Engine) runSteps(ctx context.Context, dir string, steps []step) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create phase directory %s: %w", dir, err)
	}
	for _, s := range steps {
		completed := false
		if s.done != nil {
			completed = s.done()
		} else {
			completed = markerDone(dir, s.name)
		}
		if completed {
			e.log.Info("step previously completed, skipping", "step", s.name)
			continue
		}
		e.log.Info("step running", "step", s.name)
		if err := s.fn(ctx); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
		if s.done == nil {
			if err := writeMarker(dir, s.name); err != nil {
				return err
			}
		}
		e.log.Info("step complete", "step", s.name)
	}
	return nil
}

// surfaceGuestLogs replays the tails of the guest's captured logs after a
// failed phase, so boot problems are visible without digging through the
// working directory.
func (e *Engine) surfaceGuestLogs(phase Phase) {
	if phase != PhaseLaunchGuest && phase != PhaseAttestGuest {
		return
	}
	for _, name := range []string{consoleLog, firstBootConsole, firmwareLog} {
		path := filepath.Join(e.cfg.LaunchDir(), name)
		tail, err := tailFile(path, 40)
		if err != nil || tail == "" {
			continue
		}
		e.log.Error("guest log tail", "file", path, "tail", tail)
	}
}

func (e *Engine) manifestPath() string {
	return filepath.Join(e.cfg.SetupDir(), manifestFile)
}

func (e *Engine) sessionPath() string {
	return filepath.Join(e.cfg.LaunchDir(), sessionFile)
}

func (e *Engine) journalPath() string {
	return filepath.Join(e.cfg.LaunchDir(), journalFile)
}

func (e *Engine) manifest() (*artifacts.Manifest, error) {
	return artifacts.LoadManifest(e.manifestPath())
}

// guestFilter matches processes belonging to this working directory's guest.
func (e *Engine) guestFilter() vmproc.Filter {
	return vmproc.Filter{ImagePath: e.cfg.ImagePath, WorkDir: e.cfg.WorkingDir}
}

// findGuestPID locates the just-launched guest in the process table. The
// launch command daemonizes, so the process exists by the time the launcher
// returns.
func (e *Engine) findGuestPID(ctx context.Context) (int32, error) {
	guests, err := e.procs.Scan(ctx, e.guestFilter())
	if err != nil {
		return 0, fmt.Errorf("scan for guest process: %w", err)
	}
	if len(guests) == 0 {
		return 0, fmt.Errorf("no guest process found after launch")
	}
	if len(guests) > 1 {
		e.log.Warn("multiple guest processes match the launch filter", "count", len(guests))
	}
	return guests[0].PID, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(dst), err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("sync %s: %w", dst, err)
	}
	return out.Close()
}

// tailFile returns the last n lines of path.
func tailFile(path string, n int) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n"), nil
}

// runCommand executes a host tool, capturing both streams for the error
// path. Commands that daemonize return once the daemon is detached.
func runCommand(ctx context.Context, log *slog.Logger, argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("empty command")
	}
	log.Debug("running host command", "argv", strings.Join(argv, " "))
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w\nstdout:\n%s\nstderr:\n%s",
			argv[0], err, stdout.String(), stderr.String())
	}
	return nil
}
