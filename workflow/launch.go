package workflow

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ruteri/snp-guest-orchestrator/artifacts"
	"github.com/ruteri/snp-guest-orchestrator/attest"
	"github.com/ruteri/snp-guest-orchestrator/bootparams"
)

// launchState is the provisioning sub-state of the launch phase, derived
// from on-disk facts on every invocation rather than carried across runs.
type launchState string

const (
	stateNeedsFirstBoot launchState = "needs-first-boot"
	stateProvisioned    launchState = "provisioned"
)

// launchState reports whether the guest image still needs first-boot
// provisioning. An image this tool materialized from a base image (witnessed
// by the materialize-image marker) is not provisioned until the first-boot
// marker appears; an image supplied by the operator is taken as ready.
func (e *Engine) launchState() launchState {
	dir := e.cfg.LaunchDir()
	if !fileExists(e.cfg.ImagePath) {
		return stateNeedsFirstBoot
	}
	if markerDone(dir, stepMaterializeImage) && !markerDone(dir, stepFirstBoot) {
		return stateNeedsFirstBoot
	}
	return stateProvisioned
}

// launchGuest brings up the memory-encrypted guest. When the image needs
// first-boot provisioning the phase runs the provisioning steps and then
// continues into the launch steps in the same pass; it never re-invokes
// itself.
func (e *Engine) launchGuest(ctx context.Context) error {
	state := e.launchState()
	e.log.Info("launch sub-state derived", "state", string(state), "image", e.cfg.ImagePath)

	steps := []step{
		{name: stepCheckSSHKey, done: func() bool { return fileExists(e.cfg.SSHKeyPath) }, fn: e.checkSSHKey},
	}
	if state == stateNeedsFirstBoot {
		steps = append(steps,
			step{name: stepMaterializeImage, done: func() bool { return fileExists(e.cfg.ImagePath) }, fn: e.materializeImage},
			step{name: stepFirstBoot, fn: e.firstBootProvision},
		)
	}
	steps = append(steps,
		step{name: stepBuildBootParams, fn: e.buildBootParams},
		step{name: stepLaunchQEMU, fn: e.launchQEMU},
		step{name: stepAwaitGuestSSH, fn: e.awaitGuestSSH},
		step{name: stepVerifySNPActive, fn: e.verifySNPActive},
	)
	return e.runSteps(ctx, e.cfg.LaunchDir(), steps)
}

// checkSSHKey only runs when the configured key is absent. Key generation is
// an image-preparation concern outside this tool, so a missing key is a
// missing input artifact.
func (e *Engine) checkSSHKey(ctx context.Context) error {
	return &artifacts.MissingError{
		Name: "guest ssh key",
		Path: e.cfg.SSHKeyPath,
		Err:  fmt.Errorf("the guest image must trust this key; provide it via GUEST_SSH_KEY_PATH"),
	}
}

// materializeImage copies the base image into place and grows it to the
// configured guest size. The marker records that this tool created the
// image, which is what obliges the first-boot pass.
func (e *Engine) materializeImage(ctx context.Context) error {
	m, err := e.manifest()
	if err != nil {
		return err
	}
	if m.BaseImagePath == "" {
		return &artifacts.MissingError{
			Name: "base image",
			Path: "(unset)",
			Err:  fmt.Errorf("guest image %s does not exist and no base image is configured", e.cfg.ImagePath),
		}
	}
	if err := copyFile(m.BaseImagePath, e.cfg.ImagePath); err != nil {
		return err
	}
	if e.cfg.GuestSizeGB > 0 {
		resize := []string{"qemu-img", "resize", e.cfg.ImagePath, fmt.Sprintf("%dG", e.cfg.GuestSizeGB)}
		if err := e.runTool(ctx, resize); err != nil {
			return fmt.Errorf("resize guest image: %w", err)
		}
	}
	if err := writeMarker(e.cfg.LaunchDir(), stepMaterializeImage); err != nil {
		return err
	}
	e.log.Info("guest image materialized",
		"base", m.BaseImagePath, "image", e.cfg.ImagePath, "size_gb", e.cfg.GuestSizeGB)
	return nil
}

// firstBootProvision boots the fresh image without memory encryption,
// installs the configured kernel package inside the guest, extracts the
// resulting kernel and initrd for direct boot, and shuts the guest down.
// With no kernel package configured the guest boots whatever its image
// carries, so there is nothing to install.
func (e *Engine) firstBootProvision(ctx context.Context) error {
	m, err := e.manifest()
	if err != nil {
		return err
	}
	if m.KernelPackagePath == "" {
		e.log.Info("no kernel package configured, skipping first-boot kernel install")
		return nil
	}

	dir := e.cfg.LaunchDir()
	in := e.baseBootInput(m)
	in.SNPEnabled = false
	in.JournalPath = filepath.Join(dir, firstBootJournal)
	in.ConsoleLogPath = filepath.Join(dir, firstBootConsole)
	set, err := bootparams.Build(in)
	if err != nil {
		return err
	}
	if err := set.WriteCommand(filepath.Join(dir, firstBootCommand)); err != nil {
		return err
	}

	e.log.Info("starting first boot", "image", e.cfg.ImagePath)
	if err := e.runTool(ctx, set.Argv()); err != nil {
		return fmt.Errorf("start first boot: %w", err)
	}
	pid, err := e.findGuestPID(ctx)
	if err != nil {
		return err
	}

	client := e.connect(e.cfg.HostSSHPort, e.cfg.GuestUser, e.cfg.SSHKeyPath)
	if err := e.poller.WaitUntil(ctx, "guest ssh (first boot)", client.Ping); err != nil {
		return err
	}

	if err := e.installGuestKernel(ctx, client, m.KernelPackagePath); err != nil {
		return err
	}
	if err := e.extractGuestBootFiles(ctx, client); err != nil {
		return err
	}
	return e.shutdownGuest(ctx, client, pid)
}

// installGuestKernel pushes the kernel package into the guest and installs
// it with the packaging tool matching the configured format.
func (e *Engine) installGuestKernel(ctx context.Context, client attest.Guest, pkg string) error {
	remotePkg := path.Base(pkg)
	if err := client.Upload(ctx, pkg, remotePkg); err != nil {
		return fmt.Errorf("upload kernel package: %w", err)
	}
	var install string
	switch e.cfg.KernelFormat {
	case "rpm":
		install = "sudo rpm -ivh --force " + remotePkg
	default:
		install = "sudo dpkg -i " + remotePkg
	}
	if _, err := client.Exec(ctx, install); err != nil {
		return fmt.Errorf("install kernel package: %w", err)
	}
	e.log.Info("guest kernel installed", "package", remotePkg, "format", e.cfg.KernelFormat)
	return nil
}

// extractGuestBootFiles copies the newest kernel and its initrd out of the
// guest for direct boot. /boot entries are root-only on most distributions,
// so they are staged world-readable under /tmp first.
func (e *Engine) extractGuestBootFiles(ctx context.Context, client attest.Guest) error {
	res, err := client.Exec(ctx, "sudo sh -c 'ls -t /boot/vmlinuz-* | head -n 1'")
	if err != nil {
		return fmt.Errorf("locate guest kernel: %w", err)
	}
	kernelRemote := strings.TrimSpace(res.Stdout)
	if kernelRemote == "" {
		return fmt.Errorf("no kernel image found under /boot in the guest")
	}
	version := strings.TrimPrefix(path.Base(kernelRemote), "vmlinuz-")

	initrdRemote := "/boot/initrd.img-" + version
	if e.cfg.KernelFormat == "rpm" {
		initrdRemote = "/boot/initramfs-" + version + ".img"
	}

	const stagedKernel = "/tmp/guest-vmlinuz"
	const stagedInitrd = "/tmp/guest-initrd"
	stage := fmt.Sprintf("sudo sh -c 'cp %s %s && cp %s %s && chmod 644 %s %s'",
		kernelRemote, stagedKernel, initrdRemote, stagedInitrd, stagedKernel, stagedInitrd)
	if _, err := client.Exec(ctx, stage); err != nil {
		return fmt.Errorf("stage guest boot files: %w", err)
	}

	dir := e.cfg.LaunchDir()
	if err := client.Download(ctx, stagedKernel, filepath.Join(dir, extractedKernel)); err != nil {
		return fmt.Errorf("download guest kernel: %w", err)
	}
	if err := client.Download(ctx, stagedInitrd, filepath.Join(dir, extractedInitrd)); err != nil {
		return fmt.Errorf("download guest initrd: %w", err)
	}
	e.log.Info("guest boot files extracted", "kernel_version", version)
	return nil
}

// shutdownGuest powers the guest off and waits for its process to leave the
// process table. The shutdown command usually drops the connection rather
// than returning, so its error is informational only.
func (e *Engine) shutdownGuest(ctx context.Context, client attest.Guest, pid int32) error {
	if _, err := client.Exec(ctx, "sudo shutdown now"); err != nil {
		e.log.Debug("shutdown command did not return cleanly", "err", err)
	}
	err := e.poller.WaitUntil(ctx, "guest shutdown", func(ctx context.Context) error {
		alive, aerr := e.procs.Alive(ctx, pid)
		if aerr != nil {
			return aerr
		}
		if alive {
			return fmt.Errorf("pid %d still running", pid)
		}
		return nil
	})
	if err == nil {
		return nil
	}
	e.log.Warn("guest did not shut down in time, terminating", "pid", pid, "err", err)
	if terr := e.procs.Terminate(ctx, pid); terr != nil {
		return fmt.Errorf("terminate guest after shutdown timeout: %w", terr)
	}
	return nil
}

// baseBootInput assembles the launch options shared by the first boot and
// the encrypted launch. Callers fill in the journal, logs and boot-chain
// entries that differ between the two.
func (e *Engine) baseBootInput(m *artifacts.Manifest) bootparams.BuildInput {
	cfg := e.cfg
	return bootparams.BuildInput{
		QEMUPath:           cfg.QEMUPath,
		CPUModel:           cfg.GuestCPUModel,
		VCPUs:              cfg.GuestVCPUs,
		MemoryMB:           cfg.GuestMemoryMB,
		SNPCBitPos:         cfg.SNPCBitPos,
		SNPReducedPhysBits: cfg.SNPReducedPhysBits,
		HostSSHPort:        cfg.HostSSHPort,
		ImagePath:          cfg.ImagePath,
		TraceFilters:       cfg.TraceFilters,
		FirmwarePath:       m.FirmwarePath,
	}
}

// buildBootParams assembles the encrypted launch's ordered parameter set
// from scratch and renders the command file. Direct-boot entries prefer the
// artifacts resolved at setup and fall back to the files extracted during
// first boot.
func (e *Engine) buildBootParams(ctx context.Context) error {
	m, err := e.manifest()
	if err != nil {
		return err
	}
	dir := e.cfg.LaunchDir()

	kernel := m.KernelPath
	if kernel == "" && fileExists(filepath.Join(dir, extractedKernel)) {
		kernel = filepath.Join(dir, extractedKernel)
	}
	initrd := m.InitrdPath
	if initrd == "" && fileExists(filepath.Join(dir, extractedInitrd)) {
		initrd = filepath.Join(dir, extractedInitrd)
	}

	in := e.baseBootInput(m)
	in.SNPEnabled = true
	in.JournalPath = e.journalPath()
	in.ConsoleLogPath = filepath.Join(dir, consoleLog)
	in.OVMFLogPath = filepath.Join(dir, firmwareLog)
	in.KernelPath = kernel
	in.InitrdPath = initrd
	in.AppendLine = m.AppendLine

	set, err := bootparams.Build(in)
	if err != nil {
		return err
	}
	if err := set.WriteCommand(filepath.Join(dir, commandFile)); err != nil {
		return err
	}
	e.log.Info("boot parameters built",
		"journal", e.journalPath(), "command", filepath.Join(dir, commandFile), "direct_boot", kernel != "")
	return nil
}

// launchQEMU starts the guest from the persisted journal and records the
// session. The journal, not a rebuilt set, is the source of truth so a
// resumed phase launches exactly what build-boot-params recorded.
func (e *Engine) launchQEMU(ctx context.Context) error {
	set, err := bootparams.Load(e.journalPath())
	if err != nil {
		return err
	}
	if err := e.runTool(ctx, set.Argv()); err != nil {
		return fmt.Errorf("start guest: %w", err)
	}
	pid, err := e.findGuestPID(ctx)
	if err != nil {
		return err
	}

	cfg := e.cfg
	sess := &GuestSession{
		ID:         uuid.New().String(),
		Name:       cfg.GuestName,
		SSHPort:    cfg.HostSSHPort,
		User:       cfg.GuestUser,
		KeyPath:    cfg.SSHKeyPath,
		ImagePath:  cfg.ImagePath,
		VCPUs:      cfg.GuestVCPUs,
		MemoryMB:   cfg.GuestMemoryMB,
		CPUModel:   cfg.GuestCPUModel,
		QEMUPID:    pid,
		LaunchedAt: time.Now().UTC(),
	}
	if err := sess.Save(e.sessionPath()); err != nil {
		return err
	}
	e.log.Info("guest launched", "pid", pid, "session", e.sessionPath())
	return nil
}

func (e *Engine) awaitGuestSSH(ctx context.Context) error {
	client := e.connect(e.cfg.HostSSHPort, e.cfg.GuestUser, e.cfg.SSHKeyPath)
	return e.poller.WaitUntil(ctx, "guest ssh", client.Ping)
}

// verifySNPActive confirms, from inside the guest, that the kernel booted
// with SEV-SNP active, then records it in the session. A guest that boots
// but never reports the feature is a host configuration problem.
func (e *Engine) verifySNPActive(ctx context.Context) error {
	client := e.connect(e.cfg.HostSSHPort, e.cfg.GuestUser, e.cfg.SSHKeyPath)
	probe := `sudo sh -c "dmesg | grep -i sev-snp"`
	err := e.poller.WaitUntil(ctx, "snp active in guest kernel log", func(ctx context.Context) error {
		_, perr := client.Exec(ctx, probe)
		return perr
	})
	if err != nil {
		return &EnvironmentError{
			Check:       "guest kernel reports SEV-SNP active",
			Remediation: "verify host kernel, firmware and QEMU all support SEV-SNP and that the guest kernel is SNP-aware",
			Err:         err,
		}
	}

	sess, err := LoadSession(e.sessionPath())
	if err != nil {
		return err
	}
	sess.SNPEnabled = true
	if err := sess.Save(e.sessionPath()); err != nil {
		return err
	}
	e.log.Info("guest memory encryption verified", "pid", sess.QEMUPID)
	return nil
}
