package workflow

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ruteri/snp-guest-orchestrator/artifacts"
)

// setupHost prepares the working directory, verifies the host can run
// memory-encrypted guests, and resolves every configured boot artifact into
// the manifest the later phases consume.
func (e *Engine) setupHost(ctx context.Context) error {
	steps := []step{
		{name: stepPrepareWorkdir, fn: e.prepareWorkdir},
		{name: stepVerifyHostSNP, fn: e.verifyHostSNP},
		{name: stepResolveArtifacts, fn: e.resolveArtifacts},
	}
	return e.runSteps(ctx, e.cfg.SetupDir(), steps)
}

func (e *Engine) prepareWorkdir(ctx context.Context) error {
	dirs := []string{
		e.cfg.SetupDir(),
		e.cfg.LaunchDir(),
		e.cfg.AttestDir(),
		e.cfg.ArtifactsDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	e.log.Info("working directory prepared", "root", e.cfg.WorkingDir)
	return nil
}

// verifyHostSNP probes the host for SEV-SNP support: the firmware device
// must exist and the kvm_amd module parameter must report the feature
// enabled. Both failures are environment problems the operator has to fix
// outside this tool.
func (e *Engine) verifyHostSNP(ctx context.Context) error {
	if _, err := os.Stat(e.cfg.SEVDevicePath); err != nil {
		return &EnvironmentError{
			Check:       fmt.Sprintf("SEV firmware device %s", e.cfg.SEVDevicePath),
			Remediation: "enable SEV-SNP in BIOS and load the ccp driver",
			Err:         err,
		}
	}
	raw, err := os.ReadFile(e.cfg.SNPParamPath)
	if err != nil {
		return &EnvironmentError{
			Check:       fmt.Sprintf("kvm_amd SNP parameter %s", e.cfg.SNPParamPath),
			Remediation: "reload kvm_amd with sev_snp=1 on a kernel built with SEV-SNP support",
			Err:         err,
		}
	}
	val := strings.TrimSpace(string(raw))
	if !strings.EqualFold(val, "Y") && val != "1" {
		return &EnvironmentError{
			Check:       fmt.Sprintf("kvm_amd SNP parameter %s reports %q", e.cfg.SNPParamPath, val),
			Remediation: "reload kvm_amd with sev_snp=1 on a kernel built with SEV-SNP support",
		}
	}
	e.log.Info("host SEV-SNP support verified",
		"device", e.cfg.SEVDevicePath, "parameter", e.cfg.SNPParamPath)
	return nil
}

// resolveArtifacts turns every configured artifact locator into a local path
// and records the result in the host manifest. The firmware is mandatory;
// kernel, initrd, kernel package and base image are optional and their
// absence is handled by the launch phase.
func (e *Engine) resolveArtifacts(ctx context.Context) error {
	cfg := e.cfg
	m := &artifacts.Manifest{AppendLine: cfg.AppendLine, ResolvedAt: time.Now().UTC()}

	var err error
	if m.FirmwarePath, err = e.store.Resolve(ctx, "firmware", cfg.FirmwareURI); err != nil {
		return err
	}

	optional := []struct {
		name    string
		locator string
		dst     *string
	}{
		{"kernel", cfg.KernelURI, &m.KernelPath},
		{"initrd", cfg.InitrdURI, &m.InitrdPath},
		{"kernel-package", cfg.KernelPackageURI, &m.KernelPackagePath},
		{"base-image", cfg.BaseImageURI, &m.BaseImagePath},
	}
	for _, a := range optional {
		if a.locator == "" {
			continue
		}
		if *a.dst, err = e.store.Resolve(ctx, a.name, a.locator); err != nil {
			return err
		}
	}

	if err := m.Save(e.manifestPath()); err != nil {
		return err
	}
	e.log.Info("artifacts resolved", "manifest", e.manifestPath(), "firmware", m.FirmwarePath)
	return nil
}
