package workflow

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/ruteri/snp-guest-orchestrator/attest"
	"github.com/ruteri/snp-guest-orchestrator/bootparams"
	"github.com/ruteri/snp-guest-orchestrator/measure"
)

// attestGuest verifies the running guest's launch measurement against the
// digest derived from the recorded boot parameters. It locates the existing
// session rather than creating one, and runs the full attestation from a
// fresh challenge every time; there is nothing to resume.
func (e *Engine) attestGuest(ctx context.Context) error {
	sess, err := LoadSession(e.sessionPath())
	if err != nil {
		return err
	}
	set, err := bootparams.Load(e.journalPath())
	if err != nil {
		return err
	}
	calc, err := calcInput(set, e.cfg.GuestFeatures)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(e.cfg.AttestDir(), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", e.cfg.AttestDir(), err)
	}

	rc := attest.RunnerConfig{
		Guest:      e.connect(sess.SSHPort, sess.User, sess.KeyPath),
		Calc:       calc,
		Dir:        e.cfg.AttestDir(),
		InstallCmd: e.cfg.SNPGuestInstall,
		Poller:     e.poller,
		KDSBase:    e.cfg.KDSBaseURL,
	}
	res, err := e.attestRun(ctx, rc)
	if res != nil {
		e.log.Info("measurement comparison",
			"expected", string(res.Expected), "actual", string(res.Actual))
	}
	if err != nil {
		return err
	}
	e.log.Info("guest attested", "measurement", string(res.Actual), "report", res.ReportPath)
	return nil
}

// calcInput recovers the measured boot inputs from the launch journal, so
// the expected digest is computed over what was actually booted rather than
// over the current configuration.
func calcInput(set *bootparams.Set, guestFeatures uint64) (measure.CalcInput, error) {
	smp, ok := set.Value("-smp")
	if !ok {
		return measure.CalcInput{}, fmt.Errorf("boot parameter journal has no -smp entry")
	}
	vcpus, err := strconv.Atoi(smp)
	if err != nil {
		return measure.CalcInput{}, fmt.Errorf("boot parameter journal -smp entry %q: %w", smp, err)
	}
	cpuModel, ok := set.Value("-cpu")
	if !ok {
		return measure.CalcInput{}, fmt.Errorf("boot parameter journal has no -cpu entry")
	}
	firmware, ok := set.Value("-bios")
	if !ok {
		return measure.CalcInput{}, fmt.Errorf("boot parameter journal has no -bios entry")
	}
	kernel, _ := set.Value("-kernel")
	initrd, _ := set.Value("-initrd")
	appendLine, _ := set.Value("-append")

	return measure.CalcInput{
		VCPUs:         vcpus,
		VCPUType:      cpuModel,
		FirmwarePath:  firmware,
		KernelPath:    kernel,
		InitrdPath:    initrd,
		AppendLine:    appendLine,
		GuestFeatures: guestFeatures,
	}, nil
}
