package attest

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/google/go-sev-guest/abi"
	spb "github.com/google/go-sev-guest/proto/sevsnp"
	"github.com/google/go-sev-guest/validate"
	"github.com/google/go-sev-guest/verify"
	"github.com/google/go-sev-guest/verify/trust"

	"github.com/ruteri/snp-guest-orchestrator/hostcpu"
	"github.com/ruteri/snp-guest-orchestrator/measure"
	"github.com/ruteri/snp-guest-orchestrator/remote"
	"github.com/ruteri/snp-guest-orchestrator/retry"
)

// Guest is the remote-command surface an attestation run needs.
type Guest interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, command string) (*remote.Result, error)
	Upload(ctx context.Context, localPath, remotePath string) error
	Download(ctx context.Context, remotePath, localPath string) error
}

// State names one stage of the attestation run.
type State string

const (
	StateAwaitGuestReachable State = "await-guest-reachable"
	StateInstallGuestTooling State = "install-guest-tooling"
	StateRequestReport       State = "request-report"
	StateFetchCertChain      State = "fetch-and-verify-cert-chain"
	StateVerifySignature     State = "verify-report-signature"
	StateComputeExpected     State = "compute-expected"
	StateExtractActual       State = "extract-actual"
	StateCompare             State = "compare"
)

// VerificationError reports a failed cryptographic check: a report not
// bound to its challenge, a broken certificate chain, a bad report
// signature, or a structural policy violation. Security-relevant and never
// retried.
type VerificationError struct {
	Stage State
	Err   error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed at %s: %v", e.Stage, e.Err)
}

func (e *VerificationError) Unwrap() error { return e.Err }

// RunnerConfig wires a Runner's collaborators. Guest, Calc and Dir are
// required; the rest default to the production implementations.
type RunnerConfig struct {
	Guest Guest
	// Calc holds the boot artifacts the expected measurement derives from.
	Calc measure.CalcInput
	// Dir is the attestation phase directory; reports, challenges and
	// certificates are persisted under it.
	Dir string
	// InstallCmd makes the in-guest report tool available.
	InstallCmd string

	Poller *retry.Poller
	// Identify resolves the host CPU identity. Defaults to reading the
	// CPUID device.
	Identify func() (hostcpu.Identity, error)
	// Getter fetches key-distribution URLs. Defaults to a caching getter
	// under Dir; KDSBase redirects it away from the AMD endpoint.
	Getter  trust.HTTPSGetter
	KDSBase string
	// VerifyReport checks a raw report's signature against the AMD chain.
	// Defaults to verify.RawSnpReport.
	VerifyReport func(raw []byte, opts *verify.Options) error
	// Expected computes the expected measurement from the boot artifacts.
	// Defaults to measure.Expected.
	Expected func(in measure.CalcInput) (measure.Measurement, error)
}

// Runner drives one attestation run from guest reachability through
// measurement comparison.
type Runner struct {
	guest        Guest
	poller       *retry.Poller
	identify     func() (hostcpu.Identity, error)
	calc         measure.CalcInput
	dir          string
	installCmd   string
	getter       trust.HTTPSGetter
	verifyReport func([]byte, *verify.Options) error
	expectedFn   func(measure.CalcInput) (measure.Measurement, error)
	log          *slog.Logger

	report   *Report
	chain    *CertChain
	expected measure.Measurement
	actual   measure.Measurement
}

// NewRunner builds a Runner, filling in production defaults for every
// collaborator cfg leaves nil.
func NewRunner(cfg RunnerConfig, log *slog.Logger) *Runner {
	r := &Runner{
		guest:        cfg.Guest,
		poller:       cfg.Poller,
		identify:     cfg.Identify,
		calc:         cfg.Calc,
		dir:          cfg.Dir,
		installCmd:   cfg.InstallCmd,
		getter:       cfg.Getter,
		verifyReport: cfg.VerifyReport,
		expectedFn:   cfg.Expected,
		log:          log,
	}
	if r.poller == nil {
		r.poller = retry.Default(log)
	}
	if r.identify == nil {
		r.identify = func() (hostcpu.Identity, error) {
			return hostcpu.Identify(hostcpu.DevReader{})
		}
	}
	if r.getter == nil {
		r.getter = NewKDSGetter(filepath.Join(cfg.Dir, "certs", "kds-cache"), cfg.KDSBase, log)
	}
	if r.verifyReport == nil {
		r.verifyReport = verify.RawSnpReport
	}
	if r.expectedFn == nil {
		r.expectedFn = measure.Expected
	}
	return r
}

// Result carries the two measurements of a completed comparison.
type Result struct {
	Expected   measure.Measurement
	Actual     measure.Measurement
	ReportPath string
}

// Run drives the attestation states in order. Any failure before the final
// comparison aborts the run; a measurement mismatch is returned as a
// *measure.MismatchError alongside the Result carrying both sides.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	steps := []struct {
		state State
		fn    func(context.Context) error
	}{
		{StateAwaitGuestReachable, r.awaitReachable},
		{StateInstallGuestTooling, r.installTooling},
		{StateRequestReport, r.requestReport},
		{StateFetchCertChain, r.fetchCertChain},
		{StateVerifySignature, r.verifySignature},
		{StateComputeExpected, r.computeExpected},
		{StateExtractActual, r.extractActual},
		{StateCompare, r.compare},
	}
	for _, s := range steps {
		r.log.Info("attestation state", "state", string(s.state))
		if err := s.fn(ctx); err != nil {
			if s.state == StateCompare {
				return r.result(), fmt.Errorf("%s: %w", s.state, err)
			}
			return nil, fmt.Errorf("%s: %w", s.state, err)
		}
	}
	r.log.Info("launch measurement verified", "measurement", string(r.actual))
	return r.result(), nil
}

func (r *Runner) result() *Result {
	return &Result{
		Expected:   r.expected,
		Actual:     r.actual,
		ReportPath: filepath.Join(r.dir, "report.bin"),
	}
}

func (r *Runner) awaitReachable(ctx context.Context) error {
	return r.poller.WaitUntil(ctx, "guest ssh", r.guest.Ping)
}

// installTooling is idempotent: a guest that already has the report tool is
// left alone.
func (r *Runner) installTooling(ctx context.Context) error {
	if _, err := r.guest.Exec(ctx, "snpguest --version"); err == nil {
		r.log.Debug("snpguest already present in guest")
		return nil
	} else {
		var ce *remote.CommandError
		if !errors.As(err, &ce) {
			return err
		}
	}
	r.log.Info("installing snpguest in guest")
	_, err := r.guest.Exec(ctx, r.installCmd)
	return err
}

func (r *Runner) fetchCertChain(ctx context.Context) error {
	id, err := r.identify()
	if err != nil {
		return err
	}
	r.log.Info("host CPU identified", "cpu", id.String())

	chain, err := FetchCertChain(r.getter, id.Codename.KDSProductLine())
	if err != nil {
		return err
	}
	if err := chain.WritePEMs(filepath.Join(r.dir, "certs")); err != nil {
		return err
	}
	r.chain = chain
	return nil
}

func (r *Runner) verifySignature(ctx context.Context) error {
	opts := verify.DefaultOptions()
	opts.Getter = r.getter
	if err := r.verifyReport(r.report.Raw, opts); err != nil {
		return &VerificationError{Stage: StateVerifySignature, Err: err}
	}
	return nil
}

func (r *Runner) computeExpected(ctx context.Context) error {
	m, err := r.expectedFn(r.calc)
	if err != nil {
		return err
	}
	r.expected = m
	r.log.Info("expected measurement computed", "measurement", string(m))
	return nil
}

// extractActual takes the measurement from the validated binary layout and
// cross-checks it against the rendered report when that is parseable.
func (r *Runner) extractActual(ctx context.Context) error {
	raw := r.report.Proto.GetMeasurement()
	if len(raw) == 0 {
		return fmt.Errorf("report carries an empty measurement field")
	}
	bin := measure.FromBytes(raw)

	rendered, err := ExtractRenderedMeasurement(r.report.Rendered)
	switch {
	case err != nil:
		r.log.Warn("rendered report not parseable, trusting binary field", "err", err)
	case measure.Compare(bin, rendered) != nil:
		return fmt.Errorf("binary and rendered measurements disagree: %s vs %s", bin, rendered)
	}

	r.actual = bin
	return nil
}

// compare yields the verdict, then structurally validates the report fields
// against the expectations the verdict rests on.
func (r *Runner) compare(ctx context.Context) error {
	if err := measure.Compare(r.expected, r.actual); err != nil {
		return err
	}

	expected, err := hex.DecodeString(string(r.expected))
	if err != nil {
		return fmt.Errorf("decode expected measurement: %w", err)
	}
	vopts := &validate.Options{
		GuestPolicy: abi.SnpPolicy{SMT: true},
		Measurement: expected,
		ReportData:  r.report.Challenge,

		PermitProvisionalFirmware: true,
	}
	if err := validate.SnpAttestation(&spb.Attestation{Report: r.report.Proto}, vopts); err != nil {
		return &VerificationError{Stage: StateCompare, Err: err}
	}
	return nil
}
