package measure

import (
	"fmt"
	"os"

	"github.com/virtee/sev-snp-measure-go/cpuid"
	"github.com/virtee/sev-snp-measure-go/guest"
	"github.com/virtee/sev-snp-measure-go/vmmtypes"

	"github.com/ruteri/snp-guest-orchestrator/artifacts"
)

// CalcInput carries every guest property the SNP launch digest depends on.
// Paths must point at the exact artifacts handed to the VMM: any drift
// between what was booted and what is measured invalidates the comparison.
type CalcInput struct {
	VCPUs         int
	VCPUType      string
	FirmwarePath  string
	KernelPath    string
	InitrdPath    string
	AppendLine    string
	GuestFeatures uint64
}

// ToolError reports a digest-calculation failure that is not attributable
// to a missing input artifact.
type ToolError struct {
	Op  string
	Err error
}

func (e *ToolError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s produced no result", e.Op)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Expected computes the launch measurement a correctly launched guest must
// report, derived from the boot artifacts alone.
func Expected(in CalcInput) (Measurement, error) {
	sig, ok := cpuid.CpuSigs[in.VCPUType]
	if !ok {
		return "", &ToolError{Op: fmt.Sprintf("resolve CPUID signature for guest CPU model %q", in.VCPUType)}
	}

	if in.FirmwarePath == "" {
		return "", &artifacts.MissingError{Name: "firmware", Path: "(unset)", Err: fmt.Errorf("no firmware to measure")}
	}
	if err := statArtifact("firmware", in.FirmwarePath); err != nil {
		return "", err
	}
	if in.KernelPath != "" {
		if err := statArtifact("kernel", in.KernelPath); err != nil {
			return "", err
		}
	}
	if in.InitrdPath != "" {
		if err := statArtifact("initrd", in.InitrdPath); err != nil {
			return "", err
		}
	}

	digest, err := guest.CalcLaunchDigest(guest.SEV_SNP, in.VCPUs, uint64(sig),
		in.FirmwarePath, in.KernelPath, in.InitrdPath, in.AppendLine,
		in.GuestFeatures, "", vmmtypes.QEMU, false, "", 0)
	if err != nil {
		return "", &ToolError{Op: "calculate launch digest", Err: err}
	}
	if len(digest) == 0 {
		return "", &ToolError{Op: "calculate launch digest"}
	}
	return FromBytes(digest), nil
}

func statArtifact(name, path string) error {
	if _, err := os.Stat(path); err != nil {
		return &artifacts.MissingError{Name: name, Path: path, Err: err}
	}
	return nil
}
