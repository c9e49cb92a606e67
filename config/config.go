package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Defaults for every recognized configuration key. The corresponding CLI
// flags and environment variables are declared in cmd/flags.
const (
	DefaultHostSSHPort   = 10022
	DefaultGuestName     = "snp-guest"
	DefaultGuestSizeGB   = 20
	DefaultGuestMemoryMB = 2048
	DefaultGuestVCPUs    = 4
	DefaultGuestCPUModel = "EPYC-v4"
	DefaultGuestUser     = "amd"
	DefaultKernelFormat  = "deb"
	DefaultAppendLine    = "console=ttyS0 earlyprintk=serial root=/dev/vda1"
	DefaultQEMUPath      = "qemu-system-x86_64"

	// DefaultSNPGuestInstall installs the in-guest attestation tool used to
	// request reports from /dev/sev-guest.
	DefaultSNPGuestInstall = "which snpguest || sudo sh -c 'curl -sSfL https://github.com/virtee/snpguest/releases/latest/download/snpguest -o /usr/local/bin/snpguest && chmod +x /usr/local/bin/snpguest'"

	// GuestSSHHost is where the forwarded guest SSH port is reachable.
	GuestSSHHost = "127.0.0.1"

	defaultSEVDevice   = "/dev/sev"
	defaultSNPParam    = "/sys/module/kvm_amd/parameters/sev_snp"
	defaultCBitPos     = 51
	defaultReducedPhys = 1
	defaultGuestFeat   = 0x1
)

// DefaultWorkingDir returns the default working directory root,
// $HOME/snp-guest, falling back to ./snp-guest when the home directory
// cannot be resolved.
func DefaultWorkingDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "snp-guest"
	}
	return filepath.Join(home, "snp-guest")
}

// Config carries every setting the workflow consumes. It is built once at
// process start (see cmd/flags) and treated as read-only afterwards; no
// component reads environment variables directly.
type Config struct {
	// WorkingDir is the state root holding per-phase subdirectories.
	WorkingDir string

	// HostSSHPort is the host port forwarded to the guest's port 22.
	HostSSHPort int

	// Guest identity.
	GuestName     string
	GuestSizeGB   int
	GuestMemoryMB int
	GuestVCPUs    int
	GuestCPUModel string

	// Guest credentials. SSHKeyPath is the private key used for all guest
	// commands; the key is an input artifact, never generated here.
	GuestUser  string
	SSHKeyPath string

	// ImagePath points at the guest disk image. When the file is absent the
	// launch phase materializes it from BaseImageURI and performs first-boot
	// provisioning.
	ImagePath string

	// KernelFormat selects the first-boot guest kernel install variant,
	// "deb" or "rpm".
	KernelFormat string

	// Artifact locations. file:// and bare paths are validated in place;
	// http(s)://, s3:// and ipfs:// are fetched into the workdir cache.
	FirmwareURI      string
	KernelURI        string
	InitrdURI        string
	KernelPackageURI string
	BaseImageURI     string

	// AppendLine is the measured guest kernel command line.
	AppendLine string

	// QEMUPath is the VM monitor binary.
	QEMUPath string

	// TraceFilters, when set, is passed to QEMU as a --trace pattern.
	TraceFilters string

	// SNPGuestInstall is the in-guest command that makes the snpguest tool
	// available. It must be idempotent.
	SNPGuestInstall string

	// SEV-SNP launch object parameters.
	SNPCBitPos         int
	SNPReducedPhysBits int
	GuestFeatures      uint64

	// Host capability probe paths, overridable in tests.
	SEVDevicePath string
	SNPParamPath  string

	// KDSBaseURL overrides the AMD key distribution endpoint in tests.
	// Empty means the production endpoint.
	KDSBaseURL string
}

// Default returns a Config populated with every documented default.
// Path-valued fields derived from the working directory (SSHKeyPath,
// ImagePath) are filled by Normalize once the final WorkingDir is known.
func Default() *Config {
	return &Config{
		WorkingDir:         DefaultWorkingDir(),
		HostSSHPort:        DefaultHostSSHPort,
		GuestName:          DefaultGuestName,
		GuestSizeGB:        DefaultGuestSizeGB,
		GuestMemoryMB:      DefaultGuestMemoryMB,
		GuestVCPUs:         DefaultGuestVCPUs,
		GuestCPUModel:      DefaultGuestCPUModel,
		GuestUser:          DefaultGuestUser,
		KernelFormat:       DefaultKernelFormat,
		AppendLine:         DefaultAppendLine,
		QEMUPath:           DefaultQEMUPath,
		SNPGuestInstall:    DefaultSNPGuestInstall,
		SNPCBitPos:         defaultCBitPos,
		SNPReducedPhysBits: defaultReducedPhys,
		GuestFeatures:      defaultGuestFeat,
		SEVDevicePath:      defaultSEVDevice,
		SNPParamPath:       defaultSNPParam,
	}
}

// Normalize fills the path-valued fields that default relative to the
// working directory. It must run after all overrides are applied.
func (c *Config) Normalize() {
	if c.SSHKeyPath == "" {
		c.SSHKeyPath = filepath.Join(c.WorkingDir, "keys", "guest-key")
	}
	if c.ImagePath == "" {
		c.ImagePath = filepath.Join(c.LaunchDir(), c.GuestName+".qcow2")
	}
}

// Validate reports the first configuration error found.
func (c *Config) Validate() error {
	if c.WorkingDir == "" {
		return fmt.Errorf("working directory must not be empty")
	}
	if c.HostSSHPort < 1 || c.HostSSHPort > 65535 {
		return fmt.Errorf("host ssh port %d out of range", c.HostSSHPort)
	}
	if c.GuestName == "" {
		return fmt.Errorf("guest name must not be empty")
	}
	if c.GuestVCPUs < 1 {
		return fmt.Errorf("guest vcpu count %d out of range", c.GuestVCPUs)
	}
	if c.GuestMemoryMB < 256 {
		return fmt.Errorf("guest memory %dMB too small", c.GuestMemoryMB)
	}
	if c.GuestCPUModel == "" {
		return fmt.Errorf("guest cpu model must not be empty")
	}
	if c.GuestUser == "" {
		return fmt.Errorf("guest user must not be empty")
	}
	if c.KernelFormat != "deb" && c.KernelFormat != "rpm" {
		return fmt.Errorf("kernel format %q not supported, want deb or rpm", c.KernelFormat)
	}
	return nil
}

// Per-phase state directories under the working directory root.

func (c *Config) SetupDir() string     { return filepath.Join(c.WorkingDir, "setup") }
func (c *Config) LaunchDir() string    { return filepath.Join(c.WorkingDir, "launch") }
func (c *Config) AttestDir() string    { return filepath.Join(c.WorkingDir, "attest") }
func (c *Config) ArtifactsDir() string { return filepath.Join(c.WorkingDir, "artifacts") }
