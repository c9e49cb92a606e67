// Package flags declares every CLI flag the orchestrator recognizes,
// together with its environment variable and default, and builds the
// immutable configuration the workflow consumes. This is the single place
// enumerating the configuration surface.
package flags

import (
	"log/slog"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/ruteri/snp-guest-orchestrator/common"
	"github.com/ruteri/snp-guest-orchestrator/config"
)

// SetupLogger builds the process logger from the logging flags.
func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJSONFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUIDFlag.Name)
	logService := cCtx.String(LogServiceFlag.Name)

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

// BuildConfig assembles the immutable configuration from the parsed flags.
// Every component receives this object; none reads the environment itself.
func BuildConfig(cCtx *cli.Context) (*config.Config, error) {
	cfg := config.Default()

	cfg.WorkingDir = cCtx.String(WorkdirFlag.Name)
	cfg.HostSSHPort = cCtx.Int(HostSSHPortFlag.Name)
	cfg.GuestName = cCtx.String(GuestNameFlag.Name)
	cfg.GuestSizeGB = cCtx.Int(GuestSizeFlag.Name)
	cfg.GuestMemoryMB = cCtx.Int(GuestMemoryFlag.Name)
	cfg.GuestVCPUs = cCtx.Int(GuestVCPUsFlag.Name)
	cfg.GuestCPUModel = cCtx.String(GuestCPUModelFlag.Name)
	cfg.GuestUser = cCtx.String(GuestUserFlag.Name)
	cfg.SSHKeyPath = cCtx.String(SSHKeyFlag.Name)
	cfg.ImagePath = cCtx.String(ImageFlag.Name)
	cfg.KernelFormat = cCtx.String(KernelFormatFlag.Name)
	cfg.FirmwareURI = cCtx.String(FirmwareFlag.Name)
	cfg.KernelURI = cCtx.String(KernelFlag.Name)
	cfg.InitrdURI = cCtx.String(InitrdFlag.Name)
	cfg.KernelPackageURI = cCtx.String(KernelPkgFlag.Name)
	cfg.BaseImageURI = cCtx.String(BaseImageFlag.Name)
	cfg.AppendLine = cCtx.String(AppendFlag.Name)
	cfg.QEMUPath = cCtx.String(QEMUFlag.Name)
	cfg.TraceFilters = cCtx.String(TraceFlag.Name)

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var WorkdirFlag = &cli.StringFlag{
	Name:    "workdir",
	Value:   config.DefaultWorkingDir(),
	Usage:   "working directory root holding per-phase state",
	EnvVars: []string{"WORKING_DIR"},
}

var HostSSHPortFlag = &cli.IntFlag{
	Name:    "host-ssh-port",
	Value:   config.DefaultHostSSHPort,
	Usage:   "host port forwarded to the guest's SSH port",
	EnvVars: []string{"HOST_SSH_PORT"},
}

var GuestNameFlag = &cli.StringFlag{
	Name:    "guest-name",
	Value:   config.DefaultGuestName,
	Usage:   "guest VM name, also names the default disk image",
	EnvVars: []string{"GUEST_NAME"},
}

var GuestSizeFlag = &cli.IntFlag{
	Name:    "guest-size-gb",
	Value:   config.DefaultGuestSizeGB,
	Usage:   "guest disk size in GB when materializing from a base image",
	EnvVars: []string{"GUEST_SIZE_GB"},
}

var GuestMemoryFlag = &cli.IntFlag{
	Name:    "guest-mem-mb",
	Value:   config.DefaultGuestMemoryMB,
	Usage:   "guest memory in MB",
	EnvVars: []string{"GUEST_MEM_SIZE_MB"},
}

var GuestVCPUsFlag = &cli.IntFlag{
	Name:    "guest-vcpus",
	Value:   config.DefaultGuestVCPUs,
	Usage:   "guest vCPU count (part of the measured topology)",
	EnvVars: []string{"GUEST_VCPU_COUNT"},
}

var GuestCPUModelFlag = &cli.StringFlag{
	Name:    "guest-cpu-model",
	Value:   config.DefaultGuestCPUModel,
	Usage:   "guest vCPU model (part of the measured topology)",
	EnvVars: []string{"GUEST_CPU_MODEL"},
}

var GuestUserFlag = &cli.StringFlag{
	Name:    "guest-user",
	Value:   config.DefaultGuestUser,
	Usage:   "user account inside the guest",
	EnvVars: []string{"GUEST_USER"},
}

var SSHKeyFlag = &cli.StringFlag{
	Name:    "ssh-key",
	Usage:   "private key the guest image trusts (default <workdir>/keys/guest-key)",
	EnvVars: []string{"GUEST_SSH_KEY_PATH"},
}

var ImageFlag = &cli.StringFlag{
	Name:    "image",
	Usage:   "pre-existing guest disk image path (default <workdir>/launch/<guest-name>.qcow2)",
	EnvVars: []string{"IMAGE_PATH"},
}

var KernelFormatFlag = &cli.StringFlag{
	Name:    "kernel-format",
	Value:   config.DefaultKernelFormat,
	Usage:   "guest kernel package format for first-boot install, deb or rpm",
	EnvVars: []string{"KERNEL_FORMAT"},
}

var FirmwareFlag = &cli.StringFlag{
	Name:    "firmware",
	Usage:   "OVMF firmware image locator (path, file://, http(s)://, s3:// or ipfs://)",
	EnvVars: []string{"FIRMWARE_URI"},
}

var KernelFlag = &cli.StringFlag{
	Name:    "kernel",
	Usage:   "guest kernel image locator for direct boot",
	EnvVars: []string{"KERNEL_URI"},
}

var InitrdFlag = &cli.StringFlag{
	Name:    "initrd",
	Usage:   "guest initrd locator for direct boot",
	EnvVars: []string{"INITRD_URI"},
}

var KernelPkgFlag = &cli.StringFlag{
	Name:    "kernel-pkg",
	Usage:   "guest kernel package locator installed during first boot",
	EnvVars: []string{"KERNEL_PKG_URI"},
}

var BaseImageFlag = &cli.StringFlag{
	Name:    "base-image",
	Usage:   "base cloud image locator the guest disk is materialized from",
	EnvVars: []string{"BASE_IMAGE_URI"},
}

var AppendFlag = &cli.StringFlag{
	Name:    "append",
	Value:   config.DefaultAppendLine,
	Usage:   "measured guest kernel command line",
	EnvVars: []string{"KERNEL_APPEND"},
}

var QEMUFlag = &cli.StringFlag{
	Name:    "qemu",
	Value:   config.DefaultQEMUPath,
	Usage:   "VM monitor binary",
	EnvVars: []string{"QEMU_PATH"},
}

var TraceFlag = &cli.StringFlag{
	Name:    "trace",
	Usage:   "QEMU trace filter pattern, recorded in the boot parameters",
	EnvVars: []string{"QEMU_TRACE"},
}

var LogJSONFlag = &cli.BoolFlag{
	Name:    "log-json",
	Value:   false,
	Usage:   "log in JSON format",
	EnvVars: []string{"LOG_JSON"},
}
var LogDebugFlag = &cli.BoolFlag{
	Name:    "log-debug",
	Value:   false,
	Usage:   "log debug messages",
	EnvVars: []string{"LOG_DEBUG"},
}
var LogUIDFlag = &cli.BoolFlag{
	Name:    "log-uid",
	Value:   false,
	Usage:   "generate a uuid and add to all log messages",
	EnvVars: []string{"LOG_UID"},
}
var LogServiceFlag = &cli.StringFlag{
	Name:    "log-service",
	Value:   "snp-orchestrator",
	Usage:   "add 'service' tag to logs",
	EnvVars: []string{"LOG_SERVICE"},
}

// LogFlags are shared by every subcommand.
var LogFlags = []cli.Flag{
	LogJSONFlag,
	LogDebugFlag,
	LogUIDFlag,
	LogServiceFlag,
}

// ConfigFlags are the workflow configuration flags shared by every phase.
var ConfigFlags = []cli.Flag{
	WorkdirFlag,
	HostSSHPortFlag,
	GuestNameFlag,
	GuestSizeFlag,
	GuestMemoryFlag,
	GuestVCPUsFlag,
	GuestCPUModelFlag,
	GuestUserFlag,
	SSHKeyFlag,
	ImageFlag,
	KernelFormatFlag,
	FirmwareFlag,
	KernelFlag,
	InitrdFlag,
	KernelPkgFlag,
	BaseImageFlag,
	AppendFlag,
	QEMUFlag,
	TraceFlag,
}
