package bootparams

import (
	"fmt"
)

// BuildInput collects everything the launch command depends on. Paths must
// already be resolved; Build does not touch the filesystem beyond the
// journal.
type BuildInput struct {
	QEMUPath    string
	JournalPath string

	CPUModel string
	VCPUs    int
	MemoryMB int

	// SNPEnabled selects the confidential-computing variant: the q35 machine
	// gains confidential-guest-support plus a private memory backend, and the
	// sev-snp-guest object is appended.
	SNPEnabled         bool
	SNPCBitPos         int
	SNPReducedPhysBits int

	HostSSHPort int

	ImagePath string
	// ExtraDrives are appended after the primary disk, e.g. a cloud-init
	// seed during first boot.
	ExtraDrives []string

	ConsoleLogPath string
	TraceFilters   string
	OVMFLogPath    string

	FirmwarePath string
	// Direct-boot entries; empty fields are omitted.
	InitrdPath string
	KernelPath string
	AppendLine string
}

// Build assembles the ordered launch parameter set. The order below is
// fixed: hardware acceleration, CPU model, machine type, vCPU count, memory
// size, reboot policy, display, monitor, daemonize, network, storage, log
// redirections, trace filters, debug console, confidential-computing
// objects, firmware, initrd, kernel, kernel command line.
func Build(in BuildInput) (*Set, error) {
	s, err := New(in.QEMUPath, in.JournalPath)
	if err != nil {
		return nil, err
	}

	app := func(flag, value string) {
		if err == nil {
			err = s.Append(flag, value)
		}
	}
	appFlag := func(flag string) {
		if err == nil {
			err = s.AppendFlag(flag)
		}
	}

	appFlag("-enable-kvm")
	app("-cpu", in.CPUModel)
	if in.SNPEnabled {
		app("-machine", "q35,confidential-guest-support=sev0,memory-backend=ram1")
	} else {
		app("-machine", "q35")
	}
	app("-smp", fmt.Sprintf("%d", in.VCPUs))
	app("-m", fmt.Sprintf("%dM", in.MemoryMB))
	appFlag("-no-reboot")
	app("-vga", "none")
	app("-monitor", "pty")
	appFlag("-daemonize")
	app("-netdev", fmt.Sprintf("user,id=vmnic,hostfwd=tcp::%d-:22", in.HostSSHPort))
	app("-device", "virtio-net-pci,disable-legacy=on,iommu_platform=true,netdev=vmnic,romfile=")
	app("-drive", fmt.Sprintf("if=virtio,format=qcow2,file=%s", in.ImagePath))
	for _, drive := range in.ExtraDrives {
		app("-drive", drive)
	}
	if in.ConsoleLogPath != "" {
		app("-serial", "file:"+in.ConsoleLogPath)
	}
	if in.TraceFilters != "" {
		app("--trace", in.TraceFilters)
	}
	if in.OVMFLogPath != "" {
		app("-debugcon", "file:"+in.OVMFLogPath)
		app("-global", "isa-debugcon.iobase=0x402")
	}
	if in.SNPEnabled {
		app("-object", fmt.Sprintf("memory-backend-memfd,id=ram1,size=%dM,share=true,prealloc=false", in.MemoryMB))
		app("-object", fmt.Sprintf("sev-snp-guest,id=sev0,cbitpos=%d,reduced-phys-bits=%d",
			in.SNPCBitPos, in.SNPReducedPhysBits))
	}
	app("-bios", in.FirmwarePath)
	if in.InitrdPath != "" {
		app("-initrd", in.InitrdPath)
	}
	if in.KernelPath != "" {
		app("-kernel", in.KernelPath)
		if in.AppendLine != "" {
			app("-append", in.AppendLine)
		}
	}

	if err != nil {
		return nil, err
	}
	return s, nil
}
