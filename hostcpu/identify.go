package hostcpu

import (
	"encoding/binary"
	"fmt"
	"os"
)

// LeafExtProcSignature is CPUID Fn8000_0001, the extended processor
// signature leaf. EAX carries the family/model fields, EBX the package type.
const LeafExtProcSignature uint32 = 0x8000_0001

// DefaultDevicePath is the kernel's raw CPUID interface for cpu 0.
const DefaultDevicePath = "/dev/cpu/0/cpuid"

// Codename is the microarchitecture name used to select the AMD certificate
// chain endpoint during attestation.
type Codename string

const (
	Naples  Codename = "Naples"
	Rome    Codename = "Rome"
	Milan   Codename = "Milan"
	Genoa   Codename = "Genoa"
	Bergamo Codename = "Bergamo"
	Siena   Codename = "Siena"
)

// KDSProductLine returns the product segment of the AMD key distribution
// server URL for this codename.
func (c Codename) KDSProductLine() string { return string(c) }

// Identity is the decoded processor identification, recomputed per
// attestation run and never persisted.
type Identity struct {
	Family     uint32
	Model      uint32
	SocketType uint32
	Codename   Codename
}

func (id Identity) String() string {
	return fmt.Sprintf("%s (family %d model %d socket %d)", id.Codename, id.Family, id.Model, id.SocketType)
}

// UnsupportedCPUError reports a processor outside every known
// family/model/socket range.
type UnsupportedCPUError struct {
	Family     uint32
	Model      uint32
	SocketType uint32
}

func (e *UnsupportedCPUError) Error() string {
	return fmt.Sprintf("unsupported cpu: family %d model %d socket %d", e.Family, e.Model, e.SocketType)
}

// LeafReader reads the raw EAX/EBX register pair for one CPUID leaf.
type LeafReader interface {
	ReadLeaf(leaf uint32) (eax, ebx uint32, err error)
}

// DevReader reads CPUID leaves through the kernel's /dev/cpu/N/cpuid
// interface. The device returns EAX..EDX as four little-endian words at the
// file offset equal to the leaf number.
type DevReader struct {
	// Path overrides DefaultDevicePath, mainly for tests.
	Path string
}

func (r DevReader) ReadLeaf(leaf uint32) (uint32, uint32, error) {
	path := r.Path
	if path == "" {
		path = DefaultDevicePath
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open cpuid device %s (cpuid kernel module required): %w", path, err)
	}
	defer f.Close()

	var regs [16]byte
	if _, err := f.ReadAt(regs[:], int64(leaf)); err != nil {
		return 0, 0, fmt.Errorf("read cpuid leaf %#x from %s: %w", leaf, path, err)
	}
	return binary.LittleEndian.Uint32(regs[0:4]), binary.LittleEndian.Uint32(regs[4:8]), nil
}

// FixedReader returns constant register values, for tests and for replaying
// an identification captured elsewhere.
type FixedReader struct {
	EAX uint32
	EBX uint32
}

func (r FixedReader) ReadLeaf(uint32) (uint32, uint32, error) { return r.EAX, r.EBX, nil }

// Identify reads the extended processor signature leaf and decodes it.
func Identify(r LeafReader) (Identity, error) {
	eax, ebx, err := r.ReadLeaf(LeafExtProcSignature)
	if err != nil {
		return Identity{}, err
	}
	return Decode(eax, ebx)
}

// Decode derives the processor identity from the raw EAX/EBX values of
// CPUID Fn8000_0001.
//
// Family is the base family nibble (EAX bits 11:8), extended by the byte in
// bits 27:20 when the base nibble is saturated. Model concatenates the
// extended model nibble (bits 19:16) as high nibble with the base model
// nibble (bits 7:4). The socket type is the package type field in EBX bits
// 31:28.
func Decode(eax, ebx uint32) (Identity, error) {
	family := (eax >> 8) & 0xF
	if family == 0xF {
		family += (eax >> 20) & 0xFF
	}
	model := ((eax>>16)&0xF)<<4 | ((eax >> 4) & 0xF)
	socket := (ebx >> 28) & 0xF

	id := Identity{Family: family, Model: model, SocketType: socket}

	switch {
	case family == 23 && model <= 15:
		id.Codename = Naples
	case family == 23 && model >= 48 && model <= 63:
		id.Codename = Rome
	case family == 25 && model <= 15:
		id.Codename = Milan
	case family == 25 && model >= 16 && model <= 31:
		id.Codename = Genoa
	case family == 25 && model >= 160 && model <= 175 && socket == 4:
		id.Codename = Bergamo
	case family == 25 && model >= 160 && model <= 175 && socket == 8:
		id.Codename = Siena
	default:
		return Identity{}, &UnsupportedCPUError{Family: family, Model: model, SocketType: socket}
	}
	return id, nil
}
