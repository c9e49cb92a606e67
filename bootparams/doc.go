// Package bootparams assembles the ordered set of QEMU launch parameters
// for a guest and persists it for exact reconstruction.
//
// The parameter order is part of the measured boot configuration: the
// expected launch digest is recomputed from the firmware, kernel, initrd,
// command line and vCPU entries, so the builder keeps one fixed order and
// the set is write-once per launch.
package bootparams
