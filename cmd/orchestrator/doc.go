// Command orchestrator drives the SEV-SNP guest workflow, one phase per
// subcommand:
//
//   - setup-host: verify the host supports SEV-SNP and resolve the firmware,
//     kernel, initrd and image artifacts into the working directory.
//   - launch-guest: materialize and first-boot-provision the guest disk when
//     needed, then launch the memory-encrypted guest and confirm SNP is
//     active inside it.
//   - attest-guest: fetch a fresh attestation report from the guest, verify
//     its certificate chain and signature, and compare its launch
//     measurement against the digest computed from the recorded boot
//     parameters.
//   - stop-guests: terminate the working directory's guest processes and
//     confirm none remain.
//
// Phases are resumable: completed steps are recorded under the working
// directory and skipped on re-invocation. Every flag can also be set
// through its environment variable; see cmd/flags for the full list.
//
// Exit codes: 0 on success, 1 on any step or verification failure, 2 on a
// usage error.
package main
