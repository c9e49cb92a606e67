// Package attest retrieves and verifies SNP attestation reports from a
// running guest and compares the reported launch measurement against the
// locally derived one.
//
// The attestation run is a fixed sequence of states, each logged and each
// fatal on failure: wait for the guest to be reachable, make sure the
// in-guest report tool is installed, request a report bound to a fresh
// random challenge, fetch and verify the AMD certificate chain for the
// host's product line, verify the report signature against that chain,
// compute the expected measurement from the boot artifacts, extract the
// actual measurement from the report, and compare the two. A measurement
// mismatch is a verification verdict carried as *measure.MismatchError,
// reported distinctly from infrastructure failures.
package attest
