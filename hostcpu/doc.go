// Package hostcpu decodes the host processor's identification registers
// into a canonical microarchitecture codename. The attestation flow uses the
// codename to pick the matching AMD certificate chain endpoint.
package hostcpu
