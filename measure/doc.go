// Package measure derives and compares SNP launch measurements. The
// expected side is computed locally from the boot artifacts; the actual
// side is extracted from a guest attestation report. Both are plain hex
// values compared after normalization, so the two toolchains producing
// them never need to agree on formatting.
package measure
