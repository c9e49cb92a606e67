// Package artifacts resolves the externally produced inputs of a guest
// launch: firmware, kernel, initrd, kernel package and disk images.
//
// Artifacts are located by URI. Local paths are validated in place; remote
// locators are fetched once into a cache directory inside the working
// directory, keyed by logical artifact name, so repeated runs reuse earlier
// downloads. The resolved paths of a phase are recorded in a Manifest for
// the next phase.
package artifacts
