package common

// Version is the build version, overridden at link time via
// -ldflags "-X github.com/ruteri/snp-guest-orchestrator/common.Version=...".
var Version = "dev"
