// Package vmproc locates and stops guest VM monitor processes through the
// host process table. Guests are daemonized and not child processes of the
// orchestrator, so the process table is the only handle recovery path when
// the recorded pid is stale or missing.
package vmproc
