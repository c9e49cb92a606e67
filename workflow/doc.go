// Package workflow sequences the four provisioning phases over one working
// directory: setup-host, launch-guest, attest-guest and stop-guests.
//
// Each phase is a fixed order of steps. A step that already completed, as
// witnessed by a marker file or by its output artifact, is skipped on the
// next invocation, so an interrupted phase resumes at its first incomplete
// step instead of restarting. Any step failure aborts the phase immediately;
// the engine's only recovery behavior is that resumption.
package workflow
