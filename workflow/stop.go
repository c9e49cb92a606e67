package workflow

import (
	"context"
	"fmt"
	"os"
)

// stopGuests terminates the working directory's guest processes and
// confirms none remain. The recorded session pid is the primary handle; a
// filtered process-table scan recovers guests whose session record was lost.
// The confirming re-scan is mandatory: finding any survivor fails the phase.
func (e *Engine) stopGuests(ctx context.Context) error {
	filter := e.guestFilter()

	sess, err := LoadSession(e.sessionPath())
	if err != nil {
		e.log.Debug("no guest session on record, relying on process scan", "err", err)
	} else {
		if sess.ImagePath != "" {
			filter.ImagePath = sess.ImagePath
		}
		if sess.QEMUPID > 0 {
			e.log.Info("stopping recorded guest", "pid", sess.QEMUPID)
			if terr := e.procs.Terminate(ctx, sess.QEMUPID); terr != nil {
				e.log.Warn("recorded guest did not stop cleanly", "pid", sess.QEMUPID, "err", terr)
			}
		}
	}

	guests, err := e.procs.Scan(ctx, filter)
	if err != nil {
		return fmt.Errorf("scan for guest processes: %w", err)
	}
	for _, g := range guests {
		e.log.Info("stopping guest process", "pid", g.PID, "cmdline", g.Cmdline)
		if terr := e.procs.Terminate(ctx, g.PID); terr != nil {
			e.log.Warn("guest process did not stop cleanly", "pid", g.PID, "err", terr)
		}
	}

	remaining, err := e.procs.Scan(ctx, filter)
	if err != nil {
		return fmt.Errorf("confirm guest processes stopped: %w", err)
	}
	if len(remaining) > 0 {
		pids := make([]int32, 0, len(remaining))
		for _, g := range remaining {
			pids = append(pids, g.PID)
		}
		return &ResidualProcessError{PIDs: pids}
	}

	e.clearSessionState()
	e.log.Info("no guest processes remain", "workdir", e.cfg.WorkingDir)
	return nil
}

// clearSessionState removes the session record and the per-session launch
// markers, so the next launch-guest builds a fresh parameter set and starts
// a new guest instead of skipping to completion. Provisioning markers stay:
// the image remains installed.
func (e *Engine) clearSessionState() {
	if err := os.Remove(e.sessionPath()); err != nil && !os.IsNotExist(err) {
		e.log.Warn("could not remove session record", "path", e.sessionPath(), "err", err)
	}
	for _, s := range []string{stepBuildBootParams, stepLaunchQEMU, stepAwaitGuestSSH, stepVerifySNPActive} {
		if err := clearMarker(e.cfg.LaunchDir(), s); err != nil {
			e.log.Warn("could not clear launch marker", "step", s, "err", err)
		}
	}
}
