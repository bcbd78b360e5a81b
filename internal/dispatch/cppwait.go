package dispatch

import (
	"fmt"
	"os"
)

// ProcessWaiter abstracts waiting for a forked child by pid. The
// caller already forked the preprocessor (and, for TUNNEL transports,
// C2 forks the tunnel child); Dispatch only ever waits on pids it
// receives from these two sources, through this one seam, so tests can
// substitute a fake that never touches a real process table.
type ProcessWaiter interface {
	// Wait blocks until pid exits and returns a status that is zero
	// for a successful exit and non-zero otherwise (Dispatch only
	// compares against zero).
	Wait(pid int) (status int, err error)
}

// OSProcessWaiter waits on real child processes via os.FindProcess.
// It reports 1 for any unsuccessful exit; the child's own exit code
// or signal is not passed on.
type OSProcessWaiter struct{}

func (OSProcessWaiter) Wait(pid int) (int, error) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, wrapf(ErrChild, "find preprocessor pid %d: %v", pid, err)
	}

	state, err := proc.Wait()
	if err != nil {
		return 0, wrapf(ErrChild, "wait for preprocessor pid %d: %v", pid, err)
	}

	if state.Success() {
		return 0, nil
	}
	return 1, nil
}

// cppWaitResult is what C4 hands back to the orchestrator: whether the
// preprocessor failed (in which case the dispatch must stop without
// sending DOTI/GCDA or attempting to receive a result), and its raw
// wait status for the caller to inspect.
type cppWaitResult struct {
	failed     bool
	waitStatus int
}

// waitForPreprocessor implements C4. A pid of zero means there is
// nothing to wait for (preprocessing already happened, or is not the
// client's job). A non-zero wait status from the child is not itself
// an error: it is "critiqued" (logged) and reported back to the
// orchestrator as a request to stop cleanly, still returning a nil
// error — ChildError is reserved for the waiter itself failing to
// reap the child, a distinct failure from the preprocessor's own exit
// code.
func waitForPreprocessor(waiter ProcessWaiter, notify Notifier, pid int, inputFile string) (cppWaitResult, error) {
	if pid == 0 {
		return cppWaitResult{}, nil
	}

	notify.Phase(Phase{Kind: PhaseCPP, Locality: LocalityLocal, InputFile: inputFile})

	status, err := waiter.Wait(pid)
	if err != nil {
		return cppWaitResult{}, err
	}

	if status != 0 {
		notify.Critique(fmt.Sprintf("local preprocessor for %s exited with status %d", inputFile, status))
		return cppWaitResult{failed: true, waitStatus: status}, nil
	}

	return cppWaitResult{waitStatus: status}, nil
}
