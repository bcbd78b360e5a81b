package dispatch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeWaiter struct {
	status int
	err    error
	waited []int
}

func (f *fakeWaiter) Wait(pid int) (int, error) {
	f.waited = append(f.waited, pid)
	return f.status, f.err
}

func TestWaitForPreprocessorNoChild(t *testing.T) {
	w := &fakeWaiter{}
	res, err := waitForPreprocessor(w, NopNotifier{}, 0, "a.c")
	require.NoError(t, err)
	require.False(t, res.failed)
	require.Empty(t, w.waited)
}

func TestWaitForPreprocessorSuccess(t *testing.T) {
	w := &fakeWaiter{status: 0}
	res, err := waitForPreprocessor(w, NopNotifier{}, 42, "a.c")
	require.NoError(t, err)
	require.False(t, res.failed)
	require.Equal(t, []int{42}, w.waited)
}

// S5: preprocessor exits non-zero: reported as a non-error "stop
// cleanly" signal, not a ChildError.
func TestWaitForPreprocessorNonZeroExit(t *testing.T) {
	w := &fakeWaiter{status: 1}
	res, err := waitForPreprocessor(w, NopNotifier{}, 42, "a.c")
	require.NoError(t, err)
	require.True(t, res.failed)
	require.Equal(t, 1, res.waitStatus)
}

func TestWaitForPreprocessorReapFailureIsChildError(t *testing.T) {
	w := &fakeWaiter{err: errors.New("ECHILD")}
	_, err := waitForPreprocessor(w, NopNotifier{}, 42, "a.c")
	require.Error(t, err)
}
