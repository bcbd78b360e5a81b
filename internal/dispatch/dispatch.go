package dispatch

import (
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/xionghul/distcc/internal/guard"
	"github.com/xionghul/distcc/internal/guard/cancel"
	"github.com/xionghul/distcc/internal/protocol"
)

// Authenticator performs the AUTH step against an already-open
// channel: read whatever challenge the server issues off recv, write
// a response through send. A nil Authenticator with Host.RequireAuth
// set is a configuration error, not a runtime one.
type Authenticator interface {
	Authenticate(recv io.Reader, send protocol.Writer) error
}

// Options bundles every external collaborator Dispatch needs beyond
// the Host and Job values themselves. Every field is optional; a zero
// Options gets sane defaults wired in by the accessor methods below.
type Options struct {
	Notifier      Notifier
	Waiter        ProcessWaiter
	Receiver      protocol.Receiver
	Registry      CleanupRegistry
	Authenticator Authenticator

	// GCDATmpDir overrides the system temp directory used while
	// staging a profile-guided-optimization counters file. Tests set
	// this to a scratch directory; production callers leave it empty.
	GCDATmpDir string

	// Canceller lets a caller (typically a SIGINT handler) abandon a
	// dispatch in progress. Dispatch's underlying I/O is blocking
	// os/net calls with no context plumbing, so this is checked only
	// at the CONNECT/SEND boundary rather than around every read or
	// write; a cancellation requested mid-transfer is honored at the
	// next checkpoint rather than interrupting the transfer itself.
	Canceller *cancel.Canceller
}

func (o Options) notifier() Notifier {
	if o.Notifier == nil {
		return NopNotifier{}
	}
	return o.Notifier
}

func (o Options) waiter() ProcessWaiter {
	if o.Waiter == nil {
		return OSProcessWaiter{}
	}
	return o.Waiter
}

func (o Options) receiver() protocol.Receiver {
	if o.Receiver == nil {
		return protocol.DefaultReceiver{}
	}
	return o.Receiver
}

func (o Options) registry() CleanupRegistry {
	if o.Registry == nil {
		return guard.Process()
	}
	return o.Registry
}

// Dispatch runs one compile job against host end to end: CONNECT,
// optionally AUTH, SEND, optionally CPP-WAIT and the GCDA side
// channel, FLUSH, COMPILE-WAIT, RECEIVE, and TEARDOWN. It releases
// job.Lock, the transport channel, and any spawned tunnel child
// exactly once each, regardless of which step fails, and it never
// retries or falls back to local compilation itself — that policy
// belongs to the caller, which can inspect the returned error's kind.
func Dispatch(host Host, job Job, opts Options) (Outcome, error) {
	notify := opts.notifier()
	start := time.Now()
	requestID := uuid.NewString()

	if err := checkCancelled(opts.Canceller); err != nil {
		releaseLock(job)
		return Outcome{}, err
	}

	notify.Phase(Phase{Kind: PhaseConnect, Locality: LocalityRemote, Hostname: host.Name, InputFile: job.InputFile, RequestID: requestID})

	ch, err := openTransport(host)
	if err != nil {
		releaseLock(job)
		return Outcome{}, err
	}

	conn := guard.New()
	defer conn.Fail()
	conn.Add(func() {
		ch.Close()
		reapTunnelChild(ch.TunnelCmd)
	})

	lock := guard.New()
	defer lock.Fail()
	if job.Lock != nil {
		lock.Add(job.Lock.Release)
	}

	writer := protocol.NewStreamWriter(ch.Send)

	if host.RequireAuth {
		if opts.Authenticator == nil {
			return Outcome{}, wrapf(ErrLogic, "host %s requires auth but no authenticator is configured", host.Name)
		}
		if err := opts.Authenticator.Authenticate(ch.Recv, writer); err != nil {
			return Outcome{}, wrapf(ErrAuth, "authenticating to %s: %v", host.Name, err)
		}
		if err := writer.Flush(); err != nil {
			return Outcome{}, wrapf(ErrAuth, "flushing auth response to %s: %v", host.Name, err)
		}
	}

	if err := checkCancelled(opts.Canceller); err != nil {
		return Outcome{}, err
	}

	notify.Phase(Phase{Kind: PhaseSend, Locality: LocalityLocal, Hostname: host.Name, InputFile: job.InputFile, RequestID: requestID})

	if err := writeRequest(writer, host, job); err != nil {
		return Outcome{}, err
	}

	if host.Preprocessing == SiteServer {
		if err := writeFileBundle(writer, job.Files); err != nil {
			return Outcome{}, err
		}
	} else {
		cpp, err := waitForPreprocessor(opts.waiter(), notify, job.PreprocessorPID, job.InputFile)
		if err != nil {
			return Outcome{}, err
		}

		// The local preprocessing slot is free the moment the child has
		// exited, whether or not it succeeded: release it now rather
		// than holding it through the remote compile.
		lock.Success()
		if job.Lock != nil {
			job.Lock.Release()
		}

		if cpp.failed {
			conn.Success()
			ch.Close()
			reapTunnelChild(ch.TunnelCmd)
			return Outcome{WaitStatus: cpp.waitStatus}, nil
		}

		if err := sendPreprocessed(writer, job); err != nil {
			return Outcome{}, err
		}

		if !job.LTODistribution {
			if err := sendGCDA(writer, host, job, opts); err != nil {
				return Outcome{}, err
			}
		}
	}

	if err := writer.SetCork(false); err != nil {
		return Outcome{}, wrapf(ErrProtocol, "disabling send coalescing: %v", err)
	}
	if err := writer.Flush(); err != nil {
		return Outcome{}, wrapf(ErrProtocol, "flushing request: %v", err)
	}

	notify.Phase(Phase{Kind: PhaseCompile, Locality: LocalityRemote, Hostname: host.Name, InputFile: job.InputFile, RequestID: requestID})

	waitStatus, err := opts.receiver().Receive(ch.Recv, protocol.ReceiveTargets{
		ObjectPath:     job.OutputObject,
		DependencyPath: job.DependencyOutput,
		StderrPath:     job.ServerStderr,
	})
	if err != nil {
		return Outcome{}, wrapf(ErrProtocol, "receiving compile result: %v", err)
	}

	lock.Success()
	conn.Success()
	ch.Close()
	reapTunnelChild(ch.TunnelCmd)

	if host.Preprocessing == SiteClient {
		sent, _ := fileSize(job.PreprocessedPath)
		notify.Summary(buildSummary(job.InputFile, host.Name, requestID, sent, start, time.Now()))
	}

	return Outcome{WaitStatus: waitStatus}, nil
}

// releaseLock releases job.Lock when Dispatch must bail out before the
// lock guard scope is even set up (CONNECT itself failed).
func releaseLock(job Job) {
	if job.Lock != nil {
		job.Lock.Release()
	}
}

// sendPreprocessed ships the already-preprocessed translation unit as
// the DOTI token, the CLIENT-site counterpart of writeFileBundle.
func sendPreprocessed(w protocol.Writer, job Job) error {
	f, err := os.Open(job.PreprocessedPath)
	if err != nil {
		return wrapf(ErrIO, "opening preprocessed file %s: %v", job.PreprocessedPath, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return wrapf(ErrIO, "stat preprocessed file %s: %v", job.PreprocessedPath, err)
	}

	if err := w.WriteFile("DOTI", f, info.Size(), false); err != nil {
		return wrapf(ErrProtocol, "writing DOTI: %v", err)
	}
	return nil
}

// sendGCDA runs C5. The caller skips this entirely under distributed
// LTO, where a per-TU profile file has no meaning: no GCDA token is
// sent at all in that case, not even a 0.
func sendGCDA(w protocol.Writer, host Host, job Job, opts Options) error {
	cwd, err := os.Getwd()
	if err != nil {
		return wrapf(ErrIO, "resolving cwd for gcda staging: %v", err)
	}

	return stageAndSendGCDA(gcdaParams{
		Argv:             job.Argv,
		OutputObject:     job.OutputObject,
		Cwd:              cwd,
		PreprocessedPath: job.PreprocessedPath,
		TmpDir:           opts.GCDATmpDir,
		Compress:         host.Compress,
		Registry:         opts.registry(),
		Writer:           w,
	})
}

// checkCancelled reports ErrTransport if c has been cancelled. A nil
// Canceller never cancels.
func checkCancelled(c *cancel.Canceller) error {
	if c == nil {
		return nil
	}
	select {
	case <-c.Done():
		return wrapf(ErrTransport, "dispatch cancelled: %v", c.Err())
	default:
		return nil
	}
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
