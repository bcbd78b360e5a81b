// Package dispatch implements the remote-compilation dispatch engine:
// it owns the state machine that opens a transport to a chosen build
// host, overlaps local preprocessing with connection setup, frames and
// streams a compile request, handles the profile-guided-optimization
// side channel, and guarantees orderly release of local concurrency
// slots, transport descriptors and helper children on every exit path.
//
// Everything this package depends on for argument parsing, host
// selection, the preprocessor child itself and the local lock manager
// is treated as an external collaborator and reached only through the
// interfaces declared here, so a caller can substitute recording fakes
// in tests.
package dispatch

import (
	"errors"
	"fmt"
)

// TransportMode selects how Dispatch reaches a build host.
type TransportMode int

const (
	// TransportTCP dials the host directly over TCP.
	TransportTCP TransportMode = iota
	// TransportTunnel bridges to the host through a spawned child
	// process (e.g. ssh) wired up over a pair of pipes.
	TransportTunnel
	// TransportWebsocket bridges to the host through a long-lived
	// websocket connection to a build-farm gateway, for environments
	// where raw TCP egress to compile hosts is blocked.
	TransportWebsocket
)

// PreprocessingSite says which side runs the C preprocessor.
type PreprocessingSite int

const (
	// SiteClient means the caller already produced a preprocessed
	// source file and Dispatch ships it as-is.
	SiteClient PreprocessingSite = iota
	// SiteServer means Dispatch ships raw sources and headers and the
	// server runs the preprocessor.
	SiteServer
)

// Host describes one candidate build server. It is immutable for the
// lifetime of a single Dispatch call.
type Host struct {
	Name string

	Mode TransportMode

	// TCP addressing. Hostname is also the tunnel target.
	Hostname string
	Port     int

	// Tunnel addressing.
	TunnelUser    string
	TunnelCommand string

	// Websocket-gateway addressing.
	GatewayURL string

	Preprocessing PreprocessingSite
	ProtoVersion  uint32
	Compress      bool
	RequireAuth   bool
}

// LocalLock is the contract the local concurrency-lock manager must
// satisfy. It is released exactly once by Dispatch regardless of how
// the call terminates.
type LocalLock interface {
	Release()
}

// CleanupRegistry is the process-wide unlink-on-exit list that staged
// GCDA files are registered with. Register must be safe for concurrent
// use; Dispatch treats it as already-serialized.
type CleanupRegistry interface {
	Register(path string) error
}

// Job describes a single compile invocation to dispatch remotely.
type Job struct {
	// InputFile names the original source, for logging only.
	InputFile string

	// Argv is the compiler argument vector, exactly as it would be
	// invoked locally.
	Argv []string

	// PreprocessedPath is the local .i file produced by the caller's
	// preprocessor child. Meaningful only when Preprocessing is
	// SiteClient.
	PreprocessedPath string

	// Files lists source and header paths to ship verbatim. Meaningful
	// only when Preprocessing is SiteServer.
	Files []string

	// OutputObject is where the reconstructed object file is written.
	OutputObject string
	// DependencyOutput is where a Makefile-style dependency file, if
	// any, is written. May be empty.
	DependencyOutput string
	// ServerStderr is where the remote compiler's stderr is written.
	ServerStderr string

	// PreprocessorPID is the pid of a preprocessor child already
	// forked by the caller, or 0 if preprocessing happened inline (or
	// is not the client's job at all).
	PreprocessorPID int

	// Lock is released exactly once, at the earliest point the local
	// preprocessing slot can safely be reused. May be nil.
	Lock LocalLock

	// LTODistribution disables the GCDA side channel: under
	// distributed LTO the whole link unit moves as one blob and a
	// per-TU profile file has no meaning.
	LTODistribution bool
}

// Outcome is the pair of independent results Dispatch reports back.
type Outcome struct {
	// WaitStatus is the exit disposition of the remote compiler (or of
	// the local preprocessor, if that is where the dispatch stopped).
	// Only meaningful when the transport did not fail.
	WaitStatus int
}

// Error kinds. These classify failures for callers that need to decide
// retry or fallback policy; Dispatch itself never retries or falls
// back.
var (
	ErrTransport = errors.New("transport error")
	ErrProtocol  = errors.New("protocol error")
	ErrAuth      = errors.New("authentication error")
	ErrIO        = errors.New("i/o error")
	ErrChild     = errors.New("child process error")
	ErrLogic     = errors.New("logic error")
)

// wrapf builds an error that wraps one of the sentinel kinds above
// while preserving formatted context and the underlying cause for
// errors.Is/errors.As.
func wrapf(kind error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), kind)
}
