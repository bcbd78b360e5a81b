package dispatch

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// PhaseKind names one of the observable states the orchestrator passes
// through.
type PhaseKind int

const (
	PhaseConnect PhaseKind = iota
	PhaseSend
	PhaseCPP
	PhaseCompile
)

func (k PhaseKind) String() string {
	switch k {
	case PhaseConnect:
		return "CONNECT"
	case PhaseSend:
		return "SEND"
	case PhaseCPP:
		return "CPP"
	case PhaseCompile:
		return "COMPILE"
	default:
		return "UNKNOWN"
	}
}

// Locality says whether the work a Phase describes is happening on
// this host or the remote one.
type Locality int

const (
	LocalityLocal Locality = iota
	LocalityRemote
)

// Phase is one observable transition of the dispatch state machine.
type Phase struct {
	Kind      PhaseKind
	Locality  Locality
	Hostname  string
	InputFile string
	// RequestID correlates every phase and the final summary of one
	// Dispatch call across log lines.
	RequestID string
}

// Notifier is C7: the observability seam. Dispatch calls Phase on
// every state transition worth advertising, Critique when it needs to
// log a non-fatal diagnostic (e.g. a failed local preprocessor), and
// Summary once, after a successful CLIENT-side dispatch.
type Notifier interface {
	Phase(p Phase)
	Critique(msg string)
	Summary(s Summary)
}

// Summary is emitted once per successful CLIENT-side dispatch.
type Summary struct {
	InputFile    string
	Hostname     string
	Bytes        int64
	Elapsed      time.Duration
	ThroughputKB float64
	RequestID    string
}

// LogNotifier is the default Notifier, logging through logrus the way
// the rest of this family of tools does.
type LogNotifier struct {
	Log *logrus.Entry
}

// NewLogNotifier builds a LogNotifier against logger, or against
// logrus's shared standard logger if logger is nil.
func NewLogNotifier(logger *logrus.Logger) LogNotifier {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return LogNotifier{Log: logrus.NewEntry(logger)}
}

func (n LogNotifier) Phase(p Phase) {
	locality := "local"
	if p.Locality == LocalityRemote {
		locality = "remote"
	}

	n.Log.WithFields(logrus.Fields{
		"phase":      p.Kind.String(),
		"locality":   locality,
		"host":       p.Hostname,
		"input":      p.InputFile,
		"request_id": p.RequestID,
	}).Debug("dispatch phase transition")
}

func (n LogNotifier) Critique(msg string) {
	n.Log.Warn(msg)
}

func (n LogNotifier) Summary(s Summary) {
	n.Log.WithFields(logrus.Fields{
		"host":          s.Hostname,
		"input":         s.InputFile,
		"bytes":         s.Bytes,
		"elapsed":       s.Elapsed.String(),
		"throughput_kb": fmt.Sprintf("%.1f", s.ThroughputKB),
		"request_id":    s.RequestID,
	}).Info("dispatch complete")
}

// NopNotifier discards everything. Useful for SiteServer dispatches
// and tests that don't care about observability.
type NopNotifier struct{}

func (NopNotifier) Phase(Phase)     {}
func (NopNotifier) Critique(string) {}
func (NopNotifier) Summary(Summary) {}

// buildSummary computes the throughput line described in §4.7: wall
// clock sampled immediately before CONNECT and immediately after
// RECEIVE, throughput in kB/s over that whole window.
func buildSummary(inputFile, hostname, requestID string, bytesSent int64, start, end time.Time) Summary {
	elapsed := end.Sub(start)
	kb := float64(bytesSent) / 1024
	var throughput float64
	if elapsed > 0 {
		throughput = kb / elapsed.Seconds()
	}
	return Summary{
		InputFile:    inputFile,
		Hostname:     hostname,
		Bytes:        bytesSent,
		Elapsed:      elapsed,
		ThroughputKB: throughput,
		RequestID:    requestID,
	}
}
