package dispatch

import (
	"fmt"
	"io"
	"net"
	"os/exec"
	"strconv"

	"github.com/xionghul/distcc/internal/guard/eagain"
)

// Channel is what C2 hands back to the orchestrator: a send/receive
// pair of descriptors, plus the command of a spawned tunnel child (nil
// if none). For TCP both ends are the same socket and for WEBSOCKET
// the same gateway stream; for TUNNEL they are distinct, and Close
// must release both.
type Channel struct {
	Send       io.WriteCloser
	Recv       io.ReadCloser
	TunnelCmd  *exec.Cmd
	distinctFD bool
}

// Close releases both descriptors, handling the shared-fd
// (TCP/WEBSOCKET) and distinct-fd (TUNNEL) cases. It never returns an error:
// teardown must not be interrupted by a close failure, so errors are
// swallowed here, matching the orchestrator's unconditional-teardown
// contract.
func (c *Channel) Close() {
	if c.Send != nil {
		_ = c.Send.Close()
	}
	if c.distinctFD && c.Recv != nil {
		_ = c.Recv.Close()
	}
}

// openTransport implements C2. Any mode other than the three known
// ones is a programmer error and panics rather than returning a typed
// error, matching the spec's "fail fatally" instruction for an
// unreachable branch.
func openTransport(host Host) (Channel, error) {
	switch host.Mode {
	case TransportTCP:
		return openTCP(host)
	case TransportTunnel:
		return openTunnel(host)
	case TransportWebsocket:
		return openWebsocket(host)
	default:
		panic(fmt.Sprintf("dispatch: unknown transport mode %d", host.Mode))
	}
}

func openTCP(host Host) (Channel, error) {
	addr := net.JoinHostPort(host.Hostname, strconv.Itoa(host.Port))

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return Channel{}, wrapf(ErrTransport, "dialing %s: %v", addr, err)
	}

	return Channel{Send: conn, Recv: conn, distinctFD: false}, nil
}

// openTunnel spawns the configured tunnel command and wires its
// stdin/stdout to Send/Recv, mirroring the rsync-over-spawned-child
// pattern used to bridge a duplex stream through an external process:
// the child's stdin is our outgoing pipe, its stdout our incoming one.
func openTunnel(host Host) (Channel, error) {
	if host.TunnelCommand == "" {
		return Channel{}, wrapf(ErrLogic, "tunnel transport requires a tunnel command")
	}

	cmd := exec.Command(host.TunnelCommand, host.TunnelUser+"@"+host.Hostname)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Channel{}, wrapf(ErrTransport, "opening tunnel stdin: %v", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return Channel{}, wrapf(ErrTransport, "opening tunnel stdout: %v", err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return Channel{}, wrapf(ErrTransport, "spawning tunnel command %q: %v", host.TunnelCommand, err)
	}

	return Channel{
		Send:       eagainWriteCloser{WriteCloser: stdin},
		Recv:       eagainReadCloser{ReadCloser: stdout},
		TunnelCmd:  cmd,
		distinctFD: true,
	}, nil
}

// eagainReadCloser and eagainWriteCloser retry transient EAGAIN/EINTR
// on pipe descriptors while still exposing Close, which eagain.Reader
// and eagain.Writer alone do not.
type eagainReadCloser struct {
	io.ReadCloser
}

func (e eagainReadCloser) Read(p []byte) (int, error) {
	return (eagain.Reader{Reader: e.ReadCloser}).Read(p)
}

type eagainWriteCloser struct {
	io.WriteCloser
}

func (e eagainWriteCloser) Write(p []byte) (int, error) {
	return (eagain.Writer{Writer: e.WriteCloser}).Write(p)
}

// reapTunnelChild waits on a spawned tunnel command, ignoring its exit
// status: the child must never be allowed to zombify, but nothing
// downstream cares how it exited.
func reapTunnelChild(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Wait()
}
