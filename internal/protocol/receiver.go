package protocol

import (
	"fmt"
	"io"
	"os"
)

// ReceiveTargets names the local files a Receiver reconstructs a
// compile result into.
type ReceiveTargets struct {
	ObjectPath     string
	DependencyPath string
	StderrPath     string
}

// Receiver reads a server's response stream and materializes it into
// local files, returning the remote compiler's wait status. The exact
// response framing is a collaborator contract (§6 of the design): this
// is the concrete default used when no test fake is substituted.
type Receiver interface {
	Receive(r io.Reader, targets ReceiveTargets) (waitStatus int, err error)
}

// Response tokens emitted by the server after the request.
const (
	TokenObject     = "DOTO"
	TokenStderr     = "SERR"
	TokenDependency = "DOTD"
	TokenStatus     = "STAT"
)

// DefaultReceiver implements Receiver against the token stream
// produced by StreamWriter's counterpart on the server.
type DefaultReceiver struct{}

func (DefaultReceiver) Receive(r io.Reader, targets ReceiveTargets) (int, error) {
	for {
		tag, value, err := ReadToken(r)
		if err != nil {
			return 0, fmt.Errorf("protocol: reading response token: %w", err)
		}

		switch tag {
		case TokenObject:
			if err := writeBlobToFile(r, value, targets.ObjectPath); err != nil {
				return 0, err
			}
		case TokenStderr:
			if err := writeBlobToFile(r, value, targets.StderrPath); err != nil {
				return 0, err
			}
		case TokenDependency:
			if targets.DependencyPath == "" {
				if _, err := ReadBlob(r, value); err != nil {
					return 0, err
				}
				continue
			}
			if err := writeBlobToFile(r, value, targets.DependencyPath); err != nil {
				return 0, err
			}
		case TokenStatus:
			return int(value), nil
		default:
			return 0, fmt.Errorf("protocol: unexpected response token %q", tag)
		}
	}
}

func writeBlobToFile(r io.Reader, n uint32, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if _, err := io.CopyN(f, r, int64(n)); err != nil {
		return err
	}
	return f.Close()
}
