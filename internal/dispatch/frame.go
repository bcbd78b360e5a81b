package dispatch

import (
	"os"

	"github.com/xionghul/distcc/internal/protocol"
)

// writePreamble emits the protocol preamble for a negotiated version.
func writePreamble(w protocol.Writer, version uint32) error {
	return w.WriteNumber("DIST", version)
}

// writeRequest implements C3: preamble, optional CWD (when the server
// will preprocess), then the argument vector. It puts w into coalescing
// mode first so the whole burst of small ARGV writes goes out as one
// flush; the caller clears it again just before awaiting results.
func writeRequest(w protocol.Writer, host Host, job Job) error {
	if err := w.SetCork(true); err != nil {
		return wrapf(ErrProtocol, "enabling send coalescing: %v", err)
	}

	if err := writePreamble(w, host.ProtoVersion); err != nil {
		return wrapf(ErrProtocol, "writing preamble: %v", err)
	}

	if host.Preprocessing == SiteServer {
		cwd, err := os.Getwd()
		if err != nil {
			return wrapf(ErrProtocol, "resolving cwd: %v", err)
		}
		if err := w.WriteBlob("CWD ", []byte(cwd)); err != nil {
			return wrapf(ErrProtocol, "writing CWD: %v", err)
		}
	}

	if err := w.WriteNumber("ARGC", uint32(len(job.Argv))); err != nil {
		return wrapf(ErrProtocol, "writing ARGC: %v", err)
	}

	for _, arg := range job.Argv {
		if err := w.WriteBlob("ARGV", []byte(arg)); err != nil {
			return wrapf(ErrProtocol, "writing ARGV: %v", err)
		}
	}

	return nil
}

// writeFileBundle implements the SiteServer branch of SEND: a
// count-prefixed sequence of name+content tokens for every file the
// server needs to preprocess itself.
func writeFileBundle(w protocol.Writer, files []string) error {
	if err := w.WriteNumber("NFIL", uint32(len(files))); err != nil {
		return wrapf(ErrProtocol, "writing NFIL: %v", err)
	}

	for _, path := range files {
		if err := w.WriteBlob("FNAM", []byte(path)); err != nil {
			return wrapf(ErrProtocol, "writing FNAM for %s: %v", path, err)
		}

		f, err := os.Open(path)
		if err != nil {
			return wrapf(ErrIO, "opening %s: %v", path, err)
		}

		info, serr := f.Stat()
		if serr != nil {
			_ = f.Close()
			return wrapf(ErrIO, "stat %s: %v", path, serr)
		}

		werr := w.WriteFile("FDAT", f, info.Size(), false)
		_ = f.Close()
		if werr != nil {
			return wrapf(ErrProtocol, "writing FDAT for %s: %v", path, werr)
		}
	}

	return nil
}
