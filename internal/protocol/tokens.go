// Package protocol implements the wire framing used between the
// dispatch engine and a build server: four-ASCII-character token tags
// followed by an eight-hex-digit length (or value) field, optionally
// followed by a binary payload. It is the "low-level I/O helper" layer
// the dispatch engine is specified against only as a contract — this
// package supplies the concrete default so the repository has a
// working wire format, while still exposing it as an interface so
// tests can substitute a recording fake.
package protocol

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

const (
	// blockSize bounds how much of an uncompressed file is held in
	// memory at once while streaming it onto the wire.
	blockSize = 64 * 1024

	tagLen = 4
	lenLen = 8
)

// Writer is the token-framed sink the request framer and GCDA stager
// write to. Implementations must preserve write order and propagate
// short writes as errors.
type Writer interface {
	// WriteNumber emits a 4-byte tag followed by an 8-hex-digit
	// encoding of value, with no trailing payload (e.g. ARGC, GCDA).
	WriteNumber(tag string, value uint32) error
	// WriteBlob emits a 4-byte tag, an 8-hex-digit length, then len(data)
	// raw bytes (e.g. ARGV, CWD, DOTI).
	WriteBlob(tag string, data []byte) error
	// WriteFile streams the contents of r as a single blob token. If
	// size is negative the reader is fully buffered first to compute
	// the length, which WriteFile does unconditionally when compress
	// is true.
	WriteFile(tag string, r io.Reader, size int64, compress bool) error
	// SetCork toggles the coalescing hint: batch small writes until it
	// is cleared. Implementations for which this has no meaning treat
	// it as a no-op.
	SetCork(on bool) error
	// Flush pushes any locally buffered bytes onto the underlying
	// writer. Dispatch calls this at the FLUSH step, after the last
	// request token and before waiting on the remote compiler.
	Flush() error
}

// Corker is implemented by transports that can actually batch writes
// (e.g. a socket wrapper that sets TCP_CORK; *net.TCPConn itself has
// no SetCork method). Writers that wrap a non-Corker degrade SetCork
// to a flush of their local buffer.
type Corker interface {
	SetCork(on bool) error
}

// StreamWriter is the default Writer, framing tokens onto an
// underlying io.Writer.
type StreamWriter struct {
	w     *bufio.Writer
	cork  Corker
	flush func() error
}

// NewStreamWriter wraps w. If w also implements Corker, SetCork is
// forwarded to it; otherwise SetCork only affects local buffering.
func NewStreamWriter(w io.Writer) *StreamWriter {
	sw := &StreamWriter{w: bufio.NewWriter(w)}
	if c, ok := w.(Corker); ok {
		sw.cork = c
	}
	return sw
}

func validateTag(tag string) error {
	if len(tag) != tagLen {
		return fmt.Errorf("protocol: tag %q must be %d characters", tag, tagLen)
	}
	return nil
}

func (s *StreamWriter) WriteNumber(tag string, value uint32) error {
	if err := validateTag(tag); err != nil {
		return err
	}
	_, err := fmt.Fprintf(s.w, "%s%0*x", tag, lenLen, value)
	return err
}

func (s *StreamWriter) WriteBlob(tag string, data []byte) error {
	if err := validateTag(tag); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "%s%0*x", tag, lenLen, len(data)); err != nil {
		return err
	}
	n, err := s.w.Write(data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return io.ErrShortWrite
	}
	return nil
}

func (s *StreamWriter) WriteFile(tag string, r io.Reader, size int64, compress bool) error {
	if compress {
		var buf bytes.Buffer
		fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return err
		}
		if _, err := io.Copy(fw, r); err != nil {
			return err
		}
		if err := fw.Close(); err != nil {
			return err
		}
		return s.WriteBlob(tag, buf.Bytes())
	}

	if size < 0 {
		data, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		return s.WriteBlob(tag, data)
	}

	if err := validateTag(tag); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "%s%0*x", tag, lenLen, size); err != nil {
		return err
	}

	written, err := io.CopyBuffer(s.w, io.LimitReader(r, size), make([]byte, blockSize))
	if err != nil {
		return err
	}
	if written != size {
		return io.ErrShortWrite
	}
	return nil
}

func (s *StreamWriter) SetCork(on bool) error {
	if err := s.w.Flush(); err != nil {
		return err
	}
	if s.cork != nil {
		return s.cork.SetCork(on)
	}
	return nil
}

// Flush implements Writer.
func (s *StreamWriter) Flush() error {
	return s.w.Flush()
}
