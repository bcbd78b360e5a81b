//go:build linux

// Package eagain wraps an io.Reader or io.Writer so that transient
// EAGAIN/EINTR errors from non-blocking pipe descriptors are retried
// instead of being surfaced to the caller as I/O failures. The tunnel
// transport's pipe ends are frequently placed in non-blocking mode by
// the spawned child, so callers that stream framed tokens over them
// need this to see ordinary blocking-style semantics.
package eagain

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"
)

func retryable(err error) bool {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno == unix.EAGAIN || errno == unix.EINTR
	}
	return false
}

// Reader retries Read calls that fail with EAGAIN or EINTR.
type Reader struct {
	io.Reader
}

func (r Reader) Read(p []byte) (int, error) {
	for {
		n, err := r.Reader.Read(p)
		if err != nil && retryable(err) {
			continue
		}
		return n, err
	}
}

// Writer retries Write calls that fail with EAGAIN or EINTR.
type Writer struct {
	io.Writer
}

func (w Writer) Write(p []byte) (int, error) {
	for {
		n, err := w.Writer.Write(p)
		if err != nil && retryable(err) {
			continue
		}
		return n, err
	}
}
