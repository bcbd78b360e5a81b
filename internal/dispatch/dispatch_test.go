package dispatch

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xionghul/distcc/internal/guard/cancel"
	"github.com/xionghul/distcc/internal/protocol"
)

// recordedServer captures every token a Dispatch call writes over a
// live TCP connection, then replies with a single STAT token so
// Receive completes.
type recordedServer struct {
	tags   []string
	values []uint32
	blobs  [][]byte
}

func runServer(t *testing.T, statValue uint32) (Host, *recordedServer) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	srv := &recordedServer{}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		for {
			// The client keeps the connection open while it waits for
			// STAT, so the end of the request is detected by a short
			// idle period rather than by EOF.
			_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
			tag, value, err := protocol.ReadToken(conn)
			if err != nil {
				break
			}
			srv.tags = append(srv.tags, tag)
			srv.values = append(srv.values, value)

			if tag == "ARGV" || tag == "DOTI" || tag == "FNAM" || tag == "FDAT" || tag == "CWD " {
				blob, err := protocol.ReadBlob(conn, value)
				if err != nil {
					return
				}
				srv.blobs = append(srv.blobs, blob)
			}
		}

		_ = conn.SetReadDeadline(time.Time{})
		w := protocol.NewStreamWriter(conn)
		_ = w.WriteNumber(protocol.TokenStatus, statValue)
		_ = w.Flush()
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return Host{Mode: TransportTCP, Hostname: "127.0.0.1", Port: addr.Port, Preprocessing: SiteClient, ProtoVersion: 1}, srv
}

// S1: site=CLIENT, cpp already exited 0, no -fprofile-use.
func TestDispatchS1CleanClientSite(t *testing.T) {
	dir := t.TempDir()
	pre := filepath.Join(dir, "a.i")
	require.NoError(t, writeFile(pre, "int main(){}"))
	obj := filepath.Join(dir, "a.o")

	host, srv := runServer(t, 0)
	lock := &fakeLock{}
	waiter := &fakeWaiter{status: 0}

	job := Job{
		InputFile:        "a.c",
		Argv:             []string{"cc", "-c", "a.i", "-o", "a.o"},
		PreprocessedPath: pre,
		OutputObject:     obj,
		PreprocessorPID:  42,
		Lock:             lock,
	}

	outcome, err := Dispatch(host, job, Options{Waiter: waiter, GCDATmpDir: dir})
	require.NoError(t, err)
	require.Equal(t, 0, outcome.WaitStatus)
	require.Equal(t, 1, lock.releases)

	require.Contains(t, srv.tags, "DOTI")
	require.Contains(t, srv.tags, "GCDA")
	for i, tag := range srv.tags {
		if tag == "GCDA" {
			require.EqualValues(t, 0, srv.values[i])
		}
	}
}

// S1b: same as S1 but job.LTODistribution is set: a per-TU profile
// file has no meaning under distributed LTO, so no GCDA token at all
// is sent, not even GCDA 0.
func TestDispatchS1bLTODistributionSkipsGCDA(t *testing.T) {
	dir := t.TempDir()
	pre := filepath.Join(dir, "a.i")
	require.NoError(t, writeFile(pre, "int main(){}"))
	obj := filepath.Join(dir, "a.o")

	host, srv := runServer(t, 0)
	lock := &fakeLock{}
	waiter := &fakeWaiter{status: 0}

	job := Job{
		InputFile:        "a.c",
		Argv:             []string{"cc", "-c", "a.i", "-o", "a.o"},
		PreprocessedPath: pre,
		OutputObject:     obj,
		PreprocessorPID:  42,
		Lock:             lock,
		LTODistribution:  true,
	}

	outcome, err := Dispatch(host, job, Options{Waiter: waiter, GCDATmpDir: dir})
	require.NoError(t, err)
	require.Equal(t, 0, outcome.WaitStatus)
	require.Equal(t, 1, lock.releases)

	require.Contains(t, srv.tags, "DOTI")
	require.NotContains(t, srv.tags, "GCDA")
}

// S2: same as S1 plus -fprofile-use=<explicit path> and the counters
// file already exists: GCDA 1 and a staged DOTI, with the staged file
// registered for cleanup.
func TestDispatchS2ProfileUseFileExists(t *testing.T) {
	dir := t.TempDir()
	pre := filepath.Join(dir, "a.i")
	require.NoError(t, writeFile(pre, "int main(){}"))
	obj := filepath.Join(dir, "a.o")

	profDir := filepath.Join(dir, "prof")
	require.NoError(t, os.MkdirAll(profDir, 0o755))

	// obj is an absolute path (it lives under t.TempDir()), so the
	// counters file the original -fprofile-generate run would have
	// left behind has a flattened-stem name with no cwd component.
	gcdaSrc := filepath.Join(profDir, mangle(gcdaStem(obj))+".gcda")
	require.NoError(t, writeFile(gcdaSrc, "counters"))

	host, srv := runServer(t, 0)
	registry := &fakeRegistry{}
	waiter := &fakeWaiter{status: 0}

	job := Job{
		InputFile:        "a.c",
		Argv:             []string{"cc", "-c", "a.i", "-o", "a.o", "-fprofile-use=" + profDir},
		PreprocessedPath: pre,
		OutputObject:     obj,
		PreprocessorPID:  42,
	}

	outcome, err := Dispatch(host, job, Options{Waiter: waiter, Registry: registry, GCDATmpDir: dir})
	require.NoError(t, err)
	require.Equal(t, 0, outcome.WaitStatus)

	require.Len(t, registry.registered, 1)

	foundOne := false
	for i, tag := range srv.tags {
		if tag == "GCDA" {
			require.EqualValues(t, 1, srv.values[i])
			foundOne = true
		}
	}
	require.True(t, foundOne)
}

// S3: same as S2 but the counters file is absent: GCDA 0, nothing
// staged.
func TestDispatchS3ProfileUseFileAbsent(t *testing.T) {
	dir := t.TempDir()
	pre := filepath.Join(dir, "a.i")
	require.NoError(t, writeFile(pre, "int main(){}"))
	obj := filepath.Join(dir, "a.o")

	host, srv := runServer(t, 0)
	registry := &fakeRegistry{}
	waiter := &fakeWaiter{status: 0}

	job := Job{
		InputFile:        "a.c",
		Argv:             []string{"cc", "-c", "a.i", "-o", "a.o", "-fprofile-use=" + filepath.Join(dir, "nowhere")},
		PreprocessedPath: pre,
		OutputObject:     obj,
		PreprocessorPID:  42,
	}

	outcome, err := Dispatch(host, job, Options{Waiter: waiter, Registry: registry, GCDATmpDir: dir})
	require.NoError(t, err)
	require.Equal(t, 0, outcome.WaitStatus)
	require.Empty(t, registry.registered)

	for i, tag := range srv.tags {
		if tag == "GCDA" {
			require.EqualValues(t, 0, srv.values[i])
		}
	}
}

// S4: TUNNEL mode, tunnel spawn fails: TransportError, no lock still
// held.
func TestDispatchS4TunnelSpawnFailure(t *testing.T) {
	lock := &fakeLock{}
	host := Host{
		Mode:          TransportTunnel,
		TunnelCommand: "/nonexistent/definitely-not-a-binary",
		TunnelUser:    "build",
		Hostname:      "farm.internal",
	}
	job := Job{Lock: lock}

	_, err := Dispatch(host, job, Options{})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrTransport)
	require.Equal(t, 1, lock.releases)
}

// S5: site=CLIENT, cpp_pid exits non-zero: no DOTI, no GCDA, returns 0
// with status reflecting the cpp failure, lock released.
func TestDispatchS5PreprocessorFailure(t *testing.T) {
	dir := t.TempDir()
	pre := filepath.Join(dir, "a.i")
	require.NoError(t, writeFile(pre, "int main(){}"))

	host, srv := runServer(t, 0)
	lock := &fakeLock{}
	waiter := &fakeWaiter{status: 9}

	job := Job{
		InputFile:        "a.c",
		Argv:             []string{"cc", "-c", "a.i", "-o", "a.o"},
		PreprocessedPath: pre,
		OutputObject:     filepath.Join(dir, "a.o"),
		PreprocessorPID:  42,
		Lock:             lock,
	}

	outcome, err := Dispatch(host, job, Options{Waiter: waiter})
	require.NoError(t, err)
	require.Equal(t, 9, outcome.WaitStatus)
	require.Equal(t, 1, lock.releases)
	require.NotContains(t, srv.tags, "DOTI")
	require.NotContains(t, srv.tags, "GCDA")
}

func TestDispatchHonorsCancellationBeforeConnect(t *testing.T) {
	c := cancel.New()
	c.Cancel()

	lock := &fakeLock{}
	host := Host{Mode: TransportTCP, Hostname: "127.0.0.1", Port: 1}
	job := Job{Lock: lock}

	_, err := Dispatch(host, job, Options{Canceller: c})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrTransport)
	require.Equal(t, 1, lock.releases)
}

// S6: site=SERVER, two files: preamble, CWD, ARGC/ARGV, a two-entry
// file bundle, no GCDA.
func TestDispatchS6ServerSite(t *testing.T) {
	dir := t.TempDir()
	f1 := filepath.Join(dir, "x.c")
	f2 := filepath.Join(dir, "y.h")
	require.NoError(t, writeFile(f1, "int main(){}"))
	require.NoError(t, writeFile(f2, "#define X 1"))

	host, srv := runServer(t, 0)
	host.Preprocessing = SiteServer

	job := Job{
		InputFile:    "x.c",
		Argv:         []string{"cc", "-c", "x.c", "-o", "x.o"},
		Files:        []string{f1, f2},
		OutputObject: filepath.Join(dir, "x.o"),
	}

	outcome, err := Dispatch(host, job, Options{})
	require.NoError(t, err)
	require.Equal(t, 0, outcome.WaitStatus)

	require.Contains(t, srv.tags, "CWD ")
	require.NotContains(t, srv.tags, "GCDA")

	nfil := 0
	for _, tag := range srv.tags {
		if tag == "FNAM" {
			nfil++
		}
	}
	require.Equal(t, 2, nfil)
}
