package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteRequestClientSite(t *testing.T) {
	w := &recordingWriter{}
	host := Host{Preprocessing: SiteClient, ProtoVersion: 2}
	job := Job{Argv: []string{"cc", "-c", "a.i", "-o", "a.o"}}

	require.NoError(t, writeRequest(w, host, job))

	require.Equal(t, []string{"DIST", "ARGC", "ARGV", "ARGV", "ARGV", "ARGV", "ARGV"}, w.tagsInOrder())
	argc, _ := w.numberOf("ARGC")
	require.EqualValues(t, 5, argc)
	require.Equal(t, []bool{true}, w.corked)
}

func TestWriteRequestServerSiteIncludesCWD(t *testing.T) {
	w := &recordingWriter{}
	host := Host{Preprocessing: SiteServer, ProtoVersion: 2}
	job := Job{Argv: []string{"cc", "-c", "a.c"}}

	require.NoError(t, writeRequest(w, host, job))

	require.Equal(t, []string{"DIST", "CWD", "ARGC", "ARGV", "ARGV", "ARGV"}, w.tagsInOrder())
}

func TestWriteRequestPropagatesTokenFailure(t *testing.T) {
	w := &recordingWriter{failOnTag: "ARGC", writeError: errBoom}
	host := Host{Preprocessing: SiteClient, ProtoVersion: 2}
	job := Job{Argv: []string{"cc"}}

	err := writeRequest(w, host, job)
	require.Error(t, err)
}

func TestWriteFileBundle(t *testing.T) {
	dir := t.TempDir()
	f1 := dir + "/x.c"
	f2 := dir + "/y.h"
	require.NoError(t, writeFile(f1, "int main(){}"))
	require.NoError(t, writeFile(f2, "#define X 1"))

	w := &recordingWriter{}
	require.NoError(t, writeFileBundle(w, []string{f1, f2}))

	require.Equal(t, []string{"NFIL", "FNAM", "FDAT", "FNAM", "FDAT"}, w.tagsInOrder())
	n, _ := w.numberOf("NFIL")
	require.EqualValues(t, 2, n)
}
