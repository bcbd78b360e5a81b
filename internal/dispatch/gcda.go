package dispatch

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xionghul/distcc/internal/protocol"
)

const profileUseFlag = "-fprofile-use"

// detectProfileUse scans argv for an unambiguous -fprofile-use or
// -fprofile-use=<path> flag. Unlike the original implementation this
// never matches the bare form's prefix as a truncated PATH: it is an
// exact match, or the "-fprofile-use=" prefix, or nothing.
func detectProfileUse(argv []string) (requested bool, path string) {
	for _, arg := range argv {
		if arg == profileUseFlag {
			return true, ""
		}
		if rest, ok := strings.CutPrefix(arg, profileUseFlag+"="); ok {
			return true, rest
		}
	}
	return false, ""
}

// gcdaStem strips the extension off the output object path.
func gcdaStem(outputObject string) string {
	return strings.TrimSuffix(outputObject, filepath.Ext(outputObject))
}

// resolveGCDAPath computes the path a prior -fprofile-generate run
// would have left the counters file at.
func resolveGCDAPath(stem, cwd, explicitPath string) string {
	abs := filepath.IsAbs(stem)

	if explicitPath != "" {
		if abs {
			return filepath.Join(explicitPath, mangle(stem)+".gcda")
		}
		return filepath.Join(explicitPath, mangle(cwd)+"#"+mangle(stem)+".gcda")
	}

	if abs {
		return stem + ".gcda"
	}
	return filepath.Join(cwd, stem+".gcda")
}

// gcdaParams bundles the inputs stageAndSendGCDA needs. PreprocessedPath
// anchors where the staged copy is created (a sibling file, so it
// lands on the same filesystem as the thing it travels with); TmpDir
// overrides os.TempDir for tests.
type gcdaParams struct {
	Argv             []string
	OutputObject     string
	Cwd              string
	PreprocessedPath string
	TmpDir           string
	Compress         bool
	Registry         CleanupRegistry
	Writer           protocol.Writer
}

// stageAndSendGCDA implements C5: it is active only when the caller
// already knows preprocessing-site=CLIENT and LTO-distribution is off.
// Unless it returns an error, it writes exactly one GCDA presence
// token; on any recoverable failure it degrades to "GCDA 0" rather
// than failing the whole dispatch. An unusable tmpdir is reported as
// an error with no GCDA token written, since nothing downstream of it
// (not just GCDA staging) could proceed either; a failed token write
// or a failure to reopen the staged file is also returned.
func stageAndSendGCDA(p gcdaParams) error {
	requested, explicitPath := detectProfileUse(p.Argv)
	if !requested {
		return p.Writer.WriteNumber("GCDA", 0)
	}

	tmpDir := p.TmpDir
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}
	if err := guardTmpDir(tmpDir); err != nil {
		return wrapf(ErrIO, "gcda staging: tmpdir %q unusable: %v", tmpDir, err)
	}

	stem := gcdaStem(p.OutputObject)
	sourcePath := resolveGCDAPath(stem, p.Cwd, explicitPath)

	staged, ok := stageGCDAFile(sourcePath, p.PreprocessedPath, p.Registry)
	if !ok {
		return p.Writer.WriteNumber("GCDA", 0)
	}

	if err := p.Writer.WriteNumber("GCDA", 1); err != nil {
		return err
	}

	f, err := os.Open(staged)
	if err != nil {
		return wrapf(ErrIO, "gcda staging: reopen staged file: %v", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return wrapf(ErrIO, "gcda staging: stat staged file: %v", err)
	}

	return p.Writer.WriteFile("DOTI", f, info.Size(), p.Compress)
}

// guardTmpDir checks the temporary directory is usable by actually
// trying to create and remove a file in it, rather than trusting mode
// bits (which can lie under unusual ACLs or mount options).
func guardTmpDir(dir string) error {
	f, err := os.CreateTemp(dir, ".gcda-probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// stageGCDAFile copies sourcePath to a sibling of preprocessedPath
// with its extension swapped to .gcda, and registers it for later
// cleanup. It reports ok=false for any condition that should degrade
// to "no GCDA file" rather than fail the dispatch: the source missing,
// the exclusive create failing even after one name regeneration, a
// short copy, or cleanup registration failing.
func stageGCDAFile(sourcePath, preprocessedPath string, registry CleanupRegistry) (staged string, ok bool) {
	src, err := os.Open(sourcePath)
	if err != nil {
		return "", false
	}
	defer func() { _ = src.Close() }()

	stagedPath := strings.TrimSuffix(preprocessedPath, filepath.Ext(preprocessedPath)) + ".gcda"

	dst, err := createExclusive(stagedPath)
	if err != nil {
		return "", false
	}
	stagedPath = dst.Name()

	if err := copyInBlocks(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(stagedPath)
		return "", false
	}

	if err := dst.Close(); err != nil {
		_ = os.Remove(stagedPath)
		return "", false
	}

	if err := registry.Register(stagedPath); err != nil {
		_ = os.Remove(stagedPath)
		return "", false
	}

	return stagedPath, true
}

// createExclusive makes one attempt at O_EXCL creation, then exactly
// one regeneration of the name (suffixed with ".retry") before giving
// up — bounding the retry loop the original implementation left
// unbounded.
func createExclusive(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, os.ErrExist) {
		return nil, err
	}
	return os.OpenFile(path+".retry", os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
}

const copyBlockSize = 64 * 1024

// copyInBlocks streams src into dst, propagating short writes instead
// of silently ignoring them.
func copyInBlocks(dst io.Writer, src io.Reader) error {
	buf := make([]byte, copyBlockSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			if werr != nil {
				return werr
			}
			if w != n {
				return fmt.Errorf("gcda staging: short write (%d of %d bytes)", w, n)
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}
