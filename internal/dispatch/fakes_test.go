package dispatch

import (
	"fmt"
	"io"
)

// recordedToken captures one call made against a recordingWriter, so
// tests can assert on wire order without standing up a real socket.
type recordedToken struct {
	tag     string
	value   uint32
	payload []byte
}

type recordingWriter struct {
	tokens     []recordedToken
	corked     []bool
	failOnTag  string
	writeError error
}

func (w *recordingWriter) WriteNumber(tag string, value uint32) error {
	if tag == w.failOnTag {
		return w.writeError
	}
	w.tokens = append(w.tokens, recordedToken{tag: tag, value: value})
	return nil
}

func (w *recordingWriter) WriteBlob(tag string, data []byte) error {
	if tag == w.failOnTag {
		return w.writeError
	}
	cp := append([]byte(nil), data...)
	w.tokens = append(w.tokens, recordedToken{tag: tag, value: uint32(len(data)), payload: cp})
	return nil
}

func (w *recordingWriter) WriteFile(tag string, r io.Reader, size int64, compress bool) error {
	if tag == w.failOnTag {
		return w.writeError
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	w.tokens = append(w.tokens, recordedToken{tag: tag, value: uint32(len(data)), payload: data})
	return nil
}

func (w *recordingWriter) SetCork(on bool) error {
	w.corked = append(w.corked, on)
	return nil
}

func (w *recordingWriter) Flush() error {
	return nil
}

func (w *recordingWriter) tagsInOrder() []string {
	tags := make([]string, len(w.tokens))
	for i, t := range w.tokens {
		tags[i] = t.tag
	}
	return tags
}

func (w *recordingWriter) numberOf(tag string) (uint32, bool) {
	for _, t := range w.tokens {
		if t.tag == tag {
			return t.value, true
		}
	}
	return 0, false
}

type fakeLock struct {
	releases int
}

func (f *fakeLock) Release() { f.releases++ }

type fakeRegistry struct {
	registered []string
	failNext   bool
}

func (f *fakeRegistry) Register(path string) error {
	if f.failNext {
		return fmt.Errorf("registration refused")
	}
	f.registered = append(f.registered, path)
	return nil
}
