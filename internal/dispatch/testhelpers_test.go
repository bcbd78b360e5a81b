package dispatch

import (
	"errors"
	"os"
)

var errBoom = errors.New("boom")

func writeFile(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0o644)
}
