package dispatch

import "strings"

// mangle encodes a filesystem path into a flat token with no directory
// separators and no relative indirection: each '/'-separated segment
// has ".." replaced with "^", bare "." and empty segments (from a
// leading or doubled "/") dropped, and the survivors joined with "#". This lets a path be used verbatim as a
// filename component on the staging side, and mirrors the shape the
// compiler expects back when handed an explicit profile directory.
func mangle(path string) string {
	segments := strings.Split(path, "/")
	out := make([]string, 0, len(segments))

	for _, seg := range segments {
		switch seg {
		case "..":
			out = append(out, "^")
		case ".", "":
			continue
		default:
			out = append(out, seg)
		}
	}

	return strings.Join(out, "#")
}
