// Package pathutil inspects URL paths before they are rewritten onto another host.
package pathutil

import "strings"

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for seg := range strings.SplitSeq(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// Segments splits p on "/" after dropping one leading slash. Empty segments
// are kept so that re-joining them reproduces p byte for byte. ok is false
// when p contains a dot segment, since the caller cannot safely re-join it
// on another host.
func Segments(p string) (segs []string, ok bool) {
	if HasDotSegments(p) {
		return nil, false
	}
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return nil, true
	}
	return strings.Split(p, "/"), true
}
