// Package cdn rewrites GitHub source URLs to their jsDelivr equivalents.
//
// jsDelivr serves the same bytes as raw.githubusercontent.com with better
// edge caching and without GitHub's per-IP throttling on raw content.
// Anything that is not a recognizable GitHub file URL is returned unchanged.
package cdn

import (
	"net/url"
	"strings"

	"github.com/keithlinneman/mdembed/internal/pathutil"
)

// Base is the jsDelivr GitHub endpoint, files are addressed as {Base}/{owner}/{repo}@{ref}/{path}
const Base = "https://cdn.jsdelivr.net/gh/"

const (
	hostGitHub = "github.com"
	hostRaw    = "raw.githubusercontent.com"
)

// Resolve returns the jsDelivr URL for a GitHub blob or raw URL when enabled is true.
// It never fails: unparseable or unrecognized URLs come back as given.
func Resolve(rawURL string, enabled bool) string {
	if !enabled {
		return rawURL
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || u.Path == "" {
		return rawURL
	}
	// the rewritten path is not cleaned, so ".." could climb into another repo on jsDelivr.
	// Both forms are checked because %2e%2e decodes to a dot segment.
	if pathutil.HasDotSegments(u.Path) {
		return rawURL
	}
	// split the escaped form so %23, %3F and %20 stay escaped in the rewritten URL
	parts, ok := pathutil.Segments(u.EscapedPath())
	if !ok {
		return rawURL
	}

	switch strings.ToLower(u.Hostname()) {
	case hostGitHub:
		// owner/repo/blob/ref/path...
		if len(parts) < 5 || parts[2] != "blob" {
			return rawURL
		}
		return build(parts[0], parts[1], parts[3], parts[4:])
	case hostRaw:
		// owner/repo/ref/path...
		if len(parts) < 4 {
			return rawURL
		}
		return build(parts[0], parts[1], parts[2], parts[3:])
	default:
		return rawURL
	}
}

func build(owner, repo, ref string, file []string) string {
	return Base + owner + "/" + repo + "@" + ref + "/" + strings.Join(file, "/")
}
