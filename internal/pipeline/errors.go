package pipeline

import (
	"errors"

	"github.com/keithlinneman/mdembed/internal/upstream"
	"github.com/keithlinneman/mdembed/internal/xerrors"
)

// Inline messages returned in place of a fragment. Neither is cached.
const (
	SourceFetchErrorHTML   = "<strong>Plugin Error:</strong> Could not fetch external markdown source."
	RenderServiceErrorHTML = "<strong>Plugin Error:</strong> Could not fetch converted markdown file."
)

var (
	ErrSourceFetch   = errors.New("source fetch failed")
	ErrRenderService = errors.New("render service failed")
)

// upstreamFailure ties a transport error or a non-200 status to its kind.
func upstreamFailure(kind error, resp upstream.Response, err error) error {
	if err != nil {
		return xerrors.Wrap(errors.Join(kind, err), "upstream")
	}
	return xerrors.Wrapf(kind, "status %d", resp.Status)
}
