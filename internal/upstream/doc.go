// Package upstream talks to the two remote collaborators of a render: the
// origin serving raw Markdown and the rendering API that turns it into HTML.
//
// Non-200 responses are returned as data with a nil error so callers can
// decide how to present them. Errors are reserved for transport failures,
// oversized bodies and cancelled contexts.
package upstream
