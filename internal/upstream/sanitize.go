package upstream

import "github.com/microcosm-cc/bluemonday"

// Sanitizer strips active content from rendered HTML while keeping the
// markup a Markdown renderer produces.
type Sanitizer struct {
	policy *bluemonday.Policy
}

func NewSanitizer() *Sanitizer {
	p := bluemonday.UGCPolicy()
	// heading anchors and syntax highlighting rely on these
	p.AllowAttrs("class", "id").Globally()
	p.AllowAttrs("aria-hidden").OnElements("a", "span")
	return &Sanitizer{policy: p}
}

func (s *Sanitizer) Sanitize(html string) string {
	return s.policy.Sanitize(html)
}
