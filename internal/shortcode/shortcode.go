// Package shortcode expands [external_markdown ...] tags in page text.
//
// Attributes may be double-quoted, single-quoted or bare. Keys are
// lowercased, values are passed through as strings. A tag wrapped in double
// brackets, [[external_markdown]], is an escape and is emitted literally
// with one bracket pair removed.
package shortcode

import (
	"regexp"
	"strings"
)

const Tag = "external_markdown"

var (
	tagPattern = regexp.MustCompile(`\[(\[?)` + Tag + `((?:\s[^\]]*)?)\](\]?)`)

	attrPattern = regexp.MustCompile(`([\w-]+)\s*=\s*"([^"]*)"|([\w-]+)\s*=\s*'([^']*)'|([\w-]+)\s*=\s*([^\s'"]+)`)
)

// RenderFunc produces the replacement for one tag.
type RenderFunc func(attrs map[string]any) string

// Expand replaces every tag in text with the output of render, left to right.
func Expand(text string, render RenderFunc) string {
	return tagPattern.ReplaceAllStringFunc(text, func(match string) string {
		m := tagPattern.FindStringSubmatch(match)
		open, inner, closing := m[1], m[2], m[3]

		if open == "[" && closing == "]" {
			return match[1 : len(match)-1]
		}
		return open + render(ParseAttrs(inner)) + closing
	})
}

// ParseAttrs parses the attribute portion of a tag.
func ParseAttrs(s string) map[string]any {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "/")

	attrs := make(map[string]any)
	for _, m := range attrPattern.FindAllStringSubmatch(s, -1) {
		switch {
		case m[1] != "":
			attrs[strings.ToLower(m[1])] = m[2]
		case m[3] != "":
			attrs[strings.ToLower(m[3])] = m[4]
		case m[5] != "":
			attrs[strings.ToLower(m[5])] = m[6]
		}
	}
	return attrs
}
