// Package frontmatter splits a Markdown document into key/value metadata and body.
//
// Two layouts are recognized, tried in order, first match wins:
//   - a YAML-like block delimited by "---" lines at the very top of the document
//   - a run of "**Key:** value" lines after any leading headings
//
// Parsing never fails. Lines that do not look like metadata are skipped, and a
// document with neither layout comes back untouched with empty metadata.
package frontmatter

import "iter"

// Frontmatter is an insertion-ordered string map. The zero value is empty and usable.
type Frontmatter struct {
	keys   []string
	values map[string]string
}

// set adds or overwrites key. An overwritten key keeps its original position.
func (f *Frontmatter) set(key, value string) {
	if f.values == nil {
		f.values = make(map[string]string)
	}
	if _, ok := f.values[key]; !ok {
		f.keys = append(f.keys, key)
	}
	f.values[key] = value
}

// Len returns the number of keys.
func (f Frontmatter) Len() int { return len(f.keys) }

// Get returns the value for key and whether it was present.
func (f Frontmatter) Get(key string) (string, bool) {
	v, ok := f.values[key]
	return v, ok
}

// Keys returns a copy of the keys in document order.
func (f Frontmatter) Keys() []string {
	return append([]string(nil), f.keys...)
}

// All iterates key/value pairs in document order.
func (f Frontmatter) All() iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		for _, k := range f.keys {
			if !yield(k, f.values[k]) {
				return
			}
		}
	}
}

// Document is the result of extraction. Body is the Markdown with the metadata block removed.
type Document struct {
	Frontmatter Frontmatter
	Body        string
}

// strategy returns a document and true when it recognizes its layout.
type strategy func(raw string) (Document, bool)

var strategies = []strategy{
	delimited,
	boldLabels,
}

// Extract runs the strategies in order and returns the first match, or the
// original text with empty metadata when none applies.
func Extract(raw string) Document {
	for _, s := range strategies {
		if doc, ok := s(raw); ok {
			return doc
		}
	}
	return Document{Body: raw}
}
