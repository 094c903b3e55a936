package frontmatter

import (
	"regexp"
	"strings"
)

var (
	// opening "---" line, lazily captured block, closing "---" line with its line break
	delimitedBlock = regexp.MustCompile(`(?s)\A---[ \t]*\r?\n(.*?)\r?\n---[ \t]*\r?\n`)
	keyValueLine   = regexp.MustCompile(`^([A-Za-z0-9_\- ]+):\s*(.*)$`)

	headingLine   = regexp.MustCompile(`^#{1,6}\s`)
	boldLabelLine = regexp.MustCompile(`^\*\*([^*]+?):\*\*\s*(.*)$`)
)

// delimited handles "---\nkey: value\n---\n" blocks. The delimiters alone are
// enough to match, even when no line inside is a valid pair.
func delimited(raw string) (Document, bool) {
	loc := delimitedBlock.FindStringSubmatchIndex(raw)
	if loc == nil {
		return Document{}, false
	}

	var fm Frontmatter
	for _, line := range strings.Split(raw[loc[2]:loc[3]], "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		m := keyValueLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		key := strings.TrimSpace(m[1])
		if key == "" {
			continue
		}
		fm.set(key, unquote(strings.TrimSpace(m[2])))
	}

	return Document{Frontmatter: fm, Body: raw[loc[1]:]}, true
}

// boldLabels handles "**Key:** value" runs placed after leading headings.
// Blank lines between pairs are tolerated, the first other line ends the run.
func boldLabels(raw string) (Document, bool) {
	lines := strings.Split(raw, "\n")

	start := 0
	for start < len(lines) {
		l := strings.TrimSpace(lines[start])
		if l != "" && !headingLine.MatchString(l) {
			break
		}
		start++
	}

	var fm Frontmatter
	matched := make(map[int]bool)
	last := -1
	for i := start; i < len(lines); i++ {
		l := strings.TrimSpace(lines[i])
		if l == "" {
			continue
		}
		m := boldLabelLine.FindStringSubmatch(l)
		if m == nil {
			break
		}
		key := strings.TrimSpace(m[1])
		if key == "" {
			break
		}
		fm.set(key, unwrapUnderscores(strings.TrimSpace(m[2])))
		matched[i] = true
		last = i
	}

	if last < 0 {
		return Document{}, false
	}

	kept := make([]string, 0, len(lines)-len(matched))
	kept = append(kept, lines[:start]...)
	for i := start; i <= last; i++ {
		if matched[i] || strings.TrimSpace(lines[i]) == "" {
			continue
		}
		kept = append(kept, lines[i])
	}
	kept = append(kept, lines[last+1:]...)

	return Document{Frontmatter: fm, Body: strings.Join(kept, "\n")}, true
}

// unquote strips one pair of matching single or double quotes.
func unquote(v string) string {
	if len(v) >= 2 {
		first, last := v[0], v[len(v)-1]
		if first == last && (first == '"' || first == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

// unwrapUnderscores turns "_draft_" into "draft".
func unwrapUnderscores(v string) string {
	if len(v) >= 2 && v[0] == '_' && v[len(v)-1] == '_' {
		return v[1 : len(v)-1]
	}
	return v
}
