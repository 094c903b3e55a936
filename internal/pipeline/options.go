package pipeline

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	DefaultSourceURL  = "https://raw.githubusercontent.com/pReya/wordpress-external-markdown/main/README.md"
	DefaultClass      = "external-markdown"
	DefaultTTLSeconds = 3600
)

// RawOptions are render options exactly as the caller wrote them. The raw
// strings feed the cache key; behavior always goes through Normalize.
type RawOptions struct {
	URL     string
	Class   string
	TTL     string
	Copy    string
	CDN     string
	Excerpt string
	Table   string
	Refresh string
}

// DefaultOptions returns the defaults for every attribute, using sourceURL
// when it is not empty.
func DefaultOptions(sourceURL string) RawOptions {
	if sourceURL == "" {
		sourceURL = DefaultSourceURL
	}
	return RawOptions{
		URL:     sourceURL,
		Class:   DefaultClass,
		TTL:     strconv.Itoa(DefaultTTLSeconds),
		Copy:    "true",
		CDN:     "true",
		Excerpt: "",
		Table:   "true",
		Refresh: "true",
	}
}

// ParseAttrs overlays attrs on defaults. Keys are matched case-insensitively,
// unknown keys and nil values are ignored, and non-string values are
// stringified so that true and "true" produce the same options.
func ParseAttrs(attrs map[string]any, defaults RawOptions) RawOptions {
	out := defaults
	for k, v := range attrs {
		if v == nil {
			continue
		}
		s := stringify(v)
		switch strings.ToLower(k) {
		case "url":
			out.URL = s
		case "class":
			out.Class = s
		case "ttl":
			out.TTL = s
		case "copy":
			out.Copy = s
		case "cdn":
			out.CDN = s
		case "excerpt":
			out.Excerpt = s
		case "table":
			out.Table = s
		case "refresh":
			out.Refresh = s
		}
	}
	return out
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

// Falsy reports whether s, lowercased, is exactly "false", "0" or "no".
// Everything else, including the empty string, is true.
func Falsy(s string) bool {
	switch strings.ToLower(s) {
	case "false", "0", "no":
		return true
	}
	return false
}

// Options are normalized render options.
type Options struct {
	SourceURL string
	Class     string
	// TTLSeconds of zero disables caching.
	TTLSeconds   int
	Copy         bool
	CDN          bool
	ExcerptLines int
	Table        bool
	Refresh      bool
}

// Normalize converts raw options. An unparseable ttl falls back to the
// default and a negative one disables caching. Excerpt is enabled only by a
// positive integer.
func Normalize(raw RawOptions) Options {
	ttl, err := strconv.Atoi(strings.TrimSpace(raw.TTL))
	if err != nil {
		ttl = DefaultTTLSeconds
	}
	if ttl < 0 {
		ttl = 0
	}

	excerpt, err := strconv.Atoi(strings.TrimSpace(raw.Excerpt))
	if err != nil || excerpt < 0 {
		excerpt = 0
	}

	class := strings.TrimSpace(raw.Class)
	if class == "" {
		class = DefaultClass
	}

	return Options{
		SourceURL:    strings.TrimSpace(raw.URL),
		Class:        class,
		TTLSeconds:   ttl,
		Copy:         !Falsy(raw.Copy),
		CDN:          !Falsy(raw.CDN),
		ExcerptLines: excerpt,
		Table:        !Falsy(raw.Table),
		Refresh:      !Falsy(raw.Refresh),
	}
}
