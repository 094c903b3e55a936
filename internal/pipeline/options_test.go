package pipeline

import (
	"testing"

	"github.com/keithlinneman/mdembed/internal/refresh"
)

func TestFalsy(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"false", "FALSE", "False", "0", "no", "No"} {
		if !Falsy(s) {
			t.Errorf("Falsy(%q) = false, want true", s)
		}
	}
	for _, s := range []string{"", "true", "1", "yes", "off", " false", "nope"} {
		if Falsy(s) {
			t.Errorf("Falsy(%q) = true, want false", s)
		}
	}
}

func TestParseAttrs(t *testing.T) {
	t.Parallel()

	defaults := DefaultOptions("")
	got := ParseAttrs(map[string]any{
		"URL":     "https://example.com/a.md",
		"copy":    false,
		"ttl":     60,
		"excerpt": "5",
		"unknown": "ignored",
		"class":   nil,
	}, defaults)

	want := defaults
	want.URL = "https://example.com/a.md"
	want.Copy = "false"
	want.TTL = "60"
	want.Excerpt = "5"
	if got != want {
		t.Errorf("ParseAttrs =\n%+v\nwant\n%+v", got, want)
	}
}

func TestDefaultOptions(t *testing.T) {
	t.Parallel()

	d := DefaultOptions("")
	if d.URL != DefaultSourceURL || d.Class != "external-markdown" || d.TTL != "3600" {
		t.Errorf("defaults = %+v", d)
	}
	if d := DefaultOptions("https://x/y.md"); d.URL != "https://x/y.md" {
		t.Errorf("custom default url ignored: %+v", d)
	}

	n := Normalize(DefaultOptions(""))
	want := Options{
		SourceURL:  DefaultSourceURL,
		Class:      DefaultClass,
		TTLSeconds: 3600,
		Copy:       true,
		CDN:        true,
		Table:      true,
		Refresh:    true,
	}
	if n != want {
		t.Errorf("Normalize(defaults) = %+v, want %+v", n, want)
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*RawOptions)
		check  func(t *testing.T, o Options)
	}{
		{
			name:   "ttl zero disables",
			mutate: func(r *RawOptions) { r.TTL = "0" },
			check: func(t *testing.T, o Options) {
				if o.TTLSeconds != 0 {
					t.Errorf("TTLSeconds = %d", o.TTLSeconds)
				}
			},
		},
		{
			name:   "negative ttl disables",
			mutate: func(r *RawOptions) { r.TTL = "-5" },
			check: func(t *testing.T, o Options) {
				if o.TTLSeconds != 0 {
					t.Errorf("TTLSeconds = %d", o.TTLSeconds)
				}
			},
		},
		{
			name:   "garbage ttl falls back to default",
			mutate: func(r *RawOptions) { r.TTL = "soon" },
			check: func(t *testing.T, o Options) {
				if o.TTLSeconds != DefaultTTLSeconds {
					t.Errorf("TTLSeconds = %d", o.TTLSeconds)
				}
			},
		},
		{
			name:   "excerpt positive",
			mutate: func(r *RawOptions) { r.Excerpt = " 12 " },
			check: func(t *testing.T, o Options) {
				if o.ExcerptLines != 12 {
					t.Errorf("ExcerptLines = %d", o.ExcerptLines)
				}
			},
		},
		{
			name:   "excerpt invalid disables",
			mutate: func(r *RawOptions) { r.Excerpt = "-3" },
			check: func(t *testing.T, o Options) {
				if o.ExcerptLines != 0 {
					t.Errorf("ExcerptLines = %d", o.ExcerptLines)
				}
			},
		},
		{
			name:   "blank class uses default",
			mutate: func(r *RawOptions) { r.Class = "  " },
			check: func(t *testing.T, o Options) {
				if o.Class != DefaultClass {
					t.Errorf("Class = %q", o.Class)
				}
			},
		},
		{
			name: "flags off",
			mutate: func(r *RawOptions) {
				r.Copy, r.CDN, r.Table, r.Refresh = "no", "0", "False", "false"
			},
			check: func(t *testing.T, o Options) {
				if o.Copy || o.CDN || o.Table || o.Refresh {
					t.Errorf("flags = %+v", o)
				}
			},
		},
		{
			name:   "empty flag is truthy",
			mutate: func(r *RawOptions) { r.Copy = "" },
			check: func(t *testing.T, o Options) {
				if !o.Copy {
					t.Error("empty copy should be true")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			raw := DefaultOptions("")
			tt.mutate(&raw)
			tt.check(t, Normalize(raw))
		})
	}
}

func TestCacheKey(t *testing.T) {
	t.Parallel()

	key := func(attrs map[string]any) string {
		raw := ParseAttrs(attrs, DefaultOptions(""))
		opts := Normalize(raw)
		return CacheKey("https://cdn.example/doc.md", raw, opts)
	}

	base := key(map[string]any{"copy": "true"})
	if !refresh.InNamespace(base) {
		t.Fatalf("key %q is not accepted by the refresh endpoint", base)
	}
	if got := key(map[string]any{"copy": true}); got != base {
		t.Errorf("bool true and \"true\" differ: %s vs %s", got, base)
	}
	if got := key(map[string]any{"copy": "true"}); got != base {
		t.Error("key is not deterministic")
	}
	if key(map[string]any{"ttl": "60"}) == key(map[string]any{"ttl": "120"}) {
		t.Error("different ttl values produced the same key")
	}
	if key(map[string]any{"copy": "false"}) == base {
		t.Error("different copy produced the same key")
	}
	if key(map[string]any{"class": "a"}) == key(map[string]any{"class": "b"}) {
		t.Error("different class produced the same key")
	}
	if key(map[string]any{"excerpt": "3"}) == base {
		t.Error("excerpt not part of the key")
	}
}
