package webassets

import (
	"io/fs"
	"strings"
	"testing"
)

func TestFragmentFS_HasAssets(t *testing.T) {
	fsys := FragmentFS()
	for _, name := range []string{"fragment.css", "fragment.js"} {
		info, err := fs.Stat(fsys, name)
		if err != nil {
			t.Fatalf("%s not found: %v", name, err)
		}
		if info.Size() == 0 {
			t.Fatalf("%s is empty", name)
		}
	}
}

func TestFragmentJS_InitGuards(t *testing.T) {
	js := string(FragmentJS())

	// each behavior must install its listeners at most once per page
	for _, guard := range []string{
		"window.ExternalMarkdownCopyInit",
		"window.ExternalMarkdownExcerptInit",
		"window.ExternalMarkdownRefreshInit",
	} {
		if strings.Count(js, "if (!"+guard+")") != 1 {
			t.Errorf("missing or duplicated guard %s", guard)
		}
	}
}

func TestFragmentJS_RefreshContract(t *testing.T) {
	js := string(FragmentJS())
	for _, want := range []string{
		`"external_markdown_refresh"`,
		`"cache_key"`,
		`"nonce"`,
		"data-external-markdown-cache-key",
		"window.ExternalMarkdownRefresh",
		"See More",
	} {
		if !strings.Contains(js, want) {
			t.Errorf("fragment.js missing %s", want)
		}
	}
}

func TestFragmentCSS_Selectors(t *testing.T) {
	css := string(FragmentCSS())
	for _, sel := range []string{
		".external-markdown-copy-button",
		".external-markdown-refresh-button",
		".external-markdown-source",
		".external-markdown-frontmatter",
		".external-markdown-fade",
	} {
		if !strings.Contains(css, sel) {
			t.Errorf("fragment.css missing selector %s", sel)
		}
	}
}
