// Package fragment builds the embeddable HTML for one rendered document.
//
// Output is split in two parts. Assemble produces the per-document markup,
// which depends only on its Input and is safe to cache. The Assembler emits
// the shared stylesheet, client config and behavior script, once per render
// pass, and is never cached because it carries a per-pass nonce.
package fragment

import (
	"encoding/json"
	"html/template"
	"strings"
	"sync/atomic"

	"github.com/keithlinneman/mdembed/internal/frontmatter"
)

// Input is everything a single fragment is built from.
type Input struct {
	RenderedHTML string
	RawBody      string
	Class        string
	Copy         bool
	ExcerptLines int
	Frontmatter  frontmatter.Frontmatter
	// RefreshToken, when set, is exposed on the wrapper and enables the refresh button.
	RefreshToken string
}

type row struct{ Key, Value string }

type view struct {
	HTML         template.HTML
	RawBody      string
	Class        string
	Copy         bool
	ExcerptLines int
	Rows         []row
	RefreshToken string
}

var fragmentTmpl = template.Must(template.New("fragment").Parse(
	`<div class="external-markdown-wrapper" data-external-markdown="true"` +
		`{{if .RefreshToken}} data-external-markdown-cache-key="{{.RefreshToken}}"{{end}}>` +
		`{{if or .Copy .RefreshToken}}<div class="external-markdown-toolbar">` +
		`{{if .Copy}}<button type="button" class="external-markdown-copy-button">Copy to Clipboard</button>{{end}}` +
		`{{if .RefreshToken}}<button type="button" class="external-markdown-refresh-button" aria-label="Refresh cached content">Refresh</button>{{end}}` +
		`</div>{{end}}` +
		`{{if .Copy}}<textarea class="external-markdown-source" readonly tabindex="-1" aria-hidden="true">{{.RawBody}}</textarea>{{end}}` +
		`{{if .Rows}}<table class="external-markdown-frontmatter"><tbody>` +
		`{{range .Rows}}<tr><th scope="row">{{.Key}}</th><td>{{.Value}}</td></tr>{{end}}` +
		`</tbody></table>{{end}}` +
		`<div class="{{.Class}}"{{if gt .ExcerptLines 0}} data-excerpt-lines="{{.ExcerptLines}}"{{end}}>{{.HTML}}</div>` +
		`</div>`,
))

// Assemble renders the per-document markup. RenderedHTML is trusted and
// inserted as is, every other field is escaped.
func Assemble(in Input) string {
	v := view{
		HTML:         template.HTML(in.RenderedHTML),
		RawBody:      in.RawBody,
		Class:        in.Class,
		Copy:         in.Copy,
		ExcerptLines: in.ExcerptLines,
		RefreshToken: in.RefreshToken,
	}
	for k, val := range in.Frontmatter.All() {
		v.Rows = append(v.Rows, row{Key: k, Value: val})
	}

	var b strings.Builder
	if err := fragmentTmpl.Execute(&b, v); err != nil {
		// the template is static and every field is a plain value
		panic(err)
	}
	return b.String()
}

// ClientConfig is published to the behavior script as window.ExternalMarkdownRefresh.
type ClientConfig struct {
	AjaxURL string `json:"ajaxUrl"`
	Nonce   string `json:"nonce"`
}

// Assembler tracks what one render pass has already emitted. Create one per
// page or request; never share it across passes.
type Assembler struct {
	assets  *Assets
	client  ClientConfig
	emitted atomic.Bool
}

func NewAssembler(assets *Assets, client ClientConfig) *Assembler {
	return &Assembler{assets: assets, client: client}
}

var sharedTmpl = template.Must(template.New("shared").Parse(
	`<style data-external-markdown-assets="{{.Version}}">{{.CSS}}</style>` +
		`{{if .Config}}<script>window.ExternalMarkdownRefresh={{.Config}};</script>{{end}}` +
		`<script data-external-markdown-assets="{{.Version}}">{{.JS}}</script>`,
))

type sharedView struct {
	Version string
	CSS     template.CSS
	JS      template.JS
	Config  template.JS
}

// Shared returns the stylesheet, client config and script the first time it
// is called and an empty string afterwards.
func (a *Assembler) Shared() string {
	if a == nil || a.assets == nil || !a.emitted.CompareAndSwap(false, true) {
		return ""
	}

	v := sharedView{
		Version: a.assets.Version,
		CSS:     template.CSS(a.assets.CSS),
		JS:      template.JS(a.assets.JS),
	}
	if a.client.AjaxURL != "" {
		// json.Marshal escapes <, > and & so the config cannot close the script element
		cfg, err := json.Marshal(a.client)
		if err != nil {
			panic(err)
		}
		v.Config = template.JS(cfg)
	}

	var b strings.Builder
	if err := sharedTmpl.Execute(&b, v); err != nil {
		panic(err)
	}
	return b.String()
}
