// Package mdrender is a local stand-in for the GitHub markdown API.
// It accepts POST {"text": ...} and answers with GFM rendered by goldmark.
package mdrender

import (
	"bytes"
	"encoding/json"
	"net/http"

	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/go-chi/chi/v5"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/keithlinneman/mdembed/internal/log"
)

const Path = "/markdown"

// ModeGFM treats single newlines as line breaks, like comments on GitHub.
// Any other mode renders as a document.
const ModeGFM = "gfm"

type request struct {
	Text string `json:"text"`
	Mode string `json:"mode,omitempty"`
}

type Renderer struct {
	doc    goldmark.Markdown
	gfm    goldmark.Markdown
	logger log.Logger
}

func New(logger log.Logger) *Renderer {
	if logger == nil {
		logger = log.Nop()
	}
	return &Renderer{
		doc:    newMarkdown(),
		gfm:    newMarkdown(html.WithHardWraps()),
		logger: logger,
	}
}

func newMarkdown(rendererOpts ...renderer.Option) goldmark.Markdown {
	return goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			// classes instead of inline styles, the embedding page owns the theme
			highlighting.NewHighlighting(
				highlighting.WithFormatOptions(chromahtml.WithClasses(true)),
			),
		),
		goldmark.WithParserOptions(parser.WithAutoHeadingID()),
		goldmark.WithRendererOptions(rendererOpts...),
	)
}

func (rd *Renderer) RegisterRoutes(r chi.Router) {
	r.Post(Path, rd.HandleRender)
}

func (rd *Renderer) HandleRender(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Problems parsing JSON", http.StatusBadRequest)
		return
	}

	md := rd.doc
	if req.Mode == ModeGFM {
		md = rd.gfm
	}

	var buf bytes.Buffer
	if err := md.Convert([]byte(req.Text), &buf); err != nil {
		rd.logger.Error(ctx, err, "markdown convert failed")
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		rd.logger.Warn(ctx, "failed to write rendered markdown", "error", err)
	}
}
