package fragment

import (
	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	"github.com/tdewolff/minify/v2/js"

	"github.com/keithlinneman/mdembed/internal/cryptoutil"
	"github.com/keithlinneman/mdembed/internal/webassets"
	"github.com/keithlinneman/mdembed/internal/xerrors"
)

// Assets is the shared stylesheet and behavior script, loaded once at startup.
type Assets struct {
	CSS     string
	JS      string
	Version string
	// Hash is the sha256 of the served CSS and JS.
	Hash string
}

// AssetVersion and AssetHash let the served asset identity be reported in response headers.
func (a *Assets) AssetVersion() string { return a.Version }
func (a *Assets) AssetHash() string    { return a.Hash }

// LoadAssets reads the embedded assets, minifying them when minified is true.
func LoadAssets(minified bool) (*Assets, error) {
	a := &Assets{
		CSS:     string(webassets.FragmentCSS()),
		JS:      string(webassets.FragmentJS()),
		Version: webassets.AssetVersion,
	}
	if !minified {
		a.Hash = assetHash(a)
		return a, nil
	}

	m := minify.New()
	m.AddFunc("text/css", css.Minify)
	m.AddFunc("application/javascript", js.Minify)

	var err error
	if a.CSS, err = m.String("text/css", a.CSS); err != nil {
		return nil, xerrors.Wrap(err, "minify fragment.css")
	}
	if a.JS, err = m.String("application/javascript", a.JS); err != nil {
		return nil, xerrors.Wrap(err, "minify fragment.js")
	}
	a.Hash = assetHash(a)
	return a, nil
}

func assetHash(a *Assets) string {
	return cryptoutil.SHA256Hex([]byte(a.CSS + "\x00" + a.JS))
}
