package webassets

import (
	"embed"
	"fmt"
	"io/fs"
)

// AssetVersion changes whenever fragment.css or fragment.js change in a way
// clients can observe.
const AssetVersion = "2"

//go:embed fragment
var embedded embed.FS

// FragmentFS exposes the stylesheet and behavior script shared by all fragments.
func FragmentFS() fs.FS {
	sub, err := fs.Sub(embedded, "fragment")
	if err != nil {
		panic(fmt.Errorf("webassets: fragment subfs: %w", err))
	}
	return sub
}

func FragmentCSS() []byte { return mustRead("fragment.css") }

func FragmentJS() []byte { return mustRead("fragment.js") }

func mustRead(name string) []byte {
	b, err := fs.ReadFile(FragmentFS(), name)
	if err != nil {
		panic(fmt.Errorf("webassets: %s: %w", name, err))
	}
	return b
}
