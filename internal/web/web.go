// Package web embeds the informational page served at the root path.
package web

import (
	"embed"
	"io/fs"
)

//go:embed public
var content embed.FS

// Public returns the embedded public directory as the root of an fs.FS.
func Public() fs.FS {
	sub, err := fs.Sub(content, "public")
	if err != nil {
		panic(err)
	}
	return sub
}
