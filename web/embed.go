// Package web embeds the start page served by the API server.
//
// Usage in the API server:
//
//	import "github.com/seenimoa/autostock/web"
//	fs := web.FS() // io/fs.FS rooted at static/
package web

import (
	"embed"
	"io/fs"
	"log"
)

//go:embed all:static
var dist embed.FS

// FS returns a filesystem rooted at the embedded static/ directory.
// This is ready to use with http.FileServerFS or http.FS.
func FS() fs.FS {
	sub, err := fs.Sub(dist, "static")
	if err != nil {
		log.Fatalf("web.FS: %v", err)
	}
	return sub
}
