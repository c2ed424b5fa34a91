// Package web holds the browser client served at / and /static/.
package web

import (
	"embed"
	"io/fs"
)

//go:embed index.html static
var assets embed.FS

// Assets returns the embedded UI files.
func Assets() fs.FS {
	return assets
}
