// Package migrations ships the CMS schema units inside the binary.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed *.sql
var files embed.FS

// FS returns the embedded <key>.up.sql and <key>.down.sql files, rooted at ".".
func FS() fs.FS {
	return files
}
