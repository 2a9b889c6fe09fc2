package rules

import (
	"embed"
	"io/fs"
)

//go:embed bundled/*.json5
var bundled embed.FS

// Bundled is the rule directory shipped with the binary.
func Bundled() fs.FS {
	sub, err := fs.Sub(bundled, "bundled")
	if err != nil {
		panic(err)
	}
	return sub
}
