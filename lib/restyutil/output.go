package restyutil

import (
	"log/slog"
	"os"
	"path/filepath"
)

// DirOutput writes every dump as its own file in a directory.
type DirOutput struct {
	directory string
}

// NewDirOutput empties (or creates) dir and writes dumps into it.
func NewDirOutput(dir string) (DirOutput, error) {
	err := os.RemoveAll(dir)
	if err != nil {
		return DirOutput{}, err
	}
	err = os.MkdirAll(dir, 0777)
	if err != nil {
		return DirOutput{}, err
	}
	return DirOutput{directory: dir}, nil
}

func (o DirOutput) Write(id string, contents string) {
	err := os.WriteFile(filepath.Join(o.directory, id+".txt"), []byte(contents), 0600)
	if err != nil {
		slog.Warn("failed to write http dump", "id", id, "err", err)
	}
}
