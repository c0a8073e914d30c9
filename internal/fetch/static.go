package fetch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/HerbHall/vigil/internal/pipeline"
	"github.com/HerbHall/vigil/internal/router"
	"github.com/HerbHall/vigil/pkg/check"
)

// Dir reads agent-format section files from <root>/<host>/<origin>.txt.
// It serves sources that are collected out of band (IPMI dumps, exported
// controller data) and replays of recorded agent output.
type Dir struct {
	root string
}

// NewDir creates a directory fetcher rooted at root.
func NewDir(root string) *Dir {
	return &Dir{root: root}
}

// Fetch returns pipeline.ErrSourceUnavailable when no file exists for the
// host and origin.
func (d *Dir) Fetch(ctx context.Context, host router.Host, origin check.Origin) ([]check.RawSection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := d.Path(host.Name, origin)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, pipeline.ErrSourceUnavailable
		}
		return nil, fmt.Errorf("open section file: %w", err)
	}
	defer func() { _ = f.Close() }()

	sections, err := ParseAgentOutput(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return sections, nil
}

// Path returns the file the fetcher reads for host and origin.
func (d *Dir) Path(host string, origin check.Origin) string {
	return filepath.Join(d.root, filepath.Base(host), string(origin)+".txt")
}
