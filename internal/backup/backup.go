// Package backup archives and restores the inventory database together
// with the configuration and rule files.
package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/HerbHall/vigil/internal/version"
)

// ManifestName is the archive entry describing the backup. It is written
// first.
const ManifestName = "manifest.json"

// Sources are the files a backup is taken from. Config and Rules are
// optional.
type Sources struct {
	Database string
	Config   string
	Rules    string
}

// Manifest records which archive entry holds which file. Entries are base
// names.
type Manifest struct {
	Version  string    `json:"version"`
	Created  time.Time `json:"created"`
	Database string    `json:"database"`
	Config   string    `json:"config,omitempty"`
	Rules    string    `json:"rules,omitempty"`
}

// Files returns the entry names listed in m, database first.
func (m Manifest) Files() []string {
	files := []string{m.Database}
	for _, f := range []string{m.Config, m.Rules} {
		if f != "" {
			files = append(files, f)
		}
	}
	return files
}

// Backup writes a gzip-compressed tar archive to archivePath holding a
// manifest, a consistent snapshot of the database and the configured
// config and rule files.
func Backup(ctx context.Context, src Sources, archivePath string) (err error) {
	if _, err := os.Stat(src.Database); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("database file not found: %s", src.Database)
		}
		return fmt.Errorf("checking database: %w", err)
	}

	manifest := Manifest{
		Version:  version.Short(),
		Created:  time.Now().UTC(),
		Database: filepath.Base(src.Database),
	}
	if src.Config != "" {
		manifest.Config = filepath.Base(src.Config)
	}
	if src.Rules != "" {
		manifest.Rules = filepath.Base(src.Rules)
	}
	if err := checkDistinct(manifest.Files()); err != nil {
		return err
	}

	tmpDir, err := os.MkdirTemp("", "vigil-backup-*")
	if err != nil {
		return fmt.Errorf("creating temp directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	snapshot := filepath.Join(tmpDir, manifest.Database)
	if err := snapshotDB(ctx, src.Database, snapshot); err != nil {
		return err
	}

	if dir := filepath.Dir(archivePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("creating archive directory: %w", err)
		}
	}
	f, err := os.OpenFile(archivePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing archive: %w", cerr)
		}
	}()

	gw := gzip.NewWriter(f)
	tw := tar.NewWriter(gw)

	if err := addManifest(tw, manifest); err != nil {
		return err
	}
	if err := addFile(tw, snapshot, manifest.Database); err != nil {
		return err
	}
	if src.Config != "" {
		if err := addFile(tw, src.Config, manifest.Config); err != nil {
			return err
		}
	}
	if src.Rules != "" {
		if err := addFile(tw, src.Rules, manifest.Rules); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("finalizing archive: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("compressing archive: %w", err)
	}
	return nil
}

// snapshotDB copies the live database with VACUUM INTO, which is safe
// while the daemon keeps writing.
func snapshotDB(ctx context.Context, src, dst string) error {
	db, err := sql.Open("sqlite", src)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", dst); err != nil {
		return fmt.Errorf("snapshotting database: %w", err)
	}
	return nil
}

func addManifest(tw *tar.Writer, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	hdr := &tar.Header{
		Name:    ManifestName,
		Mode:    0o600,
		Size:    int64(len(data)),
		ModTime: m.Created,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing manifest header: %w", err)
	}
	if _, err := io.Copy(tw, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

func addFile(tw *tar.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("building header for %s: %w", path, err)
	}
	hdr.Name = name

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing header for %s: %w", path, err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("archiving %s: %w", path, err)
	}
	return nil
}

// checkDistinct rejects layouts where two files would share an entry.
func checkDistinct(names []string) error {
	seen := make(map[string]bool, len(names)+1)
	seen[ManifestName] = true
	for _, n := range names {
		if seen[n] {
			return fmt.Errorf("archive entry %q is used twice", n)
		}
		seen[n] = true
	}
	return nil
}
