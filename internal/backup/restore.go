package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/HerbHall/vigil/internal/store"
	"github.com/HerbHall/vigil/internal/version"
)

// maxEntrySize bounds a single extracted file.
const maxEntrySize = 10 << 30

// RestoreOptions control where and how an archive is restored.
type RestoreOptions struct {
	Target string
	// Force overwrites existing files in Target.
	Force bool
	// Version is the binary version the database must not be newer than.
	// Empty means the running build.
	Version string
}

// Restore extracts a vigil backup into opts.Target. The archive is staged
// first; nothing in the target changes unless the manifest lists a
// database and every listed file is present, and the database passes the
// schema version gate.
func Restore(ctx context.Context, archivePath string, opts RestoreOptions) (*Manifest, error) {
	if opts.Target == "" {
		opts.Target = "."
	}
	if opts.Version == "" {
		opts.Version = version.Short()
	}
	if err := os.MkdirAll(opts.Target, 0o750); err != nil {
		return nil, fmt.Errorf("creating target directory: %w", err)
	}

	staging, err := os.MkdirTemp(opts.Target, ".vigil-restore-*")
	if err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	extracted, err := extract(archivePath, staging)
	if err != nil {
		return nil, err
	}

	manifest, err := readManifest(staging, extracted)
	if err != nil {
		return nil, err
	}
	for _, name := range manifest.Files() {
		if !extracted[name] {
			return nil, fmt.Errorf("invalid backup: %s listed in manifest but missing", name)
		}
	}

	if err := checkSchema(ctx, filepath.Join(staging, manifest.Database), opts.Version); err != nil {
		return nil, err
	}

	files := manifest.Files()
	if !opts.Force {
		for _, name := range files {
			dest := filepath.Join(opts.Target, name)
			if _, err := os.Stat(dest); err == nil {
				return nil, fmt.Errorf("file already exists (use --force to overwrite): %s", dest)
			}
		}
	}
	for _, name := range files {
		if err := os.Rename(filepath.Join(staging, name), filepath.Join(opts.Target, name)); err != nil {
			return nil, fmt.Errorf("installing %s: %w", name, err)
		}
	}
	return manifest, nil
}

// extract unpacks every regular file of the archive into dir and returns
// the entry names. Entries must be plain base names.
func extract(archivePath, dir string) (map[string]bool, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("decompressing archive: %w", err)
	}
	defer gr.Close()

	names := make(map[string]bool)
	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return names, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading archive entry: %w", err)
		}
		if err := validateEntry(hdr.Name); err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if names[hdr.Name] {
			return nil, fmt.Errorf("invalid backup: duplicate entry %q", hdr.Name)
		}
		if err := writeEntry(tr, filepath.Join(dir, hdr.Name)); err != nil {
			return nil, fmt.Errorf("extracting %s: %w", hdr.Name, err)
		}
		names[hdr.Name] = true
	}
}

// validateEntry accepts only flat names, which is the layout Backup writes.
func validateEntry(name string) error {
	if filepath.IsAbs(name) || name == ".." || filepath.Base(name) != name {
		return fmt.Errorf("path traversal detected: %q", name)
	}
	if name == "" || name == "." {
		return fmt.Errorf("invalid backup: empty entry name")
	}
	return nil
}

func writeEntry(r io.Reader, dest string) error {
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, io.LimitReader(r, maxEntrySize+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > maxEntrySize {
		err = fmt.Errorf("entry exceeds %d bytes", int64(maxEntrySize))
	}
	return err
}

func readManifest(dir string, extracted map[string]bool) (*Manifest, error) {
	if !extracted[ManifestName] {
		return nil, fmt.Errorf("invalid backup: %s missing, not a vigil archive", ManifestName)
	}
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	if m.Database == "" {
		return nil, fmt.Errorf("invalid backup: manifest lists no database")
	}
	for _, name := range m.Files() {
		if err := validateEntry(name); err != nil {
			return nil, err
		}
	}
	if err := checkDistinct(m.Files()); err != nil {
		return nil, fmt.Errorf("invalid backup: %w", err)
	}
	return &m, nil
}

// checkSchema opens the staged database and refuses one written by a
// newer build.
func checkSchema(ctx context.Context, path, binaryVersion string) error {
	db, err := store.New(path)
	if err != nil {
		return fmt.Errorf("invalid backup: %w", err)
	}
	if err := db.CheckVersion(ctx, binaryVersion); err != nil {
		db.Close()
		return err
	}
	return db.Close()
}
