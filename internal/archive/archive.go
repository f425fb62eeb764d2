// Package archive packs a staging instance's on-disk state into a gzip tar
// and unpacks it again. Layout: `etc/` (instance config, informational),
// `data/` (the portable payload) and `info` (timestamp + engine version).
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/pgzip"
)

// ErrNotFound is returned by Unpack when the archive path does not exist.
var ErrNotFound = errors.New("archive not found")

const (
	etcEntry  = "etc"
	dataEntry = "data"
	infoEntry = "info"
)

// Pack writes a gzip tar at path containing etcDir under etc/, dataDir
// under data/ and a manifest entry. A partially written archive is left in
// place on failure.
func Pack(etcDir, dataDir, version, path string) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("pack: %w", err)
	}
	defer out.Close()

	gw := pgzip.NewWriter(out)
	tw := tar.NewWriter(gw)

	if err := addTree(tw, etcDir, etcEntry); err != nil {
		return fmt.Errorf("pack %s: %w", etcEntry, err)
	}
	if err := addTree(tw, dataDir, dataEntry); err != nil {
		return fmt.Errorf("pack %s: %w", dataEntry, err)
	}
	manifest := fmt.Sprintf("backup taken at %s\ncouchdb version %s\n", time.Now().Format(time.RFC3339), version)
	if err := addBytes(tw, infoEntry, []byte(manifest)); err != nil {
		return fmt.Errorf("pack %s: %w", infoEntry, err)
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("pack: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("pack: %w", err)
	}
	return out.Close()
}

// addTree walks dir and writes every entry under the archive name prefix.
func addTree(tw *tar.Writer, dir, prefix string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		name := prefix
		if rel != "." {
			name = prefix + "/" + filepath.ToSlash(rel)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = name
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}

func addBytes(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}

// Unpack extracts the archive at path into stagingDir and returns the
// extracted data directory. The etc tree and manifest are extracted too but
// the caller only restores data; a load always runs on freshly generated
// configuration.
func Unpack(path, stagingDir string) (string, error) {
	in, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return "", fmt.Errorf("unpack: %w", err)
	}
	defer in.Close()

	gr, err := pgzip.NewReader(in)
	if err != nil {
		return "", fmt.Errorf("unpack: %w", err)
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("unpack: %w", err)
		}
		name := filepath.Clean(filepath.FromSlash(hdr.Name))
		if name == "." || strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return "", fmt.Errorf("unpack: refusing entry %q outside staging dir", hdr.Name)
		}
		dst := filepath.Join(stagingDir, name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dst, hdr.FileInfo().Mode().Perm()); err != nil {
				return "", fmt.Errorf("unpack: %w", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return "", fmt.Errorf("unpack: %w", err)
			}
			f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, hdr.FileInfo().Mode().Perm())
			if err != nil {
				return "", fmt.Errorf("unpack: %w", err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				_ = f.Close()
				return "", fmt.Errorf("unpack %s: %w", hdr.Name, err)
			}
			if err := f.Close(); err != nil {
				return "", fmt.Errorf("unpack: %w", err)
			}
		default:
			// symlinks and specials do not occur in engine data dirs
		}
	}

	dataDir := filepath.Join(stagingDir, dataEntry)
	if _, err := os.Stat(dataDir); err != nil {
		return "", fmt.Errorf("unpack: archive has no %s tree: %w", dataEntry, err)
	}
	return dataDir, nil
}
