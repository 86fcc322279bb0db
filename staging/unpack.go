package staging

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// IsArchive reports whether the library at the given URI is a bundle that can
// be unpacked instead of copied verbatim.
func IsArchive(uri string) bool {
	name := strings.ToLower(uri)
	return strings.HasSuffix(name, ".tar") ||
		strings.HasSuffix(name, ".tar.gz") ||
		strings.HasSuffix(name, ".tgz")
}

// Unpack extracts a library bundle into dest. Gzip compression is detected
// from the URI the bundle was fetched from.
func Unpack(dest, uri string, r io.Reader) error {
	name := strings.ToLower(uri)
	if strings.HasSuffix(name, ".tar.gz") || strings.HasSuffix(name, ".tgz") {
		return untarGzip(dest, r)
	}

	return untar(dest, r)
}

func untarGzip(dest string, r io.Reader) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return errors.Wrap(err, "error creating gzip reader")
	}
	defer gz.Close()

	return untar(dest, gz)
}

func untar(dest string, r io.Reader) error {
	var dirs []*tar.Header
	tr := tar.NewReader(r)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "error reading tar entry")
		}

		path := filepath.Join(dest, hdr.Name)
		if !strings.HasPrefix(path, filepath.Clean(dest)+string(os.PathSeparator)) {
			return fmt.Errorf("entry %q escapes destination", hdr.Name)
		}

		info := hdr.FileInfo()
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, info.Mode()); err != nil {
				return errors.Wrap(err, "error creating directory")
			}

		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return errors.Wrap(err, "error creating directory")
			}

			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
			if err != nil {
				return errors.Wrap(err, "unable to open file")
			}

			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return errors.Wrap(err, "unable to copy")
			}
			f.Close()

		case tar.TypeSymlink:
			target := filepath.Join(filepath.Dir(path), hdr.Linkname)
			if !strings.HasPrefix(target, filepath.Clean(dest)) {
				return fmt.Errorf("invalid symlink %q -> %q", path, hdr.Linkname)
			}

			if err := os.Symlink(hdr.Linkname, path); err != nil {
				if !os.IsExist(err) {
					return err
				}
				if err := os.Remove(path); err != nil {
					return err
				}
				if err := os.Symlink(hdr.Linkname, path); err != nil {
					return err
				}
			}

		case tar.TypeXGlobalHeader:
			continue
		}

		// Directory mtimes must be handled at the end to avoid further
		// file creation in them to modify the directory mtime
		if hdr.Typeflag == tar.TypeDir {
			dirs = append(dirs, hdr)
		}
	}

	for _, hdr := range dirs {
		path := filepath.Join(dest, hdr.Name)
		if err := os.Chtimes(path, time.Now().UTC(), hdr.FileInfo().ModTime()); err != nil {
			return errors.Wrap(err, "error changing time")
		}
	}

	return nil
}
