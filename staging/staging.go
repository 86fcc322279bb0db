package staging

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Stager stages driver libraries: each configured URI is fetched into the
// digest-addressed storage and then materialised into the driver's working
// area, optionally unpacking archive bundles.
type Stager struct {
	storage *Storage
	client  *http.Client
}

// NewStager creates a stager backed by a storage rooted at the given path.
func NewStager(root string) *Stager {
	return &Stager{
		storage: NewStorage(root),
		client:  http.DefaultClient,
	}
}

// StageAll stages every library into location. It stops at the first failing
// library and returns its error.
func (s *Stager) StageAll(ctx context.Context, libs []string, unpack bool, location string) error {
	dest, err := LocalPath(location)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dest, 0755); err != nil {
		return errors.Wrap(err, "error creating staging location")
	}

	for _, uri := range libs {
		b := &libraryBundle{
			ctx:    ctx,
			uri:    uri,
			client: s.client,
			unpack: unpack && IsArchive(uri),
		}

		root, err := s.storage.Install(b, true)
		if err != nil {
			return errors.Wrapf(err, "error staging library %q", uri)
		}

		if err := copyTree(root, dest); err != nil {
			return errors.Wrapf(err, "error materialising library %q", uri)
		}
	}

	return nil
}

// LocalPath resolves a location URI to a host filesystem path. Plain paths
// and file:// URIs are supported.
func LocalPath(location string) (string, error) {
	if !strings.Contains(location, "://") {
		return location, nil
	}

	u, err := url.Parse(location)
	if err != nil {
		return "", errors.Wrapf(err, "invalid location %q", location)
	}

	if u.Scheme != "file" {
		return "", errors.Errorf("unsupported location scheme %q", u.Scheme)
	}

	return u.Path, nil
}

// libraryBundle adapts one library URI to the storage Bundle contract.
type libraryBundle struct {
	ctx    context.Context
	uri    string
	client *http.Client
	unpack bool
}

func (b *libraryBundle) Name() string {
	return path.Base(strings.TrimSuffix(b.uri, "/"))
}

func (b *libraryBundle) Digest() (Digest, error) {
	return ComputeDigest(b.uri), nil
}

func (b *libraryBundle) WriteTo(root string) error {
	rc, err := b.open()
	if err != nil {
		return err
	}
	defer rc.Close()

	if b.unpack {
		return Unpack(root, b.uri, rc)
	}

	f, err := os.Create(filepath.Join(root, b.Name()))
	if err != nil {
		return err
	}

	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return err
	}

	return f.Close()
}

func (b *libraryBundle) open() (io.ReadCloser, error) {
	if !strings.Contains(b.uri, "://") {
		return os.Open(b.uri)
	}

	u, err := url.Parse(b.uri)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid library URI %q", b.uri)
	}

	switch u.Scheme {
	case "file":
		return os.Open(u.Path)
	case "http", "https":
		req, err := http.NewRequestWithContext(b.ctx, http.MethodGet, b.uri, nil)
		if err != nil {
			return nil, err
		}

		resp, err := b.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, errors.Errorf("fetching %q: unexpected status %s", b.uri, resp.Status)
		}

		return resp.Body, nil
	default:
		return nil, errors.Errorf("unsupported library scheme %q", u.Scheme)
	}
}

// copyTree copies the content of src into dest, preserving relative layout.
func copyTree(src, dest string) error {
	return filepath.Walk(src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		target := filepath.Join(dest, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}

		if info.Mode()&os.ModeSymlink != 0 {
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			if err := os.RemoveAll(target); err != nil {
				return err
			}
			return os.Symlink(link, target)
		}

		in, err := os.Open(p)
		if err != nil {
			return err
		}
		defer in.Close()

		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
		if err != nil {
			return err
		}

		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			return err
		}

		return out.Close()
	})
}
