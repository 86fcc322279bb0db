package staging

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
)

var (
	ErrDirtyStorage = errors.New("dirty library storage")
	ErrNotStaged    = errors.New("library not staged")
)

// Digest addresses one version of a staged bundle within the storage.
type Digest []byte

// ComputeDigest derives a digest from the given identity strings.
func ComputeDigest(input ...string) Digest {
	h := sha256.New()
	for _, s := range input {
		io.WriteString(h, s)
	}

	return h.Sum(nil)
}

// NewDigest parses the hex form produced by String.
func NewDigest(s string) Digest {
	b, _ := hex.DecodeString(s)
	return b
}

func (d Digest) IsZero() bool {
	return len(d) == 0
}

func (d Digest) String() string {
	return hex.EncodeToString(d)
}

// Bundle is a stageable library: a name, a digest identifying its version and
// a materialiser writing its content under a path.
type Bundle interface {
	Name() string
	Digest() (Digest, error)
	WriteTo(path string) error
}

// Storage is the digest-addressed library store, taking care of filesystem
// operations such as install, update and remove. Only one version per bundle
// is kept.
type Storage struct {
	path string
}

func NewStorage(path string) *Storage {
	return &Storage{path: path}
}

// Install stages a bundle, extracting its content to the filesystem. If a
// version already exists Install is a no-op unless update is set, in which
// case the previous version is removed first. The returned path is the root
// of the staged content.
func (s *Storage) Install(b Bundle, update bool) (string, error) {
	current, err := s.Root(b)
	if err != nil && err != ErrNotStaged {
		return "", err
	}

	exists := current != ""
	if exists && !update {
		return current, nil
	}

	di, err := b.Digest()
	if err != nil {
		return "", err
	}

	if exists {
		if err := s.Remove(b); err != nil {
			return "", err
		}
	}

	root := s.rootPath(b, di)
	if err := os.MkdirAll(root, 0755); err != nil {
		return "", err
	}

	return root, b.WriteTo(root)
}

// Root returns the path in the host filesystem to a staged bundle.
func (s *Storage) Root(b Bundle) (string, error) {
	return s.rootFromBase(s.basePath(b))
}

func (s *Storage) rootFromBase(path string) (string, error) {
	dirs, err := getDirs(path)
	if err != nil {
		return "", err
	}

	switch len(dirs) {
	case 1:
		return dirs[0], nil
	case 0:
		return "", ErrNotStaged
	default:
		return "", ErrDirtyStorage
	}
}

// Remove removes a staged bundle from the filesystem.
func (s *Storage) Remove(b Bundle) error {
	path, err := s.Root(b)
	if err != nil {
		return err
	}

	return os.RemoveAll(path)
}

// List lists the roots of all bundles staged on disk.
func (s *Storage) List() ([]string, error) {
	dirs, err := getDirs(s.path)
	if err != nil {
		return nil, err
	}

	var list []string
	for _, base := range dirs {
		root, err := s.rootFromBase(base)
		if err != nil {
			return nil, err
		}

		list = append(list, root)
	}

	return list, nil
}

func (s *Storage) rootPath(b Bundle, di Digest) string {
	return filepath.Join(s.basePath(b), di.String())
}

func (s *Storage) basePath(b Bundle) string {
	return filepath.Join(s.path, b.Name())
}

func getDirs(path string) ([]string, error) {
	files, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, err
	}

	var dirs []string
	for _, f := range files {
		if !f.IsDir() {
			continue
		}

		dirs = append(dirs, filepath.Join(path, f.Name()))
	}

	return dirs, nil
}
