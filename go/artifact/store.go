// Package artifact is a content-addressed blob store over a local directory.
// References returned by Save are opaque, forward-slash relative paths which
// embed a prefix of the content's SHA-256, so identical bytes map to identical
// references and differing bytes can never overwrite one another.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// ErrNotFound is returned by Load when a reference has no backing file.
var ErrNotFound = errors.New("artifact not found")

// ErrUnsafeRef is returned when a reference resolves outside the store base.
var ErrUnsafeRef = errors.New("artifact ref escapes the store")

// tmpPrefix marks in-flight writes. Files with this prefix are never listed
// and are removed if their write fails partway.
const tmpPrefix = ".tmp-"

// hashPrefixLen is the number of hex characters of the content SHA-256
// embedded in a reference.
const hashPrefixLen = 16

var unsafeRunes = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Store persists artifacts under a single base directory.
type Store struct {
	base string
}

// NewStore creates the base directory if needed and returns a Store rooted there.
func NewStore(base string) (*Store, error) {
	var abs, err = filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolving artifact base: %w", err)
	}
	if err = os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact base: %w", err)
	}
	return &Store{base: abs}, nil
}

// Sanitize collapses every rune outside [A-Za-z0-9._-] to '_' and truncates
// the result to 64 characters. An empty component becomes "_" so that it can
// never vanish from a joined path.
func Sanitize(part string) string {
	var s = unsafeRunes.ReplaceAllString(part, "_")
	if len(s) > 64 {
		s = s[:64]
	}
	if s == "" {
		s = "_"
	}
	return s
}

// Save writes data under {task}/{stage}/{name}-{sha256[:16]}.bin and returns
// the store-relative reference. The write lands in a temporary file which is
// fsynced and renamed into place, so concurrent saves of identical content
// race benignly toward the same final path.
func (s *Store) Save(taskID, stage, name string, data []byte) (string, error) {
	var sum = sha256.Sum256(data)
	var ref = path.Join(
		Sanitize(taskID),
		Sanitize(stage),
		fmt.Sprintf("%s-%s.bin", Sanitize(name), hex.EncodeToString(sum[:])[:hashPrefixLen]),
	)
	var dst, err = s.resolve(ref)
	if err != nil {
		return "", err
	}
	if err = os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("creating artifact directory: %w", err)
	}

	var tmp = filepath.Join(filepath.Dir(dst), tmpPrefix+uuid.NewString())
	if err = writeAndSync(tmp, data); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("writing artifact %q: %w", ref, err)
	}
	if err = os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("committing artifact %q: %w", ref, err)
	}

	log.WithFields(log.Fields{
		"ref":   ref,
		"bytes": len(data),
	}).Debug("saved artifact")

	return ref, nil
}

// Load reads the bytes behind ref, or ErrNotFound when nothing is there.
func (s *Store) Load(ref string) ([]byte, error) {
	var p, err = s.resolve(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading %q: %w", ref, ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("loading %q: %w", ref, err)
	}
	return data, nil
}

// List returns the sorted references stored under (taskID, stage).
// In-flight temporary files are excluded. A missing directory is empty.
func (s *Store) List(taskID, stage string) ([]string, error) {
	var rel = path.Join(Sanitize(taskID), Sanitize(stage))
	var dir, err = s.resolve(rel)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("listing artifacts of %q: %w", rel, err)
	}

	var refs []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), tmpPrefix) {
			continue
		}
		refs = append(refs, path.Join(rel, entry.Name()))
	}
	sort.Strings(refs)
	return refs, nil
}

// Delete removes the artifact behind ref. It reports whether a file was
// actually removed; deleting an absent ref is not an error.
func (s *Store) Delete(ref string) (bool, error) {
	var p, err = s.resolve(ref)
	if err != nil {
		return false, err
	}
	err = os.Remove(p)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("deleting %q: %w", ref, err)
	}
	return true, nil
}

// Exists reports whether ref resolves to a regular file inside the store.
func (s *Store) Exists(ref string) bool {
	var p, err = s.resolve(ref)
	if err != nil {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// URL returns a file:// URL for ref, for handing to local viewers.
func (s *Store) URL(ref string) (string, error) {
	var p, err = s.resolve(ref)
	if err != nil {
		return "", err
	}
	var u = url.URL{Scheme: "file", Path: filepath.ToSlash(p)}
	return u.String(), nil
}

// resolve maps a reference to an absolute path and rejects any reference
// which, after cleaning, escapes the store base.
func (s *Store) resolve(ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("empty ref: %w", ErrUnsafeRef)
	}
	var p = filepath.Clean(filepath.Join(s.base, filepath.FromSlash(ref)))
	if p != s.base && !strings.HasPrefix(p, s.base+string(filepath.Separator)) {
		return "", fmt.Errorf("ref %q: %w", ref, ErrUnsafeRef)
	}
	return p, nil
}

func writeAndSync(path string, data []byte) error {
	var f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err = f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
