package gate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// Digester supplies the environment half of the state fingerprint: an
// opaque digest that changes when the workspace the session operates on
// changes. Implementations must be cheap enough to call once per cycle.
type Digester interface {
	Digest() (string, error)
}

// StaticDigest is a Digester that always returns the same value. Used when
// no workspace is being tracked, so the fingerprint depends on the
// observation alone.
type StaticDigest string

func (d StaticDigest) Digest() (string, error) {
	return string(d), nil
}

// DirDigest walks a directory tree and hashes the metadata of every file:
// relative path, size, and modification time. Content is never read, so a
// digest over a large workspace stays fast; an edit shows up through mtime.
type DirDigest struct {
	Root string
	// Skip lists directory names excluded from the walk. Nil means the
	// default set (VCS and dependency directories).
	Skip []string
}

var defaultSkipDirs = []string{".git", "node_modules", ".venv", "__pycache__", "vendor"}

func (d *DirDigest) skipDirs() []string {
	if d.Skip != nil {
		return d.Skip
	}
	return defaultSkipDirs
}

func (d *DirDigest) Digest() (string, error) {
	skip := d.skipDirs()
	var lines []string

	err := filepath.WalkDir(d.Root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			// Files can vanish mid-walk; a partial digest is still a digest.
			return nil
		}
		if entry.IsDir() {
			name := entry.Name()
			for _, s := range skip {
				if name == s {
					return filepath.SkipDir
				}
			}
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(d.Root, path)
		if err != nil {
			rel = path
		}
		lines = append(lines, fmt.Sprintf("%s\x00%d\x00%d", rel, info.Size(), info.ModTime().UnixNano()))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("digesting %s: %w", d.Root, err)
	}

	// WalkDir is already ordered, but sorting makes the digest independent
	// of filesystem ordering quirks.
	sort.Strings(lines)
	h := sha256.New()
	h.Write([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(h.Sum(nil))[:16], nil
}
