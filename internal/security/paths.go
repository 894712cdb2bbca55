// Package security resolves user-supplied file names against the
// directories the service is allowed to read session logs and captures from.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrOutsideAllowedDirs is returned for paths that resolve outside every
// allowed directory, including through symlinks.
var ErrOutsideAllowedDirs = errors.New("path is outside the allowed directories")

// canonical returns the absolute path with symlinks resolved. For a path
// that does not exist yet, the deepest existing parent is resolved and the
// rest appended, so a symlinked parent cannot be used to escape.
func canonical(path string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	for dir := filepath.Dir(abs); ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			rel, err := filepath.Rel(dir, abs)
			if err != nil {
				return "", err
			}
			return filepath.Join(resolved, rel), nil
		}
		if dir == filepath.Dir(dir) {
			return abs, nil
		}
	}
}

// Within reports an error unless path resolves inside dir.
func Within(path, dir string) error {
	p, err := canonical(path)
	if err != nil {
		return err
	}
	d, err := canonical(dir)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(d, p)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOutsideAllowedDirs, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: %s", ErrOutsideAllowedDirs, path)
	}
	return nil
}

// Resolve maps name to a file inside one of dirs. A relative name is taken
// relative to the first directory; an absolute name must already lie inside
// one of them.
func Resolve(name string, dirs []string) (string, error) {
	if name == "" {
		return "", errors.New("empty path")
	}
	if len(dirs) == 0 {
		return "", errors.New("no allowed directories configured")
	}
	path := name
	if !filepath.IsAbs(name) {
		path = filepath.Join(dirs[0], name)
	}
	for _, dir := range dirs {
		if Within(path, dir) == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrOutsideAllowedDirs, name)
}

// SanitizeFilename makes a safe download name from an arbitrary string.
// Anything other than ASCII letters, digits, dot, underscore or dash becomes
// a single underscore.
func SanitizeFilename(s string) string {
	const maxLen = 128
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'),
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
			lastUnderscore = r == '_'
		default:
			if !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
