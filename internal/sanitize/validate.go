// Package sanitize validates paths and identifiers before they reach
// the filesystem or external tools.
package sanitize

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	ErrEmptyPath     = errors.New("path is empty")
	ErrAbsolutePath  = errors.New("absolute path not allowed")
	ErrPathTraversal = errors.New("path traversal not allowed")
	ErrNullByte      = errors.New("path contains null byte")
	ErrOutsideRoot   = errors.New("path resolves outside allowed root")
	ErrInvalidID     = errors.New("invalid identifier")
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// ValidateRelPath checks that path is a clean relative path with no
// traversal components and no null bytes. It does not touch the filesystem.
func ValidateRelPath(path string) error {
	if path == "" {
		return ErrEmptyPath
	}
	if strings.ContainsRune(path, 0) {
		return ErrNullByte
	}
	if filepath.IsAbs(path) {
		return ErrAbsolutePath
	}
	clean := filepath.Clean(path)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return ErrPathTraversal
	}
	return nil
}

// ValidatePath checks that path, joined to root, stays under root.
// path must be relative; root must be absolute.
func ValidatePath(path, root string) error {
	if err := ValidateRelPath(path); err != nil {
		return err
	}
	if !filepath.IsAbs(root) {
		return fmt.Errorf("root must be absolute, got %q", root)
	}
	joined := filepath.Join(root, path)
	rel, err := filepath.Rel(root, joined)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return nil
}

// ResolveUnderRoots returns the absolute location of path under the first
// root it validates against. Used by tools that accept several workspace
// roots.
func ResolveUnderRoots(path string, roots []string) (string, error) {
	if len(roots) == 0 {
		return "", errors.New("no workspace roots configured")
	}
	var firstErr error
	for _, root := range roots {
		if err := ValidatePath(path, root); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		return filepath.Join(root, path), nil
	}
	return "", firstErr
}

// ValidateIdentifier checks project/collection/branch style identifiers:
// alphanumeric start, then alphanumerics, dot, underscore, dash, max 128.
func ValidateIdentifier(id string) error {
	if !identifierPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}
