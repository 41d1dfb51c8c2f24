// Package objstore provides the versioned text object store backing memory
// files, conversation archives, and reminder state.
package objstore

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Object is a stored text document.
type Object struct {
	Path      string    `json:"path"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Entry is a listing row. Directories are synthesized with a trailing slash
// and zero size.
type Entry struct {
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	UpdatedAt time.Time `json:"updated_at"`
	IsDir     bool      `json:"is_dir,omitempty"`
}

// Version identifies one historical revision of an object.
type Version struct {
	ID        string    `json:"id"`
	UpdatedAt time.Time `json:"updated_at"`
	Size      int64     `json:"size"`
}

// Store is a versioned key/value store over slash-separated paths.
// Read returns (nil, nil) for a missing path.
type Store interface {
	Read(ctx context.Context, path string) (*Object, error)
	Write(ctx context.Context, path, content string) (versionID string, err error)
	List(ctx context.Context, prefix string, recursive bool) ([]Entry, error)
	Delete(ctx context.Context, path string) error
	Versions(ctx context.Context, path string, limit int) ([]Version, error)
	ReadVersion(ctx context.Context, path, versionID string) (*Object, error)
}

// CleanPath normalizes and validates an object path. Paths are relative,
// slash-separated, and may not escape the store root.
func CleanPath(path string) (string, error) {
	p := strings.TrimPrefix(strings.TrimSpace(path), "/")
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("invalid path %q", path)
		}
	}
	return p, nil
}
