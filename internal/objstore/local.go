package objstore

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Local stores objects under a directory tree. Current content lives under
// <root>/objects/ and every written revision is kept under <root>/.versions/
// keyed by version ID.
type Local struct {
	root string
}

// NewLocal creates (if needed) and opens a local store rooted at dir.
func NewLocal(dir string) (*Local, error) {
	if dir == "" {
		return nil, fmt.Errorf("objstore: empty root dir")
	}
	for _, sub := range []string{"objects", ".versions"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("objstore: create %s: %w", sub, err)
		}
	}
	return &Local{root: dir}, nil
}

func (s *Local) objectPath(path string) string {
	return filepath.Join(s.root, "objects", filepath.FromSlash(path))
}

func (s *Local) versionDir(path string) string {
	return filepath.Join(s.root, ".versions", filepath.FromSlash(path))
}

func (s *Local) Read(ctx context.Context, path string) (*Object, error) {
	p, err := CleanPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.objectPath(p))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("objstore: read %s: %w", p, err)
	}
	info, err := os.Stat(s.objectPath(p))
	if err != nil {
		return nil, fmt.Errorf("objstore: stat %s: %w", p, err)
	}
	return &Object{Path: p, Content: string(data), UpdatedAt: info.ModTime().UTC()}, nil
}

func (s *Local) Write(ctx context.Context, path, content string) (string, error) {
	p, err := CleanPath(path)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256([]byte(content))
	versionID := fmt.Sprintf("%d-%x", time.Now().UTC().UnixNano(), sum[:6])

	vdir := s.versionDir(p)
	if err := os.MkdirAll(vdir, 0o755); err != nil {
		return "", fmt.Errorf("objstore: create version dir for %s: %w", p, err)
	}
	if err := os.WriteFile(filepath.Join(vdir, versionID), []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("objstore: write version of %s: %w", p, err)
	}

	dst := s.objectPath(p)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("objstore: create dir for %s: %w", p, err)
	}
	if err := os.WriteFile(dst, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("objstore: write %s: %w", p, err)
	}
	return versionID, nil
}

func (s *Local) List(ctx context.Context, prefix string, recursive bool) ([]Entry, error) {
	prefix = strings.TrimPrefix(strings.TrimSpace(prefix), "/")
	base := filepath.Join(s.root, "objects")
	start := base
	if prefix != "" {
		start = filepath.Join(base, filepath.FromSlash(strings.TrimSuffix(prefix, "/")))
	}

	info, err := os.Stat(start)
	if os.IsNotExist(err) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("objstore: list %s: %w", prefix, err)
	}
	if !info.IsDir() {
		return []Entry{{
			Path:      filepath.ToSlash(strings.TrimPrefix(start, base+string(os.PathSeparator))),
			Size:      info.Size(),
			UpdatedAt: info.ModTime().UTC(),
		}}, nil
	}

	var entries []Entry
	if recursive {
		err = filepath.Walk(start, func(p string, fi os.FileInfo, err error) error {
			if err != nil || fi.IsDir() {
				return err
			}
			rel := filepath.ToSlash(strings.TrimPrefix(p, base+string(os.PathSeparator)))
			entries = append(entries, Entry{Path: rel, Size: fi.Size(), UpdatedAt: fi.ModTime().UTC()})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("objstore: walk %s: %w", prefix, err)
		}
	} else {
		dirEntries, err := os.ReadDir(start)
		if err != nil {
			return nil, fmt.Errorf("objstore: list %s: %w", prefix, err)
		}
		for _, de := range dirEntries {
			rel := filepath.ToSlash(strings.TrimPrefix(filepath.Join(start, de.Name()), base+string(os.PathSeparator)))
			if de.IsDir() {
				entries = append(entries, Entry{Path: rel + "/", IsDir: true})
				continue
			}
			fi, err := de.Info()
			if err != nil {
				continue
			}
			entries = append(entries, Entry{Path: rel, Size: fi.Size(), UpdatedAt: fi.ModTime().UTC()})
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (s *Local) Delete(ctx context.Context, path string) error {
	p, err := CleanPath(path)
	if err != nil {
		return err
	}
	if err := os.Remove(s.objectPath(p)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("objstore: delete %s: %w", p, err)
	}
	// Version history is kept; rollback after delete remains possible.
	return nil
}

func (s *Local) Versions(ctx context.Context, path string, limit int) ([]Version, error) {
	p, err := CleanPath(path)
	if err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(s.versionDir(p))
	if os.IsNotExist(err) {
		return []Version{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("objstore: versions of %s: %w", p, err)
	}

	versions := make([]Version, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			continue
		}
		versions = append(versions, Version{ID: de.Name(), UpdatedAt: fi.ModTime().UTC(), Size: fi.Size()})
	}
	// Version IDs start with a zero-padded-free nanosecond timestamp, so a
	// reverse lexicographic sort on same-length IDs is newest first.
	sort.Slice(versions, func(i, j int) bool { return versions[i].ID > versions[j].ID })
	if limit > 0 && len(versions) > limit {
		versions = versions[:limit]
	}
	return versions, nil
}

func (s *Local) ReadVersion(ctx context.Context, path, versionID string) (*Object, error) {
	p, err := CleanPath(path)
	if err != nil {
		return nil, err
	}
	if strings.ContainsAny(versionID, "/\\") || versionID == "" {
		return nil, fmt.Errorf("objstore: invalid version id %q", versionID)
	}
	file := filepath.Join(s.versionDir(p), versionID)
	data, err := os.ReadFile(file)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("objstore: read version %s of %s: %w", versionID, p, err)
	}
	info, _ := os.Stat(file)
	obj := &Object{Path: p, Content: string(data)}
	if info != nil {
		obj.UpdatedAt = info.ModTime().UTC()
	}
	return obj, nil
}
