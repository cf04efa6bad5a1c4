package admission

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/pkg/types"
)

// Sandbox violations. Each rejects the whole operation; results are
// never silently truncated.
var (
	ErrOutsideRoot  = errors.New("path resolves outside the allowed root")
	ErrExcludedPath = errors.New("path is under an excluded directory")
	ErrTooDeep      = errors.New("directory tree exceeds the depth limit")
	ErrTooManyFiles = errors.New("scan exceeds the file count limit")
	ErrFileTooLarge = errors.New("file exceeds the size limit")
)

// Sandbox constrains file-system helper operations under an allow-listed
// root with depth, count, and size caps.
type Sandbox struct {
	cfg  config.SandboxConfig
	root string
}

// NewSandbox creates a sandbox rooted at cfg.Root.
func NewSandbox(cfg config.SandboxConfig) (*Sandbox, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("sandbox: resolve root: %w", err)
	}
	// The root itself may sit behind a symlink (macOS /tmp); resolve
	// it once so the containment check compares real paths.
	if real, rerr := filepath.EvalSymlinks(root); rerr == nil {
		root = real
	}
	return &Sandbox{cfg: cfg, root: root}, nil
}

// Root returns the resolved allow-listed root.
func (s *Sandbox) Root() string {
	return s.root
}

// resolve turns a requested path into an absolute path under the root,
// or reports the violation.
func (s *Sandbox) resolve(path string) (string, error) {
	if path == "" {
		path = "."
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(s.root, abs)
	}
	abs = filepath.Clean(abs)

	// Follow symlinks before the containment check so a link inside
	// the root cannot point reads outside it. A path that does not
	// exist yet cannot be a link; it is checked as written.
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}

	rel, err := filepath.Rel(s.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}

	if s.excluded(rel) {
		return "", fmt.Errorf("%w: %s", ErrExcludedPath, path)
	}
	return abs, nil
}

// excluded matches the root-relative path against the excluded globs.
func (s *Sandbox) excluded(rel string) bool {
	if rel == "." {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, pattern := range s.cfg.ExcludedGlobs {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
		// A directory matches patterns written for its children,
		// e.g. "node_modules" against "**/node_modules/**".
		if ok, _ := doublestar.Match(pattern, rel+"/"); ok {
			return true
		}
	}
	return false
}

// ScanDirectory walks the directory at path, returning every entry whose
// name contains searchTerm (all entries when empty). Excluded
// directories are not traversed. Exceeding the depth or count limit
// rejects the scan outright.
func (s *Sandbox) ScanDirectory(path, searchTerm string) ([]types.FileEntry, error) {
	abs, err := s.resolve(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("sandbox: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sandbox: not a directory: %s", path)
	}

	term := strings.ToLower(searchTerm)
	var entries []types.FileEntry

	walkErr := filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(abs, p)
		if rerr != nil {
			return rerr
		}
		if rel == "." {
			return nil
		}

		rootRel, rerr := filepath.Rel(s.root, p)
		if rerr == nil && s.excluded(rootRel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		depth := strings.Count(filepath.ToSlash(rel), "/") + 1
		if depth > s.cfg.MaxDepth {
			return ErrTooDeep
		}

		if term != "" && !strings.Contains(strings.ToLower(d.Name()), term) {
			if !d.IsDir() {
				return nil
			}
			// Directories that don't match still get traversed.
		} else {
			entryType := "file"
			if d.IsDir() {
				entryType = "directory"
			}
			entries = append(entries, types.FileEntry{
				Path: filepath.ToSlash(rel),
				Name: d.Name(),
				Type: entryType,
			})
			if len(entries) > s.cfg.MaxFiles {
				return ErrTooManyFiles
			}
		}
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}
	return entries, nil
}

// ReadFile reads the file at path, rejecting reads above the size cap.
func (s *Sandbox) ReadFile(path string) (*types.FileContent, error) {
	abs, err := s.resolve(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("sandbox: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("sandbox: is a directory: %s", path)
	}
	if info.Size() > s.cfg.MaxFileBytes {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrFileTooLarge, info.Size(), s.cfg.MaxFileBytes)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("sandbox: %w", err)
	}

	return &types.FileContent{
		Content:      string(data),
		Size:         info.Size(),
		LastModified: info.ModTime(),
	}, nil
}
