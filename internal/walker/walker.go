// Package walker implements C1: enumerating a local directory tree subject
// to an ignore spec, hashing each included file in a single streaming
// pass, and classifying its media type (spec.md §4.1).
package walker

import (
	"crypto/sha256"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/nsite-tools/nsite-publish/internal/ignorefile"
	"github.com/nsite-tools/nsite-publish/internal/model"
)

// SmallFileThreshold is the size at or under which a file's content is buffered
// during the hashing pass for reuse at upload time (spec.md §4.1).
const SmallFileThreshold = 1 << 20 // 1 MiB

// FileError records an I/O error encountered for a single file; it never
// aborts the walk (spec.md §4.1 "Errors").
type FileError struct {
	Path string
	Err  error
}

func (e FileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

// Result is the output of Walk: included files and ignored paths, both in
// stable lexicographic order by path, plus any per-file errors.
type Result struct {
	Included []model.FileEntry
	Ignored  []string
	Errors   []FileError
}

type visitedDir struct {
	dev, ino uint64
}

// Walk enumerates root, applying spec to prune ignored files and
// directories, and hashes every included file.
func Walk(root string, spec *ignorefile.Spec) (Result, error) {
	if spec == nil {
		spec = ignorefile.Empty()
	}
	var res Result
	seen := map[visitedDir]bool{}

	root = filepath.Clean(root)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			res.Errors = append(res.Errors, FileError{Path: p, Err: err})
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}

		if d.IsDir() {
			if spec.MatchDir(rel) {
				res.Ignored = append(res.Ignored, rel)
				return filepath.SkipDir
			}
			info, statErr := d.Info()
			if statErr == nil {
				if sys, ok := info.Sys().(*syscall.Stat_t); ok {
					key := visitedDir{dev: uint64(sys.Dev), ino: sys.Ino}
					if seen[key] {
						return filepath.SkipDir
					}
					seen[key] = true
				}
			}
			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 {
			target, statErr := filepath.EvalSymlinks(p)
			if statErr != nil {
				res.Errors = append(res.Errors, FileError{Path: rel, Err: statErr})
				return nil
			}
			info, statErr := os.Stat(target)
			if statErr != nil {
				res.Errors = append(res.Errors, FileError{Path: rel, Err: statErr})
				return nil
			}
			if info.IsDir() {
				// Followed symlink points at a directory; skip it rather
				// than walking it a second time (loop protection relies
				// on device+inode tracking above, not on following here).
				return nil
			}
		}

		if spec.Match(rel) {
			res.Ignored = append(res.Ignored, rel)
			return nil
		}

		entry, hashErr := hashFile(root, rel)
		if hashErr != nil {
			res.Errors = append(res.Errors, FileError{Path: rel, Err: hashErr})
			return nil
		}
		res.Included = append(res.Included, entry)
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("walking %s: %w", root, err)
	}

	sort.Slice(res.Included, func(i, j int) bool { return res.Included[i].Path < res.Included[j].Path })
	sort.Strings(res.Ignored)
	return res, nil
}

func hashFile(root, rel string) (model.FileEntry, error) {
	full := filepath.Join(root, filepath.FromSlash(rel))
	f, err := os.Open(full)
	if err != nil {
		return model.FileEntry{}, fmt.Errorf("opening %s: %w", rel, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return model.FileEntry{}, fmt.Errorf("stating %s: %w", rel, err)
	}

	h := sha256.New()
	var buf []byte
	if info.Size() <= SmallFileThreshold {
		buf = make([]byte, 0, info.Size())
	}
	reader := io.TeeReader(f, h)
	if buf != nil {
		b, readErr := io.ReadAll(reader)
		if readErr != nil {
			return model.FileEntry{}, fmt.Errorf("reading %s: %w", rel, readErr)
		}
		buf = b
	} else {
		if _, copyErr := io.Copy(io.Discard, reader); copyErr != nil {
			return model.FileEntry{}, fmt.Errorf("reading %s: %w", rel, copyErr)
		}
	}

	entry := model.FileEntry{
		Path:      "/" + rel,
		Size:      info.Size(),
		Hash:      fmt.Sprintf("%x", h.Sum(nil)),
		MediaType: MediaType(rel),
	}
	if buf != nil {
		entry.Content = buf
	}
	return entry, nil
}

// ReadContent re-reads a file's bytes at upload time for entries whose
// content was not buffered during the walk (spec.md §4.1, §9).
func ReadContent(root string, entry model.FileEntry) ([]byte, error) {
	if entry.Content != nil {
		return entry.Content, nil
	}
	rel := strings.TrimPrefix(entry.Path, "/")
	full := filepath.Join(root, filepath.FromSlash(rel))
	b, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("reading %s for upload: %w", entry.Path, err)
	}
	return b, nil
}

var mediaTypes = map[string]string{
	".html": "text/html",
	".htm":  "text/html",
	".css":  "text/css",
	".js":   "application/javascript",
	".mjs":  "application/javascript",
	".json": "application/json",
	".xml":  "application/xml",
	".svg":  "image/svg+xml",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".ico":  "image/x-icon",
	".woff": "font/woff",
	".woff2": "font/woff2",
	".ttf":  "font/ttf",
	".otf":  "font/otf",
	".txt":  "text/plain",
	".md":   "text/markdown",
	".pdf":  "application/pdf",
	".wasm": "application/wasm",
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mp3":  "audio/mpeg",
}

// MediaType derives a media type from a path's extension, defaulting to
// application/octet-stream (spec.md §4.1).
func MediaType(p string) string {
	ext := strings.ToLower(path.Ext(p))
	if mt, ok := mediaTypes[ext]; ok {
		return mt
	}
	return "application/octet-stream"
}
