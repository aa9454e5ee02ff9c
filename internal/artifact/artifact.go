// Package artifact models recorded execution results: the captured
// output tree, exit code, and standard streams for one fingerprint.
package artifact

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"mockcode/internal/ignore"
)

// bundleTag versions the canonical byte layout of Bundle digests.
const bundleTag = "mockcode.bundle.v1"

// File is one entry of a captured tree. Path is slash-separated and
// relative to the tree root.
type File struct {
	Path    string
	Content []byte
}

// Bundle is the recorded result for one fingerprint. Files are kept
// sorted by Path. A bundle is treated as immutable once committed.
type Bundle struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Files    []File
}

// Clone returns a deep copy, so cached bundles can be handed out
// without aliasing their byte slices.
func (b *Bundle) Clone() *Bundle {
	if b == nil {
		return nil
	}
	c := &Bundle{
		ExitCode: b.ExitCode,
		Stdout:   append([]byte(nil), b.Stdout...),
		Stderr:   append([]byte(nil), b.Stderr...),
	}
	if b.Files != nil {
		c.Files = make([]File, len(b.Files))
		for i, f := range b.Files {
			c.Files[i] = File{Path: f.Path, Content: append([]byte(nil), f.Content...)}
		}
	}
	return c
}

// Digest returns a stable content digest over the exit code, both
// streams, and the file tree, in the form "sha256:<hex>". Equal
// digests mean byte-identical bundles.
func (b *Bundle) Digest() string {
	files := append([]File(nil), b.Files...)
	sortFiles(files)

	h := sha256.New()
	writeField(h, []byte(bundleTag))
	writeField(h, []byte(strconv.Itoa(b.ExitCode)))
	writeField(h, b.Stdout)
	writeField(h, b.Stderr)
	writeCount(h, len(files))
	for _, f := range files {
		writeField(h, []byte(f.Path))
		writeField(h, f.Content)
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// ReadTree loads every file beneath dir, minus those matching skip,
// as sorted slash-separated relative paths.
func ReadTree(dir string, skip *ignore.Matcher) ([]File, error) {
	var files []File
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		slashed := filepath.ToSlash(rel)
		if skip.Match(slashed) {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files = append(files, File{Path: slashed, Content: content})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read tree %s: %w", dir, err)
	}
	sortFiles(files)
	return files, nil
}

// RestoreTree writes files beneath dir, creating parent directories as
// needed. Files whose on-disk content already matches are left alone.
// Each write lands atomically so a crashed restore never leaves a
// half-written file behind.
func RestoreTree(dir string, files []File) (restored, skipped int, err error) {
	for _, f := range files {
		if err := ValidRelPath(f.Path); err != nil {
			return restored, skipped, err
		}
		target := filepath.Join(dir, filepath.FromSlash(f.Path))
		if existing, err := os.ReadFile(target); err == nil && bytes.Equal(existing, f.Content) {
			skipped++
			continue
		}
		if parent := filepath.Dir(target); parent != "." {
			if err := os.MkdirAll(parent, 0755); err != nil {
				return restored, skipped, fmt.Errorf("restore %s: %w", f.Path, err)
			}
		}
		if err := writeFileAtomic(target, f.Content); err != nil {
			return restored, skipped, fmt.Errorf("restore %s: %w", f.Path, err)
		}
		restored++
	}
	return restored, skipped, nil
}

// WriteTree materializes files beneath dir with plain writes. Used for
// staging areas that become visible only through an atomic rename.
func WriteTree(dir string, files []File) error {
	for _, f := range files {
		if err := ValidRelPath(f.Path); err != nil {
			return err
		}
		target := filepath.Join(dir, filepath.FromSlash(f.Path))
		if parent := filepath.Dir(target); parent != "." {
			if err := os.MkdirAll(parent, 0755); err != nil {
				return fmt.Errorf("write %s: %w", f.Path, err)
			}
		}
		if err := os.WriteFile(target, f.Content, 0644); err != nil {
			return fmt.Errorf("write %s: %w", f.Path, err)
		}
	}
	return nil
}

// ErrUnsafePath is returned for tree paths that could escape their
// root.
var ErrUnsafePath = errors.New("unsafe tree path")

// ValidRelPath rejects paths that are empty, absolute, or that
// traverse outside their root.
func ValidRelPath(p string) error {
	if p == "" || p == "." {
		return fmt.Errorf("%w: %q", ErrUnsafePath, p)
	}
	if strings.Contains(p, `\`) {
		return fmt.Errorf("%w: %q", ErrUnsafePath, p)
	}
	if !filepath.IsLocal(filepath.FromSlash(p)) {
		return fmt.Errorf("%w: %q", ErrUnsafePath, p)
	}
	return nil
}

// Diff summarizes how two file trees differ.
type Diff struct {
	Added   []string `json:"added,omitempty"`   // present only in the second tree
	Removed []string `json:"removed,omitempty"` // present only in the first tree
	Changed []string `json:"changed,omitempty"` // present in both with different content
}

// Empty reports whether the two trees were identical.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// String renders a compact single-line summary.
func (d Diff) String() string {
	if d.Empty() {
		return "trees identical"
	}
	var parts []string
	if len(d.Added) > 0 {
		parts = append(parts, "added "+strings.Join(d.Added, ","))
	}
	if len(d.Removed) > 0 {
		parts = append(parts, "removed "+strings.Join(d.Removed, ","))
	}
	if len(d.Changed) > 0 {
		parts = append(parts, "changed "+strings.Join(d.Changed, ","))
	}
	return strings.Join(parts, "; ")
}

// DiffFiles compares two file trees by path, reporting additions,
// removals, and content changes in sorted order.
func DiffFiles(a, b []File) Diff {
	am := make(map[string][]byte, len(a))
	for _, f := range a {
		am[f.Path] = f.Content
	}
	bm := make(map[string][]byte, len(b))
	for _, f := range b {
		bm[f.Path] = f.Content
	}

	var d Diff
	for path, content := range am {
		other, ok := bm[path]
		if !ok {
			d.Removed = append(d.Removed, path)
			continue
		}
		if !bytes.Equal(content, other) {
			d.Changed = append(d.Changed, path)
		}
	}
	for path := range bm {
		if _, ok := am[path]; !ok {
			d.Added = append(d.Added, path)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
	return d
}

func sortFiles(files []File) {
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
}

// writeFileAtomic writes content to a temp file in the target's
// directory and renames it into place.
func writeFileAtomic(target string, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-restore-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return err
	}
	if err := tmp.Chmod(0644); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		return err
	}
	tmpName = ""
	return nil
}

// writeField frames a field as an 8-byte big-endian length followed by
// the bytes themselves.
func writeField(h hash.Hash, field []byte) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(len(field)))
	h.Write(buf[:])
	h.Write(field)
}

// writeCount frames an element count.
func writeCount(h hash.Hash, n int) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	h.Write(buf[:])
}
