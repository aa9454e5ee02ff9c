// Package fingerprint derives stable identities for execution requests.
//
// A fingerprint covers the command line and the content of every
// non-excluded file beneath the input folder. It is independent of the
// folder's absolute location, of directory listing order, and of file
// timestamps: entries are hashed in lexicographic order of their
// slash-separated relative paths, and every field is length-framed so
// adjacent fields can never be confused.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/sourcegraph/conc/pool"

	"mockcode/internal/ignore"
)

// formatTag versions the canonical byte layout fed to the digest.
// Changing the layout means changing the tag.
const formatTag = "mockcode.fingerprint.v1"

const hexLen = sha256.Size * 2

// Fingerprint is the stable identity of an execution request, in the
// textual form "sha256:<hex>".
type Fingerprint string

// String returns the textual encoding.
func (fp Fingerprint) String() string { return string(fp) }

// DirName returns the filesystem-safe form used to name cache entry
// directories, with ':' replaced by '_'.
func (fp Fingerprint) DirName() string {
	return strings.ReplaceAll(string(fp), ":", "_")
}

// Short returns a truncated form for log output.
func (fp Fingerprint) Short() string {
	s := string(fp)
	if i := strings.IndexByte(s, ':'); i >= 0 && len(s) > i+13 {
		return s[:i+13]
	}
	return s
}

// ErrInvalidFingerprint is returned by Parse for malformed input.
var ErrInvalidFingerprint = errors.New("invalid fingerprint")

// Parse validates a fingerprint given in either textual ("sha256:<hex>")
// or directory ("sha256_<hex>") form.
func Parse(s string) (Fingerprint, error) {
	norm := s
	if strings.HasPrefix(norm, "sha256_") {
		norm = "sha256:" + norm[len("sha256_"):]
	}
	rest, ok := strings.CutPrefix(norm, "sha256:")
	if !ok || len(rest) != hexLen {
		return "", fmt.Errorf("%w: %q", ErrInvalidFingerprint, s)
	}
	if _, err := hex.DecodeString(rest); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidFingerprint, s)
	}
	return Fingerprint(norm), nil
}

// Request describes one execution to be fingerprinted. It is treated
// as immutable once constructed.
type Request struct {
	Command []string        // argv of the wrapped code, in order
	Dir     string          // input folder
	Exclude *ignore.Matcher // paths that do not contribute to identity
}

// UnreadableInputError reports an input file that could not be read
// while fingerprinting.
type UnreadableInputError struct {
	Path string
	Err  error
}

func (e *UnreadableInputError) Error() string {
	return fmt.Sprintf("input not readable: %s: %v", e.Path, e.Err)
}

func (e *UnreadableInputError) Unwrap() error { return e.Err }

// IsUnreadableInput reports whether err is an UnreadableInputError.
func IsUnreadableInput(err error) bool {
	var u *UnreadableInputError
	return errors.As(err, &u)
}

// Compute derives the fingerprint of a request. It reads every
// non-excluded file beneath req.Dir and has no other side effects.
func Compute(req Request) (Fingerprint, error) {
	paths, err := inputPaths(req.Dir, req.Exclude)
	if err != nil {
		return "", err
	}

	// Hash file contents in parallel; the combination below walks the
	// sorted path list, so concurrency never affects the result.
	digests := make([]string, len(paths))
	p := pool.New().WithErrors().WithFirstError().WithMaxGoroutines(runtime.GOMAXPROCS(0))
	for i, rel := range paths {
		i, rel := i, rel
		p.Go(func() error {
			sum, err := hashFile(filepath.Join(req.Dir, filepath.FromSlash(rel)))
			if err != nil {
				return &UnreadableInputError{Path: rel, Err: err}
			}
			digests[i] = sum
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return "", err
	}

	h := sha256.New()
	writeField(h, formatTag)
	writeCount(h, len(req.Command))
	for _, tok := range req.Command {
		writeField(h, tok)
	}
	writeCount(h, len(paths))
	for i, rel := range paths {
		writeField(h, rel)
		writeField(h, digests[i])
	}
	return Fingerprint("sha256:" + hex.EncodeToString(h.Sum(nil))), nil
}

// inputPaths lists the non-excluded files beneath dir as sorted
// slash-separated relative paths.
func inputPaths(dir string, exclude *ignore.Matcher) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			rel := path
			if r, rerr := filepath.Rel(dir, path); rerr == nil {
				rel = filepath.ToSlash(r)
			}
			return &UnreadableInputError{Path: rel, Err: err}
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		slashed := filepath.ToSlash(rel)
		if exclude.Match(slashed) {
			return nil
		}
		paths = append(paths, slashed)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// hashFile streams one file through sha256.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// writeField frames a field as an 8-byte big-endian length followed by
// the bytes themselves.
func writeField(h hash.Hash, field string) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(len(field)))
	h.Write(buf[:])
	h.Write([]byte(field))
}

// writeCount frames an element count.
func writeCount(h hash.Hash, n int) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	h.Write(buf[:])
}
