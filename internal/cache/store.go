// Package cache persists artifact bundles keyed by fingerprint.
//
// Each entry lives in its own directory named by the fingerprint's
// textual encoding:
//
//	<dir>/sha256_<hex>/meta.json
//	<dir>/sha256_<hex>/stdout
//	<dir>/sha256_<hex>/stderr
//	<dir>/sha256_<hex>/output/...
//
// Entries are write-once. A commit materializes the whole entry in a
// temporary directory and renames it into place, so concurrent readers
// observe either nothing or a complete entry, never a partial one. The
// first successful commit for a fingerprint is authoritative; a later
// commit with identical content is a no-op, and one with different
// content is a conflict.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mockcode/internal/artifact"
	"mockcode/internal/fingerprint"
)

const (
	metaFile   = "meta.json"
	stdoutFile = "stdout"
	stderrFile = "stderr"
	outputDir  = "output"

	// tmpPrefix marks staging directories; anything so named is
	// invisible to List and skipped by maintenance walks.
	tmpPrefix = ".tmp-"

	metaSchemaVersion = 1
)

// ErrEntryNotFound is returned by Meta and Delete for fingerprints
// with no committed entry.
var ErrEntryNotFound = errors.New("cache entry not found")

// Meta is the per-entry metadata record. Label and Command describe
// the invocation that produced the entry; they are informational and
// never participate in the identity or conflict decision.
type Meta struct {
	SchemaVersion int       `json:"schemaVersion"`
	Fingerprint   string    `json:"fingerprint"`
	Label         string    `json:"label,omitempty"`
	Command       []string  `json:"command,omitempty"`
	ExitCode      int       `json:"exitCode"`
	BundleDigest  string    `json:"bundleDigest"`
	OutputFiles   int       `json:"outputFiles"`
	CreatedAt     time.Time `json:"createdAt"`
}

// CommitInfo annotates a new entry's metadata record.
type CommitInfo struct {
	Label   string
	Command []string
}

// EntrySummary is one row of a store listing.
type EntrySummary struct {
	Fingerprint string    `json:"fingerprint"`
	ExitCode    int       `json:"exitCode"`
	OutputFiles int       `json:"outputFiles"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store manages the entries beneath one directory.
type Store struct {
	Dir string
}

// NewStore creates a store rooted at dir. The directory is created
// lazily on first commit.
func NewStore(dir string) *Store {
	return &Store{Dir: dir}
}

// Lookup returns the bundle committed under fp, or nil when no entry
// exists. It never blocks a concurrent commit.
func (s *Store) Lookup(fp fingerprint.Fingerprint) (*artifact.Bundle, error) {
	meta, err := s.Meta(fp)
	if errors.Is(err, ErrEntryNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return loadBundleDir(s.entryDir(fp), meta)
}

// Meta reads the metadata record for fp.
func (s *Store) Meta(fp fingerprint.Fingerprint) (Meta, error) {
	data, err := os.ReadFile(filepath.Join(s.entryDir(fp), metaFile))
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{}, ErrEntryNotFound
		}
		return Meta{}, err
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return Meta{}, fmt.Errorf("corrupt cache entry %s: %w", fp.Short(), err)
	}
	return m, nil
}

// Exists reports whether an entry for fp has been committed.
func (s *Store) Exists(fp fingerprint.Fingerprint) bool {
	_, err := os.Stat(filepath.Join(s.entryDir(fp), metaFile))
	return err == nil
}

// Commit atomically publishes bundle under fp. Re-committing an
// identical bundle succeeds as a no-op; a different bundle for the
// same fingerprint returns a ConflictError. Storage failures are
// wrapped in CommitError and never retried here.
func (s *Store) Commit(fp fingerprint.Fingerprint, b *artifact.Bundle, info CommitInfo) error {
	digest := b.Digest()

	existing, err := s.Meta(fp)
	if err == nil {
		return s.resolveExisting(fp, existing, b, digest)
	}
	if !errors.Is(err, ErrEntryNotFound) {
		return &CommitError{Err: err}
	}

	tmp, err := s.StageDir()
	if err != nil {
		return &CommitError{Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(tmp)
		}
	}()

	if err := writeEntry(tmp, fp, b, digest, info); err != nil {
		return &CommitError{Err: err}
	}

	if err := os.Rename(tmp, s.entryDir(fp)); err != nil {
		// Lost the publish race: another process renamed first.
		if winner, merr := s.Meta(fp); merr == nil {
			return s.resolveExisting(fp, winner, b, digest)
		}
		return &CommitError{Err: err}
	}
	committed = true
	return nil
}

// StageDir creates a staging directory on the same filesystem as the
// store, suitable for renaming into place.
func (s *Store) StageDir() (string, error) {
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return "", err
	}
	return os.MkdirTemp(s.Dir, tmpPrefix)
}

// ImportEntry publishes a staged entry directory, typically unpacked
// from an archive, under the same first-commit-wins rules as Commit.
// It reports whether the entry was added (false means an identical
// entry was already present). The staged directory is consumed on
// success.
func (s *Store) ImportEntry(staged string) (bool, error) {
	meta, bundle, err := readEntryDir(staged)
	if err != nil {
		return false, fmt.Errorf("staged entry %s: %w", staged, err)
	}
	fp, err := fingerprint.Parse(meta.Fingerprint)
	if err != nil {
		return false, fmt.Errorf("staged entry %s: %w", staged, err)
	}

	if existing, err := s.Meta(fp); err == nil {
		if rerr := s.resolveExisting(fp, existing, bundle, meta.BundleDigest); rerr != nil {
			return false, rerr
		}
		os.RemoveAll(staged)
		return false, nil
	} else if !errors.Is(err, ErrEntryNotFound) {
		return false, &CommitError{Err: err}
	}

	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return false, &CommitError{Err: err}
	}
	if err := os.Rename(staged, s.entryDir(fp)); err != nil {
		if winner, merr := s.Meta(fp); merr == nil {
			if rerr := s.resolveExisting(fp, winner, bundle, meta.BundleDigest); rerr != nil {
				return false, rerr
			}
			os.RemoveAll(staged)
			return false, nil
		}
		return false, &CommitError{Err: err}
	}
	return true, nil
}

// Delete removes the entry for fp.
func (s *Store) Delete(fp fingerprint.Fingerprint) error {
	if !s.Exists(fp) {
		return ErrEntryNotFound
	}
	return os.RemoveAll(s.entryDir(fp))
}

// List returns summaries for every committed entry, skipping staging
// directories and anything unreadable or malformed.
func (s *Store) List() ([]EntrySummary, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []EntrySummary{}, nil
		}
		return nil, err
	}

	var summaries []EntrySummary
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.Dir, entry.Name(), metaFile))
		if err != nil {
			continue
		}
		var m Meta
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		summaries = append(summaries, EntrySummary{
			Fingerprint: m.Fingerprint,
			ExitCode:    m.ExitCode,
			OutputFiles: m.OutputFiles,
			CreatedAt:   m.CreatedAt,
		})
	}
	return summaries, nil
}

// Prune removes entries older than olderThan (no age filter when
// zero) and, when failedOnly is set, only those with a non-zero exit
// code. Returns the number of entries removed.
func (s *Store) Prune(olderThan time.Duration, failedOnly bool) (int, error) {
	summaries, err := s.List()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan)
	deleted := 0
	for _, sum := range summaries {
		if olderThan > 0 && !sum.CreatedAt.Before(cutoff) {
			continue
		}
		if failedOnly && sum.ExitCode == 0 {
			continue
		}
		fp, err := fingerprint.Parse(sum.Fingerprint)
		if err != nil {
			continue
		}
		if err := os.RemoveAll(s.entryDir(fp)); err == nil {
			deleted++
		}
	}
	return deleted, nil
}

// VerifyResult describes one entry checked against its recorded
// digest.
type VerifyResult struct {
	Fingerprint string `json:"fingerprint"`
	OK          bool   `json:"ok"`
	Detail      string `json:"detail,omitempty"`
}

// Verify recomputes each entry's bundle digest from disk and compares
// it with the recorded one, reporting bit rot or tampering.
func (s *Store) Verify() ([]VerifyResult, error) {
	summaries, err := s.List()
	if err != nil {
		return nil, err
	}

	var results []VerifyResult
	for _, sum := range summaries {
		res := VerifyResult{Fingerprint: sum.Fingerprint, OK: true}
		fp, err := fingerprint.Parse(sum.Fingerprint)
		if err != nil {
			res.OK = false
			res.Detail = err.Error()
			results = append(results, res)
			continue
		}
		meta, bundle, err := readEntryDir(s.entryDir(fp))
		if err != nil {
			res.OK = false
			res.Detail = err.Error()
			results = append(results, res)
			continue
		}
		if got := bundle.Digest(); got != meta.BundleDigest {
			res.OK = false
			res.Detail = fmt.Sprintf("digest mismatch: recorded %s, computed %s", shortDigest(meta.BundleDigest), shortDigest(got))
		}
		results = append(results, res)
	}
	return results, nil
}

// resolveExisting decides the fate of a commit that found an entry
// already present: identical content is a silent success, anything
// else is a conflict.
func (s *Store) resolveExisting(fp fingerprint.Fingerprint, existing Meta, offered *artifact.Bundle, offeredDigest string) error {
	if existing.BundleDigest == offeredDigest {
		return nil
	}
	conflict := &ConflictError{
		Fingerprint:    fp,
		ExistingDigest: existing.BundleDigest,
		OfferedDigest:  offeredDigest,
	}
	if _, winner, err := readEntryDir(s.entryDir(fp)); err == nil {
		conflict.Diff = artifact.DiffFiles(winner.Files, offered.Files)
	}
	return conflict
}

func (s *Store) entryDir(fp fingerprint.Fingerprint) string {
	return filepath.Join(s.Dir, fp.DirName())
}

// writeEntry materializes a complete entry beneath dir.
func writeEntry(dir string, fp fingerprint.Fingerprint, b *artifact.Bundle, digest string, info CommitInfo) error {
	if err := os.WriteFile(filepath.Join(dir, stdoutFile), b.Stdout, 0644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, stderrFile), b.Stderr, 0644); err != nil {
		return err
	}
	out := filepath.Join(dir, outputDir)
	if err := os.MkdirAll(out, 0755); err != nil {
		return err
	}
	if err := artifact.WriteTree(out, b.Files); err != nil {
		return err
	}

	meta := Meta{
		SchemaVersion: metaSchemaVersion,
		Fingerprint:   fp.String(),
		Label:         info.Label,
		Command:       info.Command,
		ExitCode:      b.ExitCode,
		BundleDigest:  digest,
		OutputFiles:   len(b.Files),
		CreatedAt:     time.Now().UTC(),
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, metaFile), data, 0644)
}

// readEntryDir loads a complete entry from disk.
func readEntryDir(dir string) (Meta, *artifact.Bundle, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return Meta{}, nil, err
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, nil, fmt.Errorf("corrupt metadata: %w", err)
	}

	stdout, err := os.ReadFile(filepath.Join(dir, stdoutFile))
	if err != nil {
		return Meta{}, nil, err
	}
	stderr, err := os.ReadFile(filepath.Join(dir, stderrFile))
	if err != nil {
		return Meta{}, nil, err
	}
	files, err := artifact.ReadTree(filepath.Join(dir, outputDir), nil)
	if err != nil {
		return Meta{}, nil, err
	}
	return meta, &artifact.Bundle{
		ExitCode: meta.ExitCode,
		Stdout:   stdout,
		Stderr:   stderr,
		Files:    files,
	}, nil
}

// loadBundleDir is readEntryDir for callers that already hold the
// metadata.
func loadBundleDir(dir string, meta Meta) (*artifact.Bundle, error) {
	stdout, err := os.ReadFile(filepath.Join(dir, stdoutFile))
	if err != nil {
		return nil, err
	}
	stderr, err := os.ReadFile(filepath.Join(dir, stderrFile))
	if err != nil {
		return nil, err
	}
	files, err := artifact.ReadTree(filepath.Join(dir, outputDir), nil)
	if err != nil {
		return nil, err
	}
	return &artifact.Bundle{
		ExitCode: meta.ExitCode,
		Stdout:   stdout,
		Stderr:   stderr,
		Files:    files,
	}, nil
}

func shortDigest(d string) string {
	if i := strings.IndexByte(d, ':'); i >= 0 && len(d) > i+13 {
		return d[:i+13]
	}
	return d
}
