// Package archive moves cache entries between machines as gzipped
// tarballs. Member names follow the on-disk layout, label first:
//
//	<label>/<entry>/meta.json
//	<label>/<entry>/stdout
//	<label>/<entry>/stderr
//	<label>/<entry>/output/...
//
// Import unpacks into a staging directory inside the cache root and
// publishes each entry through the store, so the usual
// first-commit-wins rules apply to imported entries too.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"mockcode/internal/cache"
)

// Export writes the entries for the given labels beneath root into a
// tar.gz at outPath. A nil labels slice exports every label. Returns
// the number of entries written.
func Export(root string, labels []string, outPath string) (entries int, err error) {
	if labels == nil {
		labels, err = discoverLabels(root)
		if err != nil {
			return 0, err
		}
	}

	f, err := os.Create(outPath)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(outPath)
		}
	}()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	for _, label := range labels {
		labelDir := filepath.Join(root, label)
		dirs, rerr := os.ReadDir(labelDir)
		if rerr != nil {
			err = fmt.Errorf("label %q: %w", label, rerr)
			return 0, err
		}
		for _, d := range dirs {
			if !d.IsDir() || strings.HasPrefix(d.Name(), ".") {
				continue
			}
			if err = addEntry(tw, filepath.Join(labelDir, d.Name()), path.Join(label, d.Name())); err != nil {
				return 0, err
			}
			entries++
		}
	}

	if err = tw.Close(); err != nil {
		return 0, err
	}
	if err = gz.Close(); err != nil {
		return 0, err
	}
	if err = f.Close(); err != nil {
		return 0, err
	}
	return entries, nil
}

// ImportResult summarizes one import.
type ImportResult struct {
	// Added counts entries new to this cache.
	Added int
	// Skipped counts entries already present with identical content.
	Skipped int
}

// Import unpacks the archive at archivePath into the cache beneath
// root. Identical duplicates are skipped; an entry conflicting with
// one already cached aborts the import, leaving entries imported
// before the conflict in place.
func Import(root, archivePath string) (ImportResult, error) {
	var res ImportResult

	f, err := os.Open(archivePath)
	if err != nil {
		return res, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return res, fmt.Errorf("read archive %s: %w", archivePath, err)
	}
	defer gz.Close()

	// Stage inside the root so publishing is a same-filesystem rename.
	if err := os.MkdirAll(root, 0755); err != nil {
		return res, err
	}
	staging, err := os.MkdirTemp(root, ".import-*")
	if err != nil {
		return res, err
	}
	defer os.RemoveAll(staging)

	if err := unpack(tar.NewReader(gz), staging); err != nil {
		return res, fmt.Errorf("unpack archive %s: %w", archivePath, err)
	}

	labels, err := discoverLabels(staging)
	if err != nil {
		return res, err
	}
	for _, label := range labels {
		store := cache.NewStore(filepath.Join(root, label))
		labelDir := filepath.Join(staging, label)
		dirs, err := os.ReadDir(labelDir)
		if err != nil {
			return res, err
		}
		for _, d := range dirs {
			if !d.IsDir() {
				continue
			}
			added, err := store.ImportEntry(filepath.Join(labelDir, d.Name()))
			if err != nil {
				return res, fmt.Errorf("import %s/%s: %w", label, d.Name(), err)
			}
			if added {
				res.Added++
			} else {
				res.Skipped++
			}
		}
	}
	return res, nil
}

// unpack extracts regular files and directories into dst, rejecting
// member names that would escape it or that sit outside the
// label/entry/file layout.
func unpack(tr *tar.Reader, dst string) error {
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		name := path.Clean(hdr.Name)
		if !filepath.IsLocal(filepath.FromSlash(name)) {
			return fmt.Errorf("unsafe member name %q", hdr.Name)
		}
		if len(strings.Split(name, "/")) < 3 {
			return fmt.Errorf("member %q outside label/entry layout", hdr.Name)
		}
		target := filepath.Join(dst, filepath.FromSlash(name))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("member %q has unsupported type %d", hdr.Name, hdr.Typeflag)
		}
	}
}

// addEntry writes every file under dir as tar members prefixed with
// memberPrefix.
func addEntry(tw *tar.Writer, dir, memberPrefix string) error {
	return filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		hdr := &tar.Header{
			Name:    path.Join(memberPrefix, filepath.ToSlash(rel)),
			Mode:    0644,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		in, err := os.Open(p)
		if err != nil {
			return err
		}
		if _, err := io.Copy(tw, in); err != nil {
			in.Close()
			return err
		}
		return in.Close()
	})
}

// discoverLabels lists the label directories beneath root, sorted.
func discoverLabels(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var labels []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			labels = append(labels, e.Name())
		}
	}
	sort.Strings(labels)
	return labels, nil
}
